package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/profiler"
	"github.com/rudderlabs/rudder-go-kit/stats"
	svcMetric "github.com/rudderlabs/rudder-go-kit/stats/metric"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-migrate/internal/api"
	"github.com/rudderlabs/rudder-migrate/internal/heartbeat"
	"github.com/rudderlabs/rudder-migrate/internal/orchestrator"
	"github.com/rudderlabs/rudder-migrate/internal/progress"
	"github.com/rudderlabs/rudder-migrate/internal/task"
	"github.com/rudderlabs/rudder-migrate/internal/workspace"
	"github.com/rudderlabs/rudder-migrate/jsonrs"
	"github.com/rudderlabs/rudder-migrate/rruntime"
	"github.com/rudderlabs/rudder-migrate/utils/crash"
)

const appName = "rudder-migrate"

// ReleaseInfo holds the release information
type ReleaseInfo struct {
	Version   string
	Commit    string
	BuildDate string
	BuiltBy   string
}

// Runner is responsible for running the application
type Runner struct {
	releaseInfo             ReleaseInfo
	conf                    *config.Config
	rootLogger              logger.Logger
	logger                  logger.Logger
	stdout                  io.Writer
	gracefulShutdownTimeout time.Duration
}

type options struct {
	withReverse bool
	withCheck   bool
}

// New creates and initializes a new Runner
func New(releaseInfo ReleaseInfo) *Runner {
	return newRunner(releaseInfo, config.Default, logger.NewLogger())
}

func newRunner(releaseInfo ReleaseInfo, conf *config.Config, log logger.Logger) *Runner {
	return &Runner{
		releaseInfo:             releaseInfo,
		conf:                    conf,
		rootLogger:              log,
		logger:                  log.Child("runner"),
		stdout:                  os.Stdout,
		gracefulShutdownTimeout: conf.GetDurationVar(15, time.Second, "GracefulShutdownTimeout"),
	}
}

// Run runs the application and returns the exit code
func (r *Runner) Run(ctx context.Context, args []string) int {
	exitCode := 0
	app := &cli.App{
		Name:  appName,
		Usage: "migrate a database: full dump, then incremental replication until stopped",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "status-dir",
				Usage: "directory the tools write their status documents and logs to",
			},
			&cli.StringFlag{
				Name:  "workspace-id",
				Usage: "identifier of this migration run, random when empty",
			},
			&cli.BoolFlag{
				Name:  "with-reverse",
				Usage: "start reverse replication once incremental replication runs",
			},
			&cli.BoolFlag{
				Name:  "with-check",
				Usage: "start the data check once incremental replication runs",
			},
		},
		Action: func(c *cli.Context) error {
			if c.IsSet("status-dir") {
				r.conf.Set("Migration.statusDir", c.String("status-dir"))
			}
			if c.IsSet("workspace-id") {
				r.conf.Set("Migration.workspaceId", c.String("workspace-id"))
			}
			exitCode = r.run(c.Context, options{
				withReverse: c.Bool("with-reverse"),
				withCheck:   c.Bool("with-check"),
			})
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "print version information",
				Action: func(*cli.Context) error {
					r.printVersion()
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "print the object statuses of the migration in --status-dir",
				Action: func(c *cli.Context) error {
					if c.IsSet("status-dir") {
						r.conf.Set("Migration.statusDir", c.String("status-dir"))
					}
					return printStatus(c.Context, r.conf, r.stdout)
				},
			},
		},
	}
	if err := app.RunContext(ctx, args); err != nil {
		r.logger.Errorn("Invalid command line", obskit.Error(err))
		return 1
	}
	return exitCode
}

func (r *Runner) run(ctx context.Context, opts options) int {
	statsOptions := []stats.Option{
		stats.WithServiceName(appName),
		stats.WithServiceVersion(r.releaseInfo.Version),
		stats.WithDefaultHistogramBuckets(defaultHistogramBuckets),
	}
	for histogramName, buckets := range customBuckets {
		statsOptions = append(statsOptions, stats.WithHistogramBuckets(histogramName, buckets))
	}
	stats.Default = stats.NewStats(r.conf, logger.Default, svcMetric.Instance, statsOptions...)
	if err := stats.Default.Start(ctx, rruntime.GoRoutineFactory); err != nil {
		r.logger.Errorn("Failed to start stats", obskit.Error(err))
		return 1
	}
	defer stats.Default.Stop()

	crash.Configure(r.logger, crash.PanicWrapperOpts{
		ReleaseStage: r.conf.GetStringVar("development", "GO_ENV"),
		AppType:      appName,
		AppVersion:   r.releaseInfo.Version,
	})
	defer crash.Notify("Core")()

	ws, err := workspace.NewFromConfig(r.conf)
	if err != nil {
		r.logger.Errorn("Unable to prepare workspace", obskit.Error(err))
		return 1
	}
	log := r.logger.Withn(logger.NewStringField("workspaceId", ws.ID()))
	log.Infon("Starting migration", logger.NewStringField("statusDir", ws.StatusDir()))

	factory := &taskFactory{conf: r.conf, log: r.rootLogger, stats: stats.Default, ws: ws}
	reader := progress.NewReader(r.conf, factory.log, ws)
	full := task.NewFull(r.conf, factory.log, stats.Default, factory.process(toolFullDump), reader)
	monitor := heartbeat.New(ws,
		heartbeat.WithInterval(r.conf.GetDurationVar(1, time.Second, "Migration.heartbeat.interval")),
		heartbeat.WithLogger(factory.log),
		heartbeat.WithStats(stats.Default),
	)
	o := orchestrator.New(factory.log, stats.Default, factory, full, monitor, ws)

	// cancelled by the control API once the migration was stopped through it
	ctx, shutdown := context.WithCancel(ctx)
	defer shutdown()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(crash.Wrapper(func() error {
		if err := o.Start(gctx); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
		if opts.withReverse {
			if err := o.StartReverse(gctx); err != nil {
				return fmt.Errorf("reverse replication: %w", err)
			}
		}
		if opts.withCheck {
			if err := o.StartCheck(gctx); err != nil {
				return fmt.Errorf("data check: %w", err)
			}
		}
		return nil
	}))
	g.Go(func() error {
		select {
		case err := <-o.Faults():
			return fmt.Errorf("background: %w", err)
		case <-gctx.Done():
			return nil
		}
	})

	if r.conf.GetBoolVar(true, "Migration.api.enabled") {
		a := api.NewApi(r.conf, factory.log, stats.Default, ws.ID(), o, reader, shutdown)
		g.Go(crash.Wrapper(func() error {
			if err := a.Start(gctx); err != nil {
				return fmt.Errorf("control api: %w", err)
			}
			return nil
		}))
	}

	if r.conf.GetBoolVar(false, "Profiler.Enabled") {
		g.Go(func() error {
			return profiler.StartServer(gctx, r.conf.GetIntVar(7777, 1, "Profiler.Port"))
		})
	}

	groupDone := make(chan error, 1)
	go func() {
		groupDone <- g.Wait()
	}()

	var fatal error
	select {
	case err := <-groupDone:
		groupDone <- err
		if err != nil && ctx.Err() == nil {
			fatal = err
		}
	case <-ctx.Done():
	}

	if fatal != nil {
		log.Errorn("Terminal error", obskit.Error(fatal))
		stopCtx, cancel := context.WithTimeout(context.Background(), r.gracefulShutdownTimeout)
		o.StopOnError(stopCtx)
		cancel()
		shutdown()
		<-groupDone
		logger.Sync()
		return 1
	}

	<-ctx.Done()
	ctxDoneTime := time.Now()
	log.Infon("Attempting to shutdown gracefully")

	stopCtx, cancel := context.WithTimeout(context.Background(), r.gracefulShutdownTimeout)
	defer cancel()
	shutdownDone := make(chan error, 1)
	go func() {
		err := o.Stop(stopCtx)
		<-groupDone
		shutdownDone <- err
	}()

	select {
	case err := <-shutdownDone:
		log.Infon("Graceful termination",
			logger.NewDurationField("duration", time.Since(ctxDoneTime)),
			logger.NewIntField("goroutines", int64(runtime.NumGoroutine())),
		)
		logger.Sync()
		if err != nil && !errors.Is(err, context.Canceled) {
			return 1
		}
	case <-time.After(r.gracefulShutdownTimeout):
		log.Errorn("Graceful termination failed, goroutine dump follows",
			logger.NewDurationField("duration", time.Since(ctxDoneTime)),
		)
		_, _ = fmt.Fprint(r.stdout, "\n\n")
		_ = pprof.Lookup("goroutine").WriteTo(r.stdout, 1)
		_, _ = fmt.Fprint(r.stdout, "\n\n")
		logger.Sync()
		return 1
	}
	return 0
}

func (r *Runner) versionInfo() map[string]interface{} {
	return map[string]interface{}{
		"Version":   r.releaseInfo.Version,
		"Commit":    r.releaseInfo.Commit,
		"BuildDate": r.releaseInfo.BuildDate,
		"BuiltBy":   r.releaseInfo.BuiltBy,
	}
}

func (r *Runner) printVersion() {
	version := r.versionInfo()
	versionFormatted, _ := jsonrs.MarshalIndent(&version, "", " ")
	_, _ = fmt.Fprintf(r.stdout, "Version Info %s\n", versionFormatted)
}
