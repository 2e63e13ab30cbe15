// Package process starts and stops the external migration tools as child processes.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-migrate/internal/model"
	"github.com/rudderlabs/rudder-migrate/rruntime"
	"github.com/rudderlabs/rudder-migrate/utils/misc"
)

// Tool describes how to launch one external tool.
type Tool struct {
	Name    string
	Command string
	Args    []string
	// ResumeArgs are used by Resume; Args are used when empty.
	ResumeArgs []string
	Env        []string
	Dir        string
	// LogPath receives the tool's stdout and stderr, appended.
	LogPath string
}

// ToolFromConfig reads Migration.tools.<name>.command, .args and .resumeArgs.
func ToolFromConfig(conf *config.Config, name, logPath string) Tool {
	prefix := "Migration.tools." + name
	return Tool{
		Name:       name,
		Command:    conf.GetStringVar("", prefix+".command"),
		Args:       conf.GetStringSlice(prefix+".args", nil),
		ResumeArgs: conf.GetStringSlice(prefix+".resumeArgs", nil),
		Dir:        conf.GetStringVar("", prefix+".dir"),
		LogPath:    logPath,
	}
}

// Process controls a single running instance of a Tool. Start, Resume and Stop are bounded
// by the configured timeouts and report overruns as model.ErrProcessControl.
type Process struct {
	tool  Tool
	log   logger.Logger
	stats stats.Stats

	config struct {
		startTimeout config.ValueLoader[time.Duration]
		stopTimeout  config.ValueLoader[time.Duration]
		killTimeout  config.ValueLoader[time.Duration]
	}

	// ctl serializes launch and stop
	ctl sync.Mutex

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	exitErr error
}

func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, tool Tool) *Process {
	p := &Process{
		tool:  tool,
		log:   log.Child("process").Withn(logger.NewStringField("tool", tool.Name)),
		stats: statsFactory,
	}
	p.config.startTimeout = conf.GetReloadableDurationVar(30, time.Second, "Migration.process.startTimeout")
	p.config.stopTimeout = conf.GetReloadableDurationVar(30, time.Second, "Migration.process.stopTimeout")
	p.config.killTimeout = conf.GetReloadableDurationVar(5, time.Second, "Migration.process.killTimeout")
	closed := make(chan struct{})
	close(closed)
	p.exited = closed
	return p
}

func (p *Process) Name() string { return p.tool.Name }

func (p *Process) LogPath() string { return p.tool.LogPath }

func (p *Process) Start(ctx context.Context) error {
	return p.launch(ctx, "start", p.tool.Args)
}

func (p *Process) Resume(ctx context.Context) error {
	args := p.tool.ResumeArgs
	if len(args) == 0 {
		args = p.tool.Args
	}
	return p.launch(ctx, "resume", args)
}

// StartWith starts the tool with extra arguments appended to the configured ones.
func (p *Process) StartWith(ctx context.Context, extra ...string) error {
	return p.launch(ctx, "start", append(append([]string(nil), p.tool.Args...), extra...))
}

func (p *Process) Running() bool {
	select {
	case <-p.Exited():
		return false
	default:
		return true
	}
}

// Exited is closed when the current process exits. It is already closed when nothing runs.
func (p *Process) Exited() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// ExitErr is the result of the last process once Exited is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *Process) launch(ctx context.Context, op string, args []string) error {
	if p.tool.Command == "" {
		return fmt.Errorf("%s %s: no command configured: %w", op, p.tool.Name, model.ErrProcessControl)
	}
	p.ctl.Lock()
	defer p.ctl.Unlock()
	if p.Running() {
		p.log.Infon("Tool already running", logger.NewStringField("op", op))
		return nil
	}
	defer p.stats.NewTaggedStat("migration_process_control_duration", stats.TimerType, stats.Tags{
		"tool": p.tool.Name,
		"op":   op,
	}).RecordDuration()()

	cmd := exec.Command(p.tool.Command, args...)
	cmd.Dir = p.tool.Dir
	if len(p.tool.Env) > 0 {
		cmd.Env = append(os.Environ(), p.tool.Env...)
	}
	var (
		logFile   *os.File
		closeOnce sync.Once
	)
	closeLog := func() {
		closeOnce.Do(func() {
			if logFile != nil {
				_ = logFile.Close()
			}
		})
	}
	// the log is opened by the launch itself, so nothing is left open when it never runs
	start := func() error {
		if p.tool.LogPath != "" {
			f, err := os.OpenFile(p.tool.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("opening log: %w", err)
			}
			logFile = f
			cmd.Stdout, cmd.Stderr = f, f
		}
		if err := cmd.Start(); err != nil {
			closeLog()
			return err
		}
		return nil
	}

	err := misc.CallWithTimeout(ctx, p.config.startTimeout.Load(), start, func(err error) {
		// the launch finished after we gave up on it
		if err == nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			closeLog()
		}
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", op, p.tool.Name, model.ErrProcessControl, err)
	}

	exited := make(chan struct{})
	p.mu.Lock()
	p.cmd, p.exited, p.exitErr = cmd, exited, nil
	p.mu.Unlock()

	rruntime.Go(func() {
		err := cmd.Wait()
		closeLog()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(exited)
		p.log.Infon("Tool exited",
			logger.NewIntField("pid", int64(cmd.Process.Pid)),
			logger.NewStringField("state", cmd.ProcessState.String()),
		)
	})

	p.log.Infon("Tool started",
		logger.NewStringField("op", op),
		logger.NewIntField("pid", int64(cmd.Process.Pid)),
		logger.NewStringField("args", strings.Join(args, " ")),
	)
	return nil
}

// Stop asks the tool to terminate and kills it when it does not exit within the stop timeout.
// Stopping a tool that is not running is a no-op.
func (p *Process) Stop(ctx context.Context) error {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.mu.Lock()
	cmd, exited := p.cmd, p.exited
	p.mu.Unlock()
	if cmd == nil || !p.Running() {
		return nil
	}
	defer p.stats.NewTaggedStat("migration_process_control_duration", stats.TimerType, stats.Tags{
		"tool": p.tool.Name,
		"op":   "stop",
	}).RecordDuration()()

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Warnn("Sending SIGTERM", obskit.Error(err))
	}
	if waitExit(ctx, exited, p.config.stopTimeout.Load()) {
		return nil
	}

	p.log.Warnn("Tool did not stop in time, killing it",
		logger.NewDurationField("timeout", p.config.stopTimeout.Load()),
	)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("stop %s: kill: %w: %w", p.tool.Name, model.ErrProcessControl, err)
	}
	if waitExit(context.WithoutCancel(ctx), exited, p.config.killTimeout.Load()) {
		return nil
	}
	return fmt.Errorf("stop %s: process %d still alive: %w", p.tool.Name, cmd.Process.Pid, model.ErrProcessControl)
}

// Run starts the tool and waits for it to exit. Cancelling ctx stops the tool.
func (p *Process) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	select {
	case <-p.Exited():
		if err := p.ExitErr(); err != nil {
			return fmt.Errorf("%s exited: %w", p.tool.Name, err)
		}
		return nil
	case <-ctx.Done():
		if err := p.Stop(context.WithoutCancel(ctx)); err != nil {
			return errors.Join(ctx.Err(), err)
		}
		return ctx.Err()
	}
}

func waitExit(ctx context.Context, exited <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-exited:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
