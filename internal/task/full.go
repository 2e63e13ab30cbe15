package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-migrate/internal/logwatch"
	"github.com/rudderlabs/rudder-migrate/internal/model"
	"github.com/rudderlabs/rudder-migrate/internal/progress"
	"github.com/rudderlabs/rudder-migrate/rruntime"
	"github.com/rudderlabs/rudder-migrate/utils/crash"
)

var defaultFullMarkers = logwatch.Markers{
	Required: []string{"migration finished"},
	Failure:  []string{"migration failed", "Traceback"},
}

// FullMigrator is what Drive needs from the full migration phase.
type FullMigrator interface {
	IsTableMigrated(ctx context.Context) (bool, error)
	IsViewMigrated(ctx context.Context) (bool, error)
	IsFunctionMigrated(ctx context.Context) (bool, error)
	IsProcedureMigrated(ctx context.Context) (bool, error)
	IsTriggerMigrated(ctx context.Context) (bool, error)
	IsForeignKeyMigrated(ctx context.Context) (bool, error)

	MigrateTable(ctx context.Context) error
	MigrateObject(ctx context.Context, kind model.ObjectType) error
	MigrateForeignKey(ctx context.Context) error
}

type fullStatus interface {
	Full(ctx context.Context) (progress.FullSnapshot, error)
}

// Full runs the full-dump tool once per object kind. The phase has no single start or stop
// handle: it is driven kind by kind and each kind completes on its own.
type Full struct {
	conf   *config.Config
	log    logger.Logger
	stats  stats.Stats
	tool   Runner
	status fullStatus

	markers logwatch.Markers
	config  struct {
		exitGrace config.ValueLoader[time.Duration]
	}

	mu       sync.Mutex
	running  bool
	aborted  bool
	detector *logwatch.Detector
}

func NewFull(conf *config.Config, log logger.Logger, statsFactory stats.Stats, tool Runner, status fullStatus) *Full {
	f := &Full{
		conf:    conf,
		log:     log.Child("task").Withn(logger.NewStringField("phase", string(model.PhaseFull))),
		stats:   statsFactory,
		tool:    tool,
		status:  status,
		markers: logwatch.MarkersFromConfig(conf, "full", defaultFullMarkers),
	}
	f.config.exitGrace = conf.GetReloadableDurationVar(1, time.Second, "Migration.full.exitGrace")
	return f
}

func (f *Full) Phase() model.Phase { return model.PhaseFull }

func (f *Full) StartTask(context.Context) error {
	return fmt.Errorf("start %s task: %w", model.PhaseFull, model.ErrUnsupportedOperation)
}

func (f *Full) StopTask(context.Context) error {
	return fmt.Errorf("stop %s task: %w", model.PhaseFull, model.ErrUnsupportedOperation)
}

func (f *Full) MigrateTable(ctx context.Context) error {
	return f.migrate(ctx, model.ObjectTable)
}

// MigrateObject migrates one of the non-table kinds: view, function, trigger or procedure.
func (f *Full) MigrateObject(ctx context.Context, kind model.ObjectType) error {
	switch kind {
	case model.ObjectView, model.ObjectFunction, model.ObjectTrigger, model.ObjectProcedure:
		return f.migrate(ctx, kind)
	}
	return fmt.Errorf("migrate object kind %q: %w", kind, model.ErrUnsupportedOperation)
}

func (f *Full) MigrateForeignKey(ctx context.Context) error {
	return f.migrate(ctx, model.ObjectForeignKey)
}

func (f *Full) IsTableMigrated(ctx context.Context) (bool, error) {
	return f.migrated(ctx, model.ObjectTable)
}

func (f *Full) IsViewMigrated(ctx context.Context) (bool, error) {
	return f.migrated(ctx, model.ObjectView)
}

func (f *Full) IsFunctionMigrated(ctx context.Context) (bool, error) {
	return f.migrated(ctx, model.ObjectFunction)
}

func (f *Full) IsProcedureMigrated(ctx context.Context) (bool, error) {
	return f.migrated(ctx, model.ObjectProcedure)
}

func (f *Full) IsTriggerMigrated(ctx context.Context) (bool, error) {
	return f.migrated(ctx, model.ObjectTrigger)
}

func (f *Full) IsForeignKeyMigrated(ctx context.Context) (bool, error) {
	return f.migrated(ctx, model.ObjectForeignKey)
}

// Abort stops a dump in progress, if any. The migrate call it interrupts returns an error, and so
// does every later one.
func (f *Full) Abort(ctx context.Context) error {
	f.mu.Lock()
	f.aborted = true
	detector := f.detector
	f.mu.Unlock()
	if detector != nil {
		detector.Stop()
	}
	return f.tool.Stop(ctx)
}

func (f *Full) migrated(ctx context.Context, kind model.ObjectType) (bool, error) {
	snapshot, err := f.status.Full(ctx)
	if errors.Is(err, progress.ErrNotReady) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s status: %w", kind, err)
	}
	return progress.Completed(snapshot, kind), nil
}

type detection struct {
	result logwatch.Result
	err    error
}

func (f *Full) migrate(ctx context.Context, kind model.ObjectType) error {
	detector := logwatch.NewDetector(f.conf, f.log, f.stats, f.tool.Name(), f.tool.LogPath(), f.markers)
	f.mu.Lock()
	if f.aborted {
		f.mu.Unlock()
		return fmt.Errorf("migrate %s: full migration was aborted: %w", kind, model.ErrInvalidState)
	}
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("migrate %s: a full dump is already running: %w", kind, model.ErrInvalidState)
	}
	f.running, f.detector = true, detector
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running, f.detector = false, nil
		f.mu.Unlock()
	}()

	log := f.log.Withn(logger.NewStringField("objectType", string(kind)))
	if err := detector.SkipExisting(); err != nil {
		return fmt.Errorf("migrate %s: %w", kind, err)
	}
	start := time.Now()
	log.Infon("Full migration started")
	if err := f.tool.StartWith(ctx, "--object", string(kind)); err != nil {
		return fmt.Errorf("migrate %s: %w", kind, err)
	}
	f.mu.Lock()
	aborted := f.aborted
	f.mu.Unlock()
	if aborted {
		// Abort may have stopped the tool before it was started
		return errors.Join(
			fmt.Errorf("migrate %s: full migration was aborted: %w", kind, model.ErrInvalidState),
			f.tool.Stop(context.WithoutCancel(ctx)),
		)
	}

	detected := make(chan detection, 1)
	rruntime.Go(func() {
		var d detection
		d.err = crash.Call("Migration", func() error {
			var err error
			d.result, err = detector.Run(ctx)
			return err
		})
		detected <- d
	})

	var d detection
	select {
	case d = <-detected:
	case <-f.tool.Exited():
		// the tool may have written its last lines just before exiting
		grace := time.NewTimer(f.config.exitGrace.Load())
		select {
		case d = <-detected:
		case <-grace.C:
			detector.Stop()
			d = <-detected
		}
		grace.Stop()
	}
	stopErr := f.tool.Stop(context.WithoutCancel(ctx))

	var panicErr *crash.PanicError
	if errors.As(d.err, &panicErr) {
		return errors.Join(fmt.Errorf("migrate %s: watching log: %w", kind, d.err), stopErr)
	}
	switch d.result.Outcome {
	case logwatch.OutcomeCompleted:
		if stopErr != nil {
			log.Warnn("Stopping full dump tool after completion", obskit.Error(stopErr))
		}
		log.Infon("Full migration finished", logger.NewDurationField("duration", time.Since(start)))
		return nil
	case logwatch.OutcomeFailed:
		return errors.Join(
			fmt.Errorf("migrate %s: tool reported %q: %w", kind, d.result.Line, model.ErrProcessControl),
			stopErr,
		)
	}
	if ctx.Err() != nil {
		return errors.Join(fmt.Errorf("migrate %s: %w", kind, ctx.Err()), stopErr)
	}
	return errors.Join(
		fmt.Errorf("migrate %s: tool exited before completion (%v): %w", kind, f.tool.ExitErr(), model.ErrProcessControl),
		stopErr,
	)
}

type step struct {
	kind     model.ObjectType
	migrated func(context.Context) (bool, error)
	migrate  func(context.Context) error
}

// Drive migrates tables, then views, functions, procedures and triggers, then foreign keys.
// Kinds the status document already reports as migrated are skipped, so Drive can be run again
// after a restart and only repeats the unfinished work.
func Drive(ctx context.Context, log logger.Logger, full FullMigrator) error {
	objectStep := func(kind model.ObjectType, migrated func(context.Context) (bool, error)) step {
		return step{kind, migrated, func(ctx context.Context) error { return full.MigrateObject(ctx, kind) }}
	}
	steps := []step{
		{model.ObjectTable, full.IsTableMigrated, full.MigrateTable},
		objectStep(model.ObjectView, full.IsViewMigrated),
		objectStep(model.ObjectFunction, full.IsFunctionMigrated),
		objectStep(model.ObjectProcedure, full.IsProcedureMigrated),
		objectStep(model.ObjectTrigger, full.IsTriggerMigrated),
		{model.ObjectForeignKey, full.IsForeignKeyMigrated, full.MigrateForeignKey},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := s.migrated(ctx)
		if err != nil {
			return err
		}
		if done {
			log.Infon("Skipping migrated object type", logger.NewStringField("objectType", string(s.kind)))
			continue
		}
		if err := s.migrate(ctx); err != nil {
			return err
		}
	}
	return nil
}
