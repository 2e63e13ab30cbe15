// Package orchestrator owns the migration phases of one run and serializes control over them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	gsync "sync"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-migrate/internal/logwatch"
	"github.com/rudderlabs/rudder-migrate/internal/model"
	"github.com/rudderlabs/rudder-migrate/internal/task"
	"github.com/rudderlabs/rudder-migrate/rruntime"
	"github.com/rudderlabs/rudder-migrate/utils/crash"
	"github.com/rudderlabs/rudder-migrate/utils/sync"
)

// Replicator is an Incremental or Reverse task.
type Replicator interface {
	task.Task
	State() task.State
	ResumeTask(ctx context.Context) error
	Abort(ctx context.Context) error
}

type Checker interface {
	task.Task
	State() task.State
	Wait(ctx context.Context) (logwatch.Result, error)
	Abort(ctx context.Context) error
}

type FullPhase interface {
	task.FullMigrator
	Abort(ctx context.Context) error
}

// TaskFactory builds fresh task instances. A task that failed or was restarted is never reused.
type TaskFactory interface {
	NewIncremental() Replicator
	NewReverse() Replicator
	NewCheck() Checker
}

type Monitor interface {
	Start() error
	Stop() error
}

type Workspace interface {
	ID() string
	Release() error
}

// Orchestrator drives the phases in order: full migration, then incremental replication, with
// reverse replication and data checks under explicit control. Calls touching the same phase are
// serialized; calls on different phases proceed concurrently. Once Stop or StopOnError was called
// nothing new is started.
type Orchestrator struct {
	log       logger.Logger
	stats     stats.Stats
	factory   TaskFactory
	full      FullPhase
	heartbeat Monitor
	workspace Workspace

	locker *sync.PartitionLocker

	mu          gsync.Mutex
	fullState   task.State
	incremental Replicator
	reverse     Replicator
	check       Checker
	checkResult *logwatch.Result
	stopped     bool

	faults   chan error
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     gsync.WaitGroup
}

func New(log logger.Logger, statsFactory stats.Stats, factory TaskFactory, full FullPhase, heartbeat Monitor, ws Workspace) *Orchestrator {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		log:       log.Child("orchestrator").Withn(logger.NewStringField("workspaceId", ws.ID())),
		stats:     statsFactory,
		factory:   factory,
		full:      full,
		heartbeat: heartbeat,
		workspace: ws,
		locker:    sync.NewPartitionLocker(),
		fullState: task.StateIdle,
		faults:    make(chan error, 1),
		bgCtx:     bgCtx,
		bgCancel:  bgCancel,
	}
}

// Start starts the heartbeat, runs the full migration to completion and then starts
// incremental replication.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return errStopped(model.PhaseFull)
	}
	err := o.heartbeat.Start()
	o.mu.Unlock()
	if err != nil {
		return fmt.Errorf("starting heartbeat: %w", err)
	}
	if err := o.runFull(ctx); err != nil {
		return err
	}
	return o.launch(model.PhaseIncremental, func() error {
		if o.replicator(model.PhaseIncremental) != nil {
			return nil
		}
		inc := o.factory.NewIncremental()
		if err := o.setReplicator(model.PhaseIncremental, inc); err != nil {
			return err
		}
		return inc.StartTask(ctx)
	})
}

// Faults delivers errors raised by background work, such as the data check watch, after the call
// that started it has returned. Only the first one is kept until it is received.
func (o *Orchestrator) Faults() <-chan error {
	return o.faults
}

func (o *Orchestrator) runFull(ctx context.Context) error {
	o.setFullState(task.StateRunning)
	o.log.Infon("Full migration started")
	if err := task.Drive(ctx, o.log, o.full); err != nil {
		o.setFullState(task.StateFailed)
		return fmt.Errorf("full migration: %w", err)
	}
	o.setFullState(task.StateStopped)
	o.log.Infon("Full migration finished")
	return nil
}

func (o *Orchestrator) StopIncremental(ctx context.Context) error {
	return o.withPhase(model.PhaseIncremental, func() error {
		return o.stopReplication(ctx, model.PhaseIncremental)
	})
}

func (o *Orchestrator) ResumeIncremental(ctx context.Context) error {
	return o.launch(model.PhaseIncremental, func() error {
		return resumeReplication(ctx, model.PhaseIncremental, o.replicator(model.PhaseIncremental))
	})
}

func (o *Orchestrator) RestartIncremental(ctx context.Context) error {
	return o.launch(model.PhaseIncremental, func() error {
		return o.restartReplication(ctx, model.PhaseIncremental)
	})
}

// StartReverse starts reverse replication. Starting it again while it runs is a no-op; a stopped
// or failed reverse task is brought back with ResumeReverse or RestartReverse.
func (o *Orchestrator) StartReverse(ctx context.Context) error {
	return o.launch(model.PhaseReverse, func() error {
		current := o.replicator(model.PhaseReverse)
		if current != nil {
			switch state := current.State(); state {
			case task.StateRunning:
				return nil
			case task.StateIdle:
				return current.StartTask(ctx)
			default:
				return fmt.Errorf("start %s from %s: %w", model.PhaseReverse, state, model.ErrInvalidState)
			}
		}
		rev := o.factory.NewReverse()
		if err := o.setReplicator(model.PhaseReverse, rev); err != nil {
			return err
		}
		return rev.StartTask(ctx)
	})
}

func (o *Orchestrator) StopReverse(ctx context.Context) error {
	return o.withPhase(model.PhaseReverse, func() error {
		return o.stopReplication(ctx, model.PhaseReverse)
	})
}

func (o *Orchestrator) ResumeReverse(ctx context.Context) error {
	return o.launch(model.PhaseReverse, func() error {
		return resumeReplication(ctx, model.PhaseReverse, o.replicator(model.PhaseReverse))
	})
}

func (o *Orchestrator) RestartReverse(ctx context.Context) error {
	return o.launch(model.PhaseReverse, func() error {
		return o.restartReplication(ctx, model.PhaseReverse)
	})
}

// StartCheck starts a data check on a fresh task and watches it in the background. The tool is
// stopped once its log reports the check completed or failed. A failure of the watch itself is
// delivered on Faults.
func (o *Orchestrator) StartCheck(ctx context.Context) error {
	return o.launch(model.PhaseIncrementalCheck, func() error {
		o.mu.Lock()
		current := o.check
		o.mu.Unlock()
		if current != nil && current.State() == task.StateRunning {
			return nil
		}
		chk := o.factory.NewCheck()
		o.mu.Lock()
		if o.stopped {
			o.mu.Unlock()
			return errStopped(model.PhaseIncrementalCheck)
		}
		o.check, o.checkResult = chk, nil
		o.mu.Unlock()
		if err := chk.StartTask(ctx); err != nil {
			return err
		}

		// Add and the Wait in Stop and StopOnError are ordered through stopped
		o.mu.Lock()
		if o.stopped {
			o.mu.Unlock()
			return nil
		}
		o.bgWG.Add(1)
		o.mu.Unlock()
		rruntime.Go(func() {
			defer o.bgWG.Done()
			if err := crash.Call("Orchestrator", func() error { return o.watchCheck(chk) }); err != nil {
				o.fault(fmt.Errorf("watching data check: %w", err))
			}
		})
		return nil
	})
}

func (o *Orchestrator) StopCheck(ctx context.Context) error {
	return o.withPhase(model.PhaseIncrementalCheck, func() error {
		o.mu.Lock()
		current := o.check
		o.mu.Unlock()
		if current == nil || current.State() != task.StateRunning {
			return nil
		}
		return current.StopTask(ctx)
	})
}

// CheckResult is the outcome of the last data check that finished on its own.
func (o *Orchestrator) CheckResult() (logwatch.Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.checkResult == nil {
		return logwatch.Result{}, false
	}
	return *o.checkResult, true
}

func (o *Orchestrator) watchCheck(chk Checker) error {
	result, err := chk.Wait(o.bgCtx)
	if result.Outcome == logwatch.OutcomeCancelled {
		return nil
	}
	if err != nil {
		return err
	}
	log := o.log.Withn(logger.NewStringField("outcome", result.Outcome.String()))
	if result.Outcome == logwatch.OutcomeFailed {
		log.Warnn("Data check failed", logger.NewStringField("line", result.Line))
	} else {
		log.Infon("Data check finished")
	}
	o.mu.Lock()
	o.checkResult = &result
	o.mu.Unlock()
	return o.withPhase(model.PhaseIncrementalCheck, func() error {
		if chk.State() != task.StateRunning {
			return nil
		}
		return chk.StopTask(o.bgCtx)
	})
}

// Stop brings every running phase down, stops the heartbeat and releases the workspace.
// All errors are returned joined.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.markStopped()
	var errs []error
	if err := o.StopCheck(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := o.StopReverse(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := o.StopIncremental(ctx); err != nil {
		errs = append(errs, err)
	}
	o.bgCancel()
	o.bgWG.Wait()
	if err := o.heartbeat.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping heartbeat: %w", err))
	}
	if err := o.workspace.Release(); err != nil {
		errs = append(errs, fmt.Errorf("releasing workspace: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		o.log.Errorn("Stopping migration", obskit.Error(err))
		return err
	}
	o.log.Infon("Migration stopped")
	return nil
}

// StopOnError tears everything down after a fault. Every step runs even if an earlier one fails
// or panics; errors are logged and not returned.
func (o *Orchestrator) StopOnError(ctx context.Context) {
	o.log.Warnn("Stopping migration after a fault")
	o.markStopped()
	o.stats.NewStat("migration_fault_teardowns", stats.CountType).Increment()
	steps := []struct {
		name string
		f    func() error
	}{
		{"full", func() error { return o.full.Abort(ctx) }},
		{"check", func() error { return o.abortCheck(ctx) }},
		{"reverse", func() error { return abortReplication(ctx, o.replicator(model.PhaseReverse)) }},
		{"incremental", func() error { return abortReplication(ctx, o.replicator(model.PhaseIncremental)) }},
		{"background", func() error {
			o.bgCancel()
			o.bgWG.Wait()
			return nil
		}},
		{"heartbeat", o.heartbeat.Stop},
		{"workspace", o.workspace.Release},
	}
	for _, step := range steps {
		if err := crash.Call("Orchestrator", step.f); err != nil {
			o.log.Errorn("Tearing down after fault",
				logger.NewStringField("step", step.name),
				obskit.Error(err),
			)
		}
	}
}

// Status reports the state of every phase that has been started at least once.
func (o *Orchestrator) Status() map[model.Phase]task.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	status := map[model.Phase]task.State{model.PhaseFull: o.fullState}
	if o.incremental != nil {
		status[model.PhaseIncremental] = o.incremental.State()
	}
	if o.reverse != nil {
		status[model.PhaseReverse] = o.reverse.State()
	}
	if o.check != nil {
		status[model.PhaseIncrementalCheck] = o.check.State()
	}
	return status
}

func (o *Orchestrator) markStopped() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = true
}

func (o *Orchestrator) isStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

func errStopped(phase model.Phase) error {
	return fmt.Errorf("%s: migration was stopped: %w", phase, model.ErrInvalidState)
}

func (o *Orchestrator) fault(err error) {
	o.log.Errorn("Background fault", obskit.Error(err))
	select {
	case o.faults <- err:
	default:
	}
}

func (o *Orchestrator) restartReplication(ctx context.Context, phase model.Phase) error {
	if current := o.replicator(phase); current != nil {
		switch current.State() {
		case task.StateRunning:
			if err := current.StopTask(ctx); err != nil {
				return err
			}
		case task.StateFailed:
			// a failed task may have left one side running
			if err := current.Abort(ctx); err != nil {
				o.log.Warnn("Cleaning up failed task", logger.NewStringField("phase", string(phase)), obskit.Error(err))
			}
		}
	}
	fresh := o.newReplicator(phase)
	if err := o.setReplicator(phase, fresh); err != nil {
		return err
	}
	return fresh.StartTask(ctx)
}

func (o *Orchestrator) abortCheck(ctx context.Context) error {
	o.mu.Lock()
	current := o.check
	o.mu.Unlock()
	if current == nil {
		return nil
	}
	return current.Abort(ctx)
}

func (o *Orchestrator) stopReplication(ctx context.Context, phase model.Phase) error {
	r := o.replicator(phase)
	if r == nil {
		return nil
	}
	switch state := r.State(); state {
	case task.StateRunning:
		return r.StopTask(ctx)
	case task.StateIdle, task.StateStopped:
		return nil
	case task.StateFailed:
		// a failed task may have left one side running
		if err := r.Abort(ctx); err != nil {
			o.log.Warnn("Cleaning up failed task", logger.NewStringField("phase", string(phase)), obskit.Error(err))
		}
		return nil
	default:
		return fmt.Errorf("stop %s from %s: %w", phase, state, model.ErrInvalidState)
	}
}

func resumeReplication(ctx context.Context, phase model.Phase, r Replicator) error {
	if r == nil {
		return fmt.Errorf("resume %s: not started: %w", phase, model.ErrInvalidState)
	}
	if r.State() == task.StateRunning {
		return nil
	}
	return r.ResumeTask(ctx)
}

func abortReplication(ctx context.Context, r Replicator) error {
	if r == nil {
		return nil
	}
	return r.Abort(ctx)
}

// launch is withPhase for calls that start tools. They are refused once the orchestrator was stopped.
func (o *Orchestrator) launch(phase model.Phase, f func() error) error {
	return o.withPhase(phase, func() error {
		if o.isStopped() {
			return errStopped(phase)
		}
		return f()
	})
}

func (o *Orchestrator) withPhase(phase model.Phase, f func() error) error {
	err := o.locker.WithLock(string(phase), f)
	if err != nil {
		o.log.Warnn("Phase control failed", logger.NewStringField("phase", string(phase)), obskit.Error(err))
	}
	return err
}

func (o *Orchestrator) newReplicator(phase model.Phase) Replicator {
	if phase == model.PhaseReverse {
		return o.factory.NewReverse()
	}
	return o.factory.NewIncremental()
}

func (o *Orchestrator) replicator(phase model.Phase) Replicator {
	o.mu.Lock()
	defer o.mu.Unlock()
	if phase == model.PhaseReverse {
		return o.reverse
	}
	return o.incremental
}

// setReplicator makes r the task of phase. StopOnError aborts whatever it finds here, so a task
// is never recorded after the orchestrator was stopped.
func (o *Orchestrator) setReplicator(phase model.Phase, r Replicator) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return errStopped(phase)
	}
	if phase == model.PhaseReverse {
		o.reverse = r
		return nil
	}
	o.incremental = r
	return nil
}

func (o *Orchestrator) setFullState(s task.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fullState = s
}
