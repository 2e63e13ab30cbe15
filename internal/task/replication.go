package task

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-migrate/internal/model"
	"github.com/rudderlabs/rudder-migrate/utils/crash"
)

// Replication drives a source/sink connector pair. The sink is always brought up before
// the source and taken down after it, so the source never produces changes nobody consumes.
type Replication struct {
	phase  model.Phase
	source Connector
	sink   Connector
	log    logger.Logger
	stats  stats.Stats

	mu    sync.Mutex
	state State
	// aborted is terminal: nothing is started on the task once it is set
	aborted bool
}

func NewIncremental(source, sink Connector, log logger.Logger, statsFactory stats.Stats) *Replication {
	return newReplication(model.PhaseIncremental, source, sink, log, statsFactory)
}

func NewReverse(source, sink Connector, log logger.Logger, statsFactory stats.Stats) *Replication {
	return newReplication(model.PhaseReverse, source, sink, log, statsFactory)
}

func newReplication(phase model.Phase, source, sink Connector, log logger.Logger, statsFactory stats.Stats) *Replication {
	return &Replication{
		phase:  phase,
		source: source,
		sink:   sink,
		log:    log.Child("task").Withn(logger.NewStringField("phase", string(phase))),
		stats:  statsFactory,
		state:  StateIdle,
	}
}

func (r *Replication) Phase() model.Phase { return r.phase }

func (r *Replication) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// StartTask starts the sink and then the source. It is valid only on a fresh task.
func (r *Replication) StartTask(ctx context.Context) error {
	if err := r.transition(StateStarting, StateIdle); err != nil {
		return err
	}
	return r.bringUp(ctx, r.StartSink, r.StartSource)
}

// ResumeTask resumes the sink and then the source of a stopped task.
func (r *Replication) ResumeTask(ctx context.Context) error {
	if err := r.transition(StateStarting, StateStopped); err != nil {
		return err
	}
	return r.bringUp(ctx,
		func(ctx context.Context) error { return r.control(ctx, r.sink, "resume", r.sink.Resume) },
		func(ctx context.Context) error { return r.control(ctx, r.source, "resume", r.source.Resume) },
	)
}

// StopTask stops the source and then the sink.
func (r *Replication) StopTask(ctx context.Context) error {
	if err := r.transition(StateStopping, StateRunning); err != nil {
		return err
	}
	if err := r.tearDown(ctx); err != nil {
		r.fail(err)
		return err
	}
	r.set(StateStopped)
	return nil
}

// Abort stops both sides whatever the current state and keeps the task from starting anything
// afterwards, including a start that is still in flight. A failed task stays failed.
func (r *Replication) Abort(ctx context.Context) error {
	r.mu.Lock()
	r.aborted = true
	state := r.state
	r.mu.Unlock()
	switch state {
	case StateIdle:
		return nil
	case StateFailed:
		return r.tearDown(ctx)
	}
	if err := r.tearDown(ctx); err != nil {
		r.fail(err)
		return err
	}
	r.set(StateStopped)
	return nil
}

func (r *Replication) StartSource(ctx context.Context) error {
	return r.control(ctx, r.source, "start", r.source.Start)
}

func (r *Replication) StartSink(ctx context.Context) error {
	return r.control(ctx, r.sink, "start", r.sink.Start)
}

func (r *Replication) StopSource(ctx context.Context) error {
	return r.control(ctx, r.source, "stop", r.source.Stop)
}

func (r *Replication) StopSink(ctx context.Context) error {
	return r.control(ctx, r.sink, "stop", r.sink.Stop)
}

func (r *Replication) bringUp(ctx context.Context, sink, source func(context.Context) error) error {
	if err := sink(ctx); err != nil {
		r.fail(err)
		return err
	}
	if r.isAborted() {
		return r.undo(ctx)
	}
	if err := source(ctx); err != nil {
		// the sink is up on its own, take it down rather than leave it behind
		if stopErr := r.StopSink(context.WithoutCancel(ctx)); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
		r.fail(err)
		return err
	}
	r.mu.Lock()
	if r.aborted {
		r.mu.Unlock()
		return r.undo(ctx)
	}
	r.state = StateRunning
	r.mu.Unlock()
	r.recordTransition(StateRunning)
	return nil
}

// undo takes down what a start brought up after Abort ran concurrently with it. Abort may have
// stopped the connectors before they were started.
func (r *Replication) undo(ctx context.Context) error {
	r.log.Warnn("Task aborted while starting")
	if err := r.tearDown(context.WithoutCancel(ctx)); err != nil {
		r.fail(err)
		return errors.Join(fmt.Errorf("%s task aborted: %w", r.phase, model.ErrInvalidState), err)
	}
	r.set(StateStopped)
	return fmt.Errorf("%s task aborted: %w", r.phase, model.ErrInvalidState)
}

func (r *Replication) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// tearDown stops the source and then the sink. The sink is stopped even when stopping the
// source failed or panicked, so it is never left behind.
func (r *Replication) tearDown(ctx context.Context) error {
	var errs []error
	if err := crash.Call("Migration", func() error { return r.StopSource(ctx) }); err != nil {
		errs = append(errs, err)
	}
	if err := crash.Call("Migration", func() error { return r.StopSink(ctx) }); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Replication) control(ctx context.Context, c Connector, op string, f func(context.Context) error) error {
	log := r.log.Withn(logger.NewStringField("connector", c.Name()), logger.NewStringField("op", op))
	log.Infon("Connector control")
	if err := f(ctx); err != nil {
		log.Errorn("Connector control failed", obskit.Error(err))
		return fmt.Errorf("%s %s %s: %w", op, r.phase, c.Name(), err)
	}
	return nil
}

func (r *Replication) transition(to State, from ...State) error {
	r.mu.Lock()
	current := r.state
	if r.aborted {
		r.mu.Unlock()
		return fmt.Errorf("%s task was aborted: %w", r.phase, model.ErrInvalidState)
	}
	if !slices.Contains(from, current) {
		r.mu.Unlock()
		return fmt.Errorf("%s task cannot go from %s to %s: %w", r.phase, current, to, model.ErrInvalidState)
	}
	r.state = to
	r.mu.Unlock()
	r.recordTransition(to)
	return nil
}

func (r *Replication) set(to State) {
	r.mu.Lock()
	r.state = to
	r.mu.Unlock()
	r.recordTransition(to)
}

func (r *Replication) fail(err error) {
	r.log.Errorn("Task failed", obskit.Error(err))
	r.set(StateFailed)
}

func (r *Replication) recordTransition(to State) {
	r.log.Debugn("Task state changed", logger.NewStringField("state", string(to)))
	r.stats.NewTaggedStat("migration_task_transitions", stats.CountType, stats.Tags{
		"phase": string(r.phase),
		"state": string(to),
	}).Increment()
}
