package task

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-migrate/internal/logwatch"
	"github.com/rudderlabs/rudder-migrate/internal/model"
)

var defaultCheckMarkers = logwatch.Markers{
	Required: []string{"check finished"},
	Failure:  []string{"check failed", "Traceback"},
}

// CheckTool is the verification tool as seen by the check task.
type CheckTool interface {
	Name() string
	LogPath() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Check runs the verification tool alongside incremental replication.
type Check struct {
	tool     CheckTool
	detector *logwatch.Detector
	log      logger.Logger
	stats    stats.Stats

	mu         sync.Mutex
	state      State
	cancelWait context.CancelFunc
	aborted    bool
}

func NewCheck(conf *config.Config, log logger.Logger, statsFactory stats.Stats, tool CheckTool) *Check {
	log = log.Child("task").Withn(logger.NewStringField("phase", string(model.PhaseIncrementalCheck)))
	markers := logwatch.MarkersFromConfig(conf, "check", defaultCheckMarkers)
	return &Check{
		tool:     tool,
		detector: logwatch.NewDetector(conf, log, statsFactory, tool.Name(), tool.LogPath(), markers),
		log:      log,
		stats:    statsFactory,
		state:    StateIdle,
	}
}

func (c *Check) Phase() model.Phase { return model.PhaseIncrementalCheck }

func (c *Check) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartTask starts the verification tool. Only output written from now on counts towards Wait.
func (c *Check) StartTask(ctx context.Context) error {
	if err := c.transition(StateStarting, StateIdle); err != nil {
		return err
	}
	if err := c.detector.SkipExisting(); err != nil {
		c.set(StateFailed)
		return fmt.Errorf("start check: %w", err)
	}
	if err := c.tool.Start(ctx); err != nil {
		c.log.Errorn("Starting check tool", obskit.Error(err))
		c.set(StateFailed)
		return fmt.Errorf("start check %s: %w", c.tool.Name(), err)
	}
	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		c.log.Warnn("Check aborted while starting")
		if err := c.tool.Stop(context.WithoutCancel(ctx)); err != nil {
			c.set(StateFailed)
			return fmt.Errorf("stop aborted check %s: %w", c.tool.Name(), err)
		}
		c.set(StateStopped)
		return fmt.Errorf("check aborted: %w", model.ErrInvalidState)
	}
	c.state = StateRunning
	c.mu.Unlock()
	c.recordTransition(StateRunning)
	return nil
}

// StopTask stops the verification tool and ends a pending Wait.
func (c *Check) StopTask(ctx context.Context) error {
	if err := c.transition(StateStopping, StateRunning); err != nil {
		return err
	}
	c.mu.Lock()
	if c.cancelWait != nil {
		c.cancelWait()
	}
	c.mu.Unlock()
	if err := c.tool.Stop(ctx); err != nil {
		c.log.Errorn("Stopping check tool", obskit.Error(err))
		c.set(StateFailed)
		return fmt.Errorf("stop check %s: %w", c.tool.Name(), err)
	}
	c.set(StateStopped)
	return nil
}

// Abort stops the tool unless it was never started or already stopped, ends a pending Wait and
// keeps the task from being started afterwards.
func (c *Check) Abort(ctx context.Context) error {
	c.mu.Lock()
	c.aborted = true
	state := c.state
	if c.cancelWait != nil {
		c.cancelWait()
	}
	c.mu.Unlock()
	if state == StateIdle || state == StateStopped {
		return nil
	}
	if err := c.tool.Stop(ctx); err != nil {
		c.set(StateFailed)
		return fmt.Errorf("abort check %s: %w", c.tool.Name(), err)
	}
	if state != StateFailed {
		c.set(StateStopped)
	}
	return nil
}

// Wait blocks until the tool log shows the check completed or failed, or until the task is
// stopped or ctx is done.
func (c *Check) Wait(ctx context.Context) (logwatch.Result, error) {
	c.mu.Lock()
	if c.state != StateRunning {
		defer c.mu.Unlock()
		return logwatch.Result{}, fmt.Errorf("wait on %s check: %w", c.state, model.ErrInvalidState)
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancelWait = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancelWait = nil
		c.mu.Unlock()
		cancel()
	}()
	return c.detector.Run(ctx)
}

func (c *Check) transition(to State, from ...State) error {
	c.mu.Lock()
	current := c.state
	if c.aborted {
		c.mu.Unlock()
		return fmt.Errorf("%s task was aborted: %w", model.PhaseIncrementalCheck, model.ErrInvalidState)
	}
	if !slices.Contains(from, current) {
		c.mu.Unlock()
		return fmt.Errorf("%s task cannot go from %s to %s: %w", model.PhaseIncrementalCheck, current, to, model.ErrInvalidState)
	}
	c.state = to
	c.mu.Unlock()
	c.recordTransition(to)
	return nil
}

func (c *Check) set(to State) {
	c.mu.Lock()
	c.state = to
	c.mu.Unlock()
	c.recordTransition(to)
}

func (c *Check) recordTransition(to State) {
	c.stats.NewTaggedStat("migration_task_transitions", stats.CountType, stats.Tags{
		"phase": string(model.PhaseIncrementalCheck),
		"state": string(to),
	}).Increment()
}
