// Package heartbeat keeps a marker file fresh while the orchestrator is alive.
//
// External watchers decide liveness from the marker's modification time alone, so the
// monitor only ever touches the file and removes it on Stop.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-migrate/internal/model"
)

// ErrReleased is returned by Start once the monitor has been stopped.
var ErrReleased = errors.New("heartbeat monitor released")

const DefaultInterval = time.Second

type markerLocation interface {
	HeartbeatPath() string
}

type Opt func(*Monitor)

func WithClock(c Clock) Opt { return func(m *Monitor) { m.clock = c } }

func WithFS(fs FS) Opt { return func(m *Monitor) { m.fs = fs } }

func WithInterval(d time.Duration) Opt { return func(m *Monitor) { m.interval = d } }

func WithLogger(log logger.Logger) Opt { return func(m *Monitor) { m.log = log } }

func WithStats(s stats.Stats) Opt { return func(m *Monitor) { m.stats = s } }

type Monitor struct {
	mu       sync.Mutex
	location markerLocation
	released bool

	clock    Clock
	fs       FS
	interval time.Duration
	log      logger.Logger
	stats    stats.Stats

	cancel  context.CancelFunc
	g       *errgroup.Group
	running atomic.Bool

	ticks        stats.Measurement
	tickFailures stats.Measurement
}

func New(location markerLocation, opts ...Opt) *Monitor {
	m := &Monitor{
		location: location,
		clock:    realClock{},
		fs:       osFS{},
		interval: DefaultInterval,
		log:      logger.NOP,
		stats:    stats.NOP,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.Child("heartbeat")
	m.ticks = m.stats.NewStat("migration_heartbeat_ticks", stats.CountType)
	m.tickFailures = m.stats.NewStat("migration_heartbeat_tick_failures", stats.CountType)
	return m
}

// Start schedules the heartbeat. It is a no-op while the monitor is running.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return ErrReleased
	}
	if m.running.Load() {
		return nil
	}

	path := m.location.HeartbeatPath()
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	ticker := m.clock.NewTicker(m.interval)

	m.cancel = cancel
	m.g = g
	m.running.Store(true)

	g.Go(func() error {
		defer ticker.Stop()
		for {
			m.tick(path)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C():
			}
		}
	})
	m.log.Infon("Heartbeat started",
		logger.NewStringField("path", path),
		logger.NewDurationField("interval", m.interval),
	)
	return nil
}

func (m *Monitor) Running() bool { return m.running.Load() }

// tick touches the marker. Failures, including panics, are logged so the schedule survives them.
func (m *Monitor) tick(path string) {
	defer func() {
		if r := recover(); r != nil {
			m.tickFailures.Increment()
			m.log.Errorn("Heartbeat tick panicked", logger.NewStringField("panic", fmt.Sprint(r)))
		}
	}()
	if err := m.fs.Touch(path, m.clock.Now()); err != nil {
		m.tickFailures.Increment()
		m.log.Warnn("Heartbeat tick failed",
			logger.NewStringField("path", path),
			obskit.Error(fmt.Errorf("%w: %w", model.ErrIO, err)),
		)
		return
	}
	m.ticks.Increment()
}

// Stop cancels the schedule, deletes the marker and drops the workspace reference.
// The monitor cannot be started again afterwards.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return nil
	}
	if m.cancel != nil {
		m.cancel()
		_ = m.g.Wait()
		m.cancel, m.g = nil, nil
	}
	m.running.Store(false)

	path := m.location.HeartbeatPath()
	m.location = nil
	m.released = true

	if err := m.fs.Remove(path); err != nil {
		return fmt.Errorf("removing heartbeat marker %q: %w: %w", path, model.ErrIO, err)
	}
	m.log.Infon("Heartbeat stopped", logger.NewStringField("path", path))
	return nil
}
