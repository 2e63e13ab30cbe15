package heartbeat_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/rudderlabs/rudder-go-kit/stats/memstats"

	"github.com/rudderlabs/rudder-migrate/internal/heartbeat"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreCurrent())
}

type markerPath string

func (p markerPath) HeartbeatPath() string { return string(p) }

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	ticker *fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(time.Duration) heartbeat.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticker = &fakeTicker{c: make(chan time.Time)}
	return c.ticker
}

// Advance moves the clock forward and delivers one tick.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now, ticker := c.now, c.ticker
	c.mu.Unlock()
	ticker.c <- now
}

type fakeTicker struct{ c chan time.Time }

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() {}

type fakeFS struct {
	mu      sync.Mutex
	files   map[string]time.Time
	touched chan time.Time
	failing bool
	panics  bool
}

func newFakeFS() *fakeFS {
	return &fakeFS{files: map[string]time.Time{}, touched: make(chan time.Time, 16)}
}

func (f *fakeFS) Touch(path string, at time.Time) error {
	f.mu.Lock()
	failing, panics := f.failing, f.panics
	if !failing && !panics {
		f.files[path] = at
	}
	f.mu.Unlock()
	defer func() { f.touched <- at }()
	if panics {
		panic("disk on fire")
	}
	if failing {
		return errors.New("read-only file system")
	}
	return nil
}

func (f *fakeFS) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

func (f *fakeFS) modTime(path string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.files[path]
	return t, ok
}

func (f *fakeFS) set(failing, panics bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing, f.panics = failing, panics
}

func TestMonitorSyntheticClock(t *testing.T) {
	const path = "/status/portal.heartbeat"
	clock, fs := newFakeClock(), newFakeFS()
	statsStore, err := memstats.New()
	require.NoError(t, err)

	m := heartbeat.New(markerPath(path),
		heartbeat.WithClock(clock),
		heartbeat.WithFS(fs),
		heartbeat.WithLogger(logger.NOP),
		heartbeat.WithStats(statsStore),
	)
	require.NoError(t, m.Start())
	require.NoError(t, m.Start(), "start is idempotent")
	require.True(t, m.Running())

	<-fs.touched
	first, ok := fs.modTime(path)
	require.True(t, ok, "marker is created on the first tick")

	t.Run("modification time strictly increases every interval over five seconds", func(t *testing.T) {
		previous := first
		for i := 0; i < 5; i++ {
			clock.Advance(time.Second)
			<-fs.touched
			current, ok := fs.modTime(path)
			require.True(t, ok)
			require.True(t, current.After(previous), "tick %d: %s not after %s", i, current, previous)
			require.Equal(t, time.Second, current.Sub(previous))
			previous = current
		}
		require.EqualValues(t, 6, statsStore.Get("migration_heartbeat_ticks", stats.Tags{}).LastValue())
	})

	t.Run("failing and panicking ticks do not stop the schedule", func(t *testing.T) {
		fs.set(true, false)
		clock.Advance(time.Second)
		<-fs.touched
		fs.set(false, true)
		clock.Advance(time.Second)
		<-fs.touched
		fs.set(false, false)
		clock.Advance(time.Second)
		<-fs.touched

		last, ok := fs.modTime(path)
		require.True(t, ok)
		require.Equal(t, first.Add(8*time.Second), last)
		require.EqualValues(t, 2, statsStore.Get("migration_heartbeat_tick_failures", stats.Tags{}).LastValue())
	})

	require.NoError(t, m.Stop())
	_, ok = fs.modTime(path)
	require.False(t, ok, "marker is deleted on stop")
	require.False(t, m.Running())
	require.ErrorIs(t, m.Start(), heartbeat.ErrReleased)
	require.NoError(t, m.Stop())
}

func TestMonitorRealFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portal.heartbeat")
	m := heartbeat.New(markerPath(path), heartbeat.WithInterval(20*time.Millisecond))
	require.NoError(t, m.Start())

	var first time.Time
	require.Eventually(t, func() bool {
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		first = info.ModTime()
		return true
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		info, err := os.Stat(path)
		return err == nil && info.ModTime().After(first)
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop())
	require.NoFileExists(t, path)
}

func TestMonitorStopWithoutStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portal.heartbeat")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	m := heartbeat.New(markerPath(path))
	require.NoError(t, m.Stop())
	require.NoFileExists(t, path)
}
