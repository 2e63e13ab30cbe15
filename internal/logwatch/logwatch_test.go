package logwatch_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/rudder-migrate/internal/logwatch"
)

const pollInterval = 10 * time.Millisecond

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreCurrent())
}

func testConfig() *config.Config {
	conf := config.New()
	conf.Set("Migration.logwatch.pollInterval", int(pollInterval/time.Millisecond))
	return conf
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(line)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

type runResult struct {
	result logwatch.Result
	err    error
}

func runDetector(ctx context.Context, d *logwatch.Detector) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		result, err := d.Run(ctx)
		done <- runResult{result, err}
	}()
	return done
}

func TestDetectorCompletion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool.log")
	d := logwatch.NewDetector(testConfig(), logger.NOP, stats.NOP, "tool", path, logwatch.Markers{
		Required: []string{"A", "B"},
	})
	done := runDetector(context.Background(), d)

	appendLine(t, path, "starting\n")
	appendLine(t, path, "step A reached\n")
	require.Eventually(t, func() bool {
		_, ok := d.Matches()["A"]
		return ok
	}, time.Second, pollInterval)

	select {
	case <-done:
		t.Fatal("completion declared before every required marker was seen")
	case <-time.After(5 * pollInterval):
	}

	appendLine(t, path, "step B reached\n")
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, logwatch.OutcomeCompleted, res.result.Outcome)
	require.Equal(t, "step B reached", res.result.Line)
	require.Equal(t, map[string]string{"A": "step A reached", "B": "step B reached"}, res.result.Matches)
	require.Empty(t, d.Matches(), "state is cleared once the watch ends")
}

func TestDetectorStopBeforeCompletion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool.log")
	d := logwatch.NewDetector(testConfig(), logger.NOP, stats.NOP, "tool", path, logwatch.Markers{
		Required: []string{"A", "B"},
	})

	t.Run("stop", func(t *testing.T) {
		done := runDetector(context.Background(), d)
		appendLine(t, path, "A\n")
		require.Eventually(t, func() bool { return len(d.Matches()) == 1 }, time.Second, pollInterval)

		start := time.Now()
		d.Stop()
		res := <-done
		require.Less(t, time.Since(start), 20*pollInterval)
		require.Equal(t, logwatch.OutcomeCancelled, res.result.Outcome)
		require.ErrorIs(t, res.err, context.Canceled)
		require.Equal(t, map[string]string{"A": "A"}, res.result.Matches)
		require.Empty(t, d.Matches())
	})

	t.Run("restarted watch does not replay stale matches", func(t *testing.T) {
		require.NoError(t, os.Truncate(path, 0))
		ctx, cancel := context.WithCancel(context.Background())
		done := runDetector(ctx, d)
		appendLine(t, path, "only B now\n")
		require.Eventually(t, func() bool { return len(d.Matches()) == 1 }, time.Second, pollInterval)
		cancel()
		res := <-done
		require.Equal(t, logwatch.OutcomeCancelled, res.result.Outcome)
		require.Equal(t, map[string]string{"B": "only B now"}, res.result.Matches)
	})
}

func TestDetectorCancelWhileWaitingForFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never.log")
	d := logwatch.NewDetector(testConfig(), logger.NOP, stats.NOP, "tool", path, logwatch.Markers{Required: []string{"done"}})
	ctx, cancel := context.WithCancel(context.Background())
	done := runDetector(ctx, d)
	time.Sleep(3 * pollInterval)
	cancel()
	select {
	case res := <-done:
		require.Equal(t, logwatch.OutcomeCancelled, res.result.Outcome)
	case <-time.After(time.Second):
		t.Fatal("detector did not observe cancellation")
	}
}

func TestDetectorFailureMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool.log")
	appendLine(t, path, "A\nTraceback (most recent call last):\nB\n")
	d := logwatch.NewDetector(testConfig(), logger.NOP, stats.NOP, "tool", path, logwatch.Markers{
		Required: []string{"A", "B"},
		Failure:  []string{"Traceback"},
	})
	res, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, logwatch.OutcomeFailed, res.Outcome)
	require.Equal(t, "Traceback (most recent call last):", res.Line)
}

func TestDetectorSkipExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool.log")
	d := logwatch.NewDetector(testConfig(), logger.NOP, stats.NOP, "tool", path, logwatch.Markers{Required: []string{"finished"}})
	require.NoError(t, d.SkipExisting(), "missing log is not an error")

	appendLine(t, path, "previous run finished\n")
	require.NoError(t, d.SkipExisting())

	done := runDetector(context.Background(), d)
	select {
	case <-done:
		t.Fatal("output of the previous run completed the watch")
	case <-time.After(5 * pollInterval):
	}
	appendLine(t, path, "this run finished\n")
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, logwatch.OutcomeCompleted, res.result.Outcome)
	require.Equal(t, "this run finished", res.result.Line)
}

func TestDetectorMarkersFromConfig(t *testing.T) {
	conf := config.New()
	conf.Set("Migration.full.completionMarkers", []string{"x", "y"})
	markers := logwatch.MarkersFromConfig(conf, "full", logwatch.Markers{
		Required: []string{"default"},
		Failure:  []string{"boom"},
	})
	require.Equal(t, []string{"x", "y"}, markers.Required)
	require.Equal(t, []string{"boom"}, markers.Failure)
}

func TestTailer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tail.log")
	stall := logwatch.NewStallWatch("tool", path, 5)
	tailer := logwatch.NewTailer(path, pollInterval, logger.NOP, stall)

	var (
		mu    sync.Mutex
		lines []string
	)
	seen := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), lines...)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tailer.Run(ctx, func(line string) bool {
			mu.Lock()
			defer mu.Unlock()
			lines = append(lines, line)
			return true
		})
	}()

	time.Sleep(2 * pollInterval)
	appendLine(t, path, "first\r\nsec")
	require.Eventually(t, func() bool { return len(seen()) == 1 }, time.Second, pollInterval)
	time.Sleep(2 * pollInterval)
	require.Equal(t, []string{"first"}, seen(), "partial line is held back")

	appendLine(t, path, "ond\n")
	require.Eventually(t, func() bool { return len(seen()) == 2 }, time.Second, pollInterval)
	require.Equal(t, []string{"first", "second"}, seen())

	require.NoError(t, os.WriteFile(path, []byte("new\n"), 0o644))
	require.Eventually(t, func() bool { return len(seen()) == 3 }, time.Second, pollInterval)
	require.Equal(t, "new", seen()[2], "truncated file is read from the start")

	require.False(t, stall.LastModified().IsZero())
	require.Eventually(t, stall.Stalled, time.Second, pollInterval, "an unchanged log stalls after enough polls")
	appendLine(t, path, "more\n")
	require.Eventually(t, func() bool { return !stall.Stalled() }, time.Second, pollInterval, "a write clears the stall")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestStallWatch(t *testing.T) {
	s := logwatch.NewStallWatch("incrementalSink", "/status/logs/incremental_sink.log", 2)

	t0 := time.Unix(100, 0)
	require.Equal(t, 0, s.Observe(t0))
	require.Equal(t, 1, s.Observe(t0))
	require.False(t, s.Stalled())
	require.Equal(t, 2, s.Observe(t0))
	require.True(t, s.Stalled())
	require.False(t, logwatch.NewStallWatch("tool", "/tmp/tool.log", 0).Stalled(), "a zero threshold never stalls")

	require.Equal(t, 0, s.Observe(t0.Add(time.Second)))
	require.Equal(t, t0.Add(time.Second), s.LastModified())

	s.Reset()
	require.Zero(t, s.StaleTicks())
	require.True(t, s.LastModified().IsZero())
}
