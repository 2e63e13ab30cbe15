package task_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/rudder-migrate/internal/logwatch"
	"github.com/rudderlabs/rudder-migrate/internal/model"
	"github.com/rudderlabs/rudder-migrate/internal/process"
	"github.com/rudderlabs/rudder-migrate/internal/task"
)

func checkTool(t *testing.T, conf *config.Config, script string) *process.Process {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "dataCheck.log")
	// output of an earlier run must not complete the next one
	require.NoError(t, os.WriteFile(logPath, []byte("check finished\n"), 0o644))
	return process.New(conf, logger.NOP, stats.NOP, process.Tool{
		Name:    "dataCheck",
		Command: "/bin/sh",
		Args:    []string{"-c", script},
		LogPath: logPath,
	})
}

func checkConfig() *config.Config {
	conf := config.New()
	conf.Set("Migration.logwatch.pollInterval", 10)
	conf.Set("Migration.process.stopTimeout", 2)
	return conf
}

func TestCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("completes", func(t *testing.T) {
		conf := checkConfig()
		check := task.NewCheck(conf, logger.NOP, stats.NOP, checkTool(t, conf, "sleep 0.1; echo 'check finished'; exec sleep 30"))
		require.Equal(t, model.PhaseIncrementalCheck, check.Phase())

		_, err := check.Wait(ctx)
		require.ErrorIs(t, err, model.ErrInvalidState, "nothing to wait for before start")

		require.NoError(t, check.StartTask(ctx))
		require.ErrorIs(t, check.StartTask(ctx), model.ErrInvalidState)

		result, err := check.Wait(ctx)
		require.NoError(t, err)
		require.Equal(t, logwatch.OutcomeCompleted, result.Outcome)

		require.NoError(t, check.StopTask(ctx))
		require.Equal(t, task.StateStopped, check.State())
	})

	t.Run("fails", func(t *testing.T) {
		conf := checkConfig()
		check := task.NewCheck(conf, logger.NOP, stats.NOP, checkTool(t, conf, "echo 'check failed: 3 rows differ'"))
		require.NoError(t, check.StartTask(ctx))
		result, err := check.Wait(ctx)
		require.NoError(t, err)
		require.Equal(t, logwatch.OutcomeFailed, result.Outcome)
		require.Equal(t, "check failed: 3 rows differ", result.Line)
		require.NoError(t, check.StopTask(ctx))
	})

	t.Run("stop ends a pending wait", func(t *testing.T) {
		conf := checkConfig()
		check := task.NewCheck(conf, logger.NOP, stats.NOP, checkTool(t, conf, "exec sleep 30"))
		require.NoError(t, check.StartTask(ctx))

		done := make(chan logwatch.Result, 1)
		go func() {
			result, _ := check.Wait(ctx)
			done <- result
		}()
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, check.StopTask(ctx))
		select {
		case result := <-done:
			require.Equal(t, logwatch.OutcomeCancelled, result.Outcome)
		case <-time.After(2 * time.Second):
			t.Fatal("wait did not return after stop")
		}
		require.ErrorIs(t, check.StopTask(ctx), model.ErrInvalidState)
	})

	t.Run("abort", func(t *testing.T) {
		conf := checkConfig()
		tool := checkTool(t, conf, "exec sleep 30")
		check := task.NewCheck(conf, logger.NOP, stats.NOP, tool)
		require.NoError(t, check.StartTask(ctx))

		done := make(chan logwatch.Result, 1)
		go func() {
			result, _ := check.Wait(ctx)
			done <- result
		}()
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, check.Abort(ctx))
		require.Equal(t, logwatch.OutcomeCancelled, (<-done).Outcome)
		require.False(t, tool.Running())
		require.Equal(t, task.StateStopped, check.State())
		require.ErrorIs(t, check.StartTask(ctx), model.ErrInvalidState, "an aborted check never starts again")
		require.NoError(t, check.Abort(ctx), "abort is repeatable")
	})
}
