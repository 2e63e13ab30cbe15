package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/rudder-migrate/internal/workspace"
)

// dumpScript is called as "dump.sh <statusDir> --object <kind>".
const dumpScript = `#!/bin/sh
dir="$1"
kind="$3"
touch "$dir/$kind.done"
{
	printf '{"total":{"record":1}'
	for f in "$dir"/*.done; do
		k=$(basename "$f" .done)
		printf ',"%s":[{"schema":"public","name":"%s_1","status":3,"percent":1}]' "$k" "$k"
	done
	printf '}'
} > "$dir/full_migration.json.tmp"
mv "$dir/full_migration.json.tmp" "$dir/full_migration.json"
echo "migration finished"
`

type testEnv struct {
	conf *config.Config
	dir  string
	ws   *workspace.Workspace
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	statusDir := filepath.Join(dir, "status")
	ws, err := workspace.New("runner-test", statusDir, "")
	require.NoError(t, err)

	script := filepath.Join(dir, "dump.sh")
	require.NoError(t, os.WriteFile(script, []byte(dumpScript), 0o755))

	conf := config.New()
	conf.Set("enableStats", false)
	conf.Set("Migration.api.enabled", false)
	conf.Set("GracefulShutdownTimeout", 10)
	conf.Set("Migration.logwatch.pollInterval", 10)
	conf.Set("Migration.process.stopTimeout", 2)
	conf.Set("Migration.tools.fullDump.command", "/bin/sh")
	conf.Set("Migration.tools.fullDump.args", []string{script, statusDir})
	for _, tool := range []string{toolIncrementalSource, toolIncrementalSink} {
		conf.Set("Migration.tools."+tool+".command", "/bin/sh")
		conf.Set("Migration.tools."+tool+".args", []string{"-c", "echo " + tool + " started; exec sleep 30"})
	}
	return &testEnv{conf: conf, dir: dir, ws: ws}
}

func (e *testEnv) runner() *Runner {
	r := newRunner(ReleaseInfo{Version: "test"}, e.conf, logger.NOP)
	r.stdout = &bytes.Buffer{}
	return r
}

func (e *testEnv) args(extra ...string) []string {
	return append([]string{appName, "--status-dir", e.ws.StatusDir(), "--workspace-id", e.ws.ID()}, extra...)
}

func TestRunGracefulShutdown(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exitCode := make(chan int, 1)
	go func() {
		exitCode <- e.runner().Run(ctx, e.args())
	}()

	require.Eventually(t, func() bool {
		_, srcErr := os.Stat(e.ws.LogPath(toolIncrementalSource))
		_, sinkErr := os.Stat(e.ws.LogPath(toolIncrementalSink))
		return srcErr == nil && sinkErr == nil
	}, 10*time.Second, 10*time.Millisecond, "incremental replication starts after the full migration")
	require.FileExists(t, e.ws.HeartbeatPath())

	cancel()
	select {
	case code := <-exitCode:
		require.Equal(t, 0, code)
	case <-time.After(15 * time.Second):
		t.Fatal("runner did not shut down")
	}
	require.NoFileExists(t, e.ws.HeartbeatPath(), "workspace is released on shutdown")
}

func TestRunFault(t *testing.T) {
	e := newTestEnv(t)
	e.conf.Set("Migration.tools.fullDump.args", []string{"-c", `echo "migration failed: $3"; exit 1`, "dump", e.ws.StatusDir()})

	code := e.runner().Run(context.Background(), e.args())
	require.Equal(t, 1, code)
	require.NoFileExists(t, e.ws.HeartbeatPath(), "the fault path releases the workspace")
	require.NoFileExists(t, e.ws.LogPath(toolIncrementalSource), "incremental replication never starts")
}

func TestRunVersion(t *testing.T) {
	e := newTestEnv(t)
	r := e.runner()
	out := &bytes.Buffer{}
	r.stdout = out
	require.Equal(t, 0, r.Run(context.Background(), []string{appName, "version"}))
	require.Contains(t, out.String(), `"Version": "test"`)
}

func TestRunInvalidFlag(t *testing.T) {
	e := newTestEnv(t)
	require.Equal(t, 1, e.runner().Run(context.Background(), []string{appName, "--no-such-flag"}))
}

func TestRunStatus(t *testing.T) {
	e := newTestEnv(t)

	t.Run("no status yet", func(t *testing.T) {
		r := e.runner()
		out := &bytes.Buffer{}
		r.stdout = out
		require.Equal(t, 0, r.Run(context.Background(), e.args("status")))
		require.Contains(t, out.String(), "No migration status yet")
	})

	t.Run("missing status directory is left alone", func(t *testing.T) {
		missing := filepath.Join(e.dir, "missing")
		r := e.runner()
		out := &bytes.Buffer{}
		r.stdout = out
		require.Equal(t, 0, r.Run(context.Background(), []string{appName, "--status-dir", missing, "status"}))
		require.Contains(t, out.String(), "No migration status yet")
		require.NoDirExists(t, missing)
	})

	t.Run("with status documents", func(t *testing.T) {
		full := `{"total":{"record":2},"table":[
			{"schema":"public","name":"orders","status":3,"percent":1},
			{"schema":"public","name":"users","status":6,"percent":0.5,"error":"disk full"}
		]}`
		require.NoError(t, os.WriteFile(e.ws.StatusPath(workspace.FullStatusFile), []byte(full), 0o644))

		r := e.runner()
		out := &bytes.Buffer{}
		r.stdout = out
		require.Equal(t, 0, r.Run(context.Background(), e.args("status")))
		require.Contains(t, out.String(), "public.orders")
		require.Contains(t, out.String(), "public.users")
		require.Contains(t, out.String(), "disk full")
		require.Contains(t, out.String(), "50%")
	})
}
