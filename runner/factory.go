package runner

import (
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/rudder-migrate/internal/orchestrator"
	"github.com/rudderlabs/rudder-migrate/internal/process"
	"github.com/rudderlabs/rudder-migrate/internal/task"
	"github.com/rudderlabs/rudder-migrate/internal/workspace"
)

// tool names, as used in Migration.tools.<name> config keys and log file names
const (
	toolFullDump          = "fullDump"
	toolIncrementalSource = "incrementalSource"
	toolIncrementalSink   = "incrementalSink"
	toolReverseSource     = "reverseSource"
	toolReverseSink       = "reverseSink"
	toolDataCheck         = "dataCheck"
)

// taskFactory builds every task instance with its own child processes.
type taskFactory struct {
	conf  *config.Config
	log   logger.Logger
	stats stats.Stats
	ws    *workspace.Workspace
}

func (f *taskFactory) process(name string) *process.Process {
	return process.New(f.conf, f.log, f.stats, process.ToolFromConfig(f.conf, name, f.ws.LogPath(name)))
}

func (f *taskFactory) NewIncremental() orchestrator.Replicator {
	return task.NewIncremental(f.process(toolIncrementalSource), f.process(toolIncrementalSink), f.log, f.stats)
}

func (f *taskFactory) NewReverse() orchestrator.Replicator {
	return task.NewReverse(f.process(toolReverseSource), f.process(toolReverseSink), f.log, f.stats)
}

func (f *taskFactory) NewCheck() orchestrator.Checker {
	return task.NewCheck(f.conf, f.log, f.stats, f.process(toolDataCheck))
}
