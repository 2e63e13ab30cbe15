// Package workspace identifies a single migration run and the status directory shared with the external tools.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/iancoleman/strcase"
	"go.uber.org/atomic"

	"github.com/rudderlabs/rudder-go-kit/config"

	"github.com/rudderlabs/rudder-migrate/internal/model"
)

const (
	DefaultHeartbeatFileName = "portal.heartbeat"

	FullStatusFile              = "full_migration.json"
	IncrementalSourceStatusFile = "incremental_source.json"
	IncrementalSinkStatusFile   = "incremental_sink.json"
	ReverseSourceStatusFile     = "reverse_source.json"
	ReverseSinkStatusFile       = "reverse_sink.json"
	CheckStatusFile             = "data_check.json"

	logsDir = "logs"
)

// Workspace is created once per run and is immutable afterwards. Release removes the heartbeat marker.
type Workspace struct {
	id                string
	statusDir         string
	heartbeatFileName string

	released atomic.Bool
}

// New creates the status directory (and its logs sub-directory) if needed.
// An empty id gets a random one.
func New(id, statusDir, heartbeatFileName string) (*Workspace, error) {
	w, err := Open(id, statusDir, heartbeatFileName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(statusDir, logsDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating status directory %q: %w: %w", statusDir, model.ErrIO, err)
	}
	return w, nil
}

// Open is New without touching the filesystem, for readers of an existing status directory.
func Open(id, statusDir, heartbeatFileName string) (*Workspace, error) {
	if statusDir == "" {
		return nil, errors.New("workspace: status directory is required")
	}
	if id == "" {
		id = uuid.New().String()
	}
	if heartbeatFileName == "" {
		heartbeatFileName = DefaultHeartbeatFileName
	}
	return &Workspace{
		id:                id,
		statusDir:         statusDir,
		heartbeatFileName: heartbeatFileName,
	}, nil
}

// NewFromConfig reads Migration.workspaceId, Migration.statusDir and Migration.heartbeat.fileName.
func NewFromConfig(conf *config.Config) (*Workspace, error) {
	return New(fromConfig(conf))
}

// OpenFromConfig is NewFromConfig without creating any directory.
func OpenFromConfig(conf *config.Config) (*Workspace, error) {
	return Open(fromConfig(conf))
}

func fromConfig(conf *config.Config) (id, statusDir, heartbeatFileName string) {
	return conf.GetStringVar("", "Migration.workspaceId"),
		conf.GetStringVar("", "Migration.statusDir"),
		conf.GetStringVar(DefaultHeartbeatFileName, "Migration.heartbeat.fileName")
}

func (w *Workspace) ID() string { return w.id }

func (w *Workspace) StatusDir() string { return w.statusDir }

func (w *Workspace) HeartbeatPath() string {
	return filepath.Join(w.statusDir, w.heartbeatFileName)
}

// StatusPath returns the path of a tool status document within the status directory.
func (w *Workspace) StatusPath(file string) string {
	return filepath.Join(w.statusDir, file)
}

// LogPath returns the log file path for the named tool, snake cased like the status documents:
// incrementalSource logs to logs/incremental_source.log.
func (w *Workspace) LogPath(tool string) string {
	return filepath.Join(w.statusDir, logsDir, strcase.ToSnake(tool)+".log")
}

func (w *Workspace) Released() bool { return w.released.Load() }

// Release deletes the heartbeat marker. It is safe to call more than once.
func (w *Workspace) Release() error {
	if !w.released.CompareAndSwap(false, true) {
		return nil
	}
	if err := os.Remove(w.HeartbeatPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing heartbeat marker: %w: %w", model.ErrIO, err)
	}
	return nil
}
