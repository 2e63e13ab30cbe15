// Package task implements the migration phases on top of the external tools.
package task

import (
	"context"

	"github.com/rudderlabs/rudder-migrate/internal/model"
)

//go:generate mockgen -destination=../../mocks/task/mock_task.go -package=mock_task github.com/rudderlabs/rudder-migrate/internal/task Connector

// Task is one phase of the migration.
type Task interface {
	Phase() model.Phase
	StartTask(ctx context.Context) error
	StopTask(ctx context.Context) error
}

// Connector is one side of a replication pair.
type Connector interface {
	Name() string
	Start(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Runner runs a tool to completion once per invocation, with the caller choosing extra arguments.
type Runner interface {
	Name() string
	LogPath() string
	StartWith(ctx context.Context, extra ...string) error
	Stop(ctx context.Context) error
	Exited() <-chan struct{}
	ExitErr() error
}

type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)
