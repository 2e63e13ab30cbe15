package progress

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/rudder-migrate/internal/model"
	"github.com/rudderlabs/rudder-migrate/internal/workspace"
)

// ErrNotReady is returned while a tool has not written its status document yet.
var ErrNotReady = errors.New("status document not ready")

type statusPaths interface {
	StatusPath(file string) string
}

// Reader loads the tool status documents of a workspace on demand.
// A document that fails to parse is re-read a few times before it is reported as malformed,
// since the tools rewrite the files in place and a read can observe a partial write.
type Reader struct {
	paths statusPaths
	log   logger.Logger

	config struct {
		readAttempts      config.ValueLoader[int]
		readRetryInterval config.ValueLoader[time.Duration]
	}
}

func NewReader(conf *config.Config, log logger.Logger, paths statusPaths) *Reader {
	r := &Reader{
		paths: paths,
		log:   log.Child("progress"),
	}
	r.config.readAttempts = conf.GetReloadableIntVar(3, 1, "Migration.status.readAttempts")
	r.config.readRetryInterval = conf.GetReloadableDurationVar(200, time.Millisecond, "Migration.status.readRetryInterval")
	return r
}

func (r *Reader) Full(ctx context.Context) (FullSnapshot, error) {
	return read(ctx, r, workspace.FullStatusFile, ParseFull)
}

func (r *Reader) Source(ctx context.Context, phase model.Phase) (SourceSnapshot, error) {
	file, err := connectorFile(phase, true)
	if err != nil {
		return SourceSnapshot{}, err
	}
	return read(ctx, r, file, ParseSource)
}

func (r *Reader) Sink(ctx context.Context, phase model.Phase) (SinkSnapshot, error) {
	file, err := connectorFile(phase, false)
	if err != nil {
		return SinkSnapshot{}, err
	}
	return read(ctx, r, file, ParseSink)
}

func (r *Reader) Check(ctx context.Context) (CheckSnapshot, error) {
	return read(ctx, r, workspace.CheckStatusFile, ParseCheck)
}

// ObjectStatuses merges the full migration progress with the check result, if one was written.
func (r *Reader) ObjectStatuses(ctx context.Context) ([]model.ObjectStatusEntry, error) {
	full, err := r.Full(ctx)
	if err != nil {
		return nil, err
	}
	check, err := r.Check(ctx)
	if err != nil && !errors.Is(err, ErrNotReady) {
		return nil, err
	}
	return ObjectStatuses(full, check), nil
}

func connectorFile(phase model.Phase, source bool) (string, error) {
	switch {
	case phase == model.PhaseIncremental && source:
		return workspace.IncrementalSourceStatusFile, nil
	case phase == model.PhaseIncremental:
		return workspace.IncrementalSinkStatusFile, nil
	case phase == model.PhaseReverse && source:
		return workspace.ReverseSourceStatusFile, nil
	case phase == model.PhaseReverse:
		return workspace.ReverseSinkStatusFile, nil
	}
	return "", fmt.Errorf("no connector status for phase %q: %w", phase, model.ErrUnsupportedOperation)
}

func read[T any](ctx context.Context, r *Reader, file string, parse func([]byte) (T, error)) (T, error) {
	var (
		snapshot T
		path     = r.paths.StatusPath(file)
		attempts = r.config.readAttempts.Load()
	)
	if attempts < 1 {
		attempts = 1
	}
	operation := func() error {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) || (err == nil && len(data) == 0) {
			return backoff.Permanent(fmt.Errorf("%s: %w", file, ErrNotReady))
		}
		if err != nil {
			return backoff.Permanent(fmt.Errorf("reading %s: %w: %w", file, model.ErrIO, err))
		}
		parsed, err := parse(data)
		if err != nil {
			return err
		}
		snapshot = parsed
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.config.readRetryInterval.Load()), uint64(attempts-1)),
		ctx,
	)
	notify := func(err error, next time.Duration) {
		r.log.Debugn("Re-reading status document",
			logger.NewStringField("file", file),
			logger.NewDurationField("after", next),
			logger.NewErrorField(err),
		)
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		var zero T
		return zero, err
	}
	return snapshot, nil
}
