// Package logwatch follows the log files of the external tools and decides completion from their text.
package logwatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-migrate/internal/model"
)

// Tailer polls a file for appended lines. It waits for the file to appear and starts
// over from the beginning when the file shrinks. Incomplete trailing lines are held back
// until their newline arrives.
type Tailer struct {
	path         string
	pollInterval time.Duration
	log          logger.Logger
	stall        *StallWatch

	offset  int64
	partial []byte
}

func NewTailer(path string, pollInterval time.Duration, log logger.Logger, stall *StallWatch) *Tailer {
	return &Tailer{
		path:         path,
		pollInterval: pollInterval,
		log:          log,
		stall:        stall,
	}
}

// Seek sets the offset the first poll reads from. A file shorter than offset is read from the start.
func (t *Tailer) Seek(offset int64) {
	t.offset = offset
	t.partial = nil
}

// Run calls onLine for every complete line until onLine returns false or ctx is done.
// IO errors on a poll are logged and the next poll proceeds.
func (t *Tailer) Run(ctx context.Context, onLine func(line string) bool) error {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lines, err := t.poll()
		if err != nil {
			t.log.Warnn("Polling log file",
				logger.NewStringField("path", t.path),
				obskit.Error(err),
			)
		}
		for _, line := range lines {
			if !onLine(line) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Tailer) poll() ([]string, error) {
	info, err := os.Stat(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrIO, err)
	}
	if t.stall != nil && t.stall.Observe(info.ModTime()) == t.stall.Threshold && t.stall.Stalled() {
		t.log.Warnn("Log file stopped changing",
			logger.NewStringField("path", t.path),
			logger.NewDurationField("since", time.Since(t.stall.LastModified())),
		)
	}
	if info.Size() < t.offset {
		t.offset = 0
		t.partial = nil
	}
	if info.Size() == t.offset {
		return nil, nil
	}

	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrIO, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrIO, err)
	}
	chunk, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrIO, err)
	}
	t.offset += int64(len(chunk))

	buf := append(t.partial, chunk...)
	var lines []string
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(buf[:i], "\r")))
		buf = buf[i+1:]
	}
	t.partial = append([]byte(nil), buf...)
	return lines, nil
}
