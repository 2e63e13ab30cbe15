package logwatch

import (
	"sync"
	"time"
)

// StallWatch tracks how many consecutive polls saw no change in a file's modification time.
type StallWatch struct {
	ProcessName string
	Path        string
	// Threshold is the number of unchanged polls after which the file counts as stalled. Zero never stalls.
	Threshold int

	mu           sync.Mutex
	lastModified time.Time
	staleTicks   int
}

func NewStallWatch(processName, path string, threshold int) *StallWatch {
	return &StallWatch{ProcessName: processName, Path: path, Threshold: threshold}
}

// Observe records the modification time seen on a poll and returns the stale tick count.
func (s *StallWatch) Observe(modTime time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if modTime.After(s.lastModified) {
		s.lastModified = modTime
		s.staleTicks = 0
	} else {
		s.staleTicks++
	}
	return s.staleTicks
}

func (s *StallWatch) LastModified() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastModified
}

func (s *StallWatch) StaleTicks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staleTicks
}

func (s *StallWatch) Stalled() bool {
	return s.Threshold > 0 && s.StaleTicks() >= s.Threshold
}

func (s *StallWatch) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastModified = time.Time{}
	s.staleTicks = 0
}
