package logwatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/rudder-migrate/internal/model"
)

type Outcome int

const (
	OutcomeCancelled Outcome = iota
	OutcomeCompleted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	}
	return "cancelled"
}

// Markers configures a Detector. Every Required marker must be seen for completion;
// any Failure marker ends the watch as failed.
type Markers struct {
	Required []string
	Failure  []string
}

// MarkersFromConfig reads Migration.<name>.completionMarkers and Migration.<name>.failureMarkers.
func MarkersFromConfig(conf *config.Config, name string, defaults Markers) Markers {
	return Markers{
		Required: conf.GetStringSlice("Migration."+name+".completionMarkers", defaults.Required),
		Failure:  conf.GetStringSlice("Migration."+name+".failureMarkers", defaults.Failure),
	}
}

type Result struct {
	Outcome Outcome
	// Matches maps each marker seen to the last line that contained it.
	Matches map[string]string
	// Line is the line that completed or failed the watch.
	Line string
}

// Detector tails a tool log and reports when the configured markers have been seen.
type Detector struct {
	name    string
	path    string
	markers Markers
	log     logger.Logger

	pollInterval config.ValueLoader[time.Duration]
	stall        *StallWatch
	stats        stats.Stats
	matchesStat  stats.Measurement

	mu      sync.Mutex
	matched map[string]string
	cancel  context.CancelFunc
	from    int64
}

func NewDetector(conf *config.Config, log logger.Logger, statsFactory stats.Stats, name, path string, markers Markers) *Detector {
	return &Detector{
		name:         name,
		path:         path,
		markers:      markers,
		log:          log.Child("logwatch").Withn(logger.NewStringField("tool", name)),
		pollInterval: conf.GetReloadableDurationVar(500, time.Millisecond, "Migration.logwatch.pollInterval"),
		stall:        NewStallWatch(name, path, conf.GetIntVar(240, 1, "Migration.logwatch.stallPolls")),
		stats:        statsFactory,
		matchesStat:  statsFactory.NewTaggedStat("migration_logwatch_matches", stats.CountType, stats.Tags{"tool": name}),
		matched:      make(map[string]string),
	}
}

// Run blocks until the required markers are all seen, a failure marker is seen, or the watch
// is cancelled through ctx or Stop. Recorded matches are cleared when Run returns so a later
// watch starts from an empty set.
func (d *Detector) Run(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	defer func() {
		cancel()
		d.reset()
	}()

	d.mu.Lock()
	from := d.from
	d.from = 0
	d.mu.Unlock()

	start := time.Now()
	result := Result{Outcome: OutcomeCancelled}
	tailer := NewTailer(d.path, d.pollInterval.Load(), d.log, d.stall)
	tailer.Seek(from)
	err := tailer.Run(ctx, func(line string) bool {
		if marker, ok := containsAny(line, d.markers.Failure); ok {
			d.record(marker, line)
			result.Outcome, result.Line = OutcomeFailed, line
			return false
		}
		for _, marker := range containedIn(line, d.markers.Required) {
			d.record(marker, line)
		}
		if d.complete() {
			result.Outcome, result.Line = OutcomeCompleted, line
			return false
		}
		return true
	})
	result.Matches = d.Matches()
	d.stats.NewTaggedStat("migration_logwatch_wait", stats.TimerType, stats.Tags{
		"tool":    d.name,
		"outcome": result.Outcome.String(),
	}).Since(start)

	d.log.Infon("Log watch finished",
		logger.NewStringField("outcome", result.Outcome.String()),
		logger.NewIntField("matched", int64(len(result.Matches))),
	)
	if result.Outcome == OutcomeCancelled {
		return result, err
	}
	return result, nil
}

// SkipExisting makes the next Run ignore what the log already holds, so output of an earlier
// run of the same tool cannot complete the watch. Call it before the tool is started.
func (d *Detector) SkipExisting() error {
	info, err := os.Stat(d.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrIO, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.from = info.Size()
	return nil
}

// Stop cancels a running watch. It returns immediately; Run observes it within one poll interval.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}

// Matches returns a copy of the markers recorded so far.
func (d *Detector) Matches() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.matched)
}

func (d *Detector) record(marker, line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.matched[marker] = line
	d.matchesStat.Increment()
}

func (d *Detector) complete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.markers.Required) == 0 {
		return false
	}
	return lo.EveryBy(d.markers.Required, func(marker string) bool {
		_, ok := d.matched[marker]
		return ok
	})
}

func (d *Detector) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.matched)
	d.cancel = nil
	d.stall.Reset()
}

func containsAny(line string, markers []string) (string, bool) {
	return lo.Find(markers, func(marker string) bool {
		return marker != "" && strings.Contains(line, marker)
	})
}

func containedIn(line string, markers []string) []string {
	return lo.Filter(markers, func(marker string, _ int) bool {
		return marker != "" && strings.Contains(line, marker)
	})
}
