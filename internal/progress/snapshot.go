// Package progress normalizes the status documents written by the external migration tools.
package progress

import "github.com/rudderlabs/rudder-migrate/internal/model"

// FullTotal is the summary block of the full-dump tool document.
type FullTotal struct {
	Record int64  `json:"record"`
	Data   string `json:"data"`
	Time   int64  `json:"time"`
	Speed  string `json:"speed"`
}

// FullSnapshot is the full-dump tool status document.
type FullSnapshot struct {
	Total   FullTotal                                  `json:"total"`
	Objects map[model.ObjectType][]model.ProgressEntry `json:"objects"`
}

// Has reports whether the document carries a section for the given object type.
func (s FullSnapshot) Has(typ model.ObjectType) bool {
	_, ok := s.Objects[typ]
	return ok
}

// SourceSnapshot is the status document of the reading side of a change-stream connector.
type SourceSnapshot struct {
	Timestamp    int64 `json:"timestamp"`
	CreateCount  int64 `json:"createCount"`
	ConvertCount int64 `json:"convertCount"`
	PollCount    int64 `json:"pollCount"`
	Rest         int64 `json:"rest"`
	Speed        int64 `json:"speed"`
}

// SinkSnapshot is the status document of the writing side of a change-stream connector.
type SinkSnapshot struct {
	Timestamp           int64                 `json:"timestamp"`
	ExtractCount        int64                 `json:"extractCount"`
	SkippedCount        int64                 `json:"skippedCount"`
	ReplayedCount       int64                 `json:"replayedCount"`
	SuccessCount        int64                 `json:"successCount"`
	FailCount           int64                 `json:"failCount"`
	SkippedExcludeCount int64                 `json:"skippedExcludeCount"`
	Rest                int64                 `json:"rest"`
	Speed               int64                 `json:"speed"`
	FailedObjects       []model.ProgressEntry `json:"failedObjects,omitempty"`
}

// CheckSnapshot is the verification tool result document.
type CheckSnapshot struct {
	Success []model.CheckEntry     `json:"success"`
	Failed  []model.CheckFailEntry `json:"failed"`
}
