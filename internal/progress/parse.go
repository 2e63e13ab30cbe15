package progress

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/rudderlabs/rudder-migrate/internal/model"
)

func validate(tool string, data []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("%s status document: %w", tool, model.ErrMalformedStatus)
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return gjson.Result{}, fmt.Errorf("%s status document is not an object: %w", tool, model.ErrMalformedStatus)
	}
	return doc, nil
}

// ParseFull maps the full-dump tool document. Sections that are absent stay absent in Objects.
func ParseFull(data []byte) (FullSnapshot, error) {
	doc, err := validate("full", data)
	if err != nil {
		return FullSnapshot{}, err
	}
	total := doc.Get("total")
	snapshot := FullSnapshot{
		Total: FullTotal{
			Record: total.Get("record").Int(),
			Data:   total.Get("data").String(),
			Time:   total.Get("time").Int(),
			Speed:  total.Get("speed").String(),
		},
		Objects: make(map[model.ObjectType][]model.ProgressEntry),
	}
	for _, typ := range model.ObjectTypes {
		section := doc.Get(string(typ))
		if !section.Exists() {
			continue
		}
		if !section.IsArray() {
			return FullSnapshot{}, fmt.Errorf("full status section %q is not a list: %w", typ, model.ErrMalformedStatus)
		}
		entries := make([]model.ProgressEntry, 0, len(section.Array()))
		section.ForEach(func(_, item gjson.Result) bool {
			entries = append(entries, progressEntry(item).Normalize())
			return true
		})
		model.SortProgress(entries)
		snapshot.Objects[typ] = entries
	}
	return snapshot, nil
}

func ParseSource(data []byte) (SourceSnapshot, error) {
	doc, err := validate("source", data)
	if err != nil {
		return SourceSnapshot{}, err
	}
	return SourceSnapshot{
		Timestamp:    doc.Get("timestamp").Int(),
		CreateCount:  doc.Get("createCount").Int(),
		ConvertCount: doc.Get("convertCount").Int(),
		PollCount:    doc.Get("pollCount").Int(),
		Rest:         doc.Get("rest").Int(),
		Speed:        doc.Get("speed").Int(),
	}, nil
}

func ParseSink(data []byte) (SinkSnapshot, error) {
	doc, err := validate("sink", data)
	if err != nil {
		return SinkSnapshot{}, err
	}
	snapshot := SinkSnapshot{
		Timestamp:           doc.Get("timestamp").Int(),
		ExtractCount:        doc.Get("extractCount").Int(),
		SkippedCount:        doc.Get("skippedCount").Int(),
		ReplayedCount:       doc.Get("replayedCount").Int(),
		SuccessCount:        doc.Get("successCount").Int(),
		FailCount:           doc.Get("failCount").Int(),
		SkippedExcludeCount: doc.Get("skippedExcludeEventCount").Int(),
		Rest:                doc.Get("rest").Int(),
		Speed:               doc.Get("speed").Int(),
	}
	doc.Get("failSqlList").ForEach(func(_, item gjson.Result) bool {
		entry := progressEntry(item)
		if entry.Status == 0 {
			entry.Status = model.StatusFailed
		}
		snapshot.FailedObjects = append(snapshot.FailedObjects, entry.Normalize())
		return true
	})
	model.SortProgress(snapshot.FailedObjects)
	return snapshot, nil
}

func ParseCheck(data []byte) (CheckSnapshot, error) {
	doc, err := validate("check", data)
	if err != nil {
		return CheckSnapshot{}, err
	}
	var snapshot CheckSnapshot
	doc.Get("success").ForEach(func(_, item gjson.Result) bool {
		snapshot.Success = append(snapshot.Success, model.CheckEntry{
			Schema: item.Get("schema").String(),
			Name:   item.Get("table").String(),
		})
		return true
	})
	doc.Get("failed").ForEach(func(_, item gjson.Result) bool {
		snapshot.Failed = append(snapshot.Failed, model.CheckFailEntry{
			Schema:         item.Get("schema").String(),
			Name:           item.Get("table").String(),
			Error:          item.Get("message").String(),
			RepairFilePath: item.Get("repairFile").String(),
		})
		return true
	})
	return snapshot, nil
}

func progressEntry(item gjson.Result) model.ProgressEntry {
	return model.ProgressEntry{
		Schema:  item.Get("schema").String(),
		Name:    item.Get("name").String(),
		Status:  model.Status(item.Get("status").Int()),
		Percent: item.Get("percent").Float(),
		Error:   item.Get("error").String(),
	}
}
