package progress

import (
	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-migrate/internal/model"
)

// Entries returns the entries of one object type ordered by schema and name.
func Entries(s FullSnapshot, typ model.ObjectType) []model.ProgressEntry {
	entries := append([]model.ProgressEntry(nil), s.Objects[typ]...)
	model.SortProgress(entries)
	return entries
}

// Completed reports whether the section for typ exists and every entry in it completed.
// The tool writes a section once it has listed the objects of that type, so an empty
// section means there was nothing to migrate.
func Completed(s FullSnapshot, typ model.ObjectType) bool {
	entries, ok := s.Objects[typ]
	if !ok {
		return false
	}
	return lo.EveryBy(entries, func(e model.ProgressEntry) bool {
		return e.Status.IsCompleted()
	})
}

// Failed returns the entries of all sections that are in a failed state.
func Failed(s FullSnapshot) []model.ProgressEntry {
	var failed []model.ProgressEntry
	for _, typ := range model.ObjectTypes {
		failed = append(failed, lo.Filter(s.Objects[typ], func(e model.ProgressEntry, _ int) bool {
			return e.Status.IsFailed()
		})...)
	}
	model.SortProgress(failed)
	return failed
}

// ObjectStatuses merges the full-dump progress with the verification outcome.
// Objects missing from the check document keep an empty check status.
func ObjectStatuses(full FullSnapshot, check CheckSnapshot) []model.ObjectStatusEntry {
	type key struct{ schema, name string }

	passed := lo.SliceToMap(check.Success, func(e model.CheckEntry) (key, struct{}) {
		return key{e.Schema, e.Name}, struct{}{}
	})
	failed := lo.SliceToMap(check.Failed, func(e model.CheckFailEntry) (key, model.CheckFailEntry) {
		return key{e.Schema, e.Name}, e
	})

	var out []model.ObjectStatusEntry
	for _, typ := range model.ObjectTypes {
		if typ == model.ObjectForeignKey {
			continue
		}
		for _, e := range full.Objects[typ] {
			status := model.NewObjectStatus(e, typ)
			k := key{e.Schema, e.Name}
			if f, ok := failed[k]; ok {
				status.SetCheckFailure(f.Error, f.RepairFilePath)
			} else if _, ok := passed[k]; ok {
				status.SetCheckSuccess()
			}
			out = append(out, status)
		}
	}
	model.SortObjectStatus(out)
	return out
}
