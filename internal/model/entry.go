package model

import (
	"cmp"
	"slices"
)

// ProgressEntry is the normalized migration progress of a single object.
//
// Percent may exceed 1 only for StatusFinalizeFailed, and Error is only set for failed statuses.
type ProgressEntry struct {
	Schema  string  `json:"schema"`
	Name    string  `json:"name"`
	Status  Status  `json:"status"`
	Percent float64 `json:"percent"`
	Error   string  `json:"error,omitempty"`
}

// Normalize clamps percent to [0, 1] (finalize failures may exceed 1) and clears the error
// of entries that did not fail.
func (e ProgressEntry) Normalize() ProgressEntry {
	if e.Percent < 0 {
		e.Percent = 0
	}
	if e.Percent > 1 && e.Status != StatusFinalizeFailed {
		e.Percent = 1
	}
	if !e.Status.IsFailed() {
		e.Error = ""
	}
	return e
}

// CompareProgress orders entries by schema, then name.
func CompareProgress(a, b ProgressEntry) int {
	return compareQualified(a.Schema, a.Name, b.Schema, b.Name)
}

// CompareProgressByName orders entries by name alone.
func CompareProgressByName(a, b ProgressEntry) int {
	return cmp.Compare(a.Name, b.Name)
}

func SortProgress(entries []ProgressEntry) { slices.SortStableFunc(entries, CompareProgress) }

func SortProgressByName(entries []ProgressEntry) {
	slices.SortStableFunc(entries, CompareProgressByName)
}

// CheckEntry is an object that passed verification.
type CheckEntry struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
}

// CheckFailEntry is an object that failed verification.
type CheckFailEntry struct {
	Schema         string `json:"schema"`
	Name           string `json:"name"`
	Error          string `json:"error"`
	RepairFilePath string `json:"repairFilePath"`
}

// ObjectStatusEntry is the merged view of migration progress and verification of one object.
type ObjectStatusEntry struct {
	Schema         string      `json:"schema"`
	Name           string      `json:"name"`
	Type           ObjectType  `json:"type"`
	Status         Status      `json:"status"`
	Percent        float64     `json:"percent"`
	Error          string      `json:"error,omitempty"`
	CheckStatus    CheckStatus `json:"checkStatus,omitempty"`
	CheckMessage   string      `json:"checkMessage,omitempty"`
	RepairFilePath string      `json:"repairFilePath,omitempty"`
}

func NewObjectStatus(e ProgressEntry, typ ObjectType) ObjectStatusEntry {
	e = e.Normalize()
	return ObjectStatusEntry{
		Schema:  e.Schema,
		Name:    e.Name,
		Type:    typ,
		Status:  e.Status,
		Percent: e.Percent,
		Error:   e.Error,
	}
}

// SetCheckSuccess marks the object as verified. A later call to either setter overwrites it.
func (o *ObjectStatusEntry) SetCheckSuccess() {
	o.CheckStatus = CheckSuccess
	o.CheckMessage = ""
	o.RepairFilePath = ""
}

// SetCheckFailure marks the object as failing verification. A later call to either setter overwrites it.
func (o *ObjectStatusEntry) SetCheckFailure(message, repairFilePath string) {
	o.CheckStatus = CheckFail
	o.CheckMessage = message
	o.RepairFilePath = repairFilePath
}

func CompareObjectStatus(a, b ObjectStatusEntry) int {
	return compareQualified(a.Schema, a.Name, b.Schema, b.Name)
}

func CompareObjectStatusByName(a, b ObjectStatusEntry) int {
	return cmp.Compare(a.Name, b.Name)
}

func SortObjectStatus(entries []ObjectStatusEntry) {
	slices.SortStableFunc(entries, CompareObjectStatus)
}

func SortObjectStatusByName(entries []ObjectStatusEntry) {
	slices.SortStableFunc(entries, CompareObjectStatusByName)
}

func compareQualified(schemaA, nameA, schemaB, nameB string) int {
	if c := cmp.Compare(schemaA, schemaB); c != 0 {
		return c
	}
	return cmp.Compare(nameA, nameB)
}
