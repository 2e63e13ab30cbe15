package model

import "strconv"

// Status is the progress code written by the full-dump tool for a single object.
type Status int

const (
	StatusPending        Status = 1
	StatusMigrating      Status = 2
	StatusCompleted      Status = 3
	StatusChecking       Status = 4
	StatusVerified       Status = 5
	StatusFailed         Status = 6
	StatusFinalizeFailed Status = 7
)

// Bucket is the semantic group a tool specific status code collapses into.
type Bucket string

const (
	BucketInProgress Bucket = "in_progress"
	BucketCompleted  Bucket = "completed"
	BucketFailed     Bucket = "failed"
)

func (s Status) Bucket() Bucket {
	switch s {
	case StatusCompleted, StatusChecking, StatusVerified:
		return BucketCompleted
	case StatusFailed, StatusFinalizeFailed:
		return BucketFailed
	default:
		return BucketInProgress
	}
}

func (s Status) IsCompleted() bool { return s.Bucket() == BucketCompleted }

func (s Status) IsFailed() bool { return s.Bucket() == BucketFailed }

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusMigrating:
		return "migrating"
	case StatusCompleted:
		return "completed"
	case StatusChecking:
		return "checking"
	case StatusVerified:
		return "verified"
	case StatusFailed:
		return "failed"
	case StatusFinalizeFailed:
		return "finalize_failed"
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// ObjectType tags the kind of database object an entry describes.
type ObjectType string

const (
	ObjectTable      ObjectType = "table"
	ObjectView       ObjectType = "view"
	ObjectFunction   ObjectType = "function"
	ObjectTrigger    ObjectType = "trigger"
	ObjectProcedure  ObjectType = "procedure"
	ObjectForeignKey ObjectType = "foreignKey"
)

// ObjectTypes lists the types reported by the full-dump tool, in document order.
var ObjectTypes = []ObjectType{
	ObjectTable,
	ObjectView,
	ObjectFunction,
	ObjectTrigger,
	ObjectProcedure,
	ObjectForeignKey,
}

// Phase is one stage of the migration plan.
type Phase string

const (
	PhaseFull             Phase = "full"
	PhaseIncremental      Phase = "incremental"
	PhaseReverse          Phase = "reverse"
	PhaseIncrementalCheck Phase = "incremental_check"
)

// CheckStatus is the verification outcome attached to an object.
type CheckStatus string

const (
	CheckNone    CheckStatus = ""
	CheckSuccess CheckStatus = "success"
	CheckFail    CheckStatus = "fail"
)
