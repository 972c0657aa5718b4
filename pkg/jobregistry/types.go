package jobregistry

import (
	"errors"
	"time"
)

var (
	// ErrJobExists is returned when a key is registered while already active.
	// A client reusing an in-flight reply channel is a protocol violation.
	ErrJobExists = errors.New("job already registered")

	// ErrNoItems is returned when a job is registered without items.
	ErrNoItems = errors.New("job has no items")
)

// JobStatus is the outcome of applying one item result to the registry.
type JobStatus int

const (
	// StillPending means the result was accepted and items remain.
	StillPending JobStatus = iota
	// JustCompleted means the result was the last one. Exactly one call per
	// job observes this status.
	JustCompleted
	// UnknownJob means no active, incomplete job has the key. The counter is
	// not touched.
	UnknownJob
	// DuplicateResult means the job is active but the item has no
	// outstanding result (redelivery, or an item that was never dispatched).
	// The counter is not touched.
	DuplicateResult
)

func (s JobStatus) String() string {
	switch s {
	case StillPending:
		return "still_pending"
	case JustCompleted:
		return "just_completed"
	case UnknownJob:
		return "unknown_job"
	case DuplicateResult:
		return "duplicate_result"
	default:
		return "invalid"
	}
}

// Fragment is one item's result, in arrival order.
type Fragment struct {
	SourceURL string `json:"source_url"`
	Text      string `json:"text"`
}

// JobRecord is the in-progress completion state of one job, keyed by the
// job's reply channel.
type JobRecord struct {
	// Key is the reply channel URL the job was submitted with.
	Key string `json:"key"`

	// OutputDestination is the bucket receiving the finished artifact.
	OutputDestination string `json:"output_destination"`

	// ItemCount is the number of items registered, which is the number of
	// items read from the list, not the client's worker hint.
	ItemCount int `json:"item_count"`

	// Remaining counts items without an accepted result. Never negative.
	Remaining int `json:"remaining"`

	// Fragments are appended as results arrive.
	Fragments []Fragment `json:"fragments,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// PublishAttempts counts failed attempts to publish the artifact.
	PublishAttempts int `json:"publish_attempts,omitempty"`

	// ArtifactName is set once the artifact is stored. Later publish
	// attempts only notify the client.
	ArtifactName string `json:"artifact_name,omitempty"`
}

// Completed reports whether every item has been answered or withdrawn.
func (r *JobRecord) Completed() bool {
	return r.Remaining == 0
}

// JobSummary is a fragment-free view of a JobRecord for status reporting.
type JobSummary struct {
	Key               string     `json:"key"`
	OutputDestination string     `json:"output_destination"`
	ItemCount         int        `json:"item_count"`
	Remaining         int        `json:"remaining"`
	Received          int        `json:"received"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	PublishAttempts   int        `json:"publish_attempts,omitempty"`
}
