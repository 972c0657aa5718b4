// Package jobregistry tracks the completion state of active jobs.
//
// The Registry is shared by the distribution loop, which registers jobs, and
// the aggregation loop, which records results and removes finished jobs.
// Updates to one job never wait on another: the registry lock is held only
// to find an entry, and each entry has its own mutex.
package jobregistry

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

type entry struct {
	mu      sync.Mutex
	rec     JobRecord
	pending map[string]int
	removed bool
}

// Registry maps reply-channel keys to in-progress JobRecords.
// The zero value is not usable; use New.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*entry
	now  func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		jobs: make(map[string]*entry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Register admits a job with one pending result per item. Items may repeat;
// each occurrence expects its own result.
func (r *Registry) Register(key, dest string, items []string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("job key is required")
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: %s", ErrNoItems, key)
	}

	pending := make(map[string]int, len(items))
	for _, item := range items {
		pending[item]++
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[key]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, key)
	}
	r.jobs[key] = &entry{
		rec: JobRecord{
			Key:               key,
			OutputDestination: dest,
			ItemCount:         len(items),
			Remaining:         len(items),
			Fragments:         make([]Fragment, 0, len(items)),
			CreatedAt:         r.now(),
		},
		pending: pending,
	}
	return nil
}

// RecordResult applies one item result. The fragment is appended and the
// counter decremented only when the item has an outstanding result.
func (r *Registry) RecordResult(key string, f Fragment) JobStatus {
	return r.settle(key, f.SourceURL, func(rec *JobRecord) {
		rec.Fragments = append(rec.Fragments, f)
	})
}

// Withdraw settles an item without a fragment, for items that could not be
// dispatched. It may complete the job.
func (r *Registry) Withdraw(key, item string) JobStatus {
	return r.settle(key, item, nil)
}

func (r *Registry) settle(key, item string, apply func(*JobRecord)) JobStatus {
	e := r.lookup(key)
	if e == nil {
		return UnknownJob
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.rec.Remaining == 0 {
		return UnknownJob
	}
	if e.pending[item] == 0 {
		return DuplicateResult
	}

	e.pending[item]--
	if e.pending[item] == 0 {
		delete(e.pending, item)
	}
	if apply != nil {
		apply(&e.rec)
	}
	e.rec.Remaining--
	if e.rec.Remaining > 0 {
		return StillPending
	}
	now := r.now()
	e.rec.CompletedAt = &now
	return JustCompleted
}

// Get returns a copy of the record for key.
func (r *Registry) Get(key string) (JobRecord, bool) {
	e := r.lookup(key)
	if e == nil {
		return JobRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return JobRecord{}, false
	}
	return e.rec.clone(), true
}

// Remove deletes the record for key and returns it.
func (r *Registry) Remove(key string) (JobRecord, bool) {
	r.mu.Lock()
	e, ok := r.jobs[key]
	if ok {
		delete(r.jobs, key)
	}
	r.mu.Unlock()
	if !ok {
		return JobRecord{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	return e.rec.clone(), true
}

// MarkPublishFailed records a failed publish attempt for a completed job and
// returns the total number of failed attempts.
func (r *Registry) MarkPublishFailed(key string) int {
	e := r.lookup(key)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.PublishAttempts++
	return e.rec.PublishAttempts
}

// SetArtifact records the name of the stored artifact of a job.
func (r *Registry) SetArtifact(key, name string) {
	e := r.lookup(key)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.ArtifactName = name
}

// Completed returns the keys of records whose items are all settled but
// which have not been removed, oldest first.
func (r *Registry) Completed() []string {
	var keys []string
	for _, s := range r.Snapshot() {
		if s.Remaining == 0 {
			keys = append(keys, s.Key)
		}
	}
	return keys
}

// IsEmpty reports whether no job is active.
func (r *Registry) IsEmpty() bool {
	return r.Len() == 0
}

// Len returns the number of active jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Snapshot summarizes every active job, oldest first.
func (r *Registry) Snapshot() []JobSummary {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]JobSummary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, JobSummary{
				Key:               e.rec.Key,
				OutputDestination: e.rec.OutputDestination,
				ItemCount:         e.rec.ItemCount,
				Remaining:         e.rec.Remaining,
				Received:          len(e.rec.Fragments),
				CreatedAt:         e.rec.CreatedAt,
				CompletedAt:       e.rec.CompletedAt,
				PublishAttempts:   e.rec.PublishAttempts,
			})
		}
		e.mu.Unlock()
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) lookup(key string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[key]
}

func (rec JobRecord) clone() JobRecord {
	rec.Fragments = slices.Clone(rec.Fragments)
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		rec.CompletedAt = &t
	}
	return rec
}
