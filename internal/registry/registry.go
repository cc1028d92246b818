package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsplit/api/internal/model"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Observer receives a snapshot after every successful mutation.
type Observer func(job *model.Job)

var transitions = map[model.JobStatus][]model.JobStatus{
	model.JobStatusPending:    {model.JobStatusAcquiring, model.JobStatusFailed},
	model.JobStatusAcquiring:  {model.JobStatusSeparating, model.JobStatusFailed},
	model.JobStatusSeparating: {model.JobStatusMerging, model.JobStatusCompleted, model.JobStatusFailed},
	model.JobStatusMerging:    {model.JobStatusCompleted, model.JobStatusFailed},
}

func canTransition(from, to model.JobStatus) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Registry is the in-memory owner of all job records. A single mutex guards
// the whole map; callers only ever see copies.
type Registry struct {
	mu        sync.Mutex
	jobs      map[string]*model.Job
	observers []Observer
	ttl       time.Duration
	now       func() time.Time
}

// New creates a registry whose jobs expire ttl after creation.
func New(ttl time.Duration) *Registry {
	return &Registry{
		jobs: make(map[string]*model.Job),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Subscribe registers an observer. Observers run outside the registry lock
// and must not block for long.
func (r *Registry) Subscribe(fn Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

// Create stores a new pending job. ID and timestamps are assigned here.
func (r *Registry) Create(job *model.Job) *model.Job {
	r.mu.Lock()
	stored := job.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	for r.jobs[stored.ID] != nil {
		stored.ID = uuid.New().String()
	}
	now := r.now()
	stored.Status = model.JobStatusPending
	stored.Progress = 0
	stored.Error = ""
	stored.CompletedAt = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.ExpiresAt = now.Add(r.ttl)
	r.jobs[stored.ID] = stored
	snapshot := stored.Clone()
	observers := r.observers
	r.mu.Unlock()

	notify(observers, snapshot)
	return snapshot.Clone()
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// Mutate applies fn to a working copy of the job and commits the result
// atomically. Invariants are re-established after fn returns: progress never
// decreases, only a completed job reaches 100, a failed job always carries a
// reason and terminal jobs keep their outcome.
func (r *Registry) Mutate(id string, fn func(job *model.Job)) (*model.Job, error) {
	r.mu.Lock()
	current, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrJobNotFound
	}

	next := current.Clone()
	fn(next)

	if current.Status.Terminal() {
		next.Status = current.Status
		next.Progress = current.Progress
		next.CurrentStep = current.CurrentStep
		next.Error = current.Error
		next.CompletedAt = current.CompletedAt
	} else if !canTransition(current.Status, next.Status) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next.Status)
	}

	// Identity and bookkeeping fields belong to the registry
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.ExpiresAt = current.ExpiresAt
	now := r.now()
	next.UpdatedAt = now

	if next.Progress < current.Progress {
		next.Progress = current.Progress
	}
	if next.Progress < 0 {
		next.Progress = 0
	}

	switch next.Status {
	case model.JobStatusCompleted:
		next.Progress = 100
		next.Error = ""
		if next.CompletedAt == nil {
			next.CompletedAt = &now
		}
	case model.JobStatusFailed:
		if next.Progress > 99 {
			next.Progress = 99
		}
		if next.Error == "" {
			next.Error = "unknown error"
		}
		next.CompletedAt = nil
	default:
		if next.Progress > 99 {
			next.Progress = 99
		}
		next.Error = ""
		next.CompletedAt = nil
	}

	r.jobs[id] = next
	snapshot := next.Clone()
	observers := r.observers
	r.mu.Unlock()

	notify(observers, snapshot)
	return snapshot.Clone(), nil
}

// Delete removes a job record. The pipeline never calls this; expiry cleanup does.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; !ok {
		return false
	}
	delete(r.jobs, id)
	return true
}

// List returns copies of all jobs, oldest first.
func (r *Registry) List() []*model.Job {
	r.mu.Lock()
	out := make([]*model.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// Count returns the number of stored jobs.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func notify(observers []Observer, job *model.Job) {
	for _, fn := range observers {
		fn(job.Clone())
	}
}
