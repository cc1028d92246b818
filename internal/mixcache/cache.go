// Package mixcache deduplicates remix builds by content-addressed key.
package mixcache

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/stage"
)

var ErrMixNotFound = errors.New("mix not found")

// BuildFunc renders the artifact for one entry, reporting progress to sink.
type BuildFunc func(ctx context.Context, sink stage.ProgressSink) error

// Request identifies one remix and where its finished artifact lives.
type Request struct {
	JobID  string
	Key    string
	Format model.OutputFormat
	Path   string
}

// Cache tracks remix entries. For a given key at most one build runs at a
// time; a finished artifact on disk short-circuits everything.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*model.MixEntry
	builds  sync.WaitGroup
	now     func() time.Time
}

func New() *Cache {
	return &Cache{
		entries: make(map[string]*model.MixEntry),
		now:     time.Now,
	}
}

// GetOrCreate returns the entry for req.Key, starting build in the
// background only when no finished artifact exists and no build is in
// flight. started reports whether this call launched the build.
func (c *Cache) GetOrCreate(req Request, build BuildFunc) (*model.MixEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if info, err := os.Stat(req.Path); err == nil && info.Mode().IsRegular() {
		entry := &model.MixEntry{
			Key:          req.Key,
			JobID:        req.JobID,
			Status:       model.MixStatusCompleted,
			Progress:     100,
			Format:       req.Format,
			ArtifactPath: req.Path,
			Cached:       true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if existing, ok := c.entries[req.Key]; ok && existing.Status == model.MixStatusCompleted {
			entry.CreatedAt = existing.CreatedAt
		}
		c.entries[req.Key] = entry
		return copyEntry(entry), false
	}

	if existing, ok := c.entries[req.Key]; ok && existing.Status == model.MixStatusProcessing {
		return copyEntry(existing), false
	}

	entry := &model.MixEntry{
		Key:       req.Key,
		JobID:     req.JobID,
		Status:    model.MixStatusProcessing,
		Format:    req.Format,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.entries[req.Key] = entry

	c.builds.Add(1)
	go c.run(req, build)

	return copyEntry(entry), true
}

func (c *Cache) run(req Request, build BuildFunc) {
	defer c.builds.Done()

	sink := stage.Monotonic(stage.SinkFunc(func(percent int, label string) {
		c.update(req.Key, func(e *model.MixEntry) {
			if percent > 99 {
				percent = 99
			}
			if percent > e.Progress {
				e.Progress = percent
			}
		})
	}))

	err := build(context.Background(), sink)

	c.update(req.Key, func(e *model.MixEntry) {
		if err != nil {
			e.Status = model.MixStatusFailed
			e.Error = err.Error()
			return
		}
		e.Status = model.MixStatusCompleted
		e.Progress = 100
		e.ArtifactPath = req.Path
	})
	if err != nil {
		log.Printf("Mix %s for job %s failed: %v", req.Key, req.JobID, err)
	} else {
		log.Printf("Mix %s for job %s completed", req.Key, req.JobID)
	}
}

func (c *Cache) update(key string, fn func(e *model.MixEntry)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.Status != model.MixStatusProcessing {
		return
	}
	fn(e)
	e.UpdatedAt = c.now()
}

// Get returns the in-memory entry for a key belonging to jobID.
func (c *Cache) Get(jobID, key string) (*model.MixEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.JobID != jobID {
		return nil, ErrMixNotFound
	}
	return copyEntry(e), nil
}

// Remember records a finished artifact found on disk.
func (c *Cache) Remember(req Request) *model.MixEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[req.Key]; ok && e.Status == model.MixStatusProcessing {
		return copyEntry(e)
	}
	now := c.now()
	e := &model.MixEntry{
		Key:          req.Key,
		JobID:        req.JobID,
		Status:       model.MixStatusCompleted,
		Progress:     100,
		Format:       req.Format,
		ArtifactPath: req.Path,
		Cached:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	c.entries[req.Key] = e
	return copyEntry(e)
}

// Forget drops every entry of a job. In-flight builds finish but their
// results are no longer tracked.
func (c *Cache) Forget(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, e := range c.entries {
		if e.JobID == jobID {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// InFlight counts builds currently running.
func (c *Cache) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range c.entries {
		if e.Status == model.MixStatusProcessing {
			n++
		}
	}
	return n
}

// Wait blocks until every build started so far has finished.
func (c *Cache) Wait() {
	c.builds.Wait()
}

func copyEntry(e *model.MixEntry) *model.MixEntry {
	out := *e
	return &out
}
