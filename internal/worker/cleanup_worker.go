package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/stemsplit/api/internal/client"
	"github.com/stemsplit/api/internal/service"
)

// CleanupWorker deletes terminal jobs whose retention window has passed
type CleanupWorker struct {
	jobs    *service.JobService
	mixes   *service.MixService
	objects client.StorageClient
	now     func() time.Time
}

// NewCleanupWorker creates a cleanup worker. objects may be nil when no
// object storage is configured.
func NewCleanupWorker(jobs *service.JobService, mixes *service.MixService, objects client.StorageClient) *CleanupWorker {
	return &CleanupWorker{
		jobs:    jobs,
		mixes:   mixes,
		objects: objects,
		now:     time.Now,
	}
}

// ProcessTask handles jobs:cleanup
func (w *CleanupWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	removed, err := w.Sweep(ctx)
	if removed > 0 {
		log.Printf("Cleanup removed %d expired jobs", removed)
	}
	return err
}

// Sweep removes every expired job and returns how many were removed.
func (w *CleanupWorker) Sweep(ctx context.Context) (int, error) {
	var errs []error
	removed := 0
	for _, id := range w.jobs.ExpiredJobs(w.now()) {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		job, err := w.jobs.Get(ctx, id)
		if err != nil {
			continue
		}
		if w.objects != nil && job.PublicURL != "" && job.ArtifactPath != "" {
			if err := w.objects.Delete(ctx, client.ArtifactKey(id, job.ArtifactPath)); err != nil {
				log.Printf("Cleanup: failed to delete published artifact of job %s: %v", id, err)
			}
		}

		w.mixes.Forget(id)
		if err := w.jobs.Remove(ctx, id); err != nil {
			log.Printf("Cleanup: failed to remove job %s: %v", id, err)
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
