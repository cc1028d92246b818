package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/stemsplit/api/internal/client"
	"github.com/stemsplit/api/internal/service"
)

// PublishWorker mirrors completed artifacts to object storage
type PublishWorker struct {
	jobs    *service.JobService
	objects client.StorageClient
}

func NewPublishWorker(jobs *service.JobService, objects client.StorageClient) *PublishWorker {
	return &PublishWorker{
		jobs:    jobs,
		objects: objects,
	}
}

// ProcessTask handles artifact:publish
func (w *PublishWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.PublishPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w: %w", err, asynq.SkipRetry)
	}
	if w.objects == nil {
		return fmt.Errorf("object storage not configured: %w", asynq.SkipRetry)
	}

	log.Printf("Publishing artifact of job %s", payload.JobID)
	err := w.jobs.PublishArtifact(ctx, payload.JobID, w.objects)
	switch {
	case err == nil:
		log.Printf("Published artifact of job %s", payload.JobID)
		return nil
	case errors.Is(err, service.ErrJobNotFound), errors.Is(err, service.ErrJobNotCompleted), errors.Is(err, service.ErrArtifactMissing):
		// Expired or never finished; retrying cannot help
		return fmt.Errorf("publish job %s: %w: %w", payload.JobID, err, asynq.SkipRetry)
	}
	return fmt.Errorf("publish job %s: %w", payload.JobID, err)
}
