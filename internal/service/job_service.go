package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/stemsplit/api/internal/admission"
	"github.com/stemsplit/api/internal/client"
	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/registry"
	"github.com/stemsplit/api/internal/stage"
	"github.com/stemsplit/api/internal/storage"
)

var (
	ErrAdmissionRejected = errors.New("server is at capacity")
	ErrJobNotFound       = registry.ErrJobNotFound
	ErrJobNotCompleted   = errors.New("job not completed")
	ErrArtifactMissing   = errors.New("artifact not found")
)

// Progress bands of the overall job scale owned by each state
const (
	acquireLo, acquireHi   = 0, 20
	separateLo, separateHi = 20, 90
	mergeLo, mergeHi       = 90, 99
)

// Pipeline bundles the stage runners a job goes through
type Pipeline struct {
	Acquirer  *stage.Acquirer
	Separator *stage.Separator
	Merger    *stage.Merger
}

// JobService admits submissions and drives each job through the pipeline on
// its own goroutine.
type JobService struct {
	jobs         *registry.Registry
	admission    *admission.Controller
	store        *storage.Local
	pipeline     Pipeline
	stageTimeout time.Duration
	tasks        TaskEnqueuer
	running      sync.WaitGroup
}

func NewJobService(jobs *registry.Registry, adm *admission.Controller, store *storage.Local, pipeline Pipeline, stageTimeout time.Duration) *JobService {
	return &JobService{
		jobs:         jobs,
		admission:    adm,
		store:        store,
		pipeline:     pipeline,
		stageTimeout: stageTimeout,
	}
}

// WithPublishing enqueues an artifact:publish task for every completed job.
func (s *JobService) WithPublishing(tasks TaskEnqueuer) *JobService {
	s.tasks = tasks
	return s
}

// SubmitRemote validates a remote reference, takes an admission slot and
// starts the pipeline. Nothing is created when validation or admission fails.
func (s *JobService) SubmitRemote(ctx context.Context, req *model.CreateJobRequest, clientIP string) (*model.CreateJobResponse, error) {
	if err := stage.ValidateReference(req.SourceURL); err != nil {
		return nil, err
	}
	if !s.admission.TryAdmit() {
		return nil, ErrAdmissionRejected
	}

	job := s.jobs.Create(&model.Job{
		Source:   model.Source{Kind: model.SourceRemote, URL: req.SourceURL},
		ClientIP: clientIP,
	})
	log.Printf("Job %s submitted for %s", job.ID, req.SourceURL)

	s.launch(job.ID)
	return createResponse(job), nil
}

// SubmitUpload stores an uploaded file and starts the pipeline on it.
func (s *JobService) SubmitUpload(ctx context.Context, filename string, body io.Reader, clientIP string) (*model.CreateJobResponse, error) {
	if !s.admission.TryAdmit() {
		return nil, ErrAdmissionRejected
	}

	jobID := uuid.New().String()
	path, size, err := s.store.SaveUpload(jobID, filename, body)
	if err != nil {
		s.admission.Release()
		_ = s.store.DeleteJobFiles(jobID)
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	job := s.jobs.Create(&model.Job{
		ID:       jobID,
		Source:   model.Source{Kind: model.SourceUpload, Path: path, OriginalName: filename},
		ClientIP: clientIP,
	})
	log.Printf("Job %s submitted for upload %s (%d bytes)", job.ID, filename, size)

	s.launch(job.ID)
	return createResponse(job), nil
}

func createResponse(job *model.Job) *model.CreateJobResponse {
	return &model.CreateJobResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	}
}

// Get returns a snapshot of a job
func (s *JobService) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return s.jobs.Get(jobID)
}

// GetStatus returns the client view of a job
func (s *JobService) GetStatus(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.jobs.Get(jobID)
	if err != nil {
		return nil, err
	}
	return model.NewJobStatusResponse(job), nil
}

// ArtifactPath returns the final output of a completed job
func (s *JobService) ArtifactPath(ctx context.Context, jobID string) (string, error) {
	job, err := s.completedJob(jobID)
	if err != nil {
		return "", err
	}
	if _, ok := s.store.Size(job.ArtifactPath); !ok {
		return "", ErrArtifactMissing
	}
	return job.ArtifactPath, nil
}

// Stems lists the separated tracks of a completed job
func (s *JobService) Stems(ctx context.Context, jobID string) (*model.StemsResponse, error) {
	job, err := s.completedJob(jobID)
	if err != nil {
		return nil, err
	}

	resp := &model.StemsResponse{JobID: jobID, Stems: []model.StemInfo{}}
	for _, stem := range model.AllStems {
		path, ok := job.StemPaths[stem]
		if !ok {
			continue
		}
		size, ok := s.store.Size(path)
		if !ok {
			continue
		}
		resp.Stems = append(resp.Stems, model.StemInfo{
			Name:        stem,
			DownloadURL: fmt.Sprintf("/api/v1/jobs/%s/tracks/%s", jobID, stem),
			Size:        size,
		})
	}
	return resp, nil
}

// StemPath returns the file of one separated track
func (s *JobService) StemPath(ctx context.Context, jobID string, stem model.Stem) (string, error) {
	job, err := s.completedJob(jobID)
	if err != nil {
		return "", err
	}
	path, ok := job.StemPaths[stem]
	if !ok {
		return "", ErrArtifactMissing
	}
	if _, ok := s.store.Size(path); !ok {
		return "", ErrArtifactMissing
	}
	return path, nil
}

func (s *JobService) completedJob(jobID string) (*model.Job, error) {
	job, err := s.jobs.Get(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusCompleted {
		return nil, ErrJobNotCompleted
	}
	return job, nil
}

// ExpiredJobs lists terminal jobs past their retention window.
func (s *JobService) ExpiredJobs(now time.Time) []string {
	var ids []string
	for _, job := range s.jobs.List() {
		if job.Expired(now) {
			ids = append(ids, job.ID)
		}
	}
	return ids
}

// Remove deletes a terminal job's files and its record.
func (s *JobService) Remove(ctx context.Context, jobID string) error {
	job, err := s.jobs.Get(jobID)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("job %s is still %s", jobID, job.Status)
	}
	if err := s.store.DeleteJobFiles(jobID); err != nil {
		return err
	}
	s.jobs.Delete(jobID)
	return nil
}

// PublishArtifact mirrors a completed job's artifact to object storage and
// records its public URL.
func (s *JobService) PublishArtifact(ctx context.Context, jobID string, objects client.StorageClient) error {
	path, err := s.ArtifactPath(ctx, jobID)
	if err != nil {
		return err
	}

	url, err := client.UploadFile(ctx, objects, client.ArtifactKey(jobID, path), path, ContentType(path))
	if err != nil {
		return err
	}

	_, err = s.jobs.Mutate(jobID, func(j *model.Job) {
		j.PublicURL = url
	})
	return err
}

// Wait blocks until every running pipeline has finished.
func (s *JobService) Wait() {
	s.running.Wait()
}

func (s *JobService) launch(jobID string) {
	s.running.Add(1)
	go s.run(jobID)
}

// run owns the admission slot taken at submission and gives it back exactly
// once, whatever the outcome.
func (s *JobService) run(jobID string) {
	defer s.running.Done()
	defer s.admission.Release()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Job %s panicked: %v", jobID, r)
			s.fail(jobID, fmt.Errorf("internal error: %v", r))
		}
	}()

	job, err := s.jobs.Get(jobID)
	if err != nil {
		log.Printf("Job %s vanished before start: %v", jobID, err)
		return
	}
	if err := s.store.EnsureJobDirs(jobID); err != nil {
		s.fail(jobID, err)
		return
	}

	// Acquisition
	if !s.transition(jobID, model.JobStatusAcquiring, "Starting") {
		return
	}
	var acquired *stage.AcquireOutput
	err = s.withTimeout(func(ctx context.Context) error {
		var err error
		acquired, err = s.pipeline.Acquirer.Run(ctx, stage.AcquireInput{
			JobID:   jobID,
			Source:  job.Source,
			DestDir: s.store.UploadDir(jobID),
		}, s.sink(jobID, acquireLo, acquireHi))
		return err
	})
	if err != nil {
		s.fail(jobID, err)
		return
	}
	if _, err := s.jobs.Mutate(jobID, func(j *model.Job) {
		j.MediaPath = acquired.MediaPath
		j.Title = acquired.Title
		j.DurationSeconds = acquired.DurationSeconds
		j.HasVideo = acquired.HasVideo
	}); err != nil {
		return
	}

	// Separation
	if !s.transition(jobID, model.JobStatusSeparating, "Preparing audio") {
		return
	}
	targets := make(map[model.Stem]string, len(model.AllStems))
	for _, stem := range model.AllStems {
		targets[stem] = s.store.StemPath(jobID, stem)
	}
	var separated *stage.SeparateOutput
	err = s.withTimeout(func(ctx context.Context) error {
		var err error
		separated, err = s.pipeline.Separator.Run(ctx, stage.SeparateInput{
			JobID:           jobID,
			MediaPath:       acquired.MediaPath,
			DurationSeconds: acquired.DurationSeconds,
			SourceAudioPath: s.store.SourceAudioPath(jobID),
			OutputDir:       s.store.ResultDir(jobID),
			StemPaths:       targets,
			BackgroundPath:  s.store.BackgroundPath(jobID),
		}, s.sink(jobID, separateLo, separateHi))
		return err
	})
	if err != nil {
		s.fail(jobID, err)
		return
	}
	if _, err := s.jobs.Mutate(jobID, func(j *model.Job) {
		j.StemPaths = separated.StemPaths
		j.BackgroundPath = separated.BackgroundPath
	}); err != nil {
		return
	}

	artifact := separated.BackgroundPath

	// Merge only when there is a video stream to carry over
	if acquired.HasVideo {
		if !s.transition(jobID, model.JobStatusMerging, "Merging video") {
			return
		}
		err = s.withTimeout(func(ctx context.Context) error {
			var err error
			artifact, err = s.pipeline.Merger.Run(ctx, stage.MergeInput{
				VideoPath:       acquired.MediaPath,
				AudioPath:       separated.BackgroundPath,
				OutputPath:      s.store.OutputVideoPath(jobID),
				DurationSeconds: acquired.DurationSeconds,
			}, s.sink(jobID, mergeLo, mergeHi))
			return err
		})
		if err != nil {
			s.fail(jobID, err)
			return
		}
	}

	if _, err := s.jobs.Mutate(jobID, func(j *model.Job) {
		j.Status = model.JobStatusCompleted
		j.CurrentStep = "Completed"
		j.ArtifactPath = artifact
	}); err != nil {
		log.Printf("Job %s: failed to record completion: %v", jobID, err)
		return
	}
	log.Printf("Job %s completed", jobID)

	s.enqueuePublish(jobID)
}

func (s *JobService) withTimeout(fn func(ctx context.Context) error) error {
	ctx := context.Background()
	if s.stageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.stageTimeout)
		defer cancel()
	}
	return fn(ctx)
}

func (s *JobService) transition(jobID string, status model.JobStatus, step string) bool {
	_, err := s.jobs.Mutate(jobID, func(j *model.Job) {
		j.Status = status
		j.CurrentStep = step
	})
	if err != nil {
		log.Printf("Job %s: transition to %s rejected: %v", jobID, status, err)
		return false
	}
	return true
}

// sink routes a stage's progress into the job record, scaled into the band
// the current state owns.
func (s *JobService) sink(jobID string, lo, hi int) stage.ProgressSink {
	return stage.Band(stage.SinkFunc(func(percent int, label string) {
		_, _ = s.jobs.Mutate(jobID, func(j *model.Job) {
			j.Progress = percent
			j.CurrentStep = label
		})
	}), lo, hi)
}

func (s *JobService) fail(jobID string, err error) {
	reason := err.Error()
	log.Printf("Job %s failed: %s", jobID, reason)
	if _, merr := s.jobs.Mutate(jobID, func(j *model.Job) {
		j.Status = model.JobStatusFailed
		j.Error = reason
	}); merr != nil {
		log.Printf("Job %s: failed to record failure: %v", jobID, merr)
	}
}

func (s *JobService) enqueuePublish(jobID string) {
	if s.tasks == nil {
		return
	}
	task, err := NewPublishTask(jobID)
	if err != nil {
		log.Printf("Job %s: failed to create publish task: %v", jobID, err)
		return
	}
	if _, err := s.tasks.Enqueue(task,
		asynq.Queue(QueuePublish),
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour),
	); err != nil {
		log.Printf("Job %s: failed to enqueue publish task: %v", jobID, err)
	}
}

// ContentType guesses the MIME type served for an artifact path.
func ContentType(path string) string {
	switch filepath.Ext(path) {
	case ".mp4":
		return "video/mp4"
	case ".m4a":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	}
	if mtype, err := mimetype.DetectFile(path); err == nil {
		return mtype.String()
	}
	return "application/octet-stream"
}
