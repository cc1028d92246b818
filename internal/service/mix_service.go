package service

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/stemsplit/api/internal/mixcache"
	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/registry"
	"github.com/stemsplit/api/internal/stage"
	"github.com/stemsplit/api/internal/storage"
)

var ErrMixNotFound = mixcache.ErrMixNotFound

// MixService renders custom remixes of completed jobs through the mix cache.
// Mixing never changes the job record and takes no admission slot.
type MixService struct {
	jobs  *registry.Registry
	cache *mixcache.Cache
	store *storage.Local
	mixer *stage.Mixer
}

func NewMixService(jobs *registry.Registry, cache *mixcache.Cache, store *storage.Local, mixer *stage.Mixer) *MixService {
	return &MixService{
		jobs:  jobs,
		cache: cache,
		store: store,
		mixer: mixer,
	}
}

// Create returns the remix for req, starting a build only on a cache miss.
func (s *MixService) Create(ctx context.Context, jobID string, req *model.MixRequest) (*model.MixStatusResponse, error) {
	job, err := s.jobs.Get(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusCompleted {
		return nil, ErrJobNotCompleted
	}

	settings, err := mixcache.Normalize(req)
	if err != nil {
		return nil, stage.Validation("%v", err)
	}

	key := mixcache.Key(jobID, settings)
	out := s.store.MixPath(jobID, key, settings.Format)

	in := stage.MixInput{
		StemPaths:       job.StemPaths,
		Gains:           settings.Gains,
		PitchShift:      settings.PitchShift,
		Format:          settings.Format,
		OutputPath:      out,
		DurationSeconds: job.DurationSeconds,
	}
	if job.HasVideo {
		in.VideoPath = job.MediaPath
	}

	entry, _ := s.cache.GetOrCreate(mixcache.Request{
		JobID:  jobID,
		Key:    key,
		Format: settings.Format,
		Path:   out,
	}, func(ctx context.Context, sink stage.ProgressSink) error {
		_, err := s.mixer.Run(ctx, in, sink)
		return err
	})
	return model.NewMixStatusResponse(entry), nil
}

// Status reports a remix, falling back to a finished artifact on disk when
// the in-memory entry is gone.
func (s *MixService) Status(ctx context.Context, jobID, key string) (*model.MixStatusResponse, error) {
	entry, err := s.lookup(jobID, key)
	if err != nil {
		return nil, err
	}
	return model.NewMixStatusResponse(entry), nil
}

// ArtifactPath returns the file of a finished remix
func (s *MixService) ArtifactPath(ctx context.Context, jobID, key string) (string, error) {
	entry, err := s.lookup(jobID, key)
	if err != nil {
		return "", err
	}
	if entry.Status != model.MixStatusCompleted {
		return "", ErrJobNotCompleted
	}
	if _, ok := s.store.Size(entry.ArtifactPath); !ok {
		return "", ErrArtifactMissing
	}
	return entry.ArtifactPath, nil
}

// Forget drops the cached entries of a job
func (s *MixService) Forget(jobID string) int {
	return s.cache.Forget(jobID)
}

func (s *MixService) lookup(jobID, key string) (*model.MixEntry, error) {
	if !mixcache.ValidKey(key) {
		return nil, ErrMixNotFound
	}
	if _, err := s.jobs.Get(jobID); err != nil {
		return nil, err
	}

	entry, err := s.cache.Get(jobID, key)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, mixcache.ErrMixNotFound) {
		return nil, err
	}

	for _, format := range []model.OutputFormat{model.FormatMP4, model.FormatMP3, model.FormatM4A, model.FormatWAV} {
		path := s.store.MixPath(jobID, key, format)
		if _, ok := s.store.Size(path); ok {
			return s.cache.Remember(mixcache.Request{JobID: jobID, Key: key, Format: format, Path: path}), nil
		}
	}
	return nil, ErrMixNotFound
}

// MixFileName is the download name offered for a remix.
func MixFileName(jobID, path string) string {
	return jobID + "_mix" + filepath.Ext(path)
}
