package registry

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stemsplit/api/internal/model"
)

func newTestRegistry() *Registry {
	return New(24 * time.Hour)
}

func checkInvariants(t *testing.T, j *model.Job) {
	t.Helper()
	if j.Status == model.JobStatusCompleted {
		if j.Progress != 100 || j.CompletedAt == nil {
			t.Fatalf("completed job %s has progress %d completedAt %v", j.ID, j.Progress, j.CompletedAt)
		}
	} else {
		if j.Progress == 100 {
			t.Fatalf("job %s in %s reports 100%%", j.ID, j.Status)
		}
		if j.CompletedAt != nil {
			t.Fatalf("job %s in %s has completedAt", j.ID, j.Status)
		}
	}
	if (j.Status == model.JobStatusFailed) != (j.Error != "") {
		t.Fatalf("job %s in %s has error %q", j.ID, j.Status, j.Error)
	}
	if j.Progress < 0 || j.Progress > 100 {
		t.Fatalf("job %s progress out of range: %d", j.ID, j.Progress)
	}
}

func TestCreate_AssignsIdentityAndTimestamps(t *testing.T) {
	r := newTestRegistry()
	job := r.Create(&model.Job{Source: model.Source{Kind: model.SourceRemote, URL: "https://youtu.be/dQw4w9WgXcQ"}})

	if job.ID == "" {
		t.Fatal("expected ID to be assigned")
	}
	if job.Status != model.JobStatusPending {
		t.Errorf("expected pending, got %s", job.Status)
	}
	if job.CreatedAt.IsZero() || !job.UpdatedAt.Equal(job.CreatedAt) {
		t.Errorf("unexpected timestamps: created %v updated %v", job.CreatedAt, job.UpdatedAt)
	}
	if got := job.ExpiresAt.Sub(job.CreatedAt); got != 24*time.Hour {
		t.Errorf("expected 24h expiry, got %v", got)
	}
}

func TestGet_NotFound(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Get("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := r.Mutate("missing", func(*model.Job) {}); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound from Mutate, got %v", err)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	r := newTestRegistry()
	job := r.Create(&model.Job{})
	_, _ = r.Mutate(job.ID, func(j *model.Job) {
		j.Status = model.JobStatusAcquiring
	})
	_, _ = r.Mutate(job.ID, func(j *model.Job) {
		j.Status = model.JobStatusSeparating
		j.StemPaths = map[model.Stem]string{model.StemDrums: "/tmp/drums.wav"}
	})

	got, _ := r.Get(job.ID)
	got.Progress = 77
	got.StemPaths[model.StemBass] = "/tmp/bass.wav"

	again, _ := r.Get(job.ID)
	if again.Progress == 77 {
		t.Error("mutating a returned job changed the stored record")
	}
	if _, ok := again.StemPaths[model.StemBass]; ok {
		t.Error("stem map is shared with the stored record")
	}
}

func TestMutate_UpdatesTimestamp(t *testing.T) {
	r := newTestRegistry()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	job := r.Create(&model.Job{})

	r.now = func() time.Time { return base.Add(time.Minute) }
	updated, err := r.Mutate(job.ID, func(j *model.Job) {
		j.UpdatedAt = time.Time{}
		j.CreatedAt = time.Time{}
		j.Status = model.JobStatusAcquiring
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if !updated.UpdatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("expected registry-owned updatedAt, got %v", updated.UpdatedAt)
	}
	if !updated.CreatedAt.Equal(base) {
		t.Errorf("createdAt must not be writable by callers, got %v", updated.CreatedAt)
	}
}

func TestMutate_ProgressNeverDecreases(t *testing.T) {
	r := newTestRegistry()
	job := r.Create(&model.Job{})
	_, _ = r.Mutate(job.ID, func(j *model.Job) {
		j.Status = model.JobStatusAcquiring
		j.Progress = 40
	})
	got, _ := r.Mutate(job.ID, func(j *model.Job) { j.Progress = 10 })
	if got.Progress != 40 {
		t.Errorf("expected progress to stay at 40, got %d", got.Progress)
	}
	got, _ = r.Mutate(job.ID, func(j *model.Job) { j.Progress = 100 })
	if got.Progress != 99 {
		t.Errorf("expected non-completed progress capped at 99, got %d", got.Progress)
	}
}

func TestMutate_RejectsInvalidTransition(t *testing.T) {
	r := newTestRegistry()
	job := r.Create(&model.Job{})
	_, err := r.Mutate(job.ID, func(j *model.Job) { j.Status = model.JobStatusMerging })
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, _ := r.Get(job.ID)
	if got.Status != model.JobStatusPending {
		t.Errorf("rejected mutation changed state to %s", got.Status)
	}
}

func TestMutate_TerminalIsFrozen(t *testing.T) {
	r := newTestRegistry()
	job := r.Create(&model.Job{})
	_, _ = r.Mutate(job.ID, func(j *model.Job) {
		j.Status = model.JobStatusFailed
		j.Error = "tool exited with status 1"
	})
	got, err := r.Mutate(job.ID, func(j *model.Job) {
		j.Status = model.JobStatusAcquiring
		j.Error = ""
		j.PublicURL = "https://cdn.example.com/x"
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if got.Status != model.JobStatusFailed || got.Error != "tool exited with status 1" {
		t.Errorf("terminal outcome changed: %s %q", got.Status, got.Error)
	}
	if got.PublicURL == "" {
		t.Error("non-outcome fields should stay writable on terminal jobs")
	}
}

func TestMutate_FailedWithoutReasonGetsOne(t *testing.T) {
	r := newTestRegistry()
	job := r.Create(&model.Job{})
	got, _ := r.Mutate(job.ID, func(j *model.Job) { j.Status = model.JobStatusFailed })
	if got.Error == "" {
		t.Error("failed job must carry a reason")
	}
}

func TestInvariants_RandomTransitionSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	statuses := []model.JobStatus{
		model.JobStatusPending,
		model.JobStatusAcquiring,
		model.JobStatusSeparating,
		model.JobStatusMerging,
		model.JobStatusCompleted,
		model.JobStatusFailed,
	}

	r := newTestRegistry()
	for i := 0; i < 200; i++ {
		job := r.Create(&model.Job{})
		checkInvariants(t, job)
		last := job.Progress
		for step := 0; step < 30; step++ {
			target := statuses[rng.Intn(len(statuses))]
			progress := rng.Intn(121) - 10
			reason := ""
			if rng.Intn(2) == 0 {
				reason = "boom"
			}
			got, err := r.Mutate(job.ID, func(j *model.Job) {
				j.Status = target
				j.Progress = progress
				j.Error = reason
				if rng.Intn(4) == 0 {
					now := time.Now()
					j.CompletedAt = &now
				}
			})
			if err != nil {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("unexpected error: %v", err)
				}
				got, _ = r.Get(job.ID)
			}
			checkInvariants(t, got)
			if got.Progress < last {
				t.Fatalf("progress decreased from %d to %d", last, got.Progress)
			}
			last = got.Progress
		}
	}
}

func TestSubscribe_ReceivesSnapshots(t *testing.T) {
	r := newTestRegistry()
	var mu sync.Mutex
	var seen []model.JobStatus
	r.Subscribe(func(j *model.Job) {
		mu.Lock()
		seen = append(seen, j.Status)
		mu.Unlock()
	})

	job := r.Create(&model.Job{})
	_, _ = r.Mutate(job.ID, func(j *model.Job) { j.Status = model.JobStatusAcquiring })

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != model.JobStatusPending || seen[1] != model.JobStatusAcquiring {
		t.Errorf("unexpected notifications: %v", seen)
	}
}

func TestConcurrentMutations(t *testing.T) {
	r := newTestRegistry()
	job := r.Create(&model.Job{})
	_, _ = r.Mutate(job.ID, func(j *model.Job) { j.Status = model.JobStatusAcquiring })

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			_, _ = r.Mutate(job.ID, func(j *model.Job) { j.Progress = p })
		}(i)
	}
	wg.Wait()

	got, _ := r.Get(job.ID)
	if got.Progress != 50 {
		t.Errorf("expected max progress 50, got %d", got.Progress)
	}
}

func TestDeleteAndList(t *testing.T) {
	r := newTestRegistry()
	a := r.Create(&model.Job{})
	b := r.Create(&model.Job{})

	if n := len(r.List()); n != 2 {
		t.Fatalf("expected 2 jobs, got %d", n)
	}
	if !r.Delete(a.ID) {
		t.Fatal("expected delete to succeed")
	}
	if r.Delete(a.ID) {
		t.Error("second delete should report false")
	}
	list := r.List()
	if len(list) != 1 || list[0].ID != b.ID {
		t.Errorf("unexpected list after delete: %+v", list)
	}
}
