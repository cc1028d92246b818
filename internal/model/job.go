package model

import "time"

// Source describes where a job's media comes from. Exactly one of URL or
// Path is meaningful depending on Kind.
type Source struct {
	Kind         SourceKind `json:"kind"`
	URL          string     `json:"url,omitempty"`
	Path         string     `json:"-"`
	OriginalName string     `json:"originalName,omitempty"`
}

// Job is the registry record for one submission.
type Job struct {
	ID          string    `json:"id"`
	Source      Source    `json:"source"`
	Status      JobStatus `json:"status"`
	Progress    int       `json:"progress"`
	CurrentStep string    `json:"currentStep,omitempty"`
	Error       string    `json:"error,omitempty"`

	Title           string  `json:"title,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	HasVideo        bool    `json:"hasVideo"`

	MediaPath      string          `json:"-"`
	StemPaths      map[Stem]string `json:"-"`
	BackgroundPath string          `json:"-"`
	ArtifactPath   string          `json:"-"`
	PublicURL      string          `json:"publicUrl,omitempty"`

	ClientIP    string     `json:"-"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ExpiresAt   time.Time  `json:"expiresAt"`
}

// Clone returns a deep copy safe to hand out of the registry.
func (j *Job) Clone() *Job {
	out := *j
	if j.StemPaths != nil {
		out.StemPaths = make(map[Stem]string, len(j.StemPaths))
		for k, v := range j.StemPaths {
			out.StemPaths[k] = v
		}
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// Expired reports whether a terminal job has outlived its retention window.
func (j *Job) Expired(now time.Time) bool {
	return j.Status.Terminal() && !j.ExpiresAt.IsZero() && now.After(j.ExpiresAt)
}

// CreateJobRequest represents the request to submit a remote source
type CreateJobRequest struct {
	SourceType SourceKind `json:"sourceType" validate:"omitempty,oneof=remote"`
	SourceURL  string     `json:"sourceUrl" validate:"required,url,max=2048"`
}

// CreateJobResponse represents the response when a job is admitted
type CreateJobResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobStatusResponse represents the current state of a job
type JobStatusResponse struct {
	JobID       string     `json:"jobId"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"currentStep,omitempty"`
	Error       *string    `json:"error"`
	SourceTitle string     `json:"sourceTitle,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	Result      *JobResult `json:"result,omitempty"`
}

// JobResult is attached to the status of a completed job
type JobResult struct {
	DownloadURL     string   `json:"downloadUrl"`
	StreamURL       string   `json:"streamUrl"`
	PublicURL       string   `json:"publicUrl,omitempty"`
	DurationSeconds float64  `json:"durationSeconds"`
	HasVideo        bool     `json:"hasVideo"`
	Stems           []string `json:"stems"`
}

// StemInfo describes one separated track
type StemInfo struct {
	Name        Stem   `json:"name"`
	DownloadURL string `json:"downloadUrl"`
	Size        int64  `json:"size"`
}

// StemsResponse lists the separated tracks of a job
type StemsResponse struct {
	JobID string     `json:"jobId"`
	Stems []StemInfo `json:"stems"`
}

// NewJobStatusResponse renders a job snapshot for clients.
func NewJobStatusResponse(j *Job) *JobStatusResponse {
	resp := &JobStatusResponse{
		JobID:       j.ID,
		Status:      j.Status,
		Progress:    j.Progress,
		CurrentStep: j.CurrentStep,
		SourceTitle: j.Title,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		CompletedAt: j.CompletedAt,
		ExpiresAt:   j.ExpiresAt,
	}
	if j.Error != "" {
		e := j.Error
		resp.Error = &e
	}
	if j.Status == JobStatusCompleted {
		stems := make([]string, 0, len(AllStems))
		for _, s := range AllStems {
			if _, ok := j.StemPaths[s]; ok {
				stems = append(stems, string(s))
			}
		}
		resp.Result = &JobResult{
			DownloadURL:     "/api/v1/jobs/" + j.ID + "/download",
			StreamURL:       "/api/v1/jobs/" + j.ID + "/stream",
			PublicURL:       j.PublicURL,
			DurationSeconds: j.DurationSeconds,
			HasVideo:        j.HasVideo,
			Stems:           stems,
		}
	}
	return resp
}
