package model

import "time"

// MixRequest represents a custom remix of a completed job's stems
type MixRequest struct {
	Gains        map[string]float64 `json:"gains" validate:"omitempty,dive,keys,oneof=drums bass other vocals,endkeys,min=0,max=2"`
	PitchShift   int                `json:"pitchShift" validate:"min=-12,max=12"`
	OutputFormat OutputFormat       `json:"outputFormat" validate:"required,oneof=mp4 mp3 m4a wav"`
}

// MixEntry is the cache record for one remix key
type MixEntry struct {
	Key          string       `json:"key"`
	JobID        string       `json:"jobId"`
	Status       MixStatus    `json:"status"`
	Progress     int          `json:"progress"`
	Format       OutputFormat `json:"format"`
	ArtifactPath string       `json:"-"`
	Error        string       `json:"error,omitempty"`
	Cached       bool         `json:"cached"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// MixStatusResponse represents the current state of a remix
type MixStatusResponse struct {
	MixID        string    `json:"mixId"`
	Status       MixStatus `json:"status"`
	Progress     int       `json:"progress"`
	DownloadURL  *string   `json:"downloadUrl"`
	Cached       bool      `json:"cached"`
	ErrorMessage *string   `json:"errorMessage"`
}

// NewMixStatusResponse renders a cache entry for clients.
func NewMixStatusResponse(e *MixEntry) *MixStatusResponse {
	resp := &MixStatusResponse{
		MixID:    e.Key,
		Status:   e.Status,
		Progress: e.Progress,
		Cached:   e.Cached,
	}
	if e.Status == MixStatusCompleted {
		url := "/api/v1/jobs/" + e.JobID + "/mix/" + e.Key + "/download"
		resp.DownloadURL = &url
	}
	if e.Error != "" {
		msg := e.Error
		resp.ErrorMessage = &msg
	}
	return resp
}
