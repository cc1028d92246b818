package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/stemsplit/api/internal/model"
)

const (
	sourceAudioName = "source.wav"
	backgroundName  = "background.wav"
	outputVideoName = "output.mp4"
)

// Local lays out job files on the local filesystem:
//
//	<uploads>/<jobId>/<original file>
//	<results>/<jobId>/{source.wav, <stem>.wav, background.wav, output.mp4, mix_<key>.<ext>}
type Local struct {
	uploadsDir string
	resultsDir string
}

// NewLocal creates the root directories if needed.
func NewLocal(uploadsDir, resultsDir string) (*Local, error) {
	for _, dir := range []string{uploadsDir, resultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage dir %s: %w", dir, err)
		}
	}
	return &Local{uploadsDir: uploadsDir, resultsDir: resultsDir}, nil
}

func (s *Local) UploadDir(jobID string) string {
	return filepath.Join(s.uploadsDir, jobID)
}

func (s *Local) ResultDir(jobID string) string {
	return filepath.Join(s.resultsDir, jobID)
}

// EnsureJobDirs creates the per-job upload and result directories.
func (s *Local) EnsureJobDirs(jobID string) error {
	for _, dir := range []string{s.UploadDir(jobID), s.ResultDir(jobID)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create job dir: %w", err)
		}
	}
	return nil
}

// SaveUpload streams an uploaded file into the job's upload directory. The
// file only appears under its final name once fully written.
func (s *Local) SaveUpload(jobID, filename string, r io.Reader) (string, int64, error) {
	if err := s.EnsureJobDirs(jobID); err != nil {
		return "", 0, err
	}

	name := sanitizeFilename(filename)
	dest := filepath.Join(s.UploadDir(jobID), name)

	tmp, err := os.CreateTemp(s.UploadDir(jobID), ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create upload file: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("failed to write upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("failed to finalize upload: %w", err)
	}
	return dest, n, nil
}

func (s *Local) SourceAudioPath(jobID string) string {
	return filepath.Join(s.ResultDir(jobID), sourceAudioName)
}

func (s *Local) StemPath(jobID string, stem model.Stem) string {
	return filepath.Join(s.ResultDir(jobID), stem.FileName())
}

func (s *Local) BackgroundPath(jobID string) string {
	return filepath.Join(s.ResultDir(jobID), backgroundName)
}

func (s *Local) OutputVideoPath(jobID string) string {
	return filepath.Join(s.ResultDir(jobID), outputVideoName)
}

// MixPath is the durable location of a remix artifact. Its presence on disk
// means the remix finished.
func (s *Local) MixPath(jobID, key string, format model.OutputFormat) string {
	return filepath.Join(s.ResultDir(jobID), "mix_"+key+"."+format.Extension())
}

// Size returns the size of a regular file, or false if it does not exist.
func (s *Local) Size(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

// DeleteJobFiles removes everything stored for a job.
func (s *Local) DeleteJobFiles(jobID string) error {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	if err := os.RemoveAll(s.UploadDir(jobID)); err != nil {
		return fmt.Errorf("failed to delete uploads: %w", err)
	}
	if err := os.RemoveAll(s.ResultDir(jobID)); err != nil {
		return fmt.Errorf("failed to delete results: %w", err)
	}
	return nil
}

// CheckWritable verifies both roots accept new files.
func (s *Local) CheckWritable() error {
	for _, dir := range []string{s.uploadsDir, s.resultsDir} {
		f, err := os.CreateTemp(dir, ".healthcheck-*")
		if err != nil {
			return fmt.Errorf("storage dir %s not writable: %w", dir, err)
		}
		f.Close()
		os.Remove(f.Name())
	}
	return nil
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" {
		return "upload"
	}
	if strings.HasPrefix(name, ".") {
		return "upload" + filepath.Ext(name)
	}
	return name
}
