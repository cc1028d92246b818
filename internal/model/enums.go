package model

import "strings"

// Job status
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusAcquiring  JobStatus = "acquiring"
	JobStatusSeparating JobStatus = "separating"
	JobStatusMerging    JobStatus = "merging"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Source kinds
type SourceKind string

const (
	SourceRemote SourceKind = "remote"
	SourceUpload SourceKind = "upload"
)

// Stem is one isolated track produced by separation.
type Stem string

const (
	StemDrums  Stem = "drums"
	StemBass   Stem = "bass"
	StemOther  Stem = "other"
	StemVocals Stem = "vocals"
)

// AllStems lists every stem in the order the separation engine writes them.
var AllStems = []Stem{StemDrums, StemBass, StemOther, StemVocals}

// ParseStem maps an external name onto the closed stem set.
func ParseStem(name string) (Stem, bool) {
	switch Stem(strings.ToLower(strings.TrimSpace(name))) {
	case StemDrums:
		return StemDrums, true
	case StemBass:
		return StemBass, true
	case StemOther:
		return StemOther, true
	case StemVocals:
		return StemVocals, true
	}
	return "", false
}

func (s Stem) Valid() bool {
	_, ok := ParseStem(string(s))
	return ok
}

// FileName is the on-disk name of the stem inside a job's results directory.
func (s Stem) FileName() string {
	return string(s) + ".wav"
}

// Output formats
type OutputFormat string

const (
	FormatMP4 OutputFormat = "mp4"
	FormatMP3 OutputFormat = "mp3"
	FormatM4A OutputFormat = "m4a"
	FormatWAV OutputFormat = "wav"
)

func (f OutputFormat) Extension() string {
	return string(f)
}

func (f OutputFormat) ContentType() string {
	switch f {
	case FormatMP4:
		return "video/mp4"
	case FormatMP3:
		return "audio/mpeg"
	case FormatM4A:
		return "audio/mp4"
	case FormatWAV:
		return "audio/wav"
	}
	return "application/octet-stream"
}

// Mix status
type MixStatus string

const (
	MixStatusProcessing MixStatus = "processing"
	MixStatusCompleted  MixStatus = "completed"
	MixStatusFailed     MixStatus = "failed"
)
