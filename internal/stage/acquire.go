package stage

import (
	"context"
	"regexp"
	"strings"

	"github.com/stemsplit/api/internal/client"
	"github.com/stemsplit/api/internal/model"
)

var referencePattern = regexp.MustCompile(`^(https?://)?(www\.|m\.)?(youtube\.com/watch\?v=|youtu\.be/|youtube\.com/shorts/)[a-zA-Z0-9_-]{11}`)

// ValidateReference checks the syntax of a remote reference without any
// network or process call.
func ValidateReference(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Validation("source reference is required")
	}
	if !referencePattern.MatchString(ref) {
		return Validation("unsupported source reference %q", ref)
	}
	return nil
}

// AcquireInput describes the media to bring onto local disk
type AcquireInput struct {
	JobID   string
	Source  model.Source
	DestDir string
}

// AcquireOutput is the local media plus what was learned about it
type AcquireOutput struct {
	MediaPath       string
	Title           string
	DurationSeconds float64
	HasVideo        bool
}

// Acquirer fetches remote media or passes uploads through, then inspects
// the local file.
type Acquirer struct {
	downloader  client.Downloader
	transcoder  client.Transcoder
	maxDuration float64
}

// NewAcquirer creates an acquisition stage. maxDurationSeconds <= 0 disables
// the duration ceiling.
func NewAcquirer(d client.Downloader, t client.Transcoder, maxDurationSeconds int) *Acquirer {
	return &Acquirer{downloader: d, transcoder: t, maxDuration: float64(maxDurationSeconds)}
}

func (a *Acquirer) Run(ctx context.Context, in AcquireInput, sink ProgressSink) (*AcquireOutput, error) {
	sink = Monotonic(sink)

	out := &AcquireOutput{}
	switch in.Source.Kind {
	case model.SourceUpload:
		if in.Source.Path == "" {
			return nil, Validation("upload path is missing")
		}
		sink.Report(100, "Upload received")
		out.MediaPath = in.Source.Path
		out.Title = in.Source.OriginalName

	case model.SourceRemote:
		if err := ValidateReference(in.Source.URL); err != nil {
			return nil, err
		}

		sink.Report(0, "Fetching video info")
		info, err := a.downloader.Probe(ctx, in.Source.URL)
		if err != nil {
			return nil, toolFailure(ctx, err)
		}
		if err := a.checkDuration(info.DurationSeconds); err != nil {
			return nil, err
		}
		out.Title = info.Title
		out.DurationSeconds = info.DurationSeconds

		sink.Report(0, "Downloading video")
		path, err := a.downloader.Fetch(ctx, in.Source.URL, in.DestDir, func(done, total int64) {
			if total <= 0 {
				return
			}
			pct := int(done * 100 / total)
			if pct > 99 {
				pct = 99
			}
			sink.Report(pct, "Downloading video")
		})
		if err != nil {
			return nil, toolFailure(ctx, err)
		}
		out.MediaPath = path
		sink.Report(100, "Download complete")

	default:
		return nil, Validation("unknown source kind %q", in.Source.Kind)
	}

	media, err := a.transcoder.Probe(ctx, out.MediaPath)
	if err != nil {
		return nil, toolFailure(ctx, err)
	}
	if !media.HasAudio {
		return nil, Validation("source has no audio stream")
	}
	if media.DurationSeconds > 0 {
		out.DurationSeconds = media.DurationSeconds
	}
	out.HasVideo = media.HasVideo
	if err := a.checkDuration(out.DurationSeconds); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Acquirer) checkDuration(seconds float64) error {
	if a.maxDuration > 0 && seconds > a.maxDuration {
		return Validation("source is %.0f seconds long, the limit is %.0f seconds", seconds, a.maxDuration)
	}
	return nil
}
