package stage

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/stemsplit/api/internal/client"
	"github.com/stemsplit/api/internal/model"
)

// transcodePercent converts output time into a percentage that stays below
// 100 until the process has exited.
func transcodePercent(outSeconds, totalSeconds float64) int {
	if totalSeconds <= 0 {
		return 0
	}
	pct := int(outSeconds / totalSeconds * 100)
	if pct > 99 {
		pct = 99
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

// runTranscode runs one transcoder invocation. Without a usable duration
// only the start and end transitions are reported.
func runTranscode(ctx context.Context, t client.Transcoder, args []string, totalSeconds float64, sink ProgressSink, label string) error {
	sink.Report(0, label)

	var onOut client.OutTimeFunc
	if totalSeconds > 0 {
		onOut = func(seconds float64) {
			sink.Report(transcodePercent(seconds, totalSeconds), label)
		}
	}
	if err := t.Run(ctx, args, onOut); err != nil {
		return toolFailure(ctx, err)
	}

	sink.Report(100, label)
	return nil
}

// tempPath keeps the extension so the transcoder still picks the container.
func tempPath(final string) string {
	return filepath.Join(filepath.Dir(final), ".tmp-"+filepath.Base(final))
}

// runToFile writes through a temp file so final never holds partial output.
func runToFile(ctx context.Context, t client.Transcoder, build func(out string) []string, final string, totalSeconds float64, sink ProgressSink, label string) error {
	tmp := tempPath(final)
	if err := runTranscode(ctx, t, build(tmp), totalSeconds, sink, label); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return &Error{Kind: KindExternalTool, Detail: fmt.Sprintf("failed to finalize %s: %v", filepath.Base(final), err), Err: err}
	}
	return nil
}

// MergeInput describes a remux of the original video with new audio
type MergeInput struct {
	VideoPath       string
	AudioPath       string
	OutputPath      string
	DurationSeconds float64
}

// Merger re-muxes the source video stream with a derived audio track.
type Merger struct {
	transcoder client.Transcoder
}

func NewMerger(t client.Transcoder) *Merger {
	return &Merger{transcoder: t}
}

func (m *Merger) Run(ctx context.Context, in MergeInput, sink ProgressSink) (string, error) {
	sink = Monotonic(sink)
	build := func(out string) []string {
		return []string{
			"-y",
			"-i", in.VideoPath,
			"-i", in.AudioPath,
			"-c:v", "copy",
			"-c:a", "aac",
			"-b:a", "192k",
			"-map", "0:v:0",
			"-map", "1:a:0",
			"-shortest",
			"-movflags", "+faststart",
			out,
		}
	}
	if err := runToFile(ctx, m.transcoder, build, in.OutputPath, in.DurationSeconds, sink, "Merging video"); err != nil {
		return "", err
	}
	return in.OutputPath, nil
}

// MixInput describes a custom remix of separated stems
type MixInput struct {
	StemPaths       map[model.Stem]string
	VideoPath       string
	Gains           map[model.Stem]float64
	PitchShift      int
	Format          model.OutputFormat
	OutputPath      string
	DurationSeconds float64
}

// Mixer renders a remix through a transcoder filter graph.
type Mixer struct {
	transcoder client.Transcoder
}

func NewMixer(t client.Transcoder) *Mixer {
	return &Mixer{transcoder: t}
}

func (m *Mixer) Run(ctx context.Context, in MixInput, sink ProgressSink) (string, error) {
	sink = Monotonic(sink)

	stems := presentStems(in.StemPaths)
	if len(stems) == 0 {
		return "", Validation("job has no stems to mix")
	}
	build := func(out string) []string {
		return BuildMixArgs(in, stems, out)
	}
	if err := runToFile(ctx, m.transcoder, build, in.OutputPath, in.DurationSeconds, sink, "Mixing"); err != nil {
		return "", err
	}
	return in.OutputPath, nil
}

func presentStems(paths map[model.Stem]string) []model.Stem {
	var out []model.Stem
	for _, s := range model.AllStems {
		if paths[s] != "" {
			out = append(out, s)
		}
	}
	return out
}

// PitchRatio converts semitones into the rubberband pitch scale.
func PitchRatio(semitones int) float64 {
	return math.Pow(2, float64(semitones)/12)
}

// BuildMixFilter returns the filter graph for the given stems (in input
// order) and the label of its final output pad.
func BuildMixFilter(stems []model.Stem, gains map[model.Stem]float64, pitchShift int) (string, string) {
	parts := make([]string, 0, len(stems)+2)
	var mixInputs strings.Builder
	for i, s := range stems {
		gain, ok := gains[s]
		if !ok {
			gain = 1
		}
		parts = append(parts, fmt.Sprintf("[%d:a]volume=%s[%s]", i, strconv.FormatFloat(gain, 'f', -1, 64), s))
		mixInputs.WriteString("[" + string(s) + "]")
	}
	parts = append(parts, fmt.Sprintf("%samix=inputs=%d:normalize=0[mixed]", mixInputs.String(), len(stems)))

	out := "[mixed]"
	if pitchShift != 0 {
		parts = append(parts, fmt.Sprintf("[mixed]rubberband=pitch=%.6f[final]", PitchRatio(pitchShift)))
		out = "[final]"
	}
	return strings.Join(parts, ";"), out
}

func codecArgs(format model.OutputFormat) []string {
	switch format {
	case model.FormatMP4, model.FormatM4A:
		return []string{"-c:a", "aac", "-b:a", "256k", "-movflags", "+faststart"}
	case model.FormatMP3:
		return []string{"-c:a", "libmp3lame", "-b:a", "320k"}
	case model.FormatWAV:
		return []string{"-c:a", "pcm_s16le", "-ar", "44100"}
	}
	return nil
}

// BuildMixArgs assembles the full transcoder argument list for a remix.
func BuildMixArgs(in MixInput, stems []model.Stem, out string) []string {
	args := []string{"-y"}
	for _, s := range stems {
		args = append(args, "-i", in.StemPaths[s])
	}
	withVideo := in.Format == model.FormatMP4 && in.VideoPath != ""
	if withVideo {
		args = append(args, "-i", in.VideoPath)
	}

	filter, final := BuildMixFilter(stems, in.Gains, in.PitchShift)
	args = append(args, "-filter_complex", filter)
	if withVideo {
		args = append(args, "-map", fmt.Sprintf("%d:v:0", len(stems)), "-map", final, "-c:v", "copy", "-shortest")
	} else {
		args = append(args, "-map", final)
	}
	args = append(args, codecArgs(in.Format)...)
	return append(args, out)
}
