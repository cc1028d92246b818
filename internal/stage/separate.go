package stage

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/stemsplit/api/internal/client"
	"github.com/stemsplit/api/internal/model"
)

const (
	sampleRate = 44100

	cpuMultiplier         = 0.7
	acceleratorMultiplier = 0.15
	defaultEstimate       = 60 * time.Second

	estimateBase  = 20
	estimateSpan  = 52
	estimateLimit = 0.95
)

// SeparateInput names the source media and every file the stage must write
type SeparateInput struct {
	JobID           string
	MediaPath       string
	DurationSeconds float64
	SourceAudioPath string
	OutputDir       string
	StemPaths       map[model.Stem]string
	BackgroundPath  string
}

// SeparateOutput lists the files written by the stage
type SeparateOutput struct {
	StemPaths      map[model.Stem]string
	BackgroundPath string
}

// Separator turns the acquired media into one file per stem plus the legacy
// background mix (every stem but vocals).
type Separator struct {
	engine     client.Separator
	transcoder client.Transcoder
	tick       time.Duration
}

func NewSeparator(engine client.Separator, t client.Transcoder) *Separator {
	return &Separator{engine: engine, transcoder: t, tick: time.Second}
}

// WithTick overrides the estimator interval.
func (s *Separator) WithTick(d time.Duration) *Separator {
	s.tick = d
	return s
}

// EstimatedDuration predicts how long the engine will run for audio of the
// given length.
func EstimatedDuration(audioSeconds float64, device string) time.Duration {
	mult := cpuMultiplier
	if isAccelerator(device) {
		mult = acceleratorMultiplier
	}
	est := time.Duration(audioSeconds * mult * float64(time.Second))
	if est <= 0 {
		return defaultEstimate
	}
	return est
}

func isAccelerator(device string) bool {
	d := strings.ToLower(device)
	return strings.HasPrefix(d, "cuda") || d == "gpu" || d == "mps"
}

// EstimateProgress is the percentage shown while the engine runs. It never
// passes 20 + 0.95*52 no matter how long the engine takes.
func EstimateProgress(elapsed, estimated time.Duration) int {
	if estimated <= 0 {
		estimated = defaultEstimate
	}
	ratio := float64(elapsed) / float64(estimated)
	if ratio > estimateLimit {
		ratio = estimateLimit
	}
	if ratio < 0 {
		ratio = 0
	}
	return estimateBase + int(ratio*estimateSpan)
}

func (s *Separator) Run(ctx context.Context, in SeparateInput, sink ProgressSink) (*SeparateOutput, error) {
	sink = Monotonic(sink)

	sink.Report(0, "Preparing audio")
	extract := func(out string) []string {
		return []string{
			"-y",
			"-i", in.MediaPath,
			"-vn",
			"-ac", "2",
			"-ar", fmt.Sprint(sampleRate),
			"-c:a", "pcm_s16le",
			out,
		}
	}
	if err := runToFile(ctx, s.transcoder, extract, in.SourceAudioPath, in.DurationSeconds, Band(sink, 0, 15), "Extracting audio"); err != nil {
		return nil, err
	}

	sink.Report(18, "Loading separation model")
	resp, err := s.separate(ctx, in, sink)
	if err != nil {
		return nil, toolFailure(ctx, err)
	}

	sink.Report(75, "Writing stems")
	produced := make(map[model.Stem]string, len(resp.Stems))
	for name, path := range resp.Stems {
		stem, ok := model.ParseStem(name)
		if !ok {
			log.Printf("Job %s: ignoring unknown stem %q from separator", in.JobID, name)
			continue
		}
		produced[stem] = path
	}

	out := &SeparateOutput{StemPaths: make(map[model.Stem]string, len(model.AllStems))}
	for i, stem := range model.AllStems {
		src, ok := produced[stem]
		if !ok {
			return nil, &Error{Kind: KindExternalTool, Detail: fmt.Sprintf("separator did not produce the %s stem", stem)}
		}
		dest := in.StemPaths[stem]
		if err := placeFile(src, dest); err != nil {
			return nil, &Error{Kind: KindExternalTool, Detail: fmt.Sprintf("failed to store %s stem: %v", stem, err), Err: err}
		}
		out.StemPaths[stem] = dest
		sink.Report(78+i*4, fmt.Sprintf("Saved %s", stem))
	}

	sink.Report(95, "Building background track")
	background := func(o string) []string {
		return []string{
			"-y",
			"-i", out.StemPaths[model.StemDrums],
			"-i", out.StemPaths[model.StemBass],
			"-i", out.StemPaths[model.StemOther],
			"-filter_complex", "[0:a][1:a][2:a]amix=inputs=3:normalize=0[bg]",
			"-map", "[bg]",
			"-c:a", "pcm_s16le",
			"-ar", fmt.Sprint(sampleRate),
			o,
		}
	}
	if err := runToFile(ctx, s.transcoder, background, in.BackgroundPath, 0, Discard, "Building background track"); err != nil {
		return nil, err
	}
	out.BackgroundPath = in.BackgroundPath

	sink.Report(100, "Separation complete")
	return out, nil
}

// separate calls the engine while an estimator goroutine reports synthetic
// progress. The estimator has stopped by the time separate returns.
func (s *Separator) separate(ctx context.Context, in SeparateInput, sink ProgressSink) (*client.SeparateResponse, error) {
	estimated := EstimatedDuration(in.DurationSeconds, s.engine.Device())
	start := time.Now()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sink.Report(EstimateProgress(time.Since(start), estimated), "Separating stems")
			}
		}
	}()

	resp, err := s.engine.Separate(ctx, &client.SeparateRequest{
		JobID:      in.JobID,
		InputPath:  in.SourceAudioPath,
		OutputDir:  in.OutputDir,
		SampleRate: sampleRate,
	})

	close(stop)
	wg.Wait()

	if err != nil {
		return nil, err
	}
	return resp, nil
}

// placeFile moves an engine output to its final location, copying when a
// rename is not possible.
func placeFile(src, dest string) error {
	if src == dest {
		_, err := os.Stat(dest)
		return err
	}
	if err := os.Rename(src, dest); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := tempPath(dest)
	outFile, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(outFile, in); err != nil {
		outFile.Close()
		os.Remove(tmp)
		return err
	}
	if err := outFile.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}
