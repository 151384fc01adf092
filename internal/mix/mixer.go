package mix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/audiolibrelab/jamengine/internal/audio"
	"github.com/audiolibrelab/jamengine/internal/config"
	"github.com/audiolibrelab/jamengine/internal/device"
	"github.com/audiolibrelab/jamengine/internal/graph"
	"github.com/audiolibrelab/jamengine/internal/playback"
	"github.com/audiolibrelab/jamengine/internal/playhead"
	"github.com/audiolibrelab/jamengine/internal/session"
)

var ErrNothingToRender = errors.New("nothing to render")

// Mixer renders arrangements offline into WAV files.
type Mixer struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Mixer {
	return &Mixer{cfg: cfg}
}

// Options selects the part of the arrangement to render. A zero End
// renders to the end of the last clip.
type Options struct {
	Start float64
	End   float64
	// Tail is extra time rendered after End, for fades and note releases.
	Tail float64
}

type Result struct {
	File     string
	Duration float64
	Frames   int64
	Peak     float32
	Elapsed  time.Duration
}

// Mix renders the whole arrangement into the output directory, naming
// the file after the arrangement.
func (m *Mixer) Mix(ctx context.Context, sess *session.Session) (Result, error) {
	return m.MixWithOptions(ctx, sess, Options{})
}

func (m *Mixer) MixWithOptions(ctx context.Context, sess *session.Session, opts Options) (Result, error) {
	if err := os.MkdirAll(m.cfg.Output.Directory, 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create output directory: %w", err)
	}
	outputFile := m.OutputPath(sess.Name)

	// Remove existing output file
	os.Remove(outputFile)

	return m.Render(ctx, sess, outputFile, opts)
}

// OutputPath returns where Mix writes the mixdown of the named arrangement.
func (m *Mixer) OutputPath(name string) string {
	return filepath.Join(m.cfg.Output.Directory, m.cleanFileName(name)+"_mix."+m.cfg.Output.Format)
}

// Render plays sess through a hosted device as fast as it renders and
// writes the output to outputFile.
func (m *Mixer) Render(ctx context.Context, sess *session.Session, outputFile string, opts Options) (Result, error) {
	start := math.Max(opts.Start, 0)
	end := opts.End
	if end <= 0 {
		end = sess.Length()
	}
	end += math.Max(opts.Tail, 0)
	if end <= start {
		return Result{}, fmt.Errorf("%w: range %.3fs - %.3fs is empty", ErrNothingToRender, start, end)
	}

	rate := float64(m.cfg.Audio.SampleRate)
	block := m.cfg.Audio.BlockSize
	channels := m.cfg.Audio.OutputChannels
	bitDepth := m.cfg.Output.BitDepth

	mgr := device.NewManager()
	err := mgr.Open(device.Config{
		Backend:        string(audio.BackendTypeHosted),
		Device:         "mixdown",
		SampleRate:     rate,
		BlockSize:      block,
		OutputChannels: channels,
		CPULimit:       -1,
	})
	if err != nil {
		return Result{}, err
	}
	defer mgr.Close()

	hosted, ok := mgr.Device().(*audio.HostedDevice)
	if !ok {
		return Result{}, fmt.Errorf("mixdown needs a hosted device, got %T", mgr.Device())
	}

	pool := graph.NewPool(m.cfg.MixerThreads())
	defer pool.Close()

	ph := playhead.New()
	builder := sess.Builder(session.BuildOptions{
		Use64BitAccumulator: m.cfg.Mixer.Use64BitAccumulator,
		MinChunkSamples:     m.cfg.Buffering.MinChunkSamples,
	})
	pc := playback.New(mgr, ph, builder, playback.Options{
		Pool:      pool,
		Tempo:     sess.TempoSequence(),
		Rendering: true,
	})
	defer pc.Close()

	if err := pc.Allocate(start); err != nil {
		return Result{}, err
	}

	f, err := os.Create(outputFile)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create output file: %w", err)
	}
	enc := wav.NewEncoder(f, int(rate), bitDepth, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: int(rate)},
		SourceBitDepth: bitDepth,
	}
	scale := float64(int(1)<<(bitDepth-1)) - 1

	slog.Info("Rendering mixdown", "session", sess.Name, "start", start, "end", end, "file", outputFile)

	began := time.Now()
	total := playhead.TimeToSample(end-start, rate)
	out := make([][]float32, channels)
	for i := range out {
		out[i] = make([]float32, block)
	}

	ph.PlayRange(playhead.TimeRangeToSamples(start, end, rate), false)

	res := Result{File: outputFile}
	var renderErr error
	for res.Frames < total {
		if err := ctx.Err(); err != nil {
			renderErr = err
			break
		}
		n := int(min(int64(block), total-res.Frames))
		hosted.Process(nil, out, n)

		for _, ch := range out {
			for _, v := range ch[:n] {
				res.Peak = max(res.Peak, float32(math.Abs(float64(v))))
			}
		}
		buf.Data = interleave(buf.Data[:0], out, n, scale)
		if err := enc.Write(buf); err != nil {
			renderErr = fmt.Errorf("failed to write mixdown: %w", err)
			break
		}
		res.Frames += int64(n)
	}
	ph.Stop()

	if err := enc.Close(); err != nil && renderErr == nil {
		renderErr = fmt.Errorf("failed to finalize mixdown: %w", err)
	}
	if err := f.Close(); err != nil && renderErr == nil {
		renderErr = err
	}
	if renderErr != nil {
		os.Remove(outputFile)
		return Result{}, renderErr
	}

	res.Duration = playhead.SampleToTime(res.Frames, rate)
	res.Elapsed = time.Since(began)
	if res.Peak > 1 {
		slog.Warn("Mixdown clipped", "peak", res.Peak)
	}
	slog.Info("Mixed audio file saved to", "file", outputFile, "duration", res.Duration, "elapsed", res.Elapsed)
	return res, nil
}

func interleave(dst []int, chans [][]float32, n int, scale float64) []int {
	for i := 0; i < n; i++ {
		for _, ch := range chans {
			v := min(max(float64(ch[i]), -1), 1)
			dst = append(dst, int(math.Round(v*scale)))
		}
	}
	return dst
}

func (m *Mixer) cleanFileName(name string) string {
	// Remove special characters and replace spaces with underscores
	reg := regexp.MustCompile(`[^a-zA-Z0-9 ]`)
	cleaned := reg.ReplaceAllString(name, "")
	cleaned = strings.ReplaceAll(strings.TrimSpace(cleaned), " ", "_")
	if cleaned == "" {
		return "mixdown"
	}
	return cleaned
}
