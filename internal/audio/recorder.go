package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Status represents the current state of the recorder
type Status string

const (
	StatusStandby   Status = "STANDBY"
	StatusReady     Status = "READY"
	StatusRecording Status = "RECORDING"
	StatusError     Status = "ERROR"
)

// SessionInfo contains information about the current recording session
type SessionInfo struct {
	TakeName     string    `json:"take_name"`
	StartTime    time.Time `json:"start_time"`
	OutputFile   string    `json:"output_file"`
	ChannelCount int       `json:"channel_count"`
	ChannelNames []string  `json:"channel_names"`
	SampleRate   float64   `json:"sample_rate"`
	PunchIn      float64   `json:"punch_in"`
}

// Recorder captures a device input into take files.
type Recorder interface {
	StartReady(takeName string) error
	StartRecording(punchIn float64) error
	CancelReady() error
	// Stop finishes the take and returns its file. A discarded take is
	// deleted and returns "".
	Stop(discard bool) (string, error)

	GetStatus() (Status, *SessionInfo)

	// Push hands one block of input to the recorder. editStart is the edit
	// time of the block's first sample. It is called from the audio
	// callback and never blocks.
	Push(in [][]float32, n int, editStart float64)
	Overruns() uint64
}

// WaveRecorderConfig configures a WaveRecorder.
type WaveRecorderConfig struct {
	Directory    string
	SampleRate   float64
	Channels     int
	ChannelNames []string
	BitDepth     int
	MaxBlockSize int
	// QueueBlocks is the number of blocks that may be waiting for the
	// writer before input is dropped.
	QueueBlocks int
}

type recBlock struct {
	data [][]float32
	n    int
}

type take struct {
	punchIn float64
	blocks  chan *recBlock
	free    chan *recBlock

	// pushing counts Push calls holding the take. Once stopped is set no
	// new block is queued, and the writer is stopped only after pushing
	// drops to zero so its final drain sees every queued block.
	pushing atomic.Int32
	stopped atomic.Bool
}

// WaveRecorder writes input blocks to a WAV file from a writer goroutine.
type WaveRecorder struct {
	cfg WaveRecorderConfig

	mutex   sync.Mutex
	status  Status
	session *SessionInfo
	stop    chan struct{}
	done    chan error

	current  atomic.Pointer[take]
	overruns atomic.Uint64
}

func NewWaveRecorder(cfg WaveRecorderConfig) *WaveRecorder {
	if cfg.BitDepth == 0 {
		cfg.BitDepth = 24
	}
	if cfg.MaxBlockSize <= 0 {
		cfg.MaxBlockSize = 4096
	}
	if cfg.QueueBlocks <= 0 {
		cfg.QueueBlocks = 64
	}
	return &WaveRecorder{cfg: cfg, status: StatusStandby}
}

// StartReady transitions from STANDBY to READY state
func (r *WaveRecorder) StartReady(takeName string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.status != StatusStandby && r.status != StatusError {
		return fmt.Errorf("can only start ready from standby or error state, current: %s", r.status)
	}
	if takeName == "" {
		return fmt.Errorf("take name is required")
	}
	if r.cfg.Channels <= 0 {
		r.status = StatusError
		return fmt.Errorf("recorder has no input channels")
	}

	if err := os.MkdirAll(r.cfg.Directory, 0755); err != nil {
		r.status = StatusError
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	names := r.cfg.ChannelNames
	if len(names) != r.cfg.Channels {
		names = make([]string, r.cfg.Channels)
		for i := range names {
			names[i] = fmt.Sprintf("in_%d", i+1)
		}
	}

	r.session = &SessionInfo{
		TakeName:     takeName,
		StartTime:    time.Now(),
		OutputFile:   uniquePath(filepath.Join(r.cfg.Directory, cleanFileName(takeName)), ".wav"),
		ChannelCount: r.cfg.Channels,
		ChannelNames: names,
		SampleRate:   r.cfg.SampleRate,
	}
	r.status = StatusReady

	slog.Info("Recorder ready", "take", takeName, "channels", r.cfg.Channels)
	return nil
}

// StartRecording opens the take file. Input earlier than punchIn (in edit
// seconds) is skipped.
func (r *WaveRecorder) StartRecording(punchIn float64) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.status != StatusReady {
		return fmt.Errorf("can only start recording from ready state, current: %s", r.status)
	}
	if r.session == nil {
		return fmt.Errorf("no session prepared, call StartReady first")
	}

	f, err := os.Create(r.session.OutputFile)
	if err != nil {
		r.status = StatusError
		return fmt.Errorf("failed to create take file: %w", err)
	}
	enc := wav.NewEncoder(f, int(r.cfg.SampleRate), r.cfg.BitDepth, r.cfg.Channels, 1)

	tk := &take{
		punchIn: punchIn,
		blocks:  make(chan *recBlock, r.cfg.QueueBlocks),
		free:    make(chan *recBlock, r.cfg.QueueBlocks),
	}
	for i := 0; i < r.cfg.QueueBlocks; i++ {
		tk.free <- &recBlock{data: makeChannels(r.cfg.Channels, r.cfg.MaxBlockSize)}
	}

	r.session.PunchIn = punchIn
	r.stop = make(chan struct{})
	r.done = make(chan error, 1)
	r.overruns.Store(0)
	go r.writer(tk, f, enc, r.stop, r.done)

	r.current.Store(tk)
	r.status = StatusRecording
	slog.Info("Recording started", "take", r.session.TakeName, "punch_in", punchIn)
	return nil
}

// writer drains blocks into the encoder until stop is closed, then
// flushes whatever is still queued.
func (r *WaveRecorder) writer(tk *take, f *os.File, enc *wav.Encoder, stop chan struct{}, done chan error) {
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: r.cfg.Channels, SampleRate: int(r.cfg.SampleRate)},
		SourceBitDepth: r.cfg.BitDepth,
	}
	scale := float64(int(1)<<(r.cfg.BitDepth-1)) - 1

	var writeErr error
	write := func(b *recBlock) {
		if writeErr == nil {
			buf.Data = interleave(buf.Data[:0], b.data, b.n, scale)
			writeErr = enc.Write(buf)
		}
		tk.free <- b
	}

	for {
		select {
		case b := <-tk.blocks:
			write(b)
			continue
		case <-stop:
		}
		break
	}
	for {
		select {
		case b := <-tk.blocks:
			write(b)
			continue
		default:
		}
		break
	}

	if err := enc.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	if err := f.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	done <- writeErr
}

func interleave(dst []int, chans [][]float32, n int, scale float64) []int {
	for i := 0; i < n; i++ {
		for _, ch := range chans {
			v := float64(ch[i])
			if v > 1 {
				v = 1
			} else if v < -1 {
				v = -1
			}
			dst = append(dst, int(math.Round(v*scale)))
		}
	}
	return dst
}

func (r *WaveRecorder) Push(in [][]float32, n int, editStart float64) {
	tk := r.current.Load()
	if tk == nil || n <= 0 {
		return
	}
	r.pushTake(tk, in, n, editStart)
}

func (r *WaveRecorder) pushTake(tk *take, in [][]float32, n int, editStart float64) {
	tk.pushing.Add(1)
	defer tk.pushing.Add(-1)

	// the take was stopped after this block was handed over
	if tk.stopped.Load() {
		r.overruns.Add(1)
		return
	}

	offset := 0
	if editStart < tk.punchIn {
		offset = int(math.Round((tk.punchIn - editStart) * r.cfg.SampleRate))
		if offset >= n {
			return
		}
	}
	count := min(n-offset, r.cfg.MaxBlockSize)
	r.enqueue(tk, in, offset, count)
}

func (r *WaveRecorder) enqueue(tk *take, in [][]float32, offset, count int) {
	var b *recBlock
	select {
	case b = <-tk.free:
	default:
		r.overruns.Add(1)
		return
	}

	for ch := range b.data {
		if ch < len(in) {
			copy(b.data[ch][:count], in[ch][offset:offset+count])
		} else {
			clear(b.data[ch][:count])
		}
	}
	b.n = count

	select {
	case tk.blocks <- b:
	default:
		tk.free <- b
		r.overruns.Add(1)
	}
}

func (r *WaveRecorder) Overruns() uint64 { return r.overruns.Load() }

// Stop ends the current recording session
func (r *WaveRecorder) Stop(discard bool) (string, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.status != StatusRecording {
		return "", fmt.Errorf("no recording in progress")
	}

	if tk := r.current.Swap(nil); tk != nil {
		tk.stopped.Store(true)
		for tk.pushing.Load() != 0 {
			runtime.Gosched()
		}
	}
	close(r.stop)
	err := <-r.done
	r.stop, r.done = nil, nil

	path := r.session.OutputFile
	if err != nil {
		r.status = StatusError
		return "", fmt.Errorf("failed to write take: %w", err)
	}
	if n := r.overruns.Load(); n > 0 {
		slog.Warn("Recorder dropped input blocks", "take", r.session.TakeName, "blocks", n)
	}

	r.status = StatusStandby
	if discard {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to discard take: %w", err)
		}
		slog.Debug("Take discarded", "output", path)
		return "", nil
	}

	slog.Info("Recording completed successfully", "output", path)
	return path, nil
}

// CancelReady cancels ready state and returns to STANDBY
func (r *WaveRecorder) CancelReady() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.status != StatusReady {
		return fmt.Errorf("can only cancel from ready state, current: %s", r.status)
	}
	r.status = StatusStandby
	r.session = nil
	return nil
}

func (r *WaveRecorder) GetStatus() (Status, *SessionInfo) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.session == nil {
		return r.status, nil
	}
	info := *r.session
	return r.status, &info
}

// uniquePath returns base+ext, or base_N+ext if that already exists.
func uniquePath(base, ext string) string {
	path := base + ext
	for i := 2; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		path = fmt.Sprintf("%s_%d%s", base, i, ext)
	}
}

// cleanFileName sanitizes a filename
// Allows: letters, numbers, spaces, hyphens, underscores
func cleanFileName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	cleaned := strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
	if cleaned == "" {
		return "take"
	}
	return cleaned
}
