package audio

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/wav"
)

type fakePipeWire struct {
	mu    sync.Mutex
	ports []string
	links [][2]string
}

func (f *fakePipeWire) run(args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case len(args) == 1 && args[0] == "-io":
		return []byte("Output ports:\n" + strings.Join(f.ports, "\n") + "\n"), nil
	case len(args) == 2:
		f.links = append(f.links, [2]string{args[0], args[1]})
		return nil, nil
	}
	return []byte("unsupported"), errors.New("exit status 1")
}

func newTestLinker(ports ...string) (*PortLinker, *fakePipeWire) {
	fake := &fakePipeWire{ports: ports}
	return &PortLinker{run: fake.run, sleep: func(time.Duration) {}, clientName: "jamengine"}, fake
}

func TestValidatePort_Success(t *testing.T) {
	pl, _ := newTestLinker("Chrome:output_FL", "system:capture_1")

	if err := pl.ValidatePort("system:capture_1"); err != nil {
		t.Errorf("Expected no error for valid single port, got: %v", err)
	}
}

func TestValidatePort_NotFound(t *testing.T) {
	pl, _ := newTestLinker("Chrome:output_FL")

	err := pl.ValidatePort("nonexistent:port")
	if err == nil {
		t.Fatal("Expected error for nonexistent port")
	}
	if !strings.Contains(err.Error(), "port not found") {
		t.Errorf("Expected 'port not found' error, got: %v", err)
	}
}

func TestValidatePort_DuplicateDetection(t *testing.T) {
	pl, _ := newTestLinker(
		"Chrome:output_FL",
		"Chrome:output_FL",   // True duplicate - same name appears twice
		"Chrome-2:output_FL", // Different instance - NOT a duplicate
	)

	err := pl.ValidatePort("Chrome:output_FL")
	if err == nil {
		t.Fatal("Expected error for duplicate ports")
	}
	if !strings.Contains(err.Error(), "duplicate ports detected") {
		t.Errorf("Expected 'duplicate ports detected' error, got: %v", err)
	}
}

func TestValidatePort_EmptyAndDisabled(t *testing.T) {
	pl, _ := newTestLinker()

	if err := pl.ValidatePort(""); err != nil {
		t.Errorf("Expected no error for empty string, got: %v", err)
	}
	if err := pl.ValidatePort("disabled"); err != nil {
		t.Errorf("Expected no error for 'disabled', got: %v", err)
	}
}

func TestFindPortDuplicates(t *testing.T) {
	mockPorts := []string{
		"Firefox:output_FL",
		"Firefox:output_FL",     // True duplicate - same name
		"Firefox (1):output_FL", // Different instance - NOT a duplicate
		"Chrome:output_FL",
	}

	duplicates := findPortDuplicatesInList("Firefox:output_FL", mockPorts)
	if len(duplicates) != 2 {
		t.Errorf("Expected 2 duplicates, got %d: %v", len(duplicates), duplicates)
	}

	duplicates = findPortDuplicatesInList("Chrome:output_FL", mockPorts)
	if len(duplicates) != 1 || duplicates[0] != "Chrome:output_FL" {
		t.Errorf("Expected only Chrome:output_FL, got: %v", duplicates)
	}
}

func TestRouteOutput_PairsChannels(t *testing.T) {
	pl, fake := newTestLinker(
		"jamengine:output_FR",
		"jamengine:output_FL",
		"alsa_output.usb:playback_FL",
		"alsa_output.usb:playback_FR",
		"alsa_output.pci:playback_FL",
	)

	if err := pl.RouteOutput("alsa_output.usb"); err != nil {
		t.Fatalf("Failed to route: %v", err)
	}

	want := [][2]string{
		{"jamengine:output_FL", "alsa_output.usb:playback_FL"},
		{"jamengine:output_FR", "alsa_output.usb:playback_FR"},
	}
	if len(fake.links) != len(want) {
		t.Fatalf("Expected %d links, got %v", len(want), fake.links)
	}
	for i := range want {
		if fake.links[i] != want[i] {
			t.Errorf("Expected link %v, got %v", want[i], fake.links[i])
		}
	}
}

func TestRouteOutput_MissingDestination(t *testing.T) {
	pl, _ := newTestLinker("jamengine:output_FL")

	if err := pl.RouteOutput("nowhere"); err == nil {
		t.Error("Expected an error for a missing destination")
	}
}

func TestConnectWithRetry_GivesUp(t *testing.T) {
	pl, fake := newTestLinker("system:playback_1")

	err := pl.ConnectWithRetry("spotify:output_FL", "system:playback_1")
	if err == nil {
		t.Fatal("Expected an error for a source that never appears")
	}
	if !strings.Contains(err.Error(), "after 15 attempts") {
		t.Errorf("Expected the ephemeral retry strategy, got: %v", err)
	}
	if len(fake.links) != 0 {
		t.Errorf("Expected no links, got %v", fake.links)
	}
}

func TestNewBackend(t *testing.T) {
	tests := []struct {
		name    string
		want    BackendType
		wantErr bool
	}{
		{"", BackendTypeOto, false},
		{"auto", BackendTypeOto, false},
		{"NULL", BackendTypeNull, false},
		{"hosted", BackendTypeHosted, false},
		{"portaudio", "", true},
	}

	for _, tt := range tests {
		b, err := NewBackend(tt.name)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Expected error for %q", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("Unexpected error for %q: %v", tt.name, err)
			continue
		}
		if b.GetType() != tt.want {
			t.Errorf("Expected %s for %q, got %s", tt.want, tt.name, b.GetType())
		}
	}
}

func TestNullDevice_RunsCallback(t *testing.T) {
	dev, err := (&NullBackend{}).Open(DeviceConfig{SampleRate: 48000, BlockSize: 48, InputChannels: 1, OutputChannels: 2})
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}

	var calls atomic.Int32
	if err := dev.Start(func(in, out [][]float32, n int) {
		if len(in) != 1 || len(out) != 2 || n != 48 {
			t.Errorf("Unexpected block shape %d/%d/%d", len(in), len(out), n)
		}
		calls.Add(1)
	}); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := dev.Close(); err != nil {
		t.Errorf("Failed to close: %v", err)
	}
	if calls.Load() < 3 {
		t.Errorf("Expected the callback to run, got %d calls", calls.Load())
	}

	after := calls.Load()
	time.Sleep(5 * time.Millisecond)
	if calls.Load() != after {
		t.Error("Expected no callbacks after close")
	}
}

func TestHostedDevice_Process(t *testing.T) {
	dev, err := NewHostedDevice(DeviceConfig{SampleRate: 44100, BlockSize: 4, OutputChannels: 1})
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}

	out := makeChannels(1, 4)
	if dev.Process(nil, out, 4) {
		t.Error("Expected Process to fail before Start")
	}

	dev.Start(func(_, out [][]float32, n int) {
		for i := 0; i < n; i++ {
			out[0][i] = 0.5
		}
	})
	if !dev.Process(nil, out, 4) {
		t.Fatal("Expected Process to run the callback")
	}
	if out[0][3] != 0.5 {
		t.Errorf("Expected 0.5, got %f", out[0][3])
	}
}

func TestBlockReader_Interleaves(t *testing.T) {
	var block float32
	r := newBlockReader(func(_, out [][]float32, n int) {
		block++
		for i := 0; i < n; i++ {
			out[0][i] = block
			out[1][i] = -block
		}
	}, 2, 2)

	p := make([]byte, 3*2*4)
	n, err := r.Read(p)
	if err != nil || n != len(p) {
		t.Fatalf("Expected %d bytes, got %d (%v)", len(p), n, err)
	}

	// The third frame comes from the second block.
	if block != 2 {
		t.Errorf("Expected 2 callbacks, got %v", block)
	}
}

func TestWaveRecorder_StateMachine(t *testing.T) {
	r := NewWaveRecorder(WaveRecorderConfig{Directory: t.TempDir(), SampleRate: 1000, Channels: 1})

	if err := r.StartRecording(0); err == nil {
		t.Error("Expected error recording from standby")
	}
	if err := r.StartReady(""); err == nil {
		t.Error("Expected error for an empty take name")
	}
	if err := r.StartReady("Take 1!"); err != nil {
		t.Fatalf("Failed to get ready: %v", err)
	}

	status, info := r.GetStatus()
	if status != StatusReady {
		t.Errorf("Expected READY, got %s", status)
	}
	if filepath.Base(info.OutputFile) != "Take_1.wav" {
		t.Errorf("Expected Take_1.wav, got %s", filepath.Base(info.OutputFile))
	}

	if err := r.CancelReady(); err != nil {
		t.Errorf("Failed to cancel: %v", err)
	}
	if _, err := r.Stop(false); err == nil {
		t.Error("Expected error stopping without a recording")
	}
}

func TestWaveRecorder_WritesFromPunchIn(t *testing.T) {
	dir := t.TempDir()
	r := NewWaveRecorder(WaveRecorderConfig{Directory: dir, SampleRate: 1000, Channels: 2, BitDepth: 16, MaxBlockSize: 100})

	if err := r.StartReady("take"); err != nil {
		t.Fatalf("Failed to get ready: %v", err)
	}
	if err := r.StartRecording(1.05); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}

	in := makeChannels(2, 100)
	for i := range in[0] {
		in[0][i] = 0.5
		in[1][i] = -0.5
	}
	r.Push(in, 100, 0.9) // before the punch-in
	r.Push(in, 100, 1.0) // last 50 samples
	r.Push(in, 100, 1.1)

	path, err := r.Stop(false)
	if err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}
	if r.Overruns() != 0 {
		t.Errorf("Expected no overruns, got %d", r.Overruns())
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open take: %v", err)
	}
	defer f.Close()

	buf, err := wav.NewDecoder(f).FullPCMBuffer()
	if err != nil {
		t.Fatalf("Failed to decode take: %v", err)
	}
	if got := buf.NumFrames(); got != 150 {
		t.Errorf("Expected 150 frames, got %d", got)
	}
	if buf.Format.NumChannels != 2 {
		t.Errorf("Expected 2 channels, got %d", buf.Format.NumChannels)
	}
	if buf.Data[0] != 16384 || buf.Data[1] != -16384 {
		t.Errorf("Unexpected first frame %d/%d", buf.Data[0], buf.Data[1])
	}

	status, _ := r.GetStatus()
	if status != StatusStandby {
		t.Errorf("Expected STANDBY, got %s", status)
	}
}

func TestWaveRecorder_DiscardRemovesFile(t *testing.T) {
	r := NewWaveRecorder(WaveRecorderConfig{Directory: t.TempDir(), SampleRate: 1000, Channels: 1})
	r.StartReady("take")
	r.StartRecording(0)
	_, info := r.GetStatus()

	path, err := r.Stop(true)
	if err != nil || path != "" {
		t.Fatalf("Expected a discarded take, got %q (%v)", path, err)
	}
	if _, err := os.Stat(info.OutputFile); !os.IsNotExist(err) {
		t.Error("Expected the take file to be deleted")
	}
}

func TestWaveRecorder_CountsOverruns(t *testing.T) {
	r := NewWaveRecorder(WaveRecorderConfig{Directory: t.TempDir(), SampleRate: 1000, Channels: 1, QueueBlocks: 1})
	r.StartReady("take")
	r.StartRecording(0)

	tk := r.current.Load()
	<-tk.free // hold the only buffer so the next push overruns

	r.Push(makeChannels(1, 10), 10, 0)
	if r.Overruns() != 1 {
		t.Errorf("Expected 1 overrun, got %d", r.Overruns())
	}

	tk.free <- &recBlock{data: makeChannels(1, 4096)}
	if _, err := r.Stop(true); err != nil {
		t.Errorf("Failed to stop: %v", err)
	}
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "take")
	if got := uniquePath(base, ".wav"); got != base+".wav" {
		t.Errorf("Expected %s, got %s", base+".wav", got)
	}
	os.WriteFile(base+".wav", nil, 0644)
	if got := uniquePath(base, ".wav"); got != base+"_2.wav" {
		t.Errorf("Expected %s, got %s", base+"_2.wav", got)
	}
}

func TestWaveRecorder_StopWritesInFlightBlock(t *testing.T) {
	r := NewWaveRecorder(WaveRecorderConfig{Directory: t.TempDir(), SampleRate: 1000, Channels: 1, BitDepth: 16})
	r.StartReady("take")
	r.StartRecording(0)

	// a Push that loaded the take just before Stop
	tk := r.current.Load()
	tk.pushing.Add(1)

	type result struct {
		path string
		err  error
	}
	stopped := make(chan result, 1)
	go func() {
		path, err := r.Stop(false)
		stopped <- result{path, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !tk.stopped.Load() {
		if time.Now().After(deadline) {
			t.Fatal("Expected Stop to mark the take stopped")
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case <-stopped:
		t.Fatal("Expected Stop to wait for the in-flight push")
	case <-time.After(20 * time.Millisecond):
	}

	r.enqueue(tk, makeChannels(1, 40), 0, 40)
	tk.pushing.Add(-1)

	var res result
	select {
	case res = <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Stop to return")
	}
	if res.err != nil {
		t.Fatalf("Failed to stop: %v", res.err)
	}

	f, err := os.Open(res.path)
	if err != nil {
		t.Fatalf("Failed to open take: %v", err)
	}
	defer f.Close()
	buf, err := wav.NewDecoder(f).FullPCMBuffer()
	if err != nil {
		t.Fatalf("Failed to decode take: %v", err)
	}
	if got := buf.NumFrames(); got != 40 {
		t.Errorf("Expected the in-flight block of 40 frames, got %d", got)
	}
}

func TestWaveRecorder_PushAfterStopIsCounted(t *testing.T) {
	r := NewWaveRecorder(WaveRecorderConfig{Directory: t.TempDir(), SampleRate: 1000, Channels: 1})
	r.StartReady("take")
	r.StartRecording(0)
	tk := r.current.Load()

	if _, err := r.Stop(true); err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}

	r.pushTake(tk, makeChannels(1, 10), 10, 0)
	if r.Overruns() != 1 {
		t.Errorf("Expected the late block to count as an overrun, got %d", r.Overruns())
	}
	if len(tk.blocks) != 0 {
		t.Errorf("Expected nothing queued on a stopped take, got %d blocks", len(tk.blocks))
	}
}
