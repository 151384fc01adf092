package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/audiolibrelab/jamengine/internal/config"
	"github.com/audiolibrelab/jamengine/internal/device"
	"github.com/audiolibrelab/jamengine/internal/mix"
	"github.com/audiolibrelab/jamengine/internal/playback"
	"github.com/audiolibrelab/jamengine/internal/service"
	"github.com/audiolibrelab/jamengine/internal/transport"
)

type fakeService struct {
	cfg      *config.Config
	state    service.State
	position float64
	loop     [2]float64
	looping  bool
	muted    map[string]bool
	profile  string
	playErr  error
	loadErr  error
	mixed    int
}

func newFakeService(t *testing.T) *fakeService {
	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()
	return &fakeService{cfg: cfg, state: service.StateStopped, muted: map[string]bool{}}
}

func (f *fakeService) Play() error {
	if f.playErr != nil {
		return f.playErr
	}
	f.state = service.StatePlaying
	return nil
}

func (f *fakeService) Record() error {
	f.state = service.StateRecording
	return nil
}

func (f *fakeService) Stop(bool) error {
	f.state = service.StateStopped
	return nil
}

func (f *fakeService) SetPosition(seconds float64) error {
	f.position = seconds
	return nil
}

func (f *fakeService) SetLoop(start, end float64, enabled bool) error {
	if enabled && end-start < 0.01 {
		return transport.ErrLoopTooShort
	}
	f.loop = [2]float64{start, end}
	f.looping = enabled
	return nil
}

func (f *fakeService) Nudge(forward bool) error {
	if forward {
		f.position += 0.1
	} else {
		f.position -= 0.1
	}
	return nil
}

func (f *fakeService) Scrub(units float64) error {
	f.position += units * 0.05
	return nil
}

func (f *fakeService) SetTrackMuted(track string, muted bool) error {
	if track != "keys" {
		return errors.New("no track named " + track)
	}
	f.muted[track] = muted
	return nil
}

func (f *fakeService) Takes() []playback.Take {
	return []playback.Take{{Kind: playback.TakeAudio, Input: "vox", Path: "/tmp/take.wav", Length: 2}}
}

func (f *fakeService) Mix(context.Context) (mix.Result, error) {
	f.mixed++
	return mix.Result{File: filepath.Join(f.cfg.Output.Directory, "demo_mix.wav"), Frames: 100}, nil
}

func (f *fakeService) RunPipeline(context.Context, string) error { return nil }

func (f *fakeService) LoadProfile(profile string) error {
	if f.loadErr != nil {
		return f.loadErr
	}
	f.profile = profile
	return nil
}

func (f *fakeService) GetConfig() *config.Config { return f.cfg }

func (f *fakeService) Status() service.Status {
	return service.Status{
		State:    f.state,
		Position: f.position,
		Looping:  f.looping,
		Loop:     service.LoopStatus{Start: f.loop[0], End: f.loop[1]},
	}
}

func (f *fakeService) CPU() device.CPUStats { return device.CPUStats{Average: 0.25} }
func (f *fakeService) GetLastError() string { return "" }

func post(t *testing.T, h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return body
}

func TestTransportEndpoints(t *testing.T) {
	svc := newFakeService(t)
	h := New(svc, "", "0").Handler()

	rec := post(t, h, "/play", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from /play, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["success"] != true {
		t.Errorf("Expected success, got %v", body)
	}
	status := body["status"].(map[string]interface{})
	if status["state"] != string(service.StatePlaying) {
		t.Errorf("Expected state PLAYING in response, got %v", status["state"])
	}

	if rec := post(t, h, "/stop", url.Values{"discard": {"true"}}); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from /stop, got %d", rec.Code)
	}
	if svc.state != service.StateStopped {
		t.Errorf("Expected the service to be stopped, got %s", svc.state)
	}

	if rec := post(t, h, "/position", url.Values{"position": {"1:02.5"}}); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from /position, got %d", rec.Code)
	}
	if svc.position != 62.5 {
		t.Errorf("Expected position 62.5, got %g", svc.position)
	}

	if rec := post(t, h, "/nudge", url.Values{"direction": {"back"}}); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from /nudge, got %d", rec.Code)
	}
	if rec := post(t, h, "/scrub", url.Values{"units": {"2"}}); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from /scrub, got %d", rec.Code)
	}
	if diff := svc.position - 62.5; diff < -1e-9 || diff > 1e-9 {
		t.Errorf("Expected nudge back and scrub to cancel out, got %g", svc.position)
	}
}

func TestTransportEndpoints_Errors(t *testing.T) {
	svc := newFakeService(t)
	svc.playErr = transport.ErrNoArmedInputs
	h := New(svc, "", "0").Handler()

	rec := post(t, h, "/play", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 from a failed play, got %d", rec.Code)
	}
	if body := decode(t, rec); !strings.Contains(body["error"].(string), "no inputs are armed") {
		t.Errorf("Expected the error to be reported, got %v", body["error"])
	}

	if rec := get(t, h, "/play"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET /play, got %d", rec.Code)
	}
	if rec := post(t, h, "/position", url.Values{"position": {"soon"}}); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad position, got %d", rec.Code)
	}
	if rec := post(t, h, "/scrub", url.Values{"units": {"x"}}); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad scrub units, got %d", rec.Code)
	}
	if rec := post(t, h, "/loop", url.Values{"start": {"1"}, "end": {"1"}}); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 for a too short loop, got %d", rec.Code)
	}
}

func TestLoopEndpoint(t *testing.T) {
	svc := newFakeService(t)
	h := New(svc, "", "0").Handler()

	if rec := post(t, h, "/loop", url.Values{"start": {"4"}, "end": {"0:08"}}); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from /loop, got %d", rec.Code)
	}
	if !svc.looping || svc.loop != [2]float64{4, 8} {
		t.Errorf("Expected looping over 4-8, got %v %v", svc.looping, svc.loop)
	}

	if rec := post(t, h, "/loop", url.Values{"enabled": {"false"}}); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 disabling the loop, got %d", rec.Code)
	}
	if svc.looping {
		t.Error("Expected looping to be disabled")
	}
}

func TestMuteEndpoint(t *testing.T) {
	svc := newFakeService(t)
	h := New(svc, "", "0").Handler()

	if rec := post(t, h, "/mute", url.Values{"track": {"keys"}}); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from /mute, got %d", rec.Code)
	}
	if !svc.muted["keys"] {
		t.Error("Expected keys to be muted")
	}
	if rec := post(t, h, "/mute", url.Values{"track": {"keys"}, "muted": {"false"}}); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 unmuting, got %d", rec.Code)
	}
	if svc.muted["keys"] {
		t.Error("Expected keys to be unmuted")
	}

	if rec := post(t, h, "/mute", url.Values{"track": {"bass"}}); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown track, got %d", rec.Code)
	}
	if rec := post(t, h, "/mute", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without a track, got %d", rec.Code)
	}
}

func TestInfoEndpoints(t *testing.T) {
	svc := newFakeService(t)
	h := New(svc, "", "0").Handler()

	rec := get(t, h, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from /status, got %d", rec.Code)
	}
	if body := decode(t, rec); body["state"] != string(service.StateStopped) {
		t.Errorf("Expected state STOPPED, got %v", body["state"])
	}

	if body := decode(t, get(t, h, "/cpu")); body["average"] != 0.25 {
		t.Errorf("Expected average load 0.25, got %v", body)
	}

	takes := decode(t, get(t, h, "/takes"))["takes"].([]interface{})
	if len(takes) != 1 || takes[0].(map[string]interface{})["input"] != "vox" {
		t.Errorf("Expected the vox take, got %v", takes)
	}

	rec = post(t, h, "/mix", nil)
	if rec.Code != http.StatusOK || svc.mixed != 1 {
		t.Errorf("Expected /mix to render once, got %d with %d mixes", rec.Code, svc.mixed)
	}

	if rec := get(t, h, "/nowhere"); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown path, got %d", rec.Code)
	}
}

func TestFilesEndpoints(t *testing.T) {
	svc := newFakeService(t)
	dir := svc.cfg.Output.Directory
	for name, content := range map[string]string{
		"take_vox.wav": "RIFF",
		"demo_mix.wav": "RIFF....",
		"notes.txt":    "ignored",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
	h := New(svc, "", "0").Handler()

	rec := get(t, h, "/api/files")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from /api/files, got %d", rec.Code)
	}
	var files FilesResponse
	if err := json.NewDecoder(rec.Body).Decode(&files); err != nil {
		t.Fatalf("Failed to decode files: %v", err)
	}
	if files.TotalCount != 2 {
		t.Errorf("Expected 2 audio files, got %d", files.TotalCount)
	}

	rec = get(t, h, "/api/files/download/demo_mix.wav")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 downloading a mixdown, got %d", rec.Code)
	}
	if rec.Body.String() != "RIFF...." {
		t.Errorf("Unexpected download content %q", rec.Body.String())
	}

	if rec := get(t, h, "/api/files/download/notes.txt"); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an unsupported file, got %d", rec.Code)
	}
	if rec := get(t, h, "/api/files/download/missing.wav"); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for a missing file, got %d", rec.Code)
	}
}

func TestProfileEndpoints(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "jamengine.yaml")
	content := `
active_config: default
configs:
  default:
    audio:
      block_size: 256
  live:
    audio:
      block_size: 128
`
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	svc := newFakeService(t)
	srv := New(svc, configFile, "0")
	h := srv.Handler()

	var profiles ProfilesResponse
	if err := json.NewDecoder(get(t, h, "/config/profiles").Body).Decode(&profiles); err != nil {
		t.Fatalf("Failed to decode profiles: %v", err)
	}
	if len(profiles.Profiles) != 2 || profiles.Profiles[0] != "default" || profiles.Profiles[1] != "live" {
		t.Errorf("Expected profiles [default live], got %v", profiles.Profiles)
	}
	if profiles.ActiveProfile != "default" {
		t.Errorf("Expected active profile default, got %s", profiles.ActiveProfile)
	}

	if rec := post(t, h, "/config/select", url.Values{"profile": {"live"}}); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 selecting a profile, got %d", rec.Code)
	}
	if svc.profile != "live" {
		t.Errorf("Expected the service to load live, got %s", svc.profile)
	}
	if body := decode(t, get(t, h, "/config/active")); body["active_profile"] != "live" {
		t.Errorf("Expected active profile live, got %v", body["active_profile"])
	}
	if _, active, err := config.ListProfiles(configFile); err != nil || active != "live" {
		t.Errorf("Expected the selection saved to the config file, got %q (%v)", active, err)
	}

	svc.loadErr = transport.ErrRecording
	if rec := post(t, h, "/config/select", url.Values{"profile": {"default"}}); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 while recording, got %d", rec.Code)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.bytes); got != tt.expected {
			t.Errorf("formatBytes(%d) = %q, expected %q", tt.bytes, got, tt.expected)
		}
	}
}
