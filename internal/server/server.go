package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/jamengine/internal/config"
	"github.com/audiolibrelab/jamengine/internal/service"
	"github.com/audiolibrelab/jamengine/internal/transport"
)

// Server is the HTTP remote control of a running engine.
type Server struct {
	service    service.Service
	configFile string
	port       string

	mu            sync.RWMutex
	activeProfile string
}

// FileInfo contains information about a recorded or mixed file
type FileInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	ModTime      time.Time `json:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human"`
	Extension    string    `json:"extension"`
	DownloadURL  string    `json:"download_url"`
}

// FilesResponse represents the JSON response for files endpoint
type FilesResponse struct {
	Files           []FileInfo `json:"files"`
	TotalCount      int        `json:"total_count"`
	OutputDirectory string     `json:"output_directory"`
}

// ProfilesResponse represents the JSON response for the profiles endpoint
type ProfilesResponse struct {
	Profiles      []string `json:"profiles"`
	ActiveProfile string   `json:"active_profile"`
}

var fileExtensions = map[string]bool{"wav": true, "mid": true}

// New creates a server controlling svc.
func New(svc service.Service, configFile string, port string) *Server {
	s := &Server{
		service:    svc,
		configFile: configFile,
		port:       port,
	}
	if cfg := svc.GetConfig(); cfg != nil && cfg.Inheritance != nil {
		s.activeProfile = cfg.Inheritance.Profile
	}
	return s
}

// Handler returns the routes of the remote.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/play", s.handlePlay)
	mux.HandleFunc("/record", s.handleRecord)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/position", s.handlePosition)
	mux.HandleFunc("/loop", s.handleLoop)
	mux.HandleFunc("/nudge", s.handleNudge)
	mux.HandleFunc("/scrub", s.handleScrub)
	mux.HandleFunc("/mute", s.handleMute)
	mux.HandleFunc("/cpu", s.handleCPU)
	mux.HandleFunc("/takes", s.handleTakes)
	mux.HandleFunc("/mix", s.handleMix)
	mux.HandleFunc("/config/profiles", s.handleProfiles)
	mux.HandleFunc("/config/select", s.handleSelectProfile)
	mux.HandleFunc("/config/active", s.handleActiveProfile)
	mux.HandleFunc("/api/files", s.handleFiles)
	mux.HandleFunc("/api/files/download/", s.handleFileDownload)
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	localIP := getLocalIP()
	slog.Info("Starting JamEngine remote",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// handleIndex serves a short description of the API
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>JamEngine</title>
</head>
<body>
    <h1>JamEngine</h1>
    <h2>API Endpoints:</h2>
    <ul>
        <li>GET /status - Transport, sync and disk status</li>
        <li>POST /play, /record, /stop (discard=true) - Transport</li>
        <li>POST /position (position=1:02.5) - Locate</li>
        <li>POST /loop (start, end, enabled) - Loop range</li>
        <li>POST /nudge (direction=forward|back), /scrub (units)</li>
        <li>POST /mute (track, muted) - Track mutes</li>
        <li>POST /mix - Render the arrangement</li>
        <li>GET /config/profiles, POST /config/select (profile)</li>
        <li>GET /api/files - Recordings and mixdowns</li>
    </ul>
</body>
</html>`

// handleStatus returns the engine status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, s.service.Status())
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	s.respond(w, "play", s.service.Play(), "Playing")
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	s.respond(w, "record", s.service.Record(), "Recording")
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) || !s.parseForm(w, r) {
		return
	}
	discard := r.FormValue("discard") == "true"
	message := "Stopped"
	if discard {
		message = "Stopped, recording discarded"
	}
	s.respond(w, "stop", s.service.Stop(discard), message)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) || !s.parseForm(w, r) {
		return
	}
	pos, err := service.ParsePosition(r.FormValue("position"))
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "position")
		return
	}
	s.respond(w, "position", s.service.SetPosition(pos), "Moved to "+service.FormatPosition(pos))
}

func (s *Server) handleLoop(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) || !s.parseForm(w, r) {
		return
	}

	enabled := r.FormValue("enabled") != "false"
	var start, end float64
	if v := r.FormValue("start"); v != "" {
		p, err := service.ParsePosition(v)
		if err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "loop")
			return
		}
		start = p
	}
	if v := r.FormValue("end"); v != "" {
		p, err := service.ParsePosition(v)
		if err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "loop")
			return
		}
		end = p
	}

	message := "Loop disabled"
	if enabled {
		message = fmt.Sprintf("Looping %s - %s", service.FormatPosition(start), service.FormatPosition(end))
	}
	s.respond(w, "loop", s.service.SetLoop(start, end, enabled), message)
}

func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) || !s.parseForm(w, r) {
		return
	}
	forward := r.FormValue("direction") != "back"
	s.respond(w, "nudge", s.service.Nudge(forward), "Nudged")
}

func (s *Server) handleScrub(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) || !s.parseForm(w, r) {
		return
	}
	units, err := strconv.ParseFloat(r.FormValue("units"), 64)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid scrub units", "operation", "scrub")
		return
	}
	s.respond(w, "scrub", s.service.Scrub(units), "Scrubbed")
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) || !s.parseForm(w, r) {
		return
	}
	track := r.FormValue("track")
	if track == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Missing track", "operation", "mute")
		return
	}
	muted := r.FormValue("muted") != "false"

	if err := s.service.SetTrackMuted(track, muted); err != nil {
		s.sendErrorResponse(w, http.StatusNotFound, err.Error(), "operation", "mute", "track", track)
		return
	}
	state := "unmuted"
	if muted {
		state = "muted"
	}
	writeJSON(w, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Track %s %s", track, state),
	})
}

func (s *Server) handleCPU(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, s.service.CPU())
}

func (s *Server) handleTakes(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, map[string]interface{}{"takes": s.service.Takes()})
}

func (s *Server) handleMix(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	res, err := s.service.Mix(r.Context())
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Mixing failed: %v", err), "operation", "mix")
		return
	}
	writeJSON(w, map[string]interface{}{
		"success": true,
		"message": "Mixed " + filepath.Base(res.File),
		"mix":     res,
	})
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	profiles, active, err := config.ListProfiles(s.configFile)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list profiles: %v", err), "operation", "profiles")
		return
	}
	sort.Strings(profiles)
	writeJSON(w, ProfilesResponse{Profiles: profiles, ActiveProfile: active})
}

// handleSelectProfile switches the engine to another profile and saves the
// selection to the config file.
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) || !s.parseForm(w, r) {
		return
	}

	profile := r.FormValue("profile")
	slog.Debug("Profile selection request", "profile", profile)
	if profile == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Missing profile", "operation", "profile_selection")
		return
	}

	if err := s.service.LoadProfile(profile); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, transport.ErrRecording) {
			status = http.StatusConflict
		}
		s.sendErrorResponse(w, status, err.Error(), "profile", profile, "operation", "profile_selection")
		return
	}

	if err := config.UpdateActiveConfig(s.configFile, profile); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to save profile selection to config file: %v", err),
			"profile", profile, "operation", "profile_selection")
		return
	}

	s.mu.Lock()
	s.activeProfile = profile
	s.mu.Unlock()

	slog.Info("Profile changed", "profile", profile)
	writeJSON(w, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Profile changed to %s", profile),
		"profile": profile,
	})
}

// handleActiveProfile returns the currently active profile
func (s *Server) handleActiveProfile(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	s.mu.RLock()
	active := s.activeProfile
	s.mu.RUnlock()

	writeJSON(w, map[string]interface{}{
		"active_profile": active,
		"success":        true,
	})
}

// handleFiles lists the takes and mixdowns in the output directory
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}

	outputDir := s.service.GetConfig().Output.Directory
	if outputDir == "" {
		s.sendErrorResponse(w, http.StatusInternalServerError, "No output directory configured", "operation", "files")
		return
	}

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to read output directory: %v", err), "operation", "files")
		return
	}

	files := []FileInfo{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(entry.Name())), ".")
		if !fileExtensions[ext] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			slog.Warn("Failed to get file info", "file", entry.Name(), "error", err)
			continue
		}
		files = append(files, FileInfo{
			Name:         entry.Name(),
			Size:         info.Size(),
			SizeHuman:    formatBytes(info.Size()),
			ModTime:      info.ModTime(),
			ModTimeHuman: info.ModTime().Format("2006-01-02 15:04:05"),
			Extension:    ext,
			DownloadURL:  "/api/files/download/" + entry.Name(),
		})
	}

	// Newest first
	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})

	writeJSON(w, FilesResponse{
		Files:           files,
		TotalCount:      len(files),
		OutputDirectory: outputDir,
	})
}

// handleFileDownload sends a file from the output directory
func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/files/download/")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		http.Error(w, "Invalid file name", http.StatusBadRequest)
		return
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if !fileExtensions[ext] {
		http.Error(w, "Unsupported file type", http.StatusBadRequest)
		return
	}

	path := filepath.Join(s.service.GetConfig().Output.Directory, name)
	if _, err := os.Stat(path); err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}

func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   "Method not allowed",
	})
	return false
}

func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form")
		return false
	}
	return true
}

// respond reports the outcome of a transport operation.
func (s *Server) respond(w http.ResponseWriter, operation string, err error, message string) {
	if err != nil {
		s.sendErrorResponse(w, http.StatusConflict,
			fmt.Sprintf("Failed to %s: %v", operation, err), "operation", operation)
		return
	}
	writeJSON(w, map[string]interface{}{
		"success": true,
		"message": message,
		"status":  s.service.Status(),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
