package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/catalog"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/database"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/eventlog"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/logging"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/supervisor"
)

const DefaultTokenHeader = "X-API-Token"

// Supervisor is the part of supervisor.Supervisor the API serves.
type Supervisor interface {
	Types() []catalog.TypeDescriptor
	ListConfigs() map[string]honeypot.Config
	GetConfig(id string) (honeypot.Config, error)
	SaveConfig(cfg honeypot.Config) (string, error)
	Delete(id string) error
	Start(id string) (supervisor.RunningInstance, error)
	Stop(id string) error
	Status() supervisor.Status
	ReadLogs(id string, n int) ([]string, error)
	DownloadLogs(id string) (io.ReadCloser, error)
	Events(id string, limit int) ([]honeypot.Event, error)
	Stats(id string) (database.EventStats, error)
}

// RequestRecorder receives one observation per API request.
type RequestRecorder interface {
	RecordHTTPRequest(method, path string, status int, duration time.Duration)
}

type Options struct {
	// Token enables authentication when non-empty.
	Token       string
	TokenHeader string
	Metrics     RequestRecorder
	// MetricsHandler is mounted at MetricsPath when set.
	MetricsHandler http.Handler
	MetricsPath    string
	// Health adds extra fields to /api/health.
	Health func() map[string]interface{}
}

type APIServer struct {
	listenAddr string
	sup        Supervisor
	opts       Options
	mux        *http.ServeMux
	srv        *http.Server
}

func NewAPIServer(listenAddr string, sup Supervisor, opts Options) *APIServer {
	if opts.TokenHeader == "" {
		opts.TokenHeader = DefaultTokenHeader
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	s := &APIServer{
		listenAddr: listenAddr,
		sup:        sup,
		opts:       opts,
		mux:        http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *APIServer) routes() {
	s.handle("GET /api/health", s.handleHealth, false)
	s.handle("GET /api/types", s.handleTypes, true)
	s.handle("GET /api/configs", s.handleListConfigs, true)
	s.handle("POST /api/configs", s.handleSaveConfig, true)
	s.handle("GET /api/configs/{id}", s.handleGetConfig, true)
	s.handle("DELETE /api/configs/{id}", s.handleDeleteConfig, true)
	s.handle("POST /api/instances/{id}/start", s.handleStart, true)
	s.handle("POST /api/instances/{id}/stop", s.handleStop, true)
	s.handle("GET /api/status", s.handleStatus, true)
	s.handle("GET /api/instances/{id}/logs", s.handleLogs, true)
	s.handle("GET /api/instances/{id}/logs/download", s.handleDownload, true)
	s.handle("GET /api/instances/{id}/events", s.handleEvents, true)
	s.handle("GET /api/instances/{id}/stats", s.handleStats, true)
	if s.opts.MetricsHandler != nil {
		s.mux.Handle("GET "+s.opts.MetricsPath, s.opts.MetricsHandler)
	}
}

func (s *APIServer) handle(pattern string, h http.HandlerFunc, auth bool) {
	if auth {
		h = s.authMiddleware(h)
	}
	s.mux.HandleFunc(pattern, s.metricsMiddleware(pattern, s.corsMiddleware(h)))
}

// Handler exposes the router, mostly for tests.
func (s *APIServer) Handler() http.Handler {
	return s.mux
}

// Start serves until Shutdown is called.
func (s *APIServer) Start() error {
	s.srv = &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logging.Info("[API] Listening on %s", s.listenAddr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *APIServer) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+s.opts.TokenHeader)
		next(w, r)
	}
}

func (s *APIServer) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token != "" && r.Header.Get(s.opts.TokenHeader) != s.opts.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"success": false, "error": "invalid or missing API token"})
			return
		}
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *APIServer) metricsMiddleware(pattern string, next http.HandlerFunc) http.HandlerFunc {
	if s.opts.Metrics == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.opts.Metrics.RecordHTTPRequest(r.Method, pattern, rec.status, time.Since(start))
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps supervisor errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, honeypot.ErrConfigNotFound), errors.Is(err, honeypot.ErrLogNotFound):
		status = http.StatusNotFound
	case errors.Is(err, honeypot.ErrAlreadyRunning),
		errors.Is(err, honeypot.ErrNotRunning),
		errors.Is(err, honeypot.ErrBindFailure):
		status = http.StatusConflict
	case errors.Is(err, honeypot.ErrInvalidConfig), errors.Is(err, honeypot.ErrUnknownType):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logging.Error("[API] %v", err)
	}
	writeJSON(w, status, map[string]interface{}{"success": false, "error": err.Error()})
}

func intParam(r *http.Request, name string, def, max int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= max {
			return parsed
		}
	}
	return def
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if s.opts.Health != nil {
		for k, v := range s.opts.Health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *APIServer) handleTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Types())
}

func (s *APIServer) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.ListConfigs())
}

func (s *APIServer) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.sup.GetConfig(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *APIServer) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var cfg honeypot.Config
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(&cfg); err != nil {
		writeError(w, fmt.Errorf("%w: %v", honeypot.ErrInvalidConfig, err))
		return
	}
	id, err := s.sup.SaveConfig(cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "honeypot_id": id})
}

func (s *APIServer) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Delete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *APIServer) handleStart(w http.ResponseWriter, r *http.Request) {
	ri, err := s.sup.Start(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "instance": ri})
}

func (s *APIServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Stop(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Status())
}

func (s *APIServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	lines, err := s.sup.ReadLogs(id, intParam(r, "lines", eventlog.DefaultTailLines, 10000))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "honeypot_id": id, "logs": lines})
}

func (s *APIServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rc, err := s.sup.DownloadLogs(id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+"_logs.txt"))
	if _, err := io.Copy(w, rc); err != nil {
		logging.Warn("[API] Download of %s interrupted: %v", id, err)
	}
}

func (s *APIServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.sup.Events(r.PathValue("id"), intParam(r, "limit", 100, 1000))
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []honeypot.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sup.Stats(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
