package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"livewatch/internal/broadcast"
	"livewatch/internal/config"
	"livewatch/internal/models"
	"livewatch/internal/monitor"
	"livewatch/internal/report"
	"livewatch/internal/storage"
)

const (
	defaultTimelineHours = 24
	maxTimelineHours     = 30 * 24
	maxTimelinePoints    = 500
	defaultHistoryLimit  = 200
	maxHistoryLimit      = 5000
)

// StatusSource exposes the monitor loop's in-memory view.
type StatusSource interface {
	Snapshot() models.MetricsSnapshot
	History() []models.Verdict
	Latest() (models.Update, bool)
	Stats() monitor.Stats
}

// IntervalStore is the durable check_interval slot.
type IntervalStore interface {
	CheckInterval(ctx context.Context) (int, error)
	SetCheckInterval(ctx context.Context, seconds int) error
}

// LogFile returns the full monitored log.
type LogFile interface {
	ReadAll() ([]byte, error)
}

// Options configures the HTTP surface.
type Options struct {
	Addr           string
	Auth           config.AuthConfig
	AllowedOrigins []string
	WriteTimeout   time.Duration
	Now            func() time.Time
}

// Server wraps HTTP serving of the API and the live-update channel.
type Server struct {
	httpServer *http.Server
	opts       Options
	status     StatusSource
	intervals  IntervalStore
	hub        *broadcast.Broadcaster
	logs       LogFile
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	validate   *validator.Validate
}

// New creates a configured HTTP server for the monitor.
func New(opts Options, status StatusSource, intervals IntervalStore, hub *broadcast.Broadcaster, logs LogFile, logger *zap.Logger) *Server {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		opts:      opts,
		status:    status,
		intervals: intervals,
		hub:       hub,
		logs:      logs,
		logger:    logger,
		validate:  validator.New(),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	handler := chainMiddleware(mux,
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(opts.AllowedOrigins),
	)
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run blocks and serves HTTP traffic.
func (s *Server) Run() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts the server down. Hijacked websocket
// connections are not tracked by http.Server and are closed by the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /download-logs", s.requireAuth(s.handleDownloadLogs))
	mux.HandleFunc("GET /api/auth", s.requireAuth(s.handleAuth))
	mux.HandleFunc("GET /api/interval", s.requireAuth(s.handleGetInterval))
	mux.HandleFunc("PUT /api/interval", s.requireAuth(s.handleSetInterval))
	mux.HandleFunc("POST /api/interval", s.requireAuth(s.handleSetInterval))
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/timeline", s.handleTimeline)
	mux.HandleFunc("GET /api/uptime/chart.png", s.handleChart)
	mux.HandleFunc("GET /api/health", s.handleHealth)
}

func (s *Server) handleDownloadLogs(w http.ResponseWriter, _ *http.Request) {
	content, err := s.logs.ReadAll()
	if err != nil {
		s.logger.Error("download logs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Error downloading logs")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (s *Server) handleAuth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type intervalPayload struct {
	CheckInterval int `json:"check_interval" validate:"required,gt=0"`
}

func (s *Server) handleGetInterval(w http.ResponseWriter, r *http.Request) {
	seconds, err := s.intervals.CheckInterval(r.Context())
	if err != nil {
		s.logger.Error("read check interval failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Error reading check interval")
		return
	}
	writeJSON(w, http.StatusOK, intervalPayload{CheckInterval: seconds})
}

func (s *Server) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	var payload intervalPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := s.validate.Struct(payload); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "check_interval must be a positive integer")
		return
	}

	err := s.intervals.SetCheckInterval(r.Context(), payload.CheckInterval)
	switch {
	case errors.Is(err, storage.ErrInvalidInterval):
		writeError(w, http.StatusUnprocessableEntity, "check_interval must be a positive integer")
		return
	case err != nil:
		s.logger.Error("update check interval failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Error updating check interval")
		return
	}

	s.logger.Info("check interval updated", zap.Int("seconds", payload.CheckInterval))
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Snapshot())
}

// handleHistory returns the most recent verdicts, oldest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseBounded(r, "limit", defaultHistoryLimit, maxHistoryLimit)
	history := s.status.History()
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	hours := parseBounded(r, "hours", defaultTimelineHours, maxTimelineHours)
	points := parseBounded(r, "points", report.DefaultTimelinePoints, maxTimelinePoints)

	end := s.opts.Now().UTC()
	start := end.Add(-time.Duration(hours) * time.Hour)
	writeJSON(w, http.StatusOK, map[string]any{
		"start":  start,
		"end":    end,
		"points": report.BuildTimeline(s.status.History(), start, end, points),
	})
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	hours := parseBounded(r, "hours", defaultTimelineHours, maxTimelineHours)
	points := parseBounded(r, "points", report.DefaultTimelinePoints, maxTimelinePoints)

	end := s.opts.Now().UTC()
	start := end.Add(-time.Duration(hours) * time.Hour)

	var buf bytes.Buffer
	err := report.RenderUptimeChart(&buf, s.status.History(), start, end, points)
	switch {
	case errors.Is(err, report.ErrNotEnoughData):
		writeError(w, http.StatusNotFound, "Not enough data to render chart")
		return
	case err != nil:
		s.logger.Error("render chart failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Error rendering chart")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"observers": s.hub.Len(),
		"loop":      s.status.Stats(),
	})
}

func parseBounded(r *http.Request, key string, fallback, maximum int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
