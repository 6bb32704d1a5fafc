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
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/audiolibrelab/replaycapture/internal/apperr"
	"github.com/audiolibrelab/replaycapture/internal/media"
	"github.com/audiolibrelab/replaycapture/internal/metrics"
	"github.com/audiolibrelab/replaycapture/internal/service"
)

const shutdownTimeout = 10 * time.Second

// CaptureService is what the HTTP surface drives.
type CaptureService interface {
	StartBuffering(ctx context.Context) error
	Trigger() error
	Stop()
	SetClipDuration(total int) error
	Status() service.StatusInfo
	Captures() []service.Capture
	ListArtifacts() ([]service.ArtifactInfo, error)
	Metrics() *metrics.Metrics
	MetricsHandler() http.Handler
}

// Server represents the HTTP control surface for the capture service
type Server struct {
	svc  CaptureService
	log  *slog.Logger
	port string
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

// ClipDurationRequest is the body of PUT /api/clip-duration
type ClipDurationRequest struct {
	TotalSeconds int `json:"total_seconds"`
}

// CapturesResponse lists delivered captures and the clips on disk
type CapturesResponse struct {
	Captures   []service.Capture      `json:"captures"`
	Files      []service.ArtifactInfo `json:"files"`
	TotalCount int                    `json:"total_count"`
}

// New creates a new web server instance
func New(svc CaptureService, port string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{svc: svc, log: log.With("component", "server"), port: port}
}

// Router returns the chi router with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.log))
	r.Use(metrics.RequestMiddleware(s.svc.Metrics()))

	r.Get("/metrics", s.svc.MetricsHandler().ServeHTTP)
	r.Route("/api", func(r chi.Router) {
		r.Post("/buffer/start", s.handleStartBuffering)
		r.Post("/trigger", s.handleTrigger)
		r.Post("/stop", s.handleStop)
		r.Put("/clip-duration", s.handleClipDuration)
		r.Get("/status", s.handleStatus)
		r.Get("/captures", s.handleCaptures)
		r.Get("/files/stream/{name}", s.handleFileStream)
	})
	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	localIP := getLocalIP()
	s.log.Info("Starting ReplayCapture control server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("Shutdown signal received, draining connections")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.log.Info("Server stopped")
	return nil
}

// handleStartBuffering starts the rolling buffer (IDLE -> BUFFERING)
func (s *Server) handleStartBuffering(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.StartBuffering(r.Context()); err != nil {
		s.sendError(w, err, "operation", "start_buffering")
		return
	}
	s.writeJSON(w, http.StatusAccepted, s.svc.Status())
}

// handleTrigger freezes the buffer and records the post window
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Trigger(); err != nil {
		s.sendError(w, err, "operation", "trigger")
		return
	}
	s.writeJSON(w, http.StatusAccepted, s.svc.Status())
}

// handleStop abandons the current session
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.svc.Stop()
	s.writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleClipDuration(w http.ResponseWriter, r *http.Request) {
	var req ClipDurationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, apperr.Wrap(apperr.CodeInvalidArgument, err, "invalid request body"), "operation", "clip_duration")
		return
	}
	if err := s.svc.SetClipDuration(req.TotalSeconds); err != nil {
		s.sendError(w, err, "operation", "clip_duration", "total_seconds", req.TotalSeconds)
		return
	}
	s.writeJSON(w, http.StatusOK, s.svc.Status())
}

// handleStatus returns the current status and session info
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleCaptures(w http.ResponseWriter, r *http.Request) {
	files, err := s.svc.ListArtifacts()
	if err != nil {
		s.sendError(w, err, "operation", "list_captures")
		return
	}
	captures := s.svc.Captures()
	s.writeJSON(w, http.StatusOK, CapturesResponse{
		Captures:   captures,
		Files:      files,
		TotalCount: len(files),
	})
}

// handleFileStream serves a clip from the output directory
func (s *Server) handleFileStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	// Validate filename (prevent path traversal)
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}

	filePath := filepath.Join(s.svc.Status().OutputDirectory, name)
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error accessing file", http.StatusInternalServerError)
		}
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || info.IsDir() {
		http.Error(w, "Error accessing file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", media.MIMEType)
	http.ServeContent(w, r, name, info.ModTime(), file)
}

// statusFor maps an error code to an HTTP status
func statusFor(err error) int {
	switch apperr.CodeOf(err) {
	case apperr.CodeInvalidState:
		return http.StatusConflict
	case apperr.CodePermission:
		return http.StatusForbidden
	case apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) sendError(w http.ResponseWriter, err error, logContext ...any) {
	statusCode := statusFor(err)
	code := apperr.CodeOf(err)
	if code == "" {
		code = apperr.CodeIO
	}

	logFields := []any{"error", err, "status_code", statusCode}
	logFields = append(logFields, logContext...)
	if statusCode >= http.StatusInternalServerError {
		s.log.Error("Request failed", logFields...)
	} else {
		s.log.Info("Request rejected", logFields...)
	}

	s.writeJSON(w, statusCode, ErrorResponse{Code: code, Message: apperr.MessageOf(err)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("Failed to write response", "error", err)
	}
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "localhost"
	}
	return localAddr.IP.String()
}
