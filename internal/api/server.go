// Package api serves the local HTTP API of the sync daemon: queue
// inspection, enqueueing, forced syncs and a websocket status stream.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/slopeside/slopeside/internal/metrics"
	"github.com/slopeside/slopeside/internal/offline"
	"github.com/slopeside/slopeside/internal/security"
)

// maxBodyBytes bounds the size of an enqueue request.
const maxBodyBytes = 1 << 20

// Queue is the subset of *offline.Queue the API drives.
type Queue interface {
	Status() offline.Status
	Pending(ctx context.Context) ([]offline.QueuedAction, error)
	Enqueue(ctx context.Context, p offline.Payload) (offline.QueuedAction, error)
	Clear(ctx context.Context) error
	SyncNow(ctx context.Context) (offline.PassSummary, error)
	ForceSync() bool
	Watch() *offline.StatusWatch
}

// Server is the HTTP API server
type Server struct {
	port       int
	queue      Queue
	jwtSecret  []byte
	logger     *slog.Logger
	httpServer *http.Server
	startedAt  time.Time
	metrics    http.Handler
}

// NewServer creates a new API server. A nil secret disables authentication.
func NewServer(port int, queue Queue, secret []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:      port,
		queue:     queue,
		jwtSecret: secret,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// SetMetricsHandler mounts h at /metrics. Call before Start.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// routes are the fixed paths used as the metrics route label.
var routes = map[string]bool{
	"/api/status":    true,
	"/api/status/ws": true,
	"/api/queue":     true,
	"/api/sync":      true,
	"/metrics":       true,
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/ws", s.handleStatusWS)
	mux.HandleFunc("/api/queue", s.handleQueue)
	mux.HandleFunc("/api/sync", s.handleSync)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	auth := security.AuthMiddleware(s.jwtSecret, s.logger)
	return s.corsMiddleware(s.loggingMiddleware(auth(mux)))
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// Sync requests wait for a whole pass; the status stream never ends.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "port", s.port, "auth", s.jwtSecret != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loggingMiddleware logs HTTP requests and records their latency.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		duration := time.Since(start)

		route := r.URL.Path
		if !routes[route] {
			route = "unknown"
		}
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).
			Observe(duration.Seconds())

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration", duration,
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the status websocket take over the connection.
func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		rw.statusCode = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("response writer does not support hijacking")
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	offline.Status
	UptimeSec int64 `json:"uptimeSec"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:    s.queue.Status(),
		UptimeSec: int64(time.Since(s.startedAt).Seconds()),
	})
}

// EnqueueRequest is the body of POST /api/queue.
type EnqueueRequest struct {
	Kind    offline.Kind    `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// QueueResponse is returned by GET /api/queue.
type QueueResponse struct {
	Count   int                    `json:"count"`
	Actions []offline.QueuedAction `json:"actions"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		actions, err := s.queue.Pending(r.Context())
		if err != nil {
			s.logger.Error("list pending actions", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if actions == nil {
			actions = []offline.QueuedAction{}
		}
		writeJSON(w, http.StatusOK, QueueResponse{Count: len(actions), Actions: actions})

	case http.MethodPost:
		s.handleEnqueue(w, r)

	case http.MethodDelete:
		if err := s.queue.Clear(r.Context()); err != nil {
			s.logger.Error("clear queue", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "queue cleared"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !req.Kind.Known() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action kind %q", req.Kind))
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	payload, err := offline.DecodePayload(req.Kind, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}

	action, err := s.queue.Enqueue(r.Context(), payload)
	switch {
	case errors.Is(err, offline.ErrStorage):
		s.logger.Error("enqueue failed", "kind", req.Kind, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, action)
}

// handleSync runs a pass and returns its summary. With ?wait=false it only
// starts one in the background.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if r.URL.Query().Get("wait") == "false" {
		started := s.queue.ForceSync()
		writeJSON(w, http.StatusAccepted, map[string]bool{"started": started})
		return
	}

	summary, err := s.queue.SyncNow(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
