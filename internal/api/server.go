// Package api exposes the HTTP interface for the image batch service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imgbatch/imgbatch/internal/config"
	"github.com/imgbatch/imgbatch/internal/dispatcher"
	"github.com/imgbatch/imgbatch/internal/manifest"
	"github.com/imgbatch/imgbatch/internal/metrics"
	"github.com/imgbatch/imgbatch/internal/middleware"
	"github.com/imgbatch/imgbatch/internal/pipeline"
)

const maxManifestMemory = 8 << 20

// Server wires HTTP handlers to the dispatcher and store.
type Server struct {
	router     chi.Router
	store      pipeline.Store
	dispatcher *dispatcher.Dispatcher
	idGen      pipeline.IDGenerator
	clock      pipeline.Clock
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store pipeline.Store,
	dispatcher *dispatcher.Dispatcher,
	idGen pipeline.IDGenerator,
	clock pipeline.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		store:      store,
		dispatcher: dispatcher,
		idGen:      idGen,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(middleware.Metrics)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/requests", func(r chi.Router) {
			r.Post("/", s.submitRequest)
			r.Route("/{request_id}", func(r chi.Router) {
				r.Get("/status", s.getRequestStatus)
				r.Get("/output", s.getRequestOutput)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// A store round trip proves the persistence layer is reachable.
	if _, err := s.store.GetRequest(r.Context(), "readyz-probe"); err != nil && !errors.Is(err, pipeline.ErrNotFound) {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitRequest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxManifestMemory); err != nil {
		s.writeError(w, http.StatusBadRequest, "expected multipart form")
		return
	}

	file, header, err := r.FormFile("manifest")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "manifest file is required")
		return
	}
	defer file.Close()

	webhookURL := strings.TrimSpace(r.FormValue("webhook_url"))
	if webhookURL != "" && !strings.HasPrefix(webhookURL, "http://") && !strings.HasPrefix(webhookURL, "https://") {
		s.writeError(w, http.StatusBadRequest, "webhook_url must be an http or https URL")
		return
	}

	rows, err := manifest.Parse(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid manifest: %v", err))
		return
	}

	requestID, err := s.enqueueRequest(r.Context(), header.Filename, webhookURL, rows)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"request_id": requestID})
}

func (s *Server) getRequestStatus(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	req, err := s.store.GetRequest(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load request")
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{
		RequestID:   req.ID,
		Status:      string(req.Status),
		SourceName:  req.SourceName,
		SubmittedAt: req.SubmittedAt,
		FinishedAt:  req.FinishedAt,
	})
}

type statusResponse struct {
	RequestID   string     `json:"request_id"`
	Status      string     `json:"status"`
	SourceName  string     `json:"source_name,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func (s *Server) getRequestOutput(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	req, err := s.store.GetRequest(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "request not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load request")
		return
	}
	if req.Status != pipeline.StatusCompleted {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("request is %s", req.Status))
		return
	}

	records, err := s.store.GetImageRecords(r.Context(), requestID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load image records")
		return
	}
	csv, err := manifest.Render(records)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to render output manifest")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", requestID+".csv"))
	if _, err := w.Write(csv); err != nil {
		s.logger.Error("write output manifest failed", zap.Error(err))
	}
}

func (s *Server) enqueueRequest(ctx context.Context, sourceName, webhookURL string, rows []pipeline.Row) (string, error) {
	requestID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate request id: %w", err)
	}
	now := s.clock.Now()
	req := pipeline.Request{
		ID:          requestID,
		SourceName:  sourceName,
		Status:      pipeline.StatusProcessing,
		WebhookURL:  webhookURL,
		SubmittedAt: now,
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	item := pipeline.QueueItem{
		RequestID:  requestID,
		SourceName: sourceName,
		WebhookURL: webhookURL,
		Rows:       rows,
		Submitted:  now.Unix(),
	}
	if err := s.dispatcher.Enqueue(queueCtx, item); err != nil {
		// Best effort; the request must not stay processing forever.
		if ferr := s.store.SetRequestStatus(ctx, requestID, pipeline.StatusFailed); ferr != nil {
			s.logger.Error("mark unqueued request failed",
				zap.String("request_id", requestID),
				zap.Error(ferr),
			)
		}
		return "", fmt.Errorf("enqueue request: %w", err)
	}
	return requestID, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
