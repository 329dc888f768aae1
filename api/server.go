// Package api exposes ingest, search and item management over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pablobfonseca/go-meal-vector/blobstore"
	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/pablobfonseca/go-meal-vector/ingest"
	"github.com/pablobfonseca/go-meal-vector/media"
	"github.com/pablobfonseca/go-meal-vector/metrics"
	"github.com/pablobfonseca/go-meal-vector/queue"
	"github.com/pablobfonseca/go-meal-vector/search"
	"github.com/pablobfonseca/go-meal-vector/worker"
	"github.com/rs/cors"
)

// TaskStore is the part of queue.Queue the server needs for async bulk jobs.
type TaskStore interface {
	worker.Enqueuer
	Status(ctx context.Context, taskID string) (queue.Status, error)
	Result(ctx context.Context, taskID string) (json.RawMessage, error)
}

// Deps are the services behind the routes. Tasks and Reporter may be nil.
type Deps struct {
	Ingest   *ingest.Service
	Search   *search.Service
	Media    *media.Service
	Blobs    blobstore.Store
	Tasks    TaskStore
	Reporter metrics.Reporter
}

type Config struct {
	Bucket         string
	Collection     string
	BulkCollection string
	MaxUpload      int64
	// UploadsDir is served under /uploads/ when set.
	UploadsDir string
	Location   *time.Location
}

type Server struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
}

func New(deps Deps, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = 10 << 20
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Server{deps: deps, cfg: cfg, logger: logger.With("component", "api")}
}

// Router registers every route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/ingest", s.ingestImage).Methods("POST")
	r.HandleFunc("/ingest/bulk", s.ingestBulk).Methods("POST")
	r.HandleFunc("/tasks/{id}", s.taskStatus).Methods("GET")
	r.HandleFunc("/search", s.searchImages).Methods("POST")
	r.HandleFunc("/search/bulk", s.searchBulk).Methods("POST")
	r.HandleFunc("/items/{id}", s.getItem).Methods("GET")
	r.HandleFunc("/items/{id}/image", s.getItemImage).Methods("GET")
	r.HandleFunc("/items/{id}", s.deleteItem).Methods("DELETE")
	r.HandleFunc("/audit", s.audit).Methods("GET")
	r.HandleFunc("/metrics/summary", s.metricsSummary).Methods("GET")

	if s.cfg.UploadsDir != "" {
		fs := http.FileServer(http.Dir(s.cfg.UploadsDir))
		r.PathPrefix("/uploads/").Handler(http.StripPrefix("/uploads/", fs))
	}
	return r
}

// Handler wraps the router with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.Router())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", metrics.Ms(time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error type to an HTTP status.
func statusFor(err error) int {
	switch {
	case errortypes.IsValidation(err):
		return http.StatusBadRequest
	case errortypes.IsConsistency(err):
		return http.StatusConflict
	case errortypes.IsNotFound(err):
		return http.StatusNotFound
	case errortypes.IsExternal(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// stageStatus maps the failed stage of a pipeline result to an HTTP status.
func stageStatus(stage string) int {
	switch stage {
	case metrics.StageValidate, metrics.StageBuildFilter:
		return http.StatusBadRequest
	case metrics.StageEnsureCollection, metrics.StageCheckCollection, "":
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		errortypes.LogError(s.logger, err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
