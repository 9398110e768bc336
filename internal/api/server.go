package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelprompt/internal/pipeline"
	"github.com/dunamismax/pixelprompt/internal/queue"
	"github.com/dunamismax/pixelprompt/internal/ratelimit"
	"github.com/dunamismax/pixelprompt/internal/store"
)

const (
	defaultPresignTTL   = 15 * time.Minute
	defaultUserIDHeader = "X-User-ID"
	maxJSONBodyBytes    = 1 << 20
)

type queueEnqueuer interface {
	EnqueueEditImage(ctx context.Context, payload queue.EditImagePayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	DeleteObjects(ctx context.Context, objectKeys ...string) error
}

type Options struct {
	Logger      logrus.FieldLogger
	Editor      *pipeline.Editor
	Queue       queueEnqueuer
	Edits       store.EditStore
	Storage     objectStorage
	RateLimiter ratelimit.Limiter
	Tracer      trace.Tracer

	PresignTTL     time.Duration
	UserIDHeader   string
	AllowedOrigins []string
	// LocalInputDir confines local_file object keys. Empty leaves them unconfined.
	LocalInputDir string
}

type Server struct {
	logger       logrus.FieldLogger
	editor       *pipeline.Editor
	queueClient  queueEnqueuer
	edits        store.EditStore
	storage      objectStorage
	rateLimiter  ratelimit.Limiter
	tracer       trace.Tracer
	metrics      *metrics
	presignTTL   time.Duration
	userIDHeader string
	localRoot    string
	router       chi.Router
}

func NewServer(opts Options) (*Server, error) {
	if opts.Editor == nil {
		return nil, errors.New("editor is required")
	}
	if opts.Edits == nil {
		return nil, errors.New("edit store is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Queue == nil {
		opts.Queue = unavailableQueue{}
	}
	if opts.Storage == nil {
		opts.Storage = unavailableObjectStorage{}
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = defaultPresignTTL
	}
	if strings.TrimSpace(opts.UserIDHeader) == "" {
		opts.UserIDHeader = defaultUserIDHeader
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		logger:       opts.Logger,
		editor:       opts.Editor,
		queueClient:  opts.Queue,
		edits:        opts.Edits,
		storage:      opts.Storage,
		rateLimiter:  opts.RateLimiter,
		tracer:       opts.Tracer,
		metrics:      newMetrics(),
		presignTTL:   opts.PresignTTL,
		userIDHeader: opts.UserIDHeader,
		localRoot:    opts.LocalInputDir,
	}
	s.routes(opts.AllowedOrigins)
	return s, nil
}

type unavailableQueue struct{}

func (unavailableQueue) EnqueueEditImage(context.Context, queue.EditImagePayload) (*asynq.TaskInfo, error) {
	return nil, errors.New("queue is unavailable")
}

type unavailableObjectStorage struct{}

var errStorageUnavailable = errors.New("object storage is unavailable")

func (unavailableObjectStorage) PresignedPutURL(context.Context, string, time.Duration) (string, error) {
	return "", errStorageUnavailable
}

func (unavailableObjectStorage) ObjectExists(context.Context, string) (bool, error) {
	return false, errStorageUnavailable
}

func (unavailableObjectStorage) WriteObject(context.Context, string, []byte, string) error {
	return errStorageUnavailable
}

func (unavailableObjectStorage) DeleteObjects(context.Context, ...string) error {
	return errStorageUnavailable
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(allowedOrigins []string) {
	r := chi.NewRouter()
	r.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID", s.userIDHeader},
			ExposedHeaders: []string{"Retry-After", "X-RateLimit-Remaining"},
			MaxAge:         300,
		}),
		s.withTracing,
		s.metrics.withHTTPMetrics,
	)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/keywords", s.handleKeywords)

		r.With(s.withRateLimit("/v1/edits", editCost)).Post("/edits", s.handleEdit)

		r.With(s.withRateLimit("/v1/jobs", 1)).Post("/jobs", s.handleCreateJob)
		r.With(s.withRateLimit("/v1/jobs/{id}/start", 1)).Post("/jobs/{id}/start", s.handleStartJob)
		r.Get("/jobs/{id}", s.handleGetJob)

		r.Get("/history", s.handleListHistory)
		r.Get("/history/{id}", s.handleGetHistory)
		r.With(s.withRateLimit("/v1/history/{id}", 1)).Delete("/history/{id}", s.handleDeleteHistory)
		r.With(s.withRateLimit("/v1/history", 1)).Delete("/history", s.handleClearHistory)
	})

	s.router = r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleKeywords(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"keywords":   s.editor.Keywords(),
		"version":    s.editor.RulesVersion(),
		"model_used": s.editor.ModelLabel(),
	})
}

// userID is the identity set by the fronting gateway, or "".
func (s *Server) userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(s.userIDHeader))
}

func decodeJSON(body io.Reader, limit int64, into any) error {
	decoder := json.NewDecoder(io.LimitReader(body, limit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestID(r *http.Request) string {
	return chimw.GetReqID(r.Context())
}
