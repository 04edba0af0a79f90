package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relgraph/internal/analyzer"
	"relgraph/internal/batch"
	"relgraph/internal/logger"
	"relgraph/pkg/models"
)

// Identity headers set by the upstream auth proxy.
const (
	HeaderUser         = "X-User"
	HeaderRole         = "X-User-Role"
	HeaderOperationTag = "X-Operation-Tag"

	RoleAdmin = "admin"
)

// RelationReader serves relation queries.
type RelationReader interface {
	List(ctx context.Context, relType string, limit int, operation int64) ([]models.Relation, error)
	ListByValue(ctx context.Context, relType, value string, operation int64) ([]models.Relation, error)
}

// FileStatusReader serves file status queries.
type FileStatusReader interface {
	List(ctx context.Context, operation int64) ([]models.FileStatusRecord, error)
	Get(ctx context.Context, filename string, operation int64) ([]models.FileStatusRecord, error)
	Stats(ctx context.Context) (models.FileStatusStats, error)
}

// Notifier accepts change notifications and maintenance triggers.
type Notifier interface {
	NotifyFieldUpdate(fu models.FieldUpdate) error
	TemplateUpdate(ctx context.Context) (analyzer.Result, error)
	Cleanup(ctx context.Context, days int) (int64, error)
	Spawn(fn func(ctx context.Context))
}

// Analyzer runs a full analysis pass.
type Analyzer interface {
	AnalyzeLogs(ctx context.Context, opts analyzer.Options) (analyzer.Result, error)
	Types() []string
}

// Config controls the router.
type Config struct {
	RequestTimeout time.Duration
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server holds the handlers' collaborators.
type Server struct {
	cfg       Config
	relations RelationReader
	files     FileStatusReader
	notifier  Notifier
	analyzer  Analyzer
	batches   *batch.Service
}

// NewServer creates the API server. batches may be nil.
func NewServer(cfg Config, relations RelationReader, files FileStatusReader, notifier Notifier, an Analyzer, batches *batch.Service) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{cfg: cfg, relations: relations, files: files, notifier: notifier, analyzer: an, batches: batches}
}

// Router builds the chi router with middleware and every route.
func (s *Server) Router() chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(s.cfg.RequestTimeout))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "relgraph"})
	})
	router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	router.Route("/relations", func(r chi.Router) {
		r.Get("/{type}", s.listRelations)
		r.Get("/{type}/{value}", s.relationsByValue)
	})
	router.Route("/file-status", func(r chi.Router) {
		r.Get("/", s.listFileStatus)
		r.Get("/{filename}", s.getFileStatus)
	})
	router.Route("/stats", func(r chi.Router) {
		r.Get("/file-status", s.fileStatusStats)
		r.Get("/batches", s.batchStats)
	})
	router.Route("/notify", func(r chi.Router) {
		r.Post("/field-update", s.fieldUpdate)
		r.Post("/template-update", s.templateUpdate)
	})
	router.Group(func(r chi.Router) {
		r.Use(RequireRole(RoleAdmin))
		r.Post("/analyze", s.analyze)
		r.Post("/cleanup", s.cleanup)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return router
}

// LoggerMiddleware logs each request through the service logger.
func LoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			logger.Debugf("HTTP %s %s status=%d user=%q duration=%s request_id=%s",
				r.Method, r.URL.Path, ww.Status(), r.Header.Get(HeaderUser), time.Since(start),
				middleware.GetReqID(r.Context()))
		}()
		next.ServeHTTP(ww, r)
	})
}

// RequireRole rejects requests whose identity header lacks role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.EqualFold(strings.TrimSpace(r.Header.Get(HeaderRole)), role) {
				writeError(w, http.StatusForbidden, role+" role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// operationScope reads the operation filter from the query string, falling
// back to the identity header. Zero means unscoped.
func operationScope(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("operation"))
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get(HeaderOperationTag))
	}
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, errBadRequest("operation must be a non-negative integer")
	}
	return id, nil
}
