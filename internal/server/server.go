// Package server is the JSON HTTP surface. Handlers validate and decode,
// delegate to the service layer, and render one error envelope for every
// failure kind.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/service"
	"github.com/tabulahq/tabula/internal/staging"
	"github.com/tabulahq/tabula/internal/storage"
)

// Config tunes the HTTP layer.
type Config struct {
	MaxUploadBytes   int64
	UploadRatePerMin int
	DefaultBranch    string
}

// Server carries the handler dependencies.
type Server struct {
	svc    *service.Service
	store  *storage.Store
	ledger *staging.Ledger
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New wires a Server. The staging ledger may be nil, which disables the
// upload endpoint.
func New(svc *service.Service, store *storage.Store, ledger *staging.Ledger, cfg Config) *Server {
	if cfg.UploadRatePerMin <= 0 {
		cfg.UploadRatePerMin = 30
	}
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}
	return &Server{
		svc:      svc,
		store:    store,
		ledger:   ledger,
		cfg:      cfg,
		logger:   slog.Default().With("component", "http"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Router builds the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/datasets", func(r chi.Router) {
			r.Post("/", s.handleCreateDataset)
			r.Get("/", s.handleListDatasets)

			r.Route("/{datasetID}", func(r chi.Router) {
				r.Get("/", s.handleGetDataset)
				r.Patch("/", s.handleUpdateDataset)
				r.Delete("/", s.handleDeleteDataset)

				r.Get("/permissions", s.handleListPermissions)
				r.Post("/permissions", s.handleGrantPermission)
				r.Delete("/permissions/{userID}", s.handleRevokePermission)

				r.Get("/refs", s.handleListRefs)
				r.Post("/refs", s.handleCreateRef)
				r.Delete("/refs/*", s.handleDeleteRef)

				r.Get("/history", s.handleHistory)
				r.Get("/commits/{commitID}", s.handleGetCommit)
				r.Get("/checkout", s.handleCheckout)
				r.Get("/schema", s.handleCommitSchema)
				r.Get("/stats", s.handleCommitStats)

				r.Get("/tables", s.handleListTables)
				r.Get("/tables/{tableKey}/data", s.handleTableData)
				r.Get("/tables/{tableKey}/schema", s.handleTableSchema)

				r.Post("/import", s.handleImport)
				r.Post("/sampling", s.handleSampling)
				r.Post("/exploration", s.handleExploration)

				r.Get("/jobs", s.handleListJobs)
			})
		})

		r.Post("/transforms", s.handleTransform)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.respondError(w, r, apperrors.ExternalService("database", err))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorEnvelope is the uniform failure shape.
type errorEnvelope struct {
	Error     string                 `json:"error"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperrors.AsError(err)
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	s.respondJSON(w, status, errorEnvelope{
		Error:     appErr.Code,
		Message:   appErr.Message,
		Details:   appErr.Details,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func decodeBody(r *http.Request, target interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return apperrors.Validationf("malformed request body: %v", err)
	}
	return nil
}

func pageParams(r *http.Request) (int, int) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return offset, limit
}

// atParam resolves the ?at= selector, a ref name or commit id (prefix),
// defaulting to the configured default branch.
func (s *Server) atParam(r *http.Request) string {
	if at := r.URL.Query().Get("at"); at != "" {
		return at
	}
	return s.cfg.DefaultBranch
}

// uploadLimiter returns the per-user rate limiter for file uploads.
func (s *Server) uploadLimiter(userID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[userID]
	if !ok {
		perMin := rate.Limit(float64(s.cfg.UploadRatePerMin) / 60.0)
		l = rate.NewLimiter(perMin, s.cfg.UploadRatePerMin)
		s.limiters[userID] = l
	}
	return l
}
