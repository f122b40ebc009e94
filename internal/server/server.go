package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vincentbai/pageping/internal/database"
	"github.com/vincentbai/pageping/internal/models"
	"github.com/vincentbai/pageping/internal/monitoring"
)

// maxBodyBytes caps a single POST /pings body.
const maxBodyBytes = 1 << 20

// Server is the collector HTTP API.
type Server struct {
	store    database.Store
	address  string
	server   *http.Server
	metrics  *monitoring.Metrics
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewServer builds a collector. A nil gatherer serves the default registry on
// /metrics.
func NewServer(store database.Store, address string, m *monitoring.Metrics, gatherer prometheus.Gatherer, l *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if l == nil {
		l = zap.NewNop()
	}
	s := &Server{
		store:    store,
		address:  address,
		metrics:  m,
		gatherer: gatherer,
		logger:   l,
	}
	s.server = &http.Server{
		Addr:         address,
		Handler:      s.setupRoutes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("store health check failed", zap.Error(err))
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}

func (s *Server) handlePings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if err := models.ValidateBatchJSON(body); err != nil {
		if errors.Is(err, models.ErrMalformedJSON) {
			http.Error(w, "Invalid JSON format", http.StatusBadRequest)
			return
		}
		s.metrics.AddCollectorPings("rejected", countPings(body))
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	var batch models.Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if len(batch.Pings) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	err = s.store.InsertPings(r.Context(), batch.Pings)
	var vErr *database.ValidationError
	switch {
	case errors.As(err, &vErr):
		s.metrics.AddCollectorPings("rejected", len(batch.Pings))
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		s.metrics.AddCollectorPings("failed", len(batch.Pings))
		s.logger.Error("failed to store pings",
			zap.Error(err),
			zap.Int("count", len(batch.Pings)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
		http.Error(w, "Failed to store pings", http.StatusInternalServerError)
		return
	}

	s.metrics.AddCollectorPings("stored", len(batch.Pings))
	w.WriteHeader(http.StatusNoContent)
}

// countPings counts the entries of a batch that failed schema validation.
func countPings(body []byte) int {
	var raw struct {
		Pings []json.RawMessage `json:"pings"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return 0
	}
	return len(raw.Pings)
}

func (s *Server) handlePageView(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	summary, err := s.store.Summarize(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, "page view not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("failed to summarize page view", zap.String("page_view_id", id), zap.Error(err))
		http.Error(w, "Failed to summarize page view", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

func (s *Server) setupRoutes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Post("/pings", s.handlePings)
	r.Get("/pageviews/{id}", s.handlePageView)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return r
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("collector listening", zap.String("address", s.address))
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
