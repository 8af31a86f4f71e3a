// Package server exposes the operator HTTP surface: Prometheus metrics, health,
// and read-only metric queries.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"loadengine/internal/calendar"
	"loadengine/internal/service"
	"loadengine/internal/store"
	"loadengine/internal/telemetry"
)

// Config holds server configuration
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns the default server configuration
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the operator HTTP server
type Server struct {
	router  *mux.Router
	server  *http.Server
	store   *store.Store
	query   *service.QueryService
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

type requestIDKey struct{}

// New creates a server. It does not listen until Start.
func New(cfg Config, st *store.Store, metrics *telemetry.Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		store:   st,
		query:   service.NewQueryService(st),
		metrics: metrics,
		logger:  logger,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods("GET")

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentTypeMiddleware)
	api.HandleFunc("/healthz", s.health).Methods("GET")
	api.HandleFunc("/owners/{owner:[0-9]+}/daily-metrics", s.dailyMetrics).Methods("GET")
	api.HandleFunc("/owners/{owner:[0-9]+}/jobs", s.jobs).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, r, http.StatusNotFound, "endpoint not found")
	})
}

// Start listens until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	OpenJobs  int       `json:"open_jobs"`
	Running   int       `json:"running_jobs"`
	Queued    int       `json:"queued_refreshes"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Database: "ok", Timestamp: time.Now().UTC()}
	ctx := r.Context()

	if err := s.store.Ping(ctx); err != nil {
		resp.Status = "unavailable"
		resp.Database = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	open, err := s.store.JobsWithStatus(ctx, store.JobPending, store.JobRunning, store.JobFailed)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	for _, j := range open {
		resp.OpenJobs++
		if j.Status == store.JobRunning {
			resp.Running++
		}
	}
	queued, err := s.store.PendingRefreshes(ctx)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	resp.Queued = len(queued)

	writeJSON(w, http.StatusOK, resp)
}

type metricRow struct {
	Date          string   `json:"date"`
	ExternalLoad  float64  `json:"external_load"`
	InternalLoad  float64  `json:"internal_load"`
	ExternalRatio *float64 `json:"external_ratio"`
	InternalRatio *float64 `json:"internal_ratio"`
	Divergence    *float64 `json:"divergence"`
	ConfigVersion int64    `json:"config_version"`
	Stale         bool     `json:"stale"`
}

func (s *Server) dailyMetrics(w http.ResponseWriter, r *http.Request) {
	owner, _ := strconv.ParseInt(mux.Vars(r)["owner"], 10, 64)

	from, err := parseDateParam(r, "from")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseDateParam(r, "to")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := s.query.DailyMetrics(r.Context(), owner, from, to)
	if errors.Is(err, store.ErrConfigNotFound) {
		writeError(w, r, http.StatusNotFound, "unknown owner")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	out := make([]metricRow, len(rows))
	for i, m := range rows {
		out[i] = metricRow{
			Date:          m.Date.String(),
			ExternalLoad:  m.ExternalLoad,
			InternalLoad:  m.InternalLoad,
			ExternalRatio: m.ExternalRatio,
			InternalRatio: m.InternalRatio,
			Divergence:    m.Divergence,
			ConfigVersion: m.ConfigVersion,
			Stale:         m.Stale,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type jobResponse struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	TargetVersion int64      `json:"target_version"`
	AsOf          string     `json:"as_of"`
	Cursor        string     `json:"cursor,omitempty"`
	BatchesDone   int        `json:"batches_done"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

func (s *Server) jobs(w http.ResponseWriter, r *http.Request) {
	owner, _ := strconv.ParseInt(mux.Vars(r)["owner"], 10, 64)

	reports, err := s.query.Jobs(r.Context(), owner)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]jobResponse, len(reports))
	for i, rep := range reports {
		j := rep.Job
		out[i] = jobResponse{
			ID:            j.ID,
			Status:        string(j.Status),
			TargetVersion: j.TargetVersion,
			AsOf:          j.AsOf.String(),
			BatchesDone:   j.BatchesDone,
			Error:         j.Error,
			CreatedAt:     j.CreatedAt,
			FinishedAt:    j.FinishedAt,
		}
		if !j.Cursor.IsZero() {
			out[i].Cursor = j.Cursor.String()
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func parseDateParam(r *http.Request, name string) (calendar.Date, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return calendar.Date{}, nil
	}
	return calendar.Parse(v)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		requestID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	requestID, _ := r.Context().Value(requestIDKey{}).(string)
	writeJSON(w, status, errorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		RequestID: requestID,
	})
}
