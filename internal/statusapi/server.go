// Package statusapi serves queue status and dead-letter management over HTTP.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/casesync/internal/mutation"
	"github.com/roach88/casesync/internal/store"
	"github.com/roach88/casesync/internal/syncer"
)

// Queue is the part of the mutation log the API reads and manages.
// *store.Store implements it.
type Queue interface {
	Stats(ctx context.Context) (store.Stats, error)
	NextWakeup(ctx context.Context) (time.Time, error)
	PendingCountForEntity(ctx context.Context, ref mutation.EntityRef) (int, error)
	ListForEntity(ctx context.Context, ref mutation.EntityRef) ([]mutation.Record, error)
	DeadLettered(ctx context.Context) ([]mutation.Record, error)
	Requeue(ctx context.Context, id int64) error
	Discard(ctx context.Context, id int64) error
	ListMappings(ctx context.Context) ([]store.Mapping, error)
}

// Drainer is the sync worker. *syncer.Worker implements it.
type Drainer interface {
	Status(ctx context.Context) (syncer.Status, error)
	Flush(ctx context.Context) (syncer.DrainReport, error)
	Notify(reason string)
}

// Server is the status HTTP API.
type Server struct {
	queue   Queue
	worker  Drainer
	metrics prometheus.Gatherer
	logger  *slog.Logger
	router  chi.Router

	httpServer *http.Server
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Worker     syncer.Status `json:"worker"`
	NextWakeup *time.Time    `json:"next_wakeup,omitempty"`
}

// EntityPendingResponse is the body of GET /entities/{type}/{localID}/pending.
type EntityPendingResponse struct {
	Entity  string          `json:"entity"`
	Pending int             `json:"pending"`
	Records []mutation.View `json:"records"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates the API. metrics may be nil to disable /metrics.
func New(queue Queue, worker Drainer, metrics prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{queue: queue, worker: worker, metrics: metrics, logger: logger}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() chi.Router { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)
	r.Get("/entities/{type}/{localID}/pending", s.handleEntityPending)
	r.Route("/deadletters", func(r chi.Router) {
		r.Get("/", s.handleDeadLetters)
		r.Post("/{id}/requeue", s.handleRequeue)
		r.Delete("/{id}", s.handleDiscard)
	})
	r.Get("/mappings", s.handleMappings)
	r.Post("/flush", s.handleFlush)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}
	return r
}

// Start listens on addr until Shutdown is called. Shutdown may run before
// Start, in which case Start returns immediately.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("status api listening", "addr", ln.Addr().String())
	err = s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.worker.Status(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	resp := StatusResponse{Worker: st}
	wake, err := s.queue.NextWakeup(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	if !wake.IsZero() {
		resp.NextWakeup = &wake
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEntityPending(w http.ResponseWriter, r *http.Request) {
	typ, err := mutation.ParseEntityType(chi.URLParam(r, "type"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	localID, err := strconv.ParseInt(chi.URLParam(r, "localID"), 10, 64)
	if err != nil || localID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid local id"})
		return
	}
	ref := mutation.EntityRef{Type: typ, LocalID: localID}

	n, err := s.queue.PendingCountForEntity(r.Context(), ref)
	if err != nil {
		s.internalError(w, err)
		return
	}
	recs, err := s.queue.ListForEntity(r.Context(), ref)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EntityPendingResponse{Entity: ref.String(), Pending: n, Records: views(recs)})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	recs, err := s.queue.DeadLettered(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views(recs))
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	if err := s.queue.Requeue(r.Context(), id); err != nil {
		s.recordError(w, err)
		return
	}
	s.logger.Info("dead-letter requeued", "id", id)
	s.worker.Notify("requeue")
	writeJSON(w, http.StatusOK, map[string]int64{"requeued": id})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	if err := s.queue.Discard(r.Context(), id); err != nil {
		s.recordError(w, err)
		return
	}
	s.logger.Info("dead-letter discarded", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.queue.ListMappings(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	if mappings == nil {
		mappings = []store.Mapping{}
	}
	writeJSON(w, http.StatusOK, mappings)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	report, err := s.worker.Flush(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) recordError(w http.ResponseWriter, err error) {
	if errors.Is(err, mutation.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	s.internalError(w, err)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error("status api request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

func recordID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid record id"})
		return 0, false
	}
	return id, true
}

func views(recs []mutation.Record) []mutation.View {
	out := make([]mutation.View, len(recs))
	for i, rec := range recs {
		out[i] = rec.View()
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
