// Package admin serves the operator HTTP API: runner listing, start and
// stop, offset management, health and Prometheus metrics.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/projector/internal/domain"
	"github.com/SteelMorgan/projector/internal/errs"
	"github.com/SteelMorgan/projector/internal/offset"
	"github.com/SteelMorgan/projector/internal/projection"
)

// HealthCheck reports a component problem, or nil when healthy.
type HealthCheck func(ctx context.Context) error

// Config holds the listener settings.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	StopTimeout     time.Duration // how long a stop request waits for the runner
}

// Server is the admin HTTP server.
type Server struct {
	cfg        Config
	mgmt       projection.Management
	registry   *projection.Registry
	gatherer   prometheus.Gatherer
	checks     map[string]HealthCheck
	httpServer *http.Server
}

// NewServer creates a server. gatherer may be nil to disable /metrics.
func NewServer(cfg Config, mgmt projection.Management, registry *projection.Registry, gatherer prometheus.Gatherer) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	return &Server{
		cfg:      cfg,
		mgmt:     mgmt,
		registry: registry,
		gatherer: gatherer,
		checks:   make(map[string]HealthCheck),
	}
}

// AddHealthCheck registers a named check reported by /healthz.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/projections", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Route("/{name}/{key}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Post("/stop", s.handleStop)
			r.Post("/start", s.handleStart)
			r.Get("/offset", s.handleGetOffset)
			r.Put("/offset", s.handlePutOffset)
			r.Delete("/offset", s.handleDeleteOffset)
		})
	})
	return r
}

// Start listens until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("Admin server started")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error shutting down admin server")
		return err
	}
	log.Info().Msg("Admin server stopped")
	return nil
}

type offsetBody struct {
	Value    string `json:"value"`
	Manifest string `json:"manifest"`
}

type statusBody struct {
	Name           string      `json:"name"`
	Key            string      `json:"key"`
	State          string      `json:"state"`
	Offset         *offsetBody `json:"offset,omitempty"`
	Envelopes      uint64      `json:"envelopes"`
	Skipped        uint64      `json:"skipped"`
	LastEnvelopeAt *time.Time  `json:"last_envelope_at,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
}

func toStatusBody(st projection.Status) statusBody {
	b := statusBody{
		Name:      st.ID.Name,
		Key:       st.ID.Key,
		State:     st.State.String(),
		Envelopes: st.Envelopes,
		Skipped:   st.Skipped,
		LastError: st.LastError,
	}
	if st.Offset != nil {
		if body, err := encodeOffset(st.Offset); err == nil {
			b.Offset = &body
		}
	}
	if !st.LastEnvelopeAt.IsZero() {
		at := st.LastEnvelopeAt.UTC()
		b.LastEnvelopeAt = &at
	}
	return b
}

// Merged offsets are shown in their display form and cannot be written
// back through the API.
func encodeOffset(off offset.Offset) (offsetBody, error) {
	if m, ok := off.(offset.Merged); ok {
		return offsetBody{Value: m.String(), Manifest: offset.ManifestMerged}, nil
	}
	value, manifest, err := offset.Encode(off)
	if err != nil {
		return offsetBody{}, err
	}
	return offsetBody{Value: value, Manifest: manifest}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body[name] = err.Error()
		} else {
			body[name] = "ok"
		}
	}
	writeJSON(w, status, body)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	runners := s.registry.List()
	out := make([]statusBody, 0, len(runners))
	for _, c := range runners {
		out = append(out, toStatusBody(c.Status()))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toStatusBody(c.Status()))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.StopTimeout)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		writeError(w, http.StatusGatewayTimeout, fmt.Errorf("runner did not stop: %w", err))
		return
	}
	log.Info().Str("projection", c.ID().String()).Msg("Runner stopped by operator")
	writeJSON(w, http.StatusOK, toStatusBody(c.Status()))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	c.Resume()
	log.Info().Str("projection", c.ID().String()).Msg("Runner resumed by operator")
	writeJSON(w, http.StatusAccepted, toStatusBody(c.Status()))
}

func (s *Server) handleGetOffset(w http.ResponseWriter, r *http.Request) {
	id, ok := projectionID(w, r)
	if !ok {
		return
	}
	off, found, err := s.mgmt.ReadOffset(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("no offset stored for %s", id))
		return
	}
	body, err := encodeOffset(off)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handlePutOffset(w http.ResponseWriter, r *http.Request) {
	id, ok := projectionID(w, r)
	if !ok {
		return
	}
	var body offsetBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	off, err := offset.Decode(body.Value, body.Manifest)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.mgmt.UpdateOffset(r.Context(), id, off); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteOffset(w http.ResponseWriter, r *http.Request) {
	id, ok := projectionID(w, r)
	if !ok {
		return
	}
	if err := s.mgmt.ClearOffset(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (projection.Controllable, bool) {
	id, ok := projectionID(w, r)
	if !ok {
		return nil, false
	}
	c, found := s.registry.Lookup(id)
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("projection %s is not running on this node", id))
		return nil, false
	}
	return c, true
}

func projectionID(w http.ResponseWriter, r *http.Request) (domain.ProjectionID, bool) {
	id := domain.ProjectionID{
		Name: strings.TrimSpace(chi.URLParam(r, "name")),
		Key:  strings.TrimSpace(chi.URLParam(r, "key")),
	}
	if err := id.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return id, false
	}
	return id, true
}

func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindRunnerActive:
		return http.StatusConflict
	case errs.KindInvalid, errs.KindOffsetRegression:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		log.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("Admin request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Admin request")
	})
}
