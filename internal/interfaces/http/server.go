// Package http serves the operator surface: health, status snapshot,
// Prometheus metrics, and the signal websocket.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/optionsflow/optionsflow/internal/domain"
	"github.com/optionsflow/optionsflow/internal/pipeline"
	"github.com/optionsflow/optionsflow/internal/stream"
)

// Server exposes the pipeline to operators and signal subscribers.
type Server struct {
	orch    *pipeline.Orchestrator
	metrics *MetricsRegistry
	hub     *stream.Hub
	srv     *http.Server
}

// NewServer wires the router. hub may be nil when signal streaming is off.
func NewServer(addr string, orch *pipeline.Orchestrator, metrics *MetricsRegistry, hub *stream.Hub) *Server {
	s := &Server{orch: orch, metrics: metrics, hub: hub}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/baselines/{strike}/{option_type}", s.handleBaseline).Methods(http.MethodGet)
	if hub != nil {
		r.Handle("/ws/signals", hub).Methods(http.MethodGet)
	}

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("operator endpoint listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("operator endpoint failed")
		}
	}()
}

// Shutdown drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleHealth distinguishes live-and-running from stopped or fatal so load
// balancers and dashboards can tell them apart.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.orch.Status()
	code := http.StatusOK
	state := "ok"
	switch {
	case status.Fatal:
		code = http.StatusServiceUnavailable
		state = "fatal"
	case !status.Running:
		code = http.StatusServiceUnavailable
		state = "stopped"
	case status.BreakerState == "OPEN":
		state = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"state": state})
}

// handleBaseline serves one instrument's baseline statistics through the
// storage tiers (live, cache, repository).
func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	strike, err := strconv.ParseFloat(vars["strike"], 64)
	if err != nil || strike <= 0 {
		http.Error(w, "invalid strike", http.StatusBadRequest)
		return
	}
	var optType domain.OptionType
	switch strings.ToUpper(vars["option_type"]) {
	case "C", "CALL":
		optType = domain.Call
	case "P", "PUT":
		optType = domain.Put
	default:
		http.Error(w, "invalid option type", http.StatusBadRequest)
		return
	}

	key := domain.InstrumentKey{Strike: strike, OptionType: optType}
	stats, err := s.orch.BaselineLookup(r.Context(), key)
	if err != nil {
		log.Error().Err(err).Stringer("instrument", key).Msg("baseline lookup failed")
		http.Error(w, "baseline lookup failed", http.StatusInternalServerError)
		return
	}
	if stats == nil {
		http.Error(w, "no baseline", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.orch.Status()); err != nil {
		log.Error().Err(err).Msg("status encode failed")
	}
}
