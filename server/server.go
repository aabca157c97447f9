// Package server exposes the coordinator state and metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/tripsync/log"
)

// Status is the UI-facing snapshot served on /status.
type Status struct {
	Connectivity string            `json:"connectivity"`
	Reconnect    string            `json:"reconnect"`
	Attempts     int               `json:"attempts"`
	SignedIn     bool              `json:"signed_in"`
	Channels     map[string]string `json:"channels"`
	Trip         *TripStatus       `json:"trip,omitempty"`
}

type TripStatus struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

type StatusFunc func() Status

type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

// NewRouter registers /healthz, /readyz, /status and /metrics.
func NewRouter(status StatusFunc) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		s := status()
		w.Header().Set("Content-Type", "application/json")
		if !s.SignedIn || s.Connectivity == "failed" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		writeJSON(w, s)
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status())
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func New(addr string, status StatusFunc) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(status),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: log.WithComponent("server"),
	}
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("status server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
