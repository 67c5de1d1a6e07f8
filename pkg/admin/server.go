// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

// Package admin serves the operator actions over HTTP.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"go.opendefense.cloud/mlflow-operator/pkg/config"
	"go.opendefense.cloud/mlflow-operator/pkg/dispatcher"
	"go.opendefense.cloud/mlflow-operator/pkg/engine"
	"go.opendefense.cloud/mlflow-operator/pkg/observability"
	"go.opendefense.cloud/mlflow-operator/pkg/status"
	"go.opendefense.cloud/mlflow-operator/pkg/synth"
)

// Engine is the part of the reconciliation engine the actions use.
type Engine interface {
	Credentials() (synth.Credentials, error)
	CreateBucket(ctx context.Context) (synth.BucketRef, error)
	Revisions() engine.Revisions
	LastReport() (status.Report, bool)
}

// Dispatcher schedules passes.
type Dispatcher interface {
	Dispatch(ev dispatcher.Event) bool
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	State     status.State     `json:"state"`
	Reason    string           `json:"reason,omitempty"`
	Rank      int              `json:"rank,omitempty"`
	Revisions engine.Revisions `json:"revisions"`
}

// BucketResponse is returned by POST /v1/bucket.
type BucketResponse struct {
	Bucket   string `json:"bucket"`
	Endpoint string `json:"endpoint"`
}

// ReconcileResponse is returned by POST /v1/reconcile.
type ReconcileResponse struct {
	Scheduled bool `json:"scheduled"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger of the Server.
func WithLogger(l logr.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithTelemetry sets the tracer and meter used for request instrumentation.
func WithTelemetry(t trace.Tracer, m metric.Meter) Option {
	return func(s *Server) {
		s.tracer = t
		s.meter = m
	}
}

// Server exposes the admin actions. None of them mutate the relation store.
type Server struct {
	engine     Engine
	dispatcher Dispatcher
	cfg        config.ServerConfig
	log        logr.Logger
	tracer     trace.Tracer
	meter      metric.Meter
}

// NewServer creates a Server.
func NewServer(cfg config.ServerConfig, e Engine, d Dispatcher, opts ...Option) *Server {
	s := &Server{
		engine:     e,
		dispatcher: d,
		cfg:        cfg,
		log:        logr.Discard(),
		tracer:     tracenoop.NewTracerProvider().Tracer(observability.TracerName),
		meter:      metricnoop.NewMeterProvider().Meter(observability.TracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routes of the admin API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(observability.HTTPMiddleware(s.tracer, s.meter, s.log))
	r.Use(observability.RecoveryMiddleware(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Route("/v1", func(r chi.Router) {
		r.Get("/credentials", s.getCredentials)
		r.Post("/bucket", s.createBucket)
		r.Post("/reconcile", s.reconcile)
		r.Get("/status", s.getStatus)
		r.Get("/revisions", s.getRevisions)
	})
	return r
}

// Start serves the admin API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Address(),
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting admin server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down admin server")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func (s *Server) getCredentials(w http.ResponseWriter, _ *http.Request) {
	creds, err := s.engine.Credentials()
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) createBucket(w http.ResponseWriter, r *http.Request) {
	log := observability.LoggerFromContextOrDefault(r.Context(), s.log)

	ref, err := s.engine.CreateBucket(r.Context())
	if err != nil {
		var unmet *synth.UnmetRequirement
		if errors.As(err, &unmet) {
			writeError(w, http.StatusConflict, err)
			return
		}
		log.Error(err, "create-bucket action failed")
		writeError(w, http.StatusBadGateway, err)
		return
	}

	s.dispatcher.Dispatch(dispatcher.Event{Kind: dispatcher.Requested})
	writeJSON(w, http.StatusOK, BucketResponse{Bucket: ref.Bucket, Endpoint: ref.Endpoint})
}

func (s *Server) reconcile(w http.ResponseWriter, _ *http.Request) {
	if !s.dispatcher.Dispatch(dispatcher.Event{Kind: dispatcher.Requested}) {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, ReconcileResponse{Scheduled: false})
		return
	}
	writeJSON(w, http.StatusAccepted, ReconcileResponse{Scheduled: true})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	report, ok := s.engine.LastReport()
	if !ok {
		report = status.Report{State: status.Waiting, Reason: "no reconciliation pass completed yet"}
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		State:     report.State,
		Reason:    report.Reason,
		Rank:      report.Rank,
		Revisions: s.engine.Revisions(),
	})
}

func (s *Server) getRevisions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Revisions())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}
