// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server is the thin JSON facade over the orchestrator: every
// endpoint maps directly onto a store read or a runner operation.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/cineflow/internal/governor"
	"github.com/tombee/cineflow/internal/runner"
	"github.com/tombee/cineflow/internal/store"
)

// RunService is the runner surface the facade depends on.
type RunService interface {
	Submit(ctx context.Context, p runner.SubmitParams) (store.Run, error)
	RetryTask(ctx context.Context, taskID string) (store.Task, error)
}

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8844"
}

// Server serves the control API.
type Server struct {
	config  Config
	store   *store.Store
	runs    RunService
	gov     *governor.Governor
	logger  *slog.Logger
	httpSrv *http.Server
}

// New wires the facade. gatherer may be nil to disable /metrics.
func New(cfg Config, s *store.Store, runs RunService, gov *governor.Governor, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		config: cfg,
		store:  s,
		runs:   runs,
		gov:    gov,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealth)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("POST /api/v1/storyboards", srv.handleCreateStoryboard)
	mux.HandleFunc("GET /api/v1/storyboards", srv.handleListStoryboards)
	mux.HandleFunc("GET /api/v1/storyboards/{id}", srv.handleGetStoryboard)
	mux.HandleFunc("GET /api/v1/storyboards/{id}/segments", srv.handleListSegments)

	mux.HandleFunc("POST /api/v1/runs", srv.handleSubmitRun)
	mux.HandleFunc("GET /api/v1/runs", srv.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", srv.handleGetRun)
	mux.HandleFunc("GET /api/v1/runs/{id}/tasks", srv.handleListRunTasks)

	mux.HandleFunc("GET /api/v1/tasks/{id}", srv.handleGetTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/retry", srv.handleRetryTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}/metadata", srv.handleTaskMetadata)

	mux.HandleFunc("GET /api/v1/providers", srv.handleListProviders)
	mux.HandleFunc("PATCH /api/v1/providers/{id}", srv.handlePatchProvider)
	mux.HandleFunc("GET /api/v1/models", srv.handleListModels)
	mux.HandleFunc("PATCH /api/v1/models/{id}", srv.handlePatchModel)
	mux.HandleFunc("PUT /api/v1/models/{id}/providers/{provider_id}", srv.handlePutModelProviderMap)

	srv.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return srv
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe blocks serving the API until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("control API listening", "addr", s.config.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Serve runs on a pre-bound listener. Used when the caller wants the
// real port before serving.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("control API listening", "addr", ln.Addr().String())
	err := s.httpSrv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
