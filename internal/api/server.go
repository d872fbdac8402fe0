/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP server hosting the wrapper protocol and the read API.
type Server struct {
	handlers       *Handlers
	port           int
	requestTimeout time.Duration
	home           string
	log            logr.Logger
	server         *http.Server
}

// ServerOptions contains options for creating the server
type ServerOptions struct {
	Handlers       *Handlers
	Port           int
	RequestTimeout time.Duration

	// Home is a directory of static assets served under /static/; empty
	// disables the route.
	Home string
}

// NewServer creates a new API server
func NewServer(opts ServerOptions, log logr.Logger) *Server {
	if opts.Port == 0 {
		opts.Port = 8000
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Server{
		handlers:       opts.Handlers,
		port:           opts.Port,
		requestTimeout: opts.RequestTimeout,
		home:           opts.Home,
		log:            log,
	}
}

// Start starts the server and blocks until ctx is canceled, then drains
// in-flight requests before returning.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting API server", "port", s.port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the router
func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout))

	h := s.handlers

	// Wrapper protocol. Static segments win over the {crabid} wildcard, so
	// /start under {host} addresses the command-keyed job.
	r.Route("/api/0/crab/{host}", func(r chi.Router) {
		r.Put("/", h.Register)
		r.Get("/", h.GetCrabStatus)
		r.Put("/start", h.Start)
		r.Put("/finish", h.Finish)
		r.Put("/warn", h.ReportWarning)

		r.Route("/{crabid}", func(r chi.Router) {
			r.Put("/", h.Register)
			r.Get("/", h.GetCrabStatus)
			r.Put("/start", h.Start)
			r.Put("/finish", h.Finish)
			r.Put("/warn", h.ReportWarning)
		})
	})

	// Read and admin API
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.GetHealth)
		r.Get("/status", h.GetMonitorStatus)

		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{id}", h.GetJobDetail)
		r.Get("/jobs/{id}/events", h.GetJobEvents)
		r.Put("/jobs/{id}/schedule", h.SetSchedule)
		r.Post("/jobs/{id}/inhibit", h.SetInhibit(true))
		r.Post("/jobs/{id}/uninhibit", h.SetInhibit(false))
		r.Post("/jobs/{id}/retire", h.RetireJob)

		r.Get("/events/{id}/output", h.GetEventOutput)

		r.Get("/notifications", h.GetNotifications)
		r.Put("/notifications", h.SetNotifications)
	})

	r.Get("/feed", h.GetFeed)
	r.Handle("/metrics", promhttp.Handler())
	if s.home != "" {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(s.home))))
	}
	r.Get("/", h.GetIndex)

	return r
}
