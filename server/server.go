//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

// Package server exposes the optimization queue over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/cursor-prompt/promptwizard-go/errs"
	"github.com/cursor-prompt/promptwizard-go/log"
	"github.com/cursor-prompt/promptwizard-go/pipeline"
	"github.com/cursor-prompt/promptwizard-go/queue"
	"github.com/cursor-prompt/promptwizard-go/template"
)

// Server routes job management requests to a queue.
type Server struct {
	queue  *queue.Queue
	router *mux.Router
	health func(ctx context.Context) error
}

// Option configures the Server instance.
type Option func(*Server)

// WithHealthCheck sets the backend probe behind GET /api/health.
// (*optimizer.Client).HealthCheck fits.
func WithHealthCheck(probe func(ctx context.Context) error) Option {
	return func(s *Server) { s.health = probe }
}

// New creates a server over the given queue.
func New(q *queue.Queue, opts ...Option) (*Server, error) {
	if q == nil {
		return nil, errs.Configuration(errs.CodeConfigMissing, "server requires a queue")
	}
	s := &Server{
		queue:  q,
		router: mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Length", "Content-Type"},
	})
	s.router.Use(c.Handler)
	s.registerRoutes()
	return s, nil
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/api/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	s.router.HandleFunc("/api/jobs", s.handleListJobs).Methods(http.MethodGet)
	s.router.HandleFunc("/api/jobs/{jobId}", s.handleGetJob).Methods(http.MethodGet)
	s.router.HandleFunc("/api/jobs/{jobId}", s.handleCancelJob).Methods(http.MethodDelete)
	s.router.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
}

// submitRequest is the POST /api/jobs body.
type submitRequest struct {
	TemplateID string             `json:"templateId"`
	Template   *template.Template `json:"template"`
	Request    *pipeline.Request  `json:"request,omitempty"`
	Priority   string             `json:"priority,omitempty"`
	MaxRetries *int               `json:"maxRetries,omitempty"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if req.TemplateID == "" {
		http.Error(w, "templateId is required", http.StatusBadRequest)
		return
	}
	var opts []queue.JobOption
	if req.Priority != "" {
		opts = append(opts, queue.WithPriority(queue.Priority(req.Priority)))
	}
	if req.MaxRetries != nil {
		opts = append(opts, queue.WithMaxRetries(*req.MaxRetries))
	}
	if req.Metadata != nil {
		opts = append(opts, queue.WithMetadata(req.Metadata))
	}
	id, err := s.queue.AddJob(req.TemplateID, req.Template, req.Request, opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, map[string]string{"jobId": id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := queue.Status(r.URL.Query().Get("status"))
	jobs := s.queue.GetJobs(status)
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	s.writeJSON(w, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job := s.queue.GetJob(mux.Vars(r)["jobId"])
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["jobId"]
	if s.queue.GetJob(id) == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	cancelled := s.queue.CancelJob(id)
	s.writeJSON(w, map[string]any{"jobId": id, "cancelled": cancelled})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.queue.GetStats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, map[string]string{"status": "ok"})
		return
	}
	if err := s.health(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		s.writeJSON(w, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var e *errs.Error
	if errors.As(err, &e) {
		switch e.Category {
		case errs.CategoryValidation, errs.CategoryTemplate:
			status = http.StatusBadRequest
		case errs.CategoryConfiguration:
			status = http.StatusServiceUnavailable
		}
	}
	log.Warnf("request failed: %v", err)
	http.Error(w, err.Error(), status)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
