//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

// Package event provides the event system used by the pipeline, queue and
// feedback loop to communicate without direct calls.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Well-known event names emitted by the core subsystems.
const (
	PipelineStarted   = "pipeline:started"
	PipelineCompleted = "pipeline:completed"
	PipelineFailed    = "pipeline:failed"
	StageStarted      = "stage:started"
	StageCompleted    = "stage:completed"
	StageFailed       = "stage:failed"

	JobAdded     = "job:added"
	JobStarted   = "job:started"
	JobProgress  = "job:progress"
	JobCompleted = "job:completed"
	JobFailed    = "job:failed"
	JobCancelled = "job:cancelled"
	JobRetrying  = "job:retrying"

	ReoptimizationTriggered = "reoptimization:triggered"
	ReoptimizationCompleted = "reoptimization:completed"
	ReoptimizationFailed    = "reoptimization:failed"
)

// Event is a named occurrence with a structured payload. Consumers
// subscribe to names; correctness never depends on any subscriber.
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Option is a function that can be used to configure the Event.
type Option func(*Event)

// WithPayload sets the full payload map.
func WithPayload(payload map[string]any) Option {
	return func(e *Event) { e.Payload = payload }
}

// WithField sets a single payload field.
func WithField(key string, value any) Option {
	return func(e *Event) {
		if e.Payload == nil {
			e.Payload = make(map[string]any)
		}
		e.Payload[key] = value
	}
}

// New creates a new Event with generated ID and timestamp.
func New(name string, opts ...Option) *Event {
	e := &Event{
		ID:        uuid.New().String(),
		Name:      name,
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}
