//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

// Package queue schedules optimization jobs through a bounded worker
// pool with priorities, retries, timeouts and cancellation.
package queue

import (
	"time"

	"github.com/cursor-prompt/promptwizard-go/pipeline"
	"github.com/cursor-prompt/promptwizard-go/template"
)

// Priority orders pending jobs. Urgent jobs start before high, high
// before normal, normal before low.
type Priority string

// Job priorities.
const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityUrgent: 0,
	PriorityHigh:   1,
	PriorityNormal: 2,
	PriorityLow:    3,
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// Status is a job lifecycle state.
type Status string

// Job statuses. Completed, failed and cancelled are terminal.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is one queue-tracked unit of pipeline work. Jobs are mutated
// only by the queue; callers receive snapshots.
type Job struct {
	ID          string             `json:"id"`
	TemplateID  string             `json:"templateId"`
	Template    *template.Template `json:"template,omitempty"`
	Request     *pipeline.Request  `json:"request,omitempty"`
	Priority    Priority           `json:"priority"`
	Status      Status             `json:"status"`
	Progress    int                `json:"progress"`
	CurrentStep string             `json:"currentStep,omitempty"`
	RetryCount  int                `json:"retryCount"`
	MaxRetries  int                `json:"maxRetries"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
	WorkerID    string             `json:"workerId,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	StartedAt   *time.Time         `json:"startedAt,omitempty"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
	Error       string             `json:"error,omitempty"`
	Result      *pipeline.Result   `json:"result,omitempty"`
}

// snapshot returns a copy safe to hand to callers.
func (j *Job) snapshot() *Job {
	clone := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		clone.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}

// Stats summarizes the queue's current state.
type Stats struct {
	Total                 int            `json:"total"`
	ByStatus              map[Status]int `json:"byStatus"`
	QueueLength           int            `json:"queueLength"`
	ActiveWorkers         int            `json:"activeWorkers"`
	AverageProcessingTime time.Duration  `json:"averageProcessingTime"`
	SuccessRate           float64        `json:"successRate"`
}
