//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

// Package feedback implements the continuous-improvement loop: it
// collects user ratings and performance metrics per template and
// triggers re-optimization when quality degrades.
package feedback

import (
	"context"
	"time"

	"github.com/cursor-prompt/promptwizard-go/event"
	"github.com/cursor-prompt/promptwizard-go/pipeline"
	"github.com/cursor-prompt/promptwizard-go/queue"
	"github.com/cursor-prompt/promptwizard-go/template"
)

// Category classifies a piece of user feedback.
type Category string

// Feedback categories.
const (
	CategoryAccuracy     Category = "accuracy"
	CategoryRelevance    Category = "relevance"
	CategoryClarity      Category = "clarity"
	CategoryCompleteness Category = "completeness"
	CategoryEfficiency   Category = "efficiency"
)

var validCategories = map[Category]bool{
	CategoryAccuracy:     true,
	CategoryRelevance:    true,
	CategoryClarity:      true,
	CategoryCompleteness: true,
	CategoryEfficiency:   true,
}

// MetricType names a performance measurement.
type MetricType string

// Metric types.
const (
	MetricResponseTime     MetricType = "response-time"
	MetricTokenUsage       MetricType = "token-usage"
	MetricAccuracyScore    MetricType = "accuracy-score"
	MetricUserSatisfaction MetricType = "user-satisfaction"
	MetricErrorRate        MetricType = "error-rate"
)

var validMetricTypes = map[MetricType]bool{
	MetricResponseTime:     true,
	MetricTokenUsage:       true,
	MetricAccuracyScore:    true,
	MetricUserSatisfaction: true,
	MetricErrorRate:        true,
}

// Feedback is one user rating, append-only per template.
type Feedback struct {
	ID             string    `json:"id"`
	TemplateID     string    `json:"templateId"`
	OptimizationID string    `json:"optimizationId,omitempty"`
	Rating         int       `json:"rating"`
	Category       Category  `json:"category"`
	Comment        string    `json:"comment,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// PerformanceMetric is one measurement, append-only per template.
type PerformanceMetric struct {
	TemplateID string         `json:"templateId"`
	Type       MetricType     `json:"type"`
	Value      float64        `json:"value"`
	Context    map[string]any `json:"context,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Trend describes the direction of recent feedback.
type Trend string

// Feedback trends.
const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// Summary aggregates a template's feedback.
type Summary struct {
	TemplateID         string               `json:"templateId"`
	Count              int                  `json:"count"`
	AverageRating      float64              `json:"averageRating"`
	CategoryAverages   map[Category]float64 `json:"categoryAverages,omitempty"`
	Trend              Trend                `json:"trend"`
	LastReoptimization *time.Time           `json:"lastReoptimization,omitempty"`
}

// Submitter enqueues a re-optimization job. *queue.Queue satisfies it.
type Submitter interface {
	AddJob(templateID string, tpl *template.Template, req *pipeline.Request, opts ...queue.JobOption) (string, error)
}

// TemplateResolver looks up the current template for an id so a
// re-optimization job can carry it.
type TemplateResolver func(templateID string) (*template.Template, error)

// mirror is the slice of the cache API the loop writes through.
type mirror interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration)
}

const (
	defaultFeedbackThreshold    = 10
	defaultRatingThreshold      = 3.0
	defaultPerformanceThreshold = 0.8
	defaultCooldown             = 24 * time.Hour
	defaultReviewInterval       = 7 * 24 * time.Hour

	recentMetricWindow = 5
	minMetricCount     = 10
	trendWindow        = 3
	trendDelta         = 0.5
)

// Options is the options for the feedback loop.
type Options struct {
	feedbackThreshold    int
	ratingThreshold      float64
	performanceThreshold float64
	cooldown             time.Duration
	reviewInterval       time.Duration
	autoReoptimize       bool
	bus                  *event.Bus
	cache                mirror
	submitter            Submitter
	resolver             TemplateResolver
}

// Option is the option for the feedback loop.
type Option func(*Options)

// WithFeedbackThreshold sets the minimum feedback count before low
// ratings can trigger re-optimization.
func WithFeedbackThreshold(n int) Option {
	return func(opts *Options) {
		if n > 0 {
			opts.feedbackThreshold = n
		}
	}
}

// WithRatingThreshold sets the average rating below which
// re-optimization is considered.
func WithRatingThreshold(v float64) Option {
	return func(opts *Options) {
		if v > 0 {
			opts.ratingThreshold = v
		}
	}
}

// WithPerformanceThreshold sets the recent/baseline ratio below which
// performance is considered degraded.
func WithPerformanceThreshold(v float64) Option {
	return func(opts *Options) {
		if v > 0 {
			opts.performanceThreshold = v
		}
	}
}

// WithCooldown sets the minimum interval between re-optimizations of
// one template.
func WithCooldown(d time.Duration) Option {
	return func(opts *Options) {
		if d > 0 {
			opts.cooldown = d
		}
	}
}

// WithReviewInterval sets the scheduled review period.
func WithReviewInterval(d time.Duration) Option {
	return func(opts *Options) {
		if d > 0 {
			opts.reviewInterval = d
		}
	}
}

// WithAutoReoptimization toggles automatic job submission. When off,
// triggers only log a recommendation.
func WithAutoReoptimization(enabled bool) Option {
	return func(opts *Options) { opts.autoReoptimize = enabled }
}

// WithBus sets the event bus. Share the queue's bus so job completion
// events close the re-optimization cycle.
func WithBus(bus *event.Bus) Option {
	return func(opts *Options) { opts.bus = bus }
}

// WithCache mirrors feedback and metrics into the given cache.
func WithCache(c mirror) Option {
	return func(opts *Options) { opts.cache = c }
}

// WithSubmitter sets the queue jobs are submitted to.
func WithSubmitter(s Submitter) Option {
	return func(opts *Options) { opts.submitter = s }
}

// WithTemplateResolver sets how triggered re-optimizations find the
// template body to submit.
func WithTemplateResolver(r TemplateResolver) Option {
	return func(opts *Options) { opts.resolver = r }
}
