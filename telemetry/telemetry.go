//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry records OpenTelemetry metrics for the optimization
// subsystems. Only the otel API is used; callers install their own
// meter provider and exporter.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cursor-prompt/promptwizard-go/event"
)

const meterName = "github.com/cursor-prompt/promptwizard-go"

// Metric names.
const (
	metricJobs          = "promptwizard.jobs"
	metricCacheOps      = "promptwizard.cache.operations"
	metricStageDuration = "promptwizard.pipeline.stage.duration"
	metricPipelineRuns  = "promptwizard.pipeline.runs"
)

// Metrics holds the instruments for the optimization subsystems.
type Metrics struct {
	jobs     metric.Int64Counter
	cacheOps metric.Int64Counter
	stageDur metric.Float64Histogram
	runs     metric.Int64Counter
}

// Options is the options for metrics creation.
type Options struct {
	provider metric.MeterProvider
}

// Option is the option for metrics creation.
type Option func(*Options)

// WithMeterProvider overrides the global otel meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(opts *Options) {
		if mp != nil {
			opts.provider = mp
		}
	}
}

// New creates the instrument set.
func New(opts ...Option) (*Metrics, error) {
	options := Options{provider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&options)
	}
	meter := options.provider.Meter(meterName)

	m := &Metrics{}
	var err error
	if m.jobs, err = meter.Int64Counter(
		metricJobs,
		metric.WithDescription("Optimization jobs by terminal status"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create metric %s: %w", metricJobs, err)
	}
	if m.cacheOps, err = meter.Int64Counter(
		metricCacheOps,
		metric.WithDescription("Cache lookups by result"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create metric %s: %w", metricCacheOps, err)
	}
	if m.stageDur, err = meter.Float64Histogram(
		metricStageDuration,
		metric.WithDescription("Duration of pipeline stages"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create metric %s: %w", metricStageDuration, err)
	}
	if m.runs, err = meter.Int64Counter(
		metricPipelineRuns,
		metric.WithDescription("Pipeline runs by outcome"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create metric %s: %w", metricPipelineRuns, err)
	}
	return m, nil
}

// Observe subscribes the instruments to the bus shared by the pipeline,
// queue and feedback loop.
func (m *Metrics) Observe(bus *event.Bus) {
	ctx := context.Background()
	record := func(status string) event.Handler {
		return func(*event.Event) {
			m.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
		}
	}
	bus.Subscribe(event.JobCompleted, record("completed"))
	bus.Subscribe(event.JobFailed, record("failed"))
	bus.Subscribe(event.JobCancelled, record("cancelled"))
	bus.Subscribe(event.JobRetrying, record("retrying"))

	bus.Subscribe(event.StageCompleted, m.onStage)
	bus.Subscribe(event.StageFailed, m.onStage)

	bus.Subscribe(event.PipelineCompleted, func(*event.Event) {
		m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))
	})
	bus.Subscribe(event.PipelineFailed, func(*event.Event) {
		m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failure")))
	})
}

func (m *Metrics) onStage(e *event.Event) {
	stage, _ := e.Payload["stage"].(string)
	var seconds float64
	if d, ok := e.Payload["duration"].(time.Duration); ok {
		seconds = d.Seconds()
	}
	m.stageDur.Record(context.Background(), seconds, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.Bool("failed", e.Name == event.StageFailed),
	))
}

// RecordCacheHit counts a cache lookup served from a tier.
func (m *Metrics) RecordCacheHit(ctx context.Context) {
	m.cacheOps.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "hit")))
}

// RecordCacheMiss counts a cache lookup that fell through.
func (m *Metrics) RecordCacheMiss(ctx context.Context) {
	m.cacheOps.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "miss")))
}
