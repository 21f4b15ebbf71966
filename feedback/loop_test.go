//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

package feedback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cursor-prompt/promptwizard-go/event"
	"github.com/cursor-prompt/promptwizard-go/pipeline"
	"github.com/cursor-prompt/promptwizard-go/queue"
	"github.com/cursor-prompt/promptwizard-go/template"
)

type submitCall struct {
	templateID string
	tpl        *template.Template
	opts       queue.ResolvedJobOptions
}

type stubSubmitter struct {
	mu    sync.Mutex
	calls []submitCall
	err   error
}

func (s *stubSubmitter) AddJob(templateID string, tpl *template.Template, _ *pipeline.Request, opts ...queue.JobOption) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.calls = append(s.calls, submitCall{templateID, tpl, queue.ResolveJobOptions(opts...)})
	return fmt.Sprintf("job-%d", len(s.calls)), nil
}

func (s *stubSubmitter) submitted() []submitCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]submitCall(nil), s.calls...)
}

func passthroughResolver(templateID string) (*template.Template, error) {
	return &template.Template{ID: templateID, Content: "Hello {{name}}"}, nil
}

func autoLoop(opts ...Option) (*Loop, *stubSubmitter) {
	submitter := &stubSubmitter{}
	base := []Option{
		WithAutoReoptimization(true),
		WithSubmitter(submitter),
		WithTemplateResolver(passthroughResolver),
	}
	return NewLoop(append(base, opts...)...), submitter
}

func addRatings(t *testing.T, l *Loop, templateID string, ratings ...int) {
	t.Helper()
	for _, r := range ratings {
		_, err := l.AddFeedback(context.Background(), Feedback{
			TemplateID: templateID,
			Rating:     r,
			Category:   CategoryAccuracy,
		})
		require.NoError(t, err)
	}
}

func TestAddFeedbackValidation(t *testing.T) {
	l := NewLoop()
	ctx := context.Background()

	_, err := l.AddFeedback(ctx, Feedback{Rating: 3, Category: CategoryAccuracy})
	assert.Error(t, err, "missing template id")

	_, err = l.AddFeedback(ctx, Feedback{TemplateID: "t", Rating: 0, Category: CategoryAccuracy})
	assert.Error(t, err, "rating below range")

	_, err = l.AddFeedback(ctx, Feedback{TemplateID: "t", Rating: 6, Category: CategoryAccuracy})
	assert.Error(t, err, "rating above range")

	_, err = l.AddFeedback(ctx, Feedback{TemplateID: "t", Rating: 3, Category: "vibes"})
	assert.Error(t, err, "unknown category")

	id, err := l.AddFeedback(ctx, Feedback{TemplateID: "t", Rating: 3, Category: CategoryClarity})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestRecordMetricValidation(t *testing.T) {
	l := NewLoop()
	ctx := context.Background()

	err := l.RecordMetric(ctx, PerformanceMetric{Type: MetricResponseTime, Value: 1})
	assert.Error(t, err, "missing template id")

	err = l.RecordMetric(ctx, PerformanceMetric{TemplateID: "t", Type: "latency", Value: 1})
	assert.Error(t, err, "unknown metric type")

	err = l.RecordMetric(ctx, PerformanceMetric{TemplateID: "t", Type: MetricTokenUsage, Value: 120})
	assert.NoError(t, err)
}

func TestLowRatingTriggersReoptimization(t *testing.T) {
	l, submitter := autoLoop()

	// Nine poor ratings stay below the feedback threshold.
	addRatings(t, l, "greeting", 2, 2, 2, 2, 2, 2, 2, 2, 2)
	assert.Empty(t, submitter.submitted())

	addRatings(t, l, "greeting", 2)
	calls := submitter.submitted()
	require.Len(t, calls, 1)
	assert.Equal(t, "greeting", calls[0].templateID)
	require.NotNil(t, calls[0].tpl)
	assert.Equal(t, queue.PriorityHigh, calls[0].opts.Priority)
	assert.Equal(t, true, calls[0].opts.Metadata["reoptimization"])
	assert.Contains(t, calls[0].opts.Metadata["reason"], "average rating")
}

func TestHighAverageDoesNotTrigger(t *testing.T) {
	l, submitter := autoLoop()
	addRatings(t, l, "greeting", 4, 5, 4, 5, 4, 5, 4, 5, 4, 5)
	assert.Empty(t, submitter.submitted())
}

func TestCooldownBlocksRepeatTriggers(t *testing.T) {
	l, submitter := autoLoop()
	base := time.Now()
	l.now = func() time.Time { return base }

	addRatings(t, l, "greeting", 1, 1, 1, 1, 1, 1, 1, 1, 1, 1)
	require.Len(t, submitter.submitted(), 1)

	// Still inside the cooldown window.
	addRatings(t, l, "greeting", 1, 1)
	assert.Len(t, submitter.submitted(), 1)

	l.now = func() time.Time { return base.Add(25 * time.Hour) }
	addRatings(t, l, "greeting", 1)
	assert.Len(t, submitter.submitted(), 2)
}

func TestPerformanceDipTriggersReoptimization(t *testing.T) {
	l, submitter := autoLoop()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.RecordMetric(ctx, PerformanceMetric{
			TemplateID: "t", Type: MetricAccuracyScore, Value: 100,
		}))
	}
	assert.Empty(t, submitter.submitted(), "not enough metrics yet")

	for i := 0; i < 5; i++ {
		require.NoError(t, l.RecordMetric(ctx, PerformanceMetric{
			TemplateID: "t", Type: MetricAccuracyScore, Value: 50,
		}))
	}
	calls := submitter.submitted()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].opts.Metadata["reason"], "performance ratio")
}

func TestStablePerformanceDoesNotTrigger(t *testing.T) {
	l, submitter := autoLoop()
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		require.NoError(t, l.RecordMetric(ctx, PerformanceMetric{
			TemplateID: "t", Type: MetricResponseTime, Value: 100,
		}))
	}
	assert.Empty(t, submitter.submitted())
}

func TestScheduledReviewTriggersOnDecline(t *testing.T) {
	l, submitter := autoLoop()

	// Six entries: average is fine, trend is sharply down. Nothing
	// fires until the scheduled review looks at the trend.
	addRatings(t, l, "greeting", 5, 5, 5, 2, 2, 2)
	require.Empty(t, submitter.submitted())

	l.RunScheduledReview(context.Background())
	calls := submitter.submitted()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].opts.Metadata["reason"], "declining")
}

func TestScheduledReviewIgnoresStableTemplates(t *testing.T) {
	l, submitter := autoLoop()
	addRatings(t, l, "greeting", 4, 4, 4, 4, 4, 4)
	l.RunScheduledReview(context.Background())
	assert.Empty(t, submitter.submitted())
}

func TestRecommendationOnlyWithoutAutoReoptimize(t *testing.T) {
	submitter := &stubSubmitter{}
	l := NewLoop(WithSubmitter(submitter), WithTemplateResolver(passthroughResolver))

	var triggered []*event.Event
	l.Bus().Subscribe(event.ReoptimizationTriggered, func(e *event.Event) {
		triggered = append(triggered, e)
	})

	addRatings(t, l, "greeting", 1, 1, 1, 1, 1, 1, 1, 1, 1, 1)
	require.Len(t, triggered, 1)
	assert.Equal(t, "greeting", triggered[0].Payload["templateId"])
	assert.Empty(t, submitter.submitted(), "auto re-optimization is off")
}

func TestMissingResolverEmitsFailure(t *testing.T) {
	submitter := &stubSubmitter{}
	l := NewLoop(WithAutoReoptimization(true), WithSubmitter(submitter))

	var failed []*event.Event
	l.Bus().Subscribe(event.ReoptimizationFailed, func(e *event.Event) {
		failed = append(failed, e)
	})

	addRatings(t, l, "greeting", 1, 1, 1, 1, 1, 1, 1, 1, 1, 1)
	require.Len(t, failed, 1)
	assert.Empty(t, submitter.submitted())
}

func TestResolverErrorEmitsFailure(t *testing.T) {
	l, submitter := autoLoop(WithTemplateResolver(func(string) (*template.Template, error) {
		return nil, errors.New("gone")
	}))

	var failed []*event.Event
	l.Bus().Subscribe(event.ReoptimizationFailed, func(e *event.Event) {
		failed = append(failed, e)
	})

	addRatings(t, l, "greeting", 1, 1, 1, 1, 1, 1, 1, 1, 1, 1)
	require.Len(t, failed, 1)
	assert.Empty(t, submitter.submitted())
}

func TestJobCompletionClosesTheCycle(t *testing.T) {
	l, submitter := autoLoop()

	var completed []*event.Event
	l.Bus().Subscribe(event.ReoptimizationCompleted, func(e *event.Event) {
		completed = append(completed, e)
	})

	addRatings(t, l, "greeting", 1, 1, 1, 1, 1, 1, 1, 1, 1, 1)
	require.Len(t, submitter.submitted(), 1)

	l.Bus().EmitNew(event.JobCompleted, event.WithField("jobId", "job-1"))
	require.Len(t, completed, 1)
	assert.Equal(t, "greeting", completed[0].Payload["templateId"])
	assert.Equal(t, "job-1", completed[0].Payload["jobId"])

	// Completion of unrelated jobs is ignored.
	l.Bus().EmitNew(event.JobCompleted, event.WithField("jobId", "someone-else"))
	assert.Len(t, completed, 1)
}

func TestJobFailureEmitsReoptimizationFailed(t *testing.T) {
	l, submitter := autoLoop()

	var failed []*event.Event
	l.Bus().Subscribe(event.ReoptimizationFailed, func(e *event.Event) {
		failed = append(failed, e)
	})

	addRatings(t, l, "greeting", 1, 1, 1, 1, 1, 1, 1, 1, 1, 1)
	require.Len(t, submitter.submitted(), 1)

	l.Bus().EmitNew(event.JobFailed, event.WithField("jobId", "job-1"))
	require.Len(t, failed, 1)
	assert.Equal(t, "greeting", failed[0].Payload["templateId"])
}

func TestGetSummary(t *testing.T) {
	l := NewLoop()
	ctx := context.Background()

	assert.Equal(t, Summary{TemplateID: "empty", Trend: TrendStable}, l.GetSummary("empty"))

	for _, fb := range []Feedback{
		{TemplateID: "t", Rating: 2, Category: CategoryAccuracy},
		{TemplateID: "t", Rating: 4, Category: CategoryAccuracy},
		{TemplateID: "t", Rating: 5, Category: CategoryClarity},
	} {
		_, err := l.AddFeedback(ctx, fb)
		require.NoError(t, err)
	}

	summary := l.GetSummary("t")
	assert.Equal(t, 3, summary.Count)
	assert.InDelta(t, 11.0/3.0, summary.AverageRating, 1e-9)
	assert.InDelta(t, 3.0, summary.CategoryAverages[CategoryAccuracy], 1e-9)
	assert.InDelta(t, 5.0, summary.CategoryAverages[CategoryClarity], 1e-9)
	assert.Equal(t, TrendStable, summary.Trend)
	assert.Nil(t, summary.LastReoptimization)
}

func TestFeedbackTrend(t *testing.T) {
	mk := func(ratings ...int) []Feedback {
		out := make([]Feedback, len(ratings))
		for i, r := range ratings {
			out[i] = Feedback{Rating: r}
		}
		return out
	}
	tests := []struct {
		name    string
		ratings []Feedback
		want    Trend
	}{
		{"too few entries", mk(1, 1, 1, 1, 1), TrendStable},
		{"improving", mk(2, 2, 2, 4, 4, 4), TrendImproving},
		{"declining", mk(5, 5, 5, 3, 3, 3), TrendDeclining},
		{"within delta", mk(3, 3, 3, 3, 3, 4), TrendStable},
		{"only last window counts", mk(1, 1, 1, 5, 5, 5, 2, 2, 2), TrendDeclining},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, feedbackTrend(tt.ratings))
		})
	}
}

type recordingMirror struct {
	mu   sync.Mutex
	keys []string
}

func (m *recordingMirror) Set(_ context.Context, key string, _ any, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
}

func TestCacheMirroring(t *testing.T) {
	mir := &recordingMirror{}
	l := NewLoop(WithCache(mir))
	ctx := context.Background()

	_, err := l.AddFeedback(ctx, Feedback{TemplateID: "t", Rating: 4, Category: CategoryAccuracy})
	require.NoError(t, err)
	require.NoError(t, l.RecordMetric(ctx, PerformanceMetric{TemplateID: "t", Type: MetricTokenUsage, Value: 42}))

	mir.mu.Lock()
	defer mir.mu.Unlock()
	assert.Equal(t, []string{"feedback:t", "metrics:t"}, mir.keys)
}

func TestSubmitErrorEmitsFailure(t *testing.T) {
	submitter := &stubSubmitter{err: errors.New("queue stopped")}
	l := NewLoop(
		WithAutoReoptimization(true),
		WithSubmitter(submitter),
		WithTemplateResolver(passthroughResolver),
	)

	var failed []*event.Event
	l.Bus().Subscribe(event.ReoptimizationFailed, func(e *event.Event) {
		failed = append(failed, e)
	})

	addRatings(t, l, "greeting", 1, 1, 1, 1, 1, 1, 1, 1, 1, 1)
	require.Len(t, failed, 1)
}

func TestStartStopIdempotent(t *testing.T) {
	l := NewLoop(WithReviewInterval(time.Hour))
	l.Start()
	l.Start()
	l.Stop()
	l.Stop()
}
