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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cursor-prompt/promptwizard-go/errs"
	"github.com/cursor-prompt/promptwizard-go/event"
	"github.com/cursor-prompt/promptwizard-go/log"
	"github.com/cursor-prompt/promptwizard-go/queue"
)

// templateState is everything the loop tracks for one template.
type templateState struct {
	feedback   []Feedback
	metrics    []PerformanceMetric
	lastReopt  *time.Time
	perfRatio  float64
	perfDipped bool
}

// Loop is the long-lived feedback observer.
type Loop struct {
	opts Options

	mu        sync.Mutex
	templates map[string]*templateState
	jobs      map[string]string // triggered job id -> template id

	stopCh  chan struct{}
	stopped bool
	reviewT *time.Ticker
	now     func() time.Time
}

// NewLoop creates a feedback loop. Call Start to begin scheduled
// reviews and Stop when done.
func NewLoop(opts ...Option) *Loop {
	options := Options{
		feedbackThreshold:    defaultFeedbackThreshold,
		ratingThreshold:      defaultRatingThreshold,
		performanceThreshold: defaultPerformanceThreshold,
		cooldown:             defaultCooldown,
		reviewInterval:       defaultReviewInterval,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.bus == nil {
		options.bus = event.NewBus()
	}
	l := &Loop{
		opts:      options,
		templates: make(map[string]*templateState),
		jobs:      make(map[string]string),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
	// Close the cycle: a completed or failed re-optimization job maps
	// back to a reoptimization event for its template.
	l.opts.bus.Subscribe(event.JobCompleted, func(e *event.Event) { l.onJobDone(e, true) })
	l.opts.bus.Subscribe(event.JobFailed, func(e *event.Event) { l.onJobDone(e, false) })
	return l
}

// Bus returns the event bus the loop emits on.
func (l *Loop) Bus() *event.Bus {
	return l.opts.bus
}

// Start begins the scheduled review timer.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.reviewT != nil || l.stopped {
		l.mu.Unlock()
		return
	}
	l.reviewT = time.NewTicker(l.opts.reviewInterval)
	ticker := l.reviewT
	l.mu.Unlock()
	go func() {
		for {
			select {
			case <-l.stopCh:
				return
			case <-ticker.C:
				l.RunScheduledReview(context.Background())
			}
		}
	}()
}

// Stop halts the scheduled review timer.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	ticker := l.reviewT
	l.mu.Unlock()
	close(l.stopCh)
	if ticker != nil {
		ticker.Stop()
	}
}

// AddFeedback records one rating, mirrors it to the cache, and
// evaluates whether the template needs re-optimization.
func (l *Loop) AddFeedback(ctx context.Context, fb Feedback) (string, error) {
	if fb.TemplateID == "" {
		return "", errs.Validation(errs.CodeRangeViolation, "feedback requires a template id")
	}
	if fb.Rating < 1 || fb.Rating > 5 {
		return "", errs.Validation(errs.CodeRangeViolation,
			fmt.Sprintf("rating %d outside 1-5", fb.Rating), errs.WithEntity(fb.TemplateID))
	}
	if !validCategories[fb.Category] {
		return "", errs.Validation(errs.CodeEnumMiss,
			fmt.Sprintf("unknown feedback category %q", fb.Category), errs.WithEntity(fb.TemplateID))
	}
	if fb.ID == "" {
		fb.ID = uuid.New().String()
	}
	if fb.Timestamp.IsZero() {
		fb.Timestamp = l.now()
	}

	l.mu.Lock()
	state := l.state(fb.TemplateID)
	state.feedback = append(state.feedback, fb)
	mirrored := append([]Feedback(nil), state.feedback...)
	l.mu.Unlock()

	if l.opts.cache != nil {
		l.opts.cache.Set(ctx, "feedback:"+fb.TemplateID, mirrored, 0)
	}
	l.evaluate(ctx, fb.TemplateID, false)
	return fb.ID, nil
}

// RecordMetric records one performance measurement. Once enough exist,
// the mean of the most recent window is compared against the mean of
// the prior ones; a ratio below the threshold flags degradation.
func (l *Loop) RecordMetric(ctx context.Context, m PerformanceMetric) error {
	if m.TemplateID == "" {
		return errs.Validation(errs.CodeRangeViolation, "metric requires a template id")
	}
	if !validMetricTypes[m.Type] {
		return errs.Validation(errs.CodeEnumMiss,
			fmt.Sprintf("unknown metric type %q", m.Type), errs.WithEntity(m.TemplateID))
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = l.now()
	}

	l.mu.Lock()
	state := l.state(m.TemplateID)
	state.metrics = append(state.metrics, m)
	dipped := false
	if len(state.metrics) >= minMetricCount {
		recent := state.metrics[len(state.metrics)-recentMetricWindow:]
		baseline := state.metrics[:len(state.metrics)-recentMetricWindow]
		baseMean := metricMean(baseline)
		if baseMean > 0 {
			state.perfRatio = metricMean(recent) / baseMean
			state.perfDipped = state.perfRatio < l.opts.performanceThreshold
			dipped = state.perfDipped
		}
	}
	mirrored := append([]PerformanceMetric(nil), state.metrics...)
	l.mu.Unlock()

	if l.opts.cache != nil {
		l.opts.cache.Set(ctx, "metrics:"+m.TemplateID, mirrored, 0)
	}
	if dipped {
		l.evaluate(ctx, m.TemplateID, false)
	}
	return nil
}

// GetSummary aggregates a template's feedback.
func (l *Loop) GetSummary(templateID string) Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	summary := Summary{TemplateID: templateID, Trend: TrendStable}
	state, ok := l.templates[templateID]
	if !ok {
		return summary
	}
	summary.Count = len(state.feedback)
	summary.LastReoptimization = state.lastReopt
	if summary.Count == 0 {
		return summary
	}
	var total int
	catTotals := make(map[Category]int)
	catCounts := make(map[Category]int)
	for _, fb := range state.feedback {
		total += fb.Rating
		catTotals[fb.Category] += fb.Rating
		catCounts[fb.Category]++
	}
	summary.AverageRating = float64(total) / float64(summary.Count)
	summary.CategoryAverages = make(map[Category]float64, len(catTotals))
	for cat, sum := range catTotals {
		summary.CategoryAverages[cat] = float64(sum) / float64(catCounts[cat])
	}
	summary.Trend = feedbackTrend(state.feedback)
	return summary
}

// RunScheduledReview walks every tracked template and triggers
// re-optimization for those with a declining trend.
func (l *Loop) RunScheduledReview(ctx context.Context) {
	l.mu.Lock()
	ids := make([]string, 0, len(l.templates))
	for id := range l.templates {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	for _, id := range ids {
		l.evaluate(ctx, id, true)
	}
}

// state returns the per-template record, creating it if needed. Caller
// holds the lock.
func (l *Loop) state(templateID string) *templateState {
	s, ok := l.templates[templateID]
	if !ok {
		s = &templateState{}
		l.templates[templateID] = s
	}
	return s
}

// evaluate decides whether templateID needs re-optimization and, when
// it does and the cooldown has elapsed, triggers it.
func (l *Loop) evaluate(ctx context.Context, templateID string, scheduledReview bool) {
	l.mu.Lock()
	state, ok := l.templates[templateID]
	if !ok {
		l.mu.Unlock()
		return
	}
	var reason string
	switch {
	case len(state.feedback) >= l.opts.feedbackThreshold && averageRating(state.feedback) < l.opts.ratingThreshold:
		reason = fmt.Sprintf("average rating %.2f below %.2f over %d feedback entries",
			averageRating(state.feedback), l.opts.ratingThreshold, len(state.feedback))
	case state.perfDipped:
		reason = fmt.Sprintf("performance ratio %.2f below %.2f", state.perfRatio, l.opts.performanceThreshold)
	case scheduledReview && feedbackTrend(state.feedback) == TrendDeclining:
		reason = "scheduled review found a declining feedback trend"
	default:
		l.mu.Unlock()
		return
	}
	now := l.now()
	if state.lastReopt != nil && now.Sub(*state.lastReopt) < l.opts.cooldown {
		l.mu.Unlock()
		return
	}
	state.lastReopt = &now
	state.perfDipped = false
	l.mu.Unlock()

	l.trigger(ctx, templateID, reason)
}

func (l *Loop) trigger(_ context.Context, templateID, reason string) {
	l.opts.bus.EmitNew(event.ReoptimizationTriggered,
		event.WithField("templateId", templateID),
		event.WithField("reason", reason))
	if !l.opts.autoReoptimize || l.opts.submitter == nil {
		log.Infof("re-optimization recommended for template %s: %s", templateID, reason)
		return
	}
	if l.opts.resolver == nil {
		l.emitFailed(templateID, "no template resolver configured")
		return
	}
	tpl, err := l.opts.resolver(templateID)
	if err != nil {
		l.emitFailed(templateID, fmt.Sprintf("resolve template: %v", err))
		return
	}
	jobID, err := l.opts.submitter.AddJob(templateID, tpl, nil,
		queue.WithPriority(queue.PriorityHigh),
		queue.WithMetadata(map[string]any{"reoptimization": true, "reason": reason}))
	if err != nil {
		l.emitFailed(templateID, fmt.Sprintf("submit job: %v", err))
		return
	}
	l.mu.Lock()
	l.jobs[jobID] = templateID
	l.mu.Unlock()
	log.Infof("re-optimization triggered for template %s (job %s): %s", templateID, jobID, reason)
}

func (l *Loop) emitFailed(templateID, reason string) {
	log.Warnf("re-optimization failed for template %s: %s", templateID, reason)
	l.opts.bus.EmitNew(event.ReoptimizationFailed,
		event.WithField("templateId", templateID),
		event.WithField("error", reason))
}

// onJobDone translates completion of a triggered job into the matching
// reoptimization event.
func (l *Loop) onJobDone(e *event.Event, success bool) {
	jobID, _ := e.Payload["jobId"].(string)
	l.mu.Lock()
	templateID, ok := l.jobs[jobID]
	if ok {
		delete(l.jobs, jobID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	name := event.ReoptimizationCompleted
	if !success {
		name = event.ReoptimizationFailed
	}
	l.opts.bus.EmitNew(name,
		event.WithField("templateId", templateID),
		event.WithField("jobId", jobID))
}

// feedbackTrend compares the mean rating of the last three entries to
// the mean of the three before that.
func feedbackTrend(feedback []Feedback) Trend {
	if len(feedback) < 2*trendWindow {
		return TrendStable
	}
	last := feedback[len(feedback)-trendWindow:]
	prior := feedback[len(feedback)-2*trendWindow : len(feedback)-trendWindow]
	delta := averageRating(last) - averageRating(prior)
	switch {
	case delta > trendDelta:
		return TrendImproving
	case delta < -trendDelta:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func averageRating(feedback []Feedback) float64 {
	if len(feedback) == 0 {
		return 0
	}
	var total int
	for _, fb := range feedback {
		total += fb.Rating
	}
	return float64(total) / float64(len(feedback))
}

func metricMean(metrics []PerformanceMetric) float64 {
	if len(metrics) == 0 {
		return 0
	}
	var total float64
	for _, m := range metrics {
		total += m.Value
	}
	return total / float64(len(metrics))
}
