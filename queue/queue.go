//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/cursor-prompt/promptwizard-go/errs"
	"github.com/cursor-prompt/promptwizard-go/event"
	"github.com/cursor-prompt/promptwizard-go/log"
	"github.com/cursor-prompt/promptwizard-go/pipeline"
	"github.com/cursor-prompt/promptwizard-go/template"
)

const (
	defaultMaxConcurrency  = 3
	defaultJobTimeout      = 10 * time.Minute
	defaultRetryDelay      = 5 * time.Second
	defaultMaxRetries      = 3
	defaultMaxJobHistory   = 1000
	defaultCleanupInterval = time.Hour
)

// Runner executes the pipeline for one job. *pipeline.Pipeline
// satisfies it.
type Runner interface {
	Run(ctx context.Context, templateID string, tpl *template.Template, req *pipeline.Request) (*pipeline.Result, error)
}

// Options is the options for the queue.
type Options struct {
	maxConcurrency  int
	jobTimeout      time.Duration
	retryDelay      time.Duration
	maxJobHistory   int
	cleanupInterval time.Duration
	bus             *event.Bus
	runner          Runner
}

// Option is the option for the queue.
type Option func(*Options)

// WithMaxConcurrency bounds the worker pool size.
func WithMaxConcurrency(n int) Option {
	return func(opts *Options) {
		if n > 0 {
			opts.maxConcurrency = n
		}
	}
}

// WithJobTimeout bounds a single job attempt.
func WithJobTimeout(d time.Duration) Option {
	return func(opts *Options) {
		if d > 0 {
			opts.jobTimeout = d
		}
	}
}

// WithRetryDelay sets the wait before a failed job re-enters the
// pending list.
func WithRetryDelay(d time.Duration) Option {
	return func(opts *Options) {
		if d >= 0 {
			opts.retryDelay = d
		}
	}
}

// WithMaxJobHistory sets how many terminal jobs cleanup retains.
func WithMaxJobHistory(n int) Option {
	return func(opts *Options) {
		if n > 0 {
			opts.maxJobHistory = n
		}
	}
}

// WithCleanupInterval sets how often terminal jobs are trimmed.
func WithCleanupInterval(d time.Duration) Option {
	return func(opts *Options) {
		if d > 0 {
			opts.cleanupInterval = d
		}
	}
}

// WithBus sets the event bus job events are emitted on.
func WithBus(bus *event.Bus) Option {
	return func(opts *Options) { opts.bus = bus }
}

// WithRunner sets the pipeline runner workers execute.
func WithRunner(r Runner) Option {
	return func(opts *Options) { opts.runner = r }
}

// Queue is the priority job scheduler. Create one with New and stop it
// with Stop when done.
type Queue struct {
	opts Options

	mu         sync.Mutex
	jobs       map[string]*Job
	pending    []*Job
	processing map[string]context.CancelFunc

	pool       *ants.Pool
	dispatchCh chan struct{}
	stopCh     chan struct{}
	stopped    bool
	cleanupT   *time.Ticker
}

// New creates and starts a queue.
func New(opts ...Option) (*Queue, error) {
	options := Options{
		maxConcurrency:  defaultMaxConcurrency,
		jobTimeout:      defaultJobTimeout,
		retryDelay:      defaultRetryDelay,
		maxJobHistory:   defaultMaxJobHistory,
		cleanupInterval: defaultCleanupInterval,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.runner == nil {
		return nil, errs.Configuration(errs.CodeConfigMissing, "queue requires a pipeline runner")
	}
	if options.bus == nil {
		options.bus = event.NewBus()
	}
	pool, err := ants.NewPool(options.maxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	q := &Queue{
		opts:       options,
		jobs:       make(map[string]*Job),
		processing: make(map[string]context.CancelFunc),
		pool:       pool,
		dispatchCh: make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	q.cleanupT = time.NewTicker(options.cleanupInterval)
	go q.dispatchLoop()
	go q.cleanupLoop()
	return q, nil
}

// Bus returns the event bus the queue emits on.
func (q *Queue) Bus() *event.Bus {
	return q.opts.bus
}

// JobOption configures one submission.
type JobOption func(*jobOptions)

type jobOptions struct {
	priority   Priority
	maxRetries int
	metadata   map[string]any
}

// WithPriority sets the job priority.
func WithPriority(p Priority) JobOption {
	return func(opts *jobOptions) { opts.priority = p }
}

// WithMaxRetries sets the retry budget. Zero means fail on the first
// error.
func WithMaxRetries(n int) JobOption {
	return func(opts *jobOptions) {
		if n >= 0 {
			opts.maxRetries = n
		}
	}
}

// WithMetadata attaches free-form metadata to the job.
func WithMetadata(md map[string]any) JobOption {
	return func(opts *jobOptions) { opts.metadata = md }
}

// ResolvedJobOptions is the materialized form of a submission's
// options, used by distributed queue backends that share the local
// queue's option surface.
type ResolvedJobOptions struct {
	Priority   Priority
	MaxRetries int
	Metadata   map[string]any
}

// ResolveJobOptions applies job options over the defaults.
func ResolveJobOptions(opts ...JobOption) ResolvedJobOptions {
	jobOpts := jobOptions{priority: PriorityNormal, maxRetries: defaultMaxRetries}
	for _, opt := range opts {
		opt(&jobOpts)
	}
	return ResolvedJobOptions{
		Priority:   jobOpts.priority,
		MaxRetries: jobOpts.maxRetries,
		Metadata:   jobOpts.metadata,
	}
}

// AddJob enqueues an optimization and returns the new job's id.
func (q *Queue) AddJob(templateID string, tpl *template.Template, req *pipeline.Request, opts ...JobOption) (string, error) {
	jobOpts := ResolveJobOptions(opts...)
	if !jobOpts.Priority.Valid() {
		return "", errs.Validation(errs.CodeEnumMiss,
			fmt.Sprintf("unknown priority %q", jobOpts.Priority))
	}
	job := &Job{
		ID:          uuid.New().String(),
		TemplateID:  templateID,
		Template:    tpl,
		Request:     req,
		Priority:    jobOpts.Priority,
		Status:      StatusPending,
		MaxRetries:  jobOpts.MaxRetries,
		Metadata:    jobOpts.Metadata,
		CurrentStep: "queued",
		CreatedAt:   time.Now(),
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", errs.Internal("queue is stopped")
	}
	q.jobs[job.ID] = job
	q.insertPending(job)
	q.mu.Unlock()

	q.opts.bus.EmitNew(event.JobAdded,
		event.WithField("jobId", job.ID),
		event.WithField("templateId", templateID),
		event.WithField("priority", string(job.Priority)))
	q.signalDispatch()
	return job.ID, nil
}

// insertPending places the job after all pending jobs of equal or
// higher priority, keeping FIFO order within a level. Caller holds the
// lock.
func (q *Queue) insertPending(job *Job) {
	rank := priorityRank[job.Priority]
	idx := len(q.pending)
	for i, p := range q.pending {
		if priorityRank[p.Priority] > rank {
			idx = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = job
}

// signalDispatch wakes the dispatcher. The buffered channel coalesces
// bursts; a pending signal already covers them.
func (q *Queue) signalDispatch() {
	select {
	case q.dispatchCh <- struct{}{}:
	default:
	}
}

// dispatchLoop is the only caller of dispatch. Pool submission can
// block until a worker frees, so it must never run on a worker
// goroutine.
func (q *Queue) dispatchLoop() {
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.dispatchCh:
			q.dispatch()
		}
	}
}

// dispatch hands pending jobs to free workers.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if q.stopped || len(q.pending) == 0 || len(q.processing) >= q.opts.maxConcurrency {
			q.mu.Unlock()
			return
		}
		job := q.pending[0]
		q.pending = q.pending[1:]
		if job.Status != StatusPending {
			// Cancelled while waiting.
			q.mu.Unlock()
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		q.processing[job.ID] = cancel
		q.mu.Unlock()

		if err := q.pool.Submit(func() { q.runJob(ctx, job.ID) }); err != nil {
			log.Errorf("submit job %s to worker pool: %v", job.ID, err)
			q.mu.Lock()
			delete(q.processing, job.ID)
			cancel()
			q.insertPending(job)
			q.mu.Unlock()
			return
		}
	}
}

// runJob executes one attempt of one job on a worker goroutine.
func (q *Queue) runJob(ctx context.Context, jobID string) {
	defer q.signalDispatch()

	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status != StatusPending {
		delete(q.processing, jobID)
		q.mu.Unlock()
		return
	}
	now := time.Now()
	job.Status = StatusProcessing
	job.StartedAt = &now
	job.Progress = 10
	job.CurrentStep = "processing"
	job.WorkerID = uuid.New().String()[:8]
	templateID, tpl, req := job.TemplateID, job.Template, job.Request
	q.mu.Unlock()

	q.opts.bus.EmitNew(event.JobStarted,
		event.WithField("jobId", jobID),
		event.WithField("templateId", templateID))

	result, err := q.runWithTimeout(ctx, templateID, tpl, req)

	q.mu.Lock()
	delete(q.processing, jobID)
	if job.Status == StatusCancelled {
		// The worker observed a cancellation; the result is discarded.
		q.mu.Unlock()
		return
	}
	if err == nil {
		done := time.Now()
		job.Status = StatusCompleted
		job.Result = result
		job.Progress = 100
		job.CurrentStep = "completed"
		job.CompletedAt = &done
		q.mu.Unlock()
		q.opts.bus.EmitNew(event.JobCompleted,
			event.WithField("jobId", jobID),
			event.WithField("templateId", templateID))
		return
	}

	job.RetryCount++
	job.Error = err.Error()
	job.Result = result
	retryable := errs.IsTransient(err) && job.RetryCount <= job.MaxRetries
	if !retryable {
		done := time.Now()
		job.Status = StatusFailed
		job.CurrentStep = "failed"
		job.CompletedAt = &done
		q.mu.Unlock()
		q.opts.bus.EmitNew(event.JobFailed,
			event.WithField("jobId", jobID),
			event.WithField("templateId", templateID),
			event.WithField("error", err.Error()))
		return
	}

	job.Status = StatusPending
	job.CurrentStep = "retry scheduled"
	retryCount := job.RetryCount
	q.mu.Unlock()

	q.opts.bus.EmitNew(event.JobRetrying,
		event.WithField("jobId", jobID),
		event.WithField("templateId", templateID),
		event.WithField("retryCount", retryCount))
	time.AfterFunc(q.opts.retryDelay, func() { q.requeue(jobID) })
}

// runWithTimeout races the pipeline against the job timeout. A timeout
// wins a same-instant tie.
func (q *Queue) runWithTimeout(ctx context.Context, templateID string, tpl *template.Template, req *pipeline.Request) (*pipeline.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result *pipeline.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := q.opts.runner.Run(ctx, templateID, tpl, req)
		done <- outcome{result, err}
	}()

	timer := time.NewTimer(q.opts.jobTimeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		cancel()
		return nil, timeoutError(q.opts.jobTimeout)
	case out := <-done:
		select {
		case <-timer.C:
			return nil, timeoutError(q.opts.jobTimeout)
		default:
		}
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func timeoutError(d time.Duration) error {
	return errs.Network(errs.CodeRequestTimeout,
		fmt.Sprintf("Job timeout after %dms", d.Milliseconds()))
}

// requeue re-inserts a job scheduled for retry, unless it was
// cancelled while waiting.
func (q *Queue) requeue(jobID string) {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status != StatusPending || q.stopped {
		q.mu.Unlock()
		return
	}
	q.insertPending(job)
	q.mu.Unlock()
	q.signalDispatch()
}

// GetJob returns a snapshot of the job, or nil if unknown.
func (q *Queue) GetJob(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil
	}
	return job.snapshot()
}

// GetJobs returns snapshots of all jobs with the given status, newest
// first. An empty status returns everything.
func (q *Queue) GetJobs(status Status) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Job
	for _, job := range q.jobs {
		if status == "" || job.Status == status {
			out = append(out, job.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// CancelJob cancels a job. Cancelling a terminal job has no effect and
// reports false; cancelling a pending or processing job moves it to
// cancelled.
func (q *Queue) CancelJob(id string) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status.Terminal() {
		q.mu.Unlock()
		return false
	}
	wasPending := job.Status == StatusPending
	now := time.Now()
	job.Status = StatusCancelled
	job.CurrentStep = "cancelled"
	job.CompletedAt = &now
	if wasPending {
		for i, p := range q.pending {
			if p.ID == id {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
	}
	cancel := q.processing[id]
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.opts.bus.EmitNew(event.JobCancelled,
		event.WithField("jobId", id),
		event.WithField("templateId", job.TemplateID))
	return true
}

// GetStats returns a snapshot of queue counters.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := Stats{ByStatus: make(map[Status]int)}
	var totalProcessing time.Duration
	var completed int
	for _, job := range q.jobs {
		stats.Total++
		stats.ByStatus[job.Status]++
		if job.Status == StatusCompleted && job.StartedAt != nil && job.CompletedAt != nil {
			totalProcessing += job.CompletedAt.Sub(*job.StartedAt)
			completed++
		}
	}
	if completed > 0 {
		stats.AverageProcessingTime = totalProcessing / time.Duration(completed)
	}
	finished := stats.ByStatus[StatusCompleted] + stats.ByStatus[StatusFailed]
	if finished > 0 {
		stats.SuccessRate = float64(stats.ByStatus[StatusCompleted]) / float64(finished)
	}
	stats.QueueLength = len(q.pending)
	stats.ActiveWorkers = len(q.processing)
	return stats
}

// ClearCompleted removes all completed jobs and returns how many were
// removed.
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for id, job := range q.jobs {
		if job.Status == StatusCompleted {
			delete(q.jobs, id)
			removed++
		}
	}
	return removed
}

func (q *Queue) cleanupLoop() {
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.cleanupT.C:
			q.Cleanup()
		}
	}
}

// Cleanup trims terminal jobs beyond the history limit, keeping the
// most recently finished.
func (q *Queue) Cleanup() {
	q.mu.Lock()
	defer q.mu.Unlock()
	var terminal []*Job
	for _, job := range q.jobs {
		if job.Status.Terminal() {
			terminal = append(terminal, job)
		}
	}
	if len(terminal) <= q.opts.maxJobHistory {
		return
	}
	sort.Slice(terminal, func(i, j int) bool {
		return finishedAt(terminal[i]).After(finishedAt(terminal[j]))
	})
	for _, job := range terminal[q.opts.maxJobHistory:] {
		delete(q.jobs, job.ID)
	}
}

func finishedAt(job *Job) time.Time {
	if job.CompletedAt != nil {
		return *job.CompletedAt
	}
	return job.CreatedAt
}

// Stop shuts the queue down. Pending jobs stay pending; processing
// jobs are cancelled.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	cancels := make([]context.CancelFunc, 0, len(q.processing))
	for _, cancel := range q.processing {
		cancels = append(cancels, cancel)
	}
	q.mu.Unlock()

	close(q.stopCh)
	q.cleanupT.Stop()
	for _, cancel := range cancels {
		cancel()
	}
	q.pool.Release()
}
