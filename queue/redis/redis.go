//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

// Package redis provides the distributed queue backend. Jobs are
// enqueued into a Redis sorted set and picked up by workers anywhere;
// when Redis cannot be reached at add time the local in-process queue
// takes over transparently.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/cursor-prompt/promptwizard-go/errs"
	"github.com/cursor-prompt/promptwizard-go/event"
	"github.com/cursor-prompt/promptwizard-go/log"
	"github.com/cursor-prompt/promptwizard-go/pipeline"
	"github.com/cursor-prompt/promptwizard-go/queue"
	"github.com/cursor-prompt/promptwizard-go/template"
)

const (
	defaultKeyPrefix    = "promptwizard:queue:"
	defaultPollInterval = 100 * time.Millisecond
	defaultJobTTL       = 24 * time.Hour
	defaultJobTimeout   = 10 * time.Minute
	defaultRetryDelay   = 5 * time.Second

	pendingSuffix = "pending"
	counterSuffix = "seq"
	jobSuffix     = "job:"
)

// Broker priority weights. Higher weight means picked up sooner.
var priorityWeight = map[queue.Priority]int{
	queue.PriorityUrgent: 10,
	queue.PriorityHigh:   5,
	queue.PriorityNormal: 0,
	queue.PriorityLow:    -5,
}

// Options is the options for the distributed queue.
type Options struct {
	url          string
	client       goredis.UniversalClient
	keyPrefix    string
	pollInterval time.Duration
	jobTTL       time.Duration
	jobTimeout   time.Duration
	retryDelay   time.Duration
	fallback     *queue.Queue
	bus          *event.Bus
}

// Option is the option for the distributed queue.
type Option func(*Options)

// WithClientURL creates a redis client from URL.
func WithClientURL(url string) Option {
	return func(opts *Options) { opts.url = url }
}

// WithClient uses an existing redis client.
// Note: WithClientURL has higher priority than WithClient.
func WithClient(client goredis.UniversalClient) Option {
	return func(opts *Options) { opts.client = client }
}

// WithKeyPrefix namespaces all broker keys.
func WithKeyPrefix(prefix string) Option {
	return func(opts *Options) {
		if prefix != "" {
			opts.keyPrefix = prefix
		}
	}
}

// WithPollInterval sets how often workers poll for jobs.
func WithPollInterval(d time.Duration) Option {
	return func(opts *Options) {
		if d > 0 {
			opts.pollInterval = d
		}
	}
}

// WithJobTTL bounds how long job records stay in the broker.
func WithJobTTL(d time.Duration) Option {
	return func(opts *Options) {
		if d > 0 {
			opts.jobTTL = d
		}
	}
}

// WithJobTimeout bounds a single job attempt on a worker.
func WithJobTimeout(d time.Duration) Option {
	return func(opts *Options) {
		if d > 0 {
			opts.jobTimeout = d
		}
	}
}

// WithRetryDelay sets the wait before a failed job re-enters the
// pending set.
func WithRetryDelay(d time.Duration) Option {
	return func(opts *Options) {
		if d >= 0 {
			opts.retryDelay = d
		}
	}
}

// WithFallback sets the local queue used when the broker is
// unreachable at add time.
func WithFallback(q *queue.Queue) Option {
	return func(opts *Options) { opts.fallback = q }
}

// WithBus sets the event bus job events are emitted on.
func WithBus(bus *event.Bus) Option {
	return func(opts *Options) { opts.bus = bus }
}

// Queue is the redis-backed job queue. It mirrors the local queue's
// add/get/cancel contract; processing happens in Workers.
type Queue struct {
	client       goredis.UniversalClient
	keyPrefix    string
	pollInterval time.Duration
	jobTTL       time.Duration
	jobTimeout   time.Duration
	retryDelay   time.Duration
	fallback     *queue.Queue
	bus          *event.Bus

	mu         sync.Mutex
	processing map[string]context.CancelFunc
}

// New creates a distributed queue.
func New(opts ...Option) (*Queue, error) {
	options := Options{
		keyPrefix:    defaultKeyPrefix,
		pollInterval: defaultPollInterval,
		jobTTL:       defaultJobTTL,
		jobTimeout:   defaultJobTimeout,
		retryDelay:   defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(&options)
	}
	client := options.client
	if options.url != "" {
		redisOpts, err := goredis.ParseURL(options.url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = goredis.NewClient(redisOpts)
	}
	if client == nil {
		return nil, fmt.Errorf("distributed queue requires a client or url")
	}
	if options.bus == nil {
		options.bus = event.NewBus()
	}
	return &Queue{
		client:       client,
		keyPrefix:    options.keyPrefix,
		pollInterval: options.pollInterval,
		jobTTL:       options.jobTTL,
		jobTimeout:   options.jobTimeout,
		retryDelay:   options.retryDelay,
		fallback:     options.fallback,
		bus:          options.bus,
		processing:   make(map[string]context.CancelFunc),
	}, nil
}

// Bus returns the event bus the queue emits on.
func (q *Queue) Bus() *event.Bus {
	return q.bus
}

func (q *Queue) pendingKey() string { return q.keyPrefix + pendingSuffix }
func (q *Queue) counterKey() string { return q.keyPrefix + counterSuffix }
func (q *Queue) jobKey(id string) string {
	return q.keyPrefix + jobSuffix + id
}

// AddJob enqueues a job into the broker. If the broker cannot be
// reached, the job is submitted to the local fallback queue instead.
func (q *Queue) AddJob(ctx context.Context, templateID string, tpl *template.Template, req *pipeline.Request, opts ...queue.JobOption) (string, error) {
	jobOpts := queue.ResolveJobOptions(opts...)
	if !jobOpts.Priority.Valid() {
		return "", fmt.Errorf("unknown priority %q", jobOpts.Priority)
	}
	job := &queue.Job{
		ID:          uuid.New().String(),
		TemplateID:  templateID,
		Template:    tpl,
		Request:     req,
		Priority:    jobOpts.Priority,
		Status:      queue.StatusPending,
		MaxRetries:  jobOpts.MaxRetries,
		Metadata:    jobOpts.Metadata,
		CurrentStep: "queued",
		CreatedAt:   time.Now(),
	}
	if err := q.enqueue(ctx, job); err != nil {
		if q.fallback == nil {
			return "", err
		}
		log.Warnf("broker unreachable, falling back to local queue: %v", err)
		return q.fallback.AddJob(templateID, tpl, req, opts...)
	}
	q.bus.EmitNew(event.JobAdded,
		event.WithField("jobId", job.ID),
		event.WithField("templateId", templateID),
		event.WithField("priority", string(job.Priority)),
		event.WithField("distributed", true))
	return job.ID, nil
}

// enqueue stores the job record and ranks it in the pending set. The
// score interleaves the priority weight with a FIFO sequence number so
// equal-priority jobs pop in arrival order.
func (q *Queue) enqueue(ctx context.Context, job *queue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	seq, err := q.client.Incr(ctx, q.counterKey()).Result()
	if err != nil {
		return fmt.Errorf("broker sequence: %w", err)
	}
	score := float64(-priorityWeight[job.Priority])*1e9 + float64(seq)
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), data, q.jobTTL)
	pipe.ZAdd(ctx, q.pendingKey(), goredis.Z{Score: score, Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker enqueue: %w", err)
	}
	return nil
}

// GetJob returns the broker's record of the job, falling back to the
// local queue for locally-queued ids.
func (q *Queue) GetJob(ctx context.Context, id string) (*queue.Job, error) {
	data, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if err != nil {
		if q.fallback != nil {
			if job := q.fallback.GetJob(id); job != nil {
				return job, nil
			}
		}
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("broker get: %w", err)
	}
	var job queue.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("broker job record malformed: %w", err)
	}
	return &job, nil
}

// CancelJob cancels a job. Pending jobs are removed from the broker's
// sorted set; jobs a local worker is processing have their context
// cancelled. Unknown ids are delegated to the local fallback queue.
func (q *Queue) CancelJob(ctx context.Context, id string) (bool, error) {
	removed, err := q.client.ZRem(ctx, q.pendingKey(), id).Result()
	if err != nil {
		return false, fmt.Errorf("broker cancel: %w", err)
	}
	if removed == 0 {
		q.mu.Lock()
		cancel := q.processing[id]
		q.mu.Unlock()
		if cancel == nil {
			if q.fallback != nil {
				return q.fallback.CancelJob(id), nil
			}
			return false, nil
		}
		// The record must show cancelled before the worker's context
		// fires, so its late result is discarded rather than saved.
		if err := q.markCancelled(ctx, id); err != nil {
			return true, err
		}
		cancel()
		return true, nil
	}
	return true, q.markCancelled(ctx, id)
}

// markCancelled rewrites the broker record as cancelled and emits the
// cancellation event.
func (q *Queue) markCancelled(ctx context.Context, id string) error {
	job, err := q.GetJob(ctx, id)
	if err != nil || job == nil {
		return err
	}
	now := time.Now()
	job.Status = queue.StatusCancelled
	job.CurrentStep = "cancelled"
	job.CompletedAt = &now
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	q.bus.EmitNew(event.JobCancelled,
		event.WithField("jobId", id),
		event.WithField("templateId", job.TemplateID))
	return nil
}

func (q *Queue) track(id string, cancel context.CancelFunc) {
	q.mu.Lock()
	q.processing[id] = cancel
	q.mu.Unlock()
}

func (q *Queue) untrack(id string) {
	q.mu.Lock()
	delete(q.processing, id)
	q.mu.Unlock()
}

// requeue puts a retry-scheduled job back into the pending set,
// keeping its priority rank but taking a fresh FIFO sequence.
func (q *Queue) requeue(ctx context.Context, id string) {
	job, err := q.GetJob(ctx, id)
	if err != nil || job == nil || job.Status != queue.StatusPending {
		return
	}
	seq, err := q.client.Incr(ctx, q.counterKey()).Result()
	if err != nil {
		log.Warnf("requeue job %s: %v", id, err)
		return
	}
	score := float64(-priorityWeight[job.Priority])*1e9 + float64(seq)
	if err := q.client.ZAdd(ctx, q.pendingKey(), goredis.Z{Score: score, Member: id}).Err(); err != nil {
		log.Warnf("requeue job %s: %v", id, err)
	}
}

// QueueLength returns the number of jobs waiting in the broker.
func (q *Queue) QueueLength(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.pendingKey()).Result()
}

func (q *Queue) saveJob(ctx context.Context, job *queue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.Set(ctx, q.jobKey(job.ID), data, q.jobTTL).Err(); err != nil {
		return fmt.Errorf("broker save: %w", err)
	}
	return nil
}

// pop claims the highest-priority pending job, or nil when the broker
// is empty.
func (q *Queue) pop(ctx context.Context) (*queue.Job, error) {
	members, err := q.client.ZPopMin(ctx, q.pendingKey(), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("broker pop: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	id, _ := members[0].Member.(string)
	job, err := q.GetJob(ctx, id)
	if err != nil || job == nil {
		return nil, err
	}
	if job.Status != queue.StatusPending {
		return nil, nil
	}
	return job, nil
}

// Worker pulls jobs from the broker and runs them through the
// pipeline, streaming progress back through job events and the stored
// job record.
type Worker struct {
	queue  *Queue
	runner queue.Runner
	stop   chan struct{}
	done   chan struct{}
}

// NewWorker creates a worker bound to the distributed queue.
func NewWorker(q *Queue, runner queue.Runner) *Worker {
	return &Worker{
		queue:  q,
		runner: runner,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins polling for jobs. It returns immediately.
func (w *Worker) Start() {
	go w.loop()
}

// Stop halts polling and waits for the current job to finish.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.queue.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			ctx := context.Background()
			job, err := w.queue.pop(ctx)
			if err != nil {
				log.Warnf("distributed queue poll failed: %v", err)
				continue
			}
			if job == nil {
				continue
			}
			w.process(ctx, job)
		}
	}
}

func (w *Worker) process(ctx context.Context, job *queue.Job) {
	runCtx, cancel := context.WithCancel(ctx)
	w.queue.track(job.ID, cancel)
	defer w.queue.untrack(job.ID)
	defer cancel()

	now := time.Now()
	job.Status = queue.StatusProcessing
	job.StartedAt = &now
	job.Progress = 10
	job.CurrentStep = "processing"
	if err := w.queue.saveJob(ctx, job); err != nil {
		log.Warnf("save job %s: %v", job.ID, err)
	}
	w.queue.bus.EmitNew(event.JobStarted,
		event.WithField("jobId", job.ID),
		event.WithField("templateId", job.TemplateID))

	result, err := w.runWithTimeout(runCtx, job)

	if w.cancelled(ctx, job.ID) {
		// Cancelled while running; the result is discarded.
		return
	}
	if err == nil {
		done := time.Now()
		job.Status = queue.StatusCompleted
		job.CurrentStep = "completed"
		job.Progress = 100
		job.CompletedAt = &done
		job.Result = result
		if saveErr := w.queue.saveJob(ctx, job); saveErr != nil {
			log.Warnf("save job %s: %v", job.ID, saveErr)
		}
		w.queue.bus.EmitNew(event.JobCompleted,
			event.WithField("jobId", job.ID),
			event.WithField("templateId", job.TemplateID))
		return
	}

	job.RetryCount++
	job.Error = err.Error()
	job.Result = result
	if errs.IsTransient(err) && job.RetryCount <= job.MaxRetries {
		job.Status = queue.StatusPending
		job.CurrentStep = "retry scheduled"
		if saveErr := w.queue.saveJob(ctx, job); saveErr != nil {
			log.Warnf("save job %s: %v", job.ID, saveErr)
		}
		w.queue.bus.EmitNew(event.JobRetrying,
			event.WithField("jobId", job.ID),
			event.WithField("templateId", job.TemplateID),
			event.WithField("retryCount", job.RetryCount))
		jobID := job.ID
		time.AfterFunc(w.queue.retryDelay, func() {
			w.queue.requeue(context.Background(), jobID)
		})
		return
	}

	done := time.Now()
	job.Status = queue.StatusFailed
	job.CurrentStep = "failed"
	job.CompletedAt = &done
	if saveErr := w.queue.saveJob(ctx, job); saveErr != nil {
		log.Warnf("save job %s: %v", job.ID, saveErr)
	}
	w.queue.bus.EmitNew(event.JobFailed,
		event.WithField("jobId", job.ID),
		event.WithField("templateId", job.TemplateID),
		event.WithField("error", err.Error()))
}

// runWithTimeout races the pipeline against the job timeout. A timeout
// wins a same-instant tie.
func (w *Worker) runWithTimeout(ctx context.Context, job *queue.Job) (*pipeline.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result *pipeline.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := w.runner.Run(ctx, job.TemplateID, job.Template, job.Request)
		done <- outcome{result, err}
	}()

	timer := time.NewTimer(w.queue.jobTimeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		cancel()
		return nil, timeoutError(w.queue.jobTimeout)
	case out := <-done:
		select {
		case <-timer.C:
			return nil, timeoutError(w.queue.jobTimeout)
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

// cancelled reports whether the broker record was rewritten as
// cancelled while the job was running.
func (w *Worker) cancelled(ctx context.Context, id string) bool {
	job, err := w.queue.GetJob(ctx, id)
	return err == nil && job != nil && job.Status == queue.StatusCancelled
}
