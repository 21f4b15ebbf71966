//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

// Package pipeline runs a single template through the ordered
// optimization stages, emitting an event for each stage boundary.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cursor-prompt/promptwizard-go/config"
	"github.com/cursor-prompt/promptwizard-go/event"
	"github.com/cursor-prompt/promptwizard-go/log"
	"github.com/cursor-prompt/promptwizard-go/optimizer"
	"github.com/cursor-prompt/promptwizard-go/store"
	"github.com/cursor-prompt/promptwizard-go/template"
)

// Stage names, in execution order.
const (
	StageMetadataExtraction = "metadata-extraction"
	StageContextPreparation = "context-preparation"
	StagePreprocessing      = "preprocessing"
	StageExampleGeneration  = "example-generation"
	StageRequestBuilding    = "request-building"
	StageOptimization       = "optimization"
	StagePostprocessing     = "postprocessing"
	StageValidation         = "validation"
	StageTemplateUpdate     = "template-update"
)

// Request carries per-submission overrides for one optimization.
type Request struct {
	TargetModel       string         `json:"targetModel,omitempty"`
	Task              string         `json:"task,omitempty"`
	RefineIterations  *int           `json:"refineIterations,omitempty"`
	FewShotCount      *int           `json:"fewShotCount,omitempty"`
	GenerateReasoning *bool          `json:"generateReasoning,omitempty"`
	Constraints       map[string]any `json:"constraints,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// StageResult records the outcome of one stage.
type StageResult struct {
	Stage    string        `json:"stage"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Metrics are recomputed locally after optimization.
type Metrics struct {
	OriginalTokens      int     `json:"originalTokens"`
	OptimizedTokens     int     `json:"optimizedTokens"`
	TokenReduction      float64 `json:"tokenReduction"`
	ComplexityReduction float64 `json:"complexityReduction"`
}

// Result is the pipeline outcome for one template. A failed run still
// carries the stage results accumulated before the failure.
type Result struct {
	TemplateID        string             `json:"templateId"`
	Success           bool               `json:"success"`
	Error             string             `json:"error,omitempty"`
	Stages            []StageResult      `json:"stages"`
	Warnings          []string           `json:"warnings,omitempty"`
	Optimization      *optimizer.Result  `json:"optimization,omitempty"`
	OptimizedTemplate *template.Template `json:"optimizedTemplate,omitempty"`
	Metrics           Metrics            `json:"metrics"`
	Duration          time.Duration      `json:"duration"`
}

// Backend is the optimizer client contract the pipeline depends on.
type Backend interface {
	Optimize(ctx context.Context, req *optimizer.Request, opts ...optimizer.CallOption) (*optimizer.Result, error)
}

// Persister stores the optimized sibling template. *store.Store
// satisfies it.
type Persister interface {
	Save(doc *store.Document) error
}

// Options is the options for the pipeline.
type Options struct {
	engine         *template.Engine
	backend        Backend
	cache          resultCache
	persister      Persister
	bus            *event.Bus
	cfg            *config.PromptWizardConfig
	caching        bool
	preprocessing  bool
	postprocessing bool
	validation     bool
}

type resultCache interface {
	GetOrCompute(ctx context.Context, key string, producer func() (any, error)) (any, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration)
}

// Option is the option for the pipeline.
type Option func(*Options)

// WithEngine sets the template engine used for analysis.
func WithEngine(engine *template.Engine) Option {
	return func(opts *Options) { opts.engine = engine }
}

// WithBackend sets the optimizer backend client.
func WithBackend(backend Backend) Option {
	return func(opts *Options) { opts.backend = backend }
}

// WithCache enables result caching through the given cache.
func WithCache(c resultCache) Option {
	return func(opts *Options) { opts.cache = c }
}

// WithPersister sets where optimized templates are persisted. Without
// one, results are written to the cache instead.
func WithPersister(p Persister) Option {
	return func(opts *Options) { opts.persister = p }
}

// WithBus sets the event bus stage events are emitted on.
func WithBus(bus *event.Bus) Option {
	return func(opts *Options) { opts.bus = bus }
}

// WithConfig sets the promptwizard config subtree providing defaults.
func WithConfig(cfg *config.PromptWizardConfig) Option {
	return func(opts *Options) { opts.cfg = cfg }
}

// WithCaching toggles result caching.
func WithCaching(enabled bool) Option {
	return func(opts *Options) { opts.caching = enabled }
}

// WithPreprocessing toggles the preprocessing stage.
func WithPreprocessing(enabled bool) Option {
	return func(opts *Options) { opts.preprocessing = enabled }
}

// WithPostprocessing toggles the postprocessing stage.
func WithPostprocessing(enabled bool) Option {
	return func(opts *Options) { opts.postprocessing = enabled }
}

// WithValidation toggles the validation stage.
func WithValidation(enabled bool) Option {
	return func(opts *Options) { opts.validation = enabled }
}

// Pipeline processes one (template id, template, request) triple at a
// time. It is safe for concurrent use; per-run state lives on the
// stack.
type Pipeline struct {
	opts Options
}

// New creates a pipeline. A backend is required for the optimization
// stage; everything else has a working default.
func New(opts ...Option) *Pipeline {
	options := Options{
		caching:        true,
		preprocessing:  true,
		postprocessing: true,
		validation:     true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.engine == nil {
		options.engine = template.NewEngine()
	}
	if options.bus == nil {
		options.bus = event.NewBus()
	}
	if options.cfg == nil {
		options.cfg = defaultConfig()
	}
	return &Pipeline{opts: options}
}

// Bus returns the event bus the pipeline emits on.
func (p *Pipeline) Bus() *event.Bus {
	return p.opts.bus
}

func defaultConfig() *config.PromptWizardConfig {
	cfg := &config.PromptWizardConfig{}
	defaults := config.Defaults()
	cfg.DefaultModel = defaults["promptwizard.defaultModel"].(string)
	cfg.MutateRefineIterations = defaults["promptwizard.mutateRefineIterations"].(int)
	cfg.FewShotCount = defaults["promptwizard.fewShotCount"].(int)
	cfg.GenerateReasoning = defaults["promptwizard.generateReasoning"].(bool)
	cfg.MaxPromptLength = defaults["promptwizard.maxPromptLength"].(int)
	cfg.MinConfidence = defaults["promptwizard.minConfidence"].(float64)
	return cfg
}

// run-scoped state threaded through the stages.
type runState struct {
	templateID string
	tpl        *template.Template
	req        *Request

	metadata  *templateMetadata
	optCtx    *optimizationContext
	processed *preprocessed
	examples  []optimizer.Example
	request   *optimizer.Request
	result    *Result
}

// Run executes the stage sequence for one template.
func (p *Pipeline) Run(ctx context.Context, templateID string, tpl *template.Template, req *Request) (*Result, error) {
	if req == nil {
		req = &Request{}
	}
	start := time.Now()
	state := &runState{
		templateID: templateID,
		tpl:        tpl,
		req:        req,
		result:     &Result{TemplateID: templateID},
	}
	p.opts.bus.EmitNew(event.PipelineStarted, event.WithField("templateId", templateID))

	err := p.runStages(ctx, state)
	state.result.Duration = time.Since(start)
	if err != nil {
		state.result.Success = false
		state.result.Error = err.Error()
		p.opts.bus.EmitNew(event.PipelineFailed,
			event.WithField("templateId", templateID),
			event.WithField("error", err.Error()),
			event.WithField("duration", state.result.Duration))
		return state.result, err
	}
	state.result.Success = true
	p.opts.bus.EmitNew(event.PipelineCompleted,
		event.WithField("templateId", templateID),
		event.WithField("duration", state.result.Duration))
	return state.result, nil
}

// stage describes one pipeline step. Critical stages abort the run on
// failure; the rest log a warning and let the run continue with the
// last good data.
type stage struct {
	name     string
	critical bool
	enabled  bool
	fn       func(context.Context, *runState) error
}

func (p *Pipeline) runStages(ctx context.Context, state *runState) error {
	stages := []stage{
		{StageMetadataExtraction, true, true, p.extractMetadata},
		{StageContextPreparation, true, true, p.prepareContext},
		{StagePreprocessing, false, p.opts.preprocessing, p.preprocess},
		{StageExampleGeneration, false, true, p.generateExamples},
		{StageRequestBuilding, true, true, p.buildRequest},
		{StageOptimization, true, true, p.optimize},
		{StagePostprocessing, false, p.opts.postprocessing, p.postprocess},
		{StageValidation, false, p.opts.validation, p.validate},
		{StageTemplateUpdate, true, true, p.updateTemplate},
	}
	for _, s := range stages {
		if !s.enabled {
			continue
		}
		if err := p.runStage(ctx, state, s); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, state *runState, s stage) error {
	p.opts.bus.EmitNew(event.StageStarted,
		event.WithField("stage", s.name),
		event.WithField("templateId", state.templateID))
	start := time.Now()
	err := s.fn(ctx, state)
	duration := time.Since(start)

	sr := StageResult{Stage: s.name, Success: err == nil, Duration: duration}
	if err != nil {
		sr.Error = err.Error()
	}
	state.result.Stages = append(state.result.Stages, sr)

	if err == nil {
		p.opts.bus.EmitNew(event.StageCompleted,
			event.WithField("stage", s.name),
			event.WithField("templateId", state.templateID),
			event.WithField("duration", duration))
		return nil
	}
	p.opts.bus.EmitNew(event.StageFailed,
		event.WithField("stage", s.name),
		event.WithField("templateId", state.templateID),
		event.WithField("duration", duration),
		event.WithField("error", err.Error()))
	if s.critical {
		return fmt.Errorf("stage %s failed: %w", s.name, err)
	}
	log.Warnf("stage %s failed for template %s, continuing: %v", s.name, state.templateID, err)
	state.result.Warnings = append(state.result.Warnings,
		fmt.Sprintf("stage %s failed: %v", s.name, err))
	return nil
}
