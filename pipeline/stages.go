//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/cursor-prompt/promptwizard-go/cache"
	"github.com/cursor-prompt/promptwizard-go/errs"
	"github.com/cursor-prompt/promptwizard-go/log"
	"github.com/cursor-prompt/promptwizard-go/optimizer"
	"github.com/cursor-prompt/promptwizard-go/store"
)

const fallbackTask = "Optimize this prompt template for clarity, brevity and effectiveness"

var (
	placeholderRe = regexp.MustCompile(`\{\{[^{}]*\}\}`)
	partialRefRe  = regexp.MustCompile(`\{\{>\s*([\w.-]+)`)
	conditionalRe = regexp.MustCompile(`\{\{#(?:if|unless)\b`)
	loopRe        = regexp.MustCompile(`\{\{#each\b`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
)

// templateMetadata is the output of the metadata-extraction stage.
type templateMetadata struct {
	ComplexityScore  float64
	EstimatedTokens  int
	VariableCount    int
	ConditionalCount int
	LoopCount        int
	PartialCount     int
	Dependencies     []string
}

// optimizationContext is the output of the context-preparation stage.
type optimizationContext struct {
	TemplateID  string
	TargetModel string
	Task        string
	Constraints map[string]any
}

// preprocessed carries the tokenized body and the token-to-placeholder
// mapping used to restore placeholders after optimization.
type preprocessed struct {
	Task    string
	Body    string
	Mapping map[string]string
}

func (p *Pipeline) extractMetadata(_ context.Context, state *runState) error {
	tpl := state.tpl
	if tpl == nil || tpl.Content == "" {
		return errs.Template(errs.CodeTemplateProcessing,
			"template has no content", errs.WithEntity(state.templateID))
	}
	variables := p.opts.engine.ExtractVariables(tpl.Content)
	deps := uniqueMatches(partialRefRe, tpl.Content)
	md := &templateMetadata{
		EstimatedTokens:  estimateTokens(tpl.Content),
		VariableCount:    len(variables),
		ConditionalCount: len(conditionalRe.FindAllString(tpl.Content, -1)),
		LoopCount:        len(loopRe.FindAllString(tpl.Content, -1)),
		PartialCount:     len(deps),
		Dependencies:     deps,
	}
	md.ComplexityScore = complexityScore(len(tpl.Content), md.VariableCount,
		md.ConditionalCount, md.LoopCount, md.PartialCount)
	state.metadata = md
	return nil
}

func (p *Pipeline) prepareContext(_ context.Context, state *runState) error {
	cfg := p.opts.cfg
	model := state.req.TargetModel
	if model == "" {
		model = cfg.DefaultModel
	}
	task := state.req.Task
	if task == "" {
		task = state.tpl.Description
	}
	if task == "" {
		task = fallbackTask
	}
	constraints := map[string]any{
		"maxLength":         cfg.MaxPromptLength,
		"preserveVariables": true,
		"maintainStructure": true,
	}
	for k, v := range state.req.Constraints {
		constraints[k] = v
	}
	state.optCtx = &optimizationContext{
		TemplateID:  state.templateID,
		TargetModel: model,
		Task:        task,
		Constraints: constraints,
	}
	return nil
}

func (p *Pipeline) preprocess(_ context.Context, state *runState) error {
	body, mapping := tokenizePlaceholders(state.tpl.Content)
	state.processed = &preprocessed{
		Task:    normalizeWhitespace(state.optCtx.Task),
		Body:    body,
		Mapping: mapping,
	}
	return nil
}

func (p *Pipeline) generateExamples(_ context.Context, state *runState) error {
	// A nil override means "use the configured default"; an explicit
	// zero disables example generation.
	count := p.opts.cfg.FewShotCount
	if state.req.FewShotCount != nil {
		count = *state.req.FewShotCount
	}
	if count <= 0 {
		state.examples = nil
		return nil
	}
	pool := examplesForCategory(state.tpl.Metadata.Category)
	if count > len(pool) {
		count = len(pool)
	}
	state.examples = pool[:count]
	return nil
}

func (p *Pipeline) buildRequest(_ context.Context, state *runState) error {
	cfg := p.opts.cfg
	task := state.optCtx.Task
	if state.processed != nil {
		task = state.processed.Task
	}
	iterations := cfg.MutateRefineIterations
	if state.req.RefineIterations != nil {
		iterations = *state.req.RefineIterations
	}
	reasoning := cfg.GenerateReasoning
	if state.req.GenerateReasoning != nil {
		reasoning = *state.req.GenerateReasoning
	}
	metadata := map[string]any{
		"templateId": state.templateID,
		"version":    state.tpl.Version,
		"author":     state.tpl.Metadata.Author,
	}
	for k, v := range state.req.Metadata {
		metadata[k] = v
	}
	state.request = &optimizer.Request{
		Task:              task,
		Prompt:            state.tpl.Content,
		TargetModel:       state.optCtx.TargetModel,
		RefineIterations:  iterations,
		FewShotCount:      len(state.examples),
		GenerateReasoning: reasoning,
		Examples:          state.examples,
		Metadata:          metadata,
	}
	return state.request.Validate()
}

func (p *Pipeline) optimize(ctx context.Context, state *runState) error {
	if p.opts.backend == nil {
		return errs.Configuration(errs.CodeConfigMissing, "no optimizer backend configured")
	}
	call := func() (*optimizer.Result, error) {
		return p.opts.backend.Optimize(ctx, state.request,
			optimizer.WithSkipCache(!p.opts.caching))
	}
	if !p.opts.caching || p.opts.cache == nil {
		result, err := call()
		if err != nil {
			return err
		}
		state.result.Optimization = result
		return nil
	}

	key := cache.Fingerprint(state.tpl.Content, map[string]any{
		"model":      state.request.TargetModel,
		"task":       state.request.Task,
		"iterations": state.request.RefineIterations,
		"fewShot":    state.request.FewShotCount,
		"reasoning":  state.request.GenerateReasoning,
	})
	v, err := p.opts.cache.GetOrCompute(ctx, key, func() (any, error) {
		return call()
	})
	if err != nil {
		return err
	}
	result, err := toOptimizerResult(v)
	if err != nil {
		return err
	}
	state.result.Optimization = result
	return nil
}

func (p *Pipeline) postprocess(_ context.Context, state *runState) error {
	opt := state.result.Optimization
	if opt == nil {
		return errs.Internal("postprocessing requires an optimization result")
	}
	if state.processed != nil {
		opt.OptimizedPrompt = restorePlaceholders(opt.OptimizedPrompt, state.processed.Mapping)
	}
	original := state.tpl.Content
	state.result.Metrics = Metrics{
		OriginalTokens:  estimateTokens(original),
		OptimizedTokens: estimateTokens(opt.OptimizedPrompt),
	}
	if state.result.Metrics.OriginalTokens > 0 {
		reduction := 1 - float64(state.result.Metrics.OptimizedTokens)/float64(state.result.Metrics.OriginalTokens)
		state.result.Metrics.TokenReduction = clamp01(reduction)
	}
	if state.metadata != nil && state.metadata.ComplexityScore > 0 {
		optimizedScore := complexityScore(len(opt.OptimizedPrompt),
			len(placeholderRe.FindAllString(opt.OptimizedPrompt, -1)),
			len(conditionalRe.FindAllString(opt.OptimizedPrompt, -1)),
			len(loopRe.FindAllString(opt.OptimizedPrompt, -1)),
			len(uniqueMatches(partialRefRe, opt.OptimizedPrompt)))
		state.result.Metrics.ComplexityReduction =
			clamp01((state.metadata.ComplexityScore - optimizedScore) / state.metadata.ComplexityScore)
	}
	return nil
}

func (p *Pipeline) validate(_ context.Context, state *runState) error {
	opt := state.result.Optimization
	if opt == nil {
		return errs.Internal("validation requires an optimization result")
	}
	if opt.Metrics.AccuracyImprovement <= 0 && opt.Metrics.TokenReduction <= 0 {
		return errs.Validation(errs.CodeRangeViolation,
			"optimization produced no measurable improvement")
	}
	missing := missingPlaceholders(state.tpl.Content, opt.OptimizedPrompt)
	for _, ph := range missing {
		warning := fmt.Sprintf("placeholder %s missing from optimized content", ph)
		log.Warnf("template %s: %s", state.templateID, warning)
		state.result.Warnings = append(state.result.Warnings, warning)
	}
	// An absent confidence score leaves the threshold unenforced; an
	// explicit zero fails it.
	if opt.Confidence != nil && *opt.Confidence < p.opts.cfg.MinConfidence {
		return errs.Validation(errs.CodeRangeViolation,
			fmt.Sprintf("confidence %.2f below minimum %.2f", *opt.Confidence, p.opts.cfg.MinConfidence))
	}
	return nil
}

func (p *Pipeline) updateTemplate(ctx context.Context, state *runState) error {
	opt := state.result.Optimization
	if opt == nil {
		return errs.Internal("template update requires an optimization result")
	}
	optimizedID := state.templateID + "_optimized"
	optimized := state.tpl.Clone()
	optimized.ID = optimizedID
	optimized.Name = state.tpl.Name + " (Optimized)"
	optimized.Content = opt.OptimizedPrompt
	if optimized.Metadata.Extra == nil {
		optimized.Metadata.Extra = make(map[string]any)
	}
	optimized.Metadata.Extra["originalId"] = state.templateID
	optimized.Metadata.Extra["optimizedAt"] = time.Now().Format(time.RFC3339)
	optimized.Metadata.Extra["metrics"] = opt.Metrics
	optimized.Metadata.UpdatedAt = time.Now()
	state.result.OptimizedTemplate = optimized

	doc := &store.Document{
		ID:         optimizedID,
		OriginalID: state.templateID,
		Template:   *optimized,
		Metrics:    opt.Metrics,
		Confidence: opt.Confidence,
	}
	if p.opts.persister != nil {
		return p.opts.persister.Save(doc)
	}
	if p.opts.cache != nil {
		p.opts.cache.Set(ctx, "optimized:"+optimizedID, doc, 0)
	}
	return nil
}

// complexityScore weighs structural features of a template, capped
// at 10.
func complexityScore(length, variables, conditionals, loops, partials int) float64 {
	score := float64(length)/1000 +
		0.5*float64(variables) +
		1.0*float64(conditionals) +
		1.5*float64(loops) +
		1.0*float64(partials)
	return math.Min(score, 10)
}

func estimateTokens(s string) int {
	return int(math.Ceil(float64(len(s)) / 4))
}

// tokenizePlaceholders replaces every placeholder with a stable opaque
// token and returns the mapping needed to restore them.
func tokenizePlaceholders(content string) (string, map[string]string) {
	mapping := make(map[string]string)
	i := 0
	body := placeholderRe.ReplaceAllStringFunc(content, func(ph string) string {
		token := fmt.Sprintf("__VAR_%d__", i)
		mapping[token] = ph
		i++
		return token
	})
	return body, mapping
}

func restorePlaceholders(content string, mapping map[string]string) string {
	for token, ph := range mapping {
		content = strings.ReplaceAll(content, token, ph)
	}
	return content
}

func normalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// missingPlaceholders returns placeholders of the original content that
// no longer occur in the optimized content.
func missingPlaceholders(original, optimized string) []string {
	present := make(map[string]bool)
	for _, ph := range placeholderRe.FindAllString(optimized, -1) {
		present[ph] = true
	}
	var missing []string
	seen := make(map[string]bool)
	for _, ph := range placeholderRe.FindAllString(original, -1) {
		if !present[ph] && !seen[ph] {
			missing = append(missing, ph)
			seen[ph] = true
		}
	}
	return missing
}

func uniqueMatches(re *regexp.Regexp, s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		if !seen[m[1]] {
			out = append(out, m[1])
			seen[m[1]] = true
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// toOptimizerResult converts a cached value back into a typed result.
// Values that crossed the distributed tier come back as generic JSON.
func toOptimizerResult(v any) (*optimizer.Result, error) {
	if r, ok := v.(*optimizer.Result); ok {
		clone := *r
		return &clone, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Internal("cached optimization result is not serializable", errs.WithCause(err))
	}
	var result optimizer.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errs.Internal("cached optimization result is malformed", errs.WithCause(err))
	}
	return &result, nil
}

// examplesForCategory returns the built-in few-shot pool for a template
// category.
func examplesForCategory(category string) []optimizer.Example {
	switch strings.ToLower(category) {
	case "coding":
		return codingExamples
	case "analysis":
		return analysisExamples
	default:
		return generalExamples
	}
}

var codingExamples = []optimizer.Example{
	{
		Input:  "Write a function that reverses a string in Go",
		Output: "Implement `Reverse(s string) string` returning s with its runes in reverse order. Handle multi-byte characters.",
	},
	{
		Input:  "Fix the bug in this code: {{code}}",
		Output: "Identify the defect in the following code, explain its cause in one sentence, then show the corrected version:\n{{code}}",
	},
	{
		Input:  "Explain what this code does: {{code}}",
		Output: "Summarize the purpose and behavior of this code in at most three sentences:\n{{code}}",
	},
}

var analysisExamples = []optimizer.Example{
	{
		Input:  "Analyze this data and tell me everything about it: {{data}}",
		Output: "List the three most significant patterns in the data below, each with one supporting observation:\n{{data}}",
	},
	{
		Input:  "What do you think about these results? {{results}}",
		Output: "Evaluate the results below against the stated goal. Report: verdict, key evidence, one risk:\n{{results}}",
	},
}

var generalExamples = []optimizer.Example{
	{
		Input:  "Please write something about {{topic}} that is good and detailed",
		Output: "Write a focused overview of {{topic}}: definition, two key facts, one common misconception.",
	},
	{
		Input:  "Summarize this very long text for me please: {{content}}",
		Output: "Summarize in three bullet points:\n{{content}}",
	},
	{
		Input:  "Help me respond to this message: {{message}}",
		Output: "Draft a concise, polite reply to the message below. Keep it under 100 words:\n{{message}}",
	},
}
