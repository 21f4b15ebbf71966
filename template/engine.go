//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

package template

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/cursor-prompt/promptwizard-go/errs"
)

const (
	// maxIncludeDepth caps include nesting. Depth 10 succeeds, 11 fails.
	maxIncludeDepth = 10
	// maxRenderPasses bounds block-resolution passes so self-referential
	// partials cannot loop forever.
	maxRenderPasses = 100
)

var (
	includeRe   = regexp.MustCompile(`\{\{#include\s+"([^"]+)"\s*\}\}`)
	partialRe   = regexp.MustCompile(`\{\{>\s*([A-Za-z0-9_.-]+)(?:\s+([A-Za-z0-9_.]+))?\s*\}\}`)
	transformRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.@$]+)\s*((?:\|[^{}]*)+)\}\}`)
	helperTagRe = regexp.MustCompile(`\{\{\s*([A-Za-z][A-Za-z0-9_]*)((?:\s+[^{}]*)?)\}\}`)
	variableRe  = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.@$]+)\s*\}\}`)
)

// Engine parses and renders templates. Safe for concurrent renders;
// partial registration serializes internally.
type Engine struct {
	transforms *TransformRegistry
	helpers    *HelperRegistry

	mu          sync.RWMutex
	partials    map[string]string
	partialsDir string

	workDir string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithWorkDir sets the base directory for relative include paths.
// Defaults to the process working directory.
func WithWorkDir(dir string) EngineOption {
	return func(e *Engine) { e.workDir = dir }
}

// WithTransforms replaces the transform registry.
func WithTransforms(r *TransformRegistry) EngineOption {
	return func(e *Engine) { e.transforms = r }
}

// WithHelpers replaces the helper registry.
func WithHelpers(r *HelperRegistry) EngineOption {
	return func(e *Engine) { e.helpers = r }
}

// NewEngine creates an engine with the built-in transforms and helpers.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		transforms: NewTransformRegistry(),
		helpers:    NewHelperRegistry(),
		partials:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterTransform adds a custom transform.
func (e *Engine) RegisterTransform(name string, fn TransformFunc) {
	e.transforms.Register(name, fn)
}

// RegisterHelper adds a custom helper.
func (e *Engine) RegisterHelper(name string, fn HelperFunc) {
	e.helpers.Register(name, fn)
}

// RegisterPartial registers a named partial body.
func (e *Engine) RegisterPartial(name, body string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.partials[name] = body
}

// RegisterPartialFromFile loads a partial body from a file.
func (e *Engine) RegisterPartialFromFile(name, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.Template(errs.CodeTemplateNotFound,
			"partial file not found: "+path, errs.WithCause(err))
	}
	e.RegisterPartial(name, string(data))
	return nil
}

// SetPartialsDirectory sets the default directory for LoadPartials.
func (e *Engine) SetPartialsDirectory(dir string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.partialsDir = dir
}

// LoadPartials registers every regular file in dir (or the configured
// partials directory when dir is empty) as a partial named after the
// file without its extension.
func (e *Engine) LoadPartials(dir string) error {
	if dir == "" {
		e.mu.RLock()
		dir = e.partialsDir
		e.mu.RUnlock()
	}
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errs.Template(errs.CodeTemplateNotFound,
			"partials directory not found: "+dir, errs.WithCause(err))
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if err := e.RegisterPartialFromFile(name, filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Render renders template content against a context. It fails only on
// include structure problems (cycle, depth, missing file); missing
// variables leave their tags textually intact.
func (e *Engine) Render(content string, ctx Context) (string, error) {
	expanded, err := e.expandIncludes(content, map[string]bool{}, 1)
	if err != nil {
		return "", err
	}
	if ctx == nil {
		ctx = Context{}
	}
	return e.renderFragment(expanded, ctx, 0), nil
}

// RenderFile reads and renders the file at path.
func (e *Engine) RenderFile(path string, ctx Context) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errs.Template(errs.CodeTemplateNotFound,
			"template file not found: "+path, errs.WithCause(err))
	}
	return e.Render(string(data), ctx)
}

// RenderTemplate renders a template's content, returning a new Template
// value. Declared variable defaults fill holes in the context.
func (e *Engine) RenderTemplate(t *Template, ctx Context) (*Template, error) {
	effective := make(Context, len(ctx)+len(t.Variables))
	for name, vc := range t.Variables {
		if vc.Default != nil {
			effective[name] = vc.Default
		}
	}
	for k, v := range ctx {
		effective[k] = v
	}
	rendered, err := e.Render(t.Content, effective)
	if err != nil {
		return nil, err
	}
	out := t.Clone()
	out.Content = rendered
	return out, nil
}

// expandIncludes substitutes {{#include "path"}} directives, tracking
// the set of paths currently being expanded for cycle detection.
func (e *Engine) expandIncludes(content string, visiting map[string]bool, depth int) (string, error) {
	if !strings.Contains(content, "{{#include") {
		return content, nil
	}
	if depth > maxIncludeDepth {
		return "", errs.Template(errs.CodeIncludeDepthExceeded,
			"include depth exceeded: maximum is 10")
	}
	var firstErr error
	out := includeRe.ReplaceAllStringFunc(content, func(match string) string {
		if firstErr != nil {
			return match
		}
		path := includeRe.FindStringSubmatch(match)[1]
		resolved := path
		if !filepath.IsAbs(resolved) {
			base := e.workDir
			if base == "" {
				base, _ = os.Getwd()
			}
			resolved = filepath.Join(base, resolved)
		}
		if visiting[resolved] {
			firstErr = errs.Template(errs.CodeCircularDependency,
				"Circular dependency detected: "+path)
			return match
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			firstErr = errs.Template(errs.CodeIncludeNotFound,
				"Include file not found: "+path, errs.WithCause(err))
			return match
		}
		visiting[resolved] = true
		expanded, err := e.expandIncludes(string(data), visiting, depth+1)
		delete(visiting, resolved)
		if err != nil {
			firstErr = err
			return match
		}
		return expanded
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// renderFragment resolves blocks in passes until the content stops
// changing, then applies partials, pipe transforms, helper tags and
// bare variables.
func (e *Engine) renderFragment(content string, ctx Context, depth int) string {
	if depth > maxRenderPasses {
		return content
	}
	for pass := 0; pass < maxRenderPasses; pass++ {
		prev := content
		// Loops first: their bodies are re-evaluated recursively against
		// the iteration scope, so loop-local conditions never leak out to
		// this level's context.
		content = e.processEach(content, ctx, depth)
		content = e.processConditionals(content, ctx, "if")
		content = e.processConditionals(content, ctx, "unless")
		content = e.processPartials(content, ctx, depth)
		if content == prev {
			break
		}
	}
	content = e.processTransforms(content, ctx)
	content = e.processHelperTags(content, ctx)
	content = e.processVariables(content, ctx)
	return content
}

// blockMatch is one outermost block located by the scanner.
type blockMatch struct {
	start, end int
	condition  string
	body       string
	elseBody   string
	hasElse    bool
}

// findOutermostBlocks pairs nested openers and closers of one kind by
// explicit scanning. The first {{else}} at depth one is the branch
// point.
func findOutermostBlocks(content, kind string) []blockMatch {
	opener := "{{#" + kind
	closer := "{{/" + kind + "}}"
	var blocks []blockMatch
	pos := 0
	for {
		start := findOpener(content, opener, pos)
		if start < 0 {
			break
		}
		tagEnd := strings.Index(content[start:], "}}")
		if tagEnd < 0 {
			break
		}
		tagEnd += start + 2
		condition := strings.TrimSpace(content[start+len(opener) : tagEnd-2])

		depth := 1
		cursor := tagEnd
		elsePos := -1
		bodyEnd := -1
		for depth > 0 {
			nextOpen := findOpener(content, opener, cursor)
			nextClose := strings.Index(content[cursor:], closer)
			if nextClose < 0 {
				break
			}
			nextClose += cursor
			if nextOpen >= 0 && nextOpen < nextClose {
				depth++
				cursor = nextOpen + len(opener)
				continue
			}
			if depth == 1 && elsePos < 0 {
				if p := indexElse(content[tagEnd:nextClose]); p >= 0 {
					elsePos = tagEnd + p
				}
			}
			depth--
			if depth == 0 {
				bodyEnd = nextClose
			}
			cursor = nextClose + len(closer)
		}
		if bodyEnd < 0 {
			break
		}
		b := blockMatch{start: start, end: bodyEnd + len(closer), condition: condition}
		if elsePos >= 0 {
			b.hasElse = true
			b.body = content[tagEnd:elsePos]
			b.elseBody = content[elsePos+len("{{else}}") : bodyEnd]
		} else {
			b.body = content[tagEnd:bodyEnd]
		}
		blocks = append(blocks, b)
		pos = b.end
	}
	return blocks
}

// findOpener locates the next opener tag whose name is not a prefix of
// a longer name (e.g. "#if" must not match "#iffy").
func findOpener(content, opener string, from int) int {
	for {
		idx := strings.Index(content[from:], opener)
		if idx < 0 {
			return -1
		}
		idx += from
		rest := content[idx+len(opener):]
		if rest == "" {
			return -1
		}
		if rest[0] == ' ' || rest[0] == '}' || rest[0] == '\t' || rest[0] == '\n' {
			return idx
		}
		from = idx + len(opener)
	}
}

// indexElse finds the first {{else}} that is not nested inside an
// inner if/unless/each block of the given body slice.
func indexElse(body string) int {
	depth := 0
	for i := 0; i+len("{{else}}") <= len(body); i++ {
		if strings.HasPrefix(body[i:], "{{#if") ||
			strings.HasPrefix(body[i:], "{{#unless") ||
			strings.HasPrefix(body[i:], "{{#each") {
			depth++
		} else if strings.HasPrefix(body[i:], "{{/if}}") ||
			strings.HasPrefix(body[i:], "{{/unless}}") ||
			strings.HasPrefix(body[i:], "{{/each}}") {
			depth--
		} else if depth == 0 && strings.HasPrefix(body[i:], "{{else}}") {
			return i
		}
	}
	return -1
}

func (e *Engine) processConditionals(content string, ctx Context, kind string) string {
	blocks := findOutermostBlocks(content, kind)
	if len(blocks) == 0 {
		return content
	}
	var b strings.Builder
	last := 0
	for _, blk := range blocks {
		b.WriteString(content[last:blk.start])
		cond := e.evalCondition(blk.condition, ctx)
		if kind == "unless" {
			cond = !cond
		}
		if cond {
			b.WriteString(blk.body)
		} else if blk.hasElse {
			b.WriteString(blk.elseBody)
		}
		last = blk.end
	}
	b.WriteString(content[last:])
	return b.String()
}

// evalCondition evaluates a dotted variable path or a parenthesized
// helper call `(name arg ...)`.
func (e *Engine) evalCondition(cond string, ctx Context) bool {
	cond = strings.TrimSpace(cond)
	if strings.HasPrefix(cond, "(") && strings.HasSuffix(cond, ")") {
		result, ok := e.callHelperExpr(cond[1:len(cond)-1], ctx)
		if !ok {
			return false
		}
		return truthy(result)
	}
	v, ok := resolvePath(ctx, cond)
	if !ok {
		return false
	}
	return truthy(v)
}

// callHelperExpr invokes `name arg ...` against the helper registry.
func (e *Engine) callHelperExpr(expr string, ctx Context) (any, bool) {
	tokens := tokenizeArgs(strings.TrimSpace(expr))
	if len(tokens) == 0 {
		return nil, false
	}
	name := tokens[0]
	if !e.helpers.Has(name) {
		return nil, false
	}
	args := make([]any, 0, len(tokens)-1)
	for _, tok := range tokens[1:] {
		args = append(args, resolveArg(ctx, tok))
	}
	return e.helpers.Call(name, args...)
}

func (e *Engine) processEach(content string, ctx Context, depth int) string {
	blocks := findOutermostBlocks(content, "each")
	if len(blocks) == 0 {
		return content
	}
	var b strings.Builder
	last := 0
	for _, blk := range blocks {
		b.WriteString(content[last:blk.start])
		value, _ := resolvePath(ctx, blk.condition)
		items, ok := value.([]any)
		if ok {
			for i, item := range items {
				inner := make(Context, len(ctx)+8)
				for k, v := range ctx {
					inner[k] = v
				}
				// Element keys win over outer keys.
				if m, isMap := item.(map[string]any); isMap {
					for k, v := range m {
						inner[k] = v
					}
				}
				inner["this"] = item
				inner["@index"] = float64(i)
				inner["@first"] = i == 0
				inner["@last"] = i == len(items)-1
				b.WriteString(e.renderFragment(blk.body, inner, depth+1))
			}
		}
		last = blk.end
	}
	b.WriteString(content[last:])
	return b.String()
}

func (e *Engine) processPartials(content string, ctx Context, depth int) string {
	if !strings.Contains(content, "{{>") {
		return content
	}
	return partialRe.ReplaceAllStringFunc(content, func(match string) string {
		sub := partialRe.FindStringSubmatch(match)
		name, ctxPath := sub[1], sub[2]
		e.mu.RLock()
		body, ok := e.partials[name]
		e.mu.RUnlock()
		if !ok {
			return match
		}
		target := ctx
		if ctxPath != "" {
			if v, found := resolvePath(ctx, ctxPath); found {
				if m, isMap := v.(map[string]any); isMap {
					target = Context(m)
				}
			}
		}
		return e.renderFragment(body, target, depth+1)
	})
}

func (e *Engine) processTransforms(content string, ctx Context) string {
	if !strings.Contains(content, "|") {
		return content
	}
	return transformRe.ReplaceAllStringFunc(content, func(match string) string {
		sub := transformRe.FindStringSubmatch(match)
		path, chain := sub[1], sub[2]
		value, ok := resolvePath(ctx, path)
		if !ok {
			return match
		}
		segments := strings.Split(chain, "|")
		return stringify(e.transforms.ApplyChain(value, segments))
	})
}

func (e *Engine) processHelperTags(content string, ctx Context) string {
	return helperTagRe.ReplaceAllStringFunc(content, func(match string) string {
		sub := helperTagRe.FindStringSubmatch(match)
		name, rawArgs := sub[1], strings.TrimSpace(sub[2])
		if rawArgs == "" {
			// Bare word: only treat zero-arg helpers as calls so plain
			// variables are left for the variable pass.
			if _, exists := resolvePath(ctx, name); exists || !e.helpers.Has(name) {
				return match
			}
			result, _ := e.helpers.Call(name)
			return stringify(result)
		}
		if !e.helpers.Has(name) {
			return match
		}
		args := make([]any, 0, 4)
		for _, tok := range tokenizeArgs(rawArgs) {
			args = append(args, resolveArg(ctx, tok))
		}
		result, _ := e.helpers.Call(name, args...)
		return stringify(result)
	})
}

func (e *Engine) processVariables(content string, ctx Context) string {
	return variableRe.ReplaceAllStringFunc(content, func(match string) string {
		path := variableRe.FindStringSubmatch(match)[1]
		value, ok := resolvePath(ctx, path)
		if !ok {
			return match
		}
		return stringify(value)
	})
}
