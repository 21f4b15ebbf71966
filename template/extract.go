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
	"regexp"
	"sort"
	"strings"
)

var (
	blockOpenRe  = regexp.MustCompile(`\{\{#(if|unless|each)\s+([^{}]+?)\s*\}\}`)
	blockCloseRe = regexp.MustCompile(`\{\{/(if|unless|each)\}\}|\{\{else\}\}`)
	anyTagRe     = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
)

// loop-local names introduced by #each bodies.
var loopLocals = map[string]bool{
	"this":   true,
	"@index": true,
	"@first": true,
	"@last":  true,
}

// ValidationResult is the outcome of ValidateContext.
type ValidationResult struct {
	Valid   bool     `json:"valid"`
	Missing []string `json:"missing"`
}

// ExtractVariables returns the sorted unique list of variable paths a
// template requires, descending into includes and block bodies. Loop
// local names (this, @index, @first, @last) are omitted.
func (e *Engine) ExtractVariables(content string) []string {
	expanded, err := e.expandIncludes(content, map[string]bool{}, 1)
	if err != nil {
		// Include structure problems are surfaced by Render; extraction
		// proceeds on the unexpanded text.
		expanded = content
	}
	set := make(map[string]bool)
	e.collectVariables(expanded, set)

	vars := make([]string, 0, len(set))
	for v := range set {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}

func (e *Engine) collectVariables(content string, set map[string]bool) {
	// Block openers: each paths and condition expressions.
	for _, m := range blockOpenRe.FindAllStringSubmatch(content, -1) {
		kind, expr := m[1], strings.TrimSpace(m[2])
		if kind == "each" {
			addPath(set, expr)
			continue
		}
		if strings.HasPrefix(expr, "(") && strings.HasSuffix(expr, ")") {
			tokens := tokenizeArgs(expr[1 : len(expr)-1])
			for i, tok := range tokens {
				if i == 0 {
					continue // helper name
				}
				if _, isLit := parseLiteral(tok); !isLit {
					addPath(set, tok)
				}
			}
			continue
		}
		addPath(set, expr)
	}

	// Strip block delimiters, keep bodies, then walk the plain tags.
	stripped := blockOpenRe.ReplaceAllString(content, "")
	stripped = blockCloseRe.ReplaceAllString(stripped, "")
	for _, m := range anyTagRe.FindAllStringSubmatch(stripped, -1) {
		tag := strings.TrimSpace(m[1])
		switch {
		case strings.HasPrefix(tag, "#"), strings.HasPrefix(tag, "/"), strings.HasPrefix(tag, ">"):
			continue
		case strings.Contains(tag, "|"):
			// Pipe chain: only the base path is a requirement.
			addPath(set, strings.TrimSpace(strings.SplitN(tag, "|", 2)[0]))
		case strings.ContainsAny(tag, " \t"):
			tokens := tokenizeArgs(tag)
			if len(tokens) == 0 || !e.helpers.Has(tokens[0]) {
				continue
			}
			for _, tok := range tokens[1:] {
				if _, isLit := parseLiteral(tok); !isLit {
					addPath(set, tok)
				}
			}
		default:
			if e.helpers.Has(tag) {
				continue
			}
			addPath(set, tag)
		}
	}
}

func addPath(set map[string]bool, path string) {
	path = strings.TrimSpace(path)
	if path == "" {
		return
	}
	root := strings.SplitN(path, ".", 2)[0]
	if loopLocals[root] || strings.HasPrefix(root, "@") {
		return
	}
	set[path] = true
}

// ValidateContext reports which required variables are missing from the
// context. An explicit null counts as present; only an unresolvable
// path is missing.
func (e *Engine) ValidateContext(content string, ctx Context) ValidationResult {
	var missing []string
	for _, path := range e.ExtractVariables(content) {
		if _, ok := resolvePath(ctx, path); !ok {
			missing = append(missing, path)
		}
	}
	return ValidationResult{Valid: len(missing) == 0, Missing: missing}
}
