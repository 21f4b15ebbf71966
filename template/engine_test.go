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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cursor-prompt/promptwizard-go/errs"
)

func TestRenderSimpleSubstitution(t *testing.T) {
	e := NewEngine()

	out, err := e.Render("Hello {{name}}!", Context{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada!", out)

	// Missing variables leave the tag textually intact.
	out, err = e.Render("Hello {{name}}!", Context{})
	require.NoError(t, err)
	assert.Equal(t, "Hello {{name}}!", out)
}

func TestRenderNeverEmitsUndefined(t *testing.T) {
	e := NewEngine()
	out, err := e.Render("v={{missing}}", Context{"present": nil})
	require.NoError(t, err)
	assert.NotContains(t, out, "undefined")
}

func TestRenderIdentityWithoutConstructs(t *testing.T) {
	e := NewEngine()
	for _, s := range []string{"", "plain text", "a } b { c", "multi\nline\ntext"} {
		out, err := e.Render(s, Context{})
		require.NoError(t, err)
		assert.Equal(t, s, out)
	}
}

func TestRenderDottedPathsAndIndices(t *testing.T) {
	e := NewEngine()
	ctx := Context{
		"user": map[string]any{
			"name":  "Grace",
			"roles": []any{"admin", "dev"},
		},
	}
	out, err := e.Render("{{user.name}} is {{user.roles.0}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "Grace is admin", out)
}

func TestRenderEachWithScopeVars(t *testing.T) {
	e := NewEngine()
	out, err := e.Render("{{#each xs}}{{@index}}:{{this}} {{/each}}", Context{
		"xs": []any{"a", "b", "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, "0:a 1:b 2:c ", out)
}

func TestRenderEachEmptyAndNonArray(t *testing.T) {
	e := NewEngine()

	out, err := e.Render("[{{#each xs}}x{{/each}}]", Context{"xs": []any{}})
	require.NoError(t, err)
	assert.Equal(t, "[]", out)

	out, err = e.Render("[{{#each xs}}x{{/each}}]", Context{"xs": "not an array"})
	require.NoError(t, err)
	assert.Equal(t, "[]", out)

	out, err = e.Render("[{{#each missing}}x{{/each}}]", Context{})
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestRenderEachObjectElementKeysWin(t *testing.T) {
	e := NewEngine()
	ctx := Context{
		"name": "outer",
		"items": []any{
			map[string]any{"name": "first"},
			map[string]any{"name": "second"},
		},
	}
	out, err := e.Render("{{#each items}}{{name}},{{/each}}{{name}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "first,second,outer", out)
}

func TestRenderNestedEach(t *testing.T) {
	e := NewEngine()
	ctx := Context{
		"rows": []any{
			[]any{"a", "b"},
			[]any{"c"},
		},
	}
	out, err := e.Render("{{#each rows}}[{{#each this}}{{this}}{{/each}}]{{/each}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "[ab][c]", out)
}

func TestRenderEachFirstLast(t *testing.T) {
	e := NewEngine()
	ctx := Context{"xs": []any{"a", "b", "c"}}
	out, err := e.Render("{{#each xs}}{{#if @first}}<{{/if}}{{this}}{{#if @last}}>{{/if}}{{/each}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "<abc>", out)
}

func TestRenderConditional(t *testing.T) {
	e := NewEngine()

	out, err := e.Render("{{#if ok}}yes{{else}}no{{/if}}", Context{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, "yes", out)

	out, err = e.Render("{{#if ok}}yes{{else}}no{{/if}}", Context{"ok": false})
	require.NoError(t, err)
	assert.Equal(t, "no", out)

	// Missing condition path is false, no else renders empty.
	out, err = e.Render("[{{#if missing}}yes{{/if}}]", Context{})
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestRenderUnless(t *testing.T) {
	e := NewEngine()
	out, err := e.Render("{{#unless done}}pending{{else}}done{{/unless}}", Context{"done": false})
	require.NoError(t, err)
	assert.Equal(t, "pending", out)

	out, err = e.Render("{{#unless done}}pending{{else}}done{{/unless}}", Context{"done": true})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
}

func TestRenderConditionalWithHelper(t *testing.T) {
	e := NewEngine()

	out, err := e.Render("{{#if (gt score 50)}}pass{{else}}fail{{/if}}", Context{"score": 75})
	require.NoError(t, err)
	assert.Equal(t, "pass", out)

	out, err = e.Render("{{#if (gt score 50)}}pass{{else}}fail{{/if}}", Context{"score": 25})
	require.NoError(t, err)
	assert.Equal(t, "fail", out)
}

func TestRenderNestedConditionals(t *testing.T) {
	e := NewEngine()
	tpl := "{{#if a}}{{#if b}}both{{else}}only-a{{/if}}{{else}}neither{{/if}}"

	out, err := e.Render(tpl, Context{"a": true, "b": true})
	require.NoError(t, err)
	assert.Equal(t, "both", out)

	out, err = e.Render(tpl, Context{"a": true, "b": false})
	require.NoError(t, err)
	assert.Equal(t, "only-a", out)

	out, err = e.Render(tpl, Context{"a": false})
	require.NoError(t, err)
	assert.Equal(t, "neither", out)
}

func TestTruthinessBoundaries(t *testing.T) {
	e := NewEngine()
	cases := []struct {
		value any
		want  string
	}{
		{map[string]any{}, "F"},
		{map[string]any{"a": 0}, "T"},
		{"", "F"},
		{"0", "T"},
		{0, "F"},
		{[]any{}, "F"},
		{[]any{false}, "T"},
	}
	for i, tc := range cases {
		out, err := e.Render("{{#if v}}T{{else}}F{{/if}}", Context{"v": tc.value})
		require.NoError(t, err)
		assert.Equal(t, tc.want, out, "case %d (%v)", i, tc.value)
	}
}

func TestRenderPartials(t *testing.T) {
	e := NewEngine()
	e.RegisterPartial("greeting", "Hello {{name}}")

	out, err := e.Render("{{> greeting}}!", Context{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada!", out)

	// Missing partials leave the directive intact.
	out, err = e.Render("{{> nope}}", Context{})
	require.NoError(t, err)
	assert.Equal(t, "{{> nope}}", out)
}

func TestRenderPartialWithSubContext(t *testing.T) {
	e := NewEngine()
	e.RegisterPartial("card", "{{name}} ({{role}})")

	ctx := Context{
		"owner": map[string]any{"name": "Grace", "role": "admin"},
	}
	out, err := e.Render("{{> card owner}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "Grace (admin)", out)
}

func TestLoadPartialsFromDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "header.md"), []byte("# {{title}}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "footer.md"), []byte("-- end --"), 0o644))

	e := NewEngine()
	e.SetPartialsDirectory(dir)
	require.NoError(t, e.LoadPartials(""))

	out, err := e.Render("{{> header}}\n{{> footer}}", Context{"title": "Doc"})
	require.NoError(t, err)
	assert.Equal(t, "# Doc\n-- end --", out)
}

func TestRenderPipeTransforms(t *testing.T) {
	e := NewEngine()

	out, err := e.Render("{{ name | upper }}", Context{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "ADA", out)

	out, err = e.Render("{{ name | upper | truncate:2,'!' }}", Context{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "AD!", out)

	// Missing base path leaves the tag intact.
	out, err = e.Render("{{ missing | upper }}", Context{})
	require.NoError(t, err)
	assert.Equal(t, "{{ missing | upper }}", out)
}

func TestRenderHelperTag(t *testing.T) {
	e := NewEngine()

	out, err := e.Render("{{add a b}}", Context{"a": 2, "b": 3})
	require.NoError(t, err)
	assert.Equal(t, "5", out)

	// Unknown helpers leave the tag intact.
	out, err = e.Render("{{frobnicate a b}}", Context{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, "{{frobnicate a b}}", out)
}

func TestRenderInclude(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inner.md"), []byte("inner {{name}}"), 0o644))

	e := NewEngine(WithWorkDir(dir))
	out, err := e.Render(`before {{#include "inner.md"}} after`, Context{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, "before inner x after", out)
}

func TestRenderIncludeIntegratesWithBlocks(t *testing.T) {
	dir := t.TempDir()
	// The included file opens a block that the outer template closes.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "open.md"), []byte("{{#if ok}}"), 0o644))

	e := NewEngine(WithWorkDir(dir))
	out, err := e.Render(`{{#include "open.md"}}yes{{/if}}`, Context{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, "yes", out)
}

func TestRenderIncludeNotFound(t *testing.T) {
	e := NewEngine(WithWorkDir(t.TempDir()))
	_, err := e.Render(`{{#include "nope.md"}}`, Context{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Include file not found")
	assert.True(t, errors.Is(err, &errs.Error{Category: errs.CategoryTemplate, Code: errs.CodeIncludeNotFound}))
}

func TestRenderIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte(`A {{#include "b.md"}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte(`B {{#include "a.md"}}`), 0o644))

	e := NewEngine(WithWorkDir(dir))
	_, err := e.Render(`{{#include "a.md"}}`, Context{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Circular dependency detected")
}

func TestRenderIncludeDepthBoundary(t *testing.T) {
	dir := t.TempDir()
	// Chain of 11 files: f1 includes f2 ... f10 includes f11.
	for i := 1; i <= 11; i++ {
		content := fmt.Sprintf("%d", i)
		if i < 11 {
			content = fmt.Sprintf(`%d{{#include "f%d.md"}}`, i, i+1)
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("f%d.md", i)), []byte(content), 0o644))
	}

	e := NewEngine(WithWorkDir(dir))

	// Ten levels of include succeed.
	out, err := e.Render(`{{#include "f2.md"}}`, Context{})
	require.NoError(t, err)
	assert.Equal(t, "234567891011", out)

	// Eleven levels fail fast.
	_, err = e.Render(`{{#include "f1.md"}}`, Context{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, &errs.Error{Category: errs.CategoryTemplate, Code: errs.CodeIncludeDepthExceeded}))
}

func TestRenderFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tpl.md")
	require.NoError(t, os.WriteFile(path, []byte("Hi {{who}}"), 0o644))

	e := NewEngine()
	out, err := e.RenderFile(path, Context{"who": "there"})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", out)

	_, err = e.RenderFile(filepath.Join(dir, "missing.md"), Context{})
	require.Error(t, err)
}

func TestRenderTemplateUsesDefaults(t *testing.T) {
	e := NewEngine()
	tpl := &Template{
		Name:    "greet",
		Version: "1.0.0",
		Content: "{{greeting}}, {{name}}!",
		Variables: map[string]VariableConfig{
			"greeting": {Type: VarString, Default: "Hello"},
			"name":     {Type: VarString, Required: true},
		},
	}
	out, err := e.RenderTemplate(tpl, Context{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, Ada!", out.Content)
	// The original template value is untouched.
	assert.Equal(t, "{{greeting}}, {{name}}!", tpl.Content)
}

func TestRegisterCustomTransformAndHelper(t *testing.T) {
	e := NewEngine()
	e.RegisterTransform("shout", func(v any, _ ...any) (any, error) {
		return stringify(v) + "!!!", nil
	})
	e.RegisterHelper("twice", func(args ...any) any {
		return numArg(args, 0) * 2
	})

	out, err := e.Render("{{ name | shout }} {{twice n}}", Context{"name": "go", "n": 21})
	require.NoError(t, err)
	assert.Equal(t, "go!!! 42", out)
}

func TestRenderConditionalInsideEach(t *testing.T) {
	e := NewEngine()
	ctx := Context{
		"items": []any{
			map[string]any{"name": "a", "active": true},
			map[string]any{"name": "b", "active": false},
			map[string]any{"name": "c", "active": true},
		},
	}
	out, err := e.Render("{{#each items}}{{#if active}}{{name}} {{/if}}{{/each}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "a c ", out)
}
