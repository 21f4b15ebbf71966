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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractVariablesBare(t *testing.T) {
	e := NewEngine()
	vars := e.ExtractVariables("Hello {{name}}, you are {{user.age}} years old. Bye {{name}}.")
	assert.Equal(t, []string{"name", "user.age"}, vars)
}

func TestExtractVariablesBlocks(t *testing.T) {
	e := NewEngine()
	tpl := `{{#if active}}{{greeting}}{{/if}}{{#each items}}{{this}} {{@index}} {{label}}{{/each}}`
	vars := e.ExtractVariables(tpl)
	assert.Equal(t, []string{"active", "greeting", "items", "label"}, vars)
}

func TestExtractVariablesOmitsLoopLocals(t *testing.T) {
	e := NewEngine()
	vars := e.ExtractVariables("{{#each xs}}{{this.name}} {{@first}} {{@last}}{{/each}}")
	assert.Equal(t, []string{"xs"}, vars)
}

func TestExtractVariablesHelperConditions(t *testing.T) {
	e := NewEngine()
	vars := e.ExtractVariables(`{{#if (gt score 50)}}x{{/if}}{{#unless (eq mode "fast")}}y{{/unless}}`)
	assert.Equal(t, []string{"mode", "score"}, vars)
}

func TestExtractVariablesPipesAndHelperTags(t *testing.T) {
	e := NewEngine()
	vars := e.ExtractVariables("{{ title | upper | truncate:3 }} {{add count 1}}")
	assert.Equal(t, []string{"count", "title"}, vars)
}

func TestExtractVariablesDescendsIncludes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "part.md"), []byte("{{inner}}"), 0o644))

	e := NewEngine(WithWorkDir(dir))
	vars := e.ExtractVariables(`{{outer}} {{#include "part.md"}}`)
	assert.Equal(t, []string{"inner", "outer"}, vars)
}

func TestValidateContext(t *testing.T) {
	e := NewEngine()
	tpl := "{{name}} {{age}} {{color}}"

	res := e.ValidateContext(tpl, Context{"name": "x", "age": 1, "color": "blue"})
	assert.True(t, res.Valid)
	assert.Empty(t, res.Missing)

	res = e.ValidateContext(tpl, Context{"name": "x"})
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"age", "color"}, res.Missing)
}

func TestValidateContextNullCountsAsPresent(t *testing.T) {
	e := NewEngine()
	res := e.ValidateContext("{{maybe}}", Context{"maybe": nil})
	assert.True(t, res.Valid)
}

func TestValidateVariableConfigs(t *testing.T) {
	min, max := 1.0, 10.0
	tpl := &Template{
		Name:    "t",
		Version: "1.0.0",
		Variables: map[string]VariableConfig{
			"name":  {Type: VarString, Required: true},
			"count": {Type: VarNumber, Min: &min, Max: &max},
			"mode":  {Type: VarChoice, Choices: []string{"fast", "slow"}},
			"email": {Type: VarString, Pattern: `^[^@]+@[^@]+$`},
		},
	}

	assert.NoError(t, tpl.ValidateVariables(map[string]any{
		"name": "x", "count": 5, "mode": "fast", "email": "a@b",
	}))

	assert.Error(t, tpl.ValidateVariables(map[string]any{}), "missing required")
	assert.Error(t, tpl.ValidateVariables(map[string]any{"name": 42}))
	assert.Error(t, tpl.ValidateVariables(map[string]any{"name": "x", "count": 11}))
	assert.Error(t, tpl.ValidateVariables(map[string]any{"name": "x", "mode": "warp"}))
	assert.Error(t, tpl.ValidateVariables(map[string]any{"name": "x", "email": "nope"}))
}

func TestTemplateClone(t *testing.T) {
	tpl := &Template{
		Name:      "t",
		Version:   "1",
		Content:   "c",
		Variables: map[string]VariableConfig{"a": {Type: VarString}},
		Commands:  []string{"build"},
	}
	clone := tpl.Clone()
	clone.Content = "other"
	clone.Variables["b"] = VariableConfig{Type: VarNumber}
	clone.Commands[0] = "test"

	assert.Equal(t, "c", tpl.Content)
	assert.NotContains(t, tpl.Variables, "b")
	assert.Equal(t, "build", tpl.Commands[0])
}
