//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cursor-prompt/promptwizard-go/optimizer"
	"github.com/cursor-prompt/promptwizard-go/template"
)

func testDoc(id string) *Document {
	return &Document{
		ID:         id,
		OriginalID: "greeting",
		Template: template.Template{
			ID:      id,
			Name:    "Greeting (Optimized)",
			Version: "1.0.0",
			Content: "Hi {{name}}",
		},
		Metrics: optimizer.Metrics{
			AccuracyImprovement: 0.1,
			TokenReduction:      0.25,
		},
		OptimizedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestSaveLoad(t *testing.T) {
	s := New(WithDir(t.TempDir()))
	require.NoError(t, s.Save(testDoc("greeting_optimized")))

	doc, err := s.Load("greeting_optimized")
	require.NoError(t, err)
	assert.Equal(t, "greeting", doc.OriginalID)
	assert.Equal(t, "Hi {{name}}", doc.Template.Content)
	assert.Equal(t, 0.25, doc.Metrics.TokenReduction)
	assert.Empty(t, doc.History)
}

func TestSaveCarriesHistoryForward(t *testing.T) {
	s := New(WithDir(t.TempDir()))
	require.NoError(t, s.Save(testDoc("t_optimized")))

	second := testDoc("t_optimized")
	second.Metrics.TokenReduction = 0.4
	second.OptimizedAt = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(second))

	third := testDoc("t_optimized")
	third.OptimizedAt = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(third))

	doc, err := s.Load("t_optimized")
	require.NoError(t, err)
	require.Len(t, doc.History, 2)
	assert.Equal(t, 0.25, doc.History[0].Metrics.TokenReduction)
	assert.Equal(t, 0.4, doc.History[1].Metrics.TokenReduction)
}

func TestLoadMissing(t *testing.T) {
	s := New(WithDir(t.TempDir()))
	_, err := s.Load("nope")
	assert.Error(t, err)
}

func TestListAndDelete(t *testing.T) {
	dir := t.TempDir()
	s := New(WithDir(dir))
	require.NoError(t, s.Save(testDoc("b")))
	require.NoError(t, s.Save(testDoc("a")))

	// Unrelated files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	ids, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, s.Delete("a"))
	require.NoError(t, s.Delete("a"), "delete is idempotent")

	ids, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestListEmptyDir(t *testing.T) {
	s := New(WithDir(filepath.Join(t.TempDir(), "never-created")))
	ids, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPathFlattensSeparators(t *testing.T) {
	dir := t.TempDir()
	s := New(WithDir(dir))
	require.NoError(t, s.Save(testDoc("ns/with/slashes")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Name(), "/")
}

func TestSaveRejectsEmptyID(t *testing.T) {
	s := New(WithDir(t.TempDir()))
	assert.Error(t, s.Save(&Document{}))
}
