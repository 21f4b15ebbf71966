//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

// Package store persists optimized templates as JSON documents on disk.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cursor-prompt/promptwizard-go/errs"
	"github.com/cursor-prompt/promptwizard-go/optimizer"
	"github.com/cursor-prompt/promptwizard-go/template"
)

const (
	// DefaultDir is where optimized templates live relative to the
	// working directory.
	DefaultDir = ".optimized-templates"

	fileSuffix = ".optimized.json"
)

// HistoryEntry records one past optimization of a template.
type HistoryEntry struct {
	OptimizedAt time.Time         `json:"optimizedAt"`
	Metrics     optimizer.Metrics `json:"metrics"`
	Confidence  *float64          `json:"confidence,omitempty"`
}

// Document is the persisted form of an optimized template.
type Document struct {
	ID          string            `json:"id"`
	OriginalID  string            `json:"originalId"`
	Template    template.Template `json:"template"`
	Metrics     optimizer.Metrics `json:"metrics"`
	Confidence  *float64          `json:"confidence,omitempty"`
	OptimizedAt time.Time         `json:"optimizedAt"`
	History     []HistoryEntry    `json:"history,omitempty"`
}

// Store reads and writes optimized template documents.
type Store struct {
	dir string
}

// Option configures a Store.
type Option func(*Store)

// WithDir overrides the storage directory.
func WithDir(dir string) Option {
	return func(s *Store) {
		if dir != "" {
			s.dir = dir
		}
	}
}

// New creates a store. The directory is created lazily on first write.
func New(opts ...Option) *Store {
	s := &Store{dir: DefaultDir}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save writes the document for doc.ID, carrying forward the history of
// any previous optimization of the same id.
func (s *Store) Save(doc *Document) error {
	if doc.ID == "" {
		return errs.Validation(errs.CodeRangeViolation, "document id must not be empty")
	}
	if doc.OptimizedAt.IsZero() {
		doc.OptimizedAt = time.Now()
	}
	if prev, err := s.Load(doc.ID); err == nil {
		doc.History = append(append([]HistoryEntry(nil), prev.History...), HistoryEntry{
			OptimizedAt: prev.OptimizedAt,
			Metrics:     prev.Metrics,
			Confidence:  prev.Confidence,
		})
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fsErr("create storage directory", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errs.Internal("marshal optimized template", errs.WithCause(err))
	}
	if err := os.WriteFile(s.path(doc.ID), data, 0o644); err != nil {
		return fsErr(fmt.Sprintf("write optimized template %q", doc.ID), err)
	}
	return nil
}

// Load reads the document for id.
func (s *Store) Load(id string) (*Document, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.CategoryFilesystem, errs.CodeTemplateNotFound,
				errs.SeverityMedium, fmt.Sprintf("optimized template %q not found", id),
				errs.WithEntity(id))
		}
		return nil, fsErr(fmt.Sprintf("read optimized template %q", id), err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errs.New(errs.CategoryFilesystem, errs.CodeTemplateProcessing,
			errs.SeverityMedium, fmt.Sprintf("optimized template %q is malformed", id),
			errs.WithEntity(id), errs.WithCause(err))
	}
	return &doc, nil
}

// List returns the ids of all stored documents, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fsErr("list optimized templates", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), fileSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the document for id. Deleting a missing id is a no-op.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fsErr(fmt.Sprintf("delete optimized template %q", id), err)
	}
	return nil
}

func (s *Store) path(id string) string {
	// Template ids may contain separators; flatten them so every
	// document stays inside the storage directory.
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(id)
	return filepath.Join(s.dir, safe+fileSuffix)
}

func fsErr(msg string, cause error) error {
	return errs.New(errs.CategoryFilesystem, errs.CodeTemplateProcessing,
		errs.SeverityMedium, msg, errs.WithCause(cause))
}
