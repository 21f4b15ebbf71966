//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

// Package config provides the hierarchical configuration store.
//
// Sources are merged in increasing priority: built-in defaults, the
// user-global file, the project-local file, environment variables with
// the CURSOR_PROMPT_ prefix, and runtime overrides.
package config

import (
	"os"
	"strings"
	"time"

	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/cursor-prompt/promptwizard-go/errs"
)

// EnvPrefix is the environment variable prefix. Underscore-separated
// segments after the prefix become lowercased dotted key segments:
// CURSOR_PROMPT_PROMPTWIZARD_TIMEOUT -> promptwizard.timeout.
const EnvPrefix = "CURSOR_PROMPT_"

const keyDelim = "."

// Store is the layered configuration store. Construct with New; the
// zero value is not usable.
type Store struct {
	k *koanf.Koanf
	// canonical maps lowercased key forms back to the camelCase keys
	// the schema uses, so environment variables can address them.
	canonical map[string]string
}

// Option configures a Store during construction.
type Option func(*loadOptions)

type loadOptions struct {
	userFile    string
	projectFile string
	overrides   map[string]any
}

// WithUserFile sets the user-global config file path (YAML).
func WithUserFile(path string) Option {
	return func(o *loadOptions) { o.userFile = path }
}

// WithProjectFile sets the project-local config file path (YAML).
func WithProjectFile(path string) Option {
	return func(o *loadOptions) { o.projectFile = path }
}

// WithOverrides sets runtime overrides, the highest-priority source.
func WithOverrides(overrides map[string]any) Option {
	return func(o *loadOptions) { o.overrides = overrides }
}

// New creates a Store with all sources loaded. Missing config files are
// skipped silently; unreadable ones fail with a configuration error.
func New(opts ...Option) (*Store, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	k := koanf.New(keyDelim)
	s := &Store{k: k, canonical: make(map[string]string)}

	if err := k.Load(confmap.Provider(Defaults(), keyDelim), nil); err != nil {
		return nil, errs.Configuration(errs.CodeConfigInvalid, "failed to load defaults", errs.WithCause(err))
	}
	for _, key := range k.Keys() {
		s.canonical[strings.ToLower(key)] = key
	}

	for _, path := range []string{o.userFile, o.projectFile} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := k.Load(file.Provider(path), koanfyaml.Parser()); err != nil {
			return nil, errs.Configuration(errs.CodeConfigInvalid,
				"failed to load config file: "+path, errs.WithCause(err))
		}
	}

	envProvider := env.Provider(EnvPrefix, keyDelim, func(v string) string {
		key := strings.ToLower(strings.TrimPrefix(v, EnvPrefix))
		key = strings.ReplaceAll(key, "_", keyDelim)
		if canon, ok := s.canonical[key]; ok {
			return canon
		}
		return key
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, errs.Configuration(errs.CodeConfigInvalid, "failed to load environment variables", errs.WithCause(err))
	}

	for key, value := range o.overrides {
		if err := k.Set(key, value); err != nil {
			return nil, errs.Configuration(errs.CodeConfigInvalid, "failed to apply override: "+key, errs.WithCause(err))
		}
	}
	return s, nil
}

// Set applies a runtime override.
func (s *Store) Set(key string, value any) error {
	return s.k.Set(key, value)
}

// Has reports whether a key is present in any source.
func (s *Store) Has(key string) bool {
	return s.k.Exists(key)
}

// String returns the string value at key.
func (s *Store) String(key string) string {
	return s.k.String(key)
}

// Bool returns the boolean value at key.
func (s *Store) Bool(key string) bool {
	return s.k.Bool(key)
}

// Int returns the integer value at key.
func (s *Store) Int(key string) int {
	return s.k.Int(key)
}

// Float returns the float value at key.
func (s *Store) Float(key string) float64 {
	return s.k.Float64(key)
}

// MillisDuration interprets the integer at key as milliseconds.
func (s *Store) MillisDuration(key string) time.Duration {
	return time.Duration(s.k.Int(key)) * time.Millisecond
}

// Raw returns the merged configuration as a nested map.
func (s *Store) Raw() map[string]any {
	return s.k.Raw()
}

// PromptWizard unmarshals and validates the promptwizard subtree.
func (s *Store) PromptWizard() (*PromptWizardConfig, error) {
	var cfg PromptWizardConfig
	if err := s.k.Unmarshal("promptwizard", &cfg); err != nil {
		return nil, errs.Configuration(errs.CodeConfigInvalid, "failed to unmarshal promptwizard config", errs.WithCause(err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
