//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

package config

import (
	"fmt"

	"github.com/cursor-prompt/promptwizard-go/errs"
)

// Models accepted as optimization targets.
var SupportedModels = []string{
	"gpt-4",
	"gpt-3.5-turbo",
	"claude-3-opus",
	"claude-3-sonnet",
	"gemini-pro",
}

// Analytics backends.
const (
	AnalyticsBackendMemory = "memory"
	AnalyticsBackendFile   = "file"
	AnalyticsBackendRemote = "remote"
)

// PromptWizardConfig is the typed view of the promptwizard subtree.
type PromptWizardConfig struct {
	Enabled                bool    `koanf:"enabled"`
	ServiceURL             string  `koanf:"serviceUrl"`
	Timeout                int     `koanf:"timeout"`
	Retries                int     `koanf:"retries"`
	VerifySSL              bool    `koanf:"verifySSL"`
	APIKey                 string  `koanf:"apiKey"`
	DefaultModel           string  `koanf:"defaultModel"`
	MutateRefineIterations int     `koanf:"mutateRefineIterations"`
	FewShotCount           int     `koanf:"fewShotCount"`
	GenerateReasoning      bool    `koanf:"generateReasoning"`
	MaxPromptLength        int     `koanf:"maxPromptLength"`
	MinConfidence          float64 `koanf:"minConfidence"`
	AutoOptimize           bool    `koanf:"autoOptimize"`

	Cache        CacheConfig        `koanf:"cache"`
	RateLimiting RateLimitingConfig `koanf:"rateLimiting"`
	Analytics    AnalyticsConfig    `koanf:"analytics"`
}

// CacheConfig configures the local cache tier and the optional
// distributed tier behind it.
type CacheConfig struct {
	Enabled     bool                   `koanf:"enabled"`
	TTL         int                    `koanf:"ttl"` // seconds
	MaxSize     int                    `koanf:"maxSize"`
	Distributed DistributedCacheConfig `koanf:"distributed"`
}

// DistributedCacheConfig configures the remote cache tier.
type DistributedCacheConfig struct {
	Enabled   bool   `koanf:"enabled"`
	URL       string `koanf:"url"`
	KeyPrefix string `koanf:"keyPrefix"`
}

// RateLimitingConfig bounds optimizer backend calls.
type RateLimitingConfig struct {
	MaxRequests int  `koanf:"maxRequests"`
	WindowMs    int  `koanf:"windowMs"`
	SkipCached  bool `koanf:"skipCached"`
}

// AnalyticsConfig configures usage tracking.
type AnalyticsConfig struct {
	Enabled        bool   `koanf:"enabled"`
	TrackUsage     bool   `koanf:"trackUsage"`
	ReportInterval int    `koanf:"reportInterval"` // seconds
	Backend        string `koanf:"backend"`
}

// Defaults returns the built-in defaults as a flat dotted-key map.
func Defaults() map[string]any {
	return map[string]any{
		"promptwizard.enabled":                   false,
		"promptwizard.serviceUrl":                "http://localhost:8080",
		"promptwizard.timeout":                   120000,
		"promptwizard.retries":                   3,
		"promptwizard.verifySSL":                 true,
		"promptwizard.apiKey":                    "",
		"promptwizard.defaultModel":              "gpt-4",
		"promptwizard.mutateRefineIterations":    3,
		"promptwizard.fewShotCount":              5,
		"promptwizard.generateReasoning":         true,
		"promptwizard.maxPromptLength":           10000,
		"promptwizard.minConfidence":             0.7,
		"promptwizard.autoOptimize":              false,
		"promptwizard.cache.enabled":             true,
		"promptwizard.cache.ttl":                 3600,
		"promptwizard.cache.maxSize":             1000,
		"promptwizard.cache.distributed.enabled": false,
		"promptwizard.cache.distributed.url":     "",
		"promptwizard.cache.distributed.keyPrefix": "promptwizard",
		"promptwizard.rateLimiting.maxRequests":    60,
		"promptwizard.rateLimiting.windowMs":       60000,
		"promptwizard.rateLimiting.skipCached":     true,
		"promptwizard.analytics.enabled":           false,
		"promptwizard.analytics.trackUsage":        true,
		"promptwizard.analytics.reportInterval":    3600,
		"promptwizard.analytics.backend":           AnalyticsBackendMemory,
	}
}

// Validate checks the documented ranges and enums.
func (c *PromptWizardConfig) Validate() error {
	if c.Timeout < 30000 || c.Timeout > 600000 {
		return invalid("promptwizard.timeout", "must be between 30000 and 600000 ms")
	}
	if c.Retries < 0 || c.Retries > 10 {
		return invalid("promptwizard.retries", "must be between 0 and 10")
	}
	if !supportedModel(c.DefaultModel) {
		return invalid("promptwizard.defaultModel", fmt.Sprintf("unsupported model %q", c.DefaultModel))
	}
	if c.MutateRefineIterations < 1 || c.MutateRefineIterations > 10 {
		return invalid("promptwizard.mutateRefineIterations", "must be between 1 and 10")
	}
	if c.FewShotCount < 0 || c.FewShotCount > 20 {
		return invalid("promptwizard.fewShotCount", "must be between 0 and 20")
	}
	if c.MaxPromptLength < 1000 {
		return invalid("promptwizard.maxPromptLength", "must be at least 1000")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return invalid("promptwizard.minConfidence", "must be between 0 and 1")
	}
	switch c.Analytics.Backend {
	case AnalyticsBackendMemory, AnalyticsBackendFile, AnalyticsBackendRemote:
	default:
		return invalid("promptwizard.analytics.backend", fmt.Sprintf("unsupported backend %q", c.Analytics.Backend))
	}
	return nil
}

func supportedModel(model string) bool {
	for _, m := range SupportedModels {
		if m == model {
			return true
		}
	}
	return false
}

func invalid(key, msg string) error {
	return errs.Configuration(errs.CodeConfigInvalid, key+": "+msg, errs.WithEntity(key))
}
