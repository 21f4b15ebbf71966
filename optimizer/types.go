//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

// Package optimizer provides the HTTP client for the external prompt
// optimizer backend.
package optimizer

import (
	"fmt"
	"time"

	"github.com/cursor-prompt/promptwizard-go/config"
	"github.com/cursor-prompt/promptwizard-go/errs"
)

// Result statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Example is a few-shot example attached to a request.
type Example struct {
	Input     string `json:"input"`
	Output    string `json:"output"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Request is the optimization request sent to the backend.
type Request struct {
	Task              string         `json:"task"`
	Prompt            string         `json:"prompt"`
	TargetModel       string         `json:"targetModel"`
	RefineIterations  int            `json:"mutateRefineIterations"`
	FewShotCount      int            `json:"fewShotCount"`
	GenerateReasoning bool           `json:"generateReasoning"`
	Examples          []Example      `json:"examples,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Validate checks the documented field ranges before the request is
// sent. Validation failures are permanent and never retried.
func (r *Request) Validate() error {
	if r.Task == "" {
		return errs.Validation(errs.CodeRangeViolation, "task must not be empty")
	}
	if r.Prompt == "" {
		return errs.Validation(errs.CodeRangeViolation, "prompt must not be empty")
	}
	supported := false
	for _, m := range config.SupportedModels {
		if m == r.TargetModel {
			supported = true
			break
		}
	}
	if !supported {
		return errs.Validation(errs.CodeEnumMiss,
			fmt.Sprintf("unsupported target model %q", r.TargetModel))
	}
	if r.RefineIterations < 1 || r.RefineIterations > 10 {
		return errs.Validation(errs.CodeRangeViolation,
			"mutateRefineIterations must be between 1 and 10")
	}
	if r.FewShotCount < 0 || r.FewShotCount > 20 {
		return errs.Validation(errs.CodeRangeViolation,
			"fewShotCount must be between 0 and 20")
	}
	return nil
}

// Metrics reports what the optimization achieved.
type Metrics struct {
	AccuracyImprovement float64 `json:"accuracyImprovement"`
	TokenReduction      float64 `json:"tokenReduction"`
	CostReduction       float64 `json:"costReduction"`
	ProcessingTime      float64 `json:"processingTime"` // milliseconds
	APICallsUsed        int     `json:"apiCallsUsed"`
}

// Result is the backend's response. Confidence is a pointer so an
// absent score can be told apart from an explicit zero.
type Result struct {
	OptimizedPrompt string    `json:"optimizedPrompt"`
	Metrics         Metrics   `json:"metrics"`
	Confidence      *float64  `json:"confidence,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"createdAt,omitempty"`
	CompletedAt     time.Time `json:"completedAt,omitempty"`
}
