//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

// Package template implements the prompt template engine: a
// Mustache/Handlebars-style mini-language with includes, conditionals,
// loops, partials, pipe transforms and user-definable helpers.
package template

import (
	"fmt"
	"regexp"
	"time"

	"github.com/cursor-prompt/promptwizard-go/errs"
)

// VariableType enumerates supported variable config types.
type VariableType string

// Variable types.
const (
	VarString  VariableType = "string"
	VarNumber  VariableType = "number"
	VarBoolean VariableType = "boolean"
	VarArray   VariableType = "array"
	VarObject  VariableType = "object"
	VarChoice  VariableType = "choice"
)

// VariableConfig describes one template variable.
type VariableConfig struct {
	Type        VariableType `json:"type" yaml:"type"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Default     any          `json:"default,omitempty" yaml:"default,omitempty"`
	Required    bool         `json:"required,omitempty" yaml:"required,omitempty"`
	Pattern     string       `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Min         *float64     `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64     `json:"max,omitempty" yaml:"max,omitempty"`
	Enum        []any        `json:"enum,omitempty" yaml:"enum,omitempty"`
	Choices     []string     `json:"choices,omitempty" yaml:"choices,omitempty"`
}

// File is one file artifact a template may emit.
type File struct {
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
	Content     string `json:"content,omitempty" yaml:"content,omitempty"`
	Transform   bool   `json:"transform,omitempty" yaml:"transform,omitempty"`
	Condition   string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Metadata is free-form template metadata.
type Metadata struct {
	Author    string         `json:"author,omitempty" yaml:"author,omitempty"`
	Tags      []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Category  string         `json:"category,omitempty" yaml:"category,omitempty"`
	CreatedAt time.Time      `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
	Extra     map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Template is a named, versioned prompt artifact. Identity is
// (Name, Version). A template is immutable once loaded; rendering
// produces a new value with substituted content.
type Template struct {
	ID          string                    `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string                    `json:"name" yaml:"name"`
	Version     string                    `json:"version" yaml:"version"`
	Description string                    `json:"description,omitempty" yaml:"description,omitempty"`
	Content     string                    `json:"content" yaml:"content"`
	Variables   map[string]VariableConfig `json:"variables,omitempty" yaml:"variables,omitempty"`
	Files       []File                    `json:"files,omitempty" yaml:"files,omitempty"`
	Commands    []string                  `json:"commands,omitempty" yaml:"commands,omitempty"`
	Metadata    Metadata                  `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Clone returns a deep-enough copy suitable for producing a rendered or
// optimized sibling without mutating the original.
func (t *Template) Clone() *Template {
	clone := *t
	if t.Variables != nil {
		clone.Variables = make(map[string]VariableConfig, len(t.Variables))
		for k, v := range t.Variables {
			clone.Variables[k] = v
		}
	}
	clone.Files = append([]File(nil), t.Files...)
	clone.Commands = append([]string(nil), t.Commands...)
	return &clone
}

// ValidateValue checks a single value against a variable config.
func (vc *VariableConfig) ValidateValue(name string, value any) error {
	if value == nil {
		if vc.Required && vc.Default == nil {
			return errs.Validation(errs.CodeRangeViolation,
				fmt.Sprintf("variable %q is required", name), errs.WithEntity(name))
		}
		return nil
	}
	switch vc.Type {
	case VarString:
		s, ok := value.(string)
		if !ok {
			return badType(name, "string")
		}
		if vc.Pattern != "" {
			re, err := regexp.Compile(vc.Pattern)
			if err != nil {
				return errs.Validation(errs.CodePatternMismatch,
					fmt.Sprintf("variable %q has invalid pattern", name), errs.WithEntity(name), errs.WithCause(err))
			}
			if !re.MatchString(s) {
				return errs.Validation(errs.CodePatternMismatch,
					fmt.Sprintf("variable %q does not match pattern %s", name, vc.Pattern), errs.WithEntity(name))
			}
		}
	case VarNumber:
		n, ok := toFloat(value)
		if !ok {
			return badType(name, "number")
		}
		if vc.Min != nil && n < *vc.Min {
			return errs.Validation(errs.CodeRangeViolation,
				fmt.Sprintf("variable %q below minimum %v", name, *vc.Min), errs.WithEntity(name))
		}
		if vc.Max != nil && n > *vc.Max {
			return errs.Validation(errs.CodeRangeViolation,
				fmt.Sprintf("variable %q above maximum %v", name, *vc.Max), errs.WithEntity(name))
		}
	case VarBoolean:
		if _, ok := value.(bool); !ok {
			return badType(name, "boolean")
		}
	case VarArray:
		if _, ok := value.([]any); !ok {
			return badType(name, "array")
		}
	case VarObject:
		if _, ok := value.(map[string]any); !ok {
			return badType(name, "object")
		}
	case VarChoice:
		s, ok := value.(string)
		if !ok {
			return badType(name, "choice")
		}
		for _, c := range vc.Choices {
			if c == s {
				return nil
			}
		}
		return errs.Validation(errs.CodeEnumMiss,
			fmt.Sprintf("variable %q must be one of %v", name, vc.Choices), errs.WithEntity(name))
	}
	if len(vc.Enum) > 0 {
		for _, e := range vc.Enum {
			if e == value {
				return nil
			}
		}
		return errs.Validation(errs.CodeEnumMiss,
			fmt.Sprintf("variable %q not in enum %v", name, vc.Enum), errs.WithEntity(name))
	}
	return nil
}

// ValidateVariables checks all provided values against the template's
// variable configs and reports the first violation.
func (t *Template) ValidateVariables(values map[string]any) error {
	for name, vc := range t.Variables {
		cfg := vc
		if err := cfg.ValidateValue(name, values[name]); err != nil {
			return err
		}
	}
	return nil
}

func badType(name, want string) error {
	return errs.Validation(errs.CodeInvalidVariableType,
		fmt.Sprintf("variable %q must be a %s", name, want), errs.WithEntity(name))
}
