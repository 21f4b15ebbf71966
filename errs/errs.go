//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

// Package errs provides the shared error taxonomy used across subsystems.
package errs

import (
	"errors"
	"fmt"
)

// Category classifies an error by the subsystem boundary that produced it.
type Category string

// Error categories.
const (
	CategoryValidation    Category = "validation"
	CategoryNetwork       Category = "network"
	CategoryFilesystem    Category = "filesystem"
	CategoryConfiguration Category = "configuration"
	CategoryTemplate      Category = "template"
	CategoryPlugin        Category = "plugin"
	CategoryMarketplace   Category = "marketplace"
	CategoryAuth          Category = "auth"
	CategoryInternal      Category = "internal"
)

// Severity indicates how serious an error is for the running service.
type Severity string

// Error severities.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Stable error codes for the core subsystems.
const (
	CodeInvalidVariableType  = "INVALID_VARIABLE_TYPE"
	CodePatternMismatch      = "PATTERN_MISMATCH"
	CodeEnumMiss             = "ENUM_MISS"
	CodeRangeViolation       = "RANGE_VIOLATION"
	CodeTemplateNotFound     = "TEMPLATE_NOT_FOUND"
	CodeTemplateProcessing   = "TEMPLATE_PROCESSING"
	CodeCircularDependency   = "CIRCULAR_DEPENDENCY"
	CodeIncludeDepthExceeded = "INCLUDE_DEPTH_EXCEEDED"
	CodeIncludeNotFound      = "INCLUDE_NOT_FOUND"
	CodeBackendUnreachable   = "BACKEND_UNREACHABLE"
	CodeRequestTimeout       = "REQUEST_TIMEOUT"
	CodeHTTPStatus           = "HTTP_STATUS"
	CodeResponseShape        = "RESPONSE_SHAPE"
	CodeRateLimited          = "RATE_LIMITED"
	CodeConfigMissing        = "CONFIG_MISSING"
	CodeConfigInvalid        = "CONFIG_INVALID"
	CodeInternal             = "INTERNAL"
)

// Error is the single tagged error value carried across subsystem
// boundaries. Entity names the affected template or job id when known.
type Error struct {
	Category Category
	Code     string
	Severity Severity
	Message  string
	Entity   string
	Cause    error
	Context  map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("[%s/%s] %s (entity: %s)", e.Category, e.Code, e.Message, e.Entity)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by category and code so sentinel comparisons work
// through errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Category == t.Category && (t.Code == "" || e.Code == t.Code)
}

// Option configures an Error.
type Option func(*Error)

// WithCause attaches the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) { e.Cause = cause }
}

// WithEntity records the affected entity id.
func WithEntity(entity string) Option {
	return func(e *Error) { e.Entity = entity }
}

// WithContext attaches free-form context for diagnostics.
func WithContext(ctx map[string]any) Option {
	return func(e *Error) { e.Context = ctx }
}

// New creates a tagged error.
func New(category Category, code string, severity Severity, message string, opts ...Option) *Error {
	e := &Error{
		Category: category,
		Code:     code,
		Severity: severity,
		Message:  message,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validation creates a low-severity validation error.
func Validation(code, message string, opts ...Option) *Error {
	return New(CategoryValidation, code, SeverityLow, message, opts...)
}

// Template creates a medium-severity template error.
func Template(code, message string, opts ...Option) *Error {
	return New(CategoryTemplate, code, SeverityMedium, message, opts...)
}

// Network creates a medium-severity network error.
func Network(code, message string, opts ...Option) *Error {
	return New(CategoryNetwork, code, SeverityMedium, message, opts...)
}

// Configuration creates a high-severity configuration error.
func Configuration(code, message string, opts ...Option) *Error {
	return New(CategoryConfiguration, code, SeverityHigh, message, opts...)
}

// Internal creates a critical internal error. Internal errors are
// non-operational: they indicate an invariant violation rather than a
// recoverable condition.
func Internal(message string, opts ...Option) *Error {
	return New(CategoryInternal, CodeInternal, SeverityCritical, message, opts...)
}

// IsTransient reports whether the queue may retry the failed work.
// Network failures and timeouts are transient; validation, template and
// configuration failures are permanent.
func IsTransient(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		// Unclassified errors are treated as transient so the retry
		// budget, not the classifier, bounds them.
		return true
	}
	switch e.Category {
	case CategoryNetwork:
		return true
	case CategoryValidation, CategoryTemplate, CategoryConfiguration:
		return false
	default:
		return e.Severity != SeverityCritical
	}
}

// CategoryOf extracts the category of a tagged error, or CategoryInternal
// for untagged errors.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}
