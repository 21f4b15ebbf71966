//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

package optimizer

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cursor-prompt/promptwizard-go/config"
	"github.com/cursor-prompt/promptwizard-go/errs"
	"github.com/cursor-prompt/promptwizard-go/log"
)

const (
	optimizePath = "/optimize"
	healthPath   = "/health"

	defaultTimeout    = 120 * time.Second
	defaultRetries    = 3
	healthTimeout     = 5 * time.Second
	retryBackoffBase  = 500 * time.Millisecond
	retryBackoffLimit = 10 * time.Second

	headerAPIKey    = "X-API-Key"
	headerSkipCache = "X-Skip-Cache"
)

// Options is the options for the optimizer client.
type Options struct {
	serviceURL string
	timeout    time.Duration
	retries    int
	verifySSL  bool
	apiKey     string
	httpClient *http.Client
	limiter    *RateLimiter
}

// Option is the option for the optimizer client.
type Option func(*Options)

// WithServiceURL sets the backend base URL.
func WithServiceURL(url string) Option {
	return func(opts *Options) { opts.serviceURL = url }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		if timeout > 0 {
			opts.timeout = timeout
		}
	}
}

// WithRetries sets how many times a transient failure is retried.
func WithRetries(retries int) Option {
	return func(opts *Options) {
		if retries >= 0 {
			opts.retries = retries
		}
	}
}

// WithVerifySSL toggles TLS certificate verification.
func WithVerifySSL(verify bool) Option {
	return func(opts *Options) { opts.verifySSL = verify }
}

// WithAPIKey attaches an API key to every request.
func WithAPIKey(key string) Option {
	return func(opts *Options) { opts.apiKey = key }
}

// WithHTTPClient uses an existing HTTP client. It overrides the
// timeout and TLS options.
func WithHTTPClient(client *http.Client) Option {
	return func(opts *Options) { opts.httpClient = client }
}

// WithRateLimiter bounds outgoing backend calls.
func WithRateLimiter(limiter *RateLimiter) Option {
	return func(opts *Options) { opts.limiter = limiter }
}

// Client calls the optimizer backend over HTTP JSON.
type Client struct {
	serviceURL string
	retries    int
	apiKey     string
	httpClient *http.Client
	limiter    *RateLimiter
}

// NewClient creates an optimizer client.
func NewClient(opts ...Option) *Client {
	options := Options{
		timeout:   defaultTimeout,
		retries:   defaultRetries,
		verifySSL: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	httpClient := options.httpClient
	if httpClient == nil {
		transport := http.DefaultTransport
		if !options.verifySSL {
			transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}
		}
		httpClient = &http.Client{
			Timeout:   options.timeout,
			Transport: transport,
		}
	}
	return &Client{
		serviceURL: options.serviceURL,
		retries:    options.retries,
		apiKey:     options.apiKey,
		httpClient: httpClient,
		limiter:    options.limiter,
	}
}

// NewClientFromConfig builds a client from the promptwizard config
// subtree, including its rate limiting section.
func NewClientFromConfig(cfg *config.PromptWizardConfig) *Client {
	var limiter *RateLimiter
	if cfg.RateLimiting.MaxRequests > 0 {
		limiter = NewRateLimiter(
			cfg.RateLimiting.MaxRequests,
			time.Duration(cfg.RateLimiting.WindowMs)*time.Millisecond,
		)
	}
	return NewClient(
		WithServiceURL(cfg.ServiceURL),
		WithTimeout(time.Duration(cfg.Timeout)*time.Millisecond),
		WithRetries(cfg.Retries),
		WithVerifySSL(cfg.VerifySSL),
		WithAPIKey(cfg.APIKey),
		WithRateLimiter(limiter),
	)
}

// CallOption adjusts a single Optimize call.
type CallOption func(*callOptions)

type callOptions struct {
	skipCache bool
}

// WithSkipCache asks the backend to bypass its own result cache.
func WithSkipCache(skip bool) CallOption {
	return func(opts *callOptions) { opts.skipCache = skip }
}

// Optimize submits a request and returns the backend's result.
// Transient failures (connection errors, timeouts, 5xx) are retried
// with exponential backoff up to the configured retry count.
func (c *Client) Optimize(ctx context.Context, req *Request, opts ...CallOption) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var callOpts callOptions
	for _, opt := range opts {
		opt(&callOpts)
	}
	if c.limiter != nil {
		if ok, retryAfter := c.limiter.Allow(); !ok {
			return nil, errs.Network(errs.CodeRateLimited,
				fmt.Sprintf("rate limit exceeded, retry after %s", retryAfter.Round(time.Millisecond)))
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Internal("marshal optimization request", errs.WithCause(err))
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoffBase << (attempt - 1)
			if backoff > retryBackoffLimit {
				backoff = retryBackoffLimit
			}
			log.Debugf("retrying optimizer call, attempt %d after %s: %v", attempt+1, backoff, lastErr)
			select {
			case <-ctx.Done():
				return nil, timeoutErr(ctx.Err())
			case <-time.After(backoff):
			}
		}
		result, retryable, err := c.doOptimize(ctx, body, callOpts.skipCache)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

// doOptimize performs one HTTP round trip. The second return value
// reports whether the failure may be retried.
func (c *Client) doOptimize(ctx context.Context, body []byte, skipCache bool) (*Result, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.serviceURL+optimizePath, bytes.NewReader(body))
	if err != nil {
		return nil, false, errs.Internal("build optimizer request", errs.WithCause(err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set(headerAPIKey, c.apiKey)
	}
	if skipCache {
		httpReq.Header.Set(headerSkipCache, "true")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, true, timeoutErr(err)
		}
		return nil, true, errs.Network(errs.CodeBackendUnreachable,
			"optimizer backend unreachable", errs.WithCause(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := errs.Network(errs.CodeHTTPStatus,
			fmt.Sprintf("optimizer backend returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
		// 5xx and 429 are worth retrying, other statuses are not.
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retryable, statusErr
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, false, errs.Network(errs.CodeResponseShape,
			"optimizer response is not valid JSON", errs.WithCause(err))
	}
	if result.OptimizedPrompt == "" {
		return nil, false, errs.Network(errs.CodeResponseShape,
			"optimizer response is missing optimizedPrompt")
	}
	if result.Status == "" {
		result.Status = StatusCompleted
	}
	return &result, false, nil
}

// HealthCheck probes the backend health endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serviceURL+healthPath, nil)
	if err != nil {
		return errs.Internal("build health request", errs.WithCause(err))
	}
	if c.apiKey != "" {
		req.Header.Set(headerAPIKey, c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Network(errs.CodeBackendUnreachable,
			"optimizer backend unreachable", errs.WithCause(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errs.Network(errs.CodeHTTPStatus,
			fmt.Sprintf("health check returned %d", resp.StatusCode))
	}
	return nil
}

func timeoutErr(cause error) error {
	return errs.Network(errs.CodeRequestTimeout, "optimizer request timed out", errs.WithCause(cause))
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
