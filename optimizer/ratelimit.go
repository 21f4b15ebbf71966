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
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter for backend calls. Cached
// results never reach the client, so only real backend traffic counts
// against the window.
type RateLimiter struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	calls       []time.Time
	now         func() time.Time
}

// NewRateLimiter creates a limiter allowing maxRequests per window.
// A non-positive maxRequests disables limiting.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// Allow reports whether another call may proceed now and, when it may
// not, how long until the oldest counted call leaves the window.
func (r *RateLimiter) Allow() (bool, time.Duration) {
	if r == nil || r.maxRequests <= 0 {
		return true, 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cutoff := now.Add(-r.window)
	kept := r.calls[:0]
	for _, t := range r.calls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.calls = kept
	if len(r.calls) >= r.maxRequests {
		return false, r.calls[0].Sub(cutoff)
	}
	r.calls = append(r.calls, now)
	return true, 0
}
