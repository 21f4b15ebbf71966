//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cursor-prompt/promptwizard-go/pipeline"
	"github.com/cursor-prompt/promptwizard-go/queue"
	"github.com/cursor-prompt/promptwizard-go/template"
)

type blockingRunner struct {
	release chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context, _ string, _ *template.Template, _ *pipeline.Request) (*pipeline.Result, error) {
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &pipeline.Result{Success: true}, nil
}

func newTestServer(t *testing.T, runner queue.Runner, opts ...Option) (*httptest.Server, *queue.Queue) {
	t.Helper()
	q, err := queue.New(queue.WithRunner(runner))
	require.NoError(t, err)
	t.Cleanup(q.Stop)
	s, err := New(q, opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, q
}

func postJob(t *testing.T, ts *httptest.Server, body map[string]any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/jobs", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func waitForStatus(t *testing.T, q *queue.Queue, id string, want queue.Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if job := q.GetJob(id); job != nil && job.Status == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", id, want)
}

func TestNewRequiresQueue(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestSubmitAndFetchJob(t *testing.T) {
	ts, q := newTestServer(t, &blockingRunner{})

	resp := postJob(t, ts, map[string]any{
		"templateId": "greeting",
		"template":   map[string]any{"id": "greeting", "content": "Hello {{name}}"},
		"priority":   "high",
		"metadata":   map[string]any{"source": "api"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created := decode[map[string]string](t, resp)
	id := created["jobId"]
	require.NotEmpty(t, id)

	waitForStatus(t, q, id, queue.StatusCompleted)

	resp, err := http.Get(ts.URL + "/api/jobs/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decode[queue.Job](t, resp)
	assert.Equal(t, "greeting", job.TemplateID)
	assert.Equal(t, queue.PriorityHigh, job.Priority)
	assert.Equal(t, queue.StatusCompleted, job.Status)
	assert.Equal(t, "api", job.Metadata["source"])
}

func TestSubmitRejectsMissingTemplateID(t *testing.T) {
	ts, _ := newTestServer(t, &blockingRunner{})
	resp := postJob(t, ts, map[string]any{"template": map[string]any{"content": "x"}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitRejectsUnknownPriority(t *testing.T) {
	ts, _ := newTestServer(t, &blockingRunner{})
	resp := postJob(t, ts, map[string]any{"templateId": "t", "priority": "asap"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitRejectsMalformedBody(t *testing.T) {
	ts, _ := newTestServer(t, &blockingRunner{})
	resp, err := http.Post(ts.URL+"/api/jobs", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUnknownJob(t *testing.T) {
	ts, _ := newTestServer(t, &blockingRunner{})
	resp, err := http.Get(ts.URL + "/api/jobs/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListJobsFiltersByStatus(t *testing.T) {
	release := make(chan struct{})
	ts, q := newTestServer(t, &blockingRunner{release: release})

	first := decode[map[string]string](t, postJob(t, ts, map[string]any{"templateId": "a"}))["jobId"]
	waitForStatus(t, q, first, queue.StatusProcessing)

	resp, err := http.Get(ts.URL + "/api/jobs?status=processing")
	require.NoError(t, err)
	jobs := decode[[]queue.Job](t, resp)
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].TemplateID)

	resp, err = http.Get(ts.URL + "/api/jobs?status=completed")
	require.NoError(t, err)
	assert.Empty(t, decode[[]queue.Job](t, resp))

	close(release)
	waitForStatus(t, q, first, queue.StatusCompleted)
}

func TestCancelJob(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ts, q := newTestServer(t, &blockingRunner{release: release})

	id := decode[map[string]string](t, postJob(t, ts, map[string]any{"templateId": "a"}))["jobId"]
	waitForStatus(t, q, id, queue.StatusProcessing)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/jobs/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, true, body["cancelled"])

	waitForStatus(t, q, id, queue.StatusCancelled)
}

func TestCancelUnknownJob(t *testing.T) {
	ts, _ := newTestServer(t, &blockingRunner{})
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/jobs/nope", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStats(t *testing.T) {
	ts, q := newTestServer(t, &blockingRunner{})
	id := decode[map[string]string](t, postJob(t, ts, map[string]any{"templateId": "a"}))["jobId"]
	waitForStatus(t, q, id, queue.StatusCompleted)

	resp, err := http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	stats := decode[queue.Stats](t, resp)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[queue.StatusCompleted])
}

func TestHealthWithoutProbe(t *testing.T) {
	ts, _ := newTestServer(t, &blockingRunner{})
	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestHealthProbe(t *testing.T) {
	probeErr := errors.New("backend down")
	ts, _ := newTestServer(t, &blockingRunner{}, WithHealthCheck(func(context.Context) error { return probeErr }))
	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "backend down", body["error"])
}

func TestCORSHeaders(t *testing.T) {
	ts, _ := newTestServer(t, &blockingRunner{})
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
