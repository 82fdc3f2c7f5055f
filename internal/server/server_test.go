// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cineflow/internal/governor"
	"github.com/tombee/cineflow/internal/runner"
	"github.com/tombee/cineflow/internal/store"
	"github.com/tombee/cineflow/internal/storyboard"
	"github.com/tombee/cineflow/pkg/errors"
)

// stubRuns records calls and returns scripted results.
type stubRuns struct {
	submitParams runner.SubmitParams
	submitRun    store.Run
	submitErr    error
	retryTask    store.Task
	retryErr     error
}

func (s *stubRuns) Submit(ctx context.Context, p runner.SubmitParams) (store.Run, error) {
	s.submitParams = p
	return s.submitRun, s.submitErr
}

func (s *stubRuns) RetryTask(ctx context.Context, taskID string) (store.Task, error) {
	return s.retryTask, s.retryErr
}

func newTestServer(t *testing.T, st *store.Store, runs RunService) *httptest.Server {
	t.Helper()
	gov := governor.New(governor.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := New(Config{Addr: ":0"}, st, runs, gov, prometheus.NewRegistry(),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthReportsGovernor(t *testing.T) {
	ts := newTestServer(t, store.New(), &stubRuns{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	gov := body["governor"].(map[string]any)
	assert.Equal(t, float64(20), gov["ceiling"])
	assert.Equal(t, false, gov["safe_mode"])
}

func TestCreateAndListStoryboards(t *testing.T) {
	st := store.New()
	ts := newTestServer(t, st, &stubRuns{})

	resp := postJSON(t, ts.URL+"/api/v1/storyboards", map[string]any{
		"name": "pilot",
		"segments": []map[string]any{
			{"segment_index": 1, "prompt_text": "a quiet street"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var sb store.Storyboard
	decodeBody(t, resp, &sb)
	assert.Equal(t, "pilot", sb.Name)
	require.Len(t, sb.SegmentIDs, 1)

	segs := st.ListSegments(sb.ID)
	require.Len(t, segs, 1)
	// Defaults are applied during parse.
	assert.Equal(t, 10, segs[0].DurationSeconds)
	assert.Equal(t, storyboard.ResolutionHorizontal, segs[0].Resolution)

	listResp, err := http.Get(ts.URL + "/api/v1/storyboards")
	require.NoError(t, err)
	var listing struct {
		Storyboards []store.Storyboard `json:"storyboards"`
	}
	decodeBody(t, listResp, &listing)
	assert.Len(t, listing.Storyboards, 1)
}

func TestCreateStoryboardRejectsInvalid(t *testing.T) {
	ts := newTestServer(t, store.New(), &stubRuns{})

	resp := postJSON(t, ts.URL+"/api/v1/storyboards", map[string]any{
		"segments": []map[string]any{
			{"segment_index": 1, "prompt_text": "   "},
		},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body errorBody
	decodeBody(t, resp, &body)
	assert.Equal(t, "validation_error", body.Code)
}

func TestSubmitRunForwardsParams(t *testing.T) {
	stub := &stubRuns{submitRun: store.Run{ID: "run-1", Status: store.StatusRunning}}
	ts := newTestServer(t, store.New(), stub)

	resp := postJSON(t, ts.URL+"/api/v1/runs", map[string]any{
		"storyboard_id":    "sb-1",
		"model_id":         "sora2",
		"routing_strategy": "failover",
		"gen_count":        2,
		"concurrency":      3,
		"segment_range":    "1-4",
		"force":            true,
		"output_layout":    "custom",
		"output_path":      "/renders",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var run store.Run
	decodeBody(t, resp, &run)
	assert.Equal(t, "run-1", run.ID)

	assert.Equal(t, runner.SubmitParams{
		StoryboardID:    "sb-1",
		ModelID:         "sora2",
		RoutingStrategy: "failover",
		GenCount:        2,
		Concurrency:     3,
		SegmentRange:    "1-4",
		Force:           true,
		OutputLayout:    "custom",
		OutputPath:      "/renders",
	}, stub.submitParams)
}

func TestSubmitRunErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", &errors.ValidationError{Field: "gen_count", Message: "must be between 1 and 10"}, http.StatusBadRequest, "validation_error"},
		{"not found", &errors.NotFoundError{Resource: "storyboard", ID: "ghost"}, http.StatusNotFound, "not_found"},
		{"provider", &errors.ProviderError{Provider: "sora_hk", Message: "boom"}, http.StatusBadGateway, "provider_error"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, store.New(), &stubRuns{submitErr: tt.err})
			resp := postJSON(t, ts.URL+"/api/v1/runs", map[string]any{"storyboard_id": "x", "model_id": "y"})
			require.Equal(t, tt.wantStatus, resp.StatusCode)

			var body errorBody
			decodeBody(t, resp, &body)
			assert.Equal(t, tt.wantCode, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestRetryTaskEndpoint(t *testing.T) {
	stub := &stubRuns{retryTask: store.Task{ID: "t-1", Status: store.StatusQueued}}
	ts := newTestServer(t, store.New(), stub)

	resp := postJSON(t, ts.URL+"/api/v1/tasks/t-1/retry", map[string]any{})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var task store.Task
	decodeBody(t, resp, &task)
	assert.Equal(t, store.StatusQueued, task.Status)
}

func TestTaskMetadataEndpoint(t *testing.T) {
	st := store.New()
	sb := st.CreateStoryboard("b", []storyboard.Segment{
		{SegmentIndex: 1, PromptText: "x", DurationSeconds: 10, Resolution: "horizontal"},
	}, "")
	seg := st.ListSegments(sb.ID)[0]
	_, tasks := st.CreateRun(sb.ID, []store.TaskSpec{{
		SegmentID: seg.ID, SegmentIndex: 1, VersionIndex: 1, OutputDir: t.TempDir(),
	}}, store.RunConfig{})
	taskID := tasks[0].ID

	metaPath := filepath.Join(t.TempDir(), "meta.json")
	require.NoError(t, os.WriteFile(metaPath, []byte(`{"local_status":"completed"}`), 0o644))
	st.UpdateTask(taskID, func(tk *store.Task) { tk.MetadataPath = metaPath })

	ts := newTestServer(t, st, &stubRuns{})

	resp, err := http.Get(ts.URL + "/api/v1/tasks/" + taskID + "/metadata")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var meta map[string]any
	decodeBody(t, resp, &meta)
	assert.Equal(t, "completed", meta["local_status"])

	// A task without a sidecar is a 404.
	st.UpdateTask(taskID, func(tk *store.Task) { tk.MetadataPath = "" })
	resp, err = http.Get(ts.URL + "/api/v1/tasks/" + taskID + "/metadata")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunTasksStatusFilter(t *testing.T) {
	st := store.New()
	sb := st.CreateStoryboard("b", []storyboard.Segment{
		{SegmentIndex: 1, PromptText: "x", DurationSeconds: 10, Resolution: "horizontal"},
	}, "")
	seg := st.ListSegments(sb.ID)[0]
	run, tasks := st.CreateRun(sb.ID, []store.TaskSpec{
		{SegmentID: seg.ID, SegmentIndex: 1, VersionIndex: 1, OutputDir: "a"},
		{SegmentID: seg.ID, SegmentIndex: 1, VersionIndex: 2, OutputDir: "a"},
	}, store.RunConfig{})
	st.UpdateTask(tasks[0].ID, func(tk *store.Task) { tk.Status = store.StatusCompleted })

	ts := newTestServer(t, st, &stubRuns{})

	resp, err := http.Get(ts.URL + "/api/v1/runs/" + run.ID + "/tasks?status=completed")
	require.NoError(t, err)
	var listing struct {
		Tasks []store.Task `json:"tasks"`
	}
	decodeBody(t, resp, &listing)
	require.Len(t, listing.Tasks, 1)
	assert.Equal(t, tasks[0].ID, listing.Tasks[0].ID)
}

func TestPatchProvider(t *testing.T) {
	st := store.New()
	ts := newTestServer(t, st, &stubRuns{})

	req, err := http.NewRequest(http.MethodPatch, ts.URL+"/api/v1/providers/openai",
		bytes.NewReader([]byte(`{"enabled": true, "priority": 5}`)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var p store.Provider
	decodeBody(t, resp, &p)
	assert.True(t, p.Enabled)
	assert.Equal(t, 5, p.Priority)

	got, _ := st.GetProvider("openai")
	assert.True(t, got.Enabled)
}

func TestPatchProviderValidation(t *testing.T) {
	ts := newTestServer(t, store.New(), &stubRuns{})

	tests := []struct {
		name string
		body string
	}{
		{"priority out of range", `{"priority": 0}`},
		{"weight out of range", `{"weight": 101}`},
		{"bad duration", `{"supported_durations": [7]}`},
		{"bad resolution", `{"supported_resolutions": ["square"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPatch, ts.URL+"/api/v1/providers/openai",
				bytes.NewReader([]byte(tt.body)))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			resp.Body.Close()
		})
	}
}

func TestPutModelProviderMap(t *testing.T) {
	st := store.New()
	ts := newTestServer(t, st, &stubRuns{})

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/models/sora2/providers/openai",
		bytes.NewReader([]byte(`{"provider_model_ids": ["sora-2-hd"]}`)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var m store.Model
	decodeBody(t, resp, &m)
	assert.Equal(t, []string{"sora-2-hd"}, m.ModelsFor("openai"))

	// Unknown provider id is rejected.
	req, err = http.NewRequest(http.MethodPut, ts.URL+"/api/v1/models/sora2/providers/ghost",
		bytes.NewReader([]byte(`{"provider_model_ids": ["x"]}`)))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, store.New(), &stubRuns{})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
