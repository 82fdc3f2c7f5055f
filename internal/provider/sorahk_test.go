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

package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cineflow/pkg/errors"
)

func TestSoraHKCreateTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/create", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "A cat", payload["prompt"])
		assert.Equal(t, float64(10), payload["duration"])
		assert.Equal(t, "horizontal", payload["resolution"])
		assert.Equal(t, true, payload["remove_watermark"])
		_, hasImage := payload["image_url"]
		assert.False(t, hasImage)

		json.NewEncoder(w).Encode(map[string]any{
			"code": 200,
			"data": map[string]any{"task_id": "t-123"},
		})
	}))
	defer srv.Close()

	c := NewSoraHK(srv.URL, "sk-test", srv.Client(), srv.Client())
	id, err := c.CreateTask(context.Background(), CreateRequest{
		Prompt: "A cat", Duration: 10, Resolution: "horizontal",
	})
	require.NoError(t, err)
	assert.Equal(t, "t-123", id)
}

func TestSoraHKCreateTaskEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"code":    500,
			"message": "internal server error",
		})
	}))
	defer srv.Close()

	c := NewSoraHK(srv.URL, "sk-test", srv.Client(), srv.Client())
	_, err := c.CreateTask(context.Background(), CreateRequest{Prompt: "x", Duration: 10, Resolution: "horizontal"})
	require.Error(t, err)

	var pe *errors.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "sora_hk", pe.Provider)
	assert.Contains(t, pe.Message, "internal server error")
}

func TestSoraHKHTTPErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		wantMessage string
	}{
		{"unauthorized", http.StatusUnauthorized, "invalid api key"},
		{"rate limited", http.StatusTooManyRequests, "rate limit exceeded"},
		{"server error", http.StatusBadGateway, "HTTP 502"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("x-request-id", "req-9")
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewSoraHK(srv.URL, "sk-test", srv.Client(), srv.Client())
			_, err := c.GetTask(context.Background(), "t-1")
			require.Error(t, err)

			var pe *errors.ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Contains(t, pe.Message, tt.wantMessage)
			assert.Equal(t, "req-9", pe.RequestID)
		})
	}
}

func TestSoraHKGetTaskNormalizesStatus(t *testing.T) {
	tests := []struct {
		vendor string
		want   string
	}{
		{"completed", StatusCompleted},
		{"succeeded", StatusCompleted},
		{"done", StatusCompleted},
		{"failed", StatusFailed},
		{"cancelled", StatusFailed},
		{"processing", StatusRunning},
		{"", StatusRunning},
	}
	for _, tt := range tests {
		t.Run("status "+tt.vendor, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/tasks/t-1", r.URL.Path)
				json.NewEncoder(w).Encode(map[string]any{
					"code": 200,
					"data": map[string]any{
						"status":    tt.vendor,
						"progress":  42,
						"video_url": "https://cdn.example.com/v.mp4",
					},
				})
			}))
			defer srv.Close()

			c := NewSoraHK(srv.URL, "sk-test", srv.Client(), srv.Client())
			got, err := c.GetTask(context.Background(), "t-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, 42, got.Progress)
			assert.Equal(t, "https://cdn.example.com/v.mp4", got.VideoURL)
		})
	}
}

func TestDownloadFileAtomicCommit(t *testing.T) {
	content := []byte("fake mp4 bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out", "1_v1.mp4")
	c := NewSoraHK(srv.URL, "sk-test", srv.Client(), srv.Client())
	require.NoError(t, c.DownloadVideo(context.Background(), "t-1", srv.URL+"/v.mp4", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	_, err = os.Stat(dest + ".tmp")
	assert.True(t, os.IsNotExist(err), "tmp file must not survive a successful download")
}

func TestDownloadFileSizeMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("short"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "clip.mp4")
	err := downloadFile(context.Background(), srv.Client(), "sora_hk", srv.URL, dest, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete")

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(dest + ".tmp")
	assert.True(t, os.IsNotExist(statErr), "tmp file must be cleaned up on failure")
}

func TestDownloadFileHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "clip.mp4")
	err := downloadFile(context.Background(), srv.Client(), "sora_hk", srv.URL, dest, nil)
	require.Error(t, err)

	var pe *errors.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusNotFound, pe.StatusCode)
}

func TestDownloadFileEmptyURL(t *testing.T) {
	err := downloadFile(context.Background(), http.DefaultClient, "sora_hk", "", filepath.Join(t.TempDir(), "x.mp4"), nil)
	assert.Error(t, err)
}
