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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tombee/cineflow/pkg/errors"
)

// SoraHKClient speaks the sora.hk task API: JSON envelopes with a
// numeric code, POST /create and GET /tasks/{id}.
type SoraHKClient struct {
	baseURL    string
	apiKey     string
	client     *http.Client
	downloader *http.Client
}

// NewSoraHK builds a sora.hk client. The downloader client has no
// overall timeout; downloads are bounded by their request context.
func NewSoraHK(baseURL, apiKey string, client, downloader *http.Client) *SoraHKClient {
	return &SoraHKClient{
		baseURL:    trimBaseURL(baseURL),
		apiKey:     apiKey,
		client:     client,
		downloader: downloader,
	}
}

type soraEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type soraTaskData struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	VideoURL string `json:"video_url"`
	ErrorMsg string `json:"error_msg"`
}

// CreateTask submits a generation and returns the vendor task id.
func (c *SoraHKClient) CreateTask(ctx context.Context, req CreateRequest) (string, error) {
	payload := map[string]any{
		"prompt":           req.Prompt,
		"duration":         req.Duration,
		"resolution":       req.Resolution,
		"is_pro":           req.IsPro,
		"remove_watermark": true,
	}
	if req.ImageURL != "" {
		payload["image_url"] = req.ImageURL
	}

	data, err := c.request(ctx, http.MethodPost, "/create", payload)
	if err != nil {
		return "", err
	}

	var task soraTaskData
	if err := json.Unmarshal(data, &task); err != nil || task.TaskID == "" {
		return "", &errors.ProviderError{Provider: "sora_hk", Message: "response missing task_id"}
	}
	return task.TaskID, nil
}

// GetTask polls the vendor task and normalizes its status.
func (c *SoraHKClient) GetTask(ctx context.Context, taskID string) (TaskStatus, error) {
	data, err := c.request(ctx, http.MethodGet, "/tasks/"+taskID, nil)
	if err != nil {
		return TaskStatus{}, err
	}

	var task soraTaskData
	if err := json.Unmarshal(data, &task); err != nil {
		return TaskStatus{}, &errors.ProviderError{Provider: "sora_hk", Message: "invalid task payload", Cause: err}
	}

	var raw map[string]any
	_ = json.Unmarshal(data, &raw)

	return TaskStatus{
		Status:   normalizeStatus(task.Status),
		Progress: task.Progress,
		VideoURL: task.VideoURL,
		ErrorMsg: task.ErrorMsg,
		Raw:      raw,
	}, nil
}

// DownloadVideo streams the finished video from its public URL.
func (c *SoraHKClient) DownloadVideo(ctx context.Context, taskID, videoURL, destPath string) error {
	return downloadFile(ctx, c.downloader, "sora_hk", videoURL, destPath, nil)
}

func (c *SoraHKClient) request(ctx context.Context, method, endpoint string, payload any) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "encoding request")
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &errors.ProviderError{Provider: "sora_hk", Message: "request failed: " + err.Error(), Cause: err}
	}
	defer resp.Body.Close()

	requestID := resp.Header.Get("x-request-id")
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return nil, &errors.ProviderError{Provider: "sora_hk", StatusCode: resp.StatusCode, Message: "invalid api key", RequestID: requestID}
	case http.StatusTooManyRequests:
		return nil, &errors.ProviderError{Provider: "sora_hk", StatusCode: resp.StatusCode, Message: "rate limit exceeded", RequestID: requestID, Retryable: true}
	}
	if resp.StatusCode >= 400 {
		return nil, &errors.ProviderError{
			Provider:   "sora_hk",
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d from API", resp.StatusCode),
			RequestID:  requestID,
		}
	}

	var envelope soraEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, &errors.ProviderError{Provider: "sora_hk", Message: "invalid JSON response", RequestID: requestID, Cause: err}
	}
	if envelope.Code != 200 {
		return nil, &errors.ProviderError{
			Provider:  "sora_hk",
			Message:   envelope.Message,
			RequestID: requestID,
		}
	}
	return envelope.Data, nil
}

func trimBaseURL(base string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base
}
