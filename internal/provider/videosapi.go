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
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tombee/cineflow/pkg/errors"
)

// sizeByResolution maps the internal resolution vocabulary onto the
// videos API size strings.
var sizeByResolution = map[string]string{
	"horizontal": "1280x720",
	"vertical":   "720x1280",
}

// videosAPISeconds is the duration vocabulary the videos API accepts.
var videosAPISeconds = map[int]bool{4: true, 8: true, 12: true}

// VideosAPIClient speaks the OpenAI-style videos API: POST /videos
// (JSON, or multipart when a reference image is attached), GET
// /videos/{id}, and GET /videos/{id}/content for the result. Both the
// openai and aihubmix providers use this wire format.
type VideosAPIClient struct {
	providerID      string
	baseURL         string
	apiKey          string
	providerModelID string
	uploadRoot      string // local directory backing /uploads/ references
	client          *http.Client
	downloader      *http.Client
}

// VideosAPIConfig configures a videos API client.
type VideosAPIConfig struct {
	ProviderID      string
	BaseURL         string
	APIKey          string
	ProviderModelID string
	UploadRoot      string
	Client          *http.Client
	Downloader      *http.Client
}

// NewVideosAPI builds a videos API client.
func NewVideosAPI(cfg VideosAPIConfig) *VideosAPIClient {
	return &VideosAPIClient{
		providerID:      cfg.ProviderID,
		baseURL:         trimBaseURL(cfg.BaseURL),
		apiKey:          cfg.APIKey,
		providerModelID: cfg.ProviderModelID,
		uploadRoot:      cfg.UploadRoot,
		client:          cfg.Client,
		downloader:      cfg.Downloader,
	}
}

// CreateTask validates the request against the vendor vocabulary, then
// submits it. Validation failures never reach the wire.
func (c *VideosAPIClient) CreateTask(ctx context.Context, req CreateRequest) (string, error) {
	if c.apiKey == "" {
		return "", &errors.ProviderError{Provider: c.providerID, Message: "API key not configured"}
	}

	size, ok := sizeByResolution[req.Resolution]
	if !ok {
		return "", &errors.ProviderError{
			Provider: c.providerID,
			Message:  fmt.Sprintf("unsupported resolution parameter: %s", req.Resolution),
		}
	}
	if !videosAPISeconds[req.Duration] {
		return "", &errors.ProviderError{
			Provider: c.providerID,
			Message:  fmt.Sprintf("unsupported duration parameter: %d", req.Duration),
		}
	}

	model := c.providerModelID
	if model == "" {
		model = "sora-2"
		if req.IsPro {
			model = "sora-2-pro"
		}
	}

	var data map[string]any
	var err error
	if req.ImageURL != "" {
		data, err = c.createMultipart(ctx, req, model, size)
	} else {
		data, err = c.request(ctx, http.MethodPost, "/videos", map[string]any{
			"model":   model,
			"prompt":  req.Prompt,
			"size":    size,
			"seconds": strconv.Itoa(req.Duration),
		})
	}
	if err != nil {
		return "", err
	}

	id := extractVideoID(data)
	if id == "" {
		return "", &errors.ProviderError{Provider: c.providerID, Message: "response missing video id"}
	}
	return id, nil
}

// GetTask polls a video job. When the payload carries no explicit URL
// the content endpoint is assumed, matching vendor behavior.
func (c *VideosAPIClient) GetTask(ctx context.Context, taskID string) (TaskStatus, error) {
	if c.apiKey == "" {
		return TaskStatus{}, &errors.ProviderError{Provider: c.providerID, Message: "API key not configured"}
	}

	data, err := c.request(ctx, http.MethodGet, "/videos/"+taskID, nil)
	if err != nil {
		return TaskStatus{}, err
	}

	status := firstString(data, "status", "state")
	videoURL := firstString(data, "video_url", "url", "output_url")
	if videoURL == "" {
		videoURL = c.baseURL + "/videos/" + taskID + "/content"
	}

	return TaskStatus{
		Status:   normalizeStatus(status),
		Progress: firstInt(data, "progress", "percentage"),
		VideoURL: videoURL,
		ErrorMsg: errorMessage(data),
		Raw:      data,
	}, nil
}

// DownloadVideo streams the result, authenticating because the content
// endpoint sits behind the API key.
func (c *VideosAPIClient) DownloadVideo(ctx context.Context, taskID, videoURL, destPath string) error {
	if c.apiKey == "" {
		return &errors.ProviderError{Provider: c.providerID, Message: "API key not configured"}
	}
	url := videoURL
	if url == "" {
		url = c.baseURL + "/videos/" + taskID + "/content"
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	return downloadFile(ctx, c.downloader, c.providerID, url, destPath, header)
}

// createMultipart submits a generation with a local reference image as
// the input_reference part.
func (c *VideosAPIClient) createMultipart(ctx context.Context, req CreateRequest, model, size string) (map[string]any, error) {
	imagePath, err := c.resolveImagePath(req.ImageURL)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(imagePath)
	if err != nil {
		return nil, &errors.ProviderError{Provider: c.providerID, Message: "input_reference not available", Cause: err}
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	fields := map[string]string{
		"prompt":  req.Prompt,
		"model":   model,
		"size":    size,
		"seconds": strconv.Itoa(req.Duration),
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, errors.Wrap(err, "building multipart request")
		}
	}

	contentType := mime.TypeByExtension(filepath.Ext(imagePath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	partHeader := make(map[string][]string)
	partHeader["Content-Disposition"] = []string{
		fmt.Sprintf(`form-data; name="input_reference"; filename=%q`, filepath.Base(imagePath)),
	}
	partHeader["Content-Type"] = []string{contentType}
	part, err := writer.CreatePart(partHeader)
	if err != nil {
		return nil, errors.Wrap(err, "building multipart request")
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, errors.Wrap(err, "reading reference image")
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "building multipart request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/videos", &buf)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	return c.do(httpReq)
}

// resolveImagePath maps an /uploads/ reference or a local path to a
// readable file.
func (c *VideosAPIClient) resolveImagePath(imageURL string) (string, error) {
	if rest, ok := strings.CutPrefix(imageURL, "/uploads/"); ok && c.uploadRoot != "" {
		candidate := filepath.Join(c.uploadRoot, rest)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if _, err := os.Stat(imageURL); err == nil {
		return imageURL, nil
	}
	return "", &errors.ProviderError{Provider: c.providerID, Message: "input_reference not available"}
}

func (c *VideosAPIClient) request(ctx context.Context, method, endpoint string, payload any) (map[string]any, error) {
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
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

func (c *VideosAPIClient) do(req *http.Request) (map[string]any, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &errors.ProviderError{Provider: c.providerID, Message: "request failed: " + err.Error(), Cause: err}
	}
	defer resp.Body.Close()

	requestID := resp.Header.Get("x-request-id")
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return nil, &errors.ProviderError{Provider: c.providerID, StatusCode: resp.StatusCode, Message: "unauthorized", RequestID: requestID}
	case http.StatusTooManyRequests:
		return nil, &errors.ProviderError{Provider: c.providerID, StatusCode: resp.StatusCode, Message: "rate limit exceeded", RequestID: requestID, Retryable: true}
	}
	if resp.StatusCode >= 400 {
		return nil, &errors.ProviderError{
			Provider:   c.providerID,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d from API", resp.StatusCode),
			RequestID:  requestID,
		}
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, &errors.ProviderError{Provider: c.providerID, Message: "non-JSON response", RequestID: requestID, Cause: err}
	}
	return data, nil
}

func extractVideoID(data map[string]any) string {
	if id := firstString(data, "id", "video_id", "task_id"); id != "" {
		return id
	}
	if nested, ok := data["data"].(map[string]any); ok {
		return firstString(nested, "id", "video_id", "task_id")
	}
	return ""
}

func firstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := data[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func firstInt(data map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := data[key].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
	}
	return 0
}

func errorMessage(data map[string]any) string {
	if msg := firstString(data, "error_msg", "error_message", "failure_reason"); msg != "" {
		return msg
	}
	if nested, ok := data["error"].(map[string]any); ok {
		return firstString(nested, "message", "reason")
	}
	return firstString(data, "error")
}
