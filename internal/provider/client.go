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

// Package provider abstracts external video-generation vendors behind a
// common create/poll/download client interface and routes model
// requests to eligible providers.
package provider

import (
	"context"
	"strings"
)

// Normalized task statuses. Unknown vendor statuses collapse to running
// unless they clearly mean success or failure.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// CreateRequest carries the generation parameters for one submission.
type CreateRequest struct {
	Prompt     string
	Duration   int
	Resolution string
	IsPro      bool
	ImageURL   string
}

// TaskStatus is the normalized poll result.
type TaskStatus struct {
	Status   string
	Progress int
	VideoURL string
	ErrorMsg string
	Raw      map[string]any
}

// Client is the capability set every vendor integration satisfies.
type Client interface {
	// CreateTask submits a generation and returns the vendor task id.
	CreateTask(ctx context.Context, req CreateRequest) (string, error)

	// GetTask polls a vendor task and normalizes its status.
	GetTask(ctx context.Context, taskID string) (TaskStatus, error)

	// DownloadVideo streams the result to destPath, writing a .tmp
	// sibling and renaming atomically on success.
	DownloadVideo(ctx context.Context, taskID, videoURL, destPath string) error
}

// normalizeStatus maps a vendor status string onto the shared
// vocabulary.
func normalizeStatus(status string) string {
	switch strings.ToLower(status) {
	case "completed", "succeeded", "success", "done":
		return StatusCompleted
	case "failed", "error", "canceled", "cancelled":
		return StatusFailed
	case "":
		return StatusRunning
	default:
		return StatusRunning
	}
}
