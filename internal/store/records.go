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

// Package store is the in-memory repository for storyboards, segments,
// runs, tasks, providers, and models. All access serializes through one
// mutex and every returned record is a snapshot.
package store

import (
	"time"

	"github.com/tombee/cineflow/internal/storyboard"
)

// Statuses shared by runs and tasks.
const (
	StatusQueued         = "queued"
	StatusRunning        = "running"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
	StatusDownloadFailed = "download_failed"
)

// IsTerminal reports whether a task status is terminal.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusDownloadFailed:
		return true
	}
	return false
}

// Storyboard is the stored form of an uploaded storyboard document.
type Storyboard struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	SegmentIDs []string  `json:"segment_ids"`
	FilePath   string    `json:"file_path,omitempty"`
}

// Segment is a stored scene, keyed independently of its storyboard so
// tasks can reference it by id.
type Segment struct {
	ID              string            `json:"id"`
	StoryboardID    string            `json:"storyboard_id"`
	SegmentIndex    int               `json:"segment_index"`
	PromptText      string            `json:"prompt_text"`
	DirectorIntent  string            `json:"director_intent,omitempty"`
	ImageURL        string            `json:"image_url,omitempty"`
	DurationSeconds int               `json:"duration_seconds"`
	Resolution      string            `json:"resolution"`
	IsPro           bool              `json:"is_pro"`
	Asset           *storyboard.Asset `json:"asset,omitempty"`
}

// Provider describes an external generation vendor.
type Provider struct {
	ID                   string   `json:"id" yaml:"id"`
	DisplayName          string   `json:"display_name" yaml:"display_name"`
	Enabled              bool     `json:"enabled" yaml:"enabled"`
	Priority             int      `json:"priority" yaml:"priority"`
	Weight               int      `json:"weight" yaml:"weight"`
	SupportsImageToVideo bool     `json:"supports_image_to_video" yaml:"supports_image_to_video"`
	SupportedDurations   []int    `json:"supported_durations" yaml:"supported_durations"`
	SupportedResolutions []string `json:"supported_resolutions" yaml:"supported_resolutions"`
	SupportsPro          bool     `json:"supports_pro" yaml:"supports_pro"`
}

// ProviderModels is one entry of a model's provider map. Kept as an
// ordered slice so priority ties resolve by input order.
type ProviderModels struct {
	ProviderID string   `json:"provider_id" yaml:"provider_id"`
	ModelIDs   []string `json:"model_ids" yaml:"model_ids"`
}

// Model is a logical generation tier mapping to provider-specific model
// identifiers.
type Model struct {
	ID          string           `json:"id" yaml:"id"`
	DisplayName string           `json:"display_name" yaml:"display_name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool             `json:"enabled" yaml:"enabled"`
	ProviderMap []ProviderModels `json:"provider_map" yaml:"provider_map"`
}

// ModelsFor returns the provider-model ids mapped to a provider, or nil.
func (m *Model) ModelsFor(providerID string) []string {
	for _, pm := range m.ProviderMap {
		if pm.ProviderID == providerID {
			return pm.ModelIDs
		}
	}
	return nil
}

// RunConfig snapshots the submit parameters onto the run.
type RunConfig struct {
	ModelID         string `json:"model_id"`
	RoutingStrategy string `json:"routing_strategy"`
	GenCount        int    `json:"gen_count"`
	Concurrency     int    `json:"concurrency"`
	DryRun          bool   `json:"dry_run"`
	Force           bool   `json:"force"`
	OutputLayout    string `json:"output_layout"`
	OutputPath      string `json:"output_path,omitempty"`
	SegmentRange    string `json:"segment_range"`
}

// Run is a batch execution over a segment selection.
type Run struct {
	ID              string    `json:"id"`
	StoryboardID    string    `json:"storyboard_id"`
	Status          string    `json:"status"`
	TotalTasks      int       `json:"total_tasks"`
	Completed       int       `json:"completed"`
	Failed          int       `json:"failed"`
	DownloadFailed  int       `json:"download_failed"`
	CreatedAt       time.Time `json:"created_at"`
	TaskIDs         []string  `json:"task_ids"`
	Config          RunConfig `json:"config"`
	ProviderID      string    `json:"provider_id,omitempty"`
	ProviderModelID string    `json:"provider_model_id,omitempty"`
}

// Task is one generation attempt for one (segment, version).
type Task struct {
	ID              string `json:"id"`
	RunID           string `json:"run_id"`
	SegmentID       string `json:"segment_id"`
	SegmentIndex    int    `json:"segment_index"`
	VersionIndex    int    `json:"version_index"`
	OutputDir       string `json:"output_dir"`
	Status          string `json:"status"`
	ProviderID      string `json:"provider_id,omitempty"`
	ProviderModelID string `json:"provider_model_id,omitempty"`
	VideoURL        string `json:"video_url,omitempty"`
	VideoPath       string `json:"video_path,omitempty"`
	MetadataPath    string `json:"metadata_path,omitempty"`
	FullPrompt      string `json:"full_prompt,omitempty"`
	ErrorMsg        string `json:"error_msg,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	Retryable       bool   `json:"retryable"`
}

func (p *Provider) clone() Provider {
	out := *p
	out.SupportedDurations = append([]int(nil), p.SupportedDurations...)
	out.SupportedResolutions = append([]string(nil), p.SupportedResolutions...)
	return out
}

func (m *Model) clone() Model {
	out := *m
	out.ProviderMap = make([]ProviderModels, len(m.ProviderMap))
	for i, pm := range m.ProviderMap {
		out.ProviderMap[i] = ProviderModels{
			ProviderID: pm.ProviderID,
			ModelIDs:   append([]string(nil), pm.ModelIDs...),
		}
	}
	return out
}

func (s *Storyboard) clone() Storyboard {
	out := *s
	out.SegmentIDs = append([]string(nil), s.SegmentIDs...)
	return out
}

func (s *Segment) clone() Segment {
	out := *s
	if s.Asset != nil {
		asset := *s.Asset
		asset.Characters = append([]storyboard.CharacterItem(nil), s.Asset.Characters...)
		asset.Props = append([]string(nil), s.Asset.Props...)
		out.Asset = &asset
	}
	return out
}

func (r *Run) clone() Run {
	out := *r
	out.TaskIDs = append([]string(nil), r.TaskIDs...)
	return out
}

func (t *Task) clone() Task {
	return *t
}
