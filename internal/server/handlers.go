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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/tombee/cineflow/internal/runner"
	"github.com/tombee/cineflow/internal/store"
	"github.com/tombee/cineflow/internal/storyboard"
	"github.com/tombee/cineflow/pkg/errors"
)

const maxBodyBytes = 4 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.gov.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"governor": map[string]any{
			"active":    snap.Active,
			"ceiling":   snap.Ceiling,
			"safe_mode": snap.SafeMode,
		},
	})
}

type createStoryboardRequest struct {
	Name     string               `json:"name"`
	FilePath string               `json:"file_path"`
	Segments []storyboard.Segment `json:"segments"`
}

func (s *Server) handleCreateStoryboard(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeBadRequest(w, "cannot read request body")
		return
	}
	sb, err := storyboard.Parse(body)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createStoryboardRequest
	// Parse validated the document; the envelope fields decode from the
	// same bytes.
	_ = json.Unmarshal(body, &req)

	name := req.Name
	if name == "" {
		name = sb.Name
	}
	rec := s.store.CreateStoryboard(name, sb.Segments, req.FilePath)
	s.logger.Info("storyboard registered", "storyboard_id", rec.ID, "segments", len(sb.Segments))
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListStoryboards(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"storyboards": s.store.ListStoryboards()})
}

func (s *Server) handleGetStoryboard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sb, ok := s.store.GetStoryboard(id)
	if !ok {
		writeError(w, &errors.NotFoundError{Resource: "storyboard", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, sb)
}

func (s *Server) handleListSegments(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.store.GetStoryboard(id); !ok {
		writeError(w, &errors.NotFoundError{Resource: "storyboard", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"segments": s.store.ListSegments(id)})
}

type submitRunRequest struct {
	StoryboardID    string `json:"storyboard_id"`
	ModelID         string `json:"model_id"`
	RoutingStrategy string `json:"routing_strategy"`
	GenCount        int    `json:"gen_count"`
	Concurrency     int    `json:"concurrency"`
	SegmentRange    string `json:"segment_range"`
	DryRun          bool   `json:"dry_run"`
	Force           bool   `json:"force"`
	OutputLayout    string `json:"output_layout"`
	OutputPath      string `json:"output_path"`
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	run, err := s.runs.Submit(r.Context(), runner.SubmitParams{
		StoryboardID:    req.StoryboardID,
		ModelID:         req.ModelID,
		RoutingStrategy: req.RoutingStrategy,
		GenCount:        req.GenCount,
		Concurrency:     req.Concurrency,
		SegmentRange:    req.SegmentRange,
		DryRun:          req.DryRun,
		Force:           req.Force,
		OutputLayout:    req.OutputLayout,
		OutputPath:      req.OutputPath,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.store.ListRuns()})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, ok := s.store.GetRun(id)
	if !ok {
		writeError(w, &errors.NotFoundError{Resource: "run", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRunTasks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.store.GetRun(id); !ok {
		writeError(w, &errors.NotFoundError{Resource: "run", ID: id})
		return
	}
	tasks := s.store.ListTasks(id)
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.Status == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, ok := s.store.GetTask(id)
	if !ok {
		writeError(w, &errors.NotFoundError{Resource: "task", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.runs.RetryTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleTaskMetadata(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, ok := s.store.GetTask(id)
	if !ok {
		writeError(w, &errors.NotFoundError{Resource: "task", ID: id})
		return
	}
	if task.MetadataPath == "" {
		writeError(w, &errors.NotFoundError{Resource: "task metadata", ID: id})
		return
	}
	data, err := os.ReadFile(task.MetadataPath)
	if err != nil {
		writeError(w, &errors.NotFoundError{Resource: "task metadata", ID: id})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.store.ListProviders()})
}

// Capability vocabularies accepted by the admin surface.
var (
	adminDurations = map[int]bool{4: true, 8: true, 10: true, 12: true, 15: true, 25: true}
)

type providerPatch struct {
	Enabled              *bool     `json:"enabled"`
	Priority             *int      `json:"priority"`
	Weight               *int      `json:"weight"`
	SupportsImageToVideo *bool     `json:"supports_image_to_video"`
	SupportsPro          *bool     `json:"supports_pro"`
	SupportedDurations   *[]int    `json:"supported_durations"`
	SupportedResolutions *[]string `json:"supported_resolutions"`
}

func (p *providerPatch) validate() error {
	if p.Priority != nil && (*p.Priority < 1 || *p.Priority > 100) {
		return &errors.ValidationError{Field: "priority", Message: "must be between 1 and 100"}
	}
	if p.Weight != nil && (*p.Weight < 1 || *p.Weight > 100) {
		return &errors.ValidationError{Field: "weight", Message: "must be between 1 and 100"}
	}
	if p.SupportedDurations != nil {
		for _, d := range *p.SupportedDurations {
			if !adminDurations[d] {
				return &errors.ValidationError{Field: "supported_durations", Message: fmt.Sprintf("unsupported duration %d", d)}
			}
		}
	}
	if p.SupportedResolutions != nil {
		for _, res := range *p.SupportedResolutions {
			if res != storyboard.ResolutionHorizontal && res != storyboard.ResolutionVertical {
				return &errors.ValidationError{Field: "supported_resolutions", Message: "unsupported resolution " + res}
			}
		}
	}
	return nil
}

func (s *Server) handlePatchProvider(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var patch providerPatch
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&patch); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := patch.validate(); err != nil {
		writeError(w, err)
		return
	}

	updated, ok := s.store.UpdateProvider(id, func(p *store.Provider) {
		if patch.Enabled != nil {
			p.Enabled = *patch.Enabled
		}
		if patch.Priority != nil {
			p.Priority = *patch.Priority
		}
		if patch.Weight != nil {
			p.Weight = *patch.Weight
		}
		if patch.SupportsImageToVideo != nil {
			p.SupportsImageToVideo = *patch.SupportsImageToVideo
		}
		if patch.SupportsPro != nil {
			p.SupportsPro = *patch.SupportsPro
		}
		if patch.SupportedDurations != nil {
			p.SupportedDurations = append([]int(nil), *patch.SupportedDurations...)
		}
		if patch.SupportedResolutions != nil {
			p.SupportedResolutions = append([]string(nil), *patch.SupportedResolutions...)
		}
	})
	if !ok {
		writeError(w, &errors.NotFoundError{Resource: "provider", ID: id})
		return
	}
	s.logger.Info("provider updated", "provider", id)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.store.ListModels()})
}

type modelPatch struct {
	Enabled     *bool   `json:"enabled"`
	DisplayName *string `json:"display_name"`
	Description *string `json:"description"`
}

func (s *Server) handlePatchModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var patch modelPatch
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&patch); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	updated, ok := s.store.UpdateModel(id, func(m *store.Model) {
		if patch.Enabled != nil {
			m.Enabled = *patch.Enabled
		}
		if patch.DisplayName != nil {
			m.DisplayName = *patch.DisplayName
		}
		if patch.Description != nil {
			m.Description = *patch.Description
		}
	})
	if !ok {
		writeError(w, &errors.NotFoundError{Resource: "model", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type providerMapPut struct {
	ProviderModelIDs []string `json:"provider_model_ids"`
}

func (s *Server) handlePutModelProviderMap(w http.ResponseWriter, r *http.Request) {
	modelID := r.PathValue("id")
	providerID := r.PathValue("provider_id")
	var req providerMapPut
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if _, ok := s.store.GetProvider(providerID); !ok {
		writeError(w, &errors.NotFoundError{Resource: "provider", ID: providerID})
		return
	}
	updated, ok := s.store.UpdateModelProviderMap(modelID, providerID, req.ProviderModelIDs)
	if !ok {
		writeError(w, &errors.NotFoundError{Resource: "model", ID: modelID})
		return
	}
	s.logger.Info("model provider map updated", "model", modelID, "provider", providerID)
	writeJSON(w, http.StatusOK, updated)
}
