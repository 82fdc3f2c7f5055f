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

package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/cineflow/internal/storyboard"
)

// Store owns every record. State is volatile: it lives and dies with
// the process.
type Store struct {
	mu          sync.Mutex
	storyboards map[string]*Storyboard
	segments    map[string]*Segment
	runs        map[string]*Run
	tasks       map[string]*Task
	providers   map[string]*Provider
	providerIDs []string // insertion order, for stable listings
	models      map[string]*Model
	modelIDs    []string
}

// New creates an empty store seeded with the built-in providers and
// models.
func New() *Store {
	s := &Store{
		storyboards: map[string]*Storyboard{},
		segments:    map[string]*Segment{},
		runs:        map[string]*Run{},
		tasks:       map[string]*Task{},
		providers:   map[string]*Provider{},
		models:      map[string]*Model{},
	}
	s.ApplySeeds(DefaultSeeds())
	return s
}

func newID() string {
	return uuid.New().String()
}

// CreateStoryboard registers a storyboard and its segments, returning
// the stored snapshot.
func (s *Store) CreateStoryboard(name string, segments []storyboard.Segment, filePath string) Storyboard {
	sb := &Storyboard{
		ID:        newID(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
		FilePath:  filePath,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range segments {
		seg := &segments[i]
		rec := &Segment{
			ID:              newID(),
			StoryboardID:    sb.ID,
			SegmentIndex:    seg.SegmentIndex,
			PromptText:      seg.PromptText,
			DirectorIntent:  seg.DirectorIntent,
			ImageURL:        seg.ImageURL,
			DurationSeconds: seg.DurationSeconds,
			Resolution:      seg.Resolution,
			IsPro:           seg.IsPro,
			Asset:           seg.Asset,
		}
		s.segments[rec.ID] = rec
		sb.SegmentIDs = append(sb.SegmentIDs, rec.ID)
	}
	s.storyboards[sb.ID] = sb
	return sb.clone()
}

// ListStoryboards returns snapshots of all storyboards, newest last.
func (s *Store) ListStoryboards() []Storyboard {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Storyboard, 0, len(s.storyboards))
	for _, sb := range s.storyboards {
		out = append(out, sb.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetStoryboard returns a snapshot by id.
func (s *Store) GetStoryboard(id string) (Storyboard, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sb, ok := s.storyboards[id]
	if !ok {
		return Storyboard{}, false
	}
	return sb.clone(), true
}

// ListSegments returns snapshots of a storyboard's segments ordered by
// segment index.
func (s *Store) ListSegments(storyboardID string) []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Segment
	for _, seg := range s.segments {
		if seg.StoryboardID == storyboardID {
			out = append(out, seg.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SegmentIndex < out[j].SegmentIndex })
	return out
}

// GetSegment returns a snapshot by id.
func (s *Store) GetSegment(id string) (Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[id]
	if !ok {
		return Segment{}, false
	}
	return seg.clone(), true
}

// UpdateSegment applies a mutation under the lock and returns the
// updated snapshot.
func (s *Store) UpdateSegment(id string, mutate func(*Segment)) (Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[id]
	if !ok {
		return Segment{}, false
	}
	mutate(seg)
	return seg.clone(), true
}

// TaskSpec describes one task to materialize with its run.
type TaskSpec struct {
	SegmentID    string
	SegmentIndex int
	VersionIndex int
	OutputDir    string
}

// CreateRun creates a run and its queued tasks in one critical section.
// The run starts in status running: execution begins immediately after
// submission.
func (s *Store) CreateRun(storyboardID string, specs []TaskSpec, config RunConfig) (Run, []Task) {
	run := &Run{
		ID:           newID(),
		StoryboardID: storyboardID,
		Status:       StatusRunning,
		TotalTasks:   len(specs),
		CreatedAt:    time.Now().UTC(),
		Config:       config,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]Task, 0, len(specs))
	for _, spec := range specs {
		task := &Task{
			ID:           newID(),
			RunID:        run.ID,
			SegmentID:    spec.SegmentID,
			SegmentIndex: spec.SegmentIndex,
			VersionIndex: spec.VersionIndex,
			OutputDir:    spec.OutputDir,
			Status:       StatusQueued,
		}
		s.tasks[task.ID] = task
		run.TaskIDs = append(run.TaskIDs, task.ID)
		tasks = append(tasks, task.clone())
	}
	s.runs[run.ID] = run
	return run.clone(), tasks
}

// ListRuns returns snapshots of all runs, oldest first.
func (s *Store) ListRuns() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetRun returns a snapshot by id.
func (s *Store) GetRun(id string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, false
	}
	return run.clone(), true
}

// UpdateRun applies a mutation under the lock.
func (s *Store) UpdateRun(id string, mutate func(*Run)) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, false
	}
	mutate(run)
	return run.clone(), true
}

// ListTasks returns snapshots of tasks, filtered by run when runID is
// non-empty, ordered by (segment_index, version_index).
func (s *Store) ListTasks(runID string) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, task := range s.tasks {
		if runID == "" || task.RunID == runID {
			out = append(out, task.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SegmentIndex != out[j].SegmentIndex {
			return out[i].SegmentIndex < out[j].SegmentIndex
		}
		return out[i].VersionIndex < out[j].VersionIndex
	})
	return out
}

// GetTask returns a snapshot by id.
func (s *Store) GetTask(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return task.clone(), true
}

// UpdateTask applies a mutation under the lock.
func (s *Store) UpdateTask(id string, mutate func(*Task)) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	mutate(task)
	return task.clone(), true
}

// IncrementRunCounts bumps the run counter matching a terminal task
// status. Anything that is not completed or download_failed counts as
// failed. Exactly one call must follow every terminal task transition.
func (s *Store) IncrementRunCounts(runID, status string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return Run{}, false
	}
	switch status {
	case StatusCompleted:
		run.Completed++
	case StatusDownloadFailed:
		run.DownloadFailed++
	default:
		run.Failed++
	}
	return run.clone(), true
}

// RecountRun recomputes a run's counters and status from its tasks.
// Idempotent; the retry path uses it to reconcile after a task re-runs.
func (s *Store) RecountRun(runID string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return Run{}, false
	}

	var completed, failed, downloadFailed, live int
	for _, task := range s.tasks {
		if task.RunID != runID {
			continue
		}
		switch task.Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		case StatusDownloadFailed:
			downloadFailed++
		default:
			live++
		}
	}

	run.Completed = completed
	run.Failed = failed
	run.DownloadFailed = downloadFailed
	switch {
	case live > 0:
		run.Status = StatusRunning
	case failed > 0 || downloadFailed > 0:
		run.Status = StatusFailed
	default:
		run.Status = StatusCompleted
	}
	return run.clone(), true
}

// ResetTaskForRetry moves a task back to queued and clears its error
// fields.
func (s *Store) ResetTaskForRetry(taskID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	task.Status = StatusQueued
	task.ErrorMsg = ""
	task.ErrorCode = ""
	task.Retryable = false
	return task.clone(), true
}

// ListProviders returns provider snapshots in seed order.
func (s *Store) ListProviders() []Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Provider, 0, len(s.providerIDs))
	for _, id := range s.providerIDs {
		out = append(out, s.providers[id].clone())
	}
	return out
}

// GetProvider returns a snapshot by id.
func (s *Store) GetProvider(id string) (Provider, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return Provider{}, false
	}
	return p.clone(), true
}

// UpdateProvider applies a mutation under the lock.
func (s *Store) UpdateProvider(id string, mutate func(*Provider)) (Provider, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return Provider{}, false
	}
	mutate(p)
	return p.clone(), true
}

// ListModels returns model snapshots in seed order.
func (s *Store) ListModels() []Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Model, 0, len(s.modelIDs))
	for _, id := range s.modelIDs {
		out = append(out, s.models[id].clone())
	}
	return out
}

// GetModel returns a snapshot by id.
func (s *Store) GetModel(id string) (Model, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok {
		return Model{}, false
	}
	return m.clone(), true
}

// UpdateModel applies a mutation under the lock.
func (s *Store) UpdateModel(id string, mutate func(*Model)) (Model, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok {
		return Model{}, false
	}
	mutate(m)
	return m.clone(), true
}

// UpdateModelProviderMap replaces the provider-model ids for one
// provider on a model. An empty list removes the entry.
func (s *Store) UpdateModelProviderMap(modelID, providerID string, providerModelIDs []string) (Model, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[modelID]
	if !ok {
		return Model{}, false
	}

	for i, pm := range m.ProviderMap {
		if pm.ProviderID != providerID {
			continue
		}
		if len(providerModelIDs) == 0 {
			m.ProviderMap = append(m.ProviderMap[:i], m.ProviderMap[i+1:]...)
		} else {
			m.ProviderMap[i].ModelIDs = append([]string(nil), providerModelIDs...)
		}
		return m.clone(), true
	}
	if len(providerModelIDs) > 0 {
		m.ProviderMap = append(m.ProviderMap, ProviderModels{
			ProviderID: providerID,
			ModelIDs:   append([]string(nil), providerModelIDs...),
		})
	}
	return m.clone(), true
}

// ApplySeeds replaces the provider and model sets wholesale. Used at
// boot and by the seed-file watcher.
func (s *Store) ApplySeeds(seeds Seeds) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.providers = make(map[string]*Provider, len(seeds.Providers))
	s.providerIDs = s.providerIDs[:0]
	for i := range seeds.Providers {
		p := seeds.Providers[i].clone()
		s.providers[p.ID] = &p
		s.providerIDs = append(s.providerIDs, p.ID)
	}

	s.models = make(map[string]*Model, len(seeds.Models))
	s.modelIDs = s.modelIDs[:0]
	for i := range seeds.Models {
		m := seeds.Models[i].clone()
		s.models[m.ID] = &m
		s.modelIDs = append(s.modelIDs, m.ID)
	}
}
