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

// Package runner executes generation runs: it materializes tasks from a
// storyboard selection, routes each one to eligible providers, and
// drives the create/poll/download state machine under the process-wide
// concurrency governor.
package runner

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/cineflow/internal/classify"
	"github.com/tombee/cineflow/internal/config"
	"github.com/tombee/cineflow/internal/governor"
	"github.com/tombee/cineflow/internal/metrics"
	"github.com/tombee/cineflow/internal/provider"
	"github.com/tombee/cineflow/internal/store"
	"github.com/tombee/cineflow/internal/storyboard"
	"github.com/tombee/cineflow/pkg/errors"
)

// Submit bounds shared with the HTTP layer.
const (
	MaxGenCount    = 10
	MaxConcurrency = 50

	maxSubmitAttempts = 3
)

// ClientFactory resolves a provider client for a routed candidate.
// *provider.Registry is the production implementation.
type ClientFactory interface {
	Client(providerID, providerModelID string) (provider.Client, error)
}

// Options wires a Runner's collaborators.
type Options struct {
	Store    *store.Store
	Router   *provider.Router
	Clients  ClientFactory
	Governor *governor.Governor
	Settings config.Settings
	Logger   *slog.Logger
	Metrics  *metrics.Metrics // optional
}

// Runner owns run execution. Safe for concurrent use.
type Runner struct {
	store      *store.Store
	router     *provider.Router
	clients    ClientFactory
	gov        *governor.Governor
	settings   config.Settings
	logger     *slog.Logger
	metrics    *metrics.Metrics
	classifier *classify.Classifier

	// pollLimiter caps aggregate provider poll traffic across all
	// workers.
	pollLimiter *rate.Limiter

	// Sleep windows, shortened in tests.
	jitterMin        time.Duration
	jitterMax        time.Duration
	submitBackoffMin time.Duration
	submitBackoffMax time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	wg sync.WaitGroup
}

// New creates a runner.
func New(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := opts.Settings

	pollsPerSecond := float64(s.MaxConcurrentTasks) / s.PollInterval.Seconds()
	return &Runner{
		store:      opts.Store,
		router:     opts.Router,
		clients:    opts.Clients,
		gov:        opts.Governor,
		settings:   s,
		logger:     logger,
		metrics:    opts.Metrics,
		classifier: classify.New(s.FailoverNonRetryableTokens, s.FailoverRetryableTokens),

		pollLimiter: rate.NewLimiter(rate.Limit(pollsPerSecond), s.MaxConcurrentTasks),

		jitterMin:        500 * time.Millisecond,
		jitterMax:        3 * time.Second,
		submitBackoffMin: 2 * time.Second,
		submitBackoffMax: 5 * time.Second,

		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SubmitParams are the inputs to a run submission.
type SubmitParams struct {
	StoryboardID    string
	ModelID         string
	RoutingStrategy string
	GenCount        int
	Concurrency     int
	SegmentRange    string
	DryRun          bool
	Force           bool
	OutputLayout    string
	OutputPath      string
}

// Submit validates the request, creates the run with its queued tasks,
// and starts execution in the background. The returned run snapshot is
// already in status running.
func (r *Runner) Submit(ctx context.Context, p SubmitParams) (store.Run, error) {
	sb, ok := r.store.GetStoryboard(p.StoryboardID)
	if !ok {
		return store.Run{}, &errors.NotFoundError{Resource: "storyboard", ID: p.StoryboardID}
	}

	genCount := p.GenCount
	if genCount == 0 {
		genCount = r.settings.GenCountPerSegment
	}
	if genCount < 1 || genCount > MaxGenCount {
		return store.Run{}, &errors.ValidationError{Field: "gen_count", Message: "must be between 1 and 10"}
	}

	concurrency := p.Concurrency
	if concurrency == 0 {
		concurrency = r.settings.MaxConcurrentTasks
	}
	if concurrency < 1 || concurrency > MaxConcurrency {
		return store.Run{}, &errors.ValidationError{Field: "concurrency", Message: "must be between 1 and 50"}
	}

	model, ok := r.store.GetModel(p.ModelID)
	if !ok {
		return store.Run{}, &errors.ValidationError{Field: "model_id", Message: "unknown model " + p.ModelID}
	}
	if !model.Enabled {
		return store.Run{}, &errors.ValidationError{Field: "model_id", Message: "model " + p.ModelID + " is disabled"}
	}

	segments := r.store.ListSegments(sb.ID)
	available := make([]int, len(segments))
	byIndex := make(map[int]store.Segment, len(segments))
	for i, seg := range segments {
		available[i] = seg.SegmentIndex
		byIndex[seg.SegmentIndex] = seg
	}
	selected, err := storyboard.ParseRange(p.SegmentRange, available)
	if err != nil {
		return store.Run{}, err
	}

	layout := p.OutputLayout
	if layout == "" {
		layout = LayoutCentralized
	}
	baseDir, err := resolveBaseOutputDir(layout, r.settings.OutputRoot, p.OutputPath, sb.ID, sb.FilePath)
	if err != nil {
		return store.Run{}, err
	}

	cfg := store.RunConfig{
		ModelID:         p.ModelID,
		RoutingStrategy: normalizeStrategy(p.RoutingStrategy),
		GenCount:        genCount,
		Concurrency:     concurrency,
		DryRun:          p.DryRun,
		Force:           p.Force,
		OutputLayout:    layout,
		OutputPath:      p.OutputPath,
		SegmentRange:    p.SegmentRange,
	}

	var specs []store.TaskSpec
	segByID := make(map[string]store.Segment, len(selected))
	for _, idx := range selected {
		seg := byIndex[idx]
		segByID[seg.ID] = seg
		dir := segmentDir(baseDir, idx)
		for version := 1; version <= genCount; version++ {
			specs = append(specs, store.TaskSpec{
				SegmentID:    seg.ID,
				SegmentIndex: idx,
				VersionIndex: version,
				OutputDir:    dir,
			})
		}
	}

	run, tasks := r.store.CreateRun(sb.ID, specs, cfg)
	r.logger.Info("run submitted",
		"run_id", run.ID,
		"storyboard_id", sb.ID,
		"model_id", cfg.ModelID,
		"strategy", cfg.RoutingStrategy,
		"tasks", len(tasks),
		"concurrency", cfg.Concurrency,
		"dry_run", cfg.DryRun)

	// Execution outlives the submitting caller. The request context
	// only scopes validation; the run detaches from its cancellation
	// and is drained through Wait on shutdown.
	execCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.executeRun(execCtx, run, tasks, segByID, sb.FilePath)
	}()
	return run, nil
}

// RetryTask re-runs a single terminal task in place. The run moves back
// to running and is recounted once the task reaches a terminal status
// again.
func (r *Runner) RetryTask(ctx context.Context, taskID string) (store.Task, error) {
	task, ok := r.store.GetTask(taskID)
	if !ok {
		return store.Task{}, &errors.NotFoundError{Resource: "task", ID: taskID}
	}
	if !store.IsTerminal(task.Status) {
		return store.Task{}, &errors.ValidationError{Field: "task_id", Message: "task is not in a terminal status"}
	}
	run, ok := r.store.GetRun(task.RunID)
	if !ok {
		return store.Task{}, &errors.NotFoundError{Resource: "run", ID: task.RunID}
	}
	seg, ok := r.store.GetSegment(task.SegmentID)
	if !ok {
		return store.Task{}, &errors.NotFoundError{Resource: "segment", ID: task.SegmentID}
	}
	var sourceFile string
	if sb, ok := r.store.GetStoryboard(run.StoryboardID); ok {
		sourceFile = sb.FilePath
	}

	task, _ = r.store.ResetTaskForRetry(taskID)
	r.store.UpdateRun(run.ID, func(rn *store.Run) { rn.Status = store.StatusRunning })
	r.logger.Info("task retry requested", "task_id", taskID, "run_id", run.ID)

	job := r.buildJob(task, seg, sourceFile, run.Config)
	execCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runTask(execCtx, job)
		r.store.RecountRun(run.ID)
	}()
	return task, nil
}

// Wait blocks until all in-flight runs and retries finish. Used by
// shutdown and tests.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// executeRun drives a run's tasks through a bounded worker pool sized by
// the run's concurrency, then finalizes the run status.
func (r *Runner) executeRun(ctx context.Context, run store.Run, tasks []store.Task, segments map[string]store.Segment, sourceFile string) {
	jobs := make([]taskJob, len(tasks))
	heads := make(map[provider.Candidate]bool)
	routingFailed := false
	for i, task := range tasks {
		job := r.buildJob(task, segments[task.SegmentID], sourceFile, run.Config)
		if job.CandidateErr != "" {
			routingFailed = true
		} else {
			heads[job.Candidates[0]] = true
		}
		jobs[i] = job
	}

	// When every task routes to the same head candidate, stamp it on
	// the run for display.
	if len(heads) == 1 && !routingFailed {
		for cand := range heads {
			r.store.UpdateRun(run.ID, func(rn *store.Run) {
				rn.ProviderID = cand.ProviderID
				rn.ProviderModelID = cand.ProviderModelID
			})
		}
	}

	sem := make(chan struct{}, run.Config.Concurrency)
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(job taskJob) {
			defer wg.Done()
			defer func() { <-sem }()
			status := r.runTask(ctx, job)
			r.store.IncrementRunCounts(run.ID, status)
		}(job)
	}
	wg.Wait()

	final := store.StatusCompleted
	if got, ok := r.store.GetRun(run.ID); ok && (got.Failed > 0 || got.DownloadFailed > 0) {
		final = store.StatusFailed
	}
	r.store.UpdateRun(run.ID, func(rn *store.Run) { rn.Status = final })
	if r.metrics != nil {
		r.metrics.RunsTotal.WithLabelValues(final).Inc()
	}
	r.logger.Info("run finished", "run_id", run.ID, "status", final)
}

// buildJob resolves the candidate list for one task. Routing errors are
// carried on the job and surface as a terminal no_provider failure when
// the task runs.
func (r *Runner) buildJob(task store.Task, seg store.Segment, sourceFile string, cfg store.RunConfig) taskJob {
	job := taskJob{Task: task, Segment: seg, SourceFile: sourceFile, Config: cfg}
	cands, err := r.router.Candidates(cfg.ModelID, cfg.RoutingStrategy, provider.Constraints{
		RequiredDurations:   []int{seg.DurationSeconds},
		RequiredResolutions: []string{seg.Resolution},
		RequiresPro:         seg.IsPro,
		RequiresImage:       seg.ImageURL != "",
	})
	if err != nil {
		job.CandidateErr = err.Error()
		return job
	}
	job.Candidates = cands
	return job
}

// normalizeStrategy collapses unknown and unimplemented strategies onto
// default priority ordering.
func normalizeStrategy(strategy string) string {
	switch strategy {
	case provider.StrategyFailover, provider.StrategyWeighted:
		return strategy
	}
	return provider.StrategyDefault
}

func (r *Runner) randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return min + time.Duration(r.rng.Int63n(int64(max-min)))
}

func (r *Runner) newFilenameBase(segmentIndex, versionIndex int) string {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return filenameBase(segmentIndex, versionIndex, time.Now().UTC(), r.rng)
}

func (r *Runner) publishGovernor() {
	if r.metrics == nil {
		return
	}
	s := r.gov.State()
	r.metrics.ObserveGovernor(s.Active, s.Ceiling, s.SafeMode)
}
