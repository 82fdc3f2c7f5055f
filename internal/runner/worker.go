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

package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tombee/cineflow/internal/classify"
	"github.com/tombee/cineflow/internal/provider"
	"github.com/tombee/cineflow/internal/store"
	"github.com/tombee/cineflow/internal/storyboard"
)

// taskJob is everything one worker needs to execute a task.
type taskJob struct {
	Task       store.Task
	Segment    store.Segment
	SourceFile string
	Config     store.RunConfig

	// Candidates is the routed (provider, provider-model) list, or
	// CandidateErr explains why routing produced none.
	Candidates   []provider.Candidate
	CandidateErr string
}

// attemptOutcome is the result of driving one candidate to a terminal
// or failover-eligible state.
type attemptOutcome struct {
	status         string // store status: completed, failed, download_failed
	errMsg         string
	videoURL       string
	raw            map[string]any // provider's last status payload
	downloadStatus string
}

// runTask executes one task to a terminal status and records metrics.
// A panic escaping the state machine is contained here: the task is
// recorded failed, the governor is notified, and run counts still move.
func (r *Runner) runTask(ctx context.Context, job taskJob) (status string) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.gov.ReportError()
			r.logger.Error("worker panic",
				"task_id", job.Task.ID, "run_id", job.Task.RunID, "panic", p)
			status = r.finalizeFailure(job, "", "", nil,
				fmt.Sprintf("worker panic: %v", p), classify.KindUnknownError, false)
		}
		if r.metrics != nil {
			r.metrics.TasksTotal.WithLabelValues(status).Inc()
			r.metrics.TaskDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		}
	}()
	return r.processTask(ctx, job)
}

// processTask is the task state machine: permit, skip/dry-run
// pre-flight, then candidate attempts with failover until a terminal
// status.
func (r *Runner) processTask(ctx context.Context, job taskJob) string {
	log := r.logger.With(
		"task_id", job.Task.ID,
		"run_id", job.Task.RunID,
		"segment", job.Task.SegmentIndex,
		"version", job.Task.VersionIndex)

	fullPrompt := assembledPrompt(job.Segment)
	r.store.UpdateTask(job.Task.ID, func(t *store.Task) { t.FullPrompt = fullPrompt })

	if err := r.gov.Acquire(ctx); err != nil {
		log.Warn("task abandoned before start", "error", err)
		return r.finalizeFailure(job, "", fullPrompt, nil,
			"canceled before start: "+err.Error(), classify.KindUnknownError, false)
	}
	defer r.gov.Release()
	r.publishGovernor()
	defer r.publishGovernor()

	if !job.Config.Force {
		if existing := r.existingVideo(job.Task); existing != "" {
			log.Info("output already present, skipping generation", "path", existing)
			r.store.UpdateTask(job.Task.ID, func(t *store.Task) {
				t.Status = store.StatusCompleted
				t.VideoPath = existing
			})
			return store.StatusCompleted
		}
	}

	if job.Config.DryRun {
		log.Info("dry run, prompt assembled", "prompt_len", len(fullPrompt))
		r.store.UpdateTask(job.Task.ID, func(t *store.Task) { t.Status = store.StatusCompleted })
		return store.StatusCompleted
	}

	if len(job.Candidates) == 0 {
		msg := job.CandidateErr
		if msg == "" {
			msg = "no provider available"
		}
		log.Warn("no provider can serve task", "error", msg)
		return r.finalizeFailure(job, "", fullPrompt, nil, msg, classify.KindNoProvider, false)
	}

	base := r.newFilenameBase(job.Task.SegmentIndex, job.Task.VersionIndex)
	videoPath := filepath.Join(job.Task.OutputDir, base+"_"+job.Task.ID+".mp4")
	metaPath := filepath.Join(job.Task.OutputDir, base+"_"+job.Task.ID+".json")

	for i, cand := range job.Candidates {
		r.store.UpdateTask(job.Task.ID, func(t *store.Task) {
			t.Status = store.StatusRunning
			t.ProviderID = cand.ProviderID
			t.ProviderModelID = cand.ProviderModelID
		})
		clog := log.With("provider", cand.ProviderID, "provider_model", cand.ProviderModelID)

		client, err := r.clients.Client(cand.ProviderID, cand.ProviderModelID)
		var outcome attemptOutcome
		if err != nil {
			outcome = attemptOutcome{status: store.StatusFailed, errMsg: err.Error()}
		} else {
			outcome = r.attempt(ctx, clog, job, client, cand, fullPrompt, videoPath)
		}

		switch outcome.status {
		case store.StatusCompleted:
			r.persistMetadata(metaPath, outcome.raw, job, fullPrompt, metadataFields{
				LocalStatus:    store.StatusCompleted,
				DownloadStatus: outcome.downloadStatus,
			})
			r.store.UpdateTask(job.Task.ID, func(t *store.Task) {
				t.Status = store.StatusCompleted
				t.VideoURL = outcome.videoURL
				t.VideoPath = videoPath
				t.MetadataPath = metaPath
			})
			clog.Info("task completed", "video_path", videoPath)
			return store.StatusCompleted

		case store.StatusDownloadFailed:
			clog.Error("video download failed", "error", outcome.errMsg)
			return r.finalizeDownloadFailure(job, metaPath, fullPrompt, outcome)

		default:
			code, retryable := r.classifier.Classify(outcome.errMsg)
			canFailover := job.Config.RoutingStrategy == provider.StrategyFailover &&
				retryable && i < len(job.Candidates)-1
			if canFailover {
				clog.Warn("provider failed, failing over to next candidate",
					"error", outcome.errMsg, "error_code", code)
				continue
			}
			clog.Error("task failed", "error", outcome.errMsg, "error_code", code, "retryable", retryable)
			return r.finalizeFailure(job, metaPath, fullPrompt, outcome.raw, outcome.errMsg, code, retryable)
		}
	}

	// Unreachable: the last candidate never fails over.
	return store.StatusFailed
}

// attempt drives one candidate: jittered submit with bounded retries,
// initial wait, then the poll loop until completion, failure, or the
// poll budget runs out.
func (r *Runner) attempt(ctx context.Context, log *slog.Logger, job taskJob, client provider.Client, cand provider.Candidate, fullPrompt, videoPath string) attemptOutcome {
	if err := sleepCtx(ctx, r.randDuration(r.jitterMin, r.jitterMax)); err != nil {
		return attemptOutcome{status: store.StatusFailed, errMsg: "canceled: " + err.Error()}
	}

	req := provider.CreateRequest{
		Prompt:     fullPrompt,
		Duration:   job.Segment.DurationSeconds,
		Resolution: job.Segment.Resolution,
		IsPro:      job.Segment.IsPro,
		ImageURL:   job.Segment.ImageURL,
	}

	var vendorID string
	for n := 1; ; n++ {
		id, err := client.CreateTask(ctx, req)
		if err == nil {
			vendorID = id
			r.gov.ReportSuccess()
			r.countSubmission(cand.ProviderID, "accepted")
			log.Info("generation submitted", "vendor_task_id", vendorID)
			break
		}
		r.gov.ReportError()
		r.publishGovernor()
		r.countSubmission(cand.ProviderID, "rejected")

		_, retryable := r.classifier.Classify(err.Error())
		if !retryable || n >= maxSubmitAttempts {
			return attemptOutcome{status: store.StatusFailed, errMsg: err.Error()}
		}
		log.Warn("submit failed, retrying", "attempt", n, "error", err)
		if serr := sleepCtx(ctx, r.randDuration(r.submitBackoffMin, r.submitBackoffMax)); serr != nil {
			return attemptOutcome{status: store.StatusFailed, errMsg: err.Error()}
		}
	}

	if err := sleepCtx(ctx, r.settings.PollInitialWait); err != nil {
		return attemptOutcome{status: store.StatusFailed, errMsg: "canceled: " + err.Error()}
	}

	deadline := time.Now().Add(r.settings.MaxPollTime)
	for {
		if time.Now().After(deadline) {
			return attemptOutcome{
				status: store.StatusFailed,
				errMsg: fmt.Sprintf("polling timed out after %s", r.settings.MaxPollTime),
			}
		}
		if err := r.pollLimiter.Wait(ctx); err != nil {
			return attemptOutcome{status: store.StatusFailed, errMsg: "canceled: " + err.Error()}
		}

		st, err := client.GetTask(ctx, vendorID)
		if err != nil {
			if ctx.Err() != nil {
				return attemptOutcome{status: store.StatusFailed, errMsg: "canceled: " + ctx.Err().Error()}
			}
			// Transient poll errors never resubmit; the vendor task
			// keeps running.
			log.Warn("poll failed, will retry", "error", err)
			if serr := sleepCtx(ctx, r.settings.PollInterval); serr != nil {
				return attemptOutcome{status: store.StatusFailed, errMsg: "canceled: " + serr.Error()}
			}
			continue
		}

		switch st.Status {
		case provider.StatusCompleted:
			if st.VideoURL == "" {
				return attemptOutcome{status: store.StatusFailed, errMsg: "missing video_url", raw: st.Raw}
			}
			if err := client.DownloadVideo(ctx, vendorID, st.VideoURL, videoPath); err != nil {
				return attemptOutcome{
					status:         store.StatusDownloadFailed,
					errMsg:         "download failed: " + err.Error(),
					videoURL:       st.VideoURL,
					raw:            st.Raw,
					downloadStatus: "failed",
				}
			}
			return attemptOutcome{
				status:         store.StatusCompleted,
				videoURL:       st.VideoURL,
				raw:            st.Raw,
				downloadStatus: "ok",
			}

		case provider.StatusFailed:
			msg := st.ErrorMsg
			if msg == "" {
				msg = "provider reported failure"
			}
			return attemptOutcome{status: store.StatusFailed, errMsg: msg, raw: st.Raw}
		}

		if err := sleepCtx(ctx, r.settings.PollInterval); err != nil {
			return attemptOutcome{status: store.StatusFailed, errMsg: "canceled: " + err.Error()}
		}
	}
}

// finalizeFailure records a terminal failed task and its metadata
// sidecar. metaPath may be empty when the task never produced artifact
// paths; the sidecar is then skipped.
func (r *Runner) finalizeFailure(job taskJob, metaPath, fullPrompt string, raw map[string]any, errMsg, errCode string, retryable bool) string {
	if metaPath != "" {
		r.persistMetadata(metaPath, raw, job, fullPrompt, metadataFields{
			LocalStatus: store.StatusFailed,
			ErrorMsg:    errMsg,
			ErrorCode:   errCode,
			Retryable:   &retryable,
		})
	}
	r.store.UpdateTask(job.Task.ID, func(t *store.Task) {
		t.Status = store.StatusFailed
		t.ErrorMsg = errMsg
		t.ErrorCode = errCode
		t.Retryable = retryable
		if metaPath != "" {
			t.MetadataPath = metaPath
		}
	})
	return store.StatusFailed
}

// finalizeDownloadFailure records the terminal download_failed status.
// Download failures never fail over and are never retryable: the
// generation itself succeeded.
func (r *Runner) finalizeDownloadFailure(job taskJob, metaPath, fullPrompt string, outcome attemptOutcome) string {
	retryable := false
	r.persistMetadata(metaPath, outcome.raw, job, fullPrompt, metadataFields{
		LocalStatus:    store.StatusDownloadFailed,
		ErrorMsg:       outcome.errMsg,
		ErrorCode:      classify.KindDownloadFailed,
		Retryable:      &retryable,
		DownloadStatus: outcome.downloadStatus,
	})
	r.store.UpdateTask(job.Task.ID, func(t *store.Task) {
		t.Status = store.StatusDownloadFailed
		t.VideoURL = outcome.videoURL
		t.ErrorMsg = outcome.errMsg
		t.ErrorCode = classify.KindDownloadFailed
		t.Retryable = false
		t.MetadataPath = metaPath
	})
	return store.StatusDownloadFailed
}

// persistMetadata writes the sidecar and logs on failure. The task is
// not failed for a sidecar write error.
func (r *Runner) persistMetadata(path string, raw map[string]any, job taskJob, fullPrompt string, fields metadataFields) {
	if err := writeTaskMetadata(path, raw, job, fullPrompt, fields); err != nil {
		r.logger.Error("failed to write task metadata",
			"task_id", job.Task.ID, "path", path, "error", err)
		return
	}
	r.store.UpdateTask(job.Task.ID, func(t *store.Task) { t.MetadataPath = path })
}

// existingVideo returns the path of a non-empty prior output for this
// task, or "".
func (r *Runner) existingVideo(task store.Task) string {
	if task.VideoPath != "" && nonEmptyFile(task.VideoPath) {
		return task.VideoPath
	}
	matches, err := filepath.Glob(filepath.Join(task.OutputDir, "*_"+task.ID+".mp4"))
	if err != nil {
		return ""
	}
	for _, m := range matches {
		if nonEmptyFile(m) {
			return m
		}
	}
	return ""
}

func nonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

func (r *Runner) countSubmission(providerID, outcome string) {
	if r.metrics == nil {
		return
	}
	r.metrics.ProviderSubmissions.WithLabelValues(providerID, outcome).Inc()
}

// assembledPrompt builds the provider-facing prompt from a stored
// segment.
func assembledPrompt(seg store.Segment) string {
	s := storyboard.Segment{
		PromptText:     seg.PromptText,
		DirectorIntent: seg.DirectorIntent,
		Asset:          seg.Asset,
	}
	return storyboard.AssemblePrompt(&s)
}

// sleepCtx sleeps for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
