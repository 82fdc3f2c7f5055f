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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cineflow/internal/config"
	"github.com/tombee/cineflow/internal/governor"
	"github.com/tombee/cineflow/internal/provider"
	"github.com/tombee/cineflow/internal/store"
	"github.com/tombee/cineflow/internal/storyboard"
	"github.com/tombee/cineflow/pkg/errors"
)

type pollResult struct {
	status provider.TaskStatus
	err    error
}

// fakeClient scripts one vendor: create errors are consumed per call,
// poll results are consumed with the last one sticking.
type fakeClient struct {
	mu            sync.Mutex
	createErrs    []error
	createCalls   int
	pollResults   []pollResult
	pollCalls     int
	downloadErr   error
	downloadCalls int
}

func (f *fakeClient) CreateTask(ctx context.Context, req provider.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.createCalls
	f.createCalls++
	if idx < len(f.createErrs) && f.createErrs[idx] != nil {
		return "", f.createErrs[idx]
	}
	return "vendor-1", nil
}

func (f *fakeClient) GetTask(ctx context.Context, taskID string) (provider.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++
	if len(f.pollResults) == 0 {
		return provider.TaskStatus{
			Status:   provider.StatusCompleted,
			VideoURL: "https://cdn.test/v.mp4",
			Raw:      map[string]any{"task_id": taskID, "status": "completed"},
		}, nil
	}
	idx := f.pollCalls - 1
	if idx >= len(f.pollResults) {
		idx = len(f.pollResults) - 1
	}
	res := f.pollResults[idx]
	return res.status, res.err
}

func (f *fakeClient) DownloadVideo(ctx context.Context, taskID, videoURL, destPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloadCalls++
	if f.downloadErr != nil {
		return f.downloadErr
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(destPath, []byte("mp4 bytes"), 0o644)
}

func (f *fakeClient) counts() (creates, polls, downloads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.pollCalls, f.downloadCalls
}

type fakeFactory struct {
	clients map[string]provider.Client
}

func (f *fakeFactory) Client(providerID, providerModelID string) (provider.Client, error) {
	c, ok := f.clients[providerID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "provider", ID: providerID}
	}
	return c, nil
}

func testSeeds() store.Seeds {
	return store.Seeds{
		Providers: []store.Provider{
			{
				ID: "p1", DisplayName: "P1", Enabled: true, Priority: 10, Weight: 1,
				SupportedDurations:   []int{10, 15},
				SupportedResolutions: []string{"horizontal", "vertical"},
			},
			{
				ID: "p2", DisplayName: "P2", Enabled: true, Priority: 20, Weight: 1,
				SupportsPro:          true,
				SupportedDurations:   []int{10, 15, 25},
				SupportedResolutions: []string{"horizontal", "vertical"},
			},
		},
		Models: []store.Model{
			{
				ID: "m1", DisplayName: "M1", Enabled: true,
				ProviderMap: []store.ProviderModels{
					{ProviderID: "p1", ModelIDs: []string{"pm1"}},
					{ProviderID: "p2", ModelIDs: []string{"pm2"}},
				},
			},
			{ID: "m-off", DisplayName: "Off", Enabled: false},
			{
				ID: "m-empty", DisplayName: "Empty", Enabled: true,
				ProviderMap: []store.ProviderModels{},
			},
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(t *testing.T, s *store.Store, factory ClientFactory) *Runner {
	t.Helper()
	cfg := config.Defaults()
	cfg.OutputRoot = t.TempDir()
	cfg.PollInitialWait = 0
	cfg.PollInterval = time.Millisecond
	cfg.MaxPollTime = 250 * time.Millisecond

	gov := governor.New(governor.Config{
		Max:          cfg.MaxConcurrentTasks,
		PollInterval: time.Millisecond,
	}, discardLogger())

	r := New(Options{
		Store:    s,
		Router:   provider.NewRouter(s),
		Clients:  factory,
		Governor: gov,
		Settings: cfg,
		Logger:   discardLogger(),
	})
	r.jitterMin, r.jitterMax = 0, 0
	r.submitBackoffMin, r.submitBackoffMax = 0, 0
	return r
}

func seedStoryboard(t *testing.T, s *store.Store, segments int) store.Storyboard {
	t.Helper()
	segs := make([]storyboard.Segment, segments)
	for i := range segs {
		segs[i] = storyboard.Segment{
			SegmentIndex:    i + 1,
			PromptText:      fmt.Sprintf("scene %d", i+1),
			DurationSeconds: 10,
			Resolution:      "horizontal",
		}
	}
	return s.CreateStoryboard("board", segs, filepath.Join(t.TempDir(), "storyboard.json"))
}

func TestSubmitValidation(t *testing.T) {
	s := store.New()
	s.ApplySeeds(testSeeds())
	sb := seedStoryboard(t, s, 2)
	r := newTestRunner(t, s, &fakeFactory{})

	tests := []struct {
		name     string
		params   SubmitParams
		notFound bool
	}{
		{"unknown storyboard", SubmitParams{StoryboardID: "ghost", ModelID: "m1"}, true},
		{"gen count too high", SubmitParams{StoryboardID: sb.ID, ModelID: "m1", GenCount: 11}, false},
		{"gen count negative", SubmitParams{StoryboardID: sb.ID, ModelID: "m1", GenCount: -1}, false},
		{"concurrency too high", SubmitParams{StoryboardID: sb.ID, ModelID: "m1", Concurrency: 51}, false},
		{"unknown model", SubmitParams{StoryboardID: sb.ID, ModelID: "ghost"}, false},
		{"disabled model", SubmitParams{StoryboardID: sb.ID, ModelID: "m-off"}, false},
		{"range selects nothing", SubmitParams{StoryboardID: sb.ID, ModelID: "m1", SegmentRange: "99"}, false},
		{"custom layout needs path", SubmitParams{StoryboardID: sb.ID, ModelID: "m1", OutputLayout: LayoutCustom}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Submit(context.Background(), tt.params)
			require.Error(t, err)
			if tt.notFound {
				assert.True(t, errors.IsNotFound(err))
			} else {
				assert.True(t, errors.IsValidation(err))
			}
		})
	}
}

func TestSubmitRunCompletes(t *testing.T) {
	s := store.New()
	s.ApplySeeds(testSeeds())
	sb := seedStoryboard(t, s, 2)
	p1 := &fakeClient{}
	r := newTestRunner(t, s, &fakeFactory{clients: map[string]provider.Client{"p1": p1}})

	run, err := r.Submit(context.Background(), SubmitParams{
		StoryboardID: sb.ID,
		ModelID:      "m1",
		GenCount:     2,
		Concurrency:  4,
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, run.Status)
	assert.Equal(t, 4, run.TotalTasks)

	r.Wait()

	got, ok := s.GetRun(run.ID)
	require.True(t, ok)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, 4, got.Completed)
	assert.Zero(t, got.Failed)
	// All tasks routed to the same head candidate.
	assert.Equal(t, "p1", got.ProviderID)
	assert.Equal(t, "pm1", got.ProviderModelID)

	for _, task := range s.ListTasks(run.ID) {
		assert.Equal(t, store.StatusCompleted, task.Status)
		assert.Equal(t, "p1", task.ProviderID)
		assert.NotEmpty(t, task.FullPrompt)
		assert.FileExists(t, task.VideoPath)
		assert.FileExists(t, task.MetadataPath)
		assert.Contains(t, task.VideoPath, fmt.Sprintf("Segment_%d", task.SegmentIndex))
	}
}

func TestSubmitDryRun(t *testing.T) {
	s := store.New()
	s.ApplySeeds(testSeeds())
	sb := seedStoryboard(t, s, 1)
	p1 := &fakeClient{}
	r := newTestRunner(t, s, &fakeFactory{clients: map[string]provider.Client{"p1": p1}})

	run, err := r.Submit(context.Background(), SubmitParams{
		StoryboardID: sb.ID, ModelID: "m1", DryRun: true,
	})
	require.NoError(t, err)
	r.Wait()

	creates, _, _ := p1.counts()
	assert.Zero(t, creates, "dry run must not reach the wire")

	got, _ := s.GetRun(run.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
	task := s.ListTasks(run.ID)[0]
	assert.Equal(t, store.StatusCompleted, task.Status)
	assert.Equal(t, "scene 1", task.FullPrompt)
	assert.Empty(t, task.VideoPath)
}

func TestSubmitNoProvider(t *testing.T) {
	s := store.New()
	s.ApplySeeds(testSeeds())
	sb := seedStoryboard(t, s, 1)
	r := newTestRunner(t, s, &fakeFactory{})

	run, err := r.Submit(context.Background(), SubmitParams{
		StoryboardID: sb.ID, ModelID: "m-empty",
	})
	require.NoError(t, err)
	r.Wait()

	got, _ := s.GetRun(run.ID)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Failed)

	task := s.ListTasks(run.ID)[0]
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.Equal(t, "no_provider", task.ErrorCode)
	assert.False(t, task.Retryable)
}

func TestFailoverOnRetryableSubmitErrors(t *testing.T) {
	s := store.New()
	s.ApplySeeds(testSeeds())
	sb := seedStoryboard(t, s, 1)

	limited := &errors.ProviderError{Provider: "p1", StatusCode: 429, Message: "rate limit exceeded", Retryable: true}
	p1 := &fakeClient{createErrs: []error{limited, limited, limited}}
	p2 := &fakeClient{}
	r := newTestRunner(t, s, &fakeFactory{clients: map[string]provider.Client{"p1": p1, "p2": p2}})

	run, err := r.Submit(context.Background(), SubmitParams{
		StoryboardID: sb.ID, ModelID: "m1", RoutingStrategy: "failover",
	})
	require.NoError(t, err)
	r.Wait()

	creates, _, _ := p1.counts()
	assert.Equal(t, maxSubmitAttempts, creates, "submit retries are bounded per candidate")

	task := s.ListTasks(run.ID)[0]
	assert.Equal(t, store.StatusCompleted, task.Status)
	assert.Equal(t, "p2", task.ProviderID)
	assert.Equal(t, "pm2", task.ProviderModelID)

	got, _ := s.GetRun(run.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
}

func TestNonRetryableFailureDoesNotFailOver(t *testing.T) {
	s := store.New()
	s.ApplySeeds(testSeeds())
	sb := seedStoryboard(t, s, 1)

	p1 := &fakeClient{pollResults: []pollResult{{
		status: provider.TaskStatus{
			Status:   provider.StatusFailed,
			ErrorMsg: "content policy violation",
			Raw:      map[string]any{"status": "failed"},
		},
	}}}
	p2 := &fakeClient{}
	r := newTestRunner(t, s, &fakeFactory{clients: map[string]provider.Client{"p1": p1, "p2": p2}})

	run, err := r.Submit(context.Background(), SubmitParams{
		StoryboardID: sb.ID, ModelID: "m1", RoutingStrategy: "failover",
	})
	require.NoError(t, err)
	r.Wait()

	creates, _, _ := p2.counts()
	assert.Zero(t, creates, "non-retryable failures terminate without failover")

	task := s.ListTasks(run.ID)[0]
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.Equal(t, "content_policy", task.ErrorCode)
	assert.False(t, task.Retryable)
	assert.Equal(t, "content policy violation", task.ErrorMsg)
	assert.FileExists(t, task.MetadataPath)
}

func TestDefaultStrategyNeverFailsOver(t *testing.T) {
	s := store.New()
	s.ApplySeeds(testSeeds())
	sb := seedStoryboard(t, s, 1)

	limited := &errors.ProviderError{Provider: "p1", StatusCode: 429, Message: "rate limit exceeded", Retryable: true}
	p1 := &fakeClient{createErrs: []error{limited, limited, limited}}
	p2 := &fakeClient{}
	r := newTestRunner(t, s, &fakeFactory{clients: map[string]provider.Client{"p1": p1, "p2": p2}})

	run, err := r.Submit(context.Background(), SubmitParams{
		StoryboardID: sb.ID, ModelID: "m1",
	})
	require.NoError(t, err)
	r.Wait()

	creates, _, _ := p2.counts()
	assert.Zero(t, creates)

	task := s.ListTasks(run.ID)[0]
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.Equal(t, "rate_limited", task.ErrorCode)
	assert.True(t, task.Retryable)
}

func TestPollTimeoutFailsOver(t *testing.T) {
	s := store.New()
	s.ApplySeeds(testSeeds())
	sb := seedStoryboard(t, s, 1)

	p1 := &fakeClient{pollResults: []pollResult{{
		status: provider.TaskStatus{Status: provider.StatusRunning},
	}}}
	p2 := &fakeClient{}
	r := newTestRunner(t, s, &fakeFactory{clients: map[string]provider.Client{"p1": p1, "p2": p2}})

	run, err := r.Submit(context.Background(), SubmitParams{
		StoryboardID: sb.ID, ModelID: "m1", RoutingStrategy: "failover",
	})
	require.NoError(t, err)
	r.Wait()

	task := s.ListTasks(run.ID)[0]
	assert.Equal(t, store.StatusCompleted, task.Status)
	assert.Equal(t, "p2", task.ProviderID)
}

func TestMixedRoutingHeadsLeaveRunUnstamped(t *testing.T) {
	s := store.New()
	s.ApplySeeds(testSeeds())
	// Segment 2 needs pro, which only p2 offers.
	segs := []storyboard.Segment{
		{SegmentIndex: 1, PromptText: "scene 1", DurationSeconds: 10, Resolution: "horizontal"},
		{SegmentIndex: 2, PromptText: "scene 2", DurationSeconds: 10, Resolution: "horizontal", IsPro: true},
	}
	sb := s.CreateStoryboard("board", segs, "")
	p1 := &fakeClient{}
	p2 := &fakeClient{}
	r := newTestRunner(t, s, &fakeFactory{clients: map[string]provider.Client{"p1": p1, "p2": p2}})

	run, err := r.Submit(context.Background(), SubmitParams{StoryboardID: sb.ID, ModelID: "m1"})
	require.NoError(t, err)
	r.Wait()

	got, _ := s.GetRun(run.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Empty(t, got.ProviderID, "different head candidates leave the run unstamped")
}

func TestRetryTask(t *testing.T) {
	s := store.New()
	s.ApplySeeds(testSeeds())
	sb := seedStoryboard(t, s, 1)

	p1 := &fakeClient{pollResults: []pollResult{{
		status: provider.TaskStatus{Status: provider.StatusFailed, ErrorMsg: "server error"},
	}}}
	r := newTestRunner(t, s, &fakeFactory{clients: map[string]provider.Client{"p1": p1}})

	run, err := r.Submit(context.Background(), SubmitParams{StoryboardID: sb.ID, ModelID: "m1"})
	require.NoError(t, err)
	r.Wait()

	got, _ := s.GetRun(run.ID)
	require.Equal(t, store.StatusFailed, got.Status)
	taskID := s.ListTasks(run.ID)[0].ID

	// The vendor recovers; the retry succeeds in place.
	p1.mu.Lock()
	p1.pollResults = nil
	p1.mu.Unlock()

	task, err := r.RetryTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, task.Status)
	assert.Empty(t, task.ErrorMsg)

	running, _ := s.GetRun(run.ID)
	assert.Equal(t, store.StatusRunning, running.Status)

	r.Wait()

	final, _ := s.GetRun(run.ID)
	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.Completed)
	assert.Zero(t, final.Failed)

	retried, _ := s.GetTask(taskID)
	assert.Equal(t, store.StatusCompleted, retried.Status)
}

func TestRunOutlivesSubmitContext(t *testing.T) {
	s := store.New()
	s.ApplySeeds(testSeeds())
	sb := seedStoryboard(t, s, 2)
	p1 := &fakeClient{}
	r := newTestRunner(t, s, &fakeFactory{clients: map[string]provider.Client{"p1": p1}})

	// An HTTP handler's context dies as soon as Submit returns.
	ctx, cancel := context.WithCancel(context.Background())
	run, err := r.Submit(ctx, SubmitParams{StoryboardID: sb.ID, ModelID: "m1"})
	require.NoError(t, err)
	cancel()

	r.Wait()

	got, ok := s.GetRun(run.ID)
	require.True(t, ok)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Completed)
	assert.Zero(t, got.Failed)
	for _, task := range s.ListTasks(run.ID) {
		assert.Equal(t, store.StatusCompleted, task.Status)
		assert.Empty(t, task.ErrorMsg)
	}
}

func TestRetryOutlivesCallerContext(t *testing.T) {
	s := store.New()
	s.ApplySeeds(testSeeds())
	sb := seedStoryboard(t, s, 1)

	p1 := &fakeClient{pollResults: []pollResult{{
		status: provider.TaskStatus{Status: provider.StatusFailed, ErrorMsg: "server error"},
	}}}
	r := newTestRunner(t, s, &fakeFactory{clients: map[string]provider.Client{"p1": p1}})

	run, err := r.Submit(context.Background(), SubmitParams{StoryboardID: sb.ID, ModelID: "m1"})
	require.NoError(t, err)
	r.Wait()
	taskID := s.ListTasks(run.ID)[0].ID

	p1.mu.Lock()
	p1.pollResults = nil
	p1.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	_, err = r.RetryTask(ctx, taskID)
	require.NoError(t, err)
	cancel()

	r.Wait()

	retried, _ := s.GetTask(taskID)
	assert.Equal(t, store.StatusCompleted, retried.Status)
	final, _ := s.GetRun(run.ID)
	assert.Equal(t, store.StatusCompleted, final.Status)
}

func TestRetryTaskValidation(t *testing.T) {
	s := store.New()
	s.ApplySeeds(testSeeds())
	sb := seedStoryboard(t, s, 1)
	r := newTestRunner(t, s, &fakeFactory{})

	_, err := r.RetryTask(context.Background(), "ghost")
	assert.True(t, errors.IsNotFound(err))

	segs := s.ListSegments(sb.ID)
	_, tasks := s.CreateRun(sb.ID, []store.TaskSpec{{
		SegmentID: segs[0].ID, SegmentIndex: 1, VersionIndex: 1, OutputDir: t.TempDir(),
	}}, store.RunConfig{ModelID: "m1"})

	_, err = r.RetryTask(context.Background(), tasks[0].ID)
	assert.True(t, errors.IsValidation(err), "queued tasks cannot be retried")
}

func TestNormalizeStrategy(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "default"},
		{"default", "default"},
		{"failover", "failover"},
		{"weighted", "weighted"},
		{"manual", "default"},
		{"cost", "default"},
		{"latency", "default"},
		{"quota", "default"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeStrategy(tt.in), tt.in)
	}
}
