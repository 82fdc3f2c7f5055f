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

package governor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGovernor(t *testing.T, cfg Config) (*Governor, *time.Time) {
	t.Helper()
	g := New(cfg, nil)
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return current }
	return g, &current
}

func TestAcquireReleaseWithinCeiling(t *testing.T) {
	g, _ := newTestGovernor(t, Config{Max: 2, Min: 1, PollInterval: time.Millisecond})

	ctx := context.Background()
	require.NoError(t, g.Acquire(ctx))
	require.NoError(t, g.Acquire(ctx))
	assert.Equal(t, 2, g.State().Active)

	g.Release()
	assert.Equal(t, 1, g.State().Active)
}

func TestAcquireBlocksAtCeiling(t *testing.T) {
	g, _ := newTestGovernor(t, Config{Max: 1, Min: 1, PollInterval: time.Millisecond})

	require.NoError(t, g.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	g.Release()
	require.NoError(t, g.Acquire(context.Background()))
}

func TestSafeModeTripAndFloor(t *testing.T) {
	g, _ := newTestGovernor(t, Config{Max: 5, Min: 1, ErrorThreshold: 2})

	assert.Equal(t, 5, g.Ceiling())

	g.ReportError()
	assert.False(t, g.State().SafeMode, "one error must not trip safe mode")

	g.ReportError()
	state := g.State()
	assert.True(t, state.SafeMode)
	assert.Equal(t, 1, state.Ceiling)
}

func TestSafeModeLinearRecovery(t *testing.T) {
	g, clock := newTestGovernor(t, Config{
		Max:            20,
		Min:            5,
		ErrorThreshold: 2,
		Cooldown:       600 * time.Second,
		RecoveryRate:   60 * time.Second,
	})

	g.ReportError()
	g.ReportError()

	// Held at the floor during the whole cooldown.
	*clock = clock.Add(599 * time.Second)
	assert.Equal(t, 5, g.Ceiling())

	// +1 permit per recovery interval after cooldown.
	*clock = clock.Add(1 * time.Second)
	assert.Equal(t, 5, g.Ceiling())
	*clock = clock.Add(60 * time.Second)
	assert.Equal(t, 6, g.Ceiling())
	*clock = clock.Add(5 * 60 * time.Second)
	assert.Equal(t, 11, g.Ceiling())

	// Reaching max exits safe mode and clears the error counter.
	*clock = clock.Add(20 * 60 * time.Second)
	assert.Equal(t, 20, g.Ceiling())
	assert.False(t, g.State().SafeMode)

	// One more error after recovery must not re-trip by itself.
	g.ReportError()
	assert.False(t, g.State().SafeMode)
}

func TestReportSuccessResetsCounter(t *testing.T) {
	g, _ := newTestGovernor(t, Config{Max: 5, Min: 1, ErrorThreshold: 2})

	g.ReportError()
	g.ReportSuccess()
	g.ReportError()
	assert.False(t, g.State().SafeMode)
}

// A waiter admitted during safe mode must observe the floor ceiling, not
// the normal maximum.
func TestWaiterObservesSafeModeCeiling(t *testing.T) {
	g, _ := newTestGovernor(t, Config{Max: 5, Min: 1, ErrorThreshold: 2, PollInterval: time.Millisecond})

	require.NoError(t, g.Acquire(context.Background()))
	g.ReportError()
	g.ReportError()

	// active == 1 == floor: a new acquire must block.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, g.Acquire(ctx))

	g.Release()
	require.NoError(t, g.Acquire(context.Background()))
	assert.Equal(t, 1, g.State().Ceiling)
}
