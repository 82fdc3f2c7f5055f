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

// Package governor implements the process-wide adaptive concurrency
// permit pool. Consecutive provider errors trip it into safe mode: the
// permit ceiling drops to a floor, holds there for a cooldown, then
// recovers linearly until it reaches the normal maximum again.
package governor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config tunes the governor. Zero values are replaced by defaults.
type Config struct {
	Max            int           // normal-mode ceiling
	Min            int           // safe-mode floor
	ErrorThreshold int           // consecutive errors that trip safe mode
	Cooldown       time.Duration // time held at the floor
	RecoveryRate   time.Duration // one permit recovered per interval
	PollInterval   time.Duration // acquire wait granularity
}

func (c *Config) applyDefaults() {
	if c.Max <= 0 {
		c.Max = 20
	}
	if c.Min <= 0 {
		c.Min = 5
	}
	if c.Min > c.Max {
		c.Min = c.Max
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 2
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 600 * time.Second
	}
	if c.RecoveryRate <= 0 {
		c.RecoveryRate = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Governor is safe for concurrent use.
type Governor struct {
	cfg    Config
	logger *slog.Logger

	mu                sync.Mutex
	active            int
	safeMode          bool
	lastErrorTime     time.Time
	consecutiveErrors int

	// now is swapped in tests.
	now func() time.Time
}

// New creates a governor with the given config.
func New(cfg Config, logger *slog.Logger) *Governor {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Ceiling returns the current permit ceiling. In safe mode it is the
// floor during cooldown, then rises linearly; reaching the maximum exits
// safe mode and resets the consecutive-error counter.
func (g *Governor) Ceiling() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ceilingLocked()
}

func (g *Governor) ceilingLocked() int {
	if !g.safeMode {
		return g.cfg.Max
	}

	elapsed := g.now().Sub(g.lastErrorTime)
	if elapsed < g.cfg.Cooldown {
		return g.cfg.Min
	}

	recovered := int((elapsed - g.cfg.Cooldown) / g.cfg.RecoveryRate)
	limit := g.cfg.Min + recovered
	if limit >= g.cfg.Max {
		g.safeMode = false
		g.consecutiveErrors = 0
		g.logger.Info("safe mode exited, concurrency fully restored",
			"max", g.cfg.Max)
		return g.cfg.Max
	}
	return limit
}

// Acquire blocks until a permit is available or the context is done.
// Grants are not FIFO; any waiter may take a freed permit.
func (g *Governor) Acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.active < g.ceilingLocked() {
			g.active++
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.cfg.PollInterval):
		}
	}
}

// Release returns a permit. Every successful Acquire must be paired with
// exactly one Release on every exit path.
func (g *Governor) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active > 0 {
		g.active--
	}
}

// ReportError records one provider error. Crossing the threshold enters
// safe mode and snapshots the trip time.
func (g *Governor) ReportError() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.consecutiveErrors++
	if !g.safeMode && g.consecutiveErrors >= g.cfg.ErrorThreshold {
		g.safeMode = true
		g.lastErrorTime = g.now()
		g.logger.Warn("consecutive provider errors, entering safe mode",
			"floor", g.cfg.Min,
			"cooldown_seconds", g.cfg.Cooldown.Seconds())
	}
}

// ReportSuccess resets the consecutive-error counter.
func (g *Governor) ReportSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutiveErrors = 0
}

// Snapshot reports the current state for metrics and status endpoints.
type Snapshot struct {
	Active   int
	Ceiling  int
	SafeMode bool
}

// State returns a point-in-time snapshot.
func (g *Governor) State() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	ceiling := g.ceilingLocked()
	return Snapshot{
		Active:   g.active,
		Ceiling:  ceiling,
		SafeMode: g.safeMode,
	}
}
