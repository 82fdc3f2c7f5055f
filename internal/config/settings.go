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

// Package config loads orchestrator settings from environment variables and
// an optional YAML seed file for providers and models.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/cineflow/pkg/errors"
)

// Settings holds all tunables for the orchestrator process.
type Settings struct {
	// Concurrency governor.
	MaxConcurrentTasks        int           // process-wide permit ceiling
	ConcurrencyMinTasks       int           // safe-mode floor
	ConcurrencyErrorThreshold int           // consecutive errors that trigger safe mode
	ConcurrencyCooldown       time.Duration // hold at the floor for this long
	ConcurrencyRecoveryRate   time.Duration // +1 permit per interval after cooldown

	// Task polling.
	PollInitialWait time.Duration // sleep after a successful submit before first poll
	PollInterval    time.Duration
	MaxPollTime     time.Duration // per-task budget from submit to terminal

	// HTTP timeouts.
	APIRequestTimeout time.Duration // per provider API call
	DownloadTimeout   time.Duration // per streaming download

	// Classifier extensions: extra substrings mapped to
	// validation_error (non-retryable) and dependency_error (retryable).
	FailoverNonRetryableTokens []string
	FailoverRetryableTokens    []string

	// Run defaults.
	GenCountPerSegment int
	OutputRoot         string

	// Provider credentials and endpoints keyed by provider id.
	ProviderAPIKeys  map[string]string
	ProviderBaseURLs map[string]string

	// Proxy settings applied to all provider HTTP clients.
	HTTPProxy  string
	HTTPSProxy string

	// SeedFile is an optional YAML file overriding the built-in
	// provider/model seeds. Watched for changes when set.
	SeedFile string
}

// providerIDs lists the providers that settings are resolved for.
// Seed-file providers outside this list read their credentials through
// the generic <ID>_API_KEY / <ID>_BASE_URL convention at load time.
var providerIDs = []string{"sora_hk", "openai", "aihubmix"}

// Defaults returns the settings used when no environment overrides exist.
func Defaults() Settings {
	return Settings{
		MaxConcurrentTasks:        20,
		ConcurrencyMinTasks:       5,
		ConcurrencyErrorThreshold: 2,
		ConcurrencyCooldown:       600 * time.Second,
		ConcurrencyRecoveryRate:   60 * time.Second,
		PollInitialWait:           20 * time.Second,
		PollInterval:              10 * time.Second,
		MaxPollTime:               2100 * time.Second,
		APIRequestTimeout:         30 * time.Second,
		DownloadTimeout:           300 * time.Second,
		GenCountPerSegment:        1,
		OutputRoot:                "output",
		ProviderAPIKeys:           map[string]string{},
		ProviderBaseURLs:          map[string]string{},
	}
}

// FromEnv loads settings from the process environment on top of Defaults.
func FromEnv() (Settings, error) {
	s := Defaults()

	var err error
	if s.MaxConcurrentTasks, err = envInt("MAX_CONCURRENT_TASKS", s.MaxConcurrentTasks); err != nil {
		return s, err
	}
	if s.ConcurrencyMinTasks, err = envInt("CONCURRENCY_MIN_TASKS", s.ConcurrencyMinTasks); err != nil {
		return s, err
	}
	if s.ConcurrencyErrorThreshold, err = envInt("CONCURRENCY_ERROR_THRESHOLD", s.ConcurrencyErrorThreshold); err != nil {
		return s, err
	}
	if s.ConcurrencyCooldown, err = envSeconds("CONCURRENCY_COOLDOWN_SECONDS", s.ConcurrencyCooldown); err != nil {
		return s, err
	}
	if s.ConcurrencyRecoveryRate, err = envSeconds("CONCURRENCY_RECOVERY_RATE_SECONDS", s.ConcurrencyRecoveryRate); err != nil {
		return s, err
	}
	if s.PollInitialWait, err = envSeconds("POLL_INITIAL_WAIT_SECONDS", s.PollInitialWait); err != nil {
		return s, err
	}
	if s.PollInterval, err = envSeconds("POLL_INTERVAL_SECONDS", s.PollInterval); err != nil {
		return s, err
	}
	if s.MaxPollTime, err = envSeconds("MAX_POLL_TIME", s.MaxPollTime); err != nil {
		return s, err
	}
	if s.APIRequestTimeout, err = envSeconds("API_REQUEST_TIMEOUT_SECONDS", s.APIRequestTimeout); err != nil {
		return s, err
	}
	if s.DownloadTimeout, err = envSeconds("DOWNLOAD_TIMEOUT_SECONDS", s.DownloadTimeout); err != nil {
		return s, err
	}
	if s.GenCountPerSegment, err = envInt("GEN_COUNT_PER_SEGMENT", s.GenCountPerSegment); err != nil {
		return s, err
	}

	s.FailoverNonRetryableTokens = envTokenList("FAILOVER_NON_RETRYABLE_TOKENS")
	s.FailoverRetryableTokens = envTokenList("FAILOVER_RETRYABLE_TOKENS")

	if v := os.Getenv("OUTPUT_ROOT"); v != "" {
		s.OutputRoot = v
	}
	if v := os.Getenv("SEED_FILE"); v != "" {
		s.SeedFile = v
	}

	s.HTTPProxy = firstEnv("HTTP_PROXY", "http_proxy")
	s.HTTPSProxy = firstEnv("HTTPS_PROXY", "https_proxy")

	for _, id := range providerIDs {
		prefix := strings.ToUpper(id)
		if key := os.Getenv(prefix + "_API_KEY"); key != "" {
			s.ProviderAPIKeys[id] = key
		}
		if base := os.Getenv(prefix + "_BASE_URL"); base != "" {
			s.ProviderBaseURLs[id] = base
		}
	}
	// SORA_* are legacy aliases for the sora_hk provider.
	if _, ok := s.ProviderAPIKeys["sora_hk"]; !ok {
		if key := os.Getenv("SORA_API_KEY"); key != "" {
			s.ProviderAPIKeys["sora_hk"] = key
		}
	}
	if _, ok := s.ProviderBaseURLs["sora_hk"]; !ok {
		if base := os.Getenv("SORA_BASE_URL"); base != "" {
			s.ProviderBaseURLs["sora_hk"] = base
		}
	}

	return s, s.Validate()
}

// Validate checks the settings for internal consistency.
func (s *Settings) Validate() error {
	if s.MaxConcurrentTasks < 1 {
		return &errors.ConfigError{Key: "MAX_CONCURRENT_TASKS", Reason: "must be >= 1"}
	}
	if s.ConcurrencyMinTasks < 1 {
		return &errors.ConfigError{Key: "CONCURRENCY_MIN_TASKS", Reason: "must be >= 1"}
	}
	if s.ConcurrencyMinTasks > s.MaxConcurrentTasks {
		return &errors.ConfigError{Key: "CONCURRENCY_MIN_TASKS", Reason: "must not exceed MAX_CONCURRENT_TASKS"}
	}
	if s.ConcurrencyErrorThreshold < 1 {
		return &errors.ConfigError{Key: "CONCURRENCY_ERROR_THRESHOLD", Reason: "must be >= 1"}
	}
	if s.ConcurrencyRecoveryRate <= 0 {
		return &errors.ConfigError{Key: "CONCURRENCY_RECOVERY_RATE_SECONDS", Reason: "must be > 0"}
	}
	if s.PollInterval <= 0 {
		return &errors.ConfigError{Key: "POLL_INTERVAL_SECONDS", Reason: "must be > 0"}
	}
	if s.MaxPollTime <= 0 {
		return &errors.ConfigError{Key: "MAX_POLL_TIME", Reason: "must be > 0"}
	}
	if s.GenCountPerSegment < 1 || s.GenCountPerSegment > 10 {
		return &errors.ConfigError{Key: "GEN_COUNT_PER_SEGMENT", Reason: "must be between 1 and 10"}
	}
	return nil
}

// APIKey returns the configured API key for a provider id, or "".
func (s *Settings) APIKey(providerID string) string {
	return s.ProviderAPIKeys[providerID]
}

// BaseURL returns the configured base URL for a provider id, or "".
func (s *Settings) BaseURL(providerID string) string {
	return s.ProviderBaseURLs[providerID]
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def, &errors.ConfigError{Key: key, Reason: "not an integer", Cause: err}
	}
	return v, nil
}

func envSeconds(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return def, &errors.ConfigError{Key: key, Reason: "not a number of seconds", Cause: err}
	}
	return time.Duration(v * float64(time.Second)), nil
}

// envTokenList parses a comma-separated env value into trimmed,
// lowercased, non-empty tokens.
func envTokenList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var tokens []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			tokens = append(tokens, part)
		}
	}
	return tokens
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}
