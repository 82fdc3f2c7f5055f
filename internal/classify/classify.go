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

// Package classify maps free-form provider error messages to stable error
// kinds and a retryability decision used by the failover policy.
package classify

import "strings"

// Error kinds. Workers stamp these onto terminal tasks; the router and
// failover logic branch on them.
const (
	KindContentPolicy   = "content_policy"
	KindValidationError = "validation_error"
	KindRateLimited     = "rate_limited"
	KindTimeout         = "timeout"
	KindQuotaExceeded   = "quota_exceeded"
	KindUnauthorized    = "unauthorized"
	KindForbidden       = "forbidden"
	KindDependencyError = "dependency_error"
	KindServerError     = "server_error"
	KindUnknownError    = "unknown_error"
	KindDownloadFailed  = "download_failed"
	KindNoProvider      = "no_provider"
)

type category struct {
	kind      string
	tokens    []string
	retryable bool
}

// defaultCategories is an ordered table; the first category with a matching
// token wins. Order encodes precedence between overlapping vocabularies
// (e.g. "policy" before "parameter").
var defaultCategories = []category{
	{KindContentPolicy, []string{"content", "policy", "violation", "safety", "nudity", "sexual", "色情", "裸露", "敏感"}, false},
	{KindValidationError, []string{"validation", "schema_error", "schema error", "parameter", "参数错误", "bad request", "prompt text cannot be empty"}, false},
	{KindRateLimited, []string{"rate limit", "rate_limited", "too many requests", "429"}, true},
	{KindTimeout, []string{"timeout", "timed out"}, true},
	{KindQuotaExceeded, []string{"quota", "insufficient", "余额不足", "balance"}, true},
	{KindUnauthorized, []string{"unauthorized", "invalid api key", "api key", "401"}, true},
	{KindForbidden, []string{"forbidden", "403"}, true},
	{KindDependencyError, []string{"dependency", "overloaded"}, true},
	{KindServerError, []string{"server error", "service unavailable", "502", "503", "504"}, true},
}

// Classifier resolves error messages against the default table plus
// configured extension token lists.
type Classifier struct {
	extraNonRetryable []string // matched -> validation_error, not retryable
	extraRetryable    []string // matched -> dependency_error, retryable
}

// New builds a classifier. Both token lists are optional; tokens are
// matched case-insensitively as substrings, after the default table.
func New(extraNonRetryable, extraRetryable []string) *Classifier {
	return &Classifier{
		extraNonRetryable: normalizeTokens(extraNonRetryable),
		extraRetryable:    normalizeTokens(extraRetryable),
	}
}

// Classify returns the error kind and retryability for a message.
// Empty and unmatched messages classify as unknown_error, not retryable.
func (c *Classifier) Classify(message string) (string, bool) {
	if message == "" {
		return KindUnknownError, false
	}
	normalized := strings.ToLower(message)

	for _, cat := range defaultCategories {
		for _, token := range cat.tokens {
			if strings.Contains(normalized, token) {
				return cat.kind, cat.retryable
			}
		}
	}

	for _, token := range c.extraNonRetryable {
		if strings.Contains(normalized, token) {
			return KindValidationError, false
		}
	}
	for _, token := range c.extraRetryable {
		if strings.Contains(normalized, token) {
			return KindDependencyError, true
		}
	}

	return KindUnknownError, false
}

func normalizeTokens(tokens []string) []string {
	var out []string
	for _, token := range tokens {
		token = strings.ToLower(strings.TrimSpace(token))
		if token != "" {
			out = append(out, token)
		}
	}
	return out
}
