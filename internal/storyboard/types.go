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

// Package storyboard defines the storyboard document model, the segment
// range language, and prompt assembly.
package storyboard

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tombee/cineflow/pkg/errors"
)

// Resolutions accepted by every provider-facing surface.
const (
	ResolutionHorizontal = "horizontal"
	ResolutionVertical   = "vertical"
)

var (
	allowedNormalDurations = map[int]bool{4: true, 8: true, 10: true, 12: true, 15: true}
	allowedProDurations    = map[int]bool{4: true, 8: true, 10: true, 12: true, 15: true, 25: true}
)

// CharacterItem names a recurring character, optionally carrying a
// stable "@id" reference used by prompt substitution.
type CharacterItem struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
}

// UnmarshalJSON accepts both the object form and the legacy string
// forms "Name@123", "Name (@123)", and "[Name]".
func (c *CharacterItem) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		name, id := parseLegacyCharacter(raw)
		c.Name = name
		c.ID = id
		return nil
	}

	type alias CharacterItem
	var obj alias
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	obj.Name = stripBrackets(obj.Name)
	*c = CharacterItem(obj)
	return nil
}

func parseLegacyCharacter(raw string) (name, id string) {
	clean := stripBrackets(strings.TrimSpace(raw))
	if at := strings.Index(clean, "@"); at >= 0 {
		name = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(clean[:at]), "("))
		id = "@" + strings.TrimRight(strings.TrimSpace(clean[at+1:]), ")")
		return name, id
	}
	return clean, ""
}

func stripBrackets(s string) string {
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") && len(s) >= 2 {
		return s[1 : len(s)-1]
	}
	return s
}

// Asset carries per-segment production metadata folded into the prompt.
type Asset struct {
	Characters []CharacterItem `json:"characters,omitempty"`
	Scene      string          `json:"scene,omitempty"`
	Props      []string        `json:"props,omitempty"`
}

// Segment is one scene of a storyboard.
type Segment struct {
	SegmentIndex    int    `json:"segment_index"`
	PromptText      string `json:"prompt_text"`
	ImageURL        string `json:"image_url,omitempty"`
	Asset           *Asset `json:"asset,omitempty"`
	IsPro           bool   `json:"is_pro"`
	DurationSeconds int    `json:"duration_seconds"`
	Resolution      string `json:"resolution"`
	DirectorIntent  string `json:"director_intent,omitempty"`
}

// applyDefaults fills unset generation parameters.
func (s *Segment) applyDefaults() {
	if s.DurationSeconds == 0 {
		s.DurationSeconds = 10
	}
	if s.Resolution == "" {
		s.Resolution = ResolutionHorizontal
	}
}

// Validate enforces the segment invariants: non-empty prompt, a known
// resolution, and the duration vocabulary for the segment's tier.
func (s *Segment) Validate() error {
	if strings.TrimSpace(s.PromptText) == "" {
		return &errors.ValidationError{
			Field:   "prompt_text",
			Message: "prompt text cannot be empty",
		}
	}
	if s.Resolution != ResolutionHorizontal && s.Resolution != ResolutionVertical {
		return &errors.ValidationError{
			Field:   "resolution",
			Message: fmt.Sprintf("must be %q or %q, got %q", ResolutionHorizontal, ResolutionVertical, s.Resolution),
		}
	}

	allowed := allowedNormalDurations
	tier := "normal"
	if s.IsPro {
		allowed = allowedProDurations
		tier = "pro"
	}
	if !allowed[s.DurationSeconds] {
		return &errors.ValidationError{
			Field:   "duration_seconds",
			Message: fmt.Sprintf("%d not allowed in %s mode", s.DurationSeconds, tier),
		}
	}
	return nil
}

// Storyboard is an ordered collection of segments, immutable once
// registered with the store.
type Storyboard struct {
	Name     string         `json:"name,omitempty"`
	Segments []Segment      `json:"segments"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Parse decodes a storyboard document, applies segment defaults, and
// validates every segment.
func Parse(data []byte) (*Storyboard, error) {
	var sb Storyboard
	if err := json.Unmarshal(data, &sb); err != nil {
		return nil, &errors.ValidationError{Field: "storyboard", Message: "invalid JSON: " + err.Error()}
	}
	if len(sb.Segments) == 0 {
		return nil, &errors.ValidationError{Field: "segments", Message: "storyboard has no segments"}
	}

	seen := make(map[int]bool, len(sb.Segments))
	for i := range sb.Segments {
		seg := &sb.Segments[i]
		seg.applyDefaults()
		if err := seg.Validate(); err != nil {
			return nil, err
		}
		if seen[seg.SegmentIndex] {
			return nil, &errors.ValidationError{
				Field:   "segment_index",
				Message: fmt.Sprintf("duplicate segment_index %d", seg.SegmentIndex),
			}
		}
		seen[seg.SegmentIndex] = true
	}
	return &sb, nil
}
