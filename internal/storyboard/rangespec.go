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

package storyboard

import (
	"sort"
	"strconv"
	"strings"

	"github.com/tombee/cineflow/pkg/errors"
)

// ParseRange resolves a segment range expression against the available
// segment indices. The language: "all" selects everything; otherwise
// comma-separated parts, each a single non-negative integer or an
// inclusive "a-b" span. Malformed tokens and reversed spans are skipped
// silently; a selection that resolves to nothing is a validation error.
func ParseRange(spec string, available []int) ([]int, error) {
	availSet := make(map[int]bool, len(available))
	for _, idx := range available {
		availSet[idx] = true
	}

	spec = strings.TrimSpace(spec)
	if spec == "" || strings.EqualFold(spec, "all") {
		out := append([]int(nil), available...)
		sort.Ints(out)
		if len(out) == 0 {
			return nil, &errors.ValidationError{Field: "segment_range", Message: "no segments available"}
		}
		return out, nil
	}

	selected := map[int]bool{}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := parseSpan(part); ok {
			for i := lo; i <= hi; i++ {
				if availSet[i] {
					selected[i] = true
				}
			}
			continue
		}
		if n, err := strconv.Atoi(part); err == nil && n >= 0 && availSet[n] {
			selected[n] = true
		}
	}

	if len(selected) == 0 {
		return nil, &errors.ValidationError{
			Field:   "segment_range",
			Message: "no valid segments in range " + strconv.Quote(spec),
		}
	}

	out := make([]int, 0, len(selected))
	for idx := range selected {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out, nil
}

// parseSpan parses "a-b". Reversed spans report ok with an empty
// interval so they drop out silently rather than erroring.
func parseSpan(part string) (lo, hi int, ok bool) {
	dash := strings.Index(part, "-")
	if dash <= 0 {
		return 0, 0, false
	}
	lo, err1 := strconv.Atoi(strings.TrimSpace(part[:dash]))
	hi, err2 := strconv.Atoi(strings.TrimSpace(part[dash+1:]))
	if err1 != nil || err2 != nil || lo < 0 || hi < 0 {
		return 0, 0, false
	}
	if lo > hi {
		return 1, 0, true
	}
	return lo, hi, true
}
