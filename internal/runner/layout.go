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
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/tombee/cineflow/pkg/errors"
)

// Output layouts.
const (
	LayoutCentralized = "centralized"
	LayoutInPlace     = "in_place"
	LayoutCustom      = "custom"
)

// resolveBaseOutputDir returns the run-level output directory for a
// storyboard under the chosen layout. Segment directories hang off it.
func resolveBaseOutputDir(layout, outputRoot, customPath, storyboardID, sourceFile string) (string, error) {
	switch layout {
	case LayoutCustom:
		if customPath == "" {
			return "", &errors.ValidationError{
				Field:   "output_path",
				Message: "output_path is required for custom output layout",
			}
		}
		return filepath.Join(customPath, storyboardID), nil

	case LayoutInPlace:
		if sourceFile == "" {
			return "", &errors.ValidationError{
				Field:   "output_layout",
				Message: "in_place layout requires a storyboard source file",
			}
		}
		parent := filepath.Dir(sourceFile)
		return filepath.Join(parent, fileStem(sourceFile)+"_assets"), nil

	case LayoutCentralized, "":
		return filepath.Join(outputRoot, storyboardID), nil
	}
	return "", &errors.ValidationError{
		Field:   "output_layout",
		Message: "unknown output layout " + layout,
	}
}

// segmentDir returns the per-segment directory under the run base.
func segmentDir(base string, segmentIndex int) string {
	return filepath.Join(base, fmt.Sprintf("Segment_%d", segmentIndex))
}

const filenameRandomChars = "abcdefghijklmnopqrstuvwxyz0123456789"

// filenameBase builds the unique artifact stem for one task attempt:
// <segment>_v<version>_<timestamp>_<4 random chars>. The task id is
// appended by the caller so concurrent versions never collide.
func filenameBase(segmentIndex, versionIndex int, now time.Time, rng *rand.Rand) string {
	suffix := make([]byte, 4)
	for i := range suffix {
		suffix[i] = filenameRandomChars[rng.Intn(len(filenameRandomChars))]
	}
	return fmt.Sprintf("%d_v%d_%s_%s",
		segmentIndex, versionIndex, now.Format("20060102150405"), suffix)
}

func fileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
