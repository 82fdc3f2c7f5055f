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
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/cineflow/pkg/errors"
)

// storyboardPattern matches storyboard documents at any depth under the
// input root.
const storyboardPattern = "**/storyboard*.json"

// Discovered pairs a parsed storyboard with the file it came from.
type Discovered struct {
	Path       string
	Storyboard *Storyboard
}

// Scan walks the input root for storyboard*.json files and parses each.
// Files that fail to parse or validate are logged and skipped; the scan
// only errors when the root itself is unusable.
func Scan(root string, logger *slog.Logger) ([]Discovered, error) {
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, &errors.ValidationError{Field: "input_dir", Message: "not accessible: " + err.Error()}
	}
	if !info.IsDir() {
		return nil, &errors.ValidationError{Field: "input_dir", Message: root + " is not a directory"}
	}

	matches, err := doublestar.Glob(os.DirFS(root), storyboardPattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var found []Discovered
	for _, rel := range matches {
		path := filepath.Join(root, rel)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skipping unreadable storyboard file", "path", path, "error", err)
			continue
		}
		sb, err := Parse(data)
		if err != nil {
			logger.Warn("skipping invalid storyboard file", "path", path, "error", err)
			continue
		}
		if sb.Name == "" {
			sb.Name = stem(path)
		}
		found = append(found, Discovered{Path: path, Storyboard: sb})
		logger.Info("discovered storyboard",
			"path", path,
			"segments", len(sb.Segments))
	}
	return found, nil
}

// stem returns the file name without its extension.
func stem(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
