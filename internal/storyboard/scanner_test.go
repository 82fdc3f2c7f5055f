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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestScanFindsNestedStoryboards(t *testing.T) {
	root := t.TempDir()
	valid := `{"segments": [{"segment_index": 1, "prompt_text": "A cat"}]}`

	writeFile(t, filepath.Join(root, "storyboard.json"), valid)
	writeFile(t, filepath.Join(root, "projectA", "storyboard_ep1.json"), valid)
	writeFile(t, filepath.Join(root, "projectA", "notes.json"), `{"x": 1}`)
	writeFile(t, filepath.Join(root, "deep", "nested", "storyboard_final.json"), valid)

	found, err := Scan(root, nil)
	require.NoError(t, err)
	require.Len(t, found, 3)

	names := make([]string, len(found))
	for i, d := range found {
		names[i] = d.Storyboard.Name
	}
	assert.ElementsMatch(t, []string{"storyboard", "storyboard_ep1", "storyboard_final"}, names)
}

func TestScanSkipsInvalidFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "storyboard_bad.json"), `{broken`)
	writeFile(t, filepath.Join(root, "storyboard_empty.json"), `{"segments": []}`)
	writeFile(t, filepath.Join(root, "storyboard_ok.json"),
		`{"segments": [{"segment_index": 1, "prompt_text": "ok"}]}`)

	found, err := Scan(root, nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "storyboard_ok", found[0].Storyboard.Name)
}

func TestScanMissingRoot(t *testing.T) {
	_, err := Scan(filepath.Join(t.TempDir(), "nope"), nil)
	assert.Error(t, err)
}

func TestScanKeepsExplicitName(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "storyboard.json"),
		`{"name": "Pilot Episode", "segments": [{"segment_index": 1, "prompt_text": "x"}]}`)

	found, err := Scan(root, nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Pilot Episode", found[0].Storyboard.Name)
}
