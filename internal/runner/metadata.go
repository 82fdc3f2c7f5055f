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
	"encoding/json"
	"os"
	"path/filepath"
)

// metadataFields are the local overlays written next to the provider's
// raw status payload in a task's .json sidecar.
type metadataFields struct {
	LocalStatus    string
	ErrorMsg       string
	ErrorCode      string
	Retryable      *bool
	DownloadStatus string
}

// writeTaskMetadata persists the metadata sidecar for a terminal task.
// The provider's raw payload comes first, then local fields overwrite
// any colliding keys. error_code and retryable appear only once
// classification has run.
func writeTaskMetadata(path string, raw map[string]any, job taskJob, fullPrompt string, fields metadataFields) error {
	doc := make(map[string]any, len(raw)+10)
	for k, v := range raw {
		doc[k] = v
	}
	doc["full_prompt"] = fullPrompt
	doc["local_task_id"] = job.Task.ID
	doc["source_file"] = job.SourceFile
	doc["segment_index"] = job.Task.SegmentIndex
	doc["version_index"] = job.Task.VersionIndex
	doc["local_status"] = fields.LocalStatus
	doc["error_msg"] = fields.ErrorMsg
	if fields.ErrorCode != "" {
		doc["error_code"] = fields.ErrorCode
	}
	if fields.Retryable != nil {
		doc["retryable"] = *fields.Retryable
	}
	if fields.DownloadStatus != "" {
		doc["download_status"] = fields.DownloadStatus
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
