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

package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/tombee/cineflow/pkg/errors"
)

// downloadFile streams url to destPath via a .tmp sibling, verifying
// the byte count against Content-Length when the server provides one.
// The rename is the commit point; the tmp file is removed on any
// failure.
func downloadFile(ctx context.Context, client *http.Client, providerID, url, destPath string, header http.Header) error {
	if url == "" {
		return &errors.ProviderError{Provider: providerID, Message: "download url is empty"}
	}

	tmpPath := destPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return errors.Wrap(err, "creating output directory")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "building download request")
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return &errors.ProviderError{Provider: providerID, Message: "download request failed: " + err.Error(), Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &errors.ProviderError{
			Provider:   providerID,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("download returned HTTP %d", resp.StatusCode),
		}
	}

	written, err := writeStream(tmpPath, resp.Body)
	if err != nil {
		os.Remove(tmpPath)
		return &errors.ProviderError{Provider: providerID, Message: "writing video stream: " + err.Error(), Cause: err}
	}

	if resp.ContentLength > 0 && written != resp.ContentLength {
		os.Remove(tmpPath)
		return &errors.ProviderError{
			Provider: providerID,
			Message:  fmt.Sprintf("download incomplete: %d/%d bytes", written, resp.ContentLength),
		}
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "committing download")
	}
	return nil
}

func writeStream(path string, r io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return written, err
}
