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
	"net/http"

	"github.com/tombee/cineflow/internal/config"
	"github.com/tombee/cineflow/pkg/errors"
	"github.com/tombee/cineflow/pkg/httpclient"
)

// Default endpoints used when no base URL is configured.
const (
	defaultOpenAIBaseURL   = "https://api.openai.com/v1"
	defaultAIHubMixBaseURL = "https://aihubmix.com/v1"
)

// Registry builds vendor clients from the process settings. One API
// client and one streaming downloader are shared across all providers;
// both are safe for concurrent use.
type Registry struct {
	settings   *config.Settings
	uploadRoot string
	client     *http.Client
	downloader *http.Client
}

// NewRegistry constructs the shared HTTP clients and the factory.
func NewRegistry(settings *config.Settings, uploadRoot string) (*Registry, error) {
	apiCfg := httpclient.DefaultConfig()
	apiCfg.Timeout = settings.APIRequestTimeout
	apiCfg.UserAgent = "cineflow/1.0"
	apiCfg.HTTPProxy = settings.HTTPProxy
	apiCfg.HTTPSProxy = settings.HTTPSProxy
	apiCfg.MaxConnsPerHost = settings.MaxConcurrentTasks

	apiClient, err := httpclient.New(apiCfg)
	if err != nil {
		return nil, err
	}

	dlCfg := apiCfg
	dlCfg.Timeout = settings.DownloadTimeout
	downloader, err := httpclient.NewStreaming(dlCfg)
	if err != nil {
		return nil, err
	}

	return &Registry{
		settings:   settings,
		uploadRoot: uploadRoot,
		client:     apiClient,
		downloader: downloader,
	}, nil
}

// Client returns a vendor client for a provider id, configured with the
// provider-specific model identifier chosen by the router.
func (r *Registry) Client(providerID, providerModelID string) (Client, error) {
	switch providerID {
	case "sora_hk":
		return NewSoraHK(
			r.settings.BaseURL("sora_hk"),
			r.settings.APIKey("sora_hk"),
			r.client,
			r.downloader,
		), nil

	case "openai":
		return NewVideosAPI(VideosAPIConfig{
			ProviderID:      "openai",
			BaseURL:         baseURLOrDefault(r.settings.BaseURL("openai"), defaultOpenAIBaseURL),
			APIKey:          r.settings.APIKey("openai"),
			ProviderModelID: providerModelID,
			UploadRoot:      r.uploadRoot,
			Client:          r.client,
			Downloader:      r.downloader,
		}), nil

	case "aihubmix":
		return NewVideosAPI(VideosAPIConfig{
			ProviderID:      "aihubmix",
			BaseURL:         baseURLOrDefault(r.settings.BaseURL("aihubmix"), defaultAIHubMixBaseURL),
			APIKey:          r.settings.APIKey("aihubmix"),
			ProviderModelID: providerModelID,
			UploadRoot:      r.uploadRoot,
			Client:          r.client,
			Downloader:      r.downloader,
		}), nil
	}
	return nil, &errors.NotFoundError{Resource: "provider", ID: providerID}
}

func baseURLOrDefault(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}
