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

package store

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tombee/cineflow/pkg/errors"
)

// Seeds is the provider/model catalogue applied to a store, either the
// built-in defaults or the contents of a YAML seed file.
type Seeds struct {
	Providers []Provider `yaml:"providers"`
	Models    []Model    `yaml:"models"`
}

// DefaultSeeds returns the built-in provider and model catalogue.
// Only sora_hk starts enabled; the others are switched on through the
// admin surface or a seed file once credentials exist.
func DefaultSeeds() Seeds {
	return Seeds{
		Providers: []Provider{
			{
				ID:                   "sora_hk",
				DisplayName:          "Sora.hk",
				Enabled:              true,
				Priority:             10,
				Weight:               1,
				SupportsImageToVideo: true,
				SupportedDurations:   []int{10, 15, 25},
				SupportedResolutions: []string{"horizontal", "vertical"},
				SupportsPro:          true,
			},
			{
				ID:                   "openai",
				DisplayName:          "OpenAI",
				Enabled:              false,
				Priority:             20,
				Weight:               1,
				SupportsImageToVideo: true,
				SupportedDurations:   []int{4, 8, 12},
				SupportedResolutions: []string{"horizontal", "vertical"},
				SupportsPro:          true,
			},
			{
				ID:                   "aihubmix",
				DisplayName:          "AI Hub Mix",
				Enabled:              false,
				Priority:             30,
				Weight:               1,
				SupportsImageToVideo: true,
				SupportedDurations:   []int{4, 8, 12},
				SupportedResolutions: []string{"horizontal", "vertical"},
				SupportsPro:          true,
			},
		},
		Models: []Model{
			{
				ID:          "sora2",
				DisplayName: "Sora2",
				Description: "Logical model for standard generation",
				Enabled:     true,
				ProviderMap: []ProviderModels{
					{ProviderID: "sora_hk", ModelIDs: []string{"sora2"}},
					{ProviderID: "openai", ModelIDs: []string{"sora-2", "sora-2-2025-12-08", "sora-2-2025-10-06"}},
					{ProviderID: "aihubmix", ModelIDs: []string{"sora-2", "web-sora-2"}},
				},
			},
			{
				ID:          "sora2pro",
				DisplayName: "Sora2 Pro",
				Description: "Logical model for pro generation",
				Enabled:     true,
				ProviderMap: []ProviderModels{
					{ProviderID: "sora_hk", ModelIDs: []string{"sora2-pro"}},
					{ProviderID: "openai", ModelIDs: []string{"sora-2-pro", "sora-2-pro-2025-10-06"}},
					{ProviderID: "aihubmix", ModelIDs: []string{"sora-2-pro", "web-sora-2-pro"}},
				},
			},
		},
	}
}

// LoadSeedFile reads and validates a YAML seed file.
func LoadSeedFile(path string) (Seeds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seeds{}, &errors.ConfigError{Key: "seed_file", Reason: "unreadable", Cause: err}
	}

	var seeds Seeds
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return Seeds{}, &errors.ConfigError{Key: "seed_file", Reason: "invalid YAML", Cause: err}
	}
	if err := seeds.Validate(); err != nil {
		return Seeds{}, err
	}
	return seeds, nil
}

// Validate checks seed integrity: unique non-empty ids and model maps
// that only reference seeded providers.
func (s *Seeds) Validate() error {
	if len(s.Providers) == 0 {
		return &errors.ConfigError{Key: "seed_file", Reason: "no providers defined"}
	}

	providerIDs := make(map[string]bool, len(s.Providers))
	for _, p := range s.Providers {
		if p.ID == "" {
			return &errors.ConfigError{Key: "seed_file", Reason: "provider with empty id"}
		}
		if providerIDs[p.ID] {
			return &errors.ConfigError{Key: "seed_file", Reason: "duplicate provider id " + p.ID}
		}
		providerIDs[p.ID] = true
	}

	modelIDs := make(map[string]bool, len(s.Models))
	for _, m := range s.Models {
		if m.ID == "" {
			return &errors.ConfigError{Key: "seed_file", Reason: "model with empty id"}
		}
		if modelIDs[m.ID] {
			return &errors.ConfigError{Key: "seed_file", Reason: "duplicate model id " + m.ID}
		}
		modelIDs[m.ID] = true
		for _, pm := range m.ProviderMap {
			if !providerIDs[pm.ProviderID] {
				return &errors.ConfigError{
					Key:    "seed_file",
					Reason: "model " + m.ID + " maps unknown provider " + pm.ProviderID,
				}
			}
		}
	}
	return nil
}
