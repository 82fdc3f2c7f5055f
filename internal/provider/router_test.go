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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cineflow/internal/store"
	"github.com/tombee/cineflow/pkg/errors"
)

func catalogueStore(t *testing.T) *store.Store {
	t.Helper()
	s := store.New()
	s.ApplySeeds(store.Seeds{
		Providers: []store.Provider{
			{
				ID: "p2", DisplayName: "P2", Enabled: true, Priority: 20, Weight: 1,
				SupportsImageToVideo: true, SupportsPro: true,
				SupportedDurations:   []int{10, 15},
				SupportedResolutions: []string{"horizontal", "vertical"},
			},
			{
				ID: "p1", DisplayName: "P1", Enabled: true, Priority: 10, Weight: 3,
				SupportsImageToVideo: false, SupportsPro: false,
				SupportedDurations:   []int{10},
				SupportedResolutions: []string{"horizontal"},
			},
			{
				ID: "p3", DisplayName: "P3", Enabled: false, Priority: 5, Weight: 1,
				SupportedDurations:   []int{10, 15},
				SupportedResolutions: []string{"horizontal"},
			},
		},
		Models: []store.Model{
			{
				ID: "m1", DisplayName: "M1", Enabled: true,
				ProviderMap: []store.ProviderModels{
					{ProviderID: "p1", ModelIDs: []string{"pm1", "pm1-alt"}},
					{ProviderID: "p2", ModelIDs: []string{"pm2"}},
					{ProviderID: "p3", ModelIDs: []string{"pm3"}},
				},
			},
			{
				ID: "m2", DisplayName: "M2", Enabled: true,
				ProviderMap: []store.ProviderModels{
					{ProviderID: "p1", ModelIDs: nil},
				},
			},
		},
	})
	return s
}

func TestCandidatesPrioritySorted(t *testing.T) {
	r := NewRouter(catalogueStore(t))

	got, err := r.Candidates("m1", StrategyDefault, Constraints{
		RequiredDurations:   []int{10},
		RequiredResolutions: []string{"horizontal"},
	})
	require.NoError(t, err)

	// p3 is disabled; p1 (priority 10) sorts before p2 (priority 20).
	require.Len(t, got, 2)
	assert.Equal(t, Candidate{ProviderID: "p1", ProviderModelID: "pm1"}, got[0])
	assert.Equal(t, Candidate{ProviderID: "p2", ProviderModelID: "pm2"}, got[1])
}

func TestCandidatesCapabilityFilters(t *testing.T) {
	r := NewRouter(catalogueStore(t))

	tests := []struct {
		name string
		c    Constraints
		want []string
	}{
		{"pro filters p1", Constraints{RequiresPro: true, RequiredDurations: []int{10}}, []string{"p2"}},
		{"image filters p1", Constraints{RequiresImage: true, RequiredDurations: []int{10}}, []string{"p2"}},
		{"duration filters p1", Constraints{RequiredDurations: []int{15}}, []string{"p2"}},
		{"resolution filters p1", Constraints{RequiredResolutions: []string{"vertical"}}, []string{"p2"}},
		{"no constraints keeps both", Constraints{}, []string{"p1", "p2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Candidates("m1", StrategyFailover, tt.c)
			require.NoError(t, err)
			ids := make([]string, len(got))
			for i, cand := range got {
				ids[i] = cand.ProviderID
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestCandidatesUnknownModel(t *testing.T) {
	r := NewRouter(catalogueStore(t))
	_, err := r.Candidates("ghost", StrategyDefault, Constraints{})
	assert.True(t, errors.IsValidation(err))
}

func TestCandidatesEmptyModelList(t *testing.T) {
	r := NewRouter(catalogueStore(t))
	_, err := r.Candidates("m2", StrategyDefault, Constraints{})
	assert.True(t, errors.IsNotFound(err))
}

func TestCandidatesNoneEligible(t *testing.T) {
	r := NewRouter(catalogueStore(t))
	_, err := r.Candidates("m1", StrategyDefault, Constraints{RequiredDurations: []int{25}})
	assert.True(t, errors.IsNotFound(err))
}

func TestWeightedReturnsSingleCandidate(t *testing.T) {
	r := NewRouter(catalogueStore(t))
	// Pool is p1 x3 (weight 3) then p2 x1; pin the draw to the last slot.
	r.pick = func(n int) int { return n - 1 }

	got, err := r.Candidates("m1", StrategyWeighted, Constraints{RequiredDurations: []int{10}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p2", got[0].ProviderID)

	r.pick = func(int) int { return 0 }
	got, err = r.Candidates("m1", StrategyWeighted, Constraints{RequiredDurations: []int{10}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ProviderID)
}

func TestFirstCandidateSatisfiesConstraints(t *testing.T) {
	r := NewRouter(catalogueStore(t))
	s := catalogueStore(t)

	got, err := r.Candidates("m1", StrategyDefault, Constraints{
		RequiredDurations:   []int{10},
		RequiredResolutions: []string{"horizontal"},
		RequiresPro:         false,
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)

	head, ok := s.GetProvider(got[0].ProviderID)
	require.True(t, ok)
	assert.True(t, head.Enabled)
	assert.NotEmpty(t, got[0].ProviderModelID)
	assert.Contains(t, head.SupportedDurations, 10)
	assert.Contains(t, head.SupportedResolutions, "horizontal")
}
