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
	"math/rand"
	"sort"

	"github.com/tombee/cineflow/internal/store"
	"github.com/tombee/cineflow/pkg/errors"
)

// Routing strategies. Strategies beyond the first three degrade to
// default ordering.
const (
	StrategyDefault  = "default"
	StrategyFailover = "failover"
	StrategyWeighted = "weighted"
)

// Constraints narrow the candidate set to providers able to serve a
// specific segment.
type Constraints struct {
	RequiredDurations   []int
	RequiredResolutions []string
	RequiresPro         bool
	RequiresImage       bool
}

// Candidate is one eligible (provider, provider-model) pair.
type Candidate struct {
	ProviderID      string
	ProviderModelID string
}

// Router selects providers for a model from the store catalogue.
type Router struct {
	store *store.Store
	// pick is swapped in tests to pin the weighted draw.
	pick func(n int) int
}

// NewRouter creates a router over the catalogue.
func NewRouter(s *store.Store) *Router {
	return &Router{store: s, pick: rand.Intn}
}

// Candidates returns the ordered candidate list for a model under the
// given strategy. For weighted routing a single candidate is drawn by
// weight and returned alone; otherwise the full priority-sorted list is
// returned. An empty result is a no_provider condition reported as an
// error.
func (r *Router) Candidates(modelID, strategy string, c Constraints) ([]Candidate, error) {
	eligible, err := r.collect(modelID, c)
	if err != nil {
		return nil, err
	}

	if strategy == StrategyWeighted {
		winner := r.pickWeighted(eligible)
		return []Candidate{{
			ProviderID:      winner.provider.ID,
			ProviderModelID: winner.modelIDs[0],
		}}, nil
	}

	out := make([]Candidate, len(eligible))
	for i, e := range eligible {
		out[i] = Candidate{ProviderID: e.provider.ID, ProviderModelID: e.modelIDs[0]}
	}
	return out, nil
}

type eligibleProvider struct {
	provider store.Provider
	modelIDs []string
}

// collect filters the model's provider map and sorts survivors by
// priority, ties kept in provider-map order.
func (r *Router) collect(modelID string, c Constraints) ([]eligibleProvider, error) {
	model, ok := r.store.GetModel(modelID)
	if !ok {
		return nil, &errors.ValidationError{Field: "model_id", Message: "unknown model " + modelID}
	}

	var eligible []eligibleProvider
	for _, pm := range model.ProviderMap {
		provider, ok := r.store.GetProvider(pm.ProviderID)
		if !ok || !provider.Enabled {
			continue
		}
		if len(pm.ModelIDs) == 0 {
			continue
		}
		if c.RequiresPro && !provider.SupportsPro {
			continue
		}
		if c.RequiresImage && !provider.SupportsImageToVideo {
			continue
		}
		if !subsetInt(c.RequiredDurations, provider.SupportedDurations) {
			continue
		}
		if !subsetString(c.RequiredResolutions, provider.SupportedResolutions) {
			continue
		}
		eligible = append(eligible, eligibleProvider{
			provider: provider,
			modelIDs: pm.ModelIDs,
		})
	}

	if len(eligible) == 0 {
		return nil, &errors.NotFoundError{Resource: "provider", ID: "no enabled provider for model " + modelID}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].provider.Priority < eligible[j].provider.Priority
	})
	return eligible, nil
}

// pickWeighted draws one provider with each candidate replicated
// max(weight, 1) times.
func (r *Router) pickWeighted(eligible []eligibleProvider) eligibleProvider {
	var pool []eligibleProvider
	for _, e := range eligible {
		weight := e.provider.Weight
		if weight < 1 {
			weight = 1
		}
		for i := 0; i < weight; i++ {
			pool = append(pool, e)
		}
	}
	return pool[r.pick(len(pool))]
}

func subsetInt(required, supported []int) bool {
	set := make(map[int]bool, len(supported))
	for _, v := range supported {
		set[v] = true
	}
	for _, v := range required {
		if !set[v] {
			return false
		}
	}
	return true
}

func subsetString(required, supported []string) bool {
	set := make(map[string]bool, len(supported))
	for _, v := range supported {
		set[v] = true
	}
	for _, v := range required {
		if !set[v] {
			return false
		}
	}
	return true
}
