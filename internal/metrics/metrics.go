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

// Package metrics exposes Prometheus collectors for run/task outcomes,
// governor state, and provider submissions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the orchestrator reports to.
type Metrics struct {
	RunsTotal           *prometheus.CounterVec
	TasksTotal          *prometheus.CounterVec
	ProviderSubmissions *prometheus.CounterVec
	GovernorCeiling     prometheus.Gauge
	GovernorActive      prometheus.Gauge
	GovernorSafeMode    prometheus.Gauge
	TaskDuration        *prometheus.HistogramVec
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cineflow",
			Name:      "runs_total",
			Help:      "Finished runs by terminal status.",
		}, []string{"status"}),
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cineflow",
			Name:      "tasks_total",
			Help:      "Finished tasks by terminal status.",
		}, []string{"status"}),
		ProviderSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cineflow",
			Name:      "provider_submissions_total",
			Help:      "Generation submissions by provider and outcome.",
		}, []string{"provider", "outcome"}),
		GovernorCeiling: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cineflow",
			Name:      "governor_ceiling",
			Help:      "Current concurrency permit ceiling.",
		}),
		GovernorActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cineflow",
			Name:      "governor_active_permits",
			Help:      "Permits currently held by workers.",
		}),
		GovernorSafeMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cineflow",
			Name:      "governor_safe_mode",
			Help:      "1 while the governor is in safe mode.",
		}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cineflow",
			Name:      "task_duration_seconds",
			Help:      "Wall time from task start to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(15, 2, 9),
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.TasksTotal,
		m.ProviderSubmissions,
		m.GovernorCeiling,
		m.GovernorActive,
		m.GovernorSafeMode,
		m.TaskDuration,
	)
	return m
}

// ObserveGovernor publishes a governor snapshot.
func (m *Metrics) ObserveGovernor(active, ceiling int, safeMode bool) {
	m.GovernorActive.Set(float64(active))
	m.GovernorCeiling.Set(float64(ceiling))
	if safeMode {
		m.GovernorSafeMode.Set(1)
	} else {
		m.GovernorSafeMode.Set(0)
	}
}
