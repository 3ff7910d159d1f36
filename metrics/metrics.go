// Copyright 2026 The Postkit Authors
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

// Package metrics exposes Prometheus collectors for engine operations. The
// engine records through the authz.MetricsRecorder interface, so hosts that
// do not run a registry simply leave the option unset.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder implements authz.MetricsRecorder backed by Prometheus counters.
type Recorder struct {
	checks    *prometheus.CounterVec
	mutations *prometheus.CounterVec
	cleanups  prometheus.Counter
}

// NewRecorder creates the collectors and registers them with the registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postkit",
			Subsystem: "authz",
			Name:      "checks_total",
			Help:      "Permission checks evaluated, by decision.",
		}, []string{"allowed"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postkit",
			Subsystem: "authz",
			Name:      "mutations_total",
			Help:      "Tuple and hierarchy mutations, by audit event type.",
		}, []string{"event_type"}),
		cleanups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "postkit",
			Subsystem: "authz",
			Name:      "expired_tuples_removed_total",
			Help:      "Expired tuples removed by cleanup runs.",
		}),
	}
	reg.MustRegister(r.checks, r.mutations, r.cleanups)
	return r
}

// RecordCheck counts one permission check by decision.
func (r *Recorder) RecordCheck(allowed bool) {
	r.checks.WithLabelValues(strconv.FormatBool(allowed)).Inc()
}

// RecordMutation counts one mutation by audit event type.
func (r *Recorder) RecordMutation(eventType string) {
	r.mutations.WithLabelValues(eventType).Inc()
}

// RecordCleanup counts tuples removed by a cleanup run.
func (r *Recorder) RecordCleanup(removed int) {
	r.cleanups.Add(float64(removed))
}
