/*
Copyright 2025 The Aibrix Team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolscaler_cycles_total",
			Help: "Number of scaling cycles by result",
		},
		[]string{"result"},
	)
	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poolscaler_cycle_duration_seconds",
			Help:    "Duration of a full scaling cycle",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
	eligiblePools = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolscaler_eligible_pools",
			Help: "Pools eligible for evaluation in the last cycle",
		},
	)
	scaleDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolscaler_decisions_total",
			Help: "Scaling decisions by pool and direction",
		},
		[]string{"pool", "decision"},
	)
	targetCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poolscaler_target_capacity",
			Help: "Records the last submitted target capacity per pool",
		},
		[]string{"pool"},
	)
	mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolscaler_mutations_total",
			Help: "Capacity mutations by outcome (accepted, conflict, failed, dry_run)",
		},
		[]string{"outcome"},
	)
	stuckOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolscaler_stuck_operations_total",
			Help: "In-progress mutations observed beyond the expected duration",
		},
		[]string{"pool"},
	)
	recordedErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poolscaler_errors_total",
			Help: "Non-fatal errors recorded through the error sink",
		},
	)
)

// Registry holds every poolscaler metric.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(cyclesTotal, cycleDuration, eligiblePools, scaleDecisions,
		targetCapacity, mutations, stuckOperations, recordedErrors)
}

// Mutation outcomes recorded by RecordMutation.
const (
	OutcomeAccepted = "accepted"
	OutcomeConflict = "conflict"
	OutcomeFailed   = "failed"
	OutcomeDryRun   = "dry_run"
)

// Monitor records scaler activity as Prometheus metrics.
type Monitor struct{}

// New returns a Monitor backed by the package Registry.
func New() *Monitor {
	return &Monitor{}
}

// RecordCycle records the result and duration of one cycle.
func (m *Monitor) RecordCycle(result string, d time.Duration) {
	cyclesTotal.WithLabelValues(result).Inc()
	cycleDuration.Observe(d.Seconds())
}

// SetEligiblePools records the size of the eligible set.
func (m *Monitor) SetEligiblePools(n int) {
	eligiblePools.Set(float64(n))
}

// RecordDecision counts a scaling decision.
func (m *Monitor) RecordDecision(pool, decision string) {
	scaleDecisions.WithLabelValues(pool, decision).Inc()
}

// RecordMutation counts a mutation outcome and, when accepted, the submitted target.
func (m *Monitor) RecordMutation(pool, outcome string, target float64) {
	mutations.WithLabelValues(outcome).Inc()
	if outcome == OutcomeAccepted {
		targetCapacity.WithLabelValues(pool).Set(target)
	}
}

// RecordStuckOperation counts an in-progress mutation that exceeded its expected duration.
func (m *Monitor) RecordStuckOperation(pool string) {
	stuckOperations.WithLabelValues(pool).Inc()
}
