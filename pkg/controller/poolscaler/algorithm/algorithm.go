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

// Package algorithm provides the scaling decision engine.
// Algorithms are pure: they perform no I/O and hold no per-call state, so a
// single instance can be shared across goroutines.
package algorithm

import (
	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/types"
)

// Status tags the outcome of a recommendation.
type Status int

const (
	// StatusOK means the target was computed from the ladder.
	StatusOK Status = iota
	// StatusAnomalousCapacity means the current capacity is not a ladder member,
	// so no step could be taken and the target equals the current capacity.
	StatusAnomalousCapacity
)

func (s Status) String() string {
	if s == StatusAnomalousCapacity {
		return "anomalous-capacity"
	}
	return "ok"
}

// ScalingAlgorithm computes the target capacity of a pool.
type ScalingAlgorithm interface {
	// ComputeRecommendation never fails; anomalies are reported through Status.
	ComputeRecommendation(request ScalingRequest) ScalingRecommendation

	// GetAlgorithmType returns the algorithm name used in logs and metrics.
	GetAlgorithmType() string
}

// ScalingRequest contains all data needed for a scaling decision
type ScalingRequest struct {
	Snapshot types.UsageSnapshot
	// Floor is the resolved floor: the pool override if present, else the global floor.
	Floor   float64
	Ceiling float64
}

// ScalingRecommendation contains the scaling decision
type ScalingRecommendation struct {
	Decision types.ScalingDecision
	Status   Status
	Settings types.TargetSettings
	Reason   string
}

// RequiresMutation reports whether the recommended capacity differs from current.
func (r ScalingRecommendation) RequiresMutation(current float64) bool {
	return r.Settings.Capacity != current
}

// ResolveFloor returns the pool's floor override when present, else the global floor.
func ResolveFloor(pool types.PoolConfig, globalFloor float64) float64 {
	if pool.Floor != nil {
		return *pool.Floor
	}
	return globalFloor
}
