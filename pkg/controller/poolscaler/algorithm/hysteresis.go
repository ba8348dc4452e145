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

package algorithm

import (
	"fmt"

	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/ladder"
	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/types"
)

// HysteresisAlgorithm steps a pool one ladder level at a time when both the
// short and long window averages agree.
//
// Scale up happens when any channel is at or above its High threshold in both
// windows. Scale down happens only when every channel is at or below its Low
// threshold in both windows, so a single hot channel blocks a downscale.
type HysteresisAlgorithm struct {
	ladder     *ladder.Ladder
	thresholds types.Thresholds
}

var _ ScalingAlgorithm = (*HysteresisAlgorithm)(nil)

// NewHysteresisAlgorithm creates the dual-window stepping algorithm.
func NewHysteresisAlgorithm(l *ladder.Ladder, thresholds types.Thresholds) *HysteresisAlgorithm {
	return &HysteresisAlgorithm{
		ladder:     l,
		thresholds: thresholds,
	}
}

// GetAlgorithmType returns the algorithm type
func (a *HysteresisAlgorithm) GetAlgorithmType() string {
	return "hysteresis"
}

// ComputeRecommendation classifies the snapshot and translates the intent into a ladder target.
func (a *HysteresisAlgorithm) ComputeRecommendation(request ScalingRequest) ScalingRecommendation {
	decision := Classify(request.Snapshot, a.thresholds)
	current := request.Snapshot.CurrentCapacity

	target, reason, ok := a.step(decision, current, request.Floor, request.Ceiling)
	if !ok {
		return ScalingRecommendation{
			Decision: decision,
			Status:   StatusAnomalousCapacity,
			Settings: types.TargetSettings{Capacity: current, PerUnitMin: types.PerUnitMinCapacity},
			Reason:   fmt.Sprintf("current capacity %v is not a ladder level", current),
		}
	}

	perUnitMax, _ := a.ladder.PerUnitMaxAt(target)
	return ScalingRecommendation{
		Decision: decision,
		Status:   StatusOK,
		Settings: types.TargetSettings{
			Capacity:   target,
			PerUnitMax: perUnitMax,
			PerUnitMin: types.PerUnitMinCapacity,
		},
		Reason: reason,
	}
}

// step returns false when current is not a ladder level and no floor or ceiling
// clamp applies. Clamping never needs the position of current.
func (a *HysteresisAlgorithm) step(decision types.ScalingDecision, current, floor, ceiling float64) (float64, string, bool) {
	switch decision {
	case types.Up:
		if current < floor {
			return floor, "below floor, rising to floor", true
		}
		if current >= ceiling {
			return ceiling, "at or above ceiling", true
		}
		i, ok := a.ladder.IndexOf(current)
		if !ok {
			return current, "", false
		}
		return a.ladder.NextHigher(i), "stepping up one level", true
	case types.Down:
		if current > ceiling {
			return ceiling, "above ceiling, pulling back to ceiling", true
		}
		if current <= floor {
			return floor, "at or below floor", true
		}
		i, ok := a.ladder.IndexOf(current)
		if !ok {
			return current, "", false
		}
		return a.ladder.NextLower(i), "stepping down one level", true
	default:
		if !a.ladder.Contains(current) {
			return current, "", false
		}
		return current, "holding", true
	}
}

// Classify applies the dual-window hysteresis rule. Up wins over Down.
func Classify(snapshot types.UsageSnapshot, thresholds types.Thresholds) types.ScalingDecision {
	if scaleUp(snapshot, thresholds) {
		return types.Up
	}
	if scaleDown(snapshot, thresholds) {
		return types.Down
	}
	return types.Hold
}

func scaleUp(snapshot types.UsageSnapshot, thresholds types.Thresholds) bool {
	for _, ch := range types.Channels {
		th, ok := thresholds[ch]
		if !ok {
			continue
		}
		avg := snapshot.Averages(ch)
		if avg.Short >= th.High && avg.Long >= th.High {
			return true
		}
	}
	return false
}

func scaleDown(snapshot types.UsageSnapshot, thresholds types.Thresholds) bool {
	for _, ch := range types.Channels {
		th, ok := thresholds[ch]
		if !ok {
			return false
		}
		avg := snapshot.Averages(ch)
		if avg.Short > th.Low || avg.Long > th.Low {
			return false
		}
	}
	return true
}
