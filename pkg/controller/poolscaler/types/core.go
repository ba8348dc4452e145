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

// Package types holds the data model shared by the pool scaler components.
package types

import (
	"fmt"
	"strings"
	"time"
)

// PerUnitMinCapacity is the per-unit minimum applied to every target.
// TODO(poolscaler): expose as a configuration point once a fleet needs a non-zero minimum.
const PerUnitMinCapacity = 0.0

// Channel identifies one of the four independent utilization channels.
type Channel string

const (
	ChannelPrimary   Channel = "primary"
	ChannelSecondary Channel = "secondary"
	ChannelTertiary  Channel = "tertiary"
	ChannelIO        Channel = "io"
)

// Channels lists every utilization channel in evaluation order.
var Channels = []Channel{ChannelPrimary, ChannelSecondary, ChannelTertiary, ChannelIO}

// PoolKey returns the case-insensitive identity of a pool name.
func PoolKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// PoolConfig describes a configured pool.
type PoolConfig struct {
	Name string
	// Floor overrides the global floor for this pool when set.
	Floor *float64
}

// Key returns the case-insensitive identity of the pool.
func (p PoolConfig) Key() string {
	return PoolKey(p.Name)
}

// WindowAverages holds the short and long window averages of one channel, in percent.
type WindowAverages struct {
	Short float64
	Long  float64
}

// UsageSnapshot is the utilization of one pool sampled for a single cycle.
type UsageSnapshot struct {
	Pool            string
	CurrentCapacity float64
	Channels        map[Channel]WindowAverages
}

// Averages returns the window averages for a channel. Missing channels read as zero.
func (s UsageSnapshot) Averages(ch Channel) WindowAverages {
	return s.Channels[ch]
}

// ChannelThreshold holds the Low/High thresholds of one channel.
type ChannelThreshold struct {
	Low  float64
	High float64
}

// Thresholds maps every channel to its thresholds.
type Thresholds map[Channel]ChannelThreshold

// ScalingDecision is the intent computed from a usage snapshot.
type ScalingDecision int

const (
	Hold ScalingDecision = iota
	Up
	Down
)

func (d ScalingDecision) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "hold"
	}
}

// TargetSettings is the capacity a pool should move to.
type TargetSettings struct {
	Capacity   float64
	PerUnitMax float64
	PerUnitMin float64
}

// TransitionState is the lifecycle state of an externally applied mutation.
type TransitionState string

const (
	StatePending          TransitionState = "Pending"
	StateInProgress       TransitionState = "InProgress"
	StateCancelInProgress TransitionState = "CancelInProgress"
	StateCompleted        TransitionState = "Completed"
	StateFailed           TransitionState = "Failed"
	StateCancelled        TransitionState = "Cancelled"
)

// InFlight reports whether the mutation is still being applied.
func (s TransitionState) InFlight() bool {
	switch s {
	case StatePending, StateInProgress, StateCancelInProgress:
		return true
	default:
		return false
	}
}

// ParseTransitionState maps a state name, in any case, to a TransitionState.
func ParseTransitionState(s string) (TransitionState, error) {
	for _, state := range []TransitionState{StatePending, StateInProgress, StateCancelInProgress,
		StateCompleted, StateFailed, StateCancelled} {
		if strings.EqualFold(string(state), s) {
			return state, nil
		}
	}
	return "", fmt.Errorf("unknown transition state %q", s)
}

// TransitionFact is an observed mutation of a pool.
type TransitionFact struct {
	Pool    string
	State   TransitionState
	Elapsed time.Duration
}

// CooldownFact records how long ago a pool's last completed mutation finished.
type CooldownFact struct {
	Pool       string
	SecondsAgo float64
}

// MutationResult is the accepted outcome of a mutation submission.
type MutationResult int

const (
	// MutationAccepted means the control plane accepted the request for asynchronous execution.
	MutationAccepted MutationResult = iota
	// MutationConflict means the pool is mid-change for an unrelated reason; retry next cycle.
	MutationConflict
)

func (r MutationResult) String() string {
	if r == MutationConflict {
		return "conflict"
	}
	return "accepted"
}

// AuditRecord is written for every submitted or deferred mutation.
type AuditRecord struct {
	Pool          string
	PriorCapacity float64
	Target        TargetSettings
	Snapshot      UsageSnapshot
	Note          string
	Timestamp     time.Time
}

// AuditNoteDeferred marks a mutation that was refused with a conflict.
const AuditNoteDeferred = "deferred"
