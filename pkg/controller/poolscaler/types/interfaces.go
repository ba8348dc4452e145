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

package types

import "context"

// MetricsProvider samples pool utilization.
// Pools without data are omitted from the returned map; that is not an error.
type MetricsProvider interface {
	Sample(ctx context.Context, pools []string) (map[string]UsageSnapshot, error)
}

// TransitionProvider lists mutations that are still being applied.
type TransitionProvider interface {
	ListInTransition(ctx context.Context, pools []string) ([]TransitionFact, error)
}

// CooldownProvider reports, per pool, the seconds elapsed since the last completed mutation.
// Pools with no completed mutation on record are omitted.
type CooldownProvider interface {
	LastCompletedAgo(ctx context.Context, pools []string) (map[string]float64, error)
}

// ResourceControl submits capacity changes to the control plane.
type ResourceControl interface {
	// Mutate submits a change without waiting for it to be applied.
	// A conflict is reported as MutationConflict with a nil error.
	Mutate(ctx context.Context, pool string, settings TargetSettings) (MutationResult, error)
	// ProbePermissions verifies the caller may read and mutate every pool.
	ProbePermissions(ctx context.Context, pools []string) error
}

// MonitoringSink persists audit records.
type MonitoringSink interface {
	Append(ctx context.Context, record AuditRecord) error
}

// ErrorSink records failures that must not abort the cycle.
type ErrorSink interface {
	Record(message string)
	RecordError(err error, message string)
}
