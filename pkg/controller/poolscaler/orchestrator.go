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

// Package poolscaler runs the capacity control loop: it gates pools on
// in-flight and recent mutations, samples their utilization, decides a
// target capacity and submits the change.
package poolscaler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/algorithm"
	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/monitor"
	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/retry"
	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/types"
)

var (
	// ErrCycleInProgress is returned when a cycle is started while another is still running.
	ErrCycleInProgress = errors.New("a scaling cycle is already in progress")
	// ErrPermissionProbe is returned when the control plane rejects the permission probe.
	ErrPermissionProbe = errors.New("permission probe failed")
	// ErrNoSamples is returned when the metrics provider returns no result for the batch.
	ErrNoSamples = errors.New("metrics provider returned no samples")
)

const defaultParallelism = 8

// EligibilityFilter selects the pools that may be evaluated this cycle.
type EligibilityFilter interface {
	PoolsToConsider(ctx context.Context, pools []types.PoolConfig) ([]types.PoolConfig, error)
}

// Config is the cycle-level configuration of the Orchestrator.
type Config struct {
	Pools   []types.PoolConfig
	Floor   float64
	Ceiling float64
	DryRun  bool
	// Parallelism bounds concurrent per-pool evaluations.
	Parallelism int
}

// Orchestrator composes one scaling cycle out of its collaborators.
type Orchestrator struct {
	config    Config
	algorithm algorithm.ScalingAlgorithm
	filter    EligibilityFilter
	metrics   types.MetricsProvider
	control   types.ResourceControl
	sink      types.MonitoringSink
	errSink   types.ErrorSink
	retrier   *retry.Retrier
	monitor   *monitor.Monitor
	clock     clock.PassiveClock

	running sync.Mutex
}

// Dependencies groups the collaborators of an Orchestrator.
type Dependencies struct {
	Algorithm algorithm.ScalingAlgorithm
	Filter    EligibilityFilter
	Metrics   types.MetricsProvider
	Control   types.ResourceControl
	// Sink may be nil, in which case audit records are dropped.
	Sink    types.MonitoringSink
	ErrSink types.ErrorSink
	Retrier *retry.Retrier
	Monitor *monitor.Monitor
	Clock   clock.PassiveClock
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(config Config, deps Dependencies) *Orchestrator {
	if config.Parallelism <= 0 {
		config.Parallelism = defaultParallelism
	}
	if deps.Monitor == nil {
		deps.Monitor = monitor.New()
	}
	if deps.ErrSink == nil {
		deps.ErrSink = monitor.NewErrorSink()
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Retrier == nil {
		deps.Retrier = retry.New(retry.Policy{}, nil)
	}
	return &Orchestrator{
		config:    config,
		algorithm: deps.Algorithm,
		filter:    deps.Filter,
		metrics:   deps.Metrics,
		control:   deps.Control,
		sink:      deps.Sink,
		errSink:   deps.ErrSink,
		retrier:   deps.Retrier,
		monitor:   deps.Monitor,
		clock:     deps.Clock,
	}
}

// RunCycle runs one cycle and reports whether any pool was evaluated.
func (o *Orchestrator) RunCycle(ctx context.Context) (bool, error) {
	summary, err := o.Execute(ctx)
	if err != nil {
		return false, err
	}
	return summary.Evaluated > 0, nil
}

// Execute runs one cycle and returns its summary. Overlapping calls fail with ErrCycleInProgress.
func (o *Orchestrator) Execute(ctx context.Context) (*CycleSummary, error) {
	if !o.running.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer o.running.Unlock()

	summary := &CycleSummary{Started: o.clock.Now(), DryRun: o.config.DryRun}
	err := o.execute(ctx, summary)
	summary.Finished = o.clock.Now()

	result := "ok"
	if err != nil {
		result = "error"
		summary.Error = err.Error()
	} else if summary.Evaluated == 0 {
		result = "idle"
	}
	o.monitor.RecordCycle(result, summary.Finished.Sub(summary.Started))
	return summary, err
}

func (o *Orchestrator) execute(ctx context.Context, summary *CycleSummary) error {
	names := make([]string, 0, len(o.config.Pools))
	for _, p := range o.config.Pools {
		names = append(names, p.Name)
	}

	// Step 1: fail closed when rights on any configured pool cannot be verified.
	if err := o.retrier.Run(ctx, "probe-permissions", func(ctx context.Context) error {
		return o.control.ProbePermissions(ctx, names)
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrPermissionProbe, err)
	}

	// Step 2: drop pools that are mutating or cooling down.
	eligible, err := o.filter.PoolsToConsider(ctx, o.config.Pools)
	if err != nil {
		return fmt.Errorf("failed to compute eligible pools: %w", err)
	}
	summary.Eligible = len(eligible)
	o.monitor.SetEligiblePools(len(eligible))
	if len(eligible) == 0 {
		klog.InfoS("No pools eligible for evaluation", "configured", len(o.config.Pools))
		return nil
	}

	// Step 3: sample the eligible pools as one batch.
	eligibleNames := make([]string, 0, len(eligible))
	for _, p := range eligible {
		eligibleNames = append(eligibleNames, p.Name)
	}
	samples, err := retry.Do(ctx, o.retrier, "sample-usage", func(ctx context.Context) (map[string]types.UsageSnapshot, error) {
		return o.metrics.Sample(ctx, eligibleNames)
	})
	if err != nil {
		return fmt.Errorf("failed to sample pool usage: %w", err)
	}
	if samples == nil {
		return ErrNoSamples
	}
	snapshots := make(map[string]types.UsageSnapshot, len(samples))
	for name, s := range samples {
		snapshots[types.PoolKey(name)] = s
	}

	// Step 4: evaluate every sampled pool independently.
	outcomes := make([]poolOutcome, len(eligible))
	var g errgroup.Group
	g.SetLimit(o.config.Parallelism)
	for i, pool := range eligible {
		snapshot, ok := snapshots[pool.Key()]
		if !ok {
			klog.V(2).InfoS("No usage sample for pool, skipping", "pool", pool.Name)
			outcomes[i] = outcomeNotSampled
			continue
		}
		i, pool := i, pool
		g.Go(func() error {
			outcomes[i] = o.evaluatePool(ctx, pool, snapshot)
			return nil
		})
	}
	_ = g.Wait()

	for _, outcome := range outcomes {
		summary.add(outcome)
	}
	klog.InfoS("Scaling cycle finished", "eligible", summary.Eligible, "evaluated", summary.Evaluated,
		"mutated", summary.Mutated, "deferred", summary.Deferred, "failed", summary.Failed, "dryRun", o.config.DryRun)
	return nil
}

// evaluatePool decides and acts for a single pool. Failures stay with this pool.
func (o *Orchestrator) evaluatePool(ctx context.Context, pool types.PoolConfig, snapshot types.UsageSnapshot) (outcome poolOutcome) {
	defer func() {
		if r := recover(); r != nil {
			o.errSink.RecordError(fmt.Errorf("panic: %v", r), fmt.Sprintf("Evaluation of pool %s panicked", pool.Name))
			outcome = outcomeFailed
		}
	}()

	current := snapshot.CurrentCapacity
	rec := o.algorithm.ComputeRecommendation(algorithm.ScalingRequest{
		Snapshot: snapshot,
		Floor:    algorithm.ResolveFloor(pool, o.config.Floor),
		Ceiling:  o.config.Ceiling,
	})
	o.monitor.RecordDecision(pool.Name, rec.Decision.String())

	if rec.Status == algorithm.StatusAnomalousCapacity {
		o.errSink.Record(fmt.Sprintf("Pool %s: %s, holding", pool.Name, rec.Reason))
		return outcomeAnomalous
	}
	if !rec.RequiresMutation(current) {
		klog.InfoS("Holding pool capacity", "pool", pool.Name, "decision", rec.Decision, "capacity", current, "reason", rec.Reason)
		return outcomeHeld
	}

	klog.Warningf("Scaling pool %s %s from %v to %v (perUnitMax %v): %s",
		pool.Name, rec.Decision, current, rec.Settings.Capacity, rec.Settings.PerUnitMax, rec.Reason)

	if o.config.DryRun {
		klog.InfoS("Dry run, not submitting capacity change", "pool", pool.Name, "from", current, "to", rec.Settings.Capacity)
		o.monitor.RecordMutation(pool.Name, monitor.OutcomeDryRun, rec.Settings.Capacity)
		return outcomeDryRun
	}

	result, err := retry.Do(types.WithRequestID(ctx, uuid.NewString()), o.retrier, "mutate", func(ctx context.Context) (types.MutationResult, error) {
		return o.control.Mutate(ctx, pool.Name, rec.Settings)
	})
	if err != nil {
		o.monitor.RecordMutation(pool.Name, monitor.OutcomeFailed, rec.Settings.Capacity)
		o.errSink.RecordError(err, fmt.Sprintf("Failed to submit capacity change for pool %s", pool.Name))
		return outcomeFailed
	}

	record := types.AuditRecord{
		Pool:          pool.Name,
		PriorCapacity: current,
		Target:        rec.Settings,
		Snapshot:      snapshot,
		Timestamp:     o.clock.Now(),
	}
	outcome = outcomeMutated
	if result == types.MutationConflict {
		klog.InfoS("Pool is changing for another reason, deferring to next cycle", "pool", pool.Name)
		o.monitor.RecordMutation(pool.Name, monitor.OutcomeConflict, rec.Settings.Capacity)
		record.Note = types.AuditNoteDeferred
		outcome = outcomeDeferred
	} else {
		o.monitor.RecordMutation(pool.Name, monitor.OutcomeAccepted, rec.Settings.Capacity)
	}

	if o.sink != nil {
		if err := o.retrier.Run(ctx, "audit-append", func(ctx context.Context) error {
			return o.sink.Append(ctx, record)
		}); err != nil {
			o.errSink.RecordError(err, fmt.Sprintf("Failed to write audit record for pool %s", pool.Name))
		}
	}
	return outcome
}

// CycleSummary describes what one cycle did.
type CycleSummary struct {
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	DryRun    bool      `json:"dryRun"`
	Eligible  int       `json:"eligible"`
	Evaluated int       `json:"evaluated"`
	Held      int       `json:"held"`
	Mutated   int       `json:"mutated"`
	Deferred  int       `json:"deferred"`
	Planned   int       `json:"planned"`
	Anomalous int       `json:"anomalous"`
	Failed    int       `json:"failed"`
	Error     string    `json:"error,omitempty"`
}

type poolOutcome int

const (
	outcomeNotSampled poolOutcome = iota
	outcomeHeld
	outcomeAnomalous
	outcomeDryRun
	outcomeMutated
	outcomeDeferred
	outcomeFailed
)

func (s *CycleSummary) add(o poolOutcome) {
	if o == outcomeNotSampled {
		return
	}
	s.Evaluated++
	switch o {
	case outcomeHeld:
		s.Held++
	case outcomeAnomalous:
		s.Anomalous++
	case outcomeDryRun:
		s.Planned++
	case outcomeMutated:
		s.Mutated++
	case outcomeDeferred:
		s.Deferred++
	case outcomeFailed:
		s.Failed++
	}
}
