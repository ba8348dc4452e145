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

// Package eligibility decides which pools are safe to evaluate in a cycle.
//
// A pool is skipped while a previously submitted mutation is still being
// applied, and for a cooldown period after its last mutation completed. All
// pool names are compared case-insensitively.
package eligibility

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/monitor"
	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/retry"
	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/types"
)

// Config holds the timing rules of the filter.
type Config struct {
	CooldownPeriod              time.Duration
	MaxExpectedMutationDuration time.Duration
}

// Result is the outcome of one eligibility evaluation.
type Result struct {
	Eligible     []types.PoolConfig
	InTransition sets.Set[string]
	InCooldown   sets.Set[string]
	// Stuck lists in-progress mutations older than the expected duration.
	Stuck []types.TransitionFact
}

// Filter reads transition and cooldown state and removes unsafe pools.
type Filter struct {
	config      Config
	transitions types.TransitionProvider
	cooldowns   types.CooldownProvider
	retrier     *retry.Retrier
	monitor     *monitor.Monitor
}

// NewFilter creates a Filter. Provider calls go through retrier.
func NewFilter(config Config, transitions types.TransitionProvider, cooldowns types.CooldownProvider,
	retrier *retry.Retrier, m *monitor.Monitor) *Filter {
	return &Filter{
		config:      config,
		transitions: transitions,
		cooldowns:   cooldowns,
		retrier:     retrier,
		monitor:     m,
	}
}

// PoolsToConsider returns the configured pools that are neither in transition
// nor in cooldown. An empty result is not an error.
func (f *Filter) PoolsToConsider(ctx context.Context, pools []types.PoolConfig) ([]types.PoolConfig, error) {
	if len(pools) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(pools))
	for _, p := range pools {
		names = append(names, p.Name)
	}

	facts, err := retry.Do(ctx, f.retrier, "list-in-transition", func(ctx context.Context) ([]types.TransitionFact, error) {
		return f.transitions.ListInTransition(ctx, names)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pools in transition: %w", err)
	}
	ago, err := retry.Do(ctx, f.retrier, "last-completed-ago", func(ctx context.Context) (map[string]float64, error) {
		return f.cooldowns.LastCompletedAgo(ctx, names)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read pool cooldowns: %w", err)
	}

	result := Evaluate(f.config, pools, facts, ago)
	for _, fact := range result.Stuck {
		klog.Warningf("Mutation of pool %s has been %s for %s, longer than the expected %s",
			fact.Pool, fact.State, fact.Elapsed, f.config.MaxExpectedMutationDuration)
		if f.monitor != nil {
			f.monitor.RecordStuckOperation(fact.Pool)
		}
	}
	klog.InfoS("Evaluated pool eligibility", "configured", len(pools), "eligible", len(result.Eligible),
		"inTransition", sets.List(result.InTransition), "inCooldown", sets.List(result.InCooldown))
	return result.Eligible, nil
}

// Evaluate applies the eligibility rules to already fetched state.
func Evaluate(config Config, pools []types.PoolConfig, facts []types.TransitionFact, lastCompletedAgo map[string]float64) Result {
	result := Result{
		InTransition: sets.New[string](),
		InCooldown:   sets.New[string](),
	}

	for _, fact := range facts {
		if !fact.State.InFlight() {
			continue
		}
		result.InTransition.Insert(types.PoolKey(fact.Pool))
		if fact.State == types.StateInProgress && config.MaxExpectedMutationDuration > 0 &&
			fact.Elapsed > config.MaxExpectedMutationDuration {
			result.Stuck = append(result.Stuck, fact)
		}
	}

	cooldownSeconds := config.CooldownPeriod.Seconds()
	for pool, secondsAgo := range lastCompletedAgo {
		if secondsAgo < cooldownSeconds {
			result.InCooldown.Insert(types.PoolKey(pool))
		}
	}

	seen := sets.New[string]()
	for _, p := range pools {
		key := p.Key()
		if seen.Has(key) || result.InTransition.Has(key) || result.InCooldown.Has(key) {
			continue
		}
		seen.Insert(key)
		result.Eligible = append(result.Eligible, p)
	}
	return result
}
