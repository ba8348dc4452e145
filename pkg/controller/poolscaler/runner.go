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

package poolscaler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/vllm-project/poolscaler/pkg/lock"
)

// ErrLeaseHeld is returned when another replica holds the cycle lease.
var ErrLeaseHeld = errors.New("cycle lease is held by another replica")

// Runner drives the Orchestrator on a fixed interval and remembers the last cycle.
type Runner struct {
	orchestrator *Orchestrator
	interval     time.Duration
	// locker is optional; without it only the in-process guard applies.
	locker lock.Locker

	mu   sync.RWMutex
	last *CycleSummary
}

// NewRunner creates a Runner. locker may be nil.
func NewRunner(orchestrator *Orchestrator, interval time.Duration, locker lock.Locker) *Runner {
	return &Runner{
		orchestrator: orchestrator,
		interval:     interval,
		locker:       locker,
	}
}

// Start runs a cycle every interval until ctx is done. It blocks.
func (r *Runner) Start(ctx context.Context) {
	klog.InfoS("Starting pool scaler", "interval", r.interval)
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		_, err := r.RunOnce(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrCycleInProgress), errors.Is(err, ErrLeaseHeld):
			klog.V(2).InfoS("Skipping scaling cycle", "reason", err)
		default:
			klog.ErrorS(err, "Scaling cycle failed")
		}
	}, r.interval)
	klog.InfoS("Pool scaler stopped")
}

// RunOnce runs a single cycle under the lease, if one is configured.
func (r *Runner) RunOnce(ctx context.Context) (*CycleSummary, error) {
	if r.locker != nil {
		release, ok, err := r.locker.TryAcquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire cycle lease: %w", err)
		}
		if !ok {
			return nil, ErrLeaseHeld
		}
		defer func() {
			// The cycle context may already be cancelled; release on a fresh one.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := release(releaseCtx); err != nil {
				klog.ErrorS(err, "Failed to release cycle lease")
			}
		}()
	}

	summary, err := r.orchestrator.Execute(ctx)
	if summary != nil {
		r.mu.Lock()
		r.last = summary
		r.mu.Unlock()
	}
	return summary, err
}

// LastSummary returns a copy of the most recent cycle summary, or nil before the first cycle.
func (r *Runner) LastSummary() *CycleSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return nil
	}
	s := *r.last
	return &s
}
