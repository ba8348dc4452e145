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

// Package retry wraps calls to external collaborators with a bounded,
// exponentially spaced retry budget. It has no knowledge of pools or capacity.
package retry

import (
	"context"
	"errors"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

// Policy bounds the retry budget. A call is attempted once and then retried up
// to Retries times; the delay before retry n is BaseInterval^n seconds.
type Policy struct {
	Retries      int
	BaseInterval float64
}

// Classifier reports whether a failure is worth retrying.
type Classifier func(err error) bool

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Retrier applies a Policy to arbitrary calls. It is safe for concurrent use.
type Retrier struct {
	policy      Policy
	isTransient Classifier
	sleep       SleepFunc
}

// Option customizes a Retrier.
type Option func(*Retrier)

// WithClock makes the Retrier wait on the given clock.
func WithClock(c clock.Clock) Option {
	return func(r *Retrier) {
		r.sleep = clockSleep(c)
	}
}

// WithSleep replaces the wait between attempts.
func WithSleep(sleep SleepFunc) Option {
	return func(r *Retrier) {
		r.sleep = sleep
	}
}

// New creates a Retrier. A nil classifier defaults to IsTransient.
func New(policy Policy, isTransient Classifier, opts ...Option) *Retrier {
	if isTransient == nil {
		isTransient = IsTransient
	}
	r := &Retrier{
		policy:      policy,
		isTransient: isTransient,
		sleep:       clockSleep(clock.RealClock{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Backoff returns the delay progression of the policy.
func (p Policy) Backoff() wait.Backoff {
	return wait.Backoff{
		Duration: time.Duration(p.BaseInterval * float64(time.Second)),
		Factor:   p.BaseInterval,
		Steps:    p.Retries,
	}
}

// Do runs fn, retrying transient failures per the Retrier's policy.
// The final failure is returned unchanged.
func Do[T any](ctx context.Context, r *Retrier, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	backoff := r.policy.Backoff()
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if !r.isTransient(err) || attempt >= r.policy.Retries {
			return result, err
		}
		delay := backoff.Step()
		klog.V(2).InfoS("Retrying transient failure", "operation", op, "attempt", attempt+1, "delay", delay, "error", err)
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return result, err
		}
	}
}

// Run is Do for calls that return only an error.
func (r *Retrier) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, r, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func clockSleep(c clock.Clock) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return ctx.Err()
		}
		t := c.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C():
			return nil
		}
	}
}

// TransientError marks a failure as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// MarkTransient wraps err so that IsTransient reports true. A nil err stays nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err, or any error it wraps, was marked transient.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
