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

// Package controlplane is the HTTP client of the pool control plane. It
// submits capacity changes and reads the mutation history that gates
// eligibility.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/retry"
	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/types"
)

const (
	defaultTimeout = 30 * time.Second
	defaultQPS     = 10
	defaultBurst   = 20

	requestIDHeader = "X-Request-Id"
	maxErrorBody    = 4096
)

// ErrPermissionDenied is returned when the control plane rejects the credentials for a pool.
var ErrPermissionDenied = errors.New("permission denied")

// Credentials authenticate the client against the control plane.
type Credentials struct {
	Token string
}

// Options configure a Client.
type Options struct {
	Endpoint    string
	Credentials Credentials
	QPS         float64
	Burst       int
	Timeout     time.Duration
	HTTPClient  *http.Client
	Clock       clock.PassiveClock
}

// Client talks to the control plane. It implements types.ResourceControl,
// types.TransitionProvider and types.CooldownProvider.
type Client struct {
	endpoint    *url.URL
	credentials Credentials
	httpClient  *http.Client
	limiter     *rate.Limiter
	clock       clock.PassiveClock
}

var (
	_ types.ResourceControl    = (*Client)(nil)
	_ types.TransitionProvider = (*Client)(nil)
	_ types.CooldownProvider   = (*Client)(nil)
)

// NewClient creates a Client for opts.Endpoint.
func NewClient(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("control plane endpoint is not provided")
	}
	endpoint, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid control plane endpoint %q: %w", opts.Endpoint, err)
	}
	if opts.QPS <= 0 {
		opts.QPS = defaultQPS
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurst
	}
	if opts.HTTPClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		opts.HTTPClient = &http.Client{Timeout: timeout}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Client{
		endpoint:    endpoint,
		credentials: opts.Credentials,
		httpClient:  opts.HTTPClient,
		limiter:     rate.NewLimiter(rate.Limit(opts.QPS), opts.Burst),
		clock:       opts.Clock,
	}, nil
}

// StatusError is a non-success HTTP response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Pool is the control plane's view of a pool.
type Pool struct {
	Name       string  `json:"name"`
	Capacity   float64 `json:"capacity"`
	PerUnitMax float64 `json:"perUnitMax"`
	PerUnitMin float64 `json:"perUnitMin"`
}

type capacityRequest struct {
	Capacity   float64 `json:"capacity"`
	PerUnitMax float64 `json:"perUnitMax"`
	PerUnitMin float64 `json:"perUnitMin"`
}

// Operation is a capacity mutation recorded by the control plane.
type Operation struct {
	ID             string     `json:"id"`
	Pool           string     `json:"pool"`
	State          string     `json:"state"`
	StartedAt      time.Time  `json:"startedAt"`
	StateChangedAt *time.Time `json:"stateChangedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

type operationList struct {
	Operations []Operation `json:"operations"`
}

// GetPool reads a pool.
func (c *Client) GetPool(ctx context.Context, pool string) (*Pool, error) {
	var out Pool
	if err := c.do(ctx, http.MethodGet, poolPath(pool), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProbePermissions reads every pool and fails on the first one the credentials cannot access.
func (c *Client) ProbePermissions(ctx context.Context, pools []string) error {
	for _, pool := range pools {
		if _, err := c.GetPool(ctx, pool); err != nil {
			return fmt.Errorf("probe of pool %s failed: %w", pool, err)
		}
	}
	return nil
}

// Mutate submits a capacity change. The control plane applies it asynchronously.
func (c *Client) Mutate(ctx context.Context, pool string, settings types.TargetSettings) (types.MutationResult, error) {
	body := capacityRequest{
		Capacity:   settings.Capacity,
		PerUnitMax: settings.PerUnitMax,
		PerUnitMin: settings.PerUnitMin,
	}
	err := c.do(ctx, http.MethodPut, poolPath(pool)+"/capacity", nil, body, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusConflict {
		klog.V(4).InfoS("Control plane reported a conflicting change", "pool", pool, "body", statusErr.Body)
		return types.MutationConflict, nil
	}
	if err != nil {
		return types.MutationAccepted, err
	}
	return types.MutationAccepted, nil
}

// ListInTransition returns the mutations that are still being applied.
func (c *Client) ListInTransition(ctx context.Context, pools []string) ([]types.TransitionFact, error) {
	ops, err := c.ListOperations(ctx, pools)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	var facts []types.TransitionFact
	for _, op := range ops {
		state, err := types.ParseTransitionState(op.State)
		if err != nil {
			klog.V(2).InfoS("Ignoring operation with unknown state", "pool", op.Pool, "id", op.ID, "state", op.State)
			continue
		}
		if !state.InFlight() {
			continue
		}
		since := op.StartedAt
		if op.StateChangedAt != nil {
			since = *op.StateChangedAt
		}
		facts = append(facts, types.TransitionFact{
			Pool:    op.Pool,
			State:   state,
			Elapsed: now.Sub(since),
		})
	}
	return facts, nil
}

// LastCompletedAgo returns, per pool, the seconds since its most recent completed mutation.
func (c *Client) LastCompletedAgo(ctx context.Context, pools []string) (map[string]float64, error) {
	ops, err := c.ListOperations(ctx, pools)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]time.Time)
	names := make(map[string]string)
	for _, op := range ops {
		if !strings.EqualFold(op.State, string(types.StateCompleted)) || op.CompletedAt == nil {
			continue
		}
		key := types.PoolKey(op.Pool)
		if t, ok := latest[key]; !ok || op.CompletedAt.After(t) {
			latest[key] = *op.CompletedAt
			names[key] = op.Pool
		}
	}
	now := c.clock.Now()
	out := make(map[string]float64, len(latest))
	for key, t := range latest {
		out[names[key]] = now.Sub(t).Seconds()
	}
	return out, nil
}

// ListOperations returns the recorded operations of the given pools.
func (c *Client) ListOperations(ctx context.Context, pools []string) ([]Operation, error) {
	query := url.Values{}
	for _, p := range pools {
		query.Add("pool", p)
	}
	var out operationList
	if err := c.do(ctx, http.MethodGet, "/v1/operations", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Operations, nil
}

func poolPath(pool string) string {
	return "/v1/pools/" + url.PathEscape(pool)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.endpoint.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request for %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request for %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	requestID, ok := types.RequestIDFrom(ctx)
	if !ok {
		requestID = uuid.NewString()
	}
	req.Header.Set(requestIDHeader, requestID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.credentials.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.credentials.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return retry.MarkTransient(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			klog.ErrorS(err, "failed to close response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return classify(&StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))})
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response of %s %s: %w", method, path, err)
	}
	return nil
}

func classify(err *StatusError) error {
	switch {
	case err.Code == http.StatusUnauthorized || err.Code == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case err.Code == http.StatusTooManyRequests || err.Code >= 500:
		return retry.MarkTransient(err)
	default:
		return err
	}
}
