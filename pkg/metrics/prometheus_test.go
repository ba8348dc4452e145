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

package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	prometheusv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/retry"
	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/types"
)

type fakePrometheusAPI struct {
	prometheusv1.API

	mu      sync.Mutex
	queries []string
	respond func(query string) (model.Value, error)
}

func (f *fakePrometheusAPI) Query(_ context.Context, query string, _ time.Time, _ ...prometheusv1.Option) (model.Value, prometheusv1.Warnings, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	v, err := f.respond(query)
	return v, nil, err
}

var testChannelMetrics = map[types.Channel]string{
	types.ChannelPrimary:   "pool_cpu_percent",
	types.ChannelSecondary: "pool_worker_percent",
	types.ChannelTertiary:  "pool_session_percent",
	types.ChannelIO:        "pool_io_percent",
}

func testOptions() PrometheusOptions {
	return PrometheusOptions{
		PoolLabel:      "pool",
		CapacityMetric: "pool_capacity",
		ChannelMetrics: testChannelMetrics,
		ShortWindow:    5 * time.Minute,
		LongWindow:     30 * time.Minute,
		Clock:          testingclock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
}

func vector(values map[string]float64) model.Vector {
	out := model.Vector{}
	for pool, v := range values {
		out = append(out, &model.Sample{
			Metric: model.Metric{"pool": model.LabelValue(pool)},
			Value:  model.SampleValue(v),
		})
	}
	return out
}

// respondWith serves per-pool values; short windows read 10 higher than long ones.
func respondWith(capacity map[string]float64, load map[string]float64) func(string) (model.Value, error) {
	return func(query string) (model.Value, error) {
		if strings.Contains(query, "pool_capacity") {
			return vector(capacity), nil
		}
		offset := 0.0
		if strings.Contains(query, "[5m]") {
			offset = 10
		}
		values := map[string]float64{}
		for pool, v := range load {
			values[pool] = v + offset
		}
		return vector(values), nil
	}
}

func TestPrometheusProvider_Sample(t *testing.T) {
	api := &fakePrometheusAPI{respond: respondWith(
		map[string]float64{"pool-a": 8, "Pool-B": 24},
		map[string]float64{"pool-a": 50, "Pool-B": 5},
	)}
	p := NewPrometheusProvider(api, testOptions())

	snapshots, err := p.Sample(context.Background(), []string{"pool-a", "pool-b"})
	require.NoError(t, err)
	require.Len(t, snapshots, 2)

	a := snapshots["pool-a"]
	assert.Equal(t, 8.0, a.CurrentCapacity)
	for _, ch := range types.Channels {
		assert.Equal(t, types.WindowAverages{Short: 60, Long: 50}, a.Averages(ch), "channel %s", ch)
	}

	b := snapshots["Pool-B"]
	assert.Equal(t, 24.0, b.CurrentCapacity)
	assert.Equal(t, types.WindowAverages{Short: 15, Long: 5}, b.Averages(types.ChannelIO))

	assert.Len(t, api.queries, 9)
	for _, q := range api.queries {
		assert.Contains(t, q, `pool=~"(?i)pool-a|pool-b"`)
	}
}

func TestPrometheusProvider_IncompletePoolIsAGap(t *testing.T) {
	api := &fakePrometheusAPI{respond: func(query string) (model.Value, error) {
		if strings.Contains(query, "pool_capacity") {
			return vector(map[string]float64{"pool-a": 8, "pool-b": 12}), nil
		}
		if strings.Contains(query, "pool_io_percent") && strings.Contains(query, "[30m]") {
			return vector(map[string]float64{"pool-a": 1}), nil
		}
		return vector(map[string]float64{"pool-a": 1, "pool-b": 1}), nil
	}}
	p := NewPrometheusProvider(api, testOptions())

	snapshots, err := p.Sample(context.Background(), []string{"pool-a", "pool-b"})
	require.NoError(t, err)
	assert.Len(t, snapshots, 1)
	assert.Contains(t, snapshots, "pool-a")
}

func TestPrometheusProvider_QueryFailures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{name: "server_error", err: &prometheusv1.Error{Type: prometheusv1.ErrServer, Msg: "503"}, transient: true},
		{name: "timeout", err: &prometheusv1.Error{Type: prometheusv1.ErrTimeout, Msg: "timeout"}, transient: true},
		{name: "bad_data", err: &prometheusv1.Error{Type: prometheusv1.ErrBadData, Msg: "parse error"}, transient: false},
		{name: "connection_refused", err: errors.New("dial tcp: connection refused"), transient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakePrometheusAPI{respond: func(string) (model.Value, error) { return nil, tt.err }}
			p := NewPrometheusProvider(api, testOptions())

			_, err := p.Sample(context.Background(), []string{"pool-a"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, retry.IsTransient(err))
		})
	}
}

func TestPrometheusProvider_NonVectorResult(t *testing.T) {
	api := &fakePrometheusAPI{respond: func(string) (model.Value, error) {
		return &model.Scalar{Value: 1}, nil
	}}
	p := NewPrometheusProvider(api, testOptions())

	_, err := p.Sample(context.Background(), []string{"pool-a"})
	assert.ErrorContains(t, err, "expected vector")
}

func TestPrometheusProvider_NoPools(t *testing.T) {
	api := &fakePrometheusAPI{}
	p := NewPrometheusProvider(api, testOptions())

	snapshots, err := p.Sample(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, snapshots)
	assert.Empty(t, api.queries)
}
