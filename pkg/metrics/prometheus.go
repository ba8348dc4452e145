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
	"fmt"
	"math"
	"sync"
	"time"

	prometheusv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/types"
)

const (
	// DefaultChannelQuery averages a channel metric per pool over a window.
	DefaultChannelQuery = `avg by (${pool_label}) (avg_over_time(${metric}{${selector}}[${window}]))`
	// DefaultCapacityQuery reads the current capacity per pool.
	DefaultCapacityQuery = `max by (${pool_label}) (${metric}{${selector}})`
)

// PrometheusOptions describe where pool utilization lives in Prometheus.
type PrometheusOptions struct {
	PoolLabel      string
	CapacityMetric string
	ChannelMetrics map[types.Channel]string
	ShortWindow    time.Duration
	LongWindow     time.Duration
	ChannelQuery   string
	CapacityQuery  string
	Clock          clock.PassiveClock
}

// PrometheusProvider samples pool utilization from Prometheus. It implements types.MetricsProvider.
type PrometheusProvider struct {
	api  prometheusv1.API
	opts PrometheusOptions
}

var _ types.MetricsProvider = (*PrometheusProvider)(nil)

// NewPrometheusProvider creates a PrometheusProvider.
func NewPrometheusProvider(api prometheusv1.API, opts PrometheusOptions) *PrometheusProvider {
	if opts.ChannelQuery == "" {
		opts.ChannelQuery = DefaultChannelQuery
	}
	if opts.CapacityQuery == "" {
		opts.CapacityQuery = DefaultCapacityQuery
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &PrometheusProvider{api: api, opts: opts}
}

type seriesKind struct {
	channel  types.Channel
	long     bool
	capacity bool
}

type poolSample struct {
	name        string
	capacity    float64
	hasCapacity bool
	channels    map[types.Channel]types.WindowAverages
	seen        map[seriesKind]bool
}

// Sample queries capacity and the short/long averages of every channel. A pool
// missing any series is left out of the result.
func (p *PrometheusProvider) Sample(ctx context.Context, pools []string) (map[string]types.UsageSnapshot, error) {
	if len(pools) == 0 {
		return map[string]types.UsageSnapshot{}, nil
	}
	selector := PoolSelector(p.opts.PoolLabel, pools)
	ts := p.opts.Clock.Now()

	queries := map[seriesKind]string{
		{capacity: true}: BuildQuery(p.opts.CapacityQuery, map[string]string{
			"pool_label": p.opts.PoolLabel,
			"metric":     p.opts.CapacityMetric,
			"selector":   selector,
		}),
	}
	for _, ch := range types.Channels {
		for _, w := range []struct {
			long   bool
			window time.Duration
		}{{false, p.opts.ShortWindow}, {true, p.opts.LongWindow}} {
			queries[seriesKind{channel: ch, long: w.long}] = BuildQuery(p.opts.ChannelQuery, map[string]string{
				"pool_label": p.opts.PoolLabel,
				"metric":     p.opts.ChannelMetrics[ch],
				"selector":   selector,
				"window":     model.Duration(w.window).String(),
			})
		}
	}

	var (
		mu      sync.Mutex
		samples = make(map[string]*poolSample)
	)
	g, gctx := errgroup.WithContext(ctx)
	for kind, query := range queries {
		kind, query := kind, query
		g.Go(func() error {
			vector, err := p.query(gctx, query, ts)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			p.merge(samples, kind, vector)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]types.UsageSnapshot, len(samples))
	for _, s := range samples {
		if !s.hasCapacity || len(s.seen) != len(queries)-1 {
			klog.V(2).InfoS("Incomplete usage sample, skipping pool", "pool", s.name, "series", len(s.seen), "capacity", s.hasCapacity)
			continue
		}
		out[s.name] = types.UsageSnapshot{
			Pool:            s.name,
			CurrentCapacity: s.capacity,
			Channels:        s.channels,
		}
	}
	return out, nil
}

func (p *PrometheusProvider) query(ctx context.Context, query string, ts time.Time) (model.Vector, error) {
	result, warnings, err := p.api.Query(ctx, query, ts)
	if err != nil {
		return nil, fmt.Errorf("error executing query %q: %w", query, classifyQueryError(ctx, err))
	}
	if len(warnings) > 0 {
		klog.V(4).Infof("Warnings: %v", warnings)
	}
	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("query %q returned %s, expected vector", query, result.Type())
	}
	return vector, nil
}

// merge folds one query result into the per-pool samples. Must be called with the lock held.
func (p *PrometheusProvider) merge(samples map[string]*poolSample, kind seriesKind, vector model.Vector) {
	label := model.LabelName(p.opts.PoolLabel)
	for _, sample := range vector {
		name := string(sample.Metric[label])
		if name == "" {
			continue
		}
		value := float64(sample.Value)
		if math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		key := types.PoolKey(name)
		s, ok := samples[key]
		if !ok {
			s = &poolSample{
				name:     name,
				channels: make(map[types.Channel]types.WindowAverages, len(types.Channels)),
				seen:     make(map[seriesKind]bool),
			}
			samples[key] = s
		}
		if kind.capacity {
			s.capacity = value
			s.hasCapacity = true
			continue
		}
		if value < 0 {
			value = 0
		}
		avg := s.channels[kind.channel]
		if kind.long {
			avg.Long = value
		} else {
			avg.Short = value
		}
		s.channels[kind.channel] = avg
		s.seen[kind] = true
	}
}
