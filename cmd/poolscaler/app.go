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

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/vllm-project/poolscaler/pkg/audit"
	"github.com/vllm-project/poolscaler/pkg/config"
	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler"
	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/algorithm"
	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/eligibility"
	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/monitor"
	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/retry"
	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/types"
	"github.com/vllm-project/poolscaler/pkg/controlplane"
	"github.com/vllm-project/poolscaler/pkg/lock"
	"github.com/vllm-project/poolscaler/pkg/metrics"
	"github.com/vllm-project/poolscaler/pkg/server"
)

// app holds the wired scaler and the resources it owns.
type app struct {
	runner *poolscaler.Runner
	server *http.Server
	redis  *redis.Client
}

func newApp(cfg *config.Config) (*app, error) {
	l, err := cfg.BuildLadder()
	if err != nil {
		return nil, err
	}

	promAPI, err := metrics.InitializePrometheusAPI(cfg.Prometheus.Endpoint, cfg.Prometheus.Username, cfg.Prometheus.Password)
	if err != nil {
		return nil, err
	}
	provider := metrics.NewPrometheusProvider(promAPI, metrics.PrometheusOptions{
		PoolLabel:      cfg.Prometheus.PoolLabel,
		CapacityMetric: cfg.Prometheus.CapacityMetric,
		ChannelMetrics: cfg.BuildChannelMetrics(),
		ShortWindow:    cfg.ShortWindow.Duration,
		LongWindow:     cfg.LongWindow.Duration,
	})

	client, err := controlplane.NewClient(controlplane.Options{
		Endpoint:    cfg.ControlPlane.Endpoint,
		Credentials: controlplane.Credentials{Token: cfg.ControlPlane.Token},
		QPS:         cfg.ControlPlane.QPS,
		Burst:       cfg.ControlPlane.Burst,
		Timeout:     cfg.ControlPlane.Timeout.Duration,
	})
	if err != nil {
		return nil, err
	}

	a := &app{}
	var (
		sink   types.MonitoringSink = audit.NopSink{}
		locker lock.Locker
	)
	if cfg.Redis != nil {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.redis.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		sink = audit.NewRedisSink(a.redis, cfg.Redis.AuditStream, cfg.Redis.AuditMaxLen)
		locker = lock.NewRedisLocker(a.redis, cfg.Redis.LockKey, cfg.Redis.LockTTL.Duration)
	} else {
		klog.Info("Redis is not configured, audit records are dropped and no cycle lease is taken")
	}

	m := monitor.New()
	retrier := retry.New(cfg.RetryPolicy(), nil)
	orchestrator := poolscaler.NewOrchestrator(poolscaler.Config{
		Pools:       cfg.BuildPools(),
		Floor:       cfg.Floor,
		Ceiling:     cfg.Ceiling,
		DryRun:      cfg.DryRun,
		Parallelism: cfg.Parallelism,
	}, poolscaler.Dependencies{
		Algorithm: algorithm.NewHysteresisAlgorithm(l, cfg.BuildThresholds()),
		Filter:    eligibility.NewFilter(cfg.EligibilityConfig(), client, client, retrier, m),
		Metrics:   provider,
		Control:   client,
		Sink:      sink,
		ErrSink:   monitor.NewErrorSink(),
		Retrier:   retrier,
		Monitor:   m,
	})

	a.runner = poolscaler.NewRunner(orchestrator, cfg.Interval.Duration, locker)
	a.server = server.NewHTTPServer(cfg.Server.Addr, a.runner, monitor.Registry)
	klog.InfoS("Pool scaler configured", "pools", len(cfg.Pools), "ladderLevels", l.Len(),
		"floor", cfg.Floor, "ceiling", cfg.Ceiling, "dryRun", cfg.DryRun, "redis", cfg.Redis != nil)
	return a, nil
}

func (a *app) Close() {
	if a.redis == nil {
		return
	}
	if err := a.redis.Close(); err != nil {
		klog.Warningf("Error closing Redis client: %v", err)
	}
}
