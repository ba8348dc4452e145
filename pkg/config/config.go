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

// Package config loads and validates the pool scaler configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/yaml"

	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/eligibility"
	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/ladder"
	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/retry"
	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/types"
)

const (
	DefaultPoolLabel           = "pool"
	DefaultCapacityMetric      = "pool_capacity"
	DefaultMetricsRetention    = 15 * 24 * time.Hour
	DefaultServerAddr          = ":8080"
	DefaultAuditStream         = "poolscaler:audit"
	DefaultLockKey             = "poolscaler:cycle-lock"
	DefaultLockTTL             = 5 * time.Minute
	DefaultRetryBaseInterval   = 2.0
	DefaultControlPlaneTimeout = 30 * time.Second
)

var validate = validator.New()

// Config is the complete scaler configuration.
type Config struct {
	// Interval is the time between the start of two cycles.
	Interval metav1.Duration `json:"interval"`
	// DryRun logs decisions without submitting mutations or audit records.
	DryRun bool `json:"dryRun,omitempty"`
	// Parallelism bounds concurrent per-pool evaluations. Zero uses the default.
	Parallelism int `json:"parallelism,omitempty" validate:"gte=0"`

	Ladder LadderConfig `json:"ladder"`
	// Floor and Ceiling bound every target. Both must be ladder levels.
	Floor   float64 `json:"floor" validate:"gt=0"`
	Ceiling float64 `json:"ceiling" validate:"gt=0"`
	// Thresholds are keyed by channel name: primary, secondary, tertiary, io.
	Thresholds map[string]ThresholdConfig `json:"thresholds" validate:"required,dive,keys,oneof=primary secondary tertiary io,endkeys"`

	ShortWindow                 metav1.Duration `json:"shortWindow"`
	LongWindow                  metav1.Duration `json:"longWindow"`
	CooldownPeriod              metav1.Duration `json:"cooldownPeriod"`
	MaxExpectedMutationDuration metav1.Duration `json:"maxExpectedMutationDuration"`

	Retry RetryConfig  `json:"retry"`
	Pools []PoolConfig `json:"pools" validate:"required,min=1,dive"`

	ControlPlane ControlPlaneConfig `json:"controlPlane"`
	Prometheus   PrometheusConfig   `json:"prometheus"`
	// Redis is optional. Without it audit records are dropped and no cross-replica lease is taken.
	Redis  *RedisConfig `json:"redis,omitempty"`
	Server ServerConfig `json:"server"`
}

// LadderConfig lists the allowed capacity levels and the per-unit maximum at each.
type LadderConfig struct {
	Levels     []float64 `json:"levels" validate:"required,min=1,dive,gt=0"`
	PerUnitMax []float64 `json:"perUnitMax" validate:"required,min=1,dive,gte=0"`
}

// ThresholdConfig holds the percentage bounds of one channel.
type ThresholdConfig struct {
	Low  float64 `json:"low" validate:"gte=0"`
	High float64 `json:"high" validate:"gtfield=Low,lte=100"`
}

// RetryConfig configures retries of transient collaborator failures.
type RetryConfig struct {
	// Retries is the number of retries after the first attempt.
	Retries int `json:"retries" validate:"gte=0,lte=10"`
	// BaseInterval in seconds; retry n waits BaseInterval^n seconds.
	BaseInterval float64 `json:"baseInterval" validate:"gte=1"`
}

// PoolConfig is one managed pool.
type PoolConfig struct {
	Name  string   `json:"name" validate:"required"`
	Floor *float64 `json:"floor,omitempty"`
}

// ControlPlaneConfig points at the resource control plane.
type ControlPlaneConfig struct {
	Endpoint string          `json:"endpoint" validate:"required,url"`
	QPS      float64         `json:"qps,omitempty" validate:"gte=0"`
	Burst    int             `json:"burst,omitempty" validate:"gte=0"`
	Timeout  metav1.Duration `json:"timeout,omitempty"`
	// Token is never read from the file.
	Token string `json:"-"`
}

// PrometheusConfig describes where pool utilization is stored.
type PrometheusConfig struct {
	Endpoint       string `json:"endpoint" validate:"required,url"`
	Username       string `json:"username,omitempty"`
	PoolLabel      string `json:"poolLabel,omitempty"`
	CapacityMetric string `json:"capacityMetric,omitempty"`
	// ChannelMetrics maps each channel name to the metric holding its utilization percentage.
	ChannelMetrics map[string]string `json:"channelMetrics" validate:"required,dive,keys,oneof=primary secondary tertiary io,endkeys,required"`
	// Retention bounds LongWindow.
	Retention metav1.Duration `json:"retention,omitempty"`
	// Password is never read from the file.
	Password string `json:"-"`
}

// RedisConfig configures the audit stream and the cycle lease.
type RedisConfig struct {
	Addr        string          `json:"addr" validate:"required,hostname_port"`
	DB          int             `json:"db,omitempty" validate:"gte=0"`
	AuditStream string          `json:"auditStream,omitempty"`
	AuditMaxLen int64           `json:"auditMaxLen,omitempty" validate:"gte=0"`
	LockKey     string          `json:"lockKey,omitempty"`
	LockTTL     metav1.Duration `json:"lockTTL,omitempty"`
	// Password is never read from the file.
	Password string `json:"-"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Addr string `json:"addr,omitempty"`
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates configuration bytes. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetDefaults fills optional fields left empty.
func (c *Config) SetDefaults() {
	if c.Retry.BaseInterval == 0 {
		c.Retry.BaseInterval = DefaultRetryBaseInterval
	}
	if c.ControlPlane.Timeout.Duration == 0 {
		c.ControlPlane.Timeout.Duration = DefaultControlPlaneTimeout
	}
	if c.Prometheus.PoolLabel == "" {
		c.Prometheus.PoolLabel = DefaultPoolLabel
	}
	if c.Prometheus.CapacityMetric == "" {
		c.Prometheus.CapacityMetric = DefaultCapacityMetric
	}
	if c.Prometheus.Retention.Duration == 0 {
		c.Prometheus.Retention.Duration = DefaultMetricsRetention
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Redis != nil {
		if c.Redis.AuditStream == "" {
			c.Redis.AuditStream = DefaultAuditStream
		}
		if c.Redis.LockKey == "" {
			c.Redis.LockKey = DefaultLockKey
		}
		if c.Redis.LockTTL.Duration == 0 {
			c.Redis.LockTTL.Duration = DefaultLockTTL
		}
	}
}

// Validate reports every violation at once.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		errs = append(errs, err)
	}

	l, err := c.BuildLadder()
	if err != nil {
		errs = append(errs, err)
	} else {
		if !l.Contains(c.Floor) {
			errs = append(errs, fmt.Errorf("floor %v is not a ladder level", c.Floor))
		}
		if !l.Contains(c.Ceiling) {
			errs = append(errs, fmt.Errorf("ceiling %v is not a ladder level", c.Ceiling))
		}
		for _, p := range c.Pools {
			if p.Floor != nil && !l.Contains(*p.Floor) {
				errs = append(errs, fmt.Errorf("floor %v of pool %s is not a ladder level", *p.Floor, p.Name))
			}
		}
	}
	if c.Floor >= c.Ceiling {
		errs = append(errs, fmt.Errorf("floor %v must be below ceiling %v", c.Floor, c.Ceiling))
	}
	for _, p := range c.Pools {
		if p.Floor != nil && *p.Floor >= c.Ceiling {
			errs = append(errs, fmt.Errorf("floor %v of pool %s must be below ceiling %v", *p.Floor, p.Name, c.Ceiling))
		}
	}

	known := sets.New[string]()
	for _, ch := range types.Channels {
		known.Insert(string(ch))
		t, ok := c.Thresholds[string(ch)]
		if !ok {
			errs = append(errs, fmt.Errorf("missing thresholds for channel %s", ch))
		} else {
			if t.Low < 0 {
				errs = append(errs, fmt.Errorf("low threshold %v of channel %s must not be negative", t.Low, ch))
			}
			if t.High > 100 {
				errs = append(errs, fmt.Errorf("high threshold %v of channel %s must not exceed 100", t.High, ch))
			}
			if t.Low >= t.High {
				errs = append(errs, fmt.Errorf("low threshold %v of channel %s must be below high threshold %v", t.Low, ch, t.High))
			}
		}
		if _, ok := c.Prometheus.ChannelMetrics[string(ch)]; !ok {
			errs = append(errs, fmt.Errorf("missing metric for channel %s", ch))
		}
	}
	for _, name := range sets.List(sets.KeySet(c.Thresholds).Difference(known)) {
		errs = append(errs, fmt.Errorf("thresholds for unknown channel %s", name))
	}
	for _, name := range sets.List(sets.KeySet(c.Prometheus.ChannelMetrics).Difference(known)) {
		errs = append(errs, fmt.Errorf("metric for unknown channel %s", name))
	}

	if c.Interval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive"))
	}
	if c.ShortWindow.Duration <= 0 {
		errs = append(errs, fmt.Errorf("shortWindow must be positive"))
	}
	if c.LongWindow.Duration <= c.ShortWindow.Duration {
		errs = append(errs, fmt.Errorf("longWindow %s must be longer than shortWindow %s", c.LongWindow.Duration, c.ShortWindow.Duration))
	}
	if c.LongWindow.Duration > c.Prometheus.Retention.Duration {
		errs = append(errs, fmt.Errorf("longWindow %s exceeds metrics retention %s", c.LongWindow.Duration, c.Prometheus.Retention.Duration))
	}
	if c.CooldownPeriod.Duration < 0 {
		errs = append(errs, fmt.Errorf("cooldownPeriod must not be negative"))
	}
	if c.MaxExpectedMutationDuration.Duration <= 0 {
		errs = append(errs, fmt.Errorf("maxExpectedMutationDuration must be positive"))
	}

	seen := sets.New[string]()
	for _, p := range c.Pools {
		if seen.Has(p.Key()) {
			errs = append(errs, fmt.Errorf("pool %s is configured more than once", p.Name))
		}
		seen.Insert(p.Key())
	}
	return utilerrors.NewAggregate(errs)
}

// Key returns the case-insensitive identity of the pool.
func (p PoolConfig) Key() string {
	return types.PoolKey(p.Name)
}

// BuildLadder returns the validated capacity ladder.
func (c *Config) BuildLadder() (*ladder.Ladder, error) {
	l, err := ladder.New(c.Ladder.Levels, c.Ladder.PerUnitMax)
	if err != nil {
		return nil, fmt.Errorf("invalid ladder: %w", err)
	}
	return l, nil
}

// BuildThresholds converts the per-channel thresholds.
func (c *Config) BuildThresholds() types.Thresholds {
	out := make(types.Thresholds, len(c.Thresholds))
	for name, t := range c.Thresholds {
		out[types.Channel(name)] = types.ChannelThreshold{Low: t.Low, High: t.High}
	}
	return out
}

// BuildPools converts the configured pools.
func (c *Config) BuildPools() []types.PoolConfig {
	out := make([]types.PoolConfig, 0, len(c.Pools))
	for _, p := range c.Pools {
		out = append(out, types.PoolConfig{Name: p.Name, Floor: p.Floor})
	}
	return out
}

// BuildChannelMetrics converts the channel metric names.
func (c *Config) BuildChannelMetrics() map[types.Channel]string {
	out := make(map[types.Channel]string, len(c.Prometheus.ChannelMetrics))
	for name, metric := range c.Prometheus.ChannelMetrics {
		out[types.Channel(name)] = metric
	}
	return out
}

func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{Retries: c.Retry.Retries, BaseInterval: c.Retry.BaseInterval}
}

func (c *Config) EligibilityConfig() eligibility.Config {
	return eligibility.Config{
		CooldownPeriod:              c.CooldownPeriod.Duration,
		MaxExpectedMutationDuration: c.MaxExpectedMutationDuration.Duration,
	}
}
