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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/types"
)

const validConfig = `
interval: 1m
ladder:
  levels: [4, 6, 8, 10, 12, 14, 16, 18, 20, 24, 32, 40, 64, 80, 128]
  perUnitMax: [2, 4, 6, 6, 8, 10, 12, 14, 14, 18, 24, 32, 40, 40, 80]
floor: 6
ceiling: 24
thresholds:
  primary: {low: 20, high: 70}
  secondary: {low: 20, high: 80}
  tertiary: {low: 10, high: 60}
  io: {low: 30, high: 90}
shortWindow: 5m
longWindow: 30m
cooldownPeriod: 10m
maxExpectedMutationDuration: 1h
retry:
  retries: 3
pools:
  - name: orders
  - name: Search
    floor: 8
controlPlane:
  endpoint: http://control-plane:8080
prometheus:
  endpoint: http://prometheus:9090
  channelMetrics:
    primary: pool_cpu_percent
    secondary: pool_worker_percent
    tertiary: pool_session_percent
    io: pool_io_percent
redis:
  addr: redis:6379
`

func parse(t *testing.T, edit func(string) string) (*Config, error) {
	t.Helper()
	data := validConfig
	if edit != nil {
		data = edit(data)
	}
	return Parse([]byte(data))
}

func TestParse_Valid(t *testing.T) {
	c, err := parse(t, nil)
	require.NoError(t, err)

	assert.Equal(t, time.Minute, c.Interval.Duration)
	assert.Equal(t, 3, c.Retry.Retries)
	assert.Equal(t, DefaultRetryBaseInterval, c.Retry.BaseInterval)
	assert.Equal(t, DefaultPoolLabel, c.Prometheus.PoolLabel)
	assert.Equal(t, DefaultCapacityMetric, c.Prometheus.CapacityMetric)
	assert.Equal(t, DefaultMetricsRetention, c.Prometheus.Retention.Duration)
	assert.Equal(t, DefaultServerAddr, c.Server.Addr)
	require.NotNil(t, c.Redis)
	assert.Equal(t, DefaultAuditStream, c.Redis.AuditStream)
	assert.Equal(t, DefaultLockKey, c.Redis.LockKey)
	assert.Equal(t, DefaultLockTTL, c.Redis.LockTTL.Duration)

	l, err := c.BuildLadder()
	require.NoError(t, err)
	assert.Equal(t, 15, l.Len())

	thresholds := c.BuildThresholds()
	assert.Equal(t, types.ChannelThreshold{Low: 30, High: 90}, thresholds[types.ChannelIO])

	pools := c.BuildPools()
	require.Len(t, pools, 2)
	assert.Nil(t, pools[0].Floor)
	require.NotNil(t, pools[1].Floor)
	assert.Equal(t, 8.0, *pools[1].Floor)

	assert.Equal(t, "pool_io_percent", c.BuildChannelMetrics()[types.ChannelIO])
	assert.Equal(t, 3, c.RetryPolicy().Retries)
	assert.Equal(t, 10*time.Minute, c.EligibilityConfig().CooldownPeriod)
	assert.Equal(t, time.Hour, c.EligibilityConfig().MaxExpectedMutationDuration)
}

func TestParse_RedisIsOptional(t *testing.T) {
	c, err := parse(t, func(s string) string {
		return strings.Replace(s, "redis:\n  addr: redis:6379\n", "", 1)
	})
	require.NoError(t, err)
	assert.Nil(t, c.Redis)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		edit     func(string) string
		expected []string
	}{
		{
			name:     "floor_not_on_ladder",
			edit:     replace("floor: 6\n", "floor: 7\n"),
			expected: []string{"floor 7 is not a ladder level"},
		},
		{
			name:     "floor_not_below_ceiling",
			edit:     replace("floor: 6\n", "floor: 24\n"),
			expected: []string{"must be below ceiling"},
		},
		{
			name:     "pool_floor_not_on_ladder",
			edit:     replace("floor: 8\n", "floor: 9\n"),
			expected: []string{"floor 9 of pool Search"},
		},
		{
			name:     "ladder_not_ascending",
			edit:     replace("[4, 6, 8,", "[4, 8, 6,"),
			expected: []string{"invalid ladder"},
		},
		{
			name:     "ladder_length_mismatch",
			edit:     replace("[2, 4, 6, 6,", "[2, 4, 6,"),
			expected: []string{"invalid ladder"},
		},
		{
			name:     "pool_floor_above_ceiling",
			edit:     replace("floor: 8\n", "floor: 32\n"),
			expected: []string{"floor 32 of pool Search must be below ceiling 24"},
		},
		{
			name:     "pool_floor_at_ceiling",
			edit:     replace("floor: 8\n", "floor: 24\n"),
			expected: []string{"floor 24 of pool Search must be below ceiling 24"},
		},
		{
			name:     "low_not_below_high",
			edit:     replace("{low: 20, high: 70}", "{low: 70, high: 70}"),
			expected: []string{"low threshold 70 of channel primary must be below high threshold 70"},
		},
		{
			name:     "low_above_high",
			edit:     replace("{low: 20, high: 70}", "{low: 90, high: 50}"),
			expected: []string{"low threshold 90 of channel primary must be below high threshold 50"},
		},
		{
			name:     "negative_low",
			edit:     replace("{low: 20, high: 70}", "{low: -5, high: 50}"),
			expected: []string{"low threshold -5 of channel primary must not be negative"},
		},
		{
			name:     "high_above_hundred",
			edit:     replace("{low: 20, high: 70}", "{low: 20, high: 120}"),
			expected: []string{"high threshold 120 of channel primary must not exceed 100"},
		},
		{
			name:     "missing_channel",
			edit:     replace("  io: {low: 30, high: 90}\n", ""),
			expected: []string{"missing thresholds for channel io"},
		},
		{
			name:     "unknown_channel",
			edit:     replace("  io: {low: 30, high: 90}\n", "  io: {low: 30, high: 90}\n  disk: {low: 1, high: 2}\n"),
			expected: []string{"thresholds for unknown channel disk"},
		},
		{
			name:     "unknown_metric_channel",
			edit:     replace("    io: pool_io_percent\n", "    io: pool_io_percent\n    disk: pool_disk_percent\n"),
			expected: []string{"metric for unknown channel disk"},
		},
		{
			name:     "windows_out_of_order",
			edit:     replace("longWindow: 30m", "longWindow: 5m"),
			expected: []string{"must be longer than shortWindow"},
		},
		{
			name:     "long_window_beyond_retention",
			edit:     replace("longWindow: 30m", "longWindow: 1000h"),
			expected: []string{"exceeds metrics retention"},
		},
		{
			name:     "duplicate_pool",
			edit:     replace("  - name: orders\n", "  - name: orders\n  - name: ORDERS\n"),
			expected: []string{"configured more than once"},
		},
		{
			name:     "missing_endpoint",
			edit:     replace("endpoint: http://control-plane:8080", "endpoint: \"\""),
			expected: []string{"Endpoint"},
		},
		{
			name:     "unknown_field",
			edit:     replace("interval: 1m", "interval: 1m\nintervall: 2m"),
			expected: []string{"intervall"},
		},
		{
			name: "reports_every_violation",
			edit: func(s string) string {
				s = strings.Replace(s, "floor: 6\n", "floor: 7\n", 1)
				return strings.Replace(s, "longWindow: 30m", "longWindow: 5m", 1)
			},
			expected: []string{"floor 7 is not a ladder level", "must be longer than shortWindow"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.edit)
			require.Error(t, err)
			for _, msg := range tt.expected {
				assert.Contains(t, err.Error(), msg)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poolscaler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, c.Pools, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func replace(old, with string) func(string) string {
	return func(s string) string {
		return strings.Replace(s, old, with, 1)
	}
}
