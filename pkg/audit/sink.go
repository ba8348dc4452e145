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

// Package audit persists the capacity changes submitted by the scaler.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/retry"
	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/types"
)

const defaultMaxLen = 100000

// NopSink drops every record. It stands in when no audit store is configured.
type NopSink struct{}

func (NopSink) Append(context.Context, types.AuditRecord) error { return nil }

// RedisSink appends audit records to a Redis stream.
type RedisSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisSink creates a RedisSink writing to stream. maxLen <= 0 uses the default trim length.
func NewRedisSink(client redis.UniversalClient, stream string, maxLen int64) *RedisSink {
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &RedisSink{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

type snapshotEntry struct {
	Short float64 `json:"short"`
	Long  float64 `json:"long"`
}

// Append writes record as one stream entry.
func (s *RedisSink) Append(ctx context.Context, record types.AuditRecord) error {
	channels := make(map[string]snapshotEntry, len(record.Snapshot.Channels))
	for ch, avg := range record.Snapshot.Channels {
		channels[string(ch)] = snapshotEntry{Short: avg.Short, Long: avg.Long}
	}
	snapshot, err := json.Marshal(channels)
	if err != nil {
		return fmt.Errorf("failed to encode usage snapshot for pool %s: %w", record.Pool, err)
	}

	ts := record.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	values := map[string]interface{}{
		"id":             uuid.NewString(),
		"pool":           record.Pool,
		"prior_capacity": formatFloat(record.PriorCapacity),
		"target":         formatFloat(record.Target.Capacity),
		"per_unit_max":   formatFloat(record.Target.PerUnitMax),
		"per_unit_min":   formatFloat(record.Target.PerUnitMin),
		"snapshot":       string(snapshot),
		"note":           record.Note,
		"timestamp":      ts.UTC().Format(time.RFC3339),
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		var replyErr redis.Error
		if !errors.As(err, &replyErr) {
			// Connection level failures are worth another attempt; server replies are not.
			err = retry.MarkTransient(err)
		}
		return fmt.Errorf("failed to append audit record for pool %s: %w", record.Pool, err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
