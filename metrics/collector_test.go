// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func flushMetric(latency time.Duration, count int) microbatch.Metric {
	start := time.Now()
	return microbatch.Metric{
		Operation:   microbatch.BatchFlushOperation,
		Topic:       "trades",
		StartTime:   start,
		ExecuteTime: start.Add(latency / 2),
		EndTime:     start.Add(latency),
		Count:       count,
		Bytes:       count * 10,
		Trigger:     microbatch.FlushSize,
	}
}

func TestCollectorBatchFlush(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector, err := NewCollector(registry)
	if err != nil {
		t.Fatal(err)
	}
	collector.Handle(flushMetric(10*time.Millisecond, 100))
	collector.Handle(flushMetric(20*time.Millisecond, 50))

	if v := testutil.ToFloat64(collector.batchRecords.WithLabelValues("trades", "size")); v != 150 {
		t.Errorf("expected 150 records, got %v", v)
	}
	if n := testutil.CollectAndCount(collector.batchFlushLatency); n != 1 {
		t.Errorf("expected 1 latency series, got %d", n)
	}
	snapshot := collector.Snapshot()
	if snapshot.Count != 2 {
		t.Errorf("expected 2 latency samples, got %d", snapshot.Count)
	}
	if snapshot.Max < 19*time.Millisecond || snapshot.Max > 21*time.Millisecond {
		t.Errorf("unexpected max latency: %v", snapshot.Max)
	}
	collector.Reset()
	if snapshot = collector.Snapshot(); snapshot.Count != 0 {
		t.Errorf("expected empty snapshot after reset, got %+v", snapshot)
	}
}

func TestCollectorLagAndCommits(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector, err := NewCollector(registry)
	if err != nil {
		t.Fatal(err)
	}
	collector.Handle(microbatch.Metric{Operation: microbatch.GroupLagOperation, GroupId: "g", Topic: "trades", Lag: 42})
	collector.Handle(microbatch.Metric{Operation: microbatch.PartitionLagOperation, GroupId: "g", Topic: "trades", Partition: 3, Lag: 7})
	collector.Handle(microbatch.Metric{Operation: microbatch.CommitOperation, Topic: "trades"})
	collector.Handle(microbatch.Metric{Operation: microbatch.CommitFailureOperation, Topic: "trades"})
	collector.Handle(microbatch.Metric{Operation: microbatch.CommitFailureOperation, Topic: "trades"})
	collector.Handle(microbatch.Metric{Operation: microbatch.RebalanceOperation, Topic: "trades", Phase: "assign", PartitionCount: 4})

	expected := `
# HELP microbatch_group_lag Sum of the lag of every partition of the consumed topic.
# TYPE microbatch_group_lag gauge
microbatch_group_lag{group="g",topic="trades"} 42
`
	if err := testutil.CollectAndCompare(collector.groupLag, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}
	if v := testutil.ToFloat64(collector.partitionLag.WithLabelValues("g", "trades", "3")); v != 7 {
		t.Errorf("expected partition lag 7, got %v", v)
	}
	if v := testutil.ToFloat64(collector.commitFailureCount.WithLabelValues("trades")); v != 2 {
		t.Errorf("expected 2 commit failures, got %v", v)
	}
	if v := testutil.ToFloat64(collector.assignedPartitions.WithLabelValues("trades")); v != 4 {
		t.Errorf("expected 4 assigned partitions, got %v", v)
	}
}

func TestCollectorDuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	if _, err := NewCollector(registry); err != nil {
		t.Fatal(err)
	}
	if _, err := NewCollector(registry); err == nil {
		t.Errorf("expected duplicate registration to fail")
	}
}
