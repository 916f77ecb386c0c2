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

/*
Package metrics exports microbatch.Metric events to Prometheus.

	collector, err := metrics.NewCollector(prometheus.DefaultRegisterer)
	config.MetricsHandler = collector.Handle

In addition to the Prometheus series, flush latency is recorded in an HDR histogram so that percentiles can be
inspected in-process via Snapshot.
*/
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/aws/go-kafka-microbatch/microbatch"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "microbatch"

// flush latencies are recorded in microseconds, up to 10 minutes
const (
	minLatencyMicros = 1
	maxLatencyMicros = int64(10 * time.Minute / time.Microsecond)
	sigFigs          = 3
)

type Collector struct {
	groupLag            *prometheus.GaugeVec
	partitionLag        *prometheus.GaugeVec
	batchFlushLatency   *prometheus.HistogramVec
	batchLinger         *prometheus.HistogramVec
	batchRecords        *prometheus.CounterVec
	batchBytes          *prometheus.CounterVec
	commits             *prometheus.CounterVec
	commitFailureCount  *prometheus.CounterVec
	rebalances          *prometheus.CounterVec
	assignedPartitions  *prometheus.GaugeVec
	partitionFatalCount *prometheus.CounterVec

	mux       sync.Mutex
	latencies *hdrhistogram.Histogram
}

func NewCollector(registerer prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		groupLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "group_lag",
			Help:      "Sum of the lag of every partition of the consumed topic.",
		}, []string{"group", "topic"}),
		partitionLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "partition_lag",
			Help:      "Records between the committed offset and the end of the partition.",
		}, []string{"group", "topic", "partition"}),
		batchFlushLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_flush_latency_seconds",
			Help:      "Time from a batch being opened until it was processed and committed.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"topic", "trigger"}),
		batchLinger: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_linger_seconds",
			Help:      "Time from a batch being opened until the processor was invoked.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"topic", "trigger"}),
		batchRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_records_total",
			Help:      "Records flushed to the processor.",
		}, []string{"topic", "trigger"}),
		batchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_bytes_total",
			Help:      "Key and value bytes flushed to the processor.",
		}, []string{"topic"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Successful offset commits.",
		}, []string{"topic"}),
		commitFailureCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_failures_total",
			Help:      "Offset commits which exhausted their retries.",
		}, []string{"topic"}),
		rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalances_total",
			Help:      "Completed rebalance phases.",
		}, []string{"topic", "phase"}),
		assignedPartitions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assigned_partitions",
			Help:      "Partitions owned by this consumer.",
		}, []string{"topic"}),
		partitionFatalCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partition_fatal_total",
			Help:      "Partitions which exhausted their processing retries.",
		}, []string{"topic"}),
		latencies: hdrhistogram.New(minLatencyMicros, maxLatencyMicros, sigFigs),
	}
	if registerer != nil {
		for _, collector := range c.collectors() {
			if err := registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.groupLag, c.partitionLag, c.batchFlushLatency, c.batchLinger, c.batchRecords, c.batchBytes,
		c.commits, c.commitFailureCount, c.rebalances, c.assignedPartitions, c.partitionFatalCount,
	}
}

// Handle is a microbatch.MetricsHandler.
func (c *Collector) Handle(m microbatch.Metric) {
	switch m.Operation {
	case microbatch.BatchFlushOperation:
		trigger := m.Trigger.String()
		c.batchFlushLatency.WithLabelValues(m.Topic, trigger).Observe(m.Duration().Seconds())
		c.batchLinger.WithLabelValues(m.Topic, trigger).Observe(m.Linger().Seconds())
		c.batchRecords.WithLabelValues(m.Topic, trigger).Add(float64(m.Count))
		c.batchBytes.WithLabelValues(m.Topic).Add(float64(m.Bytes))
		c.recordLatency(m.Duration())
	case microbatch.CommitOperation:
		c.commits.WithLabelValues(m.Topic).Inc()
	case microbatch.CommitFailureOperation:
		c.commitFailureCount.WithLabelValues(m.Topic).Inc()
	case microbatch.PartitionLagOperation:
		c.partitionLag.WithLabelValues(m.GroupId, m.Topic, strconv.Itoa(int(m.Partition))).Set(float64(m.Lag))
	case microbatch.GroupLagOperation:
		c.groupLag.WithLabelValues(m.GroupId, m.Topic).Set(float64(m.Lag))
	case microbatch.RebalanceOperation:
		c.rebalances.WithLabelValues(m.Topic, m.Phase).Inc()
		c.assignedPartitions.WithLabelValues(m.Topic).Set(float64(m.PartitionCount))
	case microbatch.PartitionFatalOperation:
		c.partitionFatalCount.WithLabelValues(m.Topic).Inc()
	}
}

func (c *Collector) recordLatency(d time.Duration) {
	micros := d.Microseconds()
	if micros < minLatencyMicros {
		micros = minLatencyMicros
	} else if micros > maxLatencyMicros {
		micros = maxLatencyMicros
	}
	c.mux.Lock()
	c.latencies.RecordValue(micros)
	c.mux.Unlock()
}

// LatencySnapshot summarizes batch flush latency since the Collector was created, or since the last Reset.
type LatencySnapshot struct {
	Count int64
	Min   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P99   time.Duration
	P999  time.Duration
	Max   time.Duration
}

func micros(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}

func (c *Collector) Snapshot() LatencySnapshot {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.latencies.TotalCount() == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: c.latencies.TotalCount(),
		Min:   micros(c.latencies.Min()),
		Mean:  micros(int64(c.latencies.Mean())),
		P50:   micros(c.latencies.ValueAtQuantile(50)),
		P99:   micros(c.latencies.ValueAtQuantile(99)),
		P999:  micros(c.latencies.ValueAtQuantile(99.9)),
		Max:   micros(c.latencies.Max()),
	}
}

func (c *Collector) Reset() {
	c.mux.Lock()
	c.latencies.Reset()
	c.mux.Unlock()
}
