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

package microbatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch/sak"
)

// LagSample describes how far a consumer group is behind on a single partition.
// EndOffset is the offset of the last record in the partition (high watermark - 1) and CommittedOffset is the
// last processed offset. Lag is EndOffset - CommittedOffset, never negative.
type LagSample struct {
	TopicPartition  TopicPartition
	EndOffset       int64
	CommittedOffset int64
	Lag             int64
}

// NewLagSample computes the lag of a partition. If the group has no checkpoint (committed < 0),
// the lag is measured from the start of the log.
func NewLagSample(tp TopicPartition, highWatermark, logStart, committed int64) LagSample {
	if committed < 0 {
		committed = logStart - 1
	}
	end := highWatermark - 1
	return LagSample{
		TopicPartition:  tp,
		EndOffset:       end,
		CommittedOffset: committed,
		Lag:             sak.Max(0, end-committed),
	}
}

// GroupLag sums the lag of `samples`.
func GroupLag(samples []LagSample) (total int64) {
	for _, s := range samples {
		total += s.Lag
	}
	return
}

// LagReader reads the lag of every partition of a group's topic.
type LagReader interface {
	Lag(ctx context.Context) ([]LagSample, error)
}

// LagMonitor periodically samples a LagReader and emits PartitionLag and GroupLag metrics.
type LagMonitor struct {
	reader   LagReader
	interval time.Duration
	handler  MetricsHandler
	last     int64
}

func NewLagMonitor(reader LagReader, interval time.Duration, handler MetricsHandler) *LagMonitor {
	return &LagMonitor{
		reader:   reader,
		interval: durationOrDefault(interval, DefaultLagInterval),
		handler:  handler,
		last:     -1,
	}
}

// Sample reads the current lag, emits metrics and returns the group lag.
func (lm *LagMonitor) Sample(ctx context.Context) (int64, error) {
	start := time.Now()
	samples, err := lm.reader.Lag(ctx)
	if err != nil {
		return -1, err
	}
	total := GroupLag(samples)
	atomic.StoreInt64(&lm.last, total)
	if lm.handler != nil {
		end := time.Now()
		for _, s := range samples {
			lm.handler(Metric{
				Operation:      PartitionLagOperation,
				StartTime:      start,
				EndTime:        end,
				Lag:            s.Lag,
				Offset:         s.CommittedOffset,
				PartitionCount: 1,
				Partition:      s.TopicPartition.Partition,
				Topic:          s.TopicPartition.Topic,
			})
		}
		lm.handler(Metric{
			Operation:      GroupLagOperation,
			StartTime:      start,
			EndTime:        end,
			Lag:            total,
			PartitionCount: len(samples),
		})
	}
	return total, nil
}

// GroupLag returns the most recently sampled group lag, or -1 if no sample has succeeded.
func (lm *LagMonitor) GroupLag() int64 {
	return atomic.LoadInt64(&lm.last)
}

// Run samples every interval until ctx is done.
func (lm *LagMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(lm.interval)
	defer ticker.Stop()
	for {
		if _, err := lm.Sample(ctx); err != nil && ctx.Err() == nil {
			log.Warnf("could not sample group lag: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
