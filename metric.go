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
	"time"
)

const (
	// Emitted after a batch has been processed and committed, or has failed. Count/Bytes describe the batch.
	BatchFlushOperation = "BatchFlush"
	// Emitted after a successful checkpoint. Offset holds the committed offset.
	CommitOperation = "Commit"
	// Emitted when a commit has exhausted its retries and remains pending.
	CommitFailureOperation = "CommitFailure"
	// Emitted per partition by the LagMonitor. Lag holds the partition lag.
	PartitionLagOperation = "PartitionLag"
	// Emitted by the LagMonitor after each sample. Lag holds the sum across partitions.
	GroupLagOperation = "GroupLag"
	// Emitted after each rebalance phase. Count holds the number of partitions affected,
	// PartitionCount the number owned once the phase completed.
	RebalanceOperation = "Rebalance"
	// Emitted when a partition exhausts its processing retries.
	PartitionFatalOperation = "PartitionFatal"
)

type MetricsHandler func(Metric)

type Metric struct {
	StartTime      time.Time
	ExecuteTime    time.Time
	EndTime        time.Time
	Count          int
	Bytes          int
	PartitionCount int
	Partition      int32
	Offset         int64
	Lag            int64
	Trigger        FlushTrigger
	Phase          string
	Operation      string
	Topic          string
	GroupId        string
}

func (m Metric) Duration() time.Duration {
	return m.EndTime.Sub(m.StartTime)
}

// Linger is the time between a batch being opened and the processor being invoked.
func (m Metric) Linger() time.Duration {
	return m.ExecuteTime.Sub(m.StartTime)
}

func (m Metric) ExecuteDuration() time.Duration {
	return m.EndTime.Sub(m.ExecuteTime)
}

// metricsEmitter decouples metric producers from the MetricsHandler with a buffered channel.
// A nil emitter, or one without a handler, discards everything.
type metricsEmitter struct {
	metrics chan Metric
	handler MetricsHandler
}

func newMetricsEmitter(handler MetricsHandler) *metricsEmitter {
	me := &metricsEmitter{handler: handler}
	if handler != nil {
		me.metrics = make(chan Metric, 2048)
	}
	return me
}

func (me *metricsEmitter) emit(m Metric) {
	if me == nil || me.metrics == nil {
		return
	}
	select {
	case me.metrics <- m:
	default:
		log.Warnf("metrics channel full, unable to emit metrics: %+v", m)
	}
}

// run delivers metrics until ctx is done, then flushes whatever is still buffered.
func (me *metricsEmitter) run(ctx context.Context) {
	if me == nil || me.metrics == nil {
		return
	}
	for {
		select {
		case m := <-me.metrics:
			me.handler(m)
		case <-ctx.Done():
			for {
				select {
				case m := <-me.metrics:
					me.handler(m)
				default:
					return
				}
			}
		}
	}
}
