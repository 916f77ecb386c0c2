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
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch/sak"
)

// BatchProcessor performs the downstream write for a batch. Process is invoked by at most one goroutine
// per partition at a time, but concurrently across partitions. Batches may be redelivered after a
// failure or rebalance, so implementations should be idempotent.
type BatchProcessor interface {
	Process(ctx context.Context, batch *Batch) error
}

// ProcessorFunc adapts a function to the BatchProcessor interface.
type ProcessorFunc func(ctx context.Context, batch *Batch) error

func (pf ProcessorFunc) Process(ctx context.Context, batch *Batch) error {
	return pf(ctx, batch)
}

func safeProcess(ctx context.Context, processor BatchProcessor, batch *Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return processor.Process(ctx, batch)
}

// processWithRetry invokes the processor, retrying up to `retryLimit` times.
// Returns a *PartitionError wrapping ErrPartitionFatal and the last failure once retries are exhausted,
// or if ctx is cancelled between attempts.
func processWithRetry(ctx context.Context, processor BatchProcessor, batch *Batch, retryLimit int, backoff *sak.Backoff) error {
	backoff.Reset()
	var err error
	for attempt := 0; attempt <= retryLimit; attempt++ {
		if err = safeProcess(ctx, processor, batch); err == nil {
			return nil
		}
		err = newPartitionError(ErrProcessing, batch.TopicPartition, batch.FirstOffset, batch.LastOffset, err)
		if attempt == retryLimit {
			break
		}
		pause := backoff.Next()
		log.Warnf("batch processing failed (attempt %d of %d), retrying in %v: %v", attempt+1, retryLimit+1, pause, err)
		if !sak.SleepContext(ctx, pause) {
			err = errors.Join(err, ctx.Err())
			break
		}
	}
	return newPartitionError(ErrPartitionFatal, batch.TopicPartition, batch.FirstOffset, batch.LastOffset, err)
}

var ErrSimulatedWrite = errors.New("simulated write failure")

// SimulatedWrite is a BatchProcessor which sleeps for a configurable latency and fails at a configurable rate.
// Useful for load testing the consumer without a real downstream.
type SimulatedWrite struct {
	// Base latency of every write.
	Latency time.Duration
	// Up to Jitter is randomly added to Latency.
	Jitter time.Duration
	// Probability, between 0 and 1, that a write fails.
	FailureRate float64
	batches     int64
	records     int64
	failures    int64
}

func (sw *SimulatedWrite) Process(ctx context.Context, batch *Batch) error {
	latency := sw.Latency
	if sw.Jitter > 0 {
		latency += time.Duration(rand.Int63n(int64(sw.Jitter)))
	}
	if !sak.SleepContext(ctx, latency) {
		return ctx.Err()
	}
	if sw.FailureRate > 0 && rand.Float64() < sw.FailureRate {
		atomic.AddInt64(&sw.failures, 1)
		return ErrSimulatedWrite
	}
	atomic.AddInt64(&sw.batches, 1)
	atomic.AddInt64(&sw.records, int64(batch.Len()))
	return nil
}

// Returns the number of successful batches, records written and failed writes.
func (sw *SimulatedWrite) Stats() (batches, records, failures int64) {
	return atomic.LoadInt64(&sw.batches), atomic.LoadInt64(&sw.records), atomic.LoadInt64(&sw.failures)
}
