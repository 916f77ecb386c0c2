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

// commitLog tracks the committed and pending offsets of a single partition.
// Writes come only from the owning partitionWorker, the committed watermark may be read from any goroutine.
type commitLog struct {
	store          CheckpointStore
	topicPartition TopicPartition
	groupId        string
	committed      int64
	pending        int64
	retryLimit     int
	backoff        *sak.Backoff
	metrics        *metricsEmitter
	failures       int64
}

func newCommitLog(store CheckpointStore, tp TopicPartition, config ConsumerConfig, metrics *metricsEmitter) *commitLog {
	return &commitLog{
		store:          store,
		topicPartition: tp,
		groupId:        config.GroupId,
		committed:      -1,
		pending:        -1,
		retryLimit:     config.CommitRetryLimit,
		backoff:        sak.NewBackoff(config.CommitRetryBackoff, config.RetryBackoffMax),
		metrics:        metrics,
	}
}

// init seeds the watermark from the store. Returns the checkpoint, -1 if there is none.
func (cl *commitLog) init(ctx context.Context) (int64, error) {
	offset, err := cl.store.CommittedOffset(ctx, cl.topicPartition)
	if err != nil {
		return -1, err
	}
	atomic.StoreInt64(&cl.committed, offset)
	return offset, nil
}

// Watermark returns the last successfully committed offset, or -1.
func (cl *commitLog) Watermark() int64 {
	return atomic.LoadInt64(&cl.committed)
}

func (cl *commitLog) Pending() int64 {
	return atomic.LoadInt64(&cl.pending)
}

// commit checkpoints `offset` as fully processed. Offsets at or below the watermark are ignored.
// On failure the commit is retried with backoff. If retries are exhausted the offset stays pending,
// to be superseded by the next commit or by flushPending, and a *PartitionError wrapping ErrCommit is returned.
func (cl *commitLog) commit(ctx context.Context, offset int64) error {
	if offset <= cl.Watermark() {
		return nil
	}
	if offset > cl.Pending() {
		atomic.StoreInt64(&cl.pending, offset)
	}
	return cl.flushPending(ctx)
}

func (cl *commitLog) flushPending(ctx context.Context) error {
	offset := cl.Pending()
	if offset <= cl.Watermark() {
		return nil
	}
	start := time.Now()
	cl.backoff.Reset()
	var err error
	for attempt := 0; attempt <= cl.retryLimit; attempt++ {
		if err = cl.store.CommitOffset(ctx, cl.topicPartition, offset); err == nil {
			atomic.StoreInt64(&cl.committed, offset)
			atomic.CompareAndSwapInt64(&cl.pending, offset, -1)
			cl.metrics.emit(Metric{
				Operation:      CommitOperation,
				StartTime:      start,
				EndTime:        time.Now(),
				Offset:         offset,
				Partition:      cl.topicPartition.Partition,
				PartitionCount: 1,
				Topic:          cl.topicPartition.Topic,
				GroupId:        cl.groupId,
			})
			return nil
		}
		if attempt == cl.retryLimit || ctx.Err() != nil {
			break
		}
		pause := cl.backoff.Next()
		log.Warnf("commit of %v offset %d failed, retrying in %v: %v", cl.topicPartition, offset, pause, err)
		if !sak.SleepContext(ctx, pause) {
			break
		}
	}
	atomic.AddInt64(&cl.failures, 1)
	cl.metrics.emit(Metric{
		Operation:      CommitFailureOperation,
		StartTime:      start,
		EndTime:        time.Now(),
		Offset:         offset,
		Count:          1,
		Partition:      cl.topicPartition.Partition,
		PartitionCount: 1,
		Topic:          cl.topicPartition.Topic,
		GroupId:        cl.groupId,
	})
	log.Errorf("could not commit %v offset %d, records after %d may be reprocessed: %v", cl.topicPartition, offset, cl.Watermark(), err)
	return newPartitionError(ErrCommit, cl.topicPartition, cl.Watermark()+1, offset, err)
}

func (cl *commitLog) failureCount() int64 {
	return atomic.LoadInt64(&cl.failures)
}
