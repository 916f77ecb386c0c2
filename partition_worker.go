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
	"errors"
	"sync/atomic"
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch/sak"
)

type partitionSource interface {
	PartitionLog
	CheckpointStore
}

// partitionWorker runs fetch -> aggregate -> process -> commit for a single partition on its own goroutine.
// At most one batch is in flight at any time.
type partitionWorker struct {
	topicPartition TopicPartition
	config         ConsumerConfig
	source         partitionSource
	processor      BatchProcessor
	commitLog      *commitLog
	aggregator     *aggregator
	arena          *batchArena
	metrics        *metricsEmitter
	retryBackoff   *sak.Backoff
	onFatal        func(TopicPartition, error)
	// halted on revoke, stops fetching immediately
	runStatus sak.RunStatus
	// halted once the revoke grace period expires or ownership is lost
	processStatus sak.RunStatus
	stopped       chan struct{}
	state         int32
	lost          int32
	inFlightFirst int64
	inFlightLast  int64
	assignedAt    time.Time
}

func newPartitionWorker(
	parent sak.RunStatus,
	tp TopicPartition,
	config ConsumerConfig,
	source partitionSource,
	processor BatchProcessor,
	arena *batchArena,
	metrics *metricsEmitter,
	onFatal func(TopicPartition, error)) *partitionWorker {

	pw := &partitionWorker{
		topicPartition: tp,
		config:         config,
		source:         source,
		processor:      processor,
		commitLog:      newCommitLog(source, tp, config, metrics),
		arena:          arena,
		metrics:        metrics,
		retryBackoff:   sak.NewBackoff(config.RetryBackoff, config.RetryBackoffMax),
		onFatal:        onFatal,
		runStatus:      parent.Fork(),
		processStatus:  parent.Fork(),
		stopped:        make(chan struct{}),
		state:          int32(PartitionOwned),
		inFlightFirst:  -1,
		inFlightLast:   -1,
		assignedAt:     time.Now(),
	}
	go pw.work()
	return pw
}

func (pw *partitionWorker) State() PartitionState {
	return PartitionState(atomic.LoadInt32(&pw.state))
}

func (pw *partitionWorker) isLost() bool {
	return atomic.LoadInt32(&pw.lost) != 0
}

func (pw *partitionWorker) inFlight() (int64, int64) {
	return atomic.LoadInt64(&pw.inFlightFirst), atomic.LoadInt64(&pw.inFlightLast)
}

func (pw *partitionWorker) setInFlight(first, last int64) {
	atomic.StoreInt64(&pw.inFlightFirst, first)
	atomic.StoreInt64(&pw.inFlightLast, last)
}

// Returns a channel which is closed once the worker goroutine has exited.
func (pw *partitionWorker) Done() <-chan struct{} {
	return pw.stopped
}

// resolves the first offset to consume, retrying transient failures until halted
func (pw *partitionWorker) initialize() (int64, error) {
	ctx := pw.runStatus.Ctx()
	backoff := sak.NewBackoff(fetchBackoffMin, fetchBackoffMax)
	for {
		committed, err := pw.commitLog.init(ctx)
		if err == nil {
			if committed >= 0 {
				return committed + 1, nil
			}
			var start int64
			if start, err = pw.source.StartOffset(ctx, pw.topicPartition, pw.config.ResetPolicy); err == nil {
				return start, nil
			}
		}
		if !pw.runStatus.Running() {
			return -1, pw.runStatus.Err()
		}
		if !isTransient(err) {
			return -1, newPartitionError(ErrPartitionFatal, pw.topicPartition, -1, -1, err)
		}
		pause := backoff.Next()
		log.Warnf("could not resolve start offset for %v, retrying in %v: %v", pw.topicPartition, pause, err)
		if !pw.runStatus.Sleep(pause) {
			return -1, pw.runStatus.Err()
		}
	}
}

func (pw *partitionWorker) work() {
	defer close(pw.stopped)
	start, err := pw.initialize()
	if err != nil {
		if pw.runStatus.Running() {
			pw.fail(err)
		}
		return
	}
	log.Infof("partitionWorker initialized %v, starting at offset %d", pw.topicPartition, start)
	pw.aggregator = newAggregator(pw.topicPartition, pw.config.BatchSize, pw.config.MaxLingerDuration, pw.arena, start-1)
	fetcher := newFetcher(pw.source, pw.topicPartition, start, pw.config.FetchMaxWait)

	for pw.runStatus.Running() {
		if trigger, ok := pw.aggregator.ready(); ok {
			if !pw.flush(trigger) {
				return
			}
			continue
		}
		deadline, _ := pw.aggregator.lingerDeadline()
		records, err := fetcher.fetch(pw.runStatus.Ctx(), deadline)
		if err != nil {
			if !pw.runStatus.Running() {
				break
			}
			pw.aggregator.discard()
			pw.fail(err)
			return
		}
		for _, record := range records {
			if !pw.runStatus.Running() {
				// not yet buffered, the next owner starts after our last commit
				break
			}
			pw.aggregator.append(record)
			if trigger, ok := pw.aggregator.ready(); ok && trigger == FlushSize {
				if !pw.flush(trigger) {
					return
				}
			}
		}
	}
	pw.drain()
}

// drain is invoked once fetching has stopped. The open batch is flushed regardless of size or age,
// and any pending commit is retried. A lost partition is never flushed.
func (pw *partitionWorker) drain() {
	if pw.isLost() {
		pw.aggregator.discard()
		return
	}
	if !pw.aggregator.isEmpty() {
		log.Debugf("force flushing %d records for %v", pw.aggregator.len(), pw.topicPartition)
		if !pw.flush(FlushForced) {
			return
		}
	}
	if pw.processStatus.Running() {
		pw.commitLog.flushPending(pw.processStatus.Ctx())
	}
}

// flush processes and commits the open batch. Returns false if the worker must stop.
func (pw *partitionWorker) flush(trigger FlushTrigger) bool {
	batch := pw.aggregator.flush(trigger)
	if batch == nil {
		return true
	}
	defer pw.aggregator.release(batch)
	pw.setInFlight(batch.FirstOffset, batch.LastOffset)
	defer pw.setInFlight(-1, -1)

	ctx := pw.processStatus.Ctx()
	execute := time.Now()
	err := processWithRetry(ctx, pw.processor, batch, pw.config.RetryLimit, pw.retryBackoff)
	if err == nil && !pw.isLost() && pw.processStatus.Running() {
		// failures are counted and logged by the commitLog, the offset stays pending
		pw.commitLog.commit(ctx, batch.LastOffset)
	}
	pw.metrics.emit(Metric{
		Operation:      BatchFlushOperation,
		StartTime:      batch.OpenedAt,
		ExecuteTime:    execute,
		EndTime:        time.Now(),
		Count:          batch.Len(),
		Bytes:          batch.Bytes,
		Offset:         batch.LastOffset,
		Trigger:        trigger,
		PartitionCount: 1,
		Partition:      pw.topicPartition.Partition,
		Topic:          pw.topicPartition.Topic,
		GroupId:        pw.config.GroupId,
	})
	if err == nil {
		return true
	}
	if pw.isLost() || !pw.processStatus.Running() {
		log.Warnf("abandoned batch for %v, offsets [%d, %d] will be reprocessed: %v", pw.topicPartition, batch.FirstOffset, batch.LastOffset, err)
		return false
	}
	pw.fail(err)
	return false
}

func (pw *partitionWorker) fail(err error) {
	if !errors.Is(err, ErrPartitionFatal) {
		err = newPartitionError(ErrPartitionFatal, pw.topicPartition, pw.commitLog.Watermark()+1, -1, err)
	}
	pw.metrics.emit(Metric{
		Operation:      PartitionFatalOperation,
		StartTime:      time.Now(),
		EndTime:        time.Now(),
		Count:          1,
		PartitionCount: 1,
		Partition:      pw.topicPartition.Partition,
		Topic:          pw.topicPartition.Topic,
		GroupId:        pw.config.GroupId,
	})
	pw.onFatal(pw.topicPartition, err)
}

// revoke stops fetching immediately and waits up to `grace` for the open batch to be flushed and committed.
// If the grace period expires, in-flight work is cancelled and a *PartitionError wrapping ErrRebalanceTimeout
// describing the abandoned offsets is returned.
func (pw *partitionWorker) revoke(grace time.Duration) error {
	atomic.StoreInt32(&pw.state, int32(PartitionDraining))
	pw.runStatus.Halt()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-pw.stopped:
		pw.processStatus.Halt()
		atomic.StoreInt32(&pw.state, int32(PartitionUnowned))
		return nil
	case <-timer.C:
	}
	first, last := pw.inFlight()
	if first < 0 {
		first, last = pw.commitLog.Watermark()+1, pw.commitLog.Pending()
	}
	pw.processStatus.Halt()
	atomic.StoreInt32(&pw.state, int32(PartitionUnowned))
	err := newPartitionError(ErrRebalanceTimeout, pw.topicPartition, first, last, nil)
	log.Warnf("%v, releasing ownership after %v. offsets [%d, %d] may be reprocessed by the next owner", err, grace, first, last)
	return err
}

// lose stops the worker without flushing or committing. Waits up to `grace` for the goroutine to exit.
func (pw *partitionWorker) lose(grace time.Duration) {
	atomic.StoreInt32(&pw.lost, 1)
	pw.runStatus.Halt()
	pw.processStatus.Halt()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-pw.stopped:
	case <-timer.C:
		log.Warnf("lost partition %v did not stop within %v", pw.topicPartition, grace)
	}
	atomic.StoreInt32(&pw.state, int32(PartitionUnowned))
}
