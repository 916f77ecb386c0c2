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
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch/sak"
)

// batchArena hands out record buffers sized to BatchSize. Buffers are returned once a batch
// has been processed, so a partition moving between pipelines never allocates a new buffer.
type batchArena struct {
	pool      *sak.Pool[[]Record]
	batchSize int
}

func newBatchArena(batchSize, retained int) *batchArena {
	return &batchArena{
		batchSize: batchSize,
		pool: sak.NewPool(retained, func() []Record {
			return make([]Record, 0, batchSize)
		}, func(records []Record) []Record {
			// drop key/value references so the arena does not pin payloads
			for i := range records {
				records[i] = Record{}
			}
			return records[:0]
		}),
	}
}

func (ba *batchArena) borrow() []Record {
	return ba.pool.Borrow()
}

func (ba *batchArena) release(records []Record) {
	if records != nil {
		ba.pool.Release(records)
	}
}

// aggregator accumulates the records of a single partition into a batch.
// It is owned by a single partitionWorker and is not thread-safe.
type aggregator struct {
	topicPartition TopicPartition
	batchSize      int
	maxLinger      time.Duration
	arena          *batchArena
	records        []Record
	openedAt       time.Time
	bytes          int
	// the offset of the last record accepted, in or out of the current batch
	lastOffset int64
	now        func() time.Time
}

func newAggregator(tp TopicPartition, batchSize int, maxLinger time.Duration, arena *batchArena, lastOffset int64) *aggregator {
	return &aggregator{
		topicPartition: tp,
		batchSize:      batchSize,
		maxLinger:      maxLinger,
		arena:          arena,
		lastOffset:     lastOffset,
		now:            time.Now,
	}
}

// append adds r to the open batch, opening one if needed.
// Returns false if r is not newer than the last accepted record.
func (a *aggregator) append(r Record) bool {
	if r.Offset <= a.lastOffset {
		return false
	}
	if a.records == nil {
		a.records = a.arena.borrow()
		a.openedAt = a.now()
	}
	a.records = append(a.records, r)
	a.bytes += r.Size()
	a.lastOffset = r.Offset
	return true
}

func (a *aggregator) len() int {
	return len(a.records)
}

func (a *aggregator) isEmpty() bool {
	return len(a.records) == 0
}

// lingerDeadline returns the time at which the open batch must be flushed. ok is false if no batch is open.
func (a *aggregator) lingerDeadline() (deadline time.Time, ok bool) {
	if a.isEmpty() {
		return
	}
	return a.openedAt.Add(a.maxLinger), true
}

// ready reports whether the open batch should be flushed, and why.
func (a *aggregator) ready() (FlushTrigger, bool) {
	if a.isEmpty() {
		return FlushSize, false
	}
	if len(a.records) >= a.batchSize {
		return FlushSize, true
	}
	if !a.now().Before(a.openedAt.Add(a.maxLinger)) {
		return FlushLinger, true
	}
	return FlushSize, false
}

// flush hands the open batch to the caller, leaving the aggregator empty. Returns nil if there is nothing to flush.
// The caller must pass the batch to release() once it has been processed.
func (a *aggregator) flush(trigger FlushTrigger) *Batch {
	if a.isEmpty() {
		return nil
	}
	b := &Batch{
		TopicPartition: a.topicPartition,
		Records:        a.records,
		FirstOffset:    a.records[0].Offset,
		LastOffset:     a.records[len(a.records)-1].Offset,
		OpenedAt:       a.openedAt,
		Bytes:          a.bytes,
		Trigger:        trigger,
	}
	a.records = nil
	a.bytes = 0
	a.openedAt = time.Time{}
	return b
}

func (a *aggregator) release(b *Batch) {
	if b != nil {
		a.arena.release(b.Records)
		b.Records = nil
	}
}

// discard drops the open batch without flushing it. Used when ownership was lost.
func (a *aggregator) discard() {
	a.arena.release(a.records)
	a.records = nil
	a.bytes = 0
}
