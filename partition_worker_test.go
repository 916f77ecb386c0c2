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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch/sak"
)

type recordingProcessor struct {
	mux     sync.Mutex
	batches []Batch
	entered chan struct{}
	process func(ctx context.Context, batch *Batch) error
}

func newRecordingProcessor(process func(ctx context.Context, batch *Batch) error) *recordingProcessor {
	return &recordingProcessor{entered: make(chan struct{}, 100), process: process}
}

func (rp *recordingProcessor) Process(ctx context.Context, batch *Batch) error {
	rp.entered <- struct{}{}
	if rp.process != nil {
		if err := rp.process(ctx, batch); err != nil {
			return err
		}
	}
	rp.mux.Lock()
	defer rp.mux.Unlock()
	copied := *batch
	copied.Records = append([]Record(nil), batch.Records...)
	rp.batches = append(rp.batches, copied)
	return nil
}

func (rp *recordingProcessor) processed() []Batch {
	rp.mux.Lock()
	defer rp.mux.Unlock()
	return append([]Batch(nil), rp.batches...)
}

func blockUntilCancelled(ctx context.Context, _ *Batch) error {
	<-ctx.Done()
	return ctx.Err()
}

func testWorkerConfig(batchSize int) ConsumerConfig {
	return ConsumerConfig{
		GroupId:           "g",
		Topic:             "trades",
		BatchSize:         batchSize,
		MaxLingerDuration: time.Minute,
		FetchMaxWait:      time.Minute,
		RetryLimit:        -1,
		RetryBackoff:      time.Millisecond,
		RetryBackoffMax:   time.Millisecond,
	}.withDefaults()
}

func startTestWorker(config ConsumerConfig, store *fakeStore, processor BatchProcessor, onFatal func(TopicPartition, error)) *partitionWorker {
	if onFatal == nil {
		onFatal = func(TopicPartition, error) {}
	}
	return newPartitionWorker(sak.NewRunStatus(context.Background()), ntp(0, "trades"), config, store, processor,
		newBatchArena(config.BatchSize, 4), nil, onFatal)
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(defaultTestTimeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

const defaultTestTimeout = 5 * time.Second

func storeRecords(n int) []Record {
	records := make([]Record, n)
	for i := range records {
		records[i] = testRecord(int64(i), "v")
	}
	return records
}

func TestWorkerRevokeFlushesOpenBatch(t *testing.T) {
	store := newFakeStore()
	store.records = storeRecords(5)
	processor := newRecordingProcessor(nil)
	w := startTestWorker(testWorkerConfig(100), store, processor, nil)
	// the second fetch only starts once the first 5 records are buffered
	waitFor(t, "records to be buffered", func() bool { return atomic.LoadInt64(&store.fetches) >= 2 })
	if len(processor.processed()) != 0 {
		t.Fatalf("nothing should be processed before the batch is full or lingered")
	}
	if err := w.revoke(defaultTestTimeout); err != nil {
		t.Fatal(err)
	}
	batches := processor.processed()
	if len(batches) != 1 || batches[0].Trigger != FlushForced || batches[0].Len() != 5 {
		t.Fatalf("expected a forced flush of 5 records, got %+v", batches)
	}
	if history := store.history(); len(history) != 1 || history[0] != 4 {
		t.Errorf("expected a commit of offset 4, got %v", history)
	}
	if w.State() != PartitionUnowned {
		t.Errorf("expected Unowned, got %v", w.State())
	}
}

func TestWorkerRevokeTimeout(t *testing.T) {
	store := newFakeStore()
	store.records = storeRecords(1)
	processor := newRecordingProcessor(blockUntilCancelled)
	w := startTestWorker(testWorkerConfig(1), store, processor, nil)
	<-processor.entered
	if w.State() != PartitionOwned {
		t.Errorf("expected Owned, got %v", w.State())
	}
	err := w.revoke(20 * time.Millisecond)
	if !errors.Is(err, ErrRebalanceTimeout) {
		t.Fatalf("expected ErrRebalanceTimeout, got %v", err)
	}
	var pe *PartitionError
	if errors.As(err, &pe) && (pe.FirstOffset != 0 || pe.LastOffset != 0) {
		t.Errorf("expected the in-flight batch [0, 0], got [%d, %d]", pe.FirstOffset, pe.LastOffset)
	}
	<-w.Done()
	if len(store.history()) != 0 {
		t.Errorf("an abandoned batch must not be committed")
	}
}

func TestWorkerFatal(t *testing.T) {
	store := newFakeStore()
	store.records = storeRecords(3)
	boom := errors.New("boom")
	processor := newRecordingProcessor(func(context.Context, *Batch) error { return boom })
	fatal := make(chan error, 1)
	config := testWorkerConfig(3)
	config.RetryLimit = 2
	w := startTestWorker(config, store, processor, func(tp TopicPartition, err error) { fatal <- err })
	select {
	case err := <-fatal:
		if !errors.Is(err, ErrPartitionFatal) || !errors.Is(err, boom) {
			t.Errorf("expected a fatal error wrapping boom, got %v", err)
		}
	case <-time.After(defaultTestTimeout):
		t.Fatal("worker did not fail")
	}
	<-w.Done()
	if len(processor.entered) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(processor.entered))
	}
	if len(store.history()) != 0 {
		t.Errorf("a failed batch must not be committed")
	}
}

func TestWorkerResumesAfterCheckpoint(t *testing.T) {
	store := newFakeStore()
	store.committed = 5
	store.records = storeRecords(10)
	processor := newRecordingProcessor(nil)
	w := startTestWorker(testWorkerConfig(2), store, processor, nil)
	waitFor(t, "records to be committed", func() bool {
		history := store.history()
		return len(history) > 0 && history[len(history)-1] == 9
	})
	w.revoke(defaultTestTimeout)
	batches := processor.processed()
	if len(batches) != 2 || batches[0].FirstOffset != 6 || batches[1].LastOffset != 9 {
		t.Errorf("expected batches [6, 7] and [8, 9], got %+v", batches)
	}
	if w.commitLog.Watermark() != 9 {
		t.Errorf("expected watermark 9, got %d", w.commitLog.Watermark())
	}
}

func TestWorkerStartsAtResetOffset(t *testing.T) {
	store := newFakeStore()
	store.records = storeRecords(6)
	store.startOffset = 4
	processor := newRecordingProcessor(nil)
	w := startTestWorker(testWorkerConfig(2), store, processor, nil)
	<-processor.entered
	w.revoke(defaultTestTimeout)
	if batches := processor.processed(); len(batches) != 1 || batches[0].FirstOffset != 4 {
		t.Errorf("expected a single batch starting at 4, got %+v", batches)
	}
}

func TestWorkerLostDoesNotCommit(t *testing.T) {
	store := newFakeStore()
	store.records = storeRecords(1)
	processor := newRecordingProcessor(blockUntilCancelled)
	w := startTestWorker(testWorkerConfig(1), store, processor, nil)
	<-processor.entered
	w.lose(defaultTestTimeout)
	select {
	case <-w.Done():
	default:
		t.Fatal("worker should have stopped")
	}
	if len(store.history()) != 0 {
		t.Errorf("a lost partition must not be committed")
	}
	if w.State() != PartitionUnowned {
		t.Errorf("expected Unowned, got %v", w.State())
	}
}
