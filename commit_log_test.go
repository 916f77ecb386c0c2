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
)

var errStore = errors.New("store unavailable")

// fakeStore is an in-package PartitionLog and CheckpointStore for a single partition
type fakeStore struct {
	mux          sync.Mutex
	committed    int64
	commits      []int64
	failCommits  int
	records      []Record
	fetchErrs    []error
	startOffset  int64
	commitCalled int
	fetches      int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{committed: -1}
}

func (fs *fakeStore) CommitOffset(_ context.Context, _ TopicPartition, offset int64) error {
	fs.mux.Lock()
	defer fs.mux.Unlock()
	fs.commitCalled++
	if fs.failCommits > 0 {
		fs.failCommits--
		return errStore
	}
	fs.committed = offset
	fs.commits = append(fs.commits, offset)
	return nil
}

func (fs *fakeStore) CommittedOffset(context.Context, TopicPartition) (int64, error) {
	fs.mux.Lock()
	defer fs.mux.Unlock()
	return fs.committed, nil
}

func (fs *fakeStore) Fetch(ctx context.Context, _ TopicPartition, from int64) ([]Record, error) {
	atomic.AddInt64(&fs.fetches, 1)
	fs.mux.Lock()
	if len(fs.fetchErrs) > 0 {
		err := fs.fetchErrs[0]
		fs.fetchErrs = fs.fetchErrs[1:]
		fs.mux.Unlock()
		return nil, err
	}
	var out []Record
	for _, r := range fs.records {
		if r.Offset >= from {
			out = append(out, r)
		}
	}
	fs.mux.Unlock()
	if len(out) > 0 {
		return out, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (fs *fakeStore) StartOffset(context.Context, TopicPartition, ResetPolicy) (int64, error) {
	return fs.startOffset, nil
}

func (fs *fakeStore) history() []int64 {
	fs.mux.Lock()
	defer fs.mux.Unlock()
	return append([]int64(nil), fs.commits...)
}

func testCommitLog(store CheckpointStore, retries int) *commitLog {
	return newCommitLog(store, ntp(0, "trades"), ConsumerConfig{
		GroupId:            "g",
		CommitRetryLimit:   retries,
		CommitRetryBackoff: time.Millisecond,
		RetryBackoffMax:    time.Millisecond,
	}, nil)
}

func TestCommitLogMonotonic(t *testing.T) {
	store := newFakeStore()
	cl := testCommitLog(store, 1)
	ctx := context.Background()
	if offset, err := cl.init(ctx); err != nil || offset != -1 {
		t.Fatalf("unexpected init: %d, %v", offset, err)
	}
	for _, offset := range []int64{9, 19, 15, 19, 29} {
		if err := cl.commit(ctx, offset); err != nil {
			t.Fatal(err)
		}
	}
	history := store.history()
	if len(history) != 3 || history[0] != 9 || history[1] != 19 || history[2] != 29 {
		t.Errorf("unexpected commits: %v", history)
	}
	if cl.Watermark() != 29 || cl.Pending() != -1 {
		t.Errorf("unexpected watermark/pending: %d/%d", cl.Watermark(), cl.Pending())
	}
}

func TestCommitLogRetries(t *testing.T) {
	store := newFakeStore()
	store.failCommits = 2
	cl := testCommitLog(store, 3)
	if err := cl.commit(context.Background(), 9); err != nil {
		t.Fatal(err)
	}
	if store.commitCalled != 3 || cl.Watermark() != 9 {
		t.Errorf("expected success on the 3rd attempt, calls: %d, watermark: %d", store.commitCalled, cl.Watermark())
	}
	if cl.failureCount() != 0 {
		t.Errorf("recovered commits should not count as failures")
	}
}

func TestCommitLogKeepsPendingWhenExhausted(t *testing.T) {
	store := newFakeStore()
	store.failCommits = 2
	cl := testCommitLog(store, 1)
	ctx := context.Background()
	err := cl.commit(ctx, 9)
	if !errors.Is(err, ErrCommit) || !errors.Is(err, errStore) {
		t.Fatalf("expected ErrCommit wrapping the store error, got %v", err)
	}
	var pe *PartitionError
	if !errors.As(err, &pe) || pe.FirstOffset != 0 || pe.LastOffset != 9 {
		t.Errorf("unexpected partition error: %+v", pe)
	}
	if cl.Watermark() != -1 || cl.Pending() != 9 {
		t.Errorf("offset should stay pending, watermark: %d, pending: %d", cl.Watermark(), cl.Pending())
	}
	if cl.failureCount() != 1 {
		t.Errorf("expected 1 failure, got %d", cl.failureCount())
	}
	if err = cl.flushPending(ctx); err != nil {
		t.Fatal(err)
	}
	if cl.Watermark() != 9 || cl.Pending() != -1 {
		t.Errorf("pending offset should be committed, watermark: %d, pending: %d", cl.Watermark(), cl.Pending())
	}
}

func TestCommitLogSupersedesPending(t *testing.T) {
	store := newFakeStore()
	store.failCommits = 1
	cl := testCommitLog(store, 0)
	ctx := context.Background()
	if err := cl.commit(ctx, 9); err == nil {
		t.Fatal("expected commit failure")
	}
	if err := cl.commit(ctx, 19); err != nil {
		t.Fatal(err)
	}
	if history := store.history(); len(history) != 1 || history[0] != 19 {
		t.Errorf("the later offset should supersede the pending one, got %v", history)
	}
}

func TestCommitLogEmitsMetrics(t *testing.T) {
	var metrics []Metric
	emitter := newMetricsEmitter(func(m Metric) { metrics = append(metrics, m) })
	store := newFakeStore()
	store.failCommits = 1
	cl := newCommitLog(store, ntp(3, "trades"), ConsumerConfig{GroupId: "g", CommitRetryLimit: 0}, emitter)
	ctx := context.Background()
	cl.commit(ctx, 4)
	cl.commit(ctx, 5)

	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	emitter.run(runCtx)
	if len(metrics) != 2 {
		t.Fatalf("expected 2 metrics, got %d", len(metrics))
	}
	if metrics[0].Operation != CommitFailureOperation || metrics[1].Operation != CommitOperation {
		t.Errorf("unexpected operations: %s, %s", metrics[0].Operation, metrics[1].Operation)
	}
	if metrics[1].Offset != 5 || metrics[1].Partition != 3 || metrics[1].GroupId != "g" {
		t.Errorf("unexpected commit metric: %+v", metrics[1])
	}
}
