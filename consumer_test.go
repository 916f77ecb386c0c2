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

package microbatch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch"
	"github.com/aws/go-kafka-microbatch/microbatch/memlog"
)

const (
	defaultTestTimeout = 10 * time.Second
	testGroup          = "g"
	testTopic          = "trades"
)

func tp(p int32) microbatch.TopicPartition {
	return microbatch.TopicPartition{Topic: testTopic, Partition: p}
}

// trackingProcessor records every processed offset and fails the test if two batches
// of the same partition are ever in flight at once
type trackingProcessor struct {
	t        *testing.T
	mux      sync.Mutex
	inFlight map[int32]bool
	offsets  map[int32][]int64
	triggers map[microbatch.FlushTrigger]int
	delay    time.Duration
	fail     func(batch *microbatch.Batch) error
}

func newTrackingProcessor(t *testing.T) *trackingProcessor {
	return &trackingProcessor{
		t:        t,
		inFlight: make(map[int32]bool),
		offsets:  make(map[int32][]int64),
		triggers: make(map[microbatch.FlushTrigger]int),
	}
}

func (proc *trackingProcessor) Process(ctx context.Context, batch *microbatch.Batch) error {
	proc.mux.Lock()
	if proc.inFlight[batch.Partition] {
		proc.t.Errorf("concurrent batches for %v", batch.TopicPartition)
	}
	proc.inFlight[batch.Partition] = true
	proc.mux.Unlock()
	defer func() {
		proc.mux.Lock()
		proc.inFlight[batch.Partition] = false
		proc.mux.Unlock()
	}()

	if proc.delay > 0 {
		time.Sleep(proc.delay)
	}
	if proc.fail != nil {
		if err := proc.fail(batch); err != nil {
			return err
		}
	}
	for i, r := range batch.Records {
		if r.Partition != batch.Partition {
			proc.t.Errorf("record from %d in a batch for %d", r.Partition, batch.Partition)
		}
		if i > 0 && r.Offset <= batch.Records[i-1].Offset {
			proc.t.Errorf("records out of order in %v: %d after %d", batch.TopicPartition, r.Offset, batch.Records[i-1].Offset)
		}
	}
	if batch.FirstOffset != batch.Records[0].Offset || batch.LastOffset != batch.Records[batch.Len()-1].Offset {
		proc.t.Errorf("batch bounds [%d, %d] do not match its records", batch.FirstOffset, batch.LastOffset)
	}
	proc.mux.Lock()
	defer proc.mux.Unlock()
	for _, r := range batch.Records {
		proc.offsets[r.Partition] = append(proc.offsets[r.Partition], r.Offset)
	}
	proc.triggers[batch.Trigger]++
	return nil
}

func (proc *trackingProcessor) processed(partition int32) []int64 {
	proc.mux.Lock()
	defer proc.mux.Unlock()
	return append([]int64(nil), proc.offsets[partition]...)
}

func (proc *trackingProcessor) triggerCount(trigger microbatch.FlushTrigger) int {
	proc.mux.Lock()
	defer proc.mux.Unlock()
	return proc.triggers[trigger]
}

// expectExactlyOnce verifies partition p was processed in order from 0 to count-1 without gaps or repeats
func expectExactlyOnce(t *testing.T, processors []*trackingProcessor, p int32, count int) {
	t.Helper()
	var offsets []int64
	for _, processor := range processors {
		offsets = append(offsets, processor.processed(p)...)
	}
	if len(offsets) != count {
		t.Errorf("partition %d: expected %d records, got %d", p, count, len(offsets))
		return
	}
	seen := make(map[int64]bool, count)
	for _, o := range offsets {
		if seen[o] {
			t.Errorf("partition %d: offset %d processed twice", p, o)
		}
		seen[o] = true
	}
	for i := 0; i < count; i++ {
		if !seen[int64(i)] {
			t.Errorf("partition %d: offset %d never processed", p, i)
		}
	}
}

func newTestLog(partitions, recordsPerPartition int) *memlog.Log {
	l := memlog.New()
	l.CreateTopic(testTopic, partitions)
	appendRecords(l, partitions, recordsPerPartition)
	return l
}

func appendRecords(l *memlog.Log, partitions, recordsPerPartition int) {
	for p := 0; p < partitions; p++ {
		for i := 0; i < recordsPerPartition; i++ {
			l.Append(tp(int32(p)), nil, []byte(fmt.Sprintf("%d-%d", p, i)))
		}
	}
}

func testConfig(instanceId string) microbatch.ConsumerConfig {
	return microbatch.ConsumerConfig{
		GroupId:           testGroup,
		Topic:             testTopic,
		InstanceId:        instanceId,
		BatchSize:         100,
		MaxLingerDuration: 50 * time.Millisecond,
		FetchMaxWait:      50 * time.Millisecond,
		RevokeGracePeriod: 5 * time.Second,
		RetryBackoff:      time.Millisecond,
		RetryBackoffMax:   5 * time.Millisecond,
	}
}

func startConsumer(t *testing.T, l *memlog.Log, config microbatch.ConsumerConfig, processor microbatch.BatchProcessor) *microbatch.Consumer {
	t.Helper()
	c, err := microbatch.NewConsumer(config, l.NewBroker(config.GroupId, config.Topic, config.InstanceId), processor)
	if err != nil {
		t.Fatal(err)
	}
	c.Start()
	t.Cleanup(func() {
		c.Stop()
		<-c.Done()
	})
	waitFor(t, config.InstanceId+" to join", func() bool {
		for _, id := range l.Members(config.GroupId) {
			if id == config.InstanceId {
				return true
			}
		}
		return false
	})
	return c
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

func waitForCommits(t *testing.T, l *memlog.Log, partitions int, last int64) {
	t.Helper()
	waitFor(t, fmt.Sprintf("commits of offset %d", last), func() bool {
		for p := 0; p < partitions; p++ {
			if l.Committed(testGroup, tp(int32(p))) != last {
				return false
			}
		}
		return true
	})
}

func TestConsumeAllPartitions(t *testing.T) {
	l := newTestLog(4, 250)
	processor := newTrackingProcessor(t)
	var flushes int64
	config := testConfig("a")
	config.MetricsHandler = func(m microbatch.Metric) {
		if m.Operation == microbatch.BatchFlushOperation {
			atomic.AddInt64(&flushes, 1)
		}
	}
	c := startConsumer(t, l, config, processor)
	waitForCommits(t, l, 4, 249)

	for p := int32(0); p < 4; p++ {
		expectExactlyOnce(t, []*trackingProcessor{processor}, p, 250)
		history := l.CommitHistory(testGroup, tp(p))
		if len(history) != 3 || history[0] != 99 || history[1] != 199 {
			t.Errorf("partition %d: unexpected commits %v", p, history)
		}
	}
	if processor.triggerCount(microbatch.FlushSize) != 8 || processor.triggerCount(microbatch.FlushLinger) != 4 {
		t.Errorf("expected 8 size and 4 linger flushes, got %d and %d",
			processor.triggerCount(microbatch.FlushSize), processor.triggerCount(microbatch.FlushLinger))
	}
	assignments := c.Assignments()
	if len(assignments) != 4 {
		t.Fatalf("expected 4 assignments, got %d", len(assignments))
	}
	for i, a := range assignments {
		if a.TopicPartition.Partition != int32(i) || a.OwnerInstanceId != "a" || a.State != microbatch.PartitionOwned || a.CommittedOffset != 249 {
			t.Errorf("unexpected assignment: %+v", a)
		}
	}
	waitFor(t, "flush metrics", func() bool { return atomic.LoadInt64(&flushes) == 12 })
}

func TestLingerFlushesSmallBatches(t *testing.T) {
	l := newTestLog(1, 5)
	processor := newTrackingProcessor(t)
	startConsumer(t, l, testConfig("a"), processor)
	waitForCommits(t, l, 1, 4)
	if processor.triggerCount(microbatch.FlushLinger) != 1 {
		t.Errorf("expected a single linger flush")
	}

	// a new batch opens with the next record
	appendRecords(l, 1, 3)
	waitForCommits(t, l, 1, 7)
	expectExactlyOnce(t, []*trackingProcessor{processor}, 0, 8)
}

func TestStopFlushesBufferedRecords(t *testing.T) {
	l := newTestLog(1, 40)
	processor := newTrackingProcessor(t)
	config := testConfig("a")
	config.MaxLingerDuration = time.Minute
	c := startConsumer(t, l, config, processor)
	// nothing is observable until the batch is flushed, give the pipeline time to buffer
	time.Sleep(200 * time.Millisecond)
	if len(processor.processed(0)) != 0 {
		t.Fatalf("nothing should be processed before the batch is full or lingered")
	}
	c.Stop()
	<-c.Done()
	if processor.triggerCount(microbatch.FlushForced) != 1 {
		t.Errorf("expected a forced flush")
	}
	expectExactlyOnce(t, []*trackingProcessor{processor}, 0, 40)
	if committed := l.Committed(testGroup, tp(0)); committed != 39 {
		t.Errorf("expected offset 39 to be committed, got %d", committed)
	}
	if len(l.Members(testGroup)) != 0 {
		t.Errorf("consumer should have left the group")
	}
}

func TestCooperativeRebalance(t *testing.T) {
	const partitions, records = 4, 2000
	l := newTestLog(partitions, records)
	var revokedMux sync.Mutex
	revokedFromA := make([]microbatch.TopicPartition, 0)

	processorA := newTrackingProcessor(t)
	processorA.delay = 10 * time.Millisecond
	configA := testConfig("a")
	configA.OnPartitionRevoked = func(tp microbatch.TopicPartition) {
		revokedMux.Lock()
		revokedFromA = append(revokedFromA, tp)
		revokedMux.Unlock()
	}
	a := startConsumer(t, l, configA, processorA)
	waitFor(t, "a to make progress", func() bool { return len(processorA.processed(0)) > 0 })

	processorB := newTrackingProcessor(t)
	b := startConsumer(t, l, testConfig("b"), processorB)
	waitForCommits(t, l, partitions, records-1)

	processors := []*trackingProcessor{processorA, processorB}
	for p := int32(0); p < partitions; p++ {
		expectExactlyOnce(t, processors, p, records)
	}
	ownedByA, ownedByB := a.Assignments(), b.Assignments()
	if len(ownedByA) != 2 || len(ownedByB) != 2 {
		t.Fatalf("expected an even split, got a: %v, b: %v", ownedByA, ownedByB)
	}
	revokedMux.Lock()
	defer revokedMux.Unlock()
	if len(revokedFromA) != 2 {
		t.Errorf("only the partitions which moved should be revoked, got %v", revokedFromA)
	}
	for _, kept := range ownedByA {
		for _, revoked := range revokedFromA {
			if kept.TopicPartition == revoked {
				t.Errorf("%v was revoked but stayed with a", revoked)
			}
		}
	}
}

// Partitions which stay with a consumer keep committing while the moved partitions drain.
func TestRebalanceDoesNotPauseKeptPartitions(t *testing.T) {
	const partitions, records = 4, 5000
	const slowDrain = time.Second
	l := newTestLog(partitions, records)

	var mux sync.Mutex
	revoking := make(map[int32]bool)
	var willRevokeAt, revokedAt time.Time
	type flush struct {
		partition int32
		end       time.Time
	}
	var flushes []flush

	processorA := newTrackingProcessor(t)
	processorA.delay = 20 * time.Millisecond
	processorA.fail = func(batch *microbatch.Batch) error {
		mux.Lock()
		slow := revoking[batch.Partition]
		mux.Unlock()
		if slow {
			time.Sleep(slowDrain)
		}
		return nil
	}
	configA := testConfig("a")
	configA.BatchSize = 30
	configA.OnPartitionWillRevoke = func(tp microbatch.TopicPartition) {
		mux.Lock()
		defer mux.Unlock()
		if willRevokeAt.IsZero() {
			willRevokeAt = time.Now()
		}
		revoking[tp.Partition] = true
	}
	configA.OnPartitionRevoked = func(microbatch.TopicPartition) {
		mux.Lock()
		defer mux.Unlock()
		if revokedAt.IsZero() {
			revokedAt = time.Now()
		}
	}
	configA.MetricsHandler = func(m microbatch.Metric) {
		if m.Operation != microbatch.BatchFlushOperation {
			return
		}
		mux.Lock()
		flushes = append(flushes, flush{partition: m.Partition, end: m.EndTime})
		mux.Unlock()
	}
	a := startConsumer(t, l, configA, processorA)
	waitFor(t, "a to make progress", func() bool { return len(processorA.processed(0)) > 0 })

	processorB := newTrackingProcessor(t)
	startConsumer(t, l, testConfig("b"), processorB)
	waitForCommits(t, l, partitions, records-1)
	for p := int32(0); p < partitions; p++ {
		expectExactlyOnce(t, []*trackingProcessor{processorA, processorB}, p, records)
	}

	kept := a.Assignments()
	if len(kept) != 2 {
		t.Fatalf("expected a to keep 2 partitions, got %v", kept)
	}
	mux.Lock()
	defer mux.Unlock()
	if window := revokedAt.Sub(willRevokeAt); window < slowDrain-100*time.Millisecond {
		t.Fatalf("expected the revoke to take about %v, took %v", slowDrain, window)
	}
	for _, assignment := range kept {
		p := assignment.TopicPartition.Partition
		if revoking[p] {
			t.Errorf("%v was revoked but stayed with a", assignment.TopicPartition)
		}
		during := 0
		for _, f := range flushes {
			if f.partition == p && f.end.After(willRevokeAt) && f.end.Before(revokedAt) {
				during++
			}
		}
		if during == 0 {
			t.Errorf("partition %d committed nothing while the revoked partitions drained", p)
		}
	}
}

func TestFatalPartitionIsRelinquished(t *testing.T) {
	l := memlog.New()
	l.CreateTopic(testTopic, 2)
	var fatal int64
	failing := newTrackingProcessor(t)
	failing.fail = func(*microbatch.Batch) error { return errors.New("downstream rejected the batch") }
	configA := testConfig("a")
	configA.RetryLimit = 1
	configA.ErrorHandler = func(tp microbatch.TopicPartition, err error) microbatch.ErrorResponse {
		if !errors.Is(err, microbatch.ErrPartitionFatal) {
			t.Errorf("expected ErrPartitionFatal, got %v", err)
		}
		atomic.AddInt64(&fatal, 1)
		return microbatch.FailPartition
	}
	a := startConsumer(t, l, configA, failing)
	healthy := newTrackingProcessor(t)
	b := startConsumer(t, l, testConfig("b"), healthy)
	waitFor(t, "an even split", func() bool { return len(a.Assignments()) == 1 && len(b.Assignments()) == 1 })

	appendRecords(l, 2, 300)
	waitForCommits(t, l, 2, 299)
	if atomic.LoadInt64(&fatal) != 1 {
		t.Errorf("expected a single fatal partition, got %d", atomic.LoadInt64(&fatal))
	}
	if len(a.Assignments()) != 0 || len(b.Assignments()) != 2 {
		t.Errorf("expected b to own every partition, got a: %v, b: %v", a.Assignments(), b.Assignments())
	}
	for p := int32(0); p < 2; p++ {
		expectExactlyOnce(t, []*trackingProcessor{healthy}, p, 300)
	}
}

func TestFailConsumerLeavesGroup(t *testing.T) {
	l := memlog.New()
	l.CreateTopic(testTopic, 2)
	failing := newTrackingProcessor(t)
	failing.fail = func(*microbatch.Batch) error { return errors.New("bad deployment") }
	configA := testConfig("a")
	configA.RetryLimit = -1
	configA.ErrorHandler = func(microbatch.TopicPartition, error) microbatch.ErrorResponse {
		return microbatch.FailConsumer
	}
	a := startConsumer(t, l, configA, failing)
	healthy := newTrackingProcessor(t)
	startConsumer(t, l, testConfig("b"), healthy)

	appendRecords(l, 2, 50)
	select {
	case <-a.Done():
	case <-time.After(defaultTestTimeout):
		t.Fatal("a should have left the group")
	}
	waitForCommits(t, l, 2, 49)
	if members := l.Members(testGroup); len(members) != 1 || members[0] != "b" {
		t.Errorf("unexpected members: %v", members)
	}
}

func TestLostPartitionsAreNotCommitted(t *testing.T) {
	l := newTestLog(1, 10)
	blocking := newTrackingProcessor(t)
	entered := make(chan struct{}, 1)
	blocking.fail = func(*microbatch.Batch) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		time.Sleep(100 * time.Millisecond)
		return errors.New("stuck")
	}
	config := testConfig("a")
	config.BatchSize = 10
	a := startConsumer(t, l, config, blocking)
	<-entered
	if err := l.Expel(testGroup, "a"); err != nil {
		t.Fatal(err)
	}
	if len(a.Assignments()) != 0 {
		t.Errorf("lost partitions should be removed, got %v", a.Assignments())
	}
	if committed := l.Committed(testGroup, tp(0)); committed != -1 {
		t.Errorf("a lost partition must not be committed, got %d", committed)
	}

	processor := newTrackingProcessor(t)
	startConsumer(t, l, testConfig("b"), processor)
	waitForCommits(t, l, 1, 9)
	expectExactlyOnce(t, []*trackingProcessor{processor}, 0, 10)
}

func TestResumesFromCheckpoint(t *testing.T) {
	l := newTestLog(2, 100)
	first := newTrackingProcessor(t)
	c := startConsumer(t, l, testConfig("a"), first)
	waitForCommits(t, l, 2, 99)
	c.Stop()
	<-c.Done()

	appendRecords(l, 2, 100)
	second := newTrackingProcessor(t)
	startConsumer(t, l, testConfig("b"), second)
	waitForCommits(t, l, 2, 199)
	for p := int32(0); p < 2; p++ {
		offsets := second.processed(p)
		if len(offsets) != 100 || offsets[0] != 100 {
			t.Errorf("partition %d: expected to resume at 100, got %d records", p, len(offsets))
		}
	}
}

func TestResetLatest(t *testing.T) {
	l := newTestLog(1, 100)
	processor := newTrackingProcessor(t)
	config := testConfig("a")
	config.ResetPolicy = microbatch.ResetLatest
	startConsumer(t, l, config, processor)
	time.Sleep(100 * time.Millisecond)
	appendRecords(l, 1, 5)
	waitForCommits(t, l, 1, 104)
	if offsets := processor.processed(0); len(offsets) != 5 || offsets[0] != 100 {
		t.Errorf("expected only the records appended after joining, got %v", offsets)
	}
}
