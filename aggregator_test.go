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
	"testing"
	"time"
)

func testRecord(offset int64, value string) Record {
	return Record{Topic: "trades", Partition: 0, Offset: offset, Value: []byte(value)}
}

func newTestAggregator(batchSize int, linger time.Duration, now *time.Time) *aggregator {
	a := newAggregator(ntp(0, "trades"), batchSize, linger, newBatchArena(batchSize, 4), -1)
	a.now = func() time.Time { return *now }
	return a
}

func TestAggregatorFlushOnSize(t *testing.T) {
	now := time.Now()
	a := newTestAggregator(3, time.Second, &now)
	for i := int64(0); i < 3; i++ {
		if _, ok := a.ready(); ok {
			t.Fatalf("batch should not be ready after %d records", i)
		}
		a.append(testRecord(i, "abc"))
	}
	trigger, ok := a.ready()
	if !ok || trigger != FlushSize {
		t.Fatalf("expected size trigger, got %v, %v", trigger, ok)
	}
	batch := a.flush(trigger)
	if batch.Len() != 3 || batch.FirstOffset != 0 || batch.LastOffset != 2 {
		t.Errorf("unexpected batch: %+v", batch)
	}
	if batch.Bytes != 9 {
		t.Errorf("expected 9 bytes, got %d", batch.Bytes)
	}
	if !a.isEmpty() {
		t.Errorf("aggregator should be empty after flush")
	}
	a.release(batch)
	if batch.Records != nil {
		t.Errorf("released batch should not reference records")
	}
}

func TestAggregatorFlushOnLinger(t *testing.T) {
	now := time.Now()
	a := newTestAggregator(100, time.Second, &now)
	if _, ok := a.lingerDeadline(); ok {
		t.Errorf("no deadline expected without an open batch")
	}
	a.append(testRecord(0, "x"))
	deadline, ok := a.lingerDeadline()
	if !ok || !deadline.Equal(now.Add(time.Second)) {
		t.Errorf("unexpected deadline: %v", deadline)
	}
	now = now.Add(999 * time.Millisecond)
	if _, ok := a.ready(); ok {
		t.Errorf("batch should not be ready before linger")
	}
	now = now.Add(time.Millisecond)
	trigger, ok := a.ready()
	if !ok || trigger != FlushLinger {
		t.Errorf("expected linger trigger, got %v, %v", trigger, ok)
	}
}

func TestAggregatorDropsStaleRecords(t *testing.T) {
	now := time.Now()
	a := newTestAggregator(10, time.Second, &now)
	a.append(testRecord(5, "a"))
	if a.append(testRecord(5, "b")) || a.append(testRecord(3, "c")) {
		t.Errorf("stale records should be rejected")
	}
	a.append(testRecord(7, "d"))
	batch := a.flush(FlushForced)
	if batch.Len() != 2 || batch.LastOffset != 7 || batch.Trigger != FlushForced {
		t.Errorf("unexpected batch: %+v", batch)
	}
	if a.flush(FlushForced) != nil {
		t.Errorf("empty aggregator should not produce a batch")
	}
	if a.append(testRecord(6, "e")) {
		t.Errorf("offsets at or below the last flushed batch should be rejected")
	}
}

func TestBatchArenaClearsRecords(t *testing.T) {
	arena := newBatchArena(4, 1)
	records := arena.borrow()
	records = append(records, testRecord(0, "payload"))
	arena.release(records)
	reused := arena.borrow()
	if len(reused) != 0 || cap(reused) < 4 {
		t.Errorf("unexpected buffer: len %d, cap %d", len(reused), cap(reused))
	}
	if full := reused[:1]; full[0].Value != nil {
		t.Errorf("released buffer still references payloads")
	}
}

func TestFlushTriggerString(t *testing.T) {
	for trigger, expected := range map[FlushTrigger]string{
		FlushSize:       "size",
		FlushLinger:     "linger",
		FlushForced:     "forced",
		FlushTrigger(9): "unknown",
	} {
		if trigger.String() != expected {
			t.Errorf("expected %s, got %s", expected, trigger)
		}
	}
}
