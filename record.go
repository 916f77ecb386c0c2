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

	"github.com/twmb/franz-go/pkg/kgo"
)

// Record is a single, immutable entry read from a partition.
type Record struct {
	Topic       string
	Partition   int32
	Offset      int64
	LeaderEpoch int32
	Key         []byte
	Value       []byte
	Timestamp   time.Time
}

func (r Record) TopicPartition() TopicPartition {
	return ntp(r.Partition, r.Topic)
}

// Size returns the byte count of the key and value.
func (r Record) Size() int {
	return len(r.Key) + len(r.Value)
}

func newRecord(kr *kgo.Record) Record {
	return Record{
		Topic:       kr.Topic,
		Partition:   kr.Partition,
		Offset:      kr.Offset,
		LeaderEpoch: kr.LeaderEpoch,
		Key:         kr.Key,
		Value:       kr.Value,
		Timestamp:   kr.Timestamp,
	}
}

// FlushTrigger identifies why a batch was handed to the processor.
type FlushTrigger int

const (
	// The batch reached ConsumerConfig.BatchSize records.
	FlushSize FlushTrigger = iota
	// The batch was open for at least ConsumerConfig.MaxLingerDuration.
	FlushLinger
	// The partition is being revoked and the batch was flushed regardless of size or age.
	FlushForced
)

func (ft FlushTrigger) String() string {
	switch ft {
	case FlushSize:
		return "size"
	case FlushLinger:
		return "linger"
	case FlushForced:
		return "forced"
	}
	return "unknown"
}

// Batch is an ordered group of records from a single partition.
// Records are in strictly increasing offset order and FirstOffset/LastOffset
// are the offsets of the first and last record. A Batch is only valid for the
// duration of the BatchProcessor call it is passed to.
type Batch struct {
	TopicPartition
	Records     []Record
	FirstOffset int64
	LastOffset  int64
	OpenedAt    time.Time
	Bytes       int
	Trigger     FlushTrigger
}

func (b *Batch) Len() int {
	return len(b.Records)
}

func (b *Batch) IsEmpty() bool {
	return len(b.Records) == 0
}
