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
	"fmt"
	"strings"
)

// ResetPolicy decides where a partition starts when no checkpoint exists.
type ResetPolicy int

const (
	// Start at the first record still retained by the log.
	ResetEarliest ResetPolicy = iota
	// Start after the last record currently in the log.
	ResetLatest
)

func (rp ResetPolicy) String() string {
	if rp == ResetLatest {
		return "latest"
	}
	return "earliest"
}

func ParseResetPolicy(s string) (ResetPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "earliest":
		return ResetEarliest, nil
	case "latest":
		return ResetLatest, nil
	}
	return ResetEarliest, fmt.Errorf("unknown reset policy: %q", s)
}

// PartitionLog is the read side of a durable, partitioned log.
type PartitionLog interface {
	// Fetch returns records of tp with Offset >= fromOffset, in offset order.
	// Blocks until at least one record is available or ctx is done, in which case ctx.Err() is returned.
	// The returned slice is owned by the caller.
	Fetch(ctx context.Context, tp TopicPartition, fromOffset int64) ([]Record, error)
	// StartOffset returns the offset of the first record to consume for tp under `policy`.
	StartOffset(ctx context.Context, tp TopicPartition, policy ResetPolicy) (int64, error)
}

// CheckpointStore persists consumer progress.
// Offsets passed to and returned from a CheckpointStore are the last fully processed offset, not the next offset to consume.
type CheckpointStore interface {
	CommitOffset(ctx context.Context, tp TopicPartition, offset int64) error
	// Returns -1 if there is no checkpoint for tp.
	CommittedOffset(ctx context.Context, tp TopicPartition) (int64, error)
}

// RebalanceListener receives cooperative rebalance callbacks.
// Each callback blocks the group protocol until it returns. Revoked and Lost sets only contain
// partitions which were previously assigned. Any set may be empty.
type RebalanceListener interface {
	PartitionsRevoked(ctx context.Context, tps []TopicPartition)
	PartitionsAssigned(ctx context.Context, tps []TopicPartition)
	// Ownership was lost without a clean revoke. Listeners must not commit for these partitions.
	PartitionsLost(ctx context.Context, tps []TopicPartition)
}

// GroupMembership joins a consumer group and delivers partition ownership changes to a listener.
type GroupMembership interface {
	Subscribe(ctx context.Context, listener RebalanceListener) error
	// Relinquish asks the group to move tp to another member.
	// The partition is delivered to PartitionsRevoked once the group has rebalanced.
	Relinquish(tp TopicPartition) error
	// Leave revokes all owned partitions through the listener, then leaves the group.
	Leave(ctx context.Context) error
}

// Broker is everything the consumer needs from the log. Implemented by [KafkaBroker] and
// [github.com/aws/go-kafka-microbatch/microbatch/memlog.Broker].
type Broker interface {
	PartitionLog
	CheckpointStore
	GroupMembership
}
