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

package memlog

import (
	"context"
	"errors"
	"sync"

	"github.com/aws/go-kafka-microbatch/microbatch"
)

// Broker is a single member of a consumer group on a Log.
type Broker struct {
	log        *Log
	group      *group
	instanceId string
	topic      string
	listener   microbatch.RebalanceListener
	mux        sync.RWMutex
	owned      map[TopicPartition]struct{}
}

var _ microbatch.Broker = (*Broker)(nil)
var _ microbatch.LagReader = (*Broker)(nil)

// NewBroker creates a member of `groupId` consuming `topic`. It joins the group on Subscribe.
func (l *Log) NewBroker(groupId, topic, instanceId string) *Broker {
	return &Broker{
		log:        l,
		group:      l.group(groupId, topic),
		instanceId: instanceId,
		topic:      topic,
		owned:      make(map[TopicPartition]struct{}),
	}
}

func (b *Broker) InstanceId() string {
	return b.instanceId
}

func (b *Broker) owns(tp TopicPartition) bool {
	b.mux.RLock()
	defer b.mux.RUnlock()
	_, ok := b.owned[tp]
	return ok
}

func (b *Broker) own(tps []TopicPartition) {
	b.mux.Lock()
	defer b.mux.Unlock()
	for _, tp := range tps {
		b.owned[tp] = struct{}{}
	}
}

func (b *Broker) disown(tps []TopicPartition) {
	b.mux.Lock()
	defer b.mux.Unlock()
	for _, tp := range tps {
		delete(b.owned, tp)
	}
}

func (b *Broker) ownedItems() []TopicPartition {
	b.mux.RLock()
	tps := make([]TopicPartition, 0, len(b.owned))
	for tp := range b.owned {
		tps = append(tps, tp)
	}
	b.mux.RUnlock()
	return microbatch.NewTopicPartitionSet(tps...).Items()
}

// Owned returns the partitions currently assigned to this member.
func (b *Broker) Owned() []TopicPartition {
	return b.ownedItems()
}

func notAssigned(tp TopicPartition, offset int64) error {
	return &microbatch.PartitionError{Kind: microbatch.ErrPartitionNotAssigned, TopicPartition: tp, FirstOffset: offset, LastOffset: offset}
}

func (b *Broker) Fetch(ctx context.Context, tp TopicPartition, fromOffset int64) ([]microbatch.Record, error) {
	p, err := b.log.partition(tp)
	if err != nil {
		return nil, err
	}
	for {
		if !b.owns(tp) {
			return nil, notAssigned(tp, fromOffset)
		}
		if err := b.log.fetchError(tp); err != nil {
			return nil, err
		}
		records, wait := p.read(fromOffset)
		if len(records) > 0 {
			return records, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Broker) StartOffset(ctx context.Context, tp TopicPartition, policy microbatch.ResetPolicy) (int64, error) {
	start, hw, err := b.log.Offsets(tp)
	if err != nil {
		return -1, err
	}
	if policy == microbatch.ResetLatest {
		return hw, nil
	}
	return start, nil
}

// CommitOffset is rejected for partitions this member does not own, the way a Kafka coordinator fences a stale generation.
func (b *Broker) CommitOffset(ctx context.Context, tp TopicPartition, offset int64) error {
	if !b.owns(tp) {
		return notAssigned(tp, offset)
	}
	return b.log.commit(b.group.id, tp, offset)
}

func (b *Broker) CommittedOffset(ctx context.Context, tp TopicPartition) (int64, error) {
	return b.log.Committed(b.group.id, tp), nil
}

func (b *Broker) Subscribe(ctx context.Context, listener microbatch.RebalanceListener) error {
	if listener == nil {
		return errors.New("listener is required")
	}
	b.listener = listener
	return b.group.join(ctx, b)
}

func (b *Broker) Relinquish(tp TopicPartition) error {
	return b.group.relinquish(b, tp)
}

func (b *Broker) Leave(ctx context.Context) error {
	if b.listener == nil {
		return nil
	}
	return b.group.leave(ctx, b)
}

func (b *Broker) Lag(ctx context.Context) ([]microbatch.LagSample, error) {
	return b.log.Lag(b.group.id, b.topic)
}
