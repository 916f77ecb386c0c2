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
	"fmt"
	"sort"
	"sync"

	"github.com/aws/go-kafka-microbatch/microbatch"
)

// group coordinates the members of a consumer group. Rebalances are serialized by mux and run on the goroutine
// of the member which triggered them. Listener callbacks block the rebalance, as they do in Kafka.
type group struct {
	mux          sync.Mutex
	log          *Log
	id           string
	topic        string
	members      map[string]*Broker
	order        []string
	relinquished map[TopicPartition]string
	generation   int
}

func newGroup(l *Log, id, topic string) *group {
	return &group{
		log:          l,
		id:           id,
		topic:        topic,
		members:      make(map[string]*Broker),
		relinquished: make(map[TopicPartition]string),
	}
}

func (g *group) memberIds() []string {
	g.mux.Lock()
	defer g.mux.Unlock()
	return append([]string(nil), g.order...)
}

func (g *group) currentGeneration() int {
	g.mux.Lock()
	defer g.mux.Unlock()
	return g.generation
}

func (g *group) join(ctx context.Context, m *Broker) error {
	g.mux.Lock()
	defer g.mux.Unlock()
	if _, ok := g.members[m.instanceId]; ok {
		return fmt.Errorf("%s is already a member of %s", m.instanceId, g.id)
	}
	g.members[m.instanceId] = m
	g.order = append(g.order, m.instanceId)
	g.rebalance(ctx)
	return nil
}

func (g *group) remove(instanceId string) {
	delete(g.members, instanceId)
	for i, id := range g.order {
		if id == instanceId {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

func (g *group) leave(ctx context.Context, m *Broker) error {
	g.mux.Lock()
	defer g.mux.Unlock()
	if _, ok := g.members[m.instanceId]; !ok {
		return nil
	}
	owned := m.ownedItems()
	m.listener.PartitionsRevoked(ctx, owned)
	m.disown(owned)
	g.remove(m.instanceId)
	g.rebalance(ctx)
	return nil
}

func (g *group) expel(instanceId string) error {
	g.mux.Lock()
	defer g.mux.Unlock()
	m, ok := g.members[instanceId]
	if !ok {
		return fmt.Errorf("%s is not a member of %s", instanceId, g.id)
	}
	ctx := context.Background()
	owned := m.ownedItems()
	m.listener.PartitionsLost(ctx, owned)
	m.disown(owned)
	g.remove(instanceId)
	g.rebalance(ctx)
	return nil
}

func (g *group) relinquish(m *Broker, tp TopicPartition) error {
	g.mux.Lock()
	defer g.mux.Unlock()
	if !m.owns(tp) {
		return &microbatch.PartitionError{Kind: microbatch.ErrPartitionNotAssigned, TopicPartition: tp, FirstOffset: -1, LastOffset: -1}
	}
	g.relinquished[tp] = m.instanceId
	g.rebalance(context.Background())
	return nil
}

// plan computes a sticky, even assignment. Relinquished partitions are never planned for the member which gave them up,
// unless it is the only member.
func (g *group) plan() map[string][]TopicPartition {
	plan := make(map[string][]TopicPartition, len(g.order))
	n := g.log.Partitions(g.topic)
	if len(g.order) == 0 || n == 0 {
		return plan
	}
	base, extra := n/len(g.order), n%len(g.order)
	capacity := make(map[string]int, len(g.order))
	for i, id := range g.order {
		capacity[id] = base
		if i < extra {
			capacity[id]++
		}
	}
	assigned := make(map[int32]bool, n)
	for _, id := range g.order {
		for _, tp := range g.members[id].ownedItems() {
			if g.relinquished[tp] == id || assigned[tp.Partition] {
				continue
			}
			if len(plan[id]) < capacity[id] {
				plan[id] = append(plan[id], tp)
				assigned[tp.Partition] = true
			}
		}
	}
	for p := 0; p < n; p++ {
		if assigned[int32(p)] {
			continue
		}
		tp := microbatch.TopicPartition{Topic: g.topic, Partition: int32(p)}
		target := ""
		for _, id := range g.order {
			if g.relinquished[tp] == id {
				continue
			}
			if target == "" || len(plan[id])-capacity[id] < len(plan[target])-capacity[target] {
				target = id
			}
		}
		if target == "" {
			target = g.order[0]
		}
		plan[target] = append(plan[target], tp)
	}
	return plan
}

// rebalance moves the group to a new plan in two phases. First every moved or relinquished partition is revoked from
// its owner, in parallel across members. Then new partitions are assigned. Callers hold g.mux.
func (g *group) rebalance(ctx context.Context) {
	plan := g.plan()
	g.generation++

	var wg sync.WaitGroup
	for _, id := range g.order {
		m := g.members[id]
		target := microbatch.NewTopicPartitionSet(plan[id]...)
		revoked := make([]TopicPartition, 0)
		for _, tp := range m.ownedItems() {
			if !target.Contains(tp) || g.relinquished[tp] == id {
				revoked = append(revoked, tp)
			}
		}
		if len(revoked) == 0 {
			continue
		}
		wg.Add(1)
		go func(m *Broker, revoked []TopicPartition) {
			defer wg.Done()
			m.listener.PartitionsRevoked(ctx, revoked)
			m.disown(revoked)
		}(m, revoked)
	}
	wg.Wait()

	for _, id := range g.order {
		m := g.members[id]
		granted := make([]TopicPartition, 0)
		for _, tp := range plan[id] {
			if !m.owns(tp) {
				granted = append(granted, tp)
			}
		}
		sort.Slice(granted, func(i, j int) bool { return granted[i].Partition < granted[j].Partition })
		if len(granted) == 0 {
			continue
		}
		wg.Add(1)
		go func(m *Broker, granted []TopicPartition) {
			defer wg.Done()
			m.own(granted)
			m.listener.PartitionsAssigned(ctx, granted)
		}(m, granted)
	}
	wg.Wait()
	g.relinquished = make(map[TopicPartition]string)
}
