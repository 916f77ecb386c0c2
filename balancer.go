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
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const RelinquishCoopProtocol = "microbatch_coop"

// how long a relinquished partition is kept away from the member which gave it up
const relinquishTTL = time.Minute

// carried in ConsumerMemberMetadata.UserData
type relinquishMemberMeta struct {
	InstanceId   string
	Relinquished []TopicPartition
}

// relinquishBalancer is a cooperative, sticky kgo.GroupBalancer. Partitions stay with their current owner unless
// the group is imbalanced, or the owner has relinquished them, in which case they move to another member.
// A relinquished partition only returns to the member that gave it up when no other member is available,
// and only after it has been revoked.
type relinquishBalancer struct {
	instanceId   string
	relinquished map[TopicPartition]time.Time
	statusLock   sync.Mutex
	now          func() time.Time
}

func newRelinquishBalancer(instanceId string) *relinquishBalancer {
	return &relinquishBalancer{
		instanceId:   instanceId,
		relinquished: make(map[TopicPartition]time.Time),
		now:          time.Now,
	}
}

func (rb *relinquishBalancer) relinquish(tp TopicPartition) {
	rb.statusLock.Lock()
	defer rb.statusLock.Unlock()
	rb.relinquished[tp] = rb.now()
}

// forget clears relinquish marks. Called when a partition is assigned back to this member.
func (rb *relinquishBalancer) forget(tps ...TopicPartition) {
	rb.statusLock.Lock()
	defer rb.statusLock.Unlock()
	for _, tp := range tps {
		delete(rb.relinquished, tp)
	}
}

func (rb *relinquishBalancer) relinquishedPartitions() []TopicPartition {
	rb.statusLock.Lock()
	defer rb.statusLock.Unlock()
	set := NewTopicPartitionSet()
	for tp, at := range rb.relinquished {
		if rb.now().Sub(at) > relinquishTTL {
			delete(rb.relinquished, tp)
			continue
		}
		set.Insert(tp)
	}
	return set.Items()
}

func (rb *relinquishBalancer) userData() []byte {
	data, _ := json.Marshal(relinquishMemberMeta{
		InstanceId:   rb.instanceId,
		Relinquished: rb.relinquishedPartitions(),
	})
	return data
}

// Needed to fulfill the kgo.GroupBalancer interface. There should be no need to interact with this directly.
func (rb *relinquishBalancer) IsCooperative() bool {
	return true
}

// Needed to fulfill the kgo.GroupBalancer interface. There should be no need to interact with this directly.
func (rb *relinquishBalancer) ProtocolName() string {
	return RelinquishCoopProtocol
}

// Needed to fulfill the kgo.GroupBalancer interface. Uses the same metadata format as kgo itself, relinquished partitions
// travel in the UserData field.
func (rb *relinquishBalancer) JoinGroupMetadata(interests []string, currentAssignment map[string][]int32, generation int32) []byte {
	meta := kmsg.NewConsumerMemberMetadata()
	meta.Topics = interests
	meta.Version = 1
	for topic, partitions := range currentAssignment {
		metaPart := kmsg.NewConsumerMemberMetadataOwnedPartition()
		metaPart.Topic = topic
		metaPart.Partitions = partitions
		meta.OwnedPartitions = append(meta.OwnedPartitions, metaPart)
	}
	// KAFKA-12898: ensure our topics are sorted
	metaOwned := meta.OwnedPartitions
	sort.Slice(metaOwned, func(i, j int) bool { return metaOwned[i].Topic < metaOwned[j].Topic })
	meta.UserData = rb.userData()
	return meta.AppendTo(nil)
}

// Needed to fulfill the kgo.GroupBalancer interface. There should be no need to interact with this directly.
func (rb *relinquishBalancer) ParseSyncAssignment(assignment []byte) (map[string][]int32, error) {
	cma := new(kmsg.ConsumerMemberAssignment)
	if err := cma.ReadFrom(assignment); err != nil {
		return nil, err
	}
	parsed := make(map[string][]int32, len(cma.Topics))
	for _, topic := range cma.Topics {
		parsed[topic.Topic] = topic.Partitions
	}
	return parsed, nil
}

// Needed to fulfill the kgo.GroupBalancer interface. There should be no need to interact with this directly.
func (rb *relinquishBalancer) MemberBalancer(members []kmsg.JoinGroupResponseMember) (kgo.GroupMemberBalancer, map[string]struct{}, error) {
	cb, err := kgo.NewConsumerBalancer(relinquishBalanceController{}, members)
	if err != nil {
		return nil, nil, err
	}
	return balanceWrapper{consumerBalancer: cb}, cb.MemberTopics(), nil
}

type balanceWrapper struct {
	consumerBalancer *kgo.ConsumerBalancer
}

func (bw balanceWrapper) Balance(topics map[string]int32) kgo.IntoSyncAssignment {
	return bw.consumerBalancer.Balance(topics)
}

func (bw balanceWrapper) BalanceOrError(topics map[string]int32) (kgo.IntoSyncAssignment, error) {
	return bw.consumerBalancer.BalanceOrError(topics)
}

type relinquishBalanceController struct{}

func (relinquishBalanceController) Balance(cb *kgo.ConsumerBalancer, topicData map[string]int32) kgo.IntoSyncAssignment {
	start := time.Now()
	defer func() {
		log.Debugf("Balance took %v", time.Since(start))
	}()
	plan := cb.NewPlan()
	joined := make(map[string]*kmsg.JoinGroupResponseMember)
	metas := make(map[string]*kmsg.ConsumerMemberMetadata)
	cb.EachMember(func(member *kmsg.JoinGroupResponseMember, meta *kmsg.ConsumerMemberMetadata) {
		joined[member.MemberID] = member
		metas[member.MemberID] = meta
	})

	for topic, partitionCount := range topicData {
		members := make([]balanceMember, 0, len(metas))
		for id, meta := range metas {
			if m, ok := newBalanceMember(id, topic, meta); ok {
				members = append(members, m)
			}
		}
		for id, partitions := range balanceTopic(partitionCount, members) {
			plan.AddPartitions(joined[id], topic, partitions)
		}
	}
	// plan.AdjustCooperative will make the balance a 2 step phase,
	// first revoke any assignments that were moved
	// this will force another rebalance request
	// at which time they will be assigned to the proper receiver
	plan.AdjustCooperative(cb)
	return plan
}

// balanceMember is a member's view of a single topic
type balanceMember struct {
	id           string
	owned        []int32
	relinquished map[int32]struct{}
}

func newBalanceMember(id, topic string, meta *kmsg.ConsumerMemberMetadata) (balanceMember, bool) {
	interested := false
	for _, t := range meta.Topics {
		if t == topic {
			interested = true
			break
		}
	}
	if !interested {
		return balanceMember{}, false
	}
	m := balanceMember{id: id, relinquished: make(map[int32]struct{})}
	for _, owned := range meta.OwnedPartitions {
		if owned.Topic == topic {
			m.owned = append(m.owned, owned.Partitions...)
		}
	}
	var userData relinquishMemberMeta
	if len(meta.UserData) > 0 {
		if err := json.Unmarshal(meta.UserData, &userData); err != nil {
			log.Warnf("could not parse member metadata for %s: %v", id, err)
		}
	}
	for _, tp := range userData.Relinquished {
		if tp.Topic == topic {
			m.relinquished[tp.Partition] = struct{}{}
		}
	}
	return m, true
}

// balanceTopic distributes `partitionCount` partitions across `members` as evenly as possible, keeping
// partitions with their current owners where it can. A relinquished partition is always taken from its owner.
// It goes to another member if there is one, otherwise it is left unassigned until the owner has revoked it.
func balanceTopic(partitionCount int32, members []balanceMember) map[string][]int32 {
	plan := make(map[string][]int32, len(members))
	if len(members) == 0 {
		return plan
	}
	// members which own the most are granted the extra partitions, which keeps movement to a minimum
	sort.Slice(members, func(i, j int) bool {
		if len(members[i].owned) != len(members[j].owned) {
			return len(members[i].owned) > len(members[j].owned)
		}
		return members[i].id < members[j].id
	})
	base := int(partitionCount) / len(members)
	extra := int(partitionCount) % len(members)
	capacity := make(map[string]int, len(members))
	for i, m := range members {
		capacity[m.id] = base
		if i < extra {
			capacity[m.id]++
		}
	}

	assigned := make(map[int32]bool, partitionCount)
	relinquishedBy := make(map[int32]string)
	for _, m := range members {
		owned := append([]int32(nil), m.owned...)
		sort.Slice(owned, func(i, j int) bool { return owned[i] < owned[j] })
		for _, p := range owned {
			if p < 0 || p >= partitionCount || assigned[p] {
				continue
			}
			if _, ok := m.relinquished[p]; ok {
				relinquishedBy[p] = m.id
				continue
			}
			if len(plan[m.id]) < capacity[m.id] {
				plan[m.id] = append(plan[m.id], p)
				assigned[p] = true
			}
		}
	}

	for p := int32(0); p < partitionCount; p++ {
		if assigned[p] {
			continue
		}
		var target string
		for _, m := range members {
			if _, ok := m.relinquished[p]; ok || relinquishedBy[p] == m.id {
				continue
			}
			if target == "" || len(plan[m.id])-capacity[m.id] < len(plan[target])-capacity[target] {
				target = m.id
			}
		}
		if target == "" {
			if _, ok := relinquishedBy[p]; ok {
				// the owner is the only candidate. leaving it unassigned forces a revoke,
				// the owner then receives it back in the next generation with a fresh pipeline
				continue
			}
			target = members[0].id
		}
		plan[target] = append(plan[target], p)
		assigned[p] = true
	}
	for id := range plan {
		partitions := plan[id]
		sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
	}
	return plan
}
