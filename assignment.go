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
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch/sak"
	"golang.org/x/sync/errgroup"
)

// PartitionState tracks a partition through Unowned -> Owned -> Draining -> Unowned.
type PartitionState int32

const (
	PartitionUnowned PartitionState = iota
	PartitionOwned
	PartitionDraining
)

func (ps PartitionState) String() string {
	switch ps {
	case PartitionOwned:
		return "Owned"
	case PartitionDraining:
		return "Draining"
	}
	return "Unowned"
}

// PartitionAssignment is a point-in-time view of a partition owned by this consumer.
type PartitionAssignment struct {
	TopicPartition  TopicPartition
	OwnerInstanceId string
	State           PartitionState
	CommittedOffset int64
	AssignedAt      time.Time
}

type workerFactory func(tp TopicPartition) *partitionWorker

// assignmentManager owns the partition table. Rebalance callbacks are the only writers and are
// serialized by rebalanceMu, readers only take the read lock.
type assignmentManager struct {
	workers     map[TopicPartition]*partitionWorker
	mux         sync.RWMutex
	rebalanceMu sync.Mutex
	config      ConsumerConfig
	newWorker   workerFactory
	metrics     *metricsEmitter
}

func newAssignmentManager(config ConsumerConfig, newWorker workerFactory, metrics *metricsEmitter) *assignmentManager {
	return &assignmentManager{
		workers:   make(map[TopicPartition]*partitionWorker),
		config:    config,
		newWorker: newWorker,
		metrics:   metrics,
	}
}

func (am *assignmentManager) worker(tp TopicPartition) (*partitionWorker, bool) {
	am.mux.RLock()
	defer am.mux.RUnlock()
	w, ok := am.workers[tp]
	return w, ok
}

// owned returns the set of partitions which currently have a pipeline.
func (am *assignmentManager) owned() TopicPartitionSet {
	am.mux.RLock()
	defer am.mux.RUnlock()
	return NewTopicPartitionSet(sak.MapKeysToSlice(am.workers)...)
}

// Assignments returns a snapshot of the partitions owned by this consumer, ordered by partition.
func (am *assignmentManager) Assignments() []PartitionAssignment {
	am.mux.RLock()
	tps := NewTopicPartitionSet(sak.MapKeysToSlice(am.workers)...)
	assignments := make([]PartitionAssignment, 0, tps.Len())
	tps.Ascend(func(tp TopicPartition) bool {
		w := am.workers[tp]
		assignments = append(assignments, PartitionAssignment{
			TopicPartition:  tp,
			OwnerInstanceId: am.config.InstanceId,
			State:           w.State(),
			CommittedOffset: w.commitLog.Watermark(),
			AssignedAt:      w.assignedAt,
		})
		return true
	})
	am.mux.RUnlock()
	return assignments
}

// Rebalance moves this consumer to `assignment`. Partitions no longer present are drained and revoked first,
// then new partitions are granted. Partitions present in both are untouched.
func (am *assignmentManager) Rebalance(ctx context.Context, assignment []TopicPartition) error {
	target := NewTopicPartitionSet(assignment...)
	current := am.owned()
	err := am.revoke(ctx, current.Difference(target))
	am.assign(ctx, target.Difference(current))
	return err
}

func (am *assignmentManager) PartitionsAssigned(ctx context.Context, tps []TopicPartition) {
	am.assign(ctx, tps)
}

func (am *assignmentManager) PartitionsRevoked(ctx context.Context, tps []TopicPartition) {
	am.revoke(ctx, tps)
}

func (am *assignmentManager) PartitionsLost(ctx context.Context, tps []TopicPartition) {
	am.rebalanceMu.Lock()
	defer am.rebalanceMu.Unlock()
	workers := am.take(tps)
	if len(workers) == 0 {
		return
	}
	log.Warnf("partitions lost: %v", sak.MapKeysToSlice(workers))
	start := time.Now()
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *partitionWorker) {
			defer wg.Done()
			w.lose(am.config.RevokeGracePeriod)
		}(w)
	}
	wg.Wait()
	am.config.executeHandler(am.config.OnPartitionRevoked, sak.MapKeysToSlice(workers)...)
	am.emitRebalance("lost", start, len(workers))
}

func (am *assignmentManager) assign(_ context.Context, tps []TopicPartition) {
	am.rebalanceMu.Lock()
	defer am.rebalanceMu.Unlock()
	start := time.Now()
	granted := make([]TopicPartition, 0, len(tps))
	for _, tp := range tps {
		if _, ok := am.worker(tp); ok {
			continue
		}
		am.config.executeHandler(am.config.OnPartitionAssigned, tp)
		w := am.newWorker(tp)
		am.mux.Lock()
		am.workers[tp] = w
		am.mux.Unlock()
		granted = append(granted, tp)
	}
	if len(granted) > 0 {
		log.Infof("partitions assigned: %v", granted)
	}
	am.emitRebalance("assign", start, len(granted))
}

// revoke drains the given partitions in parallel. Partitions are removed from the table once drained,
// or once the grace period has expired, in which case the returned error wraps ErrRebalanceTimeout.
func (am *assignmentManager) revoke(_ context.Context, tps []TopicPartition) error {
	am.rebalanceMu.Lock()
	defer am.rebalanceMu.Unlock()
	start := time.Now()

	am.mux.RLock()
	revoking := make(map[TopicPartition]*partitionWorker, len(tps))
	for _, tp := range tps {
		if w, ok := am.workers[tp]; ok {
			revoking[tp] = w
		}
	}
	am.mux.RUnlock()
	if len(revoking) == 0 {
		am.emitRebalance("revoke", start, 0)
		return nil
	}

	log.Infof("revoking partitions: %v", sak.MapKeysToSlice(revoking))
	am.config.executeHandler(am.config.OnPartitionWillRevoke, sak.MapKeysToSlice(revoking)...)
	var eg errgroup.Group
	var errMux sync.Mutex
	var errs []error
	for _, w := range revoking {
		w := w
		eg.Go(func() error {
			if err := w.revoke(am.config.RevokeGracePeriod); err != nil {
				errMux.Lock()
				errs = append(errs, err)
				errMux.Unlock()
			}
			return nil
		})
	}
	eg.Wait()
	am.take(sak.MapKeysToSlice(revoking))
	am.config.executeHandler(am.config.OnPartitionRevoked, sak.MapKeysToSlice(revoking)...)
	am.emitRebalance("revoke", start, len(revoking))
	return errors.Join(errs...)
}

// revokeAll drains every owned partition. Used when leaving the group.
func (am *assignmentManager) revokeAll(ctx context.Context) error {
	return am.revoke(ctx, am.owned().Items())
}

// take removes tps from the table and returns the removed workers
func (am *assignmentManager) take(tps []TopicPartition) map[TopicPartition]*partitionWorker {
	am.mux.Lock()
	defer am.mux.Unlock()
	taken := make(map[TopicPartition]*partitionWorker, len(tps))
	for _, tp := range tps {
		if w, ok := am.workers[tp]; ok {
			taken[tp] = w
			delete(am.workers, tp)
		}
	}
	return taken
}

func (am *assignmentManager) emitRebalance(phase string, start time.Time, count int) {
	am.mux.RLock()
	owned := len(am.workers)
	am.mux.RUnlock()
	am.metrics.emit(Metric{
		Operation:      RebalanceOperation,
		Phase:          phase,
		StartTime:      start,
		EndTime:        time.Now(),
		Count:          count,
		PartitionCount: owned,
		Topic:          am.config.Topic,
		GroupId:        am.config.GroupId,
	})
}
