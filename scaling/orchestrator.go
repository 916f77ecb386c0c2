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

package scaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
)

// ReplicaCounter reports how many consumers are currently running.
type ReplicaCounter interface {
	CurrentReplicas(ctx context.Context) (int, error)
}

// GroupMemberCounter counts the members of a consumer group. A group which does not exist, or is empty, has 0 members.
type GroupMemberCounter struct {
	admin   *kadm.Client
	groupId string
}

func NewGroupMemberCounter(admin *kadm.Client, groupId string) GroupMemberCounter {
	return GroupMemberCounter{admin: admin, groupId: groupId}
}

func (gmc GroupMemberCounter) CurrentReplicas(ctx context.Context) (int, error) {
	groups, err := gmc.admin.DescribeGroups(ctx, gmc.groupId)
	if err != nil {
		return 0, err
	}
	group, ok := groups[gmc.groupId]
	if !ok {
		return 0, nil
	}
	if group.Err != nil {
		return 0, fmt.Errorf("describing group %s: %w", gmc.groupId, group.Err)
	}
	return len(group.Members), nil
}

// AdvisoryOrchestrator does not control any workload itself. SetReplicas publishes the desired count as the
// `microbatch_scaling_desired_replicas` gauge for an external actuator.
type AdvisoryOrchestrator struct {
	counter ReplicaCounter
	bounds  Bounds
	desired prometheus.Gauge
	mux     sync.Mutex
	last    int
	set     bool
}

func NewAdvisoryOrchestrator(counter ReplicaCounter, bounds Bounds, registerer prometheus.Registerer) (*AdvisoryOrchestrator, error) {
	desired := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "microbatch",
		Subsystem: "scaling",
		Name:      "desired_replicas",
		Help:      "Replica count requested by the scaling controller.",
	})
	if registerer != nil {
		if err := registerer.Register(desired); err != nil {
			return nil, err
		}
	}
	return &AdvisoryOrchestrator{counter: counter, bounds: bounds, desired: desired}, nil
}

func (ao *AdvisoryOrchestrator) CurrentReplicas(ctx context.Context) (int, error) {
	return ao.counter.CurrentReplicas(ctx)
}

func (ao *AdvisoryOrchestrator) SetReplicas(_ context.Context, n int) error {
	ao.mux.Lock()
	defer ao.mux.Unlock()
	ao.desired.Set(float64(n))
	ao.last, ao.set = n, true
	return nil
}

func (ao *AdvisoryOrchestrator) ScalingBounds(context.Context) (Bounds, error) {
	return ao.bounds, nil
}

// Observe is a DecisionHandler which publishes every desired count, including those equal to the current count,
// for which the controller does not call SetReplicas.
func (ao *AdvisoryOrchestrator) Observe(d Decision) {
	ao.desired.Set(float64(d.DesiredReplicas))
}

// Desired returns the last published replica count, false if none has been published.
func (ao *AdvisoryOrchestrator) Desired() (int, bool) {
	ao.mux.Lock()
	defer ao.mux.Unlock()
	return ao.last, ao.set
}

// MemoryOrchestrator applies SetReplicas immediately. Used with the in-memory broker and in tests.
type MemoryOrchestrator struct {
	mux      sync.Mutex
	replicas int
	bounds   Bounds
	history  []int
	// invoked with the new count, outside of any lock
	OnScale func(n int)
}

func NewMemoryOrchestrator(replicas int, bounds Bounds) *MemoryOrchestrator {
	return &MemoryOrchestrator{replicas: replicas, bounds: bounds}
}

func (mo *MemoryOrchestrator) CurrentReplicas(context.Context) (int, error) {
	mo.mux.Lock()
	defer mo.mux.Unlock()
	return mo.replicas, nil
}

func (mo *MemoryOrchestrator) SetReplicas(_ context.Context, n int) error {
	if n < 0 {
		return fmt.Errorf("invalid replica count: %d", n)
	}
	mo.mux.Lock()
	mo.replicas = n
	mo.history = append(mo.history, n)
	onScale := mo.OnScale
	mo.mux.Unlock()
	if onScale != nil {
		onScale(n)
	}
	return nil
}

func (mo *MemoryOrchestrator) ScalingBounds(context.Context) (Bounds, error) {
	return mo.bounds, nil
}

// History returns every count passed to SetReplicas, in order.
func (mo *MemoryOrchestrator) History() []int {
	mo.mux.Lock()
	defer mo.mux.Unlock()
	return append([]int(nil), mo.history...)
}
