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

/*
Package scaling converts consumer group lag into a desired replica count.

Every EvaluationInterval the [Controller] reads the group lag and the orchestrator's current replica count, and computes

	desired = clamp(ceil(lagPerReplica / targetLagPerReplica * current), minReplicas, maxReplicas)

where lagPerReplica is the group lag averaged over the current replicas. The law therefore settles at
ceil(groupLag / targetLagPerReplica) and a constant lag yields a constant replica count.

Lag which stays at zero for ScaleToZeroCooldown scales the workload to zero, regardless of minReplicas.
A workload at zero replicas with lag is cold started as if it had one replica. The controller never assumes a
previous SetReplicas has completed, it re-reads the current count on every tick.
*/
package scaling

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch"
	"github.com/aws/go-kafka-microbatch/microbatch/sak"
)

type Bounds struct {
	Min int
	Max int
}

func (b Bounds) Validate() error {
	if b.Min < 0 {
		return fmt.Errorf("min replicas must not be negative: %d", b.Min)
	}
	if b.Max < 1 {
		return fmt.Errorf("max replicas must be at least 1: %d", b.Max)
	}
	if b.Min > b.Max {
		return fmt.Errorf("min replicas (%d) exceeds max replicas (%d)", b.Min, b.Max)
	}
	return nil
}

// Orchestrator is the container platform running the consumers.
type Orchestrator interface {
	CurrentReplicas(ctx context.Context) (int, error)
	SetReplicas(ctx context.Context, n int) error
	// ScalingBounds returns the replica bounds enforced by the platform. A zero Max defers to Config.
	ScalingBounds(ctx context.Context) (Bounds, error)
}

// MetricSource supplies the observed metric, typically group lag.
type MetricSource interface {
	Observe(ctx context.Context) (int64, error)
}

type MetricFunc func(ctx context.Context) (int64, error)

func (mf MetricFunc) Observe(ctx context.Context) (int64, error) {
	return mf(ctx)
}

// GroupLagSource observes the sum of partition lag reported by `reader`.
func GroupLagSource(reader microbatch.LagReader) MetricSource {
	return MetricFunc(func(ctx context.Context) (int64, error) {
		samples, err := reader.Lag(ctx)
		if err != nil {
			return 0, err
		}
		return microbatch.GroupLag(samples), nil
	})
}

type Config struct {
	// Lag a single replica is expected to absorb. Required.
	TargetLagPerReplica int64
	MinReplicas         int
	// Defaults to 1.
	MaxReplicas int
	// How long lag must stay at zero before scaling to zero. Defaults to 5m.
	ScaleToZeroCooldown time.Duration
	// Defaults to 30s.
	EvaluationInterval time.Duration
}

const (
	DefaultScaleToZeroCooldown = 5 * time.Minute
	DefaultEvaluationInterval  = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxReplicas == 0 {
		c.MaxReplicas = sak.Max(1, c.MinReplicas)
	}
	if c.ScaleToZeroCooldown <= 0 {
		c.ScaleToZeroCooldown = DefaultScaleToZeroCooldown
	}
	if c.EvaluationInterval <= 0 {
		c.EvaluationInterval = DefaultEvaluationInterval
	}
	return c
}

func (c Config) Validate() error {
	var errs []error
	if c.TargetLagPerReplica <= 0 {
		errs = append(errs, fmt.Errorf("target lag per replica must be positive: %d", c.TargetLagPerReplica))
	}
	c = c.withDefaults()
	errs = append(errs, Bounds{Min: c.MinReplicas, Max: c.MaxReplicas}.Validate())
	return errors.Join(errs...)
}

// Decision records a single evaluation. Decisions are not persisted.
type Decision struct {
	Timestamp       time.Time
	ObservedMetric  int64
	TargetMetric    int64
	CurrentReplicas int
	DesiredReplicas int
	MinReplicas     int
	MaxReplicas     int
	Reason          string
	// true if SetReplicas was invoked
	Applied bool
}

func (d Decision) String() string {
	return fmt.Sprintf("observed: %d, target: %d, replicas: %d -> %d [%d, %d], reason: %s",
		d.ObservedMetric, d.TargetMetric, d.CurrentReplicas, d.DesiredReplicas, d.MinReplicas, d.MaxReplicas, d.Reason)
}

// DesiredReplicas applies the ratio law to the total `observed` lag, averaged over `current` replicas.
// A current count of zero with a positive metric is treated as one replica, and the result is never below one.
func DesiredReplicas(observed, target int64, current int, bounds Bounds) (int, string) {
	if current <= 0 {
		if observed <= 0 {
			return 0, "idle"
		}
		desired := sak.Max(1, ratio(observed, target, 1, bounds))
		return desired, "cold start"
	}
	desired := ratio(observed, target, current, bounds)
	switch {
	case desired > current:
		return desired, "scale out"
	case desired < current:
		return desired, "scale in"
	}
	return desired, "steady"
}

// The per-replica average cancels against current, leaving ceil(observed / target).
func ratio(observed, target int64, current int, bounds Bounds) int {
	if target <= 0 {
		target = 1
	}
	if observed <= 0 || current <= 0 {
		return sak.Clamp(0, bounds.Min, bounds.Max)
	}
	desired := observed / target
	if observed%target != 0 {
		desired++
	}
	if desired > math.MaxInt32 {
		desired = math.MaxInt32
	}
	return sak.Clamp(int(desired), bounds.Min, bounds.Max)
}
