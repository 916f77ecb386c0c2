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
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch"
)

// DecisionHandler receives every evaluated Decision, applied or not.
type DecisionHandler func(Decision)

type Controller struct {
	config       Config
	source       MetricSource
	orchestrator Orchestrator
	onDecision   DecisionHandler
	now          func() time.Time
	mux          sync.Mutex
	zeroSince    time.Time
}

func NewController(config Config, source MetricSource, orchestrator Orchestrator) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if source == nil || orchestrator == nil {
		return nil, fmt.Errorf("scaling controller requires a metric source and an orchestrator")
	}
	return &Controller{
		config:       config.withDefaults(),
		source:       source,
		orchestrator: orchestrator,
		now:          time.Now,
	}, nil
}

// OnDecision sets the handler invoked after every evaluation. Must be called before Run.
func (c *Controller) OnDecision(handler DecisionHandler) *Controller {
	c.onDecision = handler
	return c
}

func (c *Controller) Config() Config {
	return c.config
}

// Orchestrator bounds take precedence over Config, unless the orchestrator reports no maximum.
func (c *Controller) bounds(ctx context.Context) (Bounds, error) {
	b, err := c.orchestrator.ScalingBounds(ctx)
	if err != nil {
		return b, err
	}
	if b.Max == 0 {
		b = Bounds{Min: c.config.MinReplicas, Max: c.config.MaxReplicas}
	}
	return b, b.Validate()
}

// Evaluate runs a single evaluation cycle, invoking SetReplicas on the orchestrator if the desired
// count differs from the current one.
func (c *Controller) Evaluate(ctx context.Context) (Decision, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	observed, err := c.source.Observe(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("observing metric: %w", err)
	}
	current, err := c.orchestrator.CurrentReplicas(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("reading current replicas: %w", err)
	}
	bounds, err := c.bounds(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("reading scaling bounds: %w", err)
	}
	now := c.now()
	d := Decision{
		Timestamp:       now,
		ObservedMetric:  observed,
		TargetMetric:    c.config.TargetLagPerReplica,
		CurrentReplicas: current,
		MinReplicas:     bounds.Min,
		MaxReplicas:     bounds.Max,
	}
	if observed > 0 {
		c.zeroSince = time.Time{}
		d.DesiredReplicas, d.Reason = DesiredReplicas(observed, c.config.TargetLagPerReplica, current, bounds)
	} else {
		if c.zeroSince.IsZero() {
			c.zeroSince = now
		}
		idle := now.Sub(c.zeroSince)
		if idle >= c.config.ScaleToZeroCooldown {
			d.DesiredReplicas = 0
			d.Reason = fmt.Sprintf("no lag for %v", idle.Round(time.Second))
		} else {
			d.DesiredReplicas, d.Reason = DesiredReplicas(0, c.config.TargetLagPerReplica, current, bounds)
			if current > 0 && d.DesiredReplicas < 1 {
				// hold one replica until the cooldown elapses
				d.DesiredReplicas = 1
				d.Reason = "cooling down"
			}
		}
	}
	if d.DesiredReplicas != current {
		if err = c.orchestrator.SetReplicas(ctx, d.DesiredReplicas); err != nil {
			err = fmt.Errorf("setting replicas to %d: %w", d.DesiredReplicas, err)
		} else {
			d.Applied = true
		}
	}
	if c.onDecision != nil {
		c.onDecision(d)
	}
	return d, err
}

// Run evaluates every EvaluationInterval until ctx is cancelled. Evaluation errors are logged and do
// not stop the controller.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.config.EvaluationInterval)
	defer ticker.Stop()
	for {
		if d, err := c.Evaluate(ctx); err != nil {
			microbatch.PackageLogger().Errorf("scaling evaluation failed: %v", err)
		} else if d.Applied {
			microbatch.PackageLogger().Infof("scaling decision applied: %v", d)
		} else {
			microbatch.PackageLogger().Debugf("scaling decision: %v", d)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
