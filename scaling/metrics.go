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
	"github.com/prometheus/client_golang/prometheus"
)

// DecisionGauges exports each Decision as Prometheus gauges.
type DecisionGauges struct {
	observedLag     prometheus.Gauge
	currentReplicas prometheus.Gauge
	decisions       *prometheus.CounterVec
}

func NewDecisionGauges(registerer prometheus.Registerer) (*DecisionGauges, error) {
	dg := &DecisionGauges{
		observedLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "microbatch",
			Subsystem: "scaling",
			Name:      "observed_lag",
			Help:      "Metric observed during the last scaling evaluation.",
		}),
		currentReplicas: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "microbatch",
			Subsystem: "scaling",
			Name:      "current_replicas",
			Help:      "Replica count reported by the orchestrator during the last scaling evaluation.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "microbatch",
			Subsystem: "scaling",
			Name:      "decisions_total",
			Help:      "Scaling evaluations, by whether SetReplicas was invoked.",
		}, []string{"applied"}),
	}
	for _, c := range []prometheus.Collector{dg.observedLag, dg.currentReplicas, dg.decisions} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return dg, nil
}

// Observe is a DecisionHandler.
func (dg *DecisionGauges) Observe(d Decision) {
	dg.observedLag.Set(float64(d.ObservedMetric))
	dg.currentReplicas.Set(float64(d.CurrentReplicas))
	if d.Applied {
		dg.decisions.WithLabelValues("true").Inc()
	} else {
		dg.decisions.WithLabelValues("false").Inc()
	}
}
