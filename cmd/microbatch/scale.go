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

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch"
	"github.com/aws/go-kafka-microbatch/microbatch/scaling"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var scaleFlags struct {
	once        bool
	httpAddress string
	interval    time.Duration
}

var scaleCmd = &cobra.Command{
	Use:   "scale",
	Short: "Compute the desired consumer replica count from consumer group lag",
	Long: `scale periodically reads the lag of the consumer group and the number of group members, and
publishes the desired replica count as the microbatch_scaling_desired_replicas gauge for an external
actuator. With --once, a single decision is printed and the command exits.`,
	RunE: runScale,
}

func init() {
	scaleCmd.Flags().BoolVar(&scaleFlags.once, "once", false, "evaluate once, print the decision and exit")
	scaleCmd.Flags().StringVar(&scaleFlags.httpAddress, "http-address", "", "address serving /metrics and /healthz (overrides config)")
	scaleCmd.Flags().DurationVar(&scaleFlags.interval, "interval", 0, "evaluation interval (overrides config)")
}

func runScale(cmd *cobra.Command, _ []string) error {
	f, err := loadConfig()
	if err != nil {
		return err
	}
	sc, err := f.ScalingConfig()
	if err != nil {
		return err
	}
	if scaleFlags.interval > 0 {
		sc.EvaluationInterval = scaleFlags.interval
	}
	if scaleFlags.httpAddress != "" {
		f.HttpAddress = scaleFlags.httpAddress
	}
	cc, err := f.ConsumerConfig()
	if err != nil {
		return err
	}
	if cc.Cluster, err = f.Cluster(); err != nil {
		return err
	}
	// never subscribed, only used for lag and group lookups
	broker, err := microbatch.NewKafkaBroker(cc)
	if err != nil {
		return err
	}
	defer broker.Leave(context.Background())

	registry := prometheus.NewRegistry()
	orchestrator, err := scaling.NewAdvisoryOrchestrator(
		scaling.NewGroupMemberCounter(broker.AdminClient(), cc.GroupId),
		scaling.Bounds{Min: sc.MinReplicas, Max: sc.MaxReplicas},
		registry)
	if err != nil {
		return err
	}
	gauges, err := scaling.NewDecisionGauges(registry)
	if err != nil {
		return err
	}
	controller, err := scaling.NewController(sc, scaling.GroupLagSource(broker), orchestrator)
	if err != nil {
		return err
	}
	controller.OnDecision(func(d scaling.Decision) {
		gauges.Observe(d)
		orchestrator.Observe(d)
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if scaleFlags.once {
		d, err := controller.Evaluate(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), d)
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return controller.Run(ctx)
	})
	g.Go(func() error {
		return serveHttp(ctx, f.HttpAddress, newRouter(registry, nil))
	})
	return g.Wait()
}
