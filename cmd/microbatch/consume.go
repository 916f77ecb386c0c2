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
	"github.com/aws/go-kafka-microbatch/microbatch/memlog"
	"github.com/aws/go-kafka-microbatch/microbatch/metrics"
	"github.com/aws/go-kafka-microbatch/microbatch/stores"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var consumeFlags struct {
	inMemory     bool
	partitions   int
	rate         int
	processor    string
	batchSize    int
	maxLinger    time.Duration
	httpAddress  string
	latency      time.Duration
	jitter       time.Duration
	failureRate  float64
	statInterval time.Duration
}

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Join the consumer group and process the topic in microbatches",
	RunE:  runConsume,
}

func init() {
	flags := consumeCmd.Flags()
	flags.BoolVar(&consumeFlags.inMemory, "in-memory", false, "consume an in-memory log fed by a built-in trade producer, no Kafka required")
	flags.IntVar(&consumeFlags.partitions, "partitions", 4, "partitions of the in-memory topic")
	flags.IntVar(&consumeFlags.rate, "rate", 200, "messages per second produced into the in-memory topic")
	flags.StringVar(&consumeFlags.processor, "processor", "ledger", "ledger or simulated")
	flags.IntVar(&consumeFlags.batchSize, "batch-size", 0, "records per batch (overrides config)")
	flags.DurationVar(&consumeFlags.maxLinger, "max-linger", 0, "maximum time a batch may stay open (overrides config)")
	flags.StringVar(&consumeFlags.httpAddress, "http-address", "", "address serving /metrics, /healthz and /assignments (overrides config)")
	flags.DurationVar(&consumeFlags.latency, "simulated-latency", 20*time.Millisecond, "base latency of the simulated processor")
	flags.DurationVar(&consumeFlags.jitter, "simulated-jitter", 10*time.Millisecond, "latency jitter of the simulated processor")
	flags.Float64Var(&consumeFlags.failureRate, "simulated-failure-rate", 0, "failure probability of the simulated processor")
	flags.DurationVar(&consumeFlags.statInterval, "stats-interval", 30*time.Second, "how often flush latency percentiles are logged, 0 disables")
}

func newProcessor() (microbatch.BatchProcessor, func(), error) {
	switch consumeFlags.processor {
	case "ledger":
		processor := stores.NewLedgerProcessor(stores.NewTradeLedger(6))
		return processor, func() {
			ledger := processor.Ledger()
			microbatch.PackageLogger().Infof("ledger trades: %d, duplicates: %d, invalid records: %d",
				ledger.Len(), ledger.Duplicates(), processor.Invalid())
		}, nil
	case "simulated":
		processor := &microbatch.SimulatedWrite{
			Latency:     consumeFlags.latency,
			Jitter:      consumeFlags.jitter,
			FailureRate: consumeFlags.failureRate,
		}
		return processor, func() {
			batches, records, failures := processor.Stats()
			microbatch.PackageLogger().Infof("simulated writes: %d batches, %d records, %d failures", batches, records, failures)
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown processor: %q", consumeFlags.processor)
}

func logLatency(ctx context.Context, collector *metrics.Collector, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s := collector.Snapshot(); s.Count > 0 {
				microbatch.PackageLogger().Infof("batch flush latency over %d batches: p50 %v, p99 %v, p99.9 %v, max %v",
					s.Count, s.P50, s.P99, s.P999, s.Max)
			}
		}
	}
}

func runConsume(cmd *cobra.Command, _ []string) error {
	f, err := loadConfig()
	if err != nil {
		return err
	}
	cc, err := f.ConsumerConfig()
	if err != nil {
		return err
	}
	if consumeFlags.batchSize > 0 {
		cc.BatchSize = consumeFlags.batchSize
	}
	if consumeFlags.maxLinger > 0 {
		cc.MaxLingerDuration = consumeFlags.maxLinger
	}
	if consumeFlags.httpAddress != "" {
		f.HttpAddress = consumeFlags.httpAddress
	}
	if cc.InstanceId == "" {
		cc.InstanceId = uuid.NewString()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewCollector(registry)
	if err != nil {
		return err
	}
	cc.MetricsHandler = collector.Handle

	processor, summarize, err := newProcessor()
	if err != nil {
		return err
	}
	defer summarize()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var broker microbatch.Broker
	if consumeFlags.inMemory {
		log := memlog.New()
		log.CreateTopic(cc.Topic, consumeFlags.partitions)
		broker = log.NewBroker(cc.GroupId, cc.Topic, cc.InstanceId)
		g.Go(func() error {
			_, err := produceTrades(ctx, memSink{log: log, topic: cc.Topic}, consumeFlags.rate, 0, nil)
			return err
		})
	} else {
		if cc.Cluster, err = f.Cluster(); err != nil {
			return err
		}
		if broker, err = microbatch.NewKafkaBroker(cc); err != nil {
			return err
		}
	}

	consumer, err := microbatch.NewConsumer(cc, broker, processor)
	if err != nil {
		return err
	}
	g.Go(func() error {
		// a consumer stopped by its error handler takes the rest of the process down with it
		defer cancel()
		return consumer.Run(ctx)
	})
	g.Go(func() error {
		return serveHttp(ctx, f.HttpAddress, newRouter(registry, consumer.Assignments))
	})
	g.Go(func() error {
		logLatency(ctx, collector, consumeFlags.statInterval)
		return nil
	})
	return g.Wait()
}
