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
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch"
	"github.com/aws/go-kafka-microbatch/microbatch/codec"
	"github.com/aws/go-kafka-microbatch/microbatch/memlog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var produceFlags struct {
	rate        int
	count       int
	createTopic bool
	progress    bool
}

var produceCmd = &cobra.Command{
	Use:   "produce",
	Short: "Produce synthetic trades keyed by account id",
	RunE:  runProduce,
}

func init() {
	produceCmd.Flags().IntVar(&produceFlags.rate, "rate", -1, "messages per second, 0 pauses the producer (env: MESSAGES_PER_SECOND)")
	produceCmd.Flags().IntVar(&produceFlags.count, "count", 0, "stop after this many messages, 0 is unbounded")
	produceCmd.Flags().BoolVar(&produceFlags.createTopic, "create-topic", false, "create the topic if it does not exist")
	produceCmd.Flags().BoolVar(&produceFlags.progress, "progress", false, "show a progress bar on stderr")
}

// tradeSink delivers one encoded trade.
type tradeSink interface {
	send(ctx context.Context, key, value []byte) error
}

type kafkaSink struct {
	producer *microbatch.Producer
	failures atomic.Int64
}

func (ks *kafkaSink) send(ctx context.Context, key, value []byte) error {
	ks.producer.ProduceAsync(ctx, microbatch.Record{Key: key, Value: value}, func(r microbatch.Record, err error) {
		if err != nil {
			ks.failures.Add(1)
			microbatch.PackageLogger().Errorf("failed to produce trade for %s: %v", r.Key, err)
		}
	})
	return nil
}

type memSink struct {
	log   *memlog.Log
	topic string
}

func (ms memSink) send(_ context.Context, key, value []byte) error {
	_, _, err := ms.log.Produce(ms.topic, key, value)
	return err
}

// produceTrades sends random trades to sink at perSecond until ctx is done or `count` trades have been sent.
func produceTrades(ctx context.Context, sink tradeSink, perSecond, count int, bar *progressbar.ProgressBar) (int, error) {
	log := microbatch.PackageLogger()
	if perSecond == 0 {
		log.Infof("Producer paused: MESSAGES_PER_SECOND=0 (not sending messages)")
		<-ctx.Done()
		return 0, nil
	}
	log.Infof("Starting continuous producer: %d messages/second", perSecond)
	limiter := rate.NewLimiter(rate.Limit(perSecond), 1)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sent := 0
	for count == 0 || sent < count {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		trade := codec.RandomTrade(rng, time.Now())
		value, err := codec.EncodeTrade(trade)
		if err != nil {
			return sent, err
		}
		if err = sink.send(ctx, []byte(trade.AccountId), value); err != nil {
			return sent, err
		}
		sent++
		if bar != nil {
			bar.Add(1)
		}
		if sent%100 == 0 {
			log.Infof("Sent trades count: %d - Last: %s %d %s for %s", sent, trade.TradeType, trade.Quantity, trade.Symbol, trade.AccountId)
		}
	}
	log.Infof("Stopping producer. Total messages sent: %d", sent)
	return sent, nil
}

func newProgressBar(count int) *progressbar.ProgressBar {
	total := int64(count)
	if total == 0 {
		total = -1
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("producing trades"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

func runProduce(cmd *cobra.Command, _ []string) error {
	f, err := loadConfig()
	if err != nil {
		return err
	}
	if produceFlags.rate >= 0 {
		f.Producer.MessagesPerSecond = produceFlags.rate
	}
	if produceFlags.count > 0 {
		f.Producer.Count = produceFlags.count
	}
	cluster, err := f.Cluster()
	if err != nil {
		return err
	}
	producer, err := microbatch.NewProducer(microbatch.Destination{
		DefaultTopic:      f.Kafka.Topic,
		NumPartitions:     f.Kafka.Partitions,
		ReplicationFactor: f.Kafka.ReplicationFactor,
		Cluster:           cluster,
	})
	if err != nil {
		return err
	}
	defer producer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if produceFlags.createTopic {
		if err = producer.CreateDestination(ctx); err != nil {
			return err
		}
	}
	var bar *progressbar.ProgressBar
	if produceFlags.progress {
		bar = newProgressBar(f.Producer.Count)
		defer bar.Finish()
	}
	sink := &kafkaSink{producer: producer}
	_, err = produceTrades(ctx, sink, f.Producer.MessagesPerSecond, f.Producer.Count, bar)

	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if ferr := producer.Flush(flushCtx); ferr != nil && err == nil {
		err = ferr
	}
	if failures := sink.failures.Load(); failures > 0 {
		microbatch.PackageLogger().Warnf("%d trades could not be produced", failures)
	}
	return err
}
