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
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

type Destination struct {
	// The topic to use for records being produced which have empty topic data
	DefaultTopic string
	// Optional, used in CreateDestination call.
	NumPartitions int
	// Optional, used in CreateDestination call.
	ReplicationFactor int
	// Optional, used in CreateDestination call.
	MinInSync int
	// The Kafka cluster where this destination resides.
	Cluster Cluster
}

// A simple kafka producer. Records are partitioned by key, so records with the same key keep their order.
type Producer struct {
	client      *kgo.Client
	destination Destination
}

// Create a new Producer. Destination provides cluster connect information.
// Defaults options are: kgo.ProducerLinger(5 * time.Millisecond). `opts` override the defaults.
func NewProducer(destination Destination, opts ...kgo.Opt) (*Producer, error) {
	client, err := NewClient(destination.Cluster, append([]kgo.Opt{kgo.ProducerLinger(5 * time.Millisecond)}, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Producer{
		client:      client,
		destination: destination,
	}, nil
}

// CreateDestination creates the DefaultTopic of the destination. An existing topic is not an error.
func (p *Producer) CreateDestination(ctx context.Context) error {
	return CreateTopic(ctx, TopicConfig{
		Cluster:           p.destination.Cluster,
		Topic:             p.destination.DefaultTopic,
		NumPartitions:     p.destination.NumPartitions,
		ReplicationFactor: p.destination.ReplicationFactor,
		MinInSync:         p.destination.MinInSync,
	})
}

func (p *Producer) toKafkaRecord(record Record) *kgo.Record {
	topic := record.Topic
	if len(topic) == 0 {
		topic = p.destination.DefaultTopic
	}
	kr := &kgo.Record{
		Topic: topic,
		Key:   record.Key,
		Value: record.Value,
	}
	if !record.Timestamp.IsZero() {
		kr.Timestamp = record.Timestamp
	}
	return kr
}

// Produces a record, blocking until complete.
// If the record has no topic, the DefaultTopic of the producer's Destination will be used.
func (p *Producer) Produce(ctx context.Context, record Record) error {
	return p.client.ProduceSync(ctx, p.toKafkaRecord(record)).FirstErr()
}

// Produces a record asynchronously. If callback is non-nil, it will be executed when the call is complete, with
// Partition and Offset of the produced record filled in.
// If the record has no topic, the DefaultTopic of the producer's Destination will be used.
func (p *Producer) ProduceAsync(ctx context.Context, record Record, callback func(Record, error)) {
	p.client.Produce(ctx, p.toKafkaRecord(record), func(kr *kgo.Record, err error) {
		if callback != nil {
			record.Topic = kr.Topic
			record.Partition = kr.Partition
			record.Offset = kr.Offset
			callback(record, err)
		}
	})
}

// Flush blocks until every buffered record has been produced, or ctx is done.
func (p *Producer) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

func (p *Producer) Close() {
	p.client.Close()
}
