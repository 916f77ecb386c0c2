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
	"fmt"
	"net"
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch/sak"
	"github.com/google/btree"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

type TopicPartition struct {
	Partition int32
	Topic     string
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s[%d]", tp.Topic, tp.Partition)
}

// ntp == 'New Topic Partition'. Essentially a macro for TopicPartition{Parition: p, Topic: t} which is quite verbose
func ntp(p int32, t string) TopicPartition {
	return TopicPartition{Partition: p, Topic: t}
}

var tpSetFreeList = btree.NewFreeListG[TopicPartition](128)

// A convenience data structure. It is what the name implies, a Set of TopicPartitions, ordered by partition then topic.
// This data structure is not thread-safe. You will need to providde your own locking mechanism.
type TopicPartitionSet struct {
	*btree.BTreeG[TopicPartition]
}

func topicPartitionLess(a, b TopicPartition) bool {
	res := a.Partition - b.Partition
	if res != 0 {
		return res < 0
	}
	return a.Topic < b.Topic
}

// Returns a new TopicPartitionSet containing `tps`.
func NewTopicPartitionSet(tps ...TopicPartition) TopicPartitionSet {
	set := TopicPartitionSet{btree.NewWithFreeListG(16, topicPartitionLess, tpSetFreeList)}
	for _, tp := range tps {
		set.Insert(tp)
	}
	return set
}

// Insert the TopicPartition. Returns true if the item was inserted, false if the item was aready present
func (tps TopicPartitionSet) Insert(tp TopicPartition) bool {
	_, ok := tps.ReplaceOrInsert(tp)
	return !ok
}

func (tps TopicPartitionSet) Contains(tp TopicPartition) bool {
	_, ok := tps.Get(tp)
	return ok
}

// Removes tp from the TopicPartitionSet. Returns true is the item was present.
func (tps TopicPartitionSet) Remove(tp TopicPartition) bool {
	_, ok := tps.Delete(tp)
	return ok
}

// Converts the set to a newly allocated, ordered slice of TopicPartitions.
func (tps TopicPartitionSet) Items() []TopicPartition {
	slice := make([]TopicPartition, 0, tps.Len())
	tps.Ascend(func(tp TopicPartition) bool {
		slice = append(slice, tp)
		return true
	})
	return slice
}

// Difference returns the members of tps which are not present in other.
func (tps TopicPartitionSet) Difference(other TopicPartitionSet) []TopicPartition {
	diff := make([]TopicPartition, 0)
	tps.Ascend(func(tp TopicPartition) bool {
		if !other.Contains(tp) {
			diff = append(diff, tp)
		}
		return true
	})
	return diff
}

// An interface for implementing a resusable Kafka client configuration.
type Cluster interface {
	// Returns the list of kgo.Opt(s) that will be used whenever a connection is made to this cluster.
	// At minimum, it should return the kgo.SeedBrokers() option.
	Config() ([]kgo.Opt, error)
}

// A [Cluster] implementation useful for local development/testing. Establishes a plain text connection to a Kafka cluster.
// For MSK, see [github.com/aws/go-kafka-microbatch/microbatch/msk].
//
//	cluster := microbatch.SimpleCluster([]string{"127.0.0.1:9092"})
type SimpleCluster []string

// Returns []kgo.Opt{kgo.SeedBrokers(sc...)}
func (sc SimpleCluster) Config() ([]kgo.Opt, error) {
	return []kgo.Opt{kgo.SeedBrokers(sc...)}, nil
}

// NewClient creates a kgo.Client from the options retuned from the provided [Cluster] and addtional `options`.
// Used internally and exposed for convenience.
func NewClient(cluster Cluster, options ...kgo.Opt) (*kgo.Client, error) {
	configOptions := []kgo.Opt{kgo.WithLogger(kgoLogger)}
	clusterOpts, err := cluster.Config()
	if err != nil {
		return nil, err
	}
	configOptions = append(configOptions, clusterOpts...)
	configOptions = append(configOptions, options...)
	return kgo.NewClient(configOptions...)
}

// TopicConfig describes a topic to be created by [CreateTopic].
type TopicConfig struct {
	Cluster           Cluster
	Topic             string
	NumPartitions     int
	ReplicationFactor int
	MinInSync         int
}

func createTopic(ctx context.Context, tc TopicConfig) error {
	client, err := NewClient(tc.Cluster, kgo.RequestRetries(20))
	if err != nil {
		return err
	}
	defer client.Close()
	adminClient := kadm.NewClient(client)
	configs := map[string]*string{}
	if tc.MinInSync > 0 {
		configs["min.insync.replicas"] = sak.Ptr(fmt.Sprintf("%d", tc.MinInSync))
	}
	res, err := adminClient.CreateTopics(ctx, int32(sak.Max(tc.NumPartitions, 1)), int16(sak.Max(tc.ReplicationFactor, 1)), configs, tc.Topic)
	if err != nil {
		return err
	}
	log.Infof("createTopic res: %+v", res)
	if tr, ok := res[tc.Topic]; ok && tr.Err != nil && !errors.Is(tr.Err, kerr.TopicAlreadyExists) {
		return tr.Err
	}
	return nil
}

// Creates the topic described by `tc`, retrying for up to 15 seconds on network errors.
// TOPIC_ALREADY_EXISTS is not considered an error.
func CreateTopic(ctx context.Context, tc TopicConfig) (err error) {
	for retryCount := 0; retryCount < 15; retryCount++ {
		err = createTopic(ctx, tc)
		if !isNetworkError(err) {
			return
		}
		if !sak.SleepContext(ctx, time.Second) {
			return ctx.Err()
		}
	}
	return
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var opError *net.OpError
	if errors.As(err, &opError) {
		log.Warnf("network error for operation: %s, error: %v", opError.Op, opError)
		return true
	}
	return false
}

func toTopicPartitions(topic string, partitions ...int32) []TopicPartition {
	tps := make([]TopicPartition, len(partitions))
	for i, p := range partitions {
		tps[i] = ntp(p, topic)
	}
	return tps
}

// flattens the map shape handed to kgo partition callbacks
func topicPartitionsFromMap(assigned map[string][]int32) []TopicPartition {
	tps := make([]TopicPartition, 0)
	for topic, partitions := range assigned {
		tps = append(tps, toTopicPartitions(topic, partitions...)...)
	}
	return tps
}
