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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type PartitionEventHandler func(TopicPartition)

type ConsumerConfig struct {
	// The group id for the underlying consumer group.
	GroupId string
	// The topic to consume.
	Topic string
	// Identifies this consumer within the group. A random uuid is used if left empty.
	InstanceId string
	// The Kafka cluster on which Topic resides. Only required by [NewKafkaBroker].
	Cluster Cluster
	// The number of records which triggers a flush. Defaults to 100.
	BatchSize int
	// The maximum time a batch may stay open before being flushed. Defaults to 1s.
	MaxLingerDuration time.Duration
	// The maximum time a single fetch may block. Fetches are also bounded by the linger deadline of an open batch. Defaults to 500ms.
	FetchMaxWait time.Duration
	// The number of records buffered per partition before fetching for that partition is paused. Defaults to 10 x BatchSize.
	MaxBufferedRecords int
	// How long a revoked partition may take to flush and commit before ownership is released anyway. Defaults to 30s.
	RevokeGracePeriod time.Duration
	// The number of times a failed batch is retried before the partition is failed. Defaults to 3.
	// Set to a negative value to disable retries.
	RetryLimit int
	// Base delay between processing retries. Defaults to 100ms.
	RetryBackoff time.Duration
	// Upper bound on the delay between processing retries. Defaults to 5s.
	RetryBackoffMax time.Duration
	// The number of times a failed commit is retried. Defaults to 5. Set to a negative value to disable retries.
	CommitRetryLimit int
	// Base delay between commit retries. Defaults to RetryBackoff.
	CommitRetryBackoff time.Duration
	// Where to start when a partition has no checkpoint. Defaults to ResetEarliest.
	ResetPolicy ResetPolicy
	// How often the LagMonitor samples group lag. Defaults to 15s.
	LagInterval time.Duration
	// If non-nil, the Consumer will emit [Metric] objects of varying types. This is backed by a channel. If the channel is full
	// (presumably because the MetricHandler is not able to keep up),
	// the metric is dropped and logged at WARN level to prevent processing slow down.
	MetricsHandler MetricsHandler
	// Invoked when a partition is exhausts its processing retries. Defaults to [DefaultPartitionErrorHandler].
	ErrorHandler PartitionErrorHandler

	// Called when a partition has been assigned, before its pipeline starts.
	OnPartitionAssigned PartitionEventHandler
	// Called when a partition is about to be revoked, before it is drained.
	// This is a blocking call and, as such, should return quickly.
	OnPartitionWillRevoke PartitionEventHandler
	// Called when a partition has been revoked or lost, after its pipeline has stopped.
	OnPartitionRevoked PartitionEventHandler
}

const (
	DefaultBatchSize         = 100
	DefaultMaxLingerDuration = time.Second
	DefaultFetchMaxWait      = 500 * time.Millisecond
	DefaultRevokeGracePeriod = 30 * time.Second
	DefaultRetryLimit        = 3
	DefaultRetryBackoff      = 100 * time.Millisecond
	DefaultRetryBackoffMax   = 5 * time.Second
	DefaultCommitRetryLimit  = 5
	DefaultLagInterval       = 15 * time.Second
)

func durationOrDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func retriesOrDefault(n, def int) int {
	if n < 0 {
		return 0
	}
	if n == 0 {
		return def
	}
	return n
}

// withDefaults returns a copy of cc with every unset field resolved.
func (cc ConsumerConfig) withDefaults() ConsumerConfig {
	if cc.InstanceId == "" {
		cc.InstanceId = uuid.NewString()
	}
	if cc.BatchSize <= 0 {
		cc.BatchSize = DefaultBatchSize
	}
	cc.MaxLingerDuration = durationOrDefault(cc.MaxLingerDuration, DefaultMaxLingerDuration)
	cc.FetchMaxWait = durationOrDefault(cc.FetchMaxWait, DefaultFetchMaxWait)
	if cc.MaxBufferedRecords <= 0 {
		cc.MaxBufferedRecords = 10 * cc.BatchSize
	}
	cc.RevokeGracePeriod = durationOrDefault(cc.RevokeGracePeriod, DefaultRevokeGracePeriod)
	cc.RetryLimit = retriesOrDefault(cc.RetryLimit, DefaultRetryLimit)
	cc.RetryBackoff = durationOrDefault(cc.RetryBackoff, DefaultRetryBackoff)
	cc.RetryBackoffMax = durationOrDefault(cc.RetryBackoffMax, DefaultRetryBackoffMax)
	cc.CommitRetryLimit = retriesOrDefault(cc.CommitRetryLimit, DefaultCommitRetryLimit)
	cc.CommitRetryBackoff = durationOrDefault(cc.CommitRetryBackoff, cc.RetryBackoff)
	cc.LagInterval = durationOrDefault(cc.LagInterval, DefaultLagInterval)
	if cc.ErrorHandler == nil {
		cc.ErrorHandler = DefaultPartitionErrorHandler
	}
	return cc
}

func (cc ConsumerConfig) validate() error {
	var errs []error
	if cc.GroupId == "" {
		errs = append(errs, errors.New("GroupId is required"))
	}
	if cc.Topic == "" {
		errs = append(errs, errors.New("Topic is required"))
	}
	if cc.ResetPolicy != ResetEarliest && cc.ResetPolicy != ResetLatest {
		errs = append(errs, fmt.Errorf("invalid ResetPolicy: %d", cc.ResetPolicy))
	}
	if cc.RetryBackoffMax > 0 && cc.RetryBackoff > cc.RetryBackoffMax {
		errs = append(errs, fmt.Errorf("RetryBackoff (%v) exceeds RetryBackoffMax (%v)", cc.RetryBackoff, cc.RetryBackoffMax))
	}
	if cc.MaxBufferedRecords > 0 && cc.BatchSize > 0 && cc.MaxBufferedRecords < cc.BatchSize {
		errs = append(errs, fmt.Errorf("MaxBufferedRecords (%d) must be at least BatchSize (%d)", cc.MaxBufferedRecords, cc.BatchSize))
	}
	return errors.Join(errs...)
}

func (cc ConsumerConfig) executeHandler(handler PartitionEventHandler, tps ...TopicPartition) {
	if handler != nil {
		for _, tp := range tps {
			handler(tp)
		}
	}
}
