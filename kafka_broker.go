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
	"sync"
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch/sak"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// fetchQueue buffers polled records for a single partition until its worker fetches them.
type fetchQueue struct {
	mux     sync.Mutex
	records []Record
	err     error
	paused  bool
	notify  chan struct{}
}

func newFetchQueue() *fetchQueue {
	return &fetchQueue{notify: make(chan struct{}, 1)}
}

func (q *fetchQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// push appends records and returns the number buffered
func (q *fetchQueue) push(krs []*kgo.Record) int {
	q.mux.Lock()
	for _, kr := range krs {
		q.records = append(q.records, newRecord(kr))
	}
	n := len(q.records)
	q.mux.Unlock()
	q.signal()
	return n
}

func (q *fetchQueue) fail(err error) {
	q.mux.Lock()
	q.err = err
	q.mux.Unlock()
	q.signal()
}

// pause marks the queue as paused. Returns false if it already was.
func (q *fetchQueue) pause() bool {
	q.mux.Lock()
	defer q.mux.Unlock()
	if q.paused {
		return false
	}
	q.paused = true
	return true
}

// take waits for records at or above `from`. resume is true if the queue was paused and has now been drained.
func (q *fetchQueue) take(ctx context.Context, from int64) (records []Record, resume bool, err error) {
	for {
		q.mux.Lock()
		if q.err != nil {
			err, q.err = q.err, nil
			q.mux.Unlock()
			return
		}
		i := 0
		for i < len(q.records) && q.records[i].Offset < from {
			i++
		}
		if i < len(q.records) {
			records = q.records[i:]
		}
		q.records = nil
		resume, q.paused = q.paused, false
		q.mux.Unlock()
		if len(records) > 0 || resume {
			return
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// KafkaBroker is a [Broker] backed by a Kafka consumer group. A single poll loop dispatches records into per-partition
// queues. A queue holding MaxBufferedRecords pauses fetching for its partition, so a slow partition never blocks another.
// Commits are written to the group with CommitOffsetsSync.
type KafkaBroker struct {
	config      ConsumerConfig
	options     []kgo.Opt
	client      *kgo.Client
	metaClient  *kgo.Client
	adminClient *kadm.Client
	balancer    *relinquishBalancer
	listener    RebalanceListener
	queues      map[TopicPartition]*fetchQueue
	queueMux    sync.RWMutex
	runStatus   sak.RunStatus
	pollStopped chan struct{}
}

var _ Broker = (*KafkaBroker)(nil)
var _ LagReader = (*KafkaBroker)(nil)

// NewKafkaBroker creates a KafkaBroker for config.GroupId and config.Topic on config.Cluster.
// `additionalClientOptions` are appended to the options of the consumer group client.
func NewKafkaBroker(config ConsumerConfig, additionalClientOptions ...kgo.Opt) (*KafkaBroker, error) {
	if config.Cluster == nil {
		return nil, errors.New("Cluster is required")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()
	metaClient, err := NewClient(config.Cluster, kgo.RequestRetries(20), kgo.RetryTimeout(30*time.Second))
	if err != nil {
		return nil, err
	}
	return &KafkaBroker{
		config:      config,
		options:     additionalClientOptions,
		metaClient:  metaClient,
		adminClient: kadm.NewClient(metaClient),
		balancer:    newRelinquishBalancer(config.InstanceId),
		queues:      make(map[TopicPartition]*fetchQueue),
		runStatus:   sak.NewRunStatus(context.Background()),
		pollStopped: make(chan struct{}),
	}, nil
}

func resetOffset(policy ResetPolicy) kgo.Offset {
	if policy == ResetLatest {
		return kgo.NewOffset().AtEnd()
	}
	return kgo.NewOffset().AtStart()
}

// Joins the consumer group and starts polling. Rebalance callbacks are delivered to `listener` from the kgo group goroutine.
func (kb *KafkaBroker) Subscribe(ctx context.Context, listener RebalanceListener) error {
	if kb.client != nil {
		return errors.New("already subscribed")
	}
	kb.listener = listener
	opts := []kgo.Opt{
		kgo.Balancers(kb.balancer),
		kgo.ConsumerGroup(kb.config.GroupId),
		kgo.ConsumeTopics(kb.config.Topic),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(kb.partitionsAssigned),
		kgo.OnPartitionsRevoked(kb.partitionsRevoked),
		kgo.OnPartitionsLost(kb.partitionsLost),
		kgo.SessionTimeout(6 * time.Second),
		kgo.FetchMaxWait(kb.config.FetchMaxWait),
		kgo.ConsumeResetOffset(resetOffset(kb.config.ResetPolicy)),
	}
	opts = append(opts, kb.options...)
	client, err := NewClient(kb.config.Cluster, opts...)
	if err != nil {
		return err
	}
	kb.client = client
	go func() {
		select {
		case <-ctx.Done():
			kb.runStatus.Halt()
		case <-kb.runStatus.Done():
		}
	}()
	go kb.poll()
	return nil
}

func (kb *KafkaBroker) queue(tp TopicPartition) *fetchQueue {
	kb.queueMux.RLock()
	defer kb.queueMux.RUnlock()
	return kb.queues[tp]
}

func (kb *KafkaBroker) assignedPartitions() []TopicPartition {
	kb.queueMux.RLock()
	defer kb.queueMux.RUnlock()
	return NewTopicPartitionSet(sak.MapKeysToSlice(kb.queues)...).Items()
}

func (kb *KafkaBroker) partitionsAssigned(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
	tps := topicPartitionsFromMap(assigned)
	log.Debugf("assigned partitions: %v", tps)
	kb.queueMux.Lock()
	for _, tp := range tps {
		if _, ok := kb.queues[tp]; !ok {
			kb.queues[tp] = newFetchQueue()
		}
	}
	kb.queueMux.Unlock()
	kb.balancer.forget(tps...)
	kb.listener.PartitionsAssigned(ctx, tps)
}

func (kb *KafkaBroker) partitionsRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	tps := topicPartitionsFromMap(revoked)
	log.Debugf("revoked partitions: %v", tps)
	// workers block on their queue, so the listener must finish draining before the queues go away
	kb.listener.PartitionsRevoked(ctx, tps)
	kb.removeQueues(tps)
}

func (kb *KafkaBroker) partitionsLost(ctx context.Context, _ *kgo.Client, lost map[string][]int32) {
	tps := topicPartitionsFromMap(lost)
	log.Warnf("lost partitions: %v", tps)
	kb.listener.PartitionsLost(ctx, tps)
	kb.removeQueues(tps)
}

func (kb *KafkaBroker) removeQueues(tps []TopicPartition) {
	kb.queueMux.Lock()
	defer kb.queueMux.Unlock()
	for _, tp := range tps {
		delete(kb.queues, tp)
	}
}

func (kb *KafkaBroker) poll() {
	defer close(kb.pollStopped)
	for {
		ctx, cancel := context.WithTimeout(kb.runStatus.Ctx(), 10*time.Second)
		f := kb.client.PollFetches(ctx)
		cancel()
		if f.IsClientClosed() || !kb.runStatus.Running() {
			log.Infof("client closed for group: %v", kb.config.GroupId)
			return
		}
		for _, err := range f.Errors() {
			if errors.Is(err.Err, context.DeadlineExceeded) || errors.Is(err.Err, context.Canceled) {
				continue
			}
			log.Errorf("fetch error for %s[%d]: %v", err.Topic, err.Partition, err.Err)
			if q := kb.queue(ntp(err.Partition, err.Topic)); q != nil {
				q.fail(err.Err)
			}
		}
		f.EachPartition(kb.receive)
	}
}

func (kb *KafkaBroker) receive(p kgo.FetchTopicPartition) {
	if len(p.Records) == 0 {
		return
	}
	q := kb.queue(ntp(p.Partition, p.Topic))
	if q == nil {
		return
	}
	if q.push(p.Records) >= kb.config.MaxBufferedRecords && q.pause() {
		log.Debugf("pausing %s[%d], fetch buffer full", p.Topic, p.Partition)
		kb.client.PauseFetchPartitions(map[string][]int32{p.Topic: {p.Partition}})
	}
}

// Fetch returns buffered records for tp. Returns a *PartitionError wrapping ErrPartitionNotAssigned if tp is not owned.
func (kb *KafkaBroker) Fetch(ctx context.Context, tp TopicPartition, fromOffset int64) ([]Record, error) {
	q := kb.queue(tp)
	if q == nil {
		return nil, newPartitionError(ErrPartitionNotAssigned, tp, fromOffset, fromOffset, nil)
	}
	records, resume, err := q.take(ctx, fromOffset)
	if resume {
		log.Debugf("resuming %v", tp)
		kb.client.ResumeFetchPartitions(map[string][]int32{tp.Topic: {tp.Partition}})
	}
	return records, err
}

// StartOffset lists the log start (or end, for ResetLatest) offset of tp.
func (kb *KafkaBroker) StartOffset(ctx context.Context, tp TopicPartition, policy ResetPolicy) (int64, error) {
	list := kb.adminClient.ListStartOffsets
	if policy == ResetLatest {
		list = kb.adminClient.ListEndOffsets
	}
	listed, err := list(ctx, tp.Topic)
	if err != nil {
		return -1, err
	}
	offset, ok := listed[tp.Topic][tp.Partition]
	if !ok {
		return -1, newPartitionError(ErrPartitionNotAssigned, tp, -1, -1, kerr.UnknownTopicOrPartition)
	}
	return offset.Offset, offset.Err
}

// CommitOffset commits `offset` as the last processed offset, which Kafka stores as offset + 1.
func (kb *KafkaBroker) CommitOffset(ctx context.Context, tp TopicPartition, offset int64) error {
	if kb.client == nil {
		return errors.New("not subscribed")
	}
	var rerr error
	kb.client.CommitOffsetsSync(ctx, map[string]map[int32]kgo.EpochOffset{
		tp.Topic: {tp.Partition: {Epoch: -1, Offset: offset + 1}},
	}, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		if err != nil {
			rerr = err
			return
		}
		for _, topic := range resp.Topics {
			for _, partition := range topic.Partitions {
				if err := kerr.ErrorForCode(partition.ErrorCode); err != nil {
					rerr = err
					return
				}
			}
		}
	})
	return rerr
}

func (kb *KafkaBroker) fetchCommitted(ctx context.Context) (kadm.OffsetResponses, error) {
	return kb.adminClient.FetchOffsets(ctx, kb.config.GroupId)
}

func lastProcessed(committed kadm.OffsetResponses, tp TopicPartition) int64 {
	if resp, ok := committed[tp.Topic][tp.Partition]; ok && resp.Err == nil && resp.At >= 0 {
		return resp.At - 1
	}
	return -1
}

// CommittedOffset returns the last processed offset of tp for the group, -1 if the group has no commit.
func (kb *KafkaBroker) CommittedOffset(ctx context.Context, tp TopicPartition) (int64, error) {
	committed, err := kb.fetchCommitted(ctx)
	if err != nil {
		return -1, err
	}
	return lastProcessed(committed, tp), nil
}

// Relinquish marks tp as relinquished and forces a rebalance, moving tp to another member of the group.
func (kb *KafkaBroker) Relinquish(tp TopicPartition) error {
	if kb.queue(tp) == nil {
		return newPartitionError(ErrPartitionNotAssigned, tp, -1, -1, nil)
	}
	log.Infof("relinquishing %v", tp)
	kb.balancer.relinquish(tp)
	go kb.client.ForceRebalance()
	return nil
}

// Lag reads the end offsets, start offsets and group commits of the topic.
func (kb *KafkaBroker) Lag(ctx context.Context) ([]LagSample, error) {
	ends, err := kb.adminClient.ListEndOffsets(ctx, kb.config.Topic)
	if err != nil {
		return nil, err
	}
	starts, err := kb.adminClient.ListStartOffsets(ctx, kb.config.Topic)
	if err != nil {
		return nil, err
	}
	committed, err := kb.fetchCommitted(ctx)
	if err != nil {
		return nil, err
	}
	samples := make([]LagSample, 0, len(ends[kb.config.Topic]))
	for p, end := range ends[kb.config.Topic] {
		if end.Err != nil {
			log.Warnf("could not list end offset for %s[%d]: %v", kb.config.Topic, p, end.Err)
			continue
		}
		tp := ntp(p, kb.config.Topic)
		samples = append(samples, NewLagSample(tp, end.Offset, starts[tp.Topic][p].Offset, lastProcessed(committed, tp)))
	}
	return samples, nil
}

// Leave drains all owned partitions through the listener, leaves the group and closes the underlying clients.
func (kb *KafkaBroker) Leave(ctx context.Context) error {
	defer kb.metaClient.Close()
	if kb.client == nil {
		return nil
	}
	kb.listener.PartitionsRevoked(ctx, kb.assignedPartitions())
	kb.client.LeaveGroup()
	kb.runStatus.Halt()
	kb.client.Close()
	select {
	case <-kb.pollStopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client returns the consumer group client, nil before Subscribe.
func (kb *KafkaBroker) Client() *kgo.Client {
	return kb.client
}

// AdminClient returns a kadm client on the broker's cluster.
func (kb *KafkaBroker) AdminClient() *kadm.Client {
	return kb.adminClient
}
