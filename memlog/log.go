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
Package memlog is an in-memory partitioned log with consumer group coordination. It implements
[github.com/aws/go-kafka-microbatch/microbatch.Broker] with the same cooperative semantics as a Kafka group:
partitions which move are revoked from their previous owner before being assigned to the next, and partitions
which do not move are left alone. Failures can be injected per partition for fetches and commits.

	l := memlog.New()
	l.CreateTopic("trades", 4)
	l.Produce("trades", []byte("account-1"), payload)
	broker := l.NewBroker("my-group", "trades", "instance-1")
*/
package memlog

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch"
	"github.com/cespare/xxhash/v2"
)

type TopicPartition = microbatch.TopicPartition

var ErrUnknownTopic = errors.New("unknown topic")

// maximum number of records returned by a single fetch
const maxFetchRecords = 500

type partition struct {
	mux     sync.Mutex
	tp      TopicPartition
	start   int64
	records []microbatch.Record
	// closed and replaced on every append
	appended chan struct{}
}

func newPartition(tp TopicPartition) *partition {
	return &partition{tp: tp, appended: make(chan struct{})}
}

func (p *partition) append(key, value []byte, ts time.Time) int64 {
	p.mux.Lock()
	offset := p.start + int64(len(p.records))
	p.records = append(p.records, microbatch.Record{
		Topic:     p.tp.Topic,
		Partition: p.tp.Partition,
		Offset:    offset,
		Key:       key,
		Value:     value,
		Timestamp: ts,
	})
	close(p.appended)
	p.appended = make(chan struct{})
	p.mux.Unlock()
	return offset
}

// read returns a copy of up to maxFetchRecords records starting at `from`, or a channel to wait on if there are none.
func (p *partition) read(from int64) ([]microbatch.Record, <-chan struct{}) {
	p.mux.Lock()
	defer p.mux.Unlock()
	if from < p.start {
		from = p.start
	}
	index := from - p.start
	if index >= int64(len(p.records)) {
		return nil, p.appended
	}
	end := index + maxFetchRecords
	if end > int64(len(p.records)) {
		end = int64(len(p.records))
	}
	out := make([]microbatch.Record, end-index)
	copy(out, p.records[index:end])
	return out, nil
}

func (p *partition) offsets() (start, highWatermark int64) {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.start, p.start + int64(len(p.records))
}

func (p *partition) truncate(before int64) {
	p.mux.Lock()
	defer p.mux.Unlock()
	drop := before - p.start
	if drop <= 0 {
		return
	}
	if drop > int64(len(p.records)) {
		drop = int64(len(p.records))
	}
	p.records = append([]microbatch.Record(nil), p.records[drop:]...)
	p.start += drop
}

type injectedError struct {
	err   error
	count int
}

// Log is a set of in-memory topics, the checkpoints of every group consuming them and their group coordinators.
type Log struct {
	mux          sync.RWMutex
	topics       map[string][]*partition
	checkpoints  map[string]map[TopicPartition]int64
	commits      map[string]map[TopicPartition][]int64
	groups       map[string]*group
	fetchErrors  map[TopicPartition]*injectedError
	commitErrors map[TopicPartition]*injectedError
	now          func() time.Time
}

func New() *Log {
	return &Log{
		topics:       make(map[string][]*partition),
		checkpoints:  make(map[string]map[TopicPartition]int64),
		commits:      make(map[string]map[TopicPartition][]int64),
		groups:       make(map[string]*group),
		fetchErrors:  make(map[TopicPartition]*injectedError),
		commitErrors: make(map[TopicPartition]*injectedError),
		now:          time.Now,
	}
}

// CreateTopic creates `topic` with `partitions` partitions. Does nothing if the topic exists.
func (l *Log) CreateTopic(topic string, partitions int) {
	l.mux.Lock()
	defer l.mux.Unlock()
	if _, ok := l.topics[topic]; ok {
		return
	}
	ps := make([]*partition, partitions)
	for i := range ps {
		ps[i] = newPartition(microbatch.TopicPartition{Topic: topic, Partition: int32(i)})
	}
	l.topics[topic] = ps
}

func (l *Log) partition(tp TopicPartition) (*partition, error) {
	l.mux.RLock()
	defer l.mux.RUnlock()
	ps, ok := l.topics[tp.Topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, tp.Topic)
	}
	if tp.Partition < 0 || int(tp.Partition) >= len(ps) {
		return nil, fmt.Errorf("%w: %v", ErrUnknownTopic, tp)
	}
	return ps[tp.Partition], nil
}

// Partitions returns the number of partitions of `topic`, 0 if it does not exist.
func (l *Log) Partitions(topic string) int {
	l.mux.RLock()
	defer l.mux.RUnlock()
	return len(l.topics[topic])
}

// Append writes a record to tp and returns its offset.
func (l *Log) Append(tp TopicPartition, key, value []byte) (int64, error) {
	p, err := l.partition(tp)
	if err != nil {
		return -1, err
	}
	return p.append(key, value, l.now()), nil
}

// Produce writes a record to the partition selected by hashing `key`, and returns where it was written.
func (l *Log) Produce(topic string, key, value []byte) (TopicPartition, int64, error) {
	n := l.Partitions(topic)
	if n == 0 {
		return TopicPartition{}, -1, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	tp := microbatch.TopicPartition{Topic: topic, Partition: int32(xxhash.Sum64(key) % uint64(n))}
	offset, err := l.Append(tp, key, value)
	return tp, offset, err
}

// Truncate removes every record of tp below `before`, advancing the log start offset.
func (l *Log) Truncate(tp TopicPartition, before int64) error {
	p, err := l.partition(tp)
	if err != nil {
		return err
	}
	p.truncate(before)
	return nil
}

// Offsets returns the log start offset and high watermark (the offset of the next record) of tp.
func (l *Log) Offsets(tp TopicPartition) (start, highWatermark int64, err error) {
	p, err := l.partition(tp)
	if err != nil {
		return -1, -1, err
	}
	start, highWatermark = p.offsets()
	return
}

// Committed returns the last processed offset checkpointed by `groupId` for tp, -1 if there is none.
func (l *Log) Committed(groupId string, tp TopicPartition) int64 {
	l.mux.RLock()
	defer l.mux.RUnlock()
	if offset, ok := l.checkpoints[groupId][tp]; ok {
		return offset
	}
	return -1
}

// CommitHistory returns every offset accepted for tp by `groupId`, in commit order.
func (l *Log) CommitHistory(groupId string, tp TopicPartition) []int64 {
	l.mux.RLock()
	defer l.mux.RUnlock()
	return append([]int64(nil), l.commits[groupId][tp]...)
}

// commit is monotonic: offsets at or below the current checkpoint are accepted but ignored
func (l *Log) commit(groupId string, tp TopicPartition, offset int64) error {
	l.mux.Lock()
	defer l.mux.Unlock()
	if err := takeInjected(l.commitErrors, tp); err != nil {
		return err
	}
	checkpoints, ok := l.checkpoints[groupId]
	if !ok {
		checkpoints = make(map[TopicPartition]int64)
		l.checkpoints[groupId] = checkpoints
		l.commits[groupId] = make(map[TopicPartition][]int64)
	}
	if current, ok := checkpoints[tp]; ok && offset <= current {
		return nil
	}
	checkpoints[tp] = offset
	l.commits[groupId][tp] = append(l.commits[groupId][tp], offset)
	return nil
}

func takeInjected(injected map[TopicPartition]*injectedError, tp TopicPartition) error {
	ie, ok := injected[tp]
	if !ok {
		return nil
	}
	ie.count--
	if ie.count <= 0 {
		delete(injected, tp)
	}
	return ie.err
}

// FailFetches makes the next `count` fetches of tp return `err`.
func (l *Log) FailFetches(tp TopicPartition, err error, count int) {
	l.mux.Lock()
	defer l.mux.Unlock()
	l.fetchErrors[tp] = &injectedError{err: err, count: count}
}

// FailCommits makes the next `count` commits of tp return `err`.
func (l *Log) FailCommits(tp TopicPartition, err error, count int) {
	l.mux.Lock()
	defer l.mux.Unlock()
	l.commitErrors[tp] = &injectedError{err: err, count: count}
}

func (l *Log) fetchError(tp TopicPartition) error {
	l.mux.Lock()
	defer l.mux.Unlock()
	return takeInjected(l.fetchErrors, tp)
}

// Lag computes the lag of `groupId` for every partition of `topic`.
func (l *Log) Lag(groupId, topic string) ([]microbatch.LagSample, error) {
	n := l.Partitions(topic)
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	samples := make([]microbatch.LagSample, 0, n)
	for i := 0; i < n; i++ {
		tp := microbatch.TopicPartition{Topic: topic, Partition: int32(i)}
		start, hw, err := l.Offsets(tp)
		if err != nil {
			return nil, err
		}
		samples = append(samples, microbatch.NewLagSample(tp, hw, start, l.Committed(groupId, tp)))
	}
	return samples, nil
}

func (l *Log) group(groupId, topic string) *group {
	l.mux.Lock()
	defer l.mux.Unlock()
	g, ok := l.groups[groupId]
	if !ok {
		g = newGroup(l, groupId, topic)
		l.groups[groupId] = g
	}
	return g
}

// Members returns the instance ids of the members of `groupId`, in join order.
func (l *Log) Members(groupId string) []string {
	l.mux.RLock()
	g, ok := l.groups[groupId]
	l.mux.RUnlock()
	if !ok {
		return nil
	}
	return g.memberIds()
}

// Generation returns the number of rebalances `groupId` has gone through.
func (l *Log) Generation(groupId string) int {
	l.mux.RLock()
	g, ok := l.groups[groupId]
	l.mux.RUnlock()
	if !ok {
		return 0
	}
	return g.currentGeneration()
}

// Expel removes `instanceId` from `groupId` as if its session had timed out.
// Its partitions are delivered to PartitionsLost, then the group rebalances.
func (l *Log) Expel(groupId, instanceId string) error {
	l.mux.RLock()
	g, ok := l.groups[groupId]
	l.mux.RUnlock()
	if !ok {
		return fmt.Errorf("unknown group: %s", groupId)
	}
	return g.expel(instanceId)
}
