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
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch/sak"
)

// replaced in tests
var exit = os.Exit

// Consumer is a member of a consumer group which processes each owned partition as a sequence of microbatches.
// A batch is handed to the BatchProcessor once it reaches BatchSize records or has been open for MaxLingerDuration,
// and its last offset is committed only after the processor succeeds.
type Consumer struct {
	config      ConsumerConfig
	broker      Broker
	processor   BatchProcessor
	assignments *assignmentManager
	metrics     *metricsEmitter
	arena       *batchArena
	runStatus   sak.RunStatus
	stopSignal  chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
	started     int32
}

// NewConsumer creates a Consumer which will join the group described by `config` through `broker`
// once [Consumer.Run] or [Consumer.Start] is called.
func NewConsumer(config ConsumerConfig, broker Broker, processor BatchProcessor) (*Consumer, error) {
	if broker == nil {
		return nil, errors.New("broker is required")
	}
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()
	c := &Consumer{
		config:     config,
		broker:     broker,
		processor:  processor,
		metrics:    newMetricsEmitter(config.MetricsHandler),
		arena:      newBatchArena(config.BatchSize, 256),
		runStatus:  sak.NewRunStatus(context.Background()),
		stopSignal: make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.assignments = newAssignmentManager(config, c.newWorker, c.metrics)
	return c, nil
}

func (c *Consumer) newWorker(tp TopicPartition) *partitionWorker {
	return newPartitionWorker(c.runStatus, tp, c.config, c.broker, c.processor, c.arena, c.metrics, c.handlePartitionFatal)
}

func (c *Consumer) Config() ConsumerConfig {
	return c.config
}

// Run joins the group and processes records until ctx is done or Stop is called.
// Owned partitions are then drained and committed before the consumer leaves the group.
func (c *Consumer) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return errors.New("consumer already started")
	}
	defer close(c.done)
	defer c.runStatus.Halt()
	go c.metrics.run(c.runStatus.Ctx())

	if lr, ok := c.broker.(LagReader); ok && c.metrics.handler != nil {
		go NewLagMonitor(lr, c.config.LagInterval, c.metrics.emit).Run(c.runStatus.Ctx())
	}
	if err := c.broker.Subscribe(c.runStatus.Ctx(), c.assignments); err != nil {
		return err
	}
	log.Infof("consumer %s joined group: %s", c.config.InstanceId, c.config.GroupId)

	select {
	case <-ctx.Done():
	case <-c.stopSignal:
	}
	return c.leave()
}

func (c *Consumer) leave() error {
	log.Infof("leave signaled for group: %v", c.config.GroupId)
	ctx, cancel := context.WithTimeout(context.Background(), c.config.RevokeGracePeriod+10*time.Second)
	defer cancel()
	err := c.broker.Leave(ctx)
	// the broker revokes through our listener, anything left over was never confirmed by the group
	if rerr := c.assignments.revokeAll(ctx); rerr != nil {
		err = errors.Join(err, rerr)
	}
	return err
}

// Start runs the consumer in a background goroutine. Use Stop and Done to shut it down.
func (c *Consumer) Start() {
	go func() {
		if err := c.Run(context.Background()); err != nil {
			log.Errorf("consumer exited with error: %v", err)
		}
	}()
}

// Signals the consumer to drain its partitions and leave the group.
//
// Calls to Stop are not blocking. To block during the shut down process, this call should be followed by `<-consumer.Done()`
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopSignal)
	})
}

// Done is closed once the consumer has left the group.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Assignments returns a snapshot of the partitions currently owned by this consumer.
func (c *Consumer) Assignments() []PartitionAssignment {
	return c.assignments.Assignments()
}

// Rebalance moves this consumer directly to `assignment`, draining partitions which are no longer present
// and starting pipelines for new ones. Intended for brokers without group management.
func (c *Consumer) Rebalance(ctx context.Context, assignment []TopicPartition) error {
	return c.assignments.Rebalance(ctx, assignment)
}

func (c *Consumer) handlePartitionFatal(tp TopicPartition, err error) {
	response := c.config.ErrorHandler(tp, err)
	switch response {
	case FailPartition:
		go func() {
			if rerr := c.broker.Relinquish(tp); rerr != nil {
				log.Errorf("could not relinquish %v: %v", tp, rerr)
			}
		}()
	case FailConsumer:
		log.Errorf("leaving group %s due to failure in %v: %v", c.config.GroupId, tp, err)
		c.Stop()
	case FatallyExit:
		log.Errorf("exiting due to failure in %v: %v", tp, err)
		exit(1)
	}
}

/*
WaitForSignals is convenience function suitable for use in a main() function.
Blocks until `signals` are received then gracefully closes the consumer by calling [Consumer.Stop].
If `signals` are not provided, syscall.SIGINT and syscall.SIGTERM are used. If `preHook` is non-nil, it will be invoked before
Stop() is invoked. If the preHook returns false, this call continues to block. If true is returned, `signal.Reset(signals...)`
is invoked and the consumer shutdown process begins. Simple example:

	func main(){
		consumer := initConsumer()
		consumer.Start()
		consumer.WaitForSignals(nil)
		fmt.Println("exiting")
	}
*/
func (c *Consumer) WaitForSignals(preHook func(os.Signal) bool, signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	if preHook == nil {
		preHook = func(_ os.Signal) bool {
			return true
		}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)
	for s := range ch {
		if preHook(s) {
			signal.Reset(signals...)
			break
		}
	}
	c.Stop()
	<-c.Done()
}

// WaitForChannel is similar to WaitForSignals, but blocks on a `chan struct{}` then invokes `callback` when finished.
func (c *Consumer) WaitForChannel(ch chan struct{}, callback func()) {
	<-ch
	c.Stop()
	<-c.Done()
	if callback != nil {
		callback()
	}
}
