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
Package microbatch is a Kafka consumer group library which groups the records of each owned partition into
size- and time-bounded microbatches, hands each batch to a downstream writer, and commits progress only once the batch
has been durably handled. It was built for high-volume, variable-rate streams of ordered financial transactions, where
per-key ordering must survive workers being added and removed by an autoscaler.

# What it is

Each partition owned by a [Consumer] runs a single pipeline: fetch, aggregate, process, commit. A batch is flushed
when it holds [ConsumerConfig].BatchSize records or has been open for MaxLingerDuration, whichever comes first. At most one
batch per partition is in flight, so records are processed in offset order, while different partitions proceed
independently of each other.

Delivery is at-least-once. A batch which fails is retried with backoff and, once retries are exhausted, the partition
is handed to another member of the group via the [PartitionErrorHandler]. Records are never skipped. Downstream writes
should therefore be idempotent. [github.com/aws/go-kafka-microbatch/microbatch/stores.TradeLedger] is an example.

# Cooperative Rebalancing

When the group changes, only partitions which actually move are touched. A revoked partition stops fetching immediately,
flushes whatever it has buffered, commits, and only then releases ownership. If draining takes longer than RevokeGracePeriod,
ownership is released anyway and the abandoned offset range is logged, the next owner reprocesses it.
[KafkaBroker] implements this on top of a kgo cooperative balancer which also supports moving a single failed partition
to another member.

# Scaling

[LagMonitor] reports group lag (the sum of end offset minus committed offset across partitions), the input of
[github.com/aws/go-kafka-microbatch/microbatch/scaling.Controller], which turns lag into a desired replica count.

# Brokers

The consumer talks to the log through the [Broker] interface. [KafkaBroker] is backed by franz-go,
[github.com/aws/go-kafka-microbatch/microbatch/memlog.Broker] is an in-memory log with a group coordinator,
useful for tests and local experiments.
*/
package microbatch
