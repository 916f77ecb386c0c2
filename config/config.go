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
Package config loads the YAML configuration of the microbatch command, applies environment overrides, and
converts it into [microbatch.ConsumerConfig] and [scaling.Config].

	kafka:
	  bootstrap_servers: b-1.msk:9098,b-2.msk:9098
	  region: us-east-1
	  auth: iam
	  topic: trades
	consumer:
	  group_id: trade-processor
	  batch_size: 100
	  max_linger: 1s
	scaling:
	  target_lag_per_replica: 500
	  min_replicas: 1
	  max_replicas: 10

Environment variables take precedence over the file: KAFKA_BOOTSTRAP_SERVERS, AWS_REGION, KAFKA_TOPIC,
KAFKA_GROUP_ID, KAFKA_AUTH, MSK_CLUSTER_NAME, MESSAGES_PER_SECOND and LOG_LEVEL.
*/
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch"
	"github.com/aws/go-kafka-microbatch/microbatch/msk"
	"github.com/aws/go-kafka-microbatch/microbatch/scaling"
	"gopkg.in/yaml.v3"
)

type Kafka struct {
	BootstrapServers  string `yaml:"bootstrap_servers"`
	Region            string `yaml:"region"`
	Auth              string `yaml:"auth"`
	MskClusterName    string `yaml:"msk_cluster_name"`
	ScramUser         string `yaml:"scram_user"`
	ScramPassword     string `yaml:"scram_password"`
	Topic             string `yaml:"topic"`
	Partitions        int    `yaml:"partitions"`
	ReplicationFactor int    `yaml:"replication_factor"`
}

type Consumer struct {
	GroupId            string        `yaml:"group_id"`
	InstanceId         string        `yaml:"instance_id"`
	BatchSize          int           `yaml:"batch_size"`
	MaxLinger          time.Duration `yaml:"max_linger"`
	FetchMaxWait       time.Duration `yaml:"fetch_max_wait"`
	MaxBufferedRecords int           `yaml:"max_buffered_records"`
	RevokeGracePeriod  time.Duration `yaml:"revoke_grace_period"`
	RetryLimit         int           `yaml:"retry_limit"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	RetryBackoffMax    time.Duration `yaml:"retry_backoff_max"`
	CommitRetryLimit   int           `yaml:"commit_retry_limit"`
	CommitRetryBackoff time.Duration `yaml:"commit_retry_backoff"`
	ResetPolicy        string        `yaml:"reset_policy"`
	LagInterval        time.Duration `yaml:"lag_interval"`
	// fail_partition, fail_consumer or fatally_exit
	OnPartitionFatal string `yaml:"on_partition_fatal"`
}

type Scaling struct {
	TargetLagPerReplica int64         `yaml:"target_lag_per_replica"`
	MinReplicas         int           `yaml:"min_replicas"`
	MaxReplicas         int           `yaml:"max_replicas"`
	ScaleToZeroCooldown time.Duration `yaml:"scale_to_zero_cooldown"`
	EvaluationInterval  time.Duration `yaml:"evaluation_interval"`
}

type Producer struct {
	// 0 pauses the producer
	MessagesPerSecond int `yaml:"messages_per_second"`
	// stop after Count messages, 0 is unbounded
	Count int `yaml:"count"`
}

type File struct {
	Kafka    Kafka    `yaml:"kafka"`
	Consumer Consumer `yaml:"consumer"`
	Scaling  Scaling  `yaml:"scaling"`
	Producer Producer `yaml:"producer"`
	LogLevel string   `yaml:"log_level"`
	// address of the metrics/health endpoint
	HttpAddress string `yaml:"http_address"`
}

func Default() File {
	return File{
		Kafka: Kafka{
			Region:            "us-east-1",
			Auth:              "none",
			Topic:             "demo-topic",
			Partitions:        4,
			ReplicationFactor: 3,
		},
		Consumer: Consumer{
			GroupId:          "microbatch",
			ResetPolicy:      microbatch.ResetEarliest.String(),
			OnPartitionFatal: "fail_partition",
		},
		Scaling: Scaling{
			TargetLagPerReplica: 1000,
			MinReplicas:         1,
			MaxReplicas:         10,
		},
		Producer:    Producer{MessagesPerSecond: 100},
		LogLevel:    "info",
		HttpAddress: ":8080",
	}
}

// Load reads path, if not empty, over Default and then applies environment overrides.
func Load(path string) (File, error) {
	f := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return f, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err = f.decode(bytes.NewReader(data)); err != nil {
			return f, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	return f, f.ApplyEnv(os.LookupEnv)
}

func (f *File) decode(r io.Reader) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields with the environment variables found by lookup.
func (f *File) ApplyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("KAFKA_BOOTSTRAP_SERVERS", &f.Kafka.BootstrapServers)
	str("AWS_REGION", &f.Kafka.Region)
	str("KAFKA_TOPIC", &f.Kafka.Topic)
	str("KAFKA_GROUP_ID", &f.Consumer.GroupId)
	str("KAFKA_AUTH", &f.Kafka.Auth)
	str("MSK_CLUSTER_NAME", &f.Kafka.MskClusterName)
	str("LOG_LEVEL", &f.LogLevel)
	if v, ok := lookup("MESSAGES_PER_SECOND"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid MESSAGES_PER_SECOND: %q", v)
		}
		f.Producer.MessagesPerSecond = n
	}
	return nil
}

func (f File) Level() (microbatch.LogLevel, error) {
	return microbatch.ParseLogLevel(f.LogLevel)
}

// Cluster resolves the Kafka cluster. With an MSK cluster name, bootstrap brokers are discovered through the MSK
// API. Otherwise bootstrap_servers is used directly, with SASL/IAM when auth is iam.
func (f File) Cluster() (microbatch.Cluster, error) {
	authType, err := msk.ParseAuthType(f.Kafka.Auth)
	if err != nil {
		return nil, err
	}
	if f.Kafka.MskClusterName != "" {
		cluster, err := msk.NewMskCluster(f.Kafka.MskClusterName, authType, f.Kafka.Region)
		if err != nil {
			return nil, err
		}
		if f.Kafka.ScramUser != "" {
			cluster.WithScramUserPass(f.Kafka.ScramUser, f.Kafka.ScramPassword)
		}
		return cluster, nil
	}
	if f.Kafka.BootstrapServers == "" {
		return nil, errors.New("one of kafka.bootstrap_servers or kafka.msk_cluster_name is required")
	}
	switch authType {
	case msk.None:
		return microbatch.SimpleCluster(strings.Split(f.Kafka.BootstrapServers, ",")), nil
	case msk.SaslIam, msk.PublicSaslIam:
		return msk.NewIamCluster(f.Kafka.BootstrapServers, f.Kafka.Region)
	}
	return nil, fmt.Errorf("auth %v requires kafka.msk_cluster_name", authType)
}

func parseErrorResponse(s string) (microbatch.ErrorResponse, error) {
	switch strings.ToLower(s) {
	case "", "fail_partition":
		return microbatch.FailPartition, nil
	case "fail_consumer":
		return microbatch.FailConsumer, nil
	case "fatally_exit":
		return microbatch.FatallyExit, nil
	}
	return microbatch.FailPartition, fmt.Errorf("unknown on_partition_fatal: %q", s)
}

// ConsumerConfig converts the consumer section. Cluster is left nil, callers set it for a Kafka broker.
func (f File) ConsumerConfig() (microbatch.ConsumerConfig, error) {
	c := f.Consumer
	policy, err := microbatch.ParseResetPolicy(c.ResetPolicy)
	if err != nil {
		return microbatch.ConsumerConfig{}, err
	}
	response, err := parseErrorResponse(c.OnPartitionFatal)
	if err != nil {
		return microbatch.ConsumerConfig{}, err
	}
	return microbatch.ConsumerConfig{
		GroupId:            c.GroupId,
		Topic:              f.Kafka.Topic,
		InstanceId:         c.InstanceId,
		BatchSize:          c.BatchSize,
		MaxLingerDuration:  c.MaxLinger,
		FetchMaxWait:       c.FetchMaxWait,
		MaxBufferedRecords: c.MaxBufferedRecords,
		RevokeGracePeriod:  c.RevokeGracePeriod,
		RetryLimit:         c.RetryLimit,
		RetryBackoff:       c.RetryBackoff,
		RetryBackoffMax:    c.RetryBackoffMax,
		CommitRetryLimit:   c.CommitRetryLimit,
		CommitRetryBackoff: c.CommitRetryBackoff,
		ResetPolicy:        policy,
		LagInterval:        c.LagInterval,
		ErrorHandler: func(microbatch.TopicPartition, error) microbatch.ErrorResponse {
			return response
		},
	}, nil
}

func (f File) ScalingConfig() (scaling.Config, error) {
	sc := scaling.Config{
		TargetLagPerReplica: f.Scaling.TargetLagPerReplica,
		MinReplicas:         f.Scaling.MinReplicas,
		MaxReplicas:         f.Scaling.MaxReplicas,
		ScaleToZeroCooldown: f.Scaling.ScaleToZeroCooldown,
		EvaluationInterval:  f.Scaling.EvaluationInterval,
	}
	return sc, sc.Validate()
}
