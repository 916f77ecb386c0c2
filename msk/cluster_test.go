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

package msk

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kafka"
	"github.com/aws/aws-sdk-go-v2/service/kafka/types"
)

type mockMskClient struct {
	listOutput   *kafka.ListClustersOutput
	brokerOutput *kafka.GetBootstrapBrokersOutput
	listErr      error
	brokerErr    error
	calls        *int
}

func (m mockMskClient) ListClusters(context.Context, *kafka.ListClustersInput, ...func(*kafka.Options)) (*kafka.ListClustersOutput, error) {
	if m.calls != nil {
		*m.calls++
	}
	return m.listOutput, m.listErr
}

func (m mockMskClient) GetBootstrapBrokers(context.Context, *kafka.GetBootstrapBrokersInput, ...func(*kafka.Options)) (*kafka.GetBootstrapBrokersOutput, error) {
	return m.brokerOutput, m.brokerErr
}

func clusterList(names ...string) *kafka.ListClustersOutput {
	out := &kafka.ListClustersOutput{}
	for _, name := range names {
		out.ClusterInfoList = append(out.ClusterInfoList, types.ClusterInfo{ClusterName: aws.String(name), ClusterArn: aws.String("arn:" + name)})
	}
	return out
}

func TestClusterReturnsErrorOnNilBootstrapBrokers(t *testing.T) {
	c := &MskCluster{
		clusterName: "test",
		authType:    SaslIam,
		client: mockMskClient{
			listOutput:   clusterList("test"),
			brokerOutput: &kafka.GetBootstrapBrokersOutput{},
		},
	}
	if _, err := c.Config(); err == nil {
		t.Error("expected error")
	}
}

func TestClusterReturnsErrorOnMskListFailure(t *testing.T) {
	c := &MskCluster{
		clusterName: "test",
		authType:    SaslIam,
		client:      mockMskClient{listErr: errors.New("error")},
	}
	if _, err := c.Config(); err == nil {
		t.Error("expected error")
	}
}

func TestClusterReturnsErrorOnPrefixMatchOnly(t *testing.T) {
	c := &MskCluster{
		clusterName: "test",
		authType:    SaslIam,
		client:      mockMskClient{listOutput: clusterList("test-2")},
	}
	if _, err := c.Config(); err == nil {
		t.Error("expected error")
	}
}

func TestClusterReturnsErrorOnMskBootstrapBrokersFailure(t *testing.T) {
	c := &MskCluster{
		clusterName: "test",
		authType:    SaslIam,
		client: mockMskClient{
			listOutput: clusterList("test"),
			brokerErr:  errors.New("error"),
		},
	}
	if _, err := c.Config(); err == nil {
		t.Error("expected error")
	}
}

func TestClusterSuccess(t *testing.T) {
	calls := 0
	c := &MskCluster{
		clusterName: "test",
		authType:    SaslIam,
		client: mockMskClient{
			listOutput: clusterList("test-2", "test"),
			brokerOutput: &kafka.GetBootstrapBrokersOutput{
				BootstrapBrokerStringSaslIam: aws.String("a,b,c"),
			},
			calls: &calls,
		},
	}

	opts, err := c.Config()
	if err != nil {
		t.Fatal(err)
	}
	// seed brokers, TLS, SASL
	if len(opts) != 3 {
		t.Errorf("expected 3 options, got %d", len(opts))
	}
	if len(opts) != len(c.builtOptions) {
		t.Error("no options saved for reuse")
	}
	if _, err = c.Config(); err != nil || calls != 1 {
		t.Errorf("expected cached options, err: %v, calls: %d", err, calls)
	}
}

func TestParseAuthType(t *testing.T) {
	for at := range authTypeNames {
		parsed, err := ParseAuthType(at.String())
		if err != nil || parsed != at {
			t.Errorf("could not parse %v: %v", at, err)
		}
	}
	if at, _ := ParseAuthType(" IAM "); at != SaslIam {
		t.Errorf("expected SaslIam, got %v", at)
	}
	if _, err := ParseAuthType("kerberos"); err == nil {
		t.Errorf("expected error")
	}
}

func TestIamCluster(t *testing.T) {
	awsConfig := aws.Config{
		Region:      "us-east-1",
		Credentials: credentials.NewStaticCredentialsProvider("AKID", "SECRET", "TOKEN"),
	}
	if _, err := NewIamClusterWithClientConfig(" , ", awsConfig); err == nil {
		t.Errorf("expected error for empty bootstrap servers")
	}
	cluster, err := NewIamClusterWithClientConfig("b-1.msk:9098, b-2.msk:9098", awsConfig)
	if err != nil {
		t.Fatal(err)
	}
	if brokers := cluster.Brokers(); len(brokers) != 2 || brokers[1] != "b-2.msk:9098" {
		t.Errorf("unexpected brokers: %v", brokers)
	}
	opts, err := cluster.Config()
	if err != nil || len(opts) != 3 {
		t.Errorf("unexpected options: %d, err: %v", len(opts), err)
	}

	auth, err := iamAuth(awsConfig)(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if auth.AccessKey != "AKID" || auth.SessionToken != "TOKEN" {
		t.Errorf("unexpected auth: %+v", auth)
	}
}
