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
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// IamCluster connects to known bootstrap servers over TLS, authenticating with SASL/IAM using the credentials
// of awsConfig.
//
//	cluster, err := msk.NewIamCluster(os.Getenv("KAFKA_BOOTSTRAP_SERVERS"), "us-east-1")
type IamCluster struct {
	brokers   []string
	awsConfig aws.Config
	tlsConfig *tls.Config
}

// bootstrapServers is a comma separated list of host:port pairs.
func NewIamCluster(bootstrapServers string, region string) (*IamCluster, error) {
	awsConfig, err := DefaultClientConfig(region)
	if err != nil {
		return nil, err
	}
	return NewIamClusterWithClientConfig(bootstrapServers, awsConfig)
}

func NewIamClusterWithClientConfig(bootstrapServers string, awsConfig aws.Config) (*IamCluster, error) {
	brokers := splitBrokers(bootstrapServers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no bootstrap servers provided")
	}
	return &IamCluster{brokers: brokers, awsConfig: awsConfig}, nil
}

func (c *IamCluster) WithTlsConfig(tlsConfig *tls.Config) *IamCluster {
	c.tlsConfig = tlsConfig
	return c
}

func (c *IamCluster) Brokers() []string {
	return c.brokers
}

func (c *IamCluster) Config() ([]kgo.Opt, error) {
	opts := []kgo.Opt{kgo.SeedBrokers(c.brokers...)}
	return append(opts, authOptions(SaslIam, c.tlsConfig, c.awsConfig, scram.Auth{})...), nil
}

func splitBrokers(bootstrapServers string) []string {
	var brokers []string
	for _, b := range strings.Split(bootstrapServers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
