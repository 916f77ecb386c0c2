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
Package msk provides [microbatch.Cluster] implementations for Amazon MSK.

MskCluster discovers bootstrap brokers through the MSK API by cluster name. IamCluster connects to known bootstrap
servers with SASL/IAM over TLS, which is the shape of most MSK Serverless deployments.

[MSK]: https://aws.amazon.com/msk/
*/
package msk

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kafka"
	"github.com/twmb/franz-go/pkg/kgo"
	kaws "github.com/twmb/franz-go/pkg/sasl/aws"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

type MskClient interface {
	ListClusters(context.Context, *kafka.ListClustersInput, ...func(*kafka.Options)) (*kafka.ListClustersOutput, error)
	GetBootstrapBrokers(context.Context, *kafka.GetBootstrapBrokersInput, ...func(*kafka.Options)) (*kafka.GetBootstrapBrokersOutput, error)
}

type AuthType int

const (
	None AuthType = iota
	MutualTLS
	SaslScram
	SaslIam
	PublicMutualTLS
	PublicSaslScram
	PublicSaslIam
)

var authTypeNames = map[AuthType]string{
	None:            "none",
	MutualTLS:       "tls",
	SaslScram:       "scram",
	SaslIam:         "iam",
	PublicMutualTLS: "public-tls",
	PublicSaslScram: "public-scram",
	PublicSaslIam:   "public-iam",
}

func (at AuthType) String() string {
	if name, ok := authTypeNames[at]; ok {
		return name
	}
	return fmt.Sprintf("AuthType(%d)", int(at))
}

// ParseAuthType accepts the names returned by AuthType.String, case insensitive.
func ParseAuthType(s string) (AuthType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for at, name := range authTypeNames {
		if name == s {
			return at, nil
		}
	}
	return None, fmt.Errorf("unknown MSK auth type: %q", s)
}

func (at AuthType) usesTls() bool {
	return at != None
}

const mskApiTimeout = 30 * time.Second

// An implementation of [microbatch.Cluster] which looks up bootstrap brokers by cluster name.
type MskCluster struct {
	clusterName   string
	client        MskClient
	authType      AuthType
	tlsConfig     *tls.Config
	awsConfig     aws.Config
	scram         scram.Auth
	clientOptions []kgo.Opt
	mux           sync.Mutex
	builtOptions  []kgo.Opt
}

// Loads the default AWS config, with a default region of `region`.
func DefaultClientConfig(region string) (aws.Config, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mskApiTimeout)
	defer cancel()
	return config.LoadDefaultConfig(ctx, config.WithDefaultRegion(region))
}

// Creates a new MskCluster using DefaultClientConfig. If your application is running in EC2/ECS Task or Lambda, this is likely the initializer you need.
// Note: your application's IAM role will need access to the 'ListClusters' and 'GetBootstrapBrokers' calls for your MSK Cluster.
func NewMskCluster(clusterName string, authType AuthType, region string, optFns ...func(*kafka.Options)) (*MskCluster, error) {
	awsConfig, err := DefaultClientConfig(region)
	if err != nil {
		return nil, err
	}
	return NewMskClusterWithClientConfig(clusterName, authType, awsConfig, optFns...), nil
}

// Creates a new MskCluster using the specified awsConfig. If you are using STS for authentication, you will likely need to create your own AWS config.
func NewMskClusterWithClientConfig(clusterName string, authType AuthType, awsConfig aws.Config, optFns ...func(*kafka.Options)) *MskCluster {
	return &MskCluster{
		clusterName: clusterName,
		authType:    authType,
		awsConfig:   awsConfig,
		client:      kafka.NewFromConfig(awsConfig, optFns...),
	}
}

// Used primarily for MutualTLS authentication. Without a tls.Config, TLS auth types dial with the system roots.
func (c *MskCluster) WithTlsConfig(tlsConfig *tls.Config) *MskCluster {
	c.tlsConfig = tlsConfig
	return c
}

// Used to supply additional kgo client options. Options supplied here will override any set by MskCluster.
// This call replaces any client options previously set.
func (c *MskCluster) WithClientOptions(opts ...kgo.Opt) *MskCluster {
	c.clientOptions = opts
	return c
}

// WithScramUserPass is used to set user/password info for SaslScram/PublicSaslScram auth types.
func (c *MskCluster) WithScramUserPass(user, pass string) *MskCluster {
	c.scram = scram.Auth{
		User: user,
		Pass: pass,
	}
	return c
}

// Config calls ListClusters with a ClusterNameFilter to retrieve the ARN of the cluster, then GetBootstrapBrokers,
// using the broker addresses matching the AuthType to seed the kgo.Client. Successful lookups are cached, as every
// consumer creates more than one client.
func (c *MskCluster) Config() ([]kgo.Opt, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if len(c.builtOptions) > 0 {
		return c.builtOptions, nil
	}
	brokers, err := c.getBootstrapBrokers()
	if err != nil {
		return nil, err
	}
	opts := []kgo.Opt{kgo.SeedBrokers(brokers...)}
	opts = append(opts, authOptions(c.authType, c.tlsConfig, c.awsConfig, c.scram)...)
	opts = append(opts, c.clientOptions...)
	c.builtOptions = opts
	return opts, nil
}

func authOptions(authType AuthType, tlsConfig *tls.Config, awsConfig aws.Config, scramAuth scram.Auth) (opts []kgo.Opt) {
	if tlsConfig == nil && authType.usesTls() {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if tlsConfig != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsConfig))
	}
	switch authType {
	case SaslIam, PublicSaslIam:
		opts = append(opts, kgo.SASL(kaws.ManagedStreamingIAM(iamAuth(awsConfig))))
	case SaslScram, PublicSaslScram:
		// MSK only supports SHA512
		opts = append(opts, kgo.SASL(scramAuth.AsSha512Mechanism()))
	}
	return
}

// Credentials are retrieved on every authentication, so rotated sessions are picked up.
func iamAuth(awsConfig aws.Config) func(context.Context) (kaws.Auth, error) {
	return func(ctx context.Context) (kaws.Auth, error) {
		if awsConfig.Credentials == nil {
			return kaws.Auth{}, fmt.Errorf("no AWS credentials provider configured")
		}
		creds, err := awsConfig.Credentials.Retrieve(ctx)
		if err != nil {
			return kaws.Auth{}, err
		}
		return kaws.Auth{
			AccessKey:    creds.AccessKeyID,
			SecretKey:    creds.SecretAccessKey,
			SessionToken: creds.SessionToken,
		}, nil
	}
}

// fetches broker urls from MSK API and returns the correct list based on AuthType
func (c *MskCluster) getBootstrapBrokers() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mskApiTimeout)
	defer cancel()
	arn, err := c.getClusterArn(ctx)
	if err != nil {
		return nil, err
	}
	res, err := c.client.GetBootstrapBrokers(ctx, &kafka.GetBootstrapBrokersInput{
		ClusterArn: aws.String(arn),
	})
	if err != nil {
		return nil, err
	}
	var bootstrap *string
	switch c.authType {
	case None:
		bootstrap = res.BootstrapBrokerString
	case MutualTLS:
		bootstrap = res.BootstrapBrokerStringTls
	case SaslScram:
		bootstrap = res.BootstrapBrokerStringSaslScram
	case SaslIam:
		bootstrap = res.BootstrapBrokerStringSaslIam
	case PublicMutualTLS:
		bootstrap = res.BootstrapBrokerStringPublicTls
	case PublicSaslScram:
		bootstrap = res.BootstrapBrokerStringPublicSaslScram
	case PublicSaslIam:
		bootstrap = res.BootstrapBrokerStringPublicSaslIam
	}
	if bootstrap == nil || len(*bootstrap) == 0 {
		return nil, fmt.Errorf("no %v bootstrap brokers for cluster: %s", c.authType, c.clusterName)
	}
	return strings.Split(*bootstrap, ","), nil
}

func (c *MskCluster) getClusterArn(ctx context.Context) (string, error) {
	res, err := c.client.ListClusters(ctx, &kafka.ListClustersInput{
		ClusterNameFilter: aws.String(c.clusterName),
	})
	if err != nil {
		return "", err
	}
	for _, ci := range res.ClusterInfoList {
		// ClusterNameFilter is a prefix match
		if ci.ClusterArn != nil && aws.ToString(ci.ClusterName) == c.clusterName {
			return *ci.ClusterArn, nil
		}
	}
	return "", fmt.Errorf("cluster not found: %s", c.clusterName)
}
