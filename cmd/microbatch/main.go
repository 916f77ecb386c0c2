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

// Command microbatch runs a microbatch consumer, a lag based scaling controller or a synthetic trade producer.
//
//	microbatch consume --config microbatch.yaml
//	microbatch consume --in-memory --rate 500
//	microbatch scale --once
//	microbatch produce --rate 100 --count 10000
package main

import (
	"fmt"
	"os"

	"github.com/aws/go-kafka-microbatch/microbatch"
	"github.com/aws/go-kafka-microbatch/microbatch/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "microbatch",
	Short: "Kafka microbatch consumer, lag based scaler and trade producer",
	Long: `microbatch consumes a Kafka topic as a member of a consumer group, handing each owned partition
to a processor in batches of at most batch_size records or max_linger of waiting, and committing
offsets only after a batch succeeds.

Configuration is read from --config (YAML), then overridden by environment variables
(KAFKA_BOOTSTRAP_SERVERS, AWS_REGION, KAFKA_TOPIC, KAFKA_GROUP_ID, KAFKA_AUTH, MSK_CLUSTER_NAME,
MESSAGES_PER_SECOND, LOG_LEVEL), then by flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "trace, debug, info, warn or error (env: LOG_LEVEL)")
	rootCmd.AddCommand(consumeCmd, scaleCmd, produceCmd)
}

// loadConfig reads the config file and environment, and initializes the package logger.
func loadConfig() (config.File, error) {
	f, err := config.Load(configPath)
	if err != nil {
		return f, err
	}
	if logLevel != "" {
		f.LogLevel = logLevel
	}
	level, err := f.Level()
	if err != nil {
		return f, err
	}
	microbatch.InitLogger(microbatch.SimpleLogger(level), microbatch.LogLevelWarn)
	return f, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
