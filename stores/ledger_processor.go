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

package stores

import (
	"context"
	"sync/atomic"

	"github.com/aws/go-kafka-microbatch/microbatch"
	"github.com/aws/go-kafka-microbatch/microbatch/codec"
)

// LedgerProcessor is a microbatch.BatchProcessor which decodes each record of a batch as a codec.Trade
// and records it in a TradeLedger.
//
// With SkipInvalid, records which do not decode to a valid trade are logged and counted, and the rest of the batch
// is recorded. Otherwise an invalid record fails the whole batch, which will be retried and eventually
// fail the partition.
type LedgerProcessor struct {
	ledger      *TradeLedger
	SkipInvalid bool
	invalid     atomic.Int64
}

func NewLedgerProcessor(ledger *TradeLedger) *LedgerProcessor {
	return &LedgerProcessor{ledger: ledger, SkipInvalid: true}
}

func (lp *LedgerProcessor) Process(ctx context.Context, batch *microbatch.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !lp.SkipInvalid {
		trades, err := codec.DecodeBatch(codec.TradeCodec, batch)
		if err != nil {
			return err
		}
		for _, trade := range trades {
			lp.ledger.Record(trade)
		}
		return nil
	}
	for _, r := range batch.Records {
		trade, err := codec.DecodeTrade(r.Value)
		if err != nil {
			lp.invalid.Add(1)
			microbatch.PackageLogger().Warnf("skipping %v@%d: %v", r.TopicPartition(), r.Offset, err)
			continue
		}
		lp.ledger.Record(trade)
	}
	return nil
}

func (lp *LedgerProcessor) Ledger() *TradeLedger {
	return lp.ledger
}

// Number of records skipped because they were not valid trades.
func (lp *LedgerProcessor) Invalid() int64 {
	return lp.invalid.Load()
}
