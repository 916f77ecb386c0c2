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
	"sync/atomic"

	"github.com/aws/go-kafka-microbatch/microbatch/codec"
	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

// Position is the net holding of one account in one symbol.
type Position struct {
	AccountId string
	Symbol    string
	// BUY quantities minus SELL quantities
	Quantity int64
	// BUY notional minus SELL notional
	NetCost decimal.Decimal
	Trades  int
}

func positionLess(a, b Position) bool {
	if a.AccountId != b.AccountId {
		return a.AccountId < b.AccountId
	}
	return a.Symbol < b.Symbol
}

func tradeLess(a, b codec.Trade) bool {
	return a.TradeId < b.TradeId
}

// TradeLedger stores trades by trade_id and aggregates them into per-account positions.
// Recording a trade is idempotent, so redelivered records do not skew positions.
type TradeLedger struct {
	trades     *ShardedTree[string, codec.Trade]
	positions  *ShardedTree[string, Position]
	duplicates atomic.Int64
}

func NewTradeLedger(exponent int) *TradeLedger {
	return &TradeLedger{
		trades:    NewShardedTree(exponent, StringHash, tradeLess),
		positions: NewShardedTree(exponent, StringHash, positionLess),
	}
}

// Record adds the trade to the ledger, returning false if a trade with the same id has already been recorded.
func (l *TradeLedger) Record(trade codec.Trade) bool {
	inserted := false
	l.trades.Update(trade.TradeId, func(tree *btree.BTreeG[codec.Trade]) {
		if _, exists := tree.Get(trade); !exists {
			tree.ReplaceOrInsert(trade)
			inserted = true
		}
	})
	if !inserted {
		l.duplicates.Add(1)
		return false
	}
	l.positions.Update(trade.AccountId, func(tree *btree.BTreeG[Position]) {
		key := Position{AccountId: trade.AccountId, Symbol: trade.Symbol}
		position, ok := tree.Get(key)
		if !ok {
			position = key
		}
		position.Quantity += trade.SignedQuantity()
		if trade.TradeType == codec.Sell {
			position.NetCost = position.NetCost.Sub(trade.Notional())
		} else {
			position.NetCost = position.NetCost.Add(trade.Notional())
		}
		position.Trades++
		tree.ReplaceOrInsert(position)
	})
	return true
}

func (l *TradeLedger) Trade(tradeId string) (codec.Trade, bool) {
	return l.trades.Get(tradeId, codec.Trade{TradeId: tradeId})
}

func (l *TradeLedger) Position(accountId, symbol string) (Position, bool) {
	return l.positions.Get(accountId, Position{AccountId: accountId, Symbol: symbol})
}

// Positions returns every position held by accountId, ordered by symbol.
func (l *TradeLedger) Positions(accountId string) []Position {
	var positions []Position
	l.positions.View(accountId, func(tree *btree.BTreeG[Position]) {
		tree.AscendGreaterOrEqual(Position{AccountId: accountId}, func(p Position) bool {
			if p.AccountId != accountId {
				return false
			}
			positions = append(positions, p)
			return true
		})
	})
	return positions
}

// Number of distinct trades recorded.
func (l *TradeLedger) Len() int {
	return l.trades.Len()
}

// Number of Record calls rejected as duplicates.
func (l *TradeLedger) Duplicates() int64 {
	return l.duplicates.Load()
}
