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

package codec

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

var ErrInvalidTrade = errors.New("invalid trade")

type TradeType string

const (
	Buy  TradeType = "BUY"
	Sell TradeType = "SELL"
)

// TimestampLayout is the layout of Trade.Timestamp as written by producers: ISO-8601, UTC, no zone designator.
const TimestampLayout = "2006-01-02T15:04:05.999999"

// Trade is the value of a record on the trades topic. Records are keyed by AccountId.
type Trade struct {
	AccountId string          `json:"account_id"`
	TradeId   string          `json:"trade_id"`
	Symbol    string          `json:"symbol"`
	TradeType TradeType       `json:"trade_type"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Timestamp string          `json:"timestamp"`
}

// MarshalJSON writes Price as a JSON number. Decoding accepts both numbers and strings.
func (t Trade) MarshalJSON() ([]byte, error) {
	type fields Trade
	return defaultJson.Marshal(struct {
		fields
		Price jsoniter.RawMessage `json:"price"`
	}{fields: fields(t), Price: jsoniter.RawMessage(t.Price.String())})
}

func (t Trade) Validate() error {
	var errs []error
	if t.AccountId == "" {
		errs = append(errs, errors.New("missing account_id"))
	}
	if t.TradeId == "" {
		errs = append(errs, errors.New("missing trade_id"))
	}
	if t.Symbol == "" {
		errs = append(errs, errors.New("missing symbol"))
	}
	if t.TradeType != Buy && t.TradeType != Sell {
		errs = append(errs, fmt.Errorf("unknown trade_type %q", t.TradeType))
	}
	if t.Quantity <= 0 {
		errs = append(errs, fmt.Errorf("quantity must be positive: %d", t.Quantity))
	}
	if !t.Price.IsPositive() {
		errs = append(errs, fmt.Errorf("price must be positive: %v", t.Price))
	}
	if _, err := t.Time(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w %s: %w", ErrInvalidTrade, t.TradeId, errors.Join(errs...))
	}
	return nil
}

// Time parses Timestamp. Both the producer layout and RFC 3339 are accepted.
func (t Trade) Time() (time.Time, error) {
	if ts, err := time.Parse(TimestampLayout, t.Timestamp); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, t.Timestamp)
	if err != nil {
		return ts, fmt.Errorf("invalid timestamp %q", t.Timestamp)
	}
	return ts, nil
}

// SignedQuantity is positive for a BUY and negative for a SELL.
func (t Trade) SignedQuantity() int64 {
	if t.TradeType == Sell {
		return -t.Quantity
	}
	return t.Quantity
}

func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

type tradeCodec struct {
	json JsonCodec[Trade]
}

func (tc tradeCodec) Encode(b *bytes.Buffer, t Trade) error {
	return tc.json.Encode(b, t)
}

// Decode rejects trades which fail Validate.
func (tc tradeCodec) Decode(b []byte) (Trade, error) {
	t, err := tc.json.Decode(b)
	if err != nil {
		return t, fmt.Errorf("%w: %w", ErrInvalidTrade, err)
	}
	return t, t.Validate()
}

var TradeCodec Codec[Trade] = tradeCodec{}

func DecodeTrade(b []byte) (Trade, error) {
	return TradeCodec.Decode(b)
}

func EncodeTrade(t Trade) ([]byte, error) {
	var b bytes.Buffer
	err := TradeCodec.Encode(&b, t)
	return b.Bytes(), err
}

var tradeSymbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "TSLA", "META", "NVDA"}

// RandomTrade generates a synthetic trade: ACC1000-ACC9999, quantity 1-1000, price 50.00-500.00.
func RandomTrade(rng *rand.Rand, now time.Time) Trade {
	tradeType := Buy
	if rng.Intn(2) == 1 {
		tradeType = Sell
	}
	return Trade{
		AccountId: fmt.Sprintf("ACC%d", 1000+rng.Intn(9000)),
		TradeId:   fmt.Sprintf("TRD%d", 100000+rng.Intn(900000)),
		Symbol:    tradeSymbols[rng.Intn(len(tradeSymbols))],
		TradeType: tradeType,
		Quantity:  int64(1 + rng.Intn(1000)),
		Price:     decimal.NewFromFloat(50 + rng.Float64()*450).Round(2),
		Timestamp: now.UTC().Format(TimestampLayout),
	}
}
