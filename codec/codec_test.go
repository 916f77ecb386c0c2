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
	"math/rand"
	"testing"
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch"
	"github.com/shopspring/decimal"
)

const tradeJson = `{"account_id": "ACC1234", "trade_id": "TRD100001", "symbol": "AAPL", "trade_type": "SELL",
	"quantity": 10, "price": 187.25, "timestamp": "2024-03-01T14:30:05.123456"}`

func TestDecodeTrade(t *testing.T) {
	trade, err := DecodeTrade([]byte(tradeJson))
	if err != nil {
		t.Fatal(err)
	}
	if trade.AccountId != "ACC1234" || trade.TradeType != Sell || trade.Quantity != 10 {
		t.Errorf("unexpected trade: %+v", trade)
	}
	if !trade.Price.Equal(decimal.RequireFromString("187.25")) {
		t.Errorf("unexpected price: %v", trade.Price)
	}
	if trade.SignedQuantity() != -10 {
		t.Errorf("expected signed quantity -10, got %d", trade.SignedQuantity())
	}
	if !trade.Notional().Equal(decimal.RequireFromString("1872.5")) {
		t.Errorf("unexpected notional: %v", trade.Notional())
	}
	ts, _ := trade.Time()
	if ts.Minute() != 30 || ts.Nanosecond() != 123456000 {
		t.Errorf("unexpected timestamp: %v", ts)
	}
}

func TestDecodeInvalidTrade(t *testing.T) {
	for _, value := range []string{
		`{"account_id": "ACC1234"}`,
		`{"account_id": "ACC1", "trade_id": "T", "symbol": "X", "trade_type": "HOLD", "quantity": 1, "price": 1, "timestamp": "2024-03-01T14:30:05"}`,
		`{"account_id": "ACC1", "trade_id": "T", "symbol": "X", "trade_type": "BUY", "quantity": 0, "price": 1, "timestamp": "2024-03-01T14:30:05"}`,
		`{"account_id": "ACC1", "trade_id": "T", "symbol": "X", "trade_type": "BUY", "quantity": 1, "price": 1, "timestamp": "yesterday"}`,
		`not json`,
	} {
		if _, err := DecodeTrade([]byte(value)); !errors.Is(err, ErrInvalidTrade) {
			t.Errorf("expected ErrInvalidTrade for %s, got: %v", value, err)
		}
	}
}

func TestRandomTradeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	trade := RandomTrade(rng, time.Now())
	if err := trade.Validate(); err != nil {
		t.Fatal(err)
	}
	b, err := EncodeTrade(trade)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(b, []byte(`"price":`+trade.Price.String())) {
		t.Errorf("expected price to be encoded as a number: %s", b)
	}
	decoded, err := DecodeTrade(b)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.TradeId != trade.TradeId || !decoded.Price.Equal(trade.Price) {
		t.Errorf("round trip mismatch: %+v != %+v", decoded, trade)
	}
}

func TestEncodeTradeLeavesDecimalDefaults(t *testing.T) {
	trade := RandomTrade(rand.New(rand.NewSource(11)), time.Now())
	trade.Price = decimal.RequireFromString("99.5")
	b, err := EncodeTrade(trade)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(b, []byte(`"price":99.5`)) || !bytes.Contains(b, []byte(`"trade_id":"`+trade.TradeId+`"`)) {
		t.Errorf("unexpected encoding: %s", b)
	}
	if decimal.MarshalJSONWithoutQuotes {
		t.Errorf("encoding a trade must not change the decimal package defaults")
	}
	plain, err := defaultJson.Marshal(trade.Price)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != `"99.5"` {
		t.Errorf("expected a bare decimal to keep its quoted encoding, got %s", plain)
	}
}

func TestDecodeBatch(t *testing.T) {
	batch := &microbatch.Batch{
		TopicPartition: microbatch.TopicPartition{Topic: "trades", Partition: 1},
		Records: []microbatch.Record{
			{Topic: "trades", Partition: 1, Offset: 5, Value: []byte(tradeJson)},
			{Topic: "trades", Partition: 1, Offset: 6, Value: []byte(`{}`)},
		},
	}
	trades, err := DecodeBatch(TradeCodec, batch)
	if !errors.Is(err, ErrInvalidTrade) {
		t.Errorf("expected ErrInvalidTrade, got: %v", err)
	}
	if len(trades) != 1 {
		t.Errorf("expected 1 decoded trade before the failure, got %d", len(trades))
	}
}
