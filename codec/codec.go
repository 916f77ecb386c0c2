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

// Package codec encodes and decodes record values, and defines the Trade event carried on the trades topic.
package codec

import (
	"bytes"
	"fmt"

	"github.com/aws/go-kafka-microbatch/microbatch"
	jsoniter "github.com/json-iterator/go"
)

type Codec[T any] interface {
	Encode(*bytes.Buffer, T) error
	Decode([]byte) (T, error)
}

var defaultJson = jsoniter.ConfigCompatibleWithStandardLibrary

// A generic JSON en/decoder.
// Uses "github.com/json-iterator/go".ConfigCompatibleWithStandardLibrary for en/decoding JSON in a performant way
type JsonCodec[T any] struct{}

func (JsonCodec[T]) Encode(b *bytes.Buffer, t T) error {
	stream := defaultJson.BorrowStream(b)
	defer defaultJson.ReturnStream(stream)
	stream.WriteVal(t)
	if stream.Error != nil {
		return stream.Error
	}
	return stream.Flush()
}

func (JsonCodec[T]) Decode(b []byte) (T, error) {
	iter := defaultJson.BorrowIterator(b)
	defer defaultJson.ReturnIterator(iter)

	var t T
	iter.ReadVal(&t)
	return t, iter.Error
}

// Decodes the value of every record in the batch, in offset order. Decoding stops at the first error,
// which is annotated with the offending offset.
func DecodeBatch[T any](c Codec[T], batch *microbatch.Batch) ([]T, error) {
	items := make([]T, 0, batch.Len())
	for _, r := range batch.Records {
		item, err := c.Decode(r.Value)
		if err != nil {
			return items, fmt.Errorf("decoding %v@%d: %w", r.TopicPartition(), r.Offset, err)
		}
		items = append(items, item)
	}
	return items, nil
}

type stringCodec struct{}

func (stringCodec) Encode(b *bytes.Buffer, s string) error {
	_, err := b.WriteString(s)
	return err
}

func (stringCodec) Decode(b []byte) (string, error) {
	return string(b), nil
}

// Convenience codec for working with strings, such as record keys.
var StringCodec Codec[string] = stringCodec{}
