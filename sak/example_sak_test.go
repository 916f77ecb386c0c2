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

package sak_test

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch/sak"
)

func ExampleMin() {
	a := uint16(1)
	b := uint16(2)
	fmt.Println(sak.Min(a, b))
	// Output: 1
}

func ExampleMax() {
	a := uint16(1)
	b := uint16(2)
	fmt.Println(sak.Max(a, b))
	// Output: 2
}

func ExampleClamp() {
	fmt.Println(sak.Clamp(25, 1, 20), sak.Clamp(0, 1, 20), sak.Clamp(7, 1, 20))
	// Output: 20 1 7
}

func ExampleMust() {
	d := sak.Must(time.ParseDuration("250ms"))
	fmt.Println(d)
	// Output: 250ms
}

func newIntArray() []int {
	return make([]int, 0, 16)
}

func releaseIntArray(a []int) []int {
	return a[0:0]
}

func ExamplePool() {
	intArrayPool := sak.NewPool(100, newIntArray, releaseIntArray)
	a := intArrayPool.Borrow()
	for i := 0; i < 10; i++ {
		a = append(a, i)
	}
	fmt.Println(len(a))
	intArrayPool.Release(a)

	b := intArrayPool.Borrow()
	fmt.Println(len(b), cap(b))
	// Output: 10
	// 0 16
}

func ExampleRunStatus_Sleep() {
	rs := sak.NewRunStatus(context.Background())
	fmt.Println(rs.Sleep(time.Millisecond))
	rs.Halt()
	fmt.Println(rs.Sleep(time.Hour), rs.Running())
	// Output: true
	// false false
}
