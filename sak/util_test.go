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

package sak

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 40*time.Millisecond)
	expected := []time.Duration{10, 20, 40, 40, 40}
	for i, base := range expected {
		d := b.Next()
		lo := base * time.Millisecond
		hi := lo + lo/10
		if d < lo || d > hi {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", i, d, lo, hi)
		}
	}
	b.Reset()
	if d := b.Next(); d < 10*time.Millisecond || d > 11*time.Millisecond {
		t.Errorf("reset did not restore min, got %v", d)
	}
}

func TestBackoffMaxBelowMin(t *testing.T) {
	b := NewBackoff(time.Second, time.Millisecond)
	b.Next()
	if d := b.Next(); d < time.Second {
		t.Errorf("max below min should clamp to min, got %v", d)
	}
}
