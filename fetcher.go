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

package microbatch

import (
	"context"
	"errors"
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch/sak"
)

const (
	fetchBackoffMin = 50 * time.Millisecond
	fetchBackoffMax = 5 * time.Second
)

// fetcher pulls records for a single partition, tracking the next offset to read.
type fetcher struct {
	log            PartitionLog
	topicPartition TopicPartition
	next           int64
	maxWait        time.Duration
	backoff        *sak.Backoff
}

func newFetcher(pl PartitionLog, tp TopicPartition, next int64, maxWait time.Duration) *fetcher {
	return &fetcher{
		log:            pl,
		topicPartition: tp,
		next:           next,
		maxWait:        maxWait,
		backoff:        sak.NewBackoff(fetchBackoffMin, fetchBackoffMax),
	}
}

// fetch waits up to maxWait, or until `deadline` if it is earlier and non-zero, for new records.
// An empty result with a nil error means the wait elapsed. Transient errors are absorbed
// after backing off and reported as an empty result. Any other error is returned wrapped in a *PartitionError.
func (f *fetcher) fetch(ctx context.Context, deadline time.Time) ([]Record, error) {
	wait := f.maxWait
	if !deadline.IsZero() {
		wait = sak.Min(wait, time.Until(deadline))
	}
	if wait <= 0 {
		return nil, ctx.Err()
	}
	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	records, err := f.log.Fetch(fetchCtx, f.topicPartition, f.next)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		if isTransient(err) {
			pause := f.backoff.Next()
			if !deadline.IsZero() {
				pause = sak.Min(pause, time.Until(deadline))
			}
			log.Warnf("transient fetch error for %v at offset %d, retrying in %v: %v", f.topicPartition, f.next, pause, err)
			sak.SleepContext(ctx, pause)
			return nil, ctx.Err()
		}
		return nil, newPartitionError(ErrPartitionFatal, f.topicPartition, f.next, f.next, err)
	}
	f.backoff.Reset()
	return f.accept(records), nil
}

// accept filters out anything at or below the previously returned offsets, in place.
func (f *fetcher) accept(records []Record) []Record {
	accepted := records[:0]
	for _, r := range records {
		if r.Offset < f.next {
			log.Debugf("dropping stale record %v offset %d, expected >= %d", f.topicPartition, r.Offset, f.next)
			continue
		}
		accepted = append(accepted, r)
		f.next = r.Offset + 1
	}
	return accepted
}
