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
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kerr"
)

var (
	// A fetch failed for a reason that is expected to clear up on its own. Retried with backoff, ownership is kept.
	ErrTransientFetch = errors.New("transient fetch error")
	// The BatchProcessor returned an error.
	ErrProcessing = errors.New("batch processing failed")
	// Processing retries were exhausted. The partition pipeline stops without committing.
	ErrPartitionFatal = errors.New("partition fatal")
	// The checkpoint store rejected or failed a commit.
	ErrCommit = errors.New("offset commit failed")
	// A revoked partition did not finish draining within the grace period.
	ErrRebalanceTimeout = errors.New("rebalance drain timed out")
	// The partition is not owned by this consumer.
	ErrPartitionNotAssigned = errors.New("partition not assigned")
)

// PartitionError ties an error to the partition and offset range it occurred in.
// errors.Is matches both the Kind sentinel and the underlying cause.
type PartitionError struct {
	Kind           error
	TopicPartition TopicPartition
	FirstOffset    int64
	LastOffset     int64
	Err            error
}

func newPartitionError(kind error, tp TopicPartition, first, last int64, cause error) *PartitionError {
	return &PartitionError{
		Kind:           kind,
		TopicPartition: tp,
		FirstOffset:    first,
		LastOffset:     last,
		Err:            cause,
	}
}

func (pe *PartitionError) Error() string {
	if pe.Err == nil {
		return fmt.Sprintf("%v: %v offsets [%d, %d]", pe.Kind, pe.TopicPartition, pe.FirstOffset, pe.LastOffset)
	}
	return fmt.Sprintf("%v: %v offsets [%d, %d]: %v", pe.Kind, pe.TopicPartition, pe.FirstOffset, pe.LastOffset, pe.Err)
}

func (pe *PartitionError) Unwrap() []error {
	if pe.Err == nil {
		return []error{pe.Kind}
	}
	return []error{pe.Kind, pe.Err}
}

// isTransient reports whether a fetch error should be retried while keeping ownership.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransientFetch) || kerr.IsRetriable(err) {
		return true
	}
	return isNetworkError(err)
}

// Instructs the consumer how to proceed when a partition can no longer make progress.
// There is intentionally no option to skip the failed batch, records are never dropped.
type ErrorResponse int

const (
	// Instructs the consumer to immediately stop processing the partition in error and relinquish it
	// to the group. Another member resumes from the last committed offset.
	FailPartition ErrorResponse = iota

	// Instructs the consumer to immediately stop processing the partition in error. Also instructs the consumer to leave the group.
	// Useful for identifying bad deployments. The idea would be to capture
	// this event via metrics and Alarm, causing a graceful rollback.
	FailConsumer

	// As the name implies, the application will fatally exit.
	FatallyExit
)

func (er ErrorResponse) String() string {
	switch er {
	case FailPartition:
		return "FailPartition"
	case FailConsumer:
		return "FailConsumer"
	case FatallyExit:
		return "FatallyExit"
	}
	return fmt.Sprintf("ErrorResponse(%d)", int(er))
}

// Invoked when a partition has exhausted its processing retries. `err` is a *PartitionError wrapping ErrPartitionFatal.
type PartitionErrorHandler func(tp TopicPartition, err error) ErrorResponse

func DefaultPartitionErrorHandler(tp TopicPartition, err error) ErrorResponse {
	log.Errorf("failing partition %v, error: %v", tp, err)
	return FailPartition
}
