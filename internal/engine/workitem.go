/*
 * s3lens (C) 2026 s3lens authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package engine implements the Request Engine (spec §4.D): two priority
// queues with N workers each, request coalescing and priority boosting,
// region discovery and caching, redirect recovery, and streaming
// downloads. It is the core of the data plane.
package engine

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Kind identifies the S3 call a WorkItem performs.
type Kind int

const (
	KindListBuckets Kind = iota
	KindListObjects
	KindGetObject
	KindGetObjectRange
	KindGetObjectStreaming
	KindShutdown
)

// Priority is one of the two queues a WorkItem can occupy.
type Priority int

const (
	Low Priority = iota
	High
)

// CancelFlag is a shared, poll-based cooperative cancellation flag. The
// zero value is "not cancelled". Safe for concurrent use.
type CancelFlag struct {
	cancelled atomic.Bool
}

// NewCancelFlag returns a fresh, unset flag.
func NewCancelFlag() *CancelFlag { return &CancelFlag{} }

// Cancel sets the flag. Idempotent (spec §5 "Setting it ... is idempotent").
func (f *CancelFlag) Cancel() {
	if f == nil {
		return
	}
	f.cancelled.Store(true)
}

// Cancelled reports whether Cancel has been called.
func (f *CancelFlag) Cancelled() bool {
	if f == nil {
		return false
	}
	return f.cancelled.Load()
}

// WorkItem is one unit of engine work (spec §3).
type WorkItem struct {
	ID       string
	Kind     Kind
	Priority Priority

	Bucket string
	Prefix string
	Key    string

	ContinuationToken string
	RangeStart        int64
	RangeEnd          int64 // inclusive; -1 means open-ended (streaming)
	TotalSize         int64 // known total size, for streaming continuation
	MaxBytes          int64 // 0 means unlimited

	Cancel *CancelFlag

	// sequence stands in for a queued-at timestamp. No invariant the
	// spec tests is wall-clock sensitive — it exists for FIFO
	// tie-breaking diagnostics only, so a monotonic counter (assigned by
	// the queue on enqueue) is used without requiring a clock source.
	sequence int64
}

// newWorkItem builds a WorkItem with a fresh id.
func newWorkItem(kind Kind, priority Priority) WorkItem {
	return WorkItem{ID: uuid.NewString(), Kind: kind, Priority: priority}
}

// MatchesFolder reports whether this item is a listing of the given bucket/prefix —
// used by the priority-boost and hasPendingRequest predicate scans (spec
// §4.D.1-2).
func (w WorkItem) MatchesFolder(bucket, prefix string) bool {
	return (w.Kind == KindListObjects) && w.Bucket == bucket && w.Prefix == prefix
}

// MatchesObject reports whether this item addresses the given object —
// used by prioritizeObjectRequest / hasPendingObjectRequest.
func (w WorkItem) MatchesObject(bucket, key string) bool {
	return (w.Kind == KindGetObject || w.Kind == KindGetObjectRange || w.Kind == KindGetObjectStreaming) &&
		w.Bucket == bucket && w.Key == key
}
