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

// Package events implements the Event Bus (spec §4.E): a mutex-guarded
// append-only buffer that workers push to and a single consumer drains in
// bulk. Ordering is preserved per-producer only, never across workers.
package events

import (
	"sync"

	"github.com/rs/xid"
)

// Kind tags a StateEvent's payload shape.
type Kind int

const (
	BucketsLoaded Kind = iota
	BucketsLoadError
	ObjectsLoaded
	ObjectsLoadError
	ObjectContentLoaded
	ObjectContentLoadError
	ObjectRangeLoaded
	ObjectRangeLoadError
)

// Bucket mirrors spec §3 Bucket.
type Bucket struct {
	Name         string
	CreationDate string
}

// Object mirrors spec §3 Object.
type Object struct {
	Key          string
	DisplayName  string
	Size         int64
	LastModified string
	IsFolder     bool
}

// Event is the tagged union spec §3 StateEvent describes. Only the fields
// relevant to Kind are populated; the rest are zero.
type Event struct {
	ID   string
	Kind Kind

	Buckets []Bucket
	Message string

	Bucket   string
	Prefix   string
	Key      string
	SentToken string
	NextToken string
	IsTruncated bool
	Objects  []Object

	Content    []byte
	TotalSize  int64
	HasTotal   bool

	StartByte int64
	Data      []byte
}

// Bus is the single mutex-guarded event queue. Workers call Push; the
// consumer calls Take once per UI frame.
type Bus struct {
	mu     sync.Mutex
	events []Event
	// wake, if set, is invoked after each Push — an optional hook a UI
	// loop can use to post itself a wakeup. Implementations without a
	// UI-loop coupling may leave this nil and simply poll Take.
	wake func()
}

// NewBus constructs an empty Bus. wake may be nil.
func NewBus(wake func()) *Bus {
	return &Bus{wake: wake}
}

// Push appends an event, tagging it with a fresh id if one was not
// already set by the caller.
func (b *Bus) Push(e Event) {
	if e.ID == "" {
		e.ID = xid.New().String()
	}
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
	if b.wake != nil {
		b.wake()
	}
}

// Take moves every buffered event out of the bus and returns them in
// push order. Safe to call from exactly one consumer goroutine at a
// time; concurrent Take calls would race on which gets which events
// (the design assumes a single consumer, spec §4.E).
func (b *Bus) Take() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return nil
	}
	out := b.events
	b.events = nil
	return out
}

// Len reports the number of buffered, undrained events. Useful for tests
// and diagnostics; not part of the consumer's normal drain path.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
