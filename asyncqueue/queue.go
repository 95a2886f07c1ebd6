// Copyright 2025 The VoiceLink Authors
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

// Package asyncqueue provides an unbounded blocking FIFO queue.
// It is used to hand gateway events and media packets between the
// producing read loops and their consumers, and can be closed to let
// consumers drain and stop.
package asyncqueue

import (
	"sync"
	"time"
)

type Queue[T any] struct {
	cond   *sync.Cond
	values []T
	closed bool
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		cond: sync.NewCond(&sync.Mutex{}),
	}
}

// Put appends v to the queue. Values put after Close are dropped.
func (q *Queue[T]) Put(v T) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if q.closed {
		return
	}
	q.values = append(q.values, v)
	q.cond.Broadcast()
}

// Get blocks until a value is available or the queue is closed and
// drained. The bool reports whether a value was returned.
func (q *Queue[T]) Get() (T, bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	for len(q.values) == 0 && !q.closed {
		q.cond.Wait()
	}
	return q.pop()
}

// GetTimeout behaves like Get but gives up after the given duration.
func (q *Queue[T]) GetTimeout(timeout time.Duration) (T, bool) {
	timedOut := false
	timer := time.AfterFunc(timeout, func() {
		q.cond.L.Lock()
		timedOut = true
		q.cond.L.Unlock()
		q.cond.Broadcast()
	})
	defer timer.Stop()

	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	for len(q.values) == 0 && !q.closed && !timedOut {
		q.cond.Wait()
	}
	if timedOut && len(q.values) == 0 {
		var zero T
		return zero, false
	}
	return q.pop()
}

// GetNoWait returns a value only if one is immediately available.
func (q *Queue[T]) GetNoWait() (T, bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if len(q.values) == 0 {
		var zero T
		return zero, false
	}
	return q.pop()
}

// Close wakes all blocked consumers. Values already queued remain
// retrievable; further puts are dropped.
func (q *Queue[T]) Close() {
	q.cond.L.Lock()
	q.closed = true
	q.cond.L.Unlock()
	q.cond.Broadcast()
}

func (q *Queue[T]) IsEmpty() bool {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	return len(q.values) == 0
}

func (q *Queue[T]) Len() int {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	return len(q.values)
}

func (q *Queue[T]) pop() (T, bool) {
	if len(q.values) == 0 {
		var zero T
		return zero, false
	}
	v := q.values[0]
	copy(q.values[:len(q.values)-1], q.values[1:])
	clear(q.values[len(q.values)-1:]) // helps GC
	q.values = q.values[:len(q.values)-1]
	return v, true
}
