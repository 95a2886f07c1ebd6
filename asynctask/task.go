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

// Package asynctask provides supervised goroutines whose completion can be
// awaited, raced against a context, and canceled cooperatively.
package asynctask

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Task is a goroutine started by CreateTask. Its result stays available
// after completion and may be awaited any number of times.
type Task[T any] struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	canceled bool
	result   Result[T]
}

// Result carries the value and error a task finished with.
type Result[T any] struct {
	Value T
	Error error
}

var errTaskCanceled = errors.New("task has been canceled")

// TaskCanceledErr reports the error joined into the result of a task that
// was canceled before it finished.
func TaskCanceledErr() error { return errTaskCanceled }

// TaskFunc is the function body of a task. It must return promptly once
// its context is canceled.
type TaskFunc[T any] func(context.Context) (T, error)

// CreateTask starts fn on its own goroutine and returns a handle to it.
// Panics inside fn are recovered and reported through the task result.
func CreateTask[T any](ctx context.Context, fn TaskFunc[T]) *Task[T] {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		var value T
		var err error

		defer func() {
			if r := recover(); r != nil {
				err = errors.Join(err, fmt.Errorf("task panicked: %v", r))
			}

			t.mu.Lock()
			if t.canceled {
				err = errors.Join(err, errTaskCanceled)
			}
			t.result = Result[T]{Value: value, Error: err}
			t.mu.Unlock()

			close(t.done)
			cancel()
		}()

		value, err = fn(ctx)
	}()

	return t
}

// Await blocks until the task finishes and returns its result.
func (t *Task[T]) Await() Result[T] {
	<-t.done
	return t.result
}

// AwaitContext blocks until the task finishes or ctx is done, whichever
// comes first. The bool reports whether the task actually finished.
func (t *Task[T]) AwaitContext(ctx context.Context) (Result[T], bool) {
	select {
	case <-t.done:
		return t.result, true
	case <-ctx.Done():
		return Result[T]{}, false
	}
}

// IsDone reports whether the task has finished.
func (t *Task[T]) IsDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// IsCanceled reports whether Cancel was called before the task finished.
func (t *Task[T]) IsCanceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

// Cancel requests cooperative cancellation. It has no effect on a task
// that already finished.
func (t *Task[T]) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.IsDone() || t.canceled {
		return
	}
	t.canceled = true
	t.cancel()
}

// TaskNoValue is a task that produces no value, only an error.
type TaskNoValue = Task[struct{}]

// CreateTaskNoValue starts a task whose function returns only an error.
func CreateTaskNoValue(ctx context.Context, fn func(context.Context) error) *TaskNoValue {
	return CreateTask(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
}
