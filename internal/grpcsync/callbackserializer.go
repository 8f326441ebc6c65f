/*
 *
 * Copyright 2021 gRPC authors.
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

// Package grpcsync provides additional synchronization and mutual exclusion
// helpers not provided by the standard library.
package grpcsync

import (
	"context"
	"sync"

	"github.com/grpc/grpc-sub003/internal/buffer"
)

// CallbackSerializer provides a mechanism to schedule callbacks in a
// synchronized manner. It provides a FIFO guarantee on the order of
// execution of scheduled callbacks. New callbacks can be scheduled by
// invoking the Schedule() method.
//
// This type is used by the xDS client, transport channel and dependency
// manager to serialize all mutations of shared state (cache writes,
// subscription-set changes, watcher notifications, timer firings) onto a
// single goroutine: suspension only happens at I/O and serializer hand-off
// boundaries, never inside a scheduled callback.
type CallbackSerializer struct {
	// done is closed once the serializer has shut down, i.e. its run
	// goroutine has returned; callbacks still pending at that point are
	// discarded without being executed.
	done chan struct{}

	callbacks *buffer.Unbounded
	closedMu  sync.Mutex
	closed    bool
}

// NewCallbackSerializer returns a new CallbackSerializer instance. The
// provided context will be used to schedule callbacks, and when cancelled,
// any pending un-executed callbacks will be discarded.
func NewCallbackSerializer(ctx context.Context) *CallbackSerializer {
	cs := &CallbackSerializer{
		done:      make(chan struct{}),
		callbacks: buffer.NewUnbounded(),
	}
	go cs.run(ctx)
	return cs
}

// Schedule adds a callback to be scheduled after existing callbacks are run.
//
// Callbacks are expected to honor the context when performing any blocking
// operations, and should return early when the context is canceled.
//
// Return value indicates if the callback was successfully added to the list
// of callbacks to be executed by the serializer. It is not possible to add
// callbacks once the context passed to NewCallbackSerializer is cancelled.
func (cs *CallbackSerializer) Schedule(f func(ctx context.Context)) bool {
	cs.closedMu.Lock()
	defer cs.closedMu.Unlock()

	if cs.closed {
		return false
	}
	cs.callbacks.Put(f)
	return true
}

// Done returns a channel that is closed after the context passed to
// NewCallbackSerializer is canceled and the serializer has stopped.
// Callbacks still pending at that point are discarded, not executed.
func (cs *CallbackSerializer) Done() <-chan struct{} {
	return cs.done
}

func (cs *CallbackSerializer) run(ctx context.Context) {
	defer close(cs.done)

	for ctx.Err() == nil {
		select {
		case callback, ok := <-cs.callbacks.Get():
			if !ok {
				return
			}
			cs.callbacks.Load()
			callback.(func(context.Context))(ctx)
		case <-ctx.Done():
		}
	}

	// Prevent any further callbacks from being scheduled, and let any
	// buffered ones get garbage collected. We never invoke a callback after
	// the context passed to NewCallbackSerializer is canceled.
	cs.closedMu.Lock()
	cs.closed = true
	cs.closedMu.Unlock()
	cs.callbacks.Close()
}
