// Copyright 2022 The codesjoy Authors.
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

package xds

import (
	"context"
	"sync"
)

// callbackSerializer runs scheduled callbacks one at a time, in
// submission order, on a single goroutine. It is the mutual-exclusion
// mechanism for all resolver state: discovery notifications arrive on
// the discovery client's goroutines and are scheduled here before they
// touch anything.
type callbackSerializer struct {
	mu        sync.Mutex
	callbacks []func(context.Context)
	closed    bool

	wake chan struct{}
	done chan struct{}
}

// newCallbackSerializer starts a serializer that runs until ctx is
// canceled. After cancellation the current callback finishes, pending
// callbacks are dropped, and Done is closed.
func newCallbackSerializer(ctx context.Context) *callbackSerializer {
	cs := &callbackSerializer{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go cs.run(ctx)
	return cs
}

// Schedule enqueues f and reports whether it was accepted. Scheduling
// fails once the serializer has observed the cancellation of its context
// (at the latest when Done is closed); a callback accepted before then
// but not yet started is dropped.
func (cs *callbackSerializer) Schedule(f func(context.Context)) bool {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return false
	}
	cs.callbacks = append(cs.callbacks, f)
	cs.mu.Unlock()

	select {
	case cs.wake <- struct{}{}:
	default:
	}
	return true
}

// Done is closed once the serializer has stopped and no callback is
// running or will run.
func (cs *callbackSerializer) Done() <-chan struct{} {
	return cs.done
}

func (cs *callbackSerializer) run(ctx context.Context) {
	defer close(cs.done)
	for {
		select {
		case <-ctx.Done():
			cs.mu.Lock()
			cs.closed = true
			cs.callbacks = nil
			cs.mu.Unlock()
			return
		case <-cs.wake:
		}

		for {
			if ctx.Err() != nil {
				break
			}
			cs.mu.Lock()
			if len(cs.callbacks) == 0 {
				cs.mu.Unlock()
				break
			}
			f := cs.callbacks[0]
			cs.callbacks = cs.callbacks[1:]
			cs.mu.Unlock()
			f(ctx)
		}
	}
}
