// Copyright 2015 Google Inc. All Rights Reserved.
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

package greenrt

import "runtime/debug"

// task is a resumable unit of execution: a goroutine parked immediately
// behind a pair of unbuffered rendezvous channels that act as a single
// baton. The scheduler only ever sends on resumeCh after receiving on
// suspendedCh (or before the task has started), and the task goroutine
// only ever sends on suspendedCh after receiving on resumeCh. Exactly one
// side holds the baton at a time, which gives "at most one task runs at a
// time" without relying on a language-level coroutine primitive.
type task struct {
	id    taskID
	label string

	resumeCh    chan struct{}
	suspendedCh chan struct{}

	done     bool
	panicVal interface{}
}

type taskID uint64

func newTask(id taskID, label string, fn func()) *task {
	t := &task{
		id:          id,
		label:       label,
		resumeCh:    make(chan struct{}),
		suspendedCh: make(chan struct{}),
	}
	go t.loop(fn)
	return t
}

func (t *task) loop(fn func()) {
	<-t.resumeCh

	func() {
		defer func() {
			if r := recover(); r != nil {
				t.panicVal = r
				getLogger().Printf("task %q panicked: %v\n%s", t.label, r, debug.Stack())
			}
		}()
		fn()
	}()

	t.done = true
	t.suspendedCh <- struct{}{}
}

// resume hands the baton to t and blocks until t gives it back, either by
// calling suspend or by returning: resume runs to the next suspend or to
// completion.
func (t *task) resume() {
	t.resumeCh <- struct{}{}
	<-t.suspendedCh
}

// suspend hands the baton back to whoever called resume and blocks until
// resumed again. Must only be called from the task's own goroutine, never
// from the main task.
func (t *task) suspend() {
	t.suspendedCh <- struct{}{}
	<-t.resumeCh
}
