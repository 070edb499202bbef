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

// Package waitindex implements the mapping described by the scheduler's
// design: (event kind, fd) to a LIFO stack of parked tasks, plus a single
// FIFO idle queue. See Index for the invariants it maintains.
package waitindex

import (
	"fmt"

	"github.com/jacobsa/syncutil"
)

// EventKind is one of the four reasons a task can be parked.
type EventKind int

const (
	Read EventKind = iota
	Write
	Timeout
	Idle
)

func (k EventKind) String() string {
	switch k {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	case Timeout:
		return "TIMEOUT"
	case Idle:
		return "IDLE"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// TimeoutFD is the sentinel fd handed to the reactor for timer-only watches.
// The scheduler parks each timer waiter under its own negative slot rather
// than under TimeoutFD.
const TimeoutFD = -1

type key struct {
	kind EventKind
	fd   int
}

// Index maps (event kind, fd) to parked tasks. It is guarded by a
// syncutil.InvariantMutex so that the invariant "a task appears in at most
// one queue at a time" is checked on every Unlock in race-checking builds.
//
// T must be comparable; callers typically instantiate Index[*task] (or
// whatever opaque handle type represents a parked task).
type Index[T comparable] struct {
	mu syncutil.InvariantMutex

	stacks       map[key][]T // GUARDED_BY(mu): LIFO, last element is top
	idle         []T         // GUARDED_BY(mu): FIFO
	parked       map[T]key   // GUARDED_BY(mu): reverse index for invariant checking
	idleSentinel key
}

// New returns an empty Index.
func New[T comparable]() *Index[T] {
	idx := &Index[T]{
		stacks:       make(map[key][]T),
		parked:       make(map[T]key),
		idleSentinel: key{kind: Idle},
	}
	idx.mu = syncutil.NewInvariantMutex(idx.checkInvariants)
	return idx
}

func (idx *Index[T]) checkInvariants() {
	total := len(idx.idle)
	for _, s := range idx.stacks {
		total += len(s)
	}
	if total != len(idx.parked) {
		panic(fmt.Sprintf(
			"waitindex: %d tasks across queues but %d in reverse index",
			total, len(idx.parked)))
	}
}

// Park pushes task onto the stack for (kind, fd). kind == Idle ignores fd
// and uses the single idle queue (FIFO at this level).
//
// Panics if task is already parked somewhere -- a double-park is always a
// caller bug, never a recoverable condition.
func (idx *Index[T]) Park(task T, kind EventKind, fd int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, already := idx.parked[task]; already {
		panic("waitindex: task parked twice")
	}

	if kind == Idle {
		idx.idle = append(idx.idle, task)
		idx.parked[task] = idx.idleSentinel
		return
	}

	k := key{kind: kind, fd: fd}
	idx.stacks[k] = append(idx.stacks[k], task)
	idx.parked[task] = k
}

// UnparkOne pops the top (most recently parked) task for (kind, fd). It
// panics if the stack is empty: a reactor callback arriving with no waiter
// indicates a programming error, not a recoverable condition.
func (idx *Index[T]) UnparkOne(kind EventKind, fd int) T {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	k := key{kind: kind, fd: fd}
	stack := idx.stacks[k]
	if len(stack) == 0 {
		panic(fmt.Sprintf("waitindex: UnparkOne(%v, %d) with no waiter", kind, fd))
	}

	n := len(stack) - 1
	task := stack[n]
	var zero T
	stack[n] = zero
	idx.stacks[k] = stack[:n]
	if len(idx.stacks[k]) == 0 {
		delete(idx.stacks, k)
	}
	delete(idx.parked, task)

	return task
}

// TakeIdle pops the oldest task from the idle queue (FIFO), or reports ok
// == false if the queue is empty.
func (idx *Index[T]) TakeIdle() (task T, ok bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(idx.idle) == 0 {
		return task, false
	}

	task = idx.idle[0]
	var zero T
	idx.idle[0] = zero
	idx.idle = idx.idle[1:]
	delete(idx.parked, task)

	return task, true
}

// Remove drops task from whatever queue it currently occupies, if any. It
// touches only the index: a reactor watch registered for the task is left
// in place.
func (idx *Index[T]) Remove(task T) (wasParked bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	k, ok := idx.parked[task]
	if !ok {
		return false
	}
	delete(idx.parked, task)

	if k == idx.idleSentinel {
		for i, t := range idx.idle {
			if t == task {
				idx.idle = append(idx.idle[:i], idx.idle[i+1:]...)
				break
			}
		}
		return true
	}

	stack := idx.stacks[k]
	for i, t := range stack {
		if t == task {
			stack = append(stack[:i], stack[i+1:]...)
			break
		}
	}
	if len(stack) == 0 {
		delete(idx.stacks, k)
	} else {
		idx.stacks[k] = stack
	}
	return true
}

// RemoveFD drops and returns every task parked on Read/Write/Timeout for
// fd, leaving the idle queue untouched. Used when a File is closed while
// tasks are still parked on it, so they can be failed instead of left
// parked forever.
func (idx *Index[T]) RemoveFD(fd int) []T {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var removed []T
	for _, kind := range []EventKind{Read, Write, Timeout} {
		k := key{kind: kind, fd: fd}
		stack, ok := idx.stacks[k]
		if !ok {
			continue
		}
		for _, t := range stack {
			delete(idx.parked, t)
		}
		removed = append(removed, stack...)
		delete(idx.stacks, k)
	}
	return removed
}

// Len reports the number of parked + idle tasks, for tests and diagnostics.
func (idx *Index[T]) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.parked)
}

// HasWaiter reports whether at least one task is parked on (kind, fd).
func (idx *Index[T]) HasWaiter(kind EventKind, fd int) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.stacks[key{kind: kind, fd: fd}]) > 0
}
