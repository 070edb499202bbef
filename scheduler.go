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

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jacobsa/reqtrace"
	"github.com/jacobsa/timeutil"

	"github.com/kschndr/greenrt/internal/bufpool"
	"github.com/kschndr/greenrt/internal/reactor"
	"github.com/kschndr/greenrt/internal/waitindex"
)

// EventKind is the public event vocabulary a task can wait on.
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

func (k EventKind) toWaitIndex() waitindex.EventKind { return waitindex.EventKind(k) }

func (k EventKind) toReactor() reactor.Kind {
	switch k {
	case Read:
		return reactor.Read
	case Write:
		return reactor.Write
	default:
		panicf("greenrt: %v has no reactor.Kind equivalent", k)
		panic("unreachable")
	}
}

// Config controls how a Scheduler builds its supporting machinery. The zero
// Config is usable: a real clock, a buffer pool retaining up to 16 buffers,
// and no preallocation hint.
type Config struct {
	// BufferPoolCapacity bounds how many BufSize buffers idle between File
	// operations. Zero means a small default.
	BufferPoolCapacity int

	// Clock is threaded through timeout math so tests can swap in
	// timeutil.SimulatedClock. Defaults to timeutil.RealClock().
	Clock timeutil.Clock

	// Preallocate asks newly opened writable files for a throughput hint via
	// go-fallocate. Best-effort: silently ignored on filesystems that don't
	// support it.
	Preallocate bool
}

func (c Config) withDefaults() Config {
	if c.BufferPoolCapacity <= 0 {
		c.BufferPoolCapacity = 16
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock()
	}
	return c
}

// Scheduler is the process's (or a test's) cooperative runtime: it owns the
// reactor, the wait index, and the single dispatch loop that ever resumes a
// task. There is no locking internal to Scheduler -- everything here only
// ever runs on the one goroutine that calls Run or a blocking File
// operation.
type Scheduler struct {
	cfg     Config
	rt      reactor.Reactor
	wait    *waitindex.Index[*task]
	bufpool *bufpool.Pool

	nextID uint64

	main    *task // identity sentinel; its goroutine fields are never used
	current *task

	nextHint         *task
	pendingTaskPanic interface{}

	timerSlot int
}

// NewScheduler builds a Scheduler with its own reactor and wait index.
func NewScheduler(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()

	rt, err := newPlatformReactor(cfg.Clock)
	if err != nil {
		panic(fmt.Sprintf("greenrt: building reactor: %v", err))
	}

	s := &Scheduler{
		cfg:     cfg,
		rt:      rt,
		wait:    waitindex.New[*task](),
		bufpool: bufpool.New(cfg.BufferPoolCapacity),
		main:    &task{label: "main"},
	}
	s.current = s.main
	return s
}

// Spawn creates a new task running fn, parks both it and the caller on the
// idle queue, and yields. label is used for debug logging and trace span
// names; an empty label gets a synthetic one.
func (s *Scheduler) Spawn(fn func(), label string) {
	id := taskID(atomic.AddUint64(&s.nextID, 1))
	if label == "" {
		label = fmt.Sprintf("task-%d", id)
	}

	child := newTask(id, label, fn)
	s.wait.Park(child, waitindex.Idle, 0)

	me := s.current
	s.wait.Park(me, waitindex.Idle, 0)
	s.handOff()
}

// Yield parks the current task on the idle queue and hands control to the
// next runnable thing, without waiting on any descriptor or timer.
func (s *Scheduler) Yield() {
	s.wait.Park(s.current, waitindex.Idle, 0)
	s.handOff()
}

// YieldTimeout parks the current task under a private timer slot and sleeps
// for d before it becomes runnable again. Every call gets its own slot so
// concurrently pending timers of different durations can't wake each
// other's waiter out of a shared LIFO stack.
func (s *Scheduler) YieldTimeout(d time.Duration) {
	me := s.current
	slot := s.allocTimerSlot()
	s.wait.Park(me, waitindex.Timeout, slot)

	err := s.rt.WatchOnce(waitindex.TimeoutFD, reactor.Timeout, d, func(_ int, _ reactor.Kind) {
		s.setNextHint(s.wait.UnparkOne(waitindex.Timeout, slot))
	})
	if err != nil {
		s.wait.Remove(me)
		panicf("greenrt: YieldTimeout: %v", err)
	}

	s.handOff()
}

// YieldIO parks the current task on (kind, fd) and asks the reactor to
// watch fd for readiness, with an optional timeout (zero means wait
// indefinitely). It returns any error registering the watch; the task is
// removed from the wait index before that error is returned, and it does
// not suspend.
func (s *Scheduler) YieldIO(kind EventKind, fd int, timeout time.Duration) error {
	if kind != Read && kind != Write {
		panicf("greenrt: YieldIO: invalid kind %v", kind)
	}

	me := s.current
	wk := kind.toWaitIndex()
	s.wait.Park(me, wk, fd)

	err := s.rt.WatchOnce(fd, kind.toReactor(), timeout, func(firedFD int, _ reactor.Kind) {
		s.setNextHint(s.wait.UnparkOne(wk, firedFD))
	})
	if err != nil {
		s.wait.Remove(me)
		return err
	}

	s.handOff()
	return nil
}

// Run drives the dispatch loop until no task is left runnable or parked on
// a descriptor or timer, then returns. Spawn or Yield called directly from
// outside any task enters the same loop inline (see handOff), which instead
// returns as soon as the main task is next in line: Run is just the
// outermost entry point into the same loop.
func (s *Scheduler) Run() {
	s.loop()
}

// handOff gives up the current task's turn. Called from the main task it
// recurses into loop directly, since there is no other context to transfer
// to; called from within a task it just suspends that task's goroutine,
// handing the baton back to whichever loop call is resuming it.
func (s *Scheduler) handOff() {
	if s.current == s.main {
		s.loop()
		return
	}
	s.current.suspend()
}

// loop is the PUMP / pick-next / resume-or-return dispatch state machine.
func (s *Scheduler) loop() {
	mode := reactor.NonBlock

	for {
		if err := s.rt.Pump(mode); err != nil {
			getLogger().Printf("reactor pump: %v", err)
		}
		mode = reactor.NonBlock

		next := s.takeNextHint()
		if next == nil {
			if t, ok := s.wait.TakeIdle(); ok {
				next = t
			}
		}

		if next == nil {
			// Nothing parked anywhere means nothing can ever become ready
			// again (every pending reactor watch has a parked task behind
			// it); blocking on Pump would hang forever.
			if s.wait.Len() == 0 {
				return
			}
			mode = reactor.Once
			continue
		}

		if next == s.main {
			if s.pendingTaskPanic != nil {
				p := s.pendingTaskPanic
				s.pendingTaskPanic = nil
				panic(p)
			}
			return
		}

		s.resumeTask(next)
	}
}

func (s *Scheduler) resumeTask(t *task) {
	prev := s.current
	s.current = t

	_, report := reqtrace.StartSpan(context.Background(), fmt.Sprintf("greenrt: resume %s", t.label))
	t.resume()
	report(nil)

	s.current = prev

	if t.panicVal != nil && s.pendingTaskPanic == nil {
		s.pendingTaskPanic = t.panicVal
	}
}

func (s *Scheduler) setNextHint(t *task) {
	if s.nextHint != nil {
		// A second task became ready before the loop consumed the first
		// hint; don't drop it, just let it take its turn through the idle
		// queue like any other ready task.
		s.wait.Park(t, waitindex.Idle, 0)
		return
	}
	s.nextHint = t
}

func (s *Scheduler) takeNextHint() *task {
	t := s.nextHint
	s.nextHint = nil
	return t
}

func (s *Scheduler) allocTimerSlot() int {
	s.timerSlot--
	return s.timerSlot
}
