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

//go:build linux

package reactor

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"
)

// epollReactor is the Linux Reactor backend: one epoll instance per
// Scheduler, EPOLLONESHOT registrations for one-shot semantics, and a
// software timer heap pumped alongside it.
type epollReactor struct {
	epfd  int
	clock timeutil.Clock

	mu      sync.Mutex
	watches map[int]*epollWatch // GUARDED_BY(mu): keyed by real fd
	timers  timerHeap           // GUARDED_BY(mu)
}

type epollWatch struct {
	fd   int
	kind Kind
	cb   Callback
}

// NewEpoll creates an epoll-backed Reactor. clock is threaded through
// timer-deadline computation so tests can substitute
// timeutil.SimulatedClock instead of depending on wall-clock sleeps.
func NewEpoll(clock timeutil.Clock) (Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	return &epollReactor{
		epfd:    epfd,
		clock:   clock,
		watches: make(map[int]*epollWatch),
	}, nil
}

func (r *epollReactor) WatchOnce(fd int, kind Kind, timeout time.Duration, cb Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if kind == Timeout {
		if timeout <= 0 {
			return fmt.Errorf("reactor: Timeout watch requires a positive timeout")
		}
		heap.Push(&r.timers, &timerEntry{
			deadline: r.clock.Now().Add(timeout),
			fd:       fd,
			cb:       cb,
		})
		return nil
	}

	var events uint32 = unix.EPOLLONESHOT
	switch kind {
	case Read:
		events |= unix.EPOLLIN
	case Write:
		events |= unix.EPOLLOUT
	default:
		return fmt.Errorf("reactor: unknown kind %v", kind)
	}

	w := &epollWatch{fd: fd, kind: kind, cb: cb}

	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	op := unix.EPOLL_CTL_ADD
	if _, exists := r.watches[fd]; exists {
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(r.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl: %w", err)
	}
	r.watches[fd] = w

	if timeout > 0 {
		heap.Push(&r.timers, &timerEntry{
			deadline: r.clock.Now().Add(timeout),
			fd:       fd,
			cb:       r.timeoutCallbackFor(fd),
		})
	}

	return nil
}

// timeoutCallbackFor builds a callback that, if the timer fires before the
// fd becomes ready, removes the epoll registration and reports Timeout
// instead of Read/Write, so the caller can distinguish data-ready from
// timed-out.
func (r *epollReactor) timeoutCallbackFor(fd int) Callback {
	return func(_ int, _ Kind) {
		r.mu.Lock()
		w, ok := r.watches[fd]
		if ok {
			delete(r.watches, fd)
			unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		}
		r.mu.Unlock()

		if ok {
			w.cb(fd, Timeout)
		}
	}
}

func (r *epollReactor) Pump(mode Mode) error {
	r.mu.Lock()
	timeoutMS := 0
	if mode == Once {
		timeoutMS = -1
		if d, ok := nextDeadline(r.timers); ok {
			wait := d.Sub(r.clock.Now())
			if wait < 0 {
				wait = 0
			}
			// Round up so the wait never ends before the deadline.
			timeoutMS = int((wait + time.Millisecond - 1) / time.Millisecond)
		}
	}
	r.mu.Unlock()

	var events [64]unix.EpollEvent
	n, err := unix.EpollWait(r.epfd, events[:], timeoutMS)
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("epoll_wait: %w", err)
	}

	var fired []*epollWatch
	r.mu.Lock()
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		w, ok := r.watches[fd]
		if !ok {
			continue
		}
		delete(r.watches, fd)
		unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		fired = append(fired, w)
	}
	expired := popExpired(&r.timers, r.clock.Now())
	r.mu.Unlock()

	for _, w := range fired {
		w.cb(w.fd, w.kind)
	}
	for _, e := range expired {
		e.cb(e.fd, Timeout)
	}

	return nil
}

func (r *epollReactor) Close() error {
	return unix.Close(r.epfd)
}
