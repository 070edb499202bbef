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

//go:build !linux

package reactor

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"
)

// pollReactor is the fallback Reactor backend for non-Linux Unixes,
// counterpart to epollReactor the way flock_darwin.go counterparts
// flock_linux.go. It multiplexes readiness with poll(2) rather than a
// kernel-held interest set, re-building the pollfd slice on every Pump;
// fine for the handful of descriptors (stdio, a few pipes) this runtime is
// specified to manage.
type pollReactor struct {
	clock timeutil.Clock

	mu      sync.Mutex
	watches map[int]*epollWatch // reuse the same watch struct shape
	timers  timerHeap
}

// NewPoll creates a poll(2)-backed Reactor.
func NewPoll(clock timeutil.Clock) (Reactor, error) {
	return &pollReactor{
		clock:   clock,
		watches: make(map[int]*epollWatch),
	}, nil
}

func (r *pollReactor) WatchOnce(fd int, kind Kind, timeout time.Duration, cb Callback) error {
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

	if kind != Read && kind != Write {
		return fmt.Errorf("reactor: unknown kind %v", kind)
	}

	r.watches[fd] = &epollWatch{fd: fd, kind: kind, cb: cb}

	if timeout > 0 {
		heap.Push(&r.timers, &timerEntry{
			deadline: r.clock.Now().Add(timeout),
			fd:       fd,
			cb:       r.timeoutCallbackFor(fd),
		})
	}

	return nil
}

func (r *pollReactor) timeoutCallbackFor(fd int) Callback {
	return func(_ int, _ Kind) {
		r.mu.Lock()
		w, ok := r.watches[fd]
		if ok {
			delete(r.watches, fd)
		}
		r.mu.Unlock()

		if ok {
			w.cb(fd, Timeout)
		}
	}
}

func (r *pollReactor) Pump(mode Mode) error {
	r.mu.Lock()
	var fds []unix.PollFd
	for fd, w := range r.watches {
		var events int16
		if w.kind == Read {
			events = unix.POLLIN
		} else {
			events = unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
	}

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

	if len(fds) > 0 || timeoutMS != 0 {
		_, err := unix.Poll(fds, timeoutMS)
		if err != nil && err != unix.EINTR {
			return fmt.Errorf("poll: %w", err)
		}
	}

	var fired []*epollWatch
	r.mu.Lock()
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		fd := int(pfd.Fd)
		w, ok := r.watches[fd]
		if !ok {
			continue
		}
		delete(r.watches, fd)
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

func (r *pollReactor) Close() error {
	return nil
}
