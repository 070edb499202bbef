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

package waitindex

import "testing"

func TestParkUnparkIsLIFO(t *testing.T) {
	idx := New[string]()

	idx.Park("a", Read, 3)
	idx.Park("b", Read, 3)
	idx.Park("c", Read, 3)

	if got := idx.UnparkOne(Read, 3); got != "c" {
		t.Fatalf("first UnparkOne = %q, want c", got)
	}
	if got := idx.UnparkOne(Read, 3); got != "b" {
		t.Fatalf("second UnparkOne = %q, want b", got)
	}
	if got := idx.UnparkOne(Read, 3); got != "a" {
		t.Fatalf("third UnparkOne = %q, want a", got)
	}
}

func TestIdleIsFIFO(t *testing.T) {
	idx := New[string]()

	idx.Park("a", Idle, 0)
	idx.Park("b", Idle, 0)
	idx.Park("c", Idle, 0)

	for _, want := range []string{"a", "b", "c"} {
		got, ok := idx.TakeIdle()
		if !ok || got != want {
			t.Fatalf("TakeIdle = (%q, %v), want (%q, true)", got, ok, want)
		}
	}

	if _, ok := idx.TakeIdle(); ok {
		t.Fatalf("TakeIdle on empty queue returned ok=true")
	}
}

func TestDistinctFDsDoNotCrossTalk(t *testing.T) {
	idx := New[string]()

	idx.Park("read-on-4", Read, 4)
	idx.Park("write-on-4", Write, 4)
	idx.Park("read-on-5", Read, 5)

	if got := idx.UnparkOne(Read, 5); got != "read-on-5" {
		t.Fatalf("UnparkOne(Read, 5) = %q", got)
	}
	if got := idx.UnparkOne(Write, 4); got != "write-on-4" {
		t.Fatalf("UnparkOne(Write, 4) = %q", got)
	}
	if got := idx.UnparkOne(Read, 4); got != "read-on-4" {
		t.Fatalf("UnparkOne(Read, 4) = %q", got)
	}
}

func TestRemoveFDDropsOnlyThatDescriptor(t *testing.T) {
	idx := New[string]()

	idx.Park("keep", Read, 9)
	idx.Park("drop-read", Read, 4)
	idx.Park("drop-write", Write, 4)
	idx.Park("drop-timeout", Timeout, 4)

	removed := idx.RemoveFD(4)
	if len(removed) != 3 {
		t.Fatalf("RemoveFD(4) removed %d tasks, want 3", len(removed))
	}

	if !idx.HasWaiter(Read, 9) {
		t.Fatalf("unrelated waiter on fd 9 was dropped")
	}
	if idx.HasWaiter(Read, 4) || idx.HasWaiter(Write, 4) || idx.HasWaiter(Timeout, 4) {
		t.Fatalf("RemoveFD(4) left a waiter behind")
	}
}

func TestRemoveFromIdle(t *testing.T) {
	idx := New[string]()

	idx.Park("a", Idle, 0)
	idx.Park("b", Idle, 0)

	if ok := idx.Remove("a"); !ok {
		t.Fatalf("Remove(a) = false, want true")
	}

	got, ok := idx.TakeIdle()
	if !ok || got != "b" {
		t.Fatalf("TakeIdle after Remove = (%q, %v), want (b, true)", got, ok)
	}
}

func TestLenTracksParkedTasks(t *testing.T) {
	idx := New[string]()

	if idx.Len() != 0 {
		t.Fatalf("Len() on empty index = %d", idx.Len())
	}

	idx.Park("a", Idle, 0)
	idx.Park("b", Read, 1)
	if idx.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", idx.Len())
	}

	idx.UnparkOne(Read, 1)
	if idx.Len() != 1 {
		t.Fatalf("Len() after UnparkOne = %d, want 1", idx.Len())
	}
}

func TestUnparkOneWithNoWaiterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("UnparkOne on an empty stack did not panic")
		}
	}()

	idx := New[string]()
	idx.UnparkOne(Read, 42)
}

func TestParkingTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("parking the same task twice did not panic")
		}
	}()

	idx := New[string]()
	idx.Park("a", Idle, 0)
	idx.Park("a", Read, 1)
}
