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

package bufpool

import "testing"

func TestGetReturnsBufSizeSlice(t *testing.T) {
	p := New(4)
	b := p.Get()
	if len(b) != BufSize {
		t.Fatalf("len(Get()) = %d, want %d", len(b), BufSize)
	}
}

func TestPutThenGetReusesBuffer(t *testing.T) {
	p := New(4)
	b := p.Get()
	b[0] = 0x42
	p.Put(b)

	got := p.Get()
	if got[0] != 0x42 {
		t.Fatalf("Get() after Put() did not return the recycled buffer")
	}
}

func TestPutRespectsCapacity(t *testing.T) {
	p := New(1)
	p.Put(make([]byte, BufSize))
	p.Put(make([]byte, BufSize))

	// Drain and count: capacity 1 means at most one buffer should have been
	// retained.
	count := 0
	for {
		b := p.Get()
		_ = b
		count++
		if count > 1 {
			break
		}
		// Once the pool is empty Get() synthesizes a fresh buffer rather
		// than blocking or erroring, so we can't distinguish "recycled" from
		// "fresh" just by calling Get() again; instead check the internal
		// free list length directly.
		break
	}
	// The one Get above took a retained buffer, so with capacity 1 the free
	// list must now be empty.
	if len(p.buf) != 0 {
		t.Fatalf("pool retained %d buffers, capacity was 1", len(p.buf)+1)
	}
}

func TestPutIgnoresUndersizedBuffers(t *testing.T) {
	p := New(4)
	p.Put(make([]byte, BufSize/2))
	if len(p.buf) != 0 {
		t.Fatalf("Put accepted an undersized buffer")
	}
}

func TestGetOnEmptyPoolAllocates(t *testing.T) {
	p := New(0)
	b := p.Get()
	if len(b) != BufSize {
		t.Fatalf("len(Get()) = %d, want %d", len(b), BufSize)
	}
	p.Put(b)
	if len(p.buf) != 0 {
		t.Fatalf("a zero-capacity pool retained a buffer")
	}
}
