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
	"os"
	"path/filepath"
	"testing"
)

// openTempFile writes contents to a fresh temp file and opens it for
// reading on sched, all on the main task -- no Spawn needed since a
// regular file never returns EAGAIN.
func openTempFile(t *testing.T, sched *Scheduler, contents string) *File {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := sched.Open(path, "r")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return f
}

func TestReadLineSplitsOnNewlines(t *testing.T) {
	sched := newTestScheduler(t)
	f := openTempFile(t, sched, "a\nb\nc")
	defer f.Close()

	var got []string
	for {
		line, ok := f.Lines()()
		if !ok {
			break
		}
		got = append(got, line)
	}

	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestReadFixedLength(t *testing.T) {
	sched := newTestScheduler(t)
	f := openTempFile(t, sched, "hello world")
	defer f.Close()

	results, err := f.Read(5)
	if err != nil {
		t.Fatalf("Read(5): %v", err)
	}
	if string(results[0].([]byte)) != "hello" {
		t.Fatalf("Read(5) = %q, want %q", results[0], "hello")
	}
}

func TestReadAllReturnsRemainingBytes(t *testing.T) {
	sched := newTestScheduler(t)
	f := openTempFile(t, sched, "hello world")
	defer f.Close()

	results, err := f.Read(5, "*a")
	if err != nil {
		t.Fatalf("Read(5, *a): %v", err)
	}
	if string(results[1].([]byte)) != " world" {
		t.Fatalf("Read(*a) after Read(5) = %q, want %q", results[1], " world")
	}
}

func TestReadNumberStopsAtDelimiter(t *testing.T) {
	sched := newTestScheduler(t)
	f := openTempFile(t, sched, "42.5 foo")
	defer f.Close()

	results, err := f.Read("*n")
	if err != nil {
		t.Fatalf(`Read("*n"): %v`, err)
	}
	if results[0].(float64) != 42.5 {
		t.Fatalf(`Read("*n") = %v, want 42.5`, results[0])
	}

	line, ok := f.Lines()()
	if !ok || line != " foo" {
		t.Fatalf(`Lines() after "*n" = (%q, %v), want (" foo", true)`, line, ok)
	}
}

func TestOperationsAfterCloseFail(t *testing.T) {
	sched := newTestScheduler(t)
	f := openTempFile(t, sched, "data")

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := f.Read(1); err != errClosedFile {
		t.Fatalf("Read after Close = %v, want errClosedFile", err)
	}
	if err := f.Write("x"); err != errClosedFile {
		t.Fatalf("Write after Close = %v, want errClosedFile", err)
	}
}

func TestWriteLineBufferingFlushesOnNewline(t *testing.T) {
	sched := newTestScheduler(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "out")
	f, err := sched.Open(path, "w")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.SetVBuf("line", 0); err != nil {
		t.Fatalf("SetVBuf: %v", err)
	}

	if err := f.Write("no newline yet"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	unflushed, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(unflushed) != 0 {
		t.Fatalf("line-buffered write flushed before a newline: %q", unflushed)
	}

	if err := f.Write("\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	flushed, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(flushed) != "no newline yet\n" {
		t.Fatalf("got %q after newline, want %q", flushed, "no newline yet\n")
	}

	f.Close()
}

func TestOpenCloseDoesNotLeakDescriptors(t *testing.T) {
	sched := newTestScheduler(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	before, err := openFDCount()
	if err != nil {
		t.Skipf("cannot count open descriptors: %v", err)
	}

	for i := 0; i < 10000; i++ {
		f, err := sched.Open(path, "r")
		if err != nil {
			t.Fatalf("Open iteration %d: %v", i, err)
		}
		if err := f.Close(); err != nil {
			t.Fatalf("Close iteration %d: %v", i, err)
		}
	}

	after, err := openFDCount()
	if err != nil {
		t.Skipf("cannot count open descriptors: %v", err)
	}
	if after != before {
		t.Fatalf("open descriptor count went from %d to %d across 10000 open/close iterations", before, after)
	}
}

// openFDCount counts this process's open file descriptors via /proc, the
// same way a leak-hunting test checks for fd growth across iterations.
func openFDCount() (int, error) {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func TestWriteCloseReopenReadAllRoundTrips(t *testing.T) {
	sched := newTestScheduler(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "roundtrip")
	const want = "the quick brown fox\njumps over the lazy dog\n"

	f, err := sched.Open(path, "w")
	if err != nil {
		t.Fatalf("Open for write: %v", err)
	}
	if err := f.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := sched.Open(path, "r")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	results, err := reopened.Read("*a")
	if err != nil {
		t.Fatalf(`Read("*a"): %v`, err)
	}
	if got := string(results[0].([]byte)); got != want {
		t.Fatalf("round-tripped contents = %q, want %q", got, want)
	}
}

func TestSeekSetZeroRereadsWholeFile(t *testing.T) {
	sched := newTestScheduler(t)
	const contents = "hello world"

	f := openTempFile(t, sched, contents)
	defer f.Close()

	if _, err := f.Read(5); err != nil {
		t.Fatalf("Read(5): %v", err)
	}

	if err := f.Seek("set", 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	afterSeek, err := f.Read("*a")
	if err != nil {
		t.Fatalf(`Read("*a") after Seek: %v`, err)
	}

	fresh := openTempFile(t, sched, contents)
	defer fresh.Close()
	wantResults, err := fresh.Read("*a")
	if err != nil {
		t.Fatalf(`Read("*a") on fresh file: %v`, err)
	}

	got := string(afterSeek[0].([]byte))
	want := string(wantResults[0].([]byte))
	if got != want {
		t.Fatalf("read after Seek(set, 0) = %q, want %q (fresh read-all)", got, want)
	}
}
