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
	"sync"

	"golang.org/x/sys/unix"
)

var (
	defaultOnce  sync.Once
	defaultSched *Scheduler

	// Stdin, Stdout, Stderr are non-blocking wrappers around the process's
	// standard streams, set up the first time Default is touched.
	Stdin  *File
	Stdout *File
	Stderr *File

	curInput  *File
	curOutput *File
)

// Default returns the process-wide Scheduler backing the package-level
// Spawn, Yield, Read, Write, Flush, Lines, Input and Output helpers. It is
// built, and Stdin/Stdout/Stderr bootstrapped, on first use.
func Default() *Scheduler {
	defaultOnce.Do(func() {
		defaultSched = NewScheduler(Config{})
		bootstrapStdio(defaultSched)
	})
	return defaultSched
}

func bootstrapStdio(s *Scheduler) {
	var err error
	if Stdin, err = s.AdoptFD(unix.Stdin, "/dev/stdin"); err != nil {
		panicf("greenrt: bootstrap stdin: %v", err)
	}
	if Stdout, err = s.AdoptFD(unix.Stdout, "/dev/stdout"); err != nil {
		panicf("greenrt: bootstrap stdout: %v", err)
	}
	if Stderr, err = s.AdoptFD(unix.Stderr, "/dev/stderr"); err != nil {
		panicf("greenrt: bootstrap stderr: %v", err)
	}

	Stdout.vbufMode = "line"
	Stderr.vbufMode = "no"

	curInput = Stdin
	curOutput = Stdout
}

// Spawn runs fn as a new task on the default Scheduler.
func Spawn(fn func()) { Default().Spawn(fn, "") }

// Yield gives up the caller's turn on the default Scheduler.
func Yield() { Default().Yield() }

// Run drives the default Scheduler's dispatch loop until idle.
func Run() { Default().Run() }

// Input returns the current default input stream when called with nil. A
// string argument opens that path for reading and makes it the default; a
// *File argument makes it the default directly.
func Input(f interface{}) *File {
	Default()
	switch v := f.(type) {
	case nil:
		return curInput
	case string:
		opened, err := Open(v, "r")
		if err != nil {
			panicf("greenrt: input(%q): %v", v, err)
		}
		curInput = opened
	case *File:
		curInput = v
	default:
		panicf("greenrt: input: unsupported argument %T", f)
	}
	return curInput
}

// Output is Input's counterpart for the default output stream; a string
// argument opens that path for writing ("w").
func Output(f interface{}) *File {
	Default()
	switch v := f.(type) {
	case nil:
		return curOutput
	case string:
		opened, err := Open(v, "w")
		if err != nil {
			panicf("greenrt: output(%q): %v", v, err)
		}
		curOutput = opened
	case *File:
		curOutput = v
	default:
		panicf("greenrt: output: unsupported argument %T", f)
	}
	return curOutput
}

// Read reads from the current default input stream. See File.Read.
func Read(specs ...interface{}) ([]interface{}, error) {
	Default()
	return curInput.Read(specs...)
}

// Write writes to the current default output stream. See File.Write.
func Write(items ...interface{}) error {
	Default()
	return curOutput.Write(items...)
}

// Flush flushes the current default output stream.
func Flush() error {
	Default()
	return curOutput.Flush()
}

// Lines iterates the current default input stream. See File.Lines.
func Lines() func() (string, bool) {
	Default()
	return curInput.Lines()
}
