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

// The echo command spawns two tasks sharing a pipe: a writer that sends a
// handful of lines and a reader that echoes each to stdout as it arrives,
// demonstrating that both run cooperatively off a single dispatch loop.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/kschndr/greenrt"
)

func main() {
	r, w, err := os.Pipe()
	if err != nil {
		fmt.Fprintln(os.Stderr, "pipe:", err)
		os.Exit(1)
	}
	// os.Pipe's Files close these fds once collected, so r and w are kept
	// reachable (see the KeepAlive calls after Run) while greenrt.File uses
	// the fds.

	sched := greenrt.NewScheduler(greenrt.Config{})

	reader, err := sched.AdoptFD(int(r.Fd()), "pipe-reader")
	if err != nil {
		fmt.Fprintln(os.Stderr, "adopt reader:", err)
		os.Exit(1)
	}
	writer, err := sched.AdoptFD(int(w.Fd()), "pipe-writer")
	if err != nil {
		fmt.Fprintln(os.Stderr, "adopt writer:", err)
		os.Exit(1)
	}

	lines := []string{"foo", "bar", "baz"}

	sched.Spawn(func() {
		for _, line := range lines {
			if err := writer.Write(line, "\n"); err != nil {
				panic(err)
			}
			if err := writer.Flush(); err != nil {
				panic(err)
			}
		}
		writer.Close()
	}, "writer")

	sched.Spawn(func() {
		next := reader.Lines()
		for {
			line, ok := next()
			if !ok {
				break
			}
			fmt.Println("echo:", line)
		}
		reader.Close()
	}, "reader")

	sched.Run()
	runtime.KeepAlive(r)
	runtime.KeepAlive(w)
}
