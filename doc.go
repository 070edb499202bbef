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

// Package greenrt implements a single-threaded, cooperatively scheduled
// task runtime and a non-blocking file façade on top of it.
//
// The primary elements of interest are:
//
//  *  Scheduler, which owns the wait index, the reactor, and the dispatch
//     loop described in the package's design notes.
//
//  *  File, a non-blocking file descriptor wrapper whose Read, Write, Flush
//     and Seek operations transparently suspend the calling task rather
//     than blocking the process.
//
//  *  Default, the process-wide Scheduler used by the package-level Spawn,
//     Yield, Read, Write, Flush and Lines helpers and by Stdin/Stdout/Stderr.
//
// A task is spawned with Spawn and runs until it returns or calls Yield
// (directly, or indirectly through a File operation that would otherwise
// block). Exactly one task -- or the scheduler loop itself, standing in for
// the caller that invoked Run -- executes at any instant; there is no
// preemption and no parallelism.
package greenrt
