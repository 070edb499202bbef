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

// The timeoutdemo command spawns three tasks that each sleep a different
// duration via YieldTimeout and print when they wake, showing that wakeups
// land in deadline order regardless of spawn order.
package main

import (
	"fmt"
	"time"

	"github.com/kschndr/greenrt"
)

func main() {
	sched := greenrt.NewScheduler(greenrt.Config{})

	sleep := func(label string, d time.Duration) {
		sched.Spawn(func() {
			sched.YieldTimeout(d)
			fmt.Printf("%s woke after %s\n", label, d)
		}, label)
	}

	sleep("slow", 30*time.Millisecond)
	sleep("fast", 5*time.Millisecond)
	sleep("medium", 15*time.Millisecond)

	sched.Run()
}
