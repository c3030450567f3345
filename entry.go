// Copyright 2024 The BM2 Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bm2

import (
	"time"

	"github.com/bun-bm2/bm2/procutil"
)

// ServiceEntry is the unit of supervision: one logical service instance
// tracked in the registry. It is only ever mutated by the Supervisor's
// inbox worker (spec.md §3, invariant 6); every other caller must treat
// a returned *ServiceEntry as a read-only snapshot copy.
type ServiceEntry struct {
	ID        int64
	Name      string
	Namespace string
	Spec      *ServiceSpec
	State     State

	child *child

	PID       int
	StartedAt time.Time
	CreatedAt time.Time

	RestartCount     int
	UnstableRestarts int

	// WorkerIndex and ClusterSize are only meaningful when ClusterSize
	// > 1: the entry is one of a named group of peer workers created
	// from a single Start call (spec.md §3, invariant 7).
	WorkerIndex int
	ClusterSize int

	Sample    procutil.Sample
	SampledAt time.Time

	Health          Health
	ConsecutiveFail int

	// ManualStop suppresses the exit-driven restart policy for a stop()
	// or delete() that is already in flight (spec.md §4.1 policy step 1).
	ManualStop bool
	// ManualRestart marks an operator-issued restart() so its stop half
	// doesn't get treated as a manual stop (spec.md §4.1 policy step 5).
	ManualRestart bool

	restartTimer *time.Timer
}

// clone returns a value copy safe to hand to a caller outside the
// inbox worker (List/Describe snapshots, spec.md §5's "copy-out"
// shared-resource policy). The embedded pointers to timers/handles are
// intentionally left as-is: callers must never touch them.
func (e *ServiceEntry) clone() *ServiceEntry {
	cp := *e
	return &cp
}

// hasChild reports the invariant `child != none` (spec.md §3, invariant 2).
func (e *ServiceEntry) hasChild() bool {
	return e.child != nil
}

// matchesTarget implements the exact/prefix/namespace resolution rules
// of spec.md §4.1 for a single non-"all", non-numeric target string.
func (e *ServiceEntry) matchesTarget(target string) bool {
	if e.Name == target {
		return true
	}
	if e.Namespace != "" && e.Namespace == target {
		return true
	}
	prefix := target + "-"
	return len(e.Name) > len(prefix) && e.Name[:len(prefix)] == prefix
}
