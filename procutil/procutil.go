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

// Package procutil provides OS-level process introspection and
// termination: resource sampling (RSS, CPU%, open file descriptors)
// and whole-process-tree signalling, per spec.md §4.1 and §4.3.
package procutil

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

// Sample is a single resource observation for a PID.
type Sample struct {
	RSSBytes int64
	CPUPct   float64
	OpenFDs  int
}

// prevCPU tracks the last utime+stime observed for a PID so CPU% can be
// derived from the delta, as spec.md §4.3 specifies.
type prevCPU struct {
	ticks int64
	at    time.Time
}

// Sampler keeps the per-PID state needed to compute CPU% deltas across
// calls to Sample.
type Sampler struct {
	prev map[int]prevCPU
}

// NewSampler returns a Sampler with empty history.
func NewSampler() *Sampler {
	return &Sampler{prev: make(map[int]prevCPU)}
}

// Forget drops any history kept for pid, called when a service's child
// exits so a later, unrelated process reusing the same pid doesn't
// inherit a stale CPU baseline.
func (s *Sampler) Forget(pid int) {
	delete(s.prev, pid)
}

// Signal sends sig to the direct child only.
func Signal(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// Kill sends SIGKILL directly to pid.
func Kill(pid int) error {
	return Signal(pid, syscall.SIGKILL)
}

// TreeKill enumerates the process tree rooted at pid and sends sig to
// every member, leaves first (the breadth-first walk reversed, so
// children go before their parent), per spec.md §4.1. When treekill is false the caller should
// use Signal directly instead of this function.
func TreeKill(pid int, sig syscall.Signal) error {
	tree := descendants(pid)
	tree = append(tree, pid)
	// Reverse so leaves (found deepest / last in the BFS-ish walk) are
	// signalled first and the root goes last.
	var errs []error
	for i := len(tree) - 1; i >= 0; i-- {
		if err := Signal(tree[i], sig); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("treekill: %v", errs[0])
	}
	return nil
}
