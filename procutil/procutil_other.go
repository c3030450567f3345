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

//go:build !linux

package procutil

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Sample shells out to ps for RSS and CPU%, since BSD/macOS expose no
// /proc filesystem (spec.md §4.3's documented fallback path). Open fd
// count is left at zero: there is no portable, dependency-free way to
// get it without cgo or an OS-specific syscall table.
func (s *Sampler) Sample(pid int) (Sample, error) {
	out, err := exec.Command("ps", "-o", "rss=,pcpu=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return Sample{}, fmt.Errorf("procutil: ps failed for pid %d: %w", pid, err)
	}
	fields := strings.Fields(string(out))
	if len(fields) < 2 {
		return Sample{}, fmt.Errorf("procutil: unexpected ps output %q for pid %d", out, pid)
	}
	rssKB, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("procutil: bad rss from ps: %w", err)
	}
	cpuPct, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Sample{}, fmt.Errorf("procutil: bad pcpu from ps: %w", err)
	}
	s.prev[pid] = prevCPU{at: time.Now()} // keep history shape uniform with the Linux sampler

	return Sample{RSSBytes: rssKB * 1024, CPUPct: cpuPct}, nil
}

// SystemMemory returns zeroes outside Linux: the vm_stat/sysctl output
// that would supply these figures varies too much across BSD/macOS to
// parse uniformly, so the Prometheus system gauges are Linux-only.
func SystemMemory() (totalBytes, freeBytes int64, err error) {
	return 0, 0, nil
}

// LoadAverage is left unimplemented outside Linux for the same reason
// as SystemMemory.
func LoadAverage() (one, five, fifteen float64, err error) {
	return 0, 0, 0, nil
}

// descendants shells out to pgrep -P, since macOS and the BSDs have no
// /proc/<pid>/task/*/children to walk.
func descendants(pid int) []int {
	var out []int
	queue := []int{pid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		b, err := exec.Command("pgrep", "-P", strconv.Itoa(cur)).Output()
		if err != nil {
			continue // pgrep exits non-zero when a process has no children
		}
		for _, line := range strings.Fields(string(b)) {
			cpid, err := strconv.Atoi(line)
			if err != nil {
				continue
			}
			out = append(out, cpid)
			queue = append(queue, cpid)
		}
	}
	return out
}
