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

//go:build linux

package procutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const clockTicksPerSec = 100 // USER_HZ (sysconf(_SC_CLK_TCK)) on nearly every Linux build

// Sample reads RSS, CPU%, and open-fd count for pid directly from
// /proc, avoiding a fork-per-sample `ps` invocation at 1 Hz x N
// services (spec.md §9).
func (s *Sampler) Sample(pid int) (Sample, error) {
	rss, err := readRSS(pid)
	if err != nil {
		return Sample{}, err
	}
	ticks, err := readCPUTicks(pid)
	if err != nil {
		return Sample{}, err
	}

	now := time.Now()
	var cpuPct float64
	if prev, ok := s.prev[pid]; ok {
		elapsed := now.Sub(prev.at).Seconds()
		if elapsed > 0 {
			deltaTicks := float64(ticks - prev.ticks)
			cpuPct = (deltaTicks / clockTicksPerSec) / elapsed * 100
			if cpuPct < 0 {
				cpuPct = 0
			}
		}
	}
	s.prev[pid] = prevCPU{ticks: ticks, at: now}

	fds, _ := countFDs(pid) // best-effort; races with exit are not fatal

	return Sample{RSSBytes: rss, CPUPct: cpuPct, OpenFDs: fds}, nil
}

func readRSS(pid int) (int64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "VmRSS:") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			kb, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0, err
			}
			return kb * 1024, nil
		}
	}
	return 0, fmt.Errorf("procutil: VmRSS not found for pid %d", pid)
}

func readCPUTicks(pid int) (int64, error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	// Fields after the parenthesised comm field are space separated;
	// utime is field 14, stime field 15 (1-indexed, per proc(5)).
	close := strings.LastIndexByte(string(b), ')')
	if close < 0 {
		return 0, fmt.Errorf("procutil: malformed stat for pid %d", pid)
	}
	fields := strings.Fields(string(b[close+1:]))
	if len(fields) < 13 {
		return 0, fmt.Errorf("procutil: short stat for pid %d", pid)
	}
	utime, err1 := strconv.ParseInt(fields[11], 10, 64)
	stime, err2 := strconv.ParseInt(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, fmt.Errorf("procutil: bad utime/stime for pid %d", pid)
	}
	return utime + stime, nil
}

func countFDs(pid int) (int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/fd", pid))
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// SystemMemory reads total and available memory from /proc/meminfo,
// for the Prometheus system gauges (spec.md §6.3).
func SystemMemory() (totalBytes, freeBytes int64, err error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		kb, convErr := strconv.ParseInt(fields[1], 10, 64)
		if convErr != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			totalBytes = kb * 1024
		case "MemAvailable":
			freeBytes = kb * 1024
		}
	}
	return totalBytes, freeBytes, nil
}

// LoadAverage reads the three load-average figures from /proc/loadavg.
func LoadAverage() (one, five, fifteen float64, err error) {
	b, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, 0, 0, err
	}
	fields := strings.Fields(string(b))
	if len(fields) < 3 {
		return 0, 0, 0, fmt.Errorf("procutil: malformed /proc/loadavg")
	}
	one, err1 := strconv.ParseFloat(fields[0], 64)
	five, err2 := strconv.ParseFloat(fields[1], 64)
	fifteen, err3 := strconv.ParseFloat(fields[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, fmt.Errorf("procutil: bad /proc/loadavg values")
	}
	return one, five, fifteen, nil
}

// descendants walks /proc/<pid>/task/*/children to find every process
// transitively spawned by pid, per spec.md §4.1's Linux tree-kill path.
func descendants(pid int) []int {
	var out []int
	queue := []int{pid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		taskDir := fmt.Sprintf("/proc/%d/task", cur)
		tasks, err := os.ReadDir(taskDir)
		if err != nil {
			continue
		}
		for _, task := range tasks {
			childrenPath := filepath.Join(taskDir, task.Name(), "children")
			b, err := os.ReadFile(childrenPath)
			if err != nil {
				continue
			}
			for _, f := range strings.Fields(string(b)) {
				cpid, err := strconv.Atoi(f)
				if err != nil {
					continue
				}
				out = append(out, cpid)
				queue = append(queue, cpid)
			}
		}
	}
	return out
}
