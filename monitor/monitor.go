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

// Package monitor implements the supervision engine's periodic
// resource sampler (spec.md §4.3): a single ticking task that samples
// RSS, CPU%, and open-fd count for every live PID, and a bounded
// time-ordered ring of the results.
//
// Monitor deliberately knows nothing about ServiceEntry or the
// registry; it asks its owner for the current (id, pid) set at the
// start of every tick and reports samples back by id, mirroring
// govisor's manager.go monitor() loop but replacing its direct
// s.checkService() call with an explicit callback boundary so
// sampling never runs on the registry's single-writer goroutine.
package monitor

import (
	"sync"
	"time"

	"github.com/bun-bm2/bm2/procutil"
)

// Target is one live entry the Monitor should sample this tick.
type Target struct {
	ID        int64
	PID       int
	MemoryCap int64
}

// Sample is one entry's resource observation, tagged with its id.
type Sample struct {
	ID int64
	procutil.Sample
	Exceeded bool
}

// Snapshot is every entry's sample for a single tick.
type Snapshot struct {
	At      time.Time
	Samples []Sample
}

const maxRingLen = 3600 // one hour at 1 Hz, per spec.md §4.3

// Monitor periodically samples a caller-supplied target list and
// retains up to one hour of snapshots.
type Monitor struct {
	interval time.Duration
	targets  func() []Target
	onTick   func(Snapshot)

	sampler *procutil.Sampler

	mu   sync.Mutex
	ring []Snapshot

	stop chan struct{}
	done chan struct{}
}

// New creates a Monitor that calls targets() at the start of every
// tick to learn what to sample, and onTick(snapshot) after sampling
// completes. onTick is called from the Monitor's own goroutine; the
// caller is responsible for getting back onto its own serialised
// execution context (e.g. by posting an event).
func New(interval time.Duration, targets func() []Target, onTick func(Snapshot)) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{
		interval: interval,
		targets:  targets,
		onTick:   onTick,
		sampler:  procutil.NewSampler(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks ticking until Stop is called. Callers should invoke it in
// its own goroutine.
func (m *Monitor) Run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	targets := m.targets()
	snap := Snapshot{At: time.Now(), Samples: make([]Sample, 0, len(targets))}
	for _, t := range targets {
		s, err := m.sampler.Sample(t.PID)
		if err != nil {
			// Racing with exit is expected and non-fatal (spec.md §7).
			m.sampler.Forget(t.PID)
			continue
		}
		exceeded := t.MemoryCap > 0 && s.RSSBytes > t.MemoryCap
		snap.Samples = append(snap.Samples, Sample{ID: t.ID, Sample: s, Exceeded: exceeded})
	}

	m.mu.Lock()
	m.ring = append(m.ring, snap)
	if len(m.ring) > maxRingLen {
		m.ring = m.ring[len(m.ring)-maxRingLen:]
	}
	m.mu.Unlock()

	m.onTick(snap)
}

// Stop halts the ticking goroutine and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

// Forget drops any CPU-delta history kept for pid, called when an
// entry's child exits.
func (m *Monitor) Forget(pid int) {
	m.sampler.Forget(pid)
}

// History returns every retained snapshot within the last `window`.
// A non-positive window returns the full ring (up to one hour).
func (m *Monitor) History(window time.Duration) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if window <= 0 {
		out := make([]Snapshot, len(m.ring))
		copy(out, m.ring)
		return out
	}
	cutoff := time.Now().Add(-window)
	var out []Snapshot
	for _, s := range m.ring {
		if s.At.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Latest returns the most recent snapshot, if any.
func (m *Monitor) Latest() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ring) == 0 {
		return Snapshot{}, false
	}
	return m.ring[len(m.ring)-1], true
}
