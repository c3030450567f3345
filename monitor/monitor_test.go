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

package monitor

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorTicksAndRecordsSnapshot(t *testing.T) {
	var mu sync.Mutex
	var got []Snapshot

	m := New(20*time.Millisecond, func() []Target {
		return []Target{{ID: 1, PID: os.Getpid()}}
	}, func(s Snapshot) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	go m.Run()
	time.Sleep(80 * time.Millisecond)
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)
	assert.Equal(t, int64(1), got[0].Samples[0].ID)
	assert.Greater(t, got[0].Samples[0].RSSBytes, int64(0))
}

func TestMonitorFlagsMemoryExceeded(t *testing.T) {
	done := make(chan Snapshot, 1)
	m := New(10*time.Millisecond, func() []Target {
		return []Target{{ID: 7, PID: os.Getpid(), MemoryCap: 1}} // 1 byte cap, always exceeded
	}, func(s Snapshot) {
		select {
		case done <- s:
		default:
		}
	})
	go m.Run()
	defer m.Stop()

	select {
	case s := <-done:
		require.Len(t, s.Samples, 1)
		assert.True(t, s.Samples[0].Exceeded)
	case <-time.After(time.Second):
		t.Fatal("monitor did not tick in time")
	}
}

func TestHistoryWindowFilters(t *testing.T) {
	m := New(time.Hour, func() []Target { return nil }, func(Snapshot) {})
	now := time.Now()
	m.ring = []Snapshot{
		{At: now.Add(-2 * time.Hour)},
		{At: now.Add(-10 * time.Second)},
	}
	recent := m.History(time.Minute)
	assert.Len(t, recent, 1)

	all := m.History(0)
	assert.Len(t, all, 2)
}
