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
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shSpec builds a ServiceSpec that runs script under /bin/sh -c,
// sidestepping resolveCommand's node/python3 defaulting so these tests
// don't depend on either interpreter being on the host.
func shSpec(name, script string) *ServiceSpec {
	return &ServiceSpec{
		Name:        name,
		Interpreter: "/bin/sh",
		Script:      "-c",
		Args:        []string{script},
		Autorestart: true,
	}
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	s := NewSupervisor(dir+"/logs", dir+"/pids", dir+"/dump.json", 20*time.Millisecond, BackupConfig{}, nil)
	go s.Run()
	t.Cleanup(s.Shutdown)
	return s
}

func awaitState(t *testing.T, s *Supervisor, name string, want State, within time.Duration) *ServiceEntry {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		entries, err := s.Describe(name)
		if err == nil && len(entries) == 1 && entries[0].State == want {
			return entries[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s did not reach state %s within %s", name, want, within)
	return nil
}

// Scenario 1 (spec.md §8): a service that exits immediately runs out
// of restart attempts and lands in errored with restart_count and
// unstable_restarts both equal to max_restarts.
func TestScenarioCrashRestartLoopExhaustsAndErrors(t *testing.T) {
	s := newTestSupervisor(t)

	spec := shSpec("crasher", "exit 1")
	spec.MaxRestarts = 3
	spec.MinUptimeMS = 10000
	spec.RestartDelay = 100

	_, err := s.Start(spec)
	require.NoError(t, err)

	e := awaitState(t, s, "crasher", StateErrored, 2*time.Second)
	assert.Equal(t, 3, e.RestartCount)
	assert.Equal(t, 3, e.UnstableRestarts)
}

// Scenario 5 (spec.md §8): scaling a fork-mode service up creates
// numbered peer workers, and scaling back down removes the
// highest-indexed ones first.
func TestScenarioScaleUpThenDown(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Start(shSpec("api", "sleep 30"))
	require.NoError(t, err)

	up, err := s.Scale("api", 4)
	require.NoError(t, err)
	assert.Len(t, up, 4)

	names := map[string]bool{}
	for _, e := range s.List() {
		names[e.Name] = true
	}
	for i := 0; i < 4; i++ {
		assert.Contains(t, names, namedWorker("api", i))
	}

	down, err := s.Scale("api", 2)
	require.NoError(t, err)
	assert.Len(t, down, 2)

	names = map[string]bool{}
	for _, e := range s.List() {
		names[e.Name] = true
	}
	assert.Contains(t, names, namedWorker("api", 0))
	assert.Contains(t, names, namedWorker("api", 1))
	assert.NotContains(t, names, namedWorker("api", 2))
	assert.NotContains(t, names, namedWorker("api", 3))
}

func namedWorker(base string, idx int) string {
	return base + "-" + strconv.Itoa(idx)
}

// Scenario 6 (spec.md §8): Save followed by a fresh Supervisor's
// Resurrect recreates every saved entry (names and specs match; ids
// may differ) and restores its restart count.
func TestScenarioSaveAndResurrectAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	s1 := NewSupervisor(dir+"/logs", dir+"/pids", dir+"/dump.json", 20*time.Millisecond, BackupConfig{}, nil)
	go s1.Run()

	spec := shSpec("web", "sleep 30")
	spec.MaxRestarts = 7
	_, err := s1.Start(spec)
	require.NoError(t, err)
	awaitState(t, s1, "web", StateOnline, time.Second)

	require.NoError(t, s1.Save())
	s1.Shutdown()

	s2 := NewSupervisor(dir+"/logs", dir+"/pids", dir+"/dump.json", 20*time.Millisecond, BackupConfig{}, nil)
	go s2.Run()
	t.Cleanup(s2.Shutdown)

	_, err = s2.Resurrect()
	require.NoError(t, err)

	awaitState(t, s2, "web", StateOnline, time.Second)
	resumed, err := s2.Describe("web")
	require.NoError(t, err)
	require.Len(t, resumed, 1)
	assert.Equal(t, "web", resumed[0].Spec.Name)
}

// Scenario 2 (spec.md §8), narrowed to a single entry: once Reload
// returns, the entry is online with a fresh child (a different PID).
func TestScenarioReloadReplacesChildWithoutDowntime(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Start(shSpec("svc", "sleep 30"))
	require.NoError(t, err)
	before := awaitState(t, s, "svc", StateOnline, time.Second)

	_, err = s.Reload("svc")
	require.NoError(t, err)

	after := awaitState(t, s, "svc", StateOnline, time.Second)
	assert.NotEqual(t, before.PID, after.PID)
}
