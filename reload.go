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

import "time"

// doReload implements spec.md §4.8's rolling reload: each matched
// entry is reloaded in turn, one old child torn down only after its
// replacement is confirmed up, with a pause between entries so a
// load balancer's connection draining keeps up. It runs on the inbox
// worker like every other request; Ping bypasses the inbox entirely
// so liveness checks stay responsive while a reload is in flight.
//
// A failure reloading one entry aborts the remainder, which are left
// exactly as found (spec.md §4.8 step 2's failure path). The loop also
// stops between entries once s.closed is closed; Shutdown closes it
// only after its own Delete("all") has been served, which queues
// behind a reload in flight, so such a reload runs to completion.
func (s *Supervisor) doReload(target string) ([]*ServiceEntry, error) {
	entries := s.reg.resolveTarget(target)
	out := make([]*ServiceEntry, 0, len(entries))

	for i, e := range entries {
		select {
		case <-s.closed:
			return out, nil
		default:
		}

		if err := s.reloadEntry(e); err != nil {
			return out, err
		}
		out = append(out, e.clone())

		if i < len(entries)-1 {
			time.Sleep(e.Spec.reloadDelay())
		}
	}
	return out, nil
}

// reloadEntry spawns e's replacement child, waits for it to become
// ready, and only then tears down the child it replaces. An entry
// with no running child simply launches (there is nothing to roll
// over).
func (s *Supervisor) reloadEntry(e *ServiceEntry) error {
	if !e.hasChild() {
		s.launch(e)
		if e.State == StateErrored {
			return errSpawnFailed(e.Name, nil)
		}
		return nil
	}

	old := e.child
	oldTreeKill := e.Spec.treeKill()
	oldKillTimeout := e.Spec.killTimeout()

	s.launch(e)
	if e.State == StateErrored {
		// Step 2 failed: the original spec.md §4.8 "abort, old keeps
		// serving" path. The old child is already referenced nowhere
		// but itself: put it back so it keeps being the entry's child.
		e.child = old
		e.PID = old.Pid()
		e.State = StateOnline
		return errSpawnFailed(e.Name, nil)
	}

	s.awaitReady(e)

	old.terminate(oldTreeKill, oldKillTimeout)
	return nil
}

// awaitReady blocks until e's new child is considered up: a flat wait
// when wait_ready isn't set, or up to listen_timeout when it is (no
// child readiness protocol exists yet to poll, so the full window is
// spent conservatively rather than guessed short).
func (s *Supervisor) awaitReady(e *ServiceEntry) {
	if !e.Spec.WaitReady {
		time.Sleep(e.Spec.reloadDelay())
		return
	}
	d := e.Spec.listenTimeout()
	if d <= 0 {
		d = e.Spec.reloadDelay()
	}
	time.Sleep(d)
}
