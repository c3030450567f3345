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

import "sort"

// registry is the authoritative id->entry and name->id mapping
// (spec.md §4.1). It is touched only by the Supervisor's inbox
// worker; there is deliberately no lock here (spec.md §5's
// serialisation invariant is enforced by having exactly one goroutine
// ever call these methods).
type registry struct {
	byID   map[int64]*ServiceEntry
	byName map[string]int64
	nextID int64
}

func newRegistry() *registry {
	return &registry{
		byID:   make(map[int64]*ServiceEntry),
		byName: make(map[string]int64),
	}
}

func (r *registry) allocID() int64 {
	r.nextID++
	return r.nextID
}

func (r *registry) add(e *ServiceEntry) {
	r.byID[e.ID] = e
	r.byName[e.Name] = e.ID
}

func (r *registry) remove(id int64) {
	if e, ok := r.byID[id]; ok {
		delete(r.byName, e.Name)
		delete(r.byID, id)
	}
}

func (r *registry) byNameExact(name string) (*ServiceEntry, bool) {
	id, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	e, ok := r.byID[id]
	return e, ok
}

func (r *registry) byIDExact(id int64) (*ServiceEntry, bool) {
	e, ok := r.byID[id]
	return e, ok
}

// rename updates both the entry and the name index, used by Scale
// when promoting a lone entry into worker 0 of a cluster.
func (r *registry) rename(e *ServiceEntry, newName string) {
	delete(r.byName, e.Name)
	e.Name = newName
	r.byName[e.Name] = e.ID
}

// allSorted returns every entry ordered by id, so List/Describe
// snapshots are deterministic (spec.md §5, "consistent snapshot").
func (r *registry) allSorted() []*ServiceEntry {
	out := make([]*ServiceEntry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
