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

import "strconv"

// resolveTarget implements spec.md §4.1's target grammar: the literal
// "all", a decimal id, an exact name, a name-prefix ("T" matching
// "T-<i>"), or a namespace. A target matching nothing resolves to an
// empty, non-error result (spec.md §8, testable property 5). Must only
// be called from the inbox worker.
func (r *registry) resolveTarget(target string) []*ServiceEntry {
	if target == "all" {
		return r.allSorted()
	}

	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		if e, ok := r.byID[id]; ok {
			return []*ServiceEntry{e}
		}
		return nil
	}

	var out []*ServiceEntry
	for _, e := range r.allSorted() {
		if e.matchesTarget(target) {
			out = append(out, e)
		}
	}
	return out
}
