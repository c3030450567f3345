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

import "encoding/json"

// ProcessState is the wire shape of a ServiceEntry returned over IPC
// (spec.md §6.1). The field names pm_id, monit and bm2_env are part of
// the contract with existing clients and dashboards, not a naming
// choice this package is free to make differently.
type ProcessState struct {
	ID        int64                  `json:"id"`
	Name      string                 `json:"name"`
	Namespace string                 `json:"namespace,omitempty"`
	Status    State                  `json:"status"`
	PID       int                    `json:"pid,omitempty"`
	PM2ID     int64                  `json:"pm_id"`
	Monit     processMonit           `json:"monit"`
	Env       map[string]interface{} `json:"bm2_env"`
}

type processMonit struct {
	Memory  int64   `json:"memory"`
	CPU     float64 `json:"cpu"`
	Handles int     `json:"handles,omitempty"`
}

// ProcessState converts e into its wire representation. bm2_env starts
// from the entry's spec (marshaled through its own json tags) and adds
// the runtime fields clients expect alongside it.
func (e *ServiceEntry) ProcessState() ProcessState {
	env := map[string]interface{}{}
	if b, err := json.Marshal(e.Spec); err == nil {
		_ = json.Unmarshal(b, &env)
	}
	env["status"] = e.State
	env["pm_uptime"] = e.StartedAt
	env["restart_time"] = e.RestartCount
	env["unstable_restarts"] = e.UnstableRestarts
	env["created_at"] = e.CreatedAt
	env["pm_id"] = e.ID

	return ProcessState{
		ID:        e.ID,
		Name:      e.Name,
		Namespace: e.Namespace,
		Status:    e.State,
		PID:       e.PID,
		PM2ID:     e.ID,
		Monit: processMonit{
			Memory:  e.Sample.RSSBytes,
			CPU:     e.Sample.CPUPct,
			Handles: e.Sample.OpenFDs,
		},
		Env: env,
	}
}

// ProcessStates converts a slice of entries to their wire shape,
// the form every IPC handler that returns ServiceEntry data sends.
func ProcessStates(entries []*ServiceEntry) []ProcessState {
	out := make([]ProcessState, len(entries))
	for i, e := range entries {
		out[i] = e.ProcessState()
	}
	return out
}
