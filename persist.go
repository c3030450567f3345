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
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// dumpEntry is one service's durable record in the dump file
// (spec.md §4.10): enough to recreate the entry and preserve its
// restart history across a Resurrect, deliberately nothing about its
// live PID or runtime state.
type dumpEntry struct {
	Name         string       `json:"name"`
	Spec         *ServiceSpec `json:"spec"`
	RestartCount int          `json:"restart_count"`
}

// doSave writes every current entry's spec and restart count to
// dumpPath as a JSON array, replacing any previous dump atomically via
// a rename. If backup is enabled the upload runs in its own goroutine
// so a slow or unreachable bucket never blocks the inbox worker.
func (s *Supervisor) doSave() error {
	entries := s.reg.allSorted()
	dump := make([]dumpEntry, 0, len(entries))
	for _, e := range entries {
		dump = append(dump, dumpEntry{Name: e.Name, Spec: e.Spec, RestartCount: e.RestartCount})
	}

	b, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return errInternal("marshal dump", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.dumpPath), 0o755); err != nil {
		return errIOError("create dump dir", err)
	}
	tmp := s.dumpPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errIOError("write dump", err)
	}
	if err := os.Rename(tmp, s.dumpPath); err != nil {
		return errIOError("rename dump into place", err)
	}

	if s.backup.Enabled {
		path := s.dumpPath
		cfg := s.backup
		logger := s.logger
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := uploadBackup(ctx, cfg, path); err != nil && logger != nil {
				logger.Warn("backup upload failed", zap.Error(err))
			}
		}()
	}

	return nil
}

// doResurrect reads the dump file and starts every entry it describes
// that isn't already present, restoring each restart count directly
// on the created registry entry (not merely on the value the caller
// receives back). Per-worker clones created by doStart's cluster
// expansion already have Instances forced to "1", so resurrecting a
// previously-scaled cluster's dumped workers never re-multiplies them.
func (s *Supervisor) doResurrect() ([]*ServiceEntry, error) {
	b, err := os.ReadFile(s.dumpPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errIOError("read dump", err)
	}

	var dump []dumpEntry
	if err := json.Unmarshal(b, &dump); err != nil {
		return nil, errIOError("unmarshal dump", pkgerrors.Wrap(err, "persist"))
	}

	var out []*ServiceEntry
	for _, d := range dump {
		if _, exists := s.reg.byNameExact(d.Name); exists {
			continue
		}
		created, err := s.doStart([]*ServiceSpec{d.Spec})
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("resurrect: start failed", zap.String("name", d.Name), zap.Error(err))
			}
			continue
		}
		for _, e := range created {
			if real, ok := s.reg.byIDExact(e.ID); ok {
				real.RestartCount = d.RestartCount
			}
		}
		out = append(out, created...)
	}
	return out, nil
}
