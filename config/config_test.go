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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("", "/home/op/.bm2")
	require.NoError(t, err)
	assert.Equal(t, "/home/op/.bm2/daemon.sock", cfg.SocketPath)
	assert.Equal(t, 1000, cfg.Monitor.IntervalMS)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bm2.yaml")
	require.NoError(t, os.WriteFile(path, []byte("monitor:\n  interval_ms: 250\nlogging:\n  level: debug\n"), 0o644))

	cfg, err := Load(path, "/home/op/.bm2")
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.Monitor.IntervalMS)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadEcosystemBareList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ecosystem.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- name: api\n  script: ./server.js\n"), 0o644))

	specs, err := LoadEcosystem(path)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "api", specs[0].Name)
}

func TestLoadEcosystemAppsForm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ecosystem.yaml")
	require.NoError(t, os.WriteFile(path, []byte("apps:\n  - name: api\n    script: ./server.js\n  - name: worker\n    script: ./worker.js\n"), 0o644))

	specs, err := LoadEcosystem(path)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "worker", specs[1].Name)
}
