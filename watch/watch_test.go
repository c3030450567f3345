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

package watch

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherFiresOnFileWrite(t *testing.T) {
	dir := t.TempDir()

	var fired int32
	w, err := New([]string{dir}, nil, 30*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})
	require.NoError(t, err)
	go w.Run()
	defer w.Stop()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "touched.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestWatcherIgnoresConfiguredPaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "node_modules"), 0o755))

	var fired int32
	w, err := New([]string{dir}, nil, 30*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})
	require.NoError(t, err)
	go w.Run()
	defer w.Stop()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "x.txt"), []byte("x"), 0o644))
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&fired))
}
