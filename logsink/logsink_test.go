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

package logsink

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterFlushesAndTails(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, "svc", 1, Policy{MaxBytes: 1 << 20, Retain: 3})
	require.NoError(t, err)
	defer w.Close()

	w.WriteLine("out", "hello")
	w.WriteLine("out", "world")
	w.Flush()

	out, _, err := w.Tail(10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Contains(t, out[0], "hello")
	assert.Contains(t, out[1], "world")
}

func TestRotationRetainsNAndTruncates(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, "svc", 2, Policy{MaxBytes: 10, Retain: 2})
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 4; i++ {
		w.WriteLine("out", "0123456789") // forces rotation each round
		w.Flush()
		require.NoError(t, w.RotateIfNeeded())
	}

	base := filepath.Join(dir, "svc-2-out.log")
	info, err := os.Stat(base)
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	_, err = os.Stat(base + ".1")
	assert.NoError(t, err)
	_, err = os.Stat(base + ".2")
	assert.NoError(t, err)
	_, err = os.Stat(base + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestRotationCompressesSegment(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, "svc", 3, Policy{MaxBytes: 5, Retain: 1, Compress: true})
	require.NoError(t, err)
	defer w.Close()

	w.WriteLine("out", "0123456789")
	w.Flush()
	require.NoError(t, w.RotateIfNeeded())

	base := filepath.Join(dir, "svc-3-out.log")
	_, err = os.Stat(base + ".1.gz")
	assert.NoError(t, err)
	_, err = os.Stat(base + ".1")
	assert.True(t, os.IsNotExist(err))
}

func TestFlushDebounceEventuallyWrites(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, "svc", 4, Policy{})
	require.NoError(t, err)
	defer w.Close()

	w.WriteLine("err", "boom")
	require.Eventually(t, func() bool {
		_, errLines, _ := w.Tail(1)
		return len(errLines) == 1
	}, time.Second, 10*time.Millisecond)
}
