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

package obslog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerFeedsRing(t *testing.T) {
	logger, ring := New(Options{
		FilePath:  filepath.Join(t.TempDir(), "bm2d.log"),
		RingLines: 10,
	})
	defer logger.Sync()

	logger.Info("hello from the daemon")
	logger.Warn("second line")

	tail := ring.Tail(10)
	require.Len(t, tail, 2)
	assert.Contains(t, tail[0], "hello from the daemon")
	assert.Contains(t, tail[1], "second line")
}

func TestRingWrapsAtCapacity(t *testing.T) {
	r := newRing(3)
	r.push("a")
	r.push("b")
	r.push("c")
	r.push("d")

	assert.Equal(t, []string{"b", "c", "d"}, r.Tail(10))
}
