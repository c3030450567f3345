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

package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextAgreesWithMatches(t *testing.T) {
	exprs := []string{
		"* * * * *",
		"*/15 * * * *",
		"0 9-17 * * 1-5",
		"30 4 1,15 * *",
	}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, s := range exprs {
		e, err := Parse(s)
		require.NoError(t, err, s)

		for i := 0; i < 24*60; i += 37 {
			from := start.Add(time.Duration(i) * time.Minute)
			next, ok := e.Next(from)
			require.True(t, ok, s)
			assert.True(t, e.Matches(next), "Next() result must satisfy Matches: %s", s)
			assert.True(t, next.After(from))
			for cursor := from.Add(time.Minute); cursor.Before(next); cursor = cursor.Add(time.Minute) {
				assert.False(t, e.Matches(cursor), "Next() skipped an earlier match: %s", s)
			}
		}
	}
}

func TestNextSkipsToFutureMatch(t *testing.T) {
	e, err := Parse("0 0 * * *")
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	next, ok := e.Next(from)
	require.True(t, ok)
	assert.True(t, next.After(from))
	assert.Equal(t, 0, next.Hour())
	assert.Equal(t, 0, next.Minute())
	assert.Equal(t, 2, next.Day())
}

func TestMalformedExpr(t *testing.T) {
	for _, s := range []string{"* * * *", "60 * * * *", "* * * 13 *", "a * * * *"} {
		_, err := Parse(s)
		assert.Error(t, err, s)
	}
}

func TestStepAndRange(t *testing.T) {
	e, err := Parse("*/15 9-17 * * 1-5")
	require.NoError(t, err)

	mon9am := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) // Monday
	assert.True(t, e.Matches(mon9am))
	assert.False(t, e.Matches(mon9am.Add(5*time.Minute)))
	assert.True(t, e.Matches(mon9am.Add(15*time.Minute)))

	sat := time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC) // Saturday
	assert.False(t, e.Matches(sat))
}
