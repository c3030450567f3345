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

// Package cron implements the five-field cron grammar used by
// ServiceSpec.Cron: minute hour day-of-month month day-of-week, with
// "*", literal, list ("a,b"), range ("a-b"), and step ("a-b/s" or
// "*/s") forms in every field.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Expr is a parsed five-field cron expression.
type Expr struct {
	minute, hour, dom, month, dow fieldSet
}

type fieldSet map[int]bool

var fieldRanges = [5][2]int{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week (0 = Sunday)
}

// Parse parses a five-field cron expression.
func Parse(expr string) (*Expr, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d in %q", len(fields), expr)
	}

	sets := make([]fieldSet, 5)
	for i, f := range fields {
		set, err := parseField(f, fieldRanges[i][0], fieldRanges[i][1])
		if err != nil {
			return nil, fmt.Errorf("cron: field %d (%q): %w", i, f, err)
		}
		sets[i] = set
	}

	return &Expr{
		minute: sets[0],
		hour:   sets[1],
		dom:    sets[2],
		month:  sets[3],
		dow:    sets[4],
	}, nil
}

func parseField(f string, lo, hi int) (fieldSet, error) {
	set := fieldSet{}
	for _, part := range strings.Split(f, ",") {
		if err := parseRangeOrStep(part, lo, hi, set); err != nil {
			return nil, err
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("empty field")
	}
	return set, nil
}

func parseRangeOrStep(part string, lo, hi int, set fieldSet) error {
	step := 1
	base := part
	if i := strings.IndexByte(part, '/'); i >= 0 {
		base = part[:i]
		s, err := strconv.Atoi(part[i+1:])
		if err != nil || s <= 0 {
			return fmt.Errorf("bad step %q", part[i+1:])
		}
		step = s
	}

	start, end := lo, hi
	switch {
	case base == "*":
		// full range, already set above
	case strings.Contains(base, "-"):
		pieces := strings.SplitN(base, "-", 2)
		a, err1 := strconv.Atoi(pieces[0])
		b, err2 := strconv.Atoi(pieces[1])
		if err1 != nil || err2 != nil || a > b {
			return fmt.Errorf("bad range %q", base)
		}
		start, end = a, b
	default:
		v, err := strconv.Atoi(base)
		if err != nil {
			return fmt.Errorf("bad value %q", base)
		}
		start, end = v, v
	}

	if start < lo || end > hi {
		return fmt.Errorf("value out of range [%d,%d] in %q", lo, hi, part)
	}
	for v := start; v <= end; v += step {
		set[v] = true
	}
	return nil
}

// Matches reports whether t falls within the expression, evaluated to
// minute resolution.
func (e *Expr) Matches(t time.Time) bool {
	if !e.minute[t.Minute()] {
		return false
	}
	if !e.hour[t.Hour()] {
		return false
	}
	if !e.month[int(t.Month())] {
		return false
	}
	// Per POSIX cron semantics, day-of-month and day-of-week are OR'd
	// together when both are restricted; either being "*" means only
	// the other constrains the match.
	domAny := len(e.dom) == fieldRanges[2][1]-fieldRanges[2][0]+1
	dowAny := len(e.dow) == fieldRanges[4][1]-fieldRanges[4][0]+1
	domOK := e.dom[t.Day()]
	dowOK := e.dow[int(t.Weekday())]

	switch {
	case domAny && dowAny:
		return true
	case domAny:
		return dowOK
	case dowAny:
		return domOK
	default:
		return domOK || dowOK
	}
}

// Next returns the earliest time strictly after from that matches the
// expression, searching up to one year ahead. It returns false if no
// match is found in that window (spec.md §4.6: skip the entry rather
// than loop forever).
func (e *Expr) Next(from time.Time) (time.Time, bool) {
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.AddDate(1, 0, 0)
	for t.Before(limit) {
		if e.Matches(t) {
			return t, true
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, false
}
