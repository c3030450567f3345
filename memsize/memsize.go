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

// Package memsize parses the operator-facing memory quantities used by
// ServiceSpec.MemoryCap ("512M", "1.5G") into a byte count.
package memsize

import (
	"fmt"
	"strconv"
	"strings"
)

var units = map[string]float64{
	"":   1,
	"B":  1,
	"K":  1024,
	"KB": 1024,
	"M":  1024 * 1024,
	"MB": 1024 * 1024,
	"G":  1024 * 1024 * 1024,
	"GB": 1024 * 1024 * 1024,
}

// Parse converts a human quantity like "512M" or "1.5G" into bytes. The
// unit is case-insensitive; a bare number is taken as bytes. Malformed
// input returns an error rather than a zero value, per spec.md §8.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("memsize: empty quantity")
	}

	i := len(s)
	for i > 0 && !isDigit(s[i-1]) {
		i--
	}
	numPart, unitPart := s[:i], strings.ToUpper(strings.TrimSpace(s[i:]))

	if numPart == "" {
		return 0, fmt.Errorf("memsize: no numeric value in %q", s)
	}
	mult, ok := units[unitPart]
	if !ok {
		return 0, fmt.Errorf("memsize: unknown unit %q in %q", unitPart, s)
	}

	n, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("memsize: invalid number %q in %q: %w", numPart, s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("memsize: negative quantity %q", s)
	}

	return int64(n * mult), nil
}

func isDigit(b byte) bool {
	return (b >= '0' && b <= '9') || b == '.'
}
