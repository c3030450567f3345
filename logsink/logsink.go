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

// Package logsink implements the per-service log writer and rotator
// (spec.md §4.5): one append-only file per (service, stream), a
// debounced in-memory buffer flushed to disk, and a crash-safe
// rename-chain rotation with optional gzip of retired segments.
//
// The fan-out shape (many lines in, one place out) is the same one
// govisor's multilog.go uses for its in-process log ring; here the
// destination is a rotating file pair instead of a set of *log.Logger
// listeners.
package logsink

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Policy is a stream pair's rotation configuration.
type Policy struct {
	MaxBytes int64
	Retain   int
	Compress bool
}

const flushDebounce = 100 * time.Millisecond

// stream is one (service, out|err) append-only target.
type stream struct {
	path string

	mu     sync.Mutex
	buf    []string
	size   int64
	f      *os.File
	timer  *time.Timer
	closed bool
}

// Writer owns the out and err streams for one entry.
type Writer struct {
	name   string
	dir    string
	policy Policy

	out *stream
	err *stream
}

// New opens (creating if needed) the out/err log files for name-id
// under dir, per spec.md §6.2's `<name>-<id>-{out,err}.log` layout.
func New(dir, name string, id int64, policy Policy) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, pkgerrors.Wrap(err, "logsink: create log dir")
	}
	base := fmt.Sprintf("%s-%d", name, id)
	out, err := newStream(filepath.Join(dir, base+"-out.log"))
	if err != nil {
		return nil, err
	}
	errS, err := newStream(filepath.Join(dir, base+"-err.log"))
	if err != nil {
		out.close()
		return nil, err
	}
	return &Writer{name: name, dir: dir, policy: policy, out: out, err: errS}, nil
}

func newStream(path string) (*stream, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "logsink: open %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, pkgerrors.Wrapf(err, "logsink: stat %s", path)
	}
	return &stream{path: path, f: f, size: info.Size()}, nil
}

// WriteLine implements the lineSink interface the supervision engine
// uses to pipe a child's stdout/stderr (spec.md §4.2); it decorates
// the line with an ISO-8601 timestamp and queues it for a debounced
// flush.
func (w *Writer) WriteLine(streamName, line string) {
	s := w.out
	if streamName == "err" {
		s = w.err
	}
	s.enqueue(line)
}

func (s *stream) enqueue(line string) {
	decorated := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format("2006-01-02T15:04:05.000Z"), line)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf = append(s.buf, decorated)
	if s.timer == nil {
		s.timer = time.AfterFunc(flushDebounce, s.flush)
	}
}

func (s *stream) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = nil
	if len(s.buf) == 0 || s.closed {
		return
	}
	for _, line := range s.buf {
		n, err := s.f.WriteString(line)
		if err != nil {
			break // not fatal per spec.md §7; the error is not reported and the unwritten lines are dropped below
		}
		s.size += int64(n)
	}
	s.buf = s.buf[:0]
}

// Flush forces both streams to disk immediately, without rotating
// (spec.md §4.5's Flush operation).
func (w *Writer) Flush() {
	w.out.flush()
	w.err.flush()
}

// RotateIfNeeded checks both streams against policy.MaxBytes and
// rotates any that have reached it. Safe to call on any cadence; the
// spec's own cadence is once per minute per service.
func (w *Writer) RotateIfNeeded() error {
	if w.policy.MaxBytes <= 0 {
		return nil
	}
	if err := w.out.rotateIfNeeded(w.policy); err != nil {
		return err
	}
	return w.err.rotateIfNeeded(w.policy)
}

func (s *stream) rotateIfNeeded(policy Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size < policy.MaxBytes {
		return nil
	}
	return s.rotateLocked(policy)
}

// rotateLocked implements spec.md §4.5's crash-safety ordering:
// renames precede the new empty active file, the segment at retain
// (and anything beyond it) is dropped first, and gzip (if enabled)
// only runs on the already-renamed segment so a crash mid-rotation
// leaves at worst an extra plain segment, never a hole.
func (s *stream) rotateLocked(policy Policy) error {
	// Drop the segment the shift below would push past retain, and
	// anything already beyond it.
	for gen := policy.Retain; ; gen++ {
		path := rotatedPath(s.path, gen, policy.Compress)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		os.Remove(path)
	}

	for gen := policy.Retain - 1; gen >= 1; gen-- {
		src := rotatedPath(s.path, gen, policy.Compress)
		dst := rotatedPath(s.path, gen+1, policy.Compress)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, dst)
		}
	}

	rotated := fmt.Sprintf("%s.1", s.path)
	if err := os.Rename(s.path, rotated); err != nil {
		return pkgerrors.Wrap(err, "logsink: rename active to .1")
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return pkgerrors.Wrap(err, "logsink: reopen active file")
	}
	s.f.Close()
	s.f = f
	s.size = 0

	if policy.Compress {
		if err := gzipInPlace(rotated); err != nil {
			return pkgerrors.Wrap(err, "logsink: gzip rotated segment")
		}
	}
	return nil
}

func rotatedPath(base string, gen int, compressed bool) string {
	p := fmt.Sprintf("%s.%d", base, gen)
	if compressed {
		p += ".gz"
	}
	return p
}

func gzipInPlace(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		out.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// Tail returns the last n lines of each stream, read from disk.
func (w *Writer) Tail(n int) (out, errLines []string, err error) {
	out, err = tailFile(w.out.path, n)
	if err != nil {
		return nil, nil, err
	}
	errLines, err = tailFile(w.err.path, n)
	return out, errLines, err
}

func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pkgerrors.Wrapf(err, "logsink: open %s for tail", path)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, nil
}

// Close flushes and closes both streams.
func (w *Writer) Close() error {
	if err := w.out.close(); err != nil {
		return err
	}
	return w.err.close()
}

func (s *stream) close() error {
	s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	return s.f.Close()
}
