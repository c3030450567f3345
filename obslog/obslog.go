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

// Package obslog builds the daemon's own structured logger: a
// zapcore.Core tee fanning every record out to stderr, to a rotated
// file on disk, and into a bounded in-memory ring so the IPC
// `daemonLogs` request can serve the daemon's own recent output without
// re-reading the file (the daemon-log ring, generalizing govisor's
// multilog.go fan-out from *log.Logger listeners to zapcore.Cores).
package obslog

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	FilePath   string
	MaxBytesMB int
	MaxBackups int
	RingLines  int
	Debug      bool
}

// New builds a *zap.Logger writing to stderr and to a lumberjack-
// rotated file, and returns the Ring it also feeds.
func New(opts Options) (*zap.Logger, *Ring) {
	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(zapcore.AddSync(os.Stderr)), level)

	var cores []zapcore.Core
	cores = append(cores, consoleCore)

	if opts.FilePath != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    maxOr(opts.MaxBytesMB, 50),
			MaxBackups: maxOr(opts.MaxBackups, 5),
			Compress:   true,
		}
		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(lj), level)
		cores = append(cores, fileCore)
	}

	ring := newRing(maxOr(opts.RingLines, 2000))
	cores = append(cores, ring.core(enc, level))

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger, ring
}

func maxOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Ring retains the last N log lines in memory for the `daemonLogs` IPC request.
type Ring struct {
	mu   sync.Mutex
	buf  []string
	next int
	cap  int
	len  int
}

func newRing(capacity int) *Ring {
	return &Ring{buf: make([]string, capacity), cap: capacity}
}

func (r *Ring) push(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = line
	r.next = (r.next + 1) % r.cap
	if r.len < r.cap {
		r.len++
	}
}

// Tail returns up to n of the most recently pushed lines, oldest first.
func (r *Ring) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.len {
		n = r.len
	}
	out := make([]string, n)
	start := (r.next - n + r.cap) % r.cap
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%r.cap]
	}
	return out
}

func (r *Ring) core(enc zapcore.EncoderConfig, level zapcore.LevelEnabler) zapcore.Core {
	return &ringCore{ring: r, enc: zapcore.NewConsoleEncoder(enc), LevelEnabler: level}
}

type ringCore struct {
	zapcore.LevelEnabler
	ring *Ring
	enc  zapcore.Encoder
}

func (c *ringCore) With(fields []zapcore.Field) zapcore.Core {
	clone := c.enc.Clone()
	for _, f := range fields {
		f.AddTo(clone)
	}
	return &ringCore{LevelEnabler: c.LevelEnabler, ring: c.ring, enc: clone}
}

func (c *ringCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func (c *ringCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(e, fields)
	if err != nil {
		return err
	}
	c.ring.push(buf.String())
	buf.Free()
	return nil
}

func (c *ringCore) Sync() error { return nil }
