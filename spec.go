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
	"fmt"
	"net/url"
	"time"

	"github.com/bun-bm2/bm2/cron"
	"github.com/bun-bm2/bm2/memsize"
)

// LogPolicy is the per-entry rotation policy for its stdout/stderr
// files, applied by package logsink.
type LogPolicy struct {
	MaxBytes int64 `json:"max_bytes" yaml:"max_bytes"`
	Retain   int   `json:"retain" yaml:"retain"`
	Compress bool  `json:"compress" yaml:"compress"`
}

// ServiceSpec is the immutable declarative configuration of a service.
// A reconfiguration replaces it wholesale; nothing here is mutated
// in place once an entry is created (spec.md §3).
type ServiceSpec struct {
	Name      string `json:"name" yaml:"name"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`

	Script      string            `json:"script" yaml:"script"`
	Interpreter string            `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Cwd         string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	Instances string   `json:"instances,omitempty" yaml:"instances,omitempty"` // literal count, "max", or "-1"
	ExecMode  ExecMode `json:"exec_mode,omitempty" yaml:"exec_mode,omitempty"`
	PortBase  int      `json:"port_base,omitempty" yaml:"port_base,omitempty"`

	Autorestart  bool `json:"autorestart" yaml:"autorestart"`
	MaxRestarts  int  `json:"max_restarts" yaml:"max_restarts"`
	MinUptimeMS  int  `json:"min_uptime" yaml:"min_uptime"`
	RestartDelay int  `json:"restart_delay" yaml:"restart_delay"`
	KillTimeout  int   `json:"kill_timeout" yaml:"kill_timeout"`
	TreeKill     *bool `json:"treekill,omitempty" yaml:"treekill,omitempty"`

	MemoryCap string `json:"memory_cap,omitempty" yaml:"memory_cap,omitempty"` // "512M" etc; parsed with memsize.Parse

	Watch       bool     `json:"watch,omitempty" yaml:"watch,omitempty"`
	WatchPaths  []string `json:"watch_paths,omitempty" yaml:"watch_paths,omitempty"`
	IgnoreWatch []string `json:"ignore_watch,omitempty" yaml:"ignore_watch,omitempty"`

	Cron string `json:"cron_restart,omitempty" yaml:"cron_restart,omitempty"`

	HealthURL      string `json:"health_url,omitempty" yaml:"health_url,omitempty"`
	HealthInterval int    `json:"health_interval,omitempty" yaml:"health_interval,omitempty"`
	HealthTimeout  int    `json:"health_timeout,omitempty" yaml:"health_timeout,omitempty"`
	HealthMaxFails int    `json:"health_max_fails,omitempty" yaml:"health_max_fails,omitempty"`

	Log LogPolicy `json:"log" yaml:"log"`

	WaitReady     bool `json:"wait_ready,omitempty" yaml:"wait_ready,omitempty"`
	ListenTimeout int  `json:"listen_timeout,omitempty" yaml:"listen_timeout,omitempty"`
	ReloadDelay   int  `json:"delay,omitempty" yaml:"delay,omitempty"`

	MergeLogs bool `json:"merge_logs,omitempty" yaml:"merge_logs,omitempty"` // accepted, unused; spec.md §9 open question
}

// defaults fills the zero-value fields a caller is allowed to omit,
// mirroring govisord/main.go's manifest defaulting.
func (s *ServiceSpec) defaults() {
	if s.Instances == "" {
		s.Instances = "1"
	}
	if s.ExecMode == "" {
		s.ExecMode = ExecFork
	}
	if s.MaxRestarts == 0 {
		s.MaxRestarts = 15
	}
	if s.RestartDelay == 0 {
		s.RestartDelay = 100
	}
	if s.KillTimeout == 0 {
		s.KillTimeout = 5000
	}
	if s.ReloadDelay == 0 {
		s.ReloadDelay = 1000
	}
	if s.Log.MaxBytes == 0 {
		s.Log.MaxBytes = 10 * 1024 * 1024
	}
	if s.Log.Retain == 0 {
		s.Log.Retain = 5
	}
	if s.Watch && len(s.WatchPaths) == 0 {
		s.WatchPaths = []string{s.Cwd}
	}
}

// treeKill resolves the effective treekill flag; the zero value of the
// spec (nil pointer) means the spec.md §3 default of true.
func (s *ServiceSpec) treeKill() bool {
	if s.TreeKill == nil {
		return true
	}
	return *s.TreeKill
}

// validate checks the spec for well-formedness, returning an
// InvalidSpec error (spec.md §7) describing the first problem found.
func (s *ServiceSpec) validate() error {
	if s.Name == "" {
		return errInvalidSpec("name is required", nil)
	}
	if s.Script == "" {
		return errInvalidSpec("script is required", nil)
	}
	if s.ExecMode != ExecFork && s.ExecMode != ExecCluster {
		return errInvalidSpec(fmt.Sprintf("unknown exec_mode %q", s.ExecMode), nil)
	}
	if s.MemoryCap != "" {
		if _, err := memsize.Parse(s.MemoryCap); err != nil {
			return errInvalidSpec("memory_cap", err)
		}
	}
	if s.Cron != "" {
		if _, err := cron.Parse(s.Cron); err != nil {
			return errInvalidSpec("cron_restart", err)
		}
	}
	if s.HealthURL != "" {
		if _, err := url.ParseRequestURI(s.HealthURL); err != nil {
			return errInvalidSpec("health_url", err)
		}
	}
	return nil
}

// memoryCapBytes returns the parsed memory cap, or 0 if none is set.
func (s *ServiceSpec) memoryCapBytes() int64 {
	if s.MemoryCap == "" {
		return 0
	}
	n, _ := memsize.Parse(s.MemoryCap) // validated at spec-acceptance time
	return n
}

func (s *ServiceSpec) minUptime() time.Duration {
	return time.Duration(s.MinUptimeMS) * time.Millisecond
}

func (s *ServiceSpec) restartDelay() time.Duration {
	return time.Duration(s.RestartDelay) * time.Millisecond
}

func (s *ServiceSpec) killTimeout() time.Duration {
	return time.Duration(s.KillTimeout) * time.Millisecond
}

func (s *ServiceSpec) reloadDelay() time.Duration {
	return time.Duration(s.ReloadDelay) * time.Millisecond
}

func (s *ServiceSpec) listenTimeout() time.Duration {
	return time.Duration(s.ListenTimeout) * time.Millisecond
}

// clone returns a deep-enough copy so cluster workers can each own an
// independent Env map without aliasing the caller's.
func (s *ServiceSpec) clone() *ServiceSpec {
	cp := *s
	if s.Args != nil {
		cp.Args = append([]string(nil), s.Args...)
	}
	if s.Env != nil {
		cp.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			cp.Env[k] = v
		}
	}
	if s.WatchPaths != nil {
		cp.WatchPaths = append([]string(nil), s.WatchPaths...)
	}
	if s.IgnoreWatch != nil {
		cp.IgnoreWatch = append([]string(nil), s.IgnoreWatch...)
	}
	if s.TreeKill != nil {
		v := *s.TreeKill
		cp.TreeKill = &v
	}
	return &cp
}
