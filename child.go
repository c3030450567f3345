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
	"bufio"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bun-bm2/bm2/procutil"
)

// lineSink receives decorated stdout/stderr lines from a child. It is
// implemented by logsink.Writer.
type lineSink interface {
	WriteLine(stream, line string)
}

// child wraps one OS child process: spawn, pipe stdout/stderr to a
// lineSink, track its PID, and deliver its exit exactly once. A child
// never restarts itself; the Supervisor owns that decision.
type child struct {
	cmd  *exec.Cmd
	pid  int
	sink lineSink

	pipeWG sync.WaitGroup
	done   chan struct{}
}

// spawnChild starts path with the given argv/env/dir and returns a
// *child once the OS process is running, wiring stdout/stderr to sink
// line by line (spec.md §4.2).
func spawnChild(path string, args, env []string, dir string, sink lineSink) (*child, error) {
	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	c := &child{cmd: cmd, pid: cmd.Process.Pid, sink: sink, done: make(chan struct{})}
	c.pipeWG.Add(2)
	go c.pipe(stdout, "out")
	go c.pipe(stderr, "err")
	return c, nil
}

func (c *child) pipe(r io.ReadCloser, stream string) {
	defer c.pipeWG.Done()
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			c.sink.WriteLine(stream, strings.TrimRight(line, "\n"))
		}
		if err != nil {
			return
		}
	}
}

// run blocks until the child exits and then invokes onExit exactly
// once, only after every stdout/stderr byte the child wrote has
// reached sink (spec.md §5's log-before-exit ordering guarantee).
// Callers must invoke run in its own goroutine immediately after
// spawnChild succeeds.
func (c *child) run(onExit func(error)) {
	c.pipeWG.Wait()
	err := c.cmd.Wait()
	close(c.done)
	onExit(err)
}

// Pid returns the OS process id of the direct child.
func (c *child) Pid() int {
	return c.pid
}

// terminate signals the child per spec.md §4.1's termination policy:
// when treeKill is set, the whole process tree is sent SIGTERM
// leaves-first; otherwise only the direct child is signalled. If the
// child has not exited within timeout, SIGKILL is sent to the same
// target set. A timeout of 0 sends SIGKILL immediately.
func (c *child) terminate(treeKill bool, timeout time.Duration) {
	sig := func(s syscall.Signal) {
		if treeKill {
			_ = procutil.TreeKill(c.pid, s)
		} else {
			_ = procutil.Signal(c.pid, s)
		}
	}

	sig(syscall.SIGTERM)

	if timeout <= 0 {
		sig(syscall.SIGKILL)
		return
	}

	select {
	case <-c.done:
	case <-time.After(timeout):
		sig(syscall.SIGKILL)
	}
}
