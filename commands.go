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

import "github.com/bun-bm2/bm2/monitor"

// message is the sum type of everything that can arrive at the
// Supervisor's inbox: operator requests and background-task events
// (spec.md §4.1). Every mutation of a ServiceEntry originates from
// one of these being consumed by the single inbox worker.
type message interface {
	// reply delivers the message's result. Background events (they
	// have no caller waiting) implement it as a no-op.
	reply(result, error)
}

type result struct {
	entries []*ServiceEntry
	logs    []LogTail
	metrics MetricSnapshot
	history []MetricSnapshot
	prom    string
	ack     bool
}

// req is embedded by every operator-issued command; it carries the
// channel the inbox worker replies on.
type req struct {
	done chan reqResult
}

type reqResult struct {
	res result
	err error
}

func newReq() req {
	return req{done: make(chan reqResult, 1)}
}

func (r req) reply(res result, err error) {
	r.done <- reqResult{res: res, err: err}
}

func (r req) wait() (result, error) {
	rr := <-r.done
	return rr.res, rr.err
}

// awaitable is satisfied by every concrete *Req type via its embedded
// req, letting the Supervisor's public API post a message and block
// on its answer without a type switch.
type awaitable interface {
	message
	wait() (result, error)
}

type startReq struct {
	req
	spec *ServiceSpec
}

type ecosystemReq struct {
	req
	specs []*ServiceSpec
}

type stopReq struct {
	req
	target string
}

type restartReq struct {
	req
	target string
}

type reloadReq struct {
	req
	target string
}

type deleteReq struct {
	req
	target string
}

type scaleReq struct {
	req
	target string
	count  int
}

type signalReq struct {
	req
	target string
	signal int
}

type resetReq struct {
	req
	target string
}

type listReq struct{ req }

type describeReq struct {
	req
	target string
}

type logsReq struct {
	req
	target string
	lines  int
}

type flushReq struct {
	req
	target string
}

type metricsReq struct{ req }

type metricsHistoryReq struct {
	req
	seconds int
}

type prometheusReq struct{ req }

type saveReq struct{ req }

type resurrectReq struct{ req }

// Background-task events. None of these have a waiting caller.
type event struct{}

func (event) reply(result, error) {}

type childExitedEvent struct {
	event
	id   int64
	gen  uint64 // guards against a stale exit racing a subsequent restart of the same id
	code int
	err  error
}

type unhealthyEvent struct {
	event
	id int64
}

type cronFiredEvent struct {
	event
	id int64
}

type sourceChangedEvent struct {
	event
	id int64
}

type memoryExceededEvent struct {
	event
	id int64
}

// restartDueEvent fires when a waiting-restart entry's backoff timer
// elapses (spec.md §4.1's restart_delay step).
type restartDueEvent struct {
	event
	id  int64
	gen uint64
}

// monitorTickEvent carries one Monitor tick from its own goroutine
// into the inbox so ServiceEntry.Sample/SampledAt are only ever
// written by the inbox worker (spec.md §5's serialisation invariant).
type monitorTickEvent struct {
	event
	snap monitor.Snapshot
}

// LogTail is one target's worth of tailed log output for the `logs`
// IPC request.
type LogTail struct {
	Name string   `json:"name"`
	ID   int64    `json:"id"`
	Out  []string `json:"out"`
	Err  []string `json:"err"`
}
