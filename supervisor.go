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
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bun-bm2/bm2/cron"
	"github.com/bun-bm2/bm2/health"
	"github.com/bun-bm2/bm2/logsink"
	"github.com/bun-bm2/bm2/monitor"
	"github.com/bun-bm2/bm2/procutil"
	"github.com/bun-bm2/bm2/watch"
)

const inboxCapacity = 4096

const (
	mailboxIdle int32 = iota
	mailboxProcessing
)

// runtimeHandles bundles the background-task handles an entry owns
// outside the registry, so registry.go and entry.go stay free of any
// package beyond primitive types.
type runtimeHandles struct {
	logWriter *logsink.Writer
	prober    *health.Prober
	watcher   *watch.Watcher
	cronExpr  *cron.Expr
	cronTimer *time.Timer

	// eventRestarts throttles restartForEvent: memory_cap, unhealthy,
	// watch and cron can all fire for the same entry in close succession
	// (spec.md §9's watch/cron coincidence), and without coalescing that
	// means more than one restartEntry call stacked up on one child.
	eventRestarts *rate.Limiter

	// gen is bumped on every successful spawn; it guards a
	// childExitedEvent or restartDueEvent against acting on a child
	// that has already been superseded by a later spawn of the same
	// entry id.
	gen uint64
}

// Supervisor is the supervision engine: the sole mutator of the
// registry and the sole consumer of the command inbox (spec.md §4.1,
// §5). Background tasks (Monitor, HealthProber, Watcher, CronScheduler,
// ChildProcess) only ever post typed messages here.
type Supervisor struct {
	reg *registry

	inbox  *queue.RingBuffer
	status int32
	signal chan struct{}
	closed chan struct{}
	done   chan struct{}

	logDir   string
	pidsDir  string
	dumpPath string
	backup   BackupConfig

	monitor     *monitor.Monitor
	liveTargets atomic.Value // []monitor.Target

	handles map[int64]*runtimeHandles

	logger *zap.Logger

	startedAt time.Time
}

// NewSupervisor creates a Supervisor that writes service logs under
// logDir and persists Save() snapshots at dumpPath. Run must be
// called, in its own goroutine, to begin servicing the inbox.
func NewSupervisor(logDir, pidsDir, dumpPath string, monitorInterval time.Duration, backup BackupConfig, logger *zap.Logger) *Supervisor {
	s := &Supervisor{
		reg:       newRegistry(),
		inbox:     queue.NewRingBuffer(inboxCapacity),
		signal:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
		logDir:    logDir,
		pidsDir:   pidsDir,
		dumpPath:  dumpPath,
		backup:    backup,
		handles:   make(map[int64]*runtimeHandles),
		logger:    logger,
		startedAt: time.Now(),
	}
	s.monitor = monitor.New(monitorInterval, s.monitorTargets, s.onMonitorTick)
	return s
}

// Run services the inbox until Shutdown is called. Callers should
// invoke it in its own goroutine.
func (s *Supervisor) Run() {
	go s.monitor.Run()
	defer close(s.done)

listen:
	select {
	case <-s.closed:
		return
	case <-s.signal:
		for s.inbox.Len() != 0 {
			raw, err := s.inbox.Get()
			if err != nil {
				return
			}
			s.handle(raw.(message))
			s.publishTargets()
		}
		atomic.StoreInt32(&s.status, mailboxIdle)
		goto listen
	}
}

// post enqueues a background event; unlike submit, no caller is
// waiting on a reply.
func (s *Supervisor) post(m message) {
	select {
	case <-s.closed:
		return
	default:
	}
	if err := s.inbox.Put(m); err != nil {
		return
	}
	if atomic.CompareAndSwapInt32(&s.status, mailboxIdle, mailboxProcessing) {
		select {
		case s.signal <- struct{}{}:
		case <-s.closed:
		}
	}
}

// submit enqueues an operator request and blocks for its answer.
func (s *Supervisor) submit(m awaitable) (result, error) {
	select {
	case <-s.closed:
		return result{}, errInternal("supervisor is shut down", nil)
	default:
	}
	s.post(m)
	return m.wait()
}

// Shutdown terminates every managed child, stops background tasks,
// and halts the inbox worker. It is the Supervisor half of the IPC
// `kill` request (spec.md §6.1: "ack then server exits").
func (s *Supervisor) Shutdown() {
	if _, err := s.Delete("all"); err != nil && s.logger != nil {
		s.logger.Warn("shutdown: delete all failed", zap.Error(err))
	}
	close(s.closed)
	<-s.done
	s.monitor.Stop()
}

func (s *Supervisor) handle(m message) {
	switch req := m.(type) {
	case startReq:
		entries, err := s.doStart([]*ServiceSpec{req.spec})
		req.reply(result{entries: entries}, err)
	case ecosystemReq:
		entries, err := s.doStart(req.specs)
		req.reply(result{entries: entries}, err)
	case stopReq:
		req.reply(result{entries: s.doStop(req.target)}, nil)
	case restartReq:
		req.reply(result{entries: s.doRestart(req.target)}, nil)
	case reloadReq:
		entries, err := s.doReload(req.target)
		req.reply(result{entries: entries}, err)
	case deleteReq:
		req.reply(result{entries: s.doDelete(req.target)}, nil)
	case scaleReq:
		entries, err := s.doScale(req.target, req.count)
		req.reply(result{entries: entries}, err)
	case signalReq:
		err := s.doSignal(req.target, req.signal)
		req.reply(result{ack: err == nil}, err)
	case resetReq:
		req.reply(result{entries: s.doReset(req.target)}, nil)
	case listReq:
		req.reply(result{entries: cloneEntries(s.reg.allSorted())}, nil)
	case describeReq:
		req.reply(result{entries: cloneEntries(s.reg.resolveTarget(req.target))}, nil)
	case logsReq:
		logs, err := s.doLogs(req.target, req.lines)
		req.reply(result{logs: logs}, err)
	case flushReq:
		s.doFlush(req.target)
		req.reply(result{ack: true}, nil)
	case metricsReq:
		req.reply(result{metrics: s.currentMetrics()}, nil)
	case metricsHistoryReq:
		req.reply(result{history: s.metricsHistory(req.seconds)}, nil)
	case prometheusReq:
		req.reply(result{prom: s.prometheusText()}, nil)
	case saveReq:
		err := s.doSave()
		req.reply(result{ack: err == nil}, err)
	case resurrectReq:
		entries, err := s.doResurrect()
		req.reply(result{entries: entries}, err)

	case childExitedEvent:
		s.onChildExited(req)
	case unhealthyEvent:
		s.restartForEvent(req.id, "unhealthy")
	case cronFiredEvent:
		s.onCronFired(req.id)
	case sourceChangedEvent:
		s.restartForEvent(req.id, "watch")
	case memoryExceededEvent:
		s.restartForEvent(req.id, "memory_cap")
	case restartDueEvent:
		s.onRestartDue(req)
	case monitorTickEvent:
		s.applyMonitorTick(req.snap)
	}
}

// cloneEntries copies each entry so List/Describe callers never share
// the registry's own *ServiceEntry values.
func cloneEntries(entries []*ServiceEntry) []*ServiceEntry {
	out := make([]*ServiceEntry, len(entries))
	for i, e := range entries {
		out[i] = e.clone()
	}
	return out
}

// publishTargets recomputes the Monitor's sample list from the
// registry and stores it behind an atomic pointer swap, the "short
// critical section" snapshot spec.md §5 allows outside the inbox
// worker's exclusive write access.
func (s *Supervisor) publishTargets() {
	entries := s.reg.allSorted()
	targets := make([]monitor.Target, 0, len(entries))
	for _, e := range entries {
		if e.State == StateOnline {
			targets = append(targets, monitor.Target{ID: e.ID, PID: e.PID, MemoryCap: e.Spec.memoryCapBytes()})
		}
	}
	s.liveTargets.Store(targets)
}

func (s *Supervisor) monitorTargets() []monitor.Target {
	v := s.liveTargets.Load()
	if v == nil {
		return nil
	}
	return v.([]monitor.Target)
}

func (s *Supervisor) onMonitorTick(snap monitor.Snapshot) {
	s.post(monitorTickEvent{snap: snap})
}

func (s *Supervisor) applyMonitorTick(snap monitor.Snapshot) {
	for _, sm := range snap.Samples {
		e, ok := s.reg.byIDExact(sm.ID)
		if !ok {
			continue
		}
		e.Sample = sm.Sample
		e.SampledAt = snap.At
		if sm.Exceeded && e.State == StateOnline {
			if s.logger != nil {
				s.logger.Warn("memory cap exceeded, restarting",
					zap.String("name", e.Name), zap.Int64("rss_bytes", sm.RSSBytes))
			}
			s.restartForEvent(e.ID, "memory_cap")
		}
	}
}

// ---- Start / Stop / Restart / Delete / Scale -----------------------

type startPlan struct {
	spec        *ServiceSpec
	workerIndex int
	clusterSize int
}

func (s *Supervisor) doStart(specs []*ServiceSpec) ([]*ServiceEntry, error) {
	var plans []startPlan
	for _, raw := range specs {
		spec := raw.clone()
		spec.defaults()
		if err := spec.validate(); err != nil {
			return nil, err
		}

		n := resolveInstanceCount(spec.Instances)
		if n <= 1 {
			plans = append(plans, startPlan{spec: spec})
			continue
		}
		for i := 0; i < n; i++ {
			w := spec.clone()
			w.Name = fmt.Sprintf("%s-%d", spec.Name, i)
			w.Instances = "1" // this worker's own entry is never re-expanded
			plans = append(plans, startPlan{spec: w, workerIndex: i, clusterSize: n})
		}
	}

	for _, p := range plans {
		if _, exists := s.reg.byNameExact(p.spec.Name); exists {
			return nil, errAlreadyExists(p.spec.Name)
		}
	}

	created := make([]*ServiceEntry, 0, len(plans))
	for _, p := range plans {
		e := &ServiceEntry{
			ID:          s.reg.allocID(),
			Name:        p.spec.Name,
			Namespace:   p.spec.Namespace,
			Spec:        p.spec,
			State:       StateStopped,
			CreatedAt:   time.Now(),
			WorkerIndex: p.workerIndex,
			ClusterSize: p.clusterSize,
		}
		s.reg.add(e)
		s.launch(e)
		created = append(created, e.clone())
	}
	return created, nil
}

// launch spawns e's child and wires its ancillary background tasks.
// Spawn failure is recorded on the entry (errored) rather than
// returned, so a batch Start still reports the entries that did
// succeed (spec.md §7's partial-result propagation rule).
func (s *Supervisor) launch(e *ServiceEntry) {
	e.State = StateLaunching

	h := s.handles[e.ID]
	if h == nil {
		h = &runtimeHandles{}
		s.handles[e.ID] = h
	}
	if h.logWriter == nil {
		lw, err := logsink.New(s.logDir, e.Name, e.ID, logsink.Policy{
			MaxBytes: e.Spec.Log.MaxBytes,
			Retain:   e.Spec.Log.Retain,
			Compress: e.Spec.Log.Compress,
		})
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("log sink setup failed", zap.String("name", e.Name), zap.Error(err))
			}
		} else {
			h.logWriter = lw
		}
	}

	path, args := resolveCommand(e.Spec)
	env := s.buildEnv(e)

	c, err := spawnChild(path, args, env, e.Spec.Cwd, h.logWriter)
	if err != nil {
		e.State = StateErrored
		e.child = nil
		e.PID = 0
		if s.logger != nil {
			s.logger.Warn("spawn failed", zap.String("name", e.Name), zap.Error(err))
		}
		return
	}

	h.gen++
	gen := h.gen
	id := e.ID

	e.child = c
	e.PID = c.Pid()
	e.StartedAt = time.Now()
	e.State = StateOnline
	e.ManualStop = false

	s.writePidFile(e)

	go c.run(func(runErr error) {
		code := 0
		if ee, ok := runErr.(*exec.ExitError); ok {
			code = ee.ExitCode()
		} else if runErr != nil {
			code = -1
		}
		s.post(childExitedEvent{id: id, gen: gen, code: code, err: runErr})
	})

	s.startAncillary(e, h)
}

// writePidFile records e's current PID at pids/<name>-<id>.pid
// (spec.md §6.2). Failure is logged, not propagated: the pid file is a
// convenience for external tooling, not part of the supervision state
// machine itself.
func (s *Supervisor) writePidFile(e *ServiceEntry) {
	if s.pidsDir == "" {
		return
	}
	if err := os.MkdirAll(s.pidsDir, 0o755); err != nil {
		if s.logger != nil {
			s.logger.Warn("pid file: create dir failed", zap.Error(err))
		}
		return
	}
	path := s.pidFilePath(e)
	if err := os.WriteFile(path, []byte(strconv.Itoa(e.PID)), 0o644); err != nil {
		if s.logger != nil {
			s.logger.Warn("pid file: write failed", zap.String("name", e.Name), zap.Error(err))
		}
	}
}

func (s *Supervisor) pidFilePath(e *ServiceEntry) string {
	return filepath.Join(s.pidsDir, fmt.Sprintf("%s-%d.pid", e.Name, e.ID))
}

func (s *Supervisor) removePidFile(e *ServiceEntry) {
	if s.pidsDir == "" {
		return
	}
	os.Remove(s.pidFilePath(e))
}

func (s *Supervisor) startAncillary(e *ServiceEntry, h *runtimeHandles) {
	id := e.ID
	spec := e.Spec

	if spec.HealthURL != "" && h.prober == nil {
		interval := time.Duration(spec.HealthInterval) * time.Millisecond
		if interval <= 0 {
			interval = 5 * time.Second
		}
		timeout := time.Duration(spec.HealthTimeout) * time.Millisecond
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		maxFails := spec.HealthMaxFails
		if maxFails <= 0 {
			maxFails = 3
		}
		h.prober = health.New(spec.HealthURL, interval, timeout, maxFails, func() {
			s.post(unhealthyEvent{id: id})
		})
		go h.prober.Run()
	}

	if spec.Watch && h.watcher == nil {
		w, err := watch.New(spec.WatchPaths, spec.IgnoreWatch, time.Second, func() {
			s.post(sourceChangedEvent{id: id})
		})
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("watch setup failed", zap.String("name", e.Name), zap.Error(err))
			}
		} else {
			h.watcher = w
			go w.Run()
		}
	}

	if spec.Cron != "" && h.cronExpr == nil {
		expr, err := cron.Parse(spec.Cron)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("cron parse failed", zap.String("name", e.Name), zap.Error(err))
			}
		} else {
			h.cronExpr = expr
			s.armCron(id, h)
		}
	}
}

// armCron schedules h's next cron firing, giving up silently if no
// match falls within the next year (spec.md §4.6).
func (s *Supervisor) armCron(id int64, h *runtimeHandles) {
	next, ok := h.cronExpr.Next(time.Now())
	if !ok {
		if s.logger != nil {
			s.logger.Warn("cron: no match within the next year", zap.Int64("id", id))
		}
		return
	}
	h.cronTimer = time.AfterFunc(time.Until(next), func() {
		s.post(cronFiredEvent{id: id})
	})
}

func (s *Supervisor) onCronFired(id int64) {
	if h, ok := s.handles[id]; ok && h.cronExpr != nil {
		s.armCron(id, h)
	}
	s.restartForEvent(id, "cron")
}

// restartForEvent is the single chokepoint onCronFired, applyMonitorTick's
// memory-cap path, the health prober's unhealthyEvent, and the
// watcher's sourceChangedEvent all funnel through. A per-entry
// rate.Limiter coalesces restarts when more than one of these fires in
// close succession (spec.md §9's watch/cron coincidence): only the
// first request in a burst actually restarts the child, later ones in
// the same window are logged and dropped rather than queued.
func (s *Supervisor) restartForEvent(id int64, reason string) {
	e, ok := s.reg.byIDExact(id)
	if !ok || e.State != StateOnline {
		return
	}

	h := s.handles[id]
	if h == nil {
		h = &runtimeHandles{}
		s.handles[id] = h
	}
	if h.eventRestarts == nil {
		h.eventRestarts = newEventRestartLimiter(e.Spec)
	}
	if !h.eventRestarts.Allow() {
		if s.logger != nil {
			s.logger.Info("restart coalesced", zap.String("name", e.Name), zap.String("reason", reason))
		}
		return
	}

	if s.logger != nil {
		s.logger.Info("restarting", zap.String("name", e.Name), zap.String("reason", reason))
	}
	s.restartEntry(e)
}

// newEventRestartLimiter allows one event-triggered restart per
// restart_delay window (falling back to a second when unset), with no
// burst beyond the first: a limiter that has just let a restart
// through must wait out the full interval before allowing another.
func newEventRestartLimiter(spec *ServiceSpec) *rate.Limiter {
	interval := spec.restartDelay()
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

func (s *Supervisor) doStop(target string) []*ServiceEntry {
	entries := s.reg.resolveTarget(target)
	out := make([]*ServiceEntry, 0, len(entries))
	for _, e := range entries {
		s.stopEntry(e)
		out = append(out, e.clone())
	}
	return out
}

// stopEntry implements spec.md §4.1's tie-break rules for every
// reachable state.
func (s *Supervisor) stopEntry(e *ServiceEntry) {
	switch e.State {
	case StateStopped, StateErrored, StateStopping:
		// Idempotent no-op (spec.md §8, testable property 6).
	case StateWaitingRestart:
		s.cancelRestartTimer(e)
		e.State = StateStopped
	case StateLaunching, StateOnline:
		e.ManualStop = true
		e.State = StateStopping
		c := e.child
		treeKill := e.Spec.treeKill()
		kt := e.Spec.killTimeout()
		go c.terminate(treeKill, kt)
	}
}

func (s *Supervisor) doRestart(target string) []*ServiceEntry {
	entries := s.reg.resolveTarget(target)
	out := make([]*ServiceEntry, 0, len(entries))
	for _, e := range entries {
		s.restartEntry(e)
		out = append(out, e.clone())
	}
	return out
}

// restartEntry implements spec.md §4.1 step 5: mark manual_restart,
// stop ignoring the exit-driven policy, then relaunch once the old
// child (if any) has actually exited.
func (s *Supervisor) restartEntry(e *ServiceEntry) {
	e.ManualRestart = true
	if e.hasChild() {
		e.ManualStop = true
		e.State = StateStopping
		c := e.child
		treeKill := e.Spec.treeKill()
		kt := e.Spec.killTimeout()
		go c.terminate(treeKill, kt)
		return
	}
	s.cancelRestartTimer(e)
	e.ManualRestart = false
	s.launch(e)
}

func (s *Supervisor) doDelete(target string) []*ServiceEntry {
	entries := s.reg.resolveTarget(target)
	out := make([]*ServiceEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.clone())
		s.deleteEntry(e)
	}
	return out
}

func (s *Supervisor) deleteEntry(e *ServiceEntry) {
	e.ManualStop = true
	if e.hasChild() {
		c := e.child
		treeKill := e.Spec.treeKill()
		kt := e.Spec.killTimeout()
		go c.terminate(treeKill, kt)
	}
	s.monitor.Forget(e.PID)
	s.teardownHandles(e.ID)
	s.cancelRestartTimer(e)
	s.removePidFile(e)
	e.State = StateStopped
	s.reg.remove(e.ID)
}

func (s *Supervisor) teardownHandles(id int64) {
	h, ok := s.handles[id]
	if !ok {
		return
	}
	if h.prober != nil {
		go h.prober.Stop()
	}
	if h.watcher != nil {
		go h.watcher.Stop()
	}
	if h.cronTimer != nil {
		h.cronTimer.Stop()
	}
	if h.logWriter != nil {
		h.logWriter.Close()
	}
	delete(s.handles, id)
}

func (s *Supervisor) cancelRestartTimer(e *ServiceEntry) {
	if e.restartTimer != nil {
		e.restartTimer.Stop()
		e.restartTimer = nil
	}
}

func (s *Supervisor) doReset(target string) []*ServiceEntry {
	entries := s.reg.resolveTarget(target)
	out := make([]*ServiceEntry, 0, len(entries))
	for _, e := range entries {
		e.RestartCount = 0
		e.UnstableRestarts = 0
		out = append(out, e.clone())
	}
	return out
}

// splitWorkerSuffix separates a cluster worker's "-<i>" suffix from
// its base name; a name with no numeric suffix returns idx < 0.
func splitWorkerSuffix(name string) (base string, idx int) {
	i := strings.LastIndexByte(name, '-')
	if i < 0 {
		return name, -1
	}
	n, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return name, -1
	}
	return name[:i], n
}

// doScale implements spec.md §8 scenario 5: scaling up creates new
// worker entries with higher indices; scaling down removes the
// highest indices first and reaps their children.
func (s *Supervisor) doScale(target string, count int) ([]*ServiceEntry, error) {
	entries := s.reg.resolveTarget(target)
	if len(entries) == 0 {
		return nil, errNotFound(target)
	}
	if count < 0 {
		count = runtime.NumCPU()
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].WorkerIndex < entries[j].WorkerIndex })
	base, idx := splitWorkerSuffix(entries[0].Name)
	if idx < 0 && len(entries) == 1 && count > 1 {
		s.reg.rename(entries[0], fmt.Sprintf("%s-0", base))
		entries[0].WorkerIndex = 0
	}

	if count <= len(entries) {
		for _, e := range entries[count:] {
			s.deleteEntry(e)
		}
		out := make([]*ServiceEntry, 0, count)
		for _, e := range entries[:count] {
			e.ClusterSize = count
			out = append(out, e.clone())
		}
		return out, nil
	}

	baseSpec := entries[0].Spec.clone()
	out := make([]*ServiceEntry, 0, count)
	for _, e := range entries {
		e.ClusterSize = count
		out = append(out, e.clone())
	}
	for i := len(entries); i < count; i++ {
		w := baseSpec.clone()
		w.Name = fmt.Sprintf("%s-%d", base, i)
		w.Instances = "1"
		e := &ServiceEntry{
			ID:          s.reg.allocID(),
			Name:        w.Name,
			Namespace:   w.Namespace,
			Spec:        w,
			State:       StateStopped,
			CreatedAt:   time.Now(),
			WorkerIndex: i,
			ClusterSize: count,
		}
		s.reg.add(e)
		s.launch(e)
		out = append(out, e.clone())
	}
	return out, nil
}

func (s *Supervisor) doSignal(target string, sig int) error {
	entries := s.reg.resolveTarget(target)
	for _, e := range entries {
		if e.hasChild() {
			_ = procutil.Signal(e.PID, syscall.Signal(sig))
		}
	}
	return nil
}

// ---- Exit-driven restart policy (spec.md §4.1) ---------------------

func (s *Supervisor) onChildExited(ev childExitedEvent) {
	e, ok := s.reg.byIDExact(ev.id)
	if !ok {
		return
	}
	h := s.handles[ev.id]
	if h == nil || h.gen != ev.gen {
		return // superseded by a later spawn of this entry
	}

	pid := e.PID
	wasOnline := e.State == StateOnline || e.State == StateStopping
	startedAt := e.StartedAt

	e.child = nil
	e.PID = 0
	s.monitor.Forget(pid)

	wasManualStop := e.ManualStop
	wasManualRestart := e.ManualRestart

	if wasManualStop {
		e.State = StateStopped
		e.ManualStop = false
		if wasManualRestart {
			e.ManualRestart = false
			s.launch(e)
		}
		return
	}

	if !e.Spec.Autorestart {
		if ev.code == 0 {
			e.State = StateStopped
		} else {
			e.State = StateErrored
		}
		return
	}

	if e.RestartCount >= e.Spec.MaxRestarts {
		e.State = StateErrored
		if s.logger != nil {
			s.logger.Warn("restart cap reached", zap.String("name", e.Name), zap.Int("restart_count", e.RestartCount))
		}
		return
	}

	if wasOnline && !startedAt.IsZero() && time.Since(startedAt) < e.Spec.minUptime() {
		e.UnstableRestarts++
	}

	e.State = StateWaitingRestart
	gen := h.gen
	id := e.ID
	e.restartTimer = time.AfterFunc(e.Spec.restartDelay(), func() {
		s.post(restartDueEvent{id: id, gen: gen})
	})
}

func (s *Supervisor) onRestartDue(ev restartDueEvent) {
	e, ok := s.reg.byIDExact(ev.id)
	if !ok || e.State != StateWaitingRestart {
		return
	}
	h := s.handles[ev.id]
	if h == nil || h.gen != ev.gen {
		return
	}
	e.restartTimer = nil
	e.RestartCount++
	s.launch(e)
}

// ---- Logs / Flush / Metrics / Prometheus ----------------------------

func (s *Supervisor) doLogs(target string, lines int) ([]LogTail, error) {
	if lines <= 0 {
		lines = 100
	}
	entries := s.reg.resolveTarget(target)
	out := make([]LogTail, 0, len(entries))
	for _, e := range entries {
		h := s.handles[e.ID]
		if h == nil || h.logWriter == nil {
			out = append(out, LogTail{Name: e.Name, ID: e.ID})
			continue
		}
		o, errLines, err := h.logWriter.Tail(lines)
		if err != nil {
			return nil, errIOError("tail logs", err)
		}
		out = append(out, LogTail{Name: e.Name, ID: e.ID, Out: o, Err: errLines})
	}
	return out, nil
}

func (s *Supervisor) doFlush(target string) {
	var entries []*ServiceEntry
	if target == "" {
		entries = s.reg.allSorted()
	} else {
		entries = s.reg.resolveTarget(target)
	}
	for _, e := range entries {
		if h := s.handles[e.ID]; h != nil && h.logWriter != nil {
			h.logWriter.Flush()
		}
	}
}

func (s *Supervisor) currentMetrics() MetricSnapshot {
	snap, ok := s.monitor.Latest()
	at := time.Now()
	if ok {
		at = snap.At
	}
	byID := make(map[int64]monitor.Sample, len(snap.Samples))
	for _, sm := range snap.Samples {
		byID[sm.ID] = sm
	}

	out := MetricSnapshot{At: at}
	for _, e := range s.reg.allSorted() {
		m := EntryMetric{ID: e.ID, Name: e.Name, Status: e.State, RestartCount: e.RestartCount}
		if sm, ok := byID[e.ID]; ok {
			m.RSSBytes = sm.RSSBytes
			m.CPUPct = sm.CPUPct
			m.OpenFDs = sm.OpenFDs
		}
		if e.State == StateOnline && !e.StartedAt.IsZero() {
			m.UptimeSeconds = time.Since(e.StartedAt).Seconds()
		}
		out.Entries = append(out.Entries, m)
	}
	return out
}

func (s *Supervisor) metricsHistory(seconds int) []MetricSnapshot {
	window := time.Duration(seconds) * time.Second
	snaps := s.monitor.History(window)

	names := make(map[int64]string)
	restarts := make(map[int64]int)
	for _, e := range s.reg.allSorted() {
		names[e.ID] = e.Name
		restarts[e.ID] = e.RestartCount
	}

	out := make([]MetricSnapshot, 0, len(snaps))
	for _, snap := range snaps {
		ms := MetricSnapshot{At: snap.At}
		for _, sm := range snap.Samples {
			ms.Entries = append(ms.Entries, EntryMetric{
				ID:           sm.ID,
				Name:         names[sm.ID],
				RSSBytes:     sm.RSSBytes,
				CPUPct:       sm.CPUPct,
				OpenFDs:      sm.OpenFDs,
				RestartCount: restarts[sm.ID],
			})
		}
		out = append(out, ms)
	}
	return out
}

// prometheusText renders spec.md §6.3's five process gauges plus the
// three system gauges, in the standard exposition format.
func (s *Supervisor) prometheusText() string {
	var b strings.Builder
	snap := s.currentMetrics()

	help := func(name, text, typ string) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n", name, text, name, typ)
	}

	help("bm2_process_cpu", "Process CPU utilisation percent.", "gauge")
	for _, e := range snap.Entries {
		fmt.Fprintf(&b, "bm2_process_cpu{name=%q,id=\"%d\"} %f\n", e.Name, e.ID, e.CPUPct)
	}
	help("bm2_process_memory_bytes", "Process resident memory in bytes.", "gauge")
	for _, e := range snap.Entries {
		fmt.Fprintf(&b, "bm2_process_memory_bytes{name=%q,id=\"%d\"} %d\n", e.Name, e.ID, e.RSSBytes)
	}
	help("bm2_process_restarts_total", "Cumulative restart count.", "counter")
	for _, e := range snap.Entries {
		fmt.Fprintf(&b, "bm2_process_restarts_total{name=%q,id=\"%d\"} %d\n", e.Name, e.ID, e.RestartCount)
	}
	help("bm2_process_uptime_seconds", "Seconds since the current child started; 0 when not online.", "gauge")
	for _, e := range snap.Entries {
		fmt.Fprintf(&b, "bm2_process_uptime_seconds{name=%q,id=\"%d\"} %f\n", e.Name, e.ID, e.UptimeSeconds)
	}
	help("bm2_process_status", "1 when the entry is online, else 0.", "gauge")
	for _, e := range snap.Entries {
		v := 0
		if e.Status == StateOnline {
			v = 1
		}
		fmt.Fprintf(&b, "bm2_process_status{name=%q,id=\"%d\",status=%q} %d\n", e.Name, e.ID, e.Status, v)
	}

	total, free, _ := procutil.SystemMemory()
	help("bm2_system_memory_total_bytes", "Total system memory in bytes.", "gauge")
	fmt.Fprintf(&b, "bm2_system_memory_total_bytes %d\n", total)
	help("bm2_system_memory_free_bytes", "Free system memory in bytes.", "gauge")
	fmt.Fprintf(&b, "bm2_system_memory_free_bytes %d\n", free)

	one, five, fifteen, _ := procutil.LoadAverage()
	help("bm2_system_load_average", "System load average.", "gauge")
	fmt.Fprintf(&b, "bm2_system_load_average{period=\"1m\"} %f\n", one)
	fmt.Fprintf(&b, "bm2_system_load_average{period=\"5m\"} %f\n", five)
	fmt.Fprintf(&b, "bm2_system_load_average{period=\"15m\"} %f\n", fifteen)

	return b.String()
}

// ---- Spawn-time helpers ---------------------------------------------

// buildEnv implements spec.md §6.4's child environment contract.
func (s *Supervisor) buildEnv(e *ServiceEntry) []string {
	env := os.Environ()
	for k, v := range e.Spec.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		fmt.Sprintf("BM2_ID=%d", e.ID),
		"BM2_NAME="+e.Name,
		"BM2_EXEC_MODE="+string(e.Spec.ExecMode),
	)
	if e.ClusterSize > 1 {
		env = append(env,
			"BM2_CLUSTER=true",
			fmt.Sprintf("BM2_WORKER_ID=%d", e.WorkerIndex),
			fmt.Sprintf("BM2_INSTANCES=%d", e.ClusterSize),
			fmt.Sprintf("NODE_APP_INSTANCE=%d", e.WorkerIndex),
		)
		if e.Spec.PortBase > 0 {
			env = append(env, fmt.Sprintf("PORT=%d", e.Spec.PortBase+e.WorkerIndex))
		}
	}
	return env
}

// resolveCommand implements spec.md §4.1's interpreter-defaulting
// rule: an explicit interpreter always wins; otherwise the script
// extension picks the JavaScript runtime or Python 3, defaulting to
// the JavaScript runtime when the extension is unrecognised.
func resolveCommand(spec *ServiceSpec) (string, []string) {
	if spec.Interpreter != "" {
		return spec.Interpreter, append([]string{spec.Script}, spec.Args...)
	}
	if strings.ToLower(filepath.Ext(spec.Script)) == ".py" {
		return "python3", append([]string{spec.Script}, spec.Args...)
	}
	return "node", append([]string{spec.Script}, spec.Args...)
}

// resolveInstanceCount implements spec.md §8's boundary rule that
// "-1" and "max" are synonyms for the host's logical CPU count.
func resolveInstanceCount(instances string) int {
	switch instances {
	case "", "1":
		return 1
	case "max", "-1":
		return runtime.NumCPU()
	}
	n, err := strconv.Atoi(instances)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// ---- Public operator API --------------------------------------------
//
// Every method below posts one request to the inbox and blocks for
// its answer; none of them touch the registry directly (spec.md §5).

func (s *Supervisor) Start(spec *ServiceSpec) ([]*ServiceEntry, error) {
	res, err := s.submit(startReq{req: newReq(), spec: spec})
	return res.entries, err
}

func (s *Supervisor) Ecosystem(specs []*ServiceSpec) ([]*ServiceEntry, error) {
	res, err := s.submit(ecosystemReq{req: newReq(), specs: specs})
	return res.entries, err
}

func (s *Supervisor) Stop(target string) ([]*ServiceEntry, error) {
	res, err := s.submit(stopReq{req: newReq(), target: target})
	return res.entries, err
}

func (s *Supervisor) Restart(target string) ([]*ServiceEntry, error) {
	res, err := s.submit(restartReq{req: newReq(), target: target})
	return res.entries, err
}

func (s *Supervisor) Reload(target string) ([]*ServiceEntry, error) {
	res, err := s.submit(reloadReq{req: newReq(), target: target})
	return res.entries, err
}

func (s *Supervisor) Delete(target string) ([]*ServiceEntry, error) {
	res, err := s.submit(deleteReq{req: newReq(), target: target})
	return res.entries, err
}

func (s *Supervisor) Scale(target string, count int) ([]*ServiceEntry, error) {
	res, err := s.submit(scaleReq{req: newReq(), target: target, count: count})
	return res.entries, err
}

func (s *Supervisor) Signal(target string, sig int) error {
	_, err := s.submit(signalReq{req: newReq(), target: target, signal: sig})
	return err
}

func (s *Supervisor) Reset(target string) ([]*ServiceEntry, error) {
	res, err := s.submit(resetReq{req: newReq(), target: target})
	return res.entries, err
}

func (s *Supervisor) List() []*ServiceEntry {
	res, _ := s.submit(listReq{req: newReq()})
	return res.entries
}

func (s *Supervisor) Describe(target string) ([]*ServiceEntry, error) {
	res, err := s.submit(describeReq{req: newReq(), target: target})
	return res.entries, err
}

func (s *Supervisor) Logs(target string, lines int) ([]LogTail, error) {
	res, err := s.submit(logsReq{req: newReq(), target: target, lines: lines})
	return res.logs, err
}

func (s *Supervisor) Flush(target string) error {
	_, err := s.submit(flushReq{req: newReq(), target: target})
	return err
}

func (s *Supervisor) Metrics() MetricSnapshot {
	res, _ := s.submit(metricsReq{req: newReq()})
	return res.metrics
}

func (s *Supervisor) MetricsHistory(seconds int) []MetricSnapshot {
	res, _ := s.submit(metricsHistoryReq{req: newReq(), seconds: seconds})
	return res.history
}

func (s *Supervisor) Prometheus() string {
	res, _ := s.submit(prometheusReq{req: newReq()})
	return res.prom
}

func (s *Supervisor) Save() error {
	_, err := s.submit(saveReq{req: newReq()})
	return err
}

func (s *Supervisor) Resurrect() ([]*ServiceEntry, error) {
	res, err := s.submit(resurrectReq{req: newReq()})
	return res.entries, err
}

// Ping answers the IPC `ping` request without touching the inbox: the
// daemon's liveness must never wait behind a slow operation
// (spec.md §4.9).
func (s *Supervisor) Ping() (pid int, uptimeSeconds float64) {
	return os.Getpid(), time.Since(s.startedAt).Seconds()
}
