package manager

import (
	"time"

	"github.com/cuemby/dworq/pkg/metrics"
	"github.com/cuemby/dworq/pkg/protocol"
	"github.com/cuemby/dworq/pkg/scheduler"
	"github.com/cuemby/dworq/pkg/txlog"
	"github.com/cuemby/dworq/pkg/types"
)

// Submit enqueues a new task in READY state and returns its assigned ID.
func (m *Manager) Submit(t *types.Task) int64 {
	t.SubmitTime = time.Now()
	if t.FastAbortMultiplier == 0 {
		t.FastAbortMultiplier = m.cfg.DefaultFastAbortMultiplier
	}
	id := m.tasks.Submit(t)
	metrics.TasksSubmittedTotal.Inc()
	m.publish(txlog.EventTaskSubmitted, id, t.WorkerID, "")
	return id
}

// CancelTask moves a task straight to CANCELED, killing it on its worker if
// currently running.
func (m *Manager) CancelTask(id int64) bool {
	t := m.tasks.Get(id)
	if t == nil {
		return false
	}
	if t.State == types.TaskStateRunning && t.WorkerID != "" {
		if conn := m.conns[t.WorkerID]; conn != nil {
			conn.WriteLine("%s %d", protocol.VerbKill, id)
		}
		m.releaseAssignment(t)
	}
	if t.State == types.TaskStateReady {
		m.tasks.RemoveFromReady(id)
	}
	t.State = types.TaskStateCanceled
	t.ResultCode = types.ResultCancelled
	t.FinishTime = time.Now()
	return true
}

// dispatchReady is the scheduling step of the WaitLoop: it tries to place
// every ready task against the current pool of connected, non-draining
// workers, stopping as soon as a turn makes no further progress.
func (m *Manager) dispatchReady() {
	for {
		candidates := m.candidates()
		if len(candidates) == 0 || m.tasks.ReadyLen() == 0 {
			return
		}
		t := m.tasks.PopReady()
		if t == nil {
			return
		}
		cand, box := m.scheduler.ChooseWorker(t, candidates)
		if cand == nil {
			// No worker fits this task right now; put it back and stop this
			// turn rather than busy-spin reconsidering the same task.
			m.tasks.PushFrontReady(t.ID)
			return
		}
		m.commit(t, cand, box)
	}
}

func (m *Manager) candidates() []scheduler.Candidate {
	var out []scheduler.Candidate
	for _, w := range m.registry.All() {
		if w.Kind != types.WorkerKindWorker || m.registry.IsBlocked(w.Hostname) {
			continue
		}
		model := m.models[w.ID]
		if model == nil {
			continue
		}
		out = append(out, scheduler.Candidate{Worker: w, Model: model})
	}
	return out
}

// commit sends a task to a chosen worker and transitions it to RUNNING.
func (m *Manager) commit(t *types.Task, cand *scheduler.Candidate, box types.Resources) {
	conn := m.conns[cand.Worker.ID]
	if conn == nil {
		m.tasks.Resubmit(t.ID, false)
		return
	}

	now := time.Now()
	t.Assigned = box
	t.CommitStart = now
	t.CommitEnd = now // no separate transfer-ack phase in this wire protocol

	conn.WriteLine("%s %s", protocol.VerbCategory, t.Category)
	if box.Cores > 0 {
		conn.WriteLine("%s %d", protocol.VerbCores, box.Cores)
	}
	if box.GPUs > 0 {
		conn.WriteLine("%s %d", protocol.VerbGPUs, box.GPUs)
	}
	if box.Memory > 0 {
		conn.WriteLine("%s %d", protocol.VerbMemory, box.Memory)
	}
	if box.Disk > 0 {
		conn.WriteLine("%s %d", protocol.VerbDisk, box.Disk)
	}
	for _, kv := range t.Env {
		conn.WriteLine("%s %d %s", protocol.VerbEnv, len(kv), kv)
	}
	conn.WriteLine("%s %d %s", protocol.VerbTask, t.ID, t.Command)
	conn.WriteLine("%s", protocol.VerbEnd)

	cand.Model.Reserve(box)
	cand.Worker.Tasks[t.ID] = true
	cand.Worker.FastAbortAlarm = false
	m.tasks.MarkRunning(t.ID, cand.Worker.ID)
	m.capacity.SetRunningTasks(m.statusCounts()[types.TaskStateRunning])

	m.publish(txlog.EventTaskRunning, t.ID, cand.Worker.ID, "")
}

// releaseAssignment returns a running task's reserved box to its worker's
// model and clears the bookkeeping that ties them together, without
// changing the task's state (the caller decides the next state).
func (m *Manager) releaseAssignment(t *types.Task) {
	if t.WorkerID == "" {
		return
	}
	if model := m.models[t.WorkerID]; model != nil {
		model.Release(t.Assigned)
	}
	if w := m.registry.Get(t.WorkerID); w != nil {
		delete(w.Tasks, t.ID)
	}
}

// reapWorkerTasks resubmits every task owned by a vanished or removed
// worker back to READY, preserving try_count.
func (m *Manager) reapWorkerTasks(workerID string) {
	for _, t := range m.tasks.ByWorker(workerID) {
		if t.State != types.TaskStateRunning {
			continue
		}
		if model := m.models[workerID]; model != nil {
			model.Release(t.Assigned)
		}
		m.tasks.Resubmit(t.ID, false)
		metrics.TasksResubmittedTotal.WithLabelValues("worker_lost").Inc()
	}
}

// disconnectWorker removes a worker from the registry, reaps its tasks, and
// records the disconnect reason for stats and the txn log.
func (m *Manager) disconnectWorker(workerID, reason string) {
	m.reapWorkerTasks(workerID)
	m.registry.Remove(workerID, reason)
	delete(m.models, workerID)
	m.publish(txlog.EventWorkerDisconn, 0, workerID, reason)
}

// mapResultStatus translates the worker's `result` status word into a
// ResultCode. A status this manager doesn't recognize is still a failure,
// never folded into ResultSuccess.
func mapResultStatus(status string) types.ResultCode {
	switch status {
	case "0":
		return types.ResultSuccess
	case "1":
		return types.ResultSignal
	case "2":
		return types.ResultResourceExhaust
	case "3":
		return types.ResultTaskTimeout
	case "4":
		return types.ResultMaxRunTime
	case "5":
		return types.ResultInputMissing
	case "6":
		return types.ResultOutputMissing
	case "7":
		return types.ResultStdoutMissing
	case "8":
		return types.ResultDiskAllocFull
	case "9":
		return types.ResultOutputTransferErr
	case "10":
		return types.ResultRMonitorError
	case "11":
		return types.ResultForsaken
	default:
		return types.ResultUnknown
	}
}

// handleResult processes a worker's `result` line: it retires the running
// task, folds its timing into the capacity estimator and category history,
// and decides (on resource exhaustion) whether to retry with a larger box
// or fail permanently.
func (m *Manager) handleResult(workerID string, status string, exitCode int, execUS, taskID int64, output []byte) error {
	t := m.tasks.Get(taskID)
	if t == nil || t.WorkerID != workerID {
		return nil
	}

	now := time.Now()
	t.FinishTime = now
	t.ExitStatus = exitCode
	t.ResultCode = mapResultStatus(status)
	t.Output = string(output)

	m.releaseAssignment(t)

	report := types.TaskReport{
		TaskID:      t.ID,
		WorkerID:    workerID,
		SubmitTime:  t.SubmitTime,
		CommitStart: t.CommitStart,
		CommitEnd:   t.CommitEnd,
		FinishTime:  t.FinishTime,
		Resources:   t.Assigned,
		ResultCode:  t.ResultCode,
	}

	if w := m.registry.Get(workerID); w != nil {
		w.LastMsgTime = now
	}

	switch t.ResultCode {
	case types.ResultResourceExhaust:
		next, ok := m.categories.NextLabel(t.Category, t.Assigned)
		if !ok {
			// No larger box to retry with: this is a permanent failure,
			// so it must still reach WAITING_RETRIEVAL like any other
			// terminal outcome rather than vanish straight to DONE.
			t.ResultCode = types.ResultCategoryAllocError
			report.ResultCode = types.ResultCategoryAllocError
			m.capacity.Record(report)
			metrics.TasksCompletedTotal.WithLabelValues("category_allocation_error").Inc()
			break
		}
		t.Requested = next
		m.tasks.Resubmit(t.ID, true) // head-of-line: don't starve behind it
		metrics.TasksResubmittedTotal.WithLabelValues("resource_exhaustion").Inc()
		return nil

	case types.ResultSuccess:
		exec := float64(execUS) / 1e6
		m.capacity.Record(report)
		m.categories.RecordCompletion(t.Category, t.Assigned)
		m.categories.RecordTaskTime(t.Category, exec, 0, 0)
		metrics.TasksCompletedTotal.WithLabelValues("success").Inc()

	default:
		m.capacity.Record(report)
		metrics.TasksCompletedTotal.WithLabelValues(string(t.ResultCode)).Inc()
	}

	m.tasks.MarkWaitingRetrieval(t.ID)
	m.publish(txlog.EventTaskRetrieved, t.ID, workerID, string(t.ResultCode))
	if m.perfWriter != nil {
		m.perfWriter.RecordReport(report)
	}
	return nil
}

// Wait implements the caller-facing retrieval API: it returns the next
// WAITING_RETRIEVAL task's report (transitioning it to RETRIEVED) or nil if
// none is ready within timeout. An empty tag matches any task; a non-empty
// tag only matches tasks submitted with that exact tag. Ownership of the
// returned TaskReport passes to the caller.
func (m *Manager) Wait(timeout time.Duration, tag string) *types.TaskReport {
	deadline := time.Now().Add(timeout)
	for {
		for _, t := range m.tasks.All() {
			if t.State != types.TaskStateWaitingRetrieval {
				continue
			}
			if tag != "" && t.Tag != tag {
				continue
			}
			m.tasks.MarkRetrieved(t.ID)
			report := types.TaskReport{
				TaskID:      t.ID,
				WorkerID:    t.WorkerID,
				SubmitTime:  t.SubmitTime,
				CommitStart: t.CommitStart,
				CommitEnd:   t.CommitEnd,
				FinishTime:  t.FinishTime,
				Resources:   t.Assigned,
				ResultCode:  t.ResultCode,
			}
			return &report
		}
		if time.Now().After(deadline) {
			return nil
		}
		m.turn(50 * time.Millisecond)
	}
}

// WaitAll behaves like Wait but keeps collecting every currently-available
// WAITING_RETRIEVAL report (matching tag) instead of stopping at the
// first: a single call drains everything ready right now rather than
// forcing the caller to poll once per task.
func (m *Manager) WaitAll(timeout time.Duration, tag string) []*types.TaskReport {
	var out []*types.TaskReport
	if first := m.Wait(timeout, tag); first != nil {
		out = append(out, first)
	} else {
		return out
	}
	for {
		more := false
		for _, t := range m.tasks.All() {
			if t.State != types.TaskStateWaitingRetrieval {
				continue
			}
			if tag != "" && t.Tag != tag {
				continue
			}
			m.tasks.MarkRetrieved(t.ID)
			out = append(out, &types.TaskReport{
				TaskID:      t.ID,
				WorkerID:    t.WorkerID,
				SubmitTime:  t.SubmitTime,
				CommitStart: t.CommitStart,
				CommitEnd:   t.CommitEnd,
				FinishTime:  t.FinishTime,
				Resources:   t.Assigned,
				ResultCode:  t.ResultCode,
			})
			more = true
		}
		if !more {
			return out
		}
	}
}

// checkKeepalives sends periodic keepalive checks and disconnects workers
// that have gone silent past the configured timeout.
func (m *Manager) checkKeepalives(now time.Time) {
	for _, w := range m.registry.All() {
		if now.Sub(w.LastMsgTime) > m.cfg.KeepaliveTimeout {
			connID := w.ID
			m.removeConn(connID, "keepalive_timeout")
			metrics.KeepaliveTimeoutsTotal.Inc()
			continue
		}
		if now.Sub(w.LastKeepalive) > m.cfg.KeepaliveInterval {
			if conn := m.conns[w.ID]; conn != nil {
				conn.WriteLine("%s", protocol.VerbCheck)
				w.LastKeepalive = now
			}
		}
	}
}

// checkFastAborts cancels back to READY any running task whose runtime
// has passed its category's current fast-abort threshold. A worker hit
// twice in a row is blocklisted and dropped.
func (m *Manager) checkFastAborts(now time.Time) {
	for _, t := range m.tasks.All() {
		if t.State != types.TaskStateRunning {
			continue
		}
		threshold, ok := m.categories.FastAbortThreshold(t.Category)
		if !ok {
			continue
		}
		runtime := now.Sub(t.CommitStart).Seconds()
		if runtime < threshold {
			continue
		}

		m.categories.RecordFastAbortTrigger(t.Category)
		metrics.FastAbortsTotal.Inc()
		workerID := t.WorkerID
		w := m.registry.Get(workerID)

		if conn := m.conns[workerID]; conn != nil {
			conn.WriteLine("%s %d", protocol.VerbKill, t.ID)
		}
		m.releaseAssignment(t)
		m.tasks.Resubmit(t.ID, false)
		metrics.TasksResubmittedTotal.WithLabelValues("fast_abort").Inc()

		if w == nil {
			continue
		}
		if w.FastAbortAlarm {
			m.registry.Block(w.Hostname)
			m.removeConn(workerID, "fast_abort")
		} else {
			w.FastAbortAlarm = true
		}
	}
}

// checkExpiry marks a READY task whose try count exceeds MaxRetries as DONE
// with MAX_RETRIES, locally, without any worker cooperation. Tasks carry no
// deadline, so no time limit is enforced here.
func (m *Manager) checkExpiry(now time.Time) {
	for _, t := range m.tasks.All() {
		if t.State != types.TaskStateReady {
			continue
		}
		if t.MaxRetries > 0 && t.TryCount > t.MaxRetries {
			t.State = types.TaskStateDone
			t.ResultCode = types.ResultMaxRetries
			t.FinishTime = now
			metrics.TasksCompletedTotal.WithLabelValues("max_retries").Inc()
		}
	}
}

// Drain blocks the given hostname and disconnects every connected worker at
// it that holds no tasks. Busy workers stay connected; the WaitLoop shuts
// each one down once it holds no tasks.
func (m *Manager) Drain(hostname string) []string {
	ids := m.registry.DrainByHostname(hostname)
	m.registry.Block(hostname)
	for _, id := range ids {
		if len(m.tasks.ByWorker(id)) == 0 {
			m.removeConn(id, "drained")
		}
	}
	return ids
}

// RegisterFactory records a worker factory's declared scaling bounds so
// TrimFactory can later enforce them.
func (m *Manager) RegisterFactory(f types.FactoryInfo) {
	m.registry.RegisterFactory(f)
}

// DefineCategory installs or replaces a category's allocation policy,
// exposed so a startup config loader can bootstrap the category table
// before any worker connects.
func (m *Manager) DefineCategory(c types.Category) {
	m.categories.Define(c)
}

// trimFactories disconnects any factory's idle workers beyond its declared
// maximum, oldest connections preferred but never a busy one: the registry
// doesn't know about task ownership, so the idle predicate is supplied
// here from the task table.
func (m *Manager) trimFactories(factoryNames []string) {
	idle := func(id string) bool { return len(m.tasks.ByWorker(id)) == 0 }
	for _, name := range factoryNames {
		ids, err := m.registry.TrimFactory(name, idle)
		if err != nil {
			continue
		}
		for _, id := range ids {
			m.removeConn(id, "factory_trim")
		}
	}
}

func (m *Manager) publish(kind txlog.EventType, taskID int64, workerID, detail string) {
	ev := &txlog.Event{Type: kind, TaskID: taskID, WorkerID: workerID, Message: detail, Timestamp: time.Now()}
	m.broker.Publish(ev)
	if m.txnWriter != nil {
		m.txnWriter.Record(ev)
	}
}
