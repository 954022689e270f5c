package manager

import (
	"fmt"
	"time"

	"github.com/cuemby/dworq/pkg/protocol"
	"github.com/cuemby/dworq/pkg/resources"
	"github.com/cuemby/dworq/pkg/txlog"
	"github.com/cuemby/dworq/pkg/types"
)

const (
	maxNewWorkersPerTurn  = 10
	resourceMeasureEvery  = 30 * time.Second
	largeTaskCheckEvery   = 3 * time.Minute
)

// Run starts the accept loop and drives the WaitLoop until Stop is called.
func (m *Manager) Run() {
	go m.acceptLoop()
	for !m.stopped {
		m.turn(1 * time.Second)
	}
}

// Stop requests the WaitLoop exit after its current turn.
func (m *Manager) Stop() {
	m.stopped = true
}

// turn runs one full pass of the WaitLoop's per-turn procedure; collecting
// a finished report for the caller is Wait's responsibility, not turn's.
// It polls for at most idleTimeout if the previous turn did no work, or
// returns immediately otherwise.
func (m *Manager) turn(idleTimeout time.Duration) {
	now := time.Now()
	didWork := false

	if now.Sub(m.lastCatalogUpdate) >= m.cfg.CatalogUpdateInterval {
		m.lastCatalogUpdate = now
		m.updateCatalog()
		didWork = true
	}

	if now.Sub(m.lastResourceMeasure) >= resourceMeasureEvery {
		m.lastResourceMeasure = now
	}

	pollTimeout := idleTimeout
	if !m.idleLastTurn {
		pollTimeout = 0
	}
	if m.poll(pollTimeout) {
		didWork = true
	}

	if m.drainAvailableResults() {
		didWork = true
	}

	m.checkExpiry(now)

	if didWork {
		m.loadEWMA = 0.05*1 + 0.95*m.loadEWMA
	} else {
		m.loadEWMA = 0.95 * m.loadEWMA
	}

	if m.registry.Len() >= m.cfg.WaitForWorkers {
		m.dispatchReady()
	}

	m.checkKeepalives(now)
	m.checkFastAborts(now)

	// A worker left connected on a blocked (drained) host is shut down once
	// it holds no tasks.
	for _, w := range m.registry.All() {
		if m.registry.IsBlocked(w.Hostname) && len(w.Tasks) == 0 {
			m.removeConn(w.ID, "drained")
		}
	}

	if m.acceptNewConnections() {
		didWork = true
	}

	if now.Sub(m.lastLargeTaskCheck) >= largeTaskCheckEvery {
		m.lastLargeTaskCheck = now
		m.warnUnplaceableTasks()
		m.trimFactories(m.registry.FactoryNames())
	}

	m.idleLastTurn = !didWork
}

// poll drains every wire event already queued from connection reader
// goroutines. If none is queued yet, it waits up to timeout for the first
// one to arrive, then keeps draining non-blockingly. It returns whether
// any event was processed. New connections are left to acceptNewConnections
// (step 11) so a burst of connects cannot starve message dispatch.
func (m *Manager) poll(timeout time.Duration) bool {
	select {
	case ev := <-m.events:
		m.handleWireEvent(ev)
	case <-time.After(timeout):
		return false
	}
	processed := true
	for {
		select {
		case ev := <-m.events:
			m.handleWireEvent(ev)
		default:
			return processed
		}
	}
}

func (m *Manager) handleWireEvent(ev wireEvent) {
	if ev.err != nil {
		m.removeConn(ev.connID, "read_error")
		return
	}
	conn, ok := m.conns[ev.connID]
	if !ok {
		return
	}
	if workerID, known := m.connWorker[ev.connID]; known {
		if w := m.registry.Get(workerID); w != nil {
			w.LastMsgTime = time.Now()
		}
	}
	if ev.httpReq != nil {
		m.serveInlineHTTP(conn, ev.httpReq)
		return
	}
	if err := protocol.Dispatch(conn, ev.line, ev.payload, m); err != nil {
		m.logger.Warn().Str("conn", ev.connID).Err(err).Msg("malformed protocol line, dropping connection")
		m.removeConn(ev.connID, "protocol_error")
	}
}

// acceptNewConnections pulls up to MAX_NEW_WORKERS queued connections into
// per-connection reader goroutines.
func (m *Manager) acceptNewConnections() bool {
	accepted := false
	for i := 0; i < maxNewWorkersPerTurn; i++ {
		select {
		case nc := <-m.newConns:
			m.registerConn(nc)
			accepted = true
		default:
			return accepted
		}
	}
	return accepted
}

// drainAvailableResults does no work and always reports false: a worker's
// available_results line is answered by OnAvailableResults, which only sends
// send_results, and the results that follow arrive as ordinary lines through
// the reader goroutine and Dispatch.
func (m *Manager) drainAvailableResults() bool { return false }

func (m *Manager) warnUnplaceableTasks() {
	candidates := m.candidates()
	if len(candidates) == 0 {
		return
	}
	for _, t := range m.tasks.All() {
		if t.State != types.TaskStateReady {
			continue
		}
		fits := false
		for _, c := range candidates {
			box := m.scheduler.ChooseResources(t, c.Model)
			if c.Model.Fits(box, m.cfg.OvercommitMultiplier) {
				fits = true
				break
			}
		}
		if !fits {
			m.logger.Warn().Int64("task_id", t.ID).Msg("ready task cannot fit any known worker")
		}
	}
}

// --- protocol.Handlers implementation -------------------------------------

func (m *Manager) OnDataswarm(conn *protocol.Conn, protocolVersion, host, os, arch, version string) error {
	if protocolVersion != protocol.DataswarmProtocolVersion {
		m.registry.Block(host)
		m.removeConn(conn.ID, "protocol_version_mismatch")
		return nil
	}
	if m.registry.IsBlocked(host) {
		m.removeConn(conn.ID, "blocklisted_host")
		return nil
	}
	w := &types.Worker{
		ID:          conn.ID,
		Hostname:    host,
		Addr:        conn.Net.RemoteAddr().String(),
		Kind:        types.WorkerKindUnknown,
		Tasks:       make(map[int64]bool),
		ConnectTime: time.Now(),
		LastMsgTime: time.Now(),
	}
	m.registry.Accept(w)
	m.connWorker[conn.ID] = conn.ID
	m.models[conn.ID] = &resources.Model{}
	m.publish(txlog.EventWorkerConnect, 0, conn.ID, fmt.Sprintf("%s/%s %s", os, arch, version))
	return nil
}

func (m *Manager) OnInfo(conn *protocol.Conn, field, value string) error {
	w := m.registry.Get(conn.ID)
	if w == nil {
		return nil
	}
	switch field {
	case protocol.InfoEndOfResourceUpdate:
		w.Kind = types.WorkerKindWorker
	case protocol.InfoFromFactory:
		w.FactoryName = value
	case protocol.InfoIdleDisconnecting:
		m.removeConn(conn.ID, "worker_idle")
	}
	return nil
}

// resourceField parses fields[i] as an integer, or returns 0 if i is past
// the end of fields (older workers may omit the smallest/largest trailers).
func resourceField(fields []string, i int) int64 {
	if i >= len(fields) {
		return 0
	}
	var v int64
	fmt.Sscanf(fields[i], "%d", &v)
	return v
}

func (m *Manager) OnResource(conn *protocol.Conn, kind string, fields []string) error {
	w := m.registry.Get(conn.ID)
	model := m.models[conn.ID]
	if w == nil || model == nil || len(fields) == 0 {
		return nil
	}
	total := resourceField(fields, 0)
	smallest := resourceField(fields, 1)
	if smallest == 0 {
		smallest = total
	}
	largest := resourceField(fields, 2)
	if largest == 0 {
		largest = total
	}

	switch kind {
	case "cores":
		w.Total.Cores = total
		model.Add(types.ResourceCores, total, smallest, largest, 0)
	case "memory":
		w.Total.Memory = total
		model.Add(types.ResourceMemory, total, smallest, largest, 0)
	case "disk":
		w.Total.Disk = total
		model.Add(types.ResourceDisk, total, smallest, largest, 0)
	case "gpus":
		w.Total.GPUs = total
		model.Add(types.ResourceGPUs, total, smallest, largest, 0)
	case "workers", "slots":
		model.Add(types.ResourceSlots, 0, 0, 0, total)
	}
	return nil
}

func (m *Manager) OnFeature(conn *protocol.Conn, name string) error {
	m.logger.Debug().Str("conn", conn.ID).Str("feature", name).Msg("worker declared feature")
	return nil
}

func (m *Manager) OnCacheUpdate(conn *protocol.Conn, name string, size, ttime int64) error {
	w := m.registry.Get(conn.ID)
	if w == nil {
		return nil
	}
	if w.CurrentFiles == nil {
		w.CurrentFiles = make(map[string]int64)
	}
	w.CurrentFiles[name] = size
	return nil
}

func (m *Manager) OnCacheInvalid(conn *protocol.Conn, name string, errText string) error {
	if w := m.registry.Get(conn.ID); w != nil {
		delete(w.CurrentFiles, name)
	}
	return nil
}

func (m *Manager) OnTransferAddress(conn *protocol.Conn, addr string, port int) error {
	if w := m.registry.Get(conn.ID); w != nil {
		w.Addr = fmt.Sprintf("%s:%d", addr, port)
	}
	return nil
}

func (m *Manager) OnResult(conn *protocol.Conn, status string, exitCode int, execUS int64, taskID int64, output []byte) error {
	return m.handleResult(conn.ID, status, exitCode, execUS, taskID, output)
}

func (m *Manager) OnUpdate(conn *protocol.Conn, taskID int64, path string, offset, length int64, payload []byte) error {
	t := m.tasks.Get(taskID)
	if t == nil || t.WorkerID != conn.ID {
		return nil
	}
	m.logger.Debug().Int64("task_id", taskID).Str("path", path).Int64("offset", offset).Msg("partial update received")
	return nil
}

// OnAvailableResults asks the worker to flush every result it is holding.
// The resulting result/update/end lines arrive as ordinary subsequent lines
// on this same connection, through the regular reader goroutine and
// dispatch path; this handler only sends the request.
func (m *Manager) OnAvailableResults(conn *protocol.Conn) error {
	return conn.WriteLine("%s -1", protocol.VerbSendResults)
}

func (m *Manager) OnStatusRequest(conn *protocol.Conn, verb string) error {
	m.writeStatusResponse(conn, verb)
	m.removeConn(conn.ID, "status_query")
	return nil
}

func (m *Manager) OnUnknown(conn *protocol.Conn, line string) error {
	m.logger.Debug().Str("conn", conn.ID).Str("line", line).Msg("unrecognized protocol line")
	return nil
}
