package manager

import (
	"encoding/json"
	"strings"

	"github.com/cuemby/dworq/pkg/protocol"
	"github.com/cuemby/dworq/pkg/types"
)

// masterRecord is the catalog/status JSON shape: a self-description any
// status query or catalog POST can use as-is.
type masterRecord struct {
	Type             string `json:"type"`
	Project          string `json:"project"`
	Port             int    `json:"port"`
	Version          string `json:"version,omitempty"`
	TasksWaiting     int    `json:"tasks_waiting"`
	TasksRunning     int    `json:"tasks_running"`
	TasksWaitingRet  int    `json:"tasks_waiting_retrieval"`
	WorkersConnected int    `json:"workers_connected"`
	CapacityTasks    int    `json:"capacity_tasks"`
	CapacityCores    int    `json:"capacity_cores"`
}

func (m *Manager) buildMasterRecord() masterRecord {
	counts := m.statusCounts()
	est := m.capacity.Estimate()
	return masterRecord{
		Type:             "ds_master",
		Project:          m.cfg.ProjectName,
		Port:             m.cfg.Port,
		TasksWaiting:     counts[types.TaskStateReady],
		TasksRunning:     counts[types.TaskStateRunning],
		TasksWaitingRet:  counts[types.TaskStateWaitingRetrieval],
		WorkersConnected: m.registry.Len(),
		CapacityTasks:    int(est.Tasks),
		CapacityCores:    int(est.Cores),
	}
}

type taskStatusEntry struct {
	ID       int64            `json:"task_id"`
	State    types.TaskState  `json:"state"`
	Category string           `json:"category"`
	WorkerID string           `json:"worker_id,omitempty"`
	TryCount int              `json:"try_count"`
	Result   types.ResultCode `json:"result,omitempty"`
}

type workerStatusEntry struct {
	ID        string `json:"worker_id"`
	Hostname  string `json:"hostname"`
	Cores     int64  `json:"cores"`
	CoresUsed int64  `json:"cores_used"`
	Memory    int64  `json:"memory"`
	MemoryUsed int64 `json:"memory_used"`
	TasksRunning int `json:"tasks_running"`
}

type resourcesStatusEntry struct {
	Kind      string `json:"resource"`
	Total     int64  `json:"total"`
	InUse     int64  `json:"in_use"`
}

func (m *Manager) statusJSON(verb string) []byte {
	var body interface{}
	switch verb {
	case protocol.VerbQueueStatus:
		body = []masterRecord{m.buildMasterRecord()}

	case protocol.VerbTaskStatus:
		var out []taskStatusEntry
		for _, t := range m.tasks.All() {
			out = append(out, taskStatusEntry{
				ID: t.ID, State: t.State, Category: t.Category,
				WorkerID: t.WorkerID, TryCount: t.TryCount, Result: t.ResultCode,
			})
		}
		body = out

	case protocol.VerbWorkerStatus, protocol.VerbWableStatus:
		var out []workerStatusEntry
		for _, w := range m.registry.All() {
			model := m.models[w.ID]
			var coresUsed, memUsed int64
			if model != nil {
				coresUsed, memUsed = model.InUse.Cores, model.InUse.Memory
			}
			out = append(out, workerStatusEntry{
				ID: w.ID, Hostname: w.Hostname, Cores: w.Total.Cores, CoresUsed: coresUsed,
				Memory: w.Total.Memory, MemoryUsed: memUsed, TasksRunning: len(w.Tasks),
			})
		}
		body = out

	case protocol.VerbResourcesStatus:
		var total, inuse types.Resources
		for _, w := range m.registry.All() {
			model := m.models[w.ID]
			if model == nil {
				continue
			}
			total.Cores += model.Total.Cores
			total.Memory += model.Total.Memory
			total.Disk += model.Total.Disk
			total.GPUs += model.Total.GPUs
			inuse.Cores += model.InUse.Cores
			inuse.Memory += model.InUse.Memory
			inuse.Disk += model.InUse.Disk
			inuse.GPUs += model.InUse.GPUs
		}
		body = []resourcesStatusEntry{
			{Kind: "cores", Total: total.Cores, InUse: inuse.Cores},
			{Kind: "memory", Total: total.Memory, InUse: inuse.Memory},
			{Kind: "disk", Total: total.Disk, InUse: inuse.Disk},
			{Kind: "gpus", Total: total.GPUs, InUse: inuse.GPUs},
		}

	default:
		body = []masterRecord{}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return []byte("[]")
	}
	return data
}

// writeStatusResponse answers a bare status verb sent directly over the
// worker wire protocol (not HTTP): a single JSON array line.
func (m *Manager) writeStatusResponse(conn *protocol.Conn, verb string) {
	conn.WriteLine("%s", m.statusJSON(verb))
}

const htmlIndex = `<html><body><h1>dworq manager</h1><ul>
<li><a href="/queue_status">/queue_status</a></li>
<li><a href="/task_status">/task_status</a></li>
<li><a href="/worker_status">/worker_status</a></li>
<li><a href="/resources_status">/resources_status</a></li>
</ul></body></html>`

// serveInlineHTTP answers a raw HTTP GET request multiplexed onto the
// worker listening socket, then disconnects.
func (m *Manager) serveInlineHTTP(conn *protocol.Conn, req *httpRequest) {
	if err := conn.DrainHTTPHeaders(); err != nil {
		m.removeConn(conn.ID, "http_read_error")
		return
	}

	path := strings.TrimPrefix(req.path, "/")
	var body []byte
	var contentType string
	switch path {
	case "", "/":
		body, contentType = []byte(htmlIndex), "text/html"
	case protocol.VerbQueueStatus, protocol.VerbTaskStatus, protocol.VerbWorkerStatus,
		protocol.VerbResourcesStatus, protocol.VerbWableStatus:
		body, contentType = m.statusJSON(path), "text/plain"
	default:
		body, contentType = []byte("[]"), "text/plain"
	}

	conn.WriteHTTPResponse(contentType, body)
	m.removeConn(conn.ID, "http_status_query")
}
