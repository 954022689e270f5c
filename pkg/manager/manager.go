// Package manager implements the task state machine, worker-pool
// bookkeeping, and the manager's single cooperative event loop.
//
// Manager owns nothing across restarts; all cluster state lives in the
// in-memory registry/tasktable/category/scheduler/capacity components it
// wires together and drives from a single goroutine.
package manager

import (
	"io"
	"net"
	"time"

	"github.com/cuemby/dworq/pkg/capacity"
	"github.com/cuemby/dworq/pkg/category"
	"github.com/cuemby/dworq/pkg/log"
	"github.com/cuemby/dworq/pkg/protocol"
	"github.com/cuemby/dworq/pkg/registry"
	"github.com/cuemby/dworq/pkg/resources"
	"github.com/cuemby/dworq/pkg/scheduler"
	"github.com/cuemby/dworq/pkg/tasktable"
	"github.com/cuemby/dworq/pkg/txlog"
	"github.com/cuemby/dworq/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config configures a Manager.
type Config struct {
	ProjectName string
	Port        int

	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	ShortTimeout      time.Duration

	// WaitForWorkers is the minimum connected-worker count before the
	// scheduler is consulted at all; 0 means "dispatch as soon as any
	// worker is connected".
	WaitForWorkers int

	OvercommitMultiplier    float64
	ForceProportionalBoxing bool
	SchedulingPolicy        scheduler.Policy

	CatalogHosts          []string
	CatalogUpdateInterval time.Duration

	DefaultFastAbortMultiplier float64

	TxnLogFile  io.Writer
	PerfLogFile io.Writer
}

// wireEvent is one unit of work handed from a per-connection reader
// goroutine to the WaitLoop. All task/worker/category state is mutated
// only by the goroutine draining this channel, so the manager stays
// single-owner-thread even though I/O itself happens off that thread; this
// is the idiomatic-Go substitute for a raw poll() over worker file
// descriptors.
type wireEvent struct {
	connID  string
	line    string
	payload []byte
	httpReq *httpRequest
	err     error
}

type httpRequest struct {
	method string
	path   string
}

// Manager ties every core component together and runs the WaitLoop.
type Manager struct {
	cfg Config

	logger zerolog.Logger

	registry   *registry.Registry
	tasks      *tasktable.Table
	categories *category.Table
	scheduler  *scheduler.Scheduler
	capacity   *capacity.Estimator
	broker     *txlog.Broker
	txnWriter  *txlog.Writer
	perfWriter *txlog.Writer

	// models tracks each worker's live resource model by connection ID,
	// kept separately from types.Worker so scheduler.Candidate can hand
	// out pointers without the registry needing to know about resources.Model.
	models map[string]*resources.Model

	listener net.Listener
	conns    map[string]*protocol.Conn
	// connWorker maps a connection ID to the worker ID it has identified
	// as, once the dataswarm handshake completes.
	connWorker map[string]string

	events   chan wireEvent
	newConns chan net.Conn

	lastCatalogUpdate   time.Time
	lastResourceMeasure time.Time
	lastLargeTaskCheck  time.Time
	idleLastTurn        bool
	loadEWMA            float64

	stopped bool
}

// New creates a Manager bound to the given listener. Callers construct the
// listener themselves (plain or TLS) so TLS wrapping stays an external
// collaborator.
func New(cfg Config, listener net.Listener) *Manager {
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = 30 * time.Second
	}
	if cfg.KeepaliveTimeout == 0 {
		cfg.KeepaliveTimeout = 30 * time.Second
	}
	if cfg.ShortTimeout == 0 {
		cfg.ShortTimeout = 5 * time.Second
	}
	if cfg.CatalogUpdateInterval == 0 {
		cfg.CatalogUpdateInterval = 60 * time.Second
	}
	if cfg.OvercommitMultiplier < 1.0 {
		cfg.OvercommitMultiplier = 1.0
	}

	categories := category.NewTable()
	m := &Manager{
		cfg:              cfg,
		logger:           log.WithComponent("manager"),
		registry:         registry.New(),
		tasks:            tasktable.New(),
		categories:       categories,
		scheduler:        scheduler.New(cfg.SchedulingPolicy, categories, cfg.OvercommitMultiplier, cfg.ForceProportionalBoxing, time.Now().UnixNano()),
		capacity:         capacity.New(),
		broker:           txlog.NewBroker(),
		models:           make(map[string]*resources.Model),
		listener:         listener,
		conns:            make(map[string]*protocol.Conn),
		connWorker:       make(map[string]string),
		events:           make(chan wireEvent, 1024),
		newConns:         make(chan net.Conn, 64),
	}
	if cfg.TxnLogFile != nil {
		m.txnWriter = txlog.NewWriter(cfg.TxnLogFile)
	}
	if cfg.PerfLogFile != nil {
		m.perfWriter = txlog.NewWriter(cfg.PerfLogFile)
	}
	return m
}

// acceptLoop runs in its own goroutine, feeding newConns. It never touches
// manager state directly.
func (m *Manager) acceptLoop() {
	for {
		nc, err := m.listener.Accept()
		if err != nil {
			m.logger.Warn().Err(err).Msg("listener accept failed, stopping accept loop")
			return
		}
		m.newConns <- nc
	}
}

// readLoop runs per-connection, forwarding lines (or a detected inline HTTP
// request) to the shared events channel. It is the only goroutine that ever
// reads from conn, so it is also responsible for pulling in any raw payload
// bytes a line implies (result output, update chunks, cache-invalid error
// text) before handing the line off — the WaitLoop goroutine that later
// dispatches the line never touches the socket itself. It exits on any read
// error or on the http short-circuit, leaving connection teardown to the
// WaitLoop.
func (m *Manager) readLoop(id string, conn *protocol.Conn) {
	first, err := conn.ReadLine()
	if err != nil {
		m.events <- wireEvent{connID: id, err: err}
		return
	}
	if method, path, ok := protocol.PeekIsHTTP(first); ok {
		m.events <- wireEvent{connID: id, httpReq: &httpRequest{method: method, path: path}}
		return
	}
	m.forwardLine(id, conn, first)

	for {
		line, err := conn.ReadLine()
		if err != nil {
			m.events <- wireEvent{connID: id, err: err}
			return
		}
		m.forwardLine(id, conn, line)
	}
}

func (m *Manager) forwardLine(id string, conn *protocol.Conn, line string) {
	var payload []byte
	if n := protocol.PayloadLen(line); n > 0 {
		raw, err := conn.ReadN(n)
		if err != nil {
			m.events <- wireEvent{connID: id, err: err}
			return
		}
		payload = raw
	}
	m.events <- wireEvent{connID: id, line: line, payload: payload}
}

// registerConn assigns a handle for a freshly accepted connection and
// starts its reader goroutine.
func (m *Manager) registerConn(nc net.Conn) string {
	id := uuid.NewString()
	conn := protocol.NewConn(id, nc)
	m.conns[id] = conn
	go m.readLoop(id, conn)
	return id
}

// removeConn tears down bookkeeping for a connection handle and, if it had
// identified as a worker, reaps that worker's tasks back to READY.
func (m *Manager) removeConn(connID string, reason string) {
	if conn, ok := m.conns[connID]; ok {
		conn.Close()
		delete(m.conns, connID)
	}
	delete(m.models, connID)

	workerID, ok := m.connWorker[connID]
	if !ok {
		return
	}
	delete(m.connWorker, connID)
	m.disconnectWorker(workerID, reason)
}

func (m *Manager) statusCounts() map[types.TaskState]int {
	return m.tasks.CountByState()
}
