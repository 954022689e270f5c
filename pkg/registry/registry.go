// Package registry implements the WorkerRegistry: bookkeeping for every
// worker connection the manager currently holds, including the blocklist
// and factory-trim operations.
package registry

import (
	"fmt"
	"sort"

	"github.com/cuemby/dworq/pkg/log"
	"github.com/cuemby/dworq/pkg/metrics"
	"github.com/cuemby/dworq/pkg/types"
	"github.com/rs/zerolog"
)

// Registry tracks every connected Worker by its connection handle.
type Registry struct {
	logger    zerolog.Logger
	workers   map[string]*types.Worker
	blocklist map[string]bool // hostname -> blocked
	factories map[string]types.FactoryInfo
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		logger:    log.WithComponent("registry"),
		workers:   make(map[string]*types.Worker),
		blocklist: make(map[string]bool),
		factories: make(map[string]types.FactoryInfo),
	}
}

// Accept registers a newly handshaken worker. The caller has already read
// the `dataswarm` handshake line and populated hostname/resources.
func (r *Registry) Accept(w *types.Worker) {
	if w.Tasks == nil {
		w.Tasks = make(map[int64]bool)
	}
	r.workers[w.ID] = w
	metrics.WorkersConnected.Set(float64(len(r.workers)))
	r.logger.Info().Str("worker_id", w.ID).Str("hostname", w.Hostname).Msg("worker connected")
}

// Get returns the worker with the given handle, or nil.
func (r *Registry) Get(id string) *types.Worker {
	return r.workers[id]
}

// All returns every connected worker.
func (r *Registry) All() []*types.Worker {
	out := make([]*types.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove drops a worker from the registry. The caller is responsible for
// reaping the worker's owned tasks back to READY before or after calling
// this; the registry itself only tracks connections, not task ownership.
func (r *Registry) Remove(id string, reason string) {
	if _, ok := r.workers[id]; !ok {
		return
	}
	delete(r.workers, id)
	metrics.WorkersConnected.Set(float64(len(r.workers)))
	metrics.WorkerDisconnectsTotal.WithLabelValues(reason).Inc()
	r.logger.Info().Str("worker_id", id).Str("reason", reason).Msg("worker removed")
}

// Len returns the number of connected workers.
func (r *Registry) Len() int {
	return len(r.workers)
}

// Block adds a hostname to the blocklist; new connections from that
// hostname are rejected and existing connections may be drained.
func (r *Registry) Block(hostname string) {
	r.blocklist[hostname] = true
}

// Unblock removes a hostname from the blocklist.
func (r *Registry) Unblock(hostname string) {
	delete(r.blocklist, hostname)
}

// IsBlocked reports whether a hostname is currently blocked.
func (r *Registry) IsBlocked(hostname string) bool {
	return r.blocklist[hostname]
}

// DrainByHostname returns the handles of every connected worker whose
// hostname exactly matches the given pattern. Each candidate hostname is
// checked independently against the pattern; a worker is drained only when
// its own hostname matches, not merely because some other worker's does.
func (r *Registry) DrainByHostname(hostname string) []string {
	var ids []string
	for id, w := range r.workers {
		if w.Hostname == hostname {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// RegisterFactory records a factory's declared scaling bounds.
func (r *Registry) RegisterFactory(f types.FactoryInfo) {
	r.factories[f.Name] = f
}

// FactoryNames lists every factory with a registered scaling bound.
func (r *Registry) FactoryNames() []string {
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// TrimFactory returns the handles of workers belonging to factoryName
// beyond its configured maximum. Oldest connections are preferred for
// removal so the newest capacity (most likely still starting up a task) is
// kept, but a worker is only ever selected if idle reports it as such; the
// registry itself has no notion of task ownership, so idle is supplied by
// the caller. Candidates are walked oldest-first past any busy worker
// until excess idle ones are found or the set is exhausted, so a busy
// worker among the oldest connections no longer under-trims the factory.
func (r *Registry) TrimFactory(factoryName string, idle func(id string) bool) ([]string, error) {
	f, ok := r.factories[factoryName]
	if !ok {
		return nil, fmt.Errorf("unknown factory %q", factoryName)
	}
	var members []*types.Worker
	for _, w := range r.workers {
		if w.FactoryName == factoryName {
			members = append(members, w)
		}
	}
	if len(members) <= f.MaxWorkers {
		return nil, nil
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].ConnectTime.Before(members[j].ConnectTime)
	})
	excess := len(members) - f.MaxWorkers
	trimmed := make([]string, 0, excess)
	for _, w := range members {
		if len(trimmed) >= excess {
			break
		}
		if idle != nil && !idle(w.ID) {
			continue
		}
		trimmed = append(trimmed, w.ID)
	}
	return trimmed, nil
}
