// Package resources implements the fixed-layout resource accounting shared
// by every worker and the aggregate pool view the scheduler consults.
package resources

import "github.com/cuemby/dworq/pkg/types"

// overcommitKinds lists the resource kinds the overcommit multiplier may be
// applied to. Disk is never overcommitted: running out of disk mid-task
// corrupts output in a way running out of cores or memory does not.
var overcommitKinds = map[types.ResourceKind]bool{
	types.ResourceCores:  true,
	types.ResourceMemory: true,
	types.ResourceGPUs:   true,
}

// Model is a four-field resource record: total capacity, amount currently
// in use, and the smallest/largest single allocation observed, per
// resource kind.
type Model struct {
	Total    types.Resources
	InUse    types.Resources
	Smallest types.Resources
	Largest  types.Resources

	Slots    int64
	SlotsUse int64
}

// Available returns the unused portion of Total.
func (m *Model) Available() types.Resources {
	return types.Resources{
		Cores:  m.Total.Cores - m.InUse.Cores,
		Memory: m.Total.Memory - m.InUse.Memory,
		Disk:   m.Total.Disk - m.InUse.Disk,
		GPUs:   m.Total.GPUs - m.InUse.GPUs,
	}
}

// Add records a single worker's self-reported total/smallest/largest for
// one resource kind, replacing any previous value this model held for that
// kind. A worker's own `resource` line is authoritative for itself; it is
// not accumulated across workers the way a pool-wide aggregate would be.
func (m *Model) Add(kind types.ResourceKind, total, smallest, largest, slots int64) {
	switch kind {
	case types.ResourceCores:
		m.Total.Cores, m.Smallest.Cores, m.Largest.Cores = total, smallest, largest
	case types.ResourceMemory:
		m.Total.Memory, m.Smallest.Memory, m.Largest.Memory = total, smallest, largest
	case types.ResourceDisk:
		m.Total.Disk, m.Smallest.Disk, m.Largest.Disk = total, smallest, largest
	case types.ResourceGPUs:
		m.Total.GPUs, m.Smallest.GPUs, m.Largest.GPUs = total, smallest, largest
	case types.ResourceSlots:
		m.Slots = slots
	}
}

// Reserve accounts resources in use; the caller must have already checked
// Fits.
func (m *Model) Reserve(r types.Resources) {
	m.InUse.Cores += r.Cores
	m.InUse.Memory += r.Memory
	m.InUse.Disk += r.Disk
	m.InUse.GPUs += r.GPUs
	m.SlotsUse++
}

// Release returns previously reserved resources to the available pool.
func (m *Model) Release(r types.Resources) {
	m.InUse.Cores -= r.Cores
	m.InUse.Memory -= r.Memory
	m.InUse.Disk -= r.Disk
	m.InUse.GPUs -= r.GPUs
	m.SlotsUse--
}

// Fits reports whether r can be satisfied by the unused capacity of this
// model when overcommit is applied to cores, memory, and GPUs but never to
// disk.
func (m *Model) Fits(r types.Resources, overcommit float64) bool {
	avail := m.Available()
	if !fitsKind(avail.Cores, r.Cores, overcommit, true) {
		return false
	}
	if !fitsKind(avail.Memory, r.Memory, overcommit, true) {
		return false
	}
	if !fitsKind(avail.Disk, r.Disk, 1.0, false) {
		return false
	}
	if !fitsKind(avail.GPUs, r.GPUs, overcommit, true) {
		return false
	}
	return m.SlotsUse < m.Slots
}

func fitsKind(available, requested int64, overcommit float64, mayOvercommit bool) bool {
	if requested <= 0 {
		return true
	}
	limit := float64(available)
	if mayOvercommit && overcommit > 1.0 {
		limit *= overcommit
	}
	return float64(requested) <= limit
}
