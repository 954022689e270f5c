// Package category implements the CategoryTable: per-category allocation
// policy, the scheduler's dynamic_max lookup, and the resource-exhaustion
// retry decision function (category_next_label).
package category

import (
	"sync"

	"github.com/cuemby/dworq/pkg/log"
	"github.com/cuemby/dworq/pkg/types"
	"github.com/rs/zerolog"
)

// historyWindow bounds how many completed tasks' actual usage a category
// remembers in its History; choose_resources does not consult it.
const historyWindow = 50

// Table owns every Category by name.
type Table struct {
	mu         sync.Mutex
	logger     zerolog.Logger
	categories map[string]*types.Category
}

// NewTable creates a table with a "default" category already present, so
// tasks submitted without naming one still have an allocation policy.
func NewTable() *Table {
	t := &Table{
		logger:     log.WithComponent("category"),
		categories: make(map[string]*types.Category),
	}
	t.categories["default"] = &types.Category{
		Name:                "default",
		Mode:                types.AllocationMax,
		FastAbortMultiplier: 10,
	}
	return t
}

// Define inserts or replaces a category's policy. FastAbortMultiplier of 0
// is interpreted as "use the manager default" (10), not disabled; a
// negative multiplier disables fast-abort for the category.
func (t *Table) Define(c types.Category) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c.FastAbortMultiplier == 0 {
		c.FastAbortMultiplier = 10
	}
	t.categories[c.Name] = &c
}

// Get returns the named category, falling back to "default".
func (t *Table) Get(name string) *types.Category {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.categories[name]; ok {
		return c
	}
	return t.categories["default"]
}

// RecordCompletion appends a finished task's actual resource usage to the
// category's bounded history, dropping the oldest entries beyond
// historyWindow.
func (t *Table) RecordCompletion(categoryName string, used types.Resources) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.categories[categoryName]
	if !ok {
		return
	}
	c.History = append(c.History, used)
	if len(c.History) > historyWindow {
		c.History = c.History[len(c.History)-historyWindow:]
	}
}

// RecordTaskTime folds a successfully completed task's three timing phases
// (worker execution, send-to-worker, receive-from-worker) into the
// category's running totals, feeding AverageTaskTime for fast-abort.
func (t *Table) RecordTaskTime(categoryName string, exec, send, recv float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.categories[categoryName]
	if !ok {
		return
	}
	c.TasksDone++
	c.ExecGoodTotal += exec
	c.SendGoodTotal += send
	c.RecvGoodTotal += recv
}

// FastAbortThreshold reports the runtime (seconds) beyond which a running
// task in this category should be cancelled as a fast-abort, and whether
// enough history exists to evaluate it at all. A configured multiplier <= 0
// disables fast-abort for the category (0 means "use the manager default",
// already resolved onto the category by Define; a caller-supplied negative
// multiplier means explicitly disabled).
func (t *Table) FastAbortThreshold(categoryName string) (float64, bool) {
	t.mu.Lock()
	c, ok := t.categories[categoryName]
	t.mu.Unlock()
	if !ok || c.FastAbortMultiplier <= 0 {
		return 0, false
	}
	avg, ready := c.AverageTaskTime()
	if !ready {
		return 0, false
	}
	return avg * (c.FastAbortMultiplier + float64(c.FastAbortCount)), true
}

// RecordFastAbortTrigger increments the category's fast_abort_count after a
// trigger fires, loosening the threshold for subsequent turns.
func (t *Table) RecordFastAbortTrigger(categoryName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.categories[categoryName]; ok {
		c.FastAbortCount++
	}
}

// DynamicMax resolves the scheduler's starting box for a task: each
// dimension the submitter specified explicitly is kept as-is; every
// unspecified dimension falls back to the category's configured maximum
// (which may itself be zero, meaning "no opinion").
func (t *Table) DynamicMax(categoryName string, requested types.Resources) types.Resources {
	c := t.Get(categoryName)
	out := requested
	if out.Cores == 0 {
		out.Cores = c.Max.Cores
	}
	if out.Memory == 0 {
		out.Memory = c.Max.Memory
	}
	if out.Disk == 0 {
		out.Disk = c.Max.Disk
	}
	if out.GPUs == 0 {
		out.GPUs = c.Max.GPUs
	}
	return out
}

// ClampToMin raises any dimension of box below the category's configured
// minimum up to that minimum, the final step of choose_resources.
func (t *Table) ClampToMin(categoryName string, box types.Resources) types.Resources {
	c := t.Get(categoryName)
	if box.Cores < c.Min.Cores {
		box.Cores = c.Min.Cores
	}
	if box.Memory < c.Min.Memory {
		box.Memory = c.Min.Memory
	}
	if box.Disk < c.Min.Disk {
		box.Disk = c.Min.Disk
	}
	if box.GPUs < c.Min.GPUs {
		box.GPUs = c.Min.GPUs
	}
	return box
}

// NextLabel is category_next_label: given the box a task was using when it
// hit RESOURCE_EXHAUSTION, decide whether a larger allocation is worth
// trying. It grows every dimension halfway to the category's maximum; if
// the box is already at (or the category has no configured) maximum, there
// is nothing larger to try and the task should fail permanently with
// CATEGORY_ALLOCATION_ERROR.
func (t *Table) NextLabel(categoryName string, lastBox types.Resources) (types.Resources, bool) {
	c := t.Get(categoryName)
	if !hasMax(c.Max) {
		return types.Resources{}, false
	}
	next := growTowardMax(lastBox, c.Max, 0.5)
	if next == lastBox {
		return types.Resources{}, false
	}
	return next, true
}

func hasMax(max types.Resources) bool {
	return max.Cores > 0 || max.Memory > 0 || max.Disk > 0 || max.GPUs > 0
}

// growTowardMax scales r up by fraction of the remaining distance to max.
func growTowardMax(r, max types.Resources, fraction float64) types.Resources {
	grow := func(cur, cap int64) int64 {
		if cap <= 0 || cur >= cap {
			return cur
		}
		delta := float64(cap-cur) * fraction
		next := cur + int64(delta) + 1
		if next > cap {
			next = cap
		}
		return next
	}
	return types.Resources{
		Cores:  grow(r.Cores, max.Cores),
		Memory: grow(r.Memory, max.Memory),
		Disk:   grow(r.Disk, max.Disk),
		GPUs:   grow(r.GPUs, max.GPUs),
	}
}
