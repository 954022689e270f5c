// Package tasktable owns every Task by ID and the priority-ordered ready
// queue the scheduler draws from.
package tasktable

import (
	"container/list"

	"github.com/cuemby/dworq/pkg/log"
	"github.com/cuemby/dworq/pkg/types"
	"github.com/rs/zerolog"
)

// Table indexes tasks by ID and maintains the ready queue separately from
// the full task set, since a task can be READY, RUNNING,
// WAITING_RETRIEVAL, RETRIEVED, DONE, or CANCELED while only READY tasks
// sit in the queue.
type Table struct {
	logger zerolog.Logger
	tasks  map[int64]*types.Task
	ready  *list.List // of int64 task IDs, priority order, highest first
	nextID int64
}

// New creates an empty task table.
func New() *Table {
	return &Table{
		logger: log.WithComponent("tasktable"),
		tasks:  make(map[int64]*types.Task),
		ready:  list.New(),
	}
}

// Submit assigns a new ID to t, inserts it into the ready queue in
// priority order (ties broken by submission order, i.e. FIFO among equal
// priorities), and returns the assigned ID.
func (tb *Table) Submit(t *types.Task) int64 {
	tb.nextID++
	t.ID = tb.nextID
	t.State = types.TaskStateReady
	tb.tasks[t.ID] = t
	tb.insertByPriority(t.ID)
	return t.ID
}

func (tb *Table) insertByPriority(id int64) {
	t := tb.tasks[id]
	for e := tb.ready.Front(); e != nil; e = e.Next() {
		other := tb.tasks[e.Value.(int64)]
		if t.Priority > other.Priority {
			tb.ready.InsertBefore(id, e)
			return
		}
	}
	tb.ready.PushBack(id)
}

// Resubmit puts a task back into the READY state. Resource-exhaustion
// resubmissions go to the head of the queue, bypassing normal priority
// ordering, so a single oversized task cannot starve every task behind it
// in line (head-of-line blocking).
func (tb *Table) Resubmit(id int64, headOfLine bool) {
	t, ok := tb.tasks[id]
	if !ok {
		return
	}
	t.State = types.TaskStateReady
	t.WorkerID = ""
	if headOfLine {
		tb.ready.PushFront(id)
	} else {
		tb.insertByPriority(id)
	}
}

// RemoveFromReady drops id from the ready queue without touching the task
// record itself, used when cancelling a task that has not yet been
// dispatched to any worker.
func (tb *Table) RemoveFromReady(id int64) {
	for e := tb.ready.Front(); e != nil; e = e.Next() {
		if e.Value.(int64) == id {
			tb.ready.Remove(e)
			return
		}
	}
}

// Get returns the task with the given ID, or nil.
func (tb *Table) Get(id int64) *types.Task {
	return tb.tasks[id]
}

// PeekReady returns the ID at the head of the ready queue without removing
// it, or 0 if the queue is empty.
func (tb *Table) PeekReady() int64 {
	e := tb.ready.Front()
	if e == nil {
		return 0
	}
	return e.Value.(int64)
}

// PopReady removes and returns the task at the head of the ready queue.
func (tb *Table) PopReady() *types.Task {
	e := tb.ready.Front()
	if e == nil {
		return nil
	}
	tb.ready.Remove(e)
	return tb.tasks[e.Value.(int64)]
}

// PushFrontReady reinserts an already-popped ready task ID at the head of
// the queue, used when the scheduler could not place it this turn and
// must try again without losing its position.
func (tb *Table) PushFrontReady(id int64) {
	tb.ready.PushFront(id)
}

// ReadyLen returns the number of tasks currently in the ready queue.
func (tb *Table) ReadyLen() int {
	return tb.ready.Len()
}

// MarkRunning transitions a task to RUNNING, assigned to workerID.
func (tb *Table) MarkRunning(id int64, workerID string) {
	t, ok := tb.tasks[id]
	if !ok {
		return
	}
	t.State = types.TaskStateRunning
	t.WorkerID = workerID
	t.TryCount++
}

// MarkWaitingRetrieval transitions a task whose result has arrived but has
// not yet been handed to a caller.
func (tb *Table) MarkWaitingRetrieval(id int64) {
	if t, ok := tb.tasks[id]; ok {
		t.State = types.TaskStateWaitingRetrieval
	}
}

// MarkRetrieved transitions a task to RETRIEVED once a caller has taken its
// result via Wait.
func (tb *Table) MarkRetrieved(id int64) {
	if t, ok := tb.tasks[id]; ok {
		t.State = types.TaskStateRetrieved
	}
}

// Remove deletes a task entirely (used for CANCELED/DONE tasks the caller
// has fully consumed).
func (tb *Table) Remove(id int64) {
	delete(tb.tasks, id)
}

// ByWorker returns every task currently assigned to the given worker,
// regardless of state.
func (tb *Table) ByWorker(workerID string) []*types.Task {
	var out []*types.Task
	for _, t := range tb.tasks {
		if t.WorkerID == workerID {
			out = append(out, t)
		}
	}
	return out
}

// All returns every known task, for status reporting.
func (tb *Table) All() []*types.Task {
	out := make([]*types.Task, 0, len(tb.tasks))
	for _, t := range tb.tasks {
		out = append(out, t)
	}
	return out
}

// CountByState returns how many tasks are currently in each state.
func (tb *Table) CountByState() map[types.TaskState]int {
	counts := make(map[types.TaskState]int)
	for _, t := range tb.tasks {
		counts[t.State]++
	}
	return counts
}
