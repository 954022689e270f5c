// Package txlog implements the manager's optional append-only transaction
// and performance log files, plus an in-process broker the lifecycle
// engine uses to publish task-state transitions to any subscriber (the log
// writer included).
package txlog

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/dworq/pkg/types"
)

// EventType names a transition the broker can publish.
type EventType string

const (
	EventTaskSubmitted  EventType = "TASK_SUBMITTED"
	EventTaskRunning    EventType = "TASK_RUNNING"
	EventTaskRetrieved  EventType = "TASK_RETRIEVED"
	EventTaskResubmit   EventType = "TASK_RESUBMIT"
	EventWorkerConnect  EventType = "WORKER_CONNECT"
	EventWorkerDisconn  EventType = "WORKER_DISCONNECT"
	EventCapacityChange EventType = "CAPACITY_CHANGE"
)

// Event is one record published to the broker.
type Event struct {
	Type      EventType
	Timestamp time.Time
	TaskID    int64
	WorkerID  string
	Message   string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans published events out to subscribers, one of which is
// typically the Writer below. It follows the manager's single cooperative
// goroutine model only in that Publish never blocks the caller for long:
// a full subscriber buffer drops the event rather than stalling the
// WaitLoop.
type Broker struct {
	mu          sync.Mutex
	subscribers map[Subscriber]bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[Subscriber]bool)}
}

// Subscribe registers a new subscriber with a modest buffer.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish fans ev out to every subscriber without blocking.
func (b *Broker) Publish(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		select {
		case sub <- ev:
		default:
		}
	}
}

// Writer appends transaction-log lines to an io.Writer, one per published
// event, in the tab-separated format used by cctools' work_queue
// transaction and performance logs. It is driven synchronously from the
// WaitLoop rather than its own goroutine, consistent with the manager's
// single-threaded design.
type Writer struct {
	out io.Writer
}

// NewWriter wraps out (typically an append-mode *os.File) as a log writer.
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Record appends one line describing ev.
func (w *Writer) Record(ev *Event) error {
	_, err := fmt.Fprintf(w.out, "%d\t%s\t%d\t%s\t%s\n",
		ev.Timestamp.UnixMicro(), ev.Type, ev.TaskID, ev.WorkerID, ev.Message)
	return err
}

// RecordReport appends a completed TaskReport as a performance-log line.
func (w *Writer) RecordReport(r types.TaskReport) error {
	_, err := fmt.Fprintf(w.out, "%d\t%d\t%s\t%d\t%d\t%d\t%s\n",
		r.FinishTime.UnixMicro(), r.TaskID, r.WorkerID,
		r.Resources.Cores, r.Resources.Memory, r.Resources.Disk, r.ResultCode)
	return err
}
