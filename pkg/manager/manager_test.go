package manager

import (
	"net"
	"testing"
	"time"

	"github.com/cuemby/dworq/pkg/protocol"
	"github.com/cuemby/dworq/pkg/resources"
	"github.com/cuemby/dworq/pkg/types"
	"github.com/stretchr/testify/assert"
)

func newTestManager() *Manager {
	return New(Config{}, nil)
}

// newFakeConn returns a *protocol.Conn backed by one end of a net.Pipe,
// closing the other end on test cleanup so goroutine-less tests never block
// on an unread pipe.
func newFakeConn(t *testing.T, id string) (*protocol.Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	return protocol.NewConn(id, server), client
}

func TestSubmit_AssignsIDAndAppliesDefaultFastAbort(t *testing.T) {
	m := newTestManager()
	m.cfg.DefaultFastAbortMultiplier = 5

	id := m.Submit(&types.Task{Command: "echo hi"})
	assert.Equal(t, int64(1), id)

	task := m.tasks.Get(id)
	assert.Equal(t, types.TaskStateReady, task.State)
	assert.Equal(t, float64(5), task.FastAbortMultiplier)
	assert.False(t, task.SubmitTime.IsZero())
}

func TestSubmit_KeepsExplicitFastAbort(t *testing.T) {
	m := newTestManager()
	m.cfg.DefaultFastAbortMultiplier = 5

	id := m.Submit(&types.Task{Command: "echo hi", FastAbortMultiplier: 2})
	task := m.tasks.Get(id)
	assert.Equal(t, float64(2), task.FastAbortMultiplier)
}

func TestCancelTask_UnknownReturnsFalse(t *testing.T) {
	m := newTestManager()
	assert.False(t, m.CancelTask(999))
}

func TestCancelTask_ReadyTaskRemovedFromQueue(t *testing.T) {
	m := newTestManager()
	id := m.Submit(&types.Task{Command: "echo hi"})

	assert.True(t, m.CancelTask(id))
	task := m.tasks.Get(id)
	assert.Equal(t, types.TaskStateCanceled, task.State)
	assert.Equal(t, types.ResultCancelled, task.ResultCode)
	assert.Equal(t, 0, m.tasks.ReadyLen())
}

func TestCancelTask_RunningTaskReleasesAssignment(t *testing.T) {
	m := newTestManager()
	id := m.Submit(&types.Task{Command: "echo hi"})
	task := m.tasks.Get(id)
	task.Assigned = types.Resources{Cores: 2}
	task.WorkerID = "w1"
	m.tasks.MarkRunning(id, "w1")

	m.models["w1"] = &resources.Model{Total: types.Resources{Cores: 4}}
	m.models["w1"].Reserve(task.Assigned)
	w := &types.Worker{ID: "w1", Tasks: map[int64]bool{id: true}}
	m.registry.Accept(w)

	assert.True(t, m.CancelTask(id))
	assert.Equal(t, int64(0), m.models["w1"].InUse.Cores)
	assert.NotContains(t, w.Tasks, id)
}

func TestWait_ReturnsNilWhenEmptyAndTimeoutElapses(t *testing.T) {
	m := newTestManager()
	report := m.Wait(10*time.Millisecond, "")
	assert.Nil(t, report)
}

func TestWait_ReturnsWaitingRetrievalTask(t *testing.T) {
	m := newTestManager()
	id := m.Submit(&types.Task{Command: "echo hi", Tag: "batch1"})
	m.tasks.MarkWaitingRetrieval(id)

	report := m.Wait(time.Second, "")
	assert.NotNil(t, report)
	assert.Equal(t, id, report.TaskID)
	assert.Equal(t, types.TaskStateRetrieved, m.tasks.Get(id).State)
}

func TestWait_TagFiltersNonMatchingTasks(t *testing.T) {
	m := newTestManager()
	id := m.Submit(&types.Task{Command: "echo hi", Tag: "other"})
	m.tasks.MarkWaitingRetrieval(id)

	report := m.Wait(20*time.Millisecond, "batch1")
	assert.Nil(t, report)
}

func TestWaitAll_DrainsEveryReadyReport(t *testing.T) {
	m := newTestManager()
	id1 := m.Submit(&types.Task{Command: "a", Tag: "x"})
	id2 := m.Submit(&types.Task{Command: "b", Tag: "x"})
	m.tasks.MarkWaitingRetrieval(id1)
	m.tasks.MarkWaitingRetrieval(id2)

	reports := m.WaitAll(time.Second, "x")
	assert.Len(t, reports, 2)
	assert.Equal(t, types.TaskStateRetrieved, m.tasks.Get(id1).State)
	assert.Equal(t, types.TaskStateRetrieved, m.tasks.Get(id2).State)
}

func TestWaitAll_EmptyWhenNothingWaiting(t *testing.T) {
	m := newTestManager()
	reports := m.WaitAll(10*time.Millisecond, "")
	assert.Empty(t, reports)
}

func TestOnDataswarm_RegistersWorker(t *testing.T) {
	m := newTestManager()
	conn, _ := newFakeConn(t, "c1")

	err := m.OnDataswarm(conn, protocol.DataswarmProtocolVersion, "host-a", "linux", "x86_64", "1.0")
	assert.NoError(t, err)

	w := m.registry.Get("c1")
	assert.NotNil(t, w)
	assert.Equal(t, "host-a", w.Hostname)
	assert.NotNil(t, m.models["c1"])
}

func TestOnDataswarm_RejectsProtocolMismatch(t *testing.T) {
	m := newTestManager()
	conn, client := newFakeConn(t, "c1")
	m.conns["c1"] = conn

	err := m.OnDataswarm(conn, "999", "host-a", "linux", "x86_64", "1.0")
	assert.NoError(t, err)
	assert.Nil(t, m.registry.Get("c1"))
	client.Close()
}

func TestOnDataswarm_RejectsBlockedHost(t *testing.T) {
	m := newTestManager()
	m.registry.Block("bad-host")
	conn, _ := newFakeConn(t, "c1")
	m.conns["c1"] = conn

	err := m.OnDataswarm(conn, protocol.DataswarmProtocolVersion, "bad-host", "linux", "x86_64", "1.0")
	assert.NoError(t, err)
	assert.Nil(t, m.registry.Get("c1"))
}

func TestOnResource_UpdatesWorkerAndModelTotals(t *testing.T) {
	m := newTestManager()
	conn, _ := newFakeConn(t, "c1")
	m.OnDataswarm(conn, protocol.DataswarmProtocolVersion, "host-a", "linux", "x86_64", "1.0")

	err := m.OnResource(conn, "cores", []string{"8"})
	assert.NoError(t, err)

	w := m.registry.Get("c1")
	assert.Equal(t, int64(8), w.Total.Cores)
	assert.Equal(t, int64(8), m.models["c1"].Total.Cores)
}

func TestOnResource_IgnoresUnknownConnection(t *testing.T) {
	m := newTestManager()
	conn, _ := newFakeConn(t, "ghost")
	assert.NoError(t, m.OnResource(conn, "cores", []string{"8"}))
}

func TestOnResource_UsesReportedSmallestAndLargestNotJustTotal(t *testing.T) {
	m := newTestManager()
	conn, _ := newFakeConn(t, "c1")
	m.OnDataswarm(conn, protocol.DataswarmProtocolVersion, "host-a", "linux", "x86_64", "1.0")

	err := m.OnResource(conn, "cores", []string{"16", "2", "8"})
	assert.NoError(t, err)

	model := m.models["c1"]
	assert.Equal(t, int64(16), model.Total.Cores)
	assert.Equal(t, int64(2), model.Smallest.Cores)
	assert.Equal(t, int64(8), model.Largest.Cores, "model.Largest must reflect the worker's reported largest allocation, not its total")
}

func TestOnCacheUpdate_RecordsFileSize(t *testing.T) {
	m := newTestManager()
	conn, _ := newFakeConn(t, "c1")
	m.OnDataswarm(conn, protocol.DataswarmProtocolVersion, "host-a", "linux", "x86_64", "1.0")

	err := m.OnCacheUpdate(conn, "input.dat", 1024, 0)
	assert.NoError(t, err)
	assert.Equal(t, int64(1024), m.registry.Get("c1").CurrentFiles["input.dat"])
}

func TestOnCacheInvalid_RemovesFile(t *testing.T) {
	m := newTestManager()
	conn, _ := newFakeConn(t, "c1")
	m.OnDataswarm(conn, protocol.DataswarmProtocolVersion, "host-a", "linux", "x86_64", "1.0")
	m.OnCacheUpdate(conn, "input.dat", 1024, 0)

	err := m.OnCacheInvalid(conn, "input.dat", "checksum mismatch")
	assert.NoError(t, err)
	_, present := m.registry.Get("c1").CurrentFiles["input.dat"]
	assert.False(t, present)
}

func TestDrain_RemovesIdleWorkersImmediately(t *testing.T) {
	m := newTestManager()
	conn, _ := newFakeConn(t, "c1")
	m.conns["c1"] = conn
	m.OnDataswarm(conn, protocol.DataswarmProtocolVersion, "drain-host", "linux", "x86_64", "1.0")

	ids := m.Drain("drain-host")
	assert.Equal(t, []string{"c1"}, ids)
	assert.Nil(t, m.conns["c1"])
	assert.True(t, m.registry.IsBlocked("drain-host"))
}

func TestDrain_KeepsBusyWorkersConnectedUntilDone(t *testing.T) {
	m := newTestManager()
	conn, _ := newFakeConn(t, "c1")
	m.conns["c1"] = conn
	m.OnDataswarm(conn, protocol.DataswarmProtocolVersion, "drain-host", "linux", "x86_64", "1.0")
	id := m.Submit(&types.Task{Command: "echo"})
	m.tasks.MarkRunning(id, "c1")

	m.Drain("drain-host")
	_, stillThere := m.conns["c1"]
	assert.True(t, stillThere)
}
