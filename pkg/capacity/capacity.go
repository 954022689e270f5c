// Package capacity implements a bounded rolling window of completed
// TaskReports feeding an EWMA of instantaneous capacity, used to advise
// the submitter how many more tasks it can usefully queue.
package capacity

import (
	"math"
	"time"

	"github.com/cuemby/dworq/pkg/log"
	"github.com/cuemby/dworq/pkg/metrics"
	"github.com/cuemby/dworq/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// alpha is the EWMA smoothing factor for capacity_weighted.
const alpha = 0.05

// floor is the minimum capacity ever reported, in tasks or per-resource
// units, regardless of how little history exists.
const floor = 10

// report is one rolling-window entry: the three timing buckets plus the
// resource box the task held while running.
type report struct {
	transferTime float64 // seconds
	execTime     float64
	managerTime  float64
	resources    types.Resources
}

// Stats is the estimate returned by Estimate.
type Stats struct {
	Tasks            float64
	Cores            float64
	Memory           float64
	Disk             float64
	GPUs             float64
	CapacityWeighted float64
}

// Estimator tracks the rolling window and the previous capacity_weighted
// value the EWMA builds on.
type Estimator struct {
	logger zerolog.Logger

	window       []report
	runningTasks int

	totalExec     float64
	totalTransfer float64
	totalManager  float64

	prevWeighted float64
	haveWeighted bool

	limiter *rate.Limiter
}

// New creates an empty estimator.
func New() *Estimator {
	return &Estimator{
		logger:  log.WithComponent("capacity"),
		limiter: rate.NewLimiter(rate.Limit(floor), floor),
	}
}

// SetRunningTasks updates the running-task count used to size the rolling
// window (at least 50 entries, at least 2x running tasks).
func (e *Estimator) SetRunningTasks(n int) {
	e.runningTasks = n
}

func (e *Estimator) windowCap() int {
	cap := 2 * e.runningTasks
	if cap < 50 {
		cap = 50
	}
	return cap
}

// Record appends a completed task's timing/resource report, floors every
// time field at 1 microsecond to avoid division by zero, and trims the
// window to its current capacity, oldest first.
func (e *Estimator) Record(r types.TaskReport) {
	transfer := floorMicro(r.CommitStart.Sub(r.SubmitTime).Seconds())
	exec := floorMicro(r.FinishTime.Sub(r.CommitEnd).Seconds())
	manager := floorMicro(r.CommitEnd.Sub(r.CommitStart).Seconds())

	e.window = append(e.window, report{
		transferTime: transfer,
		execTime:     exec,
		managerTime:  manager,
		resources:    r.Resources,
	})
	if cap := e.windowCap(); len(e.window) > cap {
		e.window = e.window[len(e.window)-cap:]
	}

	e.totalExec += exec
	e.totalTransfer += transfer
	e.totalManager += manager

	e.updateWeighted(transfer, exec, manager)

	stats := e.Estimate()
	metrics.CapacityEstimate.Set(stats.CapacityWeighted)
	e.limiter.SetLimit(rate.Limit(stats.Tasks))
}

// updateWeighted folds the most recently recorded report's instantaneous
// capacity into the running EWMA exactly once per completed task; Estimate
// only ever reads this value, it never advances it, so calling Estimate
// any number of times between Record calls yields the same snapshot.
func (e *Estimator) updateWeighted(transferTime, execTime, managerTime float64) {
	var instantaneous float64
	if transferTime > 0 {
		instantaneous = math.Ceil(execTime / (transferTime + managerTime))
	}

	var weighted float64
	if !e.haveWeighted {
		weighted = instantaneous
	} else {
		weighted = math.Ceil(alpha*instantaneous + (1-alpha)*e.prevWeighted)
	}
	if weighted < floor {
		weighted = floor
	}
	e.prevWeighted = weighted
	e.haveWeighted = true
}

func floorMicro(s float64) float64 {
	if s < 1e-6 {
		return 1e-6
	}
	return s
}

// Estimate computes the current capacity snapshot. With an empty window
// it returns the configured defaults: 10 tasks, 1 core, 512 MB memory,
// 1024 MB disk, 0 gpus.
func (e *Estimator) Estimate() Stats {
	if len(e.window) == 0 {
		return Stats{Tasks: floor, Cores: 1, Memory: 512, Disk: 1024, GPUs: 0, CapacityWeighted: floor}
	}

	weighted := e.prevWeighted
	if weighted < floor {
		weighted = floor
	}

	ratio := math.Ceil(e.totalExec / (e.totalTransfer + e.totalManager))
	if ratio < floor {
		ratio = floor
	}

	avgCores, avgMemory, avgDisk, avgGPUs := e.averageResources()

	return Stats{
		Tasks:            weighted,
		Cores:            math.Ceil(avgCores * ratio),
		Memory:           math.Ceil(avgMemory * ratio),
		Disk:             math.Ceil(avgDisk * ratio),
		GPUs:             math.Ceil(avgGPUs * ratio),
		CapacityWeighted: weighted,
	}
}

func (e *Estimator) averageResources() (cores, memory, disk, gpus float64) {
	n := float64(len(e.window))
	if n == 0 {
		return
	}
	for _, r := range e.window {
		cores += float64(r.resources.Cores)
		memory += float64(r.resources.Memory)
		disk += float64(r.resources.Disk)
		gpus += float64(r.resources.GPUs)
	}
	return cores / n, memory / n, disk / n, gpus / n
}

// Len reports how many reports the rolling window currently holds.
func (e *Estimator) Len() int {
	return len(e.window)
}

// AdviseMore reports whether the submitter should be told it can queue n
// more tasks right now. It consults a token-bucket limiter sized to the
// current capacity_weighted estimate so a burst of submissions in one
// WaitLoop turn cannot advertise more capacity than the smoothed estimate
// would allow.
func (e *Estimator) AdviseMore(n int) bool {
	return e.limiter.AllowN(time.Now(), n)
}
