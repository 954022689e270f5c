// Scheduler runs synchronously inside the manager's single cooperative
// event-loop goroutine: there is no background scheduling goroutine here,
// so there is nothing to Start or Stop.
package scheduler

import (
	"math/rand"
	"sort"

	"github.com/cuemby/dworq/pkg/category"
	"github.com/cuemby/dworq/pkg/log"
	"github.com/cuemby/dworq/pkg/metrics"
	"github.com/cuemby/dworq/pkg/resources"
	"github.com/cuemby/dworq/pkg/types"
	"github.com/rs/zerolog"
)

// Policy selects the order candidate workers are tried in.
type Policy string

const (
	PolicyFCFS     Policy = "fcfs"
	PolicyFiles    Policy = "files"
	PolicyTime     Policy = "time"
	PolicyWorstFit Policy = "worst-fit"
	PolicyRandom   Policy = "random"
)

// Scheduler holds scheduling policy and a handle to the category table it
// consults when a task's resource request needs to be sized.
type Scheduler struct {
	logger            zerolog.Logger
	policy            Policy
	categories        *category.Table
	overcommit        float64
	forceProportional bool
	rng               *rand.Rand
}

// New creates a scheduler with the given placement policy and overcommit
// multiplier (applied to cores/memory/gpus, never disk). forceProportional
// mirrors the manager-wide force_proportional_resources flag, which makes
// every category behave like FIXED for box-sizing purposes.
func New(policy Policy, categories *category.Table, overcommit float64, forceProportional bool, seed int64) *Scheduler {
	if overcommit < 1.0 {
		overcommit = 1.0
	}
	return &Scheduler{
		logger:            log.WithComponent("scheduler"),
		policy:            policy,
		categories:        categories,
		overcommit:        overcommit,
		forceProportional: forceProportional,
		rng:               rand.New(rand.NewSource(seed)),
	}
}

// Candidate is a worker plus its live resource model, as handed in by the
// caller (the manager owns the authoritative models; the scheduler never
// mutates them directly).
type Candidate struct {
	Worker *types.Worker
	Model  *resources.Model
}

// ChooseWorker skips every candidate whose largest allocation is smaller
// than a dimension the task explicitly requested, then iterates the rest in
// the policy's order and returns the first worker for which
// choose_resources produces a box that actually fits. Under worst-fit it
// considers every fitting candidate and keeps the one with the most slack,
// ties broken by the lower worker ID.
func (s *Scheduler) ChooseWorker(t *types.Task, candidates []Candidate) (*Candidate, types.Resources) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	ordered := s.order(candidates)
	tooBig := func(req, largest int64) bool { return req > 0 && req > largest }
	kept := ordered[:0]
	for _, c := range ordered {
		r, l := t.Requested, c.Model.Largest
		if tooBig(r.Cores, l.Cores) || tooBig(r.Memory, l.Memory) || tooBig(r.Disk, l.Disk) || tooBig(r.GPUs, l.GPUs) {
			continue
		}
		kept = append(kept, c)
	}
	ordered = kept

	if s.policy == PolicyWorstFit {
		return s.chooseWorstFit(t, ordered)
	}
	for i := range ordered {
		c := &ordered[i]
		box := s.ChooseResources(t, c.Model)
		if c.Model.Fits(box, s.overcommit) {
			return c, box
		}
	}
	return nil, types.Resources{}
}

func (s *Scheduler) order(candidates []Candidate) []Candidate {
	ordered := append([]Candidate(nil), candidates...)
	switch s.policy {
	case PolicyFCFS:
		sort.Slice(ordered, func(i, j int) bool {
			return ordered[i].Worker.ConnectTime.Before(ordered[j].Worker.ConnectTime)
		})
	case PolicyTime:
		sort.Slice(ordered, func(i, j int) bool {
			return ordered[i].Worker.LastMsgTime.Before(ordered[j].Worker.LastMsgTime)
		})
	case PolicyFiles:
		// Without a file-staging cache model, "files" degrades to a
		// deterministic ID order: it still never picks randomly, which is
		// the property file-locality policies actually require here.
		sort.Slice(ordered, func(i, j int) bool {
			return ordered[i].Worker.ID < ordered[j].Worker.ID
		})
	case PolicyRandom:
		s.rng.Shuffle(len(ordered), func(i, j int) { ordered[i], ordered[j] = ordered[j], ordered[i] })
	default:
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].Worker.ID < ordered[j].Worker.ID })
	}
	return ordered
}

func (s *Scheduler) chooseWorstFit(t *types.Task, ordered []Candidate) (*Candidate, types.Resources) {
	var best *Candidate
	var bestBox types.Resources
	var bestSlack int64 = -1
	for i := range ordered {
		c := &ordered[i]
		box := s.ChooseResources(t, c.Model)
		if !c.Model.Fits(box, s.overcommit) {
			continue
		}
		avail := c.Model.Available()
		slack := avail.Cores + avail.Memory/1024
		if slack > bestSlack || (slack == bestSlack && (best == nil || c.Worker.ID < best.Worker.ID)) {
			best = c
			bestBox = box
			bestSlack = slack
		}
	}
	return best, bestBox
}

// ChooseResources runs the four-step box-sizing algorithm against a
// single candidate worker's resource model:
//
//  1. Start from the category's dynamic_max (the task's explicit request,
//     filled in per-dimension from the category's configured maximum).
//  2. If the category is FIXED or force_proportional_resources is set,
//     compute the ratio of each specified dimension to the worker's
//     largest single allocation seen; if that ratio exceeds 1 no box fits
//     this worker (fall through to step 3's whole-worker case), otherwise
//     round it up so 1/p tasks-per-worker is an integer and size every
//     unspecified dimension proportionally.
//  3. Fall back to the worker's entire box when every dimension was left
//     unspecified, or any specified dimension meets or exceeds the
//     worker's largest allocation.
//  4. Clamp the result up to the category's configured minimum.
func (s *Scheduler) ChooseResources(t *types.Task, model *resources.Model) types.Resources {
	box := s.categories.DynamicMax(t.Category, t.Requested)
	useWholeWorker := false

	if s.categories.Get(t.Category).Mode == types.AllocationFixed || s.forceProportional {
		p, anySpecified := maxRatio(t.Requested, model.Largest)
		switch {
		case !anySpecified:
			useWholeWorker = true
		case p > 1:
			useWholeWorker = true
		case p > 0:
			tasksPerWorker := int(1.0 / p)
			if tasksPerWorker < 1 {
				tasksPerWorker = 1
			}
			pRounded := 1.0 / float64(tasksPerWorker)
			box = proportionalBox(t.Requested, model.Largest, pRounded)
		}
	}

	if !useWholeWorker && (allUnspecified(box) || anyMeetsOrExceeds(t.Requested, model.Largest)) {
		useWholeWorker = true
	}

	if useWholeWorker {
		box = wholeWorkerBox(model)
	}

	return s.categories.ClampToMin(t.Category, box)
}

func allUnspecified(r types.Resources) bool {
	return r.Cores == 0 && r.Memory == 0 && r.Disk == 0 && r.GPUs == 0
}

// maxRatio returns the largest ratio of a specified requested dimension to
// the worker's largest allocation seen for that dimension, and whether any
// dimension was specified at all.
func maxRatio(requested, largest types.Resources) (float64, bool) {
	var p float64
	var any bool
	consider := func(req, cap int64) {
		if req <= 0 {
			return
		}
		any = true
		if cap <= 0 {
			p = 2 // unsatisfiable: forces whole-worker fallback
			return
		}
		r := float64(req) / float64(cap)
		if r > p {
			p = r
		}
	}
	consider(requested.Cores, largest.Cores)
	consider(requested.Memory, largest.Memory)
	consider(requested.Disk, largest.Disk)
	consider(requested.GPUs, largest.GPUs)
	return p, any
}

// anyMeetsOrExceeds reports whether a dimension the task specified meets
// or exceeds the worker's largest allocation for that dimension.
func anyMeetsOrExceeds(requested, largest types.Resources) bool {
	check := func(req, cap int64) bool { return req > 0 && req >= cap }
	return check(requested.Cores, largest.Cores) ||
		check(requested.Memory, largest.Memory) ||
		check(requested.Disk, largest.Disk) ||
		check(requested.GPUs, largest.GPUs)
}

// proportionalBox fills unspecified dimensions with floor(largest*p),
// floored at 1, except that cores defaults to 0 when gpus was specified
// (a GPU task with no core opinion gets none reserved) and gpus defaults
// to 0 when left unspecified.
func proportionalBox(requested, largest types.Resources, p float64) types.Resources {
	out := requested
	floor1 := func(dim int64) int64 {
		v := int64(float64(dim) * p)
		if v < 1 {
			v = 1
		}
		return v
	}
	if out.Cores == 0 {
		if requested.GPUs > 0 {
			out.Cores = 0
		} else {
			out.Cores = floor1(largest.Cores)
		}
	}
	if out.Memory == 0 {
		out.Memory = floor1(largest.Memory)
	}
	if out.Disk == 0 {
		out.Disk = floor1(largest.Disk)
	}
	if out.GPUs == 0 {
		out.GPUs = 0
	}
	return out
}

func wholeWorkerBox(model *resources.Model) types.Resources {
	box := model.Largest
	if box.GPUs > 0 {
		box.Cores = 0
	}
	return box
}
