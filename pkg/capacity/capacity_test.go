package capacity

import (
	"testing"
	"time"

	"github.com/cuemby/dworq/pkg/types"
	"github.com/stretchr/testify/assert"
)

func report(cores int64, submit, commitStart, commitEnd, finish time.Time) types.TaskReport {
	return types.TaskReport{
		SubmitTime:  submit,
		CommitStart: commitStart,
		CommitEnd:   commitEnd,
		FinishTime:  finish,
		Resources:   types.Resources{Cores: cores},
	}
}

func TestEstimate_EmptyWindowReturnsDocumentedDefaults(t *testing.T) {
	e := New()
	stats := e.Estimate()
	assert.Equal(t, float64(floor), stats.Tasks)
	assert.Equal(t, float64(1), stats.Cores)
	assert.Equal(t, float64(512), stats.Memory)
	assert.Equal(t, float64(1024), stats.Disk)
	assert.Equal(t, float64(0), stats.GPUs)
}

func TestEstimate_IsPureBetweenRecordCalls(t *testing.T) {
	e := New()
	now := time.Now()
	e.Record(report(4, now, now.Add(1*time.Second), now.Add(1*time.Second), now.Add(3*time.Second)))

	first := e.Estimate()
	second := e.Estimate()
	third := e.Estimate()

	assert.Equal(t, first, second, "Estimate must not mutate state between calls")
	assert.Equal(t, second, third)
}

func TestRecord_DoesNotDoubleApplySmoothing(t *testing.T) {
	// Record calls Estimate internally (to feed metrics and the limiter);
	// verify that doing so does not advance the EWMA twice per completion by
	// checking the externally observable weighted value after exactly one
	// Record matches a hand-computed single EWMA step.
	e := New()
	now := time.Now()
	e.Record(report(4, now, now.Add(1*time.Second), now.Add(1*time.Second), now.Add(3*time.Second)))

	stats := e.Estimate()
	// First sample: haveWeighted was false, so weighted == instantaneous,
	// floored at `floor`. instantaneous = ceil(2s / 1s) = 2, floored to 10.
	assert.Equal(t, float64(floor), stats.CapacityWeighted)
}

func TestRecord_TrimsWindowToCapacity(t *testing.T) {
	e := New()
	e.SetRunningTasks(1) // windowCap floors at 50 regardless
	now := time.Now()
	for i := 0; i < 60; i++ {
		e.Record(report(1, now, now.Add(time.Second), now.Add(time.Second), now.Add(2*time.Second)))
	}
	assert.Equal(t, 50, e.Len())
}

func TestLen_StartsEmpty(t *testing.T) {
	e := New()
	assert.Equal(t, 0, e.Len())
}

func TestAdviseMore_AllowsWithinFloorCapacity(t *testing.T) {
	e := New()
	assert.True(t, e.AdviseMore(1))
}
