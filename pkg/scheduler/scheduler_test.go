package scheduler

import (
	"testing"
	"time"

	"github.com/cuemby/dworq/pkg/category"
	"github.com/cuemby/dworq/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestChooseWorker_SkipsWorkerThatCannotFit(t *testing.T) {
	cats := category.NewTable()
	s := New(PolicyFCFS, cats, 1.0, false, 1)

	small := newCandidate("small", types.Resources{Cores: 2, Memory: 2048}, -2*time.Second)
	small.Model.Reserve(types.Resources{Cores: 2, Memory: 2048})
	big := newCandidate("big", types.Resources{Cores: 8, Memory: 16384}, -1*time.Second)

	task := &types.Task{Category: "default", Requested: types.Resources{Cores: 4, Memory: 4096}}
	chosen, box := s.ChooseWorker(task, []Candidate{small, big})

	assert.NotNil(t, chosen)
	assert.Equal(t, "big", chosen.Worker.ID)
	assert.Equal(t, int64(4), box.Cores)
}

func TestChooseWorker_NoneFit(t *testing.T) {
	cats := category.NewTable()
	s := New(PolicyFCFS, cats, 1.0, false, 1)

	c := newCandidate("only", types.Resources{Cores: 2, Memory: 2048}, 0)
	task := &types.Task{Category: "default", Requested: types.Resources{Cores: 4, Memory: 4096}}
	chosen, _ := s.ChooseWorker(task, []Candidate{c})

	assert.Nil(t, chosen)
}

func TestChooseWorker_WorstFitPrefersMostSlack(t *testing.T) {
	cats := category.NewTable()
	s := New(PolicyWorstFit, cats, 1.0, false, 1)

	tight := newCandidate("tight", types.Resources{Cores: 4, Memory: 4096}, 0)
	roomy := newCandidate("roomy", types.Resources{Cores: 16, Memory: 32768}, 0)

	task := &types.Task{Category: "default", Requested: types.Resources{Cores: 2, Memory: 2048}}
	chosen, _ := s.ChooseWorker(task, []Candidate{tight, roomy})

	assert.NotNil(t, chosen)
	assert.Equal(t, "roomy", chosen.Worker.ID)
}

func TestChooseWorker_EmptyCandidates(t *testing.T) {
	cats := category.NewTable()
	s := New(PolicyFCFS, cats, 1.0, false, 1)
	task := &types.Task{Category: "default"}
	chosen, box := s.ChooseWorker(task, nil)
	assert.Nil(t, chosen)
	assert.Equal(t, types.Resources{}, box)
}
