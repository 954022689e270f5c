package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAverageTaskTime_FalseBelowTenCompletions(t *testing.T) {
	c := &Category{TasksDone: 9, ExecGoodTotal: 90}
	_, ok := c.AverageTaskTime()
	assert.False(t, ok)
}

func TestAverageTaskTime_AveragesAcrossAllThreePhasesAtTen(t *testing.T) {
	c := &Category{
		TasksDone:     10,
		ExecGoodTotal: 50,
		SendGoodTotal: 30,
		RecvGoodTotal: 20,
	}
	avg, ok := c.AverageTaskTime()
	assert.True(t, ok)
	assert.Equal(t, 10.0, avg)
}
