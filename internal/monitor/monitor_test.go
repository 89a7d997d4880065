package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

func TestMeasureAccumulates(t *testing.T) {
	mon := New(types.TaskContext{RunID: 3, Operation: "classical", TaskCount: 4, TaskIndex: 2})

	for i := 0; i < 3; i++ {
		stop := mon.Measure("computing rates")
		time.Sleep(time.Millisecond)
		stop()
	}
	mon.Measure("saving")()

	timings := mon.Timings()
	require.Len(t, timings, 2)
	assert.Equal(t, "computing rates", timings[0].Operation)
	assert.Equal(t, 3, timings[0].Calls)
	assert.GreaterOrEqual(t, timings[0].Duration, 3*time.Millisecond)
	assert.Equal(t, "saving", timings[1].Operation)
	assert.Equal(t, types.RunID(3), mon.RunID)
	assert.Equal(t, types.TaskIndex(2), mon.TaskIndex)
}

func TestMeasureConcurrent(t *testing.T) {
	mon := New(types.TaskContext{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mon.Measure("block")()
			mon.AddReceived(10)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, mon.Timings()[0].Calls)
	assert.Equal(t, int64(200), mon.Usage().ReceivedBytes)
}

func TestUsage(t *testing.T) {
	mon := New(types.TaskContext{})
	time.Sleep(2 * time.Millisecond)
	u := mon.Usage()
	assert.GreaterOrEqual(t, u.Wall, 2*time.Millisecond)
	assert.GreaterOrEqual(t, u.CPU, time.Duration(0))
}

func TestAggregate(t *testing.T) {
	results := []types.ResultMessage{
		{Index: 1, Status: types.ResultOK, Usage: types.Usage{Wall: time.Second, CPU: time.Second, MaxRSSKB: 100, ReceivedBytes: 50},
			Timings: []types.Timing{{Operation: "a", Duration: time.Second, Calls: 1}}},
		{Index: 2, Status: types.ResultError, Usage: types.Usage{Wall: 3 * time.Second, MaxRSSKB: 300, ReceivedBytes: 10},
			Timings: []types.Timing{{Operation: "a", Duration: time.Second, Calls: 2}, {Operation: "b", Duration: 5 * time.Second, Calls: 1}}},
	}

	p := Aggregate(results)
	assert.Equal(t, 2, p.Tasks)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, 4*time.Second, p.TotalWall)
	assert.Equal(t, 3*time.Second, p.MaxWall)
	assert.Equal(t, int64(300), p.MaxRSSKB)
	assert.Equal(t, int64(60), p.TotalReceived)
	assert.Equal(t, int64(50), p.MaxReceived)
	require.Len(t, p.Timings, 2)
	assert.Equal(t, types.Timing{Operation: "b", Duration: 5 * time.Second, Calls: 1}, p.Timings[0])
	assert.Equal(t, types.Timing{Operation: "a", Duration: 2 * time.Second, Calls: 3}, p.Timings[1])
}

func TestAggregateEmpty(t *testing.T) {
	p := Aggregate(nil)
	assert.Zero(t, p.Tasks)
	assert.Empty(t, p.Timings)
}
