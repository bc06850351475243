package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixlcore/xysat-beta/pkg/types"
)

func TestMeasureJobResourcesDescendantWalk(t *testing.T) {
	s := newTestSupervisor(t, nil, nil)
	job := &types.Job{ID: "j1", PID: 100}

	pids := map[int]*types.ProcSample{
		100: {Pid: 100, ParentPid: 1, CPU: 10, MemRss: 1000},
		101: {Pid: 101, ParentPid: 100, CPU: 5, MemRss: 500},
		102: {Pid: 102, ParentPid: 101, CPU: 2, MemRss: 200},
		// unrelated process must not be attributed
		200: {Pid: 200, ParentPid: 1, CPU: 99, MemRss: 9999},
	}

	s.measureJobResources(job, pids)

	require.Len(t, job.Procs, 3)
	assert.Contains(t, job.Procs, 100)
	assert.Contains(t, job.Procs, 101)
	assert.Contains(t, job.Procs, 102)

	require.NotNil(t, job.CPU)
	assert.Equal(t, 17.0, job.CPU.Current)
	require.NotNil(t, job.Mem)
	assert.Equal(t, 1700.0, job.Mem.Current)
}

func TestMeasureJobResourcesCycleGuard(t *testing.T) {
	s := newTestSupervisor(t, nil, nil)
	job := &types.Job{ID: "j2", PID: 100}

	// parent links forming a loop must terminate, attributing each pid once
	pids := map[int]*types.ProcSample{
		100: {Pid: 100, ParentPid: 101, CPU: 1, MemRss: 10},
		101: {Pid: 101, ParentPid: 100, CPU: 1, MemRss: 10},
	}

	s.measureJobResources(job, pids)

	require.Len(t, job.Procs, 2)
	assert.Equal(t, 2.0, job.CPU.Current)
}

func TestMeasureJobResourcesCopiesSamples(t *testing.T) {
	s := newTestSupervisor(t, nil, nil)
	job := &types.Job{ID: "j3", PID: 100}

	source := &types.ProcSample{Pid: 100, ParentPid: 1, CPU: 3}
	s.measureJobResources(job, map[int]*types.ProcSample{100: source})

	job.Procs[100].Disk = 4096
	assert.Equal(t, int64(0), source.Disk, "per-job accounting must not mutate the shared snapshot")
}

func TestMeasureJobResourcesVanishedRoot(t *testing.T) {
	s := newTestSupervisor(t, nil, nil)
	job := &types.Job{
		ID: "j4", PID: 100,
		Procs: map[int]*types.ProcSample{100: {Pid: 100}},
	}

	s.measureJobResources(job, map[int]*types.ProcSample{})
	assert.Nil(t, job.Procs)
}

func TestMeasureJobResourcesSkipsRunner(t *testing.T) {
	s := newTestSupervisor(t, nil, nil)
	job := &types.Job{ID: "j5", PID: 100, Runner: true}

	s.measureJobResources(job, map[int]*types.ProcSample{
		100: {Pid: 100, CPU: 50},
	})

	assert.Nil(t, job.Procs)
	assert.Nil(t, job.CPU)
}

func TestAugmentProcs(t *testing.T) {
	s := newTestSupervisor(t, nil, nil)
	job := &types.Job{
		ID:  "j6",
		PID: 100,
		Procs: map[int]*types.ProcSample{
			100: {Pid: 100, Disk: 2048, Net: 512, Conns: 3},
		},
	}
	s.register(job)

	list := []*types.ProcSample{
		{Pid: 100},
		{Pid: 200},
	}
	s.AugmentProcs(list)

	assert.Equal(t, "j6", list[0].Job)
	assert.Equal(t, int64(2048), list[0].Disk)
	assert.Equal(t, int64(512), list[0].Net)
	assert.Equal(t, 3, list[0].Conns)

	assert.Equal(t, "", list[1].Job)
}
