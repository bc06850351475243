package supervisor

import (
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixlcore/xysat-beta/pkg/types"
)

// startWorker registers a job with a live worker so the completion race
// can be driven through waitChild and handleChildUpdate.
func startWorker(t *testing.T, s *Supervisor, job *types.Job) *worker {
	t.Helper()
	s.register(job)
	w := &worker{buf: newLineBuffer(func(string) {})}
	s.mu.Lock()
	s.workers[job.ID] = w
	s.mu.Unlock()
	return w
}

func jobState(s *Supervisor, job *types.Job) types.JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return job.State
}

func TestChildExitWithoutCompletion(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix child")
	}
	ch := &fakeSender{connected: true, authed: true}
	s := newTestSupervisor(t, nil, ch)

	job := &types.Job{ID: "jx1", Runner: true, State: types.JobStateActive}
	w := startWorker(t, s, job)

	cmd := exec.Command("echo", "hello")
	require.NoError(t, cmd.Start())
	go s.waitChild(job, w, cmd)

	assert.Eventually(t, func() bool {
		return jobState(s, job) == types.JobStateComplete
	}, 5*time.Second, 50*time.Millisecond)

	assert.True(t, bool(job.Unknown))
	require.NotNil(t, job.Code)
	assert.True(t, job.Code.Is(types.CodeWarning))
	assert.Equal(t, "Process exited without reporting job completion.", job.Description)
}

func TestChildCrashSynthesizesExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix child")
	}
	ch := &fakeSender{connected: true, authed: true}
	s := newTestSupervisor(t, nil, ch)

	job := &types.Job{ID: "jx2", Runner: true, State: types.JobStateActive}
	w := startWorker(t, s, job)

	cmd := exec.Command("sh", "-c", "exit 3")
	require.NoError(t, cmd.Start())
	go s.waitChild(job, w, cmd)

	assert.Eventually(t, func() bool {
		return jobState(s, job) == types.JobStateComplete
	}, 5*time.Second, 50*time.Millisecond)

	require.NotNil(t, job.Code)
	assert.Equal(t, 3, job.Code.Num)
	assert.Contains(t, job.Description, "crashed with code: 3")
	assert.False(t, bool(job.Unknown))
}

func TestCompletionBeforeExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix child")
	}
	ch := &fakeSender{connected: true, authed: true}
	s := newTestSupervisor(t, nil, ch)

	job := &types.Job{ID: "jx3", Runner: true, State: types.JobStateActive}
	w := startWorker(t, s, job)

	// completion line lands while the child is still running
	assert.True(t, s.handleChildUpdate(job, w, map[string]any{"xy": 1, "complete": 1}))

	cmd := exec.Command("echo", "done")
	require.NoError(t, cmd.Start())
	s.waitChild(job, w, cmd)

	assert.Equal(t, types.JobStateComplete, job.State)
	assert.True(t, job.Code == nil || job.Code.IsZero())
	assert.False(t, bool(job.Unknown))
}

func TestCompletionDuringGraceWindowWins(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix child")
	}
	ch := &fakeSender{connected: true, authed: true}
	s := newTestSupervisor(t, nil, ch)

	job := &types.Job{ID: "jx4", Runner: true, State: types.JobStateActive}
	w := startWorker(t, s, job)

	cmd := exec.Command("echo", "late")
	require.NoError(t, cmd.Start())
	s.waitChild(job, w, cmd)

	// trailing completion line arrives inside the grace window
	s.handleChildUpdate(job, w, map[string]any{
		"xy": 1, "complete": 1, "code": 0, "description": "all good",
	})
	assert.Equal(t, types.JobStateComplete, jobState(s, job))

	// let the grace timer expire; the reported outcome must survive it
	time.Sleep(1200 * time.Millisecond)
	assert.True(t, job.Code == nil || job.Code.IsZero())
	assert.Equal(t, "all good", job.Description)
	assert.False(t, bool(job.Unknown))
}

func TestGraceExpiredKeepsReportedOutcome(t *testing.T) {
	ch := &fakeSender{connected: true, authed: true}
	s := newTestSupervisor(t, nil, ch)

	job := &types.Job{
		ID: "jx5", Runner: true, State: types.JobStateActive,
		Complete: true, Description: "done already",
	}
	s.register(job)

	s.graceExpired(job, 0)

	assert.Equal(t, "done already", job.Description)
	assert.Nil(t, job.Code)
	assert.False(t, bool(job.Unknown))
	assert.Equal(t, types.JobStateActive, job.State)
}
