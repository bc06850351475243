package supervisor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixlcore/xysat-beta/pkg/types"
)

func TestTruthy(t *testing.T) {
	assert.True(t, truthy(true))
	assert.True(t, truthy(1.0))
	assert.True(t, truthy(1))
	assert.True(t, truthy("yes"))
	assert.True(t, truthy(map[string]any{}))
	assert.False(t, truthy(nil))
	assert.False(t, truthy(false))
	assert.False(t, truthy(0.0))
	assert.False(t, truthy(""))
}

func TestChildUpdateCompleteImpliesCodeZero(t *testing.T) {
	s := newTestSupervisor(t, nil, nil)
	job := &types.Job{ID: "j1"}
	w := &worker{}

	ok := s.handleChildUpdate(job, w, map[string]any{"xy": 1.0, "complete": 1.0})
	require.True(t, ok)
	assert.True(t, bool(job.Complete))
	require.NotNil(t, job.Code)
	assert.True(t, job.Code.IsZero())
}

func TestChildUpdateCodeImpliesComplete(t *testing.T) {
	s := newTestSupervisor(t, nil, nil)
	job := &types.Job{ID: "j2"}
	w := &worker{}

	ok := s.handleChildUpdate(job, w, map[string]any{
		"xy": 1.0, "code": 255.0, "description": "custom failure",
	})
	require.True(t, ok)
	assert.True(t, bool(job.Complete))
	assert.Equal(t, 255, job.Code.Num)
	assert.Equal(t, "custom failure", job.Description)
}

func TestChildUpdateProgressOnly(t *testing.T) {
	s := newTestSupervisor(t, nil, nil)
	job := &types.Job{ID: "j3"}
	w := &worker{}

	ok := s.handleChildUpdate(job, w, map[string]any{"xy": 1.0, "progress": 0.5})
	require.True(t, ok)
	assert.False(t, bool(job.Complete))
	assert.Equal(t, 0.5, job.Progress)
}

func TestChildUpdateDiscardRules(t *testing.T) {
	s := newTestSupervisor(t, nil, nil)
	w := &worker{}

	t.Run("already complete", func(t *testing.T) {
		job := &types.Job{ID: "j4", Complete: true}
		ok := s.handleChildUpdate(job, w, map[string]any{"xy": 1.0, "progress": 0.9})
		assert.True(t, ok, "consumed but dropped")
		assert.Equal(t, 0.0, job.Progress)
	})

	t.Run("abort pending", func(t *testing.T) {
		code := types.StrCode(types.CodeAbort)
		job := &types.Job{ID: "j5", Code: &code}
		ok := s.handleChildUpdate(job, w, map[string]any{"xy": 1.0, "progress": 0.9})
		assert.True(t, ok)
		assert.Equal(t, 0.0, job.Progress)
	})

	t.Run("reserved keys mean echoed job object", func(t *testing.T) {
		job := &types.Job{ID: "j6"}
		ok := s.handleChildUpdate(job, w, map[string]any{"xy": 1.0, "type": "event", "progress": 0.9})
		assert.True(t, ok)
		assert.Equal(t, 0.0, job.Progress)
	})
}

func TestChildUpdateNonProtocolLine(t *testing.T) {
	s := newTestSupervisor(t, nil, nil)
	job := &types.Job{ID: "j7"}
	w := &worker{}

	// JSON without the marker in non-compat mode is treated as log output
	ok := s.handleChildUpdate(job, w, map[string]any{"progress": 0.5})
	assert.False(t, ok)
	assert.Equal(t, 0.0, job.Progress)
}

func TestChildUpdateRedrawOnDisplayPayload(t *testing.T) {
	s := newTestSupervisor(t, nil, nil)
	job := &types.Job{ID: "j8"}
	w := &worker{}

	ok := s.handleChildUpdate(job, w, map[string]any{
		"xy": 1.0, "table": map[string]any{"rows": []any{}},
	})
	require.True(t, ok)
	assert.NotEmpty(t, job.Redraw)
}

func TestChildUpdatePushFilesSpliced(t *testing.T) {
	s := newTestSupervisor(t, nil, nil)
	job := &types.Job{ID: "j9"}
	w := &worker{}

	ok := s.handleChildUpdate(job, w, map[string]any{
		"xy":   1.0,
		"push": map[string]any{"files": []any{"out.csv", []any{"raw.bin", "renamed.bin"}}},
	})
	require.True(t, ok)
	require.Len(t, job.Files, 2)
	assert.Equal(t, "out.csv", job.Files[0].Path)
	assert.Equal(t, "renamed.bin", job.Files[1].Filename)
	// file declarations never ride the push to the conductor
	assert.Nil(t, job.Push)
}

func TestLegacyUpdateChainBecomesPushAction(t *testing.T) {
	s := newTestSupervisor(t, map[string]any{"cronicle": true}, nil)
	job := &types.Job{ID: "j10"}
	w := &worker{}

	ok := s.handleChildUpdate(job, w, map[string]any{
		"chain":        "evt_next",
		"chain_params": map[string]any{"mode": "fast"},
		"notify_fail":  "ops@example.com",
	})
	require.True(t, ok)
	require.NotNil(t, job.Push)
	require.Len(t, job.Push.Actions, 2)

	chain := job.Push.Actions[0]
	assert.Equal(t, "run_event", chain.Type)
	assert.Equal(t, "success", chain.Condition)
	assert.Equal(t, "evt_next", chain.EventID)
	assert.Equal(t, "fast", chain.Params["mode"])

	notify := job.Push.Actions[1]
	assert.Equal(t, "email", notify.Type)
	assert.Equal(t, "error", notify.Condition)
	assert.Equal(t, "ops@example.com", notify.Email)
}

func TestLegacyUpdateNoCompletionInference(t *testing.T) {
	s := newTestSupervisor(t, map[string]any{"cronicle": true}, nil)
	job := &types.Job{ID: "j11"}
	w := &worker{}

	// legacy children send code without complete; completion stays with
	// the exit of the process
	ok := s.handleChildUpdate(job, w, map[string]any{"code": 0.0, "progress": 0.5})
	require.True(t, ok)
	assert.False(t, bool(job.Complete))
	assert.Equal(t, 0.5, job.Progress)
}

func TestLegacyUpdateIgnoresUnlistedKeys(t *testing.T) {
	s := newTestSupervisor(t, map[string]any{"cronicle": true}, nil)
	job := &types.Job{ID: "j12"}
	w := &worker{}

	ok := s.handleChildUpdate(job, w, map[string]any{"pid": 999.0, "id": "spoofed"})
	assert.False(t, ok)
	assert.Equal(t, "j12", job.ID)
	assert.Equal(t, 0, job.PID)
}

func TestLineBufferDebounce(t *testing.T) {
	var mu sync.Mutex
	var got []string
	buf := newLineBuffer(func(text string) {
		mu.Lock()
		got = append(got, text)
		mu.Unlock()
	})

	buf.Add("line one\n")
	buf.Add("line two\n")

	// nothing until the debounce fires
	mu.Lock()
	assert.Empty(t, got)
	mu.Unlock()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "line one\nline two\n"
	}, time.Second, 10*time.Millisecond)
}

func TestLineBufferExplicitFlush(t *testing.T) {
	var got []string
	buf := newLineBuffer(func(text string) { got = append(got, text) })

	buf.Add("a\n")
	buf.Flush()
	assert.Equal(t, []string{"a\n"}, got)

	// flush with nothing pending is silent
	buf.Flush()
	assert.Len(t, got, 1)
}
