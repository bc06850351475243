package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobMergeJSONPartial(t *testing.T) {
	job := &Job{
		ID:          "jtest1",
		Command:     "/bin/sleep 5",
		Description: "original",
		Progress:    0.25,
	}

	require.NoError(t, job.MergeJSON([]byte(`{"progress": 0.75, "perf": {"total": 1.5}}`)))

	// untouched keys survive the merge
	assert.Equal(t, "jtest1", job.ID)
	assert.Equal(t, "/bin/sleep 5", job.Command)
	assert.Equal(t, "original", job.Description)
	assert.Equal(t, 0.75, job.Progress)
	assert.NotNil(t, job.Perf)
}

func TestJobMergeJSONUnknownKeysLandInExtra(t *testing.T) {
	job := &Job{ID: "jtest2"}
	require.NoError(t, job.MergeJSON([]byte(`{"custom_field": "hello", "progress": 0.5}`)))

	assert.Equal(t, "hello", job.Extra["custom_field"])
	assert.Equal(t, 0.5, job.Progress)
}

func TestJobExtraRoundTrip(t *testing.T) {
	var job Job
	require.NoError(t, json.Unmarshal([]byte(`{"id":"j1","event_title":"Nightly Build"}`), &job))
	assert.Equal(t, "Nightly Build", job.Extra["event_title"])

	raw, err := json.Marshal(job)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "Nightly Build", out["event_title"])
}

func TestJobMergeTolerantFlags(t *testing.T) {
	// children report booleans as numbers or strings; the merge accepts all
	job := &Job{ID: "jtest3"}
	require.NoError(t, job.MergeJSON([]byte(`{"complete": 1, "code": 0}`)))
	assert.True(t, bool(job.Complete))
	require.NotNil(t, job.Code)
	assert.True(t, job.Code.IsZero())
}

func TestStripOneShot(t *testing.T) {
	job := &Job{
		ID:    "jtest4",
		Table: map[string]any{"rows": []any{}},
		HTML:  "<b>hi</b>",
		Text:  "status line",
		Push:  &Push{Actions: []PushAction{{Type: "email"}}},
		Perf:  map[string]any{"total": 1.0},
	}
	job.StripOneShot()

	assert.Nil(t, job.Table)
	assert.Nil(t, job.HTML)
	assert.Nil(t, job.Text)
	assert.Nil(t, job.Push)
	// perf is cumulative, not one-shot
	assert.NotNil(t, job.Perf)
}

func TestCopyForUpdateWithholdsProcessDetail(t *testing.T) {
	job := &Job{
		ID:    "jtest5",
		Procs: map[int]*ProcSample{100: {Pid: 100}},
		Conns: []*Conn{{Pid: 100}},
	}
	cp := job.CopyForUpdate()

	assert.Nil(t, cp.Procs)
	assert.Nil(t, cp.Conns)
	assert.Equal(t, "jtest5", cp.ID)
	// original is untouched
	assert.NotNil(t, job.Procs)
}

func TestScalarFields(t *testing.T) {
	job := &Job{
		ID:       "jtest6",
		PID:      1234,
		Complete: true,
		Params:   map[string]any{"nested": true},
	}
	fields := job.ScalarFields()

	assert.Equal(t, "jtest6", fields["id"])
	assert.Equal(t, "1234", fields["pid"])
	assert.Equal(t, "1", fields["complete"])
	// objects are not mirrored
	_, ok := fields["params"]
	assert.False(t, ok)
}
