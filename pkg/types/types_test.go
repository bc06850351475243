package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFile(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want JobFile
		ok   bool
	}{
		{
			name: "bare path string",
			in:   "/tmp/report.csv",
			want: JobFile{Path: "/tmp/report.csv"},
			ok:   true,
		},
		{
			name: "empty string",
			in:   "",
			ok:   false,
		},
		{
			name: "path filename tuple",
			in:   []any{"/tmp/out.bin", "renamed.bin"},
			want: JobFile{Path: "/tmp/out.bin", Filename: "renamed.bin"},
			ok:   true,
		},
		{
			name: "tuple with delete flag",
			in:   []any{"/tmp/out.bin", "renamed.bin", true},
			want: JobFile{Path: "/tmp/out.bin", Filename: "renamed.bin", Delete: true},
			ok:   true,
		},
		{
			name: "empty tuple",
			in:   []any{},
			ok:   false,
		},
		{
			name: "object form",
			in:   map[string]any{"path": "logs/*.log", "delete": true},
			want: JobFile{Path: "logs/*.log", Delete: true},
			ok:   true,
		},
		{
			name: "object with no path",
			in:   map[string]any{"filename": "x"},
			ok:   false,
		},
		{
			name: "unusable type",
			in:   42.0,
			ok:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeFile(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestJobFileUnmarshalShorthand(t *testing.T) {
	var files []JobFile
	err := json.Unmarshal([]byte(`["out.txt", ["a.txt","b.txt"], {"path":"c.txt","delete":true}]`), &files)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "out.txt", files[0].Path)
	assert.Equal(t, "a.txt", files[1].Path)
	assert.Equal(t, "b.txt", files[1].Filename)
	assert.True(t, files[2].Delete)
}

func TestFlagUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{`true`, true},
		{`false`, false},
		{`1`, true},
		{`0`, false},
		{`2.5`, true},
		{`"yes"`, true},
		{`""`, false},
		{`"0"`, false},
		{`"false"`, false},
		{`null`, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var f Flag
			require.NoError(t, json.Unmarshal([]byte(tt.in), &f))
			assert.Equal(t, tt.want, bool(f))
		})
	}
}

func TestCodeUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want Code
	}{
		{`0`, Code{}},
		{`255`, Code{Num: 255}},
		{`1.0`, Code{Num: 1}},
		{`"warning"`, Code{Str: "warning"}},
		{`true`, Code{Num: 1}},
		{`false`, Code{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var c Code
			require.NoError(t, json.Unmarshal([]byte(tt.in), &c))
			assert.Equal(t, tt.want, c)
		})
	}
}

func TestCodeMarshal(t *testing.T) {
	raw, err := json.Marshal(NumCode(3))
	require.NoError(t, err)
	assert.Equal(t, `3`, string(raw))

	raw, err = json.Marshal(StrCode(CodeAbort))
	require.NoError(t, err)
	assert.Equal(t, `"abort"`, string(raw))
}

func TestStatsAdd(t *testing.T) {
	var s Stats
	s.Add(10)
	s.Add(4)
	s.Add(7)

	assert.Equal(t, 4.0, s.Min)
	assert.Equal(t, 10.0, s.Max)
	assert.Equal(t, 21.0, s.Total)
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 7.0, s.Current)
}

func TestShortID(t *testing.T) {
	a := ShortID("j")
	b := ShortID("j")
	assert.NotEqual(t, a, b)
	assert.True(t, len(a) > 9)
	assert.Equal(t, byte('j'), a[0])
}

func TestPushEmpty(t *testing.T) {
	var p *Push
	assert.True(t, p.Empty())
	assert.True(t, (&Push{}).Empty())
	assert.False(t, (&Push{Actions: []PushAction{{Type: "email"}}}).Empty())
	assert.False(t, (&Push{Files: []any{"out.txt"}}).Empty())
}
