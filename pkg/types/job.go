package types

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Job represents one unit of work dispatched by the conductor and executed
// here as a supervised child process. The conductor holds a read-mostly
// mirror synchronized via periodic and event-driven pushes; fields it sets
// that we have no schema for survive round trips in Extra.
type Job struct {
	ID          string         `json:"id"`
	Command     string         `json:"command,omitempty"`
	Plugin      string         `json:"plugin,omitempty"`
	Script      string         `json:"script,omitempty"`
	Now         int64          `json:"now,omitempty"`
	Server      string         `json:"server,omitempty"`
	UID         string         `json:"uid,omitempty"`
	GID         string         `json:"gid,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Workflow    *Workflow      `json:"workflow,omitempty"`
	Kill        KillPolicy     `json:"kill,omitempty"`
	Runner      Flag           `json:"runner,omitempty"`
	Limits      []Limit        `json:"limits,omitempty"`
	CWD         string         `json:"cwd,omitempty"`
	LogFile     string         `json:"log_file,omitempty"`
	PID         int            `json:"pid"`
	State       JobState       `json:"state,omitempty"`
	Complete    Flag           `json:"complete,omitempty"`
	Unknown     Flag           `json:"unknown,omitempty"`
	RetryOK     Flag           `json:"retry_ok,omitempty"`
	Progress    float64        `json:"progress,omitempty"`
	Code        *Code          `json:"code,omitempty"`
	Description string         `json:"description,omitempty"`

	CPU   *Stats              `json:"cpu,omitempty"`
	Mem   *Stats              `json:"mem,omitempty"`
	Procs map[int]*ProcSample `json:"procs,omitempty"`
	Conns []*Conn             `json:"conns,omitempty"`

	Files []JobFile `json:"files,omitempty"`

	// One-shot display payloads from the child, stripped after each push
	Data        any    `json:"data,omitempty"`
	Tags        any    `json:"tags,omitempty"`
	Perf        any    `json:"perf,omitempty"`
	Table       any    `json:"table,omitempty"`
	HTML        any    `json:"html,omitempty"`
	Markdown    any    `json:"markdown,omitempty"`
	Text        any    `json:"text,omitempty"`
	Push        *Push  `json:"push,omitempty"`
	Redraw      string `json:"redraw,omitempty"`
	UpdateEvent any    `json:"update_event,omitempty"`
	Status      string `json:"status,omitempty"`

	Reconnected int64 `json:"reconnected,omitempty"`

	// Extra holds conductor- or child-supplied fields outside our schema
	Extra map[string]any `json:"-"`
}

// jobAlias avoids recursing into the custom (Un)MarshalJSON
type jobAlias Job

// jobKnownKeys is the set of JSON keys mapped to typed Job fields
var jobKnownKeys = buildJobKnownKeys()

func buildJobKnownKeys() map[string]bool {
	keys := make(map[string]bool)
	t := reflect.TypeOf(Job{})
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		name := strings.Split(tag, ",")[0]
		if name != "" {
			keys[name] = true
		}
	}
	return keys
}

func (j *Job) UnmarshalJSON(data []byte) error {
	var alias jobAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, val := range raw {
		if jobKnownKeys[key] {
			continue
		}
		var v any
		if err := json.Unmarshal(val, &v); err != nil {
			continue
		}
		if alias.Extra == nil {
			alias.Extra = make(map[string]any)
		}
		alias.Extra[key] = v
	}
	*j = Job(alias)
	return nil
}

func (j Job) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(jobAlias(j))
	if err != nil {
		return nil, err
	}
	if len(j.Extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, val := range j.Extra {
		if jobKnownKeys[key] {
			continue
		}
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("marshal extra field %q: %w", key, err)
		}
		merged[key] = raw
	}
	return json.Marshal(merged)
}

// MergeJSON overlays a partial JSON document onto the job. Only keys
// present in the document are touched; unknown keys land in Extra.
func (j *Job) MergeJSON(data []byte) error {
	alias := (*jobAlias)(j)
	if err := json.Unmarshal(data, alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, val := range raw {
		if jobKnownKeys[key] {
			continue
		}
		var v any
		if err := json.Unmarshal(val, &v); err != nil {
			continue
		}
		j.SetExtra(key, v)
	}
	return nil
}

// MergeMap overlays a partial update expressed as a decoded JSON map
func (j *Job) MergeMap(data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return j.MergeJSON(raw)
}

// SetExtra stores a schemaless field on the job
func (j *Job) SetExtra(key string, val any) {
	if j.Extra == nil {
		j.Extra = make(map[string]any)
	}
	j.Extra[key] = val
}

// StripOneShot removes display payloads that must not be redelivered on the
// next periodic push (the conductor consumes them once).
func (j *Job) StripOneShot() {
	j.Push = nil
	j.Table = nil
	j.HTML = nil
	j.Markdown = nil
	j.Text = nil
}

// CopyForUpdate returns a shallow copy suitable for an out-of-band single
// job push: process and connection detail is withheld (those ride the tick
// schedule only).
func (j *Job) CopyForUpdate() *Job {
	cp := *j
	cp.Procs = nil
	cp.Conns = nil
	return &cp
}

// ScalarFields returns every top-level string/number/bool field of the job,
// keyed by its wire name. Used by the legacy-compatibility mode to mirror
// job fields into the child environment.
func (j *Job) ScalarFields() map[string]string {
	data, err := json.Marshal(j)
	if err != nil {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	out := make(map[string]string)
	for key, val := range raw {
		switch v := val.(type) {
		case string:
			out[key] = v
		case float64:
			out[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			if v {
				out[key] = "1"
			} else {
				out[key] = "0"
			}
		}
	}
	return out
}
