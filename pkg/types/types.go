package types

import (
	"encoding/json"
	"fmt"
)

// Message is the control channel envelope: one JSON object per frame.
type Message struct {
	Cmd  string          `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Commands consumed by the satellite.
const (
	CmdEcho              = "echo"
	CmdAuthFailure       = "auth_failure"
	CmdHello             = "hello"
	CmdJoined            = "joined"
	CmdMasterData        = "masterData"
	CmdRedirect          = "redirect"
	CmdRetry             = "retry"
	CmdLaunchJob         = "launch_job"
	CmdAbortJob          = "abort_job"
	CmdUpdate            = "update"
	CmdUpdateConfig      = "updateConfig"
	CmdUpgrade           = "upgrade"
	CmdUninstall         = "uninstall"
	CmdTestMonitorPlugin = "testMonitorPlugin"
)

// Commands emitted by the satellite.
const (
	CmdJoin              = "join"
	CmdEchoBack          = "echoback"
	CmdNotice            = "notice"
	CmdCritical          = "critical"
	CmdJobLog            = "job_log"
	CmdJobMeta           = "job_meta"
	CmdJobs              = "jobs"
	CmdQuickMon          = "quickmon"
	CmdMonitor           = "monitor"
	CmdMonitorTestResult = "monitorPluginTestResult"
)

// JobState represents the lifecycle state of a job
type JobState string

const (
	JobStateActive    JobState = "active"
	JobStateFinishing JobState = "finishing"
	JobStateComplete  JobState = "complete"
)

// KillPolicy controls which processes are signaled on abort
type KillPolicy string

const (
	KillPolicyDefault KillPolicy = ""     // graceful signal to the immediate child
	KillPolicyNone    KillPolicy = "none" // detach child, never signal it
	KillPolicyAll     KillPolicy = "all"  // signal every known descendant process
)

// Sentinel (non-numeric) result codes
const (
	CodeAbort    = "abort"
	CodeWarning  = "warning"
	CodeCritical = "critical"
	CodeUpload   = "upload"
)

// Stats accumulates min/max/total/count/current for one resource metric
// (cpu percent or resident memory bytes) across accounting ticks.
type Stats struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Total   float64 `json:"total"`
	Count   int     `json:"count"`
	Current float64 `json:"current"`
}

// Add folds one sample into the running stats
func (s *Stats) Add(v float64) {
	if s.Count == 0 {
		s.Min = v
		s.Max = v
	} else {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Total += v
	s.Count++
	s.Current = v
}

// ProcSample is one point-in-time measurement of a single process
type ProcSample struct {
	Pid       int     `json:"pid"`
	ParentPid int     `json:"parentPid"`
	User      string  `json:"user,omitempty"`
	CPU       float64 `json:"cpu"`
	MemRss    int64   `json:"memRss"`
	MemVsz    int64   `json:"memVsz,omitempty"`
	State     string  `json:"state,omitempty"`
	Command   string  `json:"command,omitempty"`
	Started   int64   `json:"started,omitempty"`
	Age       int64   `json:"age,omitempty"`

	// Augmented per tick for job-owned processes
	Disk  int64  `json:"disk"`
	Net   int64  `json:"net"`
	Conns int    `json:"conns"`
	Job   string `json:"job,omitempty"`
}

// Conn describes one open network connection belonging to a job process
type Conn struct {
	Type       string  `json:"type"`
	State      string  `json:"state"`
	LocalAddr  string  `json:"local_addr"`
	RemoteAddr string  `json:"remote_addr"`
	Pid        int     `json:"pid"`
	Bytes      int64   `json:"bytes,omitempty"`
	Delta      int64   `json:"delta,omitempty"`
	BytesIn    int64   `json:"bytes_in,omitempty"`
	BytesOut   int64   `json:"bytes_out,omitempty"`
	Started    float64 `json:"started,omitempty"`
}

// JobFile is the canonical form of one declared output (or uploaded) file.
// Children may declare files as a bare path string, a [path, filename,
// delete] tuple, or an object; NormalizeFile converts all three.
type JobFile struct {
	ID       string `json:"id,omitempty"`
	Path     string `json:"path,omitempty"`
	Filename string `json:"filename,omitempty"`
	Delete   bool   `json:"delete,omitempty"`
	Date     int64  `json:"date,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Server   string `json:"server,omitempty"`
	Job      string `json:"job,omitempty"`
}

// UnmarshalJSON accepts the object form as well as the bare-path and
// tuple shorthands children emit
func (f *JobFile) UnmarshalJSON(data []byte) error {
	type alias JobFile
	var a alias
	if err := json.Unmarshal(data, &a); err == nil {
		*f = JobFile(a)
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	file, ok := NormalizeFile(v)
	if !ok {
		return fmt.Errorf("invalid file declaration: %s", string(data))
	}
	*f = file
	return nil
}

// NormalizeFile converts the string/array/object shorthand forms into a
// JobFile. Returns false if the value has no usable path.
func NormalizeFile(v any) (JobFile, bool) {
	switch val := v.(type) {
	case string:
		if val == "" {
			return JobFile{}, false
		}
		return JobFile{Path: val}, true
	case []any:
		var file JobFile
		if len(val) >= 1 {
			file.Path, _ = val[0].(string)
		}
		if len(val) >= 2 {
			file.Filename, _ = val[1].(string)
		}
		if len(val) >= 3 {
			file.Delete, _ = val[2].(bool)
		}
		return file, file.Path != ""
	case map[string]any:
		var file JobFile
		raw, err := json.Marshal(val)
		if err != nil {
			return JobFile{}, false
		}
		if err := json.Unmarshal(raw, &file); err != nil {
			return JobFile{}, false
		}
		return file, file.Path != ""
	case JobFile:
		return val, val.Path != ""
	}
	return JobFile{}, false
}

// Limit is a conductor-declared per-job resource limit
type Limit struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
	Amount  int64  `json:"amount"`
}

// PushAction is one post-completion action appended to a job
// (chain another event, send a notification)
type PushAction struct {
	Condition string         `json:"condition"`
	Type      string         `json:"type"`
	EventID   string         `json:"event_id,omitempty"`
	Email     string         `json:"email,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Enabled   bool           `json:"enabled"`
}

// Push carries post-completion actions and file declarations pushed by the
// child. Files are spliced into the job's file list and stripped before the
// push structure is sent to the conductor.
type Push struct {
	Actions []PushAction `json:"actions,omitempty"`
	Files   []any        `json:"files,omitempty"`
}

// Empty reports whether the push carries nothing worth sending
func (p *Push) Empty() bool {
	return p == nil || (len(p.Actions) == 0 && len(p.Files) == 0)
}

// Workflow carries workflow-level parameters attached to a job
type Workflow struct {
	Params map[string]any `json:"params,omitempty"`
}

// PluginDef describes an event plugin pushed by the conductor
type PluginDef struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Command string `json:"command,omitempty"`
	Script  string `json:"script,omitempty"`
}

// CommandDef describes a custom monitor command pushed by the conductor
type CommandDef struct {
	ID      string            `json:"id"`
	Title   string            `json:"title,omitempty"`
	Command string            `json:"command"`
	Script  string            `json:"script,omitempty"`
	Format  string            `json:"format,omitempty"` // "json", "xml" or plain text
	Timeout int               `json:"timeout,omitempty"`
	UID     string            `json:"uid,omitempty"`
	GID     string            `json:"gid,omitempty"`
	CWD     string            `json:"cwd,omitempty"`
	Groups  []string          `json:"groups,omitempty"`
	Secrets map[string]string `json:"sec,omitempty"`
}

// HelloData is the conductor's reply to our initial hello
type HelloData struct {
	ID    string `json:"id,omitempty"`
	Nonce string `json:"nonce"`
}

// MasterData lists the current conductor host set
type MasterData struct {
	Masters []string `json:"masters"`
}

// JoinedData is the payload of a successful auth handshake: the full
// runtime configuration applied atomically on join.
type JoinedData struct {
	Config     map[string]any `json:"config,omitempty"`
	MasterData MasterData     `json:"masterData"`
	NumServers int            `json:"numServers,omitempty"`
	Groups     []string       `json:"groups,omitempty"`
	Plugins    []PluginDef    `json:"plugins,omitempty"`
	Commands   []CommandDef   `json:"commands,omitempty"`
}

// RedirectData carries the one-shot host override for a redirect command
type RedirectData struct {
	Host string `json:"host"`
}

// AbortRequest identifies a job to abort and why
type AbortRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// LaunchRequest is the payload of a launch_job command
type LaunchRequest struct {
	Job     *Job              `json:"job"`
	Details map[string]any    `json:"details,omitempty"`
	Secrets map[string]string `json:"sec,omitempty"`
}
