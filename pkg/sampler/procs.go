package sampler

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pixlcore/xysat-beta/pkg/types"
)

// ProcSnapshot is one scan of the full host process table
type ProcSnapshot struct {
	List   []*types.ProcSample `json:"list"`
	States map[string]int      `json:"states,omitempty"`
	All    int                 `json:"all"`
}

// ByPid indexes the snapshot by process id
func (s *ProcSnapshot) ByPid() map[int]*types.ProcSample {
	pids := make(map[int]*types.ProcSample, len(s.List))
	for _, proc := range s.List {
		pids[proc.Pid] = proc
	}
	return pids
}

var procStateNames = map[string]string{
	"idle":    "Idle",
	"sleep":   "Sleeping",
	"running": "Running",
	"zombie":  "Zombie",
	"stop":    "Stopped",
	"wait":    "Paged",
	"lock":    "Sleeping",
}

// GetProcs scans every process on the host. Individual per-process read
// errors (processes exiting mid-scan, permission limits) are skipped.
func GetProcs() *ProcSnapshot {
	snap := &ProcSnapshot{States: make(map[string]int)}
	procs, err := process.Processes()
	if err != nil {
		return snap
	}
	self := os.Getpid()
	now := time.Now().Unix()
	for _, p := range procs {
		sample := &types.ProcSample{Pid: int(p.Pid)}
		if ppid, err := p.Ppid(); err == nil {
			sample.ParentPid = int(ppid)
		}
		if cpu, err := p.CPUPercent(); err == nil {
			sample.CPU = cpu
		}
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			sample.MemRss = int64(mi.RSS)
			sample.MemVsz = int64(mi.VMS)
		}
		if statuses, err := p.Status(); err == nil && len(statuses) > 0 {
			if name, ok := procStateNames[statuses[0]]; ok {
				sample.State = name
			} else {
				sample.State = "Unknown"
			}
		}
		if cmdline, err := p.Cmdline(); err == nil && cmdline != "" {
			sample.Command = cmdline
		} else if name, err := p.Name(); err == nil {
			sample.Command = name
		}
		if user, err := p.Username(); err == nil {
			sample.User = user
		}
		if created, err := p.CreateTime(); err == nil && created > 0 {
			sample.Started = created / 1000
			sample.Age = now - sample.Started
		}

		// skip our own scan helper noise
		if sample.ParentPid == self && sample.Command == "" {
			continue
		}

		state := sample.State
		if state == "" {
			state = "Unknown"
		}
		snap.States[state]++
		snap.All++
		snap.List = append(snap.List, sample)
	}
	return snap
}

// ProcCache caches process snapshots with an adaptive TTL: the fresher
// entry expires 5x the time the last refresh took, so slow machines or huge
// process tables automatically back off sampling frequency.
type ProcCache struct {
	mu      sync.Mutex
	data    *ProcSnapshot
	expires time.Time
	elapsed time.Duration
}

// Get returns the cached snapshot, refreshing it when stale
func (c *ProcCache) Get() *ProcSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if c.data != nil && now.Before(c.expires) {
		return c.data
	}
	start := now
	c.data = GetProcs()
	c.elapsed = time.Since(start)
	c.expires = time.Now().Add(c.elapsed * 5)
	return c.data
}

// Clear drops the cached snapshot if it has expired, freeing memory while
// no jobs are running
func (c *ProcCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data != nil && time.Now().After(c.expires) {
		c.data = nil
	}
}
