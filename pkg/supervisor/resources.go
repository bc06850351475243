package supervisor

import (
	"encoding/json"
	"runtime"
	"sync"

	"github.com/pixlcore/xysat-beta/pkg/sampler"
	"github.com/pixlcore/xysat-beta/pkg/types"
)

const (
	maxDescendantDepth = 100
	diskIOParallelism  = 4
)

// JobTick runs the per-second resource accounting pass and pushes every
// active job to the conductor. Single-flight; a slow pass skips ticks
// rather than stacking.
func (s *Supervisor) JobTick() {
	if !s.ch.Connected() || !s.ch.Authed() {
		return
	}

	s.mu.Lock()
	if len(s.jobs) == 0 {
		s.mu.Unlock()
		// free snapshot memory while idle
		s.procCache.Clear()
		return
	}
	if s.tickBusy {
		s.mu.Unlock()
		return
	}
	s.tickBusy = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.tickBusy = false
		s.mu.Unlock()
	}()

	snap := s.procCache.Get()
	pids := snap.ByPid()

	s.mu.Lock()
	for _, job := range s.jobs {
		s.measureJobResources(job, pids)
	}
	s.mu.Unlock()

	s.measureDiskIO()
	s.measureNetworkIO()

	if !s.ch.Connected() || !s.ch.Authed() {
		return
	}

	s.mu.Lock()
	raw, err := json.Marshal(s.jobs)
	for _, job := range s.jobs {
		// display payloads are consumed by this push
		job.StripOneShot()
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to serialize job tick")
		return
	}
	s.ch.Send(types.CmdJobs, json.RawMessage(raw))
}

// measureJobResources walks the job's process tree via parent links and
// folds cpu/mem samples into the running stats. Depth bounded; revisited
// pids (ppid cycles) terminate the walk. Caller holds the lock.
func (s *Supervisor) measureJobResources(job *types.Job, pids map[int]*types.ProcSample) {
	if job.Runner {
		return
	}
	job.Procs = nil

	root, ok := pids[job.PID]
	if !ok {
		return
	}

	rootCopy := *root
	job.Procs = map[int]*types.ProcSample{job.PID: &rootCopy}
	cpu := root.CPU
	mem := float64(root.MemRss)

	family := map[int]bool{job.PID: true}
	frontier := []int{job.PID}
	for depth := 0; len(frontier) > 0 && depth < maxDescendantDepth; depth++ {
		var next []int
		for _, fpid := range frontier {
			for cpid, proc := range pids {
				if proc.ParentPid != fpid || family[cpid] {
					continue
				}
				family[cpid] = true
				sample := *proc
				job.Procs[cpid] = &sample
				cpu += proc.CPU
				mem += float64(proc.MemRss)
				next = append(next, cpid)
			}
		}
		frontier = next
	}

	if job.CPU == nil {
		job.CPU = &types.Stats{}
	}
	job.CPU.Add(cpu)
	if job.Mem == nil {
		job.Mem = &types.Stats{}
	}
	job.Mem.Add(mem)
}

// measureDiskIO samples cumulative disk bytes per job process from
// /proc/<pid>/io with bounded parallelism. Non-linux hosts report zeros.
func (s *Supervisor) measureDiskIO() {
	s.mu.Lock()
	var procs []*types.ProcSample
	for _, job := range s.jobs {
		if job.Runner {
			continue
		}
		for _, proc := range job.Procs {
			proc.Disk = 0
			procs = append(procs, proc)
		}
	}
	s.mu.Unlock()

	if runtime.GOOS != "linux" || len(procs) == 0 {
		return
	}

	sem := make(chan struct{}, diskIOParallelism)
	var wg sync.WaitGroup
	for _, proc := range procs {
		wg.Add(1)
		sem <- struct{}{}
		go func(p *types.ProcSample) {
			defer wg.Done()
			p.Disk = sampler.ReadProcDiskBytes(p.Pid)
			<-sem
		}(proc)
	}
	wg.Wait()
}

// measureNetworkIO attributes open sockets to job processes. Byte counters
// from the socket table are cached per local|remote address pair so each
// tick reports a delta; vanished sockets are evicted from the cache.
func (s *Supervisor) measureNetworkIO() {
	s.mu.Lock()
	for _, job := range s.jobs {
		if job.Runner {
			continue
		}
		for _, proc := range job.Procs {
			proc.Conns = 0
			proc.Net = 0
		}
		job.Conns = nil
	}
	s.mu.Unlock()

	socks := sampler.GetSockets()
	if socks == nil {
		return
	}
	now := sampler.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(socks))
	for _, sock := range socks {
		key := sock.LocalAddr + "|" + sock.RemoteAddr
		conn := s.connCache[key]
		if conn == nil {
			conn = &types.Conn{Started: now}
			s.connCache[key] = conn
		}
		conn.Type = sock.Type
		conn.State = sock.State
		conn.LocalAddr = sock.LocalAddr
		conn.RemoteAddr = sock.RemoteAddr
		conn.Pid = sock.Pid
		bytes := sock.BytesIn + sock.BytesOut
		conn.Delta = bytes - conn.Bytes
		conn.Bytes = bytes
		seen[key] = true
	}
	for key := range s.connCache {
		if !seen[key] {
			delete(s.connCache, key)
		}
	}

	for _, job := range s.jobs {
		if job.Runner || job.Procs == nil {
			continue
		}
		for _, conn := range s.connCache {
			proc, ok := job.Procs[conn.Pid]
			if !ok {
				continue
			}
			job.Conns = append(job.Conns, conn)
			proc.Conns++
			proc.Net += conn.Delta
		}
	}
}

// ActiveJobCount returns the number of jobs currently active
func (s *Supervisor) ActiveJobCount() int {
	return s.countJobs()
}

// AugmentProcs annotates a host process list with job ownership and the
// per-process disk/net/connection attribution from the last accounting tick
func (s *Supervisor) AugmentProcs(list []*types.ProcSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, proc := range list {
		for id, job := range s.jobs {
			if job.Runner || job.Procs == nil {
				continue
			}
			owned, ok := job.Procs[proc.Pid]
			if !ok {
				continue
			}
			proc.Job = id
			proc.Disk = owned.Disk
			proc.Conns = owned.Conns
			proc.Net = owned.Net
		}
	}
}
