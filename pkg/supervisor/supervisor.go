package supervisor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixlcore/xysat-beta/pkg/config"
	"github.com/pixlcore/xysat-beta/pkg/log"
	"github.com/pixlcore/xysat-beta/pkg/metrics"
	"github.com/pixlcore/xysat-beta/pkg/sampler"
	"github.com/pixlcore/xysat-beta/pkg/types"
)

// Sender is the slice of the control channel the supervisor needs
type Sender interface {
	Send(cmd string, data any)
	Connected() bool
	Authed() bool
	Host() string
}

// worker tracks one spawned child process
type worker struct {
	pid        int
	proc       *os.Process
	stdin      interface{ Close() error }
	exited     bool
	graceTimer *time.Timer
	killTimer  *time.Timer
	buf        *lineBuffer
}

// Supervisor owns all active jobs on this host
type Supervisor struct {
	cfg     *config.Config
	ch      Sender
	logger  zerolog.Logger
	version string
	client  *http.Client

	// PluginScriptPath resolves the materialized script file for a plugin
	// or command id; set by the agent before any job launches
	PluginScriptPath func(id string) string

	// UpgradeRecheck fires after each job completes, so a deferred upgrade
	// can proceed once the host goes idle
	UpgradeRecheck func()

	mu        sync.Mutex
	jobs      map[string]*types.Job
	workers   map[string]*worker
	connCache map[string]*types.Conn
	procCache sampler.ProcCache
	shutdown  bool
	tickBusy  bool
}

// New creates a job supervisor
func New(cfg *config.Config, ch Sender, version string) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		ch:      ch,
		logger:  log.WithComponent("job"),
		version: version,
		client: &http.Client{
			Timeout: time.Duration(cfg.GetInt("request_timeout_sec", config.DefaultRequestTimeoutSec)) * time.Second,
		},
		jobs:      make(map[string]*types.Job),
		workers:   make(map[string]*worker),
		connCache: make(map[string]*types.Conn),
	}
}

// baseURL returns the conductor's HTTP endpoint for the current connection
func (s *Supervisor) baseURL() string {
	proto := "http"
	if s.cfg.GetBool("secure") {
		proto = "https"
	}
	return fmt.Sprintf("%s://%s:%d", proto, s.ch.Host(), s.cfg.GetInt("port", 5522))
}

// SetShutdown marks the supervisor as shutting down; new launches are
// refused with a setup error from this point on
func (s *Supervisor) SetShutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
}

// HasActiveJobs reports whether any jobs are still running
func (s *Supervisor) HasActiveJobs() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs) > 0
}

// register adds a job to the active set
func (s *Supervisor) register(job *types.Job) {
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	setActiveJobs(s.countJobs())
}

func setActiveJobs(n int) {
	metrics.JobsActive.Set(float64(n))
}

func (s *Supervisor) countJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// appendJobLog delivers user output to the conductor, or to the local
// legacy log file when the channel is down (non-runner jobs only, the file
// is uploaded as an attachment on completion)
func (s *Supervisor) appendJobLog(job *types.Job, text string) {
	if s.ch.Connected() && s.ch.Authed() {
		s.ch.Send(types.CmdJobLog, map[string]string{"id": job.ID, "text": text})
		return
	}
	if !job.Runner && job.LogFile != "" {
		f, err := os.OpenFile(job.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return
		}
		f.WriteString(text)
		f.Close()
	}
}

// appendMetaLog records a lifecycle event in the job's meta log, which the
// conductor maintains
func (s *Supervisor) appendMetaLog(job *types.Job, msg string) {
	if s.ch.Connected() && s.ch.Authed() {
		s.ch.Send(types.CmdJobMeta, map[string]string{"id": job.ID, "text": msg})
	}
	s.logger.Debug().Str("job_id", job.ID).Msg("Job meta: " + msg)
}

// updateJob pushes one job to the conductor out of band. Process and
// connection detail is withheld (it rides the tick schedule), and the push
// block is consumed by the send.
func (s *Supervisor) updateJob(job *types.Job) {
	if !s.ch.Connected() || !s.ch.Authed() {
		return
	}
	s.mu.Lock()
	raw, err := json.Marshal(map[string]*types.Job{job.ID: job.CopyForUpdate()})
	job.Push = nil
	s.mu.Unlock()
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to serialize job update")
		return
	}
	s.ch.Send(types.CmdJobs, json.RawMessage(raw))
}

// MarkReconnected stamps every active job with a reconnect time, so the
// conductor can distinguish a resumed job stream from a fresh one
func (s *Supervisor) MarkReconnected(ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		job.Reconnected = ts
	}
}

// AppendMetaLogAll records a message in every active job's meta log
func (s *Supervisor) AppendMetaLogAll(msg string) {
	s.mu.Lock()
	jobs := make([]*types.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.mu.Unlock()
	for _, job := range jobs {
		s.appendMetaLog(job, msg)
	}
}

// AbortAll aborts every active job, used at shutdown
func (s *Supervisor) AbortAll(reason string) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Abort(types.AbortRequest{ID: id, Reason: reason})
	}
}

// WaitForAll blocks until every job has finished or the timeout elapses
func (s *Supervisor) WaitForAll(timeout time.Duration) {
	if n := s.countJobs(); n > 0 {
		s.logger.Info().Int("jobs", n).Msg("Waiting for jobs to complete")
	}
	deadline := time.Now().Add(timeout)
	for s.countJobs() > 0 {
		if timeout > 0 && time.Now().After(deadline) {
			s.logger.Warn().Msg("Timed out waiting for jobs to complete")
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
}

// CheckJobLogSizes aborts any job whose legacy log file has outgrown its
// configured limit. Aborted jobs stay eligible for a conductor retry.
// Called once per minute.
func (s *Supervisor) CheckJobLogSizes() {
	s.mu.Lock()
	type check struct {
		id    string
		file  string
		limit int64
	}
	var checks []check
	for _, job := range s.jobs {
		if job.Complete || job.LogFile == "" {
			continue
		}
		for _, limit := range job.Limits {
			if limit.Type == "log" && limit.Enabled && limit.Amount > 0 {
				checks = append(checks, check{job.ID, job.LogFile, limit.Amount})
				break
			}
		}
	}
	s.mu.Unlock()

	for _, c := range checks {
		info, err := os.Stat(c.file)
		if err != nil || info.Size() <= c.limit {
			continue
		}
		s.mu.Lock()
		if job := s.jobs[c.id]; job != nil {
			job.RetryOK = true
		}
		s.mu.Unlock()
		s.Abort(types.AbortRequest{
			ID:     c.id,
			Reason: fmt.Sprintf("Job log file size has exceeded maximum size limit of %s.", textBytes(c.limit)),
		})
	}
}

// textBytes formats a byte count for human consumption
func textBytes(n int64) string {
	units := []string{"B", "K", "MB", "GB", "TB"}
	val := float64(n)
	idx := 0
	for val >= 1024 && idx < len(units)-1 {
		val /= 1024
		idx++
	}
	if idx == 0 {
		return fmt.Sprintf("%d %s", n, units[0])
	}
	return fmt.Sprintf("%.1f %s", val, units[idx])
}
