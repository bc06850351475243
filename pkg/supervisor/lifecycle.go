package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/pixlcore/xysat-beta/pkg/config"
	"github.com/pixlcore/xysat-beta/pkg/metrics"
	"github.com/pixlcore/xysat-beta/pkg/types"
)

// waitChild reaps the child process and drives the completion race: if the
// protocol already reported completion the job finishes immediately,
// otherwise a short grace timer gives a trailing completion line a chance
// to arrive before the exit code decides the outcome.
func (s *Supervisor) waitChild(job *types.Job, w *worker, cmd *exec.Cmd) {
	err := cmd.Wait()
	w.buf.Flush()

	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
		if code < 0 {
			// killed by signal
			code = 0
		}
	} else if err != nil {
		code = 1
	}

	s.logger.Info().Str("job_id", job.ID).Int("pid", w.pid).Int("code", code).Msg("Child exited")
	s.appendMetaLog(job, fmt.Sprintf("Child exited with code: %d", code))

	s.mu.Lock()
	w.exited = true
	complete := job.Complete
	if !complete {
		// exit before protocol completion: wait briefly for a trailing
		// update, then synthesize the outcome from the exit code
		w.graceTimer = time.AfterFunc(time.Second, func() { s.graceExpired(job, code) })
	}
	s.mu.Unlock()

	if complete {
		s.Finish(job)
	}
}

// graceExpired fires when the grace window closes with no completion
// report. A completion that raced in while the timer was firing wins;
// the job keeps the child's reported outcome.
func (s *Supervisor) graceExpired(job *types.Job, code int) {
	s.mu.Lock()
	if job.Complete {
		s.mu.Unlock()
		return
	}
	if code != 0 {
		c := types.NumCode(code)
		job.Code = &c
		job.Description = fmt.Sprintf("Child %d crashed with code: %d", job.PID, code)
	} else {
		c := types.StrCode(types.CodeWarning)
		job.Code = &c
		job.Description = "Process exited without reporting job completion."
		job.Unknown = true
	}
	s.mu.Unlock()
	s.Finish(job)
}

// Finish completes a job: state transition to finishing, output file
// upload, state transition to complete, and cleanup. Idempotent; requires
// an authenticated channel and self-retries every second until one exists.
func (s *Supervisor) Finish(job *types.Job) {
	s.mu.Lock()
	if _, ok := s.jobs[job.ID]; !ok {
		s.mu.Unlock()
		return
	}
	if job.State == types.JobStateFinishing || job.State == types.JobStateComplete {
		s.mu.Unlock()
		return
	}
	if w := s.workers[job.ID]; w != nil {
		if w.graceTimer != nil {
			w.graceTimer.Stop()
			w.graceTimer = nil
		}
		if w.killTimer != nil {
			w.killTimer.Stop()
			w.killTimer = nil
		}
	}

	if !s.ch.Connected() || !s.ch.Authed() {
		s.mu.Unlock()
		s.logger.Debug().Str("job_id", job.ID).Msg("No channel connection, job is waiting to finish")
		time.AfterFunc(time.Second, func() { s.Finish(job) })
		return
	}

	job.Complete = true
	job.Progress = 1.0
	if job.Code != nil && !job.Code.IsZero() && job.Description == "" {
		job.Description = "Unknown Error (no description provided)"
	}
	delete(s.workers, job.ID)
	job.State = types.JobStateFinishing
	started := job.Now
	s.mu.Unlock()

	if job.Code != nil && !job.Code.IsZero() {
		s.logger.Info().Str("job_id", job.ID).Str("code", job.Code.String()).Msg("Job completed with code")
	} else {
		s.logger.Info().Str("job_id", job.ID).Msg("Job completed successfully")
	}
	s.appendMetaLog(job, "Job is finishing")
	s.updateJob(job)

	if !job.Runner {
		// legacy log rides along as an attachment; the glob pass drops it
		// if the child never wrote one
		s.mu.Lock()
		job.Files = append(job.Files, types.JobFile{Path: job.LogFile, Delete: true})
		s.mu.Unlock()
	}

	if err := s.prepUploadFiles(job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("File upload failed")
		s.mu.Lock()
		c := types.StrCode(types.CodeUpload)
		job.Code = &c
		job.Description = err.Error()
		job.Files = nil
		s.mu.Unlock()
	}

	s.mu.Lock()
	job.State = types.JobStateComplete
	delete(s.jobs, job.ID)
	remaining := len(s.jobs)
	s.mu.Unlock()
	s.updateJob(job)
	setActiveJobs(remaining)
	metrics.JobsCompleted.WithLabelValues(jobOutcome(job)).Inc()
	if started > 0 {
		if dur := time.Now().Unix() - started; dur >= 0 {
			metrics.JobDuration.Observe(float64(dur))
		}
	}

	s.logger.Info().Str("job_id", job.ID).Msg("Job is complete")

	cwd := job.CWD
	go func() {
		if cwd == "" {
			return
		}
		if err := os.RemoveAll(cwd); err != nil {
			s.logger.Error().Err(err).Str("path", cwd).Msg("Failed to delete job temp dir")
		}
	}()

	if s.UpgradeRecheck != nil {
		s.UpgradeRecheck()
	}
}

func jobOutcome(job *types.Job) string {
	switch {
	case job.Code == nil || job.Code.IsZero():
		return "success"
	case bool(job.Unknown):
		return "unknown"
	case job.Code.Str != "":
		return job.Code.Str
	default:
		return "error"
	}
}

// Abort terminates a job in progress. The kill policy decides which
// processes get signaled: "none" detaches the child, "" signals the
// immediate child, "all" fans out to every known descendant. SIGTERM first,
// SIGKILL after the configured timeout if the child lingers.
func (s *Supervisor) Abort(stub types.AbortRequest) {
	s.mu.Lock()
	job := s.jobs[stub.ID]
	if job == nil {
		s.mu.Unlock()
		s.logger.Error().Str("job_id", stub.ID).Msg("Job not found for abort")
		return
	}
	if job.Complete {
		s.mu.Unlock()
		s.logger.Warn().Str("job_id", stub.ID).Msg("Job is already complete, skipping abort request")
		return
	}
	w := s.workers[stub.ID]
	c := types.StrCode(types.CodeAbort)
	job.Code = &c
	job.Description = stub.Reason
	job.Complete = true
	policy := job.Kill
	var pids []int
	if policy == types.KillPolicyAll {
		for pid := range job.Procs {
			pids = append(pids, pid)
		}
	}
	s.mu.Unlock()

	s.logger.Warn().Str("job_id", stub.ID).Str("reason", stub.Reason).Msg("Aborting local job")
	s.appendMetaLog(job, "Aborting job on server")

	if w == nil || w.proc == nil {
		s.Finish(job)
		return
	}

	if policy == types.KillPolicyNone {
		w.proc.Release()
		s.Finish(job)
		return
	}

	timeout := time.Duration(s.cfg.GetInt("child_kill_timeout", config.DefaultChildKillTimeoutSec)) * time.Second
	s.mu.Lock()
	w.killTimer = time.AfterFunc(timeout, func() {
		if policy == types.KillPolicyAll && len(pids) > 0 {
			s.appendMetaLog(job, fmt.Sprintf("Children did not exit, killing harder: %v", pids))
			for _, pid := range pids {
				killPid(pid)
			}
		} else {
			s.appendMetaLog(job, fmt.Sprintf("Child did not exit, killing harder: %d", job.PID))
			killProcess(w.proc)
		}
	})
	s.mu.Unlock()

	if policy == types.KillPolicyAll && len(pids) > 0 {
		s.appendMetaLog(job, fmt.Sprintf("Killing all job processes: %v", pids))
		for _, pid := range pids {
			termPid(pid)
		}
	} else {
		s.appendMetaLog(job, fmt.Sprintf("Killing job process: %d", job.PID))
		termProcess(w.proc)
	}
}
