package supervisor

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/pixlcore/xysat-beta/pkg/types"
)

const maxChildLineBytes = 32 * 1024 * 1024

var (
	envStripRe = regexp.MustCompile(`^(XYOPS_|XYSAT_|SATELLITE_)`)
	envKeyRe   = regexp.MustCompile(`\W+`)
	envVarRe   = regexp.MustCompile(`\$(\w+)`)
	builtinRe  = regexp.MustCompile(`^\[([\w\-]+)\]$`)
	jsonLineRe = regexp.MustCompile(`^\s*\{.+\}\s*$`)
)

// CleanEnv returns a copy of the agent's environment with agent-internal
// variables stripped, suitable as the base for a child process. On unix a
// set of standard bin directories is folded into PATH.
func CleanEnv() map[string]string {
	env := make(map[string]string)
	for _, pair := range os.Environ() {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			continue
		}
		key := pair[:idx]
		if envStripRe.MatchString(key) {
			continue
		}
		env[key] = pair[idx+1:]
	}

	if runtime.GOOS != "windows" {
		home := env["HOME"]
		if home == "" {
			home = "/root"
		}
		cwd, _ := os.Getwd()
		var paths []string
		if env["PATH"] != "" {
			paths = strings.Split(env["PATH"], ":")
		}
		paths = append(paths,
			"/bin", "/sbin", "/usr/bin", "/usr/sbin", "/usr/local/bin", "/usr/local/sbin",
			filepath.Join(home, ".local", "bin"),
			filepath.Join(cwd, "bin"),
		)
		seen := make(map[string]bool, len(paths))
		var uniq []string
		for _, p := range paths {
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			uniq = append(uniq, p)
		}
		env["PATH"] = strings.Join(uniq, ":")
	}
	return env
}

// ExpandVars substitutes $NAME references with values from env; unknown
// names expand to the empty string
func ExpandVars(s string, env map[string]string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(m string) string {
		return env[m[1:]]
	})
}

func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case bool:
		return strconv.FormatBool(val), true
	}
	return "", false
}

// PrepLaunch creates the job's working directory, downloads declared input
// files and launches the child. Blocking; callers run it in a goroutine.
func (s *Supervisor) PrepLaunch(job *types.Job, details map[string]any, sec map[string]string) {
	s.mu.Lock()
	shutting := s.shutdown
	s.mu.Unlock()
	if shutting {
		s.failLaunch(job, "Setup Error: Server is shutting down. Job cannot launch.")
		return
	}

	cwd, err := filepath.Abs(filepath.Join(s.cfg.GetString("temp_dir"), "jobs", job.ID))
	if err != nil {
		s.failLaunch(job, "Setup Error: "+err.Error())
		return
	}
	job.CWD = cwd
	if err := os.MkdirAll(cwd, 0777); err != nil {
		s.failLaunch(job, "Setup Error: "+err.Error())
		return
	}
	os.Chmod(cwd, 0777)

	if err := s.downloadInputs(job, details); err != nil {
		s.failLaunch(job, "Setup Error: "+err.Error())
		return
	}

	s.Launch(job, details, sec)
}

// failLaunch records a synthetic completion for a job that never spawned
func (s *Supervisor) failLaunch(job *types.Job, desc string) {
	code := types.NumCode(1)
	job.PID = 0
	job.Code = &code
	job.Description = desc
	s.logger.Error().Str("job_id", job.ID).Msg(desc)
	s.register(job)
	s.Finish(job)
}

// Launch spawns the child process for a prepared job
func (s *Supervisor) Launch(job *types.Job, details map[string]any, sec map[string]string) {
	baseURL := s.baseURL()

	logFile, _ := filepath.Abs(filepath.Join(s.cfg.GetString("log_dir"), "jobs", "job-"+job.ID+".log"))
	job.LogFile = logFile

	env := s.buildEnv(job, sec, baseURL)

	runAs, err := ResolveRunAs(job.UID, job.GID, env)
	if err != nil {
		s.failLaunch(job, "Plugin Error: "+err.Error())
		return
	}

	prog, args, err := s.resolveCommand(job, env)
	if err != nil {
		s.failLaunch(job, "Plugin Error: "+err.Error())
		return
	}

	s.logger.Debug().Str("job_id", job.ID).Str("command", prog).Strs("args", args).Msg("Spawning child")

	cmd := exec.Command(prog, args...)
	cmd.Dir = job.CWD
	cmd.Env = FlattenEnv(env)
	runAs.Apply(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.failLaunch(job, "Child spawn error: "+err.Error())
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.failLaunch(job, "Child spawn error: "+err.Error())
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.failLaunch(job, "Child spawn error: "+err.Error())
		return
	}

	if err := cmd.Start(); err != nil {
		s.failLaunch(job, fmt.Sprintf("Child spawn error: %s: %v (Check executable location and permissions?)", prog, err))
		return
	}
	job.PID = cmd.Process.Pid

	s.logger.Info().Str("job_id", job.ID).Int("pid", job.PID).Msg("Spawned child process")
	s.appendMetaLog(job, fmt.Sprintf("Spawned child process: PID %d", job.PID))

	w := &worker{
		pid:   job.PID,
		proc:  cmd.Process,
		stdin: stdin,
	}
	w.buf = newLineBuffer(func(text string) { s.appendJobLog(job, text) })

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.workers[job.ID] = w
	s.mu.Unlock()
	setActiveJobs(s.countJobs())

	go s.readStdout(job, w, stdout)
	go s.readStderr(w, stderr)
	go s.waitChild(job, w, cmd)

	s.writeChildContext(job, details, sec, baseURL, stdin)
	stdin.Close()
}

// buildEnv assembles the child environment: sanitized agent env, configured
// job defaults, job variables and secrets, identity variables, legacy field
// mirroring, and plugin params with $VAR expansion
func (s *Supervisor) buildEnv(job *types.Job, sec map[string]string, baseURL string) map[string]string {
	env := CleanEnv()
	for key, val := range s.cfg.GetStringMap("job_env") {
		env[key] = val
	}
	for key, val := range job.Env {
		env[key] = val
	}
	for key, val := range sec {
		env[key] = val
	}

	env["XYSAT"] = s.version
	env["JOB_ID"] = job.ID
	env["JOB_LOG"] = job.LogFile
	env["JOB_NOW"] = strconv.FormatInt(job.Now, 10)
	env["JOB_BASE_URL"] = baseURL
	env["PWD"] = job.CWD

	if s.cfg.GetBool("cronicle") {
		env["CRONICLE"] = s.version
		for key, val := range job.ScalarFields() {
			env["JOB_"+strings.ToUpper(key)] = val
		}
	}

	if job.Params != nil {
		for key, val := range job.Params {
			str, ok := scalarString(val)
			if !ok {
				continue
			}
			env[envKeyRe.ReplaceAllString(key, "_")] = ExpandVars(str, env)
		}
	}
	if job.Workflow != nil && job.Workflow.Params != nil {
		for key, val := range job.Workflow.Params {
			str, ok := scalarString(val)
			if !ok {
				continue
			}
			env["workflow_"+envKeyRe.ReplaceAllString(key, "_")] = ExpandVars(str, env)
		}
	}
	return env
}

// FlattenEnv converts an environment map to KEY=VALUE form for exec
func FlattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for key, val := range env {
		out = append(out, key+"="+val)
	}
	return out
}

// resolveCommand parses the job command into a program and argument vector.
// The `[name]` bracket form dispatches a built-in plugin through our own
// executable; inline scripts get the materialized script path appended.
func (s *Supervisor) resolveCommand(job *types.Job, env map[string]string) (string, []string, error) {
	prog := job.Command
	var args []string

	if m := builtinRe.FindStringSubmatch(prog); m != nil {
		exe, err := os.Executable()
		if err != nil {
			return "", nil, fmt.Errorf("cannot locate own executable: %w", err)
		}
		prog = exe
		args = []string{"--plugin", m[1]}
	} else if idx := strings.IndexAny(prog, " \t"); idx >= 0 {
		rawArgs := strings.TrimSpace(prog[idx:])
		prog = prog[:idx]
		parsed, err := shlex.Split(rawArgs)
		if err != nil {
			return "", nil, fmt.Errorf("failed to parse command arguments: %w", err)
		}
		for _, arg := range parsed {
			args = append(args, ExpandVars(arg, env))
		}
	}

	if job.Script != "" {
		if s.PluginScriptPath == nil {
			return "", nil, fmt.Errorf("no plugin script store configured")
		}
		args = append(args, s.PluginScriptPath(job.Plugin))
	}
	return prog, args, nil
}

// writeChildContext sends the one-line JSON job descriptor to the child's
// stdin: the job merged with launch details and a metadata block. Children
// that don't read it simply ignore it.
func (s *Supervisor) writeChildContext(job *types.Job, details map[string]any, sec map[string]string, baseURL string, stdin io.Writer) {
	ctx := map[string]any{
		"xy":   1,
		"type": "event",
	}

	raw, err := json.Marshal(job)
	if err == nil {
		var fields map[string]any
		if json.Unmarshal(raw, &fields) == nil {
			delete(fields, "type")
			for key, val := range fields {
				ctx[key] = val
			}
		}
	}
	for key, val := range details {
		ctx[key] = val
	}

	if sec == nil {
		sec = map[string]string{}
	}
	ctx["secrets"] = sec
	ctx["base_url"] = baseURL
	ctx["socket_opts"] = s.cfg.Get("socket_opts")
	ctx["activity"] = nil
	if job.Runner {
		ctx["auth_token"] = s.jobUploadToken(job)
	}
	ctx["type"] = "event"
	ctx["xy"] = 1

	line, err := json.Marshal(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to serialize child context")
		return
	}
	stdin.Write(append(line, '\n'))
}

// jobUploadToken derives the job-scoped file upload token handed to remote
// runner jobs; it expires with the job and authorizes uploads only
func (s *Supervisor) jobUploadToken(job *types.Job) string {
	if secret := s.cfg.GetString("secret_key"); secret != "" {
		authSum := sha256.Sum256([]byte(job.Server + secret))
		tokenSum := sha256.Sum256([]byte(job.ID + hex.EncodeToString(authSum[:])))
		return hex.EncodeToString(tokenSum[:])
	}
	sum := sha256.Sum256([]byte(job.ID + s.cfg.GetString("auth_token")))
	return hex.EncodeToString(sum[:])
}

// readStdout scans child stdout: whole-line JSON objects are protocol
// updates, everything else is raw log output
func (s *Supervisor) readStdout(job *types.Job, w *worker, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxChildLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if jsonLineRe.MatchString(line) {
			var data map[string]any
			if err := json.Unmarshal([]byte(line), &data); err != nil {
				s.logger.Error().Err(err).Str("job_id", job.ID).Int("pid", w.pid).Msg("Child stream error")
				w.buf.Add(line + "\n")
				continue
			}
			if !s.handleChildUpdate(job, w, data) {
				w.buf.Add(line + "\n")
			}
			continue
		}
		w.buf.Add(strings.TrimSuffix(line, "\r") + "\n")
	}
}

func (s *Supervisor) readStderr(w *worker, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxChildLineBytes)
	for scanner.Scan() {
		w.buf.Add(strings.TrimSuffix(scanner.Text(), "\r") + "\n")
	}
}
