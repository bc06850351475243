package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Built-in plugins run as the job child process: the satellite re-executes
// itself with --plugin <name>, pipes the job context to stdin and consumes
// our stdout through the normal child protocol.

const (
	maxStderrKeep   = 32768
	pluginKillDelay = 9 * time.Second
)

var (
	progressLineRe = regexp.MustCompile(`^\s*(\d+)%\s*$`)
	jsonLineRe     = regexp.MustCompile(`^\s*\{.+\}\s*$`)
)

func runBuiltinPlugin(name string) error {
	switch name {
	case "shellplug", "shell":
		return runShellPlugin()
	default:
		emitJSON(map[string]any{
			"xy": 1, "complete": 1, "code": 1,
			"description": "Unknown built-in plugin: " + name,
		})
		os.Exit(1)
		return nil
	}
}

type pluginJob struct {
	ID     string         `json:"id"`
	Params map[string]any `json:"params"`
	Input  map[string]any `json:"input"`
}

// runShellPlugin executes the job's inline shell script: it materializes
// the script to a temp file, runs it, and translates the child's output
// into protocol updates (bare NN% lines become progress, JSON lines pass
// through when requested, everything else is logged).
func runShellPlugin() error {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	var job pluginJob
	if err := json.Unmarshal(raw, &job); err != nil {
		emitJSON(map[string]any{
			"xy": 1, "complete": 1, "code": 1,
			"description": "Failed to parse job input: " + err.Error(),
		})
		os.Exit(1)
	}

	script, _ := job.Params["script"].(string)
	annotate := paramBool(job.Params["annotate"])
	jsonMode := paramBool(job.Params["json"])

	// pass input data downstream if requested
	if paramBool(job.Params["pass"]) && job.Input != nil {
		if data, ok := job.Input["data"]; ok {
			emitJSON(map[string]any{"xy": 1, "data": data})
		}
	}

	script = strings.ReplaceAll(script, "\r\n", "\n")
	scriptFile := filepath.Join(os.TempDir(), "xysat-script-temp-"+job.ID+scriptFileExt())
	if err := os.WriteFile(scriptFile, []byte(script), 0775); err != nil {
		emitJSON(map[string]any{
			"xy": 1, "complete": 1, "code": 1,
			"description": "Failed to write script file: " + err.Error(),
		})
		os.Exit(1)
	}
	defer os.Remove(scriptFile)

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("cmd", "/c", scriptFile)
	} else {
		cmd = exec.Command(scriptFile)
	}
	cwd, _ := os.Getwd()
	cmd.Dir = cwd

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		emitJSON(map[string]any{
			"xy": 1, "complete": 1, "code": 1,
			"description": "Script failed: " + err.Error(),
		})
		os.Exit(1)
	}

	// forward the job context; harmless for shell, useful for interpreters
	stdin.Write(append(raw, '\n'))
	stdin.Close()

	// forward SIGTERM, escalating after a grace period
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Printf("Caught SIGTERM, killing child: %d\n", cmd.Process.Pid)
		cmd.Process.Signal(syscall.SIGTERM)
		time.AfterFunc(pluginKillDelay, func() {
			fmt.Printf("Child did not exit, killing harder: %d\n", cmd.Process.Pid)
			cmd.Process.Kill()
		})
	}()

	var sentHTML bool
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case jsonMode && jsonLineRe.MatchString(line):
				// structured update from the script, pass through
				if strings.Contains(line, `"html"`) {
					sentHTML = true
				}
				fmt.Println(line)
			case progressLineRe.MatchString(line):
				pct, _ := strconv.Atoi(progressLineRe.FindStringSubmatch(line)[1])
				if pct > 100 {
					pct = 100
				}
				emitJSON(map[string]any{"xy": 1, "progress": float64(pct) / 100})
			default:
				if annotate {
					line = "[" + time.Now().Format("2006-01-02 15:04:05") + "] " + line
				}
				fmt.Println(line)
			}
		}
	}()

	var stderrBuf strings.Builder
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 8192)
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				if stderrBuf.Len() < maxStderrKeep {
					stderrBuf.Write(chunk)
				}
				os.Stdout.Write(chunk)
			}
			if err != nil {
				return
			}
		}
	}()

	waitErr := cmd.Wait()
	wg.Wait()
	signal.Stop(sigCh)

	code := 0
	if waitErr != nil {
		code = cmd.ProcessState.ExitCode()
		if code <= 0 {
			code = 1
		}
	}

	result := map[string]any{
		"xy":       1,
		"complete": 1,
		"code":     code,
	}
	if code != 0 {
		result["description"] = "Script exited with code: " + strconv.Itoa(code)
	}

	errText := strings.TrimSpace(stderrBuf.String())
	if errText != "" {
		if !sentHTML {
			result["html"] = map[string]any{
				"title":   "Error Output",
				"content": "<pre>" + html.EscapeString(errText) + "</pre>",
			}
		}
		if code != 0 {
			firstLine := strings.SplitN(errText, "\n", 2)[0]
			if len(firstLine) < 256 {
				result["description"] = result["description"].(string) + ": " + firstLine
			}
		}
	}

	emitJSON(result)
	return nil
}

func scriptFileExt() string {
	if runtime.GOOS == "windows" {
		return ".bat"
	}
	return ".sh"
}

func emitJSON(v map[string]any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Println(string(raw))
}

// paramBool treats job params loosely: bools, nonzero numbers and
// non-empty strings (other than "0"/"false") are true
func paramBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != "" && val != "0" && val != "false"
	}
	return false
}
