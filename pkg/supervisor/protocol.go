package supervisor

import (
	"strings"
	"sync"
	"time"

	"github.com/pixlcore/xysat-beta/pkg/types"
)

const lineBufferDelay = 50 * time.Millisecond

// lineBuffer batches child output lines so a chatty child does not flood
// the control channel with per-line messages. Flushes on a short debounce
// timer or when the buffer hits the hard cap, whichever comes first.
type lineBuffer struct {
	mu    sync.Mutex
	lines []string
	size  int
	timer *time.Timer
	emit  func(string)
}

func newLineBuffer(emit func(string)) *lineBuffer {
	return &lineBuffer{emit: emit}
}

func (b *lineBuffer) Add(line string) {
	b.mu.Lock()
	b.lines = append(b.lines, line)
	b.size += len(line)
	if b.size >= maxChildLineBytes {
		b.flushLocked()
		b.mu.Unlock()
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(lineBufferDelay, b.Flush)
	}
	b.mu.Unlock()
}

func (b *lineBuffer) Flush() {
	b.mu.Lock()
	b.flushLocked()
	b.mu.Unlock()
}

func (b *lineBuffer) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.lines) == 0 {
		return
	}
	text := strings.Join(b.lines, "")
	b.lines = nil
	b.size = 0
	b.emit(text)
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case string:
		return val != ""
	}
	return true
}

// legacyKeys is the allow-list of child update fields honored in
// compatibility mode; everything else is ignored rather than imported
var legacyKeys = []string{
	"progress", "complete", "code", "description", "perf", "update_event",
	"table", "html", "files", "data", "tags", "push",
}

// handleChildUpdate applies one JSON line from the child to the job.
// Returns true when the line was consumed as a protocol update; false
// means the caller should treat it as raw log output.
func (s *Supervisor) handleChildUpdate(job *types.Job, w *worker, data map[string]any) bool {
	s.mu.Lock()

	if job.Complete {
		// race between abort or completion and trailing child output
		s.mu.Unlock()
		return true
	}
	if job.Code != nil && job.Code.Is(types.CodeAbort) {
		s.mu.Unlock()
		return true
	}
	// reserved fields mean the child accidentally echoed a whole job object
	if _, ok := data["type"]; ok {
		s.mu.Unlock()
		return true
	}
	if _, ok := data["state"]; ok {
		s.mu.Unlock()
		return true
	}

	found := false
	if truthy(data["xy"]) {
		_, hasCode := data["code"]
		if truthy(data["complete"]) && !truthy(data["code"]) {
			data["code"] = 0
			hasCode = true
		}
		if !truthy(data["complete"]) && hasCode {
			data["complete"] = true
		}
		merged := make(map[string]any, len(data))
		for key, val := range data {
			if key != "xy" {
				merged[key] = val
			}
		}
		if err := job.MergeMap(merged); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Rejected malformed child update")
		} else {
			found = true
		}
	} else if s.cfg.GetBool("cronicle") {
		found = s.applyLegacyUpdate(job, data)
	}

	if found {
		if data["table"] != nil || data["html"] != nil || data["markdown"] != nil ||
			data["text"] != nil || data["perf"] != nil || job.Push != nil || job.Status != "" {
			job.Redraw = types.ShortID("")
		}

		// file declarations pushed by the child are handled here, never
		// forwarded to the conductor
		if job.Push != nil && len(job.Push.Files) > 0 {
			for _, f := range job.Push.Files {
				if file, ok := types.NormalizeFile(f); ok {
					job.Files = append(job.Files, file)
				}
			}
			job.Push.Files = nil
			if job.Push.Empty() {
				job.Push = nil
			}
		}
	}

	finish := bool(job.Complete) && w.exited
	s.mu.Unlock()

	if finish {
		// completion line landed after the child exited
		s.Finish(job)
		return true
	}
	return found
}

// applyLegacyUpdate translates the old-style child API: chain and notify
// shorthands become push actions, and only allow-listed fields import
func (s *Supervisor) applyLegacyUpdate(job *types.Job, data map[string]any) bool {
	found := false
	addAction := func(act types.PushAction) {
		if job.Push == nil {
			job.Push = &types.Push{}
		}
		job.Push.Actions = append(job.Push.Actions, act)
		found = true
	}

	if v, ok := data["chain"].(string); ok && v != "" {
		params, _ := data["chain_params"].(map[string]any)
		if params == nil {
			params = map[string]any{}
		}
		addAction(types.PushAction{Condition: "success", Type: "run_event", EventID: v, Params: params, Enabled: true})
	}
	if v, ok := data["chain_error"].(string); ok && v != "" {
		addAction(types.PushAction{Condition: "error", Type: "run_event", EventID: v, Enabled: true})
	}
	if v, ok := data["chain_data"]; ok {
		data["data"] = v
		delete(data, "chain_data")
		found = true
	}
	if v, ok := data["notify_success"].(string); ok && v != "" {
		addAction(types.PushAction{Condition: "success", Type: "email", Email: v, Enabled: true})
	}
	if v, ok := data["notify_fail"].(string); ok && v != "" {
		addAction(types.PushAction{Condition: "error", Type: "email", Email: v, Enabled: true})
	}

	subset := make(map[string]any)
	for _, key := range legacyKeys {
		if v, ok := data[key]; ok {
			subset[key] = v
			found = true
		}
	}
	if len(subset) > 0 {
		if err := job.MergeMap(subset); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Rejected malformed child update")
			return false
		}
	}
	return found
}
