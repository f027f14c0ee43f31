// Package hookwriter implements the "ccbot hook" subprocess: it is
// invoked once per hook firing by the agent CLI, reads the event payload
// from stdin, resolves which tmux window it ran in, and records the
// event for SessionMonitor to pick up on its next poll.
//
// This package must not depend on internal/config's full environment
// validation — hooks run inside tmux panes where bot credentials are not
// set, only CCBOT_DIR (or its default) is needed to locate state files.
package hookwriter

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/beastoin/ccbot/internal/logging"
	"github.com/beastoin/ccbot/internal/model"
)

// hookCommandMarker identifies a ccbot-owned hook entry inside
// settings.json, distinguishing it from hooks other tools installed.
const hookCommandMarker = "ccbot hook"

// Paths are the state file locations the writer reads and writes.
type Paths struct {
	SessionMapFile string
	SessionMapLock string
	EventsFile     string
	ClaudeSettings string // ~/.claude/settings.json
}

// Writer processes hook invocations.
type Writer struct {
	paths Paths
	log   *logging.Logger
}

// New creates a Writer over the given state file paths.
func New(paths Paths, log *logging.Logger) *Writer {
	return &Writer{paths: paths, log: log}
}

// Process reads one hook payload from stdin and records it. getenv
// abstracts os.Getenv for testability. Invalid payloads (bad session_id,
// non-absolute cwd, unhandled event type, missing TMUX_PANE) are dropped
// silently, matching the Python original's hook_main contract.
func (w *Writer) Process(stdin io.Reader, getenv func(string) string) error {
	var payload map[string]any
	if err := json.NewDecoder(stdin).Decode(&payload); err != nil {
		w.log.Warn("failed to parse hook stdin JSON", "err", err.Error())
		return nil
	}

	sessionID := stringField(payload, "session_id")
	cwd := stringField(payload, "cwd")
	transcriptPath := stringField(payload, "transcript_path")
	event := model.EventType(stringField(payload, "hook_event_name"))

	if sessionID == "" || event == "" {
		return nil
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		w.log.Warn("invalid session_id in hook payload", "session_id", sessionID)
		return nil
	}
	if cwd != "" && !filepath.IsAbs(cwd) {
		w.log.Warn("cwd is not absolute", "cwd", cwd)
		return nil
	}
	if !isHandledEvent(event) {
		return nil
	}

	paneID := getenv("TMUX_PANE")
	if paneID == "" {
		w.log.Warn("TMUX_PANE not set, cannot determine window")
		return nil
	}

	windowKey, windowID, windowName, err := resolveWindowID(paneID)
	if err != nil {
		w.log.Warn("failed to resolve tmux window for hook", "err", err.Error())
		return nil
	}
	_ = windowID

	if event == model.EventSessionStart {
		tmuxSessionName := windowKey
		if idx := strings.LastIndex(windowKey, ":"); idx >= 0 {
			tmuxSessionName = windowKey[:idx]
		}
		if err := w.updateSessionMap(windowKey, sessionID, cwd, windowName, transcriptPath, tmuxSessionName); err != nil {
			w.log.Error("failed to update session map", "err", err.Error())
		}
		return w.writeEvent(event, sessionID, windowKey, map[string]any{
			"cwd":             cwd,
			"transcript_path": transcriptPath,
			"window_name":     windowName,
		})
	}

	return w.writeEvent(event, sessionID, windowKey, extractEventData(event, payload))
}

func isHandledEvent(event model.EventType) bool {
	for _, e := range model.HandledEventTypes {
		if e == event {
			return true
		}
	}
	return false
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func numberField(m map[string]any, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func extractEventData(event model.EventType, payload map[string]any) map[string]any {
	switch event {
	case model.EventNotification:
		return map[string]any{
			"tool_name": stringField(payload, "tool_name"),
			"message":   stringField(payload, "message"),
		}
	case model.EventStop:
		return map[string]any{
			"stop_reason": stringField(payload, "stop_reason"),
			"num_turns":   numberField(payload, "num_turns"),
		}
	case model.EventSubagentStart, model.EventSubagentStop:
		return map[string]any{
			"subagent_id": stringField(payload, "subagent_id"),
			"description": stringField(payload, "description"),
			"name":        stringField(payload, "name"),
		}
	case model.EventTeammateIdle:
		return map[string]any{
			"teammate_id": stringField(payload, "teammate_id"),
			"idle_reason": stringField(payload, "idle_reason"),
		}
	case model.EventTaskCompleted:
		return map[string]any{
			"task_id": stringField(payload, "task_id"),
			"summary": stringField(payload, "summary"),
		}
	default:
		return map[string]any{}
	}
}

// resolveWindowID asks tmux for the session/window/window-name triple
// owning paneID, composing the "<tmux_session>:<window_id>" key.
func resolveWindowID(paneID string) (windowKey, windowID, windowName string, err error) {
	out, err := exec.Command("tmux", "display-message", "-t", paneID, "-p",
		"#{session_name}\t#{window_id}\t#{window_name}").Output()
	if err != nil {
		return "", "", "", fmt.Errorf("resolve window for pane %s: %w", paneID, err)
	}
	parts := strings.SplitN(strings.TrimSpace(string(out)), "\t", 3)
	if len(parts) < 3 {
		return "", "", "", fmt.Errorf("unexpected tmux display-message output: %q", string(out))
	}
	return model.WindowKey(parts[0], parts[1]), parts[1], parts[2], nil
}

// writeEvent appends one JSON line to events.jsonl under an exclusive
// flock.
func (w *Writer) writeEvent(event model.EventType, sessionID, windowKey string, data map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(w.paths.EventsFile), 0o755); err != nil {
		return fmt.Errorf("create events dir: %w", err)
	}

	fl := flock.New(w.paths.EventsFile)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock events file: %w", err)
	}
	defer fl.Unlock()

	line, err := json.Marshal(model.HookEvent{
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Event:     event,
		WindowKey: windowKey,
		SessionID: sessionID,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(w.paths.EventsFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// updateSessionMap upserts windowKey's entry on a SessionStart event,
// under an exclusive flock on the sibling .lock file, and removes the
// stale "<session>:<window_name>" key used before window IDs were
// stable.
func (w *Writer) updateSessionMap(windowKey, sessionID, cwd, windowName, transcriptPath, tmuxSessionName string) error {
	if err := os.MkdirAll(filepath.Dir(w.paths.SessionMapFile), 0o755); err != nil {
		return fmt.Errorf("create session map dir: %w", err)
	}

	fl := flock.New(w.paths.SessionMapLock)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock session map: %w", err)
	}
	defer fl.Unlock()

	sessionMap := map[string]model.SessionMapEntry{}
	if data, err := os.ReadFile(w.paths.SessionMapFile); err == nil {
		if err := json.Unmarshal(data, &sessionMap); err != nil {
			w.log.Warn("failed to read existing session_map, starting fresh")
			sessionMap = map[string]model.SessionMapEntry{}
		}
	}

	sessionMap[windowKey] = model.SessionMapEntry{
		SessionID:      sessionID,
		Cwd:            cwd,
		WindowName:     windowName,
		TranscriptPath: transcriptPath,
		ProviderName:   "claude",
	}

	oldKey := tmuxSessionName + ":" + windowName
	if oldKey != windowKey {
		delete(sessionMap, oldKey)
	}

	data, err := json.MarshalIndent(sessionMap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session map: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(w.paths.SessionMapFile), filepath.Base(w.paths.SessionMapFile)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp session map: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp session map: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp session map: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp session map: %w", err)
	}
	return os.Rename(tmpPath, w.paths.SessionMapFile)
}
