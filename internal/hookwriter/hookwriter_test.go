package hookwriter

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/beastoin/ccbot/internal/logging"
	"github.com/beastoin/ccbot/internal/model"
)

func testWriter(t *testing.T) (*Writer, Paths) {
	t.Helper()
	dir := t.TempDir()
	paths := Paths{
		SessionMapFile: filepath.Join(dir, "session_map.json"),
		SessionMapLock: filepath.Join(dir, "session_map.lock"),
		EventsFile:     filepath.Join(dir, "events.jsonl"),
		ClaudeSettings: filepath.Join(dir, "settings.json"),
	}
	return New(paths, logging.New(&bytes.Buffer{})), paths
}

func fakeEnv(pane string) func(string) string {
	return func(key string) string {
		if key == "TMUX_PANE" {
			return pane
		}
		return ""
	}
}

func TestProcessDropsMissingTmuxPane(t *testing.T) {
	w, paths := testWriter(t)
	payload := map[string]any{
		"session_id":      uuid.New().String(),
		"cwd":             "/home/user",
		"hook_event_name": "Notification",
	}
	data, _ := json.Marshal(payload)
	if err := w.Process(bytes.NewReader(data), func(string) string { return "" }); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if _, err := os.Stat(paths.EventsFile); !os.IsNotExist(err) {
		t.Error("expected no events file to be written without TMUX_PANE")
	}
}

func TestProcessDropsInvalidSessionID(t *testing.T) {
	w, _ := testWriter(t)
	payload := map[string]any{
		"session_id":      "not-a-uuid",
		"cwd":             "/home/user",
		"hook_event_name": "Notification",
	}
	data, _ := json.Marshal(payload)
	if err := w.Process(bytes.NewReader(data), fakeEnv("%0")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
}

func TestProcessDropsUnhandledEvent(t *testing.T) {
	w, paths := testWriter(t)
	payload := map[string]any{
		"session_id":      uuid.New().String(),
		"cwd":             "/home/user",
		"hook_event_name": "PreToolUse",
	}
	data, _ := json.Marshal(payload)
	if err := w.Process(bytes.NewReader(data), fakeEnv("%0")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if _, err := os.Stat(paths.EventsFile); !os.IsNotExist(err) {
		t.Error("expected PreToolUse to be dropped silently")
	}
}

func TestExtractEventData(t *testing.T) {
	data := extractEventData(model.EventStop, map[string]any{"stop_reason": "done", "num_turns": 3.0})
	if data["stop_reason"] != "done" || data["num_turns"] != 3.0 {
		t.Errorf("extractEventData(Stop) = %+v", data)
	}
}

func TestIsHandledEvent(t *testing.T) {
	if !isHandledEvent(model.EventTaskCompleted) {
		t.Error("expected TaskCompleted to be handled")
	}
	if isHandledEvent(model.EventType("PreToolUse")) {
		t.Error("expected PreToolUse to be unhandled")
	}
}

func TestInstallUninstallStatusRoundTrip(t *testing.T) {
	dir := t.TempDir()
	settingsPath := filepath.Join(dir, "settings.json")

	installed, already, err := Install(settingsPath)
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if installed != len(model.HandledEventTypes) || already != 0 {
		t.Errorf("Install() = (%d, %d), want (%d, 0)", installed, already, len(model.HandledEventTypes))
	}

	_, already, err = Install(settingsPath)
	if err != nil {
		t.Fatalf("second Install() error = %v", err)
	}
	if already != len(model.HandledEventTypes) {
		t.Errorf("expected all events already installed on second call, got %d", already)
	}

	status, ok, err := Status(settingsPath)
	if err != nil || !ok {
		t.Fatalf("Status() = %+v, %v, %v", status, ok, err)
	}

	if err := Uninstall(settingsPath); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	status, ok, err = Status(settingsPath)
	if err != nil {
		t.Fatalf("Status() after uninstall error = %v", err)
	}
	if ok {
		t.Error("expected hooks to be gone after Uninstall()")
	}
	for event, installed := range status {
		if installed {
			t.Errorf("event %s still reports installed after uninstall", event)
		}
	}
}

func TestStatusMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := Status(filepath.Join(dir, "nope.json"))
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing settings file")
	}
}
