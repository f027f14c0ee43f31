package monitor

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/beastoin/ccbot/internal/config"
	"github.com/beastoin/ccbot/internal/logging"
	"github.com/beastoin/ccbot/internal/model"
	"github.com/beastoin/ccbot/internal/provider"
)

func testMonitor(t *testing.T) (*Monitor, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		TmuxSessionName:    "ccbot",
		EventsFile:         filepath.Join(dir, "events.jsonl"),
		SessionMapFile:     filepath.Join(dir, "session_map.json"),
		MonitorStateFile:   filepath.Join(dir, "monitor_state.json"),
		ClaudeProjectsPath: filepath.Join(dir, "projects"),
	}
	m := New(cfg, nil, provider.NewRegistry(logging.New(&bytes.Buffer{})), logging.New(&bytes.Buffer{}))
	return m, cfg
}

func TestWindowKeySuffix(t *testing.T) {
	if got := windowKeySuffix("ccbot:@12"); got != "@12" {
		t.Errorf("windowKeySuffix() = %q", got)
	}
	if got := windowKeySuffix("@12"); got != "@12" {
		t.Errorf("windowKeySuffix(no colon) = %q", got)
	}
}

func TestLoadCurrentSessionMapFiltersByPrefix(t *testing.T) {
	m, cfg := testMonitor(t)
	raw := map[string]model.SessionMapEntry{
		"ccbot:@1": {SessionID: "s1", WindowName: "one"},
		"other:@2": {SessionID: "s2", WindowName: "two"},
	}
	data, _ := json.Marshal(raw)
	os.WriteFile(cfg.SessionMapFile, data, 0o644)

	got, err := m.loadCurrentSessionMap()
	if err != nil {
		t.Fatalf("loadCurrentSessionMap() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry after prefix filter, got %d: %+v", len(got), got)
	}
	if _, ok := got["ccbot:@1"]; !ok {
		t.Errorf("expected ccbot:@1 to survive filtering, got %+v", got)
	}
}

func TestDetectAndCleanupChangesFiresNewWindow(t *testing.T) {
	m, cfg := testMonitor(t)
	var fired []NewWindowEvent
	m.SetNewWindowCallback(func(e NewWindowEvent) { fired = append(fired, e) })

	raw := map[string]model.SessionMapEntry{
		"ccbot:@1": {SessionID: "s1", WindowName: "one", Cwd: "/tmp"},
	}
	data, _ := json.Marshal(raw)
	os.WriteFile(cfg.SessionMapFile, data, 0o644)

	current, err := m.detectAndCleanupChanges()
	if err != nil {
		t.Fatalf("detectAndCleanupChanges() error = %v", err)
	}
	if len(current) != 1 {
		t.Fatalf("expected 1 current entry, got %d", len(current))
	}
	if len(fired) != 1 || fired[0].WindowID != "@1" || fired[0].SessionID != "s1" {
		t.Errorf("fired = %+v", fired)
	}
}

func TestDetectAndCleanupChangesRemovesDeletedWindow(t *testing.T) {
	m, cfg := testMonitor(t)
	m.lastSessionMap = map[string]model.SessionMapEntry{
		"ccbot:@1": {SessionID: "s1"},
	}
	m.st.update(&TrackedSession{SessionID: "s1", FilePath: "/tmp/x.jsonl"})

	os.WriteFile(cfg.SessionMapFile, []byte("{}"), 0o644)

	if _, err := m.detectAndCleanupChanges(); err != nil {
		t.Fatalf("detectAndCleanupChanges() error = %v", err)
	}
	if m.st.has("s1") {
		t.Error("expected stale session s1 to be forgotten")
	}
}

func TestReadWholeFileTracksByMessageCount(t *testing.T) {
	m, _ := testMonitor(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "transcript.json")
	os.WriteFile(file, []byte(`[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]`), 0o644)

	p := provider.GeminiProvider{}
	entries, offset := m.readWholeFile(file, 0, p)
	if len(entries) != 2 || offset != 2 {
		t.Fatalf("readWholeFile(0) = %d entries, offset %d", len(entries), offset)
	}

	entries, offset = m.readWholeFile(file, 2, p)
	if len(entries) != 0 || offset != 2 {
		t.Fatalf("readWholeFile(2) = %d entries, offset %d, want 0, 2", len(entries), offset)
	}
}

func TestReadNewLinesStopsOnPartialLine(t *testing.T) {
	m, _ := testMonitor(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "transcript.jsonl")
	content := `{"type":"text","text":"a"}` + "\n" + `{"type":"text` // partial second line, no trailing newline
	os.WriteFile(file, []byte(content), 0o644)

	tracked := &TrackedSession{SessionID: "s1", FilePath: file, LastByteOffset: 0}
	entries := m.readNewLines(tracked, file, provider.ClaudeProvider{})
	if len(entries) != 1 {
		t.Fatalf("expected 1 parsed entry before partial line, got %d", len(entries))
	}
	firstLineLen := int64(len(`{"type":"text","text":"a"}`) + 1)
	if tracked.LastByteOffset != firstLineLen {
		t.Errorf("LastByteOffset = %d, want %d (stopped before partial line)", tracked.LastByteOffset, firstLineLen)
	}
}

func TestReadNewLinesResetsOnTruncation(t *testing.T) {
	m, _ := testMonitor(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "transcript.jsonl")
	os.WriteFile(file, []byte(`{"type":"text","text":"a"}`+"\n"), 0o644)

	tracked := &TrackedSession{SessionID: "s1", FilePath: file, LastByteOffset: 9999}
	entries := m.readNewLines(tracked, file, provider.ClaudeProvider{})
	if len(entries) != 1 {
		t.Fatalf("expected offset reset and reread after truncation, got %d entries", len(entries))
	}
}

func TestReadCwdFromJSONLInIndexedProject(t *testing.T) {
	m, cfg := testMonitor(t)
	projectDir := filepath.Join(cfg.ClaudeProjectsPath, "proj1")
	os.MkdirAll(projectDir, 0o755)

	transcriptPath := filepath.Join(projectDir, "abc.jsonl")
	os.WriteFile(transcriptPath, []byte(`{"cwd":"/home/user/work"}`+"\n"), 0o644)

	index := map[string]any{
		"originalPath": "/home/user/work",
		"entries": []map[string]any{
			{"sessionId": "abc", "fullPath": transcriptPath, "projectPath": "/home/user/work"},
		},
	}
	data, _ := json.Marshal(index)
	os.WriteFile(filepath.Join(projectDir, "sessions-index.json"), data, 0o644)

	resolved, _ := filepath.Abs("/home/user/work")
	active := map[string]bool{normalizePath(resolved): true}
	_ = active

	// scanProjects depends on tmux.ListWindows (nil tmux), so call the
	// lower-level helper directly with a synthetic active-cwd set by
	// reimplementing just the directory walk via readCwdFromJSONL check.
	got := readCwdFromJSONL(transcriptPath)
	if got != "/home/user/work" {
		t.Errorf("readCwdFromJSONL() = %q", got)
	}
}

func TestReadCwdFromJSONLSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "x.jsonl")
	os.WriteFile(file, []byte("not json\n"+`{"cwd":"/a/b"}`+"\n"), 0o644)
	if got := readCwdFromJSONL(file); got != "/a/b" {
		t.Errorf("readCwdFromJSONL() = %q, want /a/b", got)
	}
}

func TestReadCwdFromJSONLMissingFile(t *testing.T) {
	if got := readCwdFromJSONL("/nonexistent/path.jsonl"); got != "" {
		t.Errorf("readCwdFromJSONL(missing) = %q, want empty", got)
	}
}
