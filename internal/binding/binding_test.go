package binding

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/beastoin/ccbot/internal/config"
	"github.com/beastoin/ccbot/internal/logging"
	"github.com/beastoin/ccbot/internal/model"
)

func testManager(t *testing.T) (*Manager, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		TmuxSessionName: "ccbot",
		StateFile:       filepath.Join(dir, "state.json"),
		SessionMapFile:  filepath.Join(dir, "session_map.json"),
	}
	return New(cfg, logging.New(&bytes.Buffer{})), cfg
}

func TestIsWindowID(t *testing.T) {
	cases := map[string]bool{
		"@1":     true,
		"@123":   true,
		"@":      false,
		"window": false,
		"1":      false,
		"@1a":    false,
	}
	for input, want := range cases {
		if got := IsWindowID(input); got != want {
			t.Errorf("IsWindowID(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestBindThreadReplacesExisting(t *testing.T) {
	m, _ := testManager(t)
	m.BindThread(1, 10, "@1", "one")
	m.BindThread(1, 10, "@2", "two")

	got, ok := m.GetWindowForThread(1, 10)
	if !ok || got != "@2" {
		t.Fatalf("GetWindowForThread() = %q, %v, want @2, true", got, ok)
	}
}

func TestUnbindThread(t *testing.T) {
	m, _ := testManager(t)
	m.BindThread(1, 10, "@1", "one")

	windowID, ok := m.UnbindThread(1, 10)
	if !ok || windowID != "@1" {
		t.Fatalf("UnbindThread() = %q, %v, want @1, true", windowID, ok)
	}
	if _, ok := m.GetWindowForThread(1, 10); ok {
		t.Error("expected binding to be gone after unbind")
	}
	if _, ok := m.UnbindThread(1, 10); ok {
		t.Error("expected second unbind to report false")
	}
}

func TestGetThreadForWindow(t *testing.T) {
	m, _ := testManager(t)
	m.BindThread(1, 10, "@1", "one")

	tid, ok := m.GetThreadForWindow(1, "@1")
	if !ok || tid != 10 {
		t.Fatalf("GetThreadForWindow() = %d, %v, want 10, true", tid, ok)
	}
	if _, ok := m.GetThreadForWindow(1, "@9"); ok {
		t.Error("expected no thread for unbound window")
	}
}

func TestIterThreadBindings(t *testing.T) {
	m, _ := testManager(t)
	m.BindThread(1, 10, "@1", "one")
	m.BindThread(2, 20, "@2", "two")

	bindings := m.IterThreadBindings()
	if len(bindings) != 2 {
		t.Fatalf("IterThreadBindings() returned %d entries, want 2", len(bindings))
	}
}

func TestResolveChatIDFallsBackToUser(t *testing.T) {
	m, _ := testManager(t)
	if got := m.ResolveChatID(42, 0); got != 42 {
		t.Errorf("ResolveChatID(no thread) = %d, want 42", got)
	}
	if got := m.ResolveChatID(42, 7); got != 42 {
		t.Errorf("ResolveChatID(unset group) = %d, want 42", got)
	}
}

func TestResolveChatIDUsesGroupChatID(t *testing.T) {
	m, _ := testManager(t)
	m.SetGroupChatID(42, 7, -100555)

	if got := m.ResolveChatID(42, 7); got != -100555 {
		t.Errorf("ResolveChatID(group) = %d, want -100555", got)
	}
}

func TestGetWindowStateCreatesDefault(t *testing.T) {
	m, _ := testManager(t)
	ws := m.GetWindowState("@1")
	if ws.WindowID != "@1" {
		t.Errorf("GetWindowState() = %+v", ws)
	}
	ws.SessionID = "s1"
	if again := m.GetWindowState("@1"); again.SessionID != "s1" {
		t.Error("expected GetWindowState to return the same pointer on repeat calls")
	}
}

func TestClearWindowSession(t *testing.T) {
	m, _ := testManager(t)
	ws := m.GetWindowState("@1")
	ws.SessionID = "s1"
	ws.TranscriptPath = "/tmp/x.jsonl"

	m.ClearWindowSession("@1")
	if ws.SessionID != "" || ws.TranscriptPath != "" {
		t.Errorf("ClearWindowSession() left state = %+v", ws)
	}
}

func TestDisplayNameFallbackAndSet(t *testing.T) {
	m, _ := testManager(t)
	if got := m.GetDisplayName("@1"); got != "@1" {
		t.Errorf("GetDisplayName(unset) = %q, want @1", got)
	}
	m.SetDisplayName("@1", "my-project")
	if got := m.GetDisplayName("@1"); got != "my-project" {
		t.Errorf("GetDisplayName() = %q, want my-project", got)
	}
}

func TestFindUsersForSession(t *testing.T) {
	m, _ := testManager(t)
	m.BindThread(1, 10, "@1", "one")
	m.BindThread(2, 20, "@2", "two")
	m.GetWindowState("@1").SessionID = "sess-a"
	m.GetWindowState("@2").SessionID = "sess-b"

	users := m.FindUsersForSession("sess-a")
	if len(users) != 1 || users[0].UserID != 1 || users[0].WindowID != "@1" {
		t.Errorf("FindUsersForSession() = %+v", users)
	}

	if users := m.FindUsersForSession("sess-missing"); len(users) != 0 {
		t.Errorf("FindUsersForSession(missing) = %+v, want empty", users)
	}
}

func TestSetWindowProviderAndNotificationMode(t *testing.T) {
	m, _ := testManager(t)
	m.SetWindowProvider("@1", "codex")
	m.SetNotificationMode("@1", model.NotifyErrorsOnly)

	ws := m.GetWindowState("@1")
	if ws.ProviderName != "codex" || ws.NotificationMode != model.NotifyErrorsOnly {
		t.Errorf("window state = %+v", ws)
	}
}

func TestUserOffsetRoundTrip(t *testing.T) {
	m, _ := testManager(t)
	if got := m.GetUserOffset(1, "@1"); got != 0 {
		t.Errorf("GetUserOffset(unset) = %d, want 0", got)
	}
	m.SetUserOffset(1, "@1", 1234)
	if got := m.GetUserOffset(1, "@1"); got != 1234 {
		t.Errorf("GetUserOffset() = %d, want 1234", got)
	}
}

func TestDirFavoritesPushRecentDir(t *testing.T) {
	m, _ := testManager(t)
	m.PushRecentDir(1, "/a")
	m.PushRecentDir(1, "/b")
	m.PushRecentDir(1, "/a")

	fav := m.DirFavorites(1)
	if len(fav.MRU) != 2 || fav.MRU[0] != "/a" || fav.MRU[1] != "/b" {
		t.Errorf("MRU = %+v, want [/a /b]", fav.MRU)
	}
}

func TestParseSessionMapFiltersPrefixSkipsEmptySessionIDAndNonDict(t *testing.T) {
	raw := map[string]any{
		"ccbot:@1": map[string]any{"session_id": "s1", "cwd": "/tmp"},
		"other:@2": map[string]any{"session_id": "s2", "cwd": "/tmp"},
		"ccbot:@3": map[string]any{"session_id": "", "cwd": "/tmp"},
		"ccbot:@4": "not-a-map",
	}
	got := parseSessionMap(raw, "ccbot:")
	if len(got) != 1 {
		t.Fatalf("parseSessionMap() = %+v, want 1 entry", got)
	}
	if _, ok := got["@1"]; !ok {
		t.Errorf("expected @1 to survive, got %+v", got)
	}
}

func TestLoadSessionMapPreservesExistingDisplayName(t *testing.T) {
	m, cfg := testManager(t)
	m.SetDisplayName("@1", "ccbot")
	m.GetWindowState("@1").WindowName = "ccbot"

	raw := map[string]model.SessionMapEntry{
		"ccbot:@1": {SessionID: "s1", WindowName: "bun", Cwd: "/tmp"},
	}
	data, _ := json.Marshal(raw)
	os.WriteFile(cfg.SessionMapFile, data, 0o644)

	m.LoadSessionMap()

	if got := m.GetDisplayName("@1"); got != "ccbot" {
		t.Errorf("GetDisplayName() = %q, want ccbot (preserved)", got)
	}
	if got := m.GetWindowState("@1").WindowName; got != "ccbot" {
		t.Errorf("WindowName = %q, want ccbot (preserved)", got)
	}
	if got := m.GetWindowState("@1").SessionID; got != "s1" {
		t.Errorf("SessionID = %q, want s1 (synced)", got)
	}
}

func TestLoadSessionMapInitializesDisplayNameWhenMissing(t *testing.T) {
	m, cfg := testManager(t)
	raw := map[string]model.SessionMapEntry{
		"ccbot:@2": {SessionID: "s2", WindowName: "project-2", Cwd: "/tmp/p2"},
	}
	data, _ := json.Marshal(raw)
	os.WriteFile(cfg.SessionMapFile, data, 0o644)

	m.LoadSessionMap()

	if got := m.GetDisplayName("@2"); got != "project-2" {
		t.Errorf("GetDisplayName() = %q, want project-2", got)
	}
	if got := m.GetWindowState("@2").WindowName; got != "project-2" {
		t.Errorf("WindowName = %q, want project-2", got)
	}
}

func TestPruneSessionMapRemovesDeadWindows(t *testing.T) {
	m, cfg := testManager(t)
	m.GetWindowState("@1")
	m.GetWindowState("@2")
	m.GetWindowState("@3")

	raw := map[string]any{
		"ccbot:@1": map[string]any{"session_id": "s1"},
		"ccbot:@2": map[string]any{"session_id": "s2"},
		"ccbot:@3": map[string]any{"session_id": "s3"},
		"other:@9": map[string]any{"session_id": "s9"},
	}
	data, _ := json.Marshal(raw)
	os.WriteFile(cfg.SessionMapFile, data, 0o644)

	m.PruneSessionMap(map[string]bool{"@1": true})

	remaining, _ := m.readRawSessionMap()
	if _, ok := remaining["ccbot:@1"]; !ok {
		t.Error("expected ccbot:@1 (live) to survive pruning")
	}
	if _, ok := remaining["ccbot:@2"]; ok {
		t.Error("expected ccbot:@2 (dead) to be pruned")
	}
	if _, ok := remaining["ccbot:@3"]; ok {
		t.Error("expected ccbot:@3 (dead) to be pruned")
	}
	if _, ok := remaining["other:@9"]; !ok {
		t.Error("expected other:@9 (different tmux session) to be untouched")
	}

	m.mu.Lock()
	_, stillTracked := m.windowStates["@2"]
	m.mu.Unlock()
	if stillTracked {
		t.Error("expected window_states to drop @2 after prune")
	}
}

func TestPruneSessionMapMissingFileIsNoop(t *testing.T) {
	m, cfg := testManager(t)
	os.Remove(cfg.SessionMapFile)
	m.PruneSessionMap(map[string]bool{})
	if _, err := os.Stat(cfg.SessionMapFile); !os.IsNotExist(err) {
		t.Error("expected PruneSessionMap not to create a missing file")
	}
}

func TestPruneSessionMapMalformedJSONIsNoop(t *testing.T) {
	m, cfg := testManager(t)
	os.WriteFile(cfg.SessionMapFile, []byte("not json"), 0o644)
	m.PruneSessionMap(map[string]bool{})

	data, _ := os.ReadFile(cfg.SessionMapFile)
	if string(data) != "not json" {
		t.Error("expected malformed session_map.json to be left untouched")
	}
}

func TestMigrateOnStartupResolvesByDisplayName(t *testing.T) {
	m, _ := testManager(t)
	m.BindThread(1, 10, "@1", "my-project")

	m.MigrateOnStartup([]LiveWindow{{WindowID: "@7", WindowName: "my-project"}})

	got, ok := m.GetWindowForThread(1, 10)
	if !ok || got != "@7" {
		t.Fatalf("GetWindowForThread() = %q, %v, want @7, true", got, ok)
	}
	if got := m.GetDisplayName("@7"); got != "my-project" {
		t.Errorf("GetDisplayName(@7) = %q, want my-project", got)
	}
}

func TestMigrateOnStartupDropsUnresolvable(t *testing.T) {
	m, _ := testManager(t)
	m.BindThread(1, 10, "@1", "gone-project")

	m.MigrateOnStartup([]LiveWindow{{WindowID: "@7", WindowName: "other-project"}})

	if _, ok := m.GetWindowForThread(1, 10); ok {
		t.Error("expected unresolvable binding to be dropped")
	}
}

func TestMigrateOnStartupLeavesLiveWindowsAlone(t *testing.T) {
	m, _ := testManager(t)
	m.BindThread(1, 10, "@1", "one")

	m.MigrateOnStartup([]LiveWindow{{WindowID: "@1", WindowName: "one"}})

	got, ok := m.GetWindowForThread(1, 10)
	if !ok || got != "@1" {
		t.Fatalf("GetWindowForThread() = %q, %v, want @1, true", got, ok)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		TmuxSessionName: "ccbot",
		StateFile:       filepath.Join(dir, "state.json"),
		SessionMapFile:  filepath.Join(dir, "session_map.json"),
	}
	log := logging.New(&bytes.Buffer{})

	m1 := New(cfg, log)
	m1.BindThread(1, 10, "@1", "one")
	m1.SetWindowProvider("@1", "claude")
	m1.Flush()

	m2 := New(cfg, log)
	got, ok := m2.GetWindowForThread(1, 10)
	if !ok || got != "@1" {
		t.Fatalf("reloaded GetWindowForThread() = %q, %v, want @1, true", got, ok)
	}
	if got := m2.GetWindowState("@1").ProviderName; got != "claude" {
		t.Errorf("reloaded ProviderName = %q, want claude", got)
	}
}
