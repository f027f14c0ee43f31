package dispatcher

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/beastoin/ccbot/internal/binding"
	"github.com/beastoin/ccbot/internal/config"
	"github.com/beastoin/ccbot/internal/logging"
	"github.com/beastoin/ccbot/internal/provider"
	"github.com/beastoin/ccbot/internal/queue"
	"github.com/beastoin/ccbot/internal/telegram"
	"github.com/beastoin/ccbot/internal/tmuxadapter"
)

type fakeTmux struct {
	mu          sync.Mutex
	windows     map[string]tmuxadapter.Window
	panes       map[string]string
	killed      []string
	sentKeys    []string
	createCalls []string
	createFunc  func(cwd, name, cmd, args string, start bool) tmuxadapter.CreateWindowResult
}

func newFakeTmux() *fakeTmux {
	return &fakeTmux{windows: map[string]tmuxadapter.Window{}, panes: map[string]string{}}
}

func (f *fakeTmux) FindWindowByID(windowID string) (tmuxadapter.Window, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.windows[windowID]
	return w, ok
}

func (f *fakeTmux) ListWindows() ([]tmuxadapter.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tmuxadapter.Window, 0, len(f.windows))
	for _, w := range f.windows {
		out = append(out, w)
	}
	return out, nil
}

func (f *fakeTmux) CreateWindow(cwd, windowName, launchCommand, agentArgs string, startAgent bool) tmuxadapter.CreateWindowResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls = append(f.createCalls, cwd)
	if f.createFunc != nil {
		return f.createFunc(cwd, windowName, launchCommand, agentArgs, startAgent)
	}
	id := "@" + windowName
	f.windows[id] = tmuxadapter.Window{WindowID: id, WindowName: windowName, Cwd: cwd}
	return tmuxadapter.CreateWindowResult{OK: true, WindowID: id, WindowName: windowName}
}

func (f *fakeTmux) SendKeys(windowID, text string, enter, literal bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentKeys = append(f.sentKeys, text)
	return nil
}

func (f *fakeTmux) SendKeysToPane(paneID, key string, enter, literal bool, windowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentKeys = append(f.sentKeys, key)
	return nil
}

func (f *fakeTmux) CapturePane(windowID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, ok := f.panes[windowID]
	return text, ok
}

func (f *fakeTmux) KillWindow(windowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, windowID)
	delete(f.windows, windowID)
	return nil
}

type fakeTelegram struct {
	mu       sync.Mutex
	sent     []string
	edited   []string
	renamed  []string
	answered []string
	nextID   int
}

func (f *fakeTelegram) SendMessage(_ context.Context, _ int64, text string, _ telegram.SendOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeTelegram) EditMessageText(_ context.Context, _ int64, _ int, text string, _ telegram.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, text)
	return nil
}

func (f *fakeTelegram) EditForumTopicName(_ context.Context, _, _ int64, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renamed = append(f.renamed, name)
	return nil
}

func (f *fakeTelegram) AnswerCallbackQuery(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, text)
	return nil
}

func (f *fakeTelegram) SendPhoto(_ context.Context, _ int64, _ int64, _ string, _ []byte, _ string) error {
	return nil
}

func (f *fakeTelegram) DeleteMessage(_ context.Context, _ int64, _ int) error {
	return nil
}

func (f *fakeTelegram) DownloadFile(_ context.Context, _ string) ([]byte, error) {
	return []byte("fake-image-bytes"), nil
}

type fakePoller struct {
	mu        sync.Mutex
	windows   map[[2]int64]string
	refreshed int
}

func newFakePoller() *fakePoller { return &fakePoller{windows: map[[2]int64]string{}} }

func (f *fakePoller) InteractiveWindow(userID, threadID int64) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.windows[[2]int64{userID, threadID}]
	return w, ok
}

func (f *fakePoller) InteractiveMessageID(userID, threadID int64) (int, bool) {
	return 0, false
}

func (f *fakePoller) RefreshInteractiveMessage(_ context.Context, userID, threadID int64, windowID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed++
}

func testDispatcher(t *testing.T) (*Dispatcher, *binding.Manager, *fakeTmux, *fakeTelegram, *fakePoller) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		TmuxSessionName:    "ccbot",
		StateFile:          filepath.Join(dir, "state.json"),
		SessionMapFile:     filepath.Join(dir, "session_map.json"),
		AllowedUsers:       map[int64]bool{1: true},
		DefaultProvider:    "claude",
		ClaudeProjectsPath: filepath.Join(dir, "projects"),
	}
	log := logging.New(&bytes.Buffer{})
	b := binding.New(cfg, log)
	tmux := newFakeTmux()
	tg := &fakeTelegram{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q := queue.New(ctx, tg, log)
	registry := provider.NewRegistry(log)
	poller := newFakePoller()
	d := New(cfg, b, tmux, registry, tg, q, poller, log)
	return d, b, tmux, tg, poller
}

func TestHandleUpdateRejectsUnallowedUser(t *testing.T) {
	d, _, _, tg, _ := testDispatcher(t)
	d.HandleUpdate(context.Background(), telegram.Update{UserID: 99, ChatID: 1, ThreadID: 1, Text: "hi"})

	tg.mu.Lock()
	defer tg.mu.Unlock()
	if len(tg.sent) != 0 {
		t.Errorf("sent = %+v, want no messages for an unallowed user", tg.sent)
	}
}

// TestTextInUnboundTopicOpensBrowserThenCreatesAndRepliesOnUse covers
// scenario S1: an unbound topic's first message opens the directory
// browser, and picking a directory + provider creates and binds a
// window, replaying the original text.
func TestTextInUnboundTopicOpensBrowserThenCreatesAndRepliesOnUse(t *testing.T) {
	d, b, tmux, tg, _ := testDispatcher(t)
	cwd := t.TempDir()

	d.HandleUpdate(context.Background(), telegram.Update{UserID: 1, ChatID: 100, ThreadID: 7, Text: "hello agent"})

	tg.mu.Lock()
	if len(tg.sent) != 1 {
		t.Fatalf("sent = %+v, want exactly 1 browser message", tg.sent)
	}
	tg.mu.Unlock()

	key := historyKey{1, 7}
	d.mu.Lock()
	state := d.browse[key]
	d.mu.Unlock()
	if state == nil {
		t.Fatal("expected a browse state to be stored")
	}

	d.HandleUpdate(context.Background(), telegram.Update{UserID: 1, ChatID: 100, ThreadID: 7, CallbackID: "cb1", CallbackData: "dir:use:" + cwd})
	d.HandleUpdate(context.Background(), telegram.Update{UserID: 1, ChatID: 100, ThreadID: 7, CallbackID: "cb2", CallbackData: "dir:provider:claude"})

	windowID, bound := b.GetWindowForThread(1, 7)
	if !bound {
		t.Fatal("expected thread to be bound after finishing the browser flow")
	}
	tmux.mu.Lock()
	defer tmux.mu.Unlock()
	if len(tmux.sentKeys) != 1 || tmux.sentKeys[0] != "hello agent" {
		t.Errorf("sentKeys = %+v, want pending text replayed", tmux.sentKeys)
	}
	if _, ok := tmux.windows[windowID]; !ok {
		t.Errorf("expected window %s to exist", windowID)
	}
}

func TestTextInBoundTopicForwardsToWindow(t *testing.T) {
	d, b, tmux, _, _ := testDispatcher(t)
	b.BindThread(1, 7, "@5", "win")
	tmux.windows["@5"] = tmuxadapter.Window{WindowID: "@5", WindowName: "win"}

	d.HandleUpdate(context.Background(), telegram.Update{UserID: 1, ChatID: 100, ThreadID: 7, Text: "do the thing"})

	tmux.mu.Lock()
	defer tmux.mu.Unlock()
	if len(tmux.sentKeys) != 1 || tmux.sentKeys[0] != "do the thing" {
		t.Errorf("sentKeys = %+v, want [do the thing]", tmux.sentKeys)
	}
}

func TestTextInDeadWindowTopicRepliesWithError(t *testing.T) {
	d, b, _, tg, _ := testDispatcher(t)
	b.BindThread(1, 7, "@5", "win")

	d.HandleUpdate(context.Background(), telegram.Update{UserID: 1, ChatID: 100, ThreadID: 7, Text: "hi"})

	tg.mu.Lock()
	defer tg.mu.Unlock()
	if len(tg.sent) != 1 {
		t.Fatalf("sent = %+v, want 1 error reply", tg.sent)
	}
}

func TestInteractiveKeypadRefreshesAfterArrowKey(t *testing.T) {
	d, b, tmux, _, poller := testDispatcher(t)
	b.BindThread(1, 7, "@5", "win")
	tmux.windows["@5"] = tmuxadapter.Window{WindowID: "@5", WindowName: "win"}
	poller.windows[[2]int64{1, 7}] = "@5"

	d.HandleUpdate(context.Background(), telegram.Update{UserID: 1, ChatID: 100, ThreadID: 7, CallbackID: "cb1", CallbackData: "ui:up:@5"})

	time.Sleep(600 * time.Millisecond)
	poller.mu.Lock()
	defer poller.mu.Unlock()
	if poller.refreshed != 1 {
		t.Errorf("refreshed = %d, want 1", poller.refreshed)
	}
	tmux.mu.Lock()
	defer tmux.mu.Unlock()
	if len(tmux.sentKeys) != 1 || tmux.sentKeys[0] != "Up" {
		t.Errorf("sentKeys = %+v, want [Up]", tmux.sentKeys)
	}
}

func TestInteractiveCallbackRejectsNonOwner(t *testing.T) {
	d, b, _, tg, _ := testDispatcher(t)
	b.BindThread(2, 7, "@5", "win")

	d.HandleUpdate(context.Background(), telegram.Update{UserID: 1, ChatID: 100, ThreadID: 7, CallbackID: "cb1", CallbackData: "ui:up:@5"})

	tg.mu.Lock()
	defer tg.mu.Unlock()
	found := false
	for _, a := range tg.answered {
		if a == "Not your session" {
			found = true
		}
	}
	if !found {
		t.Errorf("answered = %+v, want an ownership rejection", tg.answered)
	}
}

func TestSanitizeCommandName(t *testing.T) {
	cases := map[string]string{
		"committing-code":                "committing_code",
		"spec:work":                      "spec_work",
		"Already_Good":                   "already_good",
		"way-too-long-name-that-exceeds-the-thirty-two-character-cap": "way_too_long_name_that_exceeds_t",
	}
	for in, want := range cases {
		if got := sanitizeCommandName(in); got != want {
			t.Errorf("sanitizeCommandName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRecordHistoryDedupesConsecutiveAndCaps(t *testing.T) {
	d, _, _, _, _ := testDispatcher(t)
	d.recordHistory(1, 7, "a")
	d.recordHistory(1, 7, "a")
	for i := 0; i < 30; i++ {
		d.recordHistory(1, 7, "cmd")
	}
	got := d.commandHistory(1, 7, 100)
	if len(got) > historyMax {
		t.Errorf("history length = %d, want <= %d", len(got), historyMax)
	}
	if len(got) != 2 || got[0] != "cmd" || got[1] != "a" {
		t.Errorf("history = %v, want [cmd a] (consecutive repeats collapsed, newest first)", got)
	}

	for i := 0; i < 30; i++ {
		d.recordHistory(1, 8, string(rune('A'+i)))
	}
	capped := d.commandHistory(1, 8, 100)
	if len(capped) != historyMax || capped[0] != string(rune('A'+29)) {
		t.Errorf("history = %v, want the newest %d entries", capped, historyMax)
	}
}

// TestResumeScansJSONLAndPicksSession covers scenario S2: /resume
// lists discovered transcripts and resuming one creates a window in the
// session's cwd and binds the topic to it.
func TestResumeScansJSONLAndPicksSession(t *testing.T) {
	d, b, tmux, tg, _ := testDispatcher(t)
	cwd := t.TempDir()

	projDir := filepath.Join(d.cfg.ClaudeProjectsPath, "proj1")
	if err := os.MkdirAll(projDir, 0o755); err != nil {
		t.Fatal(err)
	}
	jsonl := `{"sessionId":"11111111-1111-1111-1111-111111111111","cwd":"` + cwd + `","type":"user","message":{"content":"fix the bug"}}` + "\n"
	if err := os.WriteFile(filepath.Join(projDir, "11111111-1111-1111-1111-111111111111.jsonl"), []byte(jsonl), 0o644); err != nil {
		t.Fatal(err)
	}

	d.HandleUpdate(context.Background(), telegram.Update{UserID: 1, ChatID: 100, ThreadID: 7, Command: "resume"})

	tg.mu.Lock()
	if len(tg.sent) != 1 {
		t.Fatalf("sent = %+v, want the resume picker", tg.sent)
	}
	tg.mu.Unlock()

	d.mu.Lock()
	sessions := d.resume[historyKey{1, 7}]
	d.mu.Unlock()
	if len(sessions) != 1 || sessions[0].cwd != cwd {
		t.Fatalf("sessions = %+v, want 1 entry with cwd %s", sessions, cwd)
	}

	d.HandleUpdate(context.Background(), telegram.Update{UserID: 1, ChatID: 100, ThreadID: 7, CallbackID: "cb1", CallbackMsgID: 1, CallbackData: "resume:pick:0"})

	windowID, bound := b.GetWindowForThread(1, 7)
	if !bound {
		t.Fatal("expected thread bound after resume pick")
	}
	tmux.mu.Lock()
	defer tmux.mu.Unlock()
	if len(tmux.createCalls) != 1 || tmux.createCalls[0] != cwd {
		t.Errorf("createCalls = %+v, want [%s]", tmux.createCalls, cwd)
	}
	if _, ok := tmux.windows[windowID]; !ok {
		t.Errorf("expected window %s created", windowID)
	}
}

func TestBashCaptureCancelsOlderRunOnNewCommand(t *testing.T) {
	d, b, tmux, _, _ := testDispatcher(t)
	b.BindThread(1, 7, "@5", "win")
	tmux.windows["@5"] = tmuxadapter.Window{WindowID: "@5", WindowName: "win"}

	d.HandleUpdate(context.Background(), telegram.Update{UserID: 1, ChatID: 100, ThreadID: 7, Text: "!sleep 5"})

	d.mu.Lock()
	first := d.bashRuns[historyKey{1, 7}]
	d.mu.Unlock()
	if first == nil {
		t.Fatal("expected a running bash capture task")
	}

	d.HandleUpdate(context.Background(), telegram.Update{UserID: 1, ChatID: 100, ThreadID: 7, Text: "!echo hi"})

	d.mu.Lock()
	second := d.bashRuns[historyKey{1, 7}]
	d.mu.Unlock()
	if second == nil || second == first {
		t.Fatalf("expected a distinct, newer bash capture task registered")
	}
}
