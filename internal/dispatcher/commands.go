package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/beastoin/ccbot/internal/model"
	"github.com/beastoin/ccbot/internal/telegram"
)

// parseJSONLLineLoose parses one transcript line into a generic map,
// tolerating blank lines and malformed JSON by returning ok=false.
func parseJSONLLineLoose(line string) (map[string]any, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return nil, false
	}
	return entry, true
}

// nativeCommands are the bot's own slash commands; a provider-discovered
// command sanitizing to one of these is dropped rather than shadowing it.
var nativeCommands = map[string]bool{
	"new": true, "sessions": true, "resume": true, "start": true, "help": true,
}

func (d *Dispatcher) handleCommand(ctx context.Context, u telegram.Update) {
	switch u.Command {
	case "new", "start":
		d.openDirectoryBrowser(ctx, u.UserID, u.ThreadID, u.ChatID, "")
	case "sessions":
		d.sendSessionsDashboard(ctx, u.UserID, u.ChatID, u.ThreadID)
	case "resume":
		d.startResume(ctx, u)
	default:
		d.dispatchProviderCommand(ctx, u)
	}
}

// dispatchProviderCommand rewrites a sanitized command name back to its
// original provider form (committing_code -> committing-code,
// spec_work -> spec:work) and sends it as a slash keystroke, provided
// the caller's topic is bound to a live window.
func (d *Dispatcher) dispatchProviderCommand(ctx context.Context, u telegram.Update) {
	windowID, bound := d.binding.GetWindowForThread(u.UserID, u.ThreadID)
	if !bound {
		d.reply(ctx, u.ChatID, u.ThreadID, "❌ Open a topic bound to a session first.")
		return
	}
	state := d.binding.GetWindowState(windowID)
	p := d.registry.Get(state.ProviderName)

	original, ok := resolveProviderCommand(p.DiscoverCommands(state.Cwd), u.Command)
	if !ok {
		d.reply(ctx, u.ChatID, u.ThreadID, "❌ Unknown command.")
		return
	}
	if err := d.tmux.SendKeys(windowID, "/"+original, true, true); err != nil {
		d.reply(ctx, u.ChatID, u.ThreadID, "❌ Failed to deliver command.")
	}
}

// resolveProviderCommand finds the discovered command whose sanitized
// name matches sanitizedCmd, taking the first match in discovery order
// and skipping any name that collides with a bot-native command.
func resolveProviderCommand(discovered []model.DiscoveredCommand, sanitizedCmd string) (string, bool) {
	seen := map[string]bool{}
	for _, cmd := range discovered {
		key := sanitizeCommandName(cmd.Name)
		if key == "" || nativeCommands[key] || seen[key] {
			continue
		}
		seen[key] = true
		if key == sanitizedCmd {
			return cmd.Name, true
		}
	}
	return "", false
}

func (d *Dispatcher) sendSessionsDashboard(ctx context.Context, userID, chatID, threadID int64) {
	text, keyboard := d.renderDashboard(userID)
	_, _ = d.telegram.SendMessage(ctx, chatID, text, telegram.SendOptions{ThreadID: threadID, Keyboard: keyboard})
}

func (d *Dispatcher) renderDashboard(userID int64) (string, [][]telegram.Button) {
	keyboard := [][]telegram.Button{{
		{Label: "🔄 Refresh", Data: "sessions:refresh"},
		{Label: "➕ New session", Data: "sessions:new"},
	}}

	var mine []struct {
		threadID int64
		windowID string
	}
	for _, tb := range d.binding.IterThreadBindings() {
		if tb.UserID == userID {
			mine = append(mine, struct {
				threadID int64
				windowID string
			}{tb.ThreadID, tb.WindowID})
		}
	}
	if len(mine) == 0 {
		return "No active sessions.\n\nCreate a new topic to start a session.", keyboard
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].threadID < mine[j].threadID })

	live := map[string]bool{}
	if windows, err := d.tmux.ListWindows(); err == nil {
		for _, w := range windows {
			live[w.WindowID] = true
		}
	}

	var b strings.Builder
	b.WriteString("Sessions\n\n")
	for _, m := range mine {
		dot := "⚫"
		if live[m.windowID] {
			dot = "🟢"
		}
		fmt.Fprintf(&b, "%s %s\n", dot, d.binding.GetDisplayName(m.windowID))
	}
	return b.String(), keyboard
}

func (d *Dispatcher) handleSessionsCallback(ctx context.Context, u telegram.Update, action string) {
	switch action {
	case "refresh":
		text, keyboard := d.renderDashboard(u.UserID)
		_ = d.telegram.EditMessageText(ctx, u.ChatID, u.CallbackMsgID, text, telegram.SendOptions{ThreadID: u.ThreadID, Keyboard: keyboard})
		d.answerCallback(ctx, u.CallbackID, "")
	case "new":
		d.openDirectoryBrowser(ctx, u.UserID, u.ThreadID, u.ChatID, "")
		d.answerCallback(ctx, u.CallbackID, "")
	}
}

// resumeEntry is one candidate session offered by /resume.
type resumeEntry struct {
	sessionID string
	summary   string
	cwd       string
	modTime   time.Time
}

const resumeSessionsPerPage = 6

func (d *Dispatcher) startResume(ctx context.Context, u telegram.Update) {
	if u.ThreadID == 0 {
		d.reply(ctx, u.ChatID, u.ThreadID, "❌ Please use /resume in a named topic.")
		return
	}

	providerName := d.cfg.DefaultProvider
	if windowID, bound := d.binding.GetWindowForThread(u.UserID, u.ThreadID); bound {
		providerName = d.binding.GetWindowState(windowID).ProviderName
	}
	p := d.registry.Get(providerName)
	if !p.Capabilities().SupportsResume {
		d.reply(ctx, u.ChatID, u.ThreadID, "❌ This provider doesn't support resuming sessions.")
		return
	}

	sessions := d.scanAllSessions()
	if len(sessions) == 0 {
		d.reply(ctx, u.ChatID, u.ThreadID, "No previous sessions found.")
		return
	}

	d.mu.Lock()
	d.resume[historyKey{u.UserID, u.ThreadID}] = sessions
	d.mu.Unlock()

	text, keyboard := buildResumeKeyboard(sessions, 0)
	_, _ = d.telegram.SendMessage(ctx, u.ChatID, text, telegram.SendOptions{ThreadID: u.ThreadID, Keyboard: keyboard})
}

// scanAllSessions walks the provider's project directory for JSONL
// transcripts, extracting a summary from the first user message and a
// cwd from the transcript's own cwd field, newest first.
func (d *Dispatcher) scanAllSessions() []resumeEntry {
	base := d.cfg.ClaudeProjectsPath
	projectDirs, err := os.ReadDir(base)
	if err != nil {
		return nil
	}

	var out []resumeEntry
	for _, proj := range projectDirs {
		if !proj.IsDir() {
			continue
		}
		projDir := filepath.Join(base, proj.Name())
		files, err := os.ReadDir(projDir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			full := filepath.Join(projDir, f.Name())
			entry, ok := readSessionSummary(full)
			if !ok {
				continue
			}
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].modTime.After(out[j].modTime) })
	return out
}

func readSessionSummary(path string) (resumeEntry, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return resumeEntry{}, false
	}
	f, err := os.Open(path)
	if err != nil {
		return resumeEntry{}, false
	}
	defer f.Close()

	sessionID := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	var cwd, summary string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		entry, ok := parseJSONLLineLoose(scanner.Text())
		if !ok {
			continue
		}
		if c, ok := entry["cwd"].(string); ok && c != "" && cwd == "" {
			cwd = c
		}
		if sid, ok := entry["sessionId"].(string); ok && sid != "" {
			sessionID = sid
		}
		if summary == "" {
			if msgType, _ := entry["type"].(string); msgType == "user" {
				if msg, ok := entry["message"].(map[string]any); ok {
					if text, ok := msg["content"].(string); ok && text != "" {
						summary = truncateForDisplay(text, 40)
					}
				}
			}
		}
		if cwd != "" && summary != "" {
			break
		}
	}
	if cwd == "" {
		return resumeEntry{}, false
	}
	if summary == "" {
		summary = sessionID[:min(12, len(sessionID))]
	}
	return resumeEntry{sessionID: sessionID, summary: summary, cwd: cwd, modTime: info.ModTime()}, true
}

func truncateForDisplay(text string, max int) string {
	text = strings.ReplaceAll(strings.TrimSpace(text), "\n", " ")
	if len(text) <= max {
		return text
	}
	return text[:max] + "…"
}

// buildResumeKeyboard renders one page of the resume picker, grouping
// consecutive sessions that share a cwd under a header button.
func buildResumeKeyboard(sessions []resumeEntry, page int) (string, [][]telegram.Button) {
	start := page * resumeSessionsPerPage
	if start >= len(sessions) {
		start = 0
		page = 0
	}
	end := start + resumeSessionsPerPage
	if end > len(sessions) {
		end = len(sessions)
	}

	var keyboard [][]telegram.Button
	lastCwd := ""
	for i := start; i < end; i++ {
		s := sessions[i]
		if s.cwd != lastCwd {
			lastCwd = s.cwd
			keyboard = append(keyboard, []telegram.Button{{Label: "📁 " + filepath.Base(s.cwd), Data: "noop"}})
		}
		label := s.summary
		if label == "" {
			label = s.sessionID[:min(12, len(s.sessionID))]
		}
		keyboard = append(keyboard, []telegram.Button{{Label: label, Data: "resume:pick:" + itoa(i)}})
	}

	var nav []telegram.Button
	if start > 0 {
		nav = append(nav, telegram.Button{Label: "⬅️ Prev", Data: "resume:page:" + itoa(page-1)})
	}
	if end < len(sessions) {
		nav = append(nav, telegram.Button{Label: "➡️ Next", Data: "resume:page:" + itoa(page+1)})
	}
	nav = append(nav, telegram.Button{Label: "✖️ Cancel", Data: "resume:cancel"})
	keyboard = append(keyboard, nav)

	return "Pick a session to resume:", keyboard
}

func (d *Dispatcher) handleResumeCallback(ctx context.Context, u telegram.Update, rest string) {
	action, arg, _ := strings.Cut(rest, ":")
	key := historyKey{u.UserID, u.ThreadID}

	d.mu.Lock()
	sessions := d.resume[key]
	d.mu.Unlock()
	if sessions == nil {
		d.answerCallback(ctx, u.CallbackID, "Expired, use /resume again")
		return
	}

	switch action {
	case "page":
		page, _ := strconv.Atoi(arg)
		text, keyboard := buildResumeKeyboard(sessions, page)
		_ = d.telegram.EditMessageText(ctx, u.ChatID, u.CallbackMsgID, text, telegram.SendOptions{ThreadID: u.ThreadID, Keyboard: keyboard})
		d.answerCallback(ctx, u.CallbackID, "")
	case "cancel":
		d.mu.Lock()
		delete(d.resume, key)
		d.mu.Unlock()
		_ = d.telegram.EditMessageText(ctx, u.ChatID, u.CallbackMsgID, "Resume cancelled.", telegram.SendOptions{ThreadID: u.ThreadID})
		d.answerCallback(ctx, u.CallbackID, "")
	case "pick":
		idx, err := strconv.Atoi(arg)
		if err != nil || idx < 0 || idx >= len(sessions) {
			d.answerCallback(ctx, u.CallbackID, "Invalid selection")
			return
		}
		d.resumeSession(ctx, u, sessions[idx])
	}
}

func (d *Dispatcher) resumeSession(ctx context.Context, u telegram.Update, sel resumeEntry) {
	d.mu.Lock()
	delete(d.resume, historyKey{u.UserID, u.ThreadID})
	d.mu.Unlock()

	info, err := os.Stat(sel.cwd)
	if err != nil || !info.IsDir() {
		_ = d.telegram.EditMessageText(ctx, u.ChatID, u.CallbackMsgID, "❌ Project directory no longer exists.", telegram.SendOptions{ThreadID: u.ThreadID})
		return
	}

	providerName := d.cfg.DefaultProvider
	if oldWindow, bound := d.binding.GetWindowForThread(u.UserID, u.ThreadID); bound {
		providerName = d.binding.GetWindowState(oldWindow).ProviderName
		_ = d.tmux.KillWindow(oldWindow)
		d.binding.UnbindThread(u.UserID, u.ThreadID)
	}
	p := d.registry.Get(providerName)
	caps := p.Capabilities()

	launchArgs, err := p.MakeLaunchArgs(sel.sessionID, false)
	if err != nil {
		_ = d.telegram.EditMessageText(ctx, u.ChatID, u.CallbackMsgID, "❌ "+err.Error(), telegram.SendOptions{ThreadID: u.ThreadID})
		return
	}
	launchCmd, ok := d.cfg.ProviderCommand(caps.Name)
	if !ok {
		launchCmd = caps.LaunchCommand
	}

	result := d.tmux.CreateWindow(sel.cwd, filepath.Base(sel.cwd), launchCmd, launchArgs, true)
	if !result.OK {
		_ = d.telegram.EditMessageText(ctx, u.ChatID, u.CallbackMsgID, "❌ "+result.Message, telegram.SendOptions{ThreadID: u.ThreadID})
		return
	}

	d.binding.BindThread(u.UserID, u.ThreadID, result.WindowID, result.WindowName)
	d.binding.SetWindowProvider(result.WindowID, caps.Name)
	if d.cfg.HasGroupID {
		d.binding.SetGroupChatID(u.UserID, u.ThreadID, u.ChatID)
	}
	_ = d.telegram.EditForumTopicName(ctx, u.ChatID, u.ThreadID, result.WindowName)

	_ = d.telegram.EditMessageText(ctx, u.ChatID, u.CallbackMsgID,
		fmt.Sprintf("✅ Resuming session: %s\n📂 `%s`", sel.summary, sel.cwd),
		telegram.SendOptions{ThreadID: u.ThreadID})
	d.answerCallback(ctx, u.CallbackID, "Resumed")
}
