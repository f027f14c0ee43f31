package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/beastoin/ccbot/internal/telegram"
)

// favoritesLimit caps the combined starred+MRU directory list shown
// above the subdirectory listing, mirroring the original browser's
// 3-entry cap.
const favoritesLimit = 3

// browseState tracks one user's in-flight "open a new topic" flow: the
// directory currently displayed, and the pending message text typed
// before a window existed to receive it.
type browseState struct {
	threadID   int64
	chatID     int64
	messageID  int
	cwd        string
	pendingTxt string
}

// openDirectoryBrowser starts (or restarts) the new-topic flow for a
// user, storing pendingText to replay once a window is created.
func (d *Dispatcher) openDirectoryBrowser(ctx context.Context, userID, threadID, chatID int64, pendingText string) {
	start := d.startDir(userID)
	state := &browseState{threadID: threadID, chatID: chatID, cwd: start, pendingTxt: pendingText}

	text, keyboard := d.renderBrowser(userID, start)
	msgID, err := d.telegram.SendMessage(ctx, chatID, text, telegram.SendOptions{ThreadID: threadID, Keyboard: keyboard})
	if err != nil {
		d.log.Warn("failed to open directory browser", "err", err.Error())
		return
	}
	state.messageID = msgID

	d.mu.Lock()
	d.browse[historyKey{userID, threadID}] = state
	d.mu.Unlock()
}

// startDir picks the initial directory: the user's most recent MRU
// entry if any, else their home directory.
func (d *Dispatcher) startDir(userID int64) string {
	fav := d.binding.DirFavorites(userID)
	if len(fav.MRU) > 0 {
		return fav.MRU[0]
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "/"
}

// favoriteDirs returns up to favoritesLimit directories from the
// user's starred list followed by their MRU list, skipping entries
// that no longer exist and de-duplicating.
func (d *Dispatcher) favoriteDirs(userID int64) []string {
	fav := d.binding.DirFavorites(userID)
	seen := map[string]bool{}
	out := make([]string, 0, favoritesLimit)
	for _, dir := range append(append([]string{}, fav.Starred...), fav.MRU...) {
		if seen[dir] {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		seen[dir] = true
		out = append(out, dir)
		if len(out) >= favoritesLimit {
			break
		}
	}
	return out
}

// listSubdirs returns the immediate, non-hidden subdirectories of dir.
func listSubdirs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}

// renderBrowser builds the directory-browser message text and its
// inline keyboard: favorites, subdirectories, then navigation.
func (d *Dispatcher) renderBrowser(userID int64, dir string) (string, [][]telegram.Button) {
	var b strings.Builder
	fmt.Fprintf(&b, "📂 `%s`\n\nChoose a directory:", dir)

	var keyboard [][]telegram.Button
	for _, fdir := range d.favoriteDirs(userID) {
		if fdir == dir {
			continue
		}
		keyboard = append(keyboard, []telegram.Button{{Label: "⭐ " + filepath.Base(fdir), Data: "dir:cd:" + fdir}})
	}
	for _, sub := range listSubdirs(dir) {
		full := filepath.Join(dir, sub)
		keyboard = append(keyboard, []telegram.Button{{Label: "📁 " + sub, Data: "dir:cd:" + full}})
	}

	nav := []telegram.Button{{Label: "✅ Use this directory", Data: "dir:use:" + dir}}
	if parent := filepath.Dir(dir); parent != dir {
		nav = append(nav, telegram.Button{Label: "⬆️ Up", Data: "dir:cd:" + parent})
	}
	keyboard = append(keyboard, nav)
	keyboard = append(keyboard, []telegram.Button{{Label: "✖️ Cancel", Data: "dir:cancel:"}})
	return b.String(), keyboard
}

// handleDirCallback demultiplexes "dir:<action>:<arg>" callbacks.
func (d *Dispatcher) handleDirCallback(ctx context.Context, u telegram.Update, rest string) {
	action, arg, _ := strings.Cut(rest, ":")
	key := historyKey{u.UserID, u.ThreadID}

	d.mu.Lock()
	state := d.browse[key]
	d.mu.Unlock()
	if state == nil {
		d.answerCallback(ctx, u.CallbackID, "Session expired, use /new")
		return
	}

	switch action {
	case "cd":
		state.cwd = arg
		text, keyboard := d.renderBrowser(u.UserID, arg)
		_ = d.telegram.EditMessageText(ctx, state.chatID, state.messageID, text, telegram.SendOptions{ThreadID: state.threadID, Keyboard: keyboard})
		d.answerCallback(ctx, u.CallbackID, "")
	case "use":
		d.promptProvider(ctx, state, arg)
	case "provider":
		d.finishBrowse(ctx, u.UserID, key, state, arg)
	case "cancel":
		d.mu.Lock()
		delete(d.browse, key)
		d.mu.Unlock()
		_ = d.telegram.EditMessageText(ctx, state.chatID, state.messageID, "Cancelled.", telegram.SendOptions{ThreadID: state.threadID})
		d.answerCallback(ctx, u.CallbackID, "Cancelled")
	default:
		d.answerCallback(ctx, u.CallbackID, "")
	}
}

// promptProvider switches the browser message to a provider-selection
// keyboard once a directory has been chosen.
func (d *Dispatcher) promptProvider(ctx context.Context, state *browseState, cwd string) {
	state.cwd = cwd

	var keyboard [][]telegram.Button
	for _, name := range d.registry.Available() {
		keyboard = append(keyboard, []telegram.Button{{Label: name, Data: "dir:provider:" + name}})
	}
	text := fmt.Sprintf("📂 `%s`\n\nChoose an agent:", cwd)
	_ = d.telegram.EditMessageText(ctx, state.chatID, state.messageID, text, telegram.SendOptions{ThreadID: state.threadID, Keyboard: keyboard})
}

// finishBrowse creates the tmux window for the chosen cwd/provider,
// binds the topic, replays any pending text, and renames the topic.
func (d *Dispatcher) finishBrowse(ctx context.Context, userID int64, key historyKey, state *browseState, providerName string) {
	d.mu.Lock()
	delete(d.browse, key)
	d.mu.Unlock()

	p := d.registry.Get(providerName)
	caps := p.Capabilities()
	launchCmd, ok := d.cfg.ProviderCommand(caps.Name)
	if !ok {
		launchCmd = caps.LaunchCommand
	}

	windowName := filepath.Base(state.cwd)
	result := d.tmux.CreateWindow(state.cwd, windowName, launchCmd, "", true)
	if !result.OK {
		_ = d.telegram.EditMessageText(ctx, state.chatID, state.messageID, "❌ "+result.Message, telegram.SendOptions{ThreadID: state.threadID})
		return
	}

	d.binding.BindThread(userID, state.threadID, result.WindowID, result.WindowName)
	d.binding.SetWindowProvider(result.WindowID, caps.Name)
	if d.cfg.HasGroupID {
		d.binding.SetGroupChatID(userID, state.threadID, state.chatID)
	}
	d.binding.PushRecentDir(userID, state.cwd)

	_ = d.telegram.EditForumTopicName(ctx, state.chatID, state.threadID, result.WindowName)
	_ = d.telegram.EditMessageText(ctx, state.chatID, state.messageID,
		fmt.Sprintf("✅ Started `%s` in `%s`", caps.Name, state.cwd),
		telegram.SendOptions{ThreadID: state.threadID})

	if state.pendingTxt != "" {
		_ = d.tmux.SendKeys(result.WindowID, state.pendingTxt, true, true)
		d.recordHistory(userID, state.threadID, state.pendingTxt)
	}
}

func (d *Dispatcher) answerCallback(ctx context.Context, callbackID, text string) {
	if callbackID == "" {
		return
	}
	_ = d.telegram.AnswerCallbackQuery(ctx, callbackID, text)
}

// sanitizeCommandName turns a provider-discovered command name into
// the [a-z0-9_]-only, <=32-char form Telegram slash commands require.
func sanitizeCommandName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	s := strings.Trim(b.String(), "_")
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}

func itoa(n int) string { return strconv.Itoa(n) }
