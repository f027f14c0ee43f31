package dispatcher

import (
	"context"
	"strings"
	"time"

	"github.com/beastoin/ccbot/internal/model"
	"github.com/beastoin/ccbot/internal/telegram"
)

// interactiveKeyLabels mirrors the toast text shown after a keypad
// button is pressed.
var interactiveKeyLabels = map[string]string{
	"up": "⬆️ Up", "down": "⬇️ Down", "left": "⬅️ Left", "right": "➡️ Right",
	"esc": "⎋ Esc", "enter": "⏎ Enter", "space": "␣ Space", "tab": "⇥ Tab", "refresh": "🔄 Refreshed",
}

// interactiveKeyMap maps a keypad callback's key name to the tmux key
// name and whether the UI message should be refreshed after sending it.
var interactiveKeyMap = map[string]struct {
	tmuxKey string
	refresh bool
}{
	"up": {"Up", true}, "down": {"Down", true}, "left": {"Left", true}, "right": {"Right", true},
	"esc": {"Escape", false}, "enter": {"Enter", true}, "space": {"Space", true}, "tab": {"Tab", true},
}

// handleCallback demultiplexes a button press by its data prefix.
func (d *Dispatcher) handleCallback(ctx context.Context, u telegram.Update) {
	data := u.CallbackData
	switch {
	case strings.HasPrefix(data, "ui:"):
		d.handleInteractiveCallback(ctx, u, strings.TrimPrefix(data, "ui:"))
	case strings.HasPrefix(data, "esc:"):
		d.handleEscCallback(ctx, u, strings.TrimPrefix(data, "esc:"))
	case strings.HasPrefix(data, "screenshot:"):
		d.handleScreenshotCallback(ctx, u, strings.TrimPrefix(data, "screenshot:"))
	case strings.HasPrefix(data, "notify:"):
		d.handleNotifyCallback(ctx, u, strings.TrimPrefix(data, "notify:"))
	case strings.HasPrefix(data, "recover:"):
		d.handleRecoverCallback(ctx, u, strings.TrimPrefix(data, "recover:"))
	case strings.HasPrefix(data, "dir:"):
		d.handleDirCallback(ctx, u, strings.TrimPrefix(data, "dir:"))
	case strings.HasPrefix(data, "resume:"):
		d.handleResumeCallback(ctx, u, strings.TrimPrefix(data, "resume:"))
	case strings.HasPrefix(data, "sessions:"):
		d.handleSessionsCallback(ctx, u, strings.TrimPrefix(data, "sessions:"))
	case data == "noop":
		d.answerCallback(ctx, u.CallbackID, "")
	default:
		d.answerCallback(ctx, u.CallbackID, "")
	}
}

// handleInteractiveCallback parses "ui:<key>:<windowID>" (or
// "ui:<key>:<windowID>:%<paneID>"), re-verifies ownership, sends the
// key, then refreshes the tracked keypad message for every key but Esc.
func (d *Dispatcher) handleInteractiveCallback(ctx context.Context, u telegram.Update, rest string) {
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		d.answerCallback(ctx, u.CallbackID, "")
		return
	}
	key, target := parts[0], parts[1]
	windowID, paneID, _ := strings.Cut(target, ":%")

	if !d.ownsWindow(u.UserID, u.ThreadID, windowID) {
		d.answerCallback(ctx, u.CallbackID, "Not your session")
		return
	}

	if key == "refresh" {
		d.poller.RefreshInteractiveMessage(ctx, u.UserID, u.ThreadID, windowID)
		d.answerCallback(ctx, u.CallbackID, interactiveKeyLabels["refresh"])
		return
	}

	spec, ok := interactiveKeyMap[key]
	if !ok {
		d.answerCallback(ctx, u.CallbackID, "")
		return
	}

	var err error
	if paneID != "" {
		err = d.tmux.SendKeysToPane(paneID, spec.tmuxKey, false, false, windowID)
	} else {
		err = d.tmux.SendKeys(windowID, spec.tmuxKey, false, false)
	}
	if err != nil {
		d.answerCallback(ctx, u.CallbackID, "❌ Failed to send key")
		return
	}

	if spec.refresh {
		go func() {
			time.Sleep(500 * time.Millisecond)
			d.poller.RefreshInteractiveMessage(ctx, u.UserID, u.ThreadID, windowID)
		}()
	}
	d.answerCallback(ctx, u.CallbackID, interactiveKeyLabels[key])
}

// handleEscCallback sends a bare Escape to the status keyboard's target
// window, the same effect as the keypad's "esc" key but reachable from
// the status message rather than the interactive keypad.
func (d *Dispatcher) handleEscCallback(ctx context.Context, u telegram.Update, windowID string) {
	if !d.ownsWindow(u.UserID, u.ThreadID, windowID) {
		d.answerCallback(ctx, u.CallbackID, "Not your session")
		return
	}
	if err := d.tmux.SendKeys(windowID, "Escape", false, false); err != nil {
		d.answerCallback(ctx, u.CallbackID, "❌ Failed")
		return
	}
	d.answerCallback(ctx, u.CallbackID, "⎋ Sent")
}

// handleScreenshotCallback captures the pane and posts it back as a
// monospace text block. Posting a true rendered image would need a
// terminal-to-image renderer, which nothing in the stack provides.
func (d *Dispatcher) handleScreenshotCallback(ctx context.Context, u telegram.Update, windowID string) {
	if !d.ownsWindow(u.UserID, u.ThreadID, windowID) {
		d.answerCallback(ctx, u.CallbackID, "Not your session")
		return
	}
	text, ok := d.tmux.CapturePane(windowID)
	if !ok {
		d.answerCallback(ctx, u.CallbackID, "❌ Window gone")
		return
	}
	d.reply(ctx, u.ChatID, u.ThreadID, "```\n"+text+"\n```")
	d.answerCallback(ctx, u.CallbackID, "📸 Sent")
}

// handleNotifyCallback cycles the window's notification mode and
// reports the new value as a toast.
func (d *Dispatcher) handleNotifyCallback(ctx context.Context, u telegram.Update, windowID string) {
	if !d.ownsWindow(u.UserID, u.ThreadID, windowID) {
		d.answerCallback(ctx, u.CallbackID, "Not your session")
		return
	}
	state := d.binding.GetWindowState(windowID)
	next := state.NotificationMode.Next()
	if next == "" {
		next = model.NotifyAll
	}
	d.binding.SetNotificationMode(windowID, next)
	d.answerCallback(ctx, u.CallbackID, "🔔 "+string(next))
}

// handleRecoverCallback demultiplexes "recover:<action>:<windowID>" from
// a dead-window notification's keyboard.
func (d *Dispatcher) handleRecoverCallback(ctx context.Context, u telegram.Update, rest string) {
	action, windowID, _ := strings.Cut(rest, ":")
	if !d.ownsWindow(u.UserID, u.ThreadID, windowID) {
		d.answerCallback(ctx, u.CallbackID, "Not your session")
		return
	}
	state := d.binding.GetWindowState(windowID)

	switch action {
	case "resume":
		p := d.registry.Get(state.ProviderName)
		if !p.Capabilities().SupportsResume || state.SessionID == "" {
			d.answerCallback(ctx, u.CallbackID, "Resume unavailable")
			return
		}
		d.resumeSession(ctx, u, resumeEntry{sessionID: state.SessionID, cwd: state.Cwd, summary: d.binding.GetDisplayName(windowID)})
	case "restart":
		d.restartWindow(ctx, u, state)
	case "new":
		d.binding.UnbindThread(u.UserID, u.ThreadID)
		d.openDirectoryBrowser(ctx, u.UserID, u.ThreadID, u.ChatID, "")
		d.answerCallback(ctx, u.CallbackID, "")
	case "kill":
		_ = d.tmux.KillWindow(windowID)
		d.binding.UnbindThread(u.UserID, u.ThreadID)
		d.answerCallback(ctx, u.CallbackID, "Killed")
	default:
		d.answerCallback(ctx, u.CallbackID, "")
	}
}

// restartWindow relaunches a fresh (non-resumed) agent in the same cwd.
func (d *Dispatcher) restartWindow(ctx context.Context, u telegram.Update, state *model.WindowState) {
	if state.Cwd == "" {
		d.answerCallback(ctx, u.CallbackID, "No working directory recorded")
		return
	}
	p := d.registry.Get(state.ProviderName)
	caps := p.Capabilities()
	launchCmd, ok := d.cfg.ProviderCommand(caps.Name)
	if !ok {
		launchCmd = caps.LaunchCommand
	}

	d.binding.UnbindThread(u.UserID, u.ThreadID)
	result := d.tmux.CreateWindow(state.Cwd, "", launchCmd, "", true)
	if !result.OK {
		d.answerCallback(ctx, u.CallbackID, "❌ "+result.Message)
		return
	}
	d.binding.BindThread(u.UserID, u.ThreadID, result.WindowID, result.WindowName)
	d.binding.SetWindowProvider(result.WindowID, caps.Name)
	_ = d.telegram.EditForumTopicName(ctx, u.ChatID, u.ThreadID, result.WindowName)
	d.answerCallback(ctx, u.CallbackID, "Restarted")
}
