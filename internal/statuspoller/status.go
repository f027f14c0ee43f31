package statuspoller

import (
	"context"
	"strings"
	"time"

	"github.com/beastoin/ccbot/internal/model"
	"github.com/beastoin/ccbot/internal/queue"
	"github.com/beastoin/ccbot/internal/screenbuffer"
	"github.com/beastoin/ccbot/internal/telegram"
	"github.com/beastoin/ccbot/internal/termparser"
)

// updateStatusMessage polls windowID's pane and enqueues a status update
// for userID's topic, also detecting rename and interactive UI.
func (p *Poller) updateStatusMessage(ctx context.Context, userID int64, windowID string, threadID int64) {
	w, ok := p.tmux.FindWindowByID(windowID)
	if !ok {
		p.queue.Enqueue(queue.MessageTask{TaskType: queue.TaskStatusUpdate, UserID: userID, ChatID: p.binding.ResolveChatID(userID, threadID), WindowID: windowID, ThreadID: threadID, Delete: true})
		return
	}

	if threadID != 0 {
		stored := p.binding.GetDisplayName(windowID)
		if stored != "" && w.WindowName != stored {
			p.binding.SetDisplayName(windowID, w.WindowName)
			chatID := p.binding.ResolveChatID(userID, threadID)
			if err := p.telegram.EditForumTopicName(ctx, chatID, threadID, w.WindowName); err != nil {
				p.log.Debug("topic rename failed", "window_id", windowID, "err", err.Error())
			} else {
				p.log.Info("window renamed", "from", stored, "to", w.WindowName, "window_id", windowID)
			}
		}
	}

	paneText, ok := p.tmux.CapturePane(windowID)
	if !ok {
		return
	}

	key := threadKey{userID, threadID}
	p.mu.Lock()
	interactiveWin, inInteractive := p.interactiveWindow[key]
	p.mu.Unlock()
	shouldCheckNewUI := true

	status, hasStatus := p.parseStatus(windowID, paneText)

	switch {
	case inInteractive && interactiveWin == windowID:
		if hasStatus && status.IsInteractive {
			return
		}
		p.clearInteractiveMsg(ctx, userID, threadID)
		shouldCheckNewUI = false
	case inInteractive:
		p.clearInteractiveMsg(ctx, userID, threadID)
	}

	if shouldCheckNewUI && hasStatus && status.IsInteractive {
		p.handleInteractiveUI(ctx, userID, windowID, threadID, status)
		return
	}

	var statusLine string
	if hasStatus && !status.IsInteractive {
		statusLine = status.DisplayLabel
	}

	notifMode := p.binding.GetWindowState(windowID).NotificationMode

	if statusLine != "" {
		p.mu.Lock()
		p.hasSeenStatus[windowID] = true
		delete(p.startupTimes, windowID)
		delete(p.idleStatusCleared, windowID)
		p.mu.Unlock()

		p.sendTypingThrottled(ctx, userID, threadID)
		if threadID != 0 {
			p.cancelIdleClearTimer(userID, threadID)
		}
		chatID := p.binding.ResolveChatID(userID, threadID)
		if notifMode != model.NotifyMuted && notifMode != model.NotifyErrorsOnly {
			p.queue.Enqueue(queue.MessageTask{
				TaskType: queue.TaskStatusUpdate, UserID: userID, ChatID: chatID, WindowID: windowID,
				ThreadID: threadID, StatusText: statusLine, Keyboard: p.statusKeyboard(windowID),
			})
		}
		if threadID != 0 {
			display := p.binding.GetDisplayName(windowID)
			p.updateTopicEmoji(ctx, chatID, threadID, model.StateActive, display)
			p.clearAutocloseIfActive(userID, threadID)
		}
		return
	}

	p.handleNoStatus(ctx, userID, windowID, threadID, w.PaneCurrentCommand, notifMode)
}

// parseStatus feeds paneText into windowID's cached screen buffer and
// tries interactive-UI then status-line detection against the rendered
// grid, falling back to the bound provider's regex parser against the
// raw pane text.
func (p *Poller) parseStatus(windowID, paneText string) (model.StatusUpdate, bool) {
	p.mu.Lock()
	buf, ok := p.screenBufs[windowID]
	if !ok {
		buf = screenbuffer.New(screenCols, screenRows)
		p.screenBufs[windowID] = buf
	}
	p.mu.Unlock()

	buf.Feed([]byte(paneText))
	rendered := strings.Join(buf.Display(), "\n")

	if ui := termparser.ExtractInteractiveContent(rendered, nil); ui != nil {
		return model.StatusUpdate{RawText: ui.Content, DisplayLabel: ui.Content, IsInteractive: true, UIType: ui.Name}, true
	}
	if line := termparser.ParseStatusLine(rendered, screenRows); line != "" {
		return model.StatusUpdate{RawText: line, DisplayLabel: termparser.FormatStatusDisplay(line)}, true
	}

	prov := p.registry.Get(p.binding.GetWindowState(windowID).ProviderName)
	paneTitle, _ := p.tmux.GetPaneTitle(windowID)
	return prov.ParseTerminalStatus(paneText, paneTitle)
}

// checkTranscriptActivity reports recent transcript writes as activity,
// clearing the startup grace window and idle-cleared flag when found.
func (p *Poller) checkTranscriptActivity(windowID string) bool {
	if p.activity == nil {
		return false
	}
	sessionID := p.binding.GetWindowState(windowID).SessionID
	if sessionID == "" {
		return false
	}
	last, ok := p.activity.GetLastActivity(sessionID)
	if !ok || time.Since(last) >= activityThreshold {
		return false
	}
	p.mu.Lock()
	p.hasSeenStatus[windowID] = true
	delete(p.startupTimes, windowID)
	delete(p.idleStatusCleared, windowID)
	p.mu.Unlock()
	return true
}

func (p *Poller) transitionToIdle(ctx context.Context, userID int64, windowID string, threadID int64, chatID int64, display string, notifMode model.NotificationMode) {
	p.mu.Lock()
	delete(p.startupTimes, windowID)
	p.mu.Unlock()

	p.updateTopicEmoji(ctx, chatID, threadID, model.StateIdle, display)
	p.clearAutocloseIfActive(userID, threadID)
	p.resetTyping(userID, threadID)

	p.mu.Lock()
	alreadyCleared := p.idleStatusCleared[windowID]
	p.mu.Unlock()
	if alreadyCleared {
		return
	}

	if notifMode != model.NotifyMuted && notifMode != model.NotifyErrorsOnly {
		p.queue.Enqueue(queue.MessageTask{TaskType: queue.TaskStatusUpdate, UserID: userID, ChatID: chatID, WindowID: windowID, ThreadID: threadID, StatusText: idleStatusText})
		p.startIdleClearTimer(userID, threadID, windowID)
	} else {
		p.queue.Enqueue(queue.MessageTask{TaskType: queue.TaskStatusUpdate, UserID: userID, ChatID: chatID, WindowID: windowID, ThreadID: threadID, Delete: true})
	}
}

func (p *Poller) handleNoStatus(ctx context.Context, userID int64, windowID string, threadID int64, paneCurrentCommand string, notifMode model.NotificationMode) {
	now := time.Now()
	if p.checkTranscriptActivity(windowID) {
		p.sendTypingThrottled(ctx, userID, threadID)
		if threadID != 0 {
			p.cancelIdleClearTimer(userID, threadID)
			chatID := p.binding.ResolveChatID(userID, threadID)
			display := p.binding.GetDisplayName(windowID)
			p.updateTopicEmoji(ctx, chatID, threadID, model.StateActive, display)
			p.clearAutocloseIfActive(userID, threadID)
		}
		return
	}

	if threadID == 0 {
		return
	}

	chatID := p.binding.ResolveChatID(userID, threadID)
	display := p.binding.GetDisplayName(windowID)

	p.mu.Lock()
	seen := p.hasSeenStatus[windowID]
	startup, hasStartup := p.startupTimes[windowID]
	p.mu.Unlock()

	switch {
	case isShellPrompt(paneCurrentCommand):
		p.mu.Lock()
		delete(p.startupTimes, windowID)
		p.mu.Unlock()
		p.updateTopicEmoji(ctx, chatID, threadID, model.StateDone, display)
		p.startAutocloseTimer(userID, threadID, model.StateDone)
		p.resetTyping(userID, threadID)
		p.cancelIdleClearTimer(userID, threadID)
		p.queue.Enqueue(queue.MessageTask{TaskType: queue.TaskStatusUpdate, UserID: userID, ChatID: chatID, WindowID: windowID, ThreadID: threadID, Delete: true})
	case seen:
		p.transitionToIdle(ctx, userID, windowID, threadID, chatID, display, notifMode)
	case !hasStartup:
		p.mu.Lock()
		p.startupTimes[windowID] = now
		p.mu.Unlock()
		p.sendTypingThrottled(ctx, userID, threadID)
		p.updateTopicEmoji(ctx, chatID, threadID, model.StateActive, display)
		p.clearAutocloseIfActive(userID, threadID)
	case now.Sub(startup) >= startupTimeout:
		p.mu.Lock()
		p.hasSeenStatus[windowID] = true
		p.mu.Unlock()
		p.transitionToIdle(ctx, userID, windowID, threadID, chatID, display, notifMode)
	default:
		p.sendTypingThrottled(ctx, userID, threadID)
		p.updateTopicEmoji(ctx, chatID, threadID, model.StateActive, display)
		p.clearAutocloseIfActive(userID, threadID)
	}
}

// updateTopicEmoji renames threadID's topic to "<state emoji> <display>",
// skipping the call if the title hasn't changed since the last update.
func (p *Poller) updateTopicEmoji(ctx context.Context, chatID, threadID int64, state model.EmojiState, display string) {
	if threadID == 0 {
		return
	}
	title := strings.TrimSpace(stateEmoji(state) + " " + display)
	p.mu.Lock()
	if p.lastTopicTitle[threadID] == title {
		p.mu.Unlock()
		return
	}
	p.lastTopicTitle[threadID] = title
	p.mu.Unlock()

	if err := p.telegram.EditForumTopicName(ctx, chatID, threadID, title); err != nil {
		p.log.Debug("topic emoji update failed", "thread_id", threadID, "err", err.Error())
	}
}

func (p *Poller) sendTypingThrottled(ctx context.Context, userID, threadID int64) {
	key := threadKey{userID, threadID}
	now := time.Now()
	p.mu.Lock()
	last, ok := p.lastTypingSent[key]
	if ok && now.Sub(last) < typingInterval {
		p.mu.Unlock()
		return
	}
	p.lastTypingSent[key] = now
	p.mu.Unlock()

	chatID := p.binding.ResolveChatID(userID, threadID)
	if err := p.telegram.SendChatAction(ctx, chatID, threadID, "typing"); err != nil {
		p.log.Debug("typing indicator failed", "err", err.Error())
	}
}

func (p *Poller) resetTyping(userID, threadID int64) {
	p.mu.Lock()
	delete(p.lastTypingSent, threadKey{userID, threadID})
	p.mu.Unlock()
}

// statusKeyboard builds the Esc/Screenshot/Notify keyboard accompanying a
// status message.
func (p *Poller) statusKeyboard(windowID string) [][]telegram.Button {
	return [][]telegram.Button{{
		{Label: "Esc", Data: "esc:" + windowID},
		{Label: "Screenshot", Data: "screenshot:" + windowID},
		{Label: "Notify", Data: "notify:" + windowID},
	}}
}
