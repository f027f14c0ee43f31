package statuspoller

import (
	"fmt"
	"time"

	"github.com/beastoin/ccbot/internal/model"
	"github.com/beastoin/ccbot/internal/queue"
)

// HandleHookEvent reacts to one event read off the append-only event log,
// dispatched via internal/bus.OnHookEvent. It is the only hook-event
// subscriber that internal/app registers.
func (p *Poller) HandleHookEvent(ev model.HookEvent) {
	windowID := windowIDFromKey(ev.WindowKey)
	if windowID == "" {
		return
	}

	switch ev.Event {
	case model.EventNotification:
		p.onNotification(windowID)
	case model.EventStop:
		p.onStop(windowID)
	case model.EventSubagentStart:
		p.onSubagentChange(windowID, ev.Data, true)
	case model.EventSubagentStop:
		p.onSubagentChange(windowID, ev.Data, false)
	case model.EventTeammateIdle:
		p.onInformational(windowID, "💤 Teammate idle", stringField(ev.Data, "idle_reason"))
	case model.EventTaskCompleted:
		p.onInformational(windowID, "✅ Task completed", stringField(ev.Data, "summary"))
	}
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

// onNotification waits for the CLI to finish rendering its permission
// prompt, then enters interactive mode for every user bound to windowID
// if the pane is still showing an interactive UI and they aren't already
// in that mode.
func (p *Poller) onNotification(windowID string) {
	go func() {
		time.Sleep(notificationDelay)

		p.mu.Lock()
		ctx := p.ctx
		p.mu.Unlock()

		paneText, ok := p.tmux.CapturePane(windowID)
		if !ok {
			return
		}
		status, hasStatus := p.parseStatus(windowID, paneText)
		if !hasStatus || !status.IsInteractive {
			return
		}

		sessionID := p.binding.GetWindowState(windowID).SessionID
		for _, su := range p.binding.FindUsersForSession(sessionID) {
			if su.WindowID != windowID {
				continue
			}
			if wid, ok := p.InteractiveWindow(su.UserID, su.ThreadID); ok && wid == windowID {
				continue
			}
			p.handleInteractiveUI(ctx, su.UserID, windowID, su.ThreadID, status)
		}
	}()
}

// onStop resets the "seen status" flag, flips every bound topic to done,
// arms the done auto-close timer, and clears the status message.
func (p *Poller) onStop(windowID string) {
	p.mu.Lock()
	delete(p.hasSeenStatus, windowID)
	ctx := p.ctx
	p.mu.Unlock()

	sessionID := p.binding.GetWindowState(windowID).SessionID
	display := p.binding.GetDisplayName(windowID)
	for _, su := range p.binding.FindUsersForSession(sessionID) {
		if su.WindowID != windowID || su.ThreadID == 0 {
			continue
		}
		chatID := p.binding.ResolveChatID(su.UserID, su.ThreadID)
		p.updateTopicEmoji(ctx, chatID, su.ThreadID, model.StateDone, display)
		p.startAutocloseTimer(su.UserID, su.ThreadID, model.StateDone)
		p.queue.Enqueue(queue.MessageTask{TaskType: queue.TaskStatusUpdate, UserID: su.UserID, ChatID: chatID, WindowID: windowID, ThreadID: su.ThreadID, Delete: true})
	}
}

// onSubagentChange maintains windowID's displayed subagent set.
func (p *Poller) onSubagentChange(windowID string, data map[string]any, starting bool) {
	id := stringField(data, "subagent_id")
	if id == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.subagents[windowID]
	if !ok {
		set = map[string]bool{}
		p.subagents[windowID] = set
	}
	if starting {
		set[id] = true
	} else {
		delete(set, id)
	}
}

// Subagents returns the ids of subagents currently running under
// windowID, in no particular order.
func (p *Poller) Subagents(windowID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.subagents[windowID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// onInformational enqueues a plain content message for every user bound
// to windowID, used for TeammateIdle/TaskCompleted hook events.
func (p *Poller) onInformational(windowID, label, detail string) {
	sessionID := p.binding.GetWindowState(windowID).SessionID
	text := label
	if detail != "" {
		text = fmt.Sprintf("%s: %s", label, detail)
	}
	for _, su := range p.binding.FindUsersForSession(sessionID) {
		if su.WindowID != windowID {
			continue
		}
		chatID := p.binding.ResolveChatID(su.UserID, su.ThreadID)
		p.queue.Enqueue(queue.MessageTask{
			TaskType: queue.TaskContent, UserID: su.UserID, ChatID: chatID, WindowID: windowID,
			ThreadID: su.ThreadID, Parts: []string{text}, ContentType: queue.KindText,
		})
	}
}
