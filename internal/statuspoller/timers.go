package statuspoller

import (
	"context"
	"time"

	"github.com/beastoin/ccbot/internal/model"
	"github.com/beastoin/ccbot/internal/queue"
)

// startIdleClearTimer arms the idle-status auto-clear countdown the first
// time a window goes idle. Subsequent idle polls do not reset it.
func (p *Poller) startIdleClearTimer(userID, threadID int64, windowID string) {
	key := threadKey{userID, threadID}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.idleClearTimers[key]; !exists {
		p.idleClearTimers[key] = idleClearEntry{windowID: windowID, enteredAt: time.Now()}
	}
}

func (p *Poller) cancelIdleClearTimer(userID, threadID int64) {
	p.mu.Lock()
	delete(p.idleClearTimers, threadKey{userID, threadID})
	p.mu.Unlock()
}

// checkIdleClearTimers clears the "✓ Ready" status message for any window
// whose idle display time has expired.
func (p *Poller) checkIdleClearTimers(ctx context.Context) {
	type expiry struct {
		key      threadKey
		windowID string
	}
	now := time.Now()
	var expired []expiry

	p.mu.Lock()
	for key, entry := range p.idleClearTimers {
		if now.Sub(entry.enteredAt) >= idleClearDelay {
			expired = append(expired, expiry{key, entry.windowID})
		}
	}
	for _, e := range expired {
		delete(p.idleClearTimers, e.key)
		p.idleStatusCleared[e.windowID] = true
	}
	p.mu.Unlock()

	for _, e := range expired {
		chatID := p.binding.ResolveChatID(e.key.userID, e.key.threadID)
		p.queue.Enqueue(queue.MessageTask{TaskType: queue.TaskStatusUpdate, UserID: e.key.userID, ChatID: chatID, WindowID: e.windowID, ThreadID: e.key.threadID, Delete: true})
	}
}

// startAutocloseTimer arms or re-arms the done/dead auto-close countdown;
// it only resets the clock when the state itself changes.
func (p *Poller) startAutocloseTimer(userID, threadID int64, state model.EmojiState) {
	key := threadKey{userID, threadID}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.autocloseTimers[key]; !ok || existing.state != state {
		p.autocloseTimers[key] = autocloseEntry{state: state, enteredAt: time.Now()}
	}
}

func (p *Poller) clearAutocloseIfActive(userID, threadID int64) {
	p.mu.Lock()
	delete(p.autocloseTimers, threadKey{userID, threadID})
	p.mu.Unlock()
}

// checkAutocloseTimers closes any topic whose done/dead timer has expired.
func (p *Poller) checkAutocloseTimers(ctx context.Context) {
	var expired []threadKey

	p.mu.Lock()
	for key, entry := range p.autocloseTimers {
		var timeout time.Duration
		switch entry.state {
		case model.StateDone:
			timeout = p.cfg.AutocloseDone
		case model.StateDead:
			timeout = p.cfg.AutocloseDead
		default:
			continue
		}
		if timeout <= 0 {
			continue
		}
		if time.Since(entry.enteredAt) >= timeout {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(p.autocloseTimers, key)
	}
	p.mu.Unlock()

	for _, key := range expired {
		chatID := p.binding.ResolveChatID(key.userID, key.threadID)
		if err := p.telegram.CloseForumTopic(ctx, chatID, key.threadID); err != nil {
			p.log.Debug("auto-close failed", "thread_id", key.threadID, "err", err.Error())
			continue
		}
		p.log.Info("auto-closed topic", "chat_id", chatID, "thread_id", key.threadID, "user_id", key.userID)
	}
}

// checkUnboundWindowTTL kills live tmux windows that aren't bound to any
// topic once they've been unbound for AutocloseDone (0 disables).
func (p *Poller) checkUnboundWindowTTL(ctx context.Context) {
	timeout := p.cfg.AutocloseDone
	if timeout <= 0 {
		return
	}

	bound := map[string]bool{}
	for _, tb := range p.binding.IterThreadBindings() {
		bound[tb.WindowID] = true
	}

	live, err := p.tmux.ListWindows()
	if err != nil {
		return
	}
	liveIDs := map[string]bool{}
	for _, w := range live {
		liveIDs[w.WindowID] = true
	}

	now := time.Now()
	p.mu.Lock()
	for wid := range p.unboundWindowTimers {
		if bound[wid] || !liveIDs[wid] {
			delete(p.unboundWindowTimers, wid)
		}
	}
	for _, w := range live {
		if !bound[w.WindowID] {
			if _, exists := p.unboundWindowTimers[w.WindowID]; !exists {
				p.unboundWindowTimers[w.WindowID] = now
			}
		}
	}
	var expired []string
	for wid, firstSeen := range p.unboundWindowTimers {
		if now.Sub(firstSeen) >= timeout {
			expired = append(expired, wid)
		}
	}
	for _, wid := range expired {
		delete(p.unboundWindowTimers, wid)
	}
	p.mu.Unlock()

	for _, wid := range expired {
		if err := p.tmux.KillWindow(wid); err != nil {
			p.log.Debug("auto-kill unbound window failed", "window_id", wid, "err", err.Error())
			continue
		}
		p.log.Info("auto-killed unbound window (TTL expired)", "window_id", wid)
	}
}
