package statuspoller

import (
	"context"

	"github.com/beastoin/ccbot/internal/model"
	"github.com/beastoin/ccbot/internal/telegram"
)

// interactiveKeyboard is the arrow/Enter/Space/Tab/Esc/Refresh keypad
// rendered alongside an extracted interactive-UI region. Data prefixes
// are demultiplexed by Dispatcher, which re-sends the key to the pane
// and refreshes this same message.
func interactiveKeyboard(windowID string) [][]telegram.Button {
	return [][]telegram.Button{
		{
			{Label: "↑", Data: "ui:up:" + windowID},
		},
		{
			{Label: "←", Data: "ui:left:" + windowID},
			{Label: "↓", Data: "ui:down:" + windowID},
			{Label: "→", Data: "ui:right:" + windowID},
		},
		{
			{Label: "Space", Data: "ui:space:" + windowID},
			{Label: "Tab", Data: "ui:tab:" + windowID},
			{Label: "Enter", Data: "ui:enter:" + windowID},
		},
		{
			{Label: "Esc", Data: "ui:esc:" + windowID},
			{Label: "Refresh", Data: "ui:refresh:" + windowID},
		},
	}
}

// handleInteractiveUI enters interactive mode for windowID: posts the
// extracted UI region as an editable message with a keypad, and records
// which window/message the user is now interacting with.
func (p *Poller) handleInteractiveUI(ctx context.Context, userID int64, windowID string, threadID int64, status model.StatusUpdate) {
	chatID := p.binding.ResolveChatID(userID, threadID)
	opts := telegram.SendOptions{ThreadID: threadID, Keyboard: interactiveKeyboard(windowID)}
	id, err := p.telegram.SendMessage(ctx, chatID, status.RawText, opts)
	if err != nil {
		p.log.Warn("interactive UI post failed", "window_id", windowID, "err", err.Error())
		return
	}
	key := threadKey{userID, threadID}
	p.mu.Lock()
	p.interactiveWindow[key] = windowID
	p.interactiveMsgID[key] = id
	p.mu.Unlock()
}

// clearInteractiveMsg exits interactive mode for (userID, threadID),
// deleting the keypad message if one is still tracked.
func (p *Poller) clearInteractiveMsg(ctx context.Context, userID, threadID int64) {
	key := threadKey{userID, threadID}
	p.mu.Lock()
	id, hasMsg := p.interactiveMsgID[key]
	delete(p.interactiveWindow, key)
	delete(p.interactiveMsgID, key)
	p.mu.Unlock()

	if !hasMsg {
		return
	}
	chatID := p.binding.ResolveChatID(userID, threadID)
	if err := p.telegram.DeleteMessage(ctx, chatID, id); err != nil {
		p.log.Debug("interactive message cleanup failed", "err", err.Error())
	}
}

// InteractiveWindow reports the window (userID, threadID) is currently in
// interactive mode for, used by Dispatcher to route keypad callbacks.
func (p *Poller) InteractiveWindow(userID, threadID int64) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	wid, ok := p.interactiveWindow[threadKey{userID, threadID}]
	return wid, ok
}

// InteractiveMessageID returns the telegram message id of the active
// keypad message for (userID, threadID), if any.
func (p *Poller) InteractiveMessageID(userID, threadID int64) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.interactiveMsgID[threadKey{userID, threadID}]
	return id, ok
}

// RefreshInteractiveMessage re-captures windowID's pane and edits the
// tracked keypad message in place, used by Dispatcher after it sends a
// key to the pane on the user's behalf.
func (p *Poller) RefreshInteractiveMessage(ctx context.Context, userID, threadID int64, windowID string) {
	key := threadKey{userID, threadID}
	p.mu.Lock()
	id, hasMsg := p.interactiveMsgID[key]
	p.mu.Unlock()
	if !hasMsg {
		return
	}
	paneText, ok := p.tmux.CapturePane(windowID)
	if !ok {
		return
	}
	status, hasStatus := p.parseStatus(windowID, paneText)
	if !hasStatus || !status.IsInteractive {
		p.clearInteractiveMsg(ctx, userID, threadID)
		return
	}
	chatID := p.binding.ResolveChatID(userID, threadID)
	opts := telegram.SendOptions{ThreadID: threadID, Keyboard: interactiveKeyboard(windowID)}
	if err := p.telegram.EditMessageText(ctx, chatID, id, status.RawText, opts); err != nil {
		p.log.Debug("interactive UI refresh failed", "window_id", windowID, "err", err.Error())
	}
}
