package dispatcher

import (
	"context"
	"strings"
	"time"

	"github.com/beastoin/ccbot/internal/telegram"
)

const (
	bashPollInterval   = 500 * time.Millisecond
	bashCaptureTimeout = 20 * time.Second
)

// bashCapture tracks one in-flight "!"-prefixed shell-output capture.
type bashCapture struct {
	cancel context.CancelFunc
}

// startBashCapture sends a "!<cmd>" message's command to the window and
// spawns a short-lived background task that waits for the command's
// output to appear in the pane, then posts an excerpt back. Only one
// capture task runs at a time per (user, thread); starting a new one
// cancels any task already running for that pair.
func (d *Dispatcher) startBashCapture(ctx context.Context, userID, threadID, chatID int64, windowID, text string) {
	command := strings.TrimPrefix(text, "!")
	if err := d.tmux.SendKeys(windowID, text, true, true); err != nil {
		d.reply(ctx, chatID, threadID, "❌ Failed to deliver command.")
		return
	}
	d.recordHistory(userID, threadID, text)

	key := historyKey{userID, threadID}
	runCtx, cancel := context.WithTimeout(context.Background(), bashCaptureTimeout)
	task := &bashCapture{cancel: cancel}

	d.mu.Lock()
	if prev, ok := d.bashRuns[key]; ok {
		prev.cancel()
	}
	d.bashRuns[key] = task
	d.mu.Unlock()

	go d.runBashCapture(runCtx, task, key, userID, chatID, threadID, windowID, command)
}

func (d *Dispatcher) runBashCapture(ctx context.Context, task *bashCapture, key historyKey, userID, chatID, threadID int64, windowID, command string) {
	defer func() {
		d.mu.Lock()
		if d.bashRuns[key] == task {
			delete(d.bashRuns, key)
		}
		d.mu.Unlock()
		task.cancel()
	}()

	windowState := d.binding.GetWindowState(windowID)
	p := d.registry.Get(windowState.ProviderName)

	ticker := time.NewTicker(bashPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		paneText, ok := d.tmux.CapturePane(windowID)
		if !ok {
			return
		}
		output, ok := p.ExtractBashOutput(paneText, command)
		if !ok {
			continue
		}
		_, _ = d.telegram.SendMessage(ctx, chatID, "```\n"+output+"\n```", telegram.SendOptions{ThreadID: threadID})
		return
	}
}
