package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/beastoin/ccbot/internal/telegram"
)

// handlePhotoUpload downloads an inbound photo into the config directory's
// uploads folder and drops its path into the bound window as a message,
// mirroring the original bridge's "I've uploaded an image" handoff. Kept
// deliberately minimal: peripheral UX, not part of the core engine.
func (d *Dispatcher) handlePhotoUpload(ctx context.Context, u telegram.Update) {
	windowID, bound := d.binding.GetWindowForThread(u.UserID, u.ThreadID)
	if !bound {
		d.reply(ctx, u.ChatID, u.ThreadID, "❌ No active session. Use /new first.")
		return
	}
	if _, ok := d.tmux.FindWindowByID(windowID); !ok {
		d.reply(ctx, u.ChatID, u.ThreadID, "❌ Session ended. Use /new to start another.")
		return
	}

	data, err := d.telegram.DownloadFile(ctx, u.PhotoFileID)
	if err != nil {
		d.log.Warn("failed to download photo", "err", err.Error())
		d.reply(ctx, u.ChatID, u.ThreadID, "❌ Failed to download image.")
		return
	}

	dir := filepath.Join(d.cfg.ConfigDir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.log.Warn("failed to create uploads dir", "err", err.Error())
		d.reply(ctx, u.ChatID, u.ThreadID, "❌ Failed to store image.")
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.jpg", itoa64(u.ThreadID), u.PhotoFileID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		d.log.Warn("failed to write uploaded photo", "err", err.Error())
		d.reply(ctx, u.ChatID, u.ThreadID, "❌ Failed to store image.")
		return
	}

	msg := fmt.Sprintf("I've uploaded an image to %s — please take a look.", path)
	if err := d.tmux.SendKeys(windowID, msg, true, true); err != nil {
		d.reply(ctx, u.ChatID, u.ThreadID, "❌ Failed to deliver message.")
		return
	}
	d.recordHistory(u.UserID, u.ThreadID, msg)
}

func itoa64(n int64) string { return itoa(int(n)) }
