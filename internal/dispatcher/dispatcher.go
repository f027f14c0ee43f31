// Package dispatcher implements Dispatcher: the inbound Telegram router.
// It gates every update against the allow-list and optional group
// constraint, then routes it to keystroke forwarding, the directory
// browser, a slash command, or a callback handler, always re-checking
// that the acting user owns the target window before mutating it.
package dispatcher

import (
	"context"
	"strings"
	"sync"

	"github.com/beastoin/ccbot/internal/binding"
	"github.com/beastoin/ccbot/internal/config"
	"github.com/beastoin/ccbot/internal/logging"
	"github.com/beastoin/ccbot/internal/provider"
	"github.com/beastoin/ccbot/internal/queue"
	"github.com/beastoin/ccbot/internal/telegram"
	"github.com/beastoin/ccbot/internal/tmuxadapter"
)

// TmuxClient is the subset of internal/tmuxadapter.Adapter Dispatcher
// drives directly.
type TmuxClient interface {
	FindWindowByID(windowID string) (tmuxadapter.Window, bool)
	ListWindows() ([]tmuxadapter.Window, error)
	CreateWindow(cwd, windowName, launchCommand, agentArgs string, startAgent bool) tmuxadapter.CreateWindowResult
	SendKeys(windowID, text string, enter, literal bool) error
	SendKeysToPane(paneID, key string, enter, literal bool, windowID string) error
	CapturePane(windowID string) (string, bool)
	KillWindow(windowID string) error
}

// TelegramClient is the subset of internal/telegram.Client Dispatcher
// drives directly, outside of MessageQueue.
type TelegramClient interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) (int, error)
	EditMessageText(ctx context.Context, chatID int64, messageID int, text string, opts telegram.SendOptions) error
	EditForumTopicName(ctx context.Context, chatID, threadID int64, name string) error
	AnswerCallbackQuery(ctx context.Context, callbackID, text string) error
	SendPhoto(ctx context.Context, chatID int64, threadID int64, filename string, data []byte, caption string) error
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// InteractivePoller is the subset of internal/statuspoller.Poller
// Dispatcher needs for keypad callback handling.
type InteractivePoller interface {
	InteractiveWindow(userID, threadID int64) (string, bool)
	InteractiveMessageID(userID, threadID int64) (int, bool)
	RefreshInteractiveMessage(ctx context.Context, userID, threadID int64, windowID string)
}

// Dispatcher routes inbound Telegram updates.
type Dispatcher struct {
	cfg      *config.Config
	binding  *binding.Manager
	tmux     TmuxClient
	registry *provider.Registry
	telegram TelegramClient
	queue    *queue.Queue
	poller   InteractivePoller
	log      *logging.Logger

	mu       sync.Mutex
	browse   map[historyKey]*browseState
	resume   map[historyKey][]resumeEntry
	history  map[historyKey][]string
	bashRuns map[historyKey]*bashCapture
}

type historyKey struct {
	userID, threadID int64
}

// New constructs a Dispatcher.
func New(cfg *config.Config, b *binding.Manager, tmux TmuxClient, registry *provider.Registry, tg TelegramClient, q *queue.Queue, poller InteractivePoller, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		binding:  b,
		tmux:     tmux,
		registry: registry,
		telegram: tg,
		queue:    q,
		poller:   poller,
		log:      log,
		browse:   map[historyKey]*browseState{},
		resume:   map[historyKey][]resumeEntry{},
		history:  map[historyKey][]string{},
		bashRuns: map[historyKey]*bashCapture{},
	}
}

// HandleUpdate is registered as internal/telegram.Client's Handler.
func (d *Dispatcher) HandleUpdate(ctx context.Context, u telegram.Update) {
	if !d.cfg.IsUserAllowed(u.UserID) {
		return
	}
	if d.cfg.HasGroupID && u.ChatID != d.cfg.GroupID {
		return
	}

	switch {
	case u.CallbackData != "":
		d.handleCallback(ctx, u)
	case u.Command != "":
		d.handleCommand(ctx, u)
	case u.PhotoFileID != "":
		d.handlePhotoUpload(ctx, u)
	case u.Text != "":
		d.handleText(ctx, u)
	}
}

// handleText forwards plain messages to a bound window, or opens the
// directory browser when the topic isn't bound yet.
func (d *Dispatcher) handleText(ctx context.Context, u telegram.Update) {
	windowID, bound := d.binding.GetWindowForThread(u.UserID, u.ThreadID)
	if !bound {
		d.openDirectoryBrowser(ctx, u.UserID, u.ThreadID, u.ChatID, u.Text)
		return
	}

	if _, ok := d.tmux.FindWindowByID(windowID); !ok {
		d.reply(ctx, u.ChatID, u.ThreadID, "❌ Session ended. Use /new to start another.")
		return
	}

	if strings.HasPrefix(u.Text, "!") {
		d.startBashCapture(ctx, u.UserID, u.ThreadID, u.ChatID, windowID, u.Text)
		return
	}

	if err := d.tmux.SendKeys(windowID, u.Text, true, true); err != nil {
		d.reply(ctx, u.ChatID, u.ThreadID, "❌ Failed to deliver message.")
		return
	}
	d.recordHistory(u.UserID, u.ThreadID, u.Text)

	if wid, ok := d.poller.InteractiveWindow(u.UserID, u.ThreadID); ok && wid == windowID {
		go func() {
			d.poller.RefreshInteractiveMessage(ctx, u.UserID, u.ThreadID, windowID)
		}()
	}
}

// ownsWindow re-checks that userID's thread binding still points at
// windowID, the ownership re-check every callback handler must perform
// before acting on a window.
func (d *Dispatcher) ownsWindow(userID, threadID int64, windowID string) bool {
	bound, ok := d.binding.GetWindowForThread(userID, threadID)
	return ok && bound == windowID
}

func (d *Dispatcher) reply(ctx context.Context, chatID, threadID int64, text string) {
	_, _ = d.telegram.SendMessage(ctx, chatID, text, telegram.SendOptions{ThreadID: threadID})
}
