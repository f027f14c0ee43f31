// Package statuspoller implements StatusPoller: a 1s background loop that,
// for every thread binding, probes its topic for existence, detects a dead
// tmux window, syncs a renamed window's name to its Telegram topic, parses
// the pane for a status line or an interactive UI, and drives a topic
// emoji state machine (active/idle/done/dead) with auto-close timers.
// It also reacts to hook events dispatched from the session monitor.
package statuspoller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/beastoin/ccbot/internal/binding"
	"github.com/beastoin/ccbot/internal/config"
	"github.com/beastoin/ccbot/internal/logging"
	"github.com/beastoin/ccbot/internal/model"
	"github.com/beastoin/ccbot/internal/provider"
	"github.com/beastoin/ccbot/internal/queue"
	"github.com/beastoin/ccbot/internal/screenbuffer"
	"github.com/beastoin/ccbot/internal/telegram"
	"github.com/beastoin/ccbot/internal/tmuxadapter"
)

const (
	pollInterval       = 1 * time.Second
	topicCheckInterval = 60 * time.Second
	backoffMin         = 2 * time.Second
	backoffMax         = 30 * time.Second

	typingInterval    = 4 * time.Second
	idleClearDelay    = 10 * time.Second
	activityThreshold = 10 * time.Second
	startupTimeout    = 30 * time.Second
	notificationDelay = 300 * time.Millisecond

	screenCols = 200
	screenRows = 50
)

var shellCommands = map[string]bool{
	"bash": true, "zsh": true, "fish": true, "sh": true,
	"dash": true, "tcsh": true, "csh": true, "ksh": true,
}

func isShellPrompt(paneCurrentCommand string) bool {
	name := paneCurrentCommand
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	return shellCommands[name]
}

func stateEmoji(state model.EmojiState) string {
	switch state {
	case model.StateActive:
		return "\U0001f7e2"
	case model.StateIdle:
		return "⚪"
	case model.StateDone:
		return "✅"
	case model.StateDead:
		return "\U0001f480"
	default:
		return ""
	}
}

const idleStatusText = "✓ Ready"

// TmuxClient is the subset of internal/tmuxadapter.Adapter StatusPoller
// drives directly.
type TmuxClient interface {
	FindWindowByID(windowID string) (tmuxadapter.Window, bool)
	ListWindows() ([]tmuxadapter.Window, error)
	CapturePane(windowID string) (string, bool)
	GetPaneTitle(windowID string) (string, bool)
	KillWindow(windowID string) error
}

// TelegramClient is the subset of internal/telegram.Client StatusPoller
// drives directly, outside of MessageQueue.
type TelegramClient interface {
	SendChatAction(ctx context.Context, chatID, threadID int64, action string) error
	EditForumTopicName(ctx context.Context, chatID, threadID int64, name string) error
	CloseForumTopic(ctx context.Context, chatID, threadID int64) error
	ProbeTopic(ctx context.Context, chatID, threadID int64) error
	SendMessage(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) (int, error)
	EditMessageText(ctx context.Context, chatID int64, messageID int, text string, opts telegram.SendOptions) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
}

// ActivityChecker reports the last time a session's transcript changed,
// satisfied by internal/monitor.Monitor.
type ActivityChecker interface {
	GetLastActivity(sessionID string) (time.Time, bool)
}

type threadKey struct {
	userID, threadID int64
}

type deadKey struct {
	userID, threadID int64
	windowID         string
}

type idleClearEntry struct {
	windowID  string
	enteredAt time.Time
}

type autocloseEntry struct {
	state     model.EmojiState
	enteredAt time.Time
}

// Poller runs the per-binding poll loop.
type Poller struct {
	cfg      *config.Config
	binding  *binding.Manager
	tmux     TmuxClient
	registry *provider.Registry
	telegram TelegramClient
	queue    *queue.Queue
	activity ActivityChecker
	log      *logging.Logger

	mu sync.Mutex

	ctx context.Context

	screenBufs        map[string]*screenbuffer.Buffer
	hasSeenStatus     map[string]bool
	startupTimes      map[string]time.Time
	idleStatusCleared map[string]bool
	subagents         map[string]map[string]bool

	lastTypingSent  map[threadKey]time.Time
	idleClearTimers map[threadKey]idleClearEntry
	autocloseTimers map[threadKey]autocloseEntry
	deadNotified    map[deadKey]bool

	interactiveWindow map[threadKey]string
	interactiveMsgID  map[threadKey]int

	lastTopicTitle map[int64]string

	unboundWindowTimers map[string]time.Time
}

// New constructs a Poller. activity may be nil in tests that don't
// exercise the transcript-activity fallback.
func New(cfg *config.Config, b *binding.Manager, tmux TmuxClient, registry *provider.Registry, tg TelegramClient, q *queue.Queue, activity ActivityChecker, log *logging.Logger) *Poller {
	return &Poller{
		cfg:                 cfg,
		binding:             b,
		tmux:                tmux,
		registry:            registry,
		telegram:            tg,
		queue:               q,
		activity:            activity,
		log:                 log,
		ctx:                 context.Background(),
		screenBufs:          map[string]*screenbuffer.Buffer{},
		hasSeenStatus:       map[string]bool{},
		startupTimes:        map[string]time.Time{},
		idleStatusCleared:   map[string]bool{},
		subagents:           map[string]map[string]bool{},
		lastTypingSent:      map[threadKey]time.Time{},
		idleClearTimers:     map[threadKey]idleClearEntry{},
		autocloseTimers:     map[threadKey]autocloseEntry{},
		deadNotified:        map[deadKey]bool{},
		interactiveWindow:   map[threadKey]string{},
		interactiveMsgID:    map[threadKey]int{},
		lastTopicTitle:      map[int64]string{},
		unboundWindowTimers: map[string]time.Time{},
	}
}

// Run blocks, polling every binding until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	p.log.Info("status poller started", "interval", pollInterval.String())
	lastTopicCheck := time.Time{}
	errorStreak := 0

	for {
		select {
		case <-ctx.Done():
			p.log.Info("status poller stopped")
			return nil
		default:
		}

		if err := p.cycle(ctx, &lastTopicCheck); err != nil {
			p.log.Error("status poll loop error", "err", err.Error())
			delay := backoffMin * time.Duration(1<<errorStreak)
			if delay > backoffMax {
				delay = backoffMax
			}
			errorStreak++
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		errorStreak = 0

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pollInterval):
		}
	}
}

func (p *Poller) cycle(ctx context.Context, lastTopicCheck *time.Time) error {
	now := time.Now()
	if now.Sub(*lastTopicCheck) >= topicCheckInterval {
		*lastTopicCheck = now
		p.probeTopics(ctx)
	}

	for _, tb := range p.binding.IterThreadBindings() {
		p.pollBinding(ctx, tb.UserID, tb.ThreadID, tb.WindowID)
	}

	p.checkAutocloseTimers(ctx)
	p.checkIdleClearTimers(ctx)
	p.checkUnboundWindowTTL(ctx)
	return nil
}

// probeTopics issues a harmless write against every bound topic to detect
// one that was deleted out-of-band, cleaning up state for any it finds.
func (p *Poller) probeTopics(ctx context.Context) {
	for _, tb := range p.binding.IterThreadBindings() {
		chatID := p.binding.ResolveChatID(tb.UserID, tb.ThreadID)
		if err := p.telegram.ProbeTopic(ctx, chatID, tb.ThreadID); err != nil {
			if !strings.Contains(err.Error(), "Topic_id_invalid") {
				p.log.Debug("topic probe error", "window_id", tb.WindowID, "err", err.Error())
				continue
			}
			if w, ok := p.tmux.FindWindowByID(tb.WindowID); ok {
				_ = p.tmux.KillWindow(w.WindowID)
			}
			p.binding.UnbindThread(tb.UserID, tb.ThreadID)
			p.clearTopicState(tb.UserID, tb.ThreadID, tb.WindowID)
			p.log.Info("topic deleted: killed window and unbound thread", "window_id", tb.WindowID, "thread_id", tb.ThreadID, "user_id", tb.UserID)
		}
	}
}

func (p *Poller) pollBinding(ctx context.Context, userID, threadID int64, windowID string) {
	dk := deadKey{userID, threadID, windowID}
	p.mu.Lock()
	alreadyDead := p.deadNotified[dk]
	p.mu.Unlock()
	if alreadyDead {
		return
	}

	if _, ok := p.tmux.FindWindowByID(windowID); !ok {
		p.handleDeadWindowNotification(ctx, userID, threadID, windowID)
		return
	}

	if !p.queue.Empty(userID) {
		return
	}

	p.updateStatusMessage(ctx, userID, windowID, threadID)
}

// clearTopicState forgets every piece of per-topic state kept by the
// poller, used when a topic's window is torn down.
func (p *Poller) clearTopicState(userID, threadID int64, windowID string) {
	key := threadKey{userID, threadID}
	p.mu.Lock()
	delete(p.hasSeenStatus, windowID)
	delete(p.startupTimes, windowID)
	delete(p.idleStatusCleared, windowID)
	delete(p.subagents, windowID)
	delete(p.screenBufs, windowID)
	delete(p.lastTypingSent, key)
	delete(p.idleClearTimers, key)
	delete(p.autocloseTimers, key)
	delete(p.interactiveWindow, key)
	delete(p.interactiveMsgID, key)
	delete(p.lastTopicTitle, threadID)
	for dk := range p.deadNotified {
		if dk.userID == userID && dk.threadID == threadID {
			delete(p.deadNotified, dk)
		}
	}
	p.mu.Unlock()
	p.queue.ClearStatus(userID, windowID)
}

func (p *Poller) handleDeadWindowNotification(ctx context.Context, userID, threadID int64, windowID string) {
	dk := deadKey{userID, threadID, windowID}
	p.mu.Lock()
	if p.deadNotified[dk] {
		p.mu.Unlock()
		return
	}
	delete(p.hasSeenStatus, windowID)
	p.mu.Unlock()

	chatID := p.binding.ResolveChatID(userID, threadID)
	display := p.binding.GetDisplayName(windowID)
	p.updateTopicEmoji(ctx, chatID, threadID, model.StateDead, display)
	p.startAutocloseTimer(userID, threadID, model.StateDead)

	state := p.binding.GetWindowState(windowID)
	text := fmt.Sprintf("⚠ Session `%s` ended.", display)
	var keyboard [][]telegram.Button
	if state.Cwd != "" {
		text = fmt.Sprintf("⚠ Session `%s` ended.\n\U0001f4c2 `%s`\n\nTap a button or send a message to recover.", display, state.Cwd)
		keyboard = recoveryKeyboard(windowID)
	}
	if _, err := p.telegram.SendMessage(ctx, chatID, text, telegram.SendOptions{ThreadID: threadID, Keyboard: keyboard}); err != nil {
		p.log.Warn("dead window notification failed", "window_id", windowID, "err", err.Error())
		return
	}
	p.mu.Lock()
	p.deadNotified[dk] = true
	p.mu.Unlock()
}

// recoveryKeyboard builds the resume/restart/new/kill affordance shown
// alongside a dead-window notification.
func recoveryKeyboard(windowID string) [][]telegram.Button {
	return [][]telegram.Button{{
		{Label: "Resume", Data: "recover:resume:" + windowID},
		{Label: "Restart", Data: "recover:restart:" + windowID},
		{Label: "New session", Data: "recover:new:" + windowID},
		{Label: "Kill", Data: "recover:kill:" + windowID},
	}}
}

func windowIDFromKey(windowKey string) string {
	if idx := strings.LastIndex(windowKey, ":"); idx >= 0 {
		return windowKey[idx+1:]
	}
	return windowKey
}
