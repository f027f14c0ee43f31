// Package app wires ccbot's components into a running process: the
// session monitor, the event bus fanning its output to subscribers, the
// status poller, the outbound message queue, the inbound dispatcher, and
// the Telegram client, plus the startup migration and shutdown flush
// that keep state.json consistent with the live tmux session.
package app

import (
	"context"
	"fmt"

	"github.com/beastoin/ccbot/internal/binding"
	"github.com/beastoin/ccbot/internal/bus"
	"github.com/beastoin/ccbot/internal/config"
	"github.com/beastoin/ccbot/internal/dispatcher"
	"github.com/beastoin/ccbot/internal/logging"
	"github.com/beastoin/ccbot/internal/monitor"
	"github.com/beastoin/ccbot/internal/provider"
	"github.com/beastoin/ccbot/internal/queue"
	"github.com/beastoin/ccbot/internal/statuspoller"
	"github.com/beastoin/ccbot/internal/telegram"
	"github.com/beastoin/ccbot/internal/tmuxadapter"
)

// App holds every wired component for the serve command.
type App struct {
	cfg      *config.Config
	log      *logging.Logger
	binding  *binding.Manager
	tmux     *tmuxadapter.Adapter
	registry *provider.Registry
	monitor  *monitor.Monitor
	bus      *bus.Bus
	queue    *queue.Queue
	poller   *statuspoller.Poller
	dispatch *dispatcher.Dispatcher
	telegram *telegram.Client
}

// New wires every component together. ctx bounds the lifetime of the
// queue's per-user consumer goroutines, which is why it is threaded in
// at construction rather than only at Run.
func New(ctx context.Context, cfg *config.Config, log *logging.Logger) (*App, error) {
	b := binding.New(cfg, log)

	tmux := tmuxadapter.New(cfg.TmuxSessionName)
	if err := tmux.GetOrCreateSession(); err != nil {
		return nil, fmt.Errorf("prepare tmux session: %w", err)
	}

	registry := provider.NewRegistry(log)

	mon := monitor.New(cfg, tmux, registry, log)
	mon.SetProviderForWindow(func(windowID string) provider.Provider {
		return registry.Get(b.GetWindowState(windowID).ProviderName)
	})
	mon.SetBoundChecker(func(windowID string) bool {
		for _, tb := range b.IterThreadBindings() {
			if tb.WindowID == windowID {
				return true
			}
		}
		return false
	})

	eventBus := bus.New()
	bus.Wire(mon, eventBus)

	// dispatchRef breaks the construction cycle: telegram.Client needs a
	// Handler up front, but Dispatcher needs the Client it will drive.
	var dispatchRef *dispatcher.Dispatcher
	handler := func(ctx context.Context, u telegram.Update) {
		if dispatchRef != nil {
			dispatchRef.HandleUpdate(ctx, u)
		}
	}
	tg, err := telegram.New(cfg.TelegramBotToken, log, handler)
	if err != nil {
		return nil, fmt.Errorf("create telegram client: %w", err)
	}

	q := queue.New(ctx, tg, log)
	poller := statuspoller.New(cfg, b, tmux, registry, tg, q, mon, log)
	dispatchRef = dispatcher.New(cfg, b, tmux, registry, tg, q, poller, log)

	eventBus.OnMessage(func(nm monitor.NewMessage) {
		deliverMessage(b, q, nm)
	})
	eventBus.OnNewWindow(func(evt monitor.NewWindowEvent) {
		log.Info("window discovered", "window_id", evt.WindowID, "session_id", evt.SessionID, "cwd", evt.Cwd)
	})
	eventBus.OnHookEvent(poller.HandleHookEvent)

	a := &App{
		cfg: cfg, log: log,
		binding: b, tmux: tmux, registry: registry,
		monitor: mon, bus: eventBus, queue: q,
		poller: poller, dispatch: dispatchRef, telegram: tg,
	}
	a.migrateBindings()
	return a, nil
}

// deliverMessage fans one transcript-derived message out to every
// (user, thread) currently bound to its session, merging content through
// MessageQueue the same way every other content path does.
func deliverMessage(b *binding.Manager, q *queue.Queue, nm monitor.NewMessage) {
	kind := queue.KindText
	switch nm.ContentType {
	case "thinking":
		kind = queue.KindThinking
	case "tool_use":
		kind = queue.KindToolUse
	case "tool_result":
		kind = queue.KindToolResult
	default:
		if nm.Role == "assistant" {
			kind = queue.KindAssistant
		}
	}

	for _, su := range b.FindUsersForSession(nm.SessionID) {
		q.Enqueue(queue.MessageTask{
			TaskType:    queue.TaskContent,
			UserID:      su.UserID,
			ChatID:      b.ResolveChatID(su.UserID, su.ThreadID),
			WindowID:    su.WindowID,
			ThreadID:    su.ThreadID,
			Parts:       []string{nm.Text},
			ContentType: kind,
		})
	}
}

// migrateBindings re-resolves persisted bindings whose tmux window ids
// no longer exist (e.g. after a tmux server restart), then prunes
// session_map.json entries for windows that are no longer live.
func (a *App) migrateBindings() {
	windows, err := a.tmux.ListWindows()
	if err != nil {
		a.log.Warn("failed to list tmux windows at startup", "err", err.Error())
		return
	}
	live := make([]binding.LiveWindow, 0, len(windows))
	liveIDs := make(map[string]bool, len(windows))
	for _, w := range windows {
		live = append(live, binding.LiveWindow{WindowID: w.WindowID, WindowName: w.WindowName})
		liveIDs[w.WindowID] = true
	}
	a.binding.MigrateOnStartup(live)
	a.binding.LoadSessionMap()
	a.binding.PruneSessionMap(liveIDs)
}

// Run blocks until ctx is cancelled, then flushes persisted state.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		errCh <- a.monitor.Run(ctx)
	}()
	go func() {
		errCh <- a.poller.Run(ctx)
	}()
	go a.telegram.Run(ctx)

	select {
	case <-ctx.Done():
		a.binding.Flush()
		return nil
	case err := <-errCh:
		a.binding.Flush()
		return err
	}
}
