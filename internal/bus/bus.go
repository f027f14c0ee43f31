// Package bus is a small typed publish/subscribe hub that fans the
// SessionMonitor's events out to every interested component
// (StatusPoller, Dispatcher, MessageQueue) without those components
// importing each other. It is the concrete realization of ccbot's event
// bus: SessionMonitor publishes NewMessage/NewWindow/HookEvent once, and
// any number of subscribers receive their own copy, subscribed in
// whatever order app wiring registers them.
package bus

import (
	"sync"

	"github.com/beastoin/ccbot/internal/model"
	"github.com/beastoin/ccbot/internal/monitor"
)

// Bus holds subscriber lists for each event type SessionMonitor emits.
type Bus struct {
	mu            sync.RWMutex
	messageSubs   []func(monitor.NewMessage)
	newWindowSubs []func(monitor.NewWindowEvent)
	hookEventSubs []func(model.HookEvent)
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// OnMessage registers a subscriber for NewMessage events.
func (b *Bus) OnMessage(fn func(monitor.NewMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messageSubs = append(b.messageSubs, fn)
}

// OnNewWindow registers a subscriber for NewWindowEvent events.
func (b *Bus) OnNewWindow(fn func(monitor.NewWindowEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.newWindowSubs = append(b.newWindowSubs, fn)
}

// OnHookEvent registers a subscriber for raw HookEvents.
func (b *Bus) OnHookEvent(fn func(model.HookEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hookEventSubs = append(b.hookEventSubs, fn)
}

// PublishMessage fans a NewMessage out to every subscriber, in
// registration order, on the calling goroutine (the monitor's single
// poll loop), matching spec's per-session transcript ordering guarantee.
func (b *Bus) PublishMessage(msg monitor.NewMessage) {
	b.mu.RLock()
	subs := append([]func(monitor.NewMessage){}, b.messageSubs...)
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(msg)
	}
}

// PublishNewWindow fans a NewWindowEvent out to every subscriber.
func (b *Bus) PublishNewWindow(evt monitor.NewWindowEvent) {
	b.mu.RLock()
	subs := append([]func(monitor.NewWindowEvent){}, b.newWindowSubs...)
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(evt)
	}
}

// PublishHookEvent fans a HookEvent out to every subscriber.
func (b *Bus) PublishHookEvent(evt model.HookEvent) {
	b.mu.RLock()
	subs := append([]func(model.HookEvent){}, b.hookEventSubs...)
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(evt)
	}
}

// Wire connects m's single-callback hooks to this bus's fan-out, so
// SetMessageCallback/SetNewWindowCallback/SetHookEventCallback each have
// exactly one registration (the bus), and any number of real subscribers
// attach to the bus instead.
func Wire(m *monitor.Monitor, b *Bus) {
	m.SetMessageCallback(b.PublishMessage)
	m.SetNewWindowCallback(b.PublishNewWindow)
	m.SetHookEventCallback(b.PublishHookEvent)
}
