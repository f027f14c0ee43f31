package bus

import (
	"testing"

	"github.com/beastoin/ccbot/internal/model"
	"github.com/beastoin/ccbot/internal/monitor"
)

func TestPublishMessageFansOutInOrder(t *testing.T) {
	b := New()
	var got []string
	b.OnMessage(func(m monitor.NewMessage) { got = append(got, "a:"+m.Text) })
	b.OnMessage(func(m monitor.NewMessage) { got = append(got, "b:"+m.Text) })

	b.PublishMessage(monitor.NewMessage{AgentMessage: model.AgentMessage{Text: "hi"}})

	if len(got) != 2 || got[0] != "a:hi" || got[1] != "b:hi" {
		t.Errorf("got = %v", got)
	}
}

func TestPublishNewWindowNoSubscribers(t *testing.T) {
	b := New()
	b.PublishNewWindow(monitor.NewWindowEvent{WindowID: "@1"})
}

func TestPublishHookEventFansOut(t *testing.T) {
	b := New()
	var count int
	b.OnHookEvent(func(model.HookEvent) { count++ })
	b.OnHookEvent(func(model.HookEvent) { count++ })

	b.PublishHookEvent(model.HookEvent{Event: model.EventStop})

	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}
