package queue

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/beastoin/ccbot/internal/logging"
	"github.com/beastoin/ccbot/internal/telegram"
)

func TestPopMergedBatchMergesAdjacentText(t *testing.T) {
	uq := newUserQueue()
	uq.push(MessageTask{TaskType: TaskContent, WindowID: "@1", ContentType: KindText, Parts: []string{"hello "}})
	uq.push(MessageTask{TaskType: TaskContent, WindowID: "@1", ContentType: KindThinking, Parts: []string{"world"}})

	merged, ok := uq.popMergedBatch()
	if !ok {
		t.Fatal("expected a batch")
	}
	if got := merged.Parts; len(got) != 2 || got[0] != "hello " || got[1] != "world" {
		t.Errorf("Parts = %+v", got)
	}
	if _, ok := uq.popMergedBatch(); ok {
		t.Error("expected queue to be drained after merge")
	}
}

func TestPopMergedBatchStopsAtDifferentWindow(t *testing.T) {
	uq := newUserQueue()
	uq.push(MessageTask{TaskType: TaskContent, WindowID: "@1", ContentType: KindText, Parts: []string{"a"}})
	uq.push(MessageTask{TaskType: TaskContent, WindowID: "@2", ContentType: KindText, Parts: []string{"b"}})

	merged, _ := uq.popMergedBatch()
	if len(merged.Parts) != 1 || merged.Parts[0] != "a" {
		t.Errorf("expected merge to stop at window boundary, got %+v", merged.Parts)
	}
	next, ok := uq.popMergedBatch()
	if !ok || len(next.Parts) != 1 || next.Parts[0] != "b" {
		t.Errorf("expected second window's task preserved, got %+v, %v", next, ok)
	}
}

func TestPopMergedBatchStopsAtToolUse(t *testing.T) {
	uq := newUserQueue()
	uq.push(MessageTask{TaskType: TaskContent, WindowID: "@1", ContentType: KindText, Parts: []string{"a"}})
	uq.push(MessageTask{TaskType: TaskContent, WindowID: "@1", ContentType: KindToolUse, Parts: []string{"Bash"}})
	uq.push(MessageTask{TaskType: TaskContent, WindowID: "@1", ContentType: KindText, Parts: []string{"b"}})

	merged, _ := uq.popMergedBatch()
	if len(merged.Parts) != 1 || merged.Parts[0] != "a" {
		t.Errorf("expected merge to stop before tool_use, got %+v", merged.Parts)
	}
	toolTask, _ := uq.popMergedBatch()
	if toolTask.ContentType != KindToolUse {
		t.Errorf("expected tool_use task preserved standalone, got %+v", toolTask)
	}
	textTask, ok := uq.popMergedBatch()
	if !ok || len(textTask.Parts) != 1 || textTask.Parts[0] != "b" {
		t.Errorf("expected trailing text task preserved, got %+v", textTask)
	}
}

func TestPopMergedBatchRespectsMaxLength(t *testing.T) {
	uq := newUserQueue()
	big := make([]byte, mergeMaxLength-10)
	for i := range big {
		big[i] = 'x'
	}
	uq.push(MessageTask{TaskType: TaskContent, WindowID: "@1", ContentType: KindText, Parts: []string{string(big)}})
	uq.push(MessageTask{TaskType: TaskContent, WindowID: "@1", ContentType: KindText, Parts: []string{"overflow-chunk-longer-than-remaining-budget"}})

	merged, _ := uq.popMergedBatch()
	if len(merged.Parts) != 1 {
		t.Errorf("expected second chunk to be excluded once max length would be exceeded, got %d parts", len(merged.Parts))
	}
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	edited  []string
	deleted []int
	nextID  int
	calls   chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{calls: make(chan struct{}, 16)}
}

func (f *fakeSender) SendMessage(_ context.Context, _ int64, text string, _ telegram.SendOptions) (int, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.nextID++
	id := f.nextID
	f.mu.Unlock()
	f.calls <- struct{}{}
	return id, nil
}

func (f *fakeSender) EditMessageText(_ context.Context, _ int64, _ int, text string, _ telegram.SendOptions) error {
	f.mu.Lock()
	f.edited = append(f.edited, text)
	f.mu.Unlock()
	f.calls <- struct{}{}
	return nil
}

func (f *fakeSender) DeleteMessage(_ context.Context, _ int64, id int) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
	f.calls <- struct{}{}
	return nil
}

func (f *fakeSender) waitForCall(t *testing.T) {
	t.Helper()
	select {
	case <-f.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sender call")
	}
}

func TestEnqueueSendsContent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := newFakeSender()
	q := New(ctx, sender, logging.New(&bytes.Buffer{}))

	q.Enqueue(MessageTask{TaskType: TaskContent, UserID: 1, ChatID: 100, WindowID: "@1", ContentType: KindText, Parts: []string{"hi"}})
	sender.waitForCall(t)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || sender.sent[0] != "hi" {
		t.Errorf("sent = %+v", sender.sent)
	}
}

func TestStatusUpdateSendsThenEditsThenSkipsUnchanged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := newFakeSender()
	q := New(ctx, sender, logging.New(&bytes.Buffer{}))

	q.Enqueue(MessageTask{TaskType: TaskStatusUpdate, UserID: 1, ChatID: 100, WindowID: "@1", StatusText: "running"})
	sender.waitForCall(t)

	q.Enqueue(MessageTask{TaskType: TaskStatusUpdate, UserID: 1, ChatID: 100, WindowID: "@1", StatusText: "done"})
	sender.waitForCall(t)

	q.Enqueue(MessageTask{TaskType: TaskStatusUpdate, UserID: 1, ChatID: 100, WindowID: "@1", StatusText: "done"})
	select {
	case <-sender.calls:
		t.Fatal("expected no-op for unchanged status text")
	case <-time.After(150 * time.Millisecond):
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || sender.sent[0] != "running" {
		t.Errorf("sent = %+v, want [running]", sender.sent)
	}
	if len(sender.edited) != 1 || sender.edited[0] != "done" {
		t.Errorf("edited = %+v, want [done]", sender.edited)
	}
}

func TestEmptyReportsTrueForUnknownAndDrainedUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := newFakeSender()
	q := New(ctx, sender, logging.New(&bytes.Buffer{}))

	if !q.Empty(42) {
		t.Error("expected Empty for a user with no queue yet")
	}

	q.Enqueue(MessageTask{TaskType: TaskContent, UserID: 42, ChatID: 100, WindowID: "@1", ContentType: KindText, Parts: []string{"hi"}})
	sender.waitForCall(t)

	time.Sleep(20 * time.Millisecond)
	if !q.Empty(42) {
		t.Error("expected Empty once the task has been processed")
	}
}

func TestStatusUpdateDeleteRemovesMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := newFakeSender()
	q := New(ctx, sender, logging.New(&bytes.Buffer{}))

	q.Enqueue(MessageTask{TaskType: TaskStatusUpdate, UserID: 1, ChatID: 100, WindowID: "@1", StatusText: "running"})
	sender.waitForCall(t)

	q.Enqueue(MessageTask{TaskType: TaskStatusUpdate, UserID: 1, ChatID: 100, WindowID: "@1", Delete: true})
	sender.waitForCall(t)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.deleted) != 1 {
		t.Errorf("deleted = %+v, want 1 entry", sender.deleted)
	}
}
