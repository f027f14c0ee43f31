// Package queue implements MessageQueue: one FIFO per Telegram user,
// drained by a dedicated consumer goroutine that merges adjacent
// compatible content tasks, rate-limits sends per chat, and owns each
// window's single editable status message.
package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/beastoin/ccbot/internal/logging"
	"github.com/beastoin/ccbot/internal/markdown"
	"github.com/beastoin/ccbot/internal/telegram"
)

// mergeMaxLength bounds how large a merged content send can grow, well
// under Telegram's 4096-character message limit.
const mergeMaxLength = 4000

// messageSendInterval is the minimum gap between two sends to the same
// chat, keeping well under Telegram's per-chat rate limit.
const messageSendInterval = 50 * time.Millisecond

// TaskType distinguishes a content push from a status-message update.
type TaskType string

const (
	TaskContent      TaskType = "content"
	TaskStatusUpdate TaskType = "status_update"
)

// ContentKind classifies a content task for merge eligibility.
type ContentKind string

const (
	KindText       ContentKind = "text"
	KindThinking   ContentKind = "thinking"
	KindAssistant  ContentKind = "assistant"
	KindToolUse    ContentKind = "tool_use"
	KindToolResult ContentKind = "tool_result"
)

func mergeable(k ContentKind) bool {
	return k == KindText || k == KindThinking || k == KindAssistant
}

// MessageTask is one unit of outbound work for a user's queue.
type MessageTask struct {
	TaskType TaskType

	UserID   int64
	ChatID   int64
	WindowID string
	ThreadID int64

	// Content fields.
	Parts       []string
	ContentType ContentKind

	// Status-update fields. StatusText == "" && !Delete means "no
	// change"; Delete means remove the window's status message.
	StatusText string
	Delete     bool
	Keyboard   [][]telegram.Button
}

// Sender is the subset of internal/telegram.Client the queue drives.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) (int, error)
	EditMessageText(ctx context.Context, chatID int64, messageID int, text string, opts telegram.SendOptions) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
}

// Queue owns one FIFO + consumer goroutine per user.
type Queue struct {
	ctx    context.Context
	sender Sender
	log    *logging.Logger

	mu       sync.Mutex
	perUser  map[int64]*userQueue
	rateMu   sync.Mutex
	lastSend map[int64]time.Time
}

// New creates a Queue bound to ctx; consumer goroutines it spawns exit
// when ctx is cancelled.
func New(ctx context.Context, sender Sender, log *logging.Logger) *Queue {
	return &Queue{
		ctx:      ctx,
		sender:   sender,
		log:      log,
		perUser:  map[int64]*userQueue{},
		lastSend: map[int64]time.Time{},
	}
}

type userQueue struct {
	mu               sync.Mutex
	tasks            []MessageTask
	notify           chan struct{}
	statusMessageIDs map[string]int    // window_id -> telegram message id
	lastStatusText   map[string]string // window_id -> last sent status text
}

func newUserQueue() *userQueue {
	return &userQueue{
		notify:           make(chan struct{}, 1),
		statusMessageIDs: map[string]int{},
		lastStatusText:   map[string]string{},
	}
}

func (uq *userQueue) push(task MessageTask) {
	uq.mu.Lock()
	uq.tasks = append(uq.tasks, task)
	uq.mu.Unlock()
	select {
	case uq.notify <- struct{}{}:
	default:
	}
}

// popMergedBatch removes and returns the next unit of work: either a
// single non-content/non-mergeable task, or a run of adjacent content
// tasks sharing a window and a mergeable content type, concatenated up
// to mergeMaxLength.
func (uq *userQueue) popMergedBatch() (MessageTask, bool) {
	uq.mu.Lock()
	defer uq.mu.Unlock()

	if len(uq.tasks) == 0 {
		return MessageTask{}, false
	}
	head := uq.tasks[0]
	if head.TaskType != TaskContent || !mergeable(head.ContentType) {
		uq.tasks = uq.tasks[1:]
		return head, true
	}

	merged := head
	parts := append([]string{}, head.Parts...)
	total := len(strings.Join(parts, ""))
	consumed := 1
	for consumed < len(uq.tasks) {
		next := uq.tasks[consumed]
		if next.TaskType != TaskContent || next.WindowID != head.WindowID || !mergeable(next.ContentType) {
			break
		}
		addLen := len(strings.Join(next.Parts, ""))
		if total+addLen > mergeMaxLength {
			break
		}
		parts = append(parts, next.Parts...)
		total += addLen
		consumed++
	}
	merged.Parts = parts
	uq.tasks = uq.tasks[consumed:]
	return merged, true
}

// Empty reports whether userID's FIFO currently has no pending tasks,
// used by StatusPoller to avoid competing with in-flight content sends.
func (q *Queue) Empty(userID int64) bool {
	q.mu.Lock()
	uq, ok := q.perUser[userID]
	q.mu.Unlock()
	if !ok {
		return true
	}
	uq.mu.Lock()
	defer uq.mu.Unlock()
	return len(uq.tasks) == 0
}

// Enqueue adds a task to its user's FIFO, starting that user's consumer
// goroutine on first use.
func (q *Queue) Enqueue(task MessageTask) {
	q.mu.Lock()
	uq, ok := q.perUser[task.UserID]
	if !ok {
		uq = newUserQueue()
		q.perUser[task.UserID] = uq
		go q.consume(task.UserID, uq)
	}
	q.mu.Unlock()
	uq.push(task)
}

func (q *Queue) consume(userID int64, uq *userQueue) {
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-uq.notify:
			for {
				task, ok := uq.popMergedBatch()
				if !ok {
					break
				}
				q.process(uq, task)
			}
		}
	}
}

func (q *Queue) process(uq *userQueue, task MessageTask) {
	q.waitRateLimit(task.ChatID)

	switch task.TaskType {
	case TaskStatusUpdate:
		q.processStatusUpdate(uq, task)
	default:
		q.processContent(task)
	}
}

func (q *Queue) waitRateLimit(chatID int64) {
	q.rateMu.Lock()
	last, ok := q.lastSend[chatID]
	q.rateMu.Unlock()
	if ok {
		if wait := messageSendInterval - time.Since(last); wait > 0 {
			time.Sleep(wait)
		}
	}
	q.rateMu.Lock()
	q.lastSend[chatID] = time.Now()
	q.rateMu.Unlock()
}

func (q *Queue) processContent(task MessageTask) {
	text := strings.Join(task.Parts, "")
	if text == "" {
		return
	}
	opts := telegram.SendOptions{ThreadID: task.ThreadID, ParseMode: "HTML"}
	_, err := q.sender.SendMessage(q.ctx, task.ChatID, markdown.ToHTML(text), opts)
	if err == nil {
		return
	}
	if q.log != nil {
		q.log.Warn("send failed with HTML parse mode, retrying as plaintext", "err", err.Error())
	}
	plain := telegram.SendOptions{ThreadID: task.ThreadID}
	if _, err := q.sender.SendMessage(q.ctx, task.ChatID, text, plain); err != nil && q.log != nil {
		q.log.Error("plaintext retry failed", "err", err.Error())
	}
}

func (q *Queue) processStatusUpdate(uq *userQueue, task MessageTask) {
	uq.mu.Lock()
	existingID, hasExisting := uq.statusMessageIDs[task.WindowID]
	lastText := uq.lastStatusText[task.WindowID]
	uq.mu.Unlock()

	if task.Delete {
		if hasExisting {
			_ = q.sender.DeleteMessage(q.ctx, task.ChatID, existingID)
			uq.mu.Lock()
			delete(uq.statusMessageIDs, task.WindowID)
			delete(uq.lastStatusText, task.WindowID)
			uq.mu.Unlock()
		}
		return
	}

	if hasExisting && task.StatusText == lastText {
		return
	}

	opts := telegram.SendOptions{ThreadID: task.ThreadID, Keyboard: task.Keyboard}
	if hasExisting {
		if err := q.sender.EditMessageText(q.ctx, task.ChatID, existingID, task.StatusText, opts); err != nil {
			if q.log != nil {
				q.log.Warn("status edit failed", "window_id", task.WindowID, "err", err.Error())
			}
			return
		}
	} else {
		id, err := q.sender.SendMessage(q.ctx, task.ChatID, task.StatusText, opts)
		if err != nil {
			if q.log != nil {
				q.log.Warn("status send failed", "window_id", task.WindowID, "err", err.Error())
			}
			return
		}
		uq.mu.Lock()
		uq.statusMessageIDs[task.WindowID] = id
		uq.mu.Unlock()
	}
	uq.mu.Lock()
	uq.lastStatusText[task.WindowID] = task.StatusText
	uq.mu.Unlock()
}

// ClearStatus forgets window's status message without sending a delete,
// used when a window is torn down after its topic is already gone.
func (q *Queue) ClearStatus(userID int64, windowID string) {
	q.mu.Lock()
	uq, ok := q.perUser[userID]
	q.mu.Unlock()
	if !ok {
		return
	}
	uq.mu.Lock()
	delete(uq.statusMessageIDs, windowID)
	delete(uq.lastStatusText, windowID)
	uq.mu.Unlock()
}
