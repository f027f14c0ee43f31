// Package model defines the core entities shared across ccbot's
// components: windows, bindings, tracked sessions, and hook events.
package model

import "fmt"

// NotificationMode controls which status updates a window's bound user
// receives.
type NotificationMode string

const (
	NotifyAll        NotificationMode = "all"
	NotifyErrorsOnly NotificationMode = "errors_only"
	NotifyMuted      NotificationMode = "muted"
)

// Next cycles a->errors_only->muted->all.
func (m NotificationMode) Next() NotificationMode {
	switch m {
	case NotifyAll:
		return NotifyErrorsOnly
	case NotifyErrorsOnly:
		return NotifyMuted
	default:
		return NotifyAll
	}
}

// WindowState is the persisted metadata for a tmux window running one
// agent CLI instance.
type WindowState struct {
	WindowID         string           `json:"window_id"`
	WindowName       string           `json:"window_name"`
	Cwd              string           `json:"cwd"`
	ProviderName     string           `json:"provider_name"`
	SessionID        string           `json:"session_id"`
	TranscriptPath   string           `json:"transcript_path"`
	NotificationMode NotificationMode `json:"notification_mode"`
}

// EventType enumerates the hook event types ccbot reacts to.
type EventType string

const (
	EventSessionStart  EventType = "SessionStart"
	EventNotification  EventType = "Notification"
	EventStop          EventType = "Stop"
	EventSubagentStart EventType = "SubagentStart"
	EventSubagentStop  EventType = "SubagentStop"
	EventTeammateIdle  EventType = "TeammateIdle"
	EventTaskCompleted EventType = "TaskCompleted"
)

// HandledEventTypes lists the event types ccbot's hook CLI installs
// handlers for (order matters for hook-status display).
var HandledEventTypes = []EventType{
	EventSessionStart,
	EventNotification,
	EventStop,
	EventSubagentStart,
	EventSubagentStop,
	EventTeammateIdle,
	EventTaskCompleted,
}

// AsyncEventTypes are installed with `"async": true` so they never block
// the agent.
var AsyncEventTypes = map[EventType]bool{
	EventSubagentStart: true,
	EventSubagentStop:  true,
	EventTeammateIdle:  true,
	EventTaskCompleted: true,
}

// HookEvent is one line of the append-only event log.
type HookEvent struct {
	Timestamp float64        `json:"ts"`
	Event     EventType      `json:"event"`
	WindowKey string         `json:"window_key"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data"`
}

// SessionMapEntry is the hook<->monitor contract value for one window_key.
type SessionMapEntry struct {
	SessionID      string `json:"session_id"`
	Cwd            string `json:"cwd"`
	WindowName     string `json:"window_name"`
	TranscriptPath string `json:"transcript_path"`
	ProviderName   string `json:"provider_name"`
}

// WindowKey formats the "<tmux_session>:<window_id>" composite key.
func WindowKey(tmuxSession, windowID string) string {
	return fmt.Sprintf("%s:%s", tmuxSession, windowID)
}

// DirFavorites holds one user's starred and MRU directory lists.
type DirFavorites struct {
	Starred []string `json:"starred"`
	MRU     []string `json:"mru"`
}

const mruLimit = 10

// PushMRU inserts dir at the front of the MRU list, de-duplicating and
// bounding the list to mruLimit entries.
func (f *DirFavorites) PushMRU(dir string) {
	filtered := f.MRU[:0]
	for _, d := range f.MRU {
		if d != dir {
			filtered = append(filtered, d)
		}
	}
	f.MRU = append([]string{dir}, filtered...)
	if len(f.MRU) > mruLimit {
		f.MRU = f.MRU[:mruLimit]
	}
}

// AgentMessage is a parsed message lowered from a transcript entry.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentThinking   ContentType = "thinking"
	ContentToolUse    ContentType = "tool_use"
	ContentToolResult ContentType = "tool_result"
)

type AgentMessage struct {
	SessionID   string
	Role        string // "user" | "assistant"
	Text        string
	ContentType ContentType
	ToolUseID   string
	ToolName    string
}

// StatusUpdate is a parsed terminal status line or interactive-UI region.
type StatusUpdate struct {
	RawText       string
	DisplayLabel  string
	IsInteractive bool
	UIType        string
}

// SessionStartEvent is emitted when a provider session starts or is
// detected via hook.
type SessionStartEvent struct {
	SessionID      string
	Cwd            string
	TranscriptPath string
	WindowKey      string
}

// DiscoveredCommand describes one agent-side slash command or skill.
type CommandSource string

const (
	SourceBuiltin CommandSource = "builtin"
	SourceSkill   CommandSource = "skill"
	SourceCommand CommandSource = "command"
)

type DiscoveredCommand struct {
	Name        string
	Description string
	Source      CommandSource
}

// EmojiState is a topic's current lifecycle state.
type EmojiState string

const (
	StateActive EmojiState = "active"
	StateIdle   EmojiState = "idle"
	StateDone   EmojiState = "done"
	StateDead   EmojiState = "dead"
)
