// Package provider normalizes the differences between agent CLIs
// (Claude Code, Codex, Gemini) behind one interface: launch-argument
// syntax, hook payload parsing, transcript format, and terminal status/UI
// detection.
package provider

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/beastoin/ccbot/internal/model"
)

// Capabilities is an immutable descriptor of what a provider supports.
type Capabilities struct {
	Name                         string
	LaunchCommand                string
	SupportsHook                 bool
	SupportsResume               bool
	SupportsContinue             bool
	SupportsStructuredTranscript bool
	TranscriptFormat             string // "jsonl" | "plain"
	TerminalUIPatterns           []string
	BuiltinCommands              []string
}

// Provider is the interface every agent CLI backend implements.
type Provider interface {
	Capabilities() Capabilities

	// MakeLaunchArgs builds the CLI argument string for launching the
	// agent. resumeID must match resumeIDPattern or an error is returned.
	MakeLaunchArgs(resumeID string, useContinue bool) (string, error)

	// ParseHookPayload converts a hook's stdin JSON into a
	// SessionStartEvent. ok is false for invalid payloads or providers
	// with no SessionStart hook.
	ParseHookPayload(payload map[string]any) (event model.SessionStartEvent, ok bool)

	// ParseTranscriptLine parses one raw transcript line into a
	// structured map. ok is false for empty, invalid, or skipped lines.
	ParseTranscriptLine(line string) (entry map[string]any, ok bool)

	// ParseTranscriptEntries lowers raw transcript entries into
	// AgentMessages, threading a tool_id->tool_name map across calls.
	ParseTranscriptEntries(entries []map[string]any, pendingTools map[string]string) ([]model.AgentMessage, map[string]string)

	// ParseTerminalStatus parses rendered pane text (and, for providers
	// that set one, the pane title) into a StatusUpdate.
	ParseTerminalStatus(rendered string, paneTitle string) (status model.StatusUpdate, ok bool)

	// ExtractBashOutput returns the "! <cmd>" echo line and everything
	// below it. Claude strips its bottom chrome; Codex and Gemini return
	// the lines below the echo line unchanged.
	ExtractBashOutput(paneText, command string) (output string, ok bool)

	IsUserTranscriptEntry(entry map[string]any) bool
	ParseHistoryEntry(entry map[string]any) (message model.AgentMessage, ok bool)

	// DiscoverCommands returns the provider's slash commands/skills.
	DiscoverCommands(baseDir string) []model.DiscoveredCommand

	// SupportsIncrementalRead is true for JSONL providers whose
	// transcripts are tailed by byte offset; false for whole-file JSON
	// providers tracked by message count.
	SupportsIncrementalRead() bool
}

// resumeIDPattern rejects shell metacharacters in a resume ID.
var resumeIDPattern = regexp.MustCompile(`^[\w-]+$`)

func validResumeID(id string) bool {
	return resumeIDPattern.MatchString(id)
}

// extractContent walks a transcript content value (string or a list of
// content blocks) and extracts text plus the dominant content type,
// tracking tool_use/tool_result ids in pending. Shared by providers whose
// transcript shape follows the Claude-style content-block convention
// (Codex and Gemini transcripts reuse it; Claude has richer variants
// handled directly in claude.go).
func extractContent(content any, pending map[string]string) (string, model.ContentType, map[string]string) {
	switch v := content.(type) {
	case string:
		return v, model.ContentText, pending
	case []any:
		text := ""
		contentType := model.ContentText
		for _, raw := range v {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			btype, _ := block["type"].(string)
			switch btype {
			case "text":
				if t, ok := block["text"].(string); ok {
					text += t
				}
			case "tool_use":
				if id, ok := block["id"].(string); ok && id != "" {
					name, _ := block["name"].(string)
					if name == "" {
						name = "unknown"
					}
					pending[id] = name
					contentType = model.ContentToolUse
				}
			case "tool_result":
				if id, ok := block["tool_use_id"].(string); ok {
					delete(pending, id)
				}
				contentType = model.ContentToolResult
			}
		}
		return text, contentType, pending
	default:
		return "", model.ContentText, pending
	}
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// parseJSONLLine parses one raw JSONL transcript line into a map, shared
// by all three providers' ParseTranscriptLine. Gemini's transcript is
// read whole-file by the monitor instead (SupportsIncrementalRead is
// false), so this path is not used for it during polling.
func parseJSONLLine(line string) (map[string]any, bool) {
	if strings.TrimSpace(line) == "" {
		return nil, false
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return nil, false
	}
	return entry, true
}
