package provider

import (
	"fmt"
	"strings"

	"github.com/beastoin/ccbot/internal/model"
)

var geminiBuiltins = []struct{ name, description string }{
	{"/clear", "Clear screen and chat context"},
	{"/model", "Switch model mid-session"},
	{"/compress", "Summarize chat context to save tokens"},
	{"/copy", "Copy last response to clipboard"},
	{"/help", "Display available commands"},
	{"/commands", "Manage custom commands"},
	{"/mcp", "List MCP servers and tools"},
	{"/stats", "Show session statistics"},
	{"/resume", "Browse and select previous sessions"},
	{"/bug", "File issue or bug report"},
	{"/directories", "Manage accessible directories"},
}

// geminiPaneTitles maps Gemini's OSC-set tmux pane title to a status
// label, used in addition to rendered-text parsing.
var geminiPaneTitles = map[string]model.StatusUpdate{
	"Working: ✦":          {RawText: "Working", DisplayLabel: "…working"},
	"Action Required: ✋": {RawText: "Action Required", DisplayLabel: "…working", IsInteractive: true, UIType: "ActionRequired"},
	"Ready: ◇":            {RawText: "Ready", DisplayLabel: ""},
}

// GeminiProvider implements Provider for Google's Gemini CLI. It has no
// SessionStart hook (sessions are directory-scoped and auto-persisted)
// and reads transcripts as whole-file JSON rather than incrementally.
type GeminiProvider struct{}

func (GeminiProvider) Capabilities() Capabilities {
	names := make([]string, len(geminiBuiltins))
	for i, c := range geminiBuiltins {
		names[i] = c.name
	}
	return Capabilities{
		Name:                         "gemini",
		LaunchCommand:                "gemini",
		SupportsHook:                 false,
		SupportsResume:               true,
		SupportsContinue:             false,
		SupportsStructuredTranscript: true,
		TranscriptFormat:             "jsonl",
		BuiltinCommands:              names,
	}
}

func (GeminiProvider) MakeLaunchArgs(resumeID string, _ bool) (string, error) {
	if resumeID == "" {
		return "", nil
	}
	if !validResumeID(resumeID) {
		return "", fmt.Errorf("invalid resume_id: %q", resumeID)
	}
	return "--resume " + resumeID, nil
}

func (GeminiProvider) ParseHookPayload(map[string]any) (model.SessionStartEvent, bool) {
	return model.SessionStartEvent{}, false
}

func (GeminiProvider) ParseTranscriptLine(line string) (map[string]any, bool) {
	return parseJSONLLine(line)
}

func (GeminiProvider) ParseTranscriptEntries(entries []map[string]any, pendingTools map[string]string) ([]model.AgentMessage, map[string]string) {
	pending := cloneStringMap(pendingTools)
	var messages []model.AgentMessage
	for _, entry := range entries {
		msgType := stringField(entry, "type")
		if msgType != "user" && msgType != "assistant" {
			continue
		}
		message, _ := entry["message"].(map[string]any)
		text, contentType, pending2 := extractContent(message["content"], pending)
		pending = pending2
		if text != "" {
			messages = append(messages, model.AgentMessage{Role: msgType, Text: text, ContentType: contentType})
		}
	}
	return messages, pending
}

func (GeminiProvider) ParseTerminalStatus(rendered string, paneTitle string) (model.StatusUpdate, bool) {
	if status, ok := geminiPaneTitles[paneTitle]; ok {
		if status.RawText == "Ready" {
			return model.StatusUpdate{}, false
		}
		return status, true
	}
	trimmed := strings.TrimSpace(rendered)
	if trimmed == "" {
		return model.StatusUpdate{}, false
	}
	lines := strings.Split(trimmed, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return model.StatusUpdate{}, false
	}
	return model.StatusUpdate{RawText: last, DisplayLabel: last}, true
}

func (GeminiProvider) ExtractBashOutput(paneText, command string) (string, bool) {
	if paneText == "" || command == "" {
		return "", false
	}
	prefix := command
	if len(prefix) > 10 {
		prefix = prefix[:10]
	}
	lines := strings.Split(paneText, "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "! "+prefix) {
			return strings.TrimSpace(strings.Join(lines[i:], "\n")), true
		}
	}
	return "", false
}

func (GeminiProvider) IsUserTranscriptEntry(entry map[string]any) bool {
	return stringField(entry, "type") == "user"
}

func (GeminiProvider) ParseHistoryEntry(entry map[string]any) (model.AgentMessage, bool) {
	return genericParseHistoryEntry(entry)
}

func (GeminiProvider) DiscoverCommands(string) []model.DiscoveredCommand {
	out := make([]model.DiscoveredCommand, len(geminiBuiltins))
	for i, c := range geminiBuiltins {
		out[i] = model.DiscoveredCommand{Name: c.name, Description: c.description, Source: model.SourceBuiltin}
	}
	return out
}

// SupportsIncrementalRead is false: Gemini's transcript is re-read
// whole-file each poll and progress is tracked by message count.
func (GeminiProvider) SupportsIncrementalRead() bool { return false }
