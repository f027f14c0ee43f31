package provider

import (
	"fmt"
	"strings"

	"github.com/beastoin/ccbot/internal/model"
)

var codexBuiltins = []struct{ name, description string }{
	{"/exit", "Close session"},
	{"/model", "Switch model or reasoning level"},
	{"/status", "Show session ID"},
	{"/mode", "Switch approval mode"},
}

// CodexProvider implements Provider for OpenAI's Codex CLI. Terminal UI
// patterns are not yet characterized — status parsing falls back to the
// pane's last non-empty line, and interactive-UI detection always misses.
type CodexProvider struct{}

func (CodexProvider) Capabilities() Capabilities {
	names := make([]string, len(codexBuiltins))
	for i, c := range codexBuiltins {
		names[i] = c.name
	}
	return Capabilities{
		Name:                         "codex",
		LaunchCommand:                "codex",
		SupportsHook:                 false,
		SupportsResume:               true,
		SupportsContinue:             false,
		SupportsStructuredTranscript: true,
		TranscriptFormat:             "jsonl",
		BuiltinCommands:              names,
	}
}

func (CodexProvider) MakeLaunchArgs(resumeID string, _ bool) (string, error) {
	if resumeID == "" {
		return "", nil
	}
	if !validResumeID(resumeID) {
		return "", fmt.Errorf("invalid resume_id: %q", resumeID)
	}
	return "exec resume " + resumeID, nil
}

func (CodexProvider) ParseHookPayload(map[string]any) (model.SessionStartEvent, bool) {
	return model.SessionStartEvent{}, false
}

func (CodexProvider) ParseTranscriptLine(line string) (map[string]any, bool) {
	return parseJSONLLine(line)
}

func (CodexProvider) ParseTranscriptEntries(entries []map[string]any, pendingTools map[string]string) ([]model.AgentMessage, map[string]string) {
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

func (CodexProvider) ParseTerminalStatus(rendered string, _ string) (model.StatusUpdate, bool) {
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

func (CodexProvider) ExtractBashOutput(paneText, command string) (string, bool) {
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

func (CodexProvider) IsUserTranscriptEntry(entry map[string]any) bool {
	return stringField(entry, "type") == "user"
}

func (CodexProvider) ParseHistoryEntry(entry map[string]any) (model.AgentMessage, bool) {
	return genericParseHistoryEntry(entry)
}

func (CodexProvider) DiscoverCommands(string) []model.DiscoveredCommand {
	out := make([]model.DiscoveredCommand, len(codexBuiltins))
	for i, c := range codexBuiltins {
		out[i] = model.DiscoveredCommand{Name: c.name, Description: c.description, Source: model.SourceBuiltin}
	}
	return out
}

func (CodexProvider) SupportsIncrementalRead() bool { return true }
