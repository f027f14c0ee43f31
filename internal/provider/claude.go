package provider

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/beastoin/ccbot/internal/model"
	"github.com/beastoin/ccbot/internal/termparser"
)

var claudeBuiltinCommands = []string{
	"clear", "compact", "cost", "doctor", "exit", "help",
	"init", "model", "permissions", "resume", "review", "status",
}

// claudeUIPatternNames mirrors termparser.ClaudeUIPatterns for the
// capabilities descriptor.
var claudeUIPatternNames = []string{
	"ExitPlanMode", "AskUserQuestion", "PermissionPrompt",
	"RestoreCheckpoint", "Settings", "SelectModel",
}

// ClaudeProvider implements Provider for Claude Code.
type ClaudeProvider struct{}

func (ClaudeProvider) Capabilities() Capabilities {
	return Capabilities{
		Name:                         "claude",
		LaunchCommand:                "claude",
		SupportsHook:                 true,
		SupportsResume:               true,
		SupportsContinue:             true,
		SupportsStructuredTranscript: true,
		TranscriptFormat:             "jsonl",
		TerminalUIPatterns:           claudeUIPatternNames,
		BuiltinCommands:              claudeBuiltinCommands,
	}
}

func (ClaudeProvider) MakeLaunchArgs(resumeID string, useContinue bool) (string, error) {
	if resumeID != "" {
		if !validResumeID(resumeID) {
			return "", fmt.Errorf("invalid resume_id: %q", resumeID)
		}
		return "--resume " + resumeID, nil
	}
	if useContinue {
		return "--continue", nil
	}
	return "", nil
}

func (ClaudeProvider) ParseHookPayload(payload map[string]any) (model.SessionStartEvent, bool) {
	sessionID := stringField(payload, "session_id")
	cwd := stringField(payload, "cwd")
	eventName := stringField(payload, "hook_event_name")
	transcriptPath := stringField(payload, "transcript_path")

	if _, err := uuid.Parse(sessionID); err != nil {
		return model.SessionStartEvent{}, false
	}
	if !filepath.IsAbs(cwd) {
		return model.SessionStartEvent{}, false
	}
	if eventName != "SessionStart" {
		return model.SessionStartEvent{}, false
	}
	if transcriptPath == "" {
		return model.SessionStartEvent{}, false
	}
	return model.SessionStartEvent{
		SessionID:      sessionID,
		Cwd:            cwd,
		TranscriptPath: transcriptPath,
	}, true
}

func (ClaudeProvider) ParseTranscriptLine(line string) (map[string]any, bool) {
	return parseJSONLLine(line)
}

func (ClaudeProvider) ParseTranscriptEntries(entries []map[string]any, pendingTools map[string]string) ([]model.AgentMessage, map[string]string) {
	pending := cloneStringMap(pendingTools)
	var messages []model.AgentMessage

	for _, entry := range entries {
		msgType := stringField(entry, "type")
		if msgType != "user" && msgType != "assistant" {
			continue
		}
		message, _ := entry["message"].(map[string]any)
		content := message["content"]

		text, contentType, toolUseID, toolName := claudeExtractContent(content, pending)
		if text == "" {
			continue
		}
		messages = append(messages, model.AgentMessage{
			Role:        msgType,
			Text:        text,
			ContentType: contentType,
			ToolUseID:   toolUseID,
			ToolName:    toolName,
		})
	}
	return messages, pending
}

// claudeExtractContent handles Claude's richer content-block shapes
// (text, thinking, tool_use, tool_result) beyond the shared extractContent
// helper used by Codex/Gemini.
func claudeExtractContent(content any, pending map[string]string) (text string, contentType model.ContentType, toolUseID, toolName string) {
	switch v := content.(type) {
	case string:
		return v, model.ContentText, "", ""
	case []any:
		contentType = model.ContentText
		for _, raw := range v {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			btype := stringField(block, "type")
			switch btype {
			case "text":
				text += stringField(block, "text")
			case "thinking":
				text += stringField(block, "thinking")
				contentType = model.ContentThinking
			case "tool_use":
				id := stringField(block, "id")
				name := stringField(block, "name")
				if name == "" {
					name = "unknown"
				}
				if id != "" {
					pending[id] = name
				}
				contentType = model.ContentToolUse
				toolUseID = id
				toolName = name
			case "tool_result":
				id := stringField(block, "tool_use_id")
				toolName = pending[id]
				delete(pending, id)
				contentType = model.ContentToolResult
				toolUseID = id
			}
		}
		return text, contentType, toolUseID, toolName
	default:
		return "", model.ContentText, "", ""
	}
}

func (ClaudeProvider) ParseTerminalStatus(rendered string, _ string) (model.StatusUpdate, bool) {
	if ui := termparser.ExtractInteractiveContent(rendered, nil); ui != nil {
		return model.StatusUpdate{
			RawText:       ui.Content,
			DisplayLabel:  ui.Content,
			IsInteractive: true,
			UIType:        ui.Name,
		}, true
	}
	status := termparser.ParseStatusLine(rendered, 0)
	if status == "" {
		return model.StatusUpdate{}, false
	}
	return model.StatusUpdate{
		RawText:      status,
		DisplayLabel: termparser.FormatStatusDisplay(status),
	}, true
}

func (ClaudeProvider) ExtractBashOutput(paneText, command string) (string, bool) {
	out := termparser.ExtractBashOutput(paneText, command)
	return out, out != ""
}

func (ClaudeProvider) IsUserTranscriptEntry(entry map[string]any) bool {
	return stringField(entry, "type") == "user"
}

func (ClaudeProvider) ParseHistoryEntry(entry map[string]any) (model.AgentMessage, bool) {
	return genericParseHistoryEntry(entry)
}

func genericParseHistoryEntry(entry map[string]any) (model.AgentMessage, bool) {
	msgType := stringField(entry, "type")
	if msgType != "user" && msgType != "assistant" {
		return model.AgentMessage{}, false
	}
	message, _ := entry["message"].(map[string]any)
	content := message["content"]

	var text string
	switch v := content.(type) {
	case string:
		text = v
	case []any:
		var b strings.Builder
		for _, raw := range v {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if stringField(block, "type") == "text" {
				b.WriteString(stringField(block, "text"))
			}
		}
		text = b.String()
	}
	if text == "" {
		return model.AgentMessage{}, false
	}
	return model.AgentMessage{Role: msgType, Text: text, ContentType: model.ContentText}, true
}

// frontmatter is the subset of a command/skill markdown file's YAML
// header ccbot reads.
type frontmatter struct {
	Description string `yaml:"description"`
}

var mdFileRE = regexp.MustCompile(`(?s)^---\n(.*?)\n---\n`)

func (ClaudeProvider) DiscoverCommands(baseDir string) []model.DiscoveredCommand {
	var out []model.DiscoveredCommand
	for _, name := range claudeBuiltinCommands {
		out = append(out, model.DiscoveredCommand{Name: name, Source: model.SourceBuiltin})
	}
	out = append(out, scanMarkdownCommands(filepath.Join(baseDir, ".claude", "skills"), model.SourceSkill)...)
	out = append(out, scanMarkdownCommands(filepath.Join(baseDir, ".claude", "commands"), model.SourceCommand)...)
	return out
}

func scanMarkdownCommands(dir string, source model.CommandSource) []model.DiscoveredCommand {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []model.DiscoveredCommand
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		description := ""
		if m := mdFileRE.FindSubmatch(data); m != nil {
			var fm frontmatter
			if yaml.Unmarshal(m[1], &fm) == nil {
				description = fm.Description
			}
		}
		out = append(out, model.DiscoveredCommand{Name: name, Description: description, Source: source})
	}
	return out
}

func (ClaudeProvider) SupportsIncrementalRead() bool { return true }

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
