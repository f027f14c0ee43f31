package provider

import (
	"testing"

	"github.com/google/uuid"

	"github.com/beastoin/ccbot/internal/model"
)

func TestClaudeMakeLaunchArgs(t *testing.T) {
	p := ClaudeProvider{}
	args, err := p.MakeLaunchArgs("abc-123", false)
	if err != nil || args != "--resume abc-123" {
		t.Errorf("MakeLaunchArgs(resume) = %q, %v", args, err)
	}
	args, err = p.MakeLaunchArgs("", true)
	if err != nil || args != "--continue" {
		t.Errorf("MakeLaunchArgs(continue) = %q, %v", args, err)
	}
	args, err = p.MakeLaunchArgs("", false)
	if err != nil || args != "" {
		t.Errorf("MakeLaunchArgs(fresh) = %q, %v", args, err)
	}
	if _, err := p.MakeLaunchArgs("rm -rf /", false); err == nil {
		t.Error("expected error for resume_id with shell metacharacters")
	}
}

func TestCodexMakeLaunchArgsSyntax(t *testing.T) {
	args, err := CodexProvider{}.MakeLaunchArgs("xyz", false)
	if err != nil || args != "exec resume xyz" {
		t.Errorf("MakeLaunchArgs = %q, %v", args, err)
	}
}

func TestGeminiMakeLaunchArgsSyntax(t *testing.T) {
	args, err := GeminiProvider{}.MakeLaunchArgs("xyz", false)
	if err != nil || args != "--resume xyz" {
		t.Errorf("MakeLaunchArgs = %q, %v", args, err)
	}
}

func TestClaudeParseHookPayloadValid(t *testing.T) {
	id := uuid.New().String()
	payload := map[string]any{
		"session_id":       id,
		"cwd":              "/home/user/project",
		"hook_event_name":  "SessionStart",
		"transcript_path":  "/home/user/.claude/projects/x/transcript.jsonl",
	}
	event, ok := ClaudeProvider{}.ParseHookPayload(payload)
	if !ok {
		t.Fatal("expected valid payload to parse")
	}
	if event.SessionID != id || event.Cwd != "/home/user/project" {
		t.Errorf("event = %+v", event)
	}
}

func TestClaudeParseHookPayloadInvalid(t *testing.T) {
	cases := []map[string]any{
		{"session_id": "not-a-uuid", "cwd": "/abs", "hook_event_name": "SessionStart", "transcript_path": "p"},
		{"session_id": uuid.New().String(), "cwd": "relative/path", "hook_event_name": "SessionStart", "transcript_path": "p"},
		{"session_id": uuid.New().String(), "cwd": "/abs", "hook_event_name": "PreToolUse", "transcript_path": "p"},
		{"session_id": uuid.New().String(), "cwd": "/abs", "hook_event_name": "SessionStart", "transcript_path": ""},
	}
	for i, payload := range cases {
		if _, ok := ClaudeProvider{}.ParseHookPayload(payload); ok {
			t.Errorf("case %d: expected invalid payload to be rejected", i)
		}
	}
}

func TestCodexGeminiParseHookPayloadAlwaysFalse(t *testing.T) {
	payload := map[string]any{"session_id": uuid.New().String(), "cwd": "/abs", "hook_event_name": "SessionStart"}
	if _, ok := CodexProvider{}.ParseHookPayload(payload); ok {
		t.Error("Codex has no SessionStart hook, expected false")
	}
	if _, ok := GeminiProvider{}.ParseHookPayload(payload); ok {
		t.Error("Gemini has no SessionStart hook, expected false")
	}
}

func TestClaudeParseTranscriptEntries(t *testing.T) {
	entries := []map[string]any{
		{
			"type": "assistant",
			"message": map[string]any{
				"content": []any{
					map[string]any{"type": "text", "text": "hello"},
				},
			},
		},
		{
			"type": "assistant",
			"message": map[string]any{
				"content": []any{
					map[string]any{"type": "tool_use", "id": "t1", "name": "Bash"},
				},
			},
		},
		{
			"type": "user",
			"message": map[string]any{
				"content": []any{
					map[string]any{"type": "tool_result", "tool_use_id": "t1"},
				},
			},
		},
	}
	messages, pending := ClaudeProvider{}.ParseTranscriptEntries(entries, map[string]string{})
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(messages), messages)
	}
	if messages[0].ContentType != model.ContentText || messages[0].Text != "hello" {
		t.Errorf("message 0 = %+v", messages[0])
	}
	if messages[1].ContentType != model.ContentToolUse || messages[1].ToolName != "Bash" {
		t.Errorf("message 1 = %+v", messages[1])
	}
	if _, stillPending := pending["t1"]; stillPending {
		t.Error("expected t1 removed from pending after tool_result")
	}
}

func TestParseTranscriptLineSkipsEmptyAndInvalid(t *testing.T) {
	p := ClaudeProvider{}
	if _, ok := p.ParseTranscriptLine(""); ok {
		t.Error("expected empty line to be rejected")
	}
	if _, ok := p.ParseTranscriptLine("not json"); ok {
		t.Error("expected invalid JSON to be rejected")
	}
	entry, ok := p.ParseTranscriptLine(`{"type":"user"}`)
	if !ok || entry["type"] != "user" {
		t.Errorf("entry = %+v, ok = %v", entry, ok)
	}
}

func TestClaudeParseTerminalStatusInteractive(t *testing.T) {
	rendered := "Do you want to proceed?\nyes\nno\nEsc to cancel"
	status, ok := ClaudeProvider{}.ParseTerminalStatus(rendered, "")
	if !ok || !status.IsInteractive || status.UIType != "PermissionPrompt" {
		t.Errorf("status = %+v, ok = %v", status, ok)
	}
}

func TestGeminiParseTerminalStatusPaneTitle(t *testing.T) {
	status, ok := GeminiProvider{}.ParseTerminalStatus("", "Action Required: ✋")
	if !ok || !status.IsInteractive {
		t.Errorf("status = %+v, ok = %v", status, ok)
	}
	if _, ok := GeminiProvider{}.ParseTerminalStatus("", "Ready: ◇"); ok {
		t.Error("Ready pane title should report no active status")
	}
}

func TestRegistryFallsBackToClaude(t *testing.T) {
	r := NewRegistry(nil)
	if _, ok := r.Get("bogus").(ClaudeProvider); !ok {
		t.Error("expected unknown provider name to fall back to ClaudeProvider")
	}
	if _, ok := r.Get("codex").(CodexProvider); !ok {
		t.Error("expected known provider to resolve")
	}
}

func TestRegistryDetectFromCommand(t *testing.T) {
	r := NewRegistry(nil)
	if p, ok := r.DetectFromCommand("claude-3.5"); !ok {
		t.Error("expected claude-3.5 to match claude")
	} else if _, ok := p.(ClaudeProvider); !ok {
		t.Error("expected ClaudeProvider match")
	}
	if _, ok := r.DetectFromCommand("vim"); ok {
		t.Error("expected vim to not match any provider")
	}
}

func TestSupportsIncrementalRead(t *testing.T) {
	if !(ClaudeProvider{}).SupportsIncrementalRead() {
		t.Error("Claude should support incremental read")
	}
	if (GeminiProvider{}).SupportsIncrementalRead() {
		t.Error("Gemini should not support incremental read")
	}
}
