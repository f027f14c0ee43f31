package hookwriter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/beastoin/ccbot/internal/model"
)

type hookEntry struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
	Async   bool   `json:"async,omitempty"`
}

// Install writes ccbot's hook entry into settingsPath for every event
// type in model.HandledEventTypes, leaving existing unrelated hooks and
// settings untouched. Returns (installedCount, alreadyCount, error).
func Install(settingsPath string) (installed, already int, err error) {
	settings, err := readSettings(settingsPath)
	if err != nil {
		return 0, 0, err
	}

	hooks := asMap(settings["hooks"])

	for _, event := range model.HandledEventTypes {
		name := string(event)
		if hasCcbotHook(hooks, name) {
			already++
			continue
		}
		entry := hookEntry{Type: "command", Command: hookCommandMarker, Timeout: 5}
		if model.AsyncEventTypes[event] {
			entry.Async = true
		}
		groups := asSlice(hooks[name])
		if len(groups) > 0 {
			group := asMap(groups[0])
			existing := asSlice(group["hooks"])
			group["hooks"] = append(existing, entry)
			groups[0] = group
		} else {
			groups = append(groups, map[string]any{"hooks": []any{entry}})
		}
		hooks[name] = groups
		installed++
	}
	settings["hooks"] = hooks

	if installed == 0 && already == len(model.HandledEventTypes) {
		return installed, already, nil
	}
	return installed, already, writeSettings(settingsPath, settings)
}

// Uninstall removes every ccbot hook entry from settingsPath.
func Uninstall(settingsPath string) error {
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		return nil
	}
	settings, err := readSettings(settingsPath)
	if err != nil {
		return err
	}
	hooks := asMap(settings["hooks"])

	for _, event := range model.HandledEventTypes {
		name := string(event)
		groups := asSlice(hooks[name])
		var kept []any
		for _, rawGroup := range groups {
			group := asMap(rawGroup)
			entries := asSlice(group["hooks"])
			var filtered []any
			for _, rawEntry := range entries {
				entry := asMap(rawEntry)
				if cmd, _ := entry["command"].(string); cmd != hookCommandMarker {
					filtered = append(filtered, rawEntry)
				}
			}
			if len(filtered) > 0 {
				group["hooks"] = filtered
				kept = append(kept, group)
			}
		}
		hooks[name] = kept
	}
	settings["hooks"] = hooks
	return writeSettings(settingsPath, settings)
}

// Status reports per-event installation state. ok is true when every
// handled event has a ccbot hook installed.
func Status(settingsPath string) (status map[string]bool, ok bool, err error) {
	if _, statErr := os.Stat(settingsPath); os.IsNotExist(statErr) {
		return nil, false, nil
	}
	settings, err := readSettings(settingsPath)
	if err != nil {
		return nil, false, err
	}
	hooks := asMap(settings["hooks"])

	status = map[string]bool{}
	ok = true
	for _, event := range model.HandledEventTypes {
		installed := hasCcbotHook(hooks, string(event))
		status[string(event)] = installed
		ok = ok && installed
	}
	return status, ok, nil
}

func hasCcbotHook(hooks map[string]any, eventType string) bool {
	for _, rawGroup := range asSlice(hooks[eventType]) {
		group := asMap(rawGroup)
		for _, rawEntry := range asSlice(group["hooks"]) {
			entry := asMap(rawEntry)
			if cmd, _ := entry["command"].(string); cmd == hookCommandMarker {
				return true
			}
		}
	}
	return false
}

func readSettings(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var settings map[string]any
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if settings == nil {
		settings = map[string]any{}
	}
	return settings, nil
}

func writeSettings(path string, settings map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func asSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	return nil
}
