// Package tmuxadapter is the only side channel to tmux: window-granularity
// session/window control, key injection, and pane capture. Dead windows,
// transient capture failures, and kill-after-death are all treated as
// non-fatal by callers.
package tmuxadapter

import (
	"fmt"
	"os/exec"
	"strings"
)

// Window describes one tmux window as reported by list-windows.
type Window struct {
	WindowID           string
	WindowName         string
	Cwd                string
	PaneCurrentCommand string
}

// Pane describes one pane within a window.
type Pane struct {
	PaneID    string
	PaneTitle string
}

// Adapter wraps the tmux CLI via os/exec. tmux has no Go client library in
// the retrieved corpus — every example that drives tmux does so by
// shelling out, matching the teacher's own internal/tmux package.
type Adapter struct {
	tmuxPath    string
	sessionName string
}

// New creates an Adapter targeting the given tmux session name.
func New(sessionName string) *Adapter {
	return &Adapter{tmuxPath: "tmux", sessionName: sessionName}
}

func (a *Adapter) run(args ...string) ([]byte, error) {
	return exec.Command(a.tmuxPath, args...).Output()
}

// GetOrCreateSession ensures the adapter's backing tmux session exists,
// creating it (detached, 200x50) if necessary.
func (a *Adapter) GetOrCreateSession() error {
	if exec.Command(a.tmuxPath, "has-session", "-t", a.sessionName).Run() == nil {
		return nil
	}
	cmd := exec.Command(a.tmuxPath, "new-session", "-d", "-s", a.sessionName, "-x", "200", "-y", "50")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("create session %q: %w", a.sessionName, err)
	}
	return nil
}

const listWindowsFormat = "#{window_id}\t#{window_name}\t#{pane_current_path}\t#{pane_current_command}"

// ListWindows returns every window in the adapter's session.
func (a *Adapter) ListWindows() ([]Window, error) {
	out, err := a.run("list-windows", "-t", a.sessionName, "-F", listWindowsFormat)
	if err != nil {
		if isNoServerOrSession(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list windows: %w", err)
	}
	return parseWindowsOutput(string(out)), nil
}

func parseWindowsOutput(out string) []Window {
	var windows []Window
	for _, line := range splitNonEmptyLines(out) {
		fields := strings.Split(line, "\t")
		if len(fields) < 4 {
			continue
		}
		windows = append(windows, Window{
			WindowID:           fields[0],
			WindowName:         fields[1],
			Cwd:                fields[2],
			PaneCurrentCommand: fields[3],
		})
	}
	return windows
}

// FindWindowByID returns the window with the given ID, or ok=false if it
// no longer exists (a dead window — non-fatal for callers).
func (a *Adapter) FindWindowByID(windowID string) (Window, bool) {
	windows, err := a.ListWindows()
	if err != nil {
		return Window{}, false
	}
	for _, w := range windows {
		if w.WindowID == windowID {
			return w, true
		}
	}
	return Window{}, false
}

// CreateWindowResult is the outcome of CreateWindow.
type CreateWindowResult struct {
	OK         bool
	Message    string
	WindowName string
	WindowID   string
}

// CreateWindow creates a window under cwd whose first command launches
// launchCommand with agentArgs. When startAgent is false, the window opens
// a plain shell instead (used for directory-browser previews).
func (a *Adapter) CreateWindow(cwd, windowName, launchCommand, agentArgs string, startAgent bool) CreateWindowResult {
	if err := a.GetOrCreateSession(); err != nil {
		return CreateWindowResult{OK: false, Message: err.Error()}
	}

	args := []string{"new-window", "-t", a.sessionName, "-P", "-F", "#{window_id}"}
	if windowName != "" {
		args = append(args, "-n", windowName)
	}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}

	command := ""
	if startAgent {
		command = strings.TrimSpace(launchCommand + " " + agentArgs)
	}
	if command != "" {
		args = append(args, command)
	}

	out, err := a.run(args...)
	if err != nil {
		return CreateWindowResult{OK: false, Message: fmt.Sprintf("create window: %v", err)}
	}
	windowID := strings.TrimSpace(string(out))

	resolvedName := windowName
	if resolvedName == "" {
		if w, ok := a.FindWindowByID(windowID); ok {
			resolvedName = w.WindowName
		}
	}

	return CreateWindowResult{OK: true, WindowName: resolvedName, WindowID: windowID}
}

// SendKeys sends text to windowID. When literal is true, text is sent
// verbatim (tmux -l); when enter is true, a trailing Enter keystroke
// follows as a separate send-keys call.
func (a *Adapter) SendKeys(windowID, text string, enter, literal bool) error {
	args := []string{"send-keys", "-t", windowID}
	if literal {
		args = append(args, "-l")
	}
	args = append(args, text)
	if _, err := a.run(args...); err != nil {
		return fmt.Errorf("send keys to %s: %w", windowID, err)
	}
	if enter {
		if _, err := a.run("send-keys", "-t", windowID, "Enter"); err != nil {
			return fmt.Errorf("send enter to %s: %w", windowID, err)
		}
	}
	return nil
}

// SendKeysToPane sends a single raw key (e.g. "Up", "Escape", "Space") to
// a specific pane, falling back to windowID's active pane if paneID is
// empty.
func (a *Adapter) SendKeysToPane(paneID, key string, enter, literal bool, windowID string) error {
	target := paneID
	if target == "" {
		target = windowID
	}
	args := []string{"send-keys", "-t", target}
	if literal {
		args = append(args, "-l")
	}
	args = append(args, key)
	if _, err := a.run(args...); err != nil {
		return fmt.Errorf("send keys to pane %s: %w", target, err)
	}
	if enter {
		if _, err := a.run("send-keys", "-t", target, "Enter"); err != nil {
			return fmt.Errorf("send enter to pane %s: %w", target, err)
		}
	}
	return nil
}

// CapturePane returns the raw (escape-sequence-laden) pane content for
// windowID, for feeding into a screenbuffer.Buffer. ok is false for a
// dead window or transient capture failure.
func (a *Adapter) CapturePane(windowID string) (string, bool) {
	out, err := a.run("capture-pane", "-t", windowID, "-p", "-e")
	if err != nil {
		return "", false
	}
	return string(out), true
}

// CapturePaneByID captures a specific pane rather than a window's active
// pane.
func (a *Adapter) CapturePaneByID(paneID string) (string, bool) {
	return a.CapturePane(paneID)
}

// GetPaneTitle returns windowID's active pane title (OSC-set by some
// providers, e.g. Gemini's "Working: ✦").
func (a *Adapter) GetPaneTitle(windowID string) (string, bool) {
	out, err := a.run("display-message", "-t", windowID, "-p", "#{pane_title}")
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(out)), true
}

// ListPanes returns the panes belonging to windowID.
func (a *Adapter) ListPanes(windowID string) ([]Pane, error) {
	out, err := a.run("list-panes", "-t", windowID, "-F", "#{pane_id}\t#{pane_title}")
	if err != nil {
		if isNoServerOrSession(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list panes: %w", err)
	}
	return parsePanesOutput(string(out)), nil
}

func parsePanesOutput(out string) []Pane {
	var panes []Pane
	for _, line := range splitNonEmptyLines(out) {
		fields := strings.SplitN(line, "\t", 2)
		pane := Pane{PaneID: fields[0]}
		if len(fields) > 1 {
			pane.PaneTitle = fields[1]
		}
		panes = append(panes, pane)
	}
	return panes
}

// KillWindow kills windowID. Killing an already-dead window is not an
// error.
func (a *Adapter) KillWindow(windowID string) error {
	if _, err := a.run("kill-window", "-t", windowID); err != nil {
		if isNoServerOrSession(err) {
			return nil
		}
		return fmt.Errorf("kill window %s: %w", windowID, err)
	}
	return nil
}

// ResetServer is called on tmux connection failure to force a fresh
// has-session probe on the next operation. tmux itself has no "reset
// connection" primitive; this recreates the backing session if it has
// disappeared entirely.
func (a *Adapter) ResetServer() error {
	return a.GetOrCreateSession()
}

func isNoServerOrSession(err error) bool {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	stderr := string(exitErr.Stderr)
	return strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "no current session") ||
		strings.Contains(stderr, "can't find")
}

func splitNonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
