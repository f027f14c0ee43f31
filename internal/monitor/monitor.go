// Package monitor implements SessionMonitor: a background poll loop that
// tails the hook event log and each bound window's transcript file,
// detects session_map/tmux window lifecycle changes, and emits typed
// events for the rest of the application to react to.
package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/beastoin/ccbot/internal/config"
	"github.com/beastoin/ccbot/internal/logging"
	"github.com/beastoin/ccbot/internal/model"
	"github.com/beastoin/ccbot/internal/persistence"
	"github.com/beastoin/ccbot/internal/provider"
	"github.com/beastoin/ccbot/internal/tmuxadapter"
)

// backoffMin and backoffMax bound the exponential retry delay applied
// after a loop error.
const (
	backoffMin = 2 * time.Second
	backoffMax = 30 * time.Second

	msgPreviewLength = 80
)

// NewMessage is a transcript delta lowered into something ready to queue
// for Telegram delivery.
type NewMessage struct {
	model.AgentMessage
	IsComplete bool
}

// NewWindowEvent fires when session_map gains a window (agent session
// bound) or a live tmux window is found with no binding yet (session_id
// is empty in that case).
type NewWindowEvent struct {
	WindowID   string
	SessionID  string
	WindowName string
	Cwd        string
}

// TrackedSession is one entry of monitor_state.json: for incremental
// (JSONL) providers LastByteOffset is a byte offset; for whole-file
// providers it is a message count.
type TrackedSession struct {
	SessionID      string `json:"session_id"`
	FilePath       string `json:"file_path"`
	LastByteOffset int64  `json:"last_byte_offset"`
}

// sessionInfo is one candidate transcript file found while scanning the
// provider's projects directory for a session_id without a known path.
type sessionInfo struct {
	SessionID string
	FilePath  string
}

// state is the persisted shape of monitor_state.json, keyed by session_id.
type state struct {
	mu       sync.Mutex
	Sessions map[string]*TrackedSession `json:"sessions"`
}

func newState() *state {
	return &state{Sessions: map[string]*TrackedSession{}}
}

func (s *state) get(sessionID string) *TrackedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Sessions[sessionID]
}

func (s *state) update(t *TrackedSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sessions[t.SessionID] = t
}

func (s *state) remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Sessions, sessionID)
}

func (s *state) snapshot() map[string]TrackedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TrackedSession, len(s.Sessions))
	for k, v := range s.Sessions {
		out[k] = *v
	}
	return out
}

func (s *state) has(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.Sessions[sessionID]
	return ok
}

func (s *state) trackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.Sessions))
	for id := range s.Sessions {
		ids = append(ids, id)
	}
	return ids
}

// Monitor watches bound agent sessions for new transcript content and
// hook events.
type Monitor struct {
	cfg      *config.Config
	tmux     *tmuxadapter.Adapter
	registry *provider.Registry
	log      *logging.Logger

	providerForWindow func(windowID string) provider.Provider

	onMessage   func(NewMessage)
	onNewWindow func(NewWindowEvent)
	onHookEvent func(model.HookEvent)

	store *persistence.Store
	st    *state

	eventsOffset int64

	mu             sync.Mutex
	pendingTools   map[string]map[string]string // session_id -> tool_id -> tool_name
	lastSessionMap map[string]model.SessionMapEntry
	fileMtimes     map[string]time.Time
	lastActivity   map[string]time.Time

	// isBound reports whether windowID already has a thread binding,
	// used to suppress duplicate NewWindowEvents for already-bound
	// windows discovered via the live-tmux-window sweep. Wired by the
	// composition root to SessionBinding; nil means "never bound".
	isBound func(windowID string) bool
}

// New creates a Monitor. registry resolves the default provider;
// SetProviderForWindow overrides per-window provider resolution once
// SessionBinding is wired in.
func New(cfg *config.Config, tmux *tmuxadapter.Adapter, registry *provider.Registry, log *logging.Logger) *Monitor {
	m := &Monitor{
		cfg:            cfg,
		tmux:           tmux,
		registry:       registry,
		log:            log,
		pendingTools:   map[string]map[string]string{},
		lastSessionMap: map[string]model.SessionMapEntry{},
		fileMtimes:     map[string]time.Time{},
		lastActivity:   map[string]time.Time{},
	}
	m.st = newState()
	m.store = persistence.New(cfg.MonitorStateFile, log, func() any { return m.st.snapshot() })
	persistence.Load(cfg.MonitorStateFile, log, &loadShim{m.st})
	m.providerForWindow = func(string) provider.Provider { return registry.Get("claude") }
	return m
}

// loadShim adapts state's internal sessions map to json.Unmarshal's
// addressable-pointer requirement without exposing the mutex externally.
type loadShim struct{ s *state }

func (l *loadShim) UnmarshalJSON(data []byte) error {
	var raw map[string]TrackedSession
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	for id, t := range raw {
		cp := t
		cp.SessionID = id
		l.s.Sessions[id] = &cp
	}
	return nil
}

// SetProviderForWindow wires per-window provider resolution, normally
// backed by SessionBinding's window_states provider_name field.
func (m *Monitor) SetProviderForWindow(fn func(windowID string) provider.Provider) {
	m.providerForWindow = fn
}

// SetBoundChecker wires a callback reporting whether windowID already
// has a thread binding, used to avoid re-announcing bound windows as new.
func (m *Monitor) SetBoundChecker(fn func(windowID string) bool) {
	m.isBound = fn
}

func (m *Monitor) SetMessageCallback(fn func(NewMessage))        { m.onMessage = fn }
func (m *Monitor) SetNewWindowCallback(fn func(NewWindowEvent))  { m.onNewWindow = fn }
func (m *Monitor) SetHookEventCallback(fn func(model.HookEvent)) { m.onHookEvent = fn }

// GetLastActivity returns the last time new transcript content was
// observed for sessionID, used by StatusPoller's idle heuristic.
func (m *Monitor) GetLastActivity(sessionID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.lastActivity[sessionID]
	return t, ok
}

// RecordHookActivity resets the idle timer for windowID's bound session,
// called when a hook event (not a transcript write) indicates liveness.
func (m *Monitor) RecordHookActivity(windowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, details := range m.lastSessionMap {
		if windowKeySuffix(key) == windowID {
			m.lastActivity[details.SessionID] = time.Now()
			return
		}
	}
}

func windowKeySuffix(windowKey string) string {
	for i := len(windowKey) - 1; i >= 0; i-- {
		if windowKey[i] == ':' {
			return windowKey[i+1:]
		}
	}
	return windowKey
}

// Run blocks, polling until ctx is cancelled. State is flushed on exit.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("session monitor started", "poll_interval", m.cfg.MonitorPollInterval.String())
	defer m.store.Flush()

	m.cleanupAllStaleSessions()
	current, err := m.loadCurrentSessionMap()
	if err != nil {
		m.log.Warn("failed to load initial session map", "err", err.Error())
	}
	m.mu.Lock()
	m.lastSessionMap = current
	m.mu.Unlock()

	errorStreak := 0
	for {
		select {
		case <-ctx.Done():
			m.log.Info("session monitor stopped")
			return nil
		default:
		}

		if err := m.cycle(); err != nil {
			m.log.Error("monitor loop error", "err", err.Error())
			delay := backoffMin * time.Duration(1<<errorStreak)
			if delay > backoffMax {
				delay = backoffMax
			}
			errorStreak++
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		errorStreak = 0

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.cfg.MonitorPollInterval):
		}
	}
}

func (m *Monitor) cycle() error {
	m.readHookEvents()

	currentMap, err := m.detectAndCleanupChanges()
	if err != nil {
		return err
	}

	if err := m.announceUnboundWindows(currentMap); err != nil {
		return err
	}

	messages, err := m.checkForUpdates(currentMap)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		if msg.Text == "" {
			continue
		}
		preview := msg.Text
		if len(preview) > msgPreviewLength {
			preview = preview[:msgPreviewLength] + "..."
		}
		m.log.Debug("new message", "session_id", msg.SessionID, "preview", preview)
		if m.onMessage != nil {
			m.onMessage(msg)
		}
	}
	return nil
}

// readHookEvents tails events.jsonl from the persisted byte offset,
// resetting on truncation and skipping malformed lines.
func (m *Monitor) readHookEvents() {
	if m.onHookEvent == nil {
		return
	}
	f, err := os.Open(m.cfg.EventsFile)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	if m.eventsOffset > info.Size() {
		m.eventsOffset = 0
	}
	if _, err := f.Seek(m.eventsOffset, 0); err != nil {
		return
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	offset := m.eventsOffset
	for scanner.Scan() {
		line := scanner.Text()
		offset += int64(len(line)) + 1
		if line == "" {
			m.eventsOffset = offset
			continue
		}
		var event model.HookEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			m.log.Debug("skipping malformed event line")
			m.eventsOffset = offset
			continue
		}
		m.eventsOffset = offset
		m.onHookEvent(event)
	}
}

// loadCurrentSessionMap reads session_map.json, keeping only entries
// whose key belongs to this tmux session.
func (m *Monitor) loadCurrentSessionMap() (map[string]model.SessionMapEntry, error) {
	out := map[string]model.SessionMapEntry{}
	data, err := os.ReadFile(m.cfg.SessionMapFile)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return out, nil
	}
	var raw map[string]model.SessionMapEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return out, nil
	}
	prefix := m.cfg.TmuxSessionName + ":"
	for key, entry := range raw {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out[key] = entry
		}
	}
	return out, nil
}

func (m *Monitor) cleanupAllStaleSessions() {
	current, _ := m.loadCurrentSessionMap()
	active := map[string]bool{}
	for _, entry := range current {
		active[entry.SessionID] = true
	}
	var stale []string
	for _, id := range m.st.trackedIDs() {
		if !active[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return
	}
	m.log.Info("startup cleanup: removing stale sessions", "count", len(stale))
	for _, id := range stale {
		m.forgetSession(id)
	}
	m.store.ScheduleSave()
}

func (m *Monitor) forgetSession(sessionID string) {
	m.st.remove(sessionID)
	m.mu.Lock()
	delete(m.fileMtimes, sessionID)
	delete(m.pendingTools, sessionID)
	delete(m.lastActivity, sessionID)
	m.mu.Unlock()
}

// detectAndCleanupChanges compares the freshly loaded session_map to the
// previous cycle's, removing tracked state for replaced/removed windows
// and firing NewWindowEvent for windows that appeared.
func (m *Monitor) detectAndCleanupChanges() (map[string]model.SessionMapEntry, error) {
	current, err := m.loadCurrentSessionMap()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	previous := m.lastSessionMap
	m.mu.Unlock()

	toRemove := map[string]bool{}
	for windowKey, old := range previous {
		if next, ok := current[windowKey]; ok && next.SessionID != old.SessionID {
			m.log.Info("window session changed", "window_key", windowKey, "old", old.SessionID, "new", next.SessionID)
			toRemove[old.SessionID] = true
		}
	}
	for windowKey, old := range previous {
		if _, ok := current[windowKey]; !ok {
			m.log.Info("window deleted, removing session", "window_key", windowKey, "session_id", old.SessionID)
			toRemove[old.SessionID] = true
		}
	}
	for id := range toRemove {
		m.forgetSession(id)
	}
	if len(toRemove) > 0 {
		m.store.ScheduleSave()
	}

	for windowKey, details := range current {
		if _, existed := previous[windowKey]; existed {
			continue
		}
		if m.onNewWindow != nil {
			m.onNewWindow(NewWindowEvent{
				WindowID:   windowKeySuffix(windowKey),
				SessionID:  details.SessionID,
				WindowName: details.WindowName,
				Cwd:        details.Cwd,
			})
		}
	}

	m.mu.Lock()
	m.lastSessionMap = current
	m.mu.Unlock()
	return current, nil
}

// announceUnboundWindows fires NewWindowEvent (with an empty SessionID)
// for live tmux windows that have no session_map entry and no existing
// thread binding yet.
func (m *Monitor) announceUnboundWindows(currentMap map[string]model.SessionMapEntry) error {
	windows, err := m.tmux.ListWindows()
	if err != nil {
		return fmt.Errorf("list windows: %w", err)
	}
	known := map[string]bool{}
	for windowKey := range currentMap {
		known[windowKeySuffix(windowKey)] = true
	}
	for _, w := range windows {
		if known[w.WindowID] {
			continue
		}
		if m.isBound != nil && m.isBound(w.WindowID) {
			continue
		}
		if m.onNewWindow != nil {
			m.onNewWindow(NewWindowEvent{
				WindowID:   w.WindowID,
				WindowName: w.WindowName,
				Cwd:        w.Cwd,
			})
		}
	}
	return nil
}

// checkForUpdates reads new transcript entries for every session in
// currentMap, using the direct transcript_path when available and
// falling back to a projects-directory scan otherwise.
func (m *Monitor) checkForUpdates(currentMap map[string]model.SessionMapEntry) ([]NewMessage, error) {
	var newMessages []NewMessage

	sidToWid := map[string]string{}
	for windowKey, details := range currentMap {
		sidToWid[details.SessionID] = windowKeySuffix(windowKey)
	}

	var direct []sessionInfo
	fallback := map[string]bool{}
	for _, details := range currentMap {
		if details.TranscriptPath != "" {
			if _, err := os.Stat(details.TranscriptPath); err == nil {
				direct = append(direct, sessionInfo{SessionID: details.SessionID, FilePath: details.TranscriptPath})
				continue
			}
		}
		fallback[details.SessionID] = true
	}

	for _, s := range direct {
		m.processSessionFile(s.SessionID, s.FilePath, sidToWid[s.SessionID], &newMessages)
	}

	if len(fallback) > 0 {
		sessions, err := m.scanProjects()
		if err == nil {
			for _, s := range sessions {
				if !fallback[s.SessionID] {
					continue
				}
				m.processSessionFile(s.SessionID, s.FilePath, sidToWid[s.SessionID], &newMessages)
			}
		}
	}

	m.store.ScheduleSave()
	return newMessages, nil
}

func (m *Monitor) processSessionFile(sessionID, filePath, windowID string, newMessages *[]NewMessage) {
	prov := m.providerForWindow(windowID)
	tracked := m.st.get(sessionID)

	info, statErr := os.Stat(filePath)

	if tracked == nil {
		var initialOffset int64
		if prov.SupportsIncrementalRead() {
			if statErr == nil {
				initialOffset = info.Size()
			}
		} else {
			_, n := m.readWholeFile(filePath, 0, prov)
			initialOffset = n
		}
		m.st.update(&TrackedSession{SessionID: sessionID, FilePath: filePath, LastByteOffset: initialOffset})
		if statErr == nil {
			m.mu.Lock()
			m.fileMtimes[sessionID] = info.ModTime()
			m.mu.Unlock()
		}
		m.log.Debug("started tracking session", "session_id", sessionID)
		return
	}

	if statErr != nil {
		return
	}

	m.mu.Lock()
	lastMtime := m.fileMtimes[sessionID]
	m.mu.Unlock()

	if prov.SupportsIncrementalRead() {
		if !info.ModTime().After(lastMtime) && info.Size() <= tracked.LastByteOffset {
			return
		}
	} else if !info.ModTime().After(lastMtime) {
		return
	}

	var entries []map[string]any
	if prov.SupportsIncrementalRead() {
		entries = m.readNewLines(tracked, filePath, prov)
	} else {
		var newOffset int64
		entries, newOffset = m.readWholeFile(filePath, tracked.LastByteOffset, prov)
		tracked.LastByteOffset = newOffset
	}

	m.mu.Lock()
	m.fileMtimes[sessionID] = info.ModTime()
	if len(entries) > 0 {
		m.lastActivity[sessionID] = time.Now()
	}
	carry := m.pendingTools[sessionID]
	m.mu.Unlock()

	agentMessages, remaining := prov.ParseTranscriptEntries(entries, carry)

	m.mu.Lock()
	if len(remaining) > 0 {
		m.pendingTools[sessionID] = remaining
	} else {
		delete(m.pendingTools, sessionID)
	}
	m.mu.Unlock()

	for _, am := range agentMessages {
		if am.Text == "" {
			continue
		}
		*newMessages = append(*newMessages, NewMessage{AgentMessage: am, IsComplete: true})
	}

	m.st.update(tracked)
}

// readNewLines tails filePath from tracked.LastByteOffset, advancing the
// offset only past lines that parsed successfully so a partial write is
// retried next cycle instead of silently dropped.
func (m *Monitor) readNewLines(tracked *TrackedSession, filePath string, prov provider.Provider) []map[string]any {
	var entries []map[string]any

	f, err := os.Open(filePath)
	if err != nil {
		m.log.Error("error reading session file", "path", filePath, "err", err.Error())
		return entries
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return entries
	}
	if tracked.LastByteOffset > info.Size() {
		m.log.Info("transcript truncated, resetting offset", "session_id", tracked.SessionID)
		tracked.LastByteOffset = 0
	}
	if _, err := f.Seek(tracked.LastByteOffset, 0); err != nil {
		return entries
	}

	reader := bufio.NewReader(f)
	safeOffset := tracked.LastByteOffset
	for {
		line, readErr := reader.ReadString('\n')
		if line == "" && readErr != nil {
			break
		}
		trimmed := line
		if len(trimmed) > 0 && trimmed[len(trimmed)-1] == '\n' {
			trimmed = trimmed[:len(trimmed)-1]
		}
		entry, ok := prov.ParseTranscriptLine(trimmed)
		if ok {
			entries = append(entries, entry)
			safeOffset += int64(len(line))
		} else if trimmedNonEmpty(trimmed) {
			m.log.Debug("partial JSONL line, retrying next cycle", "session_id", tracked.SessionID)
			break
		} else {
			safeOffset += int64(len(line))
		}
		if readErr != nil {
			break
		}
	}
	tracked.LastByteOffset = safeOffset
	return entries
}

func trimmedNonEmpty(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\r' {
			return true
		}
	}
	return false
}

// readWholeFile parses filePath as one top-level JSON array of messages
// (used for providers like Gemini whose JSON transcript is not
// line-delimited), treating lastOffset as a message count. prov is not
// consulted; a failed parse returns lastOffset unchanged.
func (m *Monitor) readWholeFile(filePath string, lastOffset int64, prov provider.Provider) ([]map[string]any, int64) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		m.log.Error("error reading transcript file", "path", filePath, "err", err.Error())
		return nil, lastOffset
	}
	var messages []any
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, lastOffset
	}
	if int64(len(messages)) <= lastOffset {
		return nil, lastOffset
	}
	var entries []map[string]any
	for _, raw := range messages[lastOffset:] {
		if entry, ok := raw.(map[string]any); ok {
			entries = append(entries, entry)
		}
	}
	return entries, int64(len(messages))
}

// scanProjects walks the provider's projects directory for transcript
// files belonging to a currently active tmux window cwd, using each
// project's sessions-index.json when present and falling back to
// unindexed *.jsonl files otherwise.
func (m *Monitor) scanProjects() ([]sessionInfo, error) {
	activeCwds, err := m.activeCwds()
	if err != nil {
		return nil, err
	}
	if len(activeCwds) == 0 {
		return nil, nil
	}

	root := m.cfg.ClaudeProjectsPath
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var sessions []sessionInfo
	for _, dirEntry := range entries {
		if !dirEntry.IsDir() {
			continue
		}
		projectDir := filepath.Join(root, dirEntry.Name())
		indexed := map[string]bool{}
		originalPath := ""

		indexPath := filepath.Join(projectDir, "sessions-index.json")
		if data, err := os.ReadFile(indexPath); err == nil {
			var index struct {
				OriginalPath string `json:"originalPath"`
				Entries      []struct {
					SessionID   string `json:"sessionId"`
					FullPath    string `json:"fullPath"`
					ProjectPath string `json:"projectPath"`
				} `json:"entries"`
			}
			if err := json.Unmarshal(data, &index); err == nil {
				originalPath = index.OriginalPath
				for _, e := range index.Entries {
					if e.SessionID == "" || e.FullPath == "" {
						continue
					}
					projectPath := e.ProjectPath
					if projectPath == "" {
						projectPath = originalPath
					}
					if !activeCwds[normalizePath(projectPath)] {
						continue
					}
					indexed[e.SessionID] = true
					if _, err := os.Stat(e.FullPath); err == nil {
						sessions = append(sessions, sessionInfo{SessionID: e.SessionID, FilePath: e.FullPath})
					}
				}
			}
		}

		files, _ := filepath.Glob(filepath.Join(projectDir, "*.jsonl"))
		for _, file := range files {
			sessionID := strings.TrimSuffix(filepath.Base(file), ".jsonl")
			if indexed[sessionID] {
				continue
			}
			projectPath := originalPath
			if projectPath == "" {
				projectPath = readCwdFromJSONL(file)
			}
			if projectPath == "" {
				continue
			}
			if !activeCwds[normalizePath(projectPath)] {
				continue
			}
			sessions = append(sessions, sessionInfo{SessionID: sessionID, FilePath: file})
		}
	}
	return sessions, nil
}

func (m *Monitor) activeCwds() (map[string]bool, error) {
	windows, err := m.tmux.ListWindows()
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	cwds := map[string]bool{}
	for _, w := range windows {
		cwds[normalizePath(w.Cwd)] = true
	}
	return cwds, nil
}

func normalizePath(p string) string {
	if p == "" {
		return p
	}
	if resolved, err := filepath.Abs(p); err == nil {
		if real, err := filepath.EvalSymlinks(resolved); err == nil {
			return real
		}
		return resolved
	}
	return p
}

func readCwdFromJSONL(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if cwd, ok := entry["cwd"].(string); ok && cwd != "" {
			return cwd
		}
	}
	return ""
}
