// Package binding implements SessionBinding: the process-wide owner of
// thread<->window bindings, window metadata, display names, and per-user
// preferences. All state lives in memory and is persisted lazily via
// internal/persistence.
package binding

import (
	"encoding/json"
	"os"
	"regexp"
	"strconv"
	"sync"

	"github.com/beastoin/ccbot/internal/config"
	"github.com/beastoin/ccbot/internal/logging"
	"github.com/beastoin/ccbot/internal/model"
	"github.com/beastoin/ccbot/internal/persistence"
)

// ThreadBinding is one (user, thread) -> window association, as returned
// by IterThreadBindings.
type ThreadBinding struct {
	UserID   int64
	ThreadID int64
	WindowID string
}

// SessionUser is one (user, window, thread) match from FindUsersForSession.
type SessionUser struct {
	UserID   int64
	WindowID string
	ThreadID int64
}

// LiveWindow is the minimal window shape Manager needs for startup
// migration, decoupling this package from internal/tmuxadapter.
type LiveWindow struct {
	WindowID   string
	WindowName string
}

var windowIDPattern = regexp.MustCompile(`^@\d+$`)

// IsWindowID reports whether s looks like a tmux-assigned window id
// ("@12") rather than a legacy window-name key.
func IsWindowID(s string) bool {
	return windowIDPattern.MatchString(s)
}

// Manager owns all binding and preference state.
type Manager struct {
	cfg   *config.Config
	log   *logging.Logger
	store *persistence.Store

	mu                 sync.Mutex
	threadBindings     map[int64]map[int64]string // user_id -> thread_id -> window_id
	windowStates       map[string]*model.WindowState
	windowDisplayNames map[string]string
	groupChatIDs       map[string]int64 // "user:thread" -> chat_id
	userWindowOffsets  map[int64]map[string]int64
	userDirFavorites   map[int64]*model.DirFavorites
}

// New creates a Manager and loads persisted state from cfg.StateFile, if
// present.
func New(cfg *config.Config, log *logging.Logger) *Manager {
	m := &Manager{
		cfg:                cfg,
		log:                log,
		threadBindings:     map[int64]map[int64]string{},
		windowStates:       map[string]*model.WindowState{},
		windowDisplayNames: map[string]string{},
		groupChatIDs:       map[string]int64{},
		userWindowOffsets:  map[int64]map[string]int64{},
		userDirFavorites:   map[int64]*model.DirFavorites{},
	}
	m.store = persistence.New(cfg.StateFile, log, m.snapshot)
	m.load()
	return m
}

// persistedState is the on-disk shape of state.json. Go requires string
// map keys for JSON, so int64 ids are stringified.
type persistedState struct {
	ThreadBindings     map[string]map[string]string `json:"thread_bindings"`
	WindowStates       map[string]model.WindowState `json:"window_states"`
	WindowDisplayNames map[string]string             `json:"window_display_names"`
	GroupChatIDs       map[string]int64              `json:"group_chat_ids"`
	UserWindowOffsets  map[string]map[string]int64   `json:"user_window_offsets"`
	UserDirFavorites   map[string]model.DirFavorites `json:"user_dir_favorites"`
}

func (m *Manager) snapshot() any {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := persistedState{
		ThreadBindings:     map[string]map[string]string{},
		WindowStates:       map[string]model.WindowState{},
		WindowDisplayNames: map[string]string{},
		GroupChatIDs:       map[string]int64{},
		UserWindowOffsets:  map[string]map[string]int64{},
		UserDirFavorites:   map[string]model.DirFavorites{},
	}
	for uid, threads := range m.threadBindings {
		tm := map[string]string{}
		for tid, wid := range threads {
			tm[strconv.FormatInt(tid, 10)] = wid
		}
		out.ThreadBindings[strconv.FormatInt(uid, 10)] = tm
	}
	for wid, ws := range m.windowStates {
		out.WindowStates[wid] = *ws
	}
	for wid, name := range m.windowDisplayNames {
		out.WindowDisplayNames[wid] = name
	}
	for key, chatID := range m.groupChatIDs {
		out.GroupChatIDs[key] = chatID
	}
	for uid, offsets := range m.userWindowOffsets {
		om := map[string]int64{}
		for wid, off := range offsets {
			om[wid] = off
		}
		out.UserWindowOffsets[strconv.FormatInt(uid, 10)] = om
	}
	for uid, fav := range m.userDirFavorites {
		out.UserDirFavorites[strconv.FormatInt(uid, 10)] = *fav
	}
	return out
}

func (m *Manager) load() {
	var data persistedState
	persistence.Load(m.cfg.StateFile, m.log, &data)

	m.mu.Lock()
	defer m.mu.Unlock()

	for uidStr, threads := range data.ThreadBindings {
		uid, err := strconv.ParseInt(uidStr, 10, 64)
		if err != nil {
			continue
		}
		tm := map[int64]string{}
		for tidStr, wid := range threads {
			tid, err := strconv.ParseInt(tidStr, 10, 64)
			if err != nil {
				continue
			}
			tm[tid] = wid
		}
		m.threadBindings[uid] = tm
	}
	for wid, ws := range data.WindowStates {
		cp := ws
		cp.WindowID = wid
		m.windowStates[wid] = &cp
	}
	for wid, name := range data.WindowDisplayNames {
		m.windowDisplayNames[wid] = name
	}
	for key, chatID := range data.GroupChatIDs {
		m.groupChatIDs[key] = chatID
	}
	for uidStr, offsets := range data.UserWindowOffsets {
		uid, err := strconv.ParseInt(uidStr, 10, 64)
		if err != nil {
			continue
		}
		om := map[string]int64{}
		for wid, off := range offsets {
			om[wid] = off
		}
		m.userWindowOffsets[uid] = om
	}
	for uidStr, fav := range data.UserDirFavorites {
		uid, err := strconv.ParseInt(uidStr, 10, 64)
		if err != nil {
			continue
		}
		cp := fav
		m.userDirFavorites[uid] = &cp
	}
}

func groupKey(userID, threadID int64) string {
	return strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(threadID, 10)
}

// BindThread replaces any existing (userID, threadID) binding with
// windowID, per the one-topic-one-window invariant. The previous window
// is left running, unbound.
func (m *Manager) BindThread(userID, threadID int64, windowID, windowName string) {
	m.mu.Lock()
	if m.threadBindings[userID] == nil {
		m.threadBindings[userID] = map[int64]string{}
	}
	m.threadBindings[userID][threadID] = windowID
	if windowName != "" {
		if _, exists := m.windowDisplayNames[windowID]; !exists {
			m.windowDisplayNames[windowID] = windowName
		}
	}
	m.mu.Unlock()
	m.store.ScheduleSave()
}

// UnbindThread removes the binding for (userID, threadID), returning the
// window it was bound to, if any.
func (m *Manager) UnbindThread(userID, threadID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	threads := m.threadBindings[userID]
	if threads == nil {
		return "", false
	}
	windowID, ok := threads[threadID]
	if !ok {
		return "", false
	}
	delete(threads, threadID)
	m.store.ScheduleSave()
	return windowID, true
}

// GetWindowForThread returns the window bound to (userID, threadID).
func (m *Manager) GetWindowForThread(userID, threadID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	threads := m.threadBindings[userID]
	if threads == nil {
		return "", false
	}
	windowID, ok := threads[threadID]
	return windowID, ok
}

// ResolveWindowForThread is an alias of GetWindowForThread kept for
// symmetry with the dispatcher's naming; threadID <= 0 means "no thread".
func (m *Manager) ResolveWindowForThread(userID, threadID int64) (string, bool) {
	if threadID <= 0 {
		return "", false
	}
	return m.GetWindowForThread(userID, threadID)
}

// GetThreadForWindow returns the thread userID has bound to windowID.
func (m *Manager) GetThreadForWindow(userID int64, windowID string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tid, wid := range m.threadBindings[userID] {
		if wid == windowID {
			return tid, true
		}
	}
	return 0, false
}

// IterThreadBindings returns every (user, thread, window) triple.
func (m *Manager) IterThreadBindings() []ThreadBinding {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ThreadBinding
	for uid, threads := range m.threadBindings {
		for tid, wid := range threads {
			out = append(out, ThreadBinding{UserID: uid, ThreadID: tid, WindowID: wid})
		}
	}
	return out
}

// SetGroupChatID records the chat a (userID, threadID) topic actually
// lives in, for users who interact via a shared group.
func (m *Manager) SetGroupChatID(userID, threadID, chatID int64) {
	m.mu.Lock()
	m.groupChatIDs[groupKey(userID, threadID)] = chatID
	m.mu.Unlock()
	m.store.ScheduleSave()
}

// ResolveChatID returns the chat to send to for (userID, threadID):
// the recorded group chat id if one was set, else userID itself
// (matching a private chat's chat_id). threadID <= 0 skips the lookup.
func (m *Manager) ResolveChatID(userID, threadID int64) int64 {
	if threadID > 0 {
		m.mu.Lock()
		chatID, ok := m.groupChatIDs[groupKey(userID, threadID)]
		m.mu.Unlock()
		if ok {
			return chatID
		}
	}
	return userID
}

// GetWindowState returns windowID's state, creating an empty one if this
// is the first reference.
func (m *Manager) GetWindowState(windowID string) *model.WindowState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.windowStates[windowID]
	if !ok {
		ws = &model.WindowState{WindowID: windowID}
		m.windowStates[windowID] = ws
	}
	return ws
}

// ClearWindowSession resets windowID's agent-session fields, used when a
// window is rebound to a fresh session.
func (m *Manager) ClearWindowSession(windowID string) {
	m.mu.Lock()
	ws, ok := m.windowStates[windowID]
	if ok {
		ws.SessionID = ""
		ws.TranscriptPath = ""
	}
	m.mu.Unlock()
	m.store.ScheduleSave()
}

// GetDisplayName returns windowID's last known tmux window name,
// falling back to the window id itself.
func (m *Manager) GetDisplayName(windowID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name, ok := m.windowDisplayNames[windowID]; ok && name != "" {
		return name
	}
	return windowID
}

// SetDisplayName records windowID's current tmux window name.
func (m *Manager) SetDisplayName(windowID, name string) {
	m.mu.Lock()
	m.windowDisplayNames[windowID] = name
	m.mu.Unlock()
	m.store.ScheduleSave()
}

// FindUsersForSession returns every (user, window, thread) binding whose
// window is currently running sessionID.
func (m *Manager) FindUsersForSession(sessionID string) []SessionUser {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SessionUser
	for uid, threads := range m.threadBindings {
		for tid, wid := range threads {
			ws, ok := m.windowStates[wid]
			if ok && ws.SessionID == sessionID {
				out = append(out, SessionUser{UserID: uid, WindowID: wid, ThreadID: tid})
			}
		}
	}
	return out
}

// SetWindowProvider sets windowID's provider_name, creating the window
// state if missing.
func (m *Manager) SetWindowProvider(windowID, providerName string) {
	ws := m.GetWindowState(windowID)
	m.mu.Lock()
	ws.ProviderName = providerName
	m.mu.Unlock()
	m.store.ScheduleSave()
}

// SetNotificationMode sets windowID's notification mode, creating the
// window state if missing.
func (m *Manager) SetNotificationMode(windowID string, mode model.NotificationMode) {
	ws := m.GetWindowState(windowID)
	m.mu.Lock()
	ws.NotificationMode = mode
	m.mu.Unlock()
	m.store.ScheduleSave()
}

// GetUserOffset returns userID's persisted /history byte offset for
// windowID.
func (m *Manager) GetUserOffset(userID int64, windowID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userWindowOffsets[userID][windowID]
}

// SetUserOffset persists userID's /history byte offset for windowID.
func (m *Manager) SetUserOffset(userID int64, windowID string, offset int64) {
	m.mu.Lock()
	if m.userWindowOffsets[userID] == nil {
		m.userWindowOffsets[userID] = map[string]int64{}
	}
	m.userWindowOffsets[userID][windowID] = offset
	m.mu.Unlock()
	m.store.ScheduleSave()
}

// DirFavorites returns userID's starred/MRU directory lists, creating an
// empty record if missing.
func (m *Manager) DirFavorites(userID int64) *model.DirFavorites {
	m.mu.Lock()
	defer m.mu.Unlock()
	fav, ok := m.userDirFavorites[userID]
	if !ok {
		fav = &model.DirFavorites{}
		m.userDirFavorites[userID] = fav
	}
	return fav
}

// PushRecentDir records dir as userID's most recently used directory.
func (m *Manager) PushRecentDir(userID int64, dir string) {
	fav := m.DirFavorites(userID)
	m.mu.Lock()
	fav.PushMRU(dir)
	m.mu.Unlock()
	m.store.ScheduleSave()
}

// Flush forces an immediate persisted write, used on shutdown.
func (m *Manager) Flush() {
	m.store.Flush()
}

// parseSessionMap filters raw session_map.json contents to entries under
// prefix, stripping the prefix and skipping malformed or empty-session_id
// values.
func parseSessionMap(raw map[string]any, prefix string) map[string]model.SessionMapEntry {
	out := map[string]model.SessionMapEntry{}
	for key, rawValue := range raw {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		valueMap, ok := rawValue.(map[string]any)
		if !ok {
			continue
		}
		sessionID, _ := valueMap["session_id"].(string)
		if sessionID == "" {
			continue
		}
		cwd, _ := valueMap["cwd"].(string)
		windowName, _ := valueMap["window_name"].(string)
		transcriptPath, _ := valueMap["transcript_path"].(string)
		providerName, _ := valueMap["provider_name"].(string)
		out[key[len(prefix):]] = model.SessionMapEntry{
			SessionID:      sessionID,
			Cwd:            cwd,
			WindowName:     windowName,
			TranscriptPath: transcriptPath,
			ProviderName:   providerName,
		}
	}
	return out
}

func (m *Manager) readRawSessionMap() (map[string]any, error) {
	data, err := os.ReadFile(m.cfg.SessionMapFile)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// LoadSessionMap pulls window_name/session_id/cwd from session_map.json
// into window_states, initializing a window's display name the first
// time it's seen but never overwriting one a user or prior load already
// set.
func (m *Manager) LoadSessionMap() {
	raw, err := m.readRawSessionMap()
	if err != nil {
		return
	}
	prefix := m.cfg.TmuxSessionName + ":"
	parsed := parseSessionMap(raw, prefix)

	m.mu.Lock()
	defer m.mu.Unlock()
	for windowID, details := range parsed {
		ws, ok := m.windowStates[windowID]
		if !ok {
			ws = &model.WindowState{WindowID: windowID}
			m.windowStates[windowID] = ws
		}
		if ws.WindowName == "" {
			ws.WindowName = details.WindowName
		}
		ws.SessionID = details.SessionID
		ws.Cwd = details.Cwd
		if details.ProviderName != "" {
			ws.ProviderName = details.ProviderName
		}
		if _, exists := m.windowDisplayNames[windowID]; !exists {
			m.windowDisplayNames[windowID] = details.WindowName
		}
	}
}

// PruneSessionMap drops session_map.json entries (under this tmux
// session's prefix) whose window id is not in liveWindowIDs, along with
// their in-memory window_states, and rewrites the file.
func (m *Manager) PruneSessionMap(liveWindowIDs map[string]bool) {
	raw, err := m.readRawSessionMap()
	if err != nil {
		return
	}
	prefix := m.cfg.TmuxSessionName + ":"

	changed := false
	var deadWindowIDs []string
	for key := range raw {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		windowID := key[len(prefix):]
		if !liveWindowIDs[windowID] {
			delete(raw, key)
			deadWindowIDs = append(deadWindowIDs, windowID)
			changed = true
		}
	}
	if !changed {
		return
	}

	m.mu.Lock()
	for _, windowID := range deadWindowIDs {
		delete(m.windowStates, windowID)
	}
	m.mu.Unlock()

	_ = persistence.WriteJSONAtomic(m.cfg.SessionMapFile, raw)
}

// MigrateOnStartup re-resolves every persisted window id that no longer
// exists in liveWindows, by matching its last-known display name against
// the live windows' current names. Entries that cannot be resolved are
// dropped.
func (m *Manager) MigrateOnStartup(liveWindows []LiveWindow) {
	live := map[string]bool{}
	byName := map[string]string{}
	for _, w := range liveWindows {
		live[w.WindowID] = true
		byName[w.WindowName] = w.WindowID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for userID, threads := range m.threadBindings {
		for threadID, windowID := range threads {
			if live[windowID] {
				continue
			}
			name := m.windowDisplayNames[windowID]
			if name == "" {
				name = windowID
			}
			if newID, ok := byName[name]; ok {
				threads[threadID] = newID
				if oldName, hadName := m.windowDisplayNames[windowID]; hadName {
					m.windowDisplayNames[newID] = oldName
					delete(m.windowDisplayNames, windowID)
				}
				if oldState, hadState := m.windowStates[windowID]; hadState {
					oldState.WindowID = newID
					m.windowStates[newID] = oldState
					delete(m.windowStates, windowID)
				}
				continue
			}
			delete(threads, threadID)
		}
		if len(threads) == 0 {
			delete(m.threadBindings, userID)
		}
	}
	m.store.ScheduleSave()
}
