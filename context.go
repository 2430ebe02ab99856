package codeassist

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

// Conversation roles recorded in a session's history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

const (
	defaultMaxContextAge      = 30 * time.Minute
	defaultMaxHistoryEntries  = 50
	defaultMaxActiveFiles     = 20
	defaultMaxContextsPerUser = 10
	defaultCleanupInterval    = 5 * time.Minute
)

// defaultDenyFilePatterns lists workspace files that are never tracked as
// active files, to keep credentials and key material out of session state.
var defaultDenyFilePatterns = []string{
	"**.env*",
	"**.pem",
	"**.key",
	"**id_rsa*",
}

// SessionContext is the unit of conversational memory: the per-session state
// accumulated across requests that carry the same session id. All fields are
// owned by the ContextManager; callers always receive and pass copies.
type SessionContext struct {
	SessionID           string              `json:"session_id"`
	UserID              string              `json:"user_id,omitempty"`
	WorkspacePath       string              `json:"workspace_path,omitempty"`
	ActiveFiles         []string            `json:"active_files"`
	ConversationHistory []ConversationEntry `json:"conversation_history"`
	Metadata            map[string]any      `json:"metadata,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	LastAccessed        time.Time           `json:"last_accessed"`
}

// ConversationEntry is a single turn in a session's conversation history.
type ConversationEntry struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CreateContextParams carries the optional seed data for a new session
// context. A zero value is valid and produces an anonymous session with a
// generated id.
type CreateContextParams struct {
	SessionID     string
	UserID        string
	WorkspacePath string
	Metadata      map[string]any
}

// ContextUpdate describes a partial update to a session context. Nil fields
// are left untouched; non-nil fields replace the current value wholesale
// (last writer wins).
type ContextUpdate struct {
	UserID        *string
	WorkspacePath *string
	Metadata      map[string]any
}

// ContextStats summarizes the state of the context manager across both the
// memory and durable tiers.
type ContextStats struct {
	TotalContexts  int        `json:"total_contexts"`
	CachedContexts int        `json:"cached_contexts"`
	ByAge          AgeBuckets `json:"contexts_by_age"`
	MaxAgeMinutes  int        `json:"max_context_age_minutes"`
	MaxPerUser     int        `json:"max_contexts_per_user"`
}

// AgeBuckets counts sessions by time since their last access.
type AgeBuckets struct {
	Under5Min  int `json:"under_5_min"`
	From5To15  int `json:"5_to_15_min"`
	From15To30 int `json:"15_to_30_min"`
	Over30Min  int `json:"over_30_min"`
}

// ContextManagerOption configures a ContextManager created by NewContextManager.
type ContextManagerOption func(*ContextManager)

// WithStore sets the durable persistence backend. Without a store the manager
// is memory-only and sessions do not survive a restart. The manager never
// closes the store; its owner does.
func WithStore(store ContextStore) ContextManagerOption {
	return func(m *ContextManager) {
		m.store = store
	}
}

// WithMaxContextAge sets the idle TTL after which a session is treated as
// expired and becomes invisible to readers.
func WithMaxContextAge(age time.Duration) ContextManagerOption {
	return func(m *ContextManager) {
		m.maxAge = age
	}
}

// WithMaxHistoryEntries caps a session's conversation history. Appending
// beyond the cap evicts the oldest entries.
func WithMaxHistoryEntries(n int) ContextManagerOption {
	return func(m *ContextManager) {
		m.maxHistory = n
	}
}

// WithMaxActiveFiles caps a session's active file list. Adding beyond the cap
// evicts the oldest entries.
func WithMaxActiveFiles(n int) ContextManagerOption {
	return func(m *ContextManager) {
		m.maxFiles = n
	}
}

// WithMaxContextsPerUser caps how many live sessions a single user may hold.
// Creating a session beyond the cap drops that user's least recently accessed
// sessions. Zero disables the cap.
func WithMaxContextsPerUser(n int) ContextManagerOption {
	return func(m *ContextManager) {
		m.maxPerUser = n
	}
}

// WithCleanupInterval sets how often the background reaper sweeps for expired
// sessions once Start is called.
func WithCleanupInterval(interval time.Duration) ContextManagerOption {
	return func(m *ContextManager) {
		m.sweepInterval = interval
	}
}

// WithDenyFilePatterns replaces the glob patterns that block files from being
// tracked via AddActiveFile. Patterns use '/' as the path separator and are
// matched against the path as given.
func WithDenyFilePatterns(patterns ...string) ContextManagerOption {
	return func(m *ContextManager) {
		m.denyPatterns = patterns
	}
}

// WithContextLogger sets the logger used by the manager. Defaults to
// slog.Default.
func WithContextLogger(logger *slog.Logger) ContextManagerOption {
	return func(m *ContextManager) {
		m.logger = logger
	}
}

// WithContextMetrics attaches metrics to the manager. A nil Metrics disables
// instrumentation.
func WithContextMetrics(metrics *Metrics) ContextManagerOption {
	return func(m *ContextManager) {
		m.metrics = metrics
	}
}

// WithClock overrides the manager's time source.
func WithClock(now func() time.Time) ContextManagerOption {
	return func(m *ContextManager) {
		m.now = now
	}
}

// ContextManager manages per-session conversational state with bounded
// collections, TTL-based expiry, and optional durable persistence.
//
// State is two-tier: a memory table holds live sessions while the optional
// ContextStore keeps durable records for restart survivability. Reads go
// memory, then store, and populate the memory tier on a store hit; every
// mutation is written through to both tiers. Reads refresh a session's last
// access time.
//
// Distinct sessions never block each other: the manager-wide mutex only
// guards the session table and the expiry index, while each session carries
// its own mutex that serializes payload mutation and persistence, making
// appends atomic rather than read-modify-write races.
type ContextManager struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
	expiry  expiryHeap

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	store     ContextStore
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
	denyGlobs []glob.Glob

	maxAge        time.Duration
	maxHistory    int
	maxFiles      int
	maxPerUser    int
	sweepInterval time.Duration
	denyPatterns  []string
}

// sessionEntry is one slot in the memory tier. The payload mutex (mu)
// serializes mutation and persistence of sc. lastAccessed, heapIndex and gone
// belong to the expiry index and are guarded by the manager mutex; sc.SessionID
// is immutable and may be read without locking.
type sessionEntry struct {
	mu sync.Mutex
	sc *SessionContext

	lastAccessed time.Time
	heapIndex    int
	gone         bool
}

// NewContextManager creates a context manager. The background reaper is not
// running until Start is called; expiry is still enforced lazily on access.
func NewContextManager(options ...ContextManagerOption) *ContextManager {
	m := &ContextManager{
		entries:       make(map[string]*sessionEntry),
		logger:        slog.Default(),
		now:           time.Now,
		maxAge:        defaultMaxContextAge,
		maxHistory:    defaultMaxHistoryEntries,
		maxFiles:      defaultMaxActiveFiles,
		maxPerUser:    defaultMaxContextsPerUser,
		sweepInterval: defaultCleanupInterval,
		denyPatterns:  defaultDenyFilePatterns,
	}
	for _, opt := range options {
		opt(m)
	}
	m.logger = m.logger.With("component", "context-manager")

	for _, pattern := range m.denyPatterns {
		compiled, err := glob.Compile(pattern, '/')
		if err != nil {
			m.logger.Warn("ignoring invalid deny pattern", "pattern", pattern, "err", err)
			continue
		}
		m.denyGlobs = append(m.denyGlobs, compiled)
	}

	return m
}

// NewSessionID returns a fresh opaque session identifier.
func NewSessionID() string {
	id := uuid.New()
	return fmt.Sprintf("mcp_session_%x", id[:4])
}

// Start launches the background reaper that sweeps expired sessions on the
// configured interval. It is a no-op if the reaper is already running.
func (m *ContextManager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	go m.reapLoop(stopCh, doneCh)
	m.logger.Info("started context manager", "cleanup_interval", m.sweepInterval)
}

// Close stops the background reaper and waits for it to exit. Close does not
// close the configured store. It is a no-op if the reaper is not running.
func (m *ContextManager) Close() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
	m.logger.Info("stopped context manager")
}

func (m *ContextManager) reapLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if removed := m.CleanupExpired(context.Background()); removed > 0 {
				m.logger.Debug("background cleanup removed expired contexts", "count", removed)
			}
		}
	}
}

// Create creates a new session context, generating a session id when none is
// given. An existing session with the same id is replaced. When the session
// belongs to a user, that user's per-user limit is enforced immediately.
func (m *ContextManager) Create(ctx context.Context, params CreateContextParams) *SessionContext {
	id := params.SessionID
	if id == "" {
		id = NewSessionID()
	}
	now := m.now()

	sc := &SessionContext{
		SessionID:           id,
		UserID:              params.UserID,
		WorkspacePath:       params.WorkspacePath,
		ActiveFiles:         []string{},
		ConversationHistory: []ConversationEntry{},
		Metadata:            maps.Clone(params.Metadata),
		CreatedAt:           now,
		LastAccessed:        now,
	}
	if sc.Metadata == nil {
		sc.Metadata = map[string]any{}
	}
	// Snapshot before the entry becomes reachable; concurrent writers may
	// mutate sc the moment it is published.
	out := sc.clone()
	e := &sessionEntry{sc: sc, lastAccessed: now}

	m.mu.Lock()
	if old, ok := m.entries[id]; ok {
		old.gone = true
		heap.Remove(&m.expiry, old.heapIndex)
	} else {
		m.metrics.SessionOpened()
	}
	m.entries[id] = e
	heap.Push(&m.expiry, e)
	m.mu.Unlock()

	e.mu.Lock()
	m.persist(ctx, e)
	e.mu.Unlock()

	m.logger.Info("created session context", "session_id", id)

	if params.UserID != "" && m.maxPerUser > 0 {
		m.EnforcePerUserLimit(ctx, params.UserID, m.maxPerUser)
	}

	return out
}

// GetOrCreate returns the session context, creating it when missing or
// expired. Unlike Create it never replaces live state, so concurrent callers
// racing to materialize the same session all land on one entry and none of
// their writes are lost.
func (m *ContextManager) GetOrCreate(ctx context.Context, params CreateContextParams) *SessionContext {
	id := params.SessionID
	if id == "" {
		return m.Create(ctx, params)
	}
	for {
		if e := m.acquire(ctx, id); e != nil {
			m.persist(ctx, e)
			sc := e.sc.clone()
			e.mu.Unlock()
			return sc
		}

		now := m.now()
		sc := &SessionContext{
			SessionID:           id,
			UserID:              params.UserID,
			WorkspacePath:       params.WorkspacePath,
			ActiveFiles:         []string{},
			ConversationHistory: []ConversationEntry{},
			Metadata:            maps.Clone(params.Metadata),
			CreatedAt:           now,
			LastAccessed:        now,
		}
		if sc.Metadata == nil {
			sc.Metadata = map[string]any{}
		}
		out := sc.clone()
		e := &sessionEntry{sc: sc, lastAccessed: now}

		m.mu.Lock()
		if _, ok := m.entries[id]; ok {
			// Lost the creation race; loop and read whoever won.
			m.mu.Unlock()
			continue
		}
		m.entries[id] = e
		heap.Push(&m.expiry, e)
		m.mu.Unlock()

		m.metrics.SessionOpened()

		e.mu.Lock()
		m.persist(ctx, e)
		e.mu.Unlock()

		m.logger.Info("created session context", "session_id", id)

		if params.UserID != "" && m.maxPerUser > 0 {
			m.EnforcePerUserLimit(ctx, params.UserID, m.maxPerUser)
		}
		return out
	}
}

// Get returns a copy of the session context, or nil when the session is
// missing or has sat idle past the TTL. A successful read refreshes the
// session's last access time in both tiers.
func (m *ContextManager) Get(ctx context.Context, sessionID string) *SessionContext {
	e := m.acquire(ctx, sessionID)
	if e == nil {
		return nil
	}
	defer e.mu.Unlock()

	m.persist(ctx, e)
	return e.sc.clone()
}

// Update applies a partial update to a session context. It reports whether
// the session existed.
func (m *ContextManager) Update(ctx context.Context, sessionID string, update ContextUpdate) bool {
	e := m.acquire(ctx, sessionID)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()

	if update.UserID != nil {
		e.sc.UserID = *update.UserID
	}
	if update.WorkspacePath != nil {
		e.sc.WorkspacePath = *update.WorkspacePath
	}
	if update.Metadata != nil {
		e.sc.Metadata = maps.Clone(update.Metadata)
	}
	m.persist(ctx, e)

	m.logger.Debug("updated session context", "session_id", sessionID)
	return true
}

// AddConversationEntry appends one turn to the session's conversation
// history, evicting the oldest entries beyond the history cap. The append is
// a single atomic operation with respect to concurrent calls for the same
// session. It reports whether the session existed.
func (m *ContextManager) AddConversationEntry(
	ctx context.Context,
	sessionID string,
	role string,
	content string,
	metadata map[string]any,
) bool {
	e := m.acquire(ctx, sessionID)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()

	entry := ConversationEntry{
		Role:      role,
		Content:   content,
		Timestamp: m.now(),
		Metadata:  maps.Clone(metadata),
	}
	e.sc.ConversationHistory = append(e.sc.ConversationHistory, entry)
	if n := len(e.sc.ConversationHistory); n > m.maxHistory {
		e.sc.ConversationHistory = e.sc.ConversationHistory[n-m.maxHistory:]
	}
	m.persist(ctx, e)

	m.logger.Debug("added conversation entry", "session_id", sessionID, "role", role)
	return true
}

// History returns up to limit entries from the tail of the session's
// conversation history, or the whole history when limit is not positive.
func (m *ContextManager) History(ctx context.Context, sessionID string, limit int) []ConversationEntry {
	e := m.acquire(ctx, sessionID)
	if e == nil {
		return nil
	}
	defer e.mu.Unlock()

	history := e.sc.ConversationHistory
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}

	out := make([]ConversationEntry, len(history))
	for i, entry := range history {
		entry.Metadata = maps.Clone(entry.Metadata)
		out[i] = entry
	}
	return out
}

// AddActiveFile records a file as active in the session, evicting the oldest
// entries beyond the active file cap. Re-adding a tracked file is a no-op.
// Files matching a deny pattern are refused. It reports whether the file is
// tracked afterwards.
func (m *ContextManager) AddActiveFile(ctx context.Context, sessionID, filePath string) bool {
	if m.fileDenied(filePath) {
		m.logger.Warn("refused to track sensitive file", "session_id", sessionID, "path", filePath)
		return false
	}

	e := m.acquire(ctx, sessionID)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()

	if !slices.Contains(e.sc.ActiveFiles, filePath) {
		e.sc.ActiveFiles = append(e.sc.ActiveFiles, filePath)
		if n := len(e.sc.ActiveFiles); n > m.maxFiles {
			e.sc.ActiveFiles = e.sc.ActiveFiles[n-m.maxFiles:]
		}
		m.persist(ctx, e)
		m.logger.Debug("added active file", "session_id", sessionID, "path", filePath)
	}
	return true
}

// RemoveActiveFile stops tracking a file in the session. It reports whether
// the file was tracked.
func (m *ContextManager) RemoveActiveFile(ctx context.Context, sessionID, filePath string) bool {
	e := m.acquire(ctx, sessionID)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()

	i := slices.Index(e.sc.ActiveFiles, filePath)
	if i < 0 {
		return false
	}
	e.sc.ActiveFiles = slices.Delete(e.sc.ActiveFiles, i, i+1)
	m.persist(ctx, e)

	m.logger.Debug("removed active file", "session_id", sessionID, "path", filePath)
	return true
}

// Clear empties the session's history, active files, and metadata while
// keeping the session itself alive. It reports whether the session existed.
func (m *ContextManager) Clear(ctx context.Context, sessionID string) bool {
	e := m.acquire(ctx, sessionID)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()

	e.sc.ActiveFiles = []string{}
	e.sc.ConversationHistory = []ConversationEntry{}
	e.sc.Metadata = map[string]any{}
	m.persist(ctx, e)

	m.logger.Info("cleared session context", "session_id", sessionID)
	return true
}

// Delete removes the session from both tiers. It reports whether any state
// was removed.
func (m *ContextManager) Delete(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	if ok {
		e.gone = true
		heap.Remove(&m.expiry, e.heapIndex)
		delete(m.entries, sessionID)
	}
	m.mu.Unlock()

	removed := ok
	if ok {
		m.metrics.SessionClosed()
	}

	if m.store != nil {
		deleted, err := m.store.Delete(ctx, sessionID)
		if err != nil {
			m.logger.Warn("failed to delete stored context", "session_id", sessionID, "err", err)
		}
		removed = removed || deleted
	}

	if removed {
		m.logger.Info("deleted session context", "session_id", sessionID)
	}
	return removed
}

// ListForUser returns copies of every live session belonging to the user,
// without refreshing their last access times.
func (m *ContextManager) ListForUser(ctx context.Context, userID string) []*SessionContext {
	now := m.now()
	var out []*SessionContext

	inMemory := map[string]bool{}
	for _, e := range m.snapshotEntries() {
		e.mu.Lock()
		inMemory[e.sc.SessionID] = true
		if e.sc.UserID == userID && now.Sub(e.sc.LastAccessed) <= m.maxAge {
			out = append(out, e.sc.clone())
		}
		e.mu.Unlock()
	}

	if m.store == nil {
		return out
	}
	ids, err := m.store.List(ctx)
	if err != nil {
		m.logger.Warn("failed to list stored contexts", "err", err)
		return out
	}
	for _, id := range ids {
		if inMemory[id] {
			continue
		}
		sc, err := m.store.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrContextNotFound) {
				m.logger.Warn("failed to read stored context", "session_id", id, "err", err)
			}
			continue
		}
		if sc.UserID == userID && now.Sub(sc.LastAccessed) <= m.maxAge {
			out = append(out, sc)
		}
	}
	return out
}

// CleanupExpired removes every session whose last access is older than the
// TTL from both tiers and returns the number of sessions removed. The expiry
// index makes the memory sweep proportional to the number of expired
// sessions, and the index lock is only held for one removal at a time.
func (m *ContextManager) CleanupExpired(ctx context.Context) int {
	cutoff := m.now().Add(-m.maxAge)
	removed := map[string]bool{}

	for {
		m.mu.Lock()
		if m.expiry.Len() == 0 || !m.expiry[0].lastAccessed.Before(cutoff) {
			m.mu.Unlock()
			break
		}
		e := heap.Pop(&m.expiry).(*sessionEntry)
		e.gone = true
		delete(m.entries, e.sc.SessionID)
		m.mu.Unlock()

		m.metrics.SessionClosed()
		removed[e.sc.SessionID] = true
		if m.store != nil {
			if _, err := m.store.Delete(ctx, e.sc.SessionID); err != nil {
				m.logger.Warn("failed to delete stored context", "session_id", e.sc.SessionID, "err", err)
			}
		}
	}

	if m.store != nil {
		ids, err := m.store.ExpiredBefore(ctx, cutoff)
		if err != nil {
			m.logger.Warn("failed to enumerate expired contexts", "err", err)
		}
		for _, id := range ids {
			if removed[id] {
				continue
			}
			m.mu.Lock()
			_, live := m.entries[id]
			m.mu.Unlock()
			if live {
				continue
			}
			deleted, err := m.store.Delete(ctx, id)
			if err != nil {
				m.logger.Warn("failed to delete stored context", "session_id", id, "err", err)
				continue
			}
			if deleted {
				removed[id] = true
			}
		}
	}

	n := len(removed)
	if n > 0 {
		m.metrics.SessionsReaped(n)
		m.logger.Debug("cleaned up expired session contexts", "count", n)
	}
	return n
}

// EnforcePerUserLimit drops the user's least recently accessed sessions until
// at most maxContexts remain, returning the number of sessions removed.
func (m *ContextManager) EnforcePerUserLimit(ctx context.Context, userID string, maxContexts int) int {
	if maxContexts <= 0 {
		return 0
	}
	contexts := m.ListForUser(ctx, userID)
	if len(contexts) <= maxContexts {
		return 0
	}

	slices.SortFunc(contexts, func(a, b *SessionContext) int {
		return a.LastAccessed.Compare(b.LastAccessed)
	})

	removed := 0
	for _, sc := range contexts[:len(contexts)-maxContexts] {
		if m.Delete(ctx, sc.SessionID) {
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("enforced per-user context limit", "user_id", userID, "removed", removed)
	}
	return removed
}

// Stats reports counts across both tiers, bucketing sessions by time since
// their last access.
func (m *ContextManager) Stats(ctx context.Context) ContextStats {
	now := m.now()
	stats := ContextStats{
		MaxAgeMinutes: int(m.maxAge.Minutes()),
		MaxPerUser:    m.maxPerUser,
	}

	bucket := func(lastAccessed time.Time) {
		switch age := now.Sub(lastAccessed); {
		case age < 5*time.Minute:
			stats.ByAge.Under5Min++
		case age < 15*time.Minute:
			stats.ByAge.From5To15++
		case age < 30*time.Minute:
			stats.ByAge.From15To30++
		default:
			stats.ByAge.Over30Min++
		}
	}

	seen := map[string]bool{}
	for _, e := range m.snapshotEntries() {
		e.mu.Lock()
		seen[e.sc.SessionID] = true
		bucket(e.sc.LastAccessed)
		e.mu.Unlock()
	}
	stats.CachedContexts = len(seen)

	if m.store != nil {
		ids, err := m.store.List(ctx)
		if err != nil {
			m.logger.Warn("failed to list stored contexts", "err", err)
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			sc, err := m.store.Get(ctx, id)
			if err != nil {
				continue
			}
			seen[id] = true
			bucket(sc.LastAccessed)
		}
	}

	stats.TotalContexts = len(seen)
	return stats
}

// acquire returns the live entry for the session with its payload mutex held,
// refreshing the expiry index, falling back to the durable tier on a memory
// miss. It returns nil when the session is missing or expired; an expired
// session is removed from both tiers on the way out.
func (m *ContextManager) acquire(ctx context.Context, sessionID string) *sessionEntry {
	for {
		m.mu.Lock()
		e, ok := m.entries[sessionID]
		m.mu.Unlock()

		if !ok {
			if e = m.loadFromStore(ctx, sessionID); e == nil {
				return nil
			}
			continue
		}

		e.mu.Lock()
		now := m.now()

		m.mu.Lock()
		if e.gone {
			m.mu.Unlock()
			e.mu.Unlock()
			continue
		}
		if now.Sub(e.lastAccessed) > m.maxAge {
			e.gone = true
			heap.Remove(&m.expiry, e.heapIndex)
			delete(m.entries, sessionID)
			m.mu.Unlock()
			e.mu.Unlock()

			m.metrics.SessionClosed()
			if m.store != nil {
				if _, err := m.store.Delete(ctx, sessionID); err != nil {
					m.logger.Warn("failed to delete stored context", "session_id", sessionID, "err", err)
				}
			}
			m.logger.Debug("session context expired", "session_id", sessionID)
			return nil
		}
		e.lastAccessed = now
		heap.Fix(&m.expiry, e.heapIndex)
		m.mu.Unlock()

		e.sc.LastAccessed = now
		return e
	}
}

// loadFromStore populates the memory tier from the durable tier. A record
// already past the TTL is deleted rather than resurrected.
func (m *ContextManager) loadFromStore(ctx context.Context, sessionID string) *sessionEntry {
	if m.store == nil {
		return nil
	}
	sc, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, ErrContextNotFound) {
			m.logger.Warn("failed to read stored context", "session_id", sessionID, "err", err)
		}
		return nil
	}
	if m.now().Sub(sc.LastAccessed) > m.maxAge {
		if _, err := m.store.Delete(ctx, sessionID); err != nil {
			m.logger.Warn("failed to delete stored context", "session_id", sessionID, "err", err)
		}
		return nil
	}

	m.mu.Lock()
	if existing, ok := m.entries[sessionID]; ok {
		m.mu.Unlock()
		return existing
	}
	e := &sessionEntry{sc: sc, lastAccessed: sc.LastAccessed}
	m.entries[sessionID] = e
	heap.Push(&m.expiry, e)
	m.mu.Unlock()

	m.metrics.SessionOpened()
	m.logger.Debug("loaded session context from store", "session_id", sessionID)
	return e
}

// persist writes the entry through to the durable tier. The caller must hold
// the entry's payload mutex. Persistence failures are logged and absorbed so
// the memory tier stays authoritative.
func (m *ContextManager) persist(ctx context.Context, e *sessionEntry) {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	gone := e.gone
	m.mu.Unlock()
	if gone {
		return
	}
	if err := m.store.Put(ctx, e.sc); err != nil {
		m.logger.Warn("failed to persist session context", "session_id", e.sc.SessionID, "err", err)
	}
}

func (m *ContextManager) snapshotEntries() []*sessionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]*sessionEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	return entries
}

func (m *ContextManager) fileDenied(path string) bool {
	for _, g := range m.denyGlobs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

func (sc *SessionContext) clone() *SessionContext {
	cp := *sc
	cp.ActiveFiles = slices.Clone(sc.ActiveFiles)
	cp.ConversationHistory = make([]ConversationEntry, len(sc.ConversationHistory))
	for i, entry := range sc.ConversationHistory {
		entry.Metadata = maps.Clone(entry.Metadata)
		cp.ConversationHistory[i] = entry
	}
	cp.Metadata = maps.Clone(sc.Metadata)
	return &cp
}

// expiryHeap is a min-heap over session entries ordered by last access time,
// so expiry sweeps cost O(expired), not O(all sessions). Guarded by the
// manager mutex.
type expiryHeap []*sessionEntry

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool {
	return h[i].lastAccessed.Before(h[j].lastAccessed)
}

func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *expiryHeap) Push(x any) {
	e := x.(*sessionEntry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}
