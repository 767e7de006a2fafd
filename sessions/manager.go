// Package sessions owns the in-memory session cache shared across
// connections: a single metadata table keyed by a synthetic internal key,
// with two lookup indices (pending handle and engine session id) that are
// always updated together under one lock.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/agents"
	"github.com/agentgate/agentgate/engine"
	"github.com/agentgate/agentgate/storage"
)

// ErrSessionNotFound indicates the id resolves to no live session.
var ErrSessionNotFound = errors.New("session not found")

// PendingPrefix marks handles issued before the engine has reported its
// own session identifier.
const PendingPrefix = "pending_"

const (
	// DefaultTTL is how long an untouched cache entry survives.
	DefaultTTL = 30 * time.Minute
	// DefaultCapacity bounds the cache size after TTL eviction.
	DefaultCapacity = 100
)

// Metadata is the cached state for one session. Mutated only while the
// manager's lock is held; callers receive copies.
type Metadata struct {
	PendingHandle   string
	Agent           string
	EngineSessionID string
	TurnCount       int
	LastAccessed    time.Time
}

type entry struct {
	key string
	md  Metadata
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the entry time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithCapacity overrides the cache capacity.
func WithCapacity(capacity int) Option {
	return func(m *Manager) { m.capacity = capacity }
}

// WithClock overrides the time source. Tests use this to age entries.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger sets the manager's logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// Manager is the shared session cache. Index mutation happens under one
// lock; engine I/O (construction, disconnect) never does.
type Manager struct {
	mu        sync.Mutex
	table     map[string]*entry // synthetic key -> metadata
	byPending map[string]string // pending handle -> key
	byEngine  map[string]string // engine session id -> key
	live      map[string]engine.Execution
	seq       uint64

	ttl      time.Duration
	capacity int
	clock    func() time.Time

	factory  engine.Factory
	store    storage.MessageStore
	registry *agents.Registry
	log      *slog.Logger
}

// NewManager creates a Manager backed by the given execution factory,
// message store and agent registry.
func NewManager(factory engine.Factory, store storage.MessageStore, registry *agents.Registry, opts ...Option) *Manager {
	m := &Manager{
		table:     make(map[string]*entry),
		byPending: make(map[string]string),
		byEngine:  make(map[string]string),
		live:      make(map[string]engine.Execution),
		ttl:       DefaultTTL,
		capacity:  DefaultCapacity,
		clock:     time.Now,
		factory:   factory,
		store:     store,
		registry:  registry,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GeneratePendingHandle produces a fresh client-visible session handle,
// prefixed to mark it as not yet resolved by the engine.
func (m *Manager) GeneratePendingHandle() string {
	return PendingPrefix + uuid.NewString()
}

// RegisterEngineSessionID records the engine-assigned identifier for a
// session that started as pending. Idempotent; a no-op when the metadata
// was already evicted, since there is nothing left to index.
func (m *Manager) RegisterEngineSessionID(pendingHandle, engineSessionID string) {
	m.mu.Lock()
	evicted := m.evictLocked(m.clock())
	if k, ok := m.byPending[pendingHandle]; ok {
		e := m.table[k]
		if e.md.EngineSessionID == "" {
			e.md.EngineSessionID = engineSessionID
			m.byEngine[engineSessionID] = k
		}
	}
	m.mu.Unlock()
	m.disconnectAll(evicted)
}

// IsCached reports whether the id resolves, via either index, to live
// metadata.
func (m *Manager) IsCached(id string) bool {
	m.mu.Lock()
	evicted := m.evictLocked(m.clock())
	k := m.resolveKeyLocked(id)
	m.mu.Unlock()
	m.disconnectAll(evicted)
	return k != ""
}

// Lookup returns a copy of the cached metadata for the id.
func (m *Manager) Lookup(id string) (Metadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.resolveKeyLocked(id)
	if k == "" {
		return Metadata{}, false
	}
	return m.table[k].md, true
}

// ResolveOrCreate looks the id up in either index and constructs a fresh
// execution object in both cases. On a hit the execution resumes the
// cached engine session; on a miss (including an empty id) a new pending
// entry is created with the given agent selector. The returned bool
// reports whether the id was found.
func (m *Manager) ResolveOrCreate(ctx context.Context, id, agentSelector string, canUse engine.CanUseToolFunc) (engine.Execution, string, bool, error) {
	now := m.clock()

	m.mu.Lock()
	evicted := m.evictLocked(now)
	k := m.resolveKeyLocked(id)
	var md Metadata
	if k != "" {
		e := m.table[k]
		e.md.LastAccessed = now
		md = e.md
	}
	m.mu.Unlock()
	m.disconnectAll(evicted)

	if k != "" {
		agent, err := m.agentFor(md.Agent)
		if err != nil {
			return nil, "", false, err
		}
		exec := m.factory.NewExecution(engine.ExecutionOptions{
			Agent:           agent,
			ResumeSessionID: md.EngineSessionID,
			CanUseTool:      canUse,
		})
		m.mu.Lock()
		m.live[k] = exec
		m.mu.Unlock()
		return exec, md.PendingHandle, true, nil
	}

	agent, err := m.registry.Get(agentSelector)
	if err != nil {
		return nil, "", false, err
	}

	handle := m.GeneratePendingHandle()
	exec := m.factory.NewExecution(engine.ExecutionOptions{
		Agent:      agent,
		CanUseTool: canUse,
	})

	m.mu.Lock()
	m.seq++
	key := "s" + strconv.FormatUint(m.seq, 10)
	m.table[key] = &entry{key: key, md: Metadata{
		PendingHandle: handle,
		Agent:         agentSelector,
		LastAccessed:  now,
	}}
	m.byPending[handle] = key
	m.live[key] = exec
	m.mu.Unlock()

	return exec, handle, false, nil
}

// IncrementTurnCount bumps the session's turn counter and refreshes its
// last-access time, returning the new count.
func (m *Manager) IncrementTurnCount(id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.resolveKeyLocked(id)
	if k == "" {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e := m.table[k]
	e.md.TurnCount++
	e.md.LastAccessed = m.clock()
	return e.md.TurnCount, nil
}

// ReleaseExecution detaches the given live execution for the id without
// touching the cached metadata, so a later connection can resume the
// session. A no-op when a newer connection has already re-registered the
// session with its own execution.
func (m *Manager) ReleaseExecution(id string, exec engine.Execution) {
	m.mu.Lock()
	if k := m.resolveKeyLocked(id); k != "" && m.live[k] == exec {
		delete(m.live, k)
	}
	m.mu.Unlock()
}

// Close disconnects the session's live execution object and drops the
// session from the cache. Fails with ErrSessionNotFound when no live
// execution is associated with the id; metadata-only entries do not
// qualify.
func (m *Manager) Close(ctx context.Context, id string) error {
	exec, _, err := m.removeLive(id)
	if err != nil {
		return err
	}
	if err := exec.Disconnect(); err != nil {
		m.log.Warn("session.close.disconnect.fail", slog.String("id", id), slog.String("err", err.Error()))
	}
	return nil
}

// Delete is Close plus purging the session's durable storage.
func (m *Manager) Delete(ctx context.Context, id string) error {
	exec, md, err := m.removeLive(id)
	if err != nil {
		return err
	}
	if err := exec.Disconnect(); err != nil {
		m.log.Warn("session.delete.disconnect.fail", slog.String("id", id), slog.String("err", err.Error()))
	}
	storageID := md.EngineSessionID
	if storageID == "" {
		storageID = md.PendingHandle
	}
	if err := m.store.DeleteSession(ctx, storageID); err != nil && !errors.Is(err, storage.ErrSessionUnknown) {
		return fmt.Errorf("purge session %s: %w", storageID, err)
	}
	return nil
}

// Len reports the number of cached entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}

// Shutdown disconnects every live execution. Called once at process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	execs := make([]engine.Execution, 0, len(m.live))
	for k, exec := range m.live {
		execs = append(execs, exec)
		delete(m.live, k)
	}
	m.mu.Unlock()
	m.disconnectAll(execs)
}

func (m *Manager) removeLive(id string) (engine.Execution, Metadata, error) {
	m.mu.Lock()
	evicted := m.evictLocked(m.clock())
	k := m.resolveKeyLocked(id)
	var exec engine.Execution
	var md Metadata
	if k != "" {
		if exec = m.live[k]; exec != nil {
			md = m.table[k].md
			delete(m.live, k)
			m.removeLocked(k)
		}
	}
	m.mu.Unlock()
	m.disconnectAll(evicted)
	if exec == nil {
		return nil, Metadata{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return exec, md, nil
}

// resolveKeyLocked maps a client-visible id through either index.
func (m *Manager) resolveKeyLocked(id string) string {
	if id == "" {
		return ""
	}
	if k, ok := m.byPending[id]; ok {
		return k
	}
	if k, ok := m.byEngine[id]; ok {
		return k
	}
	return ""
}

// removeLocked drops an entry and both of its index mappings together.
func (m *Manager) removeLocked(k string) {
	e, ok := m.table[k]
	if !ok {
		return
	}
	delete(m.byPending, e.md.PendingHandle)
	if e.md.EngineSessionID != "" {
		delete(m.byEngine, e.md.EngineSessionID)
	}
	delete(m.table, k)
}

// evictLocked removes entries untouched for longer than the TTL, then
// trims the oldest entries until the cache fits its capacity. Detached
// live executions are returned for the caller to disconnect outside the
// lock.
func (m *Manager) evictLocked(now time.Time) []engine.Execution {
	var detached []engine.Execution
	evict := func(k string) {
		if exec, ok := m.live[k]; ok {
			detached = append(detached, exec)
			delete(m.live, k)
		}
		m.removeLocked(k)
	}

	for k, e := range m.table {
		if now.Sub(e.md.LastAccessed) > m.ttl {
			evict(k)
		}
	}

	if overflow := len(m.table) - m.capacity; overflow > 0 {
		rest := make([]*entry, 0, len(m.table))
		for _, e := range m.table {
			rest = append(rest, e)
		}
		sort.Slice(rest, func(i, j int) bool {
			return rest[i].md.LastAccessed.Before(rest[j].md.LastAccessed)
		})
		for _, e := range rest[:overflow] {
			evict(e.key)
		}
	}

	return detached
}

func (m *Manager) disconnectAll(execs []engine.Execution) {
	for _, exec := range execs {
		if err := exec.Disconnect(); err != nil {
			m.log.Warn("session.evict.disconnect.fail", slog.String("err", err.Error()))
		}
	}
}

// agentFor resolves a cached agent selector, falling back to the default
// definition if it vanished from the registry since the session began.
func (m *Manager) agentFor(selector string) (agents.Agent, error) {
	a, err := m.registry.Get(selector)
	if err == nil {
		return a, nil
	}
	if errors.Is(err, agents.ErrAgentNotFound) {
		return m.registry.Get("")
	}
	return agents.Agent{}, err
}
