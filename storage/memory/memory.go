// Package memory provides an in-memory implementation of
// storage.MessageStore, suitable for tests and single-node deployments
// that can tolerate history loss on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentgate/agentgate/storage"
)

// Store implements storage.MessageStore with plain maps.
type Store struct {
	mu       sync.RWMutex
	records  map[string]storage.SessionRecord
	messages map[string][]storage.Message
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		records:  make(map[string]storage.SessionRecord),
		messages: make(map[string][]storage.Message),
	}
}

func (s *Store) AppendMessage(ctx context.Context, sessionID string, role storage.Role, content string, opts ...storage.AppendOption) error {
	options := &storage.AppendOptions{}
	for _, opt := range opts {
		opt(options)
	}
	msg := storage.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		ToolName:  options.ToolName,
		IsError:   options.IsError,
		Meta:      options.Meta,
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	s.mu.Unlock()
	return nil
}

func (s *Store) SaveSession(ctx context.Context, rec storage.SessionRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	s.records[rec.SessionID] = rec
	s.mu.Unlock()
	return nil
}

func (s *Store) LoadSessions(ctx context.Context) ([]storage.SessionRecord, error) {
	s.mu.RLock()
	recs := make([]storage.SessionRecord, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()
	sort.Slice(recs, func(i, j int) bool { return recs[i].UpdatedAt.After(recs[j].UpdatedAt) })
	return recs, nil
}

func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.Message(nil), s.messages[sessionID]...), nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, hadRecord := s.records[sessionID]
	_, hadLog := s.messages[sessionID]
	if !hadRecord && !hadLog {
		return storage.ErrSessionUnknown
	}
	delete(s.records, sessionID)
	delete(s.messages, sessionID)
	return nil
}

func (s *Store) Close() error { return nil }

var _ storage.MessageStore = (*Store)(nil)
