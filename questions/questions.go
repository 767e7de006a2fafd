// Package questions tracks outstanding "the engine needs user input"
// requests. A waiter registers a question, blocks until the answer arrives
// or a timeout elapses, and the registry entry is removed in every case so
// a late answer becomes a harmless no-op.
package questions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrQuestionExists indicates a question with the same id is already pending.
	ErrQuestionExists = errors.New("question already registered")
	// ErrQuestionUnknown indicates no pending question matches the id.
	ErrQuestionUnknown = errors.New("unknown question")
	// ErrQuestionTimeout indicates no answer arrived within the wait window.
	ErrQuestionTimeout = errors.New("question timed out")
)

type pendingQuestion struct {
	id      string
	payload json.RawMessage
	// ch carries the single resolution. Buffered so Submit's send, which
	// happens under the registry lock, can never block.
	ch   chan map[string]string
	done bool
}

// Manager is a shared registry of pending questions, safe for concurrent
// create/submit/cancel/wait across connections.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*pendingQuestion
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{pending: make(map[string]*pendingQuestion)}
}

// Create registers a new pending question.
func (m *Manager) Create(questionID string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[questionID]; exists {
		return fmt.Errorf("%w: %s", ErrQuestionExists, questionID)
	}
	m.pending[questionID] = &pendingQuestion{
		id:      questionID,
		payload: payload,
		ch:      make(chan map[string]string, 1),
	}
	return nil
}

// Wait blocks until the question is answered, canceled, or timeout
// elapses. The registry entry is removed before Wait returns regardless of
// outcome. A canceled question yields an empty (nil) answer map with no
// error; a timeout yields ErrQuestionTimeout.
func (m *Manager) Wait(ctx context.Context, questionID string, timeout time.Duration) (map[string]string, error) {
	m.mu.Lock()
	q, ok := m.pending[questionID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQuestionUnknown, questionID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case answers := <-q.ch:
		return answers, nil
	case <-timer.C:
		return m.expire(q, ErrQuestionTimeout)
	case <-ctx.Done():
		return m.expire(q, ctx.Err())
	}
}

// expire resolves a wait that lost the race against its deadline. If a
// submission slipped in concurrently it wins: exactly one of answered or
// timed out is observable. Submit marks done and sends under the same
// lock, so done implies the channel holds the answer.
func (m *Manager) expire(q *pendingQuestion, cause error) (map[string]string, error) {
	m.mu.Lock()
	if q.done {
		m.mu.Unlock()
		return <-q.ch, nil
	}
	q.done = true
	delete(m.pending, q.id)
	m.mu.Unlock()
	return nil, fmt.Errorf("question %s: %w", q.id, cause)
}

// Submit delivers answers for a pending question. Returns false for ids
// that are unknown or already resolved (for example an answer arriving
// after the waiter timed out); it never fails.
func (m *Manager) Submit(questionID string, answers map[string]string) bool {
	m.mu.Lock()
	q, ok := m.pending[questionID]
	if !ok || q.done {
		m.mu.Unlock()
		return false
	}
	q.done = true
	delete(m.pending, questionID)
	// The send stays inside the locked region: a waiter whose timer fires
	// must never observe done without the answer already buffered.
	q.ch <- answers
	m.mu.Unlock()
	return true
}

// Cancel resolves a pending question with no answers, unblocking its
// waiter. Symmetric to Submit; used on parent connection teardown.
func (m *Manager) Cancel(questionID string) bool {
	return m.Submit(questionID, nil)
}

// Outstanding reports the number of unresolved questions.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
