// Package storage defines the durable store for session metadata and the
// append-only per-session message log.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrSessionUnknown is returned by DeleteSession when no durable state
// exists for the id.
var ErrSessionUnknown = errors.New("storage: unknown session")

// Role tags a message log entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a session's append-only log.
type Message struct {
	SessionID string            `json:"sessionId"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	ToolName  string            `json:"toolName,omitempty"`
	IsError   bool              `json:"isError,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// SessionRecord is the durable metadata for one session.
type SessionRecord struct {
	SessionID     string    `json:"sessionId"`
	PendingHandle string    `json:"pendingHandle"`
	Agent         string    `json:"agent,omitempty"`
	TurnCount     int       `json:"turnCount"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// AppendOption configures one AppendMessage call.
type AppendOption func(*AppendOptions)

// AppendOptions collects optional message attributes.
type AppendOptions struct {
	ToolName string
	IsError  bool
	Meta     map[string]string
}

// WithToolName tags the entry with the tool that produced it.
func WithToolName(name string) AppendOption {
	return func(o *AppendOptions) { o.ToolName = name }
}

// WithError marks the entry as an error result.
func WithError(isError bool) AppendOption {
	return func(o *AppendOptions) { o.IsError = isError }
}

// WithMeta attaches free-form metadata to the entry.
func WithMeta(meta map[string]string) AppendOption {
	return func(o *AppendOptions) { o.Meta = meta }
}

// MessageStore is the storage collaborator the gateway depends on. All
// methods must be safe for concurrent use.
type MessageStore interface {
	// AppendMessage appends one entry to the session's log.
	AppendMessage(ctx context.Context, sessionID string, role Role, content string, opts ...AppendOption) error

	// SaveSession upserts the session's durable metadata.
	SaveSession(ctx context.Context, rec SessionRecord) error

	// LoadSessions lists every session with durable metadata.
	LoadSessions(ctx context.Context) ([]SessionRecord, error)

	// LoadMessages returns the session's log in append order.
	LoadMessages(ctx context.Context, sessionID string) ([]Message, error)

	// DeleteSession removes the session's metadata and log.
	DeleteSession(ctx context.Context, sessionID string) error

	// Close releases backend resources.
	Close() error
}
