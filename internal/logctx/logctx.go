// Package logctx enriches slog records with connection and session data
// carried on the context, so call sites log terse event names and still
// produce fully attributed records.
package logctx

import (
	"context"
	"log/slog"
	"sync"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnID),
			slog.String("remote_addr", cd.RemoteAddr),
			slog.String("user_id", cd.UserID),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		id, handle, agent := sd.snapshot()
		r.AddAttrs(slog.Group("sess",
			slog.String("id", id),
			slog.String("pending_handle", handle),
			slog.String("agent", agent),
		))
	}

	if td, ok := ctx.Value(turnDataKey{}).(*TurnData); ok {
		r.AddAttrs(slog.Group("turn",
			slog.Int("n", td.Turn),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type connDataKey struct{}

type ConnData struct {
	ConnID     string
	RemoteAddr string
	UserID     string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData identifies the session a record belongs to. The engine
// session id is learned mid-stream while other goroutines log through
// the same context, so access goes through the mutex.
type SessionData struct {
	mu            sync.Mutex
	sessionID     string
	pendingHandle string
	agent         string
}

func NewSessionData(sessionID, pendingHandle, agent string) *SessionData {
	return &SessionData{sessionID: sessionID, pendingHandle: pendingHandle, agent: agent}
}

// SetSessionID records the engine-assigned id once it becomes known.
func (d *SessionData) SetSessionID(id string) {
	d.mu.Lock()
	d.sessionID = id
	d.mu.Unlock()
}

func (d *SessionData) snapshot() (sessionID, pendingHandle, agent string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID, d.pendingHandle, d.agent
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type turnDataKey struct{}

type TurnData struct {
	Turn int
}

func WithTurnData(ctx context.Context, data *TurnData) context.Context {
	return context.WithValue(ctx, turnDataKey{}, data)
}
