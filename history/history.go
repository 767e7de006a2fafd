// Package history records one session's conversation into the message
// store. Streamed assistant text accumulates in memory and is committed as
// a single entry when the turn finalizes; structured events (tool use,
// tool results, user answers) are committed immediately.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentgate/agentgate/engine"
	"github.com/agentgate/agentgate/storage"
)

// Tracker accumulates and commits history for one session. Not safe for
// concurrent use; the connection's single-consumer loop owns it.
type Tracker struct {
	store     storage.MessageStore
	sessionID string
	log       *slog.Logger
	buf       strings.Builder
}

// NewTracker creates a tracker bound to a session id.
func NewTracker(store storage.MessageStore, sessionID string, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{store: store, sessionID: sessionID, log: log}
}

// SessionID returns the session this tracker records for.
func (t *Tracker) SessionID() string { return t.sessionID }

// SaveUserMessage appends a user-role entry immediately.
func (t *Tracker) SaveUserMessage(ctx context.Context, content string) error {
	if err := t.store.AppendMessage(ctx, t.sessionID, storage.RoleUser, content); err != nil {
		return fmt.Errorf("save user message: %w", err)
	}
	return nil
}

// AccumulateText buffers one chunk of streamed assistant text. Nothing is
// durable until Finalize.
func (t *Tracker) AccumulateText(chunk string) {
	t.buf.WriteString(chunk)
}

// SaveToolUse appends a tool-role entry recording the invocation. The
// content is the tool's structured input in canonical (compact JSON) form.
func (t *Tracker) SaveToolUse(ctx context.Context, name string, input json.RawMessage, toolUseID string) error {
	content := canonicalJSON(input)
	err := t.store.AppendMessage(ctx, t.sessionID, storage.RoleTool, content,
		storage.WithToolName(name),
		storage.WithMeta(map[string]string{"toolUseId": toolUseID}))
	if err != nil {
		return fmt.Errorf("save tool use: %w", err)
	}
	return nil
}

// SaveToolResult appends a tool-role entry recording the outcome.
func (t *Tracker) SaveToolResult(ctx context.Context, toolUseID, content string, isError bool) error {
	err := t.store.AppendMessage(ctx, t.sessionID, storage.RoleTool, content,
		storage.WithError(isError),
		storage.WithMeta(map[string]string{"toolUseId": toolUseID}))
	if err != nil {
		return fmt.Errorf("save tool result: %w", err)
	}
	return nil
}

// SaveUserAnswer appends the user's out-of-band answer to a question.
func (t *Tracker) SaveUserAnswer(ctx context.Context, questionID string, answers map[string]string) error {
	b, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	err = t.store.AppendMessage(ctx, t.sessionID, storage.RoleUser, string(b),
		storage.WithMeta(map[string]string{"kind": "answer", "questionId": questionID}))
	if err != nil {
		return fmt.Errorf("save user answer: %w", err)
	}
	return nil
}

// Finalize commits the accumulated text as one assistant-role entry and
// clears the buffer. A no-op when nothing accumulated: an empty assistant
// turn is never appended.
func (t *Tracker) Finalize(ctx context.Context, meta map[string]string) error {
	if t.buf.Len() == 0 {
		return nil
	}
	text := t.buf.String()
	t.buf.Reset()
	var opts []storage.AppendOption
	if len(meta) > 0 {
		opts = append(opts, storage.WithMeta(meta))
	}
	if err := t.store.AppendMessage(ctx, t.sessionID, storage.RoleAssistant, text, opts...); err != nil {
		return fmt.Errorf("finalize assistant message: %w", err)
	}
	return nil
}

// ProcessEvent routes one normalized engine event to the matching save
// operation. Event kinds with no history significance are ignored.
func (t *Tracker) ProcessEvent(ctx context.Context, ev engine.Event) error {
	switch ev.Kind {
	case engine.KindTextDelta:
		t.AccumulateText(ev.Text)
		return nil
	case engine.KindToolUse:
		return t.SaveToolUse(ctx, ev.ToolName, ev.ToolInput, ev.ToolUseID)
	case engine.KindToolResult:
		return t.SaveToolResult(ctx, ev.ToolUseID, ev.Content, ev.IsError)
	default:
		return nil
	}
}

func canonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf strings.Builder
	if err := compactInto(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func compactInto(buf *strings.Builder, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}
