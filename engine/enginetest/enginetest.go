// Package enginetest provides a scripted engine implementation for tests.
// Each execution replays pre-programmed turns and routes uses of the
// question tool through the configured permission callback, mirroring how
// the real engine behaves.
package enginetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/agentgate/agentgate/engine"
)

// Turn is one scripted query/response exchange. Events are emitted in
// order; a KindToolUse event naming engine.QuestionToolName additionally
// invokes the permission callback and synthesizes the matching tool result.
type Turn struct {
	Events []engine.Event
}

// TextTurn scripts a plain streamed-text turn.
func TextTurn(sessionID string, chunks ...string) Turn {
	t := Turn{Events: []engine.Event{{Kind: engine.KindSessionInit, SessionID: sessionID}}}
	for _, c := range chunks {
		t.Events = append(t.Events, engine.Event{Kind: engine.KindTextDelta, Text: c})
	}
	t.Events = append(t.Events, engine.Event{Kind: engine.KindResult})
	return t
}

// QuestionTurn scripts a turn that raises the question tool and, if the
// callback allows it, streams the follow-up chunks.
func QuestionTurn(sessionID, toolUseID string, questions json.RawMessage, followUp ...string) Turn {
	t := Turn{Events: []engine.Event{
		{Kind: engine.KindSessionInit, SessionID: sessionID},
		{Kind: engine.KindToolUse, ToolName: engine.QuestionToolName, ToolInput: questions, ToolUseID: toolUseID},
	}}
	for _, c := range followUp {
		t.Events = append(t.Events, engine.Event{Kind: engine.KindTextDelta, Text: c})
	}
	t.Events = append(t.Events, engine.Event{Kind: engine.KindResult})
	return t
}

// Factory hands out scripted executions and records every construction.
type Factory struct {
	mu sync.Mutex

	// Turns seeds the scripted turns for each new execution.
	Turns []Turn
	// ConnectErr, when set, makes Connect fail.
	ConnectErr error

	executions []*Execution
}

// NewExecution implements engine.Factory.
func (f *Factory) NewExecution(opts engine.ExecutionOptions) engine.Execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &Execution{
		Opts:       opts,
		turns:      append([]Turn(nil), f.Turns...),
		connectErr: f.ConnectErr,
	}
	f.executions = append(f.executions, e)
	return e
}

// Executions returns every execution constructed so far.
func (f *Factory) Executions() []*Execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Execution(nil), f.executions...)
}

var _ engine.Factory = (*Factory)(nil)

// Execution is a scripted engine.Execution.
type Execution struct {
	Opts engine.ExecutionOptions

	mu           sync.Mutex
	turns        []Turn
	next         int
	connectErr   error
	connected    bool
	disconnected bool
	interrupted  bool
	queries      []string
}

func (e *Execution) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connectErr != nil {
		return e.connectErr
	}
	e.connected = true
	return nil
}

func (e *Execution) Query(ctx context.Context, content string) (engine.Stream, error) {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return nil, errors.New("enginetest: query before connect")
	}
	if e.next >= len(e.turns) {
		e.mu.Unlock()
		return nil, fmt.Errorf("enginetest: no scripted turn for query %q", content)
	}
	turn := e.turns[e.next]
	e.next++
	e.queries = append(e.queries, content)
	canUse := e.Opts.CanUseTool
	e.mu.Unlock()

	ch := make(chan engine.Event, 16)
	go func() {
		defer close(ch)
		for _, ev := range turn.Events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Kind == engine.KindToolUse && ev.ToolName == engine.QuestionToolName {
				res := engine.Deny("no permission callback configured")
				if canUse != nil {
					res = canUse(ctx, ev.ToolName, ev.ToolInput, ev.ToolUseID)
				}
				tr := engine.Event{Kind: engine.KindToolResult, ToolUseID: ev.ToolUseID}
				if res.Allow {
					b, _ := json.Marshal(res.Answers)
					tr.Content = string(b)
				} else {
					tr.Content = res.Message
					tr.IsError = true
				}
				select {
				case ch <- tr:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return &chanStream{ch: ch}, nil
}

func (e *Execution) Interrupt(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interrupted = true
	return nil
}

func (e *Execution) Disconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnected = true
	return nil
}

// Disconnected reports whether Disconnect was called.
func (e *Execution) Disconnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disconnected
}

// Interrupted reports whether Interrupt was called.
func (e *Execution) Interrupted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interrupted
}

// Queries returns the query contents seen so far, in order.
func (e *Execution) Queries() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.queries...)
}

var _ engine.Execution = (*Execution)(nil)

type chanStream struct {
	ch <-chan engine.Event
}

func (s *chanStream) Next(ctx context.Context) (engine.Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return engine.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return engine.Event{}, ctx.Err()
	}
}
