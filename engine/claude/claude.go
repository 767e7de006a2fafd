// Package claude implements the engine contract on top of the Anthropic
// Messages API. Each execution runs a small agent loop: stream a response,
// execute gated tool calls, feed results back, repeat until the model ends
// the turn.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/google/uuid"

	"github.com/agentgate/agentgate/agents"
	"github.com/agentgate/agentgate/engine"
)

// questionToolSchema describes the AskUserQuestion tool input: a list of
// question objects, each with a prompt and optional multiple-choice options.
var questionToolSchema = json.RawMessage(`{
	"questions": {
		"type": "array",
		"items": {
			"type": "object",
			"properties": {
				"question": {"type": "string"},
				"header": {"type": "string"},
				"options": {"type": "array", "items": {"type": "string"}},
				"multiSelect": {"type": "boolean"}
			},
			"required": ["question"]
		}
	}
}`)

// Option configures the Factory.
type Option func(*Factory)

// WithAPIKey sets an explicit API key. By default the client reads
// ANTHROPIC_API_KEY from the environment.
func WithAPIKey(key string) Option {
	return func(f *Factory) { f.apiKey = key }
}

// WithLogger sets the logger used by executions.
func WithLogger(log *slog.Logger) Option {
	return func(f *Factory) { f.log = log }
}

// Factory constructs Claude-backed executions. Conversation transcripts are
// retained per engine session id so a later execution can resume where a
// previous one left off.
type Factory struct {
	client      anthropic.Client
	apiKey      string
	log         *slog.Logger
	transcripts *transcriptStore
}

// NewFactory builds a Factory.
func NewFactory(opts ...Option) *Factory {
	f := &Factory{log: slog.Default(), transcripts: newTranscriptStore()}
	for _, opt := range opts {
		opt(f)
	}
	if f.apiKey != "" {
		f.client = anthropic.NewClient(option.WithAPIKey(f.apiKey))
	} else {
		f.client = anthropic.NewClient()
	}
	return f
}

// NewExecution implements engine.Factory.
func (f *Factory) NewExecution(opts engine.ExecutionOptions) engine.Execution {
	return &execution{f: f, opts: opts, log: f.log}
}

var _ engine.Factory = (*Factory)(nil)

type execution struct {
	f    *Factory
	opts engine.ExecutionOptions
	log  *slog.Logger

	mu        sync.Mutex
	sessionID string
	msgs      []anthropic.MessageParam
	connected bool
	cancel    context.CancelFunc
}

func (e *execution) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connected {
		return nil
	}
	if resume := e.opts.ResumeSessionID; resume != "" {
		msgs, ok := e.f.transcripts.load(resume)
		if !ok {
			return fmt.Errorf("unknown engine session %q", resume)
		}
		e.sessionID = resume
		e.msgs = msgs
	} else {
		e.sessionID = uuid.NewString()
	}
	e.connected = true
	return nil
}

func (e *execution) Query(ctx context.Context, content string) (engine.Stream, error) {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return nil, fmt.Errorf("query before connect")
	}
	qctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.msgs = append(e.msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
	e.mu.Unlock()

	ch := make(chan engine.Event, 32)
	go func() {
		defer close(ch)
		defer cancel()
		e.runTurn(qctx, ch)
	}()
	return &chanStream{ch: ch}, nil
}

// runTurn drives the agent loop for one turn, emitting normalized events.
func (e *execution) runTurn(ctx context.Context, ch chan<- engine.Event) {
	emit := func(ev engine.Event) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	e.mu.Lock()
	sessionID := e.sessionID
	agent := e.opts.Agent
	canUse := e.opts.CanUseTool
	e.mu.Unlock()

	if !emit(engine.Event{Kind: engine.KindSessionInit, SessionID: sessionID}) {
		return
	}

	for {
		e.mu.Lock()
		params := e.buildParams(agent)
		e.mu.Unlock()

		stream := e.f.client.Messages.NewStreaming(ctx, params)
		var acc anthropic.Message
		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				e.log.Warn("claude.accumulate.fail", slog.String("err", err.Error()))
			}
			if event.Type == "content_block_delta" && event.Delta.Type == "text_delta" {
				if !emit(engine.Event{Kind: engine.KindTextDelta, Text: event.Delta.Text}) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			emit(engine.Event{Kind: engine.KindError, ErrMessage: err.Error()})
			return
		}

		e.mu.Lock()
		e.msgs = append(e.msgs, acc.ToParam())
		e.mu.Unlock()

		if acc.StopReason != anthropic.StopReasonToolUse {
			e.mu.Lock()
			e.f.transcripts.save(sessionID, e.msgs)
			e.mu.Unlock()
			emit(engine.Event{Kind: engine.KindResult, CostUSD: estimateCost(agent.Model, acc.Usage)})
			return
		}

		var results []anthropic.ContentBlockParamUnion
		for _, block := range acc.Content {
			if block.Type != "tool_use" {
				continue
			}
			if !emit(engine.Event{Kind: engine.KindToolUse, ToolName: block.Name, ToolInput: block.Input, ToolUseID: block.ID}) {
				return
			}
			res := engine.Deny("tool not permitted")
			if canUse != nil {
				res = canUse(ctx, block.Name, block.Input, block.ID)
			}
			var content string
			isError := !res.Allow
			if res.Allow {
				b, err := json.Marshal(res.Answers)
				if err != nil {
					content, isError = fmt.Sprintf("marshal answers: %v", err), true
				} else {
					content = string(b)
				}
			} else {
				content = res.Message
			}
			if !emit(engine.Event{Kind: engine.KindToolResult, ToolUseID: block.ID, Content: content, IsError: isError}) {
				return
			}
			results = append(results, anthropic.NewToolResultBlock(block.ID, content, isError))
		}

		e.mu.Lock()
		e.msgs = append(e.msgs, anthropic.NewUserMessage(results...))
		e.mu.Unlock()
	}
}

func (e *execution) buildParams(agent agents.Agent) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(agent.Model),
		Messages:  append([]anthropic.MessageParam(nil), e.msgs...),
		MaxTokens: agent.MaxTokens,
		Tools: []anthropic.ToolUnionParam{{
			OfTool: &anthropic.ToolParam{
				Name:        engine.QuestionToolName,
				Description: param.NewOpt("Ask the user one or more questions and wait for their answers."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: questionToolSchema,
				},
			},
		}},
	}
	if agent.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: agent.SystemPrompt}}
	}
	return params
}

func (e *execution) Interrupt(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (e *execution) Disconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return nil
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.f.transcripts.save(e.sessionID, e.msgs)
	e.connected = false
	return nil
}

var _ engine.Execution = (*execution)(nil)

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

// transcriptStore retains per-session conversation state across executions
// within this process. Resume across processes would need durable storage;
// the gateway's history log covers the user-visible record.
type transcriptStore struct {
	mu sync.Mutex
	m  map[string][]anthropic.MessageParam
}

func newTranscriptStore() *transcriptStore {
	return &transcriptStore{m: make(map[string][]anthropic.MessageParam)}
}

func (s *transcriptStore) load(sessionID string) ([]anthropic.MessageParam, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.m[sessionID]
	if !ok {
		return nil, false
	}
	return append([]anthropic.MessageParam(nil), msgs...), true
}

func (s *transcriptStore) save(sessionID string, msgs []anthropic.MessageParam) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[sessionID] = append([]anthropic.MessageParam(nil), msgs...)
}

// estimateCost converts token usage into an approximate USD figure for the
// models we route to. Unknown models report zero rather than guessing.
func estimateCost(model string, usage anthropic.Usage) float64 {
	type rate struct{ in, out float64 } // USD per million tokens
	rates := map[string]rate{
		"claude-sonnet-4-20250514":   {3, 15},
		"claude-3-5-haiku-20241022":  {0.8, 4},
		"claude-3-5-sonnet-20241022": {3, 15},
	}
	r, ok := rates[model]
	if !ok {
		return 0
	}
	return (float64(usage.InputTokens)*r.in + float64(usage.OutputTokens)*r.out) / 1e6
}
