// Package wire defines the JSON message types exchanged over a gateway
// websocket connection, and the application close codes used to terminate
// one.
package wire

import "encoding/json"

// Inbound message types.
const (
	TypeAuth      = "auth"
	TypeChat      = "chat"
	TypeAnswer    = "answer"
	TypeInterrupt = "interrupt"
)

// Outbound event types.
const (
	TypeReady           = "ready"
	TypeSessionID       = "session_id"
	TypeTextDelta       = "text_delta"
	TypeToolUse         = "tool_use"
	TypeToolResult      = "tool_result"
	TypeAskUserQuestion = "ask_user_question"
	TypeDone            = "done"
	TypeError           = "error"
)

// Application close codes. Websocket reserves 4000-4999 for private use;
// each terminal condition gets its own code so clients can react without
// parsing the close reason.
const (
	CloseAuthFailure     = 4000
	CloseEngineConnect   = 4001
	CloseSessionNotFound = 4002
	CloseTokenExpired    = 4003
	CloseTokenInvalid    = 4004
	CloseRateLimited     = 4005
	CloseAgentNotFound   = 4006
)

// Error codes carried in Error payloads.
const (
	ErrCodeAuthFailed      = "auth_failed"
	ErrCodeSessionNotFound = "session_not_found"
	ErrCodeEngineConnect   = "engine_connect_failed"
	ErrCodeAgentNotFound   = "agent_not_found"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodeEmptyMessage    = "empty_message"
	ErrCodeQueueFull       = "queue_full"
	ErrCodeTurnFailed      = "turn_failed"
	ErrCodeUnknown         = "unknown"
)

// Inbound is the envelope for every client-to-server message. Type selects
// which fields are meaningful. A message with no type but a non-empty
// content field is treated as a chat message.
type Inbound struct {
	Type string `json:"type,omitempty"`

	// Auth fields.
	Token     string `json:"token,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Agent     string `json:"agent,omitempty"`

	// Chat fields.
	Content string `json:"content,omitempty"`

	// Answer fields.
	QuestionID string            `json:"questionId,omitempty"`
	Answers    map[string]string `json:"answers,omitempty"`
}

// Kind normalizes the declared type, treating a bare {content} message as
// chat for clients that omit the discriminator.
func (m *Inbound) Kind() string {
	if m.Type == "" && m.Content != "" {
		return TypeChat
	}
	return m.Type
}

// Ready acknowledges a completed handshake. SessionID is the engine session
// id when the session was resumed, otherwise the freshly issued pending
// handle.
type Ready struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Resumed   bool   `json:"resumed"`
	TurnCount int    `json:"turnCount"`
}

func NewReady(sessionID string, resumed bool, turnCount int) Ready {
	return Ready{Type: TypeReady, SessionID: sessionID, Resumed: resumed, TurnCount: turnCount}
}

// SessionID announces the engine-assigned session identifier the first time
// it is observed on a stream.
type SessionID struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

func NewSessionID(id string) SessionID {
	return SessionID{Type: TypeSessionID, SessionID: id}
}

// TextDelta carries one chunk of streamed assistant text.
type TextDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func NewTextDelta(text string) TextDelta {
	return TextDelta{Type: TypeTextDelta, Text: text}
}

// ToolUse reports that the engine invoked a tool.
type ToolUse struct {
	Type  string          `json:"type"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
	ID    string          `json:"id"`
}

func NewToolUse(name string, input json.RawMessage, id string) ToolUse {
	return ToolUse{Type: TypeToolUse, Name: name, Input: input, ID: id}
}

// ToolResult reports the outcome of a tool invocation.
type ToolResult struct {
	Type      string `json:"type"`
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
	IsError   bool   `json:"isError"`
}

func NewToolResult(toolUseID, content string, isError bool) ToolResult {
	return ToolResult{Type: TypeToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// AskUserQuestion suspends the current turn until the client submits a
// matching answer message or the timeout elapses.
type AskUserQuestion struct {
	Type           string          `json:"type"`
	QuestionID     string          `json:"questionId"`
	Questions      json.RawMessage `json:"questions"`
	TimeoutSeconds int             `json:"timeoutSeconds"`
}

func NewAskUserQuestion(questionID string, questions json.RawMessage, timeoutSeconds int) AskUserQuestion {
	return AskUserQuestion{Type: TypeAskUserQuestion, QuestionID: questionID, Questions: questions, TimeoutSeconds: timeoutSeconds}
}

// Done terminates a turn.
type Done struct {
	Type      string  `json:"type"`
	TurnCount int     `json:"turnCount"`
	CostUSD   float64 `json:"costUsd,omitempty"`
}

func NewDone(turnCount int, costUSD float64) Done {
	return Done{Type: TypeDone, TurnCount: turnCount, CostUSD: costUSD}
}

// Error is sent before every terminal close and for every recoverable
// failure. Code is one of the ErrCode constants.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func NewError(message, code string) Error {
	return Error{Type: TypeError, Message: message, Code: code}
}
