// Package engine defines the contract between the gateway and the
// conversational agent engine: the execution object bound to one session,
// the normalized event stream a query produces, and the permission callback
// used to gate tool use.
package engine

import (
	"context"
	"encoding/json"

	"github.com/agentgate/agentgate/agents"
)

// QuestionToolName is the distinguished tool whose use suspends a turn
// until the client answers out of band.
const QuestionToolName = "AskUserQuestion"

// EventKind enumerates the normalized event variants an execution emits.
// Consumers switch exhaustively on the kind; raw engine representations
// never leak past the engine package boundary.
type EventKind int

const (
	// KindSessionInit reports the engine-assigned session identifier.
	// Emitted at least once per turn; consumers act on the first sighting.
	KindSessionInit EventKind = iota
	// KindTextDelta carries one chunk of streamed assistant text.
	KindTextDelta
	// KindToolUse reports that the engine is invoking a tool.
	KindToolUse
	// KindToolResult reports the outcome of a tool invocation.
	KindToolResult
	// KindResult terminates a turn.
	KindResult
	// KindError reports a failure while producing the turn. The stream
	// ends after an error event.
	KindError
)

func (k EventKind) String() string {
	switch k {
	case KindSessionInit:
		return "session_init"
	case KindTextDelta:
		return "text_delta"
	case KindToolUse:
		return "tool_use"
	case KindToolResult:
		return "tool_result"
	case KindResult:
		return "result"
	case KindError:
		return "error"
	}
	return "unknown"
}

// Event is the tagged union of everything an execution can emit. Kind
// selects which fields are meaningful.
type Event struct {
	Kind EventKind

	// KindSessionInit
	SessionID string

	// KindTextDelta
	Text string

	// KindToolUse
	ToolName  string
	ToolInput json.RawMessage
	ToolUseID string

	// KindToolResult
	Content string
	IsError bool

	// KindResult
	CostUSD float64

	// KindError
	ErrMessage string
}

// Stream is the lazy, finite-per-turn sequence of events produced by one
// query. Next returns io.EOF when the turn is complete.
type Stream interface {
	Next(ctx context.Context) (Event, error)
}

// PermissionResult is the outcome of a CanUseTool callback. On allow,
// Answers (if any) become the tool's result content. On deny, Message
// explains why.
type PermissionResult struct {
	Allow   bool
	Message string
	Answers map[string]string
}

// Allow constructs an allow result carrying the submitted answers.
func Allow(answers map[string]string) PermissionResult {
	return PermissionResult{Allow: true, Answers: answers}
}

// Deny constructs a deny result with a descriptive message.
func Deny(message string) PermissionResult {
	return PermissionResult{Allow: false, Message: message}
}

// CanUseToolFunc gates a single tool invocation. It may block for an
// extended period (for example while waiting on out-of-band user input);
// implementations must honor ctx cancellation.
type CanUseToolFunc func(ctx context.Context, toolName string, input json.RawMessage, toolUseID string) PermissionResult

// Execution is the live handle to the engine for one session. It is not
// safe for concurrent queries: a caller must consume one query's stream to
// completion before issuing the next.
type Execution interface {
	// Connect establishes the engine session. For a resumed session the
	// execution restores the prior conversation state.
	Connect(ctx context.Context) error
	// Query submits one user message and returns the event stream for the
	// resulting turn.
	Query(ctx context.Context, content string) (Stream, error)
	// Interrupt aborts the in-flight turn, if any.
	Interrupt(ctx context.Context) error
	// Disconnect releases the engine session. Safe to call more than once.
	Disconnect() error
}

// ExecutionOptions configure a fresh execution object.
type ExecutionOptions struct {
	// Agent is the definition selected for the session.
	Agent agents.Agent
	// ResumeSessionID, when set, asks the engine to resume an existing
	// session instead of starting a new one.
	ResumeSessionID string
	// CanUseTool gates tool invocations. Nil denies every gated tool.
	CanUseTool CanUseToolFunc
}

// Factory constructs execution objects. Construction must be cheap and
// perform no I/O; Connect does the work.
type Factory interface {
	NewExecution(opts ExecutionOptions) Execution
}
