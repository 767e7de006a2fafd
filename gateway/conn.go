package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentgate/agentgate/agents"
	"github.com/agentgate/agentgate/auth"
	"github.com/agentgate/agentgate/engine"
	"github.com/agentgate/agentgate/history"
	"github.com/agentgate/agentgate/internal/logctx"
	"github.com/agentgate/agentgate/questions"
	"github.com/agentgate/agentgate/storage"
	"github.com/agentgate/agentgate/wire"
)

const writeTimeout = 10 * time.Second

// conn is the per-connection state machine. The main loop is the single
// consumer of chat messages; the receiver goroutine and the permission
// callback only touch fields guarded by mu or serialized by writeMu.
type conn struct {
	h  *Handler
	ws *websocket.Conn

	writeMu sync.Mutex

	user        auth.UserInfo
	exec        engine.Execution
	sessionKey  string
	agent       string
	sessionData *logctx.SessionData
	pendingUser string

	mu             sync.Mutex
	tracker        *history.Tracker
	engineID       string
	lastQuestionID string

	queue chan *wire.Inbound
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("conn.upgrade.fail", "err", err.Error())
		return
	}
	h.metrics.connectionsTotal.Inc()
	h.metrics.connectionsActive.Inc()
	defer h.metrics.connectionsActive.Dec()

	c := &conn{h: h, ws: ws}
	c.run(r)
}

func (c *conn) run(r *http.Request) {
	h := c.h
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	connData := &logctx.ConnData{
		ConnID:     uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
	}
	ctx = logctx.WithConnData(ctx, connData)
	defer c.ws.Close()

	authMsg, buffered, ok := c.awaitAuth(ctx)
	if !ok {
		return
	}

	user, err := h.authn.CheckAuthentication(ctx, authMsg.Token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			h.metrics.authFailures.WithLabelValues("expired").Inc()
			c.fail(ctx, "token expired", wire.ErrCodeAuthFailed, wire.CloseTokenExpired)
		default:
			h.metrics.authFailures.WithLabelValues("invalid").Inc()
			c.fail(ctx, "authentication failed", wire.ErrCodeAuthFailed, wire.CloseAuthFailure)
		}
		return
	}
	c.user = user
	connData.UserID = user.UserID()
	h.log.InfoContext(ctx, "auth.ok")

	if h.limiter != nil && !h.limiter.allow(user.UserID()) {
		h.metrics.authFailures.WithLabelValues("rate_limited").Inc()
		c.fail(ctx, "too many connections", wire.ErrCodeRateLimited, wire.CloseRateLimited)
		return
	}

	// A client-supplied session id must resolve; only an absent id may
	// create a fresh session.
	if authMsg.SessionID != "" && !h.sessions.IsCached(authMsg.SessionID) {
		c.fail(ctx, "session not found", wire.ErrCodeSessionNotFound, wire.CloseSessionNotFound)
		return
	}

	exec, handle, found, err := h.sessions.ResolveOrCreate(ctx, authMsg.SessionID, authMsg.Agent, c.canUseTool)
	if err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			c.fail(ctx, err.Error(), wire.ErrCodeAgentNotFound, wire.CloseAgentNotFound)
			return
		}
		h.log.ErrorContext(ctx, "session.resolve.fail", "err", err.Error())
		c.fail(ctx, "internal error", wire.ErrCodeUnknown, websocket.CloseInternalServerErr)
		return
	}
	c.exec = exec
	c.sessionKey = handle
	c.agent = authMsg.Agent

	md, _ := h.sessions.Lookup(handle)
	c.sessionData = logctx.NewSessionData(md.EngineSessionID, handle, authMsg.Agent)
	ctx = logctx.WithSessionData(ctx, c.sessionData)

	if err := exec.Connect(ctx); err != nil {
		h.log.ErrorContext(ctx, "engine.connect.fail", "err", err.Error())
		h.sessions.ReleaseExecution(handle, exec)
		exec.Disconnect()
		c.fail(ctx, "engine connection failed", wire.ErrCodeEngineConnect, wire.CloseEngineConnect)
		return
	}

	if md.EngineSessionID != "" {
		c.engineID = md.EngineSessionID
		c.tracker = history.NewTracker(h.store, md.EngineSessionID, h.log)
	}

	readySID := md.EngineSessionID
	if readySID == "" {
		readySID = handle
	}
	if err := c.writeJSON(wire.NewReady(readySID, found, md.TurnCount)); err != nil {
		c.teardown(ctx)
		return
	}
	h.log.InfoContext(ctx, "session.ready", "resumed", found)

	c.queue = make(chan *wire.Inbound, h.queueDepth)

	// Messages that raced ahead of authentication replay in arrival order.
	for _, msg := range buffered {
		c.dispatch(ctx, msg)
	}

	recvDone := make(chan struct{})
	go c.receive(ctx, cancel, recvDone)

	for msg := range c.queue {
		c.handleChat(ctx, msg.Content)
	}

	cancel()
	c.teardown(ctx)
	<-recvDone
}

// awaitAuth reads until an auth message arrives or the deadline passes.
// Non-auth messages received early are buffered for replay after the
// handshake completes.
func (c *conn) awaitAuth(ctx context.Context) (*wire.Inbound, []*wire.Inbound, bool) {
	c.ws.SetReadDeadline(time.Now().Add(c.h.authTimeout))
	defer c.ws.SetReadDeadline(time.Time{})

	var buffered []*wire.Inbound
	for {
		var msg wire.Inbound
		if err := c.ws.ReadJSON(&msg); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.h.metrics.authFailures.WithLabelValues("timeout").Inc()
				c.fail(ctx, "authentication timeout", wire.ErrCodeAuthFailed, wire.CloseTokenInvalid)
			} else {
				c.h.log.DebugContext(ctx, "conn.preauth.read.fail", "err", err.Error())
			}
			return nil, nil, false
		}
		if msg.Kind() == wire.TypeAuth {
			return &msg, buffered, true
		}
		if len(buffered) >= c.h.queueDepth {
			c.h.log.WarnContext(ctx, "conn.preauth.buffer.full")
			continue
		}
		buffered = append(buffered, &msg)
	}
}

// receive reads client messages for the life of the connection and routes
// them. Answers and interrupts bypass the chat queue so they reach a
// suspended turn immediately.
func (c *conn) receive(ctx context.Context, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	defer close(c.queue)
	defer cancel()
	for {
		var msg wire.Inbound
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.h.log.DebugContext(ctx, "conn.read.fail", "err", err.Error())
			}
			return
		}
		c.dispatch(ctx, &msg)
	}
}

func (c *conn) dispatch(ctx context.Context, msg *wire.Inbound) {
	switch msg.Kind() {
	case wire.TypeChat:
		select {
		case c.queue <- msg:
		default:
			c.h.log.WarnContext(ctx, "conn.queue.full")
			c.sendError(ctx, "message queue full", wire.ErrCodeQueueFull)
		}
	case wire.TypeAnswer:
		c.handleAnswer(ctx, msg)
	case wire.TypeInterrupt:
		c.h.log.InfoContext(ctx, "turn.interrupt")
		if err := c.exec.Interrupt(ctx); err != nil {
			c.h.log.WarnContext(ctx, "turn.interrupt.fail", "err", err.Error())
		}
	case wire.TypeAuth:
		c.h.log.DebugContext(ctx, "conn.auth.duplicate")
	default:
		c.h.log.DebugContext(ctx, "conn.msg.unknown", "type", msg.Type)
	}
}

// handleAnswer resolves a pending question. An answer with no question id
// falls back to the most recently asked question on this connection. Late
// or unmatched answers are dropped.
func (c *conn) handleAnswer(ctx context.Context, msg *wire.Inbound) {
	qid := msg.QuestionID
	if qid == "" {
		c.mu.Lock()
		qid = c.lastQuestionID
		c.mu.Unlock()
	}
	if qid == "" {
		c.h.log.DebugContext(ctx, "question.answer.unmatched")
		return
	}
	if !c.h.questions.Submit(qid, msg.Answers) {
		c.h.log.DebugContext(ctx, "question.answer.late", "question_id", qid)
		return
	}
	c.h.log.InfoContext(ctx, "question.answered", "question_id", qid)
	if t := c.getTracker(); t != nil {
		if err := t.SaveUserAnswer(ctx, qid, msg.Answers); err != nil {
			c.h.log.WarnContext(ctx, "history.answer.fail", "err", err.Error())
		}
	}
}

// handleChat runs one turn: submit the message, relay the event stream,
// and finalize history. Runs only on the main loop.
func (c *conn) handleChat(ctx context.Context, content string) {
	h := c.h
	if strings.TrimSpace(content) == "" {
		c.sendError(ctx, "empty message", wire.ErrCodeEmptyMessage)
		return
	}

	md, _ := h.sessions.Lookup(c.sessionKey)
	ctx = logctx.WithTurnData(ctx, &logctx.TurnData{Turn: md.TurnCount + 1})
	start := time.Now()

	if t := c.getTracker(); t != nil {
		if err := t.SaveUserMessage(ctx, content); err != nil {
			h.log.WarnContext(ctx, "history.user.fail", "err", err.Error())
		}
	} else {
		// No engine session id yet; saved once the stream reports one.
		c.pendingUser = content
	}

	stream, err := c.exec.Query(ctx, content)
	if err != nil {
		h.log.ErrorContext(ctx, "turn.query.fail", "err", err.Error())
		c.sendError(ctx, "query failed", wire.ErrCodeTurnFailed)
		h.metrics.turnsTotal.WithLabelValues("error").Inc()
		return
	}
	h.log.InfoContext(ctx, "turn.start")

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if ctx.Err() != nil {
				return
			}
			h.log.ErrorContext(ctx, "turn.stream.fail", "err", err.Error())
			c.sendError(ctx, "stream failed", wire.ErrCodeTurnFailed)
			c.finalize(ctx, map[string]string{"error": err.Error()})
			h.metrics.turnsTotal.WithLabelValues("error").Inc()
			return
		}

		switch ev.Kind {
		case engine.KindSessionInit:
			c.onSessionInit(ctx, ev.SessionID)
		case engine.KindTextDelta:
			c.writeJSON(wire.NewTextDelta(ev.Text))
			c.trackEvent(ctx, ev)
		case engine.KindToolUse:
			c.writeJSON(wire.NewToolUse(ev.ToolName, ev.ToolInput, ev.ToolUseID))
			c.trackEvent(ctx, ev)
		case engine.KindToolResult:
			c.writeJSON(wire.NewToolResult(ev.ToolUseID, ev.Content, ev.IsError))
			c.trackEvent(ctx, ev)
		case engine.KindResult:
			n, err := h.sessions.IncrementTurnCount(c.sessionKey)
			if err != nil {
				h.log.WarnContext(ctx, "turn.count.fail", "err", err.Error())
			}
			c.finalize(ctx, nil)
			c.persistRecord(ctx, n)
			c.writeJSON(wire.NewDone(n, ev.CostUSD))
			h.metrics.turnsTotal.WithLabelValues("ok").Inc()
			h.metrics.turnDuration.Observe(time.Since(start).Seconds())
			h.log.InfoContext(ctx, "turn.done", "turns", n)
		case engine.KindError:
			h.log.ErrorContext(ctx, "turn.engine.fail", "err", ev.ErrMessage)
			c.sendError(ctx, ev.ErrMessage, wire.ErrCodeTurnFailed)
			c.finalize(ctx, map[string]string{"error": ev.ErrMessage})
			h.metrics.turnsTotal.WithLabelValues("error").Inc()
		}
	}
}

// onSessionInit reacts to the first sighting of the engine-assigned
// session id: index it, start history tracking, flush the user message
// that started the turn, and announce the id to the client.
func (c *conn) onSessionInit(ctx context.Context, engineID string) {
	h := c.h

	c.mu.Lock()
	if c.engineID != "" || engineID == "" {
		c.mu.Unlock()
		return
	}
	c.engineID = engineID
	t := history.NewTracker(h.store, engineID, h.log)
	c.tracker = t
	c.mu.Unlock()

	c.sessionData.SetSessionID(engineID)
	h.sessions.RegisterEngineSessionID(c.sessionKey, engineID)
	h.log.InfoContext(ctx, "session.init", "engine_session_id", engineID)

	if c.pendingUser != "" {
		if err := t.SaveUserMessage(ctx, c.pendingUser); err != nil {
			h.log.WarnContext(ctx, "history.user.fail", "err", err.Error())
		}
		c.pendingUser = ""
	}
	c.persistRecord(ctx, 0)
	c.writeJSON(wire.NewSessionID(engineID))
}

// canUseTool gates engine tool use. Only the question tool is gated: it
// suspends the turn, relays the questions to the client, and blocks until
// an answer, cancellation, or timeout. Called from the engine's stream
// goroutine while the main loop keeps relaying events.
func (c *conn) canUseTool(ctx context.Context, toolName string, input json.RawMessage, toolUseID string) engine.PermissionResult {
	h := c.h
	if toolName != engine.QuestionToolName {
		return engine.Allow(nil)
	}

	qid := toolUseID
	if qid == "" {
		qid = uuid.NewString()
	}
	if err := h.questions.Create(qid, input); err != nil {
		if !errors.Is(err, questions.ErrQuestionExists) {
			return engine.Deny("question registration failed")
		}
		qid = uuid.NewString()
		if err := h.questions.Create(qid, input); err != nil {
			return engine.Deny("question registration failed")
		}
	}
	c.mu.Lock()
	c.lastQuestionID = qid
	c.mu.Unlock()

	timeout := h.questionTimeout
	c.writeJSON(wire.NewAskUserQuestion(qid, input, int(timeout.Seconds())))
	h.log.InfoContext(ctx, "question.asked", "question_id", qid)

	answers, err := h.questions.Wait(ctx, qid, timeout)
	switch {
	case errors.Is(err, questions.ErrQuestionTimeout):
		h.metrics.questionsTotal.WithLabelValues("timeout").Inc()
		h.log.WarnContext(ctx, "question.timeout", "question_id", qid)
		return engine.Deny("no answer received before timeout")
	case err != nil:
		h.metrics.questionsTotal.WithLabelValues("canceled").Inc()
		return engine.Deny("connection closed")
	case len(answers) == 0:
		h.metrics.questionsTotal.WithLabelValues("canceled").Inc()
		return engine.Deny("question dismissed by user")
	}
	h.metrics.questionsTotal.WithLabelValues("answered").Inc()
	return engine.Allow(answers)
}

// teardown finalizes any partial assistant text and releases the engine
// session while keeping the cache metadata alive for a later resume.
func (c *conn) teardown(ctx context.Context) {
	bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.finalize(bg, map[string]string{"partial": "true"})
	if c.sessionKey != "" && c.exec != nil {
		c.h.sessions.ReleaseExecution(c.sessionKey, c.exec)
	}
	if c.exec != nil {
		if err := c.exec.Disconnect(); err != nil {
			c.h.log.WarnContext(ctx, "engine.disconnect.fail", "err", err.Error())
		}
	}
	c.h.log.InfoContext(ctx, "conn.closed")
}

func (c *conn) finalize(ctx context.Context, meta map[string]string) {
	t := c.getTracker()
	if t == nil {
		return
	}
	if err := t.Finalize(ctx, meta); err != nil {
		c.h.log.WarnContext(ctx, "history.finalize.fail", "err", err.Error())
	}
}

// persistRecord upserts the session's durable record. A zero turnCount
// preserves the cached count.
func (c *conn) persistRecord(ctx context.Context, turnCount int) {
	c.mu.Lock()
	engineID := c.engineID
	c.mu.Unlock()
	if engineID == "" {
		return
	}
	if turnCount == 0 {
		if md, ok := c.h.sessions.Lookup(c.sessionKey); ok {
			turnCount = md.TurnCount
		}
	}
	rec := storage.SessionRecord{
		SessionID:     engineID,
		PendingHandle: c.sessionKey,
		Agent:         c.agent,
		TurnCount:     turnCount,
		UpdatedAt:     time.Now(),
	}
	if err := c.h.store.SaveSession(ctx, rec); err != nil {
		c.h.log.WarnContext(ctx, "session.persist.fail", "err", err.Error())
	}
}

// trackEvent commits a stream event to history once tracking has
// started; before the engine reports a session id there is nothing to
// record against.
func (c *conn) trackEvent(ctx context.Context, ev engine.Event) {
	t := c.getTracker()
	if t == nil {
		return
	}
	if err := t.ProcessEvent(ctx, ev); err != nil {
		c.h.log.WarnContext(ctx, "history.event.fail", "err", err.Error())
	}
}

func (c *conn) getTracker() *history.Tracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *conn) sendError(ctx context.Context, message, code string) {
	if err := c.writeJSON(wire.NewError(message, code)); err != nil {
		c.h.log.DebugContext(ctx, "conn.write.fail", "err", err.Error())
	}
}

// fail sends a terminal error payload followed by an application close
// frame, then closes the socket.
func (c *conn) fail(ctx context.Context, message, code string, closeCode int) {
	c.sendError(ctx, message, code)
	deadline := time.Now().Add(writeTimeout)
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, message), deadline)
	c.writeMu.Unlock()
	c.ws.Close()
	c.h.log.InfoContext(ctx, "conn.rejected", "close_code", closeCode, "reason", message)
}
