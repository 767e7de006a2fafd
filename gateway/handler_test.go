package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentgate/agentgate/agents"
	"github.com/agentgate/agentgate/auth"
	"github.com/agentgate/agentgate/engine/enginetest"
	"github.com/agentgate/agentgate/questions"
	"github.com/agentgate/agentgate/sessions"
	"github.com/agentgate/agentgate/storage/memory"
)

const (
	goodToken    = "good-token"
	expiredToken = "expired-token"
)

type staticAuth struct{}

func (staticAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	switch tok {
	case goodToken:
		return staticUser("user-1"), nil
	case expiredToken:
		return nil, auth.ErrTokenExpired
	default:
		return nil, auth.ErrUnauthorized
	}
}

type staticUser string

func (u staticUser) UserID() string      { return string(u) }
func (u staticUser) Claims(ref any) error { return nil }

type testEnv struct {
	srv   *httptest.Server
	sm    *sessions.Manager
	store *memory.Store
}

func newTestEnv(t *testing.T, factory *enginetest.Factory, opts ...Option) *testEnv {
	t.Helper()
	registry, err := agents.NewRegistry("", nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store := memory.New()
	sm := sessions.NewManager(factory, store, registry)
	h := NewHandler(staticAuth{}, sm, questions.NewManager(), store, registry, opts...)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, sm: sm, store: store}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/connect"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// recv reads the next event and fails the test on close or timeout.
func recv(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	var msg map[string]any
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

// recvType reads events until one of the wanted type arrives, failing on
// anything unexpected. Tolerates interleaving from concurrent writers.
func recvType(t *testing.T, ws *websocket.Conn, want string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		msg := recv(t, ws)
		if msg["type"] == want {
			return msg
		}
	}
	t.Fatalf("no %q event received", want)
	return nil
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	for i := 0; i < 10; i++ {
		var msg map[string]any
		err := ws.ReadJSON(&msg)
		if err == nil {
			continue // error payload precedes the close frame
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("read err = %v, want close error", err)
		}
		if ce.Code != code {
			t.Fatalf("close code = %d, want %d", ce.Code, code)
		}
		return
	}
	t.Fatal("connection never closed")
}

func authMsg(extra map[string]any) map[string]any {
	m := map[string]any{"type": "auth", "token": goodToken}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func TestHandshakeAndFirstTurn(t *testing.T) {
	f := &enginetest.Factory{Turns: []enginetest.Turn{enginetest.TextTurn("eng-1", "hel", "lo")}}
	env := newTestEnv(t, f)
	ws := env.dial(t)

	send(t, ws, authMsg(nil))
	ready := recv(t, ws)
	if ready["type"] != "ready" || ready["resumed"] != false {
		t.Fatalf("ready = %v", ready)
	}
	sid, _ := ready["sessionId"].(string)
	if !strings.HasPrefix(sid, sessions.PendingPrefix) {
		t.Errorf("ready sessionId = %q, want pending handle", sid)
	}

	send(t, ws, map[string]any{"type": "chat", "content": "hi"})
	if msg := recvType(t, ws, "session_id"); msg["sessionId"] != "eng-1" {
		t.Errorf("session_id = %v", msg)
	}
	var text strings.Builder
	for {
		msg := recv(t, ws)
		if msg["type"] == "text_delta" {
			text.WriteString(msg["text"].(string))
			continue
		}
		if msg["type"] == "done" {
			if msg["turnCount"] != float64(1) {
				t.Errorf("done turnCount = %v, want 1", msg["turnCount"])
			}
			break
		}
		t.Fatalf("unexpected event %v", msg)
	}
	if text.String() != "hello" {
		t.Errorf("streamed text = %q", text.String())
	}

	// History was committed before done was sent.
	msgs, _ := env.store.LoadMessages(context.Background(), "eng-1")
	if len(msgs) != 2 || msgs[0].Content != "hi" || msgs[1].Content != "hello" {
		t.Errorf("history = %+v", msgs)
	}
}

func TestPreAuthMessagesReplayInOrder(t *testing.T) {
	f := &enginetest.Factory{Turns: []enginetest.Turn{
		enginetest.TextTurn("eng-1", "first"),
		enginetest.TextTurn("eng-1", "second"),
	}}
	env := newTestEnv(t, f)
	ws := env.dial(t)

	// Chat lands before auth; it must not be dropped.
	send(t, ws, map[string]any{"type": "chat", "content": "one"})
	send(t, ws, map[string]any{"type": "chat", "content": "two"})
	send(t, ws, authMsg(nil))

	if msg := recv(t, ws); msg["type"] != "ready" {
		t.Fatalf("first event = %v, want ready", msg)
	}
	for want := 1; want <= 2; want++ {
		done := recvType(t, ws, "done")
		if done["turnCount"] != float64(want) {
			t.Errorf("turnCount = %v, want %d", done["turnCount"], want)
		}
	}

	execs := f.Executions()
	if got := execs[0].Queries(); len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("queries = %v", got)
	}
}

func TestResumeByEngineSessionID(t *testing.T) {
	f := &enginetest.Factory{Turns: []enginetest.Turn{enginetest.TextTurn("eng-1", "hi")}}
	env := newTestEnv(t, f)

	ws := env.dial(t)
	send(t, ws, authMsg(nil))
	recvType(t, ws, "ready")
	send(t, ws, map[string]any{"type": "chat", "content": "start"})
	recvType(t, ws, "done")
	ws.Close()

	ws2 := env.dial(t)
	send(t, ws2, authMsg(map[string]any{"sessionId": "eng-1"}))
	ready := recvType(t, ws2, "ready")
	if ready["resumed"] != true || ready["sessionId"] != "eng-1" || ready["turnCount"] != float64(1) {
		t.Fatalf("ready = %v", ready)
	}

	execs := f.Executions()
	last := execs[len(execs)-1]
	if last.Opts.ResumeSessionID != "eng-1" {
		t.Errorf("resume id = %q, want eng-1", last.Opts.ResumeSessionID)
	}
}

func TestUnknownSessionIDRejected(t *testing.T) {
	env := newTestEnv(t, &enginetest.Factory{})
	ws := env.dial(t)
	send(t, ws, authMsg(map[string]any{"sessionId": "no-such-session"}))
	expectClose(t, ws, 4002)
}

func TestInvalidToken(t *testing.T) {
	env := newTestEnv(t, &enginetest.Factory{})
	ws := env.dial(t)
	send(t, ws, map[string]any{"type": "auth", "token": "bogus"})
	expectClose(t, ws, 4000)
}

func TestExpiredToken(t *testing.T) {
	env := newTestEnv(t, &enginetest.Factory{})
	ws := env.dial(t)
	send(t, ws, map[string]any{"type": "auth", "token": expiredToken})
	expectClose(t, ws, 4003)
}

func TestAuthTimeout(t *testing.T) {
	env := newTestEnv(t, &enginetest.Factory{}, WithAuthTimeout(50*time.Millisecond))
	ws := env.dial(t)
	expectClose(t, ws, 4004)
}

func TestEngineConnectFailure(t *testing.T) {
	f := &enginetest.Factory{ConnectErr: errors.New("engine offline")}
	env := newTestEnv(t, f)
	ws := env.dial(t)
	send(t, ws, authMsg(nil))
	expectClose(t, ws, 4001)
}

func TestUnknownAgentRejected(t *testing.T) {
	env := newTestEnv(t, &enginetest.Factory{})
	ws := env.dial(t)
	send(t, ws, authMsg(map[string]any{"agent": "no-such-agent"}))
	expectClose(t, ws, 4006)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, &enginetest.Factory{}, WithRateLimit(1, time.Hour, 1))

	ws := env.dial(t)
	send(t, ws, authMsg(nil))
	recvType(t, ws, "ready")

	ws2 := env.dial(t)
	send(t, ws2, authMsg(nil))
	expectClose(t, ws2, 4005)
}

func TestEmptyChatMessage(t *testing.T) {
	env := newTestEnv(t, &enginetest.Factory{Turns: []enginetest.Turn{enginetest.TextTurn("eng-1", "x")}})
	ws := env.dial(t)
	send(t, ws, authMsg(nil))
	recvType(t, ws, "ready")

	send(t, ws, map[string]any{"type": "chat", "content": "   "})
	msg := recvType(t, ws, "error")
	if msg["code"] != "empty_message" {
		t.Errorf("error code = %v", msg["code"])
	}
}

func TestQuestionAnsweredMidTurn(t *testing.T) {
	qs := json.RawMessage(`[{"question":"Proceed?","options":["yes","no"]}]`)
	f := &enginetest.Factory{Turns: []enginetest.Turn{
		enginetest.QuestionTurn("eng-1", "tu-1", qs, "proceeding"),
	}}
	env := newTestEnv(t, f)
	ws := env.dial(t)

	send(t, ws, authMsg(nil))
	recvType(t, ws, "ready")
	send(t, ws, map[string]any{"type": "chat", "content": "do it"})

	// Wait for both the relayed tool_use and the question before answering,
	// so the main loop has caught up with the stream.
	var qid string
	sawToolUse := false
	for qid == "" || !sawToolUse {
		msg := recv(t, ws)
		switch msg["type"] {
		case "ask_user_question":
			qid, _ = msg["questionId"].(string)
		case "tool_use":
			sawToolUse = true
		}
	}
	if qid != "tu-1" {
		t.Errorf("questionId = %q, want tool use id", qid)
	}

	send(t, ws, map[string]any{"type": "answer", "questionId": qid, "answers": map[string]string{"Proceed?": "yes"}})

	result := recvType(t, ws, "tool_result")
	if result["isError"] == true {
		t.Fatalf("tool_result = %v", result)
	}
	if !strings.Contains(result["content"].(string), "yes") {
		t.Errorf("tool_result content = %v", result["content"])
	}
	recvType(t, ws, "done")

	// The answer and the tool exchange land in history.
	msgs, _ := env.store.LoadMessages(context.Background(), "eng-1")
	var kinds []string
	for _, m := range msgs {
		kinds = append(kinds, m.Meta["kind"])
	}
	found := false
	for _, m := range msgs {
		if m.Meta["kind"] == "answer" && m.Meta["questionId"] == qid {
			found = true
		}
	}
	if !found {
		t.Errorf("no answer entry in history, meta kinds = %v", kinds)
	}
}

func TestQuestionTimeoutDeniesTool(t *testing.T) {
	qs := json.RawMessage(`[{"question":"Proceed?"}]`)
	f := &enginetest.Factory{Turns: []enginetest.Turn{
		enginetest.QuestionTurn("eng-1", "tu-1", qs),
	}}
	env := newTestEnv(t, f, WithQuestionTimeout(50*time.Millisecond))
	ws := env.dial(t)

	send(t, ws, authMsg(nil))
	recvType(t, ws, "ready")
	send(t, ws, map[string]any{"type": "chat", "content": "do it"})

	recvType(t, ws, "ask_user_question")
	result := recvType(t, ws, "tool_result")
	if result["isError"] != true {
		t.Fatalf("tool_result = %v, want denial", result)
	}
	recvType(t, ws, "done")

	// A late answer is a silent no-op.
	send(t, ws, map[string]any{"type": "answer", "questionId": "tu-1", "answers": map[string]string{"a": "b"}})
}

func TestInterruptReachesEngine(t *testing.T) {
	f := &enginetest.Factory{Turns: []enginetest.Turn{enginetest.TextTurn("eng-1", "x")}}
	env := newTestEnv(t, f)
	ws := env.dial(t)

	send(t, ws, authMsg(nil))
	recvType(t, ws, "ready")
	send(t, ws, map[string]any{"type": "interrupt"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if execs := f.Executions(); len(execs) > 0 && execs[0].Interrupted() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("interrupt never reached the execution")
}

func TestBareContentMessageIsChat(t *testing.T) {
	f := &enginetest.Factory{Turns: []enginetest.Turn{enginetest.TextTurn("eng-1", "ok")}}
	env := newTestEnv(t, f)
	ws := env.dial(t)

	send(t, ws, authMsg(nil))
	recvType(t, ws, "ready")
	send(t, ws, map[string]any{"content": "untyped"})
	recvType(t, ws, "done")

	if got := f.Executions()[0].Queries(); len(got) != 1 || got[0] != "untyped" {
		t.Errorf("queries = %v", got)
	}
}

func TestDisconnectReleasesExecution(t *testing.T) {
	f := &enginetest.Factory{Turns: []enginetest.Turn{enginetest.TextTurn("eng-1", "hi")}}
	env := newTestEnv(t, f)
	ws := env.dial(t)

	send(t, ws, authMsg(nil))
	ready := recvType(t, ws, "ready")
	handle := ready["sessionId"].(string)
	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if execs := f.Executions(); len(execs) > 0 && execs[0].Disconnected() {
			// Metadata survives for a later resume.
			if !env.sm.IsCached(handle) {
				t.Fatal("disconnect dropped the cache entry")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("execution never disconnected")
}
