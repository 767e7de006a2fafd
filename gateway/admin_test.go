package gateway

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/agentgate/agentgate/engine/enginetest"
)

func TestListSessions(t *testing.T) {
	f := &enginetest.Factory{Turns: []enginetest.Turn{enginetest.TextTurn("eng-1", "hi")}}
	env := newTestEnv(t, f)
	ws := env.dial(t)
	send(t, ws, authMsg(map[string]any{"agent": "default"}))
	recvType(t, ws, "ready")
	send(t, ws, map[string]any{"type": "chat", "content": "go"})
	recvType(t, ws, "done")

	resp, err := http.Get(env.srv.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("GET /v1/sessions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out []sessionSummary
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].SessionID != "eng-1" || out[0].TurnCount != 1 || !out[0].Active {
		t.Errorf("sessions = %+v", out)
	}
}

func TestListSessionsRejectsUnacceptableType(t *testing.T) {
	env := newTestEnv(t, &enginetest.Factory{})
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/sessions", nil)
	req.Header.Set("Accept", "text/html")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotAcceptable {
		t.Errorf("status = %d, want 406", resp.StatusCode)
	}
}

func TestDeleteSession(t *testing.T) {
	f := &enginetest.Factory{Turns: []enginetest.Turn{enginetest.TextTurn("eng-1", "hi")}}
	env := newTestEnv(t, f)
	ws := env.dial(t)
	send(t, ws, authMsg(nil))
	recvType(t, ws, "ready")
	send(t, ws, map[string]any{"type": "chat", "content": "go"})
	recvType(t, ws, "done")

	req, _ := http.NewRequest(http.MethodDelete, env.srv.URL+"/v1/sessions/eng-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if env.sm.IsCached("eng-1") {
		t.Error("deleted session still cached")
	}

	req, _ = http.NewRequest(http.MethodDelete, env.srv.URL+"/v1/sessions/eng-1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, &enginetest.Factory{})
	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
