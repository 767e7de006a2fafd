package history

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/agentgate/agentgate/engine"
	"github.com/agentgate/agentgate/storage"
	"github.com/agentgate/agentgate/storage/memory"
)

func TestFinalizeEmptyBufferAppendsNothing(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	tr := NewTracker(store, "sess-1", nil)

	if err := tr.Finalize(ctx, nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	msgs, _ := store.LoadMessages(ctx, "sess-1")
	if len(msgs) != 0 {
		t.Errorf("empty finalize appended %d entries", len(msgs))
	}
}

func TestFinalizeJoinsAccumulatedText(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	tr := NewTracker(store, "sess-1", nil)

	tr.AccumulateText("a")
	tr.AccumulateText("b")
	if err := tr.Finalize(ctx, nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	msgs, _ := store.LoadMessages(ctx, "sess-1")
	if len(msgs) != 1 {
		t.Fatalf("got %d entries, want 1", len(msgs))
	}
	if msgs[0].Role != storage.RoleAssistant || msgs[0].Content != "ab" {
		t.Errorf("entry = %+v, want assistant %q", msgs[0], "ab")
	}

	// The buffer is cleared: a second finalize appends nothing.
	if err := tr.Finalize(ctx, nil); err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	msgs, _ = store.LoadMessages(ctx, "sess-1")
	if len(msgs) != 1 {
		t.Errorf("second finalize appended entries: %d total", len(msgs))
	}
}

func TestFinalizeRecordsErrorMeta(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	tr := NewTracker(store, "sess-1", nil)

	tr.AccumulateText("partial answer")
	if err := tr.Finalize(ctx, map[string]string{"error": "stream broke"}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	msgs, _ := store.LoadMessages(ctx, "sess-1")
	if len(msgs) != 1 || msgs[0].Meta["error"] != "stream broke" {
		t.Errorf("entries = %+v", msgs)
	}
}

func TestProcessEventDispatch(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	tr := NewTracker(store, "sess-1", nil)

	events := []engine.Event{
		{Kind: engine.KindSessionInit, SessionID: "sess-1"}, // ignored
		{Kind: engine.KindTextDelta, Text: "hello "},
		{Kind: engine.KindToolUse, ToolName: "AskUserQuestion", ToolInput: json.RawMessage(`{"questions": [ ]}`), ToolUseID: "tu-1"},
		{Kind: engine.KindToolResult, ToolUseID: "tu-1", Content: `{"q":"yes"}`, IsError: false},
		{Kind: engine.KindTextDelta, Text: "world"},
		{Kind: engine.KindResult}, // ignored
	}
	for _, ev := range events {
		if err := tr.ProcessEvent(ctx, ev); err != nil {
			t.Fatalf("ProcessEvent(%v): %v", ev.Kind, err)
		}
	}
	if err := tr.Finalize(ctx, nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	msgs, _ := store.LoadMessages(ctx, "sess-1")
	if len(msgs) != 3 {
		t.Fatalf("got %d entries, want 3 (tool use, tool result, assistant)", len(msgs))
	}
	if msgs[0].Role != storage.RoleTool || msgs[0].ToolName != "AskUserQuestion" {
		t.Errorf("tool use entry = %+v", msgs[0])
	}
	// Tool input is stored in canonical compact form.
	if msgs[0].Content != `{"questions":[]}` {
		t.Errorf("tool use content = %q", msgs[0].Content)
	}
	if msgs[2].Content != "hello world" {
		t.Errorf("assistant content = %q", msgs[2].Content)
	}
}

func TestSaveUserMessageAndAnswer(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	tr := NewTracker(store, "sess-1", nil)

	if err := tr.SaveUserMessage(ctx, "what is 2+2?"); err != nil {
		t.Fatalf("SaveUserMessage: %v", err)
	}
	if err := tr.SaveUserAnswer(ctx, "q-1", map[string]string{"confirm": "yes"}); err != nil {
		t.Fatalf("SaveUserAnswer: %v", err)
	}

	msgs, _ := store.LoadMessages(ctx, "sess-1")
	if len(msgs) != 2 {
		t.Fatalf("got %d entries, want 2", len(msgs))
	}
	if msgs[0].Role != storage.RoleUser {
		t.Errorf("first entry role = %q", msgs[0].Role)
	}
	if msgs[1].Meta["kind"] != "answer" || msgs[1].Meta["questionId"] != "q-1" {
		t.Errorf("answer meta = %+v", msgs[1].Meta)
	}
}
