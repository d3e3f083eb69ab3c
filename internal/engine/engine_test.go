// internal/engine/engine_test.go
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/switchboard/internal/bus"
	"github.com/user/switchboard/internal/store"
	"github.com/user/switchboard/internal/types"
	"github.com/user/switchboard/pkg/llm"
)

// echoProvider streams "echo: <last user message>" as two deltas. If gate is
// non-nil the stream waits on it (or ctx) before emitting, which lets tests
// hold a turn open.
type echoProvider struct {
	gate      chan struct{}
	streamErr error
}

func (p *echoProvider) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	last := messages[len(messages)-1]
	return &llm.Response{Content: "rewritten: " + last.Content}, nil
}

func (p *echoProvider) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.Delta, error) {
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	last := messages[len(messages)-1].Content
	ch := make(chan llm.Delta)
	go func() {
		defer close(ch)
		if p.gate != nil {
			select {
			case <-p.gate:
			case <-ctx.Done():
				return
			}
		}
		for _, chunk := range []string{"echo: ", last} {
			select {
			case ch <- llm.Delta{Content: chunk}:
			case <-ctx.Done():
				return
			}
		}
		ch <- llm.Delta{Usage: &llm.Usage{InputTokens: 1, OutputTokens: 2}}
	}()
	return ch, nil
}

type recorder struct {
	mu     sync.Mutex
	events []types.Event
	turns  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{turns: make(chan struct{}, 16)}
}

func (r *recorder) listen(ev types.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if _, ok := ev.(types.Complete); ok {
		r.turns <- struct{}{}
	}
}

func (r *recorder) snapshot() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event(nil), r.events...)
}

func (r *recorder) waitTurn(t *testing.T) {
	t.Helper()
	select {
	case <-r.turns:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for turn to complete")
	}
}

func newTestEngine(t *testing.T, provider llm.Provider) (*Engine, *store.Store, *bus.Bus) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	e := New(st, b, provider, "gpt-4o-mini", 2, nil)
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e, st, b
}

func TestTurnStreamsEvents(t *testing.T) {
	e, st, b := newTestEngine(t, &echoProvider{})
	sess, err := st.Create("ws", store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	rec := newRecorder()
	defer b.Subscribe(sess.ID, rec.listen)()

	if err := e.SendMessage(sess.ID, "hello"); err != nil {
		t.Fatal(err)
	}
	rec.waitTurn(t)

	events := rec.snapshot()
	var deltas, completes, finals int
	var finalText string
	for _, ev := range events {
		switch v := ev.(type) {
		case types.TextDelta:
			deltas++
		case types.TextComplete:
			finals++
			finalText = v.Text
			if v.Intermediate {
				t.Error("final TextComplete must not be intermediate")
			}
		case types.Complete:
			completes++
		}
	}
	if deltas != 2 || finals != 1 || completes != 1 {
		t.Errorf("unexpected event counts: deltas=%d finals=%d completes=%d", deltas, finals, completes)
	}
	if finalText != "echo: hello" {
		t.Errorf("final text = %q", finalText)
	}

	got, err := st.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("expected user+assistant messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Role != types.RoleUser || got.Messages[1].Role != types.RoleAssistant {
		t.Errorf("unexpected roles: %s, %s", got.Messages[0].Role, got.Messages[1].Role)
	}
	if got.Usage.OutputTokens != 2 {
		t.Errorf("expected usage recorded, got %+v", got.Usage)
	}
}

func TestSecondMessageQueuesNotInterleaves(t *testing.T) {
	gate := make(chan struct{})
	e, st, b := newTestEngine(t, &echoProvider{gate: gate})
	sess, err := st.Create("ws", store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	rec := newRecorder()
	defer b.Subscribe(sess.ID, rec.listen)()

	if err := e.SendMessage(sess.ID, "first"); err != nil {
		t.Fatal(err)
	}
	if err := e.SendMessage(sess.ID, "second"); err != nil {
		t.Fatal(err)
	}

	// Release both turns one after the other.
	gate <- struct{}{}
	rec.waitTurn(t)
	gate <- struct{}{}
	rec.waitTurn(t)

	got, err := st.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	var contents []string
	for _, m := range got.Messages {
		contents = append(contents, m.Content)
	}
	want := []string{"first", "echo: first", "second", "echo: second"}
	if len(contents) != len(want) {
		t.Fatalf("expected %d messages, got %v", len(want), contents)
	}
	for i := range want {
		if contents[i] != want[i] {
			t.Errorf("messages[%d] = %q, want %q (no interleaving)", i, contents[i], want[i])
		}
	}
}

func TestCancelProcessing(t *testing.T) {
	gate := make(chan struct{})
	e, st, b := newTestEngine(t, &echoProvider{gate: gate})
	sess, err := st.Create("ws", store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	rec := newRecorder()
	defer b.Subscribe(sess.ID, rec.listen)()

	if err := e.SendMessage(sess.ID, "hold"); err != nil {
		t.Fatal(err)
	}

	// Wait for the turn to become active, then cancel it.
	deadline := time.Now().Add(2 * time.Second)
	for !e.Processing(sess.ID) {
		if time.Now().After(deadline) {
			t.Fatal("turn never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	e.CancelProcessing(sess.ID)
	if e.Processing(sess.ID) {
		t.Error("expected idle immediately after CancelProcessing returns")
	}
	rec.waitTurn(t)

	// Cancelled turn: user message kept, no assistant reply.
	got, err := st.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 1 {
		t.Errorf("expected only the user message, got %d", len(got.Messages))
	}
}

func TestCancelWhenIdleIsNoop(t *testing.T) {
	e, st, _ := newTestEngine(t, &echoProvider{})
	sess, err := st.Create("ws", store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	e.CancelProcessing(sess.ID) // must not block or panic
}

func TestStreamSetupErrorReturnsToIdle(t *testing.T) {
	e, st, b := newTestEngine(t, &echoProvider{streamErr: errors.New("backend down")})
	sess, err := st.Create("ws", store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	rec := newRecorder()
	defer b.Subscribe(sess.ID, rec.listen)()

	if err := e.SendMessage(sess.ID, "hi"); err != nil {
		t.Fatal(err)
	}
	rec.waitTurn(t)

	var sawError bool
	for _, ev := range rec.snapshot() {
		if _, ok := ev.(types.TypedError); ok {
			sawError = true
		}
	}
	if !sawError {
		t.Error("expected a TypedError event")
	}
	if e.Processing(sess.ID) {
		t.Error("session must return to idle after an error")
	}
}

func seedHistory(t *testing.T, st *store.Store, id types.SessionID, turns ...string) []types.Message {
	t.Helper()
	msgs := make([]types.Message, len(turns))
	for i, content := range turns {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		msgs[i] = types.Message{
			ID: types.NewMessageID(), Role: role, Content: content, At: time.Now(),
		}
	}
	if err := st.SetMessages(id, msgs); err != nil {
		t.Fatal(err)
	}
	return msgs
}

func TestRewindToMessage(t *testing.T) {
	e, st, b := newTestEngine(t, &echoProvider{})
	sess, err := st.Create("ws", store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	msgs := seedHistory(t, st, sess.ID, "u1", "a1", "u2", "a2", "u3")
	if err := st.SetSDKSessionID(sess.ID, "sdk-123"); err != nil {
		t.Fatal(err)
	}

	var rewound *types.Rewound
	defer b.Subscribe(sess.ID, func(ev types.Event) {
		if r, ok := ev.(types.Rewound); ok {
			rewound = &r
		}
	})()

	if err := e.RewindToMessage(sess.ID, msgs[2].ID); err != nil {
		t.Fatal(err)
	}

	got, err := st.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 2 || got.Messages[0].Content != "u1" || got.Messages[1].Content != "a1" {
		t.Errorf("expected history [u1 a1], got %+v", got.Messages)
	}
	if got.SDKSessionID != "" {
		t.Error("expected SDK session handle cleared by rewind")
	}
	if rewound == nil {
		t.Fatal("expected a Rewound event")
	}
	if rewound.PrefillText != "u2" {
		t.Errorf("prefill = %q, want u2", rewound.PrefillText)
	}
	if len(rewound.Messages) != 2 {
		t.Errorf("Rewound carried %d messages", len(rewound.Messages))
	}
}

func TestRewindRejectsBadTargets(t *testing.T) {
	e, st, _ := newTestEngine(t, &echoProvider{})
	sess, err := st.Create("ws", store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	msgs := seedHistory(t, st, sess.ID, "u1", "a1")

	if err := e.RewindToMessage(sess.ID, msgs[1].ID); err == nil {
		t.Error("expected rewind to an assistant message to fail")
	}
	if err := e.RewindToMessage(sess.ID, types.NewMessageID()); err == nil {
		t.Error("expected rewind to a missing message to fail")
	}

	got, err := st.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 2 {
		t.Errorf("failed rewind must not mutate history, got %d messages", len(got.Messages))
	}
}

func TestBranchFromMessage(t *testing.T) {
	e, st, _ := newTestEngine(t, &echoProvider{})
	sess, err := st.Create("ws", store.CreateOptions{
		PermissionMode: types.PermissionSafe,
		Labels:         []string{"controller"},
		WorkingDir:     "/tmp/src",
	})
	if err != nil {
		t.Fatal(err)
	}
	msgs := seedHistory(t, st, sess.ID, "u1", "a1", "u2")

	branched, err := e.BranchFromMessage(sess.ID, msgs[2].ID)
	if err != nil {
		t.Fatal(err)
	}
	if branched.ID == sess.ID {
		t.Fatal("branch must create a new session")
	}

	got, err := st.Get(branched.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 2 {
		t.Errorf("branch expected 2 copied messages, got %d", len(got.Messages))
	}
	if got.PermissionMode != types.PermissionSafe || !got.HasLabel("controller") || got.WorkingDir != "/tmp/src" {
		t.Errorf("branch did not copy settings: %+v", got)
	}

	src, err := st.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(src.Messages) != 3 || src.PermissionMode != types.PermissionSafe || !src.HasLabel("controller") {
		t.Error("branch mutated the source session")
	}
}

func TestBranchRejectsAssistantTarget(t *testing.T) {
	e, st, _ := newTestEngine(t, &echoProvider{})
	sess, err := st.Create("ws", store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	msgs := seedHistory(t, st, sess.ID, "u1", "a1")
	if _, err := e.BranchFromMessage(sess.ID, msgs[1].ID); err == nil {
		t.Error("expected branch from an assistant message to fail")
	}
}

func TestDeleteSession(t *testing.T) {
	gate := make(chan struct{})
	e, st, b := newTestEngine(t, &echoProvider{gate: gate})
	sess, err := st.Create("ws", store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	var deleted bool
	b.Subscribe(sess.ID, func(ev types.Event) {
		if _, ok := ev.(types.Deleted); ok {
			deleted = true
		}
	})

	if err := e.SendMessage(sess.ID, "hold"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !e.Processing(sess.ID) {
		if time.Now().After(deadline) {
			t.Fatal("turn never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := e.DeleteSession(sess.ID, false); err == nil {
		t.Error("expected delete of a processing session to fail without force")
	}
	if err := e.DeleteSession(sess.ID, true); err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Error("expected a Deleted event")
	}
	if _, err := st.Get(sess.ID); err == nil {
		t.Error("expected session gone from store")
	}
}

func TestRephraseMessage(t *testing.T) {
	e, st, _ := newTestEngine(t, &echoProvider{})
	sess, err := st.Create("ws", store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	seedHistory(t, st, sess.ID, "u1", "a1")

	out, err := e.RephraseMessage(context.Background(), sess.ID, "make me tea")
	if err != nil {
		t.Fatal(err)
	}
	if out != "rewritten: Rewrite this text:\nmake me tea" {
		t.Errorf("unexpected rephrase output: %q", out)
	}

	if _, err := e.RephraseMessage(context.Background(), sess.ID, "   "); err == nil {
		t.Error("expected empty text to be rejected")
	}
}

func TestRephraseSelectionIncludesMentions(t *testing.T) {
	e, st, _ := newTestEngine(t, &echoProvider{})
	sess, err := st.Create("ws", store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	out, err := e.RephraseSelection(context.Background(), sess.ID, "ping the worker", []string{"@worker-1", "@worker-2"})
	if err != nil {
		t.Fatal(err)
	}
	// The fake provider echoes the request; the mention list must be in it.
	for _, token := range []string{"@worker-1", "@worker-2"} {
		if !strings.Contains(out, token) {
			t.Errorf("expected mention token %s in request, got %q", token, out)
		}
	}
}

func TestSendMessageBeforeStart(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sess, err := st.Create("ws", store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	e := New(st, bus.New(), &echoProvider{}, "gpt-4o-mini", 2, nil)
	if err := e.SendMessage(sess.ID, "too early"); err == nil {
		t.Fatal("expected error from SendMessage before Start")
	}

	e.Start(context.Background())
	t.Cleanup(e.Stop)
	if err := e.SendMessage(sess.ID, "hello"); err != nil {
		t.Fatalf("SendMessage after Start: %v", err)
	}
}
