// internal/control/protocol_test.go
package control

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/user/switchboard/internal/bus"
	"github.com/user/switchboard/internal/engine"
	"github.com/user/switchboard/internal/store"
	"github.com/user/switchboard/internal/types"
	"github.com/user/switchboard/pkg/llm"
)

// echoProvider streams "echo: <last user message>". When gate is non-nil
// the stream blocks on it, holding the turn open until released or
// cancelled; gateOn restricts the blocking to prompts containing it, so
// other sessions sharing the provider keep turning over.
type echoProvider struct {
	gate   chan struct{}
	gateOn string
}

func (p *echoProvider) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	return &llm.Response{Content: "ok"}, nil
}

func (p *echoProvider) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.Delta, error) {
	last := messages[len(messages)-1].Content
	ch := make(chan llm.Delta)
	go func() {
		defer close(ch)
		if p.gate != nil && (p.gateOn == "" || strings.Contains(last, p.gateOn)) {
			select {
			case <-p.gate:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- llm.Delta{Content: "echo: " + last}:
		case <-ctx.Done():
			return
		}
		ch <- llm.Delta{Usage: &llm.Usage{InputTokens: 1, OutputTokens: 1}}
	}()
	return ch, nil
}

type fixture struct {
	store    *store.Store
	bus      *bus.Bus
	engine   *engine.Engine
	subs     *Manager
	protocol *Protocol
}

func newFixture(t *testing.T, provider llm.Provider) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	eng := engine.New(st, b, provider, "gpt-4o-mini", 4, nil)
	eng.Start(context.Background())
	t.Cleanup(eng.Stop)
	subs := NewManager(eng, b, st, nil)
	t.Cleanup(subs.Stop)
	return &fixture{
		store:    st,
		bus:      b,
		engine:   eng,
		subs:     subs,
		protocol: NewProtocol(st, eng, b, subs, nil),
	}
}

func (f *fixture) createSession(t *testing.T, opts store.CreateOptions) *types.Session {
	t.Helper()
	sess, err := f.store.Create("ws", opts)
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

// waitFor polls cond until true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition never satisfied")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSelfReferenceGuard(t *testing.T) {
	f := newFixture(t, &echoProvider{})
	controller := f.createSession(t, store.CreateOptions{Labels: []string{"controller"}})
	id := controller.ID

	results := map[string]Result{
		"send_message":        f.protocol.SendMessage(context.Background(), id, SendMessageRequest{TargetID: id, Text: "hi"}),
		"get_session_status":  f.protocol.GetSessionStatus(id, id),
		"get_messages":        f.protocol.GetSessionMessages(id, GetMessagesRequest{TargetID: id}),
		"stop_session":        f.protocol.StopSession(id, id),
		"delete_session":      f.protocol.DeleteSession(id, id, false),
		"rename_session":      f.protocol.RenameSession(id, id, "x"),
		"set_session_labels":  f.protocol.SetSessionLabels(id, id, nil),
		"set_permission_mode": f.protocol.SetPermissionMode(id, id, types.PermissionSafe),
		"approve_plan":        f.protocol.ApprovePlan(id, id, ""),
		"subscribe":           f.protocol.SubscribeSessionEvents(id, id, nil),
	}
	for op, res := range results {
		if res.OK {
			t.Errorf("%s targeting own session must fail", op)
		}
		if !strings.Contains(res.Error, "infinite") && !strings.Contains(res.Error, "itself") {
			t.Errorf("%s error should explain the self-reference: %q", op, res.Error)
		}
	}

	// The session must still exist and be untouched.
	if _, err := f.store.Get(id); err != nil {
		t.Errorf("guarded operations must not act: %v", err)
	}
}

func TestListSessions(t *testing.T) {
	f := newFixture(t, &echoProvider{})
	controller := f.createSession(t, store.CreateOptions{Labels: []string{"controller"}})
	worker := f.createSession(t, store.CreateOptions{Name: "worker"})

	for _, content := range []string{"one", "two", "three", "four"} {
		if err := f.store.AppendMessage(worker.ID, types.Message{
			ID: types.NewMessageID(), Role: types.RoleUser, Content: content, At: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	res := f.protocol.ListSessions(controller.ID, true)
	if !res.OK {
		t.Fatal(res.Error)
	}
	summaries := res.Data.([]SessionSummary)
	if len(summaries) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(summaries))
	}
	var found bool
	for _, s := range summaries {
		if s.ID != worker.ID {
			continue
		}
		found = true
		if s.MessageCount != 4 {
			t.Errorf("expected 4 messages, got %d", s.MessageCount)
		}
		if len(s.LastMessages) != 3 {
			t.Errorf("expected last 3 message previews, got %d", len(s.LastMessages))
		}
		if s.LastMessages[0].Content != "two" {
			t.Errorf("previews should be the newest messages, got %+v", s.LastMessages)
		}
	}
	if !found {
		t.Error("worker session missing from list")
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	f := newFixture(t, &echoProvider{})
	controller := f.createSession(t, store.CreateOptions{Labels: []string{"controller"}})

	res := f.protocol.CreateSession(controller.ID, CreateSessionRequest{
		Name:           "built",
		InitialMessage: "get started",
	})
	if !res.OK {
		t.Fatal(res.Error)
	}
	id := res.Data.(map[string]any)["session_id"].(types.SessionID)

	sess, err := f.store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if sess.WorkspaceID != controller.WorkspaceID {
		t.Errorf("expected workspace inherited from controller, got %s", sess.WorkspaceID)
	}
	if sess.PermissionMode != types.PermissionAllowAll {
		t.Errorf("programmatic sessions default to allow-all, got %s", sess.PermissionMode)
	}

	// The initial message is processed fire-and-forget.
	waitFor(t, func() bool {
		got, err := f.store.Get(id)
		return err == nil && len(got.Messages) >= 2
	})
}

func TestSendMessageFireAndForget(t *testing.T) {
	f := newFixture(t, &echoProvider{})
	controller := f.createSession(t, store.CreateOptions{Labels: []string{"controller"}})
	worker := f.createSession(t, store.CreateOptions{})

	res := f.protocol.SendMessage(context.Background(), controller.ID, SendMessageRequest{
		TargetID: worker.ID,
		Text:     "do the thing",
	})
	if !res.OK {
		t.Fatal(res.Error)
	}
	waitFor(t, func() bool {
		got, err := f.store.Get(worker.ID)
		return err == nil && len(got.Messages) == 2
	})
}

func TestSendMessageWaitForResponse(t *testing.T) {
	f := newFixture(t, &echoProvider{})
	controller := f.createSession(t, store.CreateOptions{Labels: []string{"controller"}})
	worker := f.createSession(t, store.CreateOptions{})

	res := f.protocol.SendMessage(context.Background(), controller.ID, SendMessageRequest{
		TargetID:        worker.ID,
		Text:            "hello",
		WaitForResponse: true,
		TimeoutMs:       5000,
	})
	if !res.OK {
		t.Fatal(res.Error)
	}
	resp := res.Data.(SendResponse)
	if resp.Text != "echo: hello" {
		t.Errorf("expected full response text, got %q", resp.Text)
	}
	if f.bus.ListenerCount(worker.ID) != 0 {
		t.Error("wait subscription leaked after success")
	}
}

func TestSendMessageWaitTimeout(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newFixture(t, &echoProvider{gate: gate})
	controller := f.createSession(t, store.CreateOptions{Labels: []string{"controller"}})
	worker := f.createSession(t, store.CreateOptions{})

	res := f.protocol.SendMessage(context.Background(), controller.ID, SendMessageRequest{
		TargetID:        worker.ID,
		Text:            "hi",
		WaitForResponse: true,
		TimeoutMs:       50,
	})
	if res.OK {
		t.Fatal("expected a timeout failure result")
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("expected timeout error, got %q", res.Error)
	}
	resp := res.Data.(SendResponse)
	if !resp.TimedOut {
		t.Error("expected TimedOut flag on the payload")
	}
	if f.bus.ListenerCount(worker.ID) != 0 {
		t.Error("wait subscription leaked after timeout")
	}
}

func TestGetSessionMessagesWindowing(t *testing.T) {
	f := newFixture(t, &echoProvider{})
	controller := f.createSession(t, store.CreateOptions{Labels: []string{"controller"}})
	worker := f.createSession(t, store.CreateOptions{})

	msgs := []types.Message{
		{ID: types.NewMessageID(), Role: types.RoleUser, Content: "u1", At: time.Now()},
		{ID: types.NewMessageID(), Role: types.RoleTool, Content: "tool output", ToolName: "bash", At: time.Now()},
		{ID: types.NewMessageID(), Role: types.RoleAssistant, Content: "a1", At: time.Now()},
		{ID: types.NewMessageID(), Role: types.RoleUser, Content: "u2", At: time.Now()},
		{ID: types.NewMessageID(), Role: types.RoleAssistant, Content: "a2", At: time.Now()},
	}
	if err := f.store.SetMessages(worker.ID, msgs); err != nil {
		t.Fatal(err)
	}

	res := f.protocol.GetSessionMessages(controller.ID, GetMessagesRequest{TargetID: worker.ID, Limit: 2})
	if !res.OK {
		t.Fatal(res.Error)
	}
	window := res.Data.(map[string]any)["messages"].([]types.Message)
	if len(window) != 2 || window[0].Content != "u2" || window[1].Content != "a2" {
		t.Errorf("expected window [u2 a2], got %+v", window)
	}

	// Tool messages are filtered unless requested.
	res = f.protocol.GetSessionMessages(controller.ID, GetMessagesRequest{TargetID: worker.ID, Limit: 10})
	window = res.Data.(map[string]any)["messages"].([]types.Message)
	for _, m := range window {
		if m.Role == types.RoleTool {
			t.Error("tool message leaked without IncludeTools")
		}
	}

	res = f.protocol.GetSessionMessages(controller.ID, GetMessagesRequest{TargetID: worker.ID, Limit: 10, IncludeTools: true})
	window = res.Data.(map[string]any)["messages"].([]types.Message)
	if len(window) != 5 {
		t.Errorf("expected all 5 messages with IncludeTools, got %d", len(window))
	}

	// Offset counts back from the end.
	res = f.protocol.GetSessionMessages(controller.ID, GetMessagesRequest{TargetID: worker.ID, Limit: 2, Offset: 2})
	window = res.Data.(map[string]any)["messages"].([]types.Message)
	if len(window) != 2 || window[1].Content != "a1" {
		t.Errorf("expected offset window ending at a1, got %+v", window)
	}
}

func TestStopSessionIdleNoop(t *testing.T) {
	f := newFixture(t, &echoProvider{})
	controller := f.createSession(t, store.CreateOptions{Labels: []string{"controller"}})
	worker := f.createSession(t, store.CreateOptions{})

	res := f.protocol.StopSession(controller.ID, worker.ID)
	if !res.OK {
		t.Errorf("stopping an idle session must be a no-op success: %s", res.Error)
	}
}

func TestStopSessionCancelsProcessing(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newFixture(t, &echoProvider{gate: gate})
	controller := f.createSession(t, store.CreateOptions{Labels: []string{"controller"}})
	worker := f.createSession(t, store.CreateOptions{})

	if err := f.engine.SendMessage(worker.ID, "busy work"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.engine.Processing(worker.ID) })

	res := f.protocol.StopSession(controller.ID, worker.ID)
	if !res.OK {
		t.Fatal(res.Error)
	}
	if f.engine.Processing(worker.ID) {
		t.Error("expected worker idle after stop")
	}
}

func TestDeleteSessionRejectsWhileProcessing(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newFixture(t, &echoProvider{gate: gate})
	controller := f.createSession(t, store.CreateOptions{Labels: []string{"controller"}})
	worker := f.createSession(t, store.CreateOptions{})

	if err := f.engine.SendMessage(worker.ID, "busy"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.engine.Processing(worker.ID) })

	if res := f.protocol.DeleteSession(controller.ID, worker.ID, false); res.OK {
		t.Error("expected delete of a processing session to fail")
	}
	if res := f.protocol.DeleteSession(controller.ID, worker.ID, true); !res.OK {
		t.Errorf("forced delete failed: %s", res.Error)
	}
}

func TestApprovePlan(t *testing.T) {
	f := newFixture(t, &echoProvider{})
	controller := f.createSession(t, store.CreateOptions{Labels: []string{"controller"}})
	worker := f.createSession(t, store.CreateOptions{PermissionMode: types.PermissionSafe})

	res := f.protocol.ApprovePlan(controller.ID, worker.ID, "")
	if !res.OK {
		t.Fatal(res.Error)
	}
	sess, err := f.store.Get(worker.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.PermissionMode != types.PermissionAllowAll {
		t.Errorf("expected allow-all after approval, got %s", sess.PermissionMode)
	}
	waitFor(t, func() bool {
		got, err := f.store.Get(worker.ID)
		return err == nil && len(got.Messages) >= 1
	})
}

func TestApprovePlanWrongMode(t *testing.T) {
	f := newFixture(t, &echoProvider{})
	controller := f.createSession(t, store.CreateOptions{Labels: []string{"controller"}})
	worker := f.createSession(t, store.CreateOptions{PermissionMode: types.PermissionAllowAll})

	res := f.protocol.ApprovePlan(controller.ID, worker.ID, "")
	if res.OK {
		t.Error("approve_plan must fail outside safe mode")
	}
	if !strings.Contains(res.Error, "safe") {
		t.Errorf("error should describe the mode requirement: %q", res.Error)
	}
}

func TestApprovePlanWhileProcessing(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newFixture(t, &echoProvider{gate: gate})
	controller := f.createSession(t, store.CreateOptions{Labels: []string{"controller"}})
	worker := f.createSession(t, store.CreateOptions{PermissionMode: types.PermissionSafe})

	if err := f.engine.SendMessage(worker.ID, "plan something"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.engine.Processing(worker.ID) })

	res := f.protocol.ApprovePlan(controller.ID, worker.ID, "")
	if res.OK {
		t.Error("approve_plan must fail while the target is processing")
	}
}

func TestIsController(t *testing.T) {
	cases := []struct {
		labels []string
		want   bool
	}{
		{[]string{"controller"}, true},
		{[]string{"telegram"}, true},
		{[]string{"matrix"}, true},
		{[]string{"other"}, false},
		{nil, false},
	}
	for _, tc := range cases {
		sess := &types.Session{Labels: tc.labels}
		if got := IsController(sess); got != tc.want {
			t.Errorf("IsController(%v) = %v, want %v", tc.labels, got, tc.want)
		}
	}
}

// Guards against regressions in concurrent wait-senders racing terminal
// events: both waiters must resolve and clean up.
func TestConcurrentWaiters(t *testing.T) {
	f := newFixture(t, &echoProvider{})
	controllerA := f.createSession(t, store.CreateOptions{Labels: []string{"controller"}})
	controllerB := f.createSession(t, store.CreateOptions{Labels: []string{"controller"}})
	worker := f.createSession(t, store.CreateOptions{})

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i, controller := range []types.SessionID{controllerA.ID, controllerB.ID} {
		wg.Add(1)
		go func(i int, controller types.SessionID) {
			defer wg.Done()
			results[i] = f.protocol.SendMessage(context.Background(), controller, SendMessageRequest{
				TargetID:        worker.ID,
				Text:            "ping",
				WaitForResponse: true,
				TimeoutMs:       5000,
			})
		}(i, controller)
	}
	wg.Wait()

	for i, res := range results {
		if !res.OK {
			t.Errorf("waiter %d failed: %s", i, res.Error)
		}
	}
	if f.bus.ListenerCount(worker.ID) != 0 {
		t.Errorf("expected no dangling listeners, got %d", f.bus.ListenerCount(worker.ID))
	}
}

func TestPreviewTruncatesAtRuneBoundary(t *testing.T) {
	// Three-byte runes guarantee the byte cap lands mid-rune.
	long := strings.Repeat("界", previewMessageLen)
	previews := previewOf([]types.Message{{Role: types.RoleUser, Content: long}})
	if len(previews) != 1 {
		t.Fatalf("got %d previews, want 1", len(previews))
	}
	got := previews[0].Content
	if len(got) > previewMessageLen {
		t.Fatalf("preview is %d bytes, want <= %d", len(got), previewMessageLen)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("preview is not valid UTF-8: %q", got[len(got)-4:])
	}

	short := previewOf([]types.Message{{Role: types.RoleUser, Content: "hi"}})
	if short[0].Content != "hi" {
		t.Fatalf("short preview = %q", short[0].Content)
	}
}
