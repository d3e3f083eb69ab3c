// internal/engine/engine.go
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/switchboard/internal/bus"
	"github.com/user/switchboard/internal/store"
	"github.com/user/switchboard/internal/types"
	"github.com/user/switchboard/pkg/llm"
)

// planToolName is the tool the agent calls to propose a plan while in safe
// mode. Its appearance in the stream raises a PlanSubmitted event.
const planToolName = "submit_plan"

// Engine drives one conversation state machine per session. Each session
// gets its own FIFO lane so messages sent while a turn is processing queue
// strictly in order rather than interleaving, while a weighted semaphore
// bounds how many sessions stream concurrently.
type Engine struct {
	store    *store.Store
	bus      *bus.Bus
	provider llm.Provider
	model    string
	sem      *semaphore.Weighted
	log      *slog.Logger

	mu    sync.Mutex
	lanes map[types.SessionID]*lane

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// lane serializes turns for one session.
type lane struct {
	ch chan string

	mu         sync.Mutex
	active     bool
	startedAt  time.Time
	cancelTurn context.CancelFunc
	done       chan struct{}
}

// New creates an Engine wired to the given store, bus, and provider. The
// model name is used for token estimation when the provider reports no
// usage. maxConcurrent bounds simultaneous streaming turns across sessions.
func New(st *store.Store, b *bus.Bus, provider llm.Provider, model string, maxConcurrent int64, log *slog.Logger) *Engine {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:    st,
		bus:      b,
		provider: provider,
		model:    model,
		sem:      semaphore.NewWeighted(maxConcurrent),
		log:      log,
		lanes:    make(map[types.SessionID]*lane),
	}
}

// Start initialises the engine's context. Must be called before SendMessage.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
}

// Stop cancels all in-flight turns and waits for lane goroutines to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	for id, l := range e.lanes {
		close(l.ch)
		delete(e.lanes, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// SendMessage appends a user turn for the session. If a turn is already
// processing, the message queues in the session's lane and is delivered
// after the current turn completes, in strict FIFO order.
func (e *Engine) SendMessage(id types.SessionID, text string) error {
	if _, err := e.store.Get(id); err != nil {
		return err
	}

	// The enqueue stays under the engine lock so a concurrent DeleteSession
	// cannot close the lane channel between lookup and send.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return fmt.Errorf("engine not started")
	}
	l, ok := e.lanes[id]
	if !ok {
		l = &lane{ch: make(chan string, 100)}
		e.lanes[id] = l
		e.wg.Add(1)
		go e.runLane(id, l)
	}

	select {
	case l.ch <- text:
		return nil
	default:
		return fmt.Errorf("message queue full for session %s", id)
	}
}

func (e *Engine) runLane(id types.SessionID, l *lane) {
	defer e.wg.Done()
	for {
		select {
		case text, ok := <-l.ch:
			if !ok {
				return
			}
			if err := e.sem.Acquire(e.ctx, 1); err != nil {
				return
			}
			e.processTurn(id, l, text)
			e.sem.Release(1)
		case <-e.ctx.Done():
			return
		}
	}
}

// processTurn executes a single turn: append the user message, stream the
// provider's reply as TextDelta events, and finish with TextComplete and
// Complete. Any failure publishes an error event and returns the session to
// idle; engine-level errors are never fatal to the session.
func (e *Engine) processTurn(id types.SessionID, l *lane, text string) {
	sess, err := e.store.Get(id)
	if err != nil {
		// Session deleted while the message was queued.
		return
	}

	userMsg := types.Message{
		ID:      types.NewMessageID(),
		Role:    types.RoleUser,
		Content: text,
		At:      time.Now(),
	}
	if err := e.store.AppendMessage(id, userMsg); err != nil {
		e.log.Error("append user message failed", "session_id", string(id), "error", err)
	}
	// Get returned a snapshot taken before the append; extend it so the
	// prompt includes this turn's user message.
	history := append(sess.Messages, userMsg)
	e.bus.Publish(id, types.UserMessage{Status: "received"})

	turnCtx, cancelTurn := context.WithCancel(e.ctx)
	defer cancelTurn()

	l.mu.Lock()
	l.active = true
	l.startedAt = time.Now()
	l.cancelTurn = cancelTurn
	l.done = make(chan struct{})
	l.mu.Unlock()
	e.store.SetProcessing(id, true)

	defer func() {
		e.store.SetProcessing(id, false)
		l.mu.Lock()
		l.active = false
		l.cancelTurn = nil
		done := l.done
		l.mu.Unlock()
		close(done)
		e.bus.Publish(id, types.Complete{})
	}()

	prompt := promptMessages(history)
	stream, err := e.provider.Stream(turnCtx, prompt, nil)
	if err != nil {
		e.bus.Publish(id, types.TypedError{Message: err.Error()})
		return
	}

	var sb strings.Builder
	var usage *llm.Usage
	for delta := range stream {
		if delta.Err != nil {
			e.bus.Publish(id, types.ErrorEvent{Err: delta.Err})
			return
		}
		if delta.Content != "" {
			sb.WriteString(delta.Content)
			e.bus.Publish(id, types.TextDelta{Delta: delta.Content})
		}
		for _, tc := range delta.ToolCalls {
			if tc.Function.Name == planToolName {
				e.bus.Publish(id, types.PlanSubmitted{Plan: string(tc.Function.Arguments)})
			}
		}
		if delta.Usage != nil {
			usage = delta.Usage
		}
	}
	if turnCtx.Err() != nil {
		// Cancelled mid-stream; the partial text is discarded.
		return
	}

	final := sb.String()
	assistantMsg := types.Message{
		ID:      types.NewMessageID(),
		Role:    types.RoleAssistant,
		Content: final,
		At:      time.Now(),
	}
	if err := e.store.AppendMessage(id, assistantMsg); err != nil {
		e.log.Error("append assistant message failed", "session_id", string(id), "error", err)
	}

	turnUsage := types.TokenUsage{}
	if usage != nil {
		turnUsage.InputTokens = usage.InputTokens
		turnUsage.OutputTokens = usage.OutputTokens
	} else {
		turnUsage = estimateUsage(e.model, prompt, final)
	}
	if err := e.store.AddUsage(id, turnUsage); err != nil {
		e.log.Error("record usage failed", "session_id", string(id), "error", err)
	}

	e.bus.Publish(id, types.TextComplete{Text: final, Intermediate: false})
}

// promptMessages converts session history into provider messages, dropping
// intermediate streamed text and tool bookkeeping.
func promptMessages(history []types.Message) []llm.Message {
	msgs := make([]llm.Message, 0, len(history))
	for _, m := range history {
		if m.Intermediate {
			continue
		}
		if m.Role != types.RoleUser && m.Role != types.RoleAssistant {
			continue
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return msgs
}

// CancelProcessing interrupts the session's in-flight turn, if any, and
// guarantees the engine has reached idle before returning. It is a no-op
// when the session is not processing.
func (e *Engine) CancelProcessing(id types.SessionID) {
	e.mu.Lock()
	l, ok := e.lanes[id]
	e.mu.Unlock()
	if !ok {
		return
	}

	l.mu.Lock()
	if !l.active {
		l.mu.Unlock()
		return
	}
	cancel := l.cancelTurn
	done := l.done
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-done
}

// Processing reports whether the session has an in-flight turn.
func (e *Engine) Processing(id types.SessionID) bool {
	e.mu.Lock()
	l, ok := e.lanes[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// TurnStartedAt returns the start time of the session's in-flight turn. The
// second return is false when the session is idle.
func (e *Engine) TurnStartedAt(id types.SessionID) (time.Time, bool) {
	e.mu.Lock()
	l, ok := e.lanes[id]
	e.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return time.Time{}, false
	}
	return l.startedAt, true
}

// RewindToMessage truncates the session's history to strictly before the
// given user message, clears the agent-runtime handle so the next turn runs
// against a fresh context, and emits Rewound with the truncated message's
// text as prefill. The target must be an existing user message; otherwise
// the history is left untouched.
func (e *Engine) RewindToMessage(id types.SessionID, msgID types.MessageID) error {
	sess, err := e.store.Get(id)
	if err != nil {
		return err
	}

	idx, msg := findMessage(sess.Messages, msgID)
	if idx < 0 {
		return fmt.Errorf("message not found: %s", msgID)
	}
	if msg.Role != types.RoleUser {
		return fmt.Errorf("rewind target %s is not a user message", msgID)
	}

	e.CancelProcessing(id)

	remaining := append([]types.Message(nil), sess.Messages[:idx]...)
	if err := e.store.SetMessages(id, remaining); err != nil {
		return err
	}
	if err := e.store.SetSDKSessionID(id, ""); err != nil {
		return err
	}

	e.bus.Publish(id, types.Rewound{Messages: remaining, PrefillText: msg.Content})
	return nil
}

// BranchFromMessage copies the session's history strictly before the given
// user message into a brand-new session, along with the source's permission
// mode, working directory, and labels. The source session is not mutated.
func (e *Engine) BranchFromMessage(id types.SessionID, msgID types.MessageID) (*types.Session, error) {
	sess, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}

	idx, msg := findMessage(sess.Messages, msgID)
	if idx < 0 {
		return nil, fmt.Errorf("message not found: %s", msgID)
	}
	if msg.Role != types.RoleUser {
		return nil, fmt.Errorf("branch target %s is not a user message", msgID)
	}

	branched, err := e.store.Create(sess.WorkspaceID, store.CreateOptions{
		Name:           sess.Name,
		Labels:         sess.Labels,
		PermissionMode: sess.PermissionMode,
		WorkingDir:     sess.WorkingDir,
		Messages:       sess.Messages[:idx],
	})
	if err != nil {
		return nil, err
	}

	e.bus.Publish(id, types.Branched{Session: branched, PrefillText: msg.Content})
	return branched, nil
}

// DeleteSession stops any in-flight turn, removes the session's persisted
// data, and emits Deleted so every subscriber releases its resources. It
// fails while processing unless force is set.
func (e *Engine) DeleteSession(id types.SessionID, force bool) error {
	if _, err := e.store.Get(id); err != nil {
		return err
	}
	if e.Processing(id) {
		if !force {
			return fmt.Errorf("session %s is processing; stop it first or force", id)
		}
		e.CancelProcessing(id)
	}

	e.mu.Lock()
	if l, ok := e.lanes[id]; ok {
		close(l.ch)
		delete(e.lanes, id)
	}
	e.mu.Unlock()

	if err := e.store.Delete(id, force); err != nil {
		return err
	}
	e.bus.Publish(id, types.Deleted{})
	return nil
}

func findMessage(msgs []types.Message, id types.MessageID) (int, types.Message) {
	for i, m := range msgs {
		if m.ID == id {
			return i, m
		}
	}
	return -1, types.Message{}
}
