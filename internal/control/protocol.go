// internal/control/protocol.go

// Package control exposes the remote-control operation surface that lets a
// controller session enumerate, create, message, and monitor other sessions.
// Every operation returns a Result; failures are data, never panics or
// errors thrown across the boundary.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/user/switchboard/internal/bus"
	"github.com/user/switchboard/internal/engine"
	"github.com/user/switchboard/internal/store"
	"github.com/user/switchboard/internal/types"
)

// ControllerLabels are the session labels that grant the remote-control
// surface. A transport bridge applies its own label on sessions it creates.
var ControllerLabels = []string{"controller", "telegram", "matrix"}

// IsController reports whether the session is allowed to use the protocol.
func IsController(sess *types.Session) bool {
	for _, label := range ControllerLabels {
		if sess.HasLabel(label) {
			return true
		}
	}
	return false
}

// Result is the uniform response envelope for every protocol operation.
type Result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

func okResult(data any) Result {
	return Result{OK: true, Data: data}
}

func failf(format string, args ...any) Result {
	return Result{OK: false, Error: fmt.Sprintf(format, args...)}
}

// Protocol implements the remote-control operations for controller sessions.
type Protocol struct {
	store  *store.Store
	engine *engine.Engine
	bus    *bus.Bus
	subs   *Manager
	log    *slog.Logger
}

// NewProtocol creates the protocol bound to the given core components.
func NewProtocol(st *store.Store, eng *engine.Engine, b *bus.Bus, subs *Manager, log *slog.Logger) *Protocol {
	if log == nil {
		log = slog.Default()
	}
	return &Protocol{store: st, engine: eng, bus: b, subs: subs, log: log}
}

// guard rejects operations where a controller targets its own session.
func guard(controllerID, targetID types.SessionID) (Result, bool) {
	if controllerID == targetID {
		return failf("cannot act on your own session: this would cause an infinite control loop"), false
	}
	return Result{}, true
}

const (
	previewMessages    = 3
	previewMessageLen  = 200
	defaultWaitTimeout = 120 * time.Second
)

// SessionSummary is the list_sessions projection of one session.
type SessionSummary struct {
	ID           types.SessionID      `json:"id"`
	Name         string               `json:"name,omitempty"`
	Processing   bool                 `json:"processing"`
	Labels       []string             `json:"labels,omitempty"`
	MessageCount int                  `json:"message_count"`
	Usage        types.TokenUsage     `json:"usage"`
	LastActivity time.Time            `json:"last_activity"`
	LastMessages []MessagePreview     `json:"last_messages,omitempty"`
	Mode         types.PermissionMode `json:"permission_mode"`
}

// MessagePreview is a truncated message used in summaries.
type MessagePreview struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ListSessions returns summaries of all resident sessions. When
// includeMessages is set, each summary carries the last three messages
// truncated for preview.
func (p *Protocol) ListSessions(controllerID types.SessionID, includeMessages bool) Result {
	sessions := p.store.List()
	summaries := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		summary := SessionSummary{
			ID:           sess.ID,
			Name:         sess.Name,
			Processing:   p.engine.Processing(sess.ID),
			Labels:       sess.Labels,
			MessageCount: len(sess.Messages),
			Usage:        sess.Usage,
			LastActivity: sess.UpdatedAt,
			Mode:         sess.PermissionMode,
		}
		if includeMessages {
			loaded, err := p.store.Get(sess.ID)
			if err == nil {
				summary.MessageCount = len(loaded.Messages)
				summary.LastMessages = previewOf(loaded.Messages)
			}
		}
		summaries = append(summaries, summary)
	}
	return okResult(summaries)
}

func previewOf(msgs []types.Message) []MessagePreview {
	start := len(msgs) - previewMessages
	if start < 0 {
		start = 0
	}
	previews := make([]MessagePreview, 0, previewMessages)
	for _, m := range msgs[start:] {
		previews = append(previews, MessagePreview{Role: m.Role, Content: truncate(m.Content, previewMessageLen)})
	}
	return previews
}

// truncate caps s at max bytes without splitting a multi-byte rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// CreateSessionRequest holds parameters for create_session.
type CreateSessionRequest struct {
	WorkspaceID    types.WorkspaceID    `json:"workspace_id,omitempty"`
	WorkingDir     string               `json:"working_dir,omitempty"`
	PermissionMode types.PermissionMode `json:"permission_mode,omitempty"`
	InitialMessage string               `json:"initial_message,omitempty"`
	Labels         []string             `json:"labels,omitempty"`
	Name           string               `json:"name,omitempty"`
}

// CreateSession creates a worker session. When an initial message is given
// it is sent fire-and-forget relative to the caller.
func (p *Protocol) CreateSession(controllerID types.SessionID, req CreateSessionRequest) Result {
	workspace := req.WorkspaceID
	if workspace == "" {
		if controller, err := p.store.Get(controllerID); err == nil {
			workspace = controller.WorkspaceID
		}
	}

	sess, err := p.store.Create(workspace, store.CreateOptions{
		Name:           req.Name,
		Labels:         req.Labels,
		PermissionMode: req.PermissionMode,
		WorkingDir:     req.WorkingDir,
	})
	if err != nil {
		return failf("create session: %v", err)
	}

	if req.InitialMessage != "" {
		if err := p.engine.SendMessage(sess.ID, req.InitialMessage); err != nil {
			p.log.Error("initial message failed", "session_id", string(sess.ID), "error", err)
		}
	}
	return okResult(map[string]any{"session_id": sess.ID})
}

// SendMessageRequest holds parameters for send_message.
type SendMessageRequest struct {
	TargetID        types.SessionID `json:"target_id"`
	Text            string          `json:"text"`
	WaitForResponse bool            `json:"wait_for_response,omitempty"`
	TimeoutMs       int             `json:"timeout_ms,omitempty"`
}

// SendResponse is the payload of a successful (or partial) send_message.
type SendResponse struct {
	Text     string `json:"text,omitempty"`
	Partial  bool   `json:"partial,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// SendMessage delivers text to the target session. In fire-and-forget mode
// it returns once the message is enqueued. In wait mode it subscribes to the
// target's events, accumulates deltas, and resolves on completion, on error
// with any partial text, or on timeout with any partial text. The waiting
// subscription is torn down on every path.
func (p *Protocol) SendMessage(ctx context.Context, controllerID types.SessionID, req SendMessageRequest) Result {
	if res, pass := guard(controllerID, req.TargetID); !pass {
		return res
	}
	if _, err := p.store.Get(req.TargetID); err != nil {
		return failf("target session: %v", err)
	}

	if !req.WaitForResponse {
		if err := p.engine.SendMessage(req.TargetID, req.Text); err != nil {
			return failf("send: %v", err)
		}
		return okResult(map[string]any{"status": "queued"})
	}

	timeout := defaultWaitTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	type outcome struct {
		errText string
		deleted bool
	}

	var mu sync.Mutex
	var partial strings.Builder
	var finalText string
	var armed bool // our turn has started; an earlier in-flight turn's Complete must not resolve the wait
	done := make(chan outcome, 1)
	resolve := func(o outcome) {
		select {
		case done <- o:
		default:
		}
	}

	unsub := p.bus.Subscribe(req.TargetID, func(ev types.Event) {
		switch v := ev.(type) {
		case types.UserMessage:
			mu.Lock()
			armed = true
			partial.Reset()
			mu.Unlock()
		case types.TextDelta:
			mu.Lock()
			partial.WriteString(v.Delta)
			mu.Unlock()
		case types.TextComplete:
			if !v.Intermediate {
				mu.Lock()
				finalText = v.Text
				mu.Unlock()
			}
		case types.Complete:
			mu.Lock()
			ready := armed
			mu.Unlock()
			if ready {
				resolve(outcome{})
			}
		case types.ErrorEvent:
			resolve(outcome{errText: v.Err.Error()})
		case types.TypedError:
			resolve(outcome{errText: v.Message})
		case types.Deleted:
			resolve(outcome{errText: "target session was deleted", deleted: true})
		}
	})
	defer unsub()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if err := p.engine.SendMessage(req.TargetID, req.Text); err != nil {
		return failf("send: %v", err)
	}

	partialText := func() string {
		mu.Lock()
		defer mu.Unlock()
		if finalText != "" {
			return finalText
		}
		return partial.String()
	}

	select {
	case o := <-done:
		if o.errText != "" {
			return Result{OK: false, Error: o.errText, Data: SendResponse{Text: partialText(), Partial: true}}
		}
		return okResult(SendResponse{Text: partialText()})
	case <-timer.C:
		return Result{
			OK:    false,
			Error: fmt.Sprintf("timed out after %s waiting for response", timeout),
			Data:  SendResponse{Text: partialText(), Partial: true, TimedOut: true},
		}
	case <-ctx.Done():
		return Result{OK: false, Error: "cancelled", Data: SendResponse{Text: partialText(), Partial: true}}
	}
}

// SessionStatus is the get_session_status projection.
type SessionStatus struct {
	ID           types.SessionID      `json:"id"`
	Name         string               `json:"name,omitempty"`
	Processing   bool                 `json:"processing"`
	Mode         types.PermissionMode `json:"permission_mode"`
	Labels       []string             `json:"labels,omitempty"`
	MessageCount int                  `json:"message_count"`
	Usage        types.TokenUsage     `json:"usage"`
	LastActivity time.Time            `json:"last_activity"`
}

// GetSessionStatus returns a read-only status projection of the target.
func (p *Protocol) GetSessionStatus(controllerID, targetID types.SessionID) Result {
	if res, pass := guard(controllerID, targetID); !pass {
		return res
	}
	sess, err := p.store.Get(targetID)
	if err != nil {
		return failf("target session: %v", err)
	}
	return okResult(SessionStatus{
		ID:           sess.ID,
		Name:         sess.Name,
		Processing:   p.engine.Processing(sess.ID),
		Mode:         sess.PermissionMode,
		Labels:       sess.Labels,
		MessageCount: len(sess.Messages),
		Usage:        sess.Usage,
		LastActivity: sess.UpdatedAt,
	})
}

// GetMessagesRequest holds parameters for get_session_messages.
type GetMessagesRequest struct {
	TargetID     types.SessionID `json:"target_id"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
	IncludeTools bool            `json:"include_tools,omitempty"`
}

// GetSessionMessages returns a window of the target's history counted from
// the end. Tool messages are filtered out unless requested.
func (p *Protocol) GetSessionMessages(controllerID types.SessionID, req GetMessagesRequest) Result {
	if res, pass := guard(controllerID, req.TargetID); !pass {
		return res
	}
	sess, err := p.store.Get(req.TargetID)
	if err != nil {
		return failf("target session: %v", err)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}

	filtered := make([]types.Message, 0, len(sess.Messages))
	for _, m := range sess.Messages {
		if !req.IncludeTools && m.Role == types.RoleTool {
			continue
		}
		filtered = append(filtered, m)
	}

	// Window from the end: offset skips the newest messages, limit bounds
	// the window size.
	end := len(filtered) - req.Offset
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return okResult(map[string]any{
		"messages": filtered[start:end],
		"total":    len(filtered),
	})
}

// StopSession cancels the target's in-flight turn. Stopping an idle session
// is a successful no-op.
func (p *Protocol) StopSession(controllerID, targetID types.SessionID) Result {
	if res, pass := guard(controllerID, targetID); !pass {
		return res
	}
	if _, err := p.store.Get(targetID); err != nil {
		return failf("target session: %v", err)
	}
	if !p.engine.Processing(targetID) {
		return okResult(map[string]any{"status": "already idle"})
	}
	p.engine.CancelProcessing(targetID)
	return okResult(map[string]any{"status": "stopped"})
}

// DeleteSession removes the target session. It is rejected while the target
// is processing unless force is set.
func (p *Protocol) DeleteSession(controllerID, targetID types.SessionID, force bool) Result {
	if res, pass := guard(controllerID, targetID); !pass {
		return res
	}
	if err := p.engine.DeleteSession(targetID, force); err != nil {
		return failf("delete session: %v", err)
	}
	return okResult(map[string]any{"status": "deleted"})
}

// RenameSession sets the target's display name.
func (p *Protocol) RenameSession(controllerID, targetID types.SessionID, name string) Result {
	if res, pass := guard(controllerID, targetID); !pass {
		return res
	}
	if err := p.store.Rename(targetID, name); err != nil {
		return failf("rename session: %v", err)
	}
	return okResult(map[string]any{"status": "renamed"})
}

// SetSessionLabels replaces the target's label set.
func (p *Protocol) SetSessionLabels(controllerID, targetID types.SessionID, labels []string) Result {
	if res, pass := guard(controllerID, targetID); !pass {
		return res
	}
	if err := p.store.SetLabels(targetID, labels); err != nil {
		return failf("set labels: %v", err)
	}
	return okResult(map[string]any{"status": "updated"})
}

// SetPermissionMode changes the target's permission mode.
func (p *Protocol) SetPermissionMode(controllerID, targetID types.SessionID, mode types.PermissionMode) Result {
	if res, pass := guard(controllerID, targetID); !pass {
		return res
	}
	if err := p.store.SetPermissionMode(targetID, mode); err != nil {
		return failf("set permission mode: %v", err)
	}
	return okResult(map[string]any{"status": "updated"})
}

// ApprovePlan approves a plan proposed by a target in safe mode: the target
// is switched to allow-all and sent an approval message to resume execution.
// It fails with a descriptive result when the target is not in safe mode or
// is still processing.
func (p *Protocol) ApprovePlan(controllerID, targetID types.SessionID, message string) Result {
	if res, pass := guard(controllerID, targetID); !pass {
		return res
	}
	sess, err := p.store.Get(targetID)
	if err != nil {
		return failf("target session: %v", err)
	}
	if sess.PermissionMode != types.PermissionSafe {
		return failf("session %s is in %s mode; approve_plan only applies to safe mode", targetID, sess.PermissionMode)
	}
	if p.engine.Processing(targetID) {
		return failf("session %s is still processing; wait for the plan turn to finish", targetID)
	}
	if err := p.store.SetPermissionMode(targetID, types.PermissionAllowAll); err != nil {
		return failf("switch permission mode: %v", err)
	}
	if message == "" {
		message = "Your plan is approved. Go ahead and execute it."
	}
	if err := p.engine.SendMessage(targetID, message); err != nil {
		return failf("send approval: %v", err)
	}
	return okResult(map[string]any{"status": "approved"})
}

// SubscribeSessionEvents registers a durable subscription translating the
// target's events into notifications delivered to the controller session.
func (p *Protocol) SubscribeSessionEvents(controllerID, targetID types.SessionID, events []string) Result {
	if res, pass := guard(controllerID, targetID); !pass {
		return res
	}
	id, err := p.subs.Subscribe(controllerID, targetID, events)
	if err != nil {
		return failf("subscribe: %v", err)
	}
	return okResult(map[string]any{"subscription_id": id})
}

// UnsubscribeSessionEvents releases subscriptions owned by the controller,
// selected by subscription id or by target session id.
func (p *Protocol) UnsubscribeSessionEvents(controllerID types.SessionID, subscriptionID types.SubscriptionID, targetID types.SessionID) Result {
	removed := p.subs.Unsubscribe(controllerID, subscriptionID, targetID)
	if removed == 0 {
		return failf("no matching subscriptions")
	}
	return okResult(map[string]any{"removed": removed})
}

// ListSubscriptions returns the controller's active subscriptions.
func (p *Protocol) ListSubscriptions(controllerID types.SessionID) Result {
	return okResult(p.subs.List(controllerID))
}
