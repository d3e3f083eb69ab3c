// internal/bridge/bridge.go

// Package bridge maps external chat conversations onto sessions: one
// mapping per conversation id, inbound text forwarded to the engine,
// outbound session events rendered as transport messages under the
// transport's length and edit-rate constraints.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/switchboard/internal/bus"
	"github.com/user/switchboard/internal/engine"
	"github.com/user/switchboard/internal/store"
	"github.com/user/switchboard/internal/types"
)

// ErrUnchanged is returned by EditText when the transport rejects an edit
// because the content did not change. The bridge swallows it.
var ErrUnchanged = errors.New("message content unchanged")

// Transport is the adapter surface one chat network must provide. SendText
// returns an opaque handle usable with EditText on transports that support
// editing.
type Transport interface {
	Name() string
	SendText(ctx context.Context, externalID, text string) (string, error)
	EditText(ctx context.Context, externalID, handle, text string) error
	SetTyping(ctx context.Context, externalID string, typing bool) error
	MaxMessageLength() int
	SupportsEdits() bool
}

// orchestratorPreamble is prepended to the first message of a freshly
// created channel session. The instructions artifact on disk covers later
// turns; the first turn needs the identity inline.
const orchestratorPreamble = `You are an orchestrator session bridged to an external chat channel. You can manage other sessions through your session tools: list them, create workers, send them messages, and subscribe to their events. Never target your own session with those tools. Your working directory contains an instructions.md with channel details and a memory.md you may maintain.`

const instructionsFile = "instructions.md"

// Bridge binds one Transport to the session core.
type Bridge struct {
	transport Transport
	store     *store.Store
	engine    *engine.Engine
	bus       *bus.Bus
	retry     *RetryPolicy
	log       *slog.Logger

	workspace   types.WorkspaceID
	contextDir  string
	mappingPath string
	ctx         context.Context

	mu       sync.Mutex
	mappings map[string]types.ChannelMapping
	attached map[types.SessionID]func()
	renders  map[types.SessionID]*renderState
}

// New creates a bridge for the given transport. Mappings are loaded from
// dataDir; a failed load degrades to an empty mapping set.
func New(t Transport, st *store.Store, eng *engine.Engine, b *bus.Bus, workspace types.WorkspaceID, dataDir string, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("transport", t.Name())

	mappingPath := filepath.Join(dataDir, t.Name()+".mappings.json")
	mappings, err := loadMappings(mappingPath)
	if err != nil {
		log.Warn("mapping load failed, starting empty", "error", err)
	}

	return &Bridge{
		transport:   t,
		store:       st,
		engine:      eng,
		bus:         b,
		retry:       DefaultRetryPolicy(),
		log:         log,
		workspace:   workspace,
		contextDir:  filepath.Join(dataDir, t.Name()),
		mappingPath: mappingPath,
		ctx:         context.Background(),
		mappings:    mappings,
		attached:    make(map[types.SessionID]func()),
		renders:     make(map[types.SessionID]*renderState),
	}
}

// Start binds the bridge's outbound calls to ctx and re-attaches event
// listeners for every mapped session that still resolves.
func (br *Bridge) Start(ctx context.Context) {
	br.ctx = ctx
	br.mu.Lock()
	mappings := make([]types.ChannelMapping, 0, len(br.mappings))
	for _, m := range br.mappings {
		mappings = append(mappings, m)
	}
	br.mu.Unlock()

	for _, m := range mappings {
		if _, err := br.store.Get(m.SessionID); err != nil {
			continue // stale; repaired lazily on next inbound message
		}
		br.attach(m.SessionID, m.ExternalID)
	}
}

// Stop detaches every event listener.
func (br *Bridge) Stop() {
	br.mu.Lock()
	defer br.mu.Unlock()
	for id, unsub := range br.attached {
		unsub()
		delete(br.attached, id)
	}
	for id, st := range br.renders {
		st.close()
		delete(br.renders, id)
	}
}

// HandleIncoming processes one inbound message from the transport. Failures
// are reported back to the same conversation rather than dropped silently.
func (br *Bridge) HandleIncoming(externalID, text, senderName string) {
	if err := br.handleIncoming(externalID, text, senderName); err != nil {
		br.log.Error("inbound message failed", "external_id", externalID, "error", err)
		if _, serr := br.transport.SendText(br.ctx, externalID, "Error: "+err.Error()); serr != nil {
			br.log.Error("error reply failed", "external_id", externalID, "error", serr)
		}
	}
}

func (br *Bridge) handleIncoming(externalID, text, senderName string) error {
	sessionID, created, err := br.resolveSession(externalID)
	if err != nil {
		return err
	}
	br.attach(sessionID, externalID)

	if senderName != "" {
		text = senderName + ": " + text
	}
	if created {
		text = orchestratorPreamble + "\n\n" + text
	}

	if err := br.transport.SetTyping(br.ctx, externalID, true); err != nil {
		br.log.Debug("set typing failed", "external_id", externalID, "error", err)
	}
	if err := br.engine.SendMessage(sessionID, text); err != nil {
		return fmt.Errorf("send to session: %w", err)
	}
	return nil
}

// resolveSession returns the session mapped to externalID, repairing a
// stale mapping (session deleted since the mapping was written) by creating
// a fresh session.
func (br *Bridge) resolveSession(externalID string) (types.SessionID, bool, error) {
	br.mu.Lock()
	mapping, ok := br.mappings[externalID]
	br.mu.Unlock()

	if ok {
		if _, err := br.store.Get(mapping.SessionID); err == nil {
			return mapping.SessionID, false, nil
		}
		br.log.Warn("stale mapping replaced", "external_id", externalID,
			"session_id", string(mapping.SessionID))
		br.mu.Lock()
		delete(br.mappings, externalID)
		br.mu.Unlock()
		br.persistMappings()
	}

	// The instructions artifact must exist before the session so the first
	// turn can discover it in its working directory.
	if err := br.writeInstructions(); err != nil {
		br.log.Warn("instructions write failed", "error", err)
	}

	sess, err := br.store.Create(br.workspace, store.CreateOptions{
		Name:           br.transport.Name() + " " + externalID,
		Labels:         []string{br.transport.Name()},
		PermissionMode: types.PermissionAllowAll,
		WorkingDir:     br.contextDir,
	})
	if err != nil {
		return "", false, fmt.Errorf("create channel session: %w", err)
	}

	br.mu.Lock()
	br.mappings[externalID] = types.ChannelMapping{
		ExternalID:  externalID,
		SessionID:   sess.ID,
		WorkspaceID: br.workspace,
	}
	br.mu.Unlock()
	br.persistMappings()

	br.log.Info("channel session created", "external_id", externalID,
		"session_id", string(sess.ID))
	return sess.ID, true, nil
}

func (br *Bridge) writeInstructions() error {
	if err := os.MkdirAll(br.contextDir, 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf(`# %s channel

This directory belongs to the %s bridge. Sessions created for this channel
work here. You act as an orchestrator: use your session tools to manage
worker sessions, and keep durable notes in memory.md next to this file.
`, br.transport.Name(), br.transport.Name())
	return os.WriteFile(filepath.Join(br.contextDir, instructionsFile), []byte(content), 0o644)
}

// persistMappings writes the mapping file. Failures are logged, never
// propagated: a lost mapping write degrades to a fresh session after a
// restart, not a broken bridge.
func (br *Bridge) persistMappings() {
	br.mu.Lock()
	snapshot := make(map[string]types.ChannelMapping, len(br.mappings))
	for k, v := range br.mappings {
		snapshot[k] = v
	}
	br.mu.Unlock()
	if err := saveMappings(br.mappingPath, snapshot); err != nil {
		br.log.Error("mapping persist failed", "error", err)
	}
}

// attach subscribes the bridge to the session's events exactly once.
func (br *Bridge) attach(sessionID types.SessionID, externalID string) {
	br.mu.Lock()
	defer br.mu.Unlock()
	if _, ok := br.attached[sessionID]; ok {
		return
	}
	br.renders[sessionID] = newRenderState()
	br.attached[sessionID] = br.bus.Subscribe(sessionID, func(ev types.Event) {
		br.handleEvent(sessionID, externalID, ev)
	})
}

func (br *Bridge) detach(sessionID types.SessionID) {
	br.mu.Lock()
	unsub := br.attached[sessionID]
	delete(br.attached, sessionID)
	if st := br.renders[sessionID]; st != nil {
		st.close()
	}
	delete(br.renders, sessionID)
	br.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (br *Bridge) render(sessionID types.SessionID) *renderState {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.renders[sessionID]
}

func (br *Bridge) handleEvent(sessionID types.SessionID, externalID string, ev types.Event) {
	switch v := ev.(type) {
	case types.UserMessage:
		// A new logical message: fresh outbound message, edit cap reset.
		if st := br.render(sessionID); st != nil {
			st.reset()
		}
	case types.TextDelta:
		br.handleDelta(sessionID, externalID, v.Delta)
	case types.TextComplete:
		if !v.Intermediate {
			br.finalFlush(sessionID, externalID, v.Text)
		}
	case types.Complete:
		if err := br.transport.SetTyping(br.ctx, externalID, false); err != nil {
			br.log.Debug("clear typing failed", "external_id", externalID, "error", err)
		}
		if st := br.render(sessionID); st != nil {
			st.reset()
		}
	case types.ErrorEvent:
		br.sendChunks(externalID, "Error: "+v.Err.Error())
	case types.TypedError:
		br.sendChunks(externalID, "Error: "+v.Message)
	case types.Deleted:
		br.releaseMapping(sessionID, externalID)
	}
}

// releaseMapping drops the mapping and listener after the session is gone.
// The next inbound message on this conversation creates a fresh session.
func (br *Bridge) releaseMapping(sessionID types.SessionID, externalID string) {
	br.mu.Lock()
	if m, ok := br.mappings[externalID]; ok && m.SessionID == sessionID {
		delete(br.mappings, externalID)
	}
	br.mu.Unlock()
	br.persistMappings()
	br.detach(sessionID)
	br.log.Info("mapping released", "external_id", externalID, "session_id", string(sessionID))
}

// sendChunks splits text under the transport limit and sends each chunk
// with retries. Send failures are logged; the bridge keeps running.
func (br *Bridge) sendChunks(externalID, text string) {
	if text == "" {
		return
	}
	for _, chunk := range SplitMessage(text, br.transport.MaxMessageLength()) {
		chunk := chunk
		err := br.retry.Execute(func() error {
			_, err := br.transport.SendText(br.ctx, externalID, chunk)
			return err
		})
		if err != nil {
			br.log.Error("send failed", "external_id", externalID, "error", err)
		}
	}
}

// Mapping returns the session currently mapped to externalID, if any.
func (br *Bridge) Mapping(externalID string) (types.SessionID, bool) {
	br.mu.Lock()
	defer br.mu.Unlock()
	m, ok := br.mappings[externalID]
	return m.SessionID, ok
}
