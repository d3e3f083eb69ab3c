// internal/bridge/render.go
package bridge

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/user/switchboard/internal/types"
)

const (
	// flushInterval is the minimum spacing between live edits of the
	// streaming preview message.
	flushInterval = 800 * time.Millisecond
	// maxLiveEdits caps edits per logical message. Once hit, deltas keep
	// accumulating but only the final flush touches the transport again.
	maxLiveEdits = 30
)

// renderState tracks the live-edited outbound message for one session's
// streaming turn.
type renderState struct {
	mu        sync.Mutex
	buf       strings.Builder
	handle    string
	editCount int
	timerSet  bool
	finalized bool
	closed    bool
}

func newRenderState() *renderState {
	return &renderState{}
}

// reset prepares the state for a new logical message.
func (st *renderState) reset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.buf.Reset()
	st.handle = ""
	st.editCount = 0
	st.finalized = false
}

func (st *renderState) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
}

// handleDelta accumulates streamed text and schedules a flush unless one is
// already pending or the edit cap is reached.
func (br *Bridge) handleDelta(sessionID types.SessionID, externalID string, delta string) {
	st := br.render(sessionID)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.buf.WriteString(delta)
	if st.timerSet || st.closed || st.editCount >= maxLiveEdits {
		st.mu.Unlock()
		return
	}
	st.timerSet = true
	st.mu.Unlock()

	time.AfterFunc(flushInterval, func() {
		br.flush(sessionID, externalID)
	})
}

// flush pushes the accumulated preview to the transport: the first flush
// sends a new message, later flushes edit it in place. The preview is hard
// truncated at the transport limit; only the final flush splits properly.
func (br *Bridge) flush(sessionID types.SessionID, externalID string) {
	st := br.render(sessionID)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.timerSet = false
	if st.finalized || st.closed || st.buf.Len() == 0 {
		st.mu.Unlock()
		return
	}
	text := st.buf.String()
	handle := st.handle
	st.mu.Unlock()

	if limit := br.transport.MaxMessageLength(); len(text) > limit {
		text = text[:limit]
	}

	var err error
	if handle == "" {
		var h string
		h, err = br.transport.SendText(br.ctx, externalID, text)
		if err == nil {
			st.mu.Lock()
			st.handle = h
			st.editCount++
			st.mu.Unlock()
		}
	} else if br.transport.SupportsEdits() {
		err = br.transport.EditText(br.ctx, externalID, handle, text)
		if err == nil || errors.Is(err, ErrUnchanged) {
			st.mu.Lock()
			st.editCount++
			st.mu.Unlock()
		}
	}

	if err != nil && !errors.Is(err, ErrUnchanged) {
		br.log.Warn("preview flush failed", "external_id", externalID, "error", err)
	}
}

// finalFlush renders the authoritative final text: the preview message is
// edited to hold the first chunk, remaining chunks are sent as fresh
// messages. Any still-pending preview flush is disarmed.
func (br *Bridge) finalFlush(sessionID types.SessionID, externalID, text string) {
	st := br.render(sessionID)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.finalized = true
	handle := st.handle
	st.mu.Unlock()

	if text == "" {
		return
	}
	chunks := SplitMessage(text, br.transport.MaxMessageLength())
	for i, chunk := range chunks {
		if i == 0 && handle != "" && br.transport.SupportsEdits() {
			err := br.retry.Execute(func() error {
				err := br.transport.EditText(br.ctx, externalID, handle, chunk)
				if errors.Is(err, ErrUnchanged) {
					return nil
				}
				return err
			})
			if err == nil {
				continue
			}
			br.log.Warn("final edit failed, sending fresh", "external_id", externalID, "error", err)
		}
		br.sendChunks(externalID, chunk)
	}
}
