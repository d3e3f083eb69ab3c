// internal/engine/rephrase.go
package engine

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/user/switchboard/internal/types"
	"github.com/user/switchboard/pkg/llm"
)

const (
	rephraseContextTurns = 10
	rephraseContextChars = 500
)

const rephraseSystemPrompt = `You rewrite user text. Given the conversation context and a piece of text, produce a single clearer alternate phrasing of the text. Reply with the rewritten text only, no commentary.`

const rephraseMentionPrompt = `You rewrite user text. Given the conversation context, a piece of text, and a list of valid mention tokens, produce a single clearer alternate phrasing. If the text clearly refers to one of the mention tokens, include that token verbatim in the rewrite. Reply with the rewritten text only, no commentary.`

// RephraseMessage returns a single alternate phrasing of text, using up to
// the session's last ten turns (each truncated) as context. The call is
// synchronous and does not stream.
func (e *Engine) RephraseMessage(ctx context.Context, id types.SessionID, text string) (string, error) {
	return e.rephrase(ctx, id, text, rephraseSystemPrompt, nil)
}

// RephraseSelection is the free-text-field variant of RephraseMessage. It
// additionally accepts the set of valid mention tokens; the rewrite includes
// a token when the text clearly matches one.
func (e *Engine) RephraseSelection(ctx context.Context, id types.SessionID, text string, mentions []string) (string, error) {
	return e.rephrase(ctx, id, text, rephraseMentionPrompt, mentions)
}

func (e *Engine) rephrase(ctx context.Context, id types.SessionID, text, system string, mentions []string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("nothing to rephrase")
	}
	sess, err := e.store.Get(id)
	if err != nil {
		return "", err
	}

	msgs := []llm.Message{{Role: "system", Content: system}}
	for _, m := range contextWindow(sess.Messages) {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: clipContext(m.Content)})
	}

	request := "Rewrite this text:\n" + text
	if len(mentions) > 0 {
		request = "Valid mention tokens: " + strings.Join(mentions, ", ") + "\n\n" + request
	}
	msgs = append(msgs, llm.Message{Role: types.RoleUser, Content: request})

	resp, err := e.provider.Complete(ctx, msgs, nil)
	if err != nil {
		return "", fmt.Errorf("rephrase: %w", err)
	}
	rewritten := strings.TrimSpace(resp.Content)
	if rewritten == "" {
		return "", fmt.Errorf("rephrase: empty response")
	}
	return rewritten, nil
}

// contextWindow returns the last rephraseContextTurns user/assistant
// messages in chronological order.
func contextWindow(history []types.Message) []types.Message {
	var window []types.Message
	for _, m := range history {
		if m.Intermediate || (m.Role != types.RoleUser && m.Role != types.RoleAssistant) {
			continue
		}
		window = append(window, m)
	}
	if len(window) > rephraseContextTurns {
		window = window[len(window)-rephraseContextTurns:]
	}
	return window
}

// clipContext caps a context message at rephraseContextChars bytes without
// splitting a multi-byte rune.
func clipContext(s string) string {
	if len(s) <= rephraseContextChars {
		return s
	}
	cut := rephraseContextChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
