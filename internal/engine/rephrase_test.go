// internal/engine/rephrase_test.go
package engine

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/user/switchboard/internal/store"
)

func TestRephraseUsesProvider(t *testing.T) {
	e, st, _ := newTestEngine(t, &echoProvider{})
	sess, err := st.Create("ws", store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	out, err := e.RephraseMessage(context.Background(), sess.ID, "pls fix teh bug")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "rewritten:") {
		t.Fatalf("unexpected rephrase output %q", out)
	}
}

func TestRephraseRejectsEmptyText(t *testing.T) {
	e, st, _ := newTestEngine(t, &echoProvider{})
	sess, err := st.Create("ws", store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.RephraseMessage(context.Background(), sess.ID, "   "); err == nil {
		t.Fatal("expected error for blank text")
	}
}

func TestClipContextKeepsRunesWhole(t *testing.T) {
	// Three-byte runes guarantee the byte cap lands mid-rune.
	long := strings.Repeat("世", rephraseContextChars)
	clipped := clipContext(long)
	if len(clipped) > rephraseContextChars {
		t.Fatalf("clipped to %d bytes, want <= %d", len(clipped), rephraseContextChars)
	}
	if !utf8.ValidString(clipped) {
		t.Fatalf("clipped context is not valid UTF-8: %q", clipped[len(clipped)-4:])
	}

	short := "short"
	if got := clipContext(short); got != short {
		t.Fatalf("clipContext(%q) = %q", short, got)
	}
}
