// internal/matrix/client_test.go
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWhoAmICached(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/_matrix/client/v3/account/whoami" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{"user_id": "@bot:example.org"})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "tok", nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		userID, err := c.WhoAmI(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if userID != "@bot:example.org" {
			t.Errorf("user id = %q", userID)
		}
	}
	if calls != 1 {
		t.Errorf("whoami must be cached, server saw %d calls", calls)
	}
}

func TestSendMessage(t *testing.T) {
	var gotPath string
	var gotContent MessageContent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&gotContent)
		json.NewEncoder(w).Encode(map[string]string{"event_id": "$evt1"})
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "tok", nil)
	eventID, err := c.SendMessage(context.Background(), "!room:example.org", MessageContent{
		MsgType: "m.text",
		Body:    "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	if eventID != "$evt1" {
		t.Errorf("event id = %q", eventID)
	}
	if !strings.HasPrefix(gotPath, "/_matrix/client/v3/rooms/") ||
		!strings.Contains(gotPath, "/send/m.room.message/") {
		t.Errorf("unexpected send path %s", gotPath)
	}
	if gotContent.Body != "hello" || gotContent.MsgType != "m.text" {
		t.Errorf("content mangled: %+v", gotContent)
	}
}

func TestErrorResponseParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{
			"errcode": "M_FORBIDDEN",
			"error":   "not in room",
		})
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "tok", nil)
	_, err := c.SendMessage(context.Background(), "!r:x", MessageContent{MsgType: "m.text", Body: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	var matrixErr *Error
	if !errors.As(err, &matrixErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if matrixErr.Code != "M_FORBIDDEN" || matrixErr.StatusCode != http.StatusForbidden {
		t.Errorf("error fields: %+v", matrixErr)
	}
}

func TestSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if since := r.URL.Query().Get("since"); since != "batch-1" {
			t.Errorf("since = %q", since)
		}
		w.Write([]byte(`{
			"next_batch": "batch-2",
			"rooms": {
				"join": {
					"!room:x": {"timeline": {"events": [
						{"type": "m.room.message", "sender": "@alice:x", "event_id": "$e1",
						 "content": {"msgtype": "m.text", "body": "hi"}}
					]}}
				},
				"invite": {"!new:x": {}}
			}
		}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "tok", nil)
	response, err := c.Sync(context.Background(), "batch-1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if response.NextBatch != "batch-2" {
		t.Errorf("next batch = %q", response.NextBatch)
	}
	if len(response.Rooms.Join["!room:x"].Timeline.Events) != 1 {
		t.Error("missing timeline event")
	}
	if _, ok := response.Rooms.Invite["!new:x"]; !ok {
		t.Error("missing invite")
	}
}

func TestJoinRoomEscapesRoomID(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.Write([]byte(`{"room_id": "!room:x"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "tok", nil)
	if err := c.JoinRoom(context.Background(), "!room:x"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(gotPath, "%21room:x") && !strings.Contains(gotPath, "!room:x") {
		t.Errorf("room id missing from path %s", gotPath)
	}
	if !strings.HasSuffix(gotPath, "/join") {
		t.Errorf("join path = %s", gotPath)
	}
}
