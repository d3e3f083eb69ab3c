// internal/matrix/adapter.go
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// The client-server spec caps a whole event at 65536 bytes; 40000 leaves
// comfortable headroom for the formatted body and event envelope.
const maxMatrixMessage = 40000

const (
	syncTimeout   = 30 * time.Second
	typingTimeout = 30 * time.Second
)

// IncomingFunc receives one inbound message from the transport.
type IncomingFunc func(externalID, text, senderName string)

// Transport implements bridge.Transport over a Matrix homeserver. External
// ids are room ids; message handles are event ids.
type Transport struct {
	client *Client
	log    *slog.Logger
	md     goldmark.Markdown
}

// New creates a Matrix transport.
func New(homeserverURL, accessToken string, log *slog.Logger) (*Transport, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("transport", "matrix")
	client, err := NewClient(homeserverURL, accessToken, log)
	if err != nil {
		return nil, err
	}
	return &Transport{
		client: client,
		log:    log,
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}, nil
}

func (t *Transport) Name() string          { return "matrix" }
func (t *Transport) MaxMessageLength() int { return maxMatrixMessage }
func (t *Transport) SupportsEdits() bool   { return true }

// Start runs the sync loop until ctx is cancelled: invites are joined,
// messages from other users are fed to handle. The initial sync only
// establishes the batch token; its backlog is not replayed.
func (t *Transport) Start(ctx context.Context, handle IncomingFunc) {
	userID, err := t.client.WhoAmI(ctx)
	if err != nil {
		t.log.Error("identity lookup failed", "error", err)
		return
	}
	t.log.Info("syncing", "user_id", userID)

	since := ""
	for ctx.Err() == nil {
		response, err := t.client.Sync(ctx, since, syncTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Warn("sync failed", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}

		initial := since == ""
		since = response.NextBatch

		for roomID := range response.Rooms.Invite {
			if err := t.client.JoinRoom(ctx, roomID); err != nil {
				t.log.Warn("join failed", "room_id", roomID, "error", err)
				continue
			}
			t.log.Info("joined room", "room_id", roomID)
		}

		if initial {
			continue
		}
		for roomID, room := range response.Rooms.Join {
			for _, ev := range room.Timeline.Events {
				if ev.Type != "m.room.message" || ev.Sender == userID {
					continue
				}
				text, ok := t.inboundText(ev)
				if !ok {
					continue
				}
				handle(roomID, text, localpart(ev.Sender))
			}
		}
	}
}

// inboundText extracts markdown text from a message event: an HTML
// formatted body is converted, otherwise the plain body is used. Edits
// (m.replace) and non-text message types are skipped.
func (t *Transport) inboundText(ev RoomEvent) (string, bool) {
	var content MessageContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		t.log.Debug("unparseable message content", "event_id", ev.EventID, "error", err)
		return "", false
	}
	if content.MsgType != "m.text" && content.MsgType != "m.notice" {
		return "", false
	}
	if content.RelatesTo != nil && content.RelatesTo.RelType == "m.replace" {
		return "", false
	}
	if content.Format == "org.matrix.custom.html" && content.FormattedBody != "" {
		if converted, err := htmltomarkdown.ConvertString(content.FormattedBody); err == nil {
			return converted, true
		}
	}
	if content.Body == "" {
		return "", false
	}
	return content.Body, true
}

// SendText sends text with a rendered HTML formatted body. The returned
// handle is the event id.
func (t *Transport) SendText(ctx context.Context, externalID, text string) (string, error) {
	return t.client.SendMessage(ctx, externalID, t.formatContent(text))
}

// EditText replaces a previously sent message via an m.replace relation.
func (t *Transport) EditText(ctx context.Context, externalID, handle, text string) error {
	replacement := t.formatContent(text)
	content := MessageContent{
		MsgType:       replacement.MsgType,
		Body:          "* " + replacement.Body,
		Format:        replacement.Format,
		FormattedBody: replacement.FormattedBody,
		RelatesTo:     &RelatesTo{RelType: "m.replace", EventID: handle},
		NewContent:    &replacement,
	}
	_, err := t.client.SendMessage(ctx, externalID, content)
	return err
}

// SetTyping publishes or clears the typing notification.
func (t *Transport) SetTyping(ctx context.Context, externalID string, typing bool) error {
	return t.client.SetTyping(ctx, externalID, typing, typingTimeout)
}

// formatContent builds m.text content with an HTML formatted body when the
// markdown actually renders to something richer than the plain text.
func (t *Transport) formatContent(text string) MessageContent {
	content := MessageContent{MsgType: "m.text", Body: text}
	var buf bytes.Buffer
	if err := t.md.Convert([]byte(text), &buf); err != nil {
		t.log.Debug("markdown render failed", "error", err)
		return content
	}
	html := strings.TrimSpace(buf.String())
	if html == "" || html == "<p>"+text+"</p>" {
		return content
	}
	content.Format = "org.matrix.custom.html"
	content.FormattedBody = html
	return content
}

// localpart strips the @ sigil and server name from a Matrix user id.
func localpart(userID string) string {
	name := strings.TrimPrefix(userID, "@")
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	return name
}
