// internal/matrix/client.go

// Package matrix adapts a Matrix homeserver to the bridge's Transport
// surface. The client-server API is small enough that the client is built
// directly on net/http: sync long-polling, room sends and edits, typing
// notifications, and invite handling.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Error is the uniform Matrix error response shape.
type Error struct {
	StatusCode int    `json:"-"`
	Code       string `json:"errcode"`
	Message    string `json:"error"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("matrix: %s (%s, status %d)", e.Message, e.Code, e.StatusCode)
}

// Client is an authenticated Matrix client-server API client.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger

	userID string
}

// NewClient creates a client for the given homeserver and access token.
func NewClient(homeserverURL, accessToken string, log *slog.Logger) (*Client, error) {
	if homeserverURL == "" {
		return nil, fmt.Errorf("matrix: homeserver URL is required")
	}
	if _, err := url.Parse(homeserverURL); err != nil {
		return nil, fmt.Errorf("matrix: invalid homeserver URL %q: %w", homeserverURL, err)
	}
	if accessToken == "" {
		return nil, fmt.Errorf("matrix: access token is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(homeserverURL, "/"),
		token:   accessToken,
		// No overall timeout: sync long-polls are bounded by their own
		// timeout parameter and the request context.
		http: &http.Client{},
		log:  log,
	}, nil
}

// WhoAmI resolves and caches the user id behind the access token.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	if c.userID != "" {
		return c.userID, nil
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, nil)
	if err != nil {
		return "", fmt.Errorf("whoami: %w", err)
	}
	var response struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("parse whoami response: %w", err)
	}
	c.userID = response.UserID
	return c.userID, nil
}

// JoinRoom accepts an invite or joins a public room.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/join"
	if _, err := c.doRequest(ctx, http.MethodPost, path, nil, struct{}{}); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	return nil
}

// SendMessage sends an m.room.message event and returns its event id. The
// transaction id makes retried sends idempotent on the server side.
func (c *Client) SendMessage(ctx context.Context, roomID string, content MessageContent) (string, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) +
		"/send/m.room.message/" + uuid.NewString()
	body, err := c.doRequest(ctx, http.MethodPut, path, nil, content)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	var response struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("parse send response: %w", err)
	}
	return response.EventID, nil
}

// SetTyping publishes a typing notification for the authenticated user.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	userID, err := c.WhoAmI(ctx)
	if err != nil {
		return err
	}
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) +
		"/typing/" + url.PathEscape(userID)
	request := map[string]any{"typing": typing}
	if typing {
		request["timeout"] = timeout.Milliseconds()
	}
	if _, err := c.doRequest(ctx, http.MethodPut, path, nil, request); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

// SyncResponse is the subset of /sync the bridge consumes.
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join   map[string]JoinedRoom  `json:"join"`
		Invite map[string]InvitedRoom `json:"invite"`
	} `json:"rooms"`
}

// JoinedRoom carries the timeline events of one joined room.
type JoinedRoom struct {
	Timeline struct {
		Events []RoomEvent `json:"events"`
	} `json:"timeline"`
}

// InvitedRoom marks a pending invite; its state is not needed to join.
type InvitedRoom struct{}

// RoomEvent is one timeline event.
type RoomEvent struct {
	Type    string          `json:"type"`
	Sender  string          `json:"sender"`
	EventID string          `json:"event_id"`
	Content json.RawMessage `json:"content"`
}

// MessageContent is the m.room.message content shape, including the
// m.replace relation used for edits.
type MessageContent struct {
	MsgType       string          `json:"msgtype"`
	Body          string          `json:"body"`
	Format        string          `json:"format,omitempty"`
	FormattedBody string          `json:"formatted_body,omitempty"`
	RelatesTo     *RelatesTo      `json:"m.relates_to,omitempty"`
	NewContent    *MessageContent `json:"m.new_content,omitempty"`
}

// RelatesTo is the event relation block.
type RelatesTo struct {
	RelType string `json:"rel_type,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// Sync long-polls /sync. An empty since performs the initial sync.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
	query := url.Values{}
	query.Set("timeout", fmt.Sprintf("%d", timeout.Milliseconds()))
	if since != "" {
		query.Set("since", since)
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", query, nil)
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("parse sync response: %w", err)
	}
	return &response, nil
}

// doRequest performs one API call. On 2xx the body is returned; on an
// error status the parsed *Error is returned.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, requestBody any) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Authorization", "Bearer "+c.token)

	response, err := c.http.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	var matrixErr Error
	if jsonErr := json.Unmarshal(responseBody, &matrixErr); jsonErr != nil {
		return nil, fmt.Errorf("unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, string(responseBody))
	}
	matrixErr.StatusCode = response.StatusCode
	return nil, &matrixErr
}
