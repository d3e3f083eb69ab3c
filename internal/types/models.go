// internal/types/models.go
package types

import (
	"time"
)

// PermissionMode controls how much autonomy a session's agent has.
type PermissionMode string

const (
	PermissionSafe     PermissionMode = "safe"
	PermissionAsk      PermissionMode = "ask"
	PermissionAllowAll PermissionMode = "allow-all"
)

// Valid reports whether m is one of the known permission modes.
func (m PermissionMode) Valid() bool {
	switch m {
	case PermissionSafe, PermissionAsk, PermissionAllowAll:
		return true
	}
	return false
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn unit within a session.
type Message struct {
	ID           MessageID `json:"id"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	At           time.Time `json:"at"`
	ToolName     string    `json:"tool_name,omitempty"`
	Intermediate bool      `json:"intermediate,omitempty"`
}

// TokenUsage accumulates token counters and cost across a session's turns.
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CacheRead    int     `json:"cache_read"`
	CacheWrite   int     `json:"cache_write"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheRead += other.CacheRead
	u.CacheWrite += other.CacheWrite
	u.CostUSD += other.CostUSD
}

// Session is the unit of conversation state. Metadata is persisted in the
// session index; Messages are persisted per-session and loaded lazily.
// Processing is runtime-only state owned by the engine.
type Session struct {
	ID             SessionID      `json:"id"`
	WorkspaceID    WorkspaceID    `json:"workspace_id"`
	Name           string         `json:"name,omitempty"`
	Labels         []string       `json:"labels,omitempty"`
	PermissionMode PermissionMode `json:"permission_mode"`
	WorkingDir     string         `json:"working_dir,omitempty"`
	SDKSessionID   string         `json:"sdk_session_id,omitempty"`
	Usage          TokenUsage     `json:"usage"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`

	Processing bool      `json:"-"`
	Messages   []Message `json:"-"`
}

// HasLabel reports whether the session carries the given label.
func (s *Session) HasLabel(label string) bool {
	for _, l := range s.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// ChannelMapping binds one external conversation (chat id, room id) to
// exactly one session.
type ChannelMapping struct {
	ExternalID  string      `json:"external_id"`
	SessionID   SessionID   `json:"session_id"`
	WorkspaceID WorkspaceID `json:"workspace_id"`
}
