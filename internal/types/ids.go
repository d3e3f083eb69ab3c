// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type SessionID string
type WorkspaceID string
type MessageID string
type SubscriptionID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewSubscriptionID() SubscriptionID {
	return SubscriptionID(uuid.New().String())
}
