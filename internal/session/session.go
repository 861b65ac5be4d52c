package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session ID is unknown or expired.
var ErrNotFound = errors.New("session not found")

// Message is one conversational turn held in a session.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Store keeps per-session message history for the oracle's conversational
// endpoints. Sessions expire after their TTL and are deleted explicitly when a
// loop tears them down.
type Store interface {
	Create(ctx context.Context, systemPrompt string, ttl time.Duration) (string, error)
	Append(ctx context.Context, id string, msg Message) error
	History(ctx context.Context, id string) ([]Message, error)
	Delete(ctx context.Context, id string) error
}
