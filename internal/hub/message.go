package hub

import (
	"time"

	"github.com/google/uuid"
)

// Message is a single chat message relayed through a room. Messages are
// immutable once created; the cache only ever drops them in bulk when a
// room's history is trimmed.
type Message struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Body      string `json:"body"`
}

// NewMessage mints a message with a fresh UUID and the server clock as its
// timestamp.
func NewMessage(body string) Message {
	return Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().Unix(),
		Body:      body,
	}
}
