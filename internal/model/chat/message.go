package chat

import "time"

// Sender identifies who authored a transcript entry.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Message is one transcript entry. ID is server-issued for persisted
// messages and a client-generated placeholder id while a turn is open.
type Message struct {
	ID        string    `json:"id"`
	SessionID int64     `json:"sessionId"`
	UserID    int64     `json:"userId"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	AudioURL  string    `json:"audioUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
