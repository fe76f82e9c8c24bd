package domain

import "time"

type StreamID string

// ChatMessage is one entry of a broadcast chat transcript.
// ID is the sender-generated idempotency id used for dedupe.
type ChatMessage struct {
	ID             string    `json:"message_id"`
	SenderID       UserID    `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	Text           string    `json:"message"`
	ReceivedAt     time.Time `json:"-"`
}

// StreamInfo is the collaborator's view of a live stream.
type StreamInfo struct {
	ID       StreamID `json:"id"`
	Title    string   `json:"title"`
	HostID   UserID   `json:"host_id"`
	IsActive bool     `json:"is_active"`
}
