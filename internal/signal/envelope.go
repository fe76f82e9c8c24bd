// Package signal defines the JSON envelopes exchanged over the control channel.
// Envelopes are ephemeral: parsed, routed by their type discriminator, never
// persisted.
package signal

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/nikhilrajpk/snapfy-rtc/internal/domain"
)

// Type discriminators for every envelope on the wire.
const (
	TypeCallOffer         = "call_offer"
	TypeCallAnswer        = "call_answer"
	TypeICECandidate      = "ice_candidate"
	TypeCallEnded         = "call_ended"
	TypeCallHistoryUpdate = "call_history_update"

	TypeJoinStream         = "join_stream"
	TypeLeaveStream        = "leave_stream"
	TypeWebRTCOffer        = "webrtc_offer"
	TypeWebRTCAnswer       = "webrtc_answer"
	TypeWebRTCICECandidate = "webrtc_ice_candidate"
	TypeViewerUpdate       = "viewer_update"
	TypeChatMessage        = "chat_message"
	TypeStreamEnded        = "stream_ended"

	TypePing = "ping"
	TypePong = "pong"
)

// Caller identifies the originating party of a call envelope.
type Caller struct {
	ID       domain.UserID `json:"id"`
	Username string        `json:"username"`
}

// Envelope is the single wire unit. The server routes loosely-typed JSON, so
// one flat struct with optional fields covers every type; the discriminator
// decides which fields are meaningful.
type Envelope struct {
	Type string `json:"type"`

	// one-to-one call signaling
	CallID       domain.CallID    `json:"call_id,omitempty"`
	RoomID       domain.RoomID    `json:"room_id,omitempty"`
	TargetUserID domain.UserID    `json:"target_user_id,omitempty"`
	SDP          string           `json:"sdp,omitempty"`
	CallType     domain.CallKind  `json:"call_type,omitempty"`
	Caller       *Caller          `json:"caller,omitempty"`
	CallStatus   domain.CallStatus `json:"call_status,omitempty"`
	Duration     int              `json:"duration,omitempty"`
	CallData     *domain.CallRecord `json:"call_data,omitempty"`

	// ICE (both call and broadcast flows)
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`

	// broadcast signaling
	StreamID       domain.StreamID `json:"stream_id,omitempty"`
	SenderID       domain.UserID   `json:"sender_id,omitempty"`
	SenderUsername string          `json:"sender_username,omitempty"`
	ViewerCount    int             `json:"viewer_count,omitempty"`
	ViewerID       domain.UserID   `json:"viewer_id,omitempty"`
	ViewerUsername string          `json:"viewer_username,omitempty"`
	Viewers        []Caller        `json:"viewers,omitempty"`

	// chat
	Message   string `json:"message,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// Parse decodes one inbound frame. Malformed frames or frames without a
// type discriminator are rejected; the caller logs and drops them.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope without type")
	}
	return &env, nil
}

// IsCallSignal reports whether the envelope belongs to the one-to-one call flow.
func IsCallSignal(t string) bool {
	switch t {
	case TypeCallOffer, TypeCallAnswer, TypeICECandidate, TypeCallEnded:
		return true
	}
	return false
}

// IsBroadcastSignal reports whether the envelope belongs to the live-stream flow.
func IsBroadcastSignal(t string) bool {
	switch t {
	case TypeJoinStream, TypeLeaveStream, TypeWebRTCOffer, TypeWebRTCAnswer,
		TypeWebRTCICECandidate, TypeViewerUpdate, TypeChatMessage, TypeStreamEnded:
		return true
	}
	return false
}
