// Package core defines the interfaces the session controllers depend on.
// Concrete transports and WebRTC wrappers live in adapters; controllers
// only ever see these.
package core

import (
	"context"
	"errors"

	"github.com/nikhilrajpk/snapfy-rtc/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrChannelDown  = errors.New("control channel is not open")
)

// SignalSender transmits one signaling envelope to the control channel.
// Sends issued while the channel is down are queued and flushed FIFO
// once it reopens.
type SignalSender interface {
	Send(v any) error
}

// ChannelWaiter blocks until the control channel is open or ctx expires.
// Used by broadcast viewers whose join must wait for an open channel.
type ChannelWaiter interface {
	WaitOpen(ctx context.Context) error
}

// CallAPI is the external REST collaborator for call lifecycle: originating
// a call on a chatroom and committing the history record when it ends.
// The core only needs success/failure and the resulting identifiers.
type CallAPI interface {
	StartCall(ctx context.Context, room domain.RoomID, kind domain.CallKind) (domain.CallID, error)
	EndCall(ctx context.Context, room domain.RoomID, rec domain.CallRecord) error
}

// StreamAPI is the external REST collaborator for broadcast lifecycle.
type StreamAPI interface {
	CreateStream(ctx context.Context, title string) (domain.StreamInfo, error)
	GetStream(ctx context.Context, id domain.StreamID) (domain.StreamInfo, error)
	JoinStream(ctx context.Context, id domain.StreamID) error
	LeaveStream(ctx context.Context, id domain.StreamID) error
	EndStream(ctx context.Context, id domain.StreamID) error
}
