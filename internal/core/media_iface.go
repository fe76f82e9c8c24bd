package core

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/nikhilrajpk/snapfy-rtc/internal/domain"
)

var ErrNoMediaBackend = errors.New("no media capture backend on this platform")

// MediaConnection wraps one peer connection through its whole lifecycle.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close stops all senders and closes the connection. Idempotent.
	Close()
	IsClosed() bool
	// AddRemoteCandidate applies a remote ICE candidate, or queues it when the
	// remote description is not set yet. Queued candidates are flushed in
	// receipt order right after the remote description is applied.
	AddRemoteCandidate(webrtc.ICECandidateInit) error
	// ApplyAnswer sets the remote answer on an offering connection.
	ApplyAnswer(webrtc.SessionDescription) error
	// ApplyOfferAndCreateAnswer sets the remote offer and produces the local answer.
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// CreateAndSetOffer produces and installs a fresh local offer.
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	// RestartICE produces an offer with an ICE restart.
	RestartICE() (*webrtc.SessionDescription, error)
	// AddLocalTrack attaches a local track to the underlying PeerConnection.
	AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnNegotiationNeeded sets a callback fired when local track changes require
	// a fresh offer/answer round.
	OnNegotiationNeeded(func())
	// OnFailure sets a callback fired when the connection state reaches failed.
	OnFailure(func())
}

// MediaFactory creates a fresh MediaConnection. recvOnly connections carry
// recvonly transceivers instead of local tracks (broadcast viewers).
type MediaFactory func(recvOnly bool) (MediaConnection, error)

// MediaSource is an acquired set of local capture tracks (mic, camera).
// Exclusively owned by the controller that acquired it.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// MediaAcquirer opens local capture for the given call kind. A video
// acquisition failure may be downgraded to audio-only before giving up.
type MediaAcquirer func(kind domain.CallKind) (MediaSource, error)
