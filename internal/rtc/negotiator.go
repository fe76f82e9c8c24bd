// Package rtc wraps one pion PeerConnection behind core.MediaConnection.
package rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/nikhilrajpk/snapfy-rtc/internal/core"
)

// DefaultConfig returns a STUN-only configuration. No TURN relay is
// configured; peers behind restrictive NATs may fail to connect. Known
// limitation carried over from the production deployment.
func DefaultConfig(stunURLs []string) webrtc.Configuration {
	if len(stunURLs) == 0 {
		stunURLs = []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
	}
}

// Negotiator drives a single peer connection through offer/answer/ICE
// exchange and renegotiation. One per call, one per broadcast viewer.
type Negotiator struct {
	pc     *webrtc.PeerConnection
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   candidateQueue
	remoteSet bool
	closed    bool

	onICE     func(webrtc.ICECandidateInit)
	onTrack   func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onNegotiationNeeded func()
	onFailure func()
}

// New creates a Negotiator on a fresh PeerConnection. When recvOnly is set,
// recvonly transceivers for audio and video are added so CreateOffer always
// produces valid m-lines without local tracks (broadcast viewers).
func New(api *webrtc.API, cfg webrtc.Configuration, recvOnly bool) (*Negotiator, error) {
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if api != nil {
		pc, err = api.NewPeerConnection(cfg)
	} else {
		pc, err = webrtc.NewPeerConnection(cfg)
	}
	if err != nil {
		return nil, err
	}
	if recvOnly {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				_ = pc.Close()
				return nil, err
			}
		}
	}
	return &Negotiator{pc: pc, pending: newCandidateQueue(defaultPendingLimit)}, nil
}

func (n *Negotiator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "rtc").Str("ice_state", s.String()).Msg("ICE state")
	})

	n.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed {
			n.mu.Lock()
			fn := n.onFailure
			n.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	})

	n.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		n.mu.Lock()
		fn := n.onICE
		n.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	n.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		n.mu.Lock()
		fn := n.onTrack
		n.mu.Unlock()
		if fn != nil {
			fn(ctx, track, receiver)
		}
	})

	n.pc.OnNegotiationNeeded(func() {
		n.mu.Lock()
		fn := n.onNegotiationNeeded
		n.mu.Unlock()
		if fn != nil {
			fn()
		}
	})

	return nil
}

// AddRemoteCandidate applies the candidate, or queues it when the remote
// description has not been set yet. Candidates legitimately race ahead of
// offer/answer delivery.
func (n *Negotiator) AddRemoteCandidate(ci webrtc.ICECandidateInit) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	if !n.remoteSet {
		n.pending.push(ci)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	return n.pc.AddICECandidate(ci)
}

// setRemote installs the remote description and flushes queued candidates
// in receipt order.
func (n *Negotiator) setRemote(desc webrtc.SessionDescription) error {
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	n.mu.Lock()
	n.remoteSet = true
	queued := n.pending.drain()
	n.mu.Unlock()
	for _, ci := range queued {
		if err := n.pc.AddICECandidate(ci); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("apply queued candidate")
		}
	}
	return nil
}

func (n *Negotiator) ApplyAnswer(answer webrtc.SessionDescription) error {
	return n.setRemote(answer)
}

func (n *Negotiator) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := n.setRemote(offer); err != nil {
		return nil, err
	}
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	// Trickle ICE: candidates flow through OnICECandidate as they are
	// gathered, no wait for gathering completion.
	return n.pc.LocalDescription(), nil
}

func (n *Negotiator) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	return n.createOffer(&webrtc.OfferOptions{})
}

// RestartICE produces a fresh offer with new ICE credentials. Called once
// after a connection failure before the session is torn down.
func (n *Negotiator) RestartICE() (*webrtc.SessionDescription, error) {
	return n.createOffer(&webrtc.OfferOptions{ICERestart: true})
}

func (n *Negotiator) createOffer(opts *webrtc.OfferOptions) (*webrtc.SessionDescription, error) {
	offer, err := n.pc.CreateOffer(opts)
	if err != nil {
		return nil, err
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.remoteSet = false
	n.mu.Unlock()
	return n.pc.LocalDescription(), nil
}

func (n *Negotiator) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return n.pc.AddTrack(track)
}

func (n *Negotiator) IsClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// Close stops all senders and closes the connection. Safe to call multiple
// times; every abort path must end here.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	if n.cancel != nil {
		n.cancel()
	}
	for _, sender := range n.pc.GetSenders() {
		if err := n.pc.RemoveTrack(sender); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Msg("remove sender")
		}
	}
	if err := n.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Msg("closed")
	}
}

func (n *Negotiator) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	n.mu.Lock()
	n.onICE = fn
	n.mu.Unlock()
}

func (n *Negotiator) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	n.mu.Lock()
	n.onTrack = fn
	n.mu.Unlock()
}

func (n *Negotiator) OnNegotiationNeeded(fn func()) {
	n.mu.Lock()
	n.onNegotiationNeeded = fn
	n.mu.Unlock()
}

func (n *Negotiator) OnFailure(fn func()) {
	n.mu.Lock()
	n.onFailure = fn
	n.mu.Unlock()
}

var _ core.MediaConnection = (*Negotiator)(nil)
