// Package call is the state machine for one-to-one audio/video calls:
// offer/answer/ICE exchange, ringing, accept/reject, hangup, duration.
// At most one session (outgoing, incoming or active) exists per user; the
// controller enforces that centrally instead of relying on UI discipline.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/nikhilrajpk/snapfy-rtc/internal/core"
	"github.com/nikhilrajpk/snapfy-rtc/internal/domain"
	"github.com/nikhilrajpk/snapfy-rtc/internal/signal"
)

var (
	ErrCallInProgress    = errors.New("another call is already in progress")
	ErrNoCall            = errors.New("no call in progress")
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrBadKind           = errors.New("unknown call kind")
)

// pendingCandidateLimit bounds the pre-connection candidate buffer.
const pendingCandidateLimit = 64

// Controller owns the one CallSession a user may have. All mutation happens
// under one mutex; the async waits (media acquisition, SDP creation) happen
// outside it so inbound signals can interleave, as they do in the browser.
type Controller struct {
	self    domain.User
	sender  core.SignalSender
	acquire core.MediaAcquirer
	connect core.MediaFactory
	api     core.CallAPI

	mu        sync.Mutex
	state     State
	callID    domain.CallID
	roomID    domain.RoomID
	peer      signal.Caller
	kind      domain.CallKind
	conn      core.MediaConnection
	source    core.MediaSource
	pending   []webrtc.ICECandidateInit
	remoteOffer *webrtc.SessionDescription
	duration  int
	tickStop  chan struct{}
	endedSent bool
	restarted bool

	negotiating     bool
	negotiateQueued bool

	onState       func(State)
	onIncoming    func(Incoming)
	onRemoteTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// Incoming surfaces a ringing call for the accept/reject decision.
type Incoming struct {
	CallID domain.CallID
	RoomID domain.RoomID
	Kind   domain.CallKind
	Caller signal.Caller
}

func NewController(self domain.User, sender core.SignalSender, acquire core.MediaAcquirer, connect core.MediaFactory, api core.CallAPI) *Controller {
	return &Controller{
		self:    self,
		sender:  sender,
		acquire: acquire,
		connect: connect,
		api:     api,
		state:   StateIdle,
	}
}

func (c *Controller) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Controller) OnIncoming(fn func(Incoming)) {
	c.mu.Lock()
	c.onIncoming = fn
	c.mu.Unlock()
}

// OnRemoteTrack registers the playback sink binding for the remote stream.
func (c *Controller) OnRemoteTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.mu.Lock()
	c.onRemoteTrack = fn
	c.mu.Unlock()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Engaged reports whether a session is ringing or active. The channel
// manager consults this before tearing signaling down for a reconnect.
func (c *Controller) Engaged() bool {
	return c.State() != StateIdle
}

// Duration returns the accumulated call duration in seconds.
func (c *Controller) Duration() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

// Initiate starts an outgoing call. If local media acquisition fails, the
// transition aborts and state stays idle.
func (c *Controller) Initiate(ctx context.Context, target signal.Caller, room domain.RoomID, kind domain.CallKind) error {
	if !kind.Valid() {
		return ErrBadKind
	}
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	c.mu.Unlock()

	source, err := c.acquire(kind)
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("media acquisition failed")
		return err
	}

	callID, err := c.api.StartCall(ctx, room, kind)
	if err != nil {
		_ = source.Close()
		return err
	}

	conn, err := c.setupConnection(ctx, source, target.ID, callID, room)
	if err != nil {
		_ = source.Close()
		c.abortStarted(callID, room)
		return err
	}

	offer, err := conn.CreateAndSetOffer()
	if err != nil {
		conn.Close()
		_ = source.Close()
		c.abortStarted(callID, room)
		return err
	}

	c.mu.Lock()
	if c.state != StateIdle {
		// An offer arrived while we were acquiring media. First one wins.
		c.mu.Unlock()
		conn.Close()
		_ = source.Close()
		c.abortStarted(callID, room)
		return ErrCallInProgress
	}
	c.callID = callID
	c.roomID = room
	c.peer = target
	c.kind = kind
	c.conn = conn
	c.source = source
	c.transitionLocked(StateOutgoing)
	c.mu.Unlock()

	log.Info().Str("module", "call").Str("call_id", string(callID)).Str("target", string(target.ID)).Str("kind", string(kind)).Msg("outgoing call")
	return c.sender.Send(signal.Envelope{
		Type:         signal.TypeCallOffer,
		CallID:       callID,
		RoomID:       room,
		TargetUserID: target.ID,
		SDP:          offer.SDP,
		CallType:     kind,
		Caller:       &signal.Caller{ID: c.self.ID, Username: c.self.Username},
	})
}

// Accept answers the ringing incoming call.
func (c *Controller) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIncoming {
		c.mu.Unlock()
		return ErrNoCall
	}
	kind := c.kind
	peer := c.peer
	offer := c.remoteOffer
	callID := c.callID
	roomID := c.roomID
	c.mu.Unlock()

	source, err := c.acquire(kind)
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("media acquisition failed on accept")
		c.teardown(domain.CallFailed, true)
		return err
	}

	conn, err := c.setupConnection(ctx, source, peer.ID, callID, roomID)
	if err != nil {
		_ = source.Close()
		c.teardown(domain.CallFailed, true)
		return err
	}

	answer, err := conn.ApplyOfferAndCreateAnswer(*offer)
	if err != nil {
		conn.Close()
		_ = source.Close()
		c.teardown(domain.CallFailed, true)
		return err
	}

	c.mu.Lock()
	if c.state != StateIncoming {
		c.mu.Unlock()
		conn.Close()
		_ = source.Close()
		return ErrNoCall
	}
	c.conn = conn
	c.source = source
	c.flushPendingLocked(conn)
	c.transitionLocked(StateActive)
	c.startTickerLocked()
	c.mu.Unlock()

	log.Info().Str("module", "call").Str("call_id", string(callID)).Msg("call accepted")
	return c.sender.Send(signal.Envelope{
		Type:         signal.TypeCallAnswer,
		CallID:       callID,
		RoomID:       roomID,
		TargetUserID: peer.ID,
		SDP:          answer.SDP,
		CallType:     kind,
		Caller:       &signal.Caller{ID: c.self.ID, Username: c.self.Username},
	})
}

// Reject declines the ringing incoming call.
func (c *Controller) Reject() error {
	if c.State() != StateIncoming {
		return ErrNoCall
	}
	c.teardown(domain.CallRejected, true)
	return nil
}

// Hangup ends the current session from any non-idle state. Calling it twice
// is safe; the second call is a no-op.
func (c *Controller) Hangup() {
	if c.State() == StateIdle {
		return
	}
	c.teardown(domain.CallCompleted, true)
}

// HandleSignal routes one inbound call envelope. Malformed or out-of-place
// signals are logged and dropped; they never crash the controller.
func (c *Controller) HandleSignal(env *signal.Envelope) {
	switch env.Type {
	case signal.TypeCallOffer:
		c.receiveOffer(env)
	case signal.TypeCallAnswer:
		c.receiveAnswer(env)
	case signal.TypeICECandidate:
		c.receiveCandidate(env)
	case signal.TypeCallEnded:
		c.receiveEnded(env)
	default:
		log.Warn().Str("module", "call").Str("type", env.Type).Msg("unexpected signal")
	}
}

func (c *Controller) receiveOffer(env *signal.Envelope) {
	if env.Caller == nil || env.SDP == "" {
		log.Warn().Str("module", "call").Msg("offer without caller or sdp, dropped")
		return
	}
	if env.Caller.ID == c.self.ID {
		return // own broadcast echo
	}

	c.mu.Lock()
	if c.state == StateActive && env.CallID == c.callID {
		// Renegotiation offer from the peer mid-call.
		conn := c.conn
		kind := c.kind
		c.mu.Unlock()
		c.answerRenegotiation(conn, kind, env)
		return
	}
	if c.state != StateIdle {
		dup := env.CallID == c.callID
		c.mu.Unlock()
		if dup {
			log.Debug().Str("module", "call").Str("call_id", string(env.CallID)).Msg("duplicate offer ignored")
		} else {
			log.Info().Str("module", "call").Str("call_id", string(env.CallID)).Msg("offer while busy, ignored")
		}
		return
	}
	kind := env.CallType
	if !kind.Valid() {
		kind = domain.CallAudio
	}
	c.callID = env.CallID
	c.roomID = env.RoomID
	c.peer = *env.Caller
	c.kind = kind
	c.remoteOffer = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: env.SDP}
	c.transitionLocked(StateIncoming)
	onIncoming := c.onIncoming
	inc := Incoming{CallID: c.callID, RoomID: c.roomID, Kind: kind, Caller: c.peer}
	c.mu.Unlock()

	log.Info().Str("module", "call").Str("call_id", string(inc.CallID)).Str("from", string(inc.Caller.ID)).Msg("incoming call")
	if onIncoming != nil {
		onIncoming(inc)
	}
}

func (c *Controller) receiveAnswer(env *signal.Envelope) {
	c.mu.Lock()
	if env.CallID != c.callID || c.conn == nil {
		c.mu.Unlock()
		log.Warn().Str("module", "call").Str("call_id", string(env.CallID)).Msg("answer for unknown call, dropped")
		return
	}
	state := c.state
	conn := c.conn
	c.mu.Unlock()

	if err := conn.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: env.SDP}); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("apply answer")
		return
	}

	c.mu.Lock()
	switch state {
	case StateOutgoing:
		c.transitionLocked(StateActive)
		c.startTickerLocked()
	case StateActive:
		// Renegotiation answer: the in-flight negotiation is done.
	default:
		c.mu.Unlock()
		return
	}
	c.finishNegotiationLocked()
	c.mu.Unlock()
}

func (c *Controller) receiveCandidate(env *signal.Envelope) {
	if env.Candidate == nil {
		log.Warn().Str("module", "call").Msg("candidate envelope without candidate, dropped")
		return
	}
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	if conn == nil {
		// Candidates may race ahead of accept; buffer until the peer
		// connection exists.
		if len(c.pending) < pendingCandidateLimit {
			c.pending = append(c.pending, *env.Candidate)
		} else {
			log.Warn().Str("module", "call").Msg("pending candidate buffer full")
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if err := conn.AddRemoteCandidate(*env.Candidate); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("add candidate")
	}
}

func (c *Controller) receiveEnded(env *signal.Envelope) {
	c.mu.Lock()
	known := env.CallID == c.callID && c.state != StateIdle
	c.mu.Unlock()
	if !known {
		return
	}
	status := env.CallStatus
	if status == "" {
		status = domain.CallCompleted
	}
	// The remote party already announced the end; do not notify back.
	c.teardown(status, false)
}

// abortStarted closes out a call record already created on the backend when
// local setup failed before the offer went out. Without it the record stays
// in-progress forever.
func (c *Controller) abortStarted(callID domain.CallID, room domain.RoomID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := domain.CallRecord{ID: callID, Room: room, Status: domain.CallFailed}
	if err := c.api.EndCall(ctx, room, rec); err != nil {
		log.Error().Err(err).Str("module", "call").Str("call_id", string(callID)).Msg("abort started call")
	}
}

// setupConnection builds and wires one peer connection with the local tracks.
// callID and roomID are passed in because local candidates may gather before
// the session fields are committed under the lock.
func (c *Controller) setupConnection(ctx context.Context, source core.MediaSource, target domain.UserID, callID domain.CallID, roomID domain.RoomID) (core.MediaConnection, error) {
	conn, err := c.connect(false)
	if err != nil {
		return nil, err
	}
	// The connection outlives the request that created it; only Close ends it.
	if err := conn.Start(context.WithoutCancel(ctx)); err != nil {
		conn.Close()
		return nil, err
	}
	for _, track := range source.Tracks() {
		if _, err := conn.AddLocalTrack(track); err != nil {
			conn.Close()
			return nil, err
		}
	}

	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if err := c.sender.Send(signal.Envelope{
			Type:         signal.TypeICECandidate,
			CallID:       callID,
			RoomID:       roomID,
			TargetUserID: target,
			Candidate:    &ci,
		}); err != nil {
			log.Error().Err(err).Str("module", "call").Msg("send candidate")
		}
	})
	conn.OnTrack(func(_ context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.mu.Lock()
		fn := c.onRemoteTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
		}
	})
	conn.OnNegotiationNeeded(func() { c.negotiate() })
	conn.OnFailure(func() { c.connectionFailed() })
	return conn, nil
}

// negotiate runs a renegotiation round. Single-flight: a request arriving
// while one is in flight queues behind it instead of interleaving.
func (c *Controller) negotiate() {
	c.mu.Lock()
	if c.state != StateActive || c.conn == nil {
		c.mu.Unlock()
		return
	}
	if c.negotiating {
		c.negotiateQueued = true
		c.mu.Unlock()
		return
	}
	c.negotiating = true
	conn := c.conn
	callID, roomID, peer, kind := c.callID, c.roomID, c.peer, c.kind
	c.mu.Unlock()

	offer, err := conn.CreateAndSetOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("renegotiation offer")
		c.mu.Lock()
		c.finishNegotiationLocked()
		c.mu.Unlock()
		return
	}
	if err := c.sender.Send(signal.Envelope{
		Type:         signal.TypeCallOffer,
		CallID:       callID,
		RoomID:       roomID,
		TargetUserID: peer.ID,
		SDP:          offer.SDP,
		CallType:     kind,
		Caller:       &signal.Caller{ID: c.self.ID, Username: c.self.Username},
	}); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("send renegotiation offer")
		c.mu.Lock()
		c.finishNegotiationLocked()
		c.mu.Unlock()
	}
}

// answerRenegotiation handles the peer's mid-call offer. kind is snapshotted
// by the caller under the lock.
func (c *Controller) answerRenegotiation(conn core.MediaConnection, kind domain.CallKind, env *signal.Envelope) {
	if conn == nil {
		return
	}
	answer, err := conn.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: env.SDP})
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("renegotiation answer")
		return
	}
	if err := c.sender.Send(signal.Envelope{
		Type:         signal.TypeCallAnswer,
		CallID:       env.CallID,
		RoomID:       env.RoomID,
		TargetUserID: env.Caller.ID,
		SDP:          answer.SDP,
		CallType:     kind,
		Caller:       &signal.Caller{ID: c.self.ID, Username: c.self.Username},
	}); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("send renegotiation answer")
	}
}

// finishNegotiationLocked clears the in-flight flag and reruns once if a
// request queued behind it.
func (c *Controller) finishNegotiationLocked() {
	c.negotiating = false
	if c.negotiateQueued {
		c.negotiateQueued = false
		go c.negotiate()
	}
}

// connectionFailed triggers one ICE restart; persistent failure tears the
// session down as a hangup with failed status.
func (c *Controller) connectionFailed() {
	c.mu.Lock()
	if c.state != StateActive || c.conn == nil {
		c.mu.Unlock()
		return
	}
	if c.restarted {
		c.mu.Unlock()
		log.Error().Str("module", "call").Str("call_id", string(c.callID)).Msg("connection failed after ICE restart")
		c.teardown(domain.CallFailed, true)
		return
	}
	c.restarted = true
	conn := c.conn
	callID, roomID, peer, kind := c.callID, c.roomID, c.peer, c.kind
	c.mu.Unlock()

	log.Warn().Str("module", "call").Str("call_id", string(callID)).Msg("connection failed, attempting ICE restart")
	offer, err := conn.RestartICE()
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("ICE restart")
		c.teardown(domain.CallFailed, true)
		return
	}
	if err := c.sender.Send(signal.Envelope{
		Type:         signal.TypeCallOffer,
		CallID:       callID,
		RoomID:       roomID,
		TargetUserID: peer.ID,
		SDP:          offer.SDP,
		CallType:     kind,
		Caller:       &signal.Caller{ID: c.self.ID, Username: c.self.Username},
	}); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("send restart offer")
	}
}

func (c *Controller) flushPendingLocked(conn core.MediaConnection) {
	for _, ci := range c.pending {
		if err := conn.AddRemoteCandidate(ci); err != nil {
			log.Error().Err(err).Str("module", "call").Msg("flush pending candidate")
		}
	}
	c.pending = nil
}

func (c *Controller) startTickerLocked() {
	c.duration = 0
	stop := make(chan struct{})
	c.tickStop = stop
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				c.duration++
				c.mu.Unlock()
			}
		}
	}()
}

// teardown releases all session resources unconditionally and resets to
// idle. Exactly one call_ended goes out, and only from the side that ended
// the call locally.
func (c *Controller) teardown(status domain.CallStatus, announce bool) {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	source := c.source
	callID, roomID, peer := c.callID, c.roomID, c.peer
	duration := c.duration
	sendEnded := announce && !c.endedSent
	if sendEnded {
		c.endedSent = true
	}
	if c.tickStop != nil {
		close(c.tickStop)
		c.tickStop = nil
	}
	c.conn = nil
	c.source = nil
	c.pending = nil
	c.remoteOffer = nil
	c.negotiating = false
	c.negotiateQueued = false
	c.restarted = false
	c.transitionLocked(StateIdle)
	c.endedSent = false
	c.callID = ""
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if source != nil {
		_ = source.Close()
	}

	if sendEnded {
		if err := c.sender.Send(signal.Envelope{
			Type:         signal.TypeCallEnded,
			CallID:       callID,
			RoomID:       roomID,
			TargetUserID: peer.ID,
			CallStatus:   status,
			Duration:     duration,
		}); err != nil {
			log.Error().Err(err).Str("module", "call").Msg("send call_ended")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := domain.CallRecord{ID: callID, Room: roomID, Status: status, Duration: duration}
	if err := c.api.EndCall(ctx, roomID, rec); err != nil {
		log.Error().Err(err).Str("module", "call").Str("call_id", string(callID)).Msg("commit call history")
	}
	log.Info().Str("module", "call").Str("call_id", string(callID)).Str("status", string(status)).Int("duration", duration).Msg("call ended")
}

// transitionLocked is the single authoritative transition point.
func (c *Controller) transitionLocked(to State) {
	if !c.state.canTransition(to) {
		log.Error().Str("module", "call").Str("from", c.state.String()).Str("to", to.String()).Msg("rejected invalid transition")
		return
	}
	c.state = to
	if c.onState != nil {
		fn := c.onState
		go fn(to)
	}
}
