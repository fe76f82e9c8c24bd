package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/nikhilrajpk/snapfy-rtc/internal/core"
	"github.com/nikhilrajpk/snapfy-rtc/internal/domain"
	"github.com/nikhilrajpk/snapfy-rtc/internal/signal"
)

const defaultJoinWait = 10 * time.Second

// Viewer is the receiving side of a live stream: one recvonly peer
// connection to the host, offer initiated by the viewer.
type Viewer struct {
	self    domain.User
	sender  core.SignalSender
	waiter  core.ChannelWaiter
	connect core.MediaFactory
	api     core.StreamAPI

	joinWait time.Duration

	mu          sync.Mutex
	watching    bool
	streamID    domain.StreamID
	conn        core.MediaConnection
	chat        *Transcript
	viewerCount int

	onEnded       func()
	onRemoteTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onPresence    func(count int, viewers []signal.Caller)
}

func NewViewer(self domain.User, sender core.SignalSender, waiter core.ChannelWaiter, connect core.MediaFactory, api core.StreamAPI) *Viewer {
	return &Viewer{
		self:     self,
		sender:   sender,
		waiter:   waiter,
		connect:  connect,
		api:      api,
		joinWait: defaultJoinWait,
		chat:     NewTranscript(0),
	}
}

// SetJoinWait overrides how long Join waits for the control channel to open.
func (v *Viewer) SetJoinWait(d time.Duration) {
	if d > 0 {
		v.joinWait = d
	}
}

func (v *Viewer) OnEnded(fn func()) {
	v.mu.Lock()
	v.onEnded = fn
	v.mu.Unlock()
}

func (v *Viewer) OnRemoteTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	v.mu.Lock()
	v.onRemoteTrack = fn
	v.mu.Unlock()
}

func (v *Viewer) OnPresence(fn func(count int, viewers []signal.Caller)) {
	v.mu.Lock()
	v.onPresence = fn
	v.mu.Unlock()
}

// Join connects to an active stream. It aborts before creating any peer
// connection when the stream is reported inactive, and gives up with
// ErrJoinTimeout when the control channel does not open in time.
func (v *Viewer) Join(ctx context.Context, id domain.StreamID) error {
	v.mu.Lock()
	if v.watching {
		v.mu.Unlock()
		return ErrAlreadyWatching
	}
	v.mu.Unlock()

	info, err := v.api.GetStream(ctx, id)
	if err != nil {
		return err
	}
	if !info.IsActive {
		return ErrStreamEnded
	}

	waitCtx, cancel := context.WithTimeout(ctx, v.joinWait)
	err = v.waiter.WaitOpen(waitCtx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("module", "broadcast").Str("stream_id", string(id)).Msg("channel not open, join aborted")
		return ErrJoinTimeout
	}

	if err := v.api.JoinStream(ctx, id); err != nil {
		return err
	}
	if err := v.sender.Send(signal.Envelope{
		Type:           signal.TypeJoinStream,
		StreamID:       id,
		SenderID:       v.self.ID,
		SenderUsername: v.self.Username,
	}); err != nil {
		return err
	}

	conn, err := v.connect(true)
	if err != nil {
		return err
	}
	// The connection outlives the request that created it; only Close ends it.
	if err := conn.Start(context.WithoutCancel(ctx)); err != nil {
		conn.Close()
		return err
	}
	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if err := v.sender.Send(signal.Envelope{
			Type:      signal.TypeWebRTCICECandidate,
			StreamID:  id,
			SenderID:  v.self.ID,
			Candidate: &ci,
		}); err != nil {
			log.Error().Err(err).Str("module", "broadcast").Msg("send candidate")
		}
	})
	conn.OnTrack(func(_ context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		v.mu.Lock()
		fn := v.onRemoteTrack
		v.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
		}
	})
	conn.OnFailure(func() {
		log.Warn().Str("module", "broadcast").Str("stream_id", string(id)).Msg("viewer connection failed")
		v.teardown(true)
	})

	offer, err := conn.CreateAndSetOffer()
	if err != nil {
		conn.Close()
		return err
	}

	v.mu.Lock()
	v.watching = true
	v.streamID = id
	v.conn = conn
	v.viewerCount = 0
	v.mu.Unlock()

	log.Info().Str("module", "broadcast").Str("stream_id", string(id)).Msg("joined stream")
	return v.sender.Send(signal.Envelope{
		Type:     signal.TypeWebRTCOffer,
		StreamID: id,
		SenderID: v.self.ID,
		SDP:      offer.SDP,
	})
}

// HandleSignal routes one inbound broadcast envelope on the viewer side.
func (v *Viewer) HandleSignal(env *signal.Envelope) {
	switch env.Type {
	case signal.TypeWebRTCAnswer:
		v.applyAnswer(env)
	case signal.TypeWebRTCICECandidate:
		v.remoteCandidate(env)
	case signal.TypeViewerUpdate:
		v.presenceUpdate(env)
	case signal.TypeChatMessage:
		v.appendChat(env)
	case signal.TypeStreamEnded:
		log.Info().Str("module", "broadcast").Str("stream_id", string(env.StreamID)).Msg("stream ended by host")
		v.teardown(true)
	default:
		log.Warn().Str("module", "broadcast").Str("type", env.Type).Msg("unexpected viewer signal")
	}
}

func (v *Viewer) applyAnswer(env *signal.Envelope) {
	v.mu.Lock()
	conn := v.conn
	v.mu.Unlock()
	if conn == nil || env.SDP == "" {
		return
	}
	if err := conn.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: env.SDP}); err != nil {
		log.Error().Err(err).Str("module", "broadcast").Msg("apply host answer")
	}
}

func (v *Viewer) remoteCandidate(env *signal.Envelope) {
	if env.Candidate == nil {
		return
	}
	v.mu.Lock()
	conn := v.conn
	v.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.AddRemoteCandidate(*env.Candidate); err != nil {
		log.Error().Err(err).Str("module", "broadcast").Msg("add host candidate")
	}
}

func (v *Viewer) presenceUpdate(env *signal.Envelope) {
	v.mu.Lock()
	v.viewerCount = env.ViewerCount
	fn := v.onPresence
	v.mu.Unlock()
	if fn != nil {
		fn(env.ViewerCount, env.Viewers)
	}
}

func (v *Viewer) appendChat(env *signal.Envelope) {
	v.chat.Append(domain.ChatMessage{
		ID:             env.MessageID,
		SenderID:       env.SenderID,
		SenderUsername: env.SenderUsername,
		Text:           env.Message,
	})
}

// SendChat publishes a chat message with a locally generated idempotency id
// and appends it to the local transcript right away; the broadcast echo is
// filtered by that id.
func (v *Viewer) SendChat(text string) error {
	v.mu.Lock()
	if !v.watching {
		v.mu.Unlock()
		return ErrNoBroadcast
	}
	streamID := v.streamID
	v.mu.Unlock()

	msgID := uuid.NewString()
	v.chat.Append(domain.ChatMessage{
		ID:             msgID,
		SenderID:       v.self.ID,
		SenderUsername: v.self.Username,
		Text:           text,
	})
	return v.sender.Send(signal.Envelope{
		Type:           signal.TypeChatMessage,
		StreamID:       streamID,
		SenderID:       v.self.ID,
		SenderUsername: v.self.Username,
		Message:        text,
		MessageID:      msgID,
	})
}

// Leave departs the stream voluntarily.
func (v *Viewer) Leave(ctx context.Context) error {
	v.mu.Lock()
	if !v.watching {
		v.mu.Unlock()
		return ErrNoBroadcast
	}
	streamID := v.streamID
	v.mu.Unlock()

	if err := v.sender.Send(signal.Envelope{
		Type:     signal.TypeLeaveStream,
		StreamID: streamID,
		SenderID: v.self.ID,
	}); err != nil {
		log.Error().Err(err).Str("module", "broadcast").Msg("send leave")
	}
	if err := v.api.LeaveStream(ctx, streamID); err != nil {
		log.Error().Err(err).Str("module", "broadcast").Msg("leave stream via api")
	}
	v.teardown(false)
	return nil
}

// teardown closes the peer connection and resets. Cleanup is unconditional
// on every exit path.
func (v *Viewer) teardown(notify bool) {
	v.mu.Lock()
	if !v.watching {
		v.mu.Unlock()
		return
	}
	v.watching = false
	conn := v.conn
	v.conn = nil
	v.streamID = ""
	onEnded := v.onEnded
	v.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if notify && onEnded != nil {
		onEnded()
	}
}

func (v *Viewer) Watching() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.watching
}

func (v *Viewer) ViewerCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.viewerCount
}

// Chat returns the running transcript.
func (v *Viewer) Chat() *Transcript { return v.chat }
