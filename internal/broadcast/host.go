// Package broadcast holds the two sides of a live stream: a Host publishing
// its local media to many viewers over dedicated per-viewer peer
// connections, and a Viewer receiving the host's stream. Viewers initiate
// the offer, unlike the call flow.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/nikhilrajpk/snapfy-rtc/internal/core"
	"github.com/nikhilrajpk/snapfy-rtc/internal/domain"
	"github.com/nikhilrajpk/snapfy-rtc/internal/signal"
)

var (
	ErrBroadcastActive   = errors.New("broadcast already active")
	ErrNoBroadcast       = errors.New("no active broadcast")
	ErrStreamEnded       = errors.New("stream has ended")
	ErrJoinTimeout       = errors.New("control channel not open in time")
	ErrAlreadyWatching   = errors.New("already watching a stream")
)

// viewerLink is one viewer's dedicated peer connection, independently
// negotiated and independently torn down.
type viewerLink struct {
	id       domain.UserID
	username string
	conn     core.MediaConnection
}

// Host publishes one local media stream to every joined viewer.
type Host struct {
	self    domain.User
	sender  core.SignalSender
	acquire core.MediaAcquirer
	connect core.MediaFactory
	api     core.StreamAPI

	mu       sync.Mutex
	active   bool
	streamID domain.StreamID
	source   core.MediaSource
	viewers  map[domain.UserID]*viewerLink
	presence *presenceSet
	chat     *Transcript

	lifeCtx context.Context
}

func NewHost(self domain.User, sender core.SignalSender, acquire core.MediaAcquirer, connect core.MediaFactory, api core.StreamAPI) *Host {
	return &Host{
		self:    self,
		sender:  sender,
		acquire: acquire,
		connect: connect,
		api:     api,
		viewers: make(map[domain.UserID]*viewerLink),
	}
}

// Start creates the stream with the collaborator and acquires local media
// once; per-viewer connections reuse the same tracks.
func (h *Host) Start(ctx context.Context, title string) (domain.StreamInfo, error) {
	h.mu.Lock()
	if h.active {
		h.mu.Unlock()
		return domain.StreamInfo{}, ErrBroadcastActive
	}
	h.mu.Unlock()

	info, err := h.api.CreateStream(ctx, title)
	if err != nil {
		return domain.StreamInfo{}, err
	}
	source, err := h.acquire(domain.CallVideo)
	if err != nil {
		// Never leave a half-created stream behind.
		_ = h.api.EndStream(ctx, info.ID)
		return domain.StreamInfo{}, err
	}

	h.mu.Lock()
	h.active = true
	h.streamID = info.ID
	h.source = source
	h.presence = newPresenceSet()
	h.chat = NewTranscript(0)
	// Viewer connections outlive the request that started the stream.
	h.lifeCtx = context.WithoutCancel(ctx)
	h.mu.Unlock()

	log.Info().Str("module", "broadcast").Str("stream_id", string(info.ID)).Str("title", title).Msg("broadcast started")
	return info, nil
}

// HandleSignal routes one inbound broadcast envelope on the host side.
func (h *Host) HandleSignal(env *signal.Envelope) {
	if !h.Active() {
		return
	}
	switch env.Type {
	case signal.TypeJoinStream:
		h.addViewer(env.SenderID, env.SenderUsername)
	case signal.TypeWebRTCOffer:
		h.answerViewer(env)
	case signal.TypeWebRTCICECandidate:
		h.viewerCandidate(env)
	case signal.TypeLeaveStream:
		h.RemoveViewer(env.SenderID)
	case signal.TypeChatMessage:
		h.appendChat(env)
	default:
		log.Warn().Str("module", "broadcast").Str("type", env.Type).Msg("unexpected host signal")
	}
}

// addViewer creates the dedicated peer connection for a new viewer, attaches
// the existing local tracks, and waits for that viewer's offer.
func (h *Host) addViewer(id domain.UserID, username string) {
	if id == "" || id == h.self.ID {
		return
	}
	h.mu.Lock()
	if _, exists := h.viewers[id]; exists {
		h.mu.Unlock()
		return
	}
	source := h.source
	ctx := h.lifeCtx
	h.mu.Unlock()

	conn, err := h.connect(false)
	if err != nil {
		log.Error().Err(err).Str("module", "broadcast").Str("viewer", string(id)).Msg("create viewer connection")
		return
	}
	if err := conn.Start(ctx); err != nil {
		conn.Close()
		log.Error().Err(err).Str("module", "broadcast").Str("viewer", string(id)).Msg("start viewer connection")
		return
	}
	for _, track := range source.Tracks() {
		if _, err := conn.AddLocalTrack(track); err != nil {
			conn.Close()
			log.Error().Err(err).Str("module", "broadcast").Str("viewer", string(id)).Msg("attach track")
			return
		}
	}
	viewerID := id
	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if err := h.sender.Send(signal.Envelope{
			Type:         signal.TypeWebRTCICECandidate,
			StreamID:     h.StreamID(),
			SenderID:     h.self.ID,
			TargetUserID: viewerID,
			Candidate:    &ci,
		}); err != nil {
			log.Error().Err(err).Str("module", "broadcast").Msg("send candidate")
		}
	})
	// A failed viewer connection takes down only that viewer.
	conn.OnFailure(func() { h.RemoveViewer(viewerID) })

	h.mu.Lock()
	h.viewers[id] = &viewerLink{id: id, username: username, conn: conn}
	h.presence.add(id, username)
	h.mu.Unlock()

	log.Info().Str("module", "broadcast").Str("viewer", string(id)).Str("username", username).Msg("viewer joined")
	h.broadcastPresence(id, username)
}

// answerViewer applies the viewer's offer on its dedicated connection and
// returns the answer.
func (h *Host) answerViewer(env *signal.Envelope) {
	if env.SDP == "" {
		log.Warn().Str("module", "broadcast").Msg("viewer offer without sdp, dropped")
		return
	}
	h.mu.Lock()
	link, ok := h.viewers[env.SenderID]
	h.mu.Unlock()
	if !ok {
		log.Warn().Str("module", "broadcast").Str("viewer", string(env.SenderID)).Msg("offer from unknown viewer, dropped")
		return
	}

	answer, err := link.conn.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: env.SDP})
	if err != nil {
		log.Error().Err(err).Str("module", "broadcast").Str("viewer", string(env.SenderID)).Msg("answer viewer offer")
		h.RemoveViewer(env.SenderID)
		return
	}
	if err := h.sender.Send(signal.Envelope{
		Type:         signal.TypeWebRTCAnswer,
		StreamID:     h.StreamID(),
		SenderID:     h.self.ID,
		TargetUserID: env.SenderID,
		SDP:          answer.SDP,
	}); err != nil {
		log.Error().Err(err).Str("module", "broadcast").Msg("send answer")
	}
}

func (h *Host) viewerCandidate(env *signal.Envelope) {
	if env.Candidate == nil {
		return
	}
	h.mu.Lock()
	link, ok := h.viewers[env.SenderID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := link.conn.AddRemoteCandidate(*env.Candidate); err != nil {
		log.Error().Err(err).Str("module", "broadcast").Str("viewer", string(env.SenderID)).Msg("add viewer candidate")
	}
}

// RemoveViewer tears down one viewer's connection, leaving all other
// viewers and the host's local stream unaffected.
func (h *Host) RemoveViewer(id domain.UserID) {
	h.mu.Lock()
	link, ok := h.viewers[id]
	if ok {
		delete(h.viewers, id)
		h.presence.remove(id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	link.conn.Close()
	log.Info().Str("module", "broadcast").Str("viewer", string(id)).Msg("viewer left")
	h.broadcastPresence(id, link.username)
}

// broadcastPresence sends the full presence state to all viewers. Full-state
// resync, not deltas.
func (h *Host) broadcastPresence(changed domain.UserID, changedName string) {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return
	}
	count := h.presence.count()
	viewers := h.presence.snapshot()
	streamID := h.streamID
	h.mu.Unlock()

	if err := h.sender.Send(signal.Envelope{
		Type:           signal.TypeViewerUpdate,
		StreamID:       streamID,
		ViewerCount:    count,
		ViewerID:       changed,
		ViewerUsername: changedName,
		Viewers:        viewers,
	}); err != nil {
		log.Error().Err(err).Str("module", "broadcast").Msg("send viewer update")
	}
}

func (h *Host) appendChat(env *signal.Envelope) {
	h.mu.Lock()
	chat := h.chat
	h.mu.Unlock()
	if chat == nil {
		return
	}
	chat.Append(domain.ChatMessage{
		ID:             env.MessageID,
		SenderID:       env.SenderID,
		SenderUsername: env.SenderUsername,
		Text:           env.Message,
	})
}

// SendChat publishes a chat message to the stream with a locally generated
// idempotency id and appends it to the transcript right away; the broadcast
// echo is filtered by that id.
func (h *Host) SendChat(text string) error {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return ErrNoBroadcast
	}
	streamID := h.streamID
	chat := h.chat
	h.mu.Unlock()

	msgID := uuid.NewString()
	chat.Append(domain.ChatMessage{
		ID:             msgID,
		SenderID:       h.self.ID,
		SenderUsername: h.self.Username,
		Text:           text,
	})
	return h.sender.Send(signal.Envelope{
		Type:           signal.TypeChatMessage,
		StreamID:       streamID,
		SenderID:       h.self.ID,
		SenderUsername: h.self.Username,
		Message:        text,
		MessageID:      msgID,
	})
}

// End tears down every viewer connection, stops local media, and announces
// the end to all current viewers.
func (h *Host) End(ctx context.Context) error {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return ErrNoBroadcast
	}
	h.active = false
	streamID := h.streamID
	source := h.source
	links := h.viewers
	h.viewers = make(map[domain.UserID]*viewerLink)
	h.source = nil
	h.mu.Unlock()

	for _, link := range links {
		link.conn.Close()
	}
	if source != nil {
		_ = source.Close()
	}

	if err := h.sender.Send(signal.Envelope{
		Type:     signal.TypeStreamEnded,
		StreamID: streamID,
		SenderID: h.self.ID,
	}); err != nil {
		log.Error().Err(err).Str("module", "broadcast").Msg("send stream_ended")
	}
	if err := h.api.EndStream(ctx, streamID); err != nil {
		log.Error().Err(err).Str("module", "broadcast").Str("stream_id", string(streamID)).Msg("end stream via api")
	}
	log.Info().Str("module", "broadcast").Str("stream_id", string(streamID)).Int("viewers", len(links)).Msg("broadcast ended")
	return nil
}

func (h *Host) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *Host) StreamID() domain.StreamID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streamID
}

func (h *Host) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.presence == nil {
		return 0
	}
	return h.presence.count()
}

// Chat returns the running transcript, nil before the first Start.
func (h *Host) Chat() *Transcript {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.chat
}
