package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilrajpk/snapfy-rtc/internal/core"
	"github.com/nikhilrajpk/snapfy-rtc/internal/domain"
	"github.com/nikhilrajpk/snapfy-rtc/internal/signal"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []signal.Envelope
}

func (s *fakeSender) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, v.(signal.Envelope))
	return nil
}

func (s *fakeSender) byType(t string) []signal.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signal.Envelope
	for _, env := range s.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type fakeSource struct {
	mu     sync.Mutex
	closed int
}

func (s *fakeSource) Tracks() []webrtc.TrackLocal { return nil }

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

type fakeConn struct {
	mu         sync.Mutex
	closed     bool
	candidates []webrtc.ICECandidateInit
	offers     int
	restarts   int

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)
	onNegotiate func()
	onFailure   func()
}

func (f *fakeConn) Start(ctx context.Context) error { return nil }

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) AddRemoteCandidate(ci webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, ci)
	return nil
}

func (f *fakeConn) ApplyAnswer(webrtc.SessionDescription) error { return nil }

func (f *fakeConn) ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakeConn) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	f.mu.Lock()
	f.offers++
	n := f.offers
	f.mu.Unlock()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer %d", n)}, nil
}

func (f *fakeConn) RestartICE() (*webrtc.SessionDescription, error) {
	f.mu.Lock()
	f.restarts++
	f.mu.Unlock()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 restart"}, nil
}

func (f *fakeConn) AddLocalTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) { return nil, nil }

func (f *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) { f.onCandidate = fn }
func (f *fakeConn) OnTrack(fn func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.onTrack = fn
}
func (f *fakeConn) OnNegotiationNeeded(fn func()) { f.onNegotiate = fn }
func (f *fakeConn) OnFailure(fn func())           { f.onFailure = fn }

func (f *fakeConn) remoteCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(f.candidates))
	copy(out, f.candidates)
	return out
}

type fakeAPI struct {
	mu      sync.Mutex
	started int
	ended   []domain.CallRecord
}

func (a *fakeAPI) StartCall(ctx context.Context, room domain.RoomID, kind domain.CallKind) (domain.CallID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started++
	return domain.CallID(fmt.Sprintf("call-%d", a.started)), nil
}

func (a *fakeAPI) EndCall(ctx context.Context, room domain.RoomID, rec domain.CallRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ended = append(a.ended, rec)
	return nil
}

func (a *fakeAPI) records() []domain.CallRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.CallRecord, len(a.ended))
	copy(out, a.ended)
	return out
}

type fixture struct {
	ctrl   *Controller
	sender *fakeSender
	api    *fakeAPI
	conn   *fakeConn
	source *fakeSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sender: &fakeSender{},
		api:    &fakeAPI{},
		conn:   &fakeConn{},
		source: &fakeSource{},
	}
	self := domain.User{ID: "alice", Username: "alice"}
	acquire := func(kind domain.CallKind) (core.MediaSource, error) { return f.source, nil }
	connect := func(recvOnly bool) (core.MediaConnection, error) { return f.conn, nil }
	f.ctrl = NewController(self, f.sender, acquire, connect, f.api)
	return f
}

func incomingOffer(id, from string) *signal.Envelope {
	return &signal.Envelope{
		Type:     signal.TypeCallOffer,
		CallID:   domain.CallID(id),
		RoomID:   "room-7",
		SDP:      "v=0 remote offer",
		CallType: domain.CallVideo,
		Caller:   &signal.Caller{ID: domain.UserID(from), Username: from},
	}
}

func TestInitiateSendsOffer(t *testing.T) {
	f := newFixture(t)
	target := signal.Caller{ID: "bob", Username: "bob"}

	err := f.ctrl.Initiate(context.Background(), target, "room-7", domain.CallVideo)
	require.NoError(t, err)
	assert.Equal(t, StateOutgoing, f.ctrl.State())
	assert.True(t, f.ctrl.Engaged())

	offers := f.sender.byType(signal.TypeCallOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.CallID("call-1"), offers[0].CallID)
	assert.Equal(t, domain.UserID("bob"), offers[0].TargetUserID)
	assert.Equal(t, domain.CallVideo, offers[0].CallType)
	assert.NotEmpty(t, offers[0].SDP)
	require.NotNil(t, offers[0].Caller)
	assert.Equal(t, domain.UserID("alice"), offers[0].Caller.ID)
}

func TestInitiateRejectsUnknownKind(t *testing.T) {
	f := newFixture(t)
	err := f.ctrl.Initiate(context.Background(), signal.Caller{ID: "bob"}, "room-7", "screenshare")
	assert.ErrorIs(t, err, ErrBadKind)
	assert.Equal(t, StateIdle, f.ctrl.State())
}

func TestSecondInitiateRefused(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Initiate(context.Background(), signal.Caller{ID: "bob"}, "room-7", domain.CallAudio))

	err := f.ctrl.Initiate(context.Background(), signal.Caller{ID: "carol"}, "room-9", domain.CallAudio)
	assert.ErrorIs(t, err, ErrCallInProgress)
	assert.Len(t, f.sender.byType(signal.TypeCallOffer), 1)
}

func TestInitiateRollsBackStartedCallOnSetupFailure(t *testing.T) {
	f := &fixture{
		sender: &fakeSender{},
		api:    &fakeAPI{},
		source: &fakeSource{},
	}
	self := domain.User{ID: "alice", Username: "alice"}
	acquire := func(kind domain.CallKind) (core.MediaSource, error) { return f.source, nil }
	// Transport construction fails after the backend already recorded the call.
	connect := func(recvOnly bool) (core.MediaConnection, error) {
		return nil, errors.New("no transport")
	}
	f.ctrl = NewController(self, f.sender, acquire, connect, f.api)

	err := f.ctrl.Initiate(context.Background(), signal.Caller{ID: "bob"}, "room-7", domain.CallAudio)
	require.Error(t, err)
	assert.Equal(t, StateIdle, f.ctrl.State())

	// The backend record must not stay in-progress forever.
	recs := f.api.records()
	require.Len(t, recs, 1)
	assert.Equal(t, domain.CallID("call-1"), recs[0].ID)
	assert.Equal(t, domain.CallFailed, recs[0].Status)
}

func TestOfferRacingInitiationRollsBackLocalCall(t *testing.T) {
	f := &fixture{
		sender: &fakeSender{},
		api:    &fakeAPI{},
		conn:   &fakeConn{},
		source: &fakeSource{},
	}
	self := domain.User{ID: "alice", Username: "alice"}
	// Bob's offer lands while we are still opening the camera.
	acquire := func(kind domain.CallKind) (core.MediaSource, error) {
		f.ctrl.HandleSignal(incomingOffer("call-x", "bob"))
		return f.source, nil
	}
	connect := func(recvOnly bool) (core.MediaConnection, error) { return f.conn, nil }
	f.ctrl = NewController(self, f.sender, acquire, connect, f.api)

	err := f.ctrl.Initiate(context.Background(), signal.Caller{ID: "carol"}, "room-9", domain.CallAudio)
	assert.ErrorIs(t, err, ErrCallInProgress)

	// First one wins: bob's call is the one ringing.
	assert.Equal(t, StateIncoming, f.ctrl.State())
	// The locally started record is closed out as failed.
	recs := f.api.records()
	require.Len(t, recs, 1)
	assert.Equal(t, domain.CallID("call-1"), recs[0].ID)
	assert.Equal(t, domain.CallFailed, recs[0].Status)
}

func TestIncomingOfferRings(t *testing.T) {
	f := newFixture(t)
	rang := make(chan Incoming, 1)
	f.ctrl.OnIncoming(func(inc Incoming) { rang <- inc })

	f.ctrl.HandleSignal(incomingOffer("call-x", "bob"))

	select {
	case inc := <-rang:
		assert.Equal(t, domain.CallID("call-x"), inc.CallID)
		assert.Equal(t, domain.UserID("bob"), inc.Caller.ID)
		assert.Equal(t, domain.CallVideo, inc.Kind)
	case <-time.After(time.Second):
		t.Fatal("incoming call never surfaced")
	}
	assert.Equal(t, StateIncoming, f.ctrl.State())
}

func TestOwnOfferEchoIgnored(t *testing.T) {
	f := newFixture(t)
	f.ctrl.HandleSignal(incomingOffer("call-x", "alice"))
	assert.Equal(t, StateIdle, f.ctrl.State())
}

func TestDuplicateOfferIgnored(t *testing.T) {
	f := newFixture(t)
	f.ctrl.HandleSignal(incomingOffer("call-x", "bob"))
	f.ctrl.HandleSignal(incomingOffer("call-x", "bob"))
	assert.Equal(t, StateIncoming, f.ctrl.State())
}

func TestOfferWhileRingingIgnored(t *testing.T) {
	f := newFixture(t)
	f.ctrl.HandleSignal(incomingOffer("call-x", "bob"))
	f.ctrl.HandleSignal(incomingOffer("call-y", "carol"))

	assert.Equal(t, StateIncoming, f.ctrl.State())
	// Still bob's call; carol's never replaced it.
	require.NoError(t, f.ctrl.Accept(context.Background()))
	answers := f.sender.byType(signal.TypeCallAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.CallID("call-x"), answers[0].CallID)
	assert.Equal(t, domain.UserID("bob"), answers[0].TargetUserID)
}

func TestAcceptSendsAnswerAndActivates(t *testing.T) {
	f := newFixture(t)
	f.ctrl.HandleSignal(incomingOffer("call-x", "bob"))

	require.NoError(t, f.ctrl.Accept(context.Background()))
	assert.Equal(t, StateActive, f.ctrl.State())

	answers := f.sender.byType(signal.TypeCallAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "v=0 answer", answers[0].SDP)
}

func TestAcceptWithoutRingingFails(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.ctrl.Accept(context.Background()), ErrNoCall)
}

func TestEarlyCandidatesFlushedInOrder(t *testing.T) {
	f := newFixture(t)
	f.ctrl.HandleSignal(incomingOffer("call-x", "bob"))

	// ICE raced ahead of the accept; no peer connection exists yet.
	for i := 0; i < 4; i++ {
		f.ctrl.HandleSignal(&signal.Envelope{
			Type:      signal.TypeICECandidate,
			CallID:    "call-x",
			Candidate: &webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d", i)},
		})
	}
	assert.Empty(t, f.conn.remoteCandidates())

	require.NoError(t, f.ctrl.Accept(context.Background()))

	got := f.conn.remoteCandidates()
	require.Len(t, got, 4)
	for i, ci := range got {
		assert.Equal(t, fmt.Sprintf("candidate:%d", i), ci.Candidate)
	}
}

func TestCandidateAfterConnectionAppliesDirectly(t *testing.T) {
	f := newFixture(t)
	f.ctrl.HandleSignal(incomingOffer("call-x", "bob"))
	require.NoError(t, f.ctrl.Accept(context.Background()))

	f.ctrl.HandleSignal(&signal.Envelope{
		Type:      signal.TypeICECandidate,
		CallID:    "call-x",
		Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:late"},
	})
	got := f.conn.remoteCandidates()
	require.Len(t, got, 1)
	assert.Equal(t, "candidate:late", got[0].Candidate)
}

func TestRejectAnnouncesOnce(t *testing.T) {
	f := newFixture(t)
	f.ctrl.HandleSignal(incomingOffer("call-x", "bob"))

	require.NoError(t, f.ctrl.Reject())
	assert.Equal(t, StateIdle, f.ctrl.State())

	ended := f.sender.byType(signal.TypeCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, domain.CallRejected, ended[0].CallStatus)

	assert.ErrorIs(t, f.ctrl.Reject(), ErrNoCall)
	assert.Len(t, f.sender.byType(signal.TypeCallEnded), 1)
}

func TestAnswerActivatesOutgoingCall(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Initiate(context.Background(), signal.Caller{ID: "bob"}, "room-7", domain.CallAudio))

	f.ctrl.HandleSignal(&signal.Envelope{
		Type:   signal.TypeCallAnswer,
		CallID: "call-1",
		SDP:    "v=0 remote answer",
	})
	assert.Equal(t, StateActive, f.ctrl.State())
}

func TestAnswerForUnknownCallDropped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Initiate(context.Background(), signal.Caller{ID: "bob"}, "room-7", domain.CallAudio))

	f.ctrl.HandleSignal(&signal.Envelope{
		Type:   signal.TypeCallAnswer,
		CallID: "call-other",
		SDP:    "v=0 remote answer",
	})
	assert.Equal(t, StateOutgoing, f.ctrl.State())
}

func TestHangupAnnouncesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.ctrl.HandleSignal(incomingOffer("call-x", "bob"))
	require.NoError(t, f.ctrl.Accept(context.Background()))

	f.ctrl.Hangup()
	f.ctrl.Hangup() // no-op

	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.True(t, f.conn.IsClosed())

	ended := f.sender.byType(signal.TypeCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, domain.CallCompleted, ended[0].CallStatus)

	recs := f.api.records()
	require.Len(t, recs, 1)
	assert.Equal(t, domain.CallID("call-x"), recs[0].ID)
	assert.Equal(t, domain.CallCompleted, recs[0].Status)
}

func TestRemoteEndedDoesNotEchoBack(t *testing.T) {
	f := newFixture(t)
	f.ctrl.HandleSignal(incomingOffer("call-x", "bob"))
	require.NoError(t, f.ctrl.Accept(context.Background()))

	f.ctrl.HandleSignal(&signal.Envelope{
		Type:       signal.TypeCallEnded,
		CallID:     "call-x",
		CallStatus: domain.CallCompleted,
	})

	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.True(t, f.conn.IsClosed())
	// The remote side already announced the end; answering with another
	// call_ended would double-close on their side.
	assert.Empty(t, f.sender.byType(signal.TypeCallEnded))
	require.Len(t, f.api.records(), 1)
}

func TestEndedForUnknownCallIgnored(t *testing.T) {
	f := newFixture(t)
	f.ctrl.HandleSignal(incomingOffer("call-x", "bob"))

	f.ctrl.HandleSignal(&signal.Envelope{Type: signal.TypeCallEnded, CallID: "call-other"})
	assert.Equal(t, StateIncoming, f.ctrl.State())
}

func TestConnectionFailureRestartsOnceThenTearsDown(t *testing.T) {
	f := newFixture(t)
	f.ctrl.HandleSignal(incomingOffer("call-x", "bob"))
	require.NoError(t, f.ctrl.Accept(context.Background()))
	require.NotNil(t, f.conn.onFailure)

	// First failure: one ICE restart, session survives.
	f.conn.onFailure()
	assert.Equal(t, StateActive, f.ctrl.State())
	f.conn.mu.Lock()
	restarts := f.conn.restarts
	f.conn.mu.Unlock()
	assert.Equal(t, 1, restarts)
	restartOffers := f.sender.byType(signal.TypeCallOffer)
	require.Len(t, restartOffers, 1)
	assert.Equal(t, "v=0 restart", restartOffers[0].SDP)

	// Second failure: give up, end with failed status.
	f.conn.onFailure()
	assert.Equal(t, StateIdle, f.ctrl.State())
	ended := f.sender.byType(signal.TypeCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, domain.CallFailed, ended[0].CallStatus)
}

func TestRenegotiationIsSingleFlight(t *testing.T) {
	f := newFixture(t)
	f.ctrl.HandleSignal(incomingOffer("call-x", "bob"))
	require.NoError(t, f.ctrl.Accept(context.Background()))
	require.NotNil(t, f.conn.onNegotiate)

	f.conn.onNegotiate()
	f.conn.onNegotiate() // queues behind the round in flight

	// Only the first round's offer is out.
	require.Len(t, f.sender.byType(signal.TypeCallOffer), 1)

	// Peer answers the in-flight round; the queued one runs next.
	f.ctrl.HandleSignal(&signal.Envelope{
		Type:   signal.TypeCallAnswer,
		CallID: "call-x",
		SDP:    "v=0 renegotiation answer",
	})
	require.Eventually(t, func() bool {
		return len(f.sender.byType(signal.TypeCallOffer)) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMidCallOfferAnswered(t *testing.T) {
	f := newFixture(t)
	f.ctrl.HandleSignal(incomingOffer("call-x", "bob"))
	require.NoError(t, f.ctrl.Accept(context.Background()))

	// Peer renegotiates with a fresh offer for the same call.
	f.ctrl.HandleSignal(incomingOffer("call-x", "bob"))

	answers := f.sender.byType(signal.TypeCallAnswer)
	require.Len(t, answers, 2)
	assert.Equal(t, domain.CallVideo, answers[1].CallType)
	assert.Equal(t, StateActive, f.ctrl.State())
}

func TestLocalCandidatesForwarded(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Initiate(context.Background(), signal.Caller{ID: "bob"}, "room-7", domain.CallAudio))
	require.NotNil(t, f.conn.onCandidate)

	f.conn.onCandidate(webrtc.ICECandidateInit{Candidate: "candidate:local"})

	fwd := f.sender.byType(signal.TypeICECandidate)
	require.Len(t, fwd, 1)
	assert.Equal(t, domain.CallID("call-1"), fwd[0].CallID)
	assert.Equal(t, domain.UserID("bob"), fwd[0].TargetUserID)
	require.NotNil(t, fwd[0].Candidate)
	assert.Equal(t, "candidate:local", fwd[0].Candidate.Candidate)
}

func TestTeardownReleasesMedia(t *testing.T) {
	f := newFixture(t)
	f.ctrl.HandleSignal(incomingOffer("call-x", "bob"))
	require.NoError(t, f.ctrl.Accept(context.Background()))
	f.ctrl.Hangup()

	f.source.mu.Lock()
	closed := f.source.closed
	f.source.mu.Unlock()
	assert.Equal(t, 1, closed)
	assert.True(t, f.conn.IsClosed())
	assert.False(t, f.ctrl.Engaged())
}

func TestStateTransitionsTable(t *testing.T) {
	assert.True(t, StateIdle.canTransition(StateOutgoing))
	assert.True(t, StateIdle.canTransition(StateIncoming))
	assert.True(t, StateOutgoing.canTransition(StateActive))
	assert.True(t, StateIncoming.canTransition(StateActive))
	assert.True(t, StateActive.canTransition(StateIdle))

	assert.False(t, StateIdle.canTransition(StateActive))
	assert.False(t, StateOutgoing.canTransition(StateIncoming))
	assert.False(t, StateActive.canTransition(StateOutgoing))
}
