package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilrajpk/snapfy-rtc/internal/broadcast"
	"github.com/nikhilrajpk/snapfy-rtc/internal/call"
	"github.com/nikhilrajpk/snapfy-rtc/internal/channel"
	"github.com/nikhilrajpk/snapfy-rtc/internal/core"
	"github.com/nikhilrajpk/snapfy-rtc/internal/domain"
)

type nullSender struct{}

func (nullSender) Send(v any) error { return nil }

type stubSource struct{}

func (stubSource) Tracks() []webrtc.TrackLocal { return nil }
func (stubSource) Close() error                { return nil }

func acquireStub(domain.CallKind) (core.MediaSource, error) { return stubSource{}, nil }

func failFactory(bool) (core.MediaConnection, error) {
	return nil, errors.New("no transport in tests")
}

// waitingCallAPI blocks StartCall until the caller's context is done, so the
// test can observe which context the handler passed down.
type waitingCallAPI struct {
	mu  sync.Mutex
	err error
}

func (a *waitingCallAPI) StartCall(ctx context.Context, room domain.RoomID, kind domain.CallKind) (domain.CallID, error) {
	<-ctx.Done()
	a.mu.Lock()
	a.err = ctx.Err()
	a.mu.Unlock()
	return "", ctx.Err()
}

func (a *waitingCallAPI) EndCall(ctx context.Context, room domain.RoomID, rec domain.CallRecord) error {
	return nil
}

type stubStreamAPI struct{}

func (stubStreamAPI) CreateStream(ctx context.Context, title string) (domain.StreamInfo, error) {
	return domain.StreamInfo{ID: "stream-1", Title: title, IsActive: true}, nil
}
func (stubStreamAPI) GetStream(ctx context.Context, id domain.StreamID) (domain.StreamInfo, error) {
	return domain.StreamInfo{ID: id, IsActive: true}, nil
}
func (stubStreamAPI) JoinStream(ctx context.Context, id domain.StreamID) error  { return nil }
func (stubStreamAPI) LeaveStream(ctx context.Context, id domain.StreamID) error { return nil }
func (stubStreamAPI) EndStream(ctx context.Context, id domain.StreamID) error   { return nil }

func newTestDeps(callAPI core.CallAPI) Deps {
	self := domain.User{ID: "u1", Username: "u1"}
	return Deps{
		Channel: channel.NewManager(channel.Config{URL: "ws://127.0.0.1:1", Token: "t"}),
		Call:    call.NewController(self, nullSender{}, acquireStub, failFactory, callAPI),
		Host:    broadcast.NewHost(self, nullSender{}, acquireStub, failFactory, stubStreamAPI{}),
		Viewer:  broadcast.NewViewer(self, nullSender{}, nil, failFactory, stubStreamAPI{}),
	}
}

func TestInitiateCarriesRequestContext(t *testing.T) {
	api := &waitingCallAPI{}
	r := SetupRouter("release", newTestDeps(api))

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // the UI client is already gone
	body := `{"target_id":"bob","room_id":"room-7","call_type":"audio"}`
	req := httptest.NewRequest(http.MethodPost, "/api/call/initiate", strings.NewReader(body)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	api.mu.Lock()
	defer api.mu.Unlock()
	assert.ErrorIs(t, api.err, context.Canceled)
}

func TestStreamChatRoutedToHostWhileBroadcasting(t *testing.T) {
	deps := newTestDeps(&waitingCallAPI{})
	r := SetupRouter("release", deps)

	_, err := deps.Host.Start(context.Background(), "show")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/stream/chat", strings.NewReader(`{"message":"hi all"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, deps.Host.Chat())
	require.Equal(t, 1, deps.Host.Chat().Len())
	assert.Equal(t, "hi all", deps.Host.Chat().Messages()[0].Text)
}

func TestStreamChatConflictWhenNotInAStream(t *testing.T) {
	r := SetupRouter("release", newTestDeps(&waitingCallAPI{}))

	req := httptest.NewRequest(http.MethodPost, "/api/stream/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}
