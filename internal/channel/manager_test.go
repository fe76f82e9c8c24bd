package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilrajpk/snapfy-rtc/internal/signal"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// signalServer records every envelope it reads and answers pings.
type signalServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	received []signal.Envelope
	tokens   []string
}

func newSignalServer(t *testing.T) *signalServer {
	t.Helper()
	s := &signalServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.tokens = append(s.tokens, r.URL.Query().Get("token"))
		s.mu.Unlock()

		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := signal.Parse(data)
			if err != nil {
				continue
			}
			if env.Type == signal.TypePing {
				_ = conn.WriteJSON(signal.Envelope{Type: signal.TypePong})
				continue
			}
			s.mu.Lock()
			s.received = append(s.received, *env)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *signalServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *signalServer) envelopes() []signal.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signal.Envelope, len(s.received))
	copy(out, s.received)
	return out
}

func TestSendBeforeOpenFlushesFIFO(t *testing.T) {
	srv := newSignalServer(t)
	mgr := NewManager(Config{URL: srv.wsURL(), Token: "tok"})

	// Channel is still closed: everything queues.
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, mgr.Send(signal.Envelope{Type: signal.TypeChatMessage, MessageID: id}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Connect(ctx)

	require.Eventually(t, func() bool {
		return len(srv.envelopes()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	got := srv.envelopes()
	assert.Equal(t, "m1", got[0].MessageID)
	assert.Equal(t, "m2", got[1].MessageID)
	assert.Equal(t, "m3", got[2].MessageID)

	mgr.Close(websocket.CloseNormalClosure, "done")
}

func TestCredentialCarriedInURI(t *testing.T) {
	srv := newSignalServer(t)
	mgr := NewManager(Config{URL: srv.wsURL(), Token: "secret-token"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Connect(ctx)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, mgr.WaitOpen(waitCtx))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.NotEmpty(t, srv.tokens)
	assert.Equal(t, "secret-token", srv.tokens[0])

	mgr.Close(websocket.CloseNormalClosure, "done")
}

func TestDispatchRoutesByType(t *testing.T) {
	upgradeDone := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upgradeDone <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	mgr := NewManager(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Token: "tok"})

	var mu sync.Mutex
	var callGot, bcastGot, defaultGot []string
	mgr.Route("call", []string{signal.TypeCallOffer, signal.TypeCallEnded}, func(env *signal.Envelope) {
		mu.Lock()
		callGot = append(callGot, env.Type)
		mu.Unlock()
	})
	mgr.Route("broadcast", []string{signal.TypeJoinStream}, func(env *signal.Envelope) {
		mu.Lock()
		bcastGot = append(bcastGot, env.Type)
		mu.Unlock()
	})
	mgr.RouteDefault(func(env *signal.Envelope) {
		mu.Lock()
		defaultGot = append(defaultGot, env.Type)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Connect(ctx)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-upgradeDone:
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}

	require.NoError(t, serverConn.WriteJSON(signal.Envelope{Type: signal.TypeCallOffer, SDP: "x", Caller: &signal.Caller{ID: "u"}}))
	require.NoError(t, serverConn.WriteJSON(signal.Envelope{Type: signal.TypeJoinStream, SenderID: "v"}))
	require.NoError(t, serverConn.WriteJSON(signal.Envelope{Type: signal.TypeCallHistoryUpdate}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(callGot) == 1 && len(bcastGot) == 1 && len(defaultGot) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{signal.TypeCallOffer}, callGot)
	assert.Equal(t, []string{signal.TypeJoinStream}, bcastGot)
	assert.Equal(t, []string{signal.TypeCallHistoryUpdate}, defaultGot)
	mu.Unlock()

	mgr.Close(websocket.CloseNormalClosure, "done")
}

func TestAuthRejectionIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		msg := websocket.FormatCloseMessage(CloseCodeAuthExpired, "session expired")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		// Give the close frame a moment on the wire before dropping TCP.
		time.Sleep(100 * time.Millisecond)
		conn.Close()
	}))
	defer srv.Close()

	mgr := NewManager(Config{
		URL:              "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:            "expired",
		ReconnectInitial: time.Millisecond,
		ReconnectCeiling: 2 * time.Millisecond,
	})

	terminal := make(chan error, 1)
	mgr.OnTerminal(func(err error) { terminal <- err })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Connect(ctx)

	select {
	case err := <-terminal:
		assert.ErrorIs(t, err, ErrAuthExpired)
	case <-time.After(5 * time.Second):
		t.Fatal("auth rejection never surfaced as terminal")
	}
}

func TestReconnectAttemptsExhausted(t *testing.T) {
	// Nothing listens here; every dial fails.
	mgr := NewManager(Config{
		URL:              "ws://127.0.0.1:1",
		Token:            "tok",
		DialTimeout:      50 * time.Millisecond,
		ReconnectInitial: time.Millisecond,
		ReconnectCeiling: 2 * time.Millisecond,
		ReconnectMax:     3,
	})

	terminal := make(chan error, 1)
	mgr.OnTerminal(func(err error) { terminal <- err })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Connect(ctx)

	select {
	case err := <-terminal:
		assert.ErrorIs(t, err, ErrMaxReconnects)
	case <-time.After(5 * time.Second):
		t.Fatal("exhausted reconnects never surfaced as terminal")
	}
}

func TestWaitOpenHonorsContext(t *testing.T) {
	mgr := NewManager(Config{URL: "ws://127.0.0.1:1", Token: "tok"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := mgr.WaitOpen(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnectIsIdempotent(t *testing.T) {
	srv := newSignalServer(t)
	mgr := NewManager(Config{URL: srv.wsURL(), Token: "tok"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Connect(ctx)
	mgr.Connect(ctx) // no-op

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, mgr.WaitOpen(waitCtx))

	srv.mu.Lock()
	dials := len(srv.tokens)
	srv.mu.Unlock()
	assert.Equal(t, 1, dials)

	mgr.Close(websocket.CloseNormalClosure, "done")
}
