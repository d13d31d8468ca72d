package viewerclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-webinar/rtms-relay/internal/realtime"
	"github.com/aura-webinar/rtms-relay/internal/rtms"
)

// flakyServer accepts viewers, records their join and token, sends one
// transcript per connection and drops the socket.
type flakyServer struct {
	srv      *httptest.Server
	conns    atomic.Int32
	mu       sync.Mutex
	joins    []string
	tokens   []string
	holdOpen bool
}

func newFlakyServer(t *testing.T, holdOpen bool) *flakyServer {
	t.Helper()
	s := &flakyServer{holdOpen: holdOpen}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := s.conns.Add(1)

		var join realtime.InboundMessage
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		s.mu.Lock()
		s.joins = append(s.joins, join.MeetingID)
		s.tokens = append(s.tokens, r.URL.Query().Get("token"))
		s.mu.Unlock()

		ev := rtms.TranscriptEvent{MeetingID: join.MeetingID, Speaker: "Alice", Text: "line", Timestamp: time.Now()}
		_ = conn.WriteJSON(realtime.TranscriptMessage(ev))
		if s.holdOpen && n > 1 {
			_, _, _ = conn.ReadMessage()
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *flakyServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func TestClientReconnectsAndRejoins(t *testing.T) {
	s := newFlakyServer(t, true)
	c := New(Config{URL: s.url(), MeetingID: "m1", Token: "tok", InitialInterval: 5 * time.Millisecond, MaxAttempts: 5}, zap.NewNop())

	var got atomic.Int32
	c.OnMessage(func(msg realtime.OutboundMessage) {
		if msg.Type == realtime.TypeTranscript && msg.Data != nil && msg.Data.MeetingID == "m1" {
			got.Add(1)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return got.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, c.State())
	s.mu.Lock()
	assert.Equal(t, []string{"m1", "m1"}, s.joins)
	assert.Equal(t, []string{"tok", "tok"}, s.tokens)
	s.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClientGivesUp(t *testing.T) {
	s := newFlakyServer(t, false)
	target := s.url()
	s.srv.Close()

	c := New(Config{URL: target, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxAttempts: 2}, zap.NewNop())
	var mu sync.Mutex
	var states []State
	c.OnState(func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGaveUp))
	assert.Equal(t, StateDisconnected, c.State())
	mu.Lock()
	assert.Equal(t, StateConnecting, states[0])
	assert.Contains(t, states, StateReconnecting)
	mu.Unlock()
}

func TestClientGivesUpOnImmediateDrops(t *testing.T) {
	s := newFlakyServer(t, false)
	c := New(Config{URL: s.url(), MeetingID: "m1", InitialInterval: 200 * time.Millisecond, MaxInterval: 200 * time.Millisecond, MaxAttempts: 3}, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrGaveUp)
	case <-time.After(5 * time.Second):
		t.Fatal("client kept reconnecting to a server that drops every connection")
	}
	assert.Equal(t, StateDisconnected, c.State())
	assert.GreaterOrEqual(t, s.conns.Load(), int32(4))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, time.Second, cfg.InitialInterval)
	assert.Equal(t, 30*time.Second, cfg.MaxInterval)
	assert.Equal(t, uint64(10), cfg.MaxAttempts)
}
