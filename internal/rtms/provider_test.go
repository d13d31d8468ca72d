package rtms

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeProvider is an in-process RTMS provider with a signaling and a media endpoint.
type fakeProvider struct {
	srv *httptest.Server

	signalingStatus int
	mediaStatus     int
	ackSignaling    bool
	ackMedia        bool

	fromSignaling chan []byte
	fromMedia     chan []byte
	toSignaling   chan []byte
	toMedia       chan []byte

	signalingClosed chan struct{}
	mediaClosed     chan struct{}

	mu             sync.Mutex
	signalingConns []*websocket.Conn
	mediaConns     []*websocket.Conn
	mediaDials     atomic.Int32
}

type providerOption func(*fakeProvider)

func withSignalingStatus(code int) providerOption {
	return func(p *fakeProvider) { p.signalingStatus = code }
}

func withMediaStatus(code int) providerOption {
	return func(p *fakeProvider) { p.mediaStatus = code }
}

func withoutSignalingAck() providerOption {
	return func(p *fakeProvider) { p.ackSignaling = false }
}

func withoutMediaAck() providerOption {
	return func(p *fakeProvider) { p.ackMedia = false }
}

var providerUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newFakeProvider(t *testing.T, opts ...providerOption) *fakeProvider {
	t.Helper()
	p := &fakeProvider{
		ackSignaling:    true,
		ackMedia:        true,
		fromSignaling:   make(chan []byte, 256),
		fromMedia:       make(chan []byte, 256),
		toSignaling:     make(chan []byte, 16),
		toMedia:         make(chan []byte, 16),
		signalingClosed: make(chan struct{}, 8),
		mediaClosed:     make(chan struct{}, 8),
	}
	for _, opt := range opts {
		opt(p)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/signaling", p.handleSignaling)
	mux.HandleFunc("/media", p.handleMedia)
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.close)
	return p
}

func (p *fakeProvider) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http") + path
}

func (p *fakeProvider) signalingURL() string { return p.wsURL("/signaling") }

func (p *fakeProvider) handleSignaling(w http.ResponseWriter, r *http.Request) {
	ack := func() []byte {
		if !p.ackSignaling {
			return nil
		}
		return []byte(fmt.Sprintf(`{"msg_type":2,"status_code":%d,"media_server":{"server_urls":{"all":%q}}}`,
			p.signalingStatus, p.wsURL("/media")))
	}
	p.serve(w, r, &p.signalingConns, p.fromSignaling, p.toSignaling, p.signalingClosed, ack)
}

func (p *fakeProvider) handleMedia(w http.ResponseWriter, r *http.Request) {
	p.mediaDials.Add(1)
	ack := func() []byte {
		if !p.ackMedia {
			return nil
		}
		return []byte(fmt.Sprintf(`{"msg_type":4,"status_code":%d}`, p.mediaStatus))
	}
	p.serve(w, r, &p.mediaConns, p.fromMedia, p.toMedia, p.mediaClosed, ack)
}

func (p *fakeProvider) serve(w http.ResponseWriter, r *http.Request, conns *[]*websocket.Conn, from chan<- []byte, to <-chan []byte, closed chan<- struct{}, ack func() []byte) {
	conn, err := providerUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p.mu.Lock()
	*conns = append(*conns, conn)
	p.mu.Unlock()
	defer func() {
		_ = conn.Close()
		closed <- struct{}{}
	}()

	_, handshake, err := conn.ReadMessage()
	if err != nil {
		return
	}
	from <- handshake
	if msg := ack(); msg != nil {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case msg := <-to:
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		from <- msg
	}
}

// dropMedia closes every media connection from the provider side.
func (p *fakeProvider) dropMedia() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.mediaConns {
		_ = c.Close()
	}
}

func (p *fakeProvider) close() {
	p.mu.Lock()
	for _, c := range append(p.signalingConns, p.mediaConns...) {
		_ = c.Close()
	}
	p.mu.Unlock()
	p.srv.Close()
}

type wireMsg struct {
	MsgType   MsgType         `json:"msg_type"`
	Timestamp json.RawMessage `json:"timestamp"`
	raw       map[string]any
}

// waitMsg reads from ch until a message of the given type arrives.
func waitMsg(t *testing.T, ch <-chan []byte, want MsgType) wireMsg {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case data := <-ch:
			var m wireMsg
			require.NoError(t, json.Unmarshal(data, &m), "client sent non-json: %s", data)
			require.NoError(t, json.Unmarshal(data, &m.raw))
			if m.MsgType == want {
				return m
			}
		case <-deadline:
			t.Fatalf("timeout waiting for msg_type %d", want)
		}
	}
}

// drainTypes returns the msg_types currently buffered in ch without blocking.
func drainTypes(t *testing.T, ch <-chan []byte) []MsgType {
	t.Helper()
	var out []MsgType
	for {
		select {
		case data := <-ch:
			var m wireMsg
			require.NoError(t, json.Unmarshal(data, &m))
			out = append(out, m.MsgType)
		default:
			return out
		}
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %s to close", what)
	}
}
