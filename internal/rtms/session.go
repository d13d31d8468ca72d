package rtms

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Config holds the bridge settings shared by every session.
type Config struct {
	ClientID     string
	ClientSecret string
	// HandshakeTimeout bounds the time to reach Ready on signaling and,
	// separately, Streaming on media.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds every provider socket write.
	WriteTimeout time.Duration
	// PayloadDecoder, when set, is applied to transcript content blocks.
	PayloadDecoder PayloadDecoder
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// SessionState is the coarse lifecycle state of a StreamSession.
type SessionState string

const (
	SessionPending    SessionState = "pending"
	SessionSignaling  SessionState = "signaling"
	SessionConnecting SessionState = "media_connecting"
	SessionStreaming  SessionState = "streaming"
	SessionClosed     SessionState = "closed"
)

// SessionInfo is a snapshot of a session for observers and the admin API.
type SessionInfo struct {
	MeetingID   string       `json:"meetingId"`
	StreamID    string       `json:"streamId"`
	ServerURL   string       `json:"serverUrl"`
	State       SessionState `json:"state"`
	StartedAt   time.Time    `json:"startedAt"`
	Transcripts int64        `json:"transcripts"`
}

// Session owns one signaling/media channel pair for one meeting.
type Session struct {
	meetingID string
	streamID  string
	serverURL string
	cfg       Config
	dialer    Dialer
	logger    *zap.Logger
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	// loops tracks the signaling and media read loops started by relay.
	loops sync.WaitGroup

	mu           sync.Mutex
	started      bool
	state        SessionState
	signaling    *SignalingChannel
	media        *MediaChannel
	onTranscript func(TranscriptEvent)
	transcripts  int64

	onClosed func(*Session, error)
}

func newSession(meetingID, streamID, serverURL string, cfg Config, dialer Dialer, logger *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		meetingID: meetingID,
		streamID:  streamID,
		serverURL: serverURL,
		cfg:       cfg,
		dialer:    dialer,
		logger:    logger.With(zap.String("meeting_id", meetingID), zap.String("stream_id", streamID)),
		startedAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     SessionPending,
	}
}

// MeetingID returns the meeting this session relays.
func (s *Session) MeetingID() string { return s.meetingID }

// OnTranscript sets the callback that receives this session's transcript events.
func (s *Session) OnTranscript(fn func(TranscriptEvent)) {
	s.mu.Lock()
	s.onTranscript = fn
	s.mu.Unlock()
}

// State returns the session's lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		MeetingID:   s.meetingID,
		StreamID:    s.streamID,
		ServerURL:   s.serverURL,
		State:       s.state,
		StartedAt:   s.startedAt,
		Transcripts: s.transcripts,
	}
}

// Done is closed when the session's run loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil || s.started {
		return
	}
	s.started = true
	go s.run()
}

// Stop cancels any pending dial or handshake, closes both channels and waits
// for the run loop to exit. It is safe in every state and may be called twice.
func (s *Session) Stop() {
	s.cancel()
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
		return
	}
	s.setState(SessionClosed)
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) emit(ev TranscriptEvent) {
	if s.ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	fn := s.onTranscript
	s.transcripts++
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (s *Session) run() {
	err := s.relay()
	if s.ctx.Err() != nil {
		err = ErrSessionStopped
	}

	s.mu.Lock()
	sig, media := s.signaling, s.media
	s.signaling, s.media = nil, nil
	s.state = SessionClosed
	onClosed := s.onClosed
	s.mu.Unlock()

	if media != nil {
		media.Close()
	}
	if sig != nil {
		sig.Close()
	}
	s.cancel()
	// A transcript callback in flight finishes before observers hear the end.
	s.loops.Wait()

	if errors.Is(err, ErrSessionStopped) {
		s.logger.Info("rtms session stopped")
	} else {
		s.logger.Warn("rtms session ended", zap.Error(err))
	}
	close(s.done)
	if onClosed != nil {
		onClosed(s, err)
	}
}

// relay drives the chained handshake and blocks until either channel ends.
func (s *Session) relay() error {
	ctx := s.ctx
	params := channelParams{
		MeetingID: s.meetingID,
		StreamID:  s.streamID,
		Signature: Sign(s.cfg.ClientID, s.meetingID, s.streamID, s.cfg.ClientSecret),
	}

	s.setState(SessionSignaling)
	sigConn, err := s.dial(ctx, s.serverURL)
	if err != nil {
		return err
	}
	sig := newSignalingChannel(sigConn, params, s.cfg, s.logger)
	if !s.attach(func() { s.signaling = sig }) {
		sig.Close()
		return ErrSessionStopped
	}

	mediaURLs := make(chan string, 1)
	sigErr := make(chan error, 1)
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		sigErr <- sig.Run(ctx, func(u string) {
			select {
			case mediaURLs <- u:
			default:
			}
		})
	}()

	var mediaURL string
	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ErrSessionStopped
	case err := <-sigErr:
		return err
	case <-timer.C:
		return ErrHandshakeTimeout
	case mediaURL = <-mediaURLs:
	}

	s.setState(SessionConnecting)
	mediaConn, err := s.dial(ctx, mediaURL)
	if err != nil {
		return err
	}
	media := newMediaChannel(mediaConn, params, s.cfg, sig, s.emit, s.logger)
	if !s.attach(func() { s.media = media }) {
		media.Close()
		return ErrSessionStopped
	}

	streaming := make(chan struct{})
	mediaErr := make(chan error, 1)
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		mediaErr <- media.Run(ctx, func() { close(streaming) })
	}()

	timer.Reset(s.cfg.HandshakeTimeout)
	select {
	case <-ctx.Done():
		return ErrSessionStopped
	case err := <-sigErr:
		return err
	case err := <-mediaErr:
		return err
	case <-timer.C:
		return ErrHandshakeTimeout
	case <-streaming:
	}
	s.setState(SessionStreaming)

	select {
	case <-ctx.Done():
		return ErrSessionStopped
	case err := <-sigErr:
		return err
	case err := <-mediaErr:
		return err
	}
}

func (s *Session) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	c, err := s.dialer.DialContext(dialCtx, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrSessionStopped
		}
		return nil, err
	}
	return c, nil
}

// attach stores a freshly opened channel unless the session was stopped meanwhile.
func (s *Session) attach(set func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	set()
	return true
}
