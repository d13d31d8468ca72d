package rtms

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// TranscriptHandler receives every transcript event decoded by any session.
type TranscriptHandler func(TranscriptEvent)

// SessionStartedHandler is called when a session is registered.
type SessionStartedHandler func(info SessionInfo)

// SessionEndedHandler is called once when a registered session goes away:
// err is ErrSessionStopped after StopSession, ErrSessionReplaced after a
// repeated start, or the channel failure otherwise.
type SessionEndedHandler func(info SessionInfo, err error)

// Registry maps meeting ids to their live sessions (thread-safe).
type Registry struct {
	// lifecycle serializes registration changes with their notifications so
	// observers see started before ended for every session. Observers must
	// not call back into StartSession or StopSession.
	lifecycle sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	cfg    Config
	dialer Dialer
	logger *zap.Logger

	obsMu        sync.RWMutex
	onTranscript []TranscriptHandler
	onStarted    []SessionStartedHandler
	onEnded      []SessionEndedHandler
}

var (
	// ErrRegistryClosed is returned by StartSession after Close.
	ErrRegistryClosed = errors.New("rtms: registry closed")
	// ErrInvalidSession is returned by StartSession when an identifier or the server url is empty.
	ErrInvalidSession = errors.New("rtms: meeting id, stream id and server url are required")
)

// NewRegistry creates an empty session registry.
func NewRegistry(cfg Config, dialer Dialer, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if dialer == nil {
		dialer = NewWSDialer(cfg.HandshakeTimeout)
	}
	return &Registry{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		dialer:   dialer,
		logger:   logger,
	}
}

// OnTranscript adds an observer for transcript events. Observers run on the
// media read loop in registration order and must not block.
func (r *Registry) OnTranscript(fn TranscriptHandler) {
	r.obsMu.Lock()
	r.onTranscript = append(r.onTranscript, fn)
	r.obsMu.Unlock()
}

// OnSessionStarted adds an observer for newly registered sessions.
func (r *Registry) OnSessionStarted(fn SessionStartedHandler) {
	r.obsMu.Lock()
	r.onStarted = append(r.onStarted, fn)
	r.obsMu.Unlock()
}

// OnSessionEnded adds an observer for sessions leaving the registry.
func (r *Registry) OnSessionEnded(fn SessionEndedHandler) {
	r.obsMu.Lock()
	r.onEnded = append(r.onEnded, fn)
	r.obsMu.Unlock()
}

// StartSession registers a new session for meetingID and starts its
// handshake. An existing session for the same meeting is stopped first.
func (r *Registry) StartSession(meetingID, streamID, serverURL string) error {
	meetingID = strings.TrimSpace(meetingID)
	streamID = strings.TrimSpace(streamID)
	serverURL = strings.TrimSpace(serverURL)
	if meetingID == "" || streamID == "" || serverURL == "" {
		return ErrInvalidSession
	}

	s := newSession(meetingID, streamID, serverURL, r.cfg, r.dialer, r.logger)
	s.OnTranscript(r.dispatch)
	s.onClosed = r.sessionClosed

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	old := r.sessions[meetingID]
	r.sessions[meetingID] = s
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("replacing rtms session", zap.String("meeting_id", meetingID))
		old.Stop()
		r.notifyEnded(old.Info(), ErrSessionReplaced)
	}

	r.notifyStarted(s.Info())
	s.start()
	r.logger.Info("rtms session started", zap.String("meeting_id", meetingID), zap.String("stream_id", streamID))
	return nil
}

// StopSession stops and removes the session for meetingID. It reports whether
// a session was registered.
func (r *Registry) StopSession(meetingID string) bool {
	meetingID = strings.TrimSpace(meetingID)
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	s, ok := r.sessions[meetingID]
	if ok {
		delete(r.sessions, meetingID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Stop()
	r.notifyEnded(s.Info(), ErrSessionStopped)
	return true
}

// Get returns the live session for meetingID.
func (r *Registry) Get(meetingID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[meetingID]
	return s, ok
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of all registered sessions ordered by meeting id.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeetingID < out[j].MeetingID })
	return out
}

// Close stops every session and rejects further starts.
func (r *Registry) Close() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
			r.notifyEnded(s.Info(), ErrSessionStopped)
		}(s)
	}
	wg.Wait()
}

// sessionClosed removes a session whose run loop ended on its own. A session
// that was already replaced or stopped is no longer registered and is ignored.
func (r *Registry) sessionClosed(s *Session, err error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	current, ok := r.sessions[s.meetingID]
	if !ok || current != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.meetingID)
	r.mu.Unlock()
	r.notifyEnded(s.Info(), err)
}

func (r *Registry) dispatch(ev TranscriptEvent) {
	r.obsMu.RLock()
	handlers := r.onTranscript
	r.obsMu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (r *Registry) notifyStarted(info SessionInfo) {
	r.obsMu.RLock()
	handlers := r.onStarted
	r.obsMu.RUnlock()
	for _, fn := range handlers {
		fn(info)
	}
}

func (r *Registry) notifyEnded(info SessionInfo, err error) {
	r.obsMu.RLock()
	handlers := r.onEnded
	r.obsMu.RUnlock()
	for _, fn := range handlers {
		fn(info, err)
	}
}
