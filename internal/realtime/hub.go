package realtime

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-webinar/rtms-relay/internal/rtms"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Hub maintains room -> set of viewer connections and fans transcript events out.
// With Redis configured, events are published only and the per-room
// subscriber delivers them once to local viewers on every instance.
type Hub struct {
	// room -> map[clientID]*Client
	rooms    map[string]map[string]*Client
	subs     map[string]func() // cancel Redis subscription per room
	mu       sync.RWMutex
	scope    DeliveryScope
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
}

// RedisPublisher publishes encoded viewer messages for cross-instance delivery.
type RedisPublisher interface {
	PublishRoomEvent(room string, message []byte) error
}

// RedisSubscriber subscribes to room channels and invokes handler for incoming messages.
type RedisSubscriber interface {
	SubscribeRoom(room string, handler func(message []byte)) (cancel func(), err error)
}

// NewHub creates a new viewer hub. redisPub and redisSub may be nil for
// single-instance delivery.
func NewHub(scope DeliveryScope, logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if scope == nil {
		scope = RoomScope{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		rooms:  make(map[string]map[string]*Client),
		subs:   make(map[string]func()),
		scope:  scope,
		logger: logger,
	}
	// Publishing without a subscriber would lose every event.
	if redisPub != nil && redisSub != nil {
		h.redis = redisPub
		h.redisSub = redisSub
	}
	return h
}

// Scope returns the delivery scope the hub was built with.
func (h *Hub) Scope() DeliveryScope { return h.scope }

// Connect places a freshly upgraded viewer according to the scope and sends
// the greeting. In room mode the viewer stays unregistered until it joins.
func (h *Hub) Connect(c *Client) {
	room, welcome, ok := h.scope.OnConnect()
	if !ok {
		return
	}
	h.register(c, room)
	if welcome != nil {
		h.SendToClient(c, *welcome)
	}
}

// Join handles a join-meeting request. It reports whether the scope accepted it.
func (h *Hub) Join(c *Client, meetingID string) bool {
	room, ok := h.scope.Join(meetingID)
	if !ok {
		return false
	}
	h.register(c, room)
	h.SendToClient(c, JoinedMessage(room))
	return true
}

// register moves c into room. Starts the Redis subscription for the room if
// c is its first viewer.
func (h *Hub) register(c *Client, room string) {
	h.mu.Lock()
	prev := c.room
	if prev == room {
		h.mu.Unlock()
		return
	}
	cancelPrev := h.removeLocked(c)
	first := h.rooms[room] == nil
	if first {
		h.rooms[room] = make(map[string]*Client)
	}
	h.rooms[room][c.ID] = c
	c.room = room
	h.mu.Unlock()

	if cancelPrev != nil {
		cancelPrev()
	}
	if first && h.redisSub != nil {
		h.subscribe(room)
	}
	h.logger.Debug("viewer joined room", zap.String("client_id", c.ID), zap.String("room", room), zap.String("previous", prev))
}

// subscribe opens the Redis subscription outside the hub lock and keeps it only
// if the room still has viewers.
func (h *Hub) subscribe(room string) {
	cancel, err := h.redisSub.SubscribeRoom(room, func(message []byte) {
		h.deliver(room, message)
	})
	if err != nil {
		h.logger.Warn("redis subscribe failed", zap.String("room", room), zap.Error(err))
		return
	}
	h.mu.Lock()
	_, live := h.rooms[room]
	_, dup := h.subs[room]
	if live && !dup {
		h.subs[room] = cancel
		cancel = nil
	}
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Unregister removes a viewer from its room. Cancels the Redis subscription
// when the last viewer leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	room := c.room
	cancel := h.removeLocked(c)
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.stop()
	h.logger.Debug("viewer left", zap.String("client_id", c.ID), zap.String("room", room))
}

func (h *Hub) removeLocked(c *Client) (cancel func()) {
	if c.room == "" {
		return nil
	}
	room := c.room
	c.room = ""
	m, ok := h.rooms[room]
	if !ok {
		return nil
	}
	delete(m, c.ID)
	if len(m) > 0 {
		return nil
	}
	delete(h.rooms, room)
	cancel = h.subs[room]
	delete(h.subs, room)
	return cancel
}

// PublishTranscript fans a transcript event out to the room the scope picks
// for its meeting.
func (h *Hub) PublishTranscript(ev rtms.TranscriptEvent) {
	h.publish(h.scope.RoomFor(ev.MeetingID), TranscriptMessage(ev))
}

// MeetingEnded notifies viewers of meetingID that its stream stopped. Scopes
// without per-meeting rooms send nothing.
func (h *Hub) MeetingEnded(meetingID string) {
	if !h.scope.NotifyEnded() {
		return
	}
	h.publish(h.scope.RoomFor(meetingID), MeetingEndedMessage(meetingID))
}

// Observe subscribes the hub to a session registry: transcripts are fanned
// out and viewers hear about meetings that stop or fail. A replaced session is
// not announced since its meeting keeps streaming.
func (h *Hub) Observe(reg *rtms.Registry) {
	reg.OnTranscript(h.PublishTranscript)
	reg.OnSessionEnded(func(info rtms.SessionInfo, err error) {
		if errors.Is(err, rtms.ErrSessionReplaced) {
			return
		}
		h.MeetingEnded(info.MeetingID)
	})
}

func (h *Hub) publish(room string, msg OutboundMessage) {
	data, err := encode(msg)
	if err != nil {
		h.logger.Warn("encode viewer message", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	if h.redis != nil {
		err := h.redis.PublishRoomEvent(room, data)
		if err == nil {
			return
		}
		h.logger.Warn("redis publish failed, delivering locally", zap.String("room", room), zap.Error(err))
	}
	h.deliver(room, data)
}

// deliver sends an encoded message to every local viewer in room (local only).
func (h *Hub) deliver(room string, data []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.trySend(data) {
			h.logger.Debug("viewer not writable, event skipped", zap.String("client_id", c.ID), zap.String("room", room))
		}
	}
}

// SendToClient sends a message to a single viewer.
func (h *Hub) SendToClient(c *Client, msg OutboundMessage) {
	data, err := encode(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// ViewerCount returns the number of viewers in a room.
func (h *Hub) ViewerCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ViewerCounts returns the viewer count per room.
func (h *Hub) ViewerCounts() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.rooms))
	for room, m := range h.rooms {
		out[room] = len(m)
	}
	return out
}

// Close cancels every Redis subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]func())
	h.mu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
}
