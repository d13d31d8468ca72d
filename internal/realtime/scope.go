package realtime

import (
	"fmt"
	"strings"
)

// BroadcastRoom is the single room every broadcast-mode viewer belongs to.
const BroadcastRoom = "*"

// DeliveryScope decides which room a viewer sits in and which room an event
// for a meeting is delivered to. The hub and gateway are the same for every scope.
type DeliveryScope interface {
	Name() string
	// OnConnect returns the room a viewer is placed in right after the
	// upgrade and the greeting to send it. ok is false when the viewer must
	// join a meeting first.
	OnConnect() (room string, welcome *OutboundMessage, ok bool)
	// Join maps a join-meeting request to a room. ok is false when the scope
	// does not accept joins.
	Join(meetingID string) (room string, ok bool)
	// RoomFor returns the room that receives events for meetingID.
	RoomFor(meetingID string) string
	// NotifyEnded reports whether viewers are told when a meeting stops.
	NotifyEnded() bool
}

// RoomScope delivers a meeting's events only to viewers that joined it.
type RoomScope struct{}

func (RoomScope) Name() string { return "room" }

func (RoomScope) OnConnect() (string, *OutboundMessage, bool) { return "", nil, false }

func (RoomScope) Join(meetingID string) (string, bool) {
	meetingID = strings.TrimSpace(meetingID)
	return meetingID, meetingID != ""
}

func (RoomScope) RoomFor(meetingID string) string { return meetingID }

func (RoomScope) NotifyEnded() bool { return true }

// BroadcastScope delivers every event to every connected viewer.
type BroadcastScope struct {
	// Welcome is the greeting text; a default is used when empty.
	Welcome string
}

func (BroadcastScope) Name() string { return "broadcast" }

func (s BroadcastScope) OnConnect() (string, *OutboundMessage, bool) {
	text := s.Welcome
	if text == "" {
		text = "Connected to transcript stream"
	}
	msg := ConnectedMessage(text)
	return BroadcastRoom, &msg, true
}

func (BroadcastScope) Join(string) (string, bool) { return "", false }

func (BroadcastScope) RoomFor(string) string { return BroadcastRoom }

func (BroadcastScope) NotifyEnded() bool { return false }

// ParseScope returns the scope for a VIEWER_MODE value.
func ParseScope(mode string) (DeliveryScope, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "room":
		return RoomScope{}, nil
	case "broadcast":
		return BroadcastScope{}, nil
	}
	return nil, fmt.Errorf("unknown viewer mode %q", mode)
}
