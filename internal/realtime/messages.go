package realtime

import (
	"encoding/json"

	"github.com/aura-webinar/rtms-relay/internal/rtms"
)

// Viewer message types. Frames are JSON text messages in both directions.
const (
	TypeJoinMeeting  = "join-meeting"
	TypeJoined       = "joined"
	TypeConnected    = "connected"
	TypeTranscript   = "transcript"
	TypeMeetingEnded = "meeting_ended"
)

// InboundMessage is a viewer → server frame.
type InboundMessage struct {
	Type      string `json:"type"`
	MeetingID string `json:"meetingId,omitempty"`
}

// OutboundMessage is a server → viewer frame.
type OutboundMessage struct {
	Type      string                `json:"type"`
	MeetingID string                `json:"meetingId,omitempty"`
	Message   string                `json:"message,omitempty"`
	Data      *rtms.TranscriptEvent `json:"data,omitempty"`
}

// TranscriptMessage wraps a transcript event for viewers. The event keeps its
// meetingId so broadcast viewers can tell meetings apart.
func TranscriptMessage(ev rtms.TranscriptEvent) OutboundMessage {
	return OutboundMessage{Type: TypeTranscript, Data: &ev}
}

// MeetingEndedMessage tells room viewers their meeting's stream is gone.
func MeetingEndedMessage(meetingID string) OutboundMessage {
	return OutboundMessage{Type: TypeMeetingEnded, MeetingID: meetingID}
}

// JoinedMessage confirms a join-meeting request.
func JoinedMessage(meetingID string) OutboundMessage {
	return OutboundMessage{Type: TypeJoined, MeetingID: meetingID}
}

// ConnectedMessage greets a broadcast viewer.
func ConnectedMessage(text string) OutboundMessage {
	return OutboundMessage{Type: TypeConnected, Message: text}
}

func encode(msg OutboundMessage) ([]byte, error) {
	return json.Marshal(msg)
}
