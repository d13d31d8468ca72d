package models

import (
	"time"

	"github.com/google/uuid"
)

// RTMSSession is one relay session in the history table. A meeting that is
// restarted gets a new row per start.
type RTMSSession struct {
	ID        uuid.UUID  `json:"id"`
	MeetingID string     `json:"meeting_id"`
	StreamID  string     `json:"stream_id"`
	ServerURL string     `json:"server_url"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason string     `json:"end_reason,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// End reasons stored for sessions that did not fail.
const (
	EndReasonStopped  = "stopped"
	EndReasonReplaced = "replaced"
)
