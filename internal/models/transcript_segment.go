package models

import "time"

// TranscriptSegment is one archived transcript line.
type TranscriptSegment struct {
	ID        int64     `json:"id"`
	MeetingID string    `json:"meeting_id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	SpokenAt  time.Time `json:"spoken_at"`
}
