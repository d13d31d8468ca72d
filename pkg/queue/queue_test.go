package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobEnvelopeCarriesPayload(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	body, err := json.Marshal(TranscriptExportPayload{MeetingID: "m1", StreamID: "s1", StartedAt: started})
	require.NoError(t, err)
	raw, err := json.Marshal(Job{ID: "j1", Type: JobTypeTranscriptExport, Payload: body, Attempt: 2})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "transcript_export", fields["type"])
	assert.Equal(t, float64(2), fields["attempt"])
	payload := fields["payload"].(map[string]any)
	assert.Equal(t, "m1", payload["meeting_id"])
	assert.Equal(t, "2026-01-02T03:04:05Z", payload["started_at"])
}
