package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aura-webinar/rtms-relay/internal/models"
	"github.com/aura-webinar/rtms-relay/internal/rtms"
	"github.com/aura-webinar/rtms-relay/pkg/queue"
)

type historyRow struct {
	info   rtms.SessionInfo
	ended  bool
	reason string
}

type fakeHistory struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*historyRow
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{rows: make(map[uuid.UUID]*historyRow)}
}

func (f *fakeHistory) Start(_ context.Context, info rtms.SessionInfo) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.rows[id] = &historyRow{info: info}
	return id, nil
}

func (f *fakeHistory) End(_ context.Context, id uuid.UUID, _ time.Time, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return errors.New("unknown row")
	}
	row.ended = true
	row.reason = reason
	return nil
}

func (f *fakeHistory) reasons() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for _, row := range f.rows {
		if row.ended {
			out[row.info.StreamID] = row.reason
		}
	}
	return out
}

type fakeExports struct {
	mu   sync.Mutex
	jobs []queue.TranscriptExportPayload
}

func (f *fakeExports) EnqueueTranscriptExport(_ context.Context, p queue.TranscriptExportPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, p)
	return nil
}

func (f *fakeExports) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type countingFlusher struct {
	mu sync.Mutex
	n  int
}

func (f *countingFlusher) Flush(context.Context) error {
	f.mu.Lock()
	f.n++
	f.mu.Unlock()
	return nil
}

func runTracker(t *testing.T, tr *Tracker) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return stop
}

func info(meetingID, streamID string, startedAt time.Time) rtms.SessionInfo {
	return rtms.SessionInfo{MeetingID: meetingID, StreamID: streamID, ServerURL: "wss://sig", StartedAt: startedAt}
}

func TestTrackerRecordsLifecycleAndExports(t *testing.T) {
	hist := newFakeHistory()
	exports := &fakeExports{}
	flusher := &countingFlusher{}
	tr := NewTracker(hist, exports, flusher, zaptest.NewLogger(t))
	stop := runTracker(t, tr)

	start := time.Now().UTC()
	tr.SessionStarted(info("m1", "s1", start))
	tr.SessionEnded(info("m1", "s1", start), rtms.ErrSessionStopped)
	stop()

	assert.Equal(t, map[string]string{"s1": models.EndReasonStopped}, hist.reasons())
	require.Equal(t, 1, exports.count())
	assert.Equal(t, "m1", exports.jobs[0].MeetingID)
	assert.Equal(t, start, exports.jobs[0].StartedAt)
	assert.Equal(t, 1, flusher.n)
}

func TestTrackerReplacedSessionSkipsExport(t *testing.T) {
	hist := newFakeHistory()
	exports := &fakeExports{}
	tr := NewTracker(hist, exports, nil, zaptest.NewLogger(t))
	stop := runTracker(t, tr)

	first := time.Now().UTC()
	second := first.Add(time.Second)
	tr.SessionStarted(info("m1", "s1", first))
	tr.SessionEnded(info("m1", "s1", first), rtms.ErrSessionReplaced)
	tr.SessionStarted(info("m1", "s2", second))
	tr.SessionEnded(info("m1", "s2", second), &rtms.HandshakeError{Stage: "media", StatusCode: 3})
	stop()

	reasons := hist.reasons()
	assert.Equal(t, models.EndReasonReplaced, reasons["s1"])
	assert.Contains(t, reasons["s2"], "media handshake rejected")
	assert.Equal(t, 1, exports.count())
}

func TestTrackerWithoutHistory(t *testing.T) {
	exports := &fakeExports{}
	tr := NewTracker(nil, exports, nil, zaptest.NewLogger(t))
	stop := runTracker(t, tr)

	tr.SessionStarted(info("m1", "s1", time.Now()))
	tr.SessionEnded(info("m1", "s1", time.Now()), nil)
	stop()
	assert.Equal(t, 1, exports.count())
}

func TestEndReason(t *testing.T) {
	assert.Equal(t, models.EndReasonStopped, EndReason(nil))
	assert.Equal(t, models.EndReasonStopped, EndReason(rtms.ErrSessionStopped))
	assert.Equal(t, models.EndReasonReplaced, EndReason(rtms.ErrSessionReplaced))
	assert.Equal(t, rtms.ErrHandshakeTimeout.Error(), EndReason(rtms.ErrHandshakeTimeout))
}
