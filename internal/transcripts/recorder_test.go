package transcripts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-webinar/rtms-relay/internal/models"
	"github.com/aura-webinar/rtms-relay/internal/rtms"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]models.TranscriptSegment
	fail    error
}

func (w *fakeWriter) InsertBatch(_ context.Context, segs []models.TranscriptSegment) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.batches = append(w.batches, append([]models.TranscriptSegment(nil), segs...))
	return nil
}

func (w *fakeWriter) segments() []models.TranscriptSegment {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []models.TranscriptSegment
	for _, b := range w.batches {
		out = append(out, b...)
	}
	return out
}

func (w *fakeWriter) batchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches)
}

func event(meeting, text string) rtms.TranscriptEvent {
	return rtms.TranscriptEvent{MeetingID: meeting, Speaker: "Alice", Text: text, Timestamp: time.Now().UTC()}
}

func startRecorder(t *testing.T, w SegmentWriter, cfg RecorderConfig) (*Recorder, func()) {
	t.Helper()
	r := NewRecorder(w, cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return r, stop
}

func TestRecorderFlushWritesInOrder(t *testing.T) {
	w := &fakeWriter{}
	r, _ := startRecorder(t, w, RecorderConfig{BatchSize: 100, FlushInterval: time.Hour})

	for _, text := range []string{"one", "two", "three"} {
		r.Record(event("m1", text))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Flush(ctx))

	segs := w.segments()
	require.Len(t, segs, 3)
	assert.Equal(t, "one", segs[0].Text)
	assert.Equal(t, "three", segs[2].Text)
	assert.Equal(t, "m1", segs[0].MeetingID)
	assert.Equal(t, "Alice", segs[0].Speaker)
}

func TestRecorderBatchesBySize(t *testing.T) {
	w := &fakeWriter{}
	r, _ := startRecorder(t, w, RecorderConfig{BatchSize: 2, FlushInterval: time.Hour})

	for i := 0; i < 4; i++ {
		r.Record(event("m1", "line"))
	}
	assert.Eventually(t, func() bool { return len(w.segments()) == 4 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, w.batchCount())
}

func TestRecorderFlushesOnInterval(t *testing.T) {
	w := &fakeWriter{}
	r, _ := startRecorder(t, w, RecorderConfig{BatchSize: 100, FlushInterval: 20 * time.Millisecond})

	r.Record(event("m1", "tick"))
	assert.Eventually(t, func() bool { return len(w.segments()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestRecorderWritesRemainderOnStop(t *testing.T) {
	w := &fakeWriter{}
	r, stop := startRecorder(t, w, RecorderConfig{BatchSize: 100, FlushInterval: time.Hour})

	r.Record(event("m1", "last words"))
	stop()
	require.Len(t, w.segments(), 1)
	assert.Equal(t, "last words", w.segments()[0].Text)
}

func TestRecorderDropsWhenBufferFull(t *testing.T) {
	w := &fakeWriter{}
	// Run is not started, so nothing drains the buffer.
	r := NewRecorder(w, RecorderConfig{BufferSize: 2}, zap.NewNop())

	for i := 0; i < 5; i++ {
		r.Record(event("m1", "x"))
	}
	assert.Equal(t, int64(3), r.Dropped())
}

func TestRecorderFlushHonoursContext(t *testing.T) {
	r := NewRecorder(&fakeWriter{}, RecorderConfig{}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Flush(ctx), context.DeadlineExceeded)
}

func TestRecorderSurvivesWriteFailure(t *testing.T) {
	w := &fakeWriter{fail: errors.New("db down")}
	r, _ := startRecorder(t, w, RecorderConfig{BatchSize: 100, FlushInterval: time.Hour})

	r.Record(event("m1", "lost"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Flush(ctx))

	w.mu.Lock()
	w.fail = nil
	w.mu.Unlock()

	r.Record(event("m1", "kept"))
	require.NoError(t, r.Flush(ctx))
	segs := w.segments()
	require.Len(t, segs, 1)
	assert.Equal(t, "kept", segs[0].Text)
}
