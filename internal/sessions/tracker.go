package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/rtms-relay/internal/models"
	"github.com/aura-webinar/rtms-relay/internal/rtms"
	"github.com/aura-webinar/rtms-relay/pkg/queue"
)

// HistoryStore records session lifecycles.
type HistoryStore interface {
	Start(ctx context.Context, info rtms.SessionInfo) (uuid.UUID, error)
	End(ctx context.Context, id uuid.UUID, endedAt time.Time, reason string) error
}

// ExportEnqueuer schedules a transcript export.
type ExportEnqueuer interface {
	EnqueueTranscriptExport(ctx context.Context, payload queue.TranscriptExportPayload) error
}

// Flusher makes archived transcripts durable.
type Flusher interface {
	Flush(ctx context.Context) error
}

const (
	trackerQueueSize = 256
	trackerOpTimeout = 10 * time.Second
)

type sessionKey struct {
	meetingID string
	startedAt time.Time
}

// Tracker turns registry lifecycle notifications into history rows and
// export jobs. Notifications are handled in order on the Run goroutine so the
// registry never waits on the database.
type Tracker struct {
	history HistoryStore
	exports ExportEnqueuer
	flusher Flusher
	logger  *zap.Logger
	now     func() time.Time

	ops chan func(context.Context)

	mu   sync.Mutex
	rows map[sessionKey]uuid.UUID
}

// NewTracker creates a tracker. Any collaborator may be nil.
func NewTracker(history HistoryStore, exports ExportEnqueuer, flusher Flusher, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		history: history,
		exports: exports,
		flusher: flusher,
		logger:  logger.With(zap.String("component", "session_tracker")),
		now:     func() time.Time { return time.Now().UTC() },
		ops:     make(chan func(context.Context), trackerQueueSize),
		rows:    make(map[sessionKey]uuid.UUID),
	}
}

// Attach registers the tracker's observers on reg.
func (t *Tracker) Attach(reg *rtms.Registry) {
	reg.OnSessionStarted(t.SessionStarted)
	reg.OnSessionEnded(t.SessionEnded)
}

// SessionStarted queues the insert of a history row.
func (t *Tracker) SessionStarted(info rtms.SessionInfo) {
	if t.history == nil {
		return
	}
	t.enqueue(info.MeetingID, func(ctx context.Context) {
		id, err := t.history.Start(ctx, info)
		if err != nil {
			t.logger.Error("record session start failed", zap.String("meeting_id", info.MeetingID), zap.Error(err))
			return
		}
		t.mu.Lock()
		t.rows[sessionKey{info.MeetingID, info.StartedAt}] = id
		t.mu.Unlock()
	})
}

// SessionEnded queues closing the history row and, unless the session was
// replaced, an export of the meeting's transcript.
func (t *Tracker) SessionEnded(info rtms.SessionInfo, err error) {
	endedAt := t.now()
	reason := EndReason(err)
	t.enqueue(info.MeetingID, func(ctx context.Context) {
		t.closeRow(ctx, info, endedAt, reason)
		if errors.Is(err, rtms.ErrSessionReplaced) || t.exports == nil {
			return
		}
		if t.flusher != nil {
			if ferr := t.flusher.Flush(ctx); ferr != nil {
				t.logger.Warn("archive flush before export failed", zap.String("meeting_id", info.MeetingID), zap.Error(ferr))
			}
		}
		payload := queue.TranscriptExportPayload{
			MeetingID: info.MeetingID,
			StreamID:  info.StreamID,
			StartedAt: info.StartedAt,
			EndedAt:   endedAt,
		}
		if qerr := t.exports.EnqueueTranscriptExport(ctx, payload); qerr != nil {
			t.logger.Error("enqueue transcript export failed", zap.String("meeting_id", info.MeetingID), zap.Error(qerr))
		}
	})
}

func (t *Tracker) closeRow(ctx context.Context, info rtms.SessionInfo, endedAt time.Time, reason string) {
	if t.history == nil {
		return
	}
	key := sessionKey{info.MeetingID, info.StartedAt}
	t.mu.Lock()
	id, ok := t.rows[key]
	delete(t.rows, key)
	t.mu.Unlock()
	if !ok {
		return
	}
	if err := t.history.End(ctx, id, endedAt, reason); err != nil {
		t.logger.Error("record session end failed", zap.String("meeting_id", info.MeetingID), zap.Error(err))
	}
}

func (t *Tracker) enqueue(meetingID string, op func(context.Context)) {
	select {
	case t.ops <- op:
	default:
		t.logger.Warn("session tracker queue full, event dropped", zap.String("meeting_id", meetingID))
	}
}

// Run applies queued notifications until ctx is cancelled, then applies
// whatever is still queued.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case op := <-t.ops:
			t.apply(op)
		case <-ctx.Done():
			for {
				select {
				case op := <-t.ops:
					t.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (t *Tracker) apply(op func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), trackerOpTimeout)
	defer cancel()
	op(ctx)
}

// EndReason maps a session end error to the stored reason.
func EndReason(err error) string {
	switch {
	case err == nil, errors.Is(err, rtms.ErrSessionStopped):
		return models.EndReasonStopped
	case errors.Is(err, rtms.ErrSessionReplaced):
		return models.EndReasonReplaced
	default:
		return err.Error()
	}
}
