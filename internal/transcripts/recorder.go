package transcripts

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/rtms-relay/internal/models"
	"github.com/aura-webinar/rtms-relay/internal/rtms"
)

// SegmentWriter persists a batch of segments.
type SegmentWriter interface {
	InsertBatch(ctx context.Context, segs []models.TranscriptSegment) error
}

// RecorderConfig tunes buffering and batching.
type RecorderConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func (c RecorderConfig) withDefaults() RecorderConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	return c
}

const writeTimeout = 10 * time.Second

// Recorder archives transcript events. Record never blocks the caller (a
// media read loop); events that do not fit the buffer are dropped and counted.
type Recorder struct {
	w        SegmentWriter
	cfg      RecorderConfig
	in       chan models.TranscriptSegment
	flushReq chan chan struct{}
	dropped  atomic.Int64
	logger   *zap.Logger
}

// NewRecorder creates a recorder. Run must be started for anything to be written.
func NewRecorder(w SegmentWriter, cfg RecorderConfig, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Recorder{
		w:        w,
		cfg:      cfg,
		in:       make(chan models.TranscriptSegment, cfg.BufferSize),
		flushReq: make(chan chan struct{}),
		logger:   logger.With(zap.String("component", "transcript_recorder")),
	}
}

// Record queues ev for archiving. Its signature matches rtms.TranscriptHandler.
func (r *Recorder) Record(ev rtms.TranscriptEvent) {
	seg := models.TranscriptSegment{
		MeetingID: ev.MeetingID,
		Speaker:   ev.Speaker,
		Text:      ev.Text,
		SpokenAt:  ev.Timestamp,
	}
	select {
	case r.in <- seg:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("archive buffer full, segment dropped", zap.Int64("dropped_total", n))
		}
	}
}

// Dropped returns the number of events dropped because the buffer was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Flush waits until everything recorded before the call has been written or
// ctx is done.
func (r *Recorder) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case r.flushReq <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run writes batches until ctx is cancelled, then writes what is left.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	batch := make([]models.TranscriptSegment, 0, r.cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			batch = r.drain(batch)
			r.write(batch)
			r.logger.Info("transcript recorder stopped")
			return
		case seg := <-r.in:
			batch = append(batch, seg)
			if len(batch) >= r.cfg.BatchSize {
				batch = r.write(batch)
			}
		case <-ticker.C:
			batch = r.write(batch)
		case done := <-r.flushReq:
			batch = r.drain(batch)
			batch = r.write(batch)
			close(done)
		}
	}
}

// drain moves everything currently buffered into batch.
func (r *Recorder) drain(batch []models.TranscriptSegment) []models.TranscriptSegment {
	for {
		select {
		case seg := <-r.in:
			batch = append(batch, seg)
		default:
			return batch
		}
	}
}

// write persists batch and returns it emptied. A failed batch is logged and dropped.
func (r *Recorder) write(batch []models.TranscriptSegment) []models.TranscriptSegment {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.w.InsertBatch(ctx, batch); err != nil {
		r.logger.Error("archive write failed", zap.Int("segments", len(batch)), zap.Error(err))
	}
	return batch[:0]
}
