package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/rtms-relay/internal/models"
	"github.com/aura-webinar/rtms-relay/pkg/queue"
	"github.com/aura-webinar/rtms-relay/pkg/storage"
)

// SegmentReader loads the archived transcript of one session of a meeting.
type SegmentReader interface {
	ListByMeetingBetween(ctx context.Context, meetingID string, from, to time.Time) ([]models.TranscriptSegment, error)
}

// Uploader stores a rendered export and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
}

// JobSource is the export job queue.
type JobSource interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// ExportProcessor processes transcript export jobs: load segments from the
// archive, render plain text, upload to S3.
type ExportProcessor struct {
	segments     SegmentReader
	uploader     Uploader
	jobs         JobSource
	logger       *zap.Logger
	retryBackoff time.Duration
}

// NewExportProcessor creates a transcript export processor.
func NewExportProcessor(segments SegmentReader, uploader Uploader, jobs JobSource, logger *zap.Logger) *ExportProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportProcessor{
		segments:     segments,
		uploader:     uploader,
		jobs:         jobs,
		logger:       logger,
		retryBackoff: queue.RetryBackoff,
	}
}

// RenderTranscript formats segments one per line as "[15:04:05] Speaker: text".
func RenderTranscript(segs []models.TranscriptSegment) []byte {
	var buf bytes.Buffer
	for _, s := range segs {
		fmt.Fprintf(&buf, "[%s] %s: %s\n", s.SpokenAt.UTC().Format("15:04:05"), s.Speaker, s.Text)
	}
	return buf.Bytes()
}

// Process executes one export job. A meeting with no archived segments is
// not uploaded.
func (p *ExportProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeTranscriptExport {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.TranscriptExportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	// A restarted meeting exports only what was spoken during this session.
	endedAt := payload.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	segs, err := p.segments.ListByMeetingBetween(ctx, payload.MeetingID, payload.StartedAt, endedAt)
	if err != nil {
		return fmt.Errorf("load segments: %w", err)
	}
	if len(segs) == 0 {
		p.logger.Info("no transcript to export", zap.String("meeting_id", payload.MeetingID))
		return nil
	}

	body := RenderTranscript(segs)
	key := storage.TranscriptKey(payload.MeetingID, endedAt)
	url, err := p.uploader.Upload(ctx, key, "text/plain; charset=utf-8", bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	p.logger.Info("transcript export completed",
		zap.String("meeting_id", payload.MeetingID),
		zap.Int("segments", len(segs)),
		zap.String("s3_key", key),
		zap.String("url", url))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ExportProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("export worker stopping")
			return
		default:
		}

		job, err := p.jobs.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.jobs.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ExportProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.retryBackoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
