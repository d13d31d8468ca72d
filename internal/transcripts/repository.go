package transcripts

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/rtms-relay/internal/models"
)

// Repository handles transcript_segments persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a transcript segments repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertBatch writes segments with COPY.
func (r *Repository) InsertBatch(ctx context.Context, segs []models.TranscriptSegment) error {
	if len(segs) == 0 {
		return nil
	}
	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"transcript_segments"},
		[]string{"meeting_id", "speaker", "text", "spoken_at"},
		pgx.CopyFromSlice(len(segs), func(i int) ([]any, error) {
			s := segs[i]
			return []any{s.MeetingID, s.Speaker, s.Text, s.SpokenAt}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy transcript segments: %w", err)
	}
	return nil
}

// ListByMeeting returns a meeting's segments in spoken order. limit <= 0 returns all.
func (r *Repository) ListByMeeting(ctx context.Context, meetingID string, limit int) ([]models.TranscriptSegment, error) {
	q := `SELECT id, meeting_id, speaker, text, spoken_at FROM transcript_segments
		WHERE meeting_id = $1 ORDER BY spoken_at, id`
	args := []any{meetingID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	return r.query(ctx, q, args...)
}

// ListByMeetingBetween returns a meeting's segments spoken within [from, to]
// in spoken order.
func (r *Repository) ListByMeetingBetween(ctx context.Context, meetingID string, from, to time.Time) ([]models.TranscriptSegment, error) {
	return r.query(ctx, `SELECT id, meeting_id, speaker, text, spoken_at FROM transcript_segments
		WHERE meeting_id = $1 AND spoken_at >= $2 AND spoken_at <= $3 ORDER BY spoken_at, id`,
		meetingID, from, to)
}

func (r *Repository) query(ctx context.Context, q string, args ...any) ([]models.TranscriptSegment, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.TranscriptSegment
	for rows.Next() {
		var s models.TranscriptSegment
		if err := rows.Scan(&s.ID, &s.MeetingID, &s.Speaker, &s.Text, &s.SpokenAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}
