package sessions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/rtms-relay/internal/models"
	"github.com/aura-webinar/rtms-relay/internal/rtms"
)

// Repository handles rtms_sessions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session history repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Start inserts an open history row for a session and returns its id.
func (r *Repository) Start(ctx context.Context, info rtms.SessionInfo) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx,
		`INSERT INTO rtms_sessions (meeting_id, stream_id, server_url, started_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		info.MeetingID, info.StreamID, info.ServerURL, info.StartedAt).Scan(&id)
	return id, err
}

// End closes a history row.
func (r *Repository) End(ctx context.Context, id uuid.UUID, endedAt time.Time, reason string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE rtms_sessions SET ended_at = $2, end_reason = $3 WHERE id = $1 AND ended_at IS NULL`,
		id, endedAt, reason)
	return err
}

// Recent returns the newest history rows.
func (r *Repository) Recent(ctx context.Context, limit int) ([]models.RTMSSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, meeting_id, stream_id, server_url, started_at, ended_at, end_reason, created_at
		 FROM rtms_sessions ORDER BY started_at DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.RTMSSession
	for rows.Next() {
		var s models.RTMSSession
		if err := rows.Scan(&s.ID, &s.MeetingID, &s.StreamID, &s.ServerURL, &s.StartedAt, &s.EndedAt, &s.EndReason, &s.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}
