package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetScheduleConfig returns the stored schedule payload, if any.
func (s *Store) GetScheduleConfig(ctx context.Context) ([]byte, time.Time, bool, error) {
	var (
		payload   string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, updated_at FROM schedule_config WHERE id = 1`).Scan(&payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, err
	}
	return []byte(payload), parseTime(updatedAt), true, nil
}

// PutScheduleConfig upserts the single schedule payload row.
func (s *Store) PutScheduleConfig(ctx context.Context, payload []byte, updatedAt time.Time) error {
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_config(id, payload, updated_at) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		string(payload), fmtTime(updatedAt))
	return err
}
