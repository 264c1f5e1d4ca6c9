package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const queueCols = `id, scheduled_date, scheduled_time, topic, template, status,
	runs_total, runs_completed, result_message, post_id, created_at, started_at, completed_at`

func scanQueueRow(rs interface{ Scan(...any) error }) (QueueRow, error) {
	var (
		r        QueueRow
		topic    sql.NullString
		tmpl     sql.NullString
		resMsg   sql.NullString
		postID   sql.NullInt64
		created  string
		started  sql.NullString
		finished sql.NullString
	)
	err := rs.Scan(&r.ID, &r.ScheduledDate, &r.ScheduledTime, &topic, &tmpl, &r.Status,
		&r.RunsTotal, &r.RunsCompleted, &resMsg, &postID, &created, &started, &finished)
	if err != nil {
		return QueueRow{}, err
	}
	r.Topic = scanStrPtr(topic)
	r.Template = scanStrPtr(tmpl)
	r.ResultMessage = scanStrPtr(resMsg)
	r.PostID = scanInt64Ptr(postID)
	r.CreatedAt = parseTime(created)
	r.StartedAt = scanTimePtr(started)
	r.CompletedAt = scanTimePtr(finished)
	return r, nil
}

// InsertQueueEntry persists a new entry and returns its id.
func (s *Store) InsertQueueEntry(ctx context.Context, r QueueRow) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.RunsTotal <= 0 {
		r.RunsTotal = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_entries(scheduled_date, scheduled_time, topic, template, status,
		   runs_total, runs_completed, result_message, post_id, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.ScheduledDate, r.ScheduledTime, nullStr(r.Topic), nullStr(r.Template), r.Status,
		r.RunsTotal, r.RunsCompleted, nullStr(r.ResultMessage), nullInt64(r.PostID), fmtTime(r.CreatedAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetQueueEntry(ctx context.Context, id int64) (QueueRow, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueCols+` FROM queue_entries WHERE id = ?`, id)
	r, err := scanQueueRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueRow{}, false, nil
	}
	if err != nil {
		return QueueRow{}, false, err
	}
	return r, true, nil
}

// DeleteQueueEntryIfStatus removes the entry only while it still has the given
// status. Returns false when the entry exists but the status no longer matches
// (or the entry is gone).
func (s *Store) DeleteQueueEntryIfStatus(ctx context.Context, id int64, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_entries WHERE id = ? AND status = ?`, id, status)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TransitionQueueEntry flips status from->to atomically, stamping started_at
// on entry into "processing" and completed_at on any terminal target.
// resultMessage and postID are applied when non-nil; runsCompleted when >= 0.
// Returns false when the CAS guard (current status == from) failed.
func (s *Store) TransitionQueueEntry(ctx context.Context, id int64, from, to string, resultMessage *string, postID *int64, runsCompleted int, now time.Time) (bool, error) {
	if now.IsZero() {
		now = time.Now()
	}
	q := `UPDATE queue_entries SET status = ?`
	args := []any{to}
	if to == "processing" {
		q += `, started_at = ?`
		args = append(args, fmtTime(now))
	}
	if to == "completed" || to == "error" || to == "skipped" {
		q += `, completed_at = ?`
		args = append(args, fmtTime(now))
	}
	if resultMessage != nil {
		q += `, result_message = ?`
		args = append(args, *resultMessage)
	}
	if postID != nil {
		q += `, post_id = ?`
		args = append(args, *postID)
	}
	if runsCompleted >= 0 {
		q += `, runs_completed = ?`
		args = append(args, runsCompleted)
	}
	q += ` WHERE id = ? AND status = ?`
	args = append(args, id, from)

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListQueueWindow returns entries with fromDate <= scheduled_date <= toDate,
// ordered by slot then id.
func (s *Store) ListQueueWindow(ctx context.Context, fromDate, toDate string) ([]QueueRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueCols+` FROM queue_entries
		 WHERE scheduled_date >= ? AND scheduled_date <= ?
		 ORDER BY scheduled_date, scheduled_time, id`, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueueRow
	for rows.Next() {
		r, err := scanQueueRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EarliestDuePending returns the earliest pending entry whose slot is at or
// before (date, hhmm).
func (s *Store) EarliestDuePending(ctx context.Context, date, hhmm string) (QueueRow, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueCols+` FROM queue_entries
		 WHERE status = 'pending'
		   AND (scheduled_date < ? OR (scheduled_date = ? AND scheduled_time <= ?))
		 ORDER BY scheduled_date, scheduled_time, id
		 LIMIT 1`, date, date, hhmm)
	r, err := scanQueueRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueRow{}, false, nil
	}
	if err != nil {
		return QueueRow{}, false, err
	}
	return r, true, nil
}

// SlotStatuses returns the (date, time, status) projection for the window.
func (s *Store) SlotStatuses(ctx context.Context, fromDate, toDate string) ([]SlotStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scheduled_date, scheduled_time, status FROM queue_entries
		 WHERE scheduled_date >= ? AND scheduled_date <= ?`, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SlotStatus
	for rows.Next() {
		var ss SlotStatus
		if err := rows.Scan(&ss.Date, &ss.Time, &ss.Status); err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

// CountAtSlot counts entries of any status occupying (date, hhmm).
func (s *Store) CountAtSlot(ctx context.Context, date, hhmm string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries
		 WHERE scheduled_date = ? AND scheduled_time = ?`,
		date, hhmm).Scan(&n)
	return n, err
}

// RecoverStaleProcessing fails every entry stuck in "processing" since before
// the cutoff. Returns the number of entries recovered.
func (s *Store) RecoverStaleProcessing(ctx context.Context, startedBefore time.Time, message string, now time.Time) (int64, error) {
	if now.IsZero() {
		now = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET status = 'error', result_message = ?, completed_at = ?
		 WHERE status = 'processing' AND started_at IS NOT NULL AND started_at < ?`,
		message, fmtTime(now), fmtTime(startedBefore))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountProcessing reports in-flight entries (used to rebuild the lease view after restart).
func (s *Store) CountProcessing(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE status = 'processing'`).Scan(&n)
	return n, err
}
