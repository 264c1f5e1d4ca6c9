package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

const postCols = `id, topic, caption, image_urls, status, publish_attempts,
	last_error_tag, last_error_code, last_error_subcode, last_error_message,
	ig_media_id, published_at, likes, comments, reach, saved, shares, engagement_rate,
	metrics_collected_at, ig_last_checked_at, created_at, updated_at`

func scanPostRow(rs interface{ Scan(...any) error }) (PostRow, error) {
	var (
		r       PostRow
		topic   sql.NullString
		urls    string
		tag     sql.NullString
		code    sql.NullInt64
		subcode sql.NullInt64
		errMsg  sql.NullString
		mediaID sql.NullString
		pubAt   sql.NullString
		likes   sql.NullInt64
		cmts    sql.NullInt64
		reach   sql.NullInt64
		saved   sql.NullInt64
		shares  sql.NullInt64
		engRate sql.NullFloat64
		metAt   sql.NullString
		chkAt   sql.NullString
		created string
		updated string
	)
	err := rs.Scan(&r.ID, &topic, &r.Caption, &urls, &r.Status, &r.PublishAttempts,
		&tag, &code, &subcode, &errMsg,
		&mediaID, &pubAt, &likes, &cmts, &reach, &saved, &shares, &engRate,
		&metAt, &chkAt, &created, &updated)
	if err != nil {
		return PostRow{}, err
	}
	r.Topic = scanStrPtr(topic)
	if urls != "" {
		if err := json.Unmarshal([]byte(urls), &r.ImageURLs); err != nil {
			return PostRow{}, err
		}
	}
	r.LastErrorTag = scanStrPtr(tag)
	r.LastErrorCode = scanIntPtr(code)
	r.LastErrorSubcode = scanIntPtr(subcode)
	r.LastErrorMessage = scanStrPtr(errMsg)
	r.IGMediaID = scanStrPtr(mediaID)
	r.PublishedAt = scanTimePtr(pubAt)
	r.Likes = scanIntPtr(likes)
	r.Comments = scanIntPtr(cmts)
	r.Reach = scanIntPtr(reach)
	r.Saved = scanIntPtr(saved)
	r.Shares = scanIntPtr(shares)
	r.EngagementRate = scanFloatPtr(engRate)
	r.MetricsAt = scanTimePtr(metAt)
	r.IGLastCheckedAt = scanTimePtr(chkAt)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return r, nil
}

// InsertPost persists a new post and returns its id.
func (s *Store) InsertPost(ctx context.Context, r PostRow) (int64, error) {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	urls := r.ImageURLs
	if urls == nil {
		urls = []string{}
	}
	blob, err := json.Marshal(urls)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO posts(topic, caption, image_urls, status, publish_attempts,
		   last_error_tag, last_error_code, last_error_subcode, last_error_message,
		   ig_media_id, published_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		nullStr(r.Topic), r.Caption, string(blob), r.Status, r.PublishAttempts,
		nullStr(r.LastErrorTag), nullIntAsInt64(r.LastErrorCode), nullIntAsInt64(r.LastErrorSubcode), nullStr(r.LastErrorMessage),
		nullStr(r.IGMediaID), nullTime(r.PublishedAt), fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetPost(ctx context.Context, id int64) (PostRow, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postCols+` FROM posts WHERE id = ?`, id)
	r, err := scanPostRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PostRow{}, false, nil
	}
	if err != nil {
		return PostRow{}, false, err
	}
	return r, true, nil
}

func (s *Store) GetPostByMediaID(ctx context.Context, mediaID string) (PostRow, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postCols+` FROM posts WHERE ig_media_id = ?`, mediaID)
	r, err := scanPostRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PostRow{}, false, nil
	}
	if err != nil {
		return PostRow{}, false, err
	}
	return r, true, nil
}

// UpdatePostStatusCAS flips status from->to and nothing else.
func (s *Store) UpdatePostStatusCAS(ctx context.Context, id int64, from, to string, now time.Time) (bool, error) {
	if now.IsZero() {
		now = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, fmtTime(now), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetPostContent replaces caption and image URLs, typically right after generation.
func (s *Store) SetPostContent(ctx context.Context, id int64, caption string, imageURLs []string, now time.Time) error {
	if now.IsZero() {
		now = time.Now()
	}
	if imageURLs == nil {
		imageURLs = []string{}
	}
	blob, err := json.Marshal(imageURLs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE posts SET caption = ?, image_urls = ?, updated_at = ? WHERE id = ?`,
		caption, string(blob), fmtTime(now), id)
	return err
}

// MarkPostPublished records a successful publication: media id, published_at,
// cleared error fields. Guarded by the current status.
func (s *Store) MarkPostPublished(ctx context.Context, id int64, from, mediaID string, publishedAt time.Time) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = 'published_active', ig_media_id = ?, published_at = ?,
		   last_error_tag = NULL, last_error_code = NULL, last_error_subcode = NULL, last_error_message = NULL,
		   updated_at = ?
		 WHERE id = ? AND status = ?`,
		mediaID, fmtTime(publishedAt), fmtTime(now), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkPostPublishError records a failed publication attempt. Attempts are
// incremented in place so concurrent writers never lose a count. The status
// guard keeps the update off posts that already reached a published state:
// a sweep can confirm the media live while the failing publisher is still
// unwinding, and that confirmation must win. Returns false when the guard
// rejected the update.
func (s *Store) MarkPostPublishError(ctx context.Context, id int64, tag string, code, subcode *int, message string, now time.Time) (bool, error) {
	if now.IsZero() {
		now = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = 'publish_error', publish_attempts = publish_attempts + 1,
		   last_error_tag = ?, last_error_code = ?, last_error_subcode = ?, last_error_message = ?,
		   updated_at = ?
		 WHERE id = ? AND status IN ('draft','generated','publish_error')`,
		tag, nullIntAsInt64(code), nullIntAsInt64(subcode), message, fmtTime(now), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkPostDeleted flips an active post to published_deleted.
func (s *Store) MarkPostDeleted(ctx context.Context, id int64, now time.Time) (bool, error) {
	if now.IsZero() {
		now = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = 'published_deleted', updated_at = ?
		 WHERE id = ? AND status = 'published_active'`,
		fmtTime(now), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdatePostMetrics stores a fresh metrics snapshot and stamps both
// metrics_collected_at and ig_last_checked_at.
func (s *Store) UpdatePostMetrics(ctx context.Context, id int64, m MetricsUpdate, now time.Time) error {
	if now.IsZero() {
		now = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE posts SET likes = ?, comments = ?, reach = ?, saved = ?, shares = ?,
		   engagement_rate = ?, metrics_collected_at = ?, ig_last_checked_at = ?, updated_at = ?
		 WHERE id = ?`,
		m.Likes, m.Comments, m.Reach, m.Saved, m.Shares,
		m.EngagementRate, fmtTime(now), fmtTime(now), fmtTime(now), id)
	return err
}

// TouchPostChecked stamps ig_last_checked_at without touching metrics,
// used when existence was verified but no insights were fetched.
func (s *Store) TouchPostChecked(ctx context.Context, id int64, now time.Time) error {
	if now.IsZero() {
		now = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE posts SET ig_last_checked_at = ?, updated_at = ? WHERE id = ?`,
		fmtTime(now), fmtTime(now), id)
	return err
}

// ListPostsByStatus returns up to limit posts with the given status, oldest first.
func (s *Store) ListPostsByStatus(ctx context.Context, status string, limit int) ([]PostRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postCols+` FROM posts WHERE status = ? ORDER BY id LIMIT ?`,
		status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

// ListPostsMissingMedia returns posts in the given status without a media id,
// newest first. Used for reconcile-before-retry.
func (s *Store) ListPostsMissingMedia(ctx context.Context, status string, createdAfter time.Time, limit int) ([]PostRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postCols+` FROM posts
		 WHERE status = ? AND (ig_media_id IS NULL OR ig_media_id = '') AND created_at >= ?
		 ORDER BY id DESC LIMIT ?`,
		status, fmtTime(createdAfter), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

// ListActiveForMetrics returns published_active posts ordered so the ones
// checked longest ago (or never) come first.
func (s *Store) ListActiveForMetrics(ctx context.Context, limit int) ([]PostRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postCols+` FROM posts
		 WHERE status = 'published_active' AND ig_media_id IS NOT NULL AND ig_media_id != ''
		 ORDER BY ig_last_checked_at IS NOT NULL, ig_last_checked_at, id
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

// ListRecentPosts returns the newest posts regardless of status.
func (s *Store) ListRecentPosts(ctx context.Context, limit int) ([]PostRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postCols+` FROM posts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

// RecentPublishTimes returns published_at stamps since the cutoff for posts
// that still count against the rolling quota.
func (s *Store) RecentPublishTimes(ctx context.Context, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT published_at FROM posts
		 WHERE published_at IS NOT NULL AND published_at >= ?
		   AND status IN ('published_active','published_deleted')
		 ORDER BY published_at`, fmtTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, parseTime(ts))
	}
	return out, rows.Err()
}

func collectPosts(rows *sql.Rows) ([]PostRow, error) {
	var out []PostRow
	for rows.Next() {
		r, err := scanPostRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullIntAsInt64(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}
