// Package sweep reconciles local records with the platform. Pending posts
// whose publish outcome was never confirmed are matched against the recent
// feed, active posts get fresh metrics (and flip to published_deleted when
// the media is gone remotely), and optionally unseen remote media are
// imported as local records. Every pass is time-boxed so a slow platform
// degrades the sweep into a partial one instead of wedging the loop.
package sweep

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"instapilot/internal/eventbus"
	"instapilot/internal/instagram"
	"instapilot/internal/post"
	"instapilot/internal/runner"
	"instapilot/internal/store"
	"instapilot/pkg/logx"
)

const (
	maxSweepLimit   = 200
	minSweepElapsed = 5 * time.Second
	maxSweepElapsed = 120 * time.Second

	// retryCandidateLimit widens the feed scan when reconciling a specific
	// record; the default recovery window is tuned for just-published posts.
	retryCandidateLimit = 60

	importFeedLimit = 25
	maxReportErrors = 20
)

// Platform is the remote side of a sweep. *instagram.Client satisfies it.
type Platform interface {
	Configured() bool
	FindRecentMedia(ctx context.Context, hint instagram.MediaHint) (*instagram.RecentMedia, error)
	MediaMetrics(ctx context.Context, mediaID string) (instagram.Metrics, error)
	RecentFeed(ctx context.Context, limit int) ([]instagram.RecentMedia, error)
	PublishCarousel(ctx context.Context, req instagram.CarouselRequest) (instagram.PublishResult, error)
}

// Config bounds a sweep pass.
type Config struct {
	Limit         int           // records per step, default 40
	MaxElapsed    time.Duration // soft time budget, default 35s
	ImportUnseen  bool          // create local rows for unknown remote media
	RetryLookback time.Duration // how far back caption reconciliation looks, default 72h
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = 40
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = 35 * time.Second
	}
	if c.RetryLookback <= 0 {
		c.RetryLookback = 72 * time.Hour
	}
	return c
}

// Report is the outcome of one sweep pass. Partial means the time budget
// ran out (or the context was cancelled) with backlog left; Remaining
// counts the records that were not reached.
type Report struct {
	Checked           int       `json:"checked"`
	Updated           int       `json:"updated"`
	Failed            int       `json:"failed"`
	PendingChecked    int       `json:"pending_checked"`
	PendingReconciled int       `json:"pending_reconciled"`
	ImportCreated     int       `json:"import_created"`
	ImportExisting    int       `json:"import_existing"`
	Partial           bool      `json:"partial"`
	Remaining         int       `json:"remaining"`
	ElapsedSeconds    float64   `json:"elapsed_seconds"`
	Errors            []string  `json:"errors,omitempty"`
	StartedAt         time.Time `json:"started_at"`
}

// PostEvent is the bus payload for per-post sweep outcomes.
type PostEvent struct {
	PostID  int64  `json:"post_id"`
	MediaID string `json:"media_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

type Service struct {
	cfg   Config
	store *store.Store
	ig    Platform
	lease *runner.Lease
	bus   eventbus.Bus
	log   logx.Logger

	mu   sync.Mutex
	last *Report
}

func New(cfg Config, st *store.Store, ig Platform, lease *runner.Lease, bus eventbus.Bus, log logx.Logger) *Service {
	return &Service{
		cfg:   cfg.withDefaults(),
		store: st,
		ig:    ig,
		lease: lease,
		bus:   bus,
		log:   log,
	}
}

// Last returns the most recent sweep report, or nil before the first pass.
func (s *Service) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	cp.Errors = append([]string(nil), s.last.Errors...)
	return &cp
}

// ClampLimit bounds a caller-supplied record limit to [1,200]; zero and
// negatives mean "use the configured default".
func ClampLimit(n int) int {
	if n <= 0 {
		return 0
	}
	if n > maxSweepLimit {
		return maxSweepLimit
	}
	return n
}

// ClampElapsed bounds a caller-supplied time budget to [5s,120s]; zero and
// negatives mean "use the configured default".
func ClampElapsed(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if d < minSweepElapsed {
		return minSweepElapsed
	}
	if d > maxSweepElapsed {
		return maxSweepElapsed
	}
	return d
}

// SyncRemote runs one sweep pass. Zero limit and maxElapsed fall back to
// the configured defaults. The deadline is checked between per-record
// remote calls, so one slow call can overrun the budget slightly.
func (s *Service) SyncRemote(ctx context.Context, limit int, maxElapsed time.Duration) Report {
	start := time.Now()
	if limit <= 0 {
		limit = s.cfg.Limit
	}
	if maxElapsed <= 0 {
		maxElapsed = s.cfg.MaxElapsed
	}
	deadline := start.Add(maxElapsed)

	rep := Report{StartedAt: start}
	if !s.ig.Configured() {
		s.fail(&rep, fmt.Errorf("platform credentials missing"))
		return s.finish(rep, start)
	}

	s.reconcilePending(ctx, &rep, limit, deadline)
	s.refreshActive(ctx, &rep, limit, deadline)
	if s.cfg.ImportUnseen {
		s.importUnseen(ctx, &rep, deadline)
	}
	return s.finish(rep, start)
}

func (s *Service) finish(rep Report, start time.Time) Report {
	rep.ElapsedSeconds = math.Round(time.Since(start).Seconds()*100) / 100

	s.log.Info("sweep finished",
		logx.Int("checked", rep.Checked),
		logx.Int("updated", rep.Updated),
		logx.Int("failed", rep.Failed),
		logx.Int("pending_checked", rep.PendingChecked),
		logx.Int("pending_reconciled", rep.PendingReconciled),
		logx.Int("import_created", rep.ImportCreated),
		logx.Bool("partial", rep.Partial),
		logx.Int("remaining", rep.Remaining),
		logx.Float64("elapsed_seconds", rep.ElapsedSeconds))
	s.emit("sweep.completed", rep)

	s.mu.Lock()
	s.last = &rep
	s.mu.Unlock()
	return rep
}

// reconcilePending re-checks generated and publish_error posts without a
// media id: the publish may have gone through even though the local
// outcome says otherwise.
func (s *Service) reconcilePending(ctx context.Context, rep *Report, limit int, deadline time.Time) {
	cutoff := time.Now().Add(-s.cfg.RetryLookback)
	var pend []store.PostRow
	for _, status := range []string{string(post.StatusPublishError), string(post.StatusGenerated)} {
		rows, err := s.store.ListPostsMissingMedia(ctx, status, cutoff, limit)
		if err != nil {
			s.fail(rep, fmt.Errorf("listing %s posts: %w", status, err))
			return
		}
		pend = append(pend, rows...)
	}

	for i, p := range pend {
		if overBudget(ctx, deadline) {
			rep.Partial = true
			rep.Remaining += len(pend) - i
			return
		}
		rep.PendingChecked++
		m, err := s.reconcileOne(ctx, p)
		if err != nil {
			if instagram.IsAuth(err) {
				s.fail(rep, err)
				rep.Partial = true
				rep.Remaining += len(pend) - i - 1
				return
			}
			s.fail(rep, fmt.Errorf("post %d reconcile: %w", p.ID, err))
			continue
		}
		if m != nil {
			rep.PendingReconciled++
		}
	}
}

// reconcileOne looks for post p on the account by caption and, when found,
// flips it to published_active with the recovered media id.
func (s *Service) reconcileOne(ctx context.Context, p store.PostRow) (*instagram.RecentMedia, error) {
	if strings.TrimSpace(p.Caption) == "" {
		return nil, nil
	}
	m, err := s.ig.FindRecentMedia(ctx, instagram.MediaHint{
		Caption:  p.Caption,
		Lookback: s.cfg.RetryLookback,
		Limit:    retryCandidateLimit,
	})
	if err != nil || m == nil {
		return nil, err
	}

	publishedAt := m.Timestamp
	if publishedAt.IsZero() {
		publishedAt = time.Now()
	}
	ok, err := s.store.MarkPostPublished(ctx, p.ID, p.Status, m.ID, publishedAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		// The record moved underneath us (a concurrent retry); that is fine.
		return nil, nil
	}
	s.log.Info("pending post reconciled",
		logx.Int64("post", p.ID),
		logx.String("media_id", m.ID),
		logx.String("was", p.Status))
	s.emit("post.reconciled", PostEvent{PostID: p.ID, MediaID: m.ID, Detail: "caption match"})
	return m, nil
}

// refreshActive pulls fresh metrics for live posts, oldest check first.
func (s *Service) refreshActive(ctx context.Context, rep *Report, limit int, deadline time.Time) {
	rows, err := s.store.ListActiveForMetrics(ctx, limit)
	if err != nil {
		s.fail(rep, fmt.Errorf("listing active posts: %w", err))
		return
	}

	for i, p := range rows {
		if overBudget(ctx, deadline) {
			rep.Partial = true
			rep.Remaining += len(rows) - i
			return
		}
		rep.Checked++

		m, err := s.ig.MediaMetrics(ctx, *p.IGMediaID)
		if err != nil {
			if instagram.IsNotFound(err) {
				if ok, dErr := s.store.MarkPostDeleted(ctx, p.ID, time.Now()); dErr != nil {
					s.fail(rep, fmt.Errorf("post %d mark deleted: %w", p.ID, dErr))
				} else if ok {
					rep.Updated++
					s.log.Info("post removed remotely", logx.Int64("post", p.ID), logx.String("media_id", *p.IGMediaID))
					s.emit("post.deleted", PostEvent{PostID: p.ID, MediaID: *p.IGMediaID})
				}
				continue
			}
			if instagram.IsAuth(err) {
				s.fail(rep, err)
				rep.Partial = true
				rep.Remaining += len(rows) - i - 1
				return
			}
			s.fail(rep, fmt.Errorf("post %d metrics: %w", p.ID, err))
			continue
		}

		err = s.store.UpdatePostMetrics(ctx, p.ID, store.MetricsUpdate{
			Likes:          m.Likes,
			Comments:       m.Comments,
			Reach:          m.Reach,
			Saved:          m.Saved,
			Shares:         m.Shares,
			EngagementRate: m.Engagement,
		}, time.Now())
		if err != nil {
			s.fail(rep, fmt.Errorf("post %d store metrics: %w", p.ID, err))
			continue
		}
		rep.Updated++
	}
}

// importUnseen creates minimal local records for remote feed media that
// have no local row, so externally published posts show up in metrics.
func (s *Service) importUnseen(ctx context.Context, rep *Report, deadline time.Time) {
	if overBudget(ctx, deadline) {
		rep.Partial = true
		return
	}
	items, err := s.ig.RecentFeed(ctx, importFeedLimit)
	if err != nil {
		s.fail(rep, fmt.Errorf("listing remote feed: %w", err))
		return
	}

	for _, m := range items {
		if m.ProductType != "" && !strings.EqualFold(m.ProductType, "FEED") {
			continue
		}
		_, known, err := s.store.GetPostByMediaID(ctx, m.ID)
		if err != nil {
			s.fail(rep, fmt.Errorf("media %s lookup: %w", m.ID, err))
			continue
		}
		if known {
			rep.ImportExisting++
			continue
		}

		row := store.PostRow{
			Caption:   m.Caption,
			ImageURLs: []string{},
			Status:    string(post.StatusPublishedActive),
			IGMediaID: &m.ID,
		}
		if !m.Timestamp.IsZero() {
			ts := m.Timestamp
			row.PublishedAt = &ts
		}
		id, err := s.store.InsertPost(ctx, row)
		if err != nil {
			s.fail(rep, fmt.Errorf("media %s import: %w", m.ID, err))
			continue
		}
		rep.ImportCreated++
		s.log.Info("imported remote post", logx.Int64("post", id), logx.String("media_id", m.ID))
		s.emit("post.imported", PostEvent{PostID: id, MediaID: m.ID})
	}
}

func (s *Service) fail(rep *Report, err error) {
	rep.Failed++
	if len(rep.Errors) < maxReportErrors {
		rep.Errors = append(rep.Errors, err.Error())
	}
	s.log.Warn("sweep step failed", logx.Err(err))
}

func (s *Service) emit(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func overBudget(ctx context.Context, deadline time.Time) bool {
	return ctx.Err() != nil || !time.Now().Before(deadline)
}
