package sweep

import (
	"context"
	"fmt"
	"strings"
	"time"

	"instapilot/internal/instagram"
	"instapilot/internal/post"
	"instapilot/internal/runner"
	"instapilot/pkg/apperr"
	"instapilot/pkg/logx"
)

// RetryResult reports how a manual retry resolved.
type RetryResult struct {
	// Status is "reconciled" when the earlier attempt turned out to have
	// gone live, "published" when a fresh publish succeeded.
	Status    string `json:"status"`
	PostID    int64  `json:"post_id"`
	MediaID   string `json:"media_id,omitempty"`
	Recovered bool   `json:"recovered,omitempty"`
}

// RetryPublish re-attempts one generated or publish_error post. It
// reconciles first: when the failed attempt actually reached the platform,
// the record is repaired without publishing a duplicate. The run lease is
// taken for the duration, so retries never race the scheduled runner.
func (s *Service) RetryPublish(ctx context.Context, postID int64) (RetryResult, error) {
	p, ok, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return RetryResult{}, err
	}
	if !ok {
		return RetryResult{}, apperr.NotFoundError(fmt.Sprintf("post %d not found", postID))
	}
	if !post.Status(p.Status).Retryable() {
		return RetryResult{}, apperr.ConflictError(
			fmt.Sprintf("post %d is %s, only generated and publish_error posts can be retried", postID, p.Status))
	}
	if !s.ig.Configured() {
		return RetryResult{}, instagram.ErrNotConfigured
	}

	token, ok := s.lease.Acquire("retry", time.Now())
	if !ok {
		return RetryResult{}, runner.ErrBusy
	}
	defer s.lease.Release(token)

	if strings.TrimSpace(p.Caption) != "" {
		m, err := s.reconcileOne(ctx, p)
		if err != nil {
			s.log.Warn("pre-retry reconcile failed", logx.Int64("post", postID), logx.Err(err))
		} else if m != nil {
			return RetryResult{Status: "reconciled", PostID: p.ID, MediaID: m.ID}, nil
		}
	}

	if len(p.ImageURLs) == 0 {
		return RetryResult{}, apperr.ConflictError(fmt.Sprintf("post %d has no stored images to publish", postID))
	}

	res, err := s.ig.PublishCarousel(ctx, instagram.CarouselRequest{Caption: p.Caption, ImageURLs: p.ImageURLs})
	if err != nil {
		cls := instagram.ClassifyErrorText(err.Error())
		if _, mErr := s.store.MarkPostPublishError(ctx, p.ID, cls.Tag, cls.Code, cls.Subcode, err.Error(), time.Now()); mErr != nil {
			s.log.Error("recording retry error failed", logx.Int64("post", p.ID), logx.Err(mErr))
		}
		s.emit("post.retry_failed", PostEvent{PostID: p.ID, Detail: cls.Summary})
		return RetryResult{}, fmt.Errorf("retry publish: %w", err)
	}

	if _, err := s.store.MarkPostPublished(ctx, p.ID, p.Status, res.MediaID, time.Now()); err != nil {
		s.log.Error("marking retried post published failed",
			logx.Int64("post", p.ID), logx.String("media_id", res.MediaID), logx.Err(err))
	}
	s.log.Info("retry published",
		logx.Int64("post", p.ID),
		logx.String("media_id", res.MediaID),
		logx.Bool("recovered", res.Recovered))
	s.emit("post.published", PostEvent{PostID: p.ID, MediaID: res.MediaID, Detail: "manual retry"})
	return RetryResult{Status: "published", PostID: p.ID, MediaID: res.MediaID, Recovered: res.Recovered}, nil
}
