package httpapi

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2"

	"instapilot/internal/post"
	"instapilot/internal/store"
)

const (
	defaultPostsLimit = 50
	maxPostsLimit     = 200
)

// PostItem is the wire view of one post. Relative ages ride alongside
// the raw timestamps so the dashboard can show "2 hours ago" without
// re-deriving it client side.
type PostItem struct {
	ID               int64      `json:"id"`
	Topic            *string    `json:"topic,omitempty"`
	Caption          string     `json:"caption"`
	ImageURLs        []string   `json:"image_urls"`
	Status           string     `json:"status"`
	PublishAttempts  int        `json:"publish_attempts"`
	LastErrorTag     *string    `json:"last_error_tag,omitempty"`
	LastErrorCode    *int       `json:"last_error_code,omitempty"`
	LastErrorSubcode *int       `json:"last_error_subcode,omitempty"`
	LastErrorMessage *string    `json:"last_error_message,omitempty"`
	IGMediaID        *string    `json:"ig_media_id,omitempty"`
	PublishedAt      *time.Time `json:"published_at,omitempty"`
	PublishedAgo     string     `json:"published_ago,omitempty"`
	Likes            *int       `json:"likes,omitempty"`
	Comments         *int       `json:"comments,omitempty"`
	Reach            *int       `json:"reach,omitempty"`
	Saved            *int       `json:"saved,omitempty"`
	Shares           *int       `json:"shares,omitempty"`
	EngagementRate   *float64   `json:"engagement_rate,omitempty"`
	MetricsAt        *time.Time `json:"metrics_at,omitempty"`
	MetricsAgo       string     `json:"metrics_ago,omitempty"`
	CheckedAt        *time.Time `json:"checked_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func postItem(r store.PostRow) PostItem {
	it := PostItem{
		ID:               r.ID,
		Topic:            r.Topic,
		Caption:          r.Caption,
		ImageURLs:        r.ImageURLs,
		Status:           r.Status,
		PublishAttempts:  r.PublishAttempts,
		LastErrorTag:     r.LastErrorTag,
		LastErrorCode:    r.LastErrorCode,
		LastErrorSubcode: r.LastErrorSubcode,
		LastErrorMessage: r.LastErrorMessage,
		IGMediaID:        r.IGMediaID,
		PublishedAt:      r.PublishedAt,
		Likes:            r.Likes,
		Comments:         r.Comments,
		Reach:            r.Reach,
		Saved:            r.Saved,
		Shares:           r.Shares,
		EngagementRate:   r.EngagementRate,
		MetricsAt:        r.MetricsAt,
		CheckedAt:        r.IGLastCheckedAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.PublishedAt != nil {
		it.PublishedAgo = humanize.Time(*r.PublishedAt)
	}
	if r.MetricsAt != nil {
		it.MetricsAgo = humanize.Time(*r.MetricsAt)
	}
	return it
}

// handlePosts lists recent posts, optionally narrowed to one status.
// The status filter is validated against the closed set so typos come
// back as a 422 instead of a silently empty list.
func (s *Server) handlePosts(c *fiber.Ctx) error {
	status := strings.TrimSpace(c.Query("status"))
	limit := c.QueryInt("limit", defaultPostsLimit)
	if limit <= 0 {
		limit = defaultPostsLimit
	}
	if limit > maxPostsLimit {
		limit = maxPostsLimit
	}

	var (
		rows []store.PostRow
		err  error
	)
	if status != "" {
		if _, perr := post.ParseStatus(status); perr != nil {
			return perr
		}
		rows, err = s.store.ListPostsByStatus(c.UserContext(), status, limit)
	} else {
		rows, err = s.store.ListRecentPosts(c.UserContext(), limit)
	}
	if err != nil {
		return err
	}

	items := make([]PostItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, postItem(r))
	}
	return c.JSON(fiber.Map{"posts": items, "count": len(items)})
}

func (s *Server) handleRetry(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid post id")
	}
	res, rerr := s.sched.Retry(c.UserContext(), int64(id))
	if rerr != nil {
		return rerr
	}
	return c.JSON(res)
}
