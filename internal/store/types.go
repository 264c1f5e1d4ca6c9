package store

import "time"

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)
}

// QueueRow is a queue entry as persisted.
// Status strings are owned by the queue package; the store treats them as opaque.
type QueueRow struct {
	ID            int64
	ScheduledDate string // "2006-01-02"
	ScheduledTime string // "15:04"
	Topic         *string
	Template      *string
	Status        string
	RunsTotal     int
	RunsCompleted int
	ResultMessage *string
	PostID        *int64
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// SlotStatus is the minimal (slot, status) projection used by the
// recurrence calculator and the auto-fill planner.
type SlotStatus struct {
	Date   string
	Time   string
	Status string
}

// PostRow is a post record as persisted.
// Status strings are owned by the post package.
type PostRow struct {
	ID               int64
	Topic            *string
	Caption          string
	ImageURLs        []string
	Status           string
	PublishAttempts  int
	LastErrorTag     *string
	LastErrorCode    *int
	LastErrorSubcode *int
	LastErrorMessage *string
	IGMediaID        *string
	PublishedAt      *time.Time
	Likes            *int
	Comments         *int
	Reach            *int
	Saved            *int
	Shares           *int
	EngagementRate   *float64
	MetricsAt        *time.Time
	IGLastCheckedAt  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MetricsUpdate carries one refreshed metric snapshot for a post.
type MetricsUpdate struct {
	Likes          int
	Comments       int
	Reach          int
	Saved          int
	Shares         int
	EngagementRate float64
}
