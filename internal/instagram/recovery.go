package instagram

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// graphTimestampLayout matches timestamps like "2026-03-02T08:30:15+0000".
const graphTimestampLayout = "2006-01-02T15:04:05-0700"

const (
	minLookback       = 5 * time.Minute
	maxCandidateLimit = 100
)

// MediaHint describes the publish we are trying to locate on the account.
// Zero Lookback/Limit fall back to the configured recovery bounds; an empty
// MediaType matches any type.
type MediaHint struct {
	Caption   string
	MediaType string
	Lookback  time.Duration
	Limit     int
}

// RecentMedia is one feed item returned by the account media listing.
// Timestamp is zero when the platform timestamp did not parse.
type RecentMedia struct {
	ID          string
	Caption     string
	Permalink   string
	MediaType   string
	ProductType string
	Timestamp   time.Time
}

// NormalizeCaption lowercases and collapses all whitespace runs so captions
// survive the platform's formatting changes.
func NormalizeCaption(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// RecentFeed lists the account's most recent media, newest first. Items
// without an id are dropped; nothing else is filtered here.
func (c *Client) RecentFeed(ctx context.Context, limit int) ([]RecentMedia, error) {
	if err := c.requireConfigured(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = c.cfg.Recovery.CandidateLimit
	}
	if limit > maxCandidateLimit {
		limit = maxCandidateLimit
	}

	params := url.Values{}
	params.Set("fields", "id,caption,permalink,timestamp,media_type,media_product_type")
	params.Set("limit", strconv.Itoa(limit))

	var out mediaListResponse
	if err := c.getJSON(ctx, c.accountPath("/media"), params, defaultGetRetries, &out); err != nil {
		return nil, err
	}
	items := make([]RecentMedia, 0, len(out.Data))
	for _, it := range out.Data {
		if it.ID == "" {
			continue
		}
		ts, _ := time.Parse(graphTimestampLayout, it.Timestamp)
		items = append(items, RecentMedia{
			ID:          it.ID,
			Caption:     it.Caption,
			Permalink:   it.Permalink,
			MediaType:   it.MediaType,
			ProductType: it.MediaProductType,
			Timestamp:   ts,
		})
	}
	return items, nil
}

// FindRecentMedia scans the account's recent feed posts for one matching
// the hint. Matching is two-rank: a full normalized-caption match always
// wins; failing that, a normalized prefix match (configured length) is
// accepted. Within a rank the newest item wins. Only items inside the
// lookback window count, so an old post with a reused caption is never
// mistaken for the one being reconciled.
func (c *Client) FindRecentMedia(ctx context.Context, hint MediaHint) (*RecentMedia, error) {
	lookback := hint.Lookback
	if lookback <= 0 {
		lookback = c.cfg.Recovery.Lookback
	}
	if lookback < minLookback {
		lookback = minLookback
	}

	items, err := c.RecentFeed(ctx, hint.Limit)
	if err != nil {
		return nil, err
	}

	wantCaption := NormalizeCaption(hint.Caption)
	prefixLen := c.cfg.Recovery.CaptionPrefixLen
	wantPrefix := wantCaption
	if len(wantPrefix) > prefixLen {
		wantPrefix = wantPrefix[:prefixLen]
	}
	cutoff := time.Now().Add(-lookback)

	// The listing is newest-first, so the first hit in each rank is the
	// newest one.
	var prefixMatch *RecentMedia
	for _, item := range items {
		if item.ProductType != "" && !strings.EqualFold(item.ProductType, "FEED") {
			continue
		}
		if hint.MediaType != "" && item.MediaType != "" && !strings.EqualFold(item.MediaType, hint.MediaType) {
			continue
		}
		if !item.Timestamp.IsZero() && item.Timestamp.Before(cutoff) {
			continue
		}

		got := NormalizeCaption(item.Caption)
		if wantCaption != "" && got != wantCaption {
			if prefixMatch != nil || wantPrefix == "" || !strings.HasPrefix(got, wantPrefix) {
				continue
			}
			m := item
			prefixMatch = &m
			continue
		}
		m := item
		return &m, nil
	}
	return prefixMatch, nil
}

type mediaListResponse struct {
	Data []mediaListItem `json:"data"`
}

type mediaListItem struct {
	ID               string `json:"id"`
	Caption          string `json:"caption"`
	Permalink        string `json:"permalink"`
	Timestamp        string `json:"timestamp"`
	MediaType        string `json:"media_type"`
	MediaProductType string `json:"media_product_type"`
}
