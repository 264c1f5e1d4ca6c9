package instagram

import (
	"context"
	"errors"
	"math"
	"net/url"
	"strings"

	"instapilot/pkg/logx"
)

// Metrics is one engagement snapshot for a published media.
type Metrics struct {
	Likes       int
	Comments    int
	Impressions int
	Reach       int
	Saved       int
	Shares      int
	Engagement  float64
	Permalink   string
	MediaType   string
}

// insightsLadder lists metric sets from richest to poorest. Graph API
// versions keep retiring metric names, so a rejected set falls through to
// the next smaller one.
var insightsLadder = []string{
	"impressions,reach,saved,shares",
	"impressions,reach,saved",
	"impressions,reach",
}

// MediaMetrics fetches counts and insights for one media id. A code-100
// error means the media is gone (deleted or hidden); callers detect that
// with IsNotFound.
func (c *Client) MediaMetrics(ctx context.Context, mediaID string) (Metrics, error) {
	if err := c.requireConfigured(); err != nil {
		return Metrics{}, err
	}

	params := url.Values{}
	params.Set("fields", "id,like_count,comments_count,media_type,media_product_type,permalink,timestamp")

	var base mediaFields
	if err := c.getJSON(ctx, "/"+mediaID, params, defaultGetRetries, &base); err != nil {
		return Metrics{}, err
	}

	m := Metrics{
		Likes:     base.LikeCount,
		Comments:  base.CommentsCount,
		Permalink: base.Permalink,
		MediaType: base.MediaType,
	}

	insights, err := c.mediaInsights(ctx, mediaID)
	if err != nil {
		return Metrics{}, err
	}
	m.Impressions = insights["impressions"]
	m.Reach = insights["reach"]
	m.Saved = insights["saved"]
	m.Shares = insights["shares"]
	m.Engagement = EngagementRate(m.Likes, m.Comments, m.Saved, m.Shares, m.Reach)
	return m, nil
}

func (c *Client) mediaInsights(ctx context.Context, mediaID string) (map[string]int, error) {
	var lastErr error
	for _, metricSet := range insightsLadder {
		var out insightsResponse
		err := c.getJSON(ctx, "/"+mediaID+"/insights", url.Values{"metric": {metricSet}}, 1, &out)
		if err == nil {
			vals := make(map[string]int, 4)
			for _, d := range out.Data {
				if len(d.Values) > 0 {
					vals[d.Name] = d.Values[0].Value
				}
			}
			return vals, nil
		}
		lastErr = err
		if !insightsUnsupported(err) {
			return nil, err
		}
	}
	// Every set was rejected as unsupported: the media has counts but no
	// insights. Not a failure.
	c.log.Debug("media insights unavailable",
		logx.String("media_id", mediaID),
		logx.Err(lastErr),
	)
	return map[string]int{}, nil
}

// insightsUnsupported matches the shapes the platform uses to reject a
// metric name on media that otherwise exists.
func insightsUnsupported(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) && ae.Code == 100 {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "metric") || strings.Contains(low, "insights")
}

// EngagementRate is interactions per reached account as a percentage,
// rounded to 4 decimals. Unknown reach yields zero.
func EngagementRate(likes, comments, saved, shares, reach int) float64 {
	if reach <= 0 {
		return 0
	}
	pct := float64(likes+comments+saved+shares) / float64(reach) * 100
	return math.Round(pct*10000) / 10000
}

type mediaFields struct {
	ID               string `json:"id"`
	LikeCount        int    `json:"like_count"`
	CommentsCount    int    `json:"comments_count"`
	MediaType        string `json:"media_type"`
	MediaProductType string `json:"media_product_type"`
	Permalink        string `json:"permalink"`
	Timestamp        string `json:"timestamp"`
}

type insightsResponse struct {
	Data []struct {
		Name   string `json:"name"`
		Values []struct {
			Value int `json:"value"`
		} `json:"values"`
	} `json:"data"`
}
