package instagram

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"instapilot/pkg/logx"
)

// Container status codes returned by the Graph API.
const (
	ContainerFinished   = "FINISHED"
	ContainerError      = "ERROR"
	ContainerExpired    = "EXPIRED"
	ContainerInProgress = "IN_PROGRESS"
)

// Media types as the Graph API reports them on published media.
const (
	MediaTypeCarousel = "CAROUSEL_ALBUM"
	MediaTypeImage    = "IMAGE"
)

// CarouselRequest is one publish: a caption plus public image URLs the
// platform fetches itself. A single URL publishes a plain image post.
type CarouselRequest struct {
	Caption   string
	ImageURLs []string
}

// PublishResult is the confirmed identity of the published media.
// Recovered means the publish call itself failed ambiguously and the id was
// found afterwards by caption lookup.
type PublishResult struct {
	MediaID   string
	Recovered bool
}

// PublishCarousel drives the full container flow: per-image child
// containers, the carousel container, readiness polling and the publish
// call with its retry/recovery loop.
func (c *Client) PublishCarousel(ctx context.Context, req CarouselRequest) (PublishResult, error) {
	if err := c.requireConfigured(); err != nil {
		return PublishResult{}, err
	}
	urls := make([]string, 0, len(req.ImageURLs))
	for _, u := range req.ImageURLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return PublishResult{}, errors.New("publish needs at least one image url")
	}
	caption := strings.TrimSpace(req.Caption)

	var (
		containerID string
		mediaType   string
		err         error
	)
	if len(urls) == 1 {
		mediaType = MediaTypeImage
		containerID, err = c.createImageContainer(ctx, urls[0], caption)
	} else {
		mediaType = MediaTypeCarousel
		containerID, err = c.createCarouselContainer(ctx, urls, caption)
	}
	if err != nil {
		return PublishResult{}, err
	}

	p := c.cfg.Publish
	if err := c.waitContainer(ctx, containerID, p.ContainerPollAttempts, p.ContainerPollInterval); err != nil {
		return PublishResult{}, err
	}
	return c.publishContainer(ctx, containerID, caption, mediaType)
}

// createImageContainer creates a single-image container. Instagram rejects
// carousels with fewer than two children, so one image goes this way.
func (c *Client) createImageContainer(ctx context.Context, imageURL, caption string) (string, error) {
	form := url.Values{}
	form.Set("image_url", imageURL)
	form.Set("caption", caption)

	var out idResponse
	if err := c.postForm(ctx, c.accountPath("/media"), form, defaultPostRetries, &out); err != nil {
		return "", fmt.Errorf("image container: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("image container: empty id in response")
	}
	return out.ID, nil
}

func (c *Client) createCarouselContainer(ctx context.Context, imageURLs []string, caption string) (string, error) {
	p := c.cfg.Publish
	children := make([]string, 0, len(imageURLs))
	for i, imageURL := range imageURLs {
		form := url.Values{}
		form.Set("image_url", imageURL)
		form.Set("is_carousel_item", "true")

		var out idResponse
		if err := c.postForm(ctx, c.accountPath("/media"), form, defaultPostRetries, &out); err != nil {
			return "", fmt.Errorf("item container %d/%d: %w", i+1, len(imageURLs), err)
		}
		if out.ID == "" {
			return "", fmt.Errorf("item container %d/%d: empty id in response", i+1, len(imageURLs))
		}
		if err := c.waitContainer(ctx, out.ID, p.ItemPollAttempts, p.ItemPollInterval); err != nil {
			return "", fmt.Errorf("item container %d/%d: %w", i+1, len(imageURLs), err)
		}
		children = append(children, out.ID)
	}

	form := url.Values{}
	form.Set("media_type", "CAROUSEL")
	form.Set("children", strings.Join(children, ","))
	form.Set("caption", caption)

	var out idResponse
	if err := c.postForm(ctx, c.accountPath("/media"), form, defaultPostRetries, &out); err != nil {
		return "", fmt.Errorf("carousel container: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("carousel container: empty id in response")
	}
	return out.ID, nil
}

// waitContainer polls until the container reaches FINISHED. ERROR and
// EXPIRED fail immediately; anything else burns an attempt.
func (c *Client) waitContainer(ctx context.Context, id string, attempts int, interval time.Duration) error {
	lastStatus := "unknown"
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, interval); err != nil {
				return err
			}
		}
		var out containerStatus
		if err := c.getJSON(ctx, "/"+id, url.Values{"fields": {"status_code,status"}}, defaultGetRetries, &out); err != nil {
			return fmt.Errorf("container %s status: %w", id, err)
		}
		switch out.StatusCode {
		case ContainerFinished:
			return nil
		case ContainerError, ContainerExpired:
			detail := out.Status
			if detail == "" {
				detail = out.StatusCode
			}
			return fmt.Errorf("container %s failed: %s", id, detail)
		}
		if out.StatusCode != "" {
			lastStatus = out.StatusCode
		}
	}
	return fmt.Errorf("container %s not ready after %d checks (last status %s)", id, attempts, lastStatus)
}

// publishContainer calls media_publish with its own retry loop. Ambiguous
// failures (throttling and fatal-after-limit shapes) may mean the post went
// live even though the call errored; those trigger a caption lookup before
// the next attempt so we never publish the same content twice.
func (c *Client) publishContainer(ctx context.Context, containerID, caption, mediaType string) (PublishResult, error) {
	p := c.cfg.Publish

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		var out idResponse
		// The platform may create the media whether or not we see the
		// response, so a shutdown must not abort the call mid-flight.
		// Detach it from the caller's lifetime; the request timeout
		// still bounds it. Cancellation is honored between attempts.
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RequestTimeout)
		err := c.postForm(pubCtx, c.accountPath("/media_publish"), url.Values{"creation_id": {containerID}}, 0, &out)
		cancel()
		if err == nil {
			if ValidMediaID(out.ID) {
				c.log.Info("media published",
					logx.String("media_id", out.ID),
					logx.Int("attempt", attempt),
				)
				return PublishResult{MediaID: out.ID}, nil
			}
			err = fmt.Errorf("suspicious media id %q in response", out.ID)
		}
		lastErr = fmt.Errorf("media_publish: %w", err)
		if ctx.Err() != nil {
			return PublishResult{}, lastErr
		}
		if IsAuth(err) {
			return PublishResult{}, lastErr
		}

		ambiguous := IsRateLimited(err) || AmbiguousPublishFailure(err.Error())
		if ambiguous {
			if serr := sleepCtx(ctx, p.RecoveryDelay); serr != nil {
				return PublishResult{}, lastErr
			}
			media, ferr := c.FindRecentMedia(ctx, MediaHint{Caption: caption, MediaType: mediaType})
			if ferr != nil {
				c.log.Warn("publish recovery lookup failed", logx.Err(ferr))
			} else if media != nil {
				c.log.Info("publish recovered after ambiguous failure",
					logx.String("media_id", media.ID),
					logx.Int("attempt", attempt),
				)
				return PublishResult{MediaID: media.ID, Recovered: true}, nil
			}
		}

		// Deterministic content rejections gain nothing from retrying.
		var ae *APIError
		if !ambiguous && errors.As(err, &ae) && !ae.Retryable() {
			return PublishResult{}, lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		c.log.Warn("media_publish failed; will retry",
			logx.Int("attempt", attempt),
			logx.Bool("ambiguous", ambiguous),
			logx.Err(err),
		)
		if serr := c.backoff(ctx, attempt, ambiguous, retryAfterOf(err)); serr != nil {
			return PublishResult{}, lastErr
		}
	}
	return PublishResult{}, lastErr
}

func retryAfterOf(err error) time.Duration {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}

type idResponse struct {
	ID string `json:"id"`
}

type containerStatus struct {
	ID         string `json:"id"`
	StatusCode string `json:"status_code"`
	Status     string `json:"status"`
}
