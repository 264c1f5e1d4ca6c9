// Package instagram talks to the Meta Graph API: carousel publishing,
// media reconciliation and engagement metrics for one Instagram account.
//
// Every request is paced through a shared rate limiter, and transient
// failures are retried with exponential backoff. Throttling responses get a
// much slower retry ladder than ordinary hiccups.
package instagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"instapilot/pkg/logx"
)

// ErrNotConfigured means the access token or account id is missing; the
// process can run without credentials but every publish/fetch fails fast.
var ErrNotConfigured = errors.New("instagram access token and account id are not configured")

const (
	defaultPostRetries = 4
	defaultGetRetries  = 3

	maxResponseBytes = 1 << 20
)

// Config is the resolved client configuration. Credentials arrive here
// already read from the environment; this package never touches env vars.
type Config struct {
	BaseURL        string
	APIVersion     string
	AccessToken    string
	AccountID      string
	RequestTimeout time.Duration
	RatePerSec     float64
	RateBurst      int

	Publish  PublishConfig
	Recovery RecoveryConfig
}

// PublishConfig bounds the publish flow: container polling and the two
// retry ladders (normal vs rate-limited).
type PublishConfig struct {
	MaxAttempts           int
	ContainerPollAttempts int
	ContainerPollInterval time.Duration
	ItemPollAttempts      int
	ItemPollInterval      time.Duration
	RetryBase             time.Duration
	RetryMax              time.Duration
	RateRetryBase         time.Duration
	RateRetryMax          time.Duration
	RecoveryDelay         time.Duration
}

// RecoveryConfig bounds the caption-based lookup used when a publish
// outcome is locally unknown.
type RecoveryConfig struct {
	CaptionPrefixLen int
	Lookback         time.Duration
	CandidateLimit   int
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://graph.facebook.com"
	}
	if c.APIVersion == "" {
		c.APIVersion = "v25.0"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 2
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 4
	}

	p := &c.Publish
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 6
	}
	if p.ContainerPollAttempts <= 0 {
		p.ContainerPollAttempts = 12
	}
	if p.ContainerPollInterval <= 0 {
		p.ContainerPollInterval = 5 * time.Second
	}
	if p.ItemPollAttempts <= 0 {
		p.ItemPollAttempts = 8
	}
	if p.ItemPollInterval <= 0 {
		p.ItemPollInterval = 2 * time.Second
	}
	if p.RetryBase <= 0 {
		p.RetryBase = time.Second
	}
	if p.RetryMax <= 0 {
		p.RetryMax = 12 * time.Second
	}
	if p.RateRetryBase <= 0 {
		p.RateRetryBase = 15 * time.Second
	}
	if p.RateRetryMax <= 0 {
		p.RateRetryMax = 180 * time.Second
	}
	if p.RecoveryDelay <= 0 {
		p.RecoveryDelay = 8 * time.Second
	}

	r := &c.Recovery
	if r.CaptionPrefixLen <= 0 {
		r.CaptionPrefixLen = 40
	}
	if r.Lookback <= 0 {
		r.Lookback = 30 * time.Minute
	}
	if r.CandidateLimit <= 0 {
		r.CandidateLimit = 20
	}
	return c
}

type Client struct {
	cfg     Config
	base    string // e.g. "https://graph.facebook.com/v25.0"
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	v := strings.TrimSpace(cfg.APIVersion)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return &Client{
		cfg:     cfg,
		base:    strings.TrimRight(cfg.BaseURL, "/") + "/" + v,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst),
		log:     log,
	}
}

// Configured reports whether both credentials are present.
func (c *Client) Configured() bool {
	return c.cfg.AccessToken != "" && c.cfg.AccountID != ""
}

func (c *Client) requireConfigured() error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	return nil
}

// accountPath prefixes a path with the configured account node.
func (c *Client) accountPath(suffix string) string {
	return "/" + c.cfg.AccountID + suffix
}

// postForm sends an x-www-form-urlencoded POST, the write shape the Graph
// API expects for container creation and publishing.
func (c *Client) postForm(ctx context.Context, path string, form url.Values, retries int, out any) error {
	body := cloneValues(form)
	body.Set("access_token", c.cfg.AccessToken)
	encoded := body.Encode()
	return c.do(ctx, retries, out, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, retries int, out any) error {
	q := cloneValues(params)
	q.Set("access_token", c.cfg.AccessToken)
	u := c.base + path + "?" + q.Encode()
	return c.do(ctx, retries, out, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	})
}

// do runs the request up to retries+1 times. Retry decisions follow the
// platform's own signals: 5xx and known transient codes retry on the normal
// ladder, throttling codes retry on the slow ladder honoring Retry-After. A
// 200 response that still carries an error envelope fails immediately; the
// platform accepted the request and rejected its content.
func (c *Client) do(ctx context.Context, retries int, out any, build func() (*http.Request, error)) error {
	attempts := retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.once(ctx, build, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}

		retryable := true // network-level failures are worth another try
		rateLimited := false
		var retryAfter time.Duration
		var ae *APIError
		if errors.As(err, &ae) {
			retryable = ae.Retryable() && ae.HTTPStatus != http.StatusOK
			rateLimited = ae.RateLimited()
			retryAfter = ae.RetryAfter
		}
		if !retryable || attempt == attempts {
			return lastErr
		}

		c.log.Debug("graph request retry",
			logx.Int("attempt", attempt),
			logx.Bool("rate_limited", rateLimited),
			logx.Err(err),
		)
		if err := c.backoff(ctx, attempt, rateLimited, retryAfter); err != nil {
			return err
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, build func() (*http.Request, error), out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := build()
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("graph response: %w", err)
	}

	var env struct {
		Error *APIError `json:"error"`
	}
	if len(body) > 0 {
		// Tolerate non-JSON error pages from intermediaries.
		_ = json.Unmarshal(body, &env)
	}
	if env.Error != nil {
		env.Error.HTTPStatus = resp.StatusCode
		env.Error.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return env.Error
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{
			HTTPStatus: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    bodySnippet(body),
		}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode graph response: %w", err)
		}
	}
	return nil
}

func (c *Client) backoff(ctx context.Context, attempt int, rateLimited bool, retryAfter time.Duration) error {
	base, ceil := c.cfg.Publish.RetryBase, c.cfg.Publish.RetryMax
	if rateLimited {
		base, ceil = c.cfg.Publish.RateRetryBase, c.cfg.Publish.RateRetryMax
	}

	d := base
	for i := 1; i < attempt && d < ceil; i++ {
		d *= 2
	}
	if d > ceil {
		d = ceil
	}
	if retryAfter > 0 {
		hinted := retryAfter
		if hinted > ceil {
			hinted = ceil
		}
		if hinted > d {
			d = hinted
		}
	}
	return sleepCtx(ctx, d+jitter(base))
}

// jitter spreads concurrent retries by up to 400ms, never more than the
// base delay itself.
func jitter(base time.Duration) time.Duration {
	j := 400 * time.Millisecond
	if base < j {
		j = base
	}
	if j <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(j)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func parseRetryAfter(h string) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v)+1)
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func bodySnippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
