package instagram

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Error tags recorded on post records so operators can tell failure classes
// apart without reading raw messages.
const (
	TagRateLimit       = "meta_rate_limit"
	TagFatalAfterLimit = "meta_fatal_after_limit"
	TagImageURLInvalid = "image_url_invalid"
	TagAuth            = "meta_auth"
	TagUnknown         = "publish_unknown"
)

// APIError is a Graph API error envelope, plus the HTTP status it arrived
// with. HTTP 200 responses can still carry one.
type APIError struct {
	HTTPStatus int           `json:"-"`
	RetryAfter time.Duration `json:"-"`
	Message    string        `json:"message"`
	Type       string        `json:"type"`
	Code       int           `json:"code"`
	Subcode    int           `json:"error_subcode"`
	Transient  bool          `json:"is_transient"`
	FBTraceID  string        `json:"fbtrace_id"`
}

func (e *APIError) Error() string {
	parts := []string{fmt.Sprintf("HTTP %d", e.HTTPStatus)}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Code != 0 {
		parts = append(parts, fmt.Sprintf("code=%d", e.Code))
	}
	if e.Subcode != 0 {
		parts = append(parts, fmt.Sprintf("subcode=%d", e.Subcode))
	}
	if e.FBTraceID != "" {
		parts = append(parts, fmt.Sprintf("fbtrace=%s", e.FBTraceID))
	}
	return strings.Join(parts, ": ")
}

// RateLimited reports the classes of throttling the platform applies; these
// deserve a much slower retry pace than other transient failures.
func (e *APIError) RateLimited() bool {
	switch e.Code {
	case 4, 17, 32, 613:
		return true
	}
	switch e.Subcode {
	case 2207051, 2207085:
		return true
	}
	return false
}

// Retryable reports whether another attempt may succeed.
func (e *APIError) Retryable() bool {
	if e.HTTPStatus >= 500 || e.Transient {
		return true
	}
	switch e.Code {
	case 1, 2, 4, 17, 32, 613:
		return true
	}
	return e.RateLimited()
}

// Auth reports an invalid or expired access token. Never retried.
func (e *APIError) Auth() bool {
	return e.Code == 190
}

// NotFound reports that the requested media no longer exists; on a media
// fetch this is what drives the published_deleted transition.
func (e *APIError) NotFound() bool {
	return e.Code == 100
}

// IsNotFound reports whether err is a Graph "object does not exist" error.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.NotFound()
}

// IsAuth reports whether err is a Graph auth failure.
func IsAuth(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Auth()
}

// IsRateLimited reports whether err is platform throttling.
func IsRateLimited(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.RateLimited()
}

var (
	codeRe    = regexp.MustCompile(`code=(-?\d+)`)
	subcodeRe = regexp.MustCompile(`subcode=(\d+)`)
)

// ParseErrorCodes pulls code/subcode out of an opaque error string, the
// wire format the platform embeds in exception text.
func ParseErrorCodes(text string) (code, subcode *int) {
	if m := codeRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			code = &v
		}
	}
	if m := subcodeRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			subcode = &v
		}
	}
	return code, subcode
}

// Classified is the operator-facing shape of a publish failure.
type Classified struct {
	Tag     string
	Summary string
	Code    *int
	Subcode *int
}

// ClassifyErrorText buckets an opaque publish error into a stable tag and a
// short human summary. The raw text keeps flowing into last_error_message;
// the summary is what UIs show.
func ClassifyErrorText(text string) Classified {
	code, subcode := ParseErrorCodes(text)
	low := strings.ToLower(text)

	switch {
	case strings.Contains(low, "application request limit reached") || strings.Contains(text, "2207051"):
		return Classified{TagRateLimit, "Platform applied a temporary request limit, retry in a few minutes.", code, subcode}
	case strings.Contains(text, "2207085") && strings.Contains(low, "fatal"):
		return Classified{TagFatalAfterLimit, "Platform returned a fatal error right after a rate limit, retry later.", code, subcode}
	case strings.Contains(low, "image url is not valid for instagram graph api"):
		return Classified{TagImageURLInvalid, "Platform cannot fetch the public image URLs.", code, subcode}
	case strings.Contains(low, "unauthorized") || strings.Contains(text, "code=190"):
		return Classified{TagAuth, "Platform access token is invalid or expired.", code, subcode}
	}

	summary := text
	if len(summary) > 220 {
		summary = summary[:220]
	}
	return Classified{TagUnknown, summary, code, subcode}
}

// AmbiguousPublishFailure reports error text where the publish call failed
// locally but the post may still have gone live, so the caller must check
// the platform before retrying.
func AmbiguousPublishFailure(text string) bool {
	low := strings.ToLower(text)
	return strings.Contains(low, "application request limit reached") ||
		strings.Contains(low, "code=4") ||
		strings.Contains(low, "subcode=2207051") ||
		strings.Contains(low, "subcode=2207085") ||
		(strings.Contains(low, "fatal") && strings.Contains(low, "media_publish"))
}

// ValidMediaID reports whether id looks like a real media identifier:
// non-empty digits and not the literal "0" some failure payloads carry.
func ValidMediaID(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" || id == "0" {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
