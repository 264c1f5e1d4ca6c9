package schedule

import (
	"fmt"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"instapilot/pkg/apperr"
)

var (
	timeRe = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)
	dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// ValidateTime checks an "HH:MM" 24h slot time.
func ValidateTime(s string) error {
	if !timeRe.MatchString(s) {
		return apperr.ValidationError(fmt.Sprintf("invalid time %q (want HH:MM)", s))
	}
	return nil
}

// ValidateDate checks a "YYYY-MM-DD" calendar date, including that it names
// a real day.
func ValidateDate(s string) error {
	if !dateRe.MatchString(s) {
		return apperr.ValidationError(fmt.Sprintf("invalid date %q (want YYYY-MM-DD)", s))
	}
	if _, err := time.Parse(DateLayout, s); err != nil {
		return apperr.ValidationError(fmt.Sprintf("invalid date %q", s))
	}
	return nil
}

// Validate checks a normalized config. Day keys must be real weekday names,
// posts_per_day must sit in [1,10] and match the deduplicated slot count,
// and every slot must be a well-formed HH:MM.
func (c Config) Validate() error {
	for name, day := range c.Schedule {
		if !IsWeekday(name) {
			return apperr.ValidationError(fmt.Sprintf("unknown day %q", name))
		}
		if !day.Enabled && len(day.Times) == 0 {
			continue
		}
		err := validation.ValidateStruct(&day,
			validation.Field(&day.PostsPerDay,
				validation.Min(MinPostsPerDay), validation.Max(MaxPostsPerDay)),
			validation.Field(&day.Times,
				validation.Required,
				validation.Length(MinPostsPerDay, MaxPostsPerDay),
				validation.Each(validation.Match(timeRe))),
		)
		if err != nil {
			return apperr.ValidationError(fmt.Sprintf("%s: %v", name, err))
		}
		if len(day.Times) != day.PostsPerDay {
			return apperr.ValidationError(fmt.Sprintf(
				"%s: posts_per_day is %d but %d distinct times are configured",
				name, day.PostsPerDay, len(day.Times)))
		}
	}
	return nil
}
