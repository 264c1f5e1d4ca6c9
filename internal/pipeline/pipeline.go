// Package pipeline is the content production port. A Producer turns a
// topic/template request into a caption plus publicly fetchable image URLs;
// the shipped implementation shells out to the external generation pipeline.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"instapilot/pkg/apperr"
)

// Result is the produced content for one publication.
type Result struct {
	Caption   string   `json:"caption"`
	ImageURLs []string `json:"image_urls"`
	Topic     string   `json:"topic,omitempty"`
	Template  string   `json:"template,omitempty"`
	SourceURL string   `json:"source_url,omitempty"`
}

// Validate checks the shape a publish needs: a caption and 1..10 image URLs
// the platform can fetch.
func (r Result) Validate() error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.Caption, validation.Required),
		validation.Field(&r.ImageURLs, validation.Required, validation.Length(1, 10), validation.Each(is.URL)),
	)
	if err != nil {
		return apperr.ValidationError(fmt.Sprintf("pipeline result: %s", err.Error()))
	}
	for _, u := range r.ImageURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return apperr.ValidationError(fmt.Sprintf("pipeline result: image url %q is not absolute", u))
		}
	}
	return nil
}

// Producer generates content for one run. Implementations must honor ctx.
type Producer interface {
	Produce(ctx context.Context, topic, template string) (Result, error)
}

// Func adapts a function to Producer.
type Func func(ctx context.Context, topic, template string) (Result, error)

func (f Func) Produce(ctx context.Context, topic, template string) (Result, error) {
	return f(ctx, topic, template)
}
