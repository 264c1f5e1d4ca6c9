package pipeline

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"instapilot/pkg/apperr"
	"instapilot/pkg/logx"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func newExec(t *testing.T, script string, timeout time.Duration) *ExecProducer {
	t.Helper()
	p, err := NewExec(ExecConfig{
		Command: []string{"sh", "-c", script},
		Timeout: timeout,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("NewExec: %v", err)
	}
	return p
}

func TestExecProduceDecodesJSON(t *testing.T) {
	requireShell(t)
	p := newExec(t, `echo '{"caption":"Morning guide","image_urls":["https://img.example/a.jpg","https://img.example/b.jpg"],"topic":"coffee"}'`, time.Minute)

	res, err := p.Produce(context.Background(), "", "")
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if res.Caption != "Morning guide" {
		t.Fatalf("expected caption, got %q", res.Caption)
	}
	if len(res.ImageURLs) != 2 {
		t.Fatalf("expected 2 image urls, got %d", len(res.ImageURLs))
	}
	if res.Topic != "coffee" {
		t.Fatalf("expected topic coffee, got %q", res.Topic)
	}
}

func TestExecPassesTopicAndTemplateFlags(t *testing.T) {
	requireShell(t)
	// sh -c receives appended args as $0.., so the script can echo them
	// back and the test can assert the flag ordering.
	script := `printf '{"caption":"%s %s %s %s","image_urls":["https://img.example/a.jpg"]}' "$0" "$1" "$2" "$3"`
	p := newExec(t, script, time.Minute)

	res, err := p.Produce(context.Background(), "coffee", "minimal")
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if res.Caption != "--topic coffee --template minimal" {
		t.Fatalf("expected flags in caption, got %q", res.Caption)
	}
}

func TestExecFailureSurfacesExitError(t *testing.T) {
	requireShell(t)
	p := newExec(t, `echo progress line >&2; exit 3`, time.Minute)

	_, err := p.Produce(context.Background(), "", "")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "exit status 3") {
		t.Fatalf("expected exit status in error, got %v", err)
	}
}

func TestExecTimeout(t *testing.T) {
	requireShell(t)
	p := newExec(t, `sleep 5`, 50*time.Millisecond)

	_, err := p.Produce(context.Background(), "", "")
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestExecRejectsBadJSON(t *testing.T) {
	requireShell(t)
	p := newExec(t, `echo not json at all`, time.Minute)

	_, err := p.Produce(context.Background(), "", "")
	if err == nil || !strings.Contains(err.Error(), "decode pipeline output") {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestExecValidatesResult(t *testing.T) {
	requireShell(t)
	p := newExec(t, `echo '{"caption":"","image_urls":[]}'`, time.Minute)

	_, err := p.Produce(context.Background(), "", "")
	var verr apperr.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestExecRejectsRelativeImageURL(t *testing.T) {
	requireShell(t)
	p := newExec(t, `echo '{"caption":"x","image_urls":["slides/a.jpg"]}'`, time.Minute)

	_, err := p.Produce(context.Background(), "", "")
	var verr apperr.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for relative url, got %v", err)
	}
}

func TestNewExecRejectsMissingCommand(t *testing.T) {
	if _, err := NewExec(ExecConfig{}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty command")
	}
	if _, err := NewExec(ExecConfig{Command: []string{"definitely-not-a-real-binary-1234"}}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unresolvable command")
	}
}

func TestFuncAdapter(t *testing.T) {
	want := Result{Caption: "x", ImageURLs: []string{"https://img.example/a.jpg"}}
	p := Func(func(ctx context.Context, topic, template string) (Result, error) {
		if topic != "coffee" || template != "minimal" {
			t.Fatalf("unexpected args %q %q", topic, template)
		}
		return want, nil
	})
	got, err := p.Produce(context.Background(), "coffee", "minimal")
	if err != nil || got.Caption != want.Caption {
		t.Fatalf("unexpected result %+v err %v", got, err)
	}
}
