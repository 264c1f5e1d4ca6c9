package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"instapilot/pkg/logx"
)

// ExecConfig describes the external pipeline invocation. Command is an argv
// list; "--topic"/"--template" are appended when set. The process must print
// exactly one JSON object (the Result shape) on stdout; stderr is treated as
// progress output and logged line by line.
type ExecConfig struct {
	Command []string
	Workdir string
	Timeout time.Duration
}

type ExecProducer struct {
	cfg ExecConfig
	log logx.Logger
}

func NewExec(cfg ExecConfig, log logx.Logger) (*ExecProducer, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("pipeline command is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Minute
	}
	if _, err := exec.LookPath(cfg.Command[0]); err != nil {
		return nil, fmt.Errorf("pipeline command: %w", err)
	}
	return &ExecProducer{cfg: cfg, log: log}, nil
}

func (p *ExecProducer) Produce(ctx context.Context, topic, template string) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	args := append([]string(nil), p.cfg.Command[1:]...)
	if topic != "" {
		args = append(args, "--topic", topic)
	}
	if template != "" {
		args = append(args, "--template", template)
	}

	cmd := exec.CommandContext(runCtx, p.cfg.Command[0], args...)
	cmd.Dir = p.cfg.Workdir
	// Forces the pipes closed shortly after exit/kill even if a grandchild
	// inherited them, so the drain below cannot hang.
	cmd.WaitDelay = 10 * time.Second

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	p.log.Info("pipeline run starting",
		logx.String("topic", topic),
		logx.String("template", template),
	)
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start pipeline: %w", err)
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				p.log.Debug("pipeline output", logx.String("line", line))
			}
		}
	}()

	err = cmd.Wait()
	<-drained
	elapsed := time.Since(start)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return Result{}, fmt.Errorf("pipeline timed out after %s", p.cfg.Timeout)
		}
		return Result{}, fmt.Errorf("pipeline failed after %s: %w", elapsed.Round(time.Millisecond), err)
	}

	res, err := decodeResult(stdout.Bytes())
	if err != nil {
		return Result{}, err
	}
	if err := res.Validate(); err != nil {
		return Result{}, err
	}
	p.log.Info("pipeline run finished",
		logx.Duration("elapsed", elapsed),
		logx.Int("images", len(res.ImageURLs)),
	)
	return res, nil
}

func decodeResult(raw []byte) (Result, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Result{}, errors.New("pipeline printed no output")
	}
	var res Result
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if err := dec.Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decode pipeline output %q: %w", snippet(trimmed), err)
	}
	return res, nil
}

func snippet(b []byte) string {
	s := string(b)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
