package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"valet/internal/config"
	"valet/internal/sandbox"
	"valet/internal/store"
)

// maxStreamLine bounds one NDJSON line; agents can emit large tool results.
const maxStreamLine = 4 << 20

// RetryableError marks a run failure as transient. Timeouts and spawn
// failures are retryable, agent-reported errors are not.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should send the task back to the queue.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Request carries everything needed to run the agent for one task.
type Request struct {
	Task      store.Task
	Prompt    string
	IsAdmin   bool
	Resources []store.UserResource
	Env       []string
	// OnEvent observes each decoded stream event; nil is allowed.
	OnEvent func(Event)
}

// Runner executes agent subprocesses.
type Runner struct {
	cfg     config.AgentConfig
	sandbox *sandbox.Builder
	log     *slog.Logger
}

func NewRunner(cfg config.AgentConfig, sb *sandbox.Builder, log *slog.Logger) *Runner {
	return &Runner{
		cfg:     cfg,
		sandbox: sb,
		log:     log.With("component", "executor"),
	}
}

// Run spawns the agent for one task and returns the terminal summary. The
// agent reporting an error is a normal return with an error value that is
// not retryable; process-level failures are retryable.
func (r *Runner) Run(ctx context.Context, req Request) (string, error) {
	command := make([]string, 0, len(r.cfg.Command)+1)
	command = append(command, r.cfg.Command...)
	command = append(command, req.Prompt)

	argv, sandboxed, err := r.sandbox.Wrap(sandbox.Request{
		Command:   command,
		Task:      req.Task,
		IsAdmin:   req.IsAdmin,
		Resources: req.Resources,
	})
	if err != nil {
		return "", fmt.Errorf("prepare agent command: %w", err)
	}

	timeout := time.Duration(r.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = req.Env
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", &RetryableError{Err: fmt.Errorf("agent stdout: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return "", &RetryableError{Err: fmt.Errorf("start agent: %w", err)}
	}
	r.log.Info("agent started",
		"task_id", req.Task.ID, "sandboxed", sandboxed, "timeout", timeout)

	var result *Event
	var lastText string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), maxStreamLine)
	for scanner.Scan() {
		event, ok := ParseEvent(scanner.Bytes())
		if !ok {
			continue
		}
		if req.OnEvent != nil {
			req.OnEvent(event)
		}
		switch event.Kind {
		case EventResult:
			e := event
			result = &e
		case EventText:
			lastText = event.Text
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return "", &RetryableError{Err: fmt.Errorf("agent timed out after %s", timeout)}
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return "", &RetryableError{Err: fmt.Errorf("agent exited: %w: %s", waitErr, msg)}
	}
	if scanErr != nil {
		return "", &RetryableError{Err: fmt.Errorf("read agent stream: %w", scanErr)}
	}

	if result != nil {
		if result.IsError {
			return "", fmt.Errorf("agent reported failure: %s", result.Text)
		}
		return result.Text, nil
	}
	// No terminal event; fall back to the last narration so a clean exit
	// still yields something deliverable.
	if lastText != "" {
		return lastText, nil
	}
	return "", fmt.Errorf("agent produced no result")
}
