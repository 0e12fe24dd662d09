// Package cliworker runs an external command as a graph worker. The
// invocation text is written to the command's stdin and its stdout becomes
// the node output, either as plain text or as an NDJSON event stream.
package cliworker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/petrijr/graphflow/pkg/api"
)

// ErrStalled is wrapped by the failure of a command that stopped producing
// output for longer than its idle timeout.
var ErrStalled = errors.New("command stalled")

// Config describes the command to run.
type Config struct {
	Command string
	Args    []string
	// Env is appended to the current process environment.
	Env []string
	Dir string

	// Timeout bounds the whole invocation. Zero leaves it to ctx.
	Timeout time.Duration
	// IdleTimeout kills the command when no meaningful output line arrived
	// for this long. Zero disables stall detection.
	IdleTimeout time.Duration

	// MaxLineBytes bounds one stdout line. Zero uses 1 MiB.
	MaxLineBytes int

	Logger *slog.Logger
}

// ExitError reports a command that exited with a non-zero status.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("exit status %d: %s", e.Code, e.Stderr)
}

// Worker is an api.Worker backed by an external command.
type Worker struct {
	cfg    Config
	logger *slog.Logger
}

// New returns a worker for cfg.
func New(cfg Config) *Worker {
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{cfg: cfg, logger: logger.With("command", cfg.Command)}
}

type stopReason int

const (
	exited stopReason = iota
	timedOut
	stalled
	cancelled
)

// Invoke runs the command once for req.
func (w *Worker) Invoke(ctx context.Context, req api.InvocationRequest) (api.Result, error) {
	if w.cfg.Command == "" {
		return api.Result{}, api.Malformed("no command configured")
	}

	runCtx := ctx
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.Command(w.cfg.Command, w.cfg.Args...)
	cmd.Dir = w.cfg.Dir
	cmd.Env = append(os.Environ(), w.cfg.Env...)
	cmd.Env = append(cmd.Env, "GRAPHFLOW_RUN_ID="+req.RunID, "GRAPHFLOW_NODE_ID="+req.NodeID)
	cmd.Stdin = strings.NewReader(req.Text())
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return api.Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return api.Result{}, fmt.Errorf("start %s: %w", w.cfg.Command, err)
	}
	log := w.logger.With("run_id", req.RunID, "node", req.NodeID, "pid", cmd.Process.Pid)
	log.Debug("command started")

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanErr <- scanLines(stdout, w.cfg.MaxLineBytes, lines)
	}()

	var idle <-chan time.Time
	var idleTimer *time.Timer
	if w.cfg.IdleTimeout > 0 {
		idleTimer = time.NewTimer(w.cfg.IdleTimeout)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	var out stream
	reason := exited
read:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break read
			}
			if out.feed(line) && idleTimer != nil {
				idleTimer.Reset(w.cfg.IdleTimeout)
			}
		case <-runCtx.Done():
			reason = timedOut
			if ctx.Err() != nil {
				reason = cancelled
			}
			break read
		case <-idle:
			reason = stalled
			break read
		}
	}

	if reason != exited {
		killProcessGroup(cmd)
		// The pipe closes once every process of the group is gone.
		for range lines {
		}
	}
	waitErr := cmd.Wait()
	readErr := <-scanErr

	switch reason {
	case cancelled:
		log.Debug("command cancelled")
		return api.Result{}, ctx.Err()
	case timedOut:
		log.Warn("command timed out", "timeout", w.cfg.Timeout)
		return api.Result{}, &api.InvocationFailure{
			Kind:   api.FailureTimeout,
			Detail: fmt.Sprintf("command exceeded %s", w.cfg.Timeout),
			Err:    context.DeadlineExceeded,
		}
	case stalled:
		log.Warn("command stalled", "idle_timeout", w.cfg.IdleTimeout)
		return api.Result{}, &api.InvocationFailure{
			Kind:   api.FailureTimeout,
			Detail: fmt.Sprintf("no output for %s", w.cfg.IdleTimeout),
			Err:    ErrStalled,
		}
	case exited:
	}

	if waitErr != nil {
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			return api.Result{}, &api.InvocationFailure{
				Kind:   api.FailureCrashed,
				Detail: fmt.Sprintf("%s exited with status %d", w.cfg.Command, ee.ExitCode()),
				Err:    &ExitError{Code: ee.ExitCode(), Stderr: strings.TrimSpace(stderr.String())},
			}
		}
		return api.Result{}, fmt.Errorf("wait %s: %w", w.cfg.Command, waitErr)
	}
	if readErr != nil {
		return api.Result{}, api.Malformed("reading output: " + readErr.Error())
	}

	text, failed := out.result()
	if failed {
		return api.Result{}, api.Rejected(text)
	}
	log.Debug("command finished", "bytes", len(text))
	return api.Result{Text: text}, nil
}

func scanLines(r io.Reader, max int, out chan<- string) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), max)
	for sc.Scan() {
		out <- sc.Text()
	}
	err := sc.Err()
	if err != nil {
		// Keep the pipe drained so the command is not blocked on a write.
		_, _ = io.Copy(io.Discard, r)
	}
	return err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }
