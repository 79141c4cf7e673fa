package githttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tinyflake/git-server/internal/otel"
	"github.com/tinyflake/git-server/internal/telemetry"
)

const (
	// DefaultBinary is the git executable looked up on PATH
	DefaultBinary = "git"

	// DefaultTerminateGrace is how long a terminated process may take to exit before it is killed
	DefaultTerminateGrace = 5 * time.Second

	copyBufferSize = 32 * 1024

	// releaseTimeout bounds the wait for an interrupted request body read
	releaseTimeout = 2 * time.Second
)

var (
	// ErrProcessTimeout is the cause recorded when a process outlives the configured maximum duration
	ErrProcessTimeout = errors.New("git process exceeded maximum duration")

	// ErrClientGone is reported when the client goes away before the process finished
	ErrClientGone = errors.New("client disconnected")
)

// SpawnError means the git process could not be started
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitError is a git process that ran to completion with a non-zero status
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("git exited with code %d", e.Code)
}

// Invocation describes a single git subprocess run for one request
type Invocation struct {
	Service       Service
	Path          string
	AdvertiseRefs bool

	// Stdin is streamed to the process. A nil Stdin leaves stdin empty.
	Stdin io.Reader

	// Env is appended to the server environment
	Env []string

	// Header is copied to the response once the process has started
	Header http.Header

	// Preamble is written to the response before any process output
	Preamble []byte
}

func (inv Invocation) args() []string {
	args := []string{inv.Service.Command(), "--stateless-rpc"}
	if inv.AdvertiseRefs {
		args = append(args, "--advertise-refs")
	}
	return append(args, inv.Path)
}

// Result summarizes a finished invocation
type Result struct {
	// Started reports whether the response status and headers were sent
	Started  bool
	ExitCode int
	Stderr   string
	BytesIn  int64
	BytesOut int64
	Duration time.Duration
	Err      error
}

// Success reports whether the process exited cleanly and every byte was delivered
func (r *Result) Success() bool {
	return r.Err == nil
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithBinary sets the git executable
func WithBinary(binary string) ManagerOption {
	return func(m *Manager) {
		if binary != "" {
			m.binary = binary
		}
	}
}

// WithMaxDuration terminates processes running longer than d. Zero means no limit.
func WithMaxDuration(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.maxDuration = d
	}
}

// WithTerminateGrace sets the delay between SIGTERM and SIGKILL
func WithTerminateGrace(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.terminateGrace = d
		}
	}
}

// WithEnv adds environment variables to every process
func WithEnv(env ...string) ManagerOption {
	return func(m *Manager) {
		m.env = append(m.env, env...)
	}
}

// WithProcessMetrics tracks running processes on metrics
func WithProcessMetrics(metrics *telemetry.GitMetrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithTracer creates a span per process
func WithTracer(tracer trace.Tracer) ManagerOption {
	return func(m *Manager) {
		m.tracer = tracer
	}
}

// Manager spawns one git process per request and streams its stdio through
// the HTTP exchange. It holds no per-request state and is safe for concurrent use.
type Manager struct {
	binary         string
	maxDuration    time.Duration
	terminateGrace time.Duration
	env            []string
	metrics        *telemetry.GitMetrics
	tracer         trace.Tracer
}

// NewManager creates a process manager
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		binary:         DefaultBinary,
		terminateGrace: DefaultTerminateGrace,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts git for inv and streams its output to w.
//
// The response status and headers are only written after the process has
// started, so a SpawnError with Started=false leaves w untouched. Any stream
// failure, client disconnect or timeout terminates the process; the
// returned Result always describes what happened.
func (m *Manager) Run(ctx context.Context, w http.ResponseWriter, inv Invocation) *Result {
	start := time.Now()
	res := &Result{ExitCode: -1}
	defer func() {
		res.Duration = time.Since(start)
	}()

	ctx, span := otel.StartSpan(ctx, m.tracer, "git."+inv.Service.Command(),
		otel.AttrService.String(string(inv.Service)),
	)
	defer span.End()

	runCtx := ctx
	if m.maxDuration > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(ctx, m.maxDuration, ErrProcessTimeout)
		defer cancelTimeout()
	}
	// one context tears down both copy directions and the process
	procCtx, cancelProc := context.WithCancelCause(runCtx)
	defer cancelProc(nil)

	cmd := exec.CommandContext(procCtx, m.binary, inv.args()...) // #nosec G204 - binary comes from configuration
	cmd.Env = append(append(os.Environ(), m.env...), inv.Env...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = m.terminateGrace

	stderr := newBoundedBuffer(maxStderrBytes)
	cmd.Stderr = stderr

	var stdin io.WriteCloser
	if inv.Stdin != nil {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			res.Err = &SpawnError{Binary: m.binary, Err: err}
			otel.RecordError(span, res.Err)
			return res
		}
		stdin = pipe
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		res.Err = &SpawnError{Binary: m.binary, Err: err}
		otel.RecordError(span, res.Err)
		return res
	}

	if err := cmd.Start(); err != nil {
		res.Err = &SpawnError{Binary: m.binary, Err: err}
		otel.RecordError(span, res.Err)
		slog.Error("Failed to start git process",
			"service", inv.Service,
			"path", inv.Path,
			"error", err)
		return res
	}

	m.metrics.ProcessStarted(ctx, string(inv.Service))
	defer m.metrics.ProcessExited(context.WithoutCancel(ctx), string(inv.Service))
	span.SetAttributes(otel.AttrProcessPID.Int(cmd.Process.Pid))
	slog.Debug("Started git process",
		"service", inv.Service,
		"path", inv.Path,
		"pid", cmd.Process.Pid,
		"advertise_refs", inv.AdvertiseRefs)

	header := w.Header()
	for k, v := range inv.Header {
		header[k] = v
	}
	w.WriteHeader(http.StatusOK)
	res.Started = true

	in := &countingReader{r: inv.Stdin}
	out := newFlushWriter(w)

	// set once the process is gone; a failing body read after that is not a stream error
	var exited atomic.Bool
	requestDone := make(chan error, 1)
	if stdin != nil {
		go func() {
			_, err := io.Copy(stdin, in)
			_ = stdin.Close()
			if in.err != nil && !exited.Load() {
				streamErr := &StreamError{Direction: "request", Err: in.err}
				cancelProc(streamErr)
				requestDone <- streamErr
				return
			}
			// a write error means git stopped reading; its exit status decides the outcome
			if err != nil {
				slog.Debug("git stopped reading request body", "service", inv.Service, "error", err)
			}
			requestDone <- nil
		}()
	} else {
		requestDone <- nil
	}

	var g errgroup.Group
	g.Go(func() error {
		// unblock the read below when the exchange is torn down
		stop := context.AfterFunc(procCtx, func() {
			_ = stdout.Close()
		})
		defer stop()

		if len(inv.Preamble) > 0 {
			if _, err := out.Write(inv.Preamble); err != nil {
				streamErr := &StreamError{Direction: "response", Err: err}
				cancelProc(streamErr)
				return streamErr
			}
		}

		buf := make([]byte, copyBufferSize)
		_, err := io.CopyBuffer(writerOnly{out}, stdout, buf)
		switch {
		case out.err != nil:
			streamErr := &StreamError{Direction: "response", Err: out.err}
			cancelProc(streamErr)
			return streamErr
		case err != nil && procCtx.Err() == nil:
			streamErr := &StreamError{Direction: "response", Err: err}
			cancelProc(streamErr)
			return streamErr
		}
		return nil
	})

	// stdout reaching EOF and the process exiting end the exchange; the
	// request body is released afterwards instead of being waited on
	responseErr := g.Wait()
	waitErr := cmd.Wait()
	exited.Store(true)
	requestErr := releaseRequest(w, requestDone)

	copyErr := responseErr
	if copyErr == nil {
		copyErr = requestErr
	}

	res.BytesIn = in.n.Load()
	res.BytesOut = out.n
	res.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case copyErr != nil:
		res.Err = copyErr
	case waitErr == nil:
	case procCtx.Err() != nil:
		res.Err = teardownCause(procCtx)
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.Err = &ExitError{Code: exitErr.ExitCode(), Stderr: res.Stderr}
		} else {
			res.Err = fmt.Errorf("failed to wait for git process: %w", waitErr)
		}
	}

	span.SetAttributes(
		otel.AttrExitCode.Int(res.ExitCode),
		otel.AttrBytesIn.Int64(res.BytesIn),
		otel.AttrBytesOut.Int64(res.BytesOut),
	)
	otel.SetOutcome(span, res.Err)

	if res.Err != nil {
		slog.Warn("git process failed",
			"service", inv.Service,
			"path", inv.Path,
			"exit_code", res.ExitCode,
			"bytes_in", res.BytesIn,
			"bytes_out", res.BytesOut,
			"error", res.Err)
	}
	return res
}

// releaseRequest collects the outcome of the request body copy once the
// process has exited. A body the client is still sending has nobody left to
// consume it, so a pending read is interrupted with an expired read deadline.
// When the writer cannot set deadlines the copy is left to finish on its own.
func releaseRequest(w http.ResponseWriter, done <-chan error) error {
	select {
	case err := <-done:
		return err
	default:
	}

	if err := http.NewResponseController(w).SetReadDeadline(time.Now()); err != nil {
		slog.Debug("Request body still streaming after git exited", "error", err)
		return nil
	}

	select {
	case err := <-done:
		return err
	case <-time.After(releaseTimeout):
		slog.Warn("Request body read did not stop after git exited")
		return nil
	}
}

// teardownCause explains why the process context ended
func teardownCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrProcessTimeout):
		return ErrProcessTimeout
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrClientGone, cause)
	default:
		return cause
	}
}

// writerOnly hides ReadFrom so io.CopyBuffer goes through Write and its flushes
type writerOnly struct {
	io.Writer
}
