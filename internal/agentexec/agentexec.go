// Package agentexec implements the worker backend over external processes.
// Each spawned worker is one subprocess: the prompt goes to stdin, free-form
// output comes back on stdout, and an optional JSON trailer line carries the
// self-reported confidence and signals.
package agentexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specpipe/internal/coordinator"
	"github.com/fyrsmithlabs/specpipe/internal/logging"
	"github.com/fyrsmithlabs/specpipe/internal/policy"
	"github.com/fyrsmithlabs/specpipe/internal/router"
)

// ErrUnknownHandle is returned when polling a handle this backend never
// issued.
var ErrUnknownHandle = errors.New("unknown execution handle")

// Config names the worker command. Args may reference {role}, {provider},
// {model} and {kind}; each occurrence is replaced per spawned worker.
type Config struct {
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
	WorkDir string   `koanf:"workdir"`
}

// trailer is the optional structured last line of worker output.
type trailer struct {
	Confidence *float64        `json:"confidence"`
	Signals    []policy.Signal `json:"signals"`
}

type execution struct {
	cmd     *exec.Cmd
	stdout  *bytes.Buffer
	stderr  *bytes.Buffer
	done    chan struct{}
	waitErr error
}

// Backend runs workers as subprocesses. Implements coordinator.Backend.
type Backend struct {
	cfg Config
	log *logging.Logger

	mu    sync.Mutex
	procs map[coordinator.Handle]*execution
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(b *Backend) { b.log = log }
}

// New creates the backend. The worker command is required.
func New(cfg Config, opts ...Option) (*Backend, error) {
	if cfg.Command == "" {
		return nil, errors.New("worker command is required")
	}
	b := &Backend{
		cfg:   cfg,
		log:   logging.NewNop(),
		procs: make(map[coordinator.Handle]*execution),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Spawn starts one worker process. The returned handle is only valid
// against this backend instance.
func (b *Backend) Spawn(ctx context.Context, spec router.WorkerSpec, prompt string) (coordinator.Handle, error) {
	cmd := exec.Command(b.cfg.Command, renderArgs(b.cfg.Args, spec)...)
	cmd.Dir = b.cfg.WorkDir
	cmd.Stdin = strings.NewReader(prompt)

	e := &execution{
		cmd:    cmd,
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
		done:   make(chan struct{}),
	}
	cmd.Stdout = e.stdout
	cmd.Stderr = e.stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start worker %s: %w", spec.Label(), err)
	}

	handle := coordinator.Handle(uuid.NewString())
	b.mu.Lock()
	b.procs[handle] = e
	b.mu.Unlock()

	go func() {
		e.waitErr = cmd.Wait()
		close(e.done)
	}()

	b.log.Debug(ctx, "worker process started",
		zap.String("worker", spec.Label()),
		zap.Int("pid", cmd.Process.Pid))
	return handle, nil
}

// Poll reports the process state. Output is read only once the process has
// exited, so no synchronization with the process's own writes is needed.
func (b *Backend) Poll(ctx context.Context, h coordinator.Handle) (coordinator.Status, *coordinator.Result, error) {
	b.mu.Lock()
	e, ok := b.procs[h]
	b.mu.Unlock()
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}

	select {
	case <-e.done:
	default:
		return coordinator.StatusRunning, nil, nil
	}

	if e.waitErr != nil {
		b.log.Warn(ctx, "worker process failed",
			zap.Error(e.waitErr),
			zap.String("stderr", strings.TrimSpace(e.stderr.String())))
		return coordinator.StatusFailed, &coordinator.Result{Output: e.stdout.String()}, nil
	}

	output, tr := splitTrailer(e.stdout.String())
	result := &coordinator.Result{Output: output}
	if tr != nil {
		result.Confidence = tr.Confidence
		result.Signals = tr.Signals
	}
	return coordinator.StatusSucceeded, result, nil
}

// Cancel kills a running worker process. Already-exited processes are left
// alone.
func (b *Backend) Cancel(ctx context.Context, h coordinator.Handle) error {
	b.mu.Lock()
	e, ok := b.procs[h]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}

	select {
	case <-e.done:
		return nil
	default:
	}
	if err := e.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill worker process: %w", err)
	}
	return nil
}

func renderArgs(args []string, spec router.WorkerSpec) []string {
	out := make([]string, len(args))
	replacer := strings.NewReplacer(
		"{role}", spec.Role.String(),
		"{provider}", spec.Provider,
		"{model}", spec.Model,
		"{kind}", string(spec.Kind),
	)
	for i, a := range args {
		out[i] = replacer.Replace(a)
	}
	return out
}

// splitTrailer strips the optional structured last line from worker output.
// A last line that is not valid trailer JSON stays part of the output.
func splitTrailer(raw string) (string, *trailer) {
	trimmed := strings.TrimRight(raw, "\n")
	idx := strings.LastIndexByte(trimmed, '\n')
	last := trimmed[idx+1:]
	if !strings.HasPrefix(strings.TrimSpace(last), "{") {
		return trimmed, nil
	}

	var tr trailer
	if err := json.Unmarshal([]byte(last), &tr); err != nil {
		return trimmed, nil
	}
	if idx < 0 {
		return "", &tr
	}
	return strings.TrimRight(trimmed[:idx], "\n"), &tr
}
