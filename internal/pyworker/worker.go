// Package pyworker runs Python requests in a killable worker and supervises
// its lifecycle.
//
// The worker owns exactly one engine instance and serves one request at a
// time from its own goroutine. The supervisor is the only writer to the
// request channel and the only consumer of worker events; enforcing the
// wall-clock timeout means cancelling the worker context, which terminates
// guest code mid-flight, and restarting a fresh worker for the next request.
package pyworker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/manojlds/heimdall/internal/pathguard"
	"github.com/manojlds/heimdall/internal/pyengine"
	"github.com/manojlds/heimdall/internal/syncengine"
)

// Request is one Python execution.
type Request struct {
	Code     string
	Packages []string
}

// Result is the outcome delivered to the caller.
type Result struct {
	Success bool
	Stdout  string
	Stderr  string
	// Value is the printable representation of the final expression, nil
	// when the code did not end in one.
	Value *string
	// Err is empty on success.
	Err string
}

type eventKind int

const (
	eventReady eventKind = iota
	eventResult
	eventInitFailed
)

type event struct {
	kind   eventKind
	result Result
	err    error
}

// worker owns one engine and drains the request channel until its context
// is cancelled.
type worker struct {
	engine pyengine.Engine
	sync   *syncengine.Engine
	guard  *pathguard.Guard
	logger *slog.Logger

	requests chan Request
	// events is buffered so a killed worker never blocks reporting to a
	// supervisor that stopped listening.
	events chan event
	done   chan struct{}
}

// startWorker spawns the worker goroutine. The first event is eventReady or
// eventInitFailed; afterwards every request produces exactly one eventResult
// unless the worker is killed first.
func startWorker(ctx context.Context, factory EngineFactory, guard *pathguard.Guard, logger *slog.Logger) *worker {
	w := &worker{
		guard:    guard,
		logger:   logger,
		requests: make(chan Request),
		events:   make(chan event, 4),
		done:     make(chan struct{}),
	}
	go w.run(ctx, factory)
	return w
}

func (w *worker) run(ctx context.Context, factory EngineFactory) {
	defer close(w.done)

	engine, err := factory(ctx)
	if err != nil {
		w.events <- event{kind: eventInitFailed, err: err}
		return
	}
	w.engine = engine
	w.sync = syncengine.New(w.guard, engine.FS(), w.logger)
	defer func() {
		engine.RestoreCapture()
		_ = engine.Close(context.Background())
	}()

	if err := w.initialize(ctx); err != nil {
		w.events <- event{kind: eventInitFailed, err: err}
		return
	}
	w.events <- event{kind: eventReady}

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.requests:
			res := w.handle(ctx, req)
			select {
			case w.events <- event{kind: eventResult, result: res}:
			case <-ctx.Done():
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// initialize prepares the engine: virtual workspace directory, installer
// probe, and the import-path instruction with the workspace path embedded
// as an escaped literal.
func (w *worker) initialize(ctx context.Context) error {
	if err := w.engine.FS().MkdirAll(pyengine.VirtualRoot); err != nil {
		return fmt.Errorf("creating virtual workspace: %w", err)
	}

	// The installer is best effort: its absence only means install
	// attempts at execution time fail gracefully.
	if err := w.engine.InstallPackage(ctx, "heimdall-probe"); err != nil {
		if errors.Is(err, pyengine.ErrNoInstaller) {
			w.logger.Info("package installer unavailable, installs will be skipped")
		}
	}

	pathSnippet := "import sys\nsys.path.insert(0, " + pyengine.StringLiteral(pyengine.VirtualRoot) + ")"
	if err := w.engine.RunSetup(ctx, pathSnippet); err != nil {
		return fmt.Errorf("preparing import path: %w", err)
	}
	return nil
}

// handle executes one request following the fixed protocol order. The
// sync back to the host runs regardless of the execution outcome: user code
// may have written files before raising.
func (w *worker) handle(ctx context.Context, req Request) Result {
	if err := w.sync.HostToVirtual(ctx); err != nil {
		w.logger.Warn("host to virtual sync incomplete",
			slog.String("error", err.Error()),
		)
	}

	for _, pkg := range req.Packages {
		if err := w.engine.InstallPackage(ctx, pkg); err != nil {
			w.logger.Warn("package install failed",
				slog.String("package", pkg),
				slog.String("error", err.Error()),
			)
		}
	}

	var stdout, stderr bytes.Buffer
	w.engine.SetCapture(&stdout, &stderr)
	defer w.engine.RestoreCapture()

	chdir := "import os\nos.chdir(" + pyengine.StringLiteral(pyengine.VirtualRoot) + ")"
	if err := w.engine.RunSetup(ctx, chdir); err != nil {
		return Result{Err: fmt.Sprintf("preparing working directory: %v", err)}
	}

	if err := w.engine.AutoloadImports(ctx, req.Code); err != nil {
		w.logger.Debug("autoload failed", slog.String("error", err.Error()))
	}

	outcome, runErr := w.engine.Run(ctx, req.Code)

	if err := w.sync.VirtualToHost(context.WithoutCancel(ctx)); err != nil {
		w.logger.Warn("virtual to host sync incomplete",
			slog.String("error", err.Error()),
		)
	}

	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	switch {
	case runErr != nil:
		res.Err = runErr.Error()
	case outcome.Err != "":
		res.Err = outcome.Err
	default:
		res.Success = true
		if outcome.HasValue {
			value := outcome.Value
			res.Value = &value
		}
	}
	return res
}
