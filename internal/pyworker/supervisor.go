package pyworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/manojlds/heimdall/internal/pathguard"
	"github.com/manojlds/heimdall/internal/pyengine"
)

// Error kinds surfaced to callers.
var (
	// ErrTimeout reports that execution exceeded the configured wall clock
	// and the worker was killed.
	ErrTimeout = errors.New("python execution timed out")

	// ErrWorkerUnavailable reports that the worker failed to start, crashed,
	// or was killed. The caller may retry; the next call spawns a fresh one.
	ErrWorkerUnavailable = errors.New("python worker unavailable")
)

// EngineFactory constructs a fresh engine for a new worker.
type EngineFactory func(ctx context.Context) (pyengine.Engine, error)

// Config bounds supervisor behavior.
type Config struct {
	// Timeout is the wall-clock limit per execution. Non-positive disables
	// the timer (used only in tests).
	Timeout time.Duration

	// InitTimeout bounds worker startup.
	InitTimeout time.Duration
}

// Supervisor owns the worker lifecycle and serializes execution requests.
type Supervisor struct {
	cfg     Config
	factory EngineFactory
	guard   *pathguard.Guard
	logger  *slog.Logger

	// onRestart is notified after a kill or crash, for metrics.
	onRestart func()

	// sem serializes Execute; the worker handles one request at a time and
	// queued callers wait their turn rather than failing.
	sem chan struct{}

	// w is only touched while holding sem.
	w *worker
	// cancel tears down the current worker's context.
	cancel context.CancelFunc
}

// New creates a supervisor; the worker itself starts lazily on the first
// Execute call.
func New(cfg Config, factory EngineFactory, guard *pathguard.Guard, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 60 * time.Second
	}
	return &Supervisor{
		cfg:     cfg,
		factory: factory,
		guard:   guard,
		logger:  logger,
		sem:     make(chan struct{}, 1),
	}
}

// OnRestart registers a hook called whenever the worker is killed or found
// dead. Must be set before the first Execute.
func (s *Supervisor) OnRestart(fn func()) { s.onRestart = fn }

// Execute runs one request, enforcing the wall-clock timeout by killing the
// worker. The call either returns the worker's result or a timeout /
// unavailable error result; it never leaves the supervisor in a state that
// cannot serve the next request.
func (s *Supervisor) Execute(ctx context.Context, req Request) Result {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	w, err := s.ensureWorker()
	if err != nil {
		s.logger.Error("worker start failed", slog.String("error", err.Error()))
		return Result{Err: fmt.Sprintf("%v: %v", ErrWorkerUnavailable, err)}
	}

	select {
	case w.requests <- req:
	case <-w.done:
		s.retire()
		return Result{Err: ErrWorkerUnavailable.Error()}
	}

	var timeout <-chan time.Time
	if s.cfg.Timeout > 0 {
		timer := time.NewTimer(s.cfg.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case ev := <-w.events:
			if ev.kind != eventResult {
				// Late init noise from a worker being torn down.
				continue
			}
			return ev.result
		case <-timeout:
			s.logger.Warn("python execution timed out, killing worker",
				slog.Duration("timeout", s.cfg.Timeout),
			)
			s.retire()
			return Result{Err: fmt.Sprintf("execution timed out after %d ms", s.cfg.Timeout.Milliseconds())}
		case <-w.done:
			s.logger.Error("python worker exited mid-request")
			s.retire()
			return Result{Err: ErrWorkerUnavailable.Error()}
		}
	}
}

// Ready reports whether a worker is currently alive, for health checks.
// It does not start one.
func (s *Supervisor) Ready() bool {
	select {
	case s.sem <- struct{}{}:
	default:
		// A request is in flight, so a worker exists.
		return true
	}
	defer func() { <-s.sem }()
	return s.w != nil
}

// Close tears down the current worker, if any.
func (s *Supervisor) Close() {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()
	if s.w != nil {
		s.cancel()
		<-s.w.done
		s.w = nil
		s.cancel = nil
	}
}

// ensureWorker lazily starts a worker and waits for its ready signal,
// bounded by the init timeout. Caller holds sem.
func (s *Supervisor) ensureWorker() (*worker, error) {
	if s.w != nil {
		return s.w, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := startWorker(ctx, s.factory, s.guard, s.logger)

	initTimer := time.NewTimer(s.cfg.InitTimeout)
	defer initTimer.Stop()

	select {
	case ev := <-w.events:
		switch ev.kind {
		case eventReady:
			s.w = w
			s.cancel = cancel
			return w, nil
		case eventInitFailed:
			cancel()
			return nil, ev.err
		default:
			cancel()
			return nil, fmt.Errorf("unexpected worker event before ready")
		}
	case <-initTimer.C:
		cancel()
		<-w.done
		return nil, fmt.Errorf("worker did not become ready within %s", s.cfg.InitTimeout)
	case <-w.done:
		cancel()
		return nil, fmt.Errorf("worker exited during startup")
	}
}

// retire kills the current worker and marks it absent so the next Execute
// spawns a fresh one. Caller holds sem.
func (s *Supervisor) retire() {
	if s.w == nil {
		return
	}
	s.cancel()
	s.w = nil
	s.cancel = nil
	if s.onRestart != nil {
		s.onRestart()
	}
}
