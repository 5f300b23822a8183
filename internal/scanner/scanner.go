// Package scanner runs the fixed-cadence cycle that drives every other
// subsystem: on each tick it fans out one task per enabled (symbol,
// timeframe) pair across a bounded worker pool, then runs a short list
// of whole-cycle hooks (position supervision, coherence sweeps)
// sequentially once the fan-out drains. A tick that fires while the
// previous cycle is still running is dropped rather than queued — the
// scanner tracks liveness, not backlog.
package scanner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aethelgard/core/internal/domain"
)

// Target is one (symbol, timeframe) pair the Scanner supervises.
type Target struct {
	Symbol    string
	Timeframe domain.Timeframe
}

// Task runs the per-(symbol, timeframe) work for one cycle: fetching
// bars, classifying the regime, generating signals. It is called fresh
// every cycle and must not retain state across calls.
type Task func(ctx context.Context, target Target) error

// CycleHook runs once per completed cycle, after every Task has
// finished or timed out, sequentially and never concurrently with the
// next cycle's fan-out.
type CycleHook func(ctx context.Context) error

// Config tunes cadence, concurrency, and failure handling.
type Config struct {
	// CycleInterval is how often a new cycle begins.
	CycleInterval time.Duration
	// MaxWorkers bounds fan-out concurrency within a single cycle.
	MaxWorkers int
	// TaskTimeout bounds a single target's per-cycle work. A timeout
	// counts as a failure and the target is retried next cycle, not
	// retried within the same cycle.
	TaskTimeout time.Duration
	// ConsecutiveFailuresForStale is how many back-to-back cycle
	// failures on one target before it is marked STALE.
	ConsecutiveFailuresForStale int
	// HeartbeatStaleCycles is how many cycle intervals may pass
	// without a completed cycle before the scanner itself is
	// considered unhealthy.
	HeartbeatStaleCycles int
}

// DefaultConfig matches the spec's 10s cadence, 8-worker cap, 5s
// per-task timeout, and three-strikes staleness rule.
func DefaultConfig() Config {
	return Config{
		CycleInterval:               10 * time.Second,
		MaxWorkers:                  8,
		TaskTimeout:                 5 * time.Second,
		ConsecutiveFailuresForStale: 3,
		HeartbeatStaleCycles:        3,
	}
}

// targetState tracks one target's rolling health.
type targetState struct {
	consecutiveFailures int
	stale               bool
}

// Scanner owns the cadence loop and the bounded fan-out over targets.
type Scanner struct {
	logger *zap.Logger
	cfg    Config
	task   Task
	hooks  []CycleHook

	mu      sync.Mutex
	targets []Target
	state   map[Target]*targetState

	lastCompletedAt atomic.Int64 // unix nanos
	running         atomic.Bool
	cycleInFlight   atomic.Bool

	stop chan struct{}
	done chan struct{}
}

// New constructs a Scanner. task is called once per (symbol, timeframe)
// target on every cycle; hooks run once per cycle after fan-out
// completes.
func New(logger *zap.Logger, cfg Config, task Task, hooks ...CycleHook) *Scanner {
	return &Scanner{
		logger: logger.Named("scanner"),
		cfg:    cfg,
		task:   task,
		hooks:  hooks,
		state:  make(map[Target]*targetState),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetTargets replaces the enabled target set. Safe to call while the
// scanner is running; the new set takes effect on the next cycle.
func (s *Scanner) SetTargets(targets []Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append([]Target(nil), targets...)
	for _, t := range s.targets {
		if _, ok := s.state[t]; !ok {
			s.state[t] = &targetState{}
		}
	}
}

// Start begins the cadence loop in its own goroutine. Call Stop to
// shut it down.
func (s *Scanner) Start(ctx context.Context) {
	if s.running.Swap(true) {
		return
	}
	s.logger.Info("starting scanner",
		zap.Duration("cycle_interval", s.cfg.CycleInterval),
		zap.Int("max_workers", s.cfg.MaxWorkers))

	go s.loop(ctx)
}

// Stop halts the cadence loop and waits for any in-flight cycle to
// drain.
func (s *Scanner) Stop() {
	if !s.running.Swap(false) {
		return
	}
	close(s.stop)
	<-s.done
	s.logger.Info("scanner stopped")
}

func (s *Scanner) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.cycleInFlight.Load() {
				s.logger.Warn("cycle still running, dropping tick")
				continue
			}
			s.runCycle(ctx)
		}
	}
}

// runCycle fans the current target set out across a bounded pool,
// waits for every task to finish or time out, then runs the cycle
// hooks sequentially.
func (s *Scanner) runCycle(ctx context.Context) {
	s.cycleInFlight.Store(true)
	defer s.cycleInFlight.Store(false)

	s.mu.Lock()
	targets := append([]Target(nil), s.targets...)
	s.mu.Unlock()

	sem := make(chan struct{}, s.cfg.MaxWorkers)
	var wg sync.WaitGroup
	for _, target := range targets {
		target := target
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.runTask(ctx, target)
		}()
	}
	wg.Wait()

	for _, hook := range s.hooks {
		if err := hook(ctx); err != nil {
			s.logger.Error("cycle hook failed", zap.Error(err))
		}
	}

	s.lastCompletedAt.Store(time.Now().UnixNano())
}

// runTask executes one target's task under the configured timeout and
// panic recovery, updating its consecutive-failure count and staleness
// flag.
func (s *Scanner) runTask(ctx context.Context, target Target) {
	taskCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("task panicked",
					zap.String("symbol", target.Symbol), zap.String("timeframe", string(target.Timeframe)),
					zap.Any("panic", r))
				err = errPanic
			}
			done <- err
		}()
		err = s.task(taskCtx, target)
	}()

	var taskErr error
	select {
	case taskErr = <-done:
	case <-taskCtx.Done():
		taskErr = taskCtx.Err()
		s.logger.Warn("task timed out",
			zap.String("symbol", target.Symbol), zap.String("timeframe", string(target.Timeframe)),
			zap.Duration("timeout", s.cfg.TaskTimeout))
	}

	s.recordResult(target, taskErr)
}

func (s *Scanner) recordResult(target Target, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[target]
	if !ok {
		st = &targetState{}
		s.state[target] = st
	}

	if err == nil {
		if st.consecutiveFailures > 0 || st.stale {
			s.logger.Info("target recovered",
				zap.String("symbol", target.Symbol), zap.String("timeframe", string(target.Timeframe)))
		}
		st.consecutiveFailures = 0
		st.stale = false
		return
	}

	st.consecutiveFailures++
	if st.consecutiveFailures >= s.cfg.ConsecutiveFailuresForStale && !st.stale {
		st.stale = true
		s.logger.Warn("target marked stale after consecutive failures",
			zap.String("symbol", target.Symbol), zap.String("timeframe", string(target.Timeframe)),
			zap.Int("consecutive_failures", st.consecutiveFailures), zap.Error(err))
	}
}

// IsStale reports whether a target has tripped the consecutive-failure
// staleness threshold.
func (s *Scanner) IsStale(target Target) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[target]
	return ok && st.stale
}

// HeartbeatHealthy reports whether a cycle has completed within
// HeartbeatStaleCycles worth of the configured cadence. A scanner that
// has never completed a cycle is unhealthy by definition.
func (s *Scanner) HeartbeatHealthy(now time.Time) bool {
	last := s.lastCompletedAt.Load()
	if last == 0 {
		return false
	}
	maxAge := time.Duration(s.cfg.HeartbeatStaleCycles) * s.cfg.CycleInterval
	return now.Sub(time.Unix(0, last)) <= maxAge
}

type panicErr struct{}

func (panicErr) Error() string { return "scanner: task panicked" }

var errPanic error = panicErr{}
