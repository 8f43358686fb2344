package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const DefaultRestartDelay = 10 * time.Second

// ErrLoopExited is reported when a loop that should run forever returns without error.
var ErrLoopExited = errors.New("loop exited")

type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateBackingOff
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateBackingOff:
		return "backing-off"
	default:
		return "unknown"
	}
}

// Initializer performs the one-shot catch-up that precedes the loops.
type Initializer interface {
	Run(ctx context.Context) (int, error)
}

// Loop is a long running reconciliation loop. Run returns only on failure or when ctx
// ends.
type Loop interface {
	Run(ctx context.Context) error
}

// Supervisor runs the initializer, then the push and pull loops side by side. When
// either loop ends, the other is cancelled and, after a delay, everything starts over.
type Supervisor struct {
	initializer  Initializer
	push         Loop
	pull         Loop
	clock        clockwork.Clock
	restartDelay time.Duration

	state         atomic.Int32
	restarts      atomic.Int64
	onStateChange func(State)
}

type SupervisorOption func(*Supervisor)

func WithRestartDelay(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.restartDelay = d
		}
	}
}

func WithSupervisorClock(clock clockwork.Clock) SupervisorOption {
	return func(s *Supervisor) {
		s.clock = clock
	}
}

// OnStateChange registers a hook called synchronously on every state transition.
func OnStateChange(fn func(State)) SupervisorOption {
	return func(s *Supervisor) {
		s.onStateChange = fn
	}
}

func NewSupervisor(initializer Initializer, push, pull Loop, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		initializer:  initializer,
		push:         push,
		pull:         pull,
		clock:        clockwork.NewRealClock(),
		restartDelay: DefaultRestartDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Restarts returns how many times the supervisor has backed off so far.
func (s *Supervisor) Restarts() int64 {
	return s.restarts.Load()
}

// Run cycles through the states until ctx is cancelled, and then returns ctx.Err().
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		s.setState(StateInitializing)
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			slog.Info("supervisor", "status", "stopped")
			return ctx.Err()
		}

		s.restarts.Add(1)
		s.setState(StateBackingOff)
		slog.Warn("supervisor", "status", "restarting", "delay", s.restartDelay, "error", err)

		select {
		case <-ctx.Done():
			slog.Info("supervisor", "status", "stopped")
			return ctx.Err()
		case <-s.clock.After(s.restartDelay):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	n, err := s.initializer.Run(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	slog.Info("supervisor", "status", "initialized", "transferred", n)

	s.setState(StateRunning)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loopResult("push", s.push.Run(gctx))
	})
	g.Go(func() error {
		return loopResult("pull", s.pull.Run(gctx))
	})
	return g.Wait()
}

func loopResult(name string, err error) error {
	if err == nil {
		err = ErrLoopExited
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Supervisor) setState(state State) {
	s.state.Store(int32(state))
	slog.Debug("supervisor", "state", state)
	if s.onStateChange != nil {
		s.onStateChange(state)
	}
}
