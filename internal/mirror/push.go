package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
)

const DefaultPushInterval = time.Second

// PushLoop polls the local tree and pushes local changes to the store. Every cycle takes
// a snapshot, deletes what disappeared since the previous one and uploads what appeared
// or changed.
type PushLoop struct {
	engine   *Engine
	ignore   *IgnoreList
	clock    clockwork.Clock
	interval time.Duration
	nudge    <-chan struct{}
}

type PushOption func(*PushLoop)

func WithPushInterval(d time.Duration) PushOption {
	return func(p *PushLoop) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithPushClock(clock clockwork.Clock) PushOption {
	return func(p *PushLoop) {
		p.clock = clock
	}
}

// WithNudge makes the loop run a cycle as soon as a value arrives on ch instead of waiting
// for the rest of the interval.
func WithNudge(ch <-chan struct{}) PushOption {
	return func(p *PushLoop) {
		p.nudge = ch
	}
}

func NewPushLoop(engine *Engine, ignore *IgnoreList, opts ...PushOption) *PushLoop {
	p := &PushLoop{
		engine:   engine,
		ignore:   ignore,
		clock:    clockwork.NewRealClock(),
		interval: DefaultPushInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Baseline creates the local root if needed and returns the first snapshot. Nothing is
// transferred for the baseline.
func (p *PushLoop) Baseline() (Snapshot, error) {
	if _, err := p.engine.mapper.Root().EnsureDir(); err != nil {
		return nil, fmt.Errorf("local root: %w", err)
	}
	return TakeSnapshot(p.engine.mapper, p.ignore)
}

// Cycle runs one push cycle against the previous snapshot and returns the new one. A
// missing local root fails the cycle without touching the store, and prev is returned so
// a caller that keeps going still diffs against the last good state.
func (p *PushLoop) Cycle(ctx context.Context, prev Snapshot) (Snapshot, error) {
	cur, err := TakeSnapshot(p.engine.mapper, p.ignore)
	if err != nil {
		return prev, err
	}
	if err := p.apply(ctx, prev, cur); err != nil {
		if errors.Is(err, ErrRootUnavailable) {
			return prev, err
		}
		return cur, err
	}
	return cur, nil
}

// apply pushes the difference between two snapshots. A root missing from cur is never
// turned into a remote delete.
func (p *PushLoop) apply(ctx context.Context, prev, cur Snapshot) error {
	removed, changed := Diff(prev, cur)
	if len(removed) == 0 && len(changed) == 0 {
		return nil
	}
	slog.Debug("push", "removed", len(removed), "changed", len(changed))

	// the removed paths are gone from disk, so their subtrees come from prev
	handled := mapset.NewThreadUnsafeSet[string]()
	for _, loc := range removed {
		if loc.IsRoot() {
			return fmt.Errorf("%w: root reported as removed", ErrRootUnavailable)
		}
		for _, victim := range prev.Under(loc) {
			if victim.IsRoot() || !handled.Add(victim.Key()) {
				continue
			}
			if _, err := p.engine.Delete(ctx, victim); err != nil {
				return err
			}
		}
	}

	attempted := mapset.NewThreadUnsafeSet[string]()
	for _, loc := range changed {
		if handled.Contains(loc.Key()) {
			continue
		}
		for _, desc := range loc.AllDescendants() {
			if handled.Contains(desc.Key()) || !attempted.Add(desc.Key()) {
				continue
			}
			if _, err := p.engine.Upload(ctx, desc); err != nil {
				return err
			}
		}
	}

	return nil
}

// Run takes the baseline snapshot and then runs a cycle every interval until ctx ends or
// a cycle fails.
func (p *PushLoop) Run(ctx context.Context) error {
	snap, err := p.Baseline()
	if err != nil {
		return err
	}
	slog.Info("push", "status", "baseline", "entries", len(snap), "interval", p.interval)

	timer := p.clock.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.Chan():
		case <-p.nudge:
			timer.Stop()
		}

		snap, err = p.Cycle(ctx, snap)
		if err != nil {
			return fmt.Errorf("push: %w", err)
		}
		timer.Reset(p.interval)
	}
}
