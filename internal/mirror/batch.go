package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/cloudmirror/cloudmirror/internal/remote"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency = 16
	DefaultJitter      = 10 * time.Millisecond
)

// BatchInitializer brings the local tree up to date with the whole remote tree in one
// pass. Downloads run on a bounded worker pool.
type BatchInitializer struct {
	engine      *Engine
	clock       clockwork.Clock
	concurrency int
	jitter      time.Duration
}

type BatchOption func(*BatchInitializer)

func WithConcurrency(n int) BatchOption {
	return func(b *BatchInitializer) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithJitter sets the upper bound of the random delay before each task is submitted.
// Zero disables the delay.
func WithJitter(d time.Duration) BatchOption {
	return func(b *BatchInitializer) {
		b.jitter = max(d, 0)
	}
}

func WithBatchClock(clock clockwork.Clock) BatchOption {
	return func(b *BatchInitializer) {
		b.clock = clock
	}
}

func NewBatchInitializer(engine *Engine, opts ...BatchOption) *BatchInitializer {
	b := &BatchInitializer{
		engine:      engine,
		clock:       clockwork.NewRealClock(),
		concurrency: DefaultConcurrency,
		jitter:      DefaultJitter,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run reloads the ignore rules, then lists the remote tree and downloads every entry that
// is newer remotely. Failures of individual entries are logged and skipped. It returns the
// number of files transferred.
func (b *BatchInitializer) Run(ctx context.Context) (int, error) {
	store := b.engine.store
	root := b.engine.mapper.Root()
	start := time.Now()

	// every supervisor attempt starts here, so edits to the ignore file apply on restart
	b.engine.ignore.Load()

	page, err := store.ListFolder(ctx, root.Remote, remote.ListOptions{
		Recursive:      true,
		IncludeMounted: true,
	})
	if errors.Is(err, remote.ErrNotFound) {
		slog.Info("batch", "status", "empty", "path", root.Remote)
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("batch: list %s: %w", root.Remote, err)
	}

	var (
		g           errgroup.Group
		transferred atomic.Int64
		failed      atomic.Int64
		listErr     error
	)
	g.SetLimit(b.concurrency)

	for {
		for _, entry := range page.Entries {
			if err := b.stagger(ctx); err != nil {
				listErr = err
				break
			}

			g.Go(func() error {
				ok, err := b.handle(ctx, entry)
				if err != nil {
					failed.Add(1)
					slog.Error("batch", "path", entry.Path, "error", err)
				} else if ok {
					transferred.Add(1)
				}
				return nil
			})
		}
		if listErr != nil || !page.HasMore {
			break
		}

		page, err = store.ListFolderContinue(ctx, page.Cursor)
		if err != nil {
			listErr = fmt.Errorf("batch: list %s: %w", root.Remote, err)
			break
		}
	}

	_ = g.Wait()
	if listErr != nil {
		return int(transferred.Load()), listErr
	}

	slog.Info("batch", "status", "done", "transferred", transferred.Load(), "failed", failed.Load(), "elapsed", time.Since(start))
	return int(transferred.Load()), nil
}

func (b *BatchInitializer) handle(ctx context.Context, entry *remote.Metadata) (bool, error) {
	loc := b.engine.mapper.FromRemoteMetadata(entry)

	switch entry.Kind {
	case remote.KindFolder:
		created, err := loc.EnsureDir()
		if created {
			slog.Debug("sync", "op", OpMkdirLocal, "path", loc.Local)
		}
		return false, err
	case remote.KindFile:
		return b.engine.Download(ctx, loc)
	default:
		return false, nil
	}
}

func (b *BatchInitializer) stagger(ctx context.Context) error {
	if b.jitter <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.clock.After(rand.N(b.jitter)):
		return nil
	}
}
