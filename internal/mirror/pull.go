package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/cloudmirror/cloudmirror/internal/remote"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

const (
	DefaultLongPollWait = 120 * time.Second

	// extra time granted to a long poll on top of the requested wait
	longPollMargin = 30 * time.Second
)

// PullLoop follows the store's change feed from the moment it starts and applies every
// remote change to the local tree.
type PullLoop struct {
	engine *Engine
	clock  clockwork.Clock
	wait   time.Duration
}

type PullOption func(*PullLoop)

func WithLongPollWait(d time.Duration) PullOption {
	return func(p *PullLoop) {
		if d > 0 {
			p.wait = d
		}
	}
}

func WithPullClock(clock clockwork.Clock) PullOption {
	return func(p *PullLoop) {
		p.clock = clock
	}
}

func NewPullLoop(engine *Engine, opts ...PullOption) *PullLoop {
	p := &PullLoop{
		engine: engine,
		clock:  clockwork.NewRealClock(),
		wait:   DefaultLongPollWait,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PullLoop) Run(ctx context.Context) error {
	store := p.engine.store
	root := p.engine.mapper.Root()

	cursor, err := store.LatestCursor(ctx, root.Remote, remote.ListOptions{
		Recursive:      true,
		IncludeDeleted: true,
		IncludeMounted: true,
	})
	if err != nil {
		return fmt.Errorf("pull: latest cursor: %w", err)
	}
	slog.Info("pull", "status", "watching", "path", root.Remote, "wait", p.wait)

	for {
		res, err := p.poll(ctx, cursor)
		if err != nil {
			return fmt.Errorf("pull: long poll: %w", err)
		}

		if res.Changes {
			cursor, err = p.Drain(ctx, cursor)
			if err != nil {
				return fmt.Errorf("pull: %w", err)
			}
		}

		if res.Backoff > 0 {
			slog.Debug("pull", "status", "backoff", "delay", res.Backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.clock.After(res.Backoff):
			}
		}
	}
}

func (p *PullLoop) poll(ctx context.Context, cursor string) (*remote.PollResult, error) {
	pollCtx, cancel := context.WithTimeout(ctx, p.wait+longPollMargin)
	defer cancel()
	return p.engine.store.LongPoll(pollCtx, cursor, p.wait)
}

// Drain applies every page of changes available for cursor and returns the cursor that
// follows the last page.
func (p *PullLoop) Drain(ctx context.Context, cursor string) (string, error) {
	for {
		page, err := p.engine.store.ListFolderContinue(ctx, cursor)
		if err != nil {
			return cursor, fmt.Errorf("list changes: %w", err)
		}
		for _, entry := range page.Entries {
			if err := p.apply(ctx, entry); err != nil {
				return cursor, err
			}
		}
		cursor = page.Cursor
		if !page.HasMore {
			return cursor, nil
		}
	}
}

func (p *PullLoop) apply(ctx context.Context, entry *remote.Metadata) error {
	loc := p.engine.mapper.FromRemoteMetadata(entry)

	switch entry.Kind {
	case remote.KindFile:
		_, err := p.engine.Download(ctx, loc)
		return err
	case remote.KindFolder:
		created, err := loc.EnsureDir()
		if err != nil {
			return err
		}
		if created {
			slog.Info("sync", "op", OpMkdirLocal, "path", loc.Local)
		}
		return nil
	case remote.KindDeleted:
		return p.removeLocal(loc)
	default:
		return nil
	}
}

// removeLocal deletes the local counterpart of a deleted remote entry. Missing entries are
// fine; directories that still hold files are kept.
func (p *PullLoop) removeLocal(loc Location) error {
	if loc.IsRoot() {
		return nil
	}
	fsys := p.engine.mapper.fs

	info, err := fsys.Stat(loc.Local)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("sync", "op", OpDeleteLocal, "path", loc.Local, "message", "already deleted")
		return nil
	} else if err != nil {
		return fmt.Errorf("stat %s: %w", loc.Local, err)
	}

	if info.IsDir() {
		children, err := afero.ReadDir(fsys, loc.Local)
		if err != nil {
			return fmt.Errorf("read dir %s: %w", loc.Local, err)
		}
		if len(children) > 0 {
			slog.Warn("sync", "op", OpDeleteLocal, "path", loc.Local, "message", "directory not empty, kept")
			return nil
		}
	}

	if err := fsys.Remove(loc.Local); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", loc.Local, err)
	}
	p.engine.mapper.hashes.Forget(loc.Local)
	slog.Info("sync", "op", OpDeleteLocal, "path", loc.Local)
	return nil
}
