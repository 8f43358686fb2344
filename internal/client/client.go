// Package client assembles a mirror process from its configuration: the remote store,
// the local filesystem view, the reconciliation loops and the supervisor that runs them.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cloudmirror/cloudmirror/internal/config"
	"github.com/cloudmirror/cloudmirror/internal/db"
	"github.com/cloudmirror/cloudmirror/internal/mirror"
	"github.com/cloudmirror/cloudmirror/internal/remote"
	"github.com/cloudmirror/cloudmirror/internal/remote/memstore"
	"github.com/cloudmirror/cloudmirror/internal/remote/s3store"
	"github.com/cloudmirror/cloudmirror/internal/utils"
	"github.com/gofrs/flock"
	"github.com/spf13/afero"
)

var ErrAlreadyRunning = errors.New("local root is locked by another cloudmirror process")

type Client struct {
	config     *config.Config
	store      remote.Store
	closer     io.Closer
	ignore     *mirror.IgnoreList
	supervisor *mirror.Supervisor
	watcher    *mirror.Watcher
	lock       *flock.Flock
}

func New(ctx context.Context, cfg *config.Config) (*Client, error) {
	store, closer, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	hashes, err := mirror.NewHashCache(mirror.DefaultHashCacheSize)
	if err != nil {
		return nil, err
	}

	fsys := afero.NewOsFs()
	mapper := mirror.NewMapper(mirror.Roots{LocalRoot: cfg.LocalRoot, RemoteRoot: cfg.RemoteRoot}, fsys, hashes)
	ignore := mirror.NewIgnoreList(fsys, cfg.LocalRoot)
	engine := mirror.NewEngine(store, mapper, ignore)

	c := &Client{
		config: cfg,
		store:  store,
		closer: closer,
		ignore: ignore,
		lock:   flock.New(filepath.Join(cfg.LocalRoot, mirror.LockFileName)),
	}

	pushOpts := []mirror.PushOption{mirror.WithPushInterval(cfg.PushInterval)}
	if cfg.Watch {
		c.watcher = mirror.NewWatcher(cfg.LocalRoot)
		c.watcher.FilterPaths(ignore.ShouldIgnore)
		pushOpts = append(pushOpts, mirror.WithNudge(c.watcher.Nudges()))
	}

	c.supervisor = mirror.NewSupervisor(
		mirror.NewBatchInitializer(engine,
			mirror.WithConcurrency(cfg.Concurrency),
			mirror.WithJitter(cfg.Jitter),
		),
		mirror.NewPushLoop(engine, ignore, pushOpts...),
		mirror.NewPullLoop(engine, mirror.WithLongPollWait(cfg.LongPollWait)),
		mirror.WithRestartDelay(cfg.RestartDelay),
		mirror.OnStateChange(func(s mirror.State) {
			slog.Info("mirror", "state", s.String())
		}),
	)
	return c, nil
}

func newStore(ctx context.Context, cfg *config.Config) (remote.Store, io.Closer, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memstore.New(), nil, nil

	case config.BackendS3:
		cred, err := config.ParseCredential(cfg.Credential)
		if err != nil {
			return nil, nil, err
		}
		s3cfg := &s3store.Config{
			Bucket:       cfg.Bucket,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			Prefix:       cfg.Prefix,
			AccessKey:    cred.AccessKey,
			SecretKey:    cred.SecretKey,
			SessionToken: cred.SessionToken,
			ScanInterval: cfg.ScanInterval,
		}
		api, err := s3store.NewS3Client(ctx, s3cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("create s3 client: %w", err)
		}

		indexPath := cfg.IndexPath
		if indexPath == "" {
			indexPath = db.InMemory
		}
		changes, err := s3store.OpenChangeLog(indexPath)
		if err != nil {
			return nil, nil, err
		}
		return s3store.New(api, s3cfg, changes), changes, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalidConfig, cfg.Backend)
	}
}

func (c *Client) Store() remote.Store {
	return c.store
}

func (c *Client) State() mirror.State {
	return c.supervisor.State()
}

// Start locks the local root and mirrors until ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	slog.Info("cloudmirror start",
		"local", c.config.LocalRoot,
		"remote", c.config.RemoteRoot,
		"backend", c.config.Backend,
		"config", c.config.Path,
	)

	// the batch pass reloads the rules on every supervisor attempt; the watcher filter
	// needs them before that
	c.ignore.Load()

	if c.watcher != nil {
		if err := c.watcher.Start(ctx); err != nil {
			// polling still finds every change
			slog.Warn("file watcher unavailable", "error", err)
		} else {
			defer c.watcher.Stop()
		}
	}

	err := c.supervisor.Run(ctx)
	if c.closer != nil {
		if cerr := c.closer.Close(); cerr != nil {
			slog.Warn("close store", "error", cerr)
		}
	}

	slog.Info("cloudmirror stop", "restarts", c.supervisor.Restarts())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Client) acquire() error {
	if err := utils.EnsureDir(c.config.LocalRoot); err != nil {
		return fmt.Errorf("create local root: %w", err)
	}

	locked, err := c.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock local root: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	return nil
}

func (c *Client) release() {
	if !c.lock.Locked() {
		return
	}
	if err := c.lock.Unlock(); err != nil {
		slog.Warn("unlock local root", "error", err)
		return
	}
	os.Remove(c.lock.Path())
}
