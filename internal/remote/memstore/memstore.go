// Package memstore is an in-memory remote.Store. It keeps a full change log so that
// cursors, paging and long polls behave like a real change feed, which makes it suitable
// for tests and dry runs.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cloudmirror/cloudmirror/internal/contenthash"
	"github.com/cloudmirror/cloudmirror/internal/remote"
)

const defaultPageSize = 500

type entry struct {
	meta remote.Metadata
	data []byte
}

type Store struct {
	mu       sync.RWMutex
	entries  map[string]*entry // keyed by lower-cased clean path
	log      []remote.Metadata // change log, seq N is log[N-1]
	changed  chan struct{}     // closed and replaced on every change
	pageSize int
	backoff  time.Duration
}

type Option func(*Store)

// WithPageSize limits the number of entries returned per page.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithBackoff makes every long poll answer carry the given backoff hint.
func WithBackoff(d time.Duration) Option {
	return func(s *Store) {
		s.backoff = d
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		entries:  make(map[string]*entry),
		changed:  make(chan struct{}),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func key(p string) string {
	return strings.ToLower(remote.CleanPath(p))
}

func (s *Store) Find(ctx context.Context, parent, name string) (*remote.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key(remote.JoinPath(parent, name))]
	if !ok {
		return nil, nil
	}
	meta := e.meta
	return &meta, nil
}

func (s *Store) ListFolder(ctx context.Context, path string, opts remote.ListOptions) (*remote.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	path = remote.CleanPath(path)
	if !remote.IsRoot(path) {
		e, ok := s.entries[key(path)]
		if !ok {
			return nil, fmt.Errorf("list %s: %w", path, remote.ErrNotFound)
		}
		if e.meta.Kind != remote.KindFolder {
			return nil, fmt.Errorf("list %s: not a folder: %w", path, remote.ErrNotFound)
		}
	}

	cursor := &remote.Cursor{
		Path:           path,
		Recursive:      opts.Recursive,
		IncludeDeleted: opts.IncludeDeleted,
		Seq:            int64(len(s.log)),
		Offset:         0,
	}
	return s.listingPage(cursor), nil
}

func (s *Store) ListFolderContinue(ctx context.Context, cursor string) (*remote.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := remote.DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if c.Seq > int64(len(s.log)) {
		return nil, fmt.Errorf("%w: position %d beyond log end", remote.ErrInvalidCursor, c.Seq)
	}
	if c.InListing() {
		return s.listingPage(c), nil
	}
	return s.changesPage(c), nil
}

func (s *Store) LatestCursor(ctx context.Context, path string, opts remote.ListOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c := &remote.Cursor{
		Path:           remote.CleanPath(path),
		Recursive:      opts.Recursive,
		IncludeDeleted: opts.IncludeDeleted,
		Seq:            int64(len(s.log)),
		Offset:         -1,
	}
	return c.Encode(), nil
}

func (s *Store) LongPoll(ctx context.Context, cursor string, wait time.Duration) (*remote.PollResult, error) {
	c, err := remote.DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		s.mu.RLock()
		pending := c.InListing() || s.hasChanges(c)
		changed := s.changed
		s.mu.RUnlock()

		if pending {
			return &remote.PollResult{Changes: true, Backoff: s.backoff}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return &remote.PollResult{Changes: false, Backoff: s.backoff}, nil
		case <-changed:
		}
	}
}

func (s *Store) CreateFolder(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ensureFolders(remote.CleanPath(path))
}

func (s *Store) PutFile(ctx context.Context, path string, body io.ReadSeeker, clientModified time.Time, mode remote.WriteMode) (*remote.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path = remote.CleanPath(path)
	if remote.IsRoot(path) {
		return nil, fmt.Errorf("put %s: %w", path, remote.ErrConflict)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("put %s: read body: %w", path, err)
	}
	hash, err := contenthash.Reader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("put %s: hash body: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[key(path)]; ok {
		if existing.meta.Kind != remote.KindFile || mode == remote.WriteAdd {
			return nil, fmt.Errorf("put %s: %w", path, remote.ErrConflict)
		}
	}
	if err := s.ensureFolders(parentOf(path)); err != nil {
		return nil, err
	}

	e := &entry{
		meta: remote.Metadata{
			Kind:           remote.KindFile,
			Path:           path,
			ContentHash:    hash,
			ClientModified: clientModified,
			Size:           int64(len(data)),
		},
		data: data,
	}
	s.entries[key(path)] = e
	s.record(e.meta)

	meta := e.meta
	return &meta, nil
}

func (s *Store) GetFile(ctx context.Context, path string, w io.Writer) (*remote.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	e, ok := s.entries[key(path)]
	var meta remote.Metadata
	var data []byte
	if ok {
		meta, data = e.meta, e.data
	}
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, remote.ErrNotFound)
	}
	if meta.Kind != remote.KindFile {
		return nil, fmt.Errorf("get %s: %w", path, remote.ErrNotFile)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("get %s: write: %w", path, err)
	}
	return &meta, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path = remote.CleanPath(path)
	if remote.IsRoot(path) {
		return fmt.Errorf("delete %s: %w", path, remote.ErrConflict)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.entries[key(path)]
	if !ok {
		return fmt.Errorf("delete %s: %w", path, remote.ErrNotFound)
	}

	var doomed []*entry
	if target.meta.Kind == remote.KindFolder {
		for _, e := range s.entries {
			if remote.InScope(path, e.meta.Path, true) {
				doomed = append(doomed, e)
			}
		}
		// deepest entries first so that a consumer can remove children before parents
		slices.SortFunc(doomed, func(a, b *entry) int {
			if d := remote.Depth(b.meta.Path) - remote.Depth(a.meta.Path); d != 0 {
				return d
			}
			return strings.Compare(a.meta.Path, b.meta.Path)
		})
	}
	doomed = append(doomed, target)

	for _, e := range doomed {
		delete(s.entries, key(e.meta.Path))
		s.record(remote.Metadata{Kind: remote.KindDeleted, Path: e.meta.Path})
	}
	return nil
}

// Entries returns every live entry sorted by path.
func (s *Store) Entries() []*remote.Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*remote.Metadata, 0, len(s.entries))
	for _, e := range s.entries {
		meta := e.meta
		out = append(out, &meta)
	}
	slices.SortFunc(out, func(a, b *remote.Metadata) int {
		return strings.Compare(a.Path, b.Path)
	})
	return out
}

// Files returns every live file entry sorted by path.
func (s *Store) Files() []*remote.Metadata {
	var files []*remote.Metadata
	for _, m := range s.Entries() {
		if m.Kind == remote.KindFile {
			files = append(files, m)
		}
	}
	return files
}

// ensureFolders creates path and its missing ancestors. Callers hold the write lock.
func (s *Store) ensureFolders(path string) error {
	if remote.IsRoot(path) {
		return nil
	}
	if err := s.ensureFolders(parentOf(path)); err != nil {
		return err
	}

	if e, ok := s.entries[key(path)]; ok {
		if e.meta.Kind != remote.KindFolder {
			return fmt.Errorf("create folder %s: %w", path, remote.ErrConflict)
		}
		return nil
	}

	meta := remote.Metadata{Kind: remote.KindFolder, Path: path}
	s.entries[key(path)] = &entry{meta: meta}
	s.record(meta)
	return nil
}

// record appends to the change log and wakes long pollers. Callers hold the write lock.
func (s *Store) record(meta remote.Metadata) {
	s.log = append(s.log, meta)
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Store) hasChanges(c *remote.Cursor) bool {
	for _, m := range s.log[c.Seq:] {
		if s.matches(c, &m) {
			return true
		}
	}
	return false
}

func (s *Store) matches(c *remote.Cursor, m *remote.Metadata) bool {
	if m.Kind == remote.KindDeleted && !c.IncludeDeleted {
		return false
	}
	return remote.InScope(c.Path, m.Path, c.Recursive)
}

func (s *Store) listingPage(c *remote.Cursor) *remote.Page {
	var all []*remote.Metadata
	for _, e := range s.entries {
		if remote.InScope(c.Path, e.meta.Path, c.Recursive) {
			meta := e.meta
			all = append(all, &meta)
		}
	}
	slices.SortFunc(all, func(a, b *remote.Metadata) int {
		return strings.Compare(strings.ToLower(a.Path), strings.ToLower(b.Path))
	})

	start := min(c.Offset, len(all))
	end := min(start+s.pageSize, len(all))

	next := *c
	page := &remote.Page{Entries: all[start:end]}
	if end < len(all) {
		next.Offset = end
		page.HasMore = true
	} else {
		next.Offset = -1
	}
	page.Cursor = next.Encode()
	return page
}

func (s *Store) changesPage(c *remote.Cursor) *remote.Page {
	page := &remote.Page{}
	seq := c.Seq
	for seq < int64(len(s.log)) && len(page.Entries) < s.pageSize {
		m := s.log[seq]
		seq++
		if s.matches(c, &m) {
			page.Entries = append(page.Entries, &m)
		}
	}

	next := *c
	next.Seq = seq
	page.HasMore = seq < int64(len(s.log))
	page.Cursor = next.Encode()
	return page
}

func parentOf(p string) string {
	p = remote.CleanPath(p)
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

var _ remote.Store = (*Store)(nil)
