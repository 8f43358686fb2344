// Package s3store is a remote.Store backed by an S3 bucket.
//
// S3 has no change feed, so the store keeps a ChangeLog: writes made through the store are
// recorded as they happen, and changes made by other clients are discovered by listing
// the bucket at most once per scan interval and diffing the listing against the indexed
// state.
//
// Folders are zero-byte marker objects whose key ends in "/", and are also implied by the
// keys below them. File metadata lives in the object's user metadata.
package s3store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cloudmirror/cloudmirror/internal/contenthash"
	"github.com/cloudmirror/cloudmirror/internal/remote"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

const (
	metaContentHash    = "content-hash"
	metaClientModified = "client-modified"

	defaultPageSize  = 500
	deleteBatchSize  = 1000
	refreshFlightKey = "refresh"
)

type Store struct {
	api          S3API
	bucket       string
	prefix       string
	log          *ChangeLog
	clock        clockwork.Clock
	scanInterval time.Duration
	pageSize     int

	// writes hold the read side so a scan never diffs a listing taken before a write
	// against an index that already contains it
	writeMu sync.RWMutex

	flight   singleflight.Group
	mu       sync.Mutex
	lastScan time.Time
	scanErr  error
}

type Option func(*Store)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func New(api S3API, cfg *Config, log *ChangeLog, opts ...Option) *Store {
	s := &Store{
		api:          api,
		bucket:       cfg.Bucket,
		prefix:       cfg.keyPrefix(),
		log:          log,
		clock:        clockwork.NewRealClock(),
		scanInterval: cfg.ScanInterval,
		pageSize:     defaultPageSize,
	}
	if s.scanInterval <= 0 {
		s.scanInterval = DefaultScanInterval
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(path string) string {
	return s.prefix + strings.TrimPrefix(remote.CleanPath(path), "/")
}

func (s *Store) folderKey(path string) string {
	if remote.IsRoot(path) {
		return s.prefix
	}
	return s.key(path) + "/"
}

// pathOf maps an object key back to a store path. Folder markers map to the folder path.
func (s *Store) pathOf(key string) string {
	return remote.CleanPath(strings.TrimSuffix(strings.TrimPrefix(key, s.prefix), "/"))
}

func (s *Store) Find(ctx context.Context, parent, name string) (*remote.Metadata, error) {
	path := remote.JoinPath(parent, name)
	if remote.IsRoot(path) {
		return &remote.Metadata{Kind: remote.KindFolder, Path: "/"}, nil
	}

	meta, err := s.headFile(ctx, path)
	if err != nil || meta != nil {
		return meta, err
	}

	isFolder, err := s.folderExists(ctx, path)
	if err != nil {
		return nil, err
	}
	if isFolder {
		return &remote.Metadata{Kind: remote.KindFolder, Path: path}, nil
	}

	// keys are case-sensitive, the namespace is not
	e, err := s.log.Get(ctx, path)
	if err != nil || e == nil {
		return nil, err
	}
	return &e.Metadata, nil
}

// headFile returns the file stored at path, or nil when there is none.
func (s *Store) headFile(ctx context.Context, path string) (*remote.Metadata, error) {
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if isNotFound(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("head %s: %w", path, err)
	}

	meta := fileMetadata(path, out.Metadata, aws.ToInt64(out.ContentLength), aws.ToTime(out.LastModified))
	return &meta, nil
}

// folderExists checks for a marker object or any object below path.
func (s *Store) folderExists(ctx context.Context, path string) (bool, error) {
	out, err := s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.folderKey(path)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("list %s: %w", path, err)
	}
	return len(out.Contents) > 0, nil
}

func (s *Store) ListFolder(ctx context.Context, path string, opts remote.ListOptions) (*remote.Page, error) {
	path = remote.CleanPath(path)
	if err := s.refresh(ctx, false); err != nil {
		return nil, err
	}

	if !remote.IsRoot(path) {
		e, err := s.log.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		if e == nil || e.Kind != remote.KindFolder {
			return nil, fmt.Errorf("list %s: %w", path, remote.ErrNotFound)
		}
	}

	seq, err := s.log.LastSeq(ctx)
	if err != nil {
		return nil, err
	}
	return s.listingPage(ctx, &remote.Cursor{
		Path:           path,
		Recursive:      opts.Recursive,
		IncludeDeleted: opts.IncludeDeleted,
		Seq:            seq,
	})
}

func (s *Store) ListFolderContinue(ctx context.Context, cursor string) (*remote.Page, error) {
	c, err := remote.DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	last, err := s.log.LastSeq(ctx)
	if err != nil {
		return nil, err
	}
	if c.Seq > last {
		return nil, fmt.Errorf("%w: position %d beyond log end", remote.ErrInvalidCursor, c.Seq)
	}

	if c.InListing() {
		return s.listingPage(ctx, c)
	}

	changes, next, more, err := s.log.Changes(ctx, c, s.pageSize)
	if err != nil {
		return nil, err
	}
	nc := *c
	nc.Seq = next
	return &remote.Page{Entries: changes, HasMore: more, Cursor: nc.Encode()}, nil
}

func (s *Store) listingPage(ctx context.Context, c *remote.Cursor) (*remote.Page, error) {
	entries, err := s.log.List(ctx, c.Path, c.Recursive)
	if err != nil {
		return nil, err
	}

	start := min(c.Offset, len(entries))
	end := min(start+s.pageSize, len(entries))

	page := &remote.Page{Entries: make([]*remote.Metadata, 0, end-start)}
	for _, e := range entries[start:end] {
		page.Entries = append(page.Entries, &e.Metadata)
	}

	next := *c
	if end < len(entries) {
		next.Offset = end
		page.HasMore = true
	} else {
		next.Offset = -1
	}
	page.Cursor = next.Encode()
	return page, nil
}

func (s *Store) LatestCursor(ctx context.Context, path string, opts remote.ListOptions) (string, error) {
	if err := s.refresh(ctx, false); err != nil {
		return "", err
	}
	seq, err := s.log.LastSeq(ctx)
	if err != nil {
		return "", err
	}

	c := &remote.Cursor{
		Path:           remote.CleanPath(path),
		Recursive:      opts.Recursive,
		IncludeDeleted: opts.IncludeDeleted,
		Seq:            seq,
		Offset:         -1,
	}
	return c.Encode(), nil
}

// LongPoll rescans the bucket every scan interval until a change in scope shows up. A
// failed scan ends the poll early with the scan interval as backoff hint.
func (s *Store) LongPoll(ctx context.Context, cursor string, wait time.Duration) (*remote.PollResult, error) {
	c, err := remote.DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	if c.InListing() {
		return &remote.PollResult{Changes: true}, nil
	}

	deadline := s.clock.NewTimer(wait)
	defer deadline.Stop()

	for {
		if err := s.refresh(ctx, false); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("s3store", "op", "scan", "error", err)
			return &remote.PollResult{Backoff: s.scanInterval}, nil
		}

		changed, err := s.log.HasChanges(ctx, c)
		if err != nil {
			return nil, err
		}
		if changed {
			return &remote.PollResult{Changes: true}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.Chan():
			return &remote.PollResult{}, nil
		case <-s.clock.After(s.scanInterval):
		}
	}
}

func (s *Store) CreateFolder(ctx context.Context, path string) error {
	path = remote.CleanPath(path)
	if remote.IsRoot(path) {
		return nil
	}

	s.writeMu.RLock()
	defer s.writeMu.RUnlock()

	existing, err := s.Find(ctx, parentOf(path), baseOf(path))
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Kind != remote.KindFolder {
			return fmt.Errorf("create folder %s: %w", path, remote.ErrConflict)
		}
		return nil
	}

	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.folderKey(path)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return fmt.Errorf("create folder %s: %w", path, err)
	}

	entries, err := s.missingParents(ctx, path)
	if err != nil {
		return err
	}
	entries = append(entries, &Entry{Metadata: remote.Metadata{Kind: remote.KindFolder, Path: path}})
	_, err = s.log.Record(ctx, entries...)
	return err
}

func (s *Store) PutFile(ctx context.Context, path string, body io.ReadSeeker, clientModified time.Time, mode remote.WriteMode) (*remote.Metadata, error) {
	path = remote.CleanPath(path)
	if remote.IsRoot(path) {
		return nil, fmt.Errorf("put %s: %w", path, remote.ErrConflict)
	}

	hash, err := contenthash.Reader(body)
	if err != nil {
		return nil, fmt.Errorf("put %s: hash body: %w", path, err)
	}
	size, err := body.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", path, err)
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("put %s: rewind body: %w", path, err)
	}

	s.writeMu.RLock()
	defer s.writeMu.RUnlock()

	if isFolder, err := s.folderExists(ctx, path); err != nil {
		return nil, err
	} else if isFolder {
		return nil, fmt.Errorf("put %s: folder exists: %w", path, remote.ErrConflict)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(path)),
		Body:          body,
		ContentLength: aws.Int64(size),
		Metadata: map[string]string{
			metaContentHash:    hash,
			metaClientModified: clientModified.UTC().Format(time.RFC3339Nano),
		},
	}
	if mode == remote.WriteAdd {
		input.IfNoneMatch = aws.String("*")
	}

	out, err := s.api.PutObject(ctx, input)
	if isPreconditionFailed(err) {
		return nil, fmt.Errorf("put %s: %w", path, remote.ErrConflict)
	} else if err != nil {
		return nil, fmt.Errorf("put %s: %w", path, err)
	}

	meta := remote.Metadata{
		Kind:           remote.KindFile,
		Path:           path,
		ContentHash:    hash,
		ClientModified: clientModified,
		Size:           size,
	}

	entries, err := s.missingParents(ctx, path)
	if err != nil {
		return nil, err
	}
	entries = append(entries, &Entry{Metadata: meta, ETag: cleanETag(out.ETag)})
	if _, err := s.log.Record(ctx, entries...); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *Store) GetFile(ctx context.Context, path string, w io.Writer) (*remote.Metadata, error) {
	path = remote.CleanPath(path)
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if isNotFound(err) {
		if isFolder, ferr := s.folderExists(ctx, path); ferr == nil && isFolder {
			return nil, fmt.Errorf("get %s: %w", path, remote.ErrNotFile)
		}
		return nil, fmt.Errorf("get %s: %w", path, remote.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}

	meta := fileMetadata(path, out.Metadata, aws.ToInt64(out.ContentLength), aws.ToTime(out.LastModified))
	return &meta, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	path = remote.CleanPath(path)
	if remote.IsRoot(path) {
		return fmt.Errorf("delete %s: %w", path, remote.ErrConflict)
	}

	s.writeMu.RLock()
	defer s.writeMu.RUnlock()

	file, err := s.headFile(ctx, path)
	if err != nil {
		return err
	}
	if file != nil {
		_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(path)),
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", path, err)
		}
		_, err = s.log.Record(ctx, &Entry{Metadata: remote.Metadata{Kind: remote.KindDeleted, Path: path}})
		return err
	}

	keys, err := s.listKeys(ctx, s.folderKey(path))
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("delete %s: %w", path, remote.ErrNotFound)
	}
	for batch := range slices.Chunk(keys, deleteBatchSize) {
		if err := s.deleteKeys(ctx, batch); err != nil {
			return fmt.Errorf("delete %s: %w", path, err)
		}
	}

	indexed, err := s.log.List(ctx, path, true)
	if err != nil {
		return err
	}
	slices.SortFunc(indexed, func(a, b *Entry) int {
		if d := remote.Depth(b.Path) - remote.Depth(a.Path); d != 0 {
			return d
		}
		return strings.Compare(a.Path, b.Path)
	})

	deleted := make([]*Entry, 0, len(indexed)+1)
	for _, e := range indexed {
		deleted = append(deleted, &Entry{Metadata: remote.Metadata{Kind: remote.KindDeleted, Path: e.Path}})
	}
	deleted = append(deleted, &Entry{Metadata: remote.Metadata{Kind: remote.KindDeleted, Path: path}})
	_, err = s.log.Record(ctx, deleted...)
	return err
}

// Refresh lists the bucket and records every difference to the indexed state.
func (s *Store) Refresh(ctx context.Context) error {
	return s.refresh(ctx, true)
}

// refresh scans the bucket unless the last scan is younger than the scan interval, in
// which case it returns that scan's result. Concurrent callers share one scan.
func (s *Store) refresh(ctx context.Context, force bool) error {
	s.mu.Lock()
	fresh := !force && !s.lastScan.IsZero() && s.clock.Since(s.lastScan) < s.scanInterval
	lastErr := s.scanErr
	s.mu.Unlock()
	if fresh {
		return lastErr
	}

	_, err, _ := s.flight.Do(refreshFlightKey, func() (any, error) {
		err := s.scan(ctx)
		s.mu.Lock()
		s.lastScan = s.clock.Now()
		s.scanErr = err
		s.mu.Unlock()
		return nil, err
	})
	return err
}

func (s *Store) scan(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	listed, err := s.listBucket(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	known, err := s.log.Objects(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	var deletes, upserts []*Entry
	for lpath, e := range listed {
		old, ok := known[lpath]
		switch {
		case !ok:
		case old.Kind != e.Kind:
			deletes = append(deletes, &Entry{Metadata: remote.Metadata{Kind: remote.KindDeleted, Path: old.Path}})
		case e.Kind == remote.KindFile && old.ETag != e.ETag:
		default:
			continue
		}

		if e.Kind == remote.KindFile {
			head, err := s.headFile(ctx, e.Path)
			if err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			if head == nil {
				// removed since the listing, the next scan settles it
				continue
			}
			e.Metadata = *head
		}
		upserts = append(upserts, e)
	}
	for lpath, old := range known {
		if _, ok := listed[lpath]; !ok {
			deletes = append(deletes, &Entry{Metadata: remote.Metadata{Kind: remote.KindDeleted, Path: old.Path}})
		}
	}
	if len(deletes) == 0 && len(upserts) == 0 {
		return nil
	}

	// children go before their parents when deleting and after them when adding
	slices.SortFunc(deletes, func(a, b *Entry) int {
		if d := remote.Depth(b.Path) - remote.Depth(a.Path); d != 0 {
			return d
		}
		return strings.Compare(a.Path, b.Path)
	})
	slices.SortFunc(upserts, func(a, b *Entry) int {
		if d := remote.Depth(a.Path) - remote.Depth(b.Path); d != 0 {
			return d
		}
		return strings.Compare(a.Path, b.Path)
	})

	if _, err := s.log.Record(ctx, append(deletes, upserts...)...); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	slog.Debug("s3store", "op", "scan", "updated", len(upserts), "deleted", len(deletes))
	return nil
}

// listBucket returns every file and folder below the key prefix keyed by lower-cased
// path. Folders without a marker object are implied by the keys below them.
func (s *Store) listBucket(ctx context.Context) (map[string]*Entry, error) {
	listed := make(map[string]*Entry)
	addFolder := func(path string) {
		for p := path; !remote.IsRoot(p); p = parentOf(p) {
			lp := strings.ToLower(p)
			if e, ok := listed[lp]; ok && e.Kind == remote.KindFolder {
				return
			}
			listed[lp] = &Entry{Metadata: remote.Metadata{Kind: remote.KindFolder, Path: p}}
		}
	}

	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == s.prefix {
				continue
			}
			path := s.pathOf(key)
			if strings.HasSuffix(key, "/") {
				addFolder(path)
				continue
			}

			addFolder(parentOf(path))
			lp := strings.ToLower(path)
			if e, ok := listed[lp]; ok && e.Kind == remote.KindFolder {
				continue
			}
			listed[lp] = &Entry{
				Metadata: remote.Metadata{
					Kind:           remote.KindFile,
					Path:           path,
					ClientModified: aws.ToTime(obj.LastModified),
					Size:           aws.ToInt64(obj.Size),
				},
				ETag: cleanETag(obj.ETag),
			}
		}
	}
	return listed, nil
}

func (s *Store) deleteKeys(ctx context.Context, keys []string) error {
	objects := make([]types.ObjectIdentifier, 0, len(keys))
	for _, k := range keys {
		objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
	}

	out, err := s.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return err
	}
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		return fmt.Errorf("%d objects not deleted, first %s: %s", len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
	}
	return nil
}

func (s *Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// missingParents returns folder entries for the ancestors of path the index does not
// know yet, outermost first.
func (s *Store) missingParents(ctx context.Context, path string) ([]*Entry, error) {
	var missing []*Entry
	for p := parentOf(path); !remote.IsRoot(p); p = parentOf(p) {
		e, err := s.log.Get(ctx, p)
		if err != nil {
			return nil, err
		}
		if e != nil {
			break
		}
		missing = append(missing, &Entry{Metadata: remote.Metadata{Kind: remote.KindFolder, Path: p}})
	}
	slices.Reverse(missing)
	return missing, nil
}

func fileMetadata(path string, userMeta map[string]string, size int64, lastModified time.Time) remote.Metadata {
	meta := remote.Metadata{
		Kind:           remote.KindFile,
		Path:           path,
		ContentHash:    lookupMeta(userMeta, metaContentHash),
		ClientModified: lastModified,
		Size:           size,
	}
	if v := lookupMeta(userMeta, metaClientModified); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			meta.ClientModified = t
		}
	}
	return meta
}

// lookupMeta reads user metadata ignoring key case, since servers differ in how they
// return it.
func lookupMeta(userMeta map[string]string, key string) string {
	if v, ok := userMeta[key]; ok {
		return v
	}
	for k, v := range userMeta {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func cleanETag(etag *string) string {
	return strings.ReplaceAll(aws.ToString(etag), "\"", "")
}

func parentOf(p string) string {
	p = remote.CleanPath(p)
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func baseOf(p string) string {
	p = remote.CleanPath(p)
	return p[strings.LastIndex(p, "/")+1:]
}

var _ remote.Store = (*Store)(nil)
