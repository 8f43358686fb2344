package memstore

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cloudmirror/cloudmirror/internal/contenthash"
	"github.com/cloudmirror/cloudmirror/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(t *testing.T, s *Store, path, content string) *remote.Metadata {
	t.Helper()
	meta, err := s.PutFile(context.Background(), path, strings.NewReader(content), time.Unix(1700000000, 0), remote.WriteOverwrite)
	require.NoError(t, err)
	return meta
}

func TestPutGetFind(t *testing.T) {
	ctx := context.Background()
	s := New()

	meta := put(t, s, "/docs/a.txt", "hello")
	assert.Equal(t, remote.KindFile, meta.Kind)
	assert.Equal(t, int64(5), meta.Size)

	want, err := contenthash.Reader(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, want, meta.ContentHash)

	var buf bytes.Buffer
	got, err := s.GetFile(ctx, "/docs/a.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", buf.String())
	assert.Equal(t, meta.ContentHash, got.ContentHash)

	found, err := s.Find(ctx, "/DOCS", "A.TXT")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "/docs/a.txt", found.Path)

	folder, err := s.Find(ctx, "", "docs")
	require.NoError(t, err)
	assert.True(t, folder.IsFolder())

	missing, err := s.Find(ctx, "/docs", "b.txt")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = s.GetFile(ctx, "/docs", &buf)
	assert.ErrorIs(t, err, remote.ErrNotFile)
	_, err = s.GetFile(ctx, "/nope", &buf)
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestPutFileWriteAddConflicts(t *testing.T) {
	ctx := context.Background()
	s := New()
	put(t, s, "/a.txt", "one")

	_, err := s.PutFile(ctx, "/a.txt", strings.NewReader("two"), time.Now(), remote.WriteAdd)
	assert.ErrorIs(t, err, remote.ErrConflict)

	_, err = s.PutFile(ctx, "/a.txt/child", strings.NewReader("x"), time.Now(), remote.WriteAdd)
	assert.ErrorIs(t, err, remote.ErrConflict)
}

func TestListFolderPaging(t *testing.T) {
	ctx := context.Background()
	s := New(WithPageSize(2))
	put(t, s, "/root/a", "a")
	put(t, s, "/root/b", "b")
	put(t, s, "/root/sub/c", "c")
	put(t, s, "/other/d", "d")

	page, err := s.ListFolder(ctx, "/root", remote.ListOptions{Recursive: true})
	require.NoError(t, err)

	var paths []string
	for {
		for _, m := range page.Entries {
			paths = append(paths, m.Path)
		}
		if !page.HasMore {
			break
		}
		page, err = s.ListFolderContinue(ctx, page.Cursor)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"/root/a", "/root/b", "/root/sub", "/root/sub/c"}, paths)

	flat, err := s.ListFolder(ctx, "/root", remote.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, flat.Entries, 2)
	assert.True(t, flat.HasMore)

	_, err = s.ListFolder(ctx, "/missing", remote.ListOptions{})
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestListingCursorFollowsChanges(t *testing.T) {
	ctx := context.Background()
	s := New()
	put(t, s, "/root/a", "a")

	page, err := s.ListFolder(ctx, "/root", remote.ListOptions{Recursive: true})
	require.NoError(t, err)
	require.False(t, page.HasMore)

	put(t, s, "/root/b", "b")

	next, err := s.ListFolderContinue(ctx, page.Cursor)
	require.NoError(t, err)
	require.Len(t, next.Entries, 1)
	assert.Equal(t, "/root/b", next.Entries[0].Path)
}

func TestChangeFeedAndDeletes(t *testing.T) {
	ctx := context.Background()
	s := New()
	put(t, s, "/root/dir/x", "x")
	put(t, s, "/root/dir/deep/y", "y")

	cursor, err := s.LatestCursor(ctx, "/root", remote.ListOptions{Recursive: true, IncludeDeleted: true})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "/root/dir"))
	assert.ErrorIs(t, s.Delete(ctx, "/root/dir"), remote.ErrNotFound)

	page, err := s.ListFolderContinue(ctx, cursor)
	require.NoError(t, err)

	var deleted []string
	for _, m := range page.Entries {
		assert.Equal(t, remote.KindDeleted, m.Kind)
		deleted = append(deleted, m.Path)
	}
	assert.Equal(t, []string{"/root/dir/deep/y", "/root/dir/deep", "/root/dir/x", "/root/dir"}, deleted)
	assert.Empty(t, s.Entries()[1:])

	noDeletes, err := s.LatestCursor(ctx, "/root", remote.ListOptions{Recursive: true})
	require.NoError(t, err)
	put(t, s, "/root/z", "z")
	require.NoError(t, s.Delete(ctx, "/root/z"))
	page, err = s.ListFolderContinue(ctx, noDeletes)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, remote.KindFile, page.Entries[0].Kind)
}

func TestLongPoll(t *testing.T) {
	ctx := context.Background()
	s := New(WithBackoff(3 * time.Second))

	cursor, err := s.LatestCursor(ctx, "/root", remote.ListOptions{Recursive: true})
	require.NoError(t, err)

	res, err := s.LongPoll(ctx, cursor, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, res.Changes)
	assert.Equal(t, 3*time.Second, res.Backoff)

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.PutFile(ctx, "/elsewhere/a", strings.NewReader("a"), time.Now(), remote.WriteOverwrite)
		s.PutFile(ctx, "/root/a", strings.NewReader("a"), time.Now(), remote.WriteOverwrite)
	}()

	res, err = s.LongPoll(ctx, cursor, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Changes)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	latest, err := s.LatestCursor(ctx, "/root", remote.ListOptions{Recursive: true})
	require.NoError(t, err)
	_, err = s.LongPoll(cancelled, latest, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.LongPoll(ctx, "not a cursor!", time.Second)
	assert.ErrorIs(t, err, remote.ErrInvalidCursor)
}

func TestCreateFolderIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateFolder(ctx, "/a/b"))
	require.NoError(t, s.CreateFolder(ctx, "/a/b"))
	assert.Len(t, s.Entries(), 2)

	put(t, s, "/a/file", "f")
	assert.ErrorIs(t, s.CreateFolder(ctx, "/a/file"), remote.ErrConflict)
	assert.Len(t, s.Files(), 1)
}
