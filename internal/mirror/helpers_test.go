package mirror

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cloudmirror/cloudmirror/internal/remote"
	"github.com/cloudmirror/cloudmirror/internal/remote/memstore"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	localRoot string
	store     *memstore.Store
	fs        afero.Fs
	mapper    *Mapper
	ignore    *IgnoreList
	engine    *Engine
}

func newTestEnv(t *testing.T, remoteRoot string) *testEnv {
	return newTestEnvWithStore(t, remoteRoot, nil)
}

// newTestEnvWithStore lets a test wrap the memstore, e.g. to record or fail calls.
func newTestEnvWithStore(t *testing.T, remoteRoot string, wrap func(*memstore.Store) remote.Store) *testEnv {
	t.Helper()

	localRoot, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	cache, err := NewHashCache(128)
	require.NoError(t, err)

	fsys := afero.NewOsFs()
	mapper := NewMapper(Roots{LocalRoot: localRoot, RemoteRoot: remoteRoot}, fsys, cache)
	ignore := NewIgnoreList(fsys, localRoot)
	store := memstore.New()

	var rs remote.Store = store
	if wrap != nil {
		rs = wrap(store)
	}

	return &testEnv{
		localRoot: localRoot,
		store:     store,
		fs:        fsys,
		mapper:    mapper,
		ignore:    ignore,
		engine:    NewEngine(rs, mapper, ignore),
	}
}

func (e *testEnv) localPath(rel string) string {
	return filepath.Join(e.localRoot, filepath.FromSlash(rel))
}

func (e *testEnv) writeLocal(t *testing.T, rel, content string, mtime time.Time) Location {
	t.Helper()
	p := e.localPath(rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	if !mtime.IsZero() {
		require.NoError(t, os.Chtimes(p, mtime, mtime))
	}
	return e.mapper.FromLocal(p)
}

func (e *testEnv) readLocal(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(e.localPath(rel))
	require.NoError(t, err)
	return string(data)
}

func (e *testEnv) putRemote(t *testing.T, remotePath, content string, mtime time.Time) {
	t.Helper()
	_, err := e.store.PutFile(context.Background(), remotePath, bytes.NewReader([]byte(content)), mtime, remote.WriteOverwrite)
	require.NoError(t, err)
}

func (e *testEnv) remoteFiles() []string {
	var paths []string
	for _, m := range e.store.Files() {
		paths = append(paths, m.Path)
	}
	return paths
}

// recordingStore counts the mutating calls that reach the store.
type recordingStore struct {
	remote.Store

	mu      sync.Mutex
	puts    []string
	deletes []string
}

func (r *recordingStore) PutFile(ctx context.Context, path string, body io.ReadSeeker, clientModified time.Time, mode remote.WriteMode) (*remote.Metadata, error) {
	r.mu.Lock()
	r.puts = append(r.puts, path)
	r.mu.Unlock()
	return r.Store.PutFile(ctx, path, body, clientModified, mode)
}

func (r *recordingStore) Delete(ctx context.Context, path string) error {
	r.mu.Lock()
	r.deletes = append(r.deletes, path)
	r.mu.Unlock()
	return r.Store.Delete(ctx, path)
}

func (r *recordingStore) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.puts, r.deletes = nil, nil
}

// faultyStore fails or corrupts downloads of selected paths.
type faultyStore struct {
	remote.Store

	fail    map[string]error
	corrupt map[string]bool
}

func (f *faultyStore) GetFile(ctx context.Context, path string, w io.Writer) (*remote.Metadata, error) {
	if err, ok := f.fail[path]; ok {
		return nil, err
	}
	if f.corrupt[path] {
		meta, err := f.Store.GetFile(ctx, path, io.Discard)
		if err != nil {
			return nil, err
		}
		_, err = w.Write([]byte("tampered"))
		return meta, err
	}
	return f.Store.GetFile(ctx, path, w)
}

func stringReader(s string) io.ReadSeeker {
	return bytes.NewReader([]byte(s))
}

func tempFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*"+tempFileMarker+"*"))
	require.NoError(t, err)
	return matches
}
