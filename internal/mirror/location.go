// Package mirror keeps a local directory tree mirrored against a remote.Store.
//
// The package is organized around a Location (a local path paired with its remote path),
// an Engine that decides whether a Location should be uploaded or downloaded, three
// reconciliation loops (BatchInitializer, PushLoop, PullLoop) and a Supervisor that runs
// them and restarts everything when a loop ends.
package mirror

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudmirror/cloudmirror/internal/contenthash"
	"github.com/cloudmirror/cloudmirror/internal/remote"
	"github.com/spf13/afero"
)

// Roots pairs the local directory being mirrored with the remote folder it mirrors.
type Roots struct {
	LocalRoot  string
	RemoteRoot string
}

// Mapper translates between local and remote paths and answers local filesystem
// questions for the Locations it creates.
type Mapper struct {
	localRoot  string
	remoteRoot string
	fs         afero.Fs
	hashes     *HashCache
}

func NewMapper(roots Roots, fsys afero.Fs, hashes *HashCache) *Mapper {
	return &Mapper{
		localRoot:  filepath.Clean(roots.LocalRoot),
		remoteRoot: remote.CleanPath(roots.RemoteRoot),
		fs:         fsys,
		hashes:     hashes,
	}
}

func (m *Mapper) Roots() Roots {
	return Roots{LocalRoot: m.localRoot, RemoteRoot: m.remoteRoot}
}

func (m *Mapper) Fs() afero.Fs {
	return m.fs
}

func (m *Mapper) Root() Location {
	return Location{Local: m.localRoot, Remote: m.remoteRoot, m: m}
}

func (m *Mapper) FromLocal(localPath string) Location {
	rel := m.localRel(filepath.Clean(localPath))
	return m.fromRel(rel)
}

func (m *Mapper) FromRemote(remotePath string) Location {
	rel := m.remoteRel(remote.CleanPath(remotePath))
	return m.fromRel(rel)
}

func (m *Mapper) FromRemoteMetadata(meta *remote.Metadata) Location {
	return m.FromRemote(meta.Path)
}

// fromRel builds a Location from a slash separated path relative to both roots.
func (m *Mapper) fromRel(rel string) Location {
	if rel == "" {
		return m.Root()
	}
	return Location{
		Local:  filepath.Join(m.localRoot, filepath.FromSlash(rel)),
		Remote: path.Join(m.remoteRoot, rel),
		m:      m,
	}
}

func (m *Mapper) localRel(p string) string {
	if p == m.localRoot {
		return ""
	}
	prefix := m.localRoot
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if rest, ok := strings.CutPrefix(p, prefix); ok {
		return filepath.ToSlash(rest)
	}
	// not below the root; keep the path shape rather than dropping it
	return strings.TrimPrefix(filepath.ToSlash(p), "/")
}

// remoteRel strips the remote root, ignoring case since stores may report lower-cased
// paths.
func (m *Mapper) remoteRel(p string) string {
	if strings.EqualFold(p, m.remoteRoot) {
		return ""
	}
	if m.remoteRoot == "/" {
		return p[1:]
	}
	n := len(m.remoteRoot)
	if len(p) > n && p[n] == '/' && strings.EqualFold(p[:n], m.remoteRoot) {
		return p[n+1:]
	}
	return strings.TrimPrefix(p, "/")
}

// Location is a view of one entry on both sides of the mirror. Two Locations denote the
// same entry iff their remote paths are equal; use Key for map keys.
type Location struct {
	Local  string
	Remote string
	m      *Mapper
}

func (l Location) Key() string {
	return l.Remote
}

func (l Location) Equal(other Location) bool {
	return l.Remote == other.Remote
}

func (l Location) String() string {
	return fmt.Sprintf("Location{local=%s, remote=%s}", l.Local, l.Remote)
}

func (l Location) IsRoot() bool {
	return l.Local == l.m.localRoot
}

func (l Location) stat() (os.FileInfo, error) {
	return l.m.fs.Stat(l.Local)
}

func (l Location) Exists() bool {
	_, err := l.stat()
	return err == nil
}

func (l Location) IsDir() bool {
	info, err := l.stat()
	return err == nil && info.IsDir()
}

// ModTime returns the local modification time, or the zero time when the entry does not
// exist.
func (l Location) ModTime() time.Time {
	info, err := l.stat()
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// IsHidden reports whether the entry is a dot file. The root is never hidden.
func (l Location) IsHidden() bool {
	if l.IsRoot() {
		return false
	}
	return strings.HasPrefix(filepath.Base(l.Local), ".")
}

// ContentHash returns the content hash of the local file, or "" when it does not exist.
func (l Location) ContentHash() (string, error) {
	info, err := l.stat()
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("stat %s: %w", l.Local, err)
	}
	if info.IsDir() {
		return "", nil
	}

	if sum, ok := l.m.hashes.Get(l.Local, info); ok {
		return sum, nil
	}

	f, err := l.m.fs.Open(l.Local)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("open %s: %w", l.Local, err)
	}
	defer f.Close()

	sum, err := contenthash.Reader(f)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", l.Local, err)
	}
	l.m.hashes.Put(l.Local, info, sum)
	return sum, nil
}

// RemoteParent returns the remote folder containing the entry. The store root is
// returned as the empty path.
func (l Location) RemoteParent() string {
	parent := path.Dir(l.Remote)
	if parent == "/" {
		return ""
	}
	return parent
}

func (l Location) RemoteName() string {
	return path.Base(l.Remote)
}

// EnsureParentDirectory creates the directory holding a file, or the directory itself
// when the entry is an existing directory. It reports whether anything was created.
func (l Location) EnsureParentDirectory() (bool, error) {
	dir := filepath.Dir(l.Local)
	if l.IsDir() {
		dir = l.Local
	}
	return l.mkdirAll(dir)
}

// EnsureDir creates the entry itself as a directory, along with missing parents.
func (l Location) EnsureDir() (bool, error) {
	return l.mkdirAll(l.Local)
}

func (l Location) mkdirAll(dir string) (bool, error) {
	if info, err := l.m.fs.Stat(dir); err == nil {
		if !info.IsDir() {
			return false, fmt.Errorf("mkdir %s: %w", dir, fs.ErrExist)
		}
		return false, nil
	}
	if err := l.m.fs.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return true, nil
}

// AllDescendants returns the entry itself followed by every local descendant when it is a
// directory. Unreadable subtrees contribute nothing.
func (l Location) AllDescendants() []Location {
	if !l.IsDir() {
		return []Location{l}
	}

	locs := []Location{l}
	_ = afero.Walk(l.m.fs, l.Local, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p == l.Local {
			return nil
		}
		locs = append(locs, l.m.FromLocal(p))
		return nil
	})
	return locs
}
