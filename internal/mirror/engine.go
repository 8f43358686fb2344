package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/cloudmirror/cloudmirror/internal/contenthash"
	"github.com/cloudmirror/cloudmirror/internal/remote"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
)

// Engine decides, for a single Location, whether the local or the remote side is newer and
// performs the corresponding transfer. Decisions compare content hashes first and fall
// back to modification times at millisecond precision.
type Engine struct {
	store  remote.Store
	mapper *Mapper
	ignore *IgnoreList
}

func NewEngine(store remote.Store, mapper *Mapper, ignore *IgnoreList) *Engine {
	return &Engine{
		store:  store,
		mapper: mapper,
		ignore: ignore,
	}
}

func (e *Engine) Mapper() *Mapper {
	return e.mapper
}

func (e *Engine) Store() remote.Store {
	return e.store
}

func (e *Engine) Ignored(loc Location) bool {
	if loc.IsDir() {
		return e.ignore.ShouldIgnoreDir(loc.Local)
	}
	return e.ignore.ShouldIgnore(loc.Local)
}

// Uploadable reports whether the local entry should be sent to the store. isNew is set
// when no remote file exists at the same path.
func (e *Engine) Uploadable(ctx context.Context, loc Location) (ok, isNew bool, err error) {
	info, err := e.mapper.fs.Stat(loc.Local)
	if err != nil || loc.IsHidden() || e.Ignored(loc) {
		return false, false, nil
	}

	if info.IsDir() {
		if remote.IsRoot(loc.Remote) {
			return false, false, nil
		}
		exists, err := e.remoteFolderExists(ctx, loc)
		if err != nil {
			return false, false, err
		}
		return !exists, false, nil
	}

	meta, err := e.store.Find(ctx, loc.RemoteParent(), loc.RemoteName())
	if err != nil {
		return false, false, fmt.Errorf("find %s: %w", loc.Remote, err)
	}
	if !meta.IsFile() {
		return true, true, nil
	}

	localHash, err := loc.ContentHash()
	if err != nil {
		return false, false, err
	}
	if localHash == meta.ContentHash {
		return false, false, nil
	}
	return info.ModTime().UnixMilli() > meta.ClientModified.UnixMilli(), false, nil
}

// Downloadable reports whether the remote entry should replace the local one. Local
// directories are always downloadable so the mirror directory gets created.
func (e *Engine) Downloadable(ctx context.Context, loc Location) (bool, error) {
	if loc.IsDir() {
		return true, nil
	}

	meta, err := e.store.Find(ctx, loc.RemoteParent(), loc.RemoteName())
	if err != nil {
		return false, fmt.Errorf("find %s: %w", loc.Remote, err)
	}
	if !meta.IsFile() {
		return false, nil
	}
	return e.remoteIsNewer(loc, meta)
}

func (e *Engine) remoteIsNewer(loc Location, meta *remote.Metadata) (bool, error) {
	localHash, err := loc.ContentHash()
	if err != nil {
		return false, err
	}
	if localHash == meta.ContentHash {
		return false, nil
	}
	return meta.ClientModified.UnixMilli() > loc.ModTime().UnixMilli(), nil
}

// remoteFolderExists looks for a folder with the same path among the children of the
// remote parent. A missing parent means there is no such folder.
func (e *Engine) remoteFolderExists(ctx context.Context, loc Location) (bool, error) {
	page, err := e.store.ListFolder(ctx, loc.RemoteParent(), remote.ListOptions{})
	if errors.Is(err, remote.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("list %s: %w", loc.RemoteParent(), err)
	}

	for {
		for _, entry := range page.Entries {
			if entry.IsFolder() && strings.EqualFold(remote.CleanPath(entry.Path), loc.Remote) {
				return true, nil
			}
		}
		if !page.HasMore {
			return false, nil
		}
		page, err = e.store.ListFolderContinue(ctx, page.Cursor)
		if err != nil {
			return false, fmt.Errorf("list %s: %w", loc.RemoteParent(), err)
		}
	}
}

// Upload creates the remote folder or sends the file content when the entry is
// uploadable. It reports whether anything was transferred.
func (e *Engine) Upload(ctx context.Context, loc Location) (bool, error) {
	ok, isNew, err := e.Uploadable(ctx, loc)
	if err != nil || !ok {
		return false, err
	}

	if loc.IsDir() {
		if err := e.store.CreateFolder(ctx, loc.Remote); err != nil {
			return false, fmt.Errorf("create folder %s: %w", loc.Remote, err)
		}
		slog.Info("sync", "op", OpCreateFolder, "path", loc.Remote)
		return true, nil
	}

	file, err := e.mapper.fs.Open(loc.Local)
	if errors.Is(err, fs.ErrNotExist) {
		// removed since the check, the next snapshot reports it
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("open %s: %w", loc.Local, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", loc.Local, err)
	}

	mode := remote.WriteOverwrite
	if isNew {
		mode = remote.WriteAdd
	}
	meta, err := e.store.PutFile(ctx, loc.Remote, file, info.ModTime(), mode)
	if err != nil {
		return false, fmt.Errorf("put %s: %w", loc.Remote, err)
	}

	slog.Info("sync", "op", OpUpload, "path", loc.Remote, "mode", mode, "size", humanize.Bytes(uint64(meta.Size)))
	return true, nil
}

// Download fetches the remote file when the entry is downloadable. The content is
// written to a temporary file next to the target, verified against the remote content
// hash and renamed into place, and the local modification time is set to the remote
// client modified time. Directories only get created. It reports whether file content
// was transferred.
func (e *Engine) Download(ctx context.Context, loc Location) (bool, error) {
	ok, err := e.Downloadable(ctx, loc)
	if err != nil || !ok {
		return false, err
	}

	if _, err := loc.EnsureParentDirectory(); err != nil {
		return false, err
	}
	if loc.IsDir() {
		return false, nil
	}

	meta, err := e.fetch(ctx, loc)
	if err != nil {
		return false, err
	}

	slog.Info("sync", "op", OpDownload, "path", loc.Remote, "size", humanize.Bytes(uint64(meta.Size)))
	return true, nil
}

func (e *Engine) fetch(ctx context.Context, loc Location) (*remote.Metadata, error) {
	fsys := e.mapper.fs
	dir := filepath.Dir(loc.Local)

	tempFile, err := afero.TempFile(fsys, dir, "."+filepath.Base(loc.Local)+tempFileMarker+"*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			tempFile.Close()
			fsys.Remove(tempPath)
		}
	}()

	hasher := contenthash.New()
	meta, err := e.store.GetFile(ctx, loc.Remote, io.MultiWriter(tempFile, hasher))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", loc.Remote, err)
	}

	sum := hasher.Finalize()
	if meta.ContentHash != "" && meta.ContentHash != sum {
		return nil, fmt.Errorf("integrity check failed for %s: expected %q got %q", loc.Remote, meta.ContentHash, sum)
	}

	if err := tempFile.Sync(); err != nil {
		return nil, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	if err := fsys.Rename(tempPath, loc.Local); err != nil {
		return nil, fmt.Errorf("rename temp file to %s: %w", loc.Local, err)
	}
	success = true

	if !meta.ClientModified.IsZero() {
		if err := fsys.Chtimes(loc.Local, meta.ClientModified, meta.ClientModified); err != nil {
			return nil, fmt.Errorf("chtimes %s: %w", loc.Local, err)
		}
	}
	if info, err := fsys.Stat(loc.Local); err == nil {
		e.mapper.hashes.Put(loc.Local, info, sum)
	}
	return meta, nil
}

// Delete removes the entry from the store. An entry that is already gone is not an
// error; the result then reports that nothing was deleted.
func (e *Engine) Delete(ctx context.Context, loc Location) (bool, error) {
	err := e.store.Delete(ctx, loc.Remote)
	if errors.Is(err, remote.ErrNotFound) {
		slog.Debug("sync", "op", OpDeleteRemote, "path", loc.Remote, "message", "already deleted")
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("delete %s: %w", loc.Remote, err)
	}

	slog.Info("sync", "op", OpDeleteRemote, "path", loc.Remote)
	return true, nil
}
