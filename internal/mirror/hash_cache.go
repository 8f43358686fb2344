package mirror

import (
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultHashCacheSize = 16384

type cachedHash struct {
	size    int64
	modTime time.Time
	id      fileID
	sum     string
}

// fileID identifies the inode behind a path and the last time its metadata changed. It is
// the zero value where the platform or filesystem does not expose one.
type fileID struct {
	ino   uint64
	ctime int64
}

func (c cachedHash) matches(info os.FileInfo) bool {
	if c.size != info.Size() || !c.modTime.Equal(info.ModTime()) {
		return false
	}
	// a replaced file or an edit with restored mtime moves the inode or the ctime
	id, ok := statFileID(info)
	return !ok || c.id == id
}

// HashCache remembers content hashes of local files keyed by path. An entry is trusted
// only while the file's size, modification time, inode and change time are unchanged;
// inode and change time are only checked where the filesystem reports them. A nil cache
// caches nothing.
type HashCache struct {
	cache *lru.Cache[string, cachedHash]
}

func NewHashCache(size int) (*HashCache, error) {
	if size <= 0 {
		size = DefaultHashCacheSize
	}
	cache, err := lru.New[string, cachedHash](size)
	if err != nil {
		return nil, err
	}
	return &HashCache{cache: cache}, nil
}

func (c *HashCache) Get(path string, info os.FileInfo) (string, bool) {
	if c == nil {
		return "", false
	}
	entry, ok := c.cache.Get(path)
	if !ok || !entry.matches(info) {
		return "", false
	}
	return entry.sum, true
}

func (c *HashCache) Put(path string, info os.FileInfo, sum string) {
	if c == nil {
		return
	}
	id, _ := statFileID(info)
	c.cache.Add(path, cachedHash{size: info.Size(), modTime: info.ModTime(), id: id, sum: sum})
}

func (c *HashCache) Forget(path string) {
	if c == nil {
		return
	}
	c.cache.Remove(path)
}

func (c *HashCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}
