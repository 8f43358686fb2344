package mirror

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/cloudmirror/cloudmirror/internal/remote"
	"github.com/spf13/afero"
)

type SnapshotEntry struct {
	Location Location
	ModTime  time.Time
}

// Snapshot maps Location keys to the local state seen by one walk of the local root.
// A Snapshot is never modified after it is taken.
type Snapshot map[string]SnapshotEntry

// ErrRootUnavailable is returned when the local root is missing or is not a directory.
// An empty snapshot would read as "everything was deleted".
var ErrRootUnavailable = errors.New("local root unavailable")

// TakeSnapshot walks the local root, the root included. Unreadable subtrees and ignored
// paths below the root contribute no entries; an unreadable root fails the snapshot.
func TakeSnapshot(mapper *Mapper, ignore *IgnoreList) (Snapshot, error) {
	root := mapper.Root()
	info, err := mapper.fs.Stat(root.Local)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRootUnavailable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrRootUnavailable, root.Local)
	}

	snap := make(Snapshot)
	_ = afero.Walk(mapper.fs, root.Local, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p != root.Local {
			if info.IsDir() && ignore.ShouldIgnoreDir(p) {
				return filepath.SkipDir
			}
			if !info.IsDir() && ignore.ShouldIgnore(p) {
				return nil
			}
		}

		loc := mapper.FromLocal(p)
		snap[loc.Key()] = SnapshotEntry{Location: loc, ModTime: info.ModTime()}
		return nil
	})

	// the root went away mid-walk
	if _, ok := snap[root.Key()]; !ok {
		return nil, fmt.Errorf("%w: %s vanished during walk", ErrRootUnavailable, root.Local)
	}
	return snap, nil
}

// Under returns the entries at or below loc, parents before children.
func (s Snapshot) Under(loc Location) []Location {
	var locs []Location
	for _, entry := range s {
		if remote.IsAncestorOrSelf(loc.Remote, entry.Location.Remote) {
			locs = append(locs, entry.Location)
		}
	}
	sortLocations(locs)
	return locs
}

// Diff compares two snapshots. removed holds the locations missing from cur; changed holds
// the locations that are new in cur or whose modification time moved forward.
func Diff(prev, cur Snapshot) (removed, changed []Location) {
	for key, entry := range prev {
		if _, ok := cur[key]; !ok {
			removed = append(removed, entry.Location)
		}
	}
	for key, entry := range cur {
		old, ok := prev[key]
		if !ok || entry.ModTime.After(old.ModTime) {
			changed = append(changed, entry.Location)
		}
	}
	sortLocations(removed)
	sortLocations(changed)
	return removed, changed
}

func sortLocations(locs []Location) {
	slices.SortFunc(locs, func(a, b Location) int {
		return strings.Compare(a.Remote, b.Remote)
	})
}
