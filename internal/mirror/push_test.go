package mirror

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/cloudmirror/cloudmirror/internal/remote"
	"github.com/cloudmirror/cloudmirror/internal/remote/memstore"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func remotesOf(locs []Location) []string {
	out := make([]string, 0, len(locs))
	for _, loc := range locs {
		out = append(out, loc.Remote)
	}
	return out
}

func TestDiff(t *testing.T) {
	env := newTestEnv(t, "/mirror")
	t1, t2, t3 := tOld, tOld.Add(time.Minute), tOld.Add(2*time.Minute)

	a := env.mapper.FromRemote("/mirror/A")
	b := env.mapper.FromRemote("/mirror/B")
	c := env.mapper.FromRemote("/mirror/C")

	prev := Snapshot{
		a.Key(): {Location: a, ModTime: t1},
		b.Key(): {Location: b, ModTime: t2},
	}
	cur := Snapshot{
		a.Key(): {Location: a, ModTime: t1},
		c.Key(): {Location: c, ModTime: t3},
	}

	removed, changed := Diff(prev, cur)
	assert.Equal(t, []string{"/mirror/B"}, remotesOf(removed))
	assert.Equal(t, []string{"/mirror/C"}, remotesOf(changed))

	touched := Snapshot{a.Key(): {Location: a, ModTime: t2}}
	removed, changed = Diff(Snapshot{a.Key(): {Location: a, ModTime: t1}}, touched)
	assert.Empty(t, removed)
	assert.Equal(t, []string{"/mirror/A"}, remotesOf(changed))

	// an older time is not a change
	_, changed = Diff(touched, Snapshot{a.Key(): {Location: a, ModTime: t1}})
	assert.Empty(t, changed)
}

func TestTakeSnapshot(t *testing.T) {
	env := newTestEnv(t, "/mirror")
	env.writeLocal(t, "a.txt", "a", tOld)
	env.writeLocal(t, "dir/b.txt", "b", tOld)
	env.writeLocal(t, LockFileName, "", tOld)
	env.writeLocal(t, "build/out.bin", "x", tOld)
	require.NoError(t, os.WriteFile(env.localPath(IgnoreFileName), []byte("build/\n"), 0o644))
	env.ignore.Load()

	snap, err := TakeSnapshot(env.mapper, env.ignore)
	require.NoError(t, err)

	var keys []string
	for key := range snap {
		keys = append(keys, key)
	}
	assert.ElementsMatch(t, []string{
		"/mirror",
		"/mirror/" + IgnoreFileName,
		"/mirror/a.txt",
		"/mirror/dir",
		"/mirror/dir/b.txt",
	}, keys)
	assert.True(t, snap["/mirror/a.txt"].ModTime.Equal(tOld))

	dir := env.mapper.FromRemote("/mirror/dir")
	assert.Equal(t, []string{"/mirror/dir", "/mirror/dir/b.txt"}, remotesOf(snap.Under(dir)))
}

func TestTakeSnapshotMissingRoot(t *testing.T) {
	env := newTestEnv(t, "/mirror")
	require.NoError(t, os.RemoveAll(env.localRoot))

	snap, err := TakeSnapshot(env.mapper, env.ignore)
	require.ErrorIs(t, err, ErrRootUnavailable)
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.Nil(t, snap)
}

func TestTakeSnapshotRootNotDir(t *testing.T) {
	env := newTestEnv(t, "/mirror")
	require.NoError(t, os.RemoveAll(env.localRoot))
	require.NoError(t, os.WriteFile(env.localRoot, []byte("not a dir"), 0o644))

	_, err := TakeSnapshot(env.mapper, env.ignore)
	require.ErrorIs(t, err, ErrRootUnavailable)
}

func TestPushCycleKeepsRemoteWhenRootVanishes(t *testing.T) {
	var rec *recordingStore
	env := newTestEnvWithStore(t, "/mirror", func(s *memstore.Store) remote.Store {
		rec = &recordingStore{Store: s}
		return rec
	})
	ctx := context.Background()

	env.putRemote(t, "/mirror/a.txt", "a", tOld)
	env.putRemote(t, "/mirror/dir/b.txt", "b", tOld)
	_, err := NewBatchInitializer(env.engine, WithJitter(0)).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", env.readLocal(t, "dir/b.txt"))

	push := NewPushLoop(env.engine, env.ignore)
	prev, err := push.Baseline()
	require.NoError(t, err)
	rec.reset()

	require.NoError(t, os.RemoveAll(env.localRoot))

	next, err := push.Cycle(ctx, prev)
	require.ErrorIs(t, err, ErrRootUnavailable)
	assert.Equal(t, prev, next)
	assert.Empty(t, rec.deletes)
	assert.Equal(t, []string{"/mirror/a.txt", "/mirror/dir/b.txt"}, env.remoteFiles())
}

func TestPushApplyRefusesRemovedRoot(t *testing.T) {
	var rec *recordingStore
	env := newTestEnvWithStore(t, "/mirror", func(s *memstore.Store) remote.Store {
		rec = &recordingStore{Store: s}
		return rec
	})
	ctx := context.Background()

	_, err := env.engine.Upload(ctx, env.writeLocal(t, "dir/a.txt", "a", tOld))
	require.NoError(t, err)

	push := NewPushLoop(env.engine, env.ignore)
	prev, err := push.Baseline()
	require.NoError(t, err)
	rec.reset()

	cur := Snapshot{}
	for key, entry := range prev {
		if !entry.Location.IsRoot() {
			cur[key] = entry
		}
	}
	delete(cur, "/mirror/dir")

	err = push.apply(ctx, prev, cur)
	require.ErrorIs(t, err, ErrRootUnavailable)
	assert.Empty(t, rec.deletes)
	assert.Equal(t, []string{"/mirror/dir/a.txt"}, env.remoteFiles())
}

func TestPushCycleDeletesRemovedAndUploadsAdded(t *testing.T) {
	var rec *recordingStore
	env := newTestEnvWithStore(t, "/mirror", func(s *memstore.Store) remote.Store {
		rec = &recordingStore{Store: s}
		return rec
	})
	ctx := context.Background()

	for _, name := range []string{"A", "B"} {
		_, err := env.engine.Upload(ctx, env.writeLocal(t, name, "content "+name, tOld))
		require.NoError(t, err)
	}

	push := NewPushLoop(env.engine, env.ignore)
	prev, err := push.Baseline()
	require.NoError(t, err)
	rec.reset()

	require.NoError(t, os.Remove(env.localPath("B")))
	env.writeLocal(t, "C", "content C", tNew)

	cur, err := push.Cycle(ctx, prev)
	require.NoError(t, err)

	assert.Equal(t, []string{"/mirror/B"}, rec.deletes)
	assert.Equal(t, []string{"/mirror/C"}, rec.puts)
	assert.Contains(t, cur, "/mirror/C")
	assert.NotContains(t, cur, "/mirror/B")
	assert.Equal(t, []string{"/mirror/A", "/mirror/C"}, env.remoteFiles())

	// nothing changed since, so the next cycle is quiet
	rec.reset()
	_, err = push.Cycle(ctx, cur)
	require.NoError(t, err)
	assert.Empty(t, rec.deletes)
	assert.Empty(t, rec.puts)
}

func TestPushCycleDeletesRemovedDirectoryTree(t *testing.T) {
	env := newTestEnv(t, "/mirror")
	ctx := context.Background()

	env.writeLocal(t, "keep.txt", "k", tOld)
	env.writeLocal(t, "dir/x.txt", "x", tOld)
	env.writeLocal(t, "dir/sub/y.txt", "y", tOld)
	for _, loc := range env.mapper.Root().AllDescendants() {
		_, err := env.engine.Upload(ctx, loc)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"/mirror/dir/sub/y.txt", "/mirror/dir/x.txt", "/mirror/keep.txt"}, env.remoteFiles())

	push := NewPushLoop(env.engine, env.ignore)
	prev, err := push.Baseline()
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(env.localPath("dir")))
	_, err = push.Cycle(ctx, prev)
	require.NoError(t, err)

	assert.Equal(t, []string{"/mirror/keep.txt"}, env.remoteFiles())
	for _, m := range env.store.Entries() {
		assert.False(t, remote.IsAncestorOrSelf("/mirror/dir", m.Path), m.Path)
	}
}

func TestPushCycleUploadsModifiedFile(t *testing.T) {
	env := newTestEnv(t, "/mirror")
	ctx := context.Background()

	loc := env.writeLocal(t, "a.txt", "v1", tOld)
	_, err := env.engine.Upload(ctx, loc)
	require.NoError(t, err)

	push := NewPushLoop(env.engine, env.ignore)
	prev, err := push.Baseline()
	require.NoError(t, err)

	env.writeLocal(t, "a.txt", "v2", tNew)
	_, err = push.Cycle(ctx, prev)
	require.NoError(t, err)

	var buf bytes.Buffer
	meta, err := env.store.GetFile(ctx, "/mirror/a.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, "v2", buf.String())
	assert.True(t, meta.ClientModified.Equal(tNew))
}

func TestPushBaselineCreatesRoot(t *testing.T) {
	env := newTestEnv(t, "/mirror")
	require.NoError(t, os.RemoveAll(env.localRoot))

	snap, err := NewPushLoop(env.engine, env.ignore).Baseline()
	require.NoError(t, err)
	assert.DirExists(t, env.localRoot)
	assert.Len(t, snap, 1)
}

func TestPushRunCyclesOnTimerAndStops(t *testing.T) {
	env := newTestEnv(t, "/mirror")
	clock := clockwork.NewFakeClock()
	push := NewPushLoop(env.engine, env.ignore, WithPushClock(clock), WithPushInterval(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- push.Run(ctx) }()

	// wait for the baseline, then add a file and let the timer fire
	clock.BlockUntil(1)
	env.writeLocal(t, "late.txt", "late", time.Time{})
	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		return len(env.remoteFiles()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"/mirror/late.txt"}, env.remoteFiles())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("push loop did not stop")
	}
}

func TestPushRunNudge(t *testing.T) {
	env := newTestEnv(t, "/mirror")
	nudge := make(chan struct{}, 1)
	push := NewPushLoop(env.engine, env.ignore, WithPushInterval(time.Hour), WithNudge(nudge))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = push.Run(ctx) }()

	// the first write may land in the baseline, later ones move the mtime forward
	target := env.localPath("nudged.txt")
	require.Eventually(t, func() bool {
		_ = os.WriteFile(target, []byte("x"), 0o644)
		now := time.Now()
		_ = os.Chtimes(target, now, now)
		select {
		case nudge <- struct{}{}:
		default:
		}
		return len(env.remoteFiles()) == 1
	}, 5*time.Second, 50*time.Millisecond)
}
