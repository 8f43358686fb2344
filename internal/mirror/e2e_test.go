package mirror

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cloudmirror/cloudmirror/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMirrorScenario(t *testing.T) {
	env := newTestEnv(t, "/mirror")
	ctx := context.Background()
	env.writeLocal(t, "notes.txt", "hello", time.Time{})

	n, err := NewBatchInitializer(env.engine).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing exists remotely")

	push := NewPushLoop(env.engine, env.ignore)
	baseline, err := push.Baseline()
	require.NoError(t, err)
	assert.Empty(t, env.remoteFiles(), "the baseline transfers nothing")

	env.writeLocal(t, "draft.txt", "draft", time.Time{})
	later := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(env.localRoot, later, later))

	_, err = push.Cycle(ctx, baseline)
	require.NoError(t, err)
	assert.Equal(t, []string{"/mirror/draft.txt", "/mirror/notes.txt"}, env.remoteFiles())
}

func TestSupervisorMirrorsBothWays(t *testing.T) {
	env := newTestEnv(t, "/mirror")
	env.putRemote(t, "/mirror/seed.txt", "seed", tOld)

	running := make(chan State, 16)
	sup := NewSupervisor(
		NewBatchInitializer(env.engine),
		NewPushLoop(env.engine, env.ignore, WithPushInterval(20*time.Millisecond)),
		NewPullLoop(env.engine, WithLongPollWait(50*time.Millisecond)),
		OnStateChange(func(s State) {
			if s == StateRunning {
				running <- s
			}
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case <-running:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor never reached running")
	}
	assert.Equal(t, "seed", env.readLocal(t, "seed.txt"))

	local := env.localPath("local.txt")
	require.Eventually(t, func() bool {
		_ = os.WriteFile(local, []byte("from disk"), 0o644)
		now := time.Now()
		_ = os.Chtimes(local, now, now)
		meta, err := env.store.Find(ctx, "/mirror", "local.txt")
		return err == nil && meta.IsFile()
	}, 5*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		_, _ = env.store.PutFile(ctx, "/mirror/cloud.txt", stringReader("from cloud"), time.Now(), remote.WriteOverwrite)
		data, err := os.ReadFile(env.localPath("cloud.txt"))
		return err == nil && string(data) == "from cloud"
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Equal(t, StateRunning, sup.State())
}
