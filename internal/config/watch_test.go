package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/renameio/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
		return Event{}
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := writeTemp(t, "log:\n  level: info\n")

	ch, cleanup, err := Watch(context.Background(), path)
	require.NoError(t, err)
	defer func() { require.NoError(t, cleanup()) }()

	require.NoError(t, renameio.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	ev := nextEvent(t, ch)
	require.NoError(t, ev.Err)
	assert.Equal(t, "debug", ev.Config.Log.Level)
}

func TestWatch_InvalidUpdateReportsError(t *testing.T) {
	path := writeTemp(t, "log:\n  level: info\n")

	ch, cleanup, err := Watch(context.Background(), path)
	require.NoError(t, err)
	defer func() { require.NoError(t, cleanup()) }()

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: shouting\n"), 0o600))

	ev := nextEvent(t, ch)
	assert.Error(t, ev.Err)
	assert.Nil(t, ev.Config)
}

func TestWatch_IgnoresSiblings(t *testing.T) {
	path := writeTemp(t, "log:\n  level: info\n")

	ch, cleanup, err := Watch(context.Background(), path)
	require.NoError(t, err)
	defer func() { require.NoError(t, cleanup()) }()

	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.yaml"), []byte("x"), 0o600))

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatch_ContextCancelClosesChannel(t *testing.T) {
	path := writeTemp(t, "log:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	ch, cleanup, err := Watch(ctx, path)
	require.NoError(t, err)

	cancel()
	require.NoError(t, cleanup())

	for range ch {
	}
}

func TestWatch_MissingDirectory(t *testing.T) {
	_, _, err := Watch(context.Background(), filepath.Join(t.TempDir(), "missing", "cfg.yaml"))
	assert.Error(t, err)
}
