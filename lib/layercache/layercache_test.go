package layercache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/octaviocubillos/proobox/lib/paths"
	"github.com/stretchr/testify/require"
)

func TestLookupMissOnEmpty(t *testing.T) {
	p := paths.New(t.TempDir())
	c := New(p, nil)

	_, ok := c.Lookup("deadbeef0000")
	require.False(t, ok)
}

func TestFillAndRestore(t *testing.T) {
	p := paths.New(t.TempDir())
	c := New(p, nil)

	src := filepath.Join(t.TempDir(), "rootfs")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "etc", "hostname"), []byte("box"), 0o644))

	key := FromLayerKey("alpine:3.20.0")
	require.NoError(t, c.Fill(key, src))

	dir, ok := c.Lookup(key)
	require.True(t, ok)
	require.Equal(t, p.CachedLayerDir(key), dir)

	dst := t.TempDir()
	require.NoError(t, c.Restore(key, dst))
	data, err := os.ReadFile(filepath.Join(dst, "etc", "hostname"))
	require.NoError(t, err)
	require.Equal(t, "box", string(data))
}

func TestStepKeyComposition(t *testing.T) {
	from := FromLayerKey("alpine:3.20.0")
	step1 := StepKey(from, RunStepKey("RUN apk add curl"))
	step1Again := StepKey(from, RunStepKey("RUN apk add curl"))
	require.Equal(t, step1, step1Again)

	copyKey1 := CopyStepKey("COPY app.sh /app.sh", []byte("echo hi"))
	copyKey2 := CopyStepKey("COPY app.sh /app.sh", []byte("echo bye"))
	require.NotEqual(t, copyKey1, copyKey2)
}
