package builder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/octaviocubillos/proobox/lib/tracer"
	"github.com/stretchr/testify/require"
)

func TestShellForDistro(t *testing.T) {
	require.Equal(t, []string{"/bin/bash", "-c"}, shellFor(tracer.DistroUbuntu))
	require.Equal(t, []string{"/bin/sh", "-c"}, shellFor(tracer.DistroAlpine))
	require.Equal(t, []string{"/bin/sh", "-c"}, shellFor(tracer.DistroUnknown))
}

func TestDigestPathStableForSameFileContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.sh")
	require.NoError(t, os.WriteFile(path, []byte("echo hi\n"), 0o755))

	d1, err := digestPath(path)
	require.NoError(t, err)
	d2, err := digestPath(path)
	require.NoError(t, err)
	require.Equal(t, d1, d2)

	require.NoError(t, os.WriteFile(path, []byte("echo bye\n"), 0o755))
	d3, err := digestPath(path)
	require.NoError(t, err)
	require.NotEqual(t, d1, d3)
}

func TestDigestPathDirectoryIncludesEveryFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644))

	d1, err := digestPath(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("changed"), 0o644))
	d2, err := digestPath(dir)
	require.NoError(t, err)
	require.NotEqual(t, d1, d2)
}
