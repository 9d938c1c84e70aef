package containers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeRootfsIdentityFiles(t *testing.T, rootfs string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(rootfs, "etc"), 0o755))
	passwd := "root:x:0:0:root:/root:/bin/sh\napp:x:1000:1000:app user:/home/app:/bin/sh\n"
	group := "root:x:0:\napp:x:1000:\n"
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "etc", "passwd"), []byte(passwd), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "etc", "group"), []byte(group), 0o644))
}

func TestResolveIdentityEmptyAndRootDefaultToZero(t *testing.T) {
	uid, gid, ok := resolveIdentity(t.TempDir(), "")
	require.True(t, ok)
	require.Equal(t, "0", uid)
	require.Equal(t, "0", gid)

	uid, gid, ok = resolveIdentity(t.TempDir(), "root")
	require.True(t, ok)
	require.Equal(t, "0", uid)
	require.Equal(t, "0", gid)
}

func TestResolveIdentityByName(t *testing.T) {
	rootfs := t.TempDir()
	writeRootfsIdentityFiles(t, rootfs)

	uid, gid, ok := resolveIdentity(rootfs, "app")
	require.True(t, ok)
	require.Equal(t, "1000", uid)
	require.Equal(t, "1000", gid)
}

func TestResolveIdentityByNumericUIDWithoutPasswdEntry(t *testing.T) {
	rootfs := t.TempDir()
	writeRootfsIdentityFiles(t, rootfs)

	uid, gid, ok := resolveIdentity(rootfs, "5000")
	require.True(t, ok)
	require.Equal(t, "5000", uid)
	require.Equal(t, "5000", gid)
}

func TestResolveIdentityWithExplicitGroup(t *testing.T) {
	rootfs := t.TempDir()
	writeRootfsIdentityFiles(t, rootfs)

	uid, gid, ok := resolveIdentity(rootfs, "app:root")
	require.True(t, ok)
	require.Equal(t, "1000", uid)
	require.Equal(t, "0", gid)
}

func TestResolveIdentityUnknownNameFails(t *testing.T) {
	rootfs := t.TempDir()
	writeRootfsIdentityFiles(t, rootfs)

	_, _, ok := resolveIdentity(rootfs, "nobody")
	require.False(t, ok)
}

func TestResolveIdentityMissingRootfsFilesFailsForNames(t *testing.T) {
	_, _, ok := resolveIdentity(t.TempDir(), "app")
	require.False(t, ok)
}
