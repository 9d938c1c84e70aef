package tracer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescribeCommandEmpty(t *testing.T) {
	require.Equal(t, "", DescribeCommand(t.TempDir(), nil, nil))
}

func TestDescribeCommandUnresolvedPathLeavesCommandUnchanged(t *testing.T) {
	require.Equal(t, "/bin/true", DescribeCommand(t.TempDir(), nil, []string{"/bin/true"}))
}

func TestDescribeCommandResolvesViaPATH(t *testing.T) {
	rootfs := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(rootfs, "usr", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "usr", "bin", "node"), []byte("#!/bin/sh\n"), 0o755))

	desc := DescribeCommand(rootfs, []string{"PATH=/usr/bin"}, []string{"node", "app.js"})
	require.Contains(t, desc, "node app.js")
	require.Contains(t, desc, "/usr/bin/node")
}

func TestDescribeCommandFollowsShebang(t *testing.T) {
	rootfs := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(rootfs, "usr", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "usr", "bin", "python3"), []byte{}, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(rootfs, "app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "app", "run.py"), []byte("#!/usr/bin/env python3\nprint(1)\n"), 0o755))

	resolved := resolveCommandInRootfs(rootfs, nil, []string{"/app/run.py"})
	require.Equal(t, []string{"/usr/bin/python3", "/app/run.py"}, resolved)
}

func TestFindExecutableByBaseSearchesTree(t *testing.T) {
	rootfs := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(rootfs, "opt", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "opt", "bin", "mytool"), []byte{}, 0o755))

	found, ok := findExecutableByBase(rootfs, "mytool")
	require.True(t, ok)
	require.Equal(t, "/opt/bin/mytool", found)
}
