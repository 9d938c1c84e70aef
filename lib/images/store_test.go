package images

import (
	"os"
	"testing"

	"github.com/octaviocubillos/proobox/lib/metadata"
	"github.com/octaviocubillos/proobox/lib/paths"
	"github.com/stretchr/testify/require"
)

func writeFakeArtifact(t *testing.T, p *paths.Paths, repo, version, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(p.ImagesDir(), 0o755))
	require.NoError(t, os.WriteFile(p.ImageArtifactPath(repo, version), []byte(contents), 0o644))
}

func TestPutListGetRemove(t *testing.T) {
	p := paths.New(t.TempDir())
	require.NoError(t, p.EnsureBase())
	s := New(p, nil)

	writeFakeArtifact(t, p, "alpine", "3.20", "rootfs-bytes")
	img, err := s.Put("alpine", "3.20", metadata.ImageContainerConfig{Env: []string{}}, 12, "cachekey123", "linux", "amd64")
	require.NoError(t, err)
	require.Equal(t, "alpine:3.20.0", img.RepoTags[0])
	require.Len(t, img.Id, 32)

	list, err := s.List(false)
	require.NoError(t, err)
	require.Len(t, list, 1)

	got, err := s.Get("alpine:3.20")
	require.NoError(t, err)
	require.Equal(t, img.Id, got.Id)

	got, err = s.Get(img.Id[:8])
	require.NoError(t, err)
	require.Equal(t, "alpine:3.20.0", got.RepoTags[0])

	require.NoError(t, s.Remove("alpine:3.20"))
	_, err = s.Get("alpine:3.20")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTagRejectsRepositoryChange(t *testing.T) {
	p := paths.New(t.TempDir())
	require.NoError(t, p.EnsureBase())
	s := New(p, nil)

	writeFakeArtifact(t, p, "ubuntu", "22.04", "rootfs-bytes")
	_, err := s.Put("ubuntu", "22.04", metadata.ImageContainerConfig{}, 10, "unknown", "linux", "amd64")
	require.NoError(t, err)

	require.NoError(t, s.Tag("ubuntu:22.04", "ubuntu:stable"))
	require.Error(t, s.Tag("ubuntu:22.04", "myubuntu:22.04"))

	stable, err := s.Get("ubuntu:stable")
	require.NoError(t, err)
	require.Contains(t, stable.RepoTags, "ubuntu:22.04.0")
	require.Contains(t, stable.RepoTags, "ubuntu:stable")

	original, err := s.Get("ubuntu:22.04")
	require.NoError(t, err)
	require.Equal(t, stable.Id, original.Id)
}
