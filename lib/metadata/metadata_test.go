package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/octaviocubillos/proobox/lib/paths"
	"github.com/stretchr/testify/require"
)

func TestContainerRoundTrip(t *testing.T) {
	p := paths.New(t.TempDir())
	require.NoError(t, p.EnsureBase())

	c := NewContainer("a1b2c3d4e5f6", "web-1")
	c.Config.Cmd = []string{"sleep", "60"}
	require.NoError(t, os.MkdirAll(p.ContainerDir(c.Name), 0o755))
	require.NoError(t, WriteContainer(p, c))

	got, err := ReadContainerByName(p, "web-1")
	require.NoError(t, err)
	require.Equal(t, c.Id, got.Id)
	require.Equal(t, []string{"sleep", "60"}, got.Config.Cmd)
	require.Equal(t, "/root", got.Config.WorkingDir)
}

func TestResolveContainerShortID(t *testing.T) {
	p := paths.New(t.TempDir())
	require.NoError(t, p.EnsureBase())

	c1 := NewContainer("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "one")
	c2 := NewContainer("aaaabbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "two")
	for _, c := range []*Container{c1, c2} {
		require.NoError(t, os.MkdirAll(p.ContainerDir(c.Name), 0o755))
		require.NoError(t, WriteContainer(p, c))
	}

	got, err := ResolveContainer(p, "aaaaaaaa")
	require.NoError(t, err)
	require.Equal(t, "one", got.Name)

	_, err = ResolveContainer(p, "aaaa")
	require.ErrorIs(t, err, ErrAmbiguous)

	_, err = ResolveContainer(p, "ffffffff")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateContainerAppliesStateTransition(t *testing.T) {
	p := paths.New(t.TempDir())
	require.NoError(t, p.EnsureBase())

	c := NewContainer("a1b2c3d4e5f6", "web-1")
	require.NoError(t, os.MkdirAll(p.ContainerDir(c.Name), 0o755))
	require.NoError(t, WriteContainer(p, c))

	require.NoError(t, UpdateContainer(p, "web-1", func(c *Container) {
		c.State.Status = StatusRunning
		c.State.Running = true
	}))

	got, err := ReadContainerByName(p, "web-1")
	require.NoError(t, err)
	require.True(t, got.State.Running)
	require.Equal(t, StatusRunning, got.State.Status)
	require.Equal(t, "sleep", firstOr(got.Config.Cmd, "sleep"))
}

func firstOr(s []string, def string) string {
	if len(s) == 0 {
		return def
	}
	return s[0]
}

func TestImageRoundTripAndTag(t *testing.T) {
	p := paths.New(t.TempDir())
	require.NoError(t, p.EnsureBase())

	img := &Image{
		Id:          "deadbeefdeadbeefdeadbeefdeadbeef",
		RepoTags:    []string{"alpine:3.20.0"},
		Created:     paths.Now(),
		Size:        1024,
		VirtualSize: "abcdef012345",
		Os:          "linux",
		Architecture: "amd64",
	}
	require.NoError(t, os.WriteFile(p.ImageArtifactPath("alpine", "3.20.0"), []byte("fake"), 0o644))
	require.NoError(t, WriteImage(p, img))

	got, err := ReadImage(p, "alpine", "3.20.0")
	require.NoError(t, err)
	require.Equal(t, "/root", got.ContainerConfig.WorkingDir)

	require.NoError(t, TagImage(p, got, "alpine:edge"))
	require.Contains(t, got.RepoTags, "alpine:edge")
	require.FileExists(t, filepath.Join(p.ImagesDir(), "alpine-edge.tar.gz"))
	require.FileExists(t, filepath.Join(p.ImagesDir(), "alpine-edge.json"))

	tagged, err := ReadImage(p, "alpine", "edge")
	require.NoError(t, err)
	require.Equal(t, got.Id, tagged.Id)
	require.Contains(t, tagged.RepoTags, "alpine:3.20.0")
	require.Contains(t, tagged.RepoTags, "alpine:edge")

	byShortID, err := ResolveImage(p, "alpine:edge")
	require.NoError(t, err)
	require.Equal(t, got.Id, byShortID.Id)

	err = TagImage(p, got, "myalpine:edge")
	require.Error(t, err)
}

func TestRemoveImageDeletesEveryTag(t *testing.T) {
	p := paths.New(t.TempDir())
	require.NoError(t, p.EnsureBase())

	img := &Image{
		Id:          "cafebabecafebabecafebabecafebabe",
		RepoTags:    []string{"alpine:3.20.0"},
		Created:     paths.Now(),
		Size:        1024,
		VirtualSize: "unknown",
	}
	require.NoError(t, os.WriteFile(p.ImageArtifactPath("alpine", "3.20.0"), []byte("fake"), 0o644))
	require.NoError(t, WriteImage(p, img))
	require.NoError(t, TagImage(p, img, "alpine:edge"))

	require.NoError(t, RemoveImage(p, img))

	require.NoFileExists(t, p.ImageArtifactPath("alpine", "3.20.0"))
	require.NoFileExists(t, p.ImageMetadataPath("alpine", "3.20.0"))
	require.NoFileExists(t, p.ImageArtifactPath("alpine", "edge"))
	require.NoFileExists(t, p.ImageMetadataPath("alpine", "edge"))
}

func TestListImagesSortsByCreatedDescending(t *testing.T) {
	p := paths.New(t.TempDir())
	require.NoError(t, p.EnsureBase())

	older := &Image{Id: "1111", RepoTags: []string{"a:1.0.0"}, Created: "2024-01-01T00:00:00.000Z"}
	newer := &Image{Id: "2222", RepoTags: []string{"b:1.0.0"}, Created: "2025-01-01T00:00:00.000Z"}
	for _, img := range []*Image{older, newer} {
		repo, version := paths.SplitTag(img.RepoTags[0])
		require.NoError(t, os.WriteFile(p.ImageArtifactPath(repo, version), []byte("x"), 0o644))
		require.NoError(t, WriteImage(p, img))
	}

	all, err := ListImages(p)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "2222", all[0].Id)
}
