package paths

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeVersion(t *testing.T) {
	cases := map[string]string{
		"":       "latest",
		"3":      "3.0.0",
		"3.20":   "3.20.0",
		"3.20.1": "3.20.1",
		"latest": "latest",
		"22.04":  "22.04.0",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeVersion(in), "input %q", in)
	}
}

func TestSplitTag(t *testing.T) {
	repo, version := SplitTag("alpine:3.20")
	require.Equal(t, "alpine", repo)
	require.Equal(t, "3.20", version)

	repo, version = SplitTag("alpine")
	require.Equal(t, "alpine", repo)
	require.Equal(t, "latest", version)
}

func TestMapArchitecture(t *testing.T) {
	got, err := MapArchitecture("arm64")
	require.NoError(t, err)
	require.Equal(t, "arm64", got)

	_, err = MapArchitecture("riscv64")
	require.ErrorIs(t, err, ErrArchUnsupported)
}

func TestNewContainerID(t *testing.T) {
	id, err := NewContainerID()
	require.NoError(t, err)
	require.Len(t, id, 64)

	id2, err := NewContainerID()
	require.NoError(t, err)
	require.NotEqual(t, id, id2)

	require.Len(t, ShortID(id), 12)
}

func TestPathLayout(t *testing.T) {
	p := New("/data")
	require.Equal(t, "/data/images", p.ImagesDir())
	require.Equal(t, "/data/images/alpine-3.20.0.tar.gz", p.ImageArtifactPath("alpine", "3.20"))
	require.Equal(t, "/data/images/alpine-3.20.0.json", p.ImageMetadataPath("alpine", "3.20"))
	require.Equal(t, "/data/containers/web/rootfs", p.ContainerRootfs("web"))
	require.Equal(t, "/data/cached_layers/layer-abc123", p.CachedLayerDir("abc123"))
}
