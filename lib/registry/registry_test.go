package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsImageAllowed(t *testing.T) {
	require.True(t, isImageAllowed("alpine", nil))
	require.True(t, isImageAllowed("alpine", []string{"alpine", "ubuntu"}))
	require.False(t, isImageAllowed("debian", []string{"alpine", "ubuntu"}))
}

func TestRewriteMirror(t *testing.T) {
	rules := []imageMirrorRule{{From: "alpine", To: "mirror.internal/alpine"}}
	require.Equal(t, "mirror.internal/alpine", rewriteMirror("alpine", rules))
	require.Equal(t, "ubuntu", rewriteMirror("ubuntu", rules))
}

func TestLoadImagePolicyMissingFileDisablesCheck(t *testing.T) {
	prefixes, err := loadImagePolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Nil(t, prefixes)
}

func TestLoadImagePolicyFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image-policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("AllowedImages:\n  - alpine\n  - ubuntu\n"), 0o644))

	prefixes, err := loadImagePolicy(path)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alpine", "ubuntu"}, prefixes)
}

func TestLoadImageMirrorsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image-mirrors.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ImageMirrors:\n  - From: alpine\n    To: mirror.internal/alpine\n"), 0o644))

	rules, err := loadImageMirrors(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "alpine", rules[0].From)
}

func TestCompareDotted(t *testing.T) {
	require.True(t, compareDotted("3.20", "3.19") > 0)
	require.True(t, compareDotted("3.9", "3.10") < 0)
	require.Equal(t, 0, compareDotted("3.20", "3.20"))
}

func TestMajorMinorOf(t *testing.T) {
	require.Equal(t, "3.20", majorMinorOf("3.20.3"))
	require.Equal(t, "3.20", majorMinorOf("3.20"))
}

func TestAlpineArchMapping(t *testing.T) {
	require.Equal(t, "x86_64", alpineArch("amd64"))
	require.Equal(t, "aarch64", alpineArch("arm64"))
	require.Equal(t, "armhf", alpineArch("armhf"))
}
