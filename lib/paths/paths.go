// Package paths centralizes the data-directory layout and the small set of
// identifier/version/architecture helpers every other package needs.
package paths

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"
)

// ErrArchUnsupported is returned by MapArchitecture for hosts this tool does
// not know how to target.
var ErrArchUnsupported = errors.New("unsupported host architecture")

// Paths resolves every on-disk location under a single per-user data
// directory. The zero value is not usable; construct with New.
type Paths struct {
	base string
}

// New returns a Paths rooted at base. Callers resolve base from $HOME via
// Resolve before constructing.
func New(base string) *Paths {
	return &Paths{base: base}
}

// Resolve determines $BASE from the environment: $HOME/.proobox, unless
// override is non-empty.
func Resolve(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home := os.Getenv("HOME")
	if home == "" {
		return "", fmt.Errorf("resolve data directory: HOME is not set")
	}
	return filepath.Join(home, ".proobox"), nil
}

// Base returns $BASE.
func (p *Paths) Base() string { return p.base }

// EnsureBase creates $BASE and its direct subdirectories if absent.
func (p *Paths) EnsureBase() error {
	for _, dir := range []string{p.base, p.ImagesDir(), p.ContainersDir(), p.CachedLayersDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}
	return nil
}

// ImagesDir is the flat directory holding image artifacts and metadata.
func (p *Paths) ImagesDir() string { return filepath.Join(p.base, "images") }

// imageBasename is the shared `<repo>-<normalized_version>` stem used by both
// the artifact and the metadata file for an image.
func imageBasename(repo, version string) string {
	return fmt.Sprintf("%s-%s", repo, NormalizeVersion(version))
}

// ImageArtifactPath is the `.tar.gz` path for a repo:version pair.
func (p *Paths) ImageArtifactPath(repo, version string) string {
	return filepath.Join(p.ImagesDir(), imageBasename(repo, version)+".tar.gz")
}

// ImageMetadataPath is the `.json` path for a repo:version pair.
func (p *Paths) ImageMetadataPath(repo, version string) string {
	return filepath.Join(p.ImagesDir(), imageBasename(repo, version)+".json")
}

// ContainersDir is the parent of every per-container directory.
func (p *Paths) ContainersDir() string { return filepath.Join(p.base, "containers") }

// ContainerDir is `containers/<name>/`.
func (p *Paths) ContainerDir(name string) string { return filepath.Join(p.ContainersDir(), name) }

// ContainerRootfs is `containers/<name>/rootfs/`.
func (p *Paths) ContainerRootfs(name string) string {
	return filepath.Join(p.ContainerDir(name), "rootfs")
}

// ContainerMetadataPath is `containers/<name>/metadata.json`.
func (p *Paths) ContainerMetadataPath(name string) string {
	return filepath.Join(p.ContainerDir(name), "metadata.json")
}

// ContainerLogPath is `containers/<name>/container.log`.
func (p *Paths) ContainerLogPath(name string) string {
	return filepath.Join(p.ContainerDir(name), "container.log")
}

// ContainerStepLogPath is `containers/<name>/step_<n>.log`, used by the
// builder's temporary build container.
func (p *Paths) ContainerStepLogPath(name string, n int) string {
	return filepath.Join(p.ContainerDir(name), fmt.Sprintf("step_%d.log", n))
}

// ContainerExecLogPath is `containers/<name>/exec-<timestamp>.log`.
func (p *Paths) ContainerExecLogPath(name string, at time.Time) string {
	return filepath.Join(p.ContainerDir(name), fmt.Sprintf("exec-%d.log", at.UnixNano()))
}

// CachedLayersDir is the parent of every `layer-<hex>` directory.
func (p *Paths) CachedLayersDir() string { return filepath.Join(p.base, "cached_layers") }

// CachedLayerDir is `cached_layers/layer-<key>/`.
func (p *Paths) CachedLayerDir(key string) string {
	return filepath.Join(p.CachedLayersDir(), "layer-"+key)
}

// ConfigPath is `$BASE/config.json`.
func (p *Paths) ConfigPath() string { return filepath.Join(p.base, "config.json") }

// ImagePolicyPath is the optional `$BASE/image-policy.yaml` allow-list file.
func (p *Paths) ImagePolicyPath() string { return filepath.Join(p.base, "image-policy.yaml") }

// ImageMirrorsPath is the optional `$BASE/image-mirrors.yaml` rewrite-rules
// file.
func (p *Paths) ImageMirrorsPath() string { return filepath.Join(p.base, "image-mirrors.yaml") }

var wholeOrMinor = regexp.MustCompile(`^(\d+)(?:\.(\d+))?$`)

// NormalizeVersion applies the tag-version normalization rule: `N` becomes
// `N.0.0`, `N.M` becomes `N.M.0`, anything else (including "latest" and
// already-complete semver) passes through unchanged. An empty version
// normalizes to "latest".
func NormalizeVersion(version string) string {
	if version == "" {
		return "latest"
	}
	m := wholeOrMinor.FindStringSubmatch(version)
	if m == nil {
		return version
	}
	if m[2] == "" {
		return m[1] + ".0.0"
	}
	return m[1] + "." + m[2] + ".0"
}

// SplitTag splits a `repo[:version]` reference into its parts, defaulting
// version to "latest".
func SplitTag(ref string) (repo, version string) {
	if idx := strings.LastIndex(ref, ":"); idx >= 0 {
		return ref[:idx], ref[idx+1:]
	}
	return ref, "latest"
}

// MapArchitecture maps the host GOARCH to the tool's three supported
// identifiers, or returns ErrArchUnsupported.
func MapArchitecture(goarch string) (string, error) {
	switch goarch {
	case "arm64":
		return "arm64", nil
	case "arm":
		return "armhf", nil
	case "amd64":
		return "amd64", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrArchUnsupported, goarch)
	}
}

// HostArchitecture is MapArchitecture applied to the running process's
// GOARCH.
func HostArchitecture() (string, error) {
	return MapArchitecture(runtime.GOARCH)
}

// NewContainerID returns a 64-hex-character identifier from a cryptographic
// RNG.
func NewContainerID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate container id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ShortID truncates an identifier to its 12-hex-character short form.
func ShortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

// NewGeneratedName returns a `<distro>-<8 random hex>` container name.
func NewGeneratedName(distro string) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate container name suffix: %w", err)
	}
	return fmt.Sprintf("%s-%s", distro, hex.EncodeToString(buf)), nil
}

// ISOTimestamp formats t as UTC ISO-8601 with millisecond precision, the
// format used by every timestamp field in the metadata schemas.
func ISOTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// Now is ISOTimestamp(time.Now()).
func Now() string { return ISOTimestamp(time.Now()) }
