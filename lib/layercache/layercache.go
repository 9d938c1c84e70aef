// Package layercache implements the content-addressed directory-per-layer
// store described in §4.3: lookup and fill over `cached_layers/layer-<hex>/`
// directories, keyed by a composed hash chain.
package layercache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/octaviocubillos/proobox/lib/paths"
)

// ShortSHA256 returns the first 12 hex characters of SHA-256(data), the `H`
// function used throughout §4.3's key composition.
func ShortSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}

// FromLayerKey is the cache key for a base image's FROM layer.
func FromLayerKey(baseImageTag string) string {
	return ShortSHA256([]byte(baseImageTag))
}

// StepKey composes the previous layer's key with this step's own key as
// `previous-step`.
func StepKey(previous, step string) string {
	return previous + "-" + step
}

// RunStepKey is the per-step key for a non-COPY directive: H(line).
func RunStepKey(line string) string {
	return ShortSHA256([]byte(line))
}

// CopyStepKey is the per-step key for a COPY directive: H(line) ‖ H(bytes).
func CopyStepKey(line string, sourceBytes []byte) string {
	return ShortSHA256([]byte(line)) + ShortSHA256(sourceBytes)
}

// Cache wraps a Paths for layer lookup/fill.
type Cache struct {
	paths *paths.Paths
	log   *slog.Logger
}

// New returns a Cache rooted at p's cached_layers directory.
func New(p *paths.Paths, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{paths: p, log: log}
}

// Lookup reports a hit iff the layer directory for key exists and is
// non-empty, returning its path.
func (c *Cache) Lookup(key string) (dir string, ok bool) {
	dir = c.paths.CachedLayerDir(key)
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return "", false
	}
	return dir, true
}

// Fill snapshots srcDir into the cache directory for key via a recursive
// copy preserving permissions and symlinks. Fill is best-effort: on failure
// it logs a warning and returns nil, per §4.3/§7 (cache-fill failures are
// downgraded to warnings, not build-aborting errors).
func (c *Cache) Fill(key, srcDir string) error {
	dst := c.paths.CachedLayerDir(key)
	if err := copyTree(srcDir, dst); err != nil {
		c.log.Warn("layer cache fill failed", "key", key, "src", srcDir, "error", err)
		_ = os.RemoveAll(dst)
		return nil
	}
	return nil
}

// Restore recursive-copies the cached layer for key into dstDir. Unlike
// Fill, a Restore failure is fatal to the caller (a cache hit that can't be
// materialized means the build/rootfs-assembly step must fail, not silently
// degrade).
func (c *Cache) Restore(key, dstDir string) error {
	dir, ok := c.Lookup(key)
	if !ok {
		return fmt.Errorf("layer cache: no entry for key %s", key)
	}
	return copyTree(dir, dstDir)
}

// copyTree recursively copies src onto dst, preserving file modes and
// symlinks. It does not preserve uid/gid, matching the extraction rule in
// §4.6.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			return copyFileMode(path, target, info.Mode().Perm())
		}
	})
}

func copyFileMode(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
