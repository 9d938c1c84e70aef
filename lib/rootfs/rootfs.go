// Package rootfs materializes a container's root filesystem from a base
// image artifact or a cached FROM-layer, and installs the special
// directories and DNS configuration every container needs (§4.6).
package rootfs

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/pgzip"
	"github.com/octaviocubillos/proobox/lib/layercache"
)

// ErrArtifactTooLarge is returned when a base image artifact's extracted
// content exceeds maxExtractedBytes, guarding against a malicious or
// corrupt tarball filling the device's storage.
var ErrArtifactTooLarge = errors.New("artifact content exceeds size limit")

// maxExtractedBytes bounds how much a single base image artifact may expand
// to on disk; mobile/single-user devices have limited storage to defend.
const maxExtractedBytes = 8 << 30 // 8 GiB

// excludedTopLevel are never extracted from the artifact; they're always
// synthesized fresh by EnsureSpecialDirs.
var excludedTopLevel = map[string]bool{
	"dev":  true,
	"proc": true,
	"sys":  true,
}

// specialDirs is the fixed set of directories every rootfs must have, with
// their required modes, in the order §4.6 lists them.
var specialDirs = []struct {
	name string
	mode os.FileMode
}{
	{"dev", 0o755},
	{"proc", 0o755},
	{"sys", 0o755},
	{"tmp", 0o1777},
	{"run", 0o755},
	{"etc", 0o755},
}

// Assembler assembles container rootfs trees, using a layer cache to avoid
// re-extracting the same base image artifact repeatedly.
type Assembler struct {
	cache *layercache.Cache
	log   *slog.Logger
}

// New returns an Assembler backed by cache.
func New(cache *layercache.Cache, log *slog.Logger) *Assembler {
	if log == nil {
		log = slog.Default()
	}
	return &Assembler{cache: cache, log: log}
}

// Assemble populates rootfsDir for baseImageTag from artifactPath: if the
// FROM-layer cache for baseImageTag is populated, it is restored; otherwise
// the artifact is extracted and the cache is filled for next time. Special
// directories and resolv.conf are always (re)written.
func (a *Assembler) Assemble(baseImageTag, artifactPath, rootfsDir string) error {
	if err := os.MkdirAll(rootfsDir, 0o755); err != nil {
		return fmt.Errorf("create rootfs directory: %w", err)
	}

	key := layercache.FromLayerKey(baseImageTag)
	if dir, ok := a.cache.Lookup(key); ok {
		if err := a.cache.Restore(key, rootfsDir); err != nil {
			return fmt.Errorf("restore cached layer %s: %w", dir, err)
		}
	} else {
		if err := extractArtifact(artifactPath, rootfsDir); err != nil {
			return fmt.Errorf("extract artifact: %w", err)
		}
		if err := a.cache.Fill(key, rootfsDir); err != nil {
			return fmt.Errorf("fill layer cache: %w", err)
		}
	}

	if err := EnsureSpecialDirs(rootfsDir); err != nil {
		return fmt.Errorf("ensure special directories: %w", err)
	}
	if err := WriteResolvConf(rootfsDir); err != nil {
		return fmt.Errorf("write resolv.conf: %w", err)
	}
	return nil
}

// extractArtifact untars a gzipped POSIX tar into rootfsDir, skipping
// dev/*, proc/*, sys/* and never preserving uid/gid, per §4.6.
func extractArtifact(artifactPath, rootfsDir string) error {
	f, err := os.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var extracted int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		extracted += hdr.Size
		if extracted > maxExtractedBytes {
			return ErrArtifactTooLarge
		}

		name := strings.TrimPrefix(filepath.Clean(hdr.Name), "/")
		top := strings.SplitN(name, "/", 2)[0]
		if excludedTopLevel[top] {
			continue
		}

		target, err := securejoin.SecureJoin(rootfsDir, name)
		if err != nil {
			return fmt.Errorf("resolve extraction target %s: %w", name, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			linkTarget, err := securejoin.SecureJoin(rootfsDir, strings.TrimPrefix(hdr.Linkname, "/"))
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Link(linkTarget, target); err != nil {
				// Source of the hardlink may not have been extracted yet
				// in unusual tar orderings; fall back to a regular copy.
				if copyErr := copyRegular(linkTarget, target, os.FileMode(hdr.Mode).Perm()); copyErr != nil {
					return err
				}
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, io.LimitReader(tr, hdr.Size)); err != nil {
				out.Close()
				return err
			}
			out.Close()
		default:
			// Device nodes, fifos etc: skipped, matching the dev/*
			// exclusion's spirit for anything unprivileged extraction
			// can't represent meaningfully anyway.
		}
	}
}

func copyRegular(src, dst string, mode os.FileMode) error {
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

// EnsureSpecialDirs creates dev/, proc/, sys/, tmp/, run/, etc/ under
// rootfsDir with their required modes if they don't already exist.
func EnsureSpecialDirs(rootfsDir string) error {
	for _, d := range specialDirs {
		path := filepath.Join(rootfsDir, d.name)
		if err := os.MkdirAll(path, d.mode); err != nil {
			return fmt.Errorf("create %s: %w", d.name, err)
		}
		if err := os.Chmod(path, d.mode); err != nil {
			return fmt.Errorf("chmod %s: %w", d.name, err)
		}
	}
	return nil
}

// WriteResolvConf writes etc/resolv.conf with the two fallback nameservers.
func WriteResolvConf(rootfsDir string) error {
	path := filepath.Join(rootfsDir, "etc", "resolv.conf")
	contents := "nameserver 8.8.8.8\nnameserver 8.8.4.4\n"
	return os.WriteFile(path, []byte(contents), 0o644)
}
