// Package images implements the image store: tag-based lookup, listing,
// tagging, and removal of image artifacts and their metadata (§4.4).
package images

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/octaviocubillos/proobox/lib/metadata"
	"github.com/octaviocubillos/proobox/lib/paths"
	"github.com/samber/lo"
)

// Store is the image store over a single data directory.
type Store struct {
	paths *paths.Paths
	log   *slog.Logger
}

// New returns a Store rooted at p.
func New(p *paths.Paths, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{paths: p, log: log}
}

// ComputeID hashes an artifact's byte stream to the image's content-derived
// identifier: the first 16 bytes (32 hex characters) of SHA-256.
func ComputeID(artifactPath string) (string, error) {
	f, err := os.Open(artifactPath)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil))[:32], nil
}

// List returns every stored image, sorted by creation time descending.
func (s *Store) List(all bool) ([]*metadata.Image, error) {
	imgs, err := metadata.ListImages(s.paths)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	if all {
		return imgs, nil
	}
	// Dangling images (no RepoTags) are only shown with --all, mirroring
	// ordinary image-list tooling.
	return lo.Filter(imgs, func(img *metadata.Image, _ int) bool {
		return len(img.RepoTags) > 0
	}), nil
}

// Get resolves ref (a repo:version tag or short-id prefix) to its metadata.
func (s *Store) Get(ref string) (*metadata.Image, error) {
	img, err := metadata.ResolveImage(s.paths, ref)
	if err != nil {
		if err == metadata.ErrNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, err
	}
	return img, nil
}

// Tag adds newRef as an additional label on the image resolved from ref.
// The repository component of newRef must match the existing repository.
func (s *Store) Tag(ref, newRef string) error {
	img, err := s.Get(ref)
	if err != nil {
		return err
	}
	if err := metadata.TagImage(s.paths, img, newRef); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Remove deletes the artifact, metadata, and (best-effort) the FROM-layer
// cache entry for the image resolved from ref.
func (s *Store) Remove(ref string) error {
	img, err := s.Get(ref)
	if err != nil {
		return err
	}
	if err := metadata.RemoveImage(s.paths, img); err != nil {
		return fmt.Errorf("remove image %s: %w", ref, err)
	}
	return nil
}

// Put registers a newly pulled or built artifact already written at the
// canonical path for repo:version, writing its metadata record. size is the
// artifact's compressed byte size; virtualSize is the FROM-layer cache key
// (or "unknown" when not derivable, per metadata-synthesis rules in §4.5).
func (s *Store) Put(repo, version string, cfg metadata.ImageContainerConfig, size int64, virtualSize, osName, arch string) (*metadata.Image, error) {
	artifact := s.paths.ImageArtifactPath(repo, version)
	id, err := ComputeID(artifact)
	if err != nil {
		return nil, err
	}

	img := &metadata.Image{
		Id:              id,
		RepoTags:        []string{fmt.Sprintf("%s:%s", repo, paths.NormalizeVersion(version))},
		Created:         paths.Now(),
		Size:            size,
		VirtualSize:     virtualSize,
		ContainerConfig: cfg,
		Os:              osName,
		Architecture:    arch,
		Paths:           metadata.ImagePaths{ImagePath: artifact},
	}
	if err := metadata.WriteImage(s.paths, img); err != nil {
		return nil, fmt.Errorf("write image metadata: %w", err)
	}
	return img, nil
}

// Exists reports whether both the artifact and metadata file for repo:version
// are present on disk (the local-presence tier-1 check in §4.5).
func (s *Store) Exists(repo, version string) bool {
	_, err := metadata.ReadImage(s.paths, repo, version)
	return err == nil
}
