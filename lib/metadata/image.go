package metadata

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/octaviocubillos/proobox/lib/paths"
)

// Image is the bit-exact on-disk schema for images/<repo>-<version>.json.
type Image struct {
	Id              string                 `json:"Id"`
	RepoTags        []string               `json:"RepoTags"`
	Created         string                 `json:"Created"`
	Size            int64                  `json:"Size"`
	VirtualSize     string                 `json:"VirtualSize"`
	ContainerConfig ImageContainerConfig   `json:"ContainerConfig"`
	Os              string                 `json:"Os"`
	Architecture    string                 `json:"Architecture"`
	Paths           ImagePaths             `json:"Paths"`
}

type ImageContainerConfig struct {
	Cmd        []string `json:"Cmd"`
	WorkingDir string   `json:"WorkingDir"`
	Entrypoint []string `json:"Entrypoint"`
	Env        []string `json:"Env"`
}

type ImagePaths struct {
	ImagePath string `json:"ImagePath"`
}

// WriteImage atomically writes img to the metadata path of every tag in
// img.RepoTags, keeping each tag's artifact and metadata co-located per §4.2.
func WriteImage(p *paths.Paths, img *Image) error {
	if len(img.RepoTags) == 0 {
		return fmt.Errorf("write image: no RepoTags set")
	}
	for _, tag := range img.RepoTags {
		repo, version := paths.SplitTag(tag)
		if err := writeJSON(p.ImageMetadataPath(repo, version), img); err != nil {
			return err
		}
	}
	return nil
}

// ReadImage reads metadata for a repo:version pair, defaulting an absent
// WorkingDir to "/root" and a null Env to empty; Cmd and Entrypoint are
// returned as stored.
func ReadImage(p *paths.Paths, repo, version string) (*Image, error) {
	var img Image
	path := p.ImageMetadataPath(repo, version)
	if err := readJSON(path, &img); err != nil {
		return nil, err
	}
	normalizeImage(&img)

	artifact := p.ImageArtifactPath(repo, version)
	if _, err := os.Stat(artifact); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("image artifact missing for %s:%s: %w", repo, version, ErrNotFound)
		}
		return nil, fmt.Errorf("stat image artifact: %w", err)
	}
	return &img, nil
}

func normalizeImage(img *Image) {
	if img.ContainerConfig.WorkingDir == "" {
		img.ContainerConfig.WorkingDir = "/root"
	}
	if img.ContainerConfig.Env == nil {
		img.ContainerConfig.Env = []string{}
	}
}

// ListImages scans images/*.json and returns every readable metadata
// record, sorted by Created descending. Files whose name does not end in
// "-latest" or a "-N.N.N" version are skipped.
func ListImages(p *paths.Paths) ([]*Image, error) {
	entries, err := os.ReadDir(p.ImagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read images directory: %w", err)
	}

	var out []*Image
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), ".json")
		repo, version, ok := splitImageBasename(stem)
		if !ok {
			continue
		}
		img, err := ReadImage(p, repo, version)
		if err != nil {
			continue
		}
		out = append(out, img)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Created > out[j].Created })
	return out, nil
}

// splitImageBasename reverses imageBasename's `<repo>-<version>` join by
// taking the last hyphen-delimited dotted-triple (or "latest") as the version. Image
// filenames are only ever produced by this package, so the scheme is
// unambiguous for every stored repo name that itself contains no run of
// three dot-separated numeric components.
func splitImageBasename(stem string) (repo, version string, ok bool) {
	idx := strings.LastIndex(stem, "-")
	for idx >= 0 {
		candidateRepo, candidateVersion := stem[:idx], stem[idx+1:]
		if looksLikeNormalizedVersion(candidateVersion) {
			return candidateRepo, candidateVersion, true
		}
		idx = strings.LastIndex(stem[:idx], "-")
	}
	return "", "", false
}

func looksLikeNormalizedVersion(v string) bool {
	if v == "latest" {
		return true
	}
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return false
	}
	for _, part := range parts {
		if part == "" {
			return false
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

// ResolveImage accepts either a repo:version reference or a 4-12 hex short
// id prefix matched against stored Id fields.
func ResolveImage(p *paths.Paths, spec string) (*Image, error) {
	if looksLikeShortID(spec) {
		all, err := ListImages(p)
		if err != nil {
			return nil, err
		}
		var matches []*Image
		for _, img := range all {
			if strings.HasPrefix(img.Id, spec) {
				matches = append(matches, img)
			}
		}
		switch len(matches) {
		case 1:
			return matches[0], nil
		case 0:
			// fall through to try as a repo:version reference
		default:
			return nil, ErrAmbiguous
		}
	}

	repo, version := paths.SplitTag(spec)
	return ReadImage(p, repo, version)
}

func looksLikeShortID(spec string) bool {
	if strings.Contains(spec, ":") || strings.Contains(spec, "/") {
		return false
	}
	if len(spec) < 4 || len(spec) > 12 {
		return false
	}
	for _, r := range spec {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

// TagImage extends img.RepoTags with a new repo:version label. The
// repository component of newRef must match the repository component of the
// image's existing tags; renaming the repository is rejected per §4.4.
func TagImage(p *paths.Paths, img *Image, newRef string) error {
	newRepo, newVersion := paths.SplitTag(newRef)
	if len(img.RepoTags) > 0 {
		existingRepo, _ := paths.SplitTag(img.RepoTags[0])
		if existingRepo != newRepo {
			return fmt.Errorf("tag image: repository must not change (%s != %s)", newRepo, existingRepo)
		}
	}

	newTag := fmt.Sprintf("%s:%s", newRepo, paths.NormalizeVersion(newVersion))
	for _, t := range img.RepoTags {
		if t == newTag {
			return nil
		}
	}

	oldRepo, oldVersion := paths.SplitTag(img.RepoTags[0])
	oldArtifact := p.ImageArtifactPath(oldRepo, oldVersion)
	newArtifact := p.ImageArtifactPath(newRepo, newVersion)
	if newArtifact != oldArtifact {
		if err := copyFile(oldArtifact, newArtifact); err != nil {
			return fmt.Errorf("copy artifact for new tag: %w", err)
		}
	}

	img.RepoTags = append(img.RepoTags, newTag)
	img.Created = paths.Now()
	return WriteImage(p, img)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// RemoveImage deletes every tag's artifact and metadata file (tag creates a
// physical copy per tag, so full removal must walk all of them) and
// (best-effort) the FROM-layer cache directory keyed by VirtualSize.
func RemoveImage(p *paths.Paths, img *Image) error {
	if len(img.RepoTags) == 0 {
		return fmt.Errorf("remove image: no RepoTags set")
	}

	var firstErr error
	seen := make(map[string]bool, len(img.RepoTags))
	for _, tag := range img.RepoTags {
		repo, version := paths.SplitTag(tag)
		artifact := p.ImageArtifactPath(repo, version)
		meta := p.ImageMetadataPath(repo, version)
		if seen[artifact] {
			continue
		}
		seen[artifact] = true

		if err := os.Remove(artifact); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("remove artifact: %w", err)
		}
		if err := os.Remove(meta); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("remove metadata: %w", err)
		}
	}
	if img.VirtualSize != "" && img.VirtualSize != "unknown" {
		_ = os.RemoveAll(p.CachedLayerDir(img.VirtualSize))
	}
	return firstErr
}
