// Package registry implements the three-tier image pull fallback, push, and
// the optional local image-policy/mirror guardrails described in §4.5.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/octaviocubillos/proobox/lib/images"
	"github.com/octaviocubillos/proobox/lib/metadata"
	"github.com/octaviocubillos/proobox/lib/paths"
	"github.com/octaviocubillos/proobox/lib/tracer"
)

func jsonDecode(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

// Config carries the single-file `$BASE/config.json` registry settings.
// An empty BackendURL disables tier 2 pull and push, per §4.5.
type Config struct {
	BackendURL string
	Username   string
	Token      string
}

// Client implements the pull fallback and push described in §4.5, and
// satisfies both lib/containers.ImagePuller and lib/builder.ImagePuller.
type Client struct {
	paths   *paths.Paths
	store   *images.Store
	http    *http.Client
	cfg     Config
	log     *slog.Logger
	policy  []string
	mirrors []imageMirrorRule
}

// New returns a Client, loading the optional policy/mirror YAML files under
// p's base directory.
func New(p *paths.Paths, store *images.Store, cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	policy, err := loadImagePolicy(p.ImagePolicyPath())
	if err != nil {
		return nil, err
	}
	mirrors, err := loadImageMirrors(p.ImageMirrorsPath())
	if err != nil {
		return nil, err
	}
	return &Client{
		paths:   p,
		store:   store,
		http:    &http.Client{},
		cfg:     cfg,
		log:     log,
		policy:  policy,
		mirrors: mirrors,
	}, nil
}

// Pull ensures ref is present locally, trying each tier in order, and
// returns its metadata.
func (c *Client) Pull(ctx context.Context, ref string) (*metadata.Image, error) {
	repo, version := paths.SplitTag(ref)
	if !isImageAllowed(repo, c.policy) {
		return nil, fmt.Errorf("%w: %s", ErrNotAllowed, repo)
	}

	mirroredRepo := rewriteMirror(repo, c.mirrors)
	distro := tracer.DistroFromRepo(mirroredRepo)

	if !strings.Contains(ref, ":") {
		resolved, err := c.resolveVersion(ctx, distro)
		if err != nil {
			return nil, err
		}
		version = resolved
	}

	// Tier 1: local presence.
	if c.store.Exists(repo, version) {
		return c.store.Get(fmt.Sprintf("%s:%s", repo, version))
	}

	// Tier 2: user registry.
	if c.cfg.BackendURL != "" {
		img, err := c.pullFromBackend(ctx, repo, mirroredRepo, version)
		if err == nil {
			return img, nil
		}
		c.log.Debug("backend pull tier missed", "ref", ref, "error", err)
	}

	// Tier 3: upstream distro mirror.
	if img, err := c.pullFromUpstream(ctx, repo, mirroredRepo, version, distro); err == nil {
		return img, nil
	} else {
		c.log.Debug("upstream pull tier missed", "ref", ref, "error", err)
	}

	return nil, fmt.Errorf("%w: %s:%s", ErrImageNotFound, repo, version)
}

func (c *Client) resolveVersion(ctx context.Context, distro tracer.Distro) (string, error) {
	if distro != tracer.DistroAlpine {
		return "", ErrVersionRequired
	}
	majorMinor, err := c.latestAlpineBranch(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve alpine version: %w", err)
	}
	arch, err := paths.HostArchitecture()
	if err != nil {
		return "", err
	}
	full, err := c.latestAlpineRelease(ctx, majorMinor, alpineArch(arch))
	if err != nil {
		return "", fmt.Errorf("resolve alpine release: %w", err)
	}
	return full, nil
}

func (c *Client) pullFromBackend(ctx context.Context, repo, mirroredRepo, version string) (*metadata.Image, error) {
	base := fmt.Sprintf("%s/api/download/proobox/%s/%s/%s", strings.TrimSuffix(c.cfg.BackendURL, "/"), c.cfg.Username, mirroredRepo, version)
	artifactURL := fmt.Sprintf("%s/%s-%s.tar.gz", base, mirroredRepo, version)
	metadataURL := fmt.Sprintf("%s/%s-%s.json", base, mirroredRepo, version)

	artifactPath := c.paths.ImageArtifactPath(repo, version)
	if err := c.download(ctx, artifactURL, artifactPath); err != nil {
		return nil, err
	}

	var img metadata.Image
	if err := c.downloadJSON(ctx, metadataURL, &img); err != nil {
		// Metadata synthesis: the artifact is real, but no sidecar JSON was
		// published alongside it.
		cfg := metadata.ImageContainerConfig{WorkingDir: "/root"}
		arch, archErr := paths.HostArchitecture()
		if archErr != nil {
			return nil, archErr
		}
		return c.store.Put(repo, version, cfg, artifactSize(artifactPath), "unknown", "linux", arch)
	}

	img.RepoTags = []string{fmt.Sprintf("%s:%s", repo, paths.NormalizeVersion(version))}
	img.Paths = metadata.ImagePaths{ImagePath: artifactPath}
	if err := metadata.WriteImage(c.paths, &img); err != nil {
		return nil, fmt.Errorf("write pulled image metadata: %w", err)
	}
	return &img, nil
}

func (c *Client) pullFromUpstream(ctx context.Context, repo, mirroredRepo, version string, distro tracer.Distro) (*metadata.Image, error) {
	arch, err := paths.HostArchitecture()
	if err != nil {
		return nil, err
	}

	var url string
	switch distro {
	case tracer.DistroAlpine:
		majorMinor := majorMinorOf(version)
		url = fmt.Sprintf("https://dl-cdn.alpinelinux.org/alpine/v%s/releases/%s/alpine-minirootfs-%s-%s.tar.gz",
			majorMinor, alpineArch(arch), version, alpineArch(arch))
	case tracer.DistroUbuntu:
		url = fmt.Sprintf("http://cdimage.ubuntu.com/ubuntu-base/releases/%s/release/ubuntu-base-%s-base-%s.tar.gz",
			version, version, ubuntuArch(arch))
	default:
		return nil, fmt.Errorf("%w: no upstream mirror known for %s", ErrImageNotFound, mirroredRepo)
	}

	artifactPath := c.paths.ImageArtifactPath(repo, version)
	if err := c.download(ctx, url, artifactPath); err != nil {
		return nil, err
	}

	cfg := metadata.ImageContainerConfig{WorkingDir: "/root"}
	return c.store.Put(repo, version, cfg, artifactSize(artifactPath), "unknown", "linux", arch)
}

func (c *Client) download(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

func (c *Client) downloadJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return jsonDecode(resp.Body, v)
}

// Push uploads ref's artifact and metadata to the backend in a single
// multipart POST, per §4.5. ErrPushDisabled when no backend is configured.
func (c *Client) Push(ctx context.Context, ref string) error {
	if c.cfg.BackendURL == "" {
		return ErrPushDisabled
	}
	repo, version := paths.SplitTag(ref)
	img, err := c.store.Get(ref)
	if err != nil {
		return err
	}

	artifactPath := c.paths.ImageArtifactPath(repo, version)
	metadataPath := c.paths.ImageMetadataPath(repo, version)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := attachFile(w, "files", artifactPath); err != nil {
		return fmt.Errorf("%w: %v", ErrPushFailed, err)
	}
	if err := attachFile(w, "files", metadataPath); err != nil {
		return fmt.Errorf("%w: %v", ErrPushFailed, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrPushFailed, err)
	}

	url := fmt.Sprintf("%s/api/upload/proobox/%s/%s/%s", strings.TrimSuffix(c.cfg.BackendURL, "/"), c.cfg.Username, repo, version)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPushFailed, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPushFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: status %d", ErrPushFailed, resp.StatusCode)
	}

	c.log.Info("pushed image", "repo", repo, "version", version, "id", img.Id)
	return nil
}

func attachFile(w *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	part, err := w.CreateFormFile(field, filepathBase(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

func artifactSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

var alpineDirPattern = regexp.MustCompile(`href="v(\d+\.\d+)/"`)

// latestAlpineBranch scrapes the Alpine CDN's release directory listing for
// the greatest `vMAJOR.MINOR` branch.
func (c *Client) latestAlpineBranch(ctx context.Context) (string, error) {
	body, err := c.get(ctx, "https://dl-cdn.alpinelinux.org/alpine/")
	if err != nil {
		return "", err
	}
	matches := alpineDirPattern.FindAllStringSubmatch(string(body), -1)
	if len(matches) == 0 {
		return "", fmt.Errorf("no alpine release branches found")
	}
	branches := make([]string, 0, len(matches))
	for _, m := range matches {
		branches = append(branches, m[1])
	}
	sort.Slice(branches, func(i, j int) bool { return compareDotted(branches[i], branches[j]) > 0 })
	return branches[0], nil
}

// latestAlpineRelease scrapes the releases/<arch>/ page for the greatest
// full patch version of the minirootfs tarball.
func (c *Client) latestAlpineRelease(ctx context.Context, majorMinor, arch string) (string, error) {
	url := fmt.Sprintf("https://dl-cdn.alpinelinux.org/alpine/v%s/releases/%s/", majorMinor, arch)
	body, err := c.get(ctx, url)
	if err != nil {
		return "", err
	}
	pattern := regexp.MustCompile(fmt.Sprintf(`alpine-minirootfs-([\d.]+)-%s\.tar\.gz`, regexp.QuoteMeta(arch)))
	matches := pattern.FindAllStringSubmatch(string(body), -1)
	if len(matches) == 0 {
		return "", fmt.Errorf("no minirootfs releases found under %s", url)
	}
	versions := make([]string, 0, len(matches))
	for _, m := range matches {
		versions = append(versions, m[1])
	}
	sort.Slice(versions, func(i, j int) bool { return compareDotted(versions[i], versions[j]) > 0 })
	return versions[0], nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// compareDotted compares two dotted-numeric version strings, returning >0
// when a > b.
func compareDotted(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av - bv
		}
	}
	return 0
}

func majorMinorOf(version string) string {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return version
	}
	return parts[0] + "." + parts[1]
}

// alpineArch maps the tool's internal architecture identifiers to Alpine's
// release-asset naming.
func alpineArch(arch string) string {
	switch arch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	default:
		return arch
	}
}

// ubuntuArch maps the tool's internal architecture identifiers to Ubuntu
// base-tarball naming, which already matches GOARCH-derived names.
func ubuntuArch(arch string) string {
	return arch
}

func filepathBase(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}
