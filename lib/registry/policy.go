package registry

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// imagePolicyFile is the optional `$BASE/image-policy.yaml` allow-list
// schema (supplemented feature #1).
type imagePolicyFile struct {
	AllowedImages        []string `yaml:"AllowedImages"`
	AllowedImagePrefixes []string `yaml:"AllowedImagePrefixes"`
}

// imageMirrorRule rewrites a reference whose prefix matches From to Prefix
// To (supplemented feature #2).
type imageMirrorRule struct {
	From string `yaml:"From"`
	To   string `yaml:"To"`
}

type imageMirrorFile struct {
	ImageMirrors []imageMirrorRule `yaml:"ImageMirrors"`
}

// loadImagePolicy reads the allow-list file at path, if present. A missing
// file disables the check entirely (every reference allowed).
func loadImagePolicy(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read image policy: %w", err)
	}
	var cfg imagePolicyFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse image policy: %w", err)
	}
	prefixes := append([]string{}, cfg.AllowedImages...)
	prefixes = append(prefixes, cfg.AllowedImagePrefixes...)
	return normalizePrefixes(prefixes), nil
}

// loadImageMirrors reads the rewrite-rules file at path, if present.
func loadImageMirrors(path string) ([]imageMirrorRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read image mirrors: %w", err)
	}
	var cfg imageMirrorFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse image mirrors: %w", err)
	}
	return cfg.ImageMirrors, nil
}

func normalizePrefixes(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// isImageAllowed reports whether repo clears the allow-list. An empty
// prefix list allows everything.
func isImageAllowed(repo string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	candidate := strings.ToLower(strings.TrimSpace(repo))
	for _, prefix := range prefixes {
		if strings.HasPrefix(candidate, prefix) {
			return true
		}
	}
	return false
}

// rewriteMirror applies the first matching mirror rule's prefix rewrite to
// repo, or returns repo unchanged.
func rewriteMirror(repo string, rules []imageMirrorRule) string {
	for _, rule := range rules {
		if strings.HasPrefix(repo, rule.From) {
			return rule.To + strings.TrimPrefix(repo, rule.From)
		}
	}
	return repo
}
