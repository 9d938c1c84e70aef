// Package builder implements the layered image builder: recipe parsing,
// content-addressed cache-keyed step execution, and image artifact
// emission (§4.8).
package builder

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Kind identifies a recipe directive.
type Kind string

const (
	KindFrom    Kind = "FROM"
	KindRun     Kind = "RUN"
	KindCopy    Kind = "COPY"
	KindWorkdir Kind = "WORKDIR"
	KindEnv     Kind = "ENV"
	KindCmd     Kind = "CMD"
)

// Directive is one parsed recipe line (after joining continuations).
type Directive struct {
	Kind Kind
	Args string // raw text after the keyword
	Line string // the full canonical directive text, used for step hashing
}

// ParseRecipe reads path, joins `\`-continued lines, drops blank and
// `#`-comment lines, and returns the ordered directive list. The first
// non-comment, non-empty line must be FROM.
func ParseRecipe(path string) ([]Directive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recipe: %w", err)
	}
	defer f.Close()

	lines, err := joinContinuations(f)
	if err != nil {
		return nil, err
	}

	var directives []Directive
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		kind, args, ok := splitDirective(trimmed)
		if !ok {
			// unknown directive: a warning, not an error, per §4.8
			slog.Warn("skipping unknown recipe directive", "line", i+1, "text", trimmed)
			continue
		}

		if len(directives) == 0 && kind != KindFrom {
			return nil, fmt.Errorf("recipe line %d: first directive must be FROM, got %s", i+1, kind)
		}
		directives = append(directives, Directive{Kind: kind, Args: args, Line: trimmed})
	}

	if len(directives) == 0 || directives[0].Kind != KindFrom {
		return nil, fmt.Errorf("recipe has no FROM directive")
	}
	return directives, nil
}

func joinContinuations(f *os.File) ([]string, error) {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	var lines []string
	var pending strings.Builder
	for scanner.Scan() {
		raw := scanner.Text()
		if strings.HasSuffix(raw, "\\") {
			pending.WriteString(strings.TrimSuffix(raw, "\\"))
			continue
		}
		pending.WriteString(raw)
		lines = append(lines, pending.String())
		pending.Reset()
	}
	if pending.Len() > 0 {
		lines = append(lines, pending.String())
	}
	return lines, scanner.Err()
}

func splitDirective(line string) (Kind, string, bool) {
	fields := strings.SplitN(line, " ", 2)
	keyword := strings.ToUpper(fields[0])
	var args string
	if len(fields) == 2 {
		args = strings.TrimSpace(fields[1])
	}

	switch Kind(keyword) {
	case KindFrom, KindRun, KindCopy, KindWorkdir, KindEnv, KindCmd:
		return Kind(keyword), args, true
	default:
		return "", "", false
	}
}
