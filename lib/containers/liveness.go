package containers

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/octaviocubillos/proobox/lib/tracer"
	"golang.org/x/sync/errgroup"
)

// Liveness answers "is there a tracer process rooted at this rootfs" by
// scanning the host process table. It never trusts stored PIDs — a
// container is running iff a matching tracer process is observed right now.
type Liveness struct {
	binary string
}

// NewLiveness returns a Liveness that scans for binary (DefaultBinary if
// empty).
func NewLiveness(binary string) *Liveness {
	if binary == "" {
		binary = tracer.DefaultBinary
	}
	return &Liveness{binary: binary}
}

// IsRunning reports whether a tracer process whose command line carries
// rootDir as its root-redirection argument (`-r <rootDir>`) is currently
// alive.
func (l *Liveness) IsRunning(rootDir string) bool {
	pids, err := l.FindPIDs(rootDir)
	return err == nil && len(pids) > 0
}

// FindPIDs returns the PIDs of every live tracer process rooted at
// rootDir. The supervisor never stores or trusts a PID across calls — this
// scan is always freshly re-derived from the process table.
func (l *Liveness) FindPIDs(rootDir string) ([]int, error) {
	lines, err := l.scan()
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, line := range lines {
		pid, ok := matchesRoot(line, rootDir)
		if ok {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// scan runs `pgrep -a <binary>` and returns the matching command lines,
// each prefixed with its PID per pgrep -a's output format.
// pgrep's exit status 1 (no processes found) is not an error.
func (l *Liveness) scan() ([]string, error) {
	out, err := exec.Command("pgrep", "-a", l.binary).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// matchesRoot reports whether line's `-r <path>` argument equals rootDir,
// returning the line's leading PID field.
func matchesRoot(line, rootDir string) (int, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}
	for i := 1; i < len(fields); i++ {
		if fields[i] == "-r" && i+1 < len(fields) && fields[i+1] == rootDir {
			return pid, true
		}
	}
	return 0, false
}

// IsRunningBatch checks liveness for every rootDir concurrently — used by
// `ps` reconciliation, which otherwise pays one pgrep invocation per
// container in sequence.
func (l *Liveness) IsRunningBatch(ctx context.Context, rootDirs []string) (map[string]bool, error) {
	results := make(map[string]bool, len(rootDirs))
	var mu sync.Mutex

	g, _ := errgroup.WithContext(ctx)
	for _, dir := range rootDirs {
		dir := dir
		g.Go(func() error {
			running := l.IsRunning(dir)
			mu.Lock()
			results[dir] = running
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
