package tracer

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DescribeCommand renders what binary path and shebang chain a command
// would resolve to inside rootfs, without changing what actually gets
// exec'd — the tracer always receives the Command as given, resolving PATH
// and shebangs itself once the traced process execs. This exists purely so
// debug logs (the builder's CMD step and Manager.Exec) can show an operator
// what will run before it runs.
func DescribeCommand(rootfs string, env, cmd []string) string {
	if len(cmd) == 0 {
		return ""
	}
	resolved := resolveCommandInRootfs(rootfs, env, cmd)
	if len(resolved) == 0 || resolved[0] == cmd[0] {
		return strings.Join(cmd, " ")
	}
	return strings.Join(cmd, " ") + " -> " + strings.Join(resolved, " ")
}

func resolveCommandInRootfs(rootfs string, env, cmdArgs []string) []string {
	if len(cmdArgs) == 0 {
		return cmdArgs
	}
	adjusted := append([]string{}, cmdArgs...)
	if resolved, ok := resolveBinaryPathInRootfs(rootfs, env, adjusted[0]); ok {
		adjusted[0] = resolved
	}
	return rewriteShebangCommand(rootfs, env, adjusted)
}

func resolveBinaryPathInRootfs(rootfs string, env []string, cmd string) (string, bool) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return "", false
	}

	if strings.HasPrefix(cmd, "/") {
		if fileExistsInRootfs(rootfs, cmd) {
			return cmd, true
		}
	}

	pathVal := "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	for _, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			pathVal = strings.TrimPrefix(e, "PATH=")
			break
		}
	}
	base := filepath.Base(cmd)
	searchDirs := append(strings.Split(pathVal, ":"), "/")
	for _, dir := range searchDirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, base)
		if fileExistsInRootfs(rootfs, candidate) {
			return candidate, true
		}
	}

	if found, ok := findExecutableByBase(rootfs, base); ok {
		return found, true
	}
	return "", false
}

func rewriteShebangCommand(rootfs string, env []string, cmdArgs []string) []string {
	if len(cmdArgs) == 0 || !strings.HasPrefix(cmdArgs[0], "/") {
		return cmdArgs
	}

	line, err := readFirstLine(filepath.Join(rootfs, strings.TrimPrefix(cmdArgs[0], "/")))
	if err != nil || !strings.HasPrefix(line, "#!") {
		return cmdArgs
	}

	fields := strings.Fields(strings.TrimPrefix(line, "#!"))
	if len(fields) == 0 {
		return cmdArgs
	}

	interpreter := fields[0]
	interpArgs := fields[1:]
	if interpreter == "/usr/bin/env" || interpreter == "/bin/env" {
		if len(interpArgs) == 0 {
			return cmdArgs
		}
		interpreter = interpArgs[0]
		interpArgs = interpArgs[1:]
	}

	resolvedInterp, ok := resolveBinaryPathInRootfs(rootfs, env, interpreter)
	if !ok {
		return cmdArgs
	}

	rewritten := append([]string{resolvedInterp}, interpArgs...)
	return append(rewritten, cmdArgs...)
}

func readFirstLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if n == 0 {
		return "", io.EOF
	}
	line := string(buf[:n])
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	return strings.TrimSuffix(line, "\r"), nil
}

func fileExistsInRootfs(rootfs, relOrAbs string) bool {
	full := filepath.Join(rootfs, strings.TrimPrefix(relOrAbs, "/"))
	info, err := os.Lstat(full)
	if err != nil {
		return false
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return true
	}
	return info.Mode().IsRegular()
}

func findExecutableByBase(rootfs, base string) (string, bool) {
	if strings.TrimSpace(base) == "" {
		return "", false
	}
	var found string
	const maxEntries = 20000
	seen := 0
	_ = filepath.WalkDir(rootfs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if seen >= maxEntries {
			return fs.SkipAll
		}
		seen++
		if d.IsDir() || filepath.Base(p) != base {
			return nil
		}
		rel, relErr := filepath.Rel(rootfs, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == "." || strings.HasPrefix(rel, "../") {
			return nil
		}
		found = "/" + rel
		return fs.SkipAll
	})
	return found, found != ""
}
