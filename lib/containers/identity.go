package containers

import (
	"os"
	"path/filepath"
	"strings"
)

// resolveIdentity resolves a `--user` spec (UID, NAME, UID:GID, or
// NAME:GROUP) against a container's own /etc/passwd and /etc/group, the way
// a login shell inside that rootfs would see it. The tracer always execs as
// the invoking (real) user regardless of what this resolves to — exec
// --user is advisory, surfaced for operator visibility rather than enforced.
// Returns ok=false when the spec can't be resolved against the rootfs at all.
func resolveIdentity(rootfs, userSpec string) (uid, gid string, ok bool) {
	spec := strings.TrimSpace(userSpec)
	if spec == "" || spec == "root" {
		return "0", "0", true
	}

	userPart := spec
	groupPart := ""
	if i := strings.Index(spec, ":"); i >= 0 {
		userPart = spec[:i]
		groupPart = spec[i+1:]
	}

	resolvedUID, defaultGID, found := resolveUserToken(rootfs, userPart)
	if !found {
		return "", "", false
	}
	resolvedGID := defaultGID
	if strings.TrimSpace(groupPart) != "" {
		g, gfound := resolveGroupToken(rootfs, groupPart)
		if !gfound {
			return "", "", false
		}
		resolvedGID = g
	}
	if resolvedGID == "" {
		resolvedGID = resolvedUID
	}
	return resolvedUID, resolvedGID, true
}

func resolveUserToken(rootfs, token string) (uid, gid string, ok bool) {
	t := strings.TrimSpace(token)
	if t == "" {
		return "", "", false
	}
	if isDigits(t) {
		if g, found := lookupGIDForUID(rootfs, t); found {
			return t, g, true
		}
		return t, t, true
	}
	return lookupUserByName(rootfs, t)
}

func resolveGroupToken(rootfs, token string) (string, bool) {
	t := strings.TrimSpace(token)
	if t == "" {
		return "", false
	}
	if isDigits(t) {
		return t, true
	}
	return lookupGroupByName(rootfs, t)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func lookupUserByName(rootfs, name string) (uid, gid string, ok bool) {
	for _, line := range passwdLines(rootfs) {
		fields := strings.Split(line, ":")
		if len(fields) < 4 || fields[0] != name {
			continue
		}
		if !isDigits(fields[2]) || !isDigits(fields[3]) {
			return "", "", false
		}
		return fields[2], fields[3], true
	}
	return "", "", false
}

func lookupGIDForUID(rootfs, uid string) (string, bool) {
	for _, line := range passwdLines(rootfs) {
		fields := strings.Split(line, ":")
		if len(fields) < 4 || fields[2] != uid {
			continue
		}
		if !isDigits(fields[3]) {
			return "", false
		}
		return fields[3], true
	}
	return "", false
}

func lookupGroupByName(rootfs, name string) (string, bool) {
	for _, line := range groupLines(rootfs) {
		fields := strings.Split(line, ":")
		if len(fields) < 3 || fields[0] != name {
			continue
		}
		if !isDigits(fields[2]) {
			return "", false
		}
		return fields[2], true
	}
	return "", false
}

func passwdLines(rootfs string) []string {
	return readColonLines(filepath.Join(rootfs, "etc", "passwd"))
}

func groupLines(rootfs string) []string {
	return readColonLines(filepath.Join(rootfs, "etc", "group"))
}

func readColonLines(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}
