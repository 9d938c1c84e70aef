// Package tracer builds the deterministic argument vector and sanitized
// environment for invoking the path-translating tracer (§4.7's "Tracer
// invocation contract"). It never execs anything itself — lib/containers
// and lib/builder own process lifecycle; this package only constructs the
// inputs to os/exec.
package tracer

import (
	"fmt"
	"os"
	"strings"
)

// DefaultBinary is the tracer executable name looked up on $PATH. §9
// documents the tracer as a class-of-tool contract, not a binding to any
// specific binary; callers may override via Invocation.Binary.
const DefaultBinary = "proot"

// Bind is a host:container bind-mount pair, in the tracer's own
// `-b host:container` notation.
type Bind struct {
	Host      string
	Container string
}

func (b Bind) String() string {
	if b.Container == "" || b.Container == b.Host {
		return b.Host
	}
	return fmt.Sprintf("%s:%s", b.Host, b.Container)
}

// Distro is the subset of base-image identity the tracer invocation needs
// to know about: whether it's musl-based (affects the busybox shim and the
// default interactive shell).
type Distro string

const (
	DistroAlpine  Distro = "alpine"
	DistroUbuntu  Distro = "ubuntu"
	DistroUnknown Distro = ""
)

// Invocation is every input to the tracer argument vector.
type Invocation struct {
	Binary     string // defaults to DefaultBinary
	RootDir    string // container rootfs, the root-redirection argument
	Binds      []Bind
	WorkDir    string
	Env        []string
	Command    []string
	KillOnExit bool
}

// FixedBinds returns the bind list §4.7 mandates on every invocation:
// /dev /proc /sys, host tmp, host app data (process cwd), host root at
// /host-rootfs, and the host storage roots.
func FixedBinds(appDataDir string) []Bind {
	binds := []Bind{
		{Host: "/dev", Container: "/dev"},
		{Host: "/proc", Container: "/proc"},
		{Host: "/sys", Container: "/sys"},
		{Host: os.TempDir(), Container: "/tmp"},
	}
	if appDataDir != "" {
		binds = append(binds, Bind{Host: appDataDir, Container: appDataDir})
	}
	binds = append(binds, Bind{Host: "/", Container: "/host-rootfs"})
	for _, storage := range []string{"/sdcard", "/storage", "/mnt"} {
		if _, err := os.Stat(storage); err == nil {
			binds = append(binds, Bind{Host: storage, Container: storage})
		}
	}
	return binds
}

// DistroShimBinds returns the musl/Alpine busybox shim binds: the rootfs's
// own busybox stood in for /bin/sh and /usr/bin/env.
func DistroShimBinds(rootDir string, distro Distro) []Bind {
	if distro != DistroAlpine {
		return nil
	}
	busybox := rootDir + "/bin/busybox"
	return []Bind{
		{Host: busybox, Container: "/bin/sh"},
		{Host: busybox, Container: "/usr/bin/env"},
	}
}

// DistroFromRepo infers a Distro from a repository name for the purposes
// of picking the musl shim and default interactive shell. Unrecognized
// repositories are DistroUnknown (no shim, no default shell).
func DistroFromRepo(repo string) Distro {
	lower := strings.ToLower(repo)
	switch {
	case strings.Contains(lower, "alpine") || strings.Contains(lower, "busybox"):
		return DistroAlpine
	case strings.Contains(lower, "ubuntu"):
		return DistroUbuntu
	default:
		return DistroUnknown
	}
}

// ResolveWorkDir applies the precedence CLI --workdir > image WorkingDir >
// "/root".
func ResolveWorkDir(cliWorkdir, imageWorkingDir string) string {
	if cliWorkdir != "" {
		return cliWorkdir
	}
	if imageWorkingDir != "" {
		return imageWorkingDir
	}
	return "/root"
}

// ResolveCommand applies the precedence CLI command > image Cmd > distro
// default shell (only when interactive); returns nil when none apply.
func ResolveCommand(cliCmd, imageCmd []string, distro Distro, interactive bool) []string {
	if len(cliCmd) > 0 {
		return cliCmd
	}
	if len(imageCmd) > 0 {
		return imageCmd
	}
	if !interactive {
		return nil
	}
	switch distro {
	case DistroAlpine:
		return []string{"/bin/sh"}
	case DistroUbuntu:
		return []string{"/bin/bash", "--login"}
	default:
		return nil
	}
}

// fixedEnvBase is the deterministic PATH and base environment §4.7
// mandates before image and CLI additions are layered on.
var fixedEnvBase = []string{
	"HOME=/root",
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"LANG=C.UTF-8",
}

// SanitizeEnv builds the environment passed to `env -i`: the fixed base
// set, TERM inherited from the host, then image Env, then CLI -e additions
// — later entries win on key collision. Any inherited loader-preload
// variable is dropped so host library injection can't reach the guest.
func SanitizeEnv(term string, imageEnv, cliEnv []string) []string {
	ordered := append([]string{}, fixedEnvBase...)
	if term != "" {
		ordered = append(ordered, "TERM="+term)
	}
	ordered = append(ordered, imageEnv...)
	ordered = append(ordered, cliEnv...)
	return dedupLastWins(dropPreload(ordered))
}

func dropPreload(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if key == "LD_PRELOAD" || key == "LD_LIBRARY_PATH" {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func dedupLastWins(env []string) []string {
	index := make(map[string]int, len(env))
	order := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if i, ok := index[key]; ok {
			order[i] = kv
			continue
		}
		index[key] = len(order)
		order = append(order, kv)
	}
	return order
}

// Args renders inv into the tracer's argument vector: operating mode flag,
// uid override, root redirection, bind list, working directory,
// kill-on-exit, then `env -i` with the sanitized environment followed by
// the command.
func Args(inv Invocation) []string {
	args := []string{
		"-0", // symlink-fidelity mode
		"-i", "0:0",
		"-r", inv.RootDir,
	}
	for _, b := range inv.Binds {
		args = append(args, "-b", b.String())
	}
	if inv.WorkDir != "" {
		args = append(args, "-w", inv.WorkDir)
	}
	if inv.KillOnExit {
		args = append(args, "--kill-on-exit")
	}

	envCmd := append([]string{"env", "-i"}, inv.Env...)
	envCmd = append(envCmd, inv.Command...)
	args = append(args, envCmd...)
	return args
}

// BuildArgv assembles the full argv (binary + Args(inv)) for os/exec.Command.
func BuildArgv(inv Invocation) (binary string, argv []string) {
	binary = inv.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	return binary, Args(inv)
}
