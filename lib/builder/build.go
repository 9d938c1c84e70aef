package builder

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/pgzip"
	"github.com/nrednav/cuid2"
	"github.com/octaviocubillos/proobox/lib/layercache"
	"github.com/octaviocubillos/proobox/lib/metadata"
	"github.com/octaviocubillos/proobox/lib/paths"
	"github.com/octaviocubillos/proobox/lib/rootfs"
	"github.com/octaviocubillos/proobox/lib/tracer"
)

// ImagePuller ensures a FROM reference is present locally. lib/registry
// implements this; kept as a narrow interface so builder doesn't depend on
// registry's wire-protocol details.
type ImagePuller interface {
	Pull(ctx context.Context, ref string) (*metadata.Image, error)
}

// ImageStore registers a finished build artifact. lib/images.Store
// implements this.
type ImageStore interface {
	Put(repo, version string, cfg metadata.ImageContainerConfig, size int64, virtualSize, osName, arch string) (*metadata.Image, error)
}

// Builder executes recipes into new images (§4.8).
type Builder struct {
	paths     *paths.Paths
	puller    ImagePuller
	assembler *rootfs.Assembler
	cache     *layercache.Cache
	store     ImageStore
	log       *slog.Logger
}

// New returns a Builder.
func New(p *paths.Paths, puller ImagePuller, assembler *rootfs.Assembler, cache *layercache.Cache, store ImageStore, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{paths: p, puller: puller, assembler: assembler, cache: cache, store: store, log: log}
}

// Request names the build's inputs and the tag its output is registered
// under.
type Request struct {
	RecipePath string
	ContextDir string
	Repo       string
	Version    string
}

// state is the builder's accumulated, directive-mutated image configuration.
type state struct {
	workDir string
	env     []string
	cmd     []string
}

// Build walks req's recipe, executing or cache-restoring each step into a
// temporary build container's rootfs, and registers the resulting artifact.
func (b *Builder) Build(ctx context.Context, req Request, out io.Writer) (*metadata.Image, error) {
	directives, err := ParseRecipe(req.RecipePath)
	if err != nil {
		return nil, err
	}

	baseImageTag := directives[0].Args
	baseImg, err := b.puller.Pull(ctx, baseImageTag)
	if err != nil {
		return nil, fmt.Errorf("pull base image %s: %w", baseImageTag, err)
	}
	baseRepo, _ := paths.SplitTag(baseImageTag)
	distro := tracer.DistroFromRepo(baseRepo)

	buildName := "build-" + cuid2.Generate()
	buildDir := b.paths.ContainerDir(buildName)
	rootfsDir := b.paths.ContainerRootfs(buildName)
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return nil, fmt.Errorf("create build directory: %w", err)
	}
	defer os.RemoveAll(buildDir)

	if err := b.assembler.Assemble(baseImageTag, baseImg.Paths.ImagePath, rootfsDir); err != nil {
		return nil, fmt.Errorf("assemble build rootfs: %w", err)
	}

	st := state{
		workDir: baseImg.ContainerConfig.WorkingDir,
		env:     append([]string{}, baseImg.ContainerConfig.Env...),
		cmd:     baseImg.ContainerConfig.Cmd,
	}
	if st.workDir == "" {
		st.workDir = "/root"
	}

	steps := directives[1:]
	reporter := NewReporter(out, len(steps))
	previousKey := layercache.FromLayerKey(baseImageTag)

	for i, d := range steps {
		stepNum := i + 1
		timer := reporter.Start(stepNum, d.Kind, d.Args)

		switch d.Kind {
		case KindWorkdir:
			st.workDir = d.Args
			previousKey = layercache.StepKey(previousKey, layercache.RunStepKey(d.Line))
			timer.Done(false)

		case KindEnv:
			key, val, err := ParseEnv(d.Args)
			if err != nil {
				return nil, fmt.Errorf("%w: step %d: %v", ErrBuildFailed, stepNum, err)
			}
			st.env = append(st.env, key+"="+val)
			previousKey = layercache.StepKey(previousKey, layercache.RunStepKey(d.Line))
			timer.Done(false)

		case KindCmd:
			cmd, err := ParseCmd(d.Args)
			if err != nil {
				return nil, fmt.Errorf("%w: step %d: %v", ErrBuildFailed, stepNum, err)
			}
			st.cmd = cmd
			previousKey = layercache.StepKey(previousKey, layercache.RunStepKey(d.Line))
			b.log.Debug("build step resolved CMD", "step", stepNum, "resolved", tracer.DescribeCommand(rootfsDir, st.env, st.cmd))
			timer.Done(false)

		case KindRun:
			key := layercache.StepKey(previousKey, layercache.RunStepKey(d.Line))
			cached, err := b.restoreOrRun(ctx, key, rootfsDir, distro, st, buildName, stepNum, func(logPath string) error {
				return b.runShell(ctx, rootfsDir, distro, st, d.Args, logPath)
			})
			if err != nil {
				return nil, err
			}
			timer.Done(cached)
			previousKey = key

		case KindCopy:
			src, dst, err := ParseCopy(d.Args)
			if err != nil {
				return nil, fmt.Errorf("%w: step %d: %v", ErrBuildFailed, stepNum, err)
			}
			sourcePath := filepath.Join(req.ContextDir, src)
			if _, err := os.Stat(sourcePath); err != nil {
				return nil, fmt.Errorf("%w: step %d: %s", ErrSourceMissing, stepNum, src)
			}
			digest, err := digestPath(sourcePath)
			if err != nil {
				return nil, fmt.Errorf("%w: step %d: hash copy source: %v", ErrBuildFailed, stepNum, err)
			}
			key := layercache.StepKey(previousKey, layercache.CopyStepKey(d.Line, digest))
			cached, err := b.restoreOrRun(ctx, key, rootfsDir, distro, st, buildName, stepNum, func(logPath string) error {
				return b.runCopy(ctx, rootfsDir, req.ContextDir, distro, st, src, dst, logPath)
			})
			if err != nil {
				return nil, err
			}
			timer.Done(cached)
			previousKey = key
		}
	}

	artifactPath := b.paths.ImageArtifactPath(req.Repo, req.Version)
	if err := emitArtifact(rootfsDir, artifactPath); err != nil {
		return nil, fmt.Errorf("%w: emit artifact: %v", ErrBuildFailed, err)
	}

	info, err := os.Stat(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("stat built artifact: %w", err)
	}
	arch, err := paths.HostArchitecture()
	if err != nil {
		return nil, err
	}

	cfg := metadata.ImageContainerConfig{Cmd: st.cmd, WorkingDir: st.workDir, Env: st.env}
	img, err := b.store.Put(req.Repo, req.Version, cfg, info.Size(), layercache.FromLayerKey(baseImageTag), "linux", arch)
	if err != nil {
		return nil, fmt.Errorf("register built image: %w", err)
	}
	return img, nil
}

// restoreOrRun looks up key in the layer cache, restoring it on a hit; on a
// miss it calls run to execute the step against rootfsDir, dumping its log
// and aborting the build on failure, then fills the cache on success.
func (b *Builder) restoreOrRun(ctx context.Context, key, rootfsDir string, distro tracer.Distro, st state, buildName string, stepNum int, run func(logPath string) error) (cached bool, err error) {
	if _, ok := b.cache.Lookup(key); ok {
		if err := b.cache.Restore(key, rootfsDir); err != nil {
			return false, fmt.Errorf("%w: step %d: restore cached layer: %v", ErrBuildFailed, stepNum, err)
		}
		return true, nil
	}

	logPath := b.paths.ContainerStepLogPath(buildName, stepNum)
	if err := run(logPath); err != nil {
		if data, readErr := os.ReadFile(logPath); readErr == nil && len(data) > 0 {
			b.log.Error("build step failed", "step", stepNum, "log", string(data))
		}
		return false, fmt.Errorf("%w: step %d: %v", ErrBuildFailed, stepNum, err)
	}
	if err := b.cache.Fill(key, rootfsDir); err != nil {
		b.log.Warn("layer cache fill failed", "step", stepNum, "error", err)
	}
	return false, nil
}

// shellFor returns the interpreter argv prefix for RUN/COPY commands, per
// §4.8's Alpine-vs-Ubuntu rule.
func shellFor(distro tracer.Distro) []string {
	if distro == tracer.DistroUbuntu {
		return []string{"/bin/bash", "-c"}
	}
	return []string{"/bin/sh", "-c"}
}

func (b *Builder) runShell(ctx context.Context, rootfsDir string, distro tracer.Distro, st state, shellCmd, logPath string) error {
	command := append(shellFor(distro), shellCmd)
	return b.runInGuest(ctx, rootfsDir, distro, st, nil, command, logPath)
}

func (b *Builder) runCopy(ctx context.Context, rootfsDir, contextDir string, distro tracer.Distro, st state, src, dst, logPath string) error {
	extraBinds := []tracer.Bind{{Host: contextDir, Container: "/host_build_context"}}
	cpCmd := fmt.Sprintf("cp -a /host_build_context/%s %s", src, dst)
	command := append(shellFor(distro), cpCmd)
	return b.runInGuest(ctx, rootfsDir, distro, st, extraBinds, command, logPath)
}

func (b *Builder) runInGuest(ctx context.Context, rootfsDir string, distro tracer.Distro, st state, extraBinds []tracer.Bind, command []string, logPath string) error {
	binds := tracer.FixedBinds("")
	binds = append(binds, tracer.DistroShimBinds(rootfsDir, distro)...)
	binds = append(binds, extraBinds...)

	inv := tracer.Invocation{
		RootDir:    rootfsDir,
		Binds:      binds,
		WorkDir:    st.workDir,
		Env:        tracer.SanitizeEnv("", st.env, nil),
		Command:    command,
		KillOnExit: true,
	}
	binary, argv := tracer.BuildArgv(inv)

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open step log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, binary, argv...)
	cmd.Env = os.Environ()
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	return cmd.Run()
}

// digestPath returns a deterministic content digest for a build-context
// source: for a single file, its own bytes; for a directory, a walk hashing
// every relative path, mode, and file content.
func digestPath(root string) ([]byte, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return os.ReadFile(root)
	}

	var names []string
	if err := filepath.Walk(root, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		names = append(names, path)
		return nil
	}); err != nil {
		return nil, err
	}
	sort.Strings(names)

	h := sha256.New()
	for _, path := range names {
		info, err := os.Lstat(path)
		if err != nil {
			return nil, err
		}
		rel, _ := filepath.Rel(root, path)
		fmt.Fprintf(h, "%s:%o:", rel, info.Mode())
		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			_, err = io.Copy(h, f)
			f.Close()
			if err != nil {
				return nil, err
			}
		}
	}
	return h.Sum(nil), nil
}

// excludedFromEmission are top-level rootfs entries never included in a
// built artifact; they're always synthesized fresh on rootfs assembly.
var excludedFromEmission = map[string]bool{
	"dev": true, "proc": true, "sys": true, "tmp": true, "run": true,
}

// emitArtifact tar+gzips rootfsDir into artifactPath, excluding the
// synthesized special directories, per §4.8's Emission rule.
func emitArtifact(rootfsDir, artifactPath string) error {
	out, err := os.OpenFile(artifactPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	defer out.Close()

	gz := pgzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	return filepath.Walk(rootfsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(rootfsDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		top := strings.SplitN(rel, string(filepath.Separator), 2)[0]
		if excludedFromEmission[top] {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Uid, hdr.Gid = 0, 0
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	})
}
