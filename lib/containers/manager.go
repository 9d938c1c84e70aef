// Package containers implements the container supervisor: lifecycle
// (create/start/stop/restart/exec/logs/ps/rm), liveness detection, and the
// tracer invocation these operations drive (§4.7).
package containers

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/octaviocubillos/proobox/lib/metadata"
	"github.com/octaviocubillos/proobox/lib/paths"
	"github.com/octaviocubillos/proobox/lib/rootfs"
	"github.com/octaviocubillos/proobox/lib/tracer"
	"golang.org/x/sys/unix"
)

// ImagePuller ensures ref is present locally (pulling it if necessary) and
// returns its metadata. lib/registry implements this; kept as an interface
// here to avoid containers depending on registry's wire-protocol details.
type ImagePuller interface {
	Pull(ctx context.Context, ref string) (*metadata.Image, error)
}

// Manager is the container supervisor.
type Manager struct {
	paths     *paths.Paths
	puller    ImagePuller
	assembler *rootfs.Assembler
	liveness  *Liveness
	log       *slog.Logger
	metrics   *Metrics
}

// New returns a Manager.
func New(p *paths.Paths, puller ImagePuller, assembler *rootfs.Assembler, log *slog.Logger, metrics *Metrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		paths:     p,
		puller:    puller,
		assembler: assembler,
		liveness:  NewLiveness(tracer.DefaultBinary),
		log:       log,
		metrics:   metrics,
	}
}

// Run creates a container from image, optionally pulling it first, and
// launches it either in the foreground (blocking until exit) or detached.
// It returns the new container's 64-hex id.
func (m *Manager) Run(ctx context.Context, image string, opts RunOptions) (string, error) {
	if opts.Detach && opts.Interactive {
		return "", fmt.Errorf("%w: --detach and --interactive are mutually exclusive", ErrInvalid)
	}

	img, err := m.puller.Pull(ctx, image)
	if err != nil {
		return "", fmt.Errorf("pull %s: %w", image, err)
	}

	id, err := paths.NewContainerID()
	if err != nil {
		return "", err
	}

	repo, _ := paths.SplitTag(img.RepoTags[0])
	name := opts.Name
	if name == "" {
		name, err = paths.NewGeneratedName(repo)
		if err != nil {
			return "", err
		}
	}
	if _, err := metadata.ReadContainerByName(m.paths, name); err == nil {
		return "", fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}

	c := metadata.NewContainer(id, name)
	c.Image = metadata.ContainerImageRef{Name: img.RepoTags[0], Id: img.Id}
	c.Config.Image = img.RepoTags[0]
	c.Config.Env = mergeEnv(img.ContainerConfig.Env, opts.Env)
	c.Config.WorkingDir = tracer.ResolveWorkDir(opts.WorkDir, img.ContainerConfig.WorkingDir)
	c.Config.Cmd = tracer.ResolveCommand(opts.Command, img.ContainerConfig.Cmd, tracer.DistroFromRepo(repo), opts.Interactive)
	c.HostConfig.Binds = opts.Volumes
	c.HostConfig.AutoRemove = opts.AutoRemove
	c.State.DetachedOriginal = opts.Detach
	c.State.InteractiveOriginal = opts.Interactive

	rootfsDir := m.paths.ContainerRootfs(name)
	logPath := m.paths.ContainerLogPath(name)
	c.Paths = metadata.ContainerPaths{
		RootfsPath: rootfsDir,
		ImagePath:  img.Paths.ImagePath,
	}
	if opts.Detach {
		c.Paths.LogFile = &logPath
	}

	if err := os.MkdirAll(m.paths.ContainerDir(name), 0o755); err != nil {
		return "", fmt.Errorf("create container directory: %w", err)
	}
	if err := metadata.WriteContainer(m.paths, c); err != nil {
		return "", fmt.Errorf("write container metadata: %w", err)
	}

	if err := m.assembler.Assemble(img.RepoTags[0], img.Paths.ImagePath, rootfsDir); err != nil {
		return "", fmt.Errorf("assemble rootfs: %w", err)
	}

	inv := m.buildInvocation(c, repo, opts.Term, true)

	exitCode, spawnErr := m.launch(ctx, c, inv, opts.Detach, opts.Interactive && opts.TTY, true, logPath)
	if spawnErr != nil {
		return "", fmt.Errorf("%w: %v", ErrSpawnFailed, spawnErr)
	}

	if m.metrics != nil {
		m.metrics.RecordRun(ctx, opts.Detach)
	}

	if !opts.Detach {
		m.finishExit(name, exitCode)
		if c.HostConfig.AutoRemove {
			return id, m.Rm(ctx, []string{name}, RmOptions{Force: true})
		}
	}

	return id, nil
}

func mergeEnv(imageEnv, extra []string) []string {
	merged := append([]string{}, imageEnv...)
	merged = append(merged, extra...)
	return merged
}

// buildInvocation assembles the tracer.Invocation for either run or exec.
func (m *Manager) buildInvocation(c *metadata.Container, repo, term string, killOnExit bool) tracer.Invocation {
	distro := tracer.DistroFromRepo(repo)
	rootDir := c.Paths.RootfsPath

	binds := tracer.FixedBinds(os.Getenv("PWD"))
	binds = append(binds, tracer.DistroShimBinds(rootDir, distro)...)
	for _, spec := range c.HostConfig.Binds {
		if b, ok := parseBindSpec(spec); ok {
			binds = append(binds, b)
		}
	}

	return tracer.Invocation{
		RootDir:    rootDir,
		Binds:      binds,
		WorkDir:    c.Config.WorkingDir,
		Env:        tracer.SanitizeEnv(term, c.Config.Env, nil),
		Command:    c.Config.Cmd,
		KillOnExit: killOnExit,
	}
}

func parseBindSpec(spec string) (tracer.Bind, bool) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) == 1 {
		return tracer.Bind{Host: parts[0], Container: parts[0]}, true
	}
	if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		return tracer.Bind{Host: parts[0], Container: parts[1]}, true
	}
	return tracer.Bind{}, false
}

// launch execs the tracer for inv. Foreground launches inherit stdio and
// block until exit, returning the observed exit code. Detached launches
// redirect stdio to logPath and return immediately with exit code 0 (the
// exit is reconciled later by ps/stop). trackState is false for exec
// invocations, which must not perturb the container's own State fields.
func (m *Manager) launch(ctx context.Context, c *metadata.Container, inv tracer.Invocation, detach, tty, trackState bool, logPath string) (int, error) {
	binary, argv := tracer.BuildArgv(inv)
	cmd := exec.CommandContext(ctx, binary, argv...)
	cmd.Env = os.Environ()

	if detach {
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open container log: %w", err)
		}
		defer logFile.Close()
		tw := newTimestampWriter(logFile)
		cmd.Stdout = tw
		cmd.Stderr = tw
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		if err := cmd.Start(); err != nil {
			return 0, err
		}
		if trackState {
			if err := metadata.UpdateContainer(m.paths, c.Name, func(cc *metadata.Container) {
				cc.State.Status = metadata.StatusRunning
				cc.State.Running = true
				cc.State.StartedAt = paths.Now()
			}); err != nil {
				m.log.Warn("update container metadata after detached launch", "name", c.Name, "error", err)
			}
		}
		go cmd.Wait() // reap; exit is reconciled by liveness scan later
		return 0, nil
	}

	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if trackState {
		if err := metadata.UpdateContainer(m.paths, c.Name, func(cc *metadata.Container) {
			cc.State.Status = metadata.StatusRunning
			cc.State.Running = true
			cc.State.StartedAt = paths.Now()
		}); err != nil {
			return 0, fmt.Errorf("update container metadata before spawn: %w", err)
		}
	}

	if tty {
		return runWithPTY(cmd)
	}

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if sig, ok := <-sigCh; ok {
			_ = cmd.Process.Signal(sig.(syscall.Signal))
		}
	}()

	err := cmd.Wait()
	return exitCodeFromWaitErr(err), nil
}

func exitCodeFromWaitErr(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func (m *Manager) finishExit(name string, exitCode int) {
	if err := metadata.UpdateContainer(m.paths, name, func(c *metadata.Container) {
		c.State.Status = metadata.StatusExited
		c.State.Running = false
		c.State.FinishedAt = paths.Now()
		code := exitCode
		c.State.ExitCode = &code
	}); err != nil {
		m.log.Warn("update container metadata after exit", "name", name, "error", err)
	}
}

// Start relaunches an exited container, reconstructing its argument vector
// from stored metadata and honoring DetachedOriginal/InteractiveOriginal.
func (m *Manager) Start(ctx context.Context, ref string) error {
	c, err := metadata.ResolveContainer(m.paths, ref)
	if err != nil {
		return translateMetadataErr(err)
	}
	if c.State.Status != metadata.StatusExited && c.State.Status != metadata.StatusCreated {
		return fmt.Errorf("%w: container %s is not exited", ErrInvalid, c.Name)
	}

	repo, _ := paths.SplitTag(c.Config.Image)
	inv := m.buildInvocation(c, repo, os.Getenv("TERM"), true)
	logPath := m.paths.ContainerLogPath(c.Name)

	exitCode, err := m.launch(ctx, c, inv, c.State.DetachedOriginal, c.State.InteractiveOriginal && !c.State.DetachedOriginal, true, logPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	if !c.State.DetachedOriginal {
		m.finishExit(c.Name, exitCode)
	}
	return nil
}

// Stop sends opts.Signal (default TERM) to every live tracer process rooted
// at the container's rootfs, waits opts.Timeout, escalates to KILL, waits
// 1s more, and reports ErrStopFailed if the process is still alive.
func (m *Manager) Stop(ctx context.Context, ref string, opts StopOptions) error {
	c, err := metadata.ResolveContainer(m.paths, ref)
	if err != nil {
		return translateMetadataErr(err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	sig := opts.Signal
	if sig == "" {
		sig = "TERM"
	}

	pids, err := m.liveness.FindPIDs(c.Paths.RootfsPath)
	if err != nil {
		return fmt.Errorf("scan process table: %w", err)
	}
	if len(pids) == 0 {
		m.finishExit(c.Name, 0)
		return nil
	}

	sendSignal(pids, sig)
	if waitForExit(c.Paths.RootfsPath, m.liveness, timeout) {
		m.finishExit(c.Name, 0)
		return nil
	}

	sendSignal(pids, "KILL")
	if waitForExit(c.Paths.RootfsPath, m.liveness, time.Second) {
		m.finishExit(c.Name, -1)
		return nil
	}

	return fmt.Errorf("%w: %s", ErrStopFailed, c.Name)
}

func sendSignal(pids []int, name string) {
	sig := signalByName(name)
	for _, pid := range pids {
		_ = unix.Kill(pid, sig)
	}
}

func signalByName(name string) unix.Signal {
	switch strings.ToUpper(name) {
	case "KILL":
		return unix.SIGKILL
	case "INT":
		return unix.SIGINT
	case "HUP":
		return unix.SIGHUP
	case "USR1":
		return unix.SIGUSR1
	case "USR2":
		return unix.SIGUSR2
	case "QUIT":
		return unix.SIGQUIT
	default:
		return unix.SIGTERM
	}
}

func waitForExit(rootDir string, liveness *Liveness, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !liveness.IsRunning(rootDir) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !liveness.IsRunning(rootDir)
}

// Restart performs Stop --force (with timeout) followed by Start.
func (m *Manager) Restart(ctx context.Context, ref string, timeout time.Duration) error {
	if err := m.Stop(ctx, ref, StopOptions{Timeout: timeout, Force: true}); err != nil {
		if !errors.Is(err, ErrStopFailed) {
			return err
		}
	}
	return m.Start(ctx, ref)
}

// Exec constructs a parallel tracer invocation reusing the container's
// rootfs and bind list, requiring the container to be running.
func (m *Manager) Exec(ctx context.Context, ref string, cmd []string, opts ExecOptions) error {
	c, err := metadata.ResolveContainer(m.paths, ref)
	if err != nil {
		return translateMetadataErr(err)
	}
	if !m.liveness.IsRunning(c.Paths.RootfsPath) {
		return fmt.Errorf("%w: container %s is not running", ErrInvalid, c.Name)
	}

	repo, _ := paths.SplitTag(c.Config.Image)
	inv := m.buildInvocation(c, repo, opts.Term, false)
	inv.WorkDir = tracer.ResolveWorkDir(opts.WorkDir, c.Config.WorkingDir)
	inv.Env = tracer.SanitizeEnv(opts.Term, c.Config.Env, opts.Env)
	inv.Command = cmd

	if opts.User != "" && opts.User != "root" {
		if uid, gid, ok := resolveIdentity(c.Paths.RootfsPath, opts.User); ok {
			m.log.Warn("exec --user is advisory only; the tracer still runs as root",
				"user", opts.User, "resolved_uid", uid, "resolved_gid", gid, "container", c.Name)
		} else {
			m.log.Warn("exec --user is advisory only; the tracer still runs as root and the spec did not resolve against the container's own passwd/group",
				"user", opts.User, "container", c.Name)
		}
	}

	execID := cuid2.Generate()
	logPath := m.paths.ContainerExecLogPath(c.Name, time.Now())
	m.log.Debug("exec", "container", c.Name, "exec_id", execID, "detach", opts.Detach,
		"resolved", tracer.DescribeCommand(c.Paths.RootfsPath, inv.Env, inv.Command))

	_, err = m.launch(ctx, &metadata.Container{Name: c.Name, Paths: c.Paths, State: metadata.ContainerState{Status: metadata.StatusRunning}}, inv, opts.Detach, opts.Interactive && opts.TTY, false, logPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	return nil
}

// Ps enumerates containers, reconciling stored metadata with liveness
// observed on the process table, sorted by StartedAt descending.
func (m *Manager) Ps(ctx context.Context, opts PsOptions) ([]*metadata.Container, error) {
	all, err := metadata.ListContainers(m.paths)
	if err != nil {
		return nil, err
	}

	rootDirs := make([]string, 0, len(all))
	for _, c := range all {
		rootDirs = append(rootDirs, c.Paths.RootfsPath)
	}
	live, err := m.liveness.IsRunningBatch(ctx, rootDirs)
	if err != nil {
		return nil, fmt.Errorf("scan process table: %w", err)
	}

	var out []*metadata.Container
	for _, c := range all {
		running := live[c.Paths.RootfsPath]
		if c.State.Running && !running {
			// Reconcile: metadata says running but no tracer was found —
			// the guest crashed unobserved (invariant 1 in §8).
			m.finishExit(c.Name, -1)
			c.State.Status = metadata.StatusExited
			c.State.Running = false
		}
		if !opts.All && c.State.Status != metadata.StatusRunning {
			continue
		}
		out = append(out, c)
	}

	metadata.SortByStartedAtDesc(out)
	if opts.Latest && len(out) > 1 {
		out = out[:1]
	} else if opts.Last > 0 && len(out) > opts.Last {
		out = out[:opts.Last]
	}
	return out, nil
}

// Rm removes each named container. A running container requires Force
// (which stops it first); otherwise ErrInUse.
func (m *Manager) Rm(ctx context.Context, refs []string, opts RmOptions) error {
	for _, ref := range refs {
		c, err := metadata.ResolveContainer(m.paths, ref)
		if err != nil {
			return translateMetadataErr(err)
		}

		if m.liveness.IsRunning(c.Paths.RootfsPath) {
			if !opts.Force {
				return fmt.Errorf("%w: %s", ErrInUse, c.Name)
			}
			if err := m.Stop(ctx, c.Name, StopOptions{Force: true}); err != nil {
				return err
			}
		}

		if err := os.RemoveAll(m.paths.ContainerDir(c.Name)); err != nil {
			return fmt.Errorf("remove container directory: %w", err)
		}
	}
	return nil
}

func translateMetadataErr(err error) error {
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, metadata.ErrAmbiguous):
		return err
	default:
		return err
	}
}

// logPollInterval is how often a followed log file is checked for new
// appends (twice the 100ms interval at which waitForExit polls).
const logPollInterval = 200 * time.Millisecond

// Logs reads a container's log file per LogsOptions. With Follow set, it
// streams newly appended lines until ctx is cancelled or the container's
// tracer process is no longer observed running.
func (m *Manager) Logs(ctx context.Context, ref string, opts LogsOptions, w *bufio.Writer) error {
	c, err := metadata.ResolveContainer(m.paths, ref)
	if err != nil {
		return translateMetadataErr(err)
	}

	if opts.Details {
		data, err := os.ReadFile(m.paths.ContainerMetadataPath(c.Name))
		if err != nil {
			return err
		}
		if _, err = w.Write(data); err != nil {
			return err
		}
		return w.Flush()
	}

	path := m.paths.ContainerLogPath(c.Name)
	lines, offset, err := readFilteredLines(path, opts)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if err := writeLogLine(w, line, opts.Timestamps); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if !opts.Follow {
		return nil
	}
	return m.followLog(ctx, path, offset, opts, c.Paths.RootfsPath, w)
}

// followLog polls path for appends past offset, writing each new line until
// ctx is cancelled or the container's tracer process exits.
func (m *Manager) followLog(ctx context.Context, path string, offset int64, opts LogsOptions, rootDir string, w *bufio.Writer) error {
	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		lines, next, err := readLinesFrom(path, offset)
		if err != nil {
			return err
		}
		offset = next
		for _, line := range lines {
			if err := writeLogLine(w, line, opts.Timestamps); err != nil {
				return err
			}
		}
		if len(lines) > 0 {
			if err := w.Flush(); err != nil {
				return err
			}
		}

		if !m.liveness.IsRunning(rootDir) {
			return nil
		}
	}
}

// logTimestampFormat is the ISO-8601 millisecond prefix timestampWriter
// stamps onto each container.log line.
const logTimestampFormat = "2006-01-02T15:04:05.000Z"

// splitLogLine separates a container.log line into its leading timestamp
// and the remaining text, returning ok=false for lines written before
// timestamping (or by a process that writes its own unprefixed output).
func splitLogLine(line string) (ts, rest string, ok bool) {
	idx := strings.IndexByte(line, ' ')
	if idx < 0 {
		return "", line, false
	}
	candidate := line[:idx]
	if _, err := time.Parse(logTimestampFormat, candidate); err != nil {
		return "", line, false
	}
	return candidate, line[idx+1:], true
}

// writeLogLine renders line per the timestamps flag: with it set, the raw
// line (timestamp prefix included, if present) is emitted; without it, any
// recognized timestamp prefix is stripped.
func writeLogLine(w *bufio.Writer, line string, timestamps bool) error {
	if !timestamps {
		if _, rest, ok := splitLogLine(line); ok {
			line = rest
		}
	}
	_, err := w.WriteString(line + "\n")
	return err
}

// readFilteredLines scans path applying Since/Until/Tail and returns the
// matching lines along with the file's total byte length, so Logs can hand
// that offset to followLog as the starting point for streaming appends.
func readFilteredLines(path string, opts LogsOptions) ([]string, int64, error) {
	lines, size, err := scanLines(path)
	if err != nil {
		return nil, 0, err
	}

	var filtered []string
	for _, line := range lines {
		ts, _, ok := splitLogLine(line)
		key := line
		if ok {
			key = ts
		}
		if opts.Since != "" && key < opts.Since {
			continue
		}
		if opts.Until != "" && key > opts.Until {
			continue
		}
		filtered = append(filtered, line)
	}

	if opts.Tail > 0 && len(filtered) > opts.Tail {
		filtered = filtered[len(filtered)-opts.Tail:]
	}
	return filtered, size, nil
}

// readLinesFrom reads every complete (newline-terminated) line appended to
// path after offset, returning the offset just past the last complete line.
// A trailing partial line (write still in flight) is left unconsumed so the
// next poll picks it up whole.
func readLinesFrom(path string, offset int64) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if info.Size() <= offset {
		return nil, offset, nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, err
	}

	var lines []string
	consumed := offset
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(data[:idx]))
		consumed += int64(idx) + 1
		data = data[idx+1:]
	}
	return lines, consumed, nil
}

// scanLines reads every line of path, returning them alongside the file's
// total byte size.
func scanLines(path string) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	return lines, info.Size(), nil
}

// SizeOfRootfs returns the on-disk size of a container's rootfs directory,
// for `ps --size`.
func SizeOfRootfs(rootDir string) (int64, error) {
	var total int64
	err := filepath.Walk(rootDir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
