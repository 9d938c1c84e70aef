package containers

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/octaviocubillos/proobox/lib/metadata"
	"github.com/octaviocubillos/proobox/lib/paths"
	"github.com/stretchr/testify/require"
)

func TestParseBindSpec(t *testing.T) {
	b, ok := parseBindSpec("/host:/container")
	require.True(t, ok)
	require.Equal(t, "/host", b.Host)
	require.Equal(t, "/container", b.Container)

	b, ok = parseBindSpec("/shared")
	require.True(t, ok)
	require.Equal(t, "/shared", b.Host)
	require.Equal(t, "/shared", b.Container)

	_, ok = parseBindSpec(":/container")
	require.False(t, ok)
}

func TestMergeEnvCLIWinsOnOrder(t *testing.T) {
	merged := mergeEnv([]string{"A=image"}, []string{"A=cli"})
	require.Equal(t, []string{"A=image", "A=cli"}, merged)
}

func TestMatchesRootParsesPgrepLine(t *testing.T) {
	pid, ok := matchesRoot("1234 proot -0 -i 0:0 -r /data/containers/web/rootfs -w /root env -i /bin/sh", "/data/containers/web/rootfs")
	require.True(t, ok)
	require.Equal(t, 1234, pid)

	_, ok = matchesRoot("1234 proot -0 -i 0:0 -r /data/containers/other/rootfs", "/data/containers/web/rootfs")
	require.False(t, ok)
}

func TestExitCodeFromWaitErr(t *testing.T) {
	require.Equal(t, 0, exitCodeFromWaitErr(nil))
}

func TestTimestampWriterPrefixesEachLine(t *testing.T) {
	var buf bytes.Buffer
	tw := newTimestampWriter(&buf)

	_, err := tw.Write([]byte("hello\nworld\n"))
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n"))
	require.Len(t, lines, 2)
	for _, line := range lines {
		ts, rest, ok := splitLogLine(string(line))
		require.True(t, ok)
		require.NotEmpty(t, ts)
		require.Contains(t, []string{"hello", "world"}, rest)
	}
}

func TestTimestampWriterHandlesPartialWrites(t *testing.T) {
	var buf bytes.Buffer
	tw := newTimestampWriter(&buf)

	_, err := tw.Write([]byte("par"))
	require.NoError(t, err)
	_, err = tw.Write([]byte("tial\n"))
	require.NoError(t, err)

	_, rest, ok := splitLogLine(string(bytes.TrimRight(buf.Bytes(), "\n")))
	require.True(t, ok)
	require.Equal(t, "partial", rest)
}

func newTestManager(t *testing.T) (*Manager, *paths.Paths) {
	t.Helper()
	p := paths.New(t.TempDir())
	require.NoError(t, p.EnsureBase())
	return New(p, nil, nil, nil, nil), p
}

func writeTestContainer(t *testing.T, p *paths.Paths, name string) *metadata.Container {
	t.Helper()
	c := metadata.NewContainer("a1b2c3d4e5f6", name)
	c.Paths.RootfsPath = p.ContainerRootfs(name)
	require.NoError(t, os.MkdirAll(p.ContainerDir(name), 0o755))
	require.NoError(t, metadata.WriteContainer(p, c))
	return c
}

func TestLogsFiltersTailAndTimestamps(t *testing.T) {
	m, p := newTestManager(t)
	c := writeTestContainer(t, p, "web-1")

	logFile, err := os.Create(p.ContainerLogPath(c.Name))
	require.NoError(t, err)
	tw := newTimestampWriter(logFile)
	for _, line := range []string{"boot", "ready", "serving"} {
		_, err := tw.Write([]byte(line + "\n"))
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, logFile.Close())

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, m.Logs(context.Background(), "web-1", LogsOptions{Tail: 2}, w))
	require.Equal(t, "ready\nserving\n", buf.String())

	buf.Reset()
	w = bufio.NewWriter(&buf)
	require.NoError(t, m.Logs(context.Background(), "web-1", LogsOptions{Timestamps: true, Tail: 1}, w))
	out := strings.TrimRight(buf.String(), "\n")
	_, rest, ok := splitLogLine(out)
	require.True(t, ok)
	require.Equal(t, "serving", rest)
}

func TestLogsSinceUntilFilterByTimestampPrefix(t *testing.T) {
	m, p := newTestManager(t)
	c := writeTestContainer(t, p, "web-1")

	logFile, err := os.Create(p.ContainerLogPath(c.Name))
	require.NoError(t, err)
	tw := newTimestampWriter(logFile)
	var mid string
	for i, line := range []string{"boot", "ready", "serving"} {
		_, err := tw.Write([]byte(line + "\n"))
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		if i == 1 {
			mid = paths.Now()
		}
	}
	require.NoError(t, logFile.Close())

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, m.Logs(context.Background(), "web-1", LogsOptions{Since: mid}, w))
	require.Equal(t, "serving\n", buf.String())
}

func TestLogsDetailsReturnsMetadataJSON(t *testing.T) {
	m, p := newTestManager(t)
	writeTestContainer(t, p, "web-1")

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, m.Logs(context.Background(), "web-1", LogsOptions{Details: true}, w))
	require.Contains(t, buf.String(), `"Name"`)
}

func TestLogsFollowStreamsAppendedLines(t *testing.T) {
	m, p := newTestManager(t)
	c := writeTestContainer(t, p, "web-1")

	logPath := p.ContainerLogPath(c.Name)
	require.NoError(t, os.WriteFile(logPath, []byte("boot\n"), 0o644))

	go func() {
		time.Sleep(50 * time.Millisecond)
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = f.WriteString("more-appended\n")
	}()

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	// No real tracer process backs this rootfs, so liveness reports not
	// running and the follow loop exits after its first poll — the
	// appended line lands within that poll's window.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Logs(ctx, "web-1", LogsOptions{Follow: true}, w))
	require.Contains(t, buf.String(), "more-appended")
}
