package pty

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

// collect reads output until the channel closes or the timeout passes.
func collect(t *testing.T, s *Session, timeout time.Duration) string {
	t.Helper()
	var b strings.Builder
	deadline := time.After(timeout)
	for {
		select {
		case chunk, ok := <-s.Output():
			if !ok {
				return b.String()
			}
			b.Write(chunk)
		case <-deadline:
			t.Fatalf("output not closed after %s; got %q", timeout, b.String())
		}
	}
}

func TestSessionRunsToCleanExit(t *testing.T) {
	requireShell(t)
	s := New(Config{Command: "/bin/sh", Args: []string{"-c", "echo hello; echo $TERM"}})
	require.Equal(t, NotStarted, s.State())
	require.NoError(t, s.Start(t.TempDir()))

	out := collect(t, s, 5*time.Second)
	<-s.Done()
	require.Contains(t, out, "hello")
	require.Contains(t, out, "xterm-256color")
	require.Equal(t, Exited, s.State())
	require.True(t, s.Exit().Clean(), s.Exit().String())
}

func TestSessionReportsExitCode(t *testing.T) {
	requireShell(t)
	s := New(Config{Command: "/bin/sh", Args: []string{"-c", "exit 3"}})
	require.NoError(t, s.Start(t.TempDir()))
	collect(t, s, 5*time.Second)
	<-s.Done()
	require.Equal(t, 3, s.Exit().Code)
	require.False(t, s.Exit().Clean())
	require.Equal(t, "exited with code 3", s.Exit().String())
}

func TestSessionEchoesInput(t *testing.T) {
	requireShell(t)
	s := New(Config{Command: "/bin/sh", Args: []string{"-c", "read line; echo got:$line"}})
	require.NoError(t, s.Start(t.TempDir()))
	require.NoError(t, s.Write([]byte("ping\n")))
	out := collect(t, s, 5*time.Second)
	require.Contains(t, out, "got:ping")
}

func TestSessionWriteAfterExit(t *testing.T) {
	requireShell(t)
	s := New(Config{Command: "/bin/sh", Args: []string{"-c", "true"}})
	require.ErrorIs(t, s.Write([]byte("x")), ErrNotRunning)
	require.NoError(t, s.Start(t.TempDir()))
	collect(t, s, 5*time.Second)
	<-s.Done()
	require.ErrorIs(t, s.Write([]byte("x")), ErrNotRunning)
	require.ErrorIs(t, s.Resize(80, 24), ErrNotRunning)
	require.ErrorIs(t, s.Start(t.TempDir()), ErrStarted)
}

func TestSessionStopEscalatesToKill(t *testing.T) {
	requireShell(t)
	s := New(Config{Command: "/bin/sh", Args: []string{"-c", `trap "" TERM; echo ready; sleep 30`}})
	require.NoError(t, s.Start(t.TempDir()))

	select {
	case chunk := <-s.Output():
		require.Contains(t, string(chunk), "ready")
	case <-time.After(5 * time.Second):
		t.Fatal("no output before stop")
	}

	start := time.Now()
	s.Stop(200 * time.Millisecond)
	require.Less(t, time.Since(start), 3*time.Second)
	<-s.Done()
	require.Equal(t, Exited, s.State())
	require.Equal(t, "killed", s.Exit().Signal)

	// Idempotent.
	s.Stop(200 * time.Millisecond)
}

func TestSessionResize(t *testing.T) {
	requireShell(t)
	s := New(Config{Command: "/bin/sh", Args: []string{"-c", "read x; stty size"}, Cols: 100, Rows: 30})
	require.NoError(t, s.Start(t.TempDir()))
	require.NoError(t, s.Resize(132, 50))
	require.NoError(t, s.Write([]byte("\n")))
	out := collect(t, s, 5*time.Second)
	require.Contains(t, out, "50 132")
}

func TestSessionSpawnErrors(t *testing.T) {
	s := New(Config{Command: "definitely-not-a-real-binary-xyz"})
	err := s.Start(t.TempDir())
	require.True(t, errors.Is(err, ErrSpawn), "got %v", err)
	require.Equal(t, NotStarted, s.State())

	requireShell(t)
	s = New(Config{Command: "/bin/sh"})
	err = s.Start("/nonexistent/dir/for/test")
	require.ErrorIs(t, err, ErrSpawn)
}

func TestChildEnvOverrides(t *testing.T) {
	t.Setenv("TERM", "dumb")
	env := childEnv(Config{Cols: 120, Rows: 40, Env: []string{"PATH=/opt/bin:/usr/bin"}})
	seen := map[string]string{}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		_, dup := seen[k]
		require.False(t, dup, "duplicate %s", k)
		seen[k] = v
	}
	require.Equal(t, "xterm-256color", seen["TERM"])
	require.Equal(t, "120", seen["COLUMNS"])
	require.Equal(t, "40", seen["LINES"])
	require.Equal(t, "/opt/bin:/usr/bin", seen["PATH"])
}

func TestSessionStopAfterExitSendsNoSignal(t *testing.T) {
	requireShell(t)
	var signalled []unix.Signal
	orig := signalGroup
	signalGroup = func(pid int, sig unix.Signal) { signalled = append(signalled, sig) }
	t.Cleanup(func() { signalGroup = orig })

	s := New(Config{Command: "/bin/sh", Args: []string{"-c", "exit 0"}})
	require.NoError(t, s.Start(t.TempDir()))
	collect(t, s, 5*time.Second)
	<-s.Done()

	s.Stop(time.Second)
	require.Empty(t, signalled)
}
