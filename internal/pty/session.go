package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

var (
	// ErrSpawn wraps every failure to start the child process.
	ErrSpawn = errors.New("spawn failed")
	// ErrNotRunning is returned by Write and Resize once the process is gone.
	ErrNotRunning = errors.New("process not running")
	ErrStarted    = errors.New("session already started")
)

type State int32

const (
	NotStarted State = iota
	Running
	Exited
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

type Config struct {
	Command string
	Args    []string
	// Env is appended to the agent's own environment.
	Env        []string
	Cols, Rows uint16
	// DrainWindow bounds how long trailing output is read after the process
	// has exited before the terminal is closed.
	DrainWindow time.Duration
}

// ExitStatus describes how the child ended.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

func (e ExitStatus) Clean() bool {
	return e.Err == nil && e.Signal == "" && e.Code == 0
}

func (e ExitStatus) String() string {
	switch {
	case e.Err != nil:
		return "failed: " + e.Err.Error()
	case e.Signal != "":
		return "killed by signal " + e.Signal
	default:
		return "exited with code " + strconv.Itoa(e.Code)
	}
}

// Session owns one child process attached to a pseudo-terminal.
type Session struct {
	cfg Config

	mu     sync.RWMutex
	state  State
	reaped bool
	cmd    *exec.Cmd
	ptmx   *os.File
	exit   ExitStatus

	out      chan []byte
	readDone chan struct{}
	done     chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config) *Session {
	if cfg.Cols == 0 || cfg.Rows == 0 {
		cfg.Cols, cfg.Rows = 120, 40
	}
	if cfg.DrainWindow <= 0 {
		cfg.DrainWindow = 250 * time.Millisecond
	}
	return &Session{
		cfg:      cfg,
		out:      make(chan []byte, 64),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
	}
}

// Start spawns the command in dir with the terminal as its standard streams.
func (s *Session) Start(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != NotStarted {
		return ErrStarted
	}
	st, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: workdir: %v", ErrSpawn, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("%w: workdir %s is not a directory", ErrSpawn, dir)
	}
	path, err := exec.LookPath(s.cfg.Command)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	cmd := exec.Command(path, s.cfg.Args...)
	cmd.Dir = dir
	cmd.Env = childEnv(s.cfg)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: s.cfg.Cols, Rows: s.cfg.Rows})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	s.cmd = cmd
	s.ptmx = ptmx
	s.state = Running

	go s.readLoop(ptmx)
	go s.waitLoop()
	return nil
}

// Output yields terminal output chunks until the process has exited and the
// terminal is drained, then it is closed.
func (s *Session) Output() <-chan []byte {
	return s.out
}

// Done is closed once the session reached Exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Exit is only meaningful after Done is closed.
func (s *Session) Exit() ExitStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exit
}

func (s *Session) Pid() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *Session) Write(p []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Running || s.ptmx == nil {
		return ErrNotRunning
	}
	if _, err := s.ptmx.Write(p); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

func (s *Session) Resize(cols, rows uint16) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Running || s.ptmx == nil {
		return ErrNotRunning
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Stop sends SIGTERM to the process group, waits up to grace, then sends
// SIGKILL. It returns once the session has exited or the wait after the kill
// also timed out. Calling it again, or before Start, is a no-op.
func (s *Session) Stop(grace time.Duration) {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	s.stopOnce.Do(func() {
		close(s.quit)
		pid := s.Pid()
		if pid == 0 {
			return
		}
		if !s.signal(pid, unix.SIGTERM) {
			return
		}
		select {
		case <-s.done:
			return
		case <-time.After(grace):
		}
		s.signal(pid, unix.SIGKILL)
		select {
		case <-s.done:
		case <-time.After(grace):
		}
	})
}

// signal sends sig to the process group unless the child was already
// reaped, in which case pid may belong to another process.
func (s *Session) signal(pid int, sig unix.Signal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reaped {
		return false
	}
	signalGroup(pid, sig)
	return true
}

var signalGroup = func(pid int, sig unix.Signal) {
	if err := unix.Kill(-pid, sig); err != nil {
		_ = unix.Kill(pid, sig)
	}
}

func (s *Session) readLoop(ptmx *os.File) {
	defer close(s.readDone)
	defer close(s.out)
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case s.out <- chunk:
			case <-s.quit:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) waitLoop() {
	err := s.cmd.Wait()
	s.mu.Lock()
	s.reaped = true
	s.mu.Unlock()
	status := exitStatus(err, s.cmd.ProcessState)

	select {
	case <-s.readDone:
	case <-time.After(s.cfg.DrainWindow):
	}
	s.mu.Lock()
	_ = s.ptmx.Close()
	s.state = Exited
	s.exit = status
	s.mu.Unlock()
	<-s.readDone
	close(s.done)
}

func exitStatus(err error, ps *os.ProcessState) ExitStatus {
	if err != nil {
		var ex *exec.ExitError
		if !errors.As(err, &ex) {
			return ExitStatus{Code: -1, Err: err}
		}
		ps = ex.ProcessState
	}
	if ps == nil {
		return ExitStatus{Code: -1}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: ws.Signal().String()}
	}
	return ExitStatus{Code: ps.ExitCode()}
}

func childEnv(cfg Config) []string {
	override := map[string]string{
		"TERM":    "xterm-256color",
		"COLUMNS": strconv.Itoa(int(cfg.Cols)),
		"LINES":   strconv.Itoa(int(cfg.Rows)),
	}
	for _, kv := range cfg.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			override[k] = v
		}
	}
	env := make([]string, 0, len(os.Environ())+len(override))
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := override[k]; ok {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range override {
		env = append(env, k+"="+v)
	}
	return env
}
