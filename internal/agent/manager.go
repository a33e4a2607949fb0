package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gezhigang000/taskbot/internal/protocol"
	"github.com/gezhigang000/taskbot/internal/pty"
	"github.com/gezhigang000/taskbot/internal/security"
)

type Config struct {
	Command string
	Args    []string
	Workdir string
	// ExtraPath is prepended to the child's PATH when the dirs exist.
	ExtraPath  []string
	StopGrace  time.Duration
	Cols, Rows uint16
	// Outbox is how many messages wait for the relay while disconnected.
	Outbox int
	Logger *slog.Logger
}

// SessionManager owns the terminal process for the agent's lifetime. It
// survives relay reconnects; only Shutdown stops the process.
type SessionManager struct {
	cfg    Config
	logger *slog.Logger
	outbox chan protocol.Envelope
	quit   chan struct{}

	mu       sync.Mutex
	session  *pty.Session
	spawnErr error
	closing  bool
	wg       sync.WaitGroup
}

func NewSessionManager(cfg Config) *SessionManager {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.Outbox <= 0 {
		cfg.Outbox = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SessionManager{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "session"),
		outbox: make(chan protocol.Envelope, cfg.Outbox),
		quit:   make(chan struct{}),
	}
}

// Outbox carries messages for the relay. The connection writer drains it.
func (m *SessionManager) Outbox() <-chan protocol.Envelope {
	return m.outbox
}

// Start launches the process. A spawn failure is also reported to the relay
// as an error message; the agent keeps running so a client can restart.
func (m *SessionManager) Start() error {
	m.mu.Lock()
	err := m.startLocked()
	m.mu.Unlock()
	if errors.Is(err, pty.ErrSpawn) {
		m.notify(protocol.Error(fmt.Sprintf("failed to start %s: %v", m.cfg.Command, err)))
	}
	return err
}

func (m *SessionManager) startLocked() error {
	if m.closing {
		return errors.New("session manager shut down")
	}
	if m.session != nil && m.session.State() == pty.Running {
		return errors.New("process already running")
	}
	var env []string
	if len(m.cfg.ExtraPath) > 0 {
		env = append(env, "PATH="+security.PrependPath(os.Getenv("PATH"), m.cfg.ExtraPath))
	}
	s := pty.New(pty.Config{
		Command: m.cfg.Command,
		Args:    m.cfg.Args,
		Env:     env,
		Cols:    m.cfg.Cols,
		Rows:    m.cfg.Rows,
	})
	if err := s.Start(m.cfg.Workdir); err != nil {
		m.spawnErr = err
		m.logger.Error("process start failed", "command", m.cfg.Command, "workdir", m.cfg.Workdir, "err", err)
		return err
	}
	m.session = s
	m.spawnErr = nil
	m.logger.Info("process started", "command", m.cfg.Command, "workdir", m.cfg.Workdir, "pid", s.Pid())
	m.wg.Add(1)
	go m.pump(s)
	return nil
}

// Handle applies one message from the relay.
func (m *SessionManager) Handle(msg protocol.RelayMessage) {
	switch v := msg.(type) {
	case protocol.RelayHeartbeatAck:
	case protocol.RelayInput:
		s := m.current()
		if s == nil {
			return
		}
		if err := s.Write([]byte(v.Data)); err != nil {
			m.logger.Debug("input dropped", "client_id", v.ClientID, "err", err)
		}
	case protocol.RelayResize:
		if s := m.current(); s != nil && v.Cols > 0 && v.Rows > 0 {
			if err := s.Resize(v.Cols, v.Rows); err != nil {
				m.logger.Debug("resize failed", "err", err)
			}
		}
	case protocol.RelayRestart:
		m.restart(v.ClientID)
	case protocol.UnknownRelayMessage:
		m.logger.Debug("ignoring relay message", "type", v.Type)
	}
}

// restart runs on the connection's read loop, so its replies never wait
// for outbox space.
func (m *SessionManager) restart(clientID string) {
	m.mu.Lock()
	if m.session != nil && m.session.State() == pty.Running {
		m.mu.Unlock()
		m.notify(protocol.Status("process is already running"))
		return
	}
	m.logger.Info("restart requested", "client_id", clientID)
	var reply protocol.Envelope
	if err := m.startLocked(); err == nil {
		reply = protocol.Status(m.statusLocked())
	} else {
		reply = protocol.Error(fmt.Sprintf("failed to start %s: %v", m.cfg.Command, err))
	}
	m.mu.Unlock()
	m.notify(reply)
}

// StatusMessage describes the process for a freshly attached relay.
func (m *SessionManager) StatusMessage() protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return protocol.Status(m.statusLocked())
}

func (m *SessionManager) statusLocked() string {
	switch {
	case m.session == nil && m.spawnErr != nil:
		return "process failed to start: " + m.spawnErr.Error()
	case m.session == nil:
		return "process not started"
	}
	switch m.session.State() {
	case pty.Running:
		return fmt.Sprintf("%s running (pid %d)", m.cfg.Command, m.session.Pid())
	case pty.Exited:
		return fmt.Sprintf("%s %s; send restart to start it again", m.cfg.Command, m.session.Exit())
	default:
		return "process not started"
	}
}

// Shutdown stops the process and waits for its output to be drained.
func (m *SessionManager) Shutdown() {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	m.closing = true
	s := m.session
	m.mu.Unlock()

	close(m.quit)
	if s != nil {
		m.logger.Info("stopping process", "pid", s.Pid())
		s.Stop(m.cfg.StopGrace)
	}
	m.wg.Wait()
}

func (m *SessionManager) current() *pty.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *SessionManager) pump(s *pty.Session) {
	defer m.wg.Done()
	var chunker runeChunker
	for chunk := range s.Output() {
		if text := chunker.Push(chunk); text != "" {
			m.emit(protocol.Output(text))
		}
	}
	if rest := chunker.Flush(); rest != "" {
		m.emit(protocol.Output(rest))
	}
	<-s.Done()
	exit := s.Exit()
	m.logger.Info("process exited", "status", exit.String())

	select {
	case <-m.quit:
		return
	default:
	}
	if exit.Clean() {
		m.emit(protocol.Status(fmt.Sprintf("%s exited; send restart to start it again", m.cfg.Command)))
		return
	}
	m.emit(protocol.Error(fmt.Sprintf("%s %s", m.cfg.Command, exit)))
}

// notify queues msg for the relay without waiting. When the outbox is full
// the message is dropped; the next attach reports the state via
// StatusMessage.
func (m *SessionManager) notify(msg protocol.Envelope) {
	select {
	case m.outbox <- msg:
	default:
		m.logger.Warn("outbox full, dropping message", "type", msg.Type)
	}
}

// emit queues msg for the relay. It blocks while the outbox is full, which
// in turn pauses reading from the terminal until a connection drains it.
func (m *SessionManager) emit(msg protocol.Envelope) {
	select {
	case m.outbox <- msg:
	case <-m.quit:
	}
}
