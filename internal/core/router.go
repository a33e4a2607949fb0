package core

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/gezhigang000/taskbot/internal/auth"
	"github.com/gezhigang000/taskbot/internal/protocol"
)

type Config struct {
	// HeartbeatTimeout is how long an agent may stay silent before it is
	// treated as dead. Keep it a generous multiple of the agent's interval.
	HeartbeatTimeout time.Duration
	// SweepInterval is how often silent agents are looked for.
	SweepInterval   time.Duration
	ScrollbackBytes int
	AuditPath       string
	// RegisterPerMin limits POST /api/agents per remote address.
	RegisterPerMin int
	Logger         *slog.Logger
	Now            func() time.Time
}

// Router validates and forwards messages between agents and the clients
// attached to them. All shared state lives in its Registry.
type Router struct {
	cfg     Config
	reg     *Registry
	audit   *AuditLogger
	limiter *RateLimiter
	logger  *slog.Logger
}

func NewRouter(cfg Config) (*Router, error) {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 90 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.RegisterPerMin <= 0 {
		cfg.RegisterPerMin = 30
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	audit, err := NewAuditLogger(cfg.AuditPath, cfg.Now)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger.With("component", "router")
	return &Router{
		cfg:     cfg,
		reg:     NewRegistry(cfg.ScrollbackBytes, cfg.Now, logger),
		audit:   audit,
		limiter: NewRateLimiter(cfg.RegisterPerMin, time.Minute, cfg.Now),
		logger:  logger,
	}, nil
}

func (rt *Router) Close() error {
	return rt.audit.Close()
}

func (rt *Router) Registry() *Registry {
	return rt.reg
}

// RegisterAgent creates a new agent on behalf of remote.
func (rt *Router) RegisterAgent(name, remote string) (auth.Credentials, error) {
	if err := rt.limiter.Take("register:" + remote); err != nil {
		rt.logger.Warn("agent registration rate limited", "remote", remote)
		return auth.Credentials{}, err
	}
	if name == "" {
		name = "default"
	}
	creds, err := rt.reg.RegisterAgent(name)
	if err != nil {
		rt.logger.Error("agent registration failed", "remote", remote, "err", err)
		return auth.Credentials{}, err
	}
	rt.logger.Info("agent registered", "agent_id", creds.ID, "name", name, "remote", remote)
	rt.audit.Log(AuditEvent{Actor: "remote:" + remote, AgentID: creds.ID, Kind: "register", Meta: map[string]any{"name": name}})
	return creds, nil
}

// CheckAgent authenticates an agent before its connection is upgraded.
func (rt *Router) CheckAgent(agentID, key, remote string) error {
	err := rt.reg.VerifyAgent(agentID, key)
	if err != nil {
		rt.logger.Warn("agent rejected", "agent_id", agentID, "remote", remote, "err", err)
		rt.audit.Log(AuditEvent{Actor: "remote:" + remote, AgentID: agentID, Kind: "auth_failed", Meta: map[string]any{"reason": err.Error()}})
	}
	return err
}

func (rt *Router) AgentConnected(agentID, key string, conn Conn, remote string) error {
	if err := rt.reg.AttachAgent(agentID, key, conn); err != nil {
		return err
	}
	rt.logger.Info("agent connected", "agent_id", agentID, "remote", remote,
		"clients", len(rt.reg.Clients(agentID)))
	rt.audit.Log(AuditEvent{Actor: "agent:" + agentID, AgentID: agentID, Kind: "agent_attach", Meta: map[string]any{"remote": remote}})
	return nil
}

func (rt *Router) AgentDisconnected(agentID string, conn Conn) {
	if !rt.reg.DetachAgent(agentID, conn) {
		return
	}
	rt.logger.Info("agent disconnected", "agent_id", agentID)
	rt.audit.Log(AuditEvent{Actor: "agent:" + agentID, AgentID: agentID, Kind: "agent_detach"})
}

// HandleAgent applies one message received on an agent connection. Any
// message counts as proof of life.
func (rt *Router) HandleAgent(agentID string, conn Conn, msg protocol.AgentMessage) {
	rt.reg.Touch(agentID, conn)
	switch m := msg.(type) {
	case protocol.AgentHeartbeat:
		if err := conn.Send(protocol.HeartbeatAck()); err != nil {
			rt.logger.Debug("heartbeat_ack send failed", "agent_id", agentID, "err", err)
		}
	case protocol.AgentOutput:
		rt.reg.Fanout(agentID, conn, protocol.Output(m.Data))
	case protocol.AgentStatus:
		rt.reg.Fanout(agentID, conn, protocol.Status(m.Message))
	case protocol.AgentError:
		rt.logger.Warn("agent error", "agent_id", agentID, "message", m.Message)
		rt.reg.Fanout(agentID, conn, protocol.Error(m.Message))
	case protocol.UnknownAgentMessage:
		rt.logger.Debug("ignoring agent message", "agent_id", agentID, "type", m.Type)
	}
}

func (rt *Router) ClientConnected(agentID string, conn Conn, remote string) string {
	clientID, online := rt.reg.AttachClient(agentID, conn)
	rt.logger.Info("client connected", "client_id", clientID, "agent_id", agentID, "agent_online", online, "remote", remote)
	rt.audit.Log(AuditEvent{Actor: "client:" + clientID, AgentID: agentID, ClientID: clientID, Kind: "client_attach", Meta: map[string]any{"remote": remote}})
	return clientID
}

func (rt *Router) ClientDisconnected(clientID string) {
	if !rt.reg.DetachClient(clientID) {
		return
	}
	rt.logger.Info("client disconnected", "client_id", clientID)
	rt.audit.Log(AuditEvent{Actor: "client:" + clientID, ClientID: clientID, Kind: "client_detach"})
}

// HandleClient applies one message received on a client connection.
func (rt *Router) HandleClient(clientID string, conn Conn, msg protocol.ClientMessage) {
	switch m := msg.(type) {
	case protocol.ClientInput:
		if err := rt.forward(clientID, protocol.Input(m.Data, clientID)); err != nil {
			return
		}
		sum := sha256.Sum256([]byte(m.Data))
		rt.audit.Log(AuditEvent{Actor: "client:" + clientID, ClientID: clientID, Kind: "input", Meta: map[string]any{
			"size": len(m.Data),
			"sha":  hex.EncodeToString(sum[:]),
		}})
	case protocol.ClientPing:
		_ = conn.Send(protocol.Pong())
	case protocol.ClientResize:
		if m.Cols == 0 || m.Rows == 0 {
			return
		}
		if err := rt.reg.SendToAgent(clientID, protocol.Resize(m.Cols, m.Rows)); err != nil && !errors.Is(err, ErrAgentOffline) {
			rt.logger.Debug("resize not forwarded", "client_id", clientID, "err", err)
		}
	case protocol.ClientRestart:
		_ = rt.forward(clientID, protocol.Restart(clientID))
	case protocol.UnknownClientMessage:
		rt.logger.Debug("ignoring client message", "client_id", clientID, "type", m.Type)
	}
}

// forward sends msg to the client's agent, answering the client itself with
// an error when the agent is offline. Nothing is queued for later.
func (rt *Router) forward(clientID string, msg protocol.Envelope) error {
	err := rt.reg.SendToAgent(clientID, msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAgentOffline):
		rt.logger.Debug("dropping message for offline agent", "client_id", clientID, "type", msg.Type)
		_ = rt.reg.SendToClient(clientID, protocol.Error(ErrAgentOffline.Error()))
	default:
		rt.logger.Warn("forward to agent failed", "client_id", clientID, "type", msg.Type, "err", err)
	}
	return err
}
