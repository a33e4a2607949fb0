package core

import (
	"errors"
	"time"

	"github.com/gezhigang000/taskbot/internal/protocol"
)

var (
	// ErrAgentNotFound indicates the agent id was never registered.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAuth indicates a missing or wrong agent key.
	ErrAuth = errors.New("invalid agent credentials")
	// ErrAgentOffline indicates the target agent has no live connection.
	ErrAgentOffline = errors.New("agent offline")
	// ErrClientNotFound indicates the client id is not attached.
	ErrClientNotFound = errors.New("client not found")
	// ErrRateLimited indicates too many registrations from one address.
	ErrRateLimited = errors.New("rate limited")
)

// Close codes sent to connections the relay drops on its own.
const (
	CloseSuperseded    = 4000
	CloseHeartbeatLost = 4002
	CloseSlowConsumer  = 4008
)

// Conn is a live connection handle. Send must not block: it queues the
// message or fails. Close must be safe to call more than once.
type Conn interface {
	Send(msg protocol.Envelope) error
	Close(code int, reason string)
}

// AgentInfo is the public view of an agent. It never carries the key.
type AgentInfo struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Online      bool       `json:"online"`
	ClientCount int        `json:"client_count"`
	CreatedAt   time.Time  `json:"created_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	LastSeen    *time.Time `json:"last_heartbeat,omitempty"`
}

// Stats summarizes the registry for health checks.
type Stats struct {
	AgentsTotal      int `json:"agents_total"`
	AgentsOnline     int `json:"agents_online"`
	ClientsConnected int `json:"clients_connected"`
}
