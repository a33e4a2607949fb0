// Package protocol defines the JSON frames exchanged between agents, the
// relay and clients. Every frame is one UTF-8 JSON object with a "type" tag.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeOutput       = "output"
	TypeStatus       = "status"
	TypeError        = "error"
	TypeInput        = "input"
	TypeResize       = "resize"
	TypeRestart      = "restart"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeConnected    = "connected"
	TypeAgentOnline  = "agent_online"
	TypeAgentOffline = "agent_offline"
)

// ErrMalformed is returned for frames that are not a JSON object with a
// string "type" field, or whose fields have the wrong JSON types.
var ErrMalformed = errors.New("malformed message")

// Envelope is the common WS message format. Fields that do not apply to a
// given type are left empty and omitted on the wire.
type Envelope struct {
	Type        string `json:"type"`
	Data        string `json:"data,omitempty"`
	Message     string `json:"message,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	AgentOnline *bool  `json:"agent_online,omitempty"`
	Cols        uint16 `json:"cols,omitempty"`
	Rows        uint16 `json:"rows,omitempty"`
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

func Heartbeat() Envelope    { return Envelope{Type: TypeHeartbeat} }
func HeartbeatAck() Envelope { return Envelope{Type: TypeHeartbeatAck} }
func Ping() Envelope         { return Envelope{Type: TypePing} }
func Pong() Envelope         { return Envelope{Type: TypePong} }

func Output(data string) Envelope { return Envelope{Type: TypeOutput, Data: data} }

func Status(message string) Envelope { return Envelope{Type: TypeStatus, Message: message} }

func Error(message string) Envelope { return Envelope{Type: TypeError, Message: message} }

// Input builds the relay→agent form of an input frame. Clients send it
// without a client id; the relay fills in the sender.
func Input(data, clientID string) Envelope {
	return Envelope{Type: TypeInput, Data: data, ClientID: clientID}
}

func Resize(cols, rows uint16) Envelope {
	return Envelope{Type: TypeResize, Cols: cols, Rows: rows}
}

func Restart(clientID string) Envelope {
	return Envelope{Type: TypeRestart, ClientID: clientID}
}

func Connected(clientID, agentID string, online bool) Envelope {
	return Envelope{Type: TypeConnected, ClientID: clientID, AgentID: agentID, AgentOnline: &online}
}

func AgentOnline(agentID string) Envelope {
	return Envelope{Type: TypeAgentOnline, AgentID: agentID}
}

func AgentOffline(agentID string) Envelope {
	return Envelope{Type: TypeAgentOffline, AgentID: agentID}
}
