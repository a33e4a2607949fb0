package protocol

// AgentMessage is a frame sent by an agent to the relay.
type AgentMessage interface{ agentMessage() }

type AgentHeartbeat struct{}

type AgentOutput struct{ Data string }

type AgentStatus struct{ Message string }

type AgentError struct{ Message string }

// UnknownAgentMessage carries a tag this relay does not understand. It is
// ignored so newer agents can talk to older relays.
type UnknownAgentMessage struct{ Type string }

func (AgentHeartbeat) agentMessage()      {}
func (AgentOutput) agentMessage()         {}
func (AgentStatus) agentMessage()         {}
func (AgentError) agentMessage()          {}
func (UnknownAgentMessage) agentMessage() {}

// DecodeAgentMessage parses one agent frame.
func DecodeAgentMessage(raw []byte) (AgentMessage, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeHeartbeat:
		return AgentHeartbeat{}, nil
	case TypeOutput:
		return AgentOutput{Data: env.Data}, nil
	case TypeStatus:
		return AgentStatus{Message: env.Message}, nil
	case TypeError:
		return AgentError{Message: env.Message}, nil
	default:
		return UnknownAgentMessage{Type: env.Type}, nil
	}
}

// ClientMessage is a frame sent by a client to the relay.
type ClientMessage interface{ clientMessage() }

type ClientInput struct{ Data string }

type ClientPing struct{}

type ClientResize struct{ Cols, Rows uint16 }

type ClientRestart struct{}

type UnknownClientMessage struct{ Type string }

func (ClientInput) clientMessage()          {}
func (ClientPing) clientMessage()           {}
func (ClientResize) clientMessage()         {}
func (ClientRestart) clientMessage()        {}
func (UnknownClientMessage) clientMessage() {}

// DecodeClientMessage parses one client frame. Any client_id the client put
// in the frame is discarded; the relay stamps the real sender itself.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeInput:
		return ClientInput{Data: env.Data}, nil
	case TypePing:
		return ClientPing{}, nil
	case TypeResize:
		return ClientResize{Cols: env.Cols, Rows: env.Rows}, nil
	case TypeRestart:
		return ClientRestart{}, nil
	default:
		return UnknownClientMessage{Type: env.Type}, nil
	}
}

// RelayMessage is a frame the relay sends to an agent.
type RelayMessage interface{ relayMessage() }

type RelayHeartbeatAck struct{}

// RelayInput is keyboard input from a client. ClientID is informational;
// the agent writes every input to its single active terminal.
type RelayInput struct{ Data, ClientID string }

type RelayResize struct{ Cols, Rows uint16 }

type RelayRestart struct{ ClientID string }

type UnknownRelayMessage struct{ Type string }

func (RelayHeartbeatAck) relayMessage()   {}
func (RelayInput) relayMessage()          {}
func (RelayResize) relayMessage()         {}
func (RelayRestart) relayMessage()        {}
func (UnknownRelayMessage) relayMessage() {}

// DecodeRelayMessage parses one frame received by an agent.
func DecodeRelayMessage(raw []byte) (RelayMessage, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeHeartbeatAck:
		return RelayHeartbeatAck{}, nil
	case TypeInput:
		return RelayInput{Data: env.Data, ClientID: env.ClientID}, nil
	case TypeResize:
		return RelayResize{Cols: env.Cols, Rows: env.Rows}, nil
	case TypeRestart:
		return RelayRestart{ClientID: env.ClientID}, nil
	default:
		return UnknownRelayMessage{Type: env.Type}, nil
	}
}
