package core

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gezhigang000/taskbot/internal/auth"
	"github.com/gezhigang000/taskbot/internal/protocol"
	"github.com/google/uuid"
)

type agentEntry struct {
	id          string
	name        string
	keyHash     string
	conn        Conn
	online      bool
	createdAt   time.Time
	connectedAt time.Time
	lastSeen    time.Time
	scrollback  *scrollback
}

type clientEntry struct {
	id          string
	agentID     string
	conn        Conn
	connectedAt time.Time
}

// Registry maps agent and client identities to their live connections.
// Every method runs in a single critical section. Messages that must be
// ordered with a state change (agent_online, agent_offline, connected, the
// scrollback replay) are queued on the target connections inside that same
// section; Conn.Send never blocks, so holding the lock there is safe.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*agentEntry
	clients map[string]*clientEntry
	fanout  map[string]map[string]*clientEntry

	scrollbackBytes int
	now             func() time.Time
	logger          *slog.Logger
}

func NewRegistry(scrollbackBytes int, now func() time.Time, logger *slog.Logger) *Registry {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents:          make(map[string]*agentEntry),
		clients:         make(map[string]*clientEntry),
		fanout:          make(map[string]map[string]*clientEntry),
		scrollbackBytes: scrollbackBytes,
		now:             now,
		logger:          logger,
	}
}

// RegisterAgent creates a new offline agent and returns its credentials.
func (r *Registry) RegisterAgent(name string) (auth.Credentials, error) {
	for {
		creds, err := auth.NewCredentials()
		if err != nil {
			return auth.Credentials{}, err
		}
		r.mu.Lock()
		if _, taken := r.agents[creds.ID]; taken {
			r.mu.Unlock()
			continue
		}
		r.agents[creds.ID] = &agentEntry{
			id:         creds.ID,
			name:       name,
			keyHash:    auth.HashKey(creds.Key),
			createdAt:  r.now(),
			scrollback: newScrollback(r.scrollbackBytes),
		}
		if r.fanout[creds.ID] == nil {
			r.fanout[creds.ID] = make(map[string]*clientEntry)
		}
		r.mu.Unlock()
		return creds, nil
	}
}

// VerifyAgent checks credentials without changing any state.
func (r *Registry) VerifyAgent(agentID, key string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	if !auth.VerifyKey(key, a.keyHash) {
		return ErrAuth
	}
	return nil
}

// AttachAgent makes conn the agent's live connection. A previous connection
// is replaced and closed; attached clients are told agent_online only when
// the agent was offline before.
func (r *Registry) AttachAgent(agentID, key string, conn Conn) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	if !auth.VerifyKey(key, a.keyHash) {
		r.mu.Unlock()
		return ErrAuth
	}
	prev := a.conn
	wasOnline := a.online
	now := r.now()
	a.conn = conn
	a.online = true
	a.connectedAt = now
	a.lastSeen = now
	if !wasOnline {
		r.broadcastLocked(agentID, protocol.AgentOnline(agentID))
	}
	r.mu.Unlock()

	if prev != nil && prev != conn {
		r.logger.Info("agent connection superseded", "agent_id", agentID)
		prev.Close(CloseSuperseded, "superseded by a new connection")
	}
	return nil
}

// DetachAgent marks the agent offline if conn is still its live connection.
// It reports whether the agent went offline; a stale handle from a
// superseded connection is a no-op. Identity, key and fan-out set are kept.
func (r *Registry) DetachAgent(agentID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok || !a.online || a.conn != conn {
		return false
	}
	r.detachLocked(a)
	return true
}

func (r *Registry) detachLocked(a *agentEntry) {
	a.conn = nil
	a.online = false
	r.broadcastLocked(a.id, protocol.AgentOffline(a.id))
}

// Touch records traffic from the agent's live connection.
func (r *Registry) Touch(agentID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok && a.conn == conn {
		a.lastSeen = r.now()
	}
}

// ExpireStale detaches every online agent whose last traffic is older than
// cutoff and returns their connections so the caller can close them.
func (r *Registry) ExpireStale(cutoff time.Time) map[string]Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired map[string]Conn
	for id, a := range r.agents {
		if !a.online || !a.lastSeen.Before(cutoff) {
			continue
		}
		if expired == nil {
			expired = make(map[string]Conn)
		}
		expired[id] = a.conn
		r.detachLocked(a)
	}
	return expired
}

// AttachClient adds a new client to agentID's fan-out set. It always
// succeeds, even for an agent that is offline or not registered yet. The
// client's first queued message is "connected", followed by the agent's
// scrollback when there is any.
func (r *Registry) AttachClient(agentID string, conn Conn) (clientID string, agentOnline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		clientID = uuid.NewString()
		if _, taken := r.clients[clientID]; !taken {
			break
		}
	}
	c := &clientEntry{
		id:          clientID,
		agentID:     agentID,
		conn:        conn,
		connectedAt: r.now(),
	}
	r.clients[clientID] = c
	set := r.fanout[agentID]
	if set == nil {
		set = make(map[string]*clientEntry)
		r.fanout[agentID] = set
	}
	set[clientID] = c

	a, registered := r.agents[agentID]
	agentOnline = registered && a.online
	_ = conn.Send(protocol.Connected(clientID, agentID, agentOnline))
	if registered {
		if replay := a.scrollback.replay(); len(replay) > 0 {
			_ = conn.Send(protocol.Output(string(replay)))
		}
	}
	return clientID, agentOnline
}

// DetachClient removes the client from its agent's fan-out set.
func (r *Registry) DetachClient(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return false
	}
	delete(r.clients, clientID)
	if set := r.fanout[c.agentID]; set != nil {
		delete(set, clientID)
		if len(set) == 0 {
			if _, registered := r.agents[c.agentID]; !registered {
				delete(r.fanout, c.agentID)
			}
		}
	}
	return true
}

// Fanout delivers msg to every client attached to agentID, provided from is
// the agent's live connection. Output is also appended to the scrollback.
// It returns the number of clients the message was queued for.
func (r *Registry) Fanout(agentID string, from Conn, msg protocol.Envelope) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok || a.conn != from {
		return 0
	}
	if msg.Type == protocol.TypeOutput {
		a.scrollback.write([]byte(msg.Data))
	}
	return r.broadcastLocked(agentID, msg)
}

// SendToAgent forwards msg from a client to the agent that client views,
// stamping the sender's id.
func (r *Registry) SendToAgent(clientID string, msg protocol.Envelope) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	a, ok := r.agents[c.agentID]
	if !ok || !a.online || a.conn == nil {
		return ErrAgentOffline
	}
	msg.ClientID = clientID
	return a.conn.Send(msg)
}

// SendToClient queues msg for a single client.
func (r *Registry) SendToClient(clientID string, msg protocol.Envelope) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	return c.conn.Send(msg)
}

// Clients returns the ids currently in agentID's fan-out set.
func (r *Registry) Clients(agentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.fanout[agentID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) ListAgents() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]AgentInfo, 0, len(r.agents))
	for _, a := range r.agents {
		items = append(items, r.infoLocked(a))
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items
}

func (r *Registry) GetAgent(agentID string) (AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return AgentInfo{}, false
	}
	return r.infoLocked(a), true
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{AgentsTotal: len(r.agents), ClientsConnected: len(r.clients)}
	for _, a := range r.agents {
		if a.online {
			st.AgentsOnline++
		}
	}
	return st
}

func (r *Registry) infoLocked(a *agentEntry) AgentInfo {
	info := AgentInfo{
		ID:          a.id,
		Name:        a.name,
		Online:      a.online,
		ClientCount: len(r.fanout[a.id]),
		CreatedAt:   a.createdAt,
	}
	if a.online {
		connectedAt, lastSeen := a.connectedAt, a.lastSeen
		info.ConnectedAt = &connectedAt
		info.LastSeen = &lastSeen
	}
	return info
}

// broadcastLocked must be called with r.mu held (read or write).
func (r *Registry) broadcastLocked(agentID string, msg protocol.Envelope) int {
	n := 0
	for id, c := range r.fanout[agentID] {
		if err := c.conn.Send(msg); err != nil {
			r.logger.Debug("client send failed", "client_id", id, "agent_id", agentID, "type", msg.Type, "err", err)
			continue
		}
		n++
	}
	return n
}
