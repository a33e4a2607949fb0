package core

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gezhigang000/taskbot/internal/auth"
	"github.com/gezhigang000/taskbot/internal/protocol"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, cfg Config) (*Router, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	if cfg.Now == nil {
		cfg.Now = clock.Now
	}
	rt, err := NewRouter(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt, clock
}

func onlineAgent(t *testing.T, rt *Router) (auth.Credentials, *fakeConn) {
	t.Helper()
	creds, err := rt.RegisterAgent("test", "127.0.0.1")
	require.NoError(t, err)
	conn := &fakeConn{}
	require.NoError(t, rt.CheckAgent(creds.ID, creds.Key, "127.0.0.1"))
	require.NoError(t, rt.AgentConnected(creds.ID, creds.Key, conn, "127.0.0.1"))
	return creds, conn
}

func TestRouterInputReachesOnlyAgentOutputReachesAllClients(t *testing.T) {
	rt, _ := newTestRouter(t, Config{})
	creds, agent := onlineAgent(t, rt)

	c1, c2 := &fakeConn{}, &fakeConn{}
	id1 := rt.ClientConnected(creds.ID, c1, "10.0.0.1")
	id2 := rt.ClientConnected(creds.ID, c2, "10.0.0.2")
	c1.reset()
	c2.reset()

	rt.HandleClient(id1, c1, protocol.ClientInput{Data: "ls\n"})
	require.Equal(t, []protocol.Envelope{protocol.Input("ls\n", id1)}, agent.messages())
	require.Empty(t, c1.messages())
	require.Empty(t, c2.messages())

	rt.HandleAgent(creds.ID, agent, protocol.AgentOutput{Data: "file.txt\r\n"})
	require.Equal(t, []protocol.Envelope{protocol.Output("file.txt\r\n")}, c1.messages())
	require.Equal(t, []protocol.Envelope{protocol.Output("file.txt\r\n")}, c2.messages())
	require.NotEqual(t, id1, id2)
}

func TestRouterHeartbeatAckAndLiveness(t *testing.T) {
	rt, clock := newTestRouter(t, Config{HeartbeatTimeout: 90 * time.Second})
	creds, agent := onlineAgent(t, rt)
	viewer := &fakeConn{}
	rt.ClientConnected(creds.ID, viewer, "10.0.0.1")

	clock.Advance(60 * time.Second)
	rt.HandleAgent(creds.ID, agent, protocol.AgentHeartbeat{})
	require.Equal(t, []protocol.Envelope{protocol.HeartbeatAck()}, agent.messages())

	clock.Advance(60 * time.Second)
	require.Empty(t, rt.Sweep())

	clock.Advance(31 * time.Second)
	require.Equal(t, []string{creds.ID}, rt.Sweep())
	require.Empty(t, rt.Sweep())

	closed, code := agent.isClosed()
	require.True(t, closed)
	require.Equal(t, CloseHeartbeatLost, code)
	require.Len(t, viewer.ofType(protocol.TypeAgentOffline), 1)

	// The handler noticing the close afterwards must not broadcast again.
	rt.AgentDisconnected(creds.ID, agent)
	require.Len(t, viewer.ofType(protocol.TypeAgentOffline), 1)
}

func TestRouterInputWhileOfflineRepliesError(t *testing.T) {
	rt, _ := newTestRouter(t, Config{})
	creds, err := rt.RegisterAgent("idle", "127.0.0.1")
	require.NoError(t, err)

	viewer := &fakeConn{}
	clientID := rt.ClientConnected(creds.ID, viewer, "10.0.0.1")
	viewer.reset()

	rt.HandleClient(clientID, viewer, protocol.ClientInput{Data: "ls\n"})
	rt.HandleClient(clientID, viewer, protocol.ClientRestart{})
	rt.HandleClient(clientID, viewer, protocol.ClientResize{Cols: 80, Rows: 24})
	require.Equal(t, []protocol.Envelope{
		protocol.Error("agent offline"),
		protocol.Error("agent offline"),
	}, viewer.messages())

	// Nothing was queued for the agent in the meantime.
	agent := &fakeConn{}
	require.NoError(t, rt.AgentConnected(creds.ID, creds.Key, agent, "127.0.0.1"))
	require.Empty(t, agent.messages())
}

func TestRouterPingResizeRestart(t *testing.T) {
	rt, _ := newTestRouter(t, Config{})
	creds, agent := onlineAgent(t, rt)
	viewer := &fakeConn{}
	clientID := rt.ClientConnected(creds.ID, viewer, "10.0.0.1")
	viewer.reset()

	rt.HandleClient(clientID, viewer, protocol.ClientPing{})
	require.Equal(t, []protocol.Envelope{protocol.Pong()}, viewer.messages())

	rt.HandleClient(clientID, viewer, protocol.ClientResize{Cols: 0, Rows: 24})
	rt.HandleClient(clientID, viewer, protocol.ClientResize{Cols: 100, Rows: 30})
	rt.HandleClient(clientID, viewer, protocol.ClientRestart{})
	rt.HandleClient(clientID, viewer, protocol.UnknownClientMessage{Type: "zoom"})

	resize := protocol.Resize(100, 30)
	resize.ClientID = clientID
	require.Equal(t, []protocol.Envelope{resize, protocol.Restart(clientID)}, agent.messages())
}

func TestRouterStatusAndErrorFanOut(t *testing.T) {
	rt, _ := newTestRouter(t, Config{})
	creds, agent := onlineAgent(t, rt)
	viewer := &fakeConn{}
	rt.ClientConnected(creds.ID, viewer, "10.0.0.1")
	viewer.reset()

	rt.HandleAgent(creds.ID, agent, protocol.AgentStatus{Message: "shell exited"})
	rt.HandleAgent(creds.ID, agent, protocol.AgentError{Message: "spawn failed"})
	rt.HandleAgent(creds.ID, agent, protocol.UnknownAgentMessage{Type: "metrics"})
	require.Equal(t, []protocol.Envelope{
		protocol.Status("shell exited"),
		protocol.Error("spawn failed"),
	}, viewer.messages())
}

func TestRouterRegisterRateLimited(t *testing.T) {
	rt, clock := newTestRouter(t, Config{RegisterPerMin: 2})
	_, err := rt.RegisterAgent("a", "1.1.1.1")
	require.NoError(t, err)
	_, err = rt.RegisterAgent("b", "1.1.1.1")
	require.NoError(t, err)
	clock.Advance(20 * time.Second)
	_, err = rt.RegisterAgent("c", "1.1.1.1")
	require.ErrorIs(t, err, ErrRateLimited)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 40*time.Second, rl.RetryAfter)
	_, err = rt.RegisterAgent("d", "2.2.2.2")
	require.NoError(t, err)

	clock.Advance(40 * time.Second)
	_, err = rt.RegisterAgent("e", "1.1.1.1")
	require.NoError(t, err)
}

func TestRouterRegisterDefaultsName(t *testing.T) {
	rt, _ := newTestRouter(t, Config{})
	creds, err := rt.RegisterAgent("", "1.1.1.1")
	require.NoError(t, err)
	info, ok := rt.Registry().GetAgent(creds.ID)
	require.True(t, ok)
	require.Equal(t, "default", info.Name)
}

func TestRouterAuditNeverRecordsKeysOrInput(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	rt, _ := newTestRouter(t, Config{AuditPath: auditPath})
	creds, _ := onlineAgent(t, rt)
	require.ErrorIs(t, rt.CheckAgent(creds.ID, "bad-key", "6.6.6.6"), ErrAuth)

	viewer := &fakeConn{}
	clientID := rt.ClientConnected(creds.ID, viewer, "10.0.0.1")
	rt.HandleClient(clientID, viewer, protocol.ClientInput{Data: "secret-password\n"})
	rt.ClientDisconnected(clientID)
	require.NoError(t, rt.Close())

	raw, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	require.NotContains(t, string(raw), creds.Key)
	require.NotContains(t, string(raw), "secret-password")

	f, err := os.Open(auditPath)
	require.NoError(t, err)
	defer f.Close()
	var kinds []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev AuditEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		kinds = append(kinds, ev.Kind)
	}
	require.Equal(t, []string{"register", "agent_attach", "auth_failed", "client_attach", "input", "client_detach"}, kinds)
}
