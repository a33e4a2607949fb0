package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gezhigang000/taskbot/internal/auth"
	"github.com/gezhigang000/taskbot/internal/core"
	httpapi "github.com/gezhigang000/taskbot/internal/http"
	"github.com/gezhigang000/taskbot/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testRelay struct {
	url           string
	relay         *core.Router
	clock         *testClock
	registrations atomic.Int32
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	gin.SetMode(gin.TestMode)
	tr := &testRelay{clock: &testClock{now: time.Now()}}
	relay, err := core.NewRouter(core.Config{Now: tr.clock.Now, HeartbeatTimeout: 90 * time.Second})
	require.NoError(t, err)
	tr.relay = relay
	h := (&httpapi.Server{Relay: relay}).Router()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/agents" {
			tr.registrations.Add(1)
		}
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		srv.Close()
		_ = relay.Close()
	})
	tr.url = srv.URL
	return tr
}

func (tr *testRelay) waitOnline(t *testing.T, agentID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, ok := tr.relay.Registry().GetAgent(agentID)
		return ok && info.Online
	}, 5*time.Second, 10*time.Millisecond)
}

func (tr *testRelay) dialClient(t *testing.T, agentID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(tr.url, "http") + "/ws/client/" + agentID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(protocol.Envelope) bool) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var env protocol.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if match(env) {
			return env
		}
	}
}

func readOutputContaining(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	var seen strings.Builder
	readUntil(t, conn, func(env protocol.Envelope) bool {
		if env.Type == protocol.TypeOutput {
			seen.WriteString(env.Data)
		}
		return strings.Contains(seen.String(), want)
	})
}

func isType(typ string) func(protocol.Envelope) bool {
	return func(env protocol.Envelope) bool { return env.Type == typ }
}

func startClient(t *testing.T, c *Client) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	var once sync.Once
	var runErr error
	cancel = func() error {
		once.Do(func() {
			stop()
			select {
			case runErr = <-errCh:
			case <-time.After(10 * time.Second):
				t.Error("agent did not stop")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = cancel() })
	return cancel
}

func TestAgentReattachesWithSameCredentials(t *testing.T) {
	requireShell(t)
	tr := newTestRelay(t)
	m := NewSessionManager(Config{
		Command:   "/bin/sh",
		Args:      []string{"-c", "while read line; do echo got:$line; done"},
		Workdir:   t.TempDir(),
		StopGrace: 500 * time.Millisecond,
	})
	require.NoError(t, m.Start())

	issued := make(chan auth.Credentials, 4)
	client := &Client{
		RelayURL:       tr.url,
		Name:           "mac1",
		HeartbeatEvery: 10 * time.Second,
		BackoffMin:     10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
		Manager:        m,
		OnRegistered:   func(c auth.Credentials) { issued <- c },
	}
	stop := startClient(t, client)

	var creds auth.Credentials
	select {
	case creds = <-issued:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never registered")
	}
	tr.waitOnline(t, creds.ID)

	viewer := tr.dialClient(t, creds.ID)
	hello := readUntil(t, viewer, isType(protocol.TypeConnected))
	require.True(t, *hello.AgentOnline)
	require.NoError(t, viewer.WriteJSON(map[string]string{"type": "input", "data": "first\n"}))
	readOutputContaining(t, viewer, "got:first")

	// Silence the agent long enough for the relay to drop it.
	tr.clock.Advance(2 * time.Minute)
	require.Equal(t, []string{creds.ID}, tr.relay.Sweep())
	off := readUntil(t, viewer, isType(protocol.TypeAgentOffline))
	require.Equal(t, creds.ID, off.AgentID)

	on := readUntil(t, viewer, isType(protocol.TypeAgentOnline))
	require.Equal(t, creds.ID, on.AgentID)
	require.EqualValues(t, 1, tr.registrations.Load())
	require.Equal(t, creds.ID, client.AgentID())

	// The process survived the drop.
	require.NoError(t, viewer.WriteJSON(map[string]string{"type": "input", "data": "second\n"}))
	readOutputContaining(t, viewer, "got:second")

	require.NoError(t, stop())
	require.Equal(t, ShuttingDown, client.State())
	select {
	case <-m.current().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process still running after shutdown")
	}
}

func TestAgentRegistersAgainWhenRelayForgetsIt(t *testing.T) {
	tr := newTestRelay(t)
	m := NewSessionManager(Config{Command: "/bin/sh", Workdir: t.TempDir()})

	issued := make(chan auth.Credentials, 4)
	client := &Client{
		RelayURL:       tr.url,
		Name:           "laptop",
		HeartbeatEvery: time.Second,
		BackoffMin:     10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
		Manager:        m,
		Credentials:    &auth.Credentials{ID: "forgotten", Key: "stale"},
		OnRegistered:   func(c auth.Credentials) { issued <- c },
	}
	startClient(t, client)

	select {
	case creds := <-issued:
		require.NotEqual(t, "forgotten", creds.ID)
		tr.waitOnline(t, creds.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not register again")
	}
	require.EqualValues(t, 1, tr.registrations.Load())
}

func TestAgentStopsOnRejectedKey(t *testing.T) {
	tr := newTestRelay(t)
	creds, err := tr.relay.RegisterAgent("victim", "127.0.0.1")
	require.NoError(t, err)

	m := NewSessionManager(Config{Command: "/bin/sh", Workdir: t.TempDir()})
	client := &Client{
		RelayURL:    tr.url,
		BackoffMin:  10 * time.Millisecond,
		Manager:     m,
		Credentials: &auth.Credentials{ID: creds.ID, Key: "not-the-key"},
	}
	errCh := make(chan error, 1)
	go func() { errCh <- client.Run(context.Background()) }()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrAuthRejected)
	case <-time.After(5 * time.Second):
		t.Fatal("agent kept retrying a rejected key")
	}
	require.Zero(t, tr.registrations.Load())
}
