package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gezhigang000/taskbot/internal/auth"
	"github.com/gezhigang000/taskbot/internal/protocol"
	"github.com/gorilla/websocket"
)

var (
	// ErrAuthRejected means the relay refused the agent key. It is not retried.
	ErrAuthRejected = errors.New("relay rejected agent credentials")
	// ErrUnknownAgent means the relay does not know the agent id, usually
	// because it restarted and lost its registry. The agent registers again.
	ErrUnknownAgent = errors.New("relay does not know this agent")
)

type Client struct {
	RelayURL       string
	Name           string
	HeartbeatEvery time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	Manager        *SessionManager
	Registrar      *Registrar
	Dialer         *websocket.Dialer
	// Credentials, when set, are used instead of registering.
	Credentials *auth.Credentials
	Logger      *slog.Logger
	// OnRegistered is called each time new credentials are issued.
	OnRegistered func(creds auth.Credentials)
	OnState      func(State)

	mu    sync.Mutex
	state State
	creds *auth.Credentials
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AgentID returns the current agent id, or "" before registration.
func (c *Client) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds == nil {
		return ""
	}
	return c.creds.ID
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s && c.OnState != nil {
		c.OnState(s)
	}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Run keeps the agent attached to the relay until ctx is done, reconnecting
// with backoff after every drop. The process is stopped only on return.
// It returns nil on cancellation and ErrAuthRejected if the key is refused.
func (c *Client) Run(ctx context.Context) error {
	if c.Manager == nil {
		return errors.New("manager required")
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 30 * time.Second
	}
	if c.Registrar == nil {
		c.Registrar = &Registrar{BaseURL: c.RelayURL}
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	c.mu.Lock()
	if c.Credentials != nil && c.creds == nil {
		creds := *c.Credentials
		c.creds = &creds
	}
	c.mu.Unlock()

	log := c.logger().With("component", "relay_client")
	backoff := NewBackoff(c.BackoffMin, c.BackoffMax)
	defer func() {
		c.setState(ShuttingDown)
		c.Manager.Shutdown()
	}()
	c.setState(Disconnected)

	for {
		if ctx.Err() != nil {
			return nil
		}
		c.setState(Connecting)
		creds, err := c.ensureRegistered(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := backoff.Next()
			log.Warn("registration failed, retrying", "relay", c.RelayURL, "err", err, "retry_in", delay)
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}
		c.setState(Registered)

		attached, err := c.runOnce(ctx, creds, log)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrAuthRejected):
			log.Error("relay rejected agent key; not retrying", "agent_id", creds.ID)
			return err
		case errors.Is(err, ErrUnknownAgent):
			log.Warn("relay forgot this agent, registering again", "agent_id", creds.ID)
			c.mu.Lock()
			c.creds = nil
			c.mu.Unlock()
		case err != nil:
			log.Warn("relay connection lost", "agent_id", creds.ID, "err", err)
		}
		if attached {
			backoff.Reset()
		}
		c.setState(Detached)
		delay := backoff.Next()
		log.Info("reconnecting", "retry_in", delay)
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

func (c *Client) ensureRegistered(ctx context.Context) (auth.Credentials, error) {
	c.mu.Lock()
	if c.creds != nil {
		creds := *c.creds
		c.mu.Unlock()
		return creds, nil
	}
	c.mu.Unlock()

	creds, err := c.Registrar.Register(ctx, c.Name)
	if err != nil {
		return auth.Credentials{}, err
	}
	c.mu.Lock()
	c.creds = &creds
	c.mu.Unlock()
	c.logger().Info("agent registered", "agent_id", creds.ID, "name", c.Name)
	if c.OnRegistered != nil {
		c.OnRegistered(creds)
	}
	return creds, nil
}

// runOnce holds one relay connection until it drops. attached reports
// whether the handshake succeeded.
func (c *Client) runOnce(ctx context.Context, creds auth.Credentials, log *slog.Logger) (attached bool, err error) {
	endpoint, err := AgentWSURL(c.RelayURL, creds)
	if err != nil {
		return false, err
	}
	conn, resp, err := c.Dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return false, ErrAuthRejected
			case http.StatusNotFound:
				return false, ErrUnknownAgent
			}
		}
		return false, fmt.Errorf("dial relay: %w", err)
	}
	c.setState(Attached)
	log.Info("attached to relay", "agent_id", creds.ID)

	done := make(chan struct{})
	writerErr := make(chan error, 1)
	go func() { writerErr <- c.writeLoop(conn, done) }()
	go func() {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutting down"), deadline)
			_ = conn.Close()
		case <-done:
		}
	}()

	err = c.readLoop(conn)
	close(done)
	_ = conn.Close()
	if werr := <-writerErr; werr != nil && err == nil {
		err = werr
	}
	return true, err
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	// The relay answers every heartbeat, so silence for a few intervals
	// means the path to it is dead.
	timeout := 3 * c.HeartbeatEvery
	for {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.DecodeRelayMessage(raw)
		if err != nil {
			return err
		}
		c.Manager.Handle(msg)
	}
}

// writeLoop is the only writer on conn. It sends the current process status
// first, then heartbeats and queued output.
func (c *Client) writeLoop(conn *websocket.Conn, done <-chan struct{}) error {
	write := func(msg protocol.Envelope) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			_ = conn.Close()
			return err
		}
		return nil
	}
	if err := write(c.Manager.StatusMessage()); err != nil {
		return err
	}
	ticker := time.NewTicker(c.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-ticker.C:
			if err := write(protocol.Heartbeat()); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		case msg := <-c.Manager.Outbox():
			if err := write(msg); err != nil {
				return err
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
