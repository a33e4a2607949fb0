package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gezhigang000/taskbot/internal/auth"
)

// Registrar obtains agent credentials from the relay's REST API.
type Registrar struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (r *Registrar) Register(ctx context.Context, name string) (auth.Credentials, error) {
	base, err := HTTPBaseURL(r.BaseURL)
	if err != nil {
		return auth.Credentials{}, err
	}
	body, _ := json.Marshal(map[string]string{"name": name})
	endpoint := base + "/api/agents?name=" + url.QueryEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return auth.Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return auth.Credentials{}, fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return auth.Credentials{}, fmt.Errorf("register: relay returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	var creds auth.Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return auth.Credentials{}, fmt.Errorf("register: decode response: %w", err)
	}
	if creds.ID == "" || creds.Key == "" {
		return auth.Credentials{}, fmt.Errorf("register: response missing agent_id or agent_key")
	}
	return creds, nil
}

// HTTPBaseURL converts a relay address to its http(s) form without a
// trailing slash.
func HTTPBaseURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// NormalizeWSURL converts an http(s) address to ws(s).
func NormalizeWSURL(base string) (string, error) {
	if strings.HasPrefix(base, "ws://") || strings.HasPrefix(base, "wss://") {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme == "http" {
		u.Scheme = "ws"
	} else if u.Scheme == "https" {
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// AgentWSURL is the endpoint the agent attaches to.
func AgentWSURL(base string, creds auth.Credentials) (string, error) {
	b, err := HTTPBaseURL(base)
	if err != nil {
		return "", err
	}
	ws, err := NormalizeWSURL(b)
	if err != nil {
		return "", err
	}
	return ws + "/ws/agent/" + url.PathEscape(creds.ID) + "?key=" + url.QueryEscape(creds.Key), nil
}

// AccessURL is the page a user opens to reach this agent's terminal.
func AccessURL(base, agentID string) (string, error) {
	b, err := HTTPBaseURL(base)
	if err != nil {
		return "", err
	}
	return b + "/terminal/" + url.PathEscape(agentID), nil
}
