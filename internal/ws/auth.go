package ws

import (
	"net/http"
	"net/url"
	"strings"
)

// agentKey reads the agent key from the Authorization header or, as agents
// send it, the key query parameter.
func agentKey(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(h), "bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("key"))
}

// OriginChecker accepts requests without an Origin header (agents, CLIs) and
// browser requests whose origin host is allowed. "*" allows every origin.
func OriginChecker(allowed []string) func(*http.Request) bool {
	allowAll := false
	hosts := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" {
			allowAll = true
			continue
		}
		if u, err := url.Parse(a); err == nil && u.Host != "" {
			a = u.Host
		}
		hosts[strings.ToLower(a)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		_, ok := hosts[strings.ToLower(u.Host)]
		return ok
	}
}
