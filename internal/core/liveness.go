package core

import (
	"context"
	"time"
)

// Sweep detaches agents that have been silent longer than the heartbeat
// timeout, tells their clients agent_offline, and closes the connections.
// It returns the ids of the expired agents.
func (rt *Router) Sweep() []string {
	cutoff := rt.cfg.Now().Add(-rt.cfg.HeartbeatTimeout)
	expired := rt.reg.ExpireStale(cutoff)
	ids := make([]string, 0, len(expired))
	for id, conn := range expired {
		ids = append(ids, id)
		rt.logger.Warn("agent heartbeat timeout", "agent_id", id, "timeout", rt.cfg.HeartbeatTimeout)
		rt.audit.Log(AuditEvent{Actor: "system", AgentID: id, Kind: "agent_detach", Meta: map[string]any{"reason": "heartbeat_timeout"}})
		if conn != nil {
			conn.Close(CloseHeartbeatLost, "heartbeat timeout")
		}
	}
	return ids
}

// RunSweeper calls Sweep every SweepInterval until ctx is done.
func (rt *Router) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(rt.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.Sweep()
			rt.limiter.Prune()
		}
	}
}
