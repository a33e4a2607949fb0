package ws

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gezhigang000/taskbot/internal/core"
	"github.com/gezhigang000/taskbot/internal/protocol"
	"github.com/gorilla/websocket"
)

// Handler upgrades agent and client connections and feeds their frames to
// the router.
type Handler struct {
	Router   *core.Router
	Upgrader websocket.Upgrader
	Options  Options
	Logger   *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// ServeAgent authenticates the agent before upgrading: an unknown id gets
// 404 and a bad key 401, so the agent can tell the two apart.
func (h *Handler) ServeAgent(w http.ResponseWriter, r *http.Request, agentID, remote string) {
	log := h.logger().With("agent_id", agentID, "remote", remote)
	key := agentKey(r)
	if err := h.Router.CheckAgent(agentID, key, remote); err != nil {
		if errors.Is(err, core.ErrAgentNotFound) {
			http.Error(w, "agent not found", http.StatusNotFound)
			return
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("agent ws upgrade failed", "err", err)
		return
	}
	opts := h.Options.withDefaults()
	opts.PingInterval = 0
	conn := newConn(ws, opts, log)
	defer conn.Wait()
	defer conn.Close(websocket.CloseNormalClosure, "")

	if err := h.Router.AgentConnected(agentID, key, conn, remote); err != nil {
		log.Warn("agent attach failed", "err", err)
		conn.Close(websocket.ClosePolicyViolation, "unauthorized")
		return
	}
	defer h.Router.AgentDisconnected(agentID, conn)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			logReadError(log, "agent ws disconnected", err)
			return
		}
		msg, err := protocol.DecodeAgentMessage(raw)
		if err != nil {
			log.Warn("agent sent malformed frame", "err", err)
			conn.Close(websocket.CloseUnsupportedData, "protocol error")
			return
		}
		h.Router.HandleAgent(agentID, conn, msg)
	}
}

func logReadError(log *slog.Logger, msg string, err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Info(msg)
		return
	}
	log.Warn(msg, "err", err)
}
