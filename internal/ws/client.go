package ws

import (
	"net/http"

	"github.com/gezhigang000/taskbot/internal/protocol"
	"github.com/gorilla/websocket"
)

// ServeClient always upgrades, even when the agent is offline or unknown;
// the client is told the agent's state in its connected message.
func (h *Handler) ServeClient(w http.ResponseWriter, r *http.Request, agentID, remote string) {
	log := h.logger().With("agent_id", agentID, "remote", remote)
	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("client ws upgrade failed", "err", err)
		return
	}
	conn := newConn(ws, h.Options.withDefaults(), log)
	defer conn.Wait()
	defer conn.Close(websocket.CloseNormalClosure, "")

	clientID := h.Router.ClientConnected(agentID, conn, remote)
	defer h.Router.ClientDisconnected(clientID)
	log = log.With("client_id", clientID)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			logReadError(log, "client ws disconnected", err)
			return
		}
		msg, err := protocol.DecodeClientMessage(raw)
		if err != nil {
			log.Warn("client sent malformed frame", "err", err)
			conn.Close(websocket.CloseUnsupportedData, "protocol error")
			return
		}
		h.Router.HandleClient(clientID, conn, msg)
	}
}
