package dashboard

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bc-dunia/lanwatch/internal/registry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 30 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// The page never sends anything larger than a close frame.
	maxMessageSize = 4096
)

// Message types pushed to browsers.
const (
	MsgSnapshot     = "snapshot"
	MsgAgentAdded   = "agent_added"
	MsgAgentUpdated = "agent_updated"
	MsgAgentRemoved = "agent_removed"
)

// Message is the envelope of every push.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// SnapshotPayload carries the full agent table.
type SnapshotPayload struct {
	Agents []AgentView `json:"agents"`
}

// RemovedPayload says which agent left and why.
type RemovedPayload struct {
	AgentID string                `json:"agent_id"`
	Reason  registry.RemoveReason `json:"reason"`
}

// hub upgrades /ws requests and runs one push loop per browser.
type hub struct {
	d        *Dashboard
	upgrader websocket.Upgrader
	clients  atomic.Int64
	wg       sync.WaitGroup
}

func newHub(d *Dashboard) *hub {
	return &hub{
		d: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.d.logger.Logger().Debug("ws_upgrade_failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	h.wg.Add(1)
	h.clients.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.clients.Add(-1)
		h.run(h.d.baseCtx(), conn)
	}()
}

// run owns conn until the browser leaves, falls behind, or ctx ends.
func (h *hub) run(ctx context.Context, conn *websocket.Conn) {
	remote := conn.RemoteAddr().String()
	sub := h.d.reg.Subscribe(h.d.cfg.SubscriberBuffer)
	var reported uint64
	defer func() {
		sub.Close()
		h.d.prom.EventsDropped("dashboard", sub.Dropped()-reported)
		conn.Close()
		h.d.logger.Logger().Debug("ws_client_left", "remote_addr", remote)
	}()

	gone := make(chan struct{})
	go h.readPump(conn, gone)

	h.d.logger.Logger().Debug("ws_client_joined", "remote_addr", remote)
	if err := h.writeSnapshot(conn); err != nil {
		return
	}

	snapshots := time.NewTicker(h.d.cfg.SnapshotInterval)
	defer snapshots.Stop()
	pings := time.NewTicker(pingPeriod)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return

		case <-gone:
			return

		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := h.write(conn, eventMessage(ev, h.d.reg.Now())); err != nil {
				return
			}

		case <-snapshots.C:
			if n := sub.Dropped(); n > reported {
				h.d.prom.EventsDropped("dashboard", n-reported)
				reported = n
			}
			if err := h.writeSnapshot(conn); err != nil {
				return
			}

		case <-pings.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump consumes pongs and close frames; browsers send nothing else.
func (h *hub) readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.d.logger.Logger().Debug("ws_read_failed", "error", err)
			}
			return
		}
	}
}

func (h *hub) writeSnapshot(conn *websocket.Conn) error {
	return h.write(conn, Message{Type: MsgSnapshot, Payload: SnapshotPayload{Agents: snapshotViews(h.d.reg)}})
}

// write fails when the browser cannot take a message within writeWait; the
// caller then drops the client.
func (h *hub) write(conn *websocket.Conn, msg Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func eventMessage(ev registry.Event, now time.Time) Message {
	switch ev.Kind {
	case registry.EventAdded:
		return Message{Type: MsgAgentAdded, Payload: newAgentView(ev.Entry, now)}
	case registry.EventUpdated:
		return Message{Type: MsgAgentUpdated, Payload: newAgentView(ev.Entry, now)}
	default:
		return Message{Type: MsgAgentRemoved, Payload: RemovedPayload{AgentID: ev.AgentID, Reason: ev.Reason}}
	}
}
