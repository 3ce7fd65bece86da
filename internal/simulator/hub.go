// Package simulator stands in for real BLE hardware: a websocket hub that
// multiplexes several virtual radios, so the mesh/session/codec stack can
// be exercised end to end in tests and local multi-node demos. Client and
// hub roles are collapsed rather than split by network, since a BLE medium
// has no authentication or per-network routing to model.
package simulator

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// radio is one connected virtual BLE client.
type radio struct {
	peerID string
	conn   *websocket.Conn
	mu     sync.Mutex
}

func (r *radio) send(f frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return r.conn.WriteJSON(f)
}

// Hub is the virtual BLE medium: every frame one radio sends is broadcast
// to every other connected radio, the same fan-out shape as a real GATT
// notify characteristic reaching every subscribed central at once.
type Hub struct {
	mu     sync.RWMutex
	radios map[string]*radio
	log    *slog.Logger
}

// NewHub creates an empty virtual medium.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		radios: make(map[string]*radio),
		log:    log.With("component", "simulator-hub"),
	}
}

// Handler returns the gin handler to mount at the websocket endpoint.
func (h *Hub) Handler(c *gin.Context) {
	peerID := c.GetHeader("X-Peer-ID")
	if peerID == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "err", err)
		return
	}

	r := &radio{peerID: peerID, conn: conn}
	h.register(r)
	defer h.unregister(r)

	h.log.Info("radio joined", "peer_id", peerID)

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("radio read error", "peer_id", peerID, "err", err)
			}
			return
		}
		if f.Type != frameData {
			continue
		}
		f.PeerID = peerID
		h.broadcast(f, peerID)
	}
}

func (h *Hub) register(r *radio) {
	h.mu.Lock()
	h.radios[r.peerID] = r
	peers := h.peerListLocked()
	h.mu.Unlock()

	h.broadcast(frame{Type: framePeerJoined, PeerID: r.peerID}, r.peerID)
	r.send(frame{Type: framePeerList, PeerID: "", Payload: encodePeerList(peers)})
}

func (h *Hub) unregister(r *radio) {
	h.mu.Lock()
	delete(h.radios, r.peerID)
	h.mu.Unlock()
	r.conn.Close()
	h.broadcast(frame{Type: framePeerLeft, PeerID: r.peerID}, r.peerID)
	h.log.Info("radio left", "peer_id", r.peerID)
}

func (h *Hub) peerListLocked() []string {
	out := make([]string, 0, len(h.radios))
	for id := range h.radios {
		out = append(out, id)
	}
	return out
}

// broadcast sends f to every radio except excludePeerID, mirroring the
// notify-all-subscribers behavior of ble.Transport's shared characteristic.
func (h *Hub) broadcast(f frame, excludePeerID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, r := range h.radios {
		if id == excludePeerID {
			continue
		}
		if err := r.send(f); err != nil {
			h.log.Debug("send to radio failed", "peer_id", id, "err", err)
		}
	}
}
