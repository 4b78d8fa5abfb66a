// broadcast/broadcast.go
package broadcast

import (
	"sync"

	"github.com/wfunc/roomserver/logger"
	"github.com/wfunc/roomserver/network"
)

// Hub keeps one broadcast scope per room: the peers that receive the room's events.
type Hub struct {
	scopes map[string]map[string]network.Peer // roomID -> peerID -> peer
	mutex  sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		scopes: make(map[string]map[string]network.Peer),
	}
}

func (h *Hub) Subscribe(roomID string, peer network.Peer) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	scope, ok := h.scopes[roomID]
	if !ok {
		scope = make(map[string]network.Peer)
		h.scopes[roomID] = scope
	}
	scope[peer.GetID()] = peer
}

func (h *Hub) Unsubscribe(roomID, peerID string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	scope, ok := h.scopes[roomID]
	if !ok {
		return
	}
	delete(scope, peerID)
	if len(scope) == 0 {
		delete(h.scopes, roomID)
	}
}

// BroadcastToRoom delivers msg to every subscriber of the room. Per-peer failures are logged
// and skipped; a room without subscribers is not an error.
func (h *Hub) BroadcastToRoom(roomID string, msg *network.Message) error {
	h.mutex.RLock()
	scope := h.scopes[roomID]
	peers := make([]network.Peer, 0, len(scope))
	for _, p := range scope {
		peers = append(peers, p)
	}
	h.mutex.RUnlock()

	for _, p := range peers {
		if err := p.Send(msg); err != nil {
			logger.Log.Debugw("broadcast skipped peer", "room", roomID, "peer", p.GetID(), "event", msg.Event.String(), "error", err)
		}
	}
	return nil
}

// Drop forgets the room's scope entirely.
func (h *Hub) Drop(roomID string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	delete(h.scopes, roomID)
}

func (h *Hub) Subscribers(roomID string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.scopes[roomID])
}

func (h *Hub) Scopes() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.scopes)
}
