package room

import (
	"encoding/json"

	"github.com/wfunc/roomserver/network"
)

// Broadcaster delivers a room's messages to its scope.
// This is defined here to break the import cycle between room and broadcast.
type Broadcaster interface {
	Subscribe(roomID string, peer network.Peer)
	Unsubscribe(roomID, peerID string)
	BroadcastToRoom(roomID string, msg *network.Message) error
}

// ActionHandler handles one inbound event from a room member. It runs on the room loop.
type ActionHandler func(from *Member, data json.RawMessage) error

type HandlerTable map[network.Event]ActionHandler

// Hooks lets the owner of a room react to membership changes and contribute handlers.
// Every hook runs on the room loop.
type Hooks interface {
	// OnMemberJoined runs after the member is inserted and before the join broadcast.
	OnMemberJoined(m *Member)
	// OnMemberLeft runs after the leave broadcast.
	OnMemberLeft(m *Member)
	// Handlers is called once, on the room loop, before the first inbound event is routed.
	Handlers() HandlerTable
}

type nopHooks struct{}

func (nopHooks) OnMemberJoined(*Member) {}
func (nopHooks) OnMemberLeft(*Member)   {}
func (nopHooks) Handlers() HandlerTable { return nil }
