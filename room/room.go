// room/room.go
package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wfunc/roomserver/logger"
	"github.com/wfunc/roomserver/models"
	"github.com/wfunc/roomserver/monitor"
	"github.com/wfunc/roomserver/network"
)

var (
	ErrRoomFull      = errors.New("room is full")
	ErrAlreadyJoined = errors.New("player already in room")
	ErrRoomClosed    = errors.New("room closed")
	ErrNotMember     = errors.New("connection is not a room member")
	ErrNoHandler     = errors.New("no handler for event")
)

// ErrCommandPanicked is returned by a command whose hook or handler panicked. The loop
// recovers and keeps serving.
var ErrCommandPanicked = errors.New("room command panicked")

// Reasons sent with room:failed-to-join.
const (
	ReasonRoomFull      = "Room capacity reached."
	ReasonAlreadyJoined = "Player already in room."
)

const (
	DefaultCapacity = 8
	inboxSize       = 64
)

// Member is a player inside a room.
type Member struct {
	models.Player
	ConnectionID string `json:"connectionId"`
	JoinedAt     int64  `json:"joinedAt"`
	TeamID       string `json:"teamId,omitempty"`
	TeamName     string `json:"teamName,omitempty"`
}

type PlayerJoined struct {
	Player  *Member   `json:"player"`
	Players []*Member `json:"players"`
}

type PlayerLeft struct {
	Player *Member `json:"player"`
}

type HostAssigned struct {
	Host *Member `json:"host"`
}

type Metadata struct {
	Host    *Member   `json:"host"`
	Players []*Member `json:"players"`
}

// Info is a copy of a room's state that is safe to use off the room loop.
type Info struct {
	ID       string   `json:"id"`
	Capacity int      `json:"capacity"`
	Host     *Member  `json:"host"`
	Players  []Member `json:"players"`
	Closed   bool     `json:"closed"`
}

type Options struct {
	Capacity int
	// ReassignHost hands the host role to the earliest remaining member when the host leaves.
	ReassignHost bool
	// OnEmpty runs on the room loop whenever the last member leaves.
	OnEmpty func(roomID string)
	Monitor *monitor.Monitor
}

// Room is a capacity-bounded set of members sharing one broadcast scope. All state is owned by
// a single goroutine; public methods enqueue a command and wait for it to run.
type Room struct {
	id           string
	capacity     int
	reassignHost bool
	onEmpty      func(string)
	monitor      *monitor.Monitor
	hooks        Hooks
	broadcaster  Broadcaster
	handlers     HandlerTable // resolved on the loop at first dispatch

	// owned by the loop
	host        *Member
	members     map[string]*Member      // playerID -> member
	order       []string                // playerIDs in join order
	connections map[string]network.Peer // connectionID -> peer
	byConn      map[string]string       // connectionID -> playerID

	closed    atomic.Bool

	inbox     chan func()
	closeChan chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func New(id string, hooks Hooks, broadcaster Broadcaster, opts Options) *Room {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if hooks == nil {
		hooks = nopHooks{}
	}
	r := &Room{
		id:           id,
		capacity:     opts.Capacity,
		reassignHost: opts.ReassignHost,
		onEmpty:      opts.OnEmpty,
		monitor:      opts.Monitor,
		hooks:        hooks,
		broadcaster:  broadcaster,
		members:      make(map[string]*Member),
		connections:  make(map[string]network.Peer),
		byConn:       make(map[string]string),
		inbox:        make(chan func(), inboxSize),
		closeChan:    make(chan struct{}),
		done:         make(chan struct{}),
	}

	go r.loop()
	return r
}

func (r *Room) loop() {
	defer close(r.done)
	for {
		select {
		case cmd := <-r.inbox:
			cmd()
		case <-r.closeChan:
			return
		}
	}
}

// exec runs fn on the loop and waits for it. It must not be called from the loop itself.
// A panic in fn is recovered on the loop and reported as ErrCommandPanicked.
func (r *Room) exec(fn func()) error {
	finished := make(chan struct{})
	var cmdErr error
	cmd := func() {
		defer close(finished)
		defer func() {
			if rec := recover(); rec != nil {
				logger.Log.Errorw("room command panicked", "room", r.id, "panic", rec)
				cmdErr = fmt.Errorf("%w: %v", ErrCommandPanicked, rec)
			}
		}()
		fn()
	}

	select {
	case r.inbox <- cmd:
	case <-r.closeChan:
		return ErrRoomClosed
	}

	select {
	case <-finished:
		return cmdErr
	case <-r.done:
		return ErrRoomClosed
	}
}

// ID is immutable and safe to call from anywhere.
func (r *Room) ID() string {
	return r.id
}

func (r *Room) Capacity() int {
	return r.capacity
}

// Do runs fn on the room loop, where the loop-context accessors and game verbs may be used.
func (r *Room) Do(fn func()) error {
	return r.exec(fn)
}

// Admit adds peer as player. Rejections are reported privately to peer and returned as
// ErrRoomFull or ErrAlreadyJoined; no state changes in that case.
func (r *Room) Admit(peer network.Peer, player models.Player) error {
	var err error
	if execErr := r.exec(func() { err = r.admit(peer, player) }); execErr != nil {
		return execErr
	}
	return err
}

func (r *Room) admit(peer network.Peer, player models.Player) error {
	if r.closed.Load() {
		return ErrRoomClosed
	}
	if len(r.members) >= r.capacity {
		r.reject(peer, ReasonRoomFull, "room_full")
		return ErrRoomFull
	}
	if _, exists := r.members[player.ID]; exists {
		r.reject(peer, ReasonAlreadyJoined, "already_joined")
		return ErrAlreadyJoined
	}

	connID := peer.GetID()
	member := &Member{
		Player:       player,
		ConnectionID: connID,
		JoinedAt:     time.Now().UnixMilli(),
	}
	wasEmpty := len(r.members) == 0

	r.connections[connID] = peer
	r.broadcaster.Subscribe(r.id, peer)
	peer.OnDisconnect(func() { r.Remove(connID) })

	logger.Log.Infow("player joined room", "room", r.id, "player", player.ID, "connection", connID)
	r.members[player.ID] = member
	r.order = append(r.order, player.ID)
	r.byConn[connID] = player.ID

	// a panicking hook must not leave a member behind without host or join broadcasts
	defer func() {
		if rec := recover(); rec != nil {
			r.undoAdmit(member)
			panic(rec)
		}
	}()

	r.hooks.OnMemberJoined(member)
	r.Broadcast(network.EventRoomPlayerJoined, PlayerJoined{Player: member, Players: r.Members()}, nil)

	if wasEmpty {
		r.assignHost(member)
	}

	r.SendTo(connID, network.EventRoomMetadataUpdate, Metadata{Host: r.host, Players: r.Members()})
	return nil
}

func (r *Room) undoAdmit(m *Member) {
	logger.Log.Warnw("rolling back admission", "room", r.id, "player", m.ID, "connection", m.ConnectionID)
	r.detach(m.ID, m.ConnectionID)
	if r.host == m {
		r.host = nil
	}
}

// detach drops every trace of a member from the loop-owned maps and the broadcast scope.
func (r *Room) detach(playerID, connID string) {
	delete(r.members, playerID)
	delete(r.byConn, connID)
	for i, id := range r.order {
		if id == playerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	delete(r.connections, connID)
	r.broadcaster.Unsubscribe(r.id, connID)
}

func (r *Room) reject(peer network.Peer, reason, label string) {
	logger.Log.Infow("admission rejected", "room", r.id, "connection", peer.GetID(), "reason", reason)
	r.monitor.AdmissionRejected(label)

	msg, err := network.NewMessage(network.EventRoomFailedToJoin, network.ErrorPayload{Reason: reason}, nil)
	if err != nil {
		logger.Log.Errorw("encode rejection", "room", r.id, "error", err)
		return
	}
	if err := peer.Send(msg); err != nil {
		logger.Log.Debugw("rejection not delivered", "room", r.id, "connection", peer.GetID(), "error", err)
	}
}

func (r *Room) assignHost(m *Member) {
	r.host = m
	r.Broadcast(network.EventRoomHostAssigned, HostAssigned{Host: m}, nil)
}

// Remove detaches the member behind connectionID. Unknown connections are a no-op and
// report false, so repeated disconnects are harmless.
func (r *Room) Remove(connectionID string) bool {
	var removed bool
	err := r.exec(func() { removed = r.remove(connectionID) })
	if errors.Is(err, ErrCommandPanicked) {
		// remove completes its bookkeeping before the panic propagates
		return true
	}
	if err != nil {
		return false
	}
	return removed
}

func (r *Room) remove(connID string) bool {
	playerID, ok := r.byConn[connID]
	if !ok {
		logger.Log.Debugw("no member for connection", "room", r.id, "connection", connID)
		return false
	}
	member := r.members[playerID]

	logger.Log.Infow("player left room", "room", r.id, "player", playerID, "connection", connID)
	r.detach(playerID, connID)

	// host handling and the empty notification run even if the leave hook panics
	defer r.afterRemove(playerID)

	r.Broadcast(network.EventRoomPlayerLeft, PlayerLeft{Player: member}, nil)
	r.hooks.OnMemberLeft(member)
	return true
}

func (r *Room) afterRemove(playerID string) {
	if r.reassignHost && r.host != nil && r.host.ID == playerID {
		if len(r.order) > 0 {
			r.assignHost(r.members[r.order[0]])
		} else {
			r.host = nil
		}
	}

	if len(r.members) == 0 && r.onEmpty != nil {
		r.onEmpty(r.id)
	}
}

func (r *Room) handleLeave(from *Member, _ json.RawMessage) error {
	r.remove(from.ConnectionID)
	return nil
}

// Dispatch routes an inbound event from connectionID to its handler.
func (r *Room) Dispatch(connectionID string, event network.Event, data json.RawMessage) error {
	var err error
	if execErr := r.exec(func() { err = r.dispatch(connectionID, event, data) }); execErr != nil {
		return execErr
	}
	return err
}

func (r *Room) dispatch(connID string, event network.Event, data json.RawMessage) error {
	playerID, ok := r.byConn[connID]
	if !ok {
		logger.Log.Debugw("event from non-member", "room", r.id, "connection", connID, "event", event.String())
		return ErrNotMember
	}
	if r.handlers == nil {
		r.resolveHandlers()
	}
	handler, ok := r.handlers[event]
	if !ok {
		logger.Log.Debugw("unhandled event", "room", r.id, "event", event.String())
		return fmt.Errorf("%w: %s", ErrNoHandler, event)
	}
	return handler(r.members[playerID], data)
}

// resolveHandlers merges the base handlers with the hooks' table; the hooks win on conflict.
func (r *Room) resolveHandlers() {
	r.handlers = HandlerTable{
		network.EventLeaveRoom: r.handleLeave,
	}
	for event, h := range r.hooks.Handlers() {
		r.handlers[event] = h
	}
}

// Snapshot copies the room state.
func (r *Room) Snapshot() (Info, error) {
	var info Info
	err := r.exec(func() { info = r.Info() })
	return info, err
}

// Info builds a snapshot. Loop context only.
func (r *Room) Info() Info {
	info := Info{
		ID:       r.id,
		Capacity: r.capacity,
		Closed:   r.closed.Load(),
		Players:  make([]Member, 0, len(r.order)),
	}
	if r.host != nil {
		host := *r.host
		info.Host = &host
	}
	for _, m := range r.Members() {
		info.Players = append(info.Players, *m)
	}
	return info
}

// TryClose marks the room closed if it has no members. Later admissions fail with ErrRoomClosed.
func (r *Room) TryClose() bool {
	var ok bool
	if err := r.exec(func() {
		if len(r.members) == 0 {
			r.closed.Store(true)
			ok = true
		}
	}); err != nil {
		return false
	}
	return ok
}

// Closed reports whether the room stopped accepting members, through TryClose or Close.
// Safe from any goroutine.
func (r *Room) Closed() bool {
	return r.closed.Load()
}

// Close stops the loop. Pending and later commands fail with ErrRoomClosed.
func (r *Room) Close() {
	r.closed.Store(true)
	r.closeOnce.Do(func() { close(r.closeChan) })
	<-r.done
}

// --- loop context ---

// Members returns the members in join order.
func (r *Room) Members() []*Member {
	out := make([]*Member, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.members[id])
	}
	return out
}

func (r *Room) Member(playerID string) (*Member, bool) {
	m, ok := r.members[playerID]
	return m, ok
}

func (r *Room) Host() *Member {
	return r.host
}

func (r *Room) Len() int {
	return len(r.members)
}

func (r *Room) IsEmpty() bool {
	return len(r.members) == 0
}

func (r *Room) IsFull() bool {
	return len(r.members) >= r.capacity
}

// Broadcast sends event to every peer in the room's scope.
func (r *Room) Broadcast(event network.Event, payload any, meta network.Meta) error {
	msg, err := network.NewMessage(event, payload, meta)
	if err != nil {
		logger.Log.Errorw("encode broadcast", "room", r.id, "event", event.String(), "error", err)
		return err
	}
	return r.broadcaster.BroadcastToRoom(r.id, msg)
}

// SendTo sends event to a single member connection.
func (r *Room) SendTo(connectionID string, event network.Event, payload any) error {
	peer, ok := r.connections[connectionID]
	if !ok {
		return ErrNotMember
	}
	msg, err := network.NewMessage(event, payload, nil)
	if err != nil {
		logger.Log.Errorw("encode private message", "room", r.id, "event", event.String(), "error", err)
		return err
	}
	return peer.Send(msg)
}
