package game

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/roomserver/models"
	"github.com/wfunc/roomserver/network"
	"github.com/wfunc/roomserver/room"
	"github.com/wfunc/roomserver/state"
	"github.com/wfunc/roomserver/team"
)

// MockBroadcaster records every room broadcast and forwards it to subscribed peers.
type MockBroadcaster struct {
	mu    sync.Mutex
	sent  []*network.Message
	peers map[string]network.Peer
}

func newMockBroadcaster() *MockBroadcaster {
	return &MockBroadcaster{peers: make(map[string]network.Peer)}
}

func (b *MockBroadcaster) Subscribe(_ string, peer network.Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[peer.GetID()] = peer
}

func (b *MockBroadcaster) Unsubscribe(_, peerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, peerID)
}

func (b *MockBroadcaster) BroadcastToRoom(_ string, msg *network.Message) error {
	b.mu.Lock()
	b.sent = append(b.sent, msg)
	peers := make([]network.Peer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.Unlock()

	for _, p := range peers {
		_ = p.Send(msg)
	}
	return nil
}

func (b *MockBroadcaster) Events() []network.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]network.Event, 0, len(b.sent))
	for _, m := range b.sent {
		out = append(out, m.Event)
	}
	return out
}

func (b *MockBroadcaster) Count(event network.Event) int {
	n := 0
	for _, e := range b.Events() {
		if e == event {
			n++
		}
	}
	return n
}

func (b *MockBroadcaster) Last(event network.Event) *network.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.sent) - 1; i >= 0; i-- {
		if b.sent[i].Event == event {
			return b.sent[i]
		}
	}
	return nil
}

// MockPeer is a test double for the network.Peer interface.
type MockPeer struct {
	id    string
	mu    sync.Mutex
	hooks []func()
}

func (p *MockPeer) GetID() string               { return p.id }
func (p *MockPeer) Send(*network.Message) error { return nil }

func (p *MockPeer) OnDisconnect(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, fn)
}

func (p *MockPeer) Disconnect() {
	p.mu.Lock()
	hooks := p.hooks
	p.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// MockRecorder is a test double for the Recorder interface.
type MockRecorder struct {
	records chan *models.MatchRecord
}

func (r *MockRecorder) RecordMatch(rec *models.MatchRecord) {
	r.records <- rec
}

// xoRules names the first team X and every later team O and records the hooks it sees.
type xoRules struct {
	BaseRules
	mu       sync.Mutex
	calls    []string
	advanced [][2]string
}

func (r *xoRules) TeamName(existing int) string {
	if existing == 0 {
		return "X"
	}
	return "O"
}

func (r *xoRules) note(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *xoRules) OnFull(*Game)                           { r.note("full") }
func (r *xoRules) OnStart(*Game)                          { r.note("start") }
func (r *xoRules) OnComplete(*Game)                       { r.note("complete") }
func (r *xoRules) OnReset(*Game)                          { r.note("reset") }
func (r *xoRules) OnPlayerJoined(_ *Game, m *room.Member) { r.note("joined:" + m.ID) }
func (r *xoRules) OnPlayerLeft(_ *Game, m *room.Member)   { r.note("left:" + m.ID) }

func (r *xoRules) OnTurnAdvanced(_ *Game, prev, next *team.Team) {
	r.mu.Lock()
	r.advanced = append(r.advanced, [2]string{prev.Name, next.Name})
	r.mu.Unlock()
}

func (r *xoRules) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

var gridDescriptor = Descriptor{
	Slug:            "grid",
	InitialTeams:    2,
	MaxTeamPlayers:  1,
	MaxTeams:        2,
	RoomCapacity:    2,
	AutoStartOnFull: true,
}

func newTestGame(t *testing.T, desc Descriptor, rules Rules, env Env) (*Game, *MockBroadcaster) {
	t.Helper()
	b := newMockBroadcaster()
	env.Broadcaster = b
	g := New("room-1", desc, rules, env)
	t.Cleanup(g.Close)
	return g, b
}

func onLoop(t *testing.T, g *Game, fn func()) {
	t.Helper()
	require.NoError(t, g.Do(fn))
}

func admit(t *testing.T, g *Game, id string) *MockPeer {
	t.Helper()
	peer := &MockPeer{id: "conn-" + id}
	require.NoError(t, g.Admit(peer, models.Player{ID: id, DisplayName: id}))
	return peer
}

func decodeState(t *testing.T, msg *network.Message) state.GlobalState {
	t.Helper()
	require.NotNil(t, msg)
	var update GameStateUpdate
	require.NoError(t, json.Unmarshal(msg.Data, &update))
	return update.GameState
}

func TestGame_ConstructionBroadcastsSnapshots(t *testing.T) {
	g, b := newTestGame(t, gridDescriptor, nil, Env{})

	assert.Equal(t, []network.Event{
		network.EventRoomGameStateUpdate,
		network.EventRoomTeamsUpdated,
		network.EventRoomTurnTeamUpdate,
	}, b.Events())
	assert.Equal(t, network.Meta{"gameSlug": "grid"}, b.Last(network.EventRoomTeamsUpdated).Meta)
	assert.Equal(t, state.Default, decodeState(t, b.Last(network.EventRoomGameStateUpdate)))

	onLoop(t, g, func() {
		require.Len(t, g.Teams(), 2)
		assert.Equal(t, 0, g.TurnIndex())
		assert.Same(t, g.Teams()[0], g.TurnTeam())
		assert.Equal(t, "Unnamed team 1", g.Teams()[0].Name)
		assert.Equal(t, "Unnamed team 2", g.Teams()[1].Name)
	})
}

func TestGame_SmallestTeamAssignment(t *testing.T) {
	desc := Descriptor{Slug: "teams", InitialTeams: 3, MaxTeamPlayers: 2, MaxTeams: 3, RoomCapacity: 10}
	g, _ := newTestGame(t, desc, nil, Env{})

	onLoop(t, g, func() {
		teams := g.Teams()
		teams[0].AddMember(&room.Member{Player: models.Player{ID: "f1"}})
		teams[2].AddMember(&room.Member{Player: models.Player{ID: "f2"}})
		teams[2].AddMember(&room.Member{Player: models.Player{ID: "f3"}})
	})

	admit(t, g, "p")

	onLoop(t, g, func() {
		assert.Same(t, g.Teams()[1], g.TeamOf("p"))
		m, ok := g.Member("p")
		require.True(t, ok)
		assert.Equal(t, g.Teams()[1].ID, m.TeamID)
	})
}

func TestGame_CreatesTeamOnDemand(t *testing.T) {
	desc := Descriptor{Slug: "teams", InitialTeams: 1, MaxTeamPlayers: 1, MaxTeams: 3, RoomCapacity: 3}
	g, _ := newTestGame(t, desc, nil, Env{})

	admit(t, g, "a")
	admit(t, g, "b")

	onLoop(t, g, func() {
		require.Len(t, g.Teams(), 2)
		assert.Equal(t, "Unnamed team 2", g.Teams()[1].Name)
		assert.Same(t, g.Teams()[1], g.TeamOf("b"))
	})
}

func TestGame_TeamOverflowLeavesPlayerUnassigned(t *testing.T) {
	desc := Descriptor{Slug: "teams", InitialTeams: 2, MaxTeamPlayers: 2, MaxTeams: 2, RoomCapacity: 5}
	g, _ := newTestGame(t, desc, nil, Env{})

	for _, id := range []string{"a", "b", "c", "d"} {
		admit(t, g, id)
	}
	admit(t, g, "e")

	onLoop(t, g, func() {
		assert.Len(t, g.Teams(), 2, "max teams reached, no new team")
		assert.Nil(t, g.TeamOf("e"))
		m, ok := g.Member("e")
		require.True(t, ok, "overflow never rejects the admission")
		assert.Empty(t, m.TeamID)
		for _, tm := range g.Teams() {
			assert.Equal(t, 2, tm.Size())
		}
	})
}

func TestGame_TurnRingWraps(t *testing.T) {
	desc := Descriptor{Slug: "ring", InitialTeams: 3, MaxTeamPlayers: 1, MaxTeams: 3, RoomCapacity: 3}
	rules := &xoRules{}
	g, b := newTestGame(t, desc, rules, Env{})

	onLoop(t, g, func() {
		g.turnIndex, g.turnTeam = 2, g.Teams()[2]
	})
	before := b.Count(network.EventRoomTeamsUpdated)

	onLoop(t, g, func() {
		g.AdvanceTurn()
		assert.Equal(t, 0, g.TurnIndex())
		assert.Same(t, g.Teams()[0], g.TurnTeam())

		g.AdvanceTurn()
		assert.Equal(t, 1, g.TurnIndex())
		assert.Same(t, g.Teams()[1], g.TurnTeam())
	})

	assert.Equal(t, before+2, b.Count(network.EventRoomTeamsUpdated))
	assert.Equal(t, [][2]string{{"O", "X"}, {"X", "O"}}, rules.advanced)

	var update struct {
		TurnTeam     team.View   `json:"turnTeam"`
		NonTurnTeams []team.View `json:"nonTurnTeams"`
	}
	require.NoError(t, json.Unmarshal(b.Last(network.EventRoomTurnTeamUpdate).Data, &update))
	assert.Len(t, update.NonTurnTeams, 2)
}

func TestGame_AdvanceTurnSkipsStaleTeam(t *testing.T) {
	g, b := newTestGame(t, gridDescriptor, nil, Env{})
	onLoop(t, g, func() { g.turnOrder[1] = "missing" })
	before := len(b.Events())

	onLoop(t, g, func() {
		g.AdvanceTurn()
		assert.Equal(t, 0, g.TurnIndex())
	})
	assert.Len(t, b.Events(), before)
}

func TestGame_TransitionIdempotence(t *testing.T) {
	rules := &xoRules{}
	g, b := newTestGame(t, gridDescriptor, rules, Env{})
	before := b.Count(network.EventRoomGameStateUpdate)

	onLoop(t, g, func() {
		assert.True(t, g.Pause())
		assert.False(t, g.Pause())
	})

	assert.Equal(t, before+1, b.Count(network.EventRoomGameStateUpdate))
	assert.Equal(t, state.Paused, decodeState(t, b.Last(network.EventRoomGameStateUpdate)))
}

func TestGame_AnyStateToAnyOther(t *testing.T) {
	rules := &xoRules{}
	g, _ := newTestGame(t, gridDescriptor, rules, Env{})

	onLoop(t, g, func() {
		assert.True(t, g.End())
		assert.True(t, g.Start())
		assert.True(t, g.Ready())
		assert.True(t, g.Reset())
		assert.Equal(t, state.Default, g.State())
	})
	assert.Equal(t, []string{"complete", "start", "reset"}, rules.Calls())
}

func TestGame_EndToEndAutoStart(t *testing.T) {
	rules := &xoRules{}
	g, b := newTestGame(t, gridDescriptor, rules, Env{})

	admit(t, g, "A")
	info, err := g.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "A", info.Host.ID)
	assert.Equal(t, state.Default, info.GameState)
	require.Len(t, info.Teams[0].Players, 1)
	assert.Equal(t, "X", info.Teams[0].Name)
	assert.Equal(t, "A", info.Teams[0].Players[0].ID)

	before := b.Count(network.EventRoomGameStateUpdate)
	admit(t, g, "B")

	info, err = g.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, state.InProgress, info.GameState)
	assert.Equal(t, "A", info.Host.ID)
	require.Len(t, info.Teams[1].Players, 1)
	assert.Equal(t, "O", info.Teams[1].Name)
	assert.Equal(t, "B", info.Teams[1].Players[0].ID)
	assert.Equal(t, "O", info.Players[1].TeamName)

	assert.Equal(t, before+1, b.Count(network.EventRoomGameStateUpdate))
	assert.Equal(t, state.InProgress, decodeState(t, b.Last(network.EventRoomGameStateUpdate)))
	assert.Equal(t, []string{"joined:A", "full", "start", "joined:B"}, rules.Calls())
}

func TestGame_LeaveRemovesFromTeam(t *testing.T) {
	rules := &xoRules{}
	desc := gridDescriptor
	desc.AutoStartOnFull = false
	g, b := newTestGame(t, desc, rules, Env{})

	admit(t, g, "A")
	peer := admit(t, g, "B")
	teamsBefore := b.Count(network.EventRoomTeamsUpdated)

	peer.Disconnect()

	onLoop(t, g, func() {
		assert.Nil(t, g.TeamOf("B"))
		assert.Equal(t, 0, g.Teams()[1].Size())
	})
	assert.Equal(t, teamsBefore+1, b.Count(network.EventRoomTeamsUpdated))
	assert.Contains(t, rules.Calls(), "left:B")

	// the freed seat is reused
	admit(t, g, "C")
	onLoop(t, g, func() { assert.Same(t, g.Teams()[1], g.TeamOf("C")) })
}

func TestGame_StateTriggerIsHostOnly(t *testing.T) {
	desc := gridDescriptor
	desc.AutoStartOnFull = false
	g, _ := newTestGame(t, desc, nil, Env{})
	admit(t, g, "host")
	admit(t, g, "guest")

	err := g.Dispatch("conn-guest", network.EventGameStateTrigger, json.RawMessage(`{"gameState":"in-progress"}`))
	assert.ErrorIs(t, err, ErrNotHost)

	err = g.Dispatch("conn-host", network.EventGameStateTrigger, json.RawMessage(`{"gameState":"bogus"}`))
	assert.ErrorIs(t, err, network.ErrMalformedFrame)

	require.NoError(t, g.Dispatch("conn-host", network.EventGameStateTrigger, json.RawMessage(`{"gameState":"in-progress"}`)))
	info, err := g.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, state.InProgress, info.GameState)
}

func TestGame_RecordsMatchOnComplete(t *testing.T) {
	recorder := &MockRecorder{records: make(chan *models.MatchRecord, 1)}
	g, _ := newTestGame(t, gridDescriptor, &xoRules{}, Env{Recorder: recorder})
	admit(t, g, "A")
	admit(t, g, "B")

	onLoop(t, g, func() {
		g.SetResult(models.MatchResult{Outcome: models.OutcomeWin, WinnerTeamID: g.Teams()[0].ID})
		g.End()
	})

	select {
	case rec := <-recorder.records:
		assert.Equal(t, "room-1", rec.RoomID)
		assert.Equal(t, "grid", rec.GameSlug)
		assert.Equal(t, models.OutcomeWin, rec.Outcome)
		assert.Equal(t, "X", rec.WinnerTeamName)
		assert.Equal(t, []string{"A"}, rec.Winners)
		assert.Len(t, rec.Players, 2)
		assert.False(t, rec.EndedAt.Before(rec.StartedAt))
	case <-time.After(time.Second):
		t.Fatal("Expected a match record")
	}
}

func TestGame_AbandonedWithoutResult(t *testing.T) {
	recorder := &MockRecorder{records: make(chan *models.MatchRecord, 1)}
	g, _ := newTestGame(t, gridDescriptor, nil, Env{Recorder: recorder})

	onLoop(t, g, func() { g.End() })

	rec := <-recorder.records
	assert.Equal(t, models.OutcomeAbandoned, rec.Outcome)
	assert.Empty(t, rec.Winners)
}

func TestDescriptor_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *Descriptor)
		wantErr bool
	}{
		{"valid", func(d *Descriptor) {}, false},
		{"no slug", func(d *Descriptor) { d.Slug = "" }, true},
		{"no teams", func(d *Descriptor) { d.InitialTeams = 0 }, true},
		{"no players", func(d *Descriptor) { d.MaxTeamPlayers = 0 }, true},
		{"max below initial", func(d *Descriptor) { d.MaxTeams = 1 }, true},
		{"no capacity", func(d *Descriptor) { d.RoomCapacity = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := gridDescriptor
			tt.mutate(&d)
			err := d.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDescriptor)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewFactory(t *testing.T) {
	_, err := NewFactory(Descriptor{}, func() Rules { return BaseRules{} })
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	factory, err := NewFactory(gridDescriptor, func() Rules { return &xoRules{} })
	require.NoError(t, err)

	g := factory("room-f", Env{Broadcaster: newMockBroadcaster()})
	defer g.Close()
	assert.Equal(t, "room-f", g.ID())
	assert.Equal(t, "grid", g.Slug())
}

// scopedRules reads the room id from every team hook and can be told to fail.
type scopedRules struct {
	xoRules
	created    []string
	failJoinOf string
	failNaming bool
}

func (r *scopedRules) TeamName(existing int) string {
	if r.failNaming {
		panic("no names left")
	}
	return r.xoRules.TeamName(existing)
}

func (r *scopedRules) OnTeamCreated(g *Game, t *team.Team) {
	r.created = append(r.created, g.ID()+"/"+t.Name)
}

func (r *scopedRules) OnPlayerJoined(g *Game, m *room.Member) {
	if m.ID == r.failJoinOf {
		panic("join rule failed")
	}
	r.xoRules.OnPlayerJoined(g, m)
}

func TestGame_InitialTeamHooksSeeTheRoom(t *testing.T) {
	rules := &scopedRules{}
	g, _ := newTestGame(t, gridDescriptor, rules, Env{})

	onLoop(t, g, func() {
		assert.Equal(t, []string{"room-1/X", "room-1/O"}, rules.created)
	})
}

func TestGame_SetupFailureClosesRoom(t *testing.T) {
	g, _ := newTestGame(t, gridDescriptor, &scopedRules{failNaming: true}, Env{})

	assert.True(t, g.Closed())
	err := g.Admit(&MockPeer{id: "conn-a"}, models.Player{ID: "a", DisplayName: "a"})
	assert.ErrorIs(t, err, room.ErrRoomClosed)
}

func TestGame_PanicInJoinRuleReleasesSeat(t *testing.T) {
	desc := gridDescriptor
	desc.AutoStartOnFull = false
	rules := &scopedRules{failJoinOf: "bad"}
	g, _ := newTestGame(t, desc, rules, Env{})

	err := g.Admit(&MockPeer{id: "conn-bad"}, models.Player{ID: "bad", DisplayName: "bad"})
	assert.ErrorIs(t, err, room.ErrCommandPanicked)

	onLoop(t, g, func() {
		assert.Nil(t, g.TeamOf("bad"))
		assert.Equal(t, 0, g.Teams()[0].Size())
		assert.True(t, g.IsEmpty())
		assert.Nil(t, g.Host())
	})

	admit(t, g, "good")
	onLoop(t, g, func() {
		assert.Same(t, g.Teams()[0], g.TeamOf("good"))
		require.NotNil(t, g.Host())
		assert.Equal(t, "good", g.Host().ID)
	})
}

func TestGame_FreedSeatGoesToUnassignedPlayer(t *testing.T) {
	desc := Descriptor{Slug: "solo", InitialTeams: 1, MaxTeamPlayers: 1, MaxTeams: 1, RoomCapacity: 3}
	g, b := newTestGame(t, desc, nil, Env{})

	first := admit(t, g, "a")
	admit(t, g, "b")
	admit(t, g, "c")
	onLoop(t, g, func() {
		assert.Nil(t, g.TeamOf("b"))
		assert.Nil(t, g.TeamOf("c"))
	})

	first.Disconnect()

	onLoop(t, g, func() {
		assert.Same(t, g.Teams()[0], g.TeamOf("b"), "earliest unassigned joiner takes the seat")
		assert.Nil(t, g.TeamOf("c"))
		m, ok := g.Member("b")
		require.True(t, ok)
		assert.Equal(t, g.Teams()[0].ID, m.TeamID)
	})

	var update TeamsUpdated
	require.NoError(t, json.Unmarshal(b.Last(network.EventRoomTeamsUpdated).Data, &update))
	require.Len(t, update.Teams, 1)
	require.Len(t, update.Teams[0].Players, 1)
	assert.Equal(t, "b", update.Teams[0].Players[0].ID)
}
