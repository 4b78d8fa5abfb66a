package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/roomserver/broadcast"
	"github.com/wfunc/roomserver/game"
	"github.com/wfunc/roomserver/models"
	"github.com/wfunc/roomserver/network"
	"github.com/wfunc/roomserver/room"
)

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

func testFactory(t *testing.T, slug string) game.Factory {
	t.Helper()
	f, err := game.NewFactory(game.Descriptor{
		Slug:           slug,
		InitialTeams:   2,
		MaxTeamPlayers: 1,
		MaxTeams:       2,
		RoomCapacity:   2,
	}, func() game.Rules { return game.BaseRules{} })
	require.NoError(t, err)
	return f
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *broadcast.Hub) {
	t.Helper()
	hub := broadcast.NewHub()
	if opts.TimerResolution == 0 {
		opts.TimerResolution = 2 * time.Millisecond
	}
	r := New(hub, opts)
	require.NoError(t, r.Register("grid", testFactory(t, "grid")))
	require.NoError(t, r.Register("other", testFactory(t, "other")))
	t.Cleanup(r.Close)
	return r, hub
}

func join(t *testing.T, g *game.Game, id string) *MockPeer {
	t.Helper()
	peer := &MockPeer{id: "conn-" + id}
	require.NoError(t, g.Admit(peer, models.Player{ID: id, DisplayName: id}))
	return peer
}

func TestRegistry_Register(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	assert.ErrorIs(t, r.Register("grid", testFactory(t, "grid")), ErrDuplicateGame)
	assert.Error(t, r.Register("", testFactory(t, "x")))
	assert.Error(t, r.Register("nil", nil))
	assert.Equal(t, []string{"grid", "other"}, r.Slugs())
}

func TestRegistry_GetOrCreate(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	g1, err := r.GetOrCreate("room-1", "grid")
	require.NoError(t, err)
	g2, err := r.GetOrCreate("room-1", "grid")
	require.NoError(t, err)
	assert.Same(t, g1, g2)
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get("room-1")
	require.True(t, ok)
	assert.Same(t, g1, got)

	_, err = r.GetOrCreate("room-2", "chess")
	assert.ErrorIs(t, err, ErrUnknownGame)

	_, err = r.GetOrCreate("room-1", "other")
	assert.ErrorIs(t, err, ErrGameMismatch)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ConcurrentGetOrCreateBuildsOneGame(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	const workers = 32
	var wg sync.WaitGroup
	results := make([]*game.Game, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := r.GetOrCreate("shared", "grid")
			if err == nil {
				results[i] = g
			}
		}(i)
	}
	wg.Wait()

	for _, g := range results {
		assert.Same(t, results[0], g)
	}
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_EvictsEmptyRoom(t *testing.T) {
	r, hub := newTestRegistry(t, Options{EvictAfter: 20 * time.Millisecond})

	g, err := r.GetOrCreate("room-1", "grid")
	require.NoError(t, err)
	peer := join(t, g, "a")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, r.Len(), "occupied room must survive its creation timer")

	peer.Disconnect()
	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, hub.Scopes())
	assert.True(t, g.Closed())
}

func TestRegistry_RejoinCancelsEviction(t *testing.T) {
	r, _ := newTestRegistry(t, Options{EvictAfter: 50 * time.Millisecond})

	g, err := r.GetOrCreate("room-1", "grid")
	require.NoError(t, err)
	join(t, g, "a").Disconnect()

	again, err := r.GetOrCreate("room-1", "grid")
	require.NoError(t, err)
	assert.Same(t, g, again)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, r.Len())
	assert.False(t, g.Closed())
}

func TestRegistry_EvictionDisabled(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	g, err := r.GetOrCreate("room-1", "grid")
	require.NoError(t, err)
	join(t, g, "a").Disconnect()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ReplacesClosedRoom(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	old, err := r.GetOrCreate("room-1", "grid")
	require.NoError(t, err)
	require.True(t, old.TryClose())

	fresh, err := r.GetOrCreate("room-1", "grid")
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	join(t, fresh, "a")
	old.Close()
}

func TestRegistry_List(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	b, err := r.GetOrCreate("b", "other")
	require.NoError(t, err)
	_, err = r.GetOrCreate("a", "grid")
	require.NoError(t, err)
	join(t, b, "p1")

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].ID)
	assert.Equal(t, "grid", infos[0].Slug)
	assert.Equal(t, "b", infos[1].ID)
	require.Len(t, infos[1].Players, 1)
	assert.Equal(t, "p1", infos[1].Players[0].ID)

	info, ok := r.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, "other", info.Slug)
	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestRegistry_Close(t *testing.T) {
	r, _ := newTestRegistry(t, Options{EvictAfter: time.Minute})

	g, err := r.GetOrCreate("room-1", "grid")
	require.NoError(t, err)

	r.Close()
	assert.Equal(t, 0, r.Len())
	_, err = r.GetOrCreate("room-1", "grid")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, g.Do(func() {}), room.ErrRoomClosed)
}
