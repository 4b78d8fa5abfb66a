// Package registry maps room ids to live games and evicts rooms that stay empty.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wfunc/roomserver/game"
	"github.com/wfunc/roomserver/logger"
	"github.com/wfunc/roomserver/monitor"
	"github.com/wfunc/roomserver/room"
	"github.com/wfunc/roomserver/timer"
)

var (
	ErrUnknownGame   = errors.New("unknown game")
	ErrGameMismatch  = errors.New("room exists with a different game")
	ErrDuplicateGame = errors.New("game already registered")
	ErrClosed        = errors.New("registry closed")
)

// Scopes is the broadcast side the registry hands to every game.
type Scopes interface {
	room.Broadcaster
	Drop(roomID string)
}

type Options struct {
	// EvictAfter is how long a room must stay empty before it is removed. Zero disables eviction.
	EvictAfter      time.Duration
	TimerResolution time.Duration
	ReassignHost    bool
	Recorder        game.Recorder
	Monitor         *monitor.Monitor
}

type pendingEviction struct {
	timerID int64
	gen     uint64
}

// Registry is safe for concurrent use. Its mutex is never held while waiting on a room loop
// that may call back into the registry.
type Registry struct {
	mutex     sync.Mutex
	factories map[string]game.Factory
	games     map[string]*game.Game
	pending   map[string]pendingEviction
	gen       uint64
	closed    bool

	scopes Scopes
	timers *timer.Manager
	opts   Options
}

func New(scopes Scopes, opts Options) *Registry {
	return &Registry{
		factories: make(map[string]game.Factory),
		games:     make(map[string]*game.Game),
		pending:   make(map[string]pendingEviction),
		scopes:    scopes,
		timers:    timer.NewManager(opts.TimerResolution),
		opts:      opts,
	}
}

// Register adds a game type to the catalog.
func (r *Registry) Register(slug string, factory game.Factory) error {
	if slug == "" || factory == nil {
		return fmt.Errorf("register %q: slug and factory are required", slug)
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.factories[slug]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateGame, slug)
	}
	r.factories[slug] = factory
	return nil
}

func (r *Registry) Slugs() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	slugs := make([]string, 0, len(r.factories))
	for slug := range r.factories {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

// GetOrCreate returns the live game for roomID, creating one of type slug if there is none.
// A room closed by eviction is replaced rather than returned.
func (r *Registry) GetOrCreate(roomID, slug string) (*game.Game, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	if g, ok := r.games[roomID]; ok && !g.Closed() {
		if g.Slug() != slug {
			return nil, fmt.Errorf("%w: room %s plays %s", ErrGameMismatch, roomID, g.Slug())
		}
		r.cancelEvictionLocked(roomID)
		return g, nil
	}

	factory, ok := r.factories[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, slug)
	}

	logger.Log.Infow("creating room", "room", roomID, "game", slug)
	g := factory(roomID, game.Env{
		Broadcaster:  r.scopes,
		Recorder:     r.opts.Recorder,
		Monitor:      r.opts.Monitor,
		OnEmpty:      r.scheduleEviction,
		ReassignHost: r.opts.ReassignHost,
	})
	r.games[roomID] = g
	r.opts.Monitor.SetActiveRooms(len(r.games))

	// a room nobody manages to join is reclaimed like one that emptied
	r.scheduleEvictionLocked(roomID)
	return g, nil
}

func (r *Registry) Get(roomID string) (*game.Game, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	g, ok := r.games[roomID]
	return g, ok
}

// Lookup snapshots one room.
func (r *Registry) Lookup(roomID string) (game.Info, bool) {
	g, ok := r.Get(roomID)
	if !ok {
		return game.Info{}, false
	}
	info, err := g.Snapshot()
	if err != nil {
		return game.Info{}, false
	}
	return info, true
}

func (r *Registry) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.games)
}

// List snapshots every live game, ordered by room id.
func (r *Registry) List() []game.Info {
	r.mutex.Lock()
	games := make([]*game.Game, 0, len(r.games))
	for _, g := range r.games {
		games = append(games, g)
	}
	r.mutex.Unlock()

	infos := make([]game.Info, 0, len(games))
	for _, g := range games {
		info, err := g.Snapshot()
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// scheduleEviction is the games' OnEmpty hook; it runs on a room loop.
func (r *Registry) scheduleEviction(roomID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.scheduleEvictionLocked(roomID)
}

func (r *Registry) scheduleEvictionLocked(roomID string) {
	if r.closed || r.opts.EvictAfter <= 0 {
		return
	}
	r.cancelEvictionLocked(roomID)

	r.gen++
	gen := r.gen
	id := r.timers.After(r.opts.EvictAfter, func() { r.evict(roomID, gen) })
	r.pending[roomID] = pendingEviction{timerID: id, gen: gen}
}

func (r *Registry) cancelEvictionLocked(roomID string) {
	if p, ok := r.pending[roomID]; ok {
		r.timers.Cancel(p.timerID)
		delete(r.pending, roomID)
	}
}

func (r *Registry) evict(roomID string, gen uint64) {
	r.mutex.Lock()
	p, ok := r.pending[roomID]
	if !ok || p.gen != gen {
		r.mutex.Unlock()
		return
	}
	delete(r.pending, roomID)
	g := r.games[roomID]
	r.mutex.Unlock()

	if g == nil || !g.TryClose() {
		return
	}

	r.mutex.Lock()
	if r.games[roomID] == g {
		delete(r.games, roomID)
		r.scopes.Drop(roomID)
	}
	n := len(r.games)
	r.mutex.Unlock()

	g.Close()
	logger.Log.Infow("evicted empty room", "room", roomID)
	r.opts.Monitor.RoomEvicted()
	r.opts.Monitor.SetActiveRooms(n)
}

// Close stops eviction and every room. Later GetOrCreate calls fail with ErrClosed.
func (r *Registry) Close() {
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return
	}
	r.closed = true
	games := make([]*game.Game, 0, len(r.games))
	for id, g := range r.games {
		games = append(games, g)
		delete(r.games, id)
	}
	r.pending = make(map[string]pendingEviction)
	r.mutex.Unlock()

	r.timers.Stop()
	for _, g := range games {
		g.Close()
	}
	r.opts.Monitor.SetActiveRooms(0)
}
