package game

import (
	"errors"
	"fmt"

	"github.com/wfunc/roomserver/models"
	"github.com/wfunc/roomserver/monitor"
	"github.com/wfunc/roomserver/room"
	"github.com/wfunc/roomserver/team"
)

var ErrInvalidDescriptor = errors.New("invalid game descriptor")

// Descriptor is the static shape of a game type.
type Descriptor struct {
	Slug            string
	Name            string
	InitialTeams    int
	MaxTeamPlayers  int
	MaxTeams        int
	RoomCapacity    int
	ShowTeamNames   bool
	AutoStartOnFull bool
}

func (d Descriptor) Validate() error {
	switch {
	case d.Slug == "":
		return fmt.Errorf("%w: empty slug", ErrInvalidDescriptor)
	case d.InitialTeams < 1:
		return fmt.Errorf("%w: %s needs at least one initial team", ErrInvalidDescriptor, d.Slug)
	case d.MaxTeamPlayers < 1:
		return fmt.Errorf("%w: %s needs at least one player per team", ErrInvalidDescriptor, d.Slug)
	case d.MaxTeams < d.InitialTeams:
		return fmt.Errorf("%w: %s max teams %d below initial teams %d", ErrInvalidDescriptor, d.Slug, d.MaxTeams, d.InitialTeams)
	case d.RoomCapacity < 1:
		return fmt.Errorf("%w: %s room capacity must be positive", ErrInvalidDescriptor, d.Slug)
	}
	return nil
}

// Rules is what a concrete game plugs into a Game. Every method runs on the room loop, so
// implementations may call the Game's loop-context methods freely but must not block.
type Rules interface {
	// TeamName names a new team; existingTeams is the count before it was created.
	// An empty name selects team.FallbackName.
	TeamName(existingTeams int) string
	// Handlers adds game-specific inbound events. Called once, before the first event is routed.
	Handlers(g *Game) room.HandlerTable

	// OnTeamCreated also runs for the initial teams, after the room exists.
	OnTeamCreated(g *Game, t *team.Team)
	OnPlayerJoined(g *Game, m *room.Member)
	OnPlayerLeft(g *Game, m *room.Member)
	OnFull(g *Game)
	OnReady(g *Game)
	OnStart(g *Game)
	OnPause(g *Game)
	OnComplete(g *Game)
	OnReset(g *Game)
	OnTurnAdvanced(g *Game, prev, next *team.Team)
}

// BaseRules implements every hook as a no-op. Embed it and override what you need.
type BaseRules struct{}

func (BaseRules) TeamName(int) string                          { return "" }
func (BaseRules) Handlers(*Game) room.HandlerTable             { return nil }
func (BaseRules) OnTeamCreated(*Game, *team.Team)              {}
func (BaseRules) OnPlayerJoined(*Game, *room.Member)           {}
func (BaseRules) OnPlayerLeft(*Game, *room.Member)             {}
func (BaseRules) OnFull(*Game)                                 {}
func (BaseRules) OnReady(*Game)                                {}
func (BaseRules) OnStart(*Game)                                {}
func (BaseRules) OnPause(*Game)                                {}
func (BaseRules) OnComplete(*Game)                             {}
func (BaseRules) OnReset(*Game)                                {}
func (BaseRules) OnTurnAdvanced(*Game, *team.Team, *team.Team) {}

// Recorder archives finished matches. RecordMatch is called on the room loop and must not block.
type Recorder interface {
	RecordMatch(rec *models.MatchRecord)
}

// Env is what the process provides to every game it creates.
type Env struct {
	Broadcaster  room.Broadcaster
	Recorder     Recorder
	Monitor      *monitor.Monitor
	OnEmpty      func(roomID string)
	ReassignHost bool
}

// Factory builds a game for a fresh room id.
type Factory func(roomID string, env Env) *Game

// NewFactory validates desc once and returns a Factory that gives every game its own Rules.
func NewFactory(desc Descriptor, newRules func() Rules) (Factory, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return func(roomID string, env Env) *Game {
		return New(roomID, desc, newRules(), env)
	}, nil
}
