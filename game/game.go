// Package game layers team formation, a turn ring and the global game state on top of a room.
package game

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/wfunc/roomserver/logger"
	"github.com/wfunc/roomserver/models"
	"github.com/wfunc/roomserver/monitor"
	"github.com/wfunc/roomserver/network"
	"github.com/wfunc/roomserver/room"
	"github.com/wfunc/roomserver/state"
	"github.com/wfunc/roomserver/team"
)

var ErrNotHost = errors.New("only the host may change the game state")

type TeamsUpdated struct {
	Teams         []team.View `json:"teams"`
	ShowTeamNames bool        `json:"showTeamNames"`
}

type TurnTeamUpdate struct {
	TurnTeam     team.View   `json:"turnTeam"`
	NonTurnTeams []team.View `json:"nonTurnTeams"`
}

type GameStateUpdate struct {
	GameState state.GlobalState `json:"gameState"`
}

// StateTrigger is the payload of room:game-state-trigger.
type StateTrigger struct {
	GameState state.GlobalState `json:"gameState"`
}

type TeamInfo struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Capacity int           `json:"capacity"`
	Players  []room.Member `json:"players"`
}

// Info is a copy of a game's state for use off the room loop.
type Info struct {
	room.Info
	Slug       string            `json:"gameSlug"`
	GameState  state.GlobalState `json:"gameState"`
	Teams      []TeamInfo        `json:"teams"`
	TurnTeamID string            `json:"turnTeamId"`
}

// Game is a Room with teams, a turn ring and a global state. Apart from Snapshot and the
// promoted Room commands, its methods must run on the room loop: inside Rules hooks, handlers
// or a Do callback.
type Game struct {
	*room.Room

	desc     Descriptor
	rules    Rules
	recorder Recorder
	monitor  *monitor.Monitor

	teams     []*team.Team
	turnOrder []string
	turnIndex int
	turnTeam  *team.Team
	machine   *state.Machine
	result    *models.MatchResult
	startedAt time.Time
}

func New(roomID string, desc Descriptor, rules Rules, env Env) *Game {
	if rules == nil {
		rules = BaseRules{}
	}
	g := &Game{
		desc:     desc,
		rules:    rules,
		recorder: env.Recorder,
		monitor:  env.Monitor,
		machine:  state.NewMachine(state.Default),
	}

	g.Room = room.New(roomID, g, env.Broadcaster, room.Options{
		Capacity:     desc.RoomCapacity,
		ReassignHost: env.ReassignHost,
		OnEmpty:      env.OnEmpty,
		Monitor:      env.Monitor,
	})

	// teams are created on the loop so Rules hooks see a fully built Game
	if err := g.Do(func() {
		for i := 0; i < desc.InitialTeams; i++ {
			g.addTeam()
		}
		g.turnTeam = g.teams[0]

		g.BroadcastState()
		g.broadcastTeams()
		g.broadcastTurnTeam()
	}); err != nil {
		// a game that could not set up never accepts members; the registry replaces it
		logger.Log.Errorw("game setup failed, closing room", "room", roomID, "game", desc.Slug, "error", err)
		g.Room.Close()
	}
	return g
}

// --- room.Hooks ---

func (g *Game) Handlers() room.HandlerTable {
	table := room.HandlerTable{
		network.EventGameStateTrigger: g.handleStateTrigger,
	}
	for event, h := range g.rules.Handlers(g) {
		table[event] = h
	}
	return table
}

func (g *Game) OnMemberJoined(m *room.Member) {
	// the room rolls the member back when a hook panics; the team seat goes with it
	defer func() {
		if rec := recover(); rec != nil {
			g.leaveTeam(m)
			panic(rec)
		}
	}()

	if !g.seat(m) {
		logger.Log.Warnw("no team could take the player", "room", g.ID(), "player", m.ID, "teams", len(g.teams))
		g.monitor.TeamOverflow()
	}

	g.broadcastTeams()
	g.broadcastTurnTeam()

	full := g.IsFull()
	if full {
		g.rules.OnFull(g)
	}
	if full && g.desc.AutoStartOnFull {
		logger.Log.Infow("room is full, starting game", "room", g.ID())
		g.Start()
	}

	g.rules.OnPlayerJoined(g, m)
}

func (g *Game) OnMemberLeft(m *room.Member) {
	if g.leaveTeam(m) {
		g.reseatUnassigned()
	}
	g.broadcastTeams()
	g.broadcastTurnTeam()
	g.rules.OnPlayerLeft(g, m)
}

// --- teams ---

// seat puts m on the smallest team and reports whether a team had room.
func (g *Game) seat(m *room.Member) bool {
	t := g.smallestTeam()
	if !t.AddMember(m) {
		return false
	}
	m.TeamID = t.ID
	m.TeamName = t.Name
	return true
}

func (g *Game) leaveTeam(m *room.Member) bool {
	for _, t := range g.teams {
		if t.RemoveMember(m.ID) {
			m.TeamID, m.TeamName = "", ""
			return true
		}
	}
	return false
}

// reseatUnassigned gives members left out by a team overflow the seats that freed up,
// earliest joiner first.
func (g *Game) reseatUnassigned() {
	for _, m := range g.Members() {
		if m.TeamID != "" {
			continue
		}
		if !g.seat(m) {
			return
		}
		logger.Log.Infow("seated previously unassigned player", "room", g.ID(), "player", m.ID, "team", m.TeamName)
	}
}

func (g *Game) addTeam() *team.Team {
	existing := len(g.teams)
	t := team.New(g.desc.MaxTeamPlayers, existing, g.rules.TeamName(existing))
	g.rules.OnTeamCreated(g, t)
	g.teams = append(g.teams, t)
	g.turnOrder = append(g.turnOrder, t.ID)
	return t
}

// smallestTeam returns the first team with the fewest members. A full smallest team is
// replaced by a new team while MaxTeams allows it; otherwise the full team is returned and
// the caller's AddMember fails.
func (g *Game) smallestTeam() *team.Team {
	smallest := g.teams[0]
	for _, t := range g.teams[1:] {
		if t.Size() < smallest.Size() {
			smallest = t
		}
	}
	if !smallest.IsFull() {
		return smallest
	}
	if len(g.teams) >= g.desc.MaxTeams {
		return smallest
	}
	return g.addTeam()
}

func (g *Game) teamByID(id string) *team.Team {
	for _, t := range g.teams {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// TeamOf returns the team playerID is on, or nil.
func (g *Game) TeamOf(playerID string) *team.Team {
	for _, t := range g.teams {
		if t.Has(playerID) {
			return t
		}
	}
	return nil
}

func (g *Game) Teams() []*team.Team {
	return g.teams
}

func (g *Game) TurnTeam() *team.Team {
	return g.turnTeam
}

func (g *Game) TurnIndex() int {
	return g.turnIndex
}

func (g *Game) nonTurnTeams() []*team.Team {
	out := make([]*team.Team, 0, len(g.teams))
	for _, t := range g.teams {
		if t.ID != g.turnTeam.ID {
			out = append(out, t)
		}
	}
	return out
}

// AdvanceTurn moves the turn to the next team in the ring, wrapping after the last.
func (g *Game) AdvanceTurn() {
	next := (g.turnIndex + 1) % len(g.turnOrder)
	nextTeam := g.teamByID(g.turnOrder[next])
	if nextTeam == nil {
		logger.Log.Warnw("turn order references unknown team", "room", g.ID(), "team", g.turnOrder[next])
		return
	}

	prev := g.turnTeam
	// index and team change together so no broadcast observes one without the other
	g.turnIndex, g.turnTeam = next, nextTeam

	g.broadcastTeams()
	g.broadcastTurnTeam()
	g.rules.OnTurnAdvanced(g, prev, nextTeam)
}

// --- state ---

func (g *Game) Slug() string {
	return g.desc.Slug
}

func (g *Game) Descriptor() Descriptor {
	return g.desc
}

func (g *Game) State() state.GlobalState {
	return g.machine.Current()
}

func (g *Game) Reset() bool { return g.Trigger(state.Default) }
func (g *Game) Ready() bool { return g.Trigger(state.Ready) }
func (g *Game) Start() bool { return g.Trigger(state.InProgress) }
func (g *Game) Pause() bool { return g.Trigger(state.Paused) }
func (g *Game) End() bool   { return g.Trigger(state.Complete) }

// Trigger moves the game to next. Re-entering the current state is a no-op and reports false.
func (g *Game) Trigger(next state.GlobalState) bool {
	changed, err := g.machine.Transition(next)
	if err != nil {
		logger.Log.Warnw("rejected game state", "room", g.ID(), "error", err)
		return false
	}
	if !changed {
		return false
	}

	logger.Log.Infow("game state changed", "room", g.ID(), "state", next.String())
	g.BroadcastState()

	switch next {
	case state.Default:
		g.result = nil
		g.rules.OnReset(g)
	case state.Ready:
		g.rules.OnReady(g)
	case state.InProgress:
		if g.startedAt.IsZero() {
			g.startedAt = time.Now()
		}
		g.rules.OnStart(g)
	case state.Paused:
		g.rules.OnPause(g)
	case state.Complete:
		g.rules.OnComplete(g)
		g.record()
		g.startedAt = time.Time{}
	}
	return true
}

// SetResult stores the outcome archived when the game completes.
func (g *Game) SetResult(r models.MatchResult) {
	g.result = &r
}

func (g *Game) Result() *models.MatchResult {
	return g.result
}

func (g *Game) record() {
	if g.recorder == nil {
		return
	}

	result := models.MatchResult{Outcome: models.OutcomeAbandoned}
	if g.result != nil {
		result = *g.result
	}

	now := time.Now()
	started := g.startedAt
	if started.IsZero() {
		started = now
	}
	rec := &models.MatchRecord{
		RoomID:       g.ID(),
		GameSlug:     g.desc.Slug,
		Outcome:      result.Outcome,
		WinnerTeamID: result.WinnerTeamID,
		StartedAt:    started,
		EndedAt:      now,
	}
	for _, m := range g.Members() {
		rec.Players = append(rec.Players, models.PlayerResult{
			PlayerID:    m.ID,
			DisplayName: m.DisplayName,
			TeamID:      m.TeamID,
			TeamName:    m.TeamName,
		})
	}
	if winner := g.teamByID(result.WinnerTeamID); winner != nil {
		rec.WinnerTeamName = winner.Name
		for _, m := range winner.Members() {
			rec.Winners = append(rec.Winners, m.ID)
		}
	}
	g.recorder.RecordMatch(rec)
}

func (g *Game) handleStateTrigger(from *room.Member, data json.RawMessage) error {
	var req StateTrigger
	if err := network.DecodePayload(data, &req); err != nil {
		return err
	}
	if host := g.Host(); host == nil || host.ID != from.ID {
		logger.Log.Infow("state trigger from non-host ignored", "room", g.ID(), "player", from.ID)
		return ErrNotHost
	}
	g.Trigger(req.GameState)
	return nil
}

// --- broadcasts ---

// Emit broadcasts a game event; every game event carries the game slug.
func (g *Game) Emit(event network.Event, payload any) {
	_ = g.Broadcast(event, payload, network.Meta{"gameSlug": g.desc.Slug})
}

// BroadcastState sends the current game state to the room.
func (g *Game) BroadcastState() {
	g.Emit(network.EventRoomGameStateUpdate, GameStateUpdate{GameState: g.State()})
}

func (g *Game) broadcastTeams() {
	views := make([]team.View, 0, len(g.teams))
	for _, t := range g.teams {
		views = append(views, t.View())
	}
	g.Emit(network.EventRoomTeamsUpdated, TeamsUpdated{Teams: views, ShowTeamNames: g.desc.ShowTeamNames})
}

func (g *Game) broadcastTurnTeam() {
	others := g.nonTurnTeams()
	views := make([]team.View, 0, len(others))
	for _, t := range others {
		views = append(views, t.View())
	}
	g.Emit(network.EventRoomTurnTeamUpdate, TurnTeamUpdate{TurnTeam: g.turnTeam.View(), NonTurnTeams: views})
}

// --- snapshots ---

// Info builds a snapshot. Loop context only.
func (g *Game) Info() Info {
	info := Info{
		Info:       g.Room.Info(),
		Slug:       g.desc.Slug,
		GameState:  g.State(),
		Teams:      make([]TeamInfo, 0, len(g.teams)),
		TurnTeamID: g.turnTeam.ID,
	}
	for _, t := range g.teams {
		ti := TeamInfo{ID: t.ID, Name: t.Name, Capacity: t.Capacity, Players: make([]room.Member, 0, t.Size())}
		for _, m := range t.Members() {
			ti.Players = append(ti.Players, *m)
		}
		info.Teams = append(info.Teams, ti)
	}
	return info
}

// Snapshot copies the game state from the room loop.
func (g *Game) Snapshot() (Info, error) {
	var info Info
	err := g.Do(func() { info = g.Info() })
	return info, err
}
