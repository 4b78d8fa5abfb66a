// Package tictactoe is the 3x3 grid game: two single-player teams, X and O.
package tictactoe

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wfunc/roomserver/config"
	"github.com/wfunc/roomserver/game"
	"github.com/wfunc/roomserver/logger"
	"github.com/wfunc/roomserver/models"
	"github.com/wfunc/roomserver/network"
	"github.com/wfunc/roomserver/room"
	"github.com/wfunc/roomserver/state"
)

const (
	Slug = "tic-tac-toe"
	Size = 3
)

var (
	ErrCellOutOfRange = errors.New("cell out of range")
	ErrCellTaken      = errors.New("cell already taken")
	ErrNotYourTurn    = errors.New("not your turn")
	ErrNotInProgress  = errors.New("game is not in progress")
)

// Config selects optional behavior on top of the plain board. All flags default to off.
type Config struct {
	Descriptor game.Descriptor
	// AdvanceTurnOnMove rotates the turn after every accepted move.
	AdvanceTurnOnMove bool
	// EnforceTurnOrder accepts moves only in progress, from the turn team, on empty cells.
	EnforceTurnOrder bool
	// DetectOutcome ends the game on a line of three or a full board.
	DetectOutcome bool
}

func DefaultDescriptor() game.Descriptor {
	return game.Descriptor{
		Slug:            Slug,
		Name:            "Tic-Tac-Toe",
		InitialTeams:    2,
		MaxTeamPlayers:  1,
		MaxTeams:        2,
		RoomCapacity:    2,
		ShowTeamNames:   false,
		AutoStartOnFull: true,
	}
}

func DefaultConfig() Config {
	return Config{Descriptor: DefaultDescriptor()}
}

// FromGameConfig applies a games.tic-tac-toe config section to the defaults.
func FromGameConfig(gc config.GameConfig) Config {
	cfg := DefaultConfig()
	d := &cfg.Descriptor
	if gc.InitialTeams > 0 {
		d.InitialTeams = gc.InitialTeams
	}
	if gc.MaxTeamPlayers > 0 {
		d.MaxTeamPlayers = gc.MaxTeamPlayers
	}
	if gc.MaxTeams > 0 {
		d.MaxTeams = gc.MaxTeams
	}
	if gc.RoomCapacity > 0 {
		d.RoomCapacity = gc.RoomCapacity
	}
	d.ShowTeamNames = gc.ShowTeamNames
	d.AutoStartOnFull = gc.AutoStartOnFull
	cfg.AdvanceTurnOnMove = gc.AdvanceTurnOnMove
	cfg.EnforceTurnOrder = gc.EnforceTurnOrder
	cfg.DetectOutcome = gc.DetectOutcome
	return cfg
}

func NewFactory(cfg Config) (game.Factory, error) {
	return game.NewFactory(cfg.Descriptor, func() game.Rules {
		return &Rules{cfg: cfg}
	})
}

// Board holds a player id per cell, indexed [y][x]; empty means free.
type Board [Size][Size]string

func (b *Board) full() bool {
	for _, row := range b {
		for _, cell := range row {
			if cell == "" {
				return false
			}
		}
	}
	return true
}

var lines = [8][3][2]int{
	{{0, 0}, {0, 1}, {0, 2}},
	{{1, 0}, {1, 1}, {1, 2}},
	{{2, 0}, {2, 1}, {2, 2}},
	{{0, 0}, {1, 0}, {2, 0}},
	{{0, 1}, {1, 1}, {2, 1}},
	{{0, 2}, {1, 2}, {2, 2}},
	{{0, 0}, {1, 1}, {2, 2}},
	{{0, 2}, {1, 1}, {2, 0}},
}

type CellSelection struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c CellSelection) Validate() error {
	if c.X < 0 || c.X >= Size || c.Y < 0 || c.Y >= Size {
		return fmt.Errorf("%w: (%d,%d)", ErrCellOutOfRange, c.X, c.Y)
	}
	return nil
}

type BoardUpdate struct {
	Board Board `json:"board"`
}

// Rules holds one room's board. It is only touched on that room's loop.
type Rules struct {
	game.BaseRules
	cfg   Config
	board Board
}

func (r *Rules) TeamName(existingTeams int) string {
	if existingTeams == 0 {
		return "X"
	}
	return "O"
}

func (r *Rules) Handlers(g *game.Game) room.HandlerTable {
	return room.HandlerTable{
		network.EventCellSelected: func(from *room.Member, data json.RawMessage) error {
			return r.selectCell(g, from, data)
		},
	}
}

func (r *Rules) OnReset(g *game.Game) {
	r.board = Board{}
	g.Emit(network.EventBoardStateUpdate, BoardUpdate{Board: r.board})
}

func (r *Rules) Board() Board {
	return r.board
}

func (r *Rules) selectCell(g *game.Game, from *room.Member, data json.RawMessage) error {
	var sel CellSelection
	if err := network.DecodePayload(data, &sel); err != nil {
		return err
	}
	if err := sel.Validate(); err != nil {
		return err
	}

	if r.cfg.EnforceTurnOrder {
		switch {
		case g.State() != state.InProgress:
			return ErrNotInProgress
		case !g.TurnTeam().Has(from.ID):
			return ErrNotYourTurn
		case r.board[sel.Y][sel.X] != "":
			return ErrCellTaken
		}
	}

	r.board[sel.Y][sel.X] = from.ID
	g.BroadcastState()
	g.Emit(network.EventBoardStateUpdate, BoardUpdate{Board: r.board})

	if r.cfg.DetectOutcome && r.settle(g) {
		return nil
	}
	if r.cfg.AdvanceTurnOnMove {
		g.AdvanceTurn()
	}
	return nil
}

// settle ends the game when the board has a winner or no free cell left.
func (r *Rules) settle(g *game.Game) bool {
	if owner := r.lineOwner(g); owner != "" {
		result := models.MatchResult{Outcome: models.OutcomeWin}
		if t := g.TeamOf(owner); t != nil {
			result.WinnerTeamID = t.ID
		}
		logger.Log.Infow("tic-tac-toe won", "room", g.ID(), "player", owner)
		g.SetResult(result)
		g.End()
		return true
	}
	if r.board.full() {
		logger.Log.Infow("tic-tac-toe drawn", "room", g.ID())
		g.SetResult(models.MatchResult{Outcome: models.OutcomeDraw})
		g.End()
		return true
	}
	return false
}

// lineOwner returns a player holding a full line. Cells count for a team, so teammates
// share lines.
func (r *Rules) lineOwner(g *game.Game) string {
	side := func(playerID string) string {
		if t := g.TeamOf(playerID); t != nil {
			return t.ID
		}
		return playerID
	}
	for _, line := range lines {
		first := r.board[line[0][0]][line[0][1]]
		if first == "" {
			continue
		}
		owner := side(first)
		won := true
		for _, cell := range line[1:] {
			id := r.board[cell[0]][cell[1]]
			if id == "" || side(id) != owner {
				won = false
				break
			}
		}
		if won {
			return first
		}
	}
	return ""
}
