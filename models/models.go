// models/models.go
package models

import (
	"errors"
	"time"
)

var (
	ErrEmptyPlayerID    = errors.New("player id is required")
	ErrEmptyDisplayName = errors.New("player display name is required")
	ErrPlayerIDTooLong  = errors.New("player id is too long")
	ErrNameTooLong      = errors.New("player display name is too long")
)

const (
	maxPlayerIDLen    = 128
	maxDisplayNameLen = 64
)

// Player is the identity a client presents when it connects. It never changes afterwards.
type Player struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

func (p Player) Validate() error {
	switch {
	case p.ID == "":
		return ErrEmptyPlayerID
	case len(p.ID) > maxPlayerIDLen:
		return ErrPlayerIDTooLong
	case p.DisplayName == "":
		return ErrEmptyDisplayName
	case len(p.DisplayName) > maxDisplayNameLen:
		return ErrNameTooLong
	}
	return nil
}

// Outcome of a finished match.
type Outcome string

const (
	OutcomeWin       Outcome = "win"
	OutcomeDraw      Outcome = "draw"
	OutcomeAbandoned Outcome = "abandoned"
)

// MatchResult is what a concrete game reports before ending.
type MatchResult struct {
	Outcome      Outcome `json:"outcome"`
	WinnerTeamID string  `json:"winnerTeamId,omitempty"`
}

// PlayerResult 单个玩家在一局中的记录
type PlayerResult struct {
	PlayerID    string `json:"id"`
	DisplayName string `json:"displayName"`
	TeamID      string `json:"teamId"`
	TeamName    string `json:"teamName"`
}

// MatchRecord is the archived summary of a game that reached the complete state.
type MatchRecord struct {
	ID             uint           `gorm:"primaryKey" json:"-"`
	RoomID         string         `gorm:"index;not null" json:"roomId"`
	GameSlug       string         `gorm:"index;not null" json:"gameSlug"`
	Outcome        Outcome        `gorm:"not null" json:"outcome"`
	WinnerTeamID   string         `json:"winnerTeamId,omitempty"`
	WinnerTeamName string         `json:"winnerTeamName,omitempty"`
	Players        []PlayerResult `gorm:"serializer:json;type:jsonb" json:"players"`
	Winners        []string       `gorm:"serializer:json;type:jsonb" json:"winners"`
	StartedAt      time.Time      `json:"startedAt"`
	EndedAt        time.Time      `json:"endedAt"`
	CreatedAt      time.Time      `json:"-"`
}

func (MatchRecord) TableName() string {
	return "match_records"
}

// PlayerStats 玩家统计信息
type PlayerStats struct {
	PlayerID   string `json:"playerId"`
	TotalGames int64  `json:"totalGames"`
	Wins       int64  `json:"wins"`
	Draws      int64  `json:"draws"`
	Losses     int64  `json:"losses"`
}
