// persistence/interface.go
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wfunc/roomserver/config"
	"github.com/wfunc/roomserver/models"
)

// Store archives finished matches.
type Store interface {
	SaveMatch(ctx context.Context, rec *models.MatchRecord) error
	// PlayerStats returns ErrRecordNotFound for a player with no archived match.
	PlayerStats(ctx context.Context, playerID string) (*models.PlayerStats, error)
	Close() error
}

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrUnknownDriver  = errors.New("unknown database driver")
)

func DSN(cfg config.PostgresConfig) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName)
}

// Open connects the store selected by cfg.Driver: "gorm" or "sql".
func Open(cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "gorm", "":
		return NewGormStore(DSN(cfg.Postgres))
	case "sql":
		return NewSQLStore(DSN(cfg.Postgres))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// playerFilter matches the players jsonb column of any match the player took part in.
func playerFilter(playerID string) (string, error) {
	b, err := json.Marshal([]map[string]string{{"id": playerID}})
	return string(b), err
}

// jsonArray encodes v, writing nil slices as an empty array.
func jsonArray[T any](v []T) ([]byte, error) {
	if v == nil {
		v = []T{}
	}
	return json.Marshal(v)
}
