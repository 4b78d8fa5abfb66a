// persistence/postgresql.go
package persistence

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/wfunc/roomserver/models"
)

const sqlStatsQuery = `
    SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN jsonb_exists(winners, $1) THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN outcome = 'draw' THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN outcome = 'win' AND NOT jsonb_exists(winners, $1) THEN 1 ELSE 0 END), 0)
    FROM match_records
    WHERE players @> $2::jsonb`

// SQLStore archives matches with database/sql and lib/pq. It shares the match_records
// table layout with GormStore.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := initTables(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLStore{db: db}, nil
}

func initTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS match_records (
            id BIGSERIAL PRIMARY KEY,
            room_id TEXT NOT NULL,
            game_slug TEXT NOT NULL,
            outcome TEXT NOT NULL,
            winner_team_id TEXT,
            winner_team_name TEXT,
            players JSONB NOT NULL DEFAULT '[]',
            winners JSONB NOT NULL DEFAULT '[]',
            started_at TIMESTAMPTZ,
            ended_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )
    `)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
        CREATE INDEX IF NOT EXISTS idx_match_records_room_id ON match_records(room_id);
        CREATE INDEX IF NOT EXISTS idx_match_records_game_slug ON match_records(game_slug);
        CREATE INDEX IF NOT EXISTS idx_match_records_players ON match_records USING GIN (players);
    `)
	return err
}

func (s *SQLStore) SaveMatch(ctx context.Context, rec *models.MatchRecord) error {
	players, err := jsonArray(rec.Players)
	if err != nil {
		return err
	}
	winners, err := jsonArray(rec.Winners)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO match_records
            (room_id, game_slug, outcome, winner_team_id, winner_team_name, players, winners, started_at, ended_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING id, created_at
    `

	var id int64
	err = s.db.QueryRowContext(ctx, query,
		rec.RoomID,
		rec.GameSlug,
		string(rec.Outcome),
		rec.WinnerTeamID,
		rec.WinnerTeamName,
		players,
		winners,
		rec.StartedAt,
		rec.EndedAt,
	).Scan(&id, &rec.CreatedAt)
	if err != nil {
		return err
	}
	rec.ID = uint(id)
	return nil
}

func (s *SQLStore) PlayerStats(ctx context.Context, playerID string) (*models.PlayerStats, error) {
	filter, err := playerFilter(playerID)
	if err != nil {
		return nil, err
	}

	stats := models.PlayerStats{PlayerID: playerID}
	err = s.db.QueryRowContext(ctx, sqlStatsQuery, playerID, filter).
		Scan(&stats.TotalGames, &stats.Wins, &stats.Draws, &stats.Losses)
	if err != nil {
		return nil, err
	}
	if stats.TotalGames == 0 {
		return nil, ErrRecordNotFound
	}
	return &stats, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
