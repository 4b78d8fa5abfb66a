// persistence/gorm_postgresql.go
package persistence

import (
	"context"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wfunc/roomserver/models"
)

const gormStatsQuery = `
    SELECT
        COUNT(*) AS total_games,
        COALESCE(SUM(CASE WHEN jsonb_exists(winners, ?) THEN 1 ELSE 0 END), 0) AS wins,
        COALESCE(SUM(CASE WHEN outcome = 'draw' THEN 1 ELSE 0 END), 0) AS draws,
        COALESCE(SUM(CASE WHEN outcome = 'win' AND NOT jsonb_exists(winners, ?) THEN 1 ELSE 0 END), 0) AS losses
    FROM match_records
    WHERE players @> ?::jsonb`

// GormStore archives matches through GORM.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(dsn string) (*GormStore, error) {
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold: time.Second,
			LogLevel:      logger.Silent,
			Colorful:      false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&models.MatchRecord{}); err != nil {
		return nil, err
	}

	return &GormStore{db: db}, nil
}

func (s *GormStore) SaveMatch(ctx context.Context, rec *models.MatchRecord) error {
	if rec.Winners == nil {
		rec.Winners = []string{}
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *GormStore) PlayerStats(ctx context.Context, playerID string) (*models.PlayerStats, error) {
	filter, err := playerFilter(playerID)
	if err != nil {
		return nil, err
	}

	stats := models.PlayerStats{PlayerID: playerID}
	if err := s.db.WithContext(ctx).Raw(gormStatsQuery, playerID, playerID, filter).Scan(&stats).Error; err != nil {
		return nil, err
	}
	if stats.TotalGames == 0 {
		return nil, ErrRecordNotFound
	}
	stats.PlayerID = playerID
	return &stats, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
