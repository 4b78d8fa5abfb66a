// services/match_service.go
package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wfunc/roomserver/logger"
	"github.com/wfunc/roomserver/models"
	"github.com/wfunc/roomserver/persistence"
)

var ErrStatsUnavailable = errors.New("match archive is not configured")

const defaultSaveTimeout = 5 * time.Second

// MatchService archives finished matches off the room loops and answers stats queries.
// A nil store turns archiving into a no-op.
type MatchService struct {
	store   persistence.Store
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewMatchService(store persistence.Store) *MatchService {
	return &MatchService{store: store, timeout: defaultSaveTimeout}
}

// RecordMatch saves rec in the background. It never blocks the caller.
func (s *MatchService) RecordMatch(rec *models.MatchRecord) {
	if s.store == nil {
		logger.Log.Debugw("match archive disabled, dropping record", "room", rec.RoomID)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		if err := s.store.SaveMatch(ctx, rec); err != nil {
			logger.Log.Errorw("failed to archive match", "room", rec.RoomID, "game", rec.GameSlug, "error", err)
			return
		}
		logger.Log.Infow("match archived", "room", rec.RoomID, "game", rec.GameSlug, "outcome", string(rec.Outcome))
	}()
}

// PlayerStats returns zeroed stats for a player without archived matches.
func (s *MatchService) PlayerStats(ctx context.Context, playerID string) (*models.PlayerStats, error) {
	if s.store == nil {
		return nil, ErrStatsUnavailable
	}
	stats, err := s.store.PlayerStats(ctx, playerID)
	if errors.Is(err, persistence.ErrRecordNotFound) {
		return &models.PlayerStats{PlayerID: playerID}, nil
	}
	return stats, err
}

// Close waits for pending saves and closes the store.
func (s *MatchService) Close() error {
	s.wg.Wait()
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}
