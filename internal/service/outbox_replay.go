package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"gudangkas/backend/internal/apperr"
	"gudangkas/backend/internal/domain"
	"gudangkas/backend/internal/logging"
	"gudangkas/backend/internal/outbox"
	"gudangkas/backend/internal/store"
)

// ReplayCashMovements retries spooled cash movements. Entries whose session
// has closed are marked dead and left for manual reconciliation.
func (s *Service) ReplayCashMovements(ctx context.Context, limit int) (domain.ReplayResult, error) {
	lease, err := s.obtainJobLock(ctx, replayLockKey, "cash movement replay is already running")
	if err != nil {
		return domain.ReplayResult{}, err
	}
	defer s.releaseJobLock(lease, replayLockKey)

	if limit < 1 {
		limit = defaultListLimit
	}
	entries, err := s.spool.Pending(ctx, limit)
	if err != nil {
		return domain.ReplayResult{}, apperr.Internal(err)
	}

	var result domain.ReplayResult
	for _, entry := range entries {
		switch status := s.replayOne(ctx, entry); status {
		case outbox.StatusPosted:
			result.Posted++
		case outbox.StatusDead:
			result.Dead++
		default:
			result.Pending++
		}
	}
	if result.Posted > 0 || result.Dead > 0 {
		s.logAudit(ctx, "cash_movement_replay", "job", replayLockKey, fmt.Sprintf("posted=%d,dead=%d,pending=%d", result.Posted, result.Dead, result.Pending))
	}
	return result, nil
}

func (s *Service) replayOne(ctx context.Context, entry outbox.Entry) outbox.Status {
	at := s.now()
	_, err := s.repo.CreateCashMovement(ctx, entry.Movement)

	// A conflict means an earlier attempt already wrote this movement id.
	if err == nil || errors.Is(err, store.ErrConflict) {
		if markErr := s.spool.MarkPosted(ctx, entry.ID, at); markErr != nil {
			logging.LogError(s.logger, "service", "replayOne", "mark posted", entry.ID, markErr)
		}
		return outbox.StatusPosted
	}

	dead := errors.Is(err, store.ErrSessionClosed) || errors.Is(err, store.ErrNotFound) || entry.Attempts+1 >= maxReplayAttempts
	if markErr := s.spool.MarkFailed(ctx, entry.ID, err.Error(), dead, at); markErr != nil {
		logging.LogError(s.logger, "service", "replayOne", "mark failed", entry.ID, markErr)
	}
	if dead {
		s.logger.WithFields(logrus.Fields{
			"module":     "service",
			"entry_id":   entry.ID,
			"session_id": entry.Movement.SessionID,
			"error":      err.Error(),
		}).Warn("cash movement needs manual reconciliation")
		return outbox.StatusDead
	}
	return outbox.StatusPending
}

// RunCashMovementReplay replays the spool every interval until ctx is done.
func (s *Service) RunCashMovementReplay(ctx context.Context, interval time.Duration, batchSize int) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := s.ReplayCashMovements(ctx, batchSize)
			if err != nil {
				if errors.Is(err, apperr.ErrConflict) || ctx.Err() != nil {
					continue
				}
				logging.LogError(s.logger, "service", "RunCashMovementReplay", "replay tick", nil, err)
				continue
			}
			if result.Posted > 0 || result.Dead > 0 {
				s.logger.WithFields(logrus.Fields{
					"module":  "service",
					"posted":  result.Posted,
					"dead":    result.Dead,
					"pending": result.Pending,
				}).Info("cash movement replay")
			}
		}
	}
}
