package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/payflow/internal/models"
	"github.com/fatflowers/payflow/pkg/config"
	"github.com/fatflowers/payflow/pkg/tool"
)

type ClaimStatus string

const (
	// ClaimProceed means the caller owns the record until Commit or Release.
	ClaimProceed ClaimStatus = "proceed"
	// ClaimDuplicate means an identical request already completed; the cached
	// response must be returned instead of re-executing.
	ClaimDuplicate ClaimStatus = "duplicate"
	// ClaimInFlight means an identical request is currently executing.
	ClaimInFlight ClaimStatus = "in_flight"
	// ClaimConflict means the key was reused with a different fingerprint.
	ClaimConflict ClaimStatus = "conflict"
)

type ClaimResult struct {
	Status         ClaimStatus
	CachedResponse datatypes.JSON
}

type Store struct {
	db  *gorm.DB
	log *zap.SugaredLogger
	ttl time.Duration
}

func NewStore(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger) *Store {
	ttl := cfg.Idempotency.RecordTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{db: db, log: log, ttl: ttl}
}

// Claim atomically registers (scope, key) for the caller. The existence
// check and insert are a single statement backed by the unique index; two
// concurrent identical requests can never both observe ClaimProceed.
func (s *Store) Claim(ctx context.Context, scope, key, fingerprint string) (*ClaimResult, error) {
	now := time.Now()
	rec := &models.IdempotencyRecord{
		ID:          tool.GenerateUUIDV7(),
		Scope:       scope,
		Key:         key,
		Fingerprint: fingerprint,
		State:       models.IdempotencyRecordStateInFlight,
		ExpiresAt:   now.Add(s.ttl),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope"}, {Name: "key"}},
			DoNothing: true,
		}).
		Create(rec)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim idempotency record: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return &ClaimResult{Status: ClaimProceed}, nil
	}

	var existing models.IdempotencyRecord
	if err := s.db.WithContext(ctx).
		Where("scope = ? AND key = ?", scope, key).
		First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Row vanished between insert and read; the caller retries.
			return &ClaimResult{Status: ClaimInFlight}, nil
		}
		return nil, fmt.Errorf("failed to load idempotency record: %w", err)
	}

	// Expired records are treated as absent; take the row over in place so
	// the unique key stays intact.
	if existing.IsExpired(now) {
		return s.takeOver(ctx, scope, key, fingerprint, "expires_at < ?", now)
	}

	if existing.Fingerprint != fingerprint {
		return &ClaimResult{Status: ClaimConflict}, nil
	}

	switch existing.State {
	case models.IdempotencyRecordStateCompleted:
		out := &ClaimResult{Status: ClaimDuplicate}
		if existing.Response != nil {
			out.CachedResponse = *existing.Response
		}
		return out, nil
	case models.IdempotencyRecordStateFailed:
		// A released claim: a legitimate retry may re-execute.
		return s.takeOver(ctx, scope, key, fingerprint, "state = ?", models.IdempotencyRecordStateFailed)
	default:
		return &ClaimResult{Status: ClaimInFlight}, nil
	}
}

// takeOver re-arms an expired or released record via a conditional UPDATE;
// losing the race degrades to InFlight, never to a double claim.
func (s *Store) takeOver(ctx context.Context, scope, key, fingerprint, cond string, condArg any) (*ClaimResult, error) {
	res := s.db.WithContext(ctx).
		Model(&models.IdempotencyRecord{}).
		Where("scope = ? AND key = ?", scope, key).
		Where(cond, condArg).
		Updates(map[string]any{
			"fingerprint": fingerprint,
			"state":       models.IdempotencyRecordStateInFlight,
			"response":    nil,
			"expires_at":  time.Now().Add(s.ttl),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to take over idempotency record: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return &ClaimResult{Status: ClaimProceed}, nil
	}
	return &ClaimResult{Status: ClaimInFlight}, nil
}

// Commit stores the response payload and completes the record so future
// duplicates are served from cache.
func (s *Store) Commit(ctx context.Context, scope, key string, response []byte) error {
	payload := datatypes.JSON(response)
	res := s.db.WithContext(ctx).
		Model(&models.IdempotencyRecord{}).
		Where("scope = ? AND key = ? AND state = ?", scope, key, models.IdempotencyRecordStateInFlight).
		Updates(map[string]any{
			"state":    models.IdempotencyRecordStateCompleted,
			"response": &payload,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to commit idempotency record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("idempotency record %s/%s not in flight", scope, key)
	}
	return nil
}

// Release marks an in-flight record failed so an identical retry can
// proceed instead of being stuck until expiry.
func (s *Store) Release(ctx context.Context, scope, key string) error {
	res := s.db.WithContext(ctx).
		Model(&models.IdempotencyRecord{}).
		Where("scope = ? AND key = ? AND state = ?", scope, key, models.IdempotencyRecordStateInFlight).
		Update("state", models.IdempotencyRecordStateFailed)
	if res.Error != nil {
		return fmt.Errorf("failed to release idempotency record: %w", res.Error)
	}
	return nil
}
