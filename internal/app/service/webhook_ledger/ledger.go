package webhook_ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/payflow/internal/models"
	"github.com/fatflowers/payflow/pkg/tool"
	"github.com/fatflowers/payflow/pkg/types"
)

type ClaimStatus string

const (
	ClaimFirstSeen        ClaimStatus = "first_seen"
	ClaimAlreadyProcessed ClaimStatus = "already_processed"
)

// Ledger records which provider event ids have already been applied, so
// at-least-once webhook delivery collapses to at-most-once application.
type Ledger struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewLedger(db *gorm.DB, log *zap.SugaredLogger) *Ledger {
	return &Ledger{db: db, log: log}
}

// Claim performs an atomic insert-if-absent on (provider, eventID).
// Processing side effects may only run on ClaimFirstSeen.
func (l *Ledger) Claim(ctx context.Context, provider types.PaymentProvider, eventID, eventType string) (ClaimStatus, error) {
	return l.ClaimInTx(l.db.WithContext(ctx), provider, eventID, eventType)
}

// ClaimInTx runs the claim inside the caller's transaction, so the claim
// rolls back together with the side effects it guards.
func (l *Ledger) ClaimInTx(tx *gorm.DB, provider types.PaymentProvider, eventID, eventType string) (ClaimStatus, error) {
	rec := &models.WebhookEvent{
		ID:          tool.GenerateUUIDV7(),
		ProviderID:  provider,
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: time.Now(),
	}
	res := tx.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_id"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(rec)
	if res.Error != nil {
		return "", fmt.Errorf("failed to claim webhook event: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ClaimAlreadyProcessed, nil
	}
	return ClaimFirstSeen, nil
}
