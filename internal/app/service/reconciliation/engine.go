package reconciliation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fatflowers/payflow/internal/app/service/statemachine"
	"github.com/fatflowers/payflow/internal/models"
	"github.com/fatflowers/payflow/internal/platform/outbox"
	"github.com/fatflowers/payflow/internal/platform/provider"
	"github.com/fatflowers/payflow/pkg/config"
	"github.com/fatflowers/payflow/pkg/logctx"
	"github.com/fatflowers/payflow/pkg/metrics"
	"github.com/fatflowers/payflow/pkg/types"
)

type Params struct {
	Provider types.PaymentProvider `json:"provider" binding:"required"`
	// Since restricts the sweep to transactions created at or after it.
	Since time.Time `json:"since"`
	// DryRun classifies without writing anything.
	DryRun bool `json:"dry_run"`
}

// Report counts what a sweep found. Mismatches are never auto-corrected;
// they stay in the report and the logs for a human.
type Report struct {
	Provider  types.PaymentProvider `json:"provider"`
	Scanned   int                   `json:"scanned"`
	Unchanged int                   `json:"unchanged"`
	Updated   int                   `json:"updated"`
	Mismatch  int                   `json:"mismatch"`
	Skipped   int                   `json:"skipped"`
	Failures  int                   `json:"failures"`
	DryRun    bool                  `json:"dry_run"`
}

// Engine sweeps non-terminal transactions against the provider's view and
// converges local state where the state machine allows it.
type Engine struct {
	db        *gorm.DB
	log       *zap.SugaredLogger
	registry  *provider.Registry
	batchSize int
}

func NewEngine(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger, registry *provider.Registry) *Engine {
	batch := cfg.Reconciliation.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Engine{db: db, log: log, registry: registry, batchSize: batch}
}

func (e *Engine) Run(ctx context.Context, params *Params) (*Report, error) {
	gw, err := e.registry.Get(params.Provider)
	if err != nil {
		return nil, err
	}
	log := logctx.FromCtx(ctx, e.log)
	report := &Report{Provider: params.Provider, DryRun: params.DryRun}

	// Ids are UUIDv7, so cursoring on id walks oldest-first and survives
	// rows leaving the non-terminal set mid-sweep.
	cursor := ""
	for {
		query := e.db.WithContext(ctx).
			Where("provider_id = ? AND status IN ?", params.Provider, types.NonTerminalTransactionStatuses).
			Where("id > ?", cursor).
			Order("id").
			Limit(e.batchSize)
		if !params.Since.IsZero() {
			query = query.Where("created_at >= ?", params.Since)
		}

		var batch []*models.PaymentTransaction
		if err := query.Find(&batch).Error; err != nil {
			return report, fmt.Errorf("failed to load reconciliation batch: %w", err)
		}
		if len(batch) == 0 {
			return report, nil
		}

		for _, txn := range batch {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			default:
			}
			cursor = txn.ID
			report.Scanned++
			outcome := e.reconcileOne(ctx, gw, txn, params.DryRun)
			e.count(report, outcome)
			if cv := metrics.MetricsReconcileOutcome.CounterVec(); cv != nil {
				cv.WithLabelValues(string(params.Provider), outcome).Inc()
			}
			if outcome == "mismatch" {
				log.Errorw("reconciliation mismatch",
					"transaction_id", txn.ID, "provider", params.Provider, "local_status", txn.Status)
			}
		}
	}
}

func (e *Engine) count(report *Report, outcome string) {
	switch outcome {
	case "unchanged":
		report.Unchanged++
	case "updated":
		report.Updated++
	case "mismatch":
		report.Mismatch++
	case "skipped":
		report.Skipped++
	default:
		report.Failures++
	}
}

func (e *Engine) reconcileOne(ctx context.Context, gw provider.Gateway, txn *models.PaymentTransaction, dryRun bool) string {
	log := logctx.FromCtx(ctx, e.log)

	// No provider payment id means the create call never reached the
	// provider; there is nothing to compare against.
	if txn.ProviderPaymentID == nil {
		return "skipped"
	}

	res, err := gw.FetchPaymentStatus(ctx, txn)
	if err != nil {
		log.Warnw("reconciliation fetch failed", "transaction_id", txn.ID, "err", err)
		return "failure"
	}
	if !res.Success {
		log.Warnw("reconciliation fetch rejected",
			"transaction_id", txn.ID, "error_code", res.ErrorCode, "error_message", res.ErrorMessage)
		return "failure"
	}

	if res.Status == txn.Status {
		return "unchanged"
	}
	if !statemachine.CanTransactionTransition(txn.Status, res.Status) {
		return "mismatch"
	}
	// Dry-run stops short of the apply; the row is reported skipped, not
	// updated, since nothing actually changed.
	if dryRun {
		return "skipped"
	}
	if err := e.applyStatus(ctx, txn, res); err != nil {
		log.Errorw("reconciliation update failed", "transaction_id", txn.ID, "err", err)
		return "failure"
	}
	log.Infow("reconciliation updated transaction",
		"transaction_id", txn.ID, "status", txn.Status, "provider_status", res.ProviderStatus)
	return "updated"
}

func (e *Engine) applyStatus(ctx context.Context, txn *models.PaymentTransaction, res *provider.StatusResult) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		change, err := statemachine.ApplyTransaction(txn, res.Status)
		if err != nil {
			return err
		}
		extra := txn.GetExtra()
		extra.ProviderStatus = res.ProviderStatus
		txn.Extra = datatypes.NewJSONType(extra)
		if err := tx.Save(txn).Error; err != nil {
			return fmt.Errorf("failed to save transaction: %w", err)
		}
		if err := outbox.Enqueue(tx, models.OutboxEventPaymentStatusChanged, txn.ID, outbox.StatusChangedPayload(change)); err != nil {
			return err
		}

		if txn.Status != types.TransactionStatusSucceeded {
			return nil
		}
		var order models.Order
		if err := tx.First(&order, "id = ?", txn.OrderID).Error; err != nil {
			return fmt.Errorf("failed to load order: %w", err)
		}
		if !statemachine.CanOrderTransition(order.Status, types.OrderStatusPaid) {
			return nil
		}
		orderChange, err := statemachine.ApplyOrder(&order, types.OrderStatusPaid)
		if err != nil {
			return err
		}
		if err := tx.Model(&order).Update("status", order.Status).Error; err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		if err := outbox.Enqueue(tx, models.OutboxEventOrderStatusChanged, order.ID, outbox.StatusChangedPayload(orderChange)); err != nil {
			return err
		}
		return outbox.Enqueue(tx, models.OutboxEventOrderPaid, order.ID, outbox.StatusChangedPayload(orderChange))
	})
}
