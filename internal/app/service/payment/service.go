package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/payflow/internal/app/service/idempotency"
	"github.com/fatflowers/payflow/internal/app/service/notification_log"
	"github.com/fatflowers/payflow/internal/app/service/statemachine"
	"github.com/fatflowers/payflow/internal/app/service/webhook_ledger"
	"github.com/fatflowers/payflow/internal/models"
	"github.com/fatflowers/payflow/internal/platform/outbox"
	"github.com/fatflowers/payflow/internal/platform/provider"
	"github.com/fatflowers/payflow/pkg/logctx"
	"github.com/fatflowers/payflow/pkg/metrics"
	"github.com/fatflowers/payflow/pkg/tool"
	"github.com/fatflowers/payflow/pkg/types"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotPayable     = errors.New("order is not payable")
	ErrMissingKey          = errors.New("missing idempotency key")
	ErrTransactionNotFound = errors.New("transaction not found")
)

const (
	claimRetries    = 3
	claimRetryDelay = 150 * time.Millisecond
)

// CreateParams is a request to start a payment for an order.
type CreateParams struct {
	OrderID        string                `json:"order_id" binding:"required"`
	Provider       types.PaymentProvider `json:"provider" binding:"required"`
	IdempotencyKey string                `json:"-"`
}

// CreateResponse is the client-facing result of a create call. It is also
// the payload cached on the idempotency record, so duplicates replay it
// byte for byte.
type CreateResponse struct {
	TransactionID string                  `json:"transaction_id"`
	OrderID       string                  `json:"order_id"`
	Provider      types.PaymentProvider   `json:"provider"`
	Status        types.TransactionStatus `json:"status"`
	CheckoutURL   string                  `json:"checkout_url,omitempty"`
	ClientSecret  string                  `json:"client_secret,omitempty"`
	ErrorCode     string                  `json:"error_code,omitempty"`
	ErrorMessage  string                  `json:"error_message,omitempty"`
}

// Outcome wraps a create result with how it was produced. Exactly one of
// Conflict, RetryLater or Response is meaningful.
type Outcome struct {
	// Cached is set when Response was replayed from a completed record.
	Cached bool
	// Conflict is set when the idempotency key was reused with a different
	// request body.
	Conflict bool
	// RetryLater is set when an identical request is still executing.
	RetryLater bool
	Response   *CreateResponse
}

// WebhookOutcome reports what a webhook delivery did. Deliveries are acked
// regardless; the fields only drive logging and metrics.
type WebhookOutcome struct {
	Duplicate     bool
	Applied       bool
	TransactionID string
}

type ListParams struct {
	Filters  []*types.CommonFilter `json:"filters"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
}

// Orchestrator is the payment core entrypoint used by the HTTP layer.
type Orchestrator interface {
	CreatePayment(ctx context.Context, params *CreateParams) (*Outcome, error)
	ProcessWebhook(ctx context.Context, name types.PaymentProvider, req *provider.WebhookRequest) (*WebhookOutcome, error)
	// GetPayment scopes the lookup to an order when orderID is non-empty.
	GetPayment(ctx context.Context, orderID, transactionID string) (*models.PaymentTransaction, error)
	ScanTransactions(ctx context.Context, params *ListParams) ([]*models.PaymentTransaction, int64, error)
}

type Service struct {
	db        *gorm.DB
	log       *zap.SugaredLogger
	keys      *idempotency.Store
	ledger    *webhook_ledger.Ledger
	registry  *provider.Registry
	notifLogs *notification_log.Service
}

func New(
	db *gorm.DB,
	log *zap.SugaredLogger,
	keys *idempotency.Store,
	ledger *webhook_ledger.Ledger,
	registry *provider.Registry,
	notifLogs *notification_log.Service,
) *Service {
	return &Service{
		db:        db,
		log:       log,
		keys:      keys,
		ledger:    ledger,
		registry:  registry,
		notifLogs: notifLogs,
	}
}

var _ Orchestrator = (*Service)(nil)

// requestFingerprint binds the idempotency key to the request semantics, so
// key reuse with a different body is detectable.
func requestFingerprint(order *models.Order, name types.PaymentProvider) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s", order.ID, order.AmountDue, order.Currency, name)))
	return hex.EncodeToString(sum[:])
}

func incCounter(m *metrics.Metric, labels ...string) {
	if cv := m.CounterVec(); cv != nil {
		cv.WithLabelValues(labels...).Inc()
	}
}

func observeProcess(subtype string, start time.Time) {
	if hv := metrics.MetricsBusinessProcess.HistogramVec(); hv != nil {
		hv.WithLabelValues("payment", subtype).Observe(metrics.MillisecondsSince(start))
	}
}

func (s *Service) CreatePayment(ctx context.Context, params *CreateParams) (*Outcome, error) {
	start := time.Now()
	defer observeProcess("create", start)
	log := logctx.FromCtx(ctx, s.log)

	if params.IdempotencyKey == "" {
		return nil, ErrMissingKey
	}
	gw, err := s.registry.Get(params.Provider)
	if err != nil {
		return nil, err
	}

	var order models.Order
	if err := s.db.WithContext(ctx).First(&order, "id = ?", params.OrderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, params.OrderID)
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	// Payability is checked before the key is claimed, so an unpayable order
	// never burns the caller's key.
	if !order.IsPayable() {
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotPayable, order.ID, order.Status)
	}

	scope := fmt.Sprintf("create:%s:%s", params.Provider, order.ID)
	fingerprint := requestFingerprint(&order, params.Provider)

	claim, err := s.claimWithRetry(ctx, scope, params.IdempotencyKey, fingerprint)
	if err != nil {
		return nil, err
	}
	switch claim.Status {
	case idempotency.ClaimDuplicate:
		var cached CreateResponse
		if err := json.Unmarshal(claim.CachedResponse, &cached); err != nil {
			return nil, fmt.Errorf("failed to decode cached response: %w", err)
		}
		incCounter(metrics.MetricsPaymentCreate, string(params.Provider), "cached")
		return &Outcome{Cached: true, Response: &cached}, nil
	case idempotency.ClaimConflict:
		incCounter(metrics.MetricsPaymentCreate, string(params.Provider), "conflict")
		return &Outcome{Conflict: true}, nil
	case idempotency.ClaimInFlight:
		incCounter(metrics.MetricsPaymentCreate, string(params.Provider), "in_flight")
		return &Outcome{RetryLater: true}, nil
	}

	// Claim owned from here; every exit must Commit or Release it.
	resp, err := s.executeCreate(ctx, gw, &order, params, fingerprint)
	if err != nil {
		if relErr := s.keys.Release(ctx, scope, params.IdempotencyKey); relErr != nil {
			log.Errorf("failed to release idempotency claim %s: %v", scope, relErr)
		}
		incCounter(metrics.MetricsPaymentCreate, string(params.Provider), "error")
		return nil, err
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode create response: %w", err)
	}
	if err := s.keys.Commit(ctx, scope, params.IdempotencyKey, raw); err != nil {
		return nil, err
	}

	outcome := "created"
	if resp.ErrorCode != "" {
		outcome = "declined"
	}
	incCounter(metrics.MetricsPaymentCreate, string(params.Provider), outcome)
	return &Outcome{Response: resp}, nil
}

func (s *Service) claimWithRetry(ctx context.Context, scope, key, fingerprint string) (*idempotency.ClaimResult, error) {
	var claim *idempotency.ClaimResult
	var err error
	for attempt := 0; attempt < claimRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(claimRetryDelay):
			}
		}
		claim, err = s.keys.Claim(ctx, scope, key, fingerprint)
		if err != nil {
			return nil, err
		}
		if claim.Status != idempotency.ClaimInFlight {
			return claim, nil
		}
	}
	return claim, nil
}

// executeCreate performs the provider call and persists the transaction.
// Returned errors are transport-level and leave the claim to be released;
// provider declines are a successful outcome that must be cached.
func (s *Service) executeCreate(ctx context.Context, gw provider.Gateway, order *models.Order, params *CreateParams, fingerprint string) (*CreateResponse, error) {
	log := logctx.FromCtx(ctx, s.log)

	txn := &models.PaymentTransaction{
		ID:             tool.GenerateUUIDV7(),
		OrderID:        order.ID,
		ProviderID:     params.Provider,
		Status:         types.TransactionStatusPending,
		Amount:         order.AmountDue,
		Currency:       order.Currency,
		IdempotencyKey: params.IdempotencyKey,
		Fingerprint:    fingerprint,
	}
	if err := s.db.WithContext(ctx).Create(txn).Error; err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	result, err := gw.CreatePayment(ctx, &provider.CreateRequest{
		Order:          order,
		TransactionID:  txn.ID,
		Amount:         order.AmountDue,
		Currency:       order.Currency,
		IdempotencyKey: params.IdempotencyKey,
	})
	if err != nil {
		// The attempt is dead either way; a retry claims a fresh record and
		// creates a fresh transaction, so this one must not stay pending.
		if _, applyErr := statemachine.ApplyTransaction(txn, types.TransactionStatusFailed); applyErr == nil {
			if saveErr := s.db.WithContext(ctx).Model(txn).Update("status", txn.Status).Error; saveErr != nil {
				log.Errorf("failed to mark transaction %s failed: %v", txn.ID, saveErr)
			}
		}
		return nil, fmt.Errorf("provider %s create failed: %w", params.Provider, err)
	}

	extra := &models.PaymentTransactionExtra{
		CheckoutURL:    result.CheckoutURL,
		ClientSecret:   result.ClientSecret,
		ProviderStatus: result.ProviderStatus,
		ErrorCode:      result.ErrorCode,
		ErrorMessage:   result.ErrorMessage,
	}

	if !result.Success {
		// A decline is a final answer; cache it so retries with the same key
		// do not hit the provider again.
		if _, err := statemachine.ApplyTransaction(txn, types.TransactionStatusFailed); err != nil {
			return nil, err
		}
		txn.Extra = datatypes.NewJSONType(extra)
		if err := s.db.WithContext(ctx).Save(txn).Error; err != nil {
			return nil, fmt.Errorf("failed to save declined transaction: %w", err)
		}
		log.Infow("payment declined by provider",
			"transaction_id", txn.ID, "provider", params.Provider, "error_code", result.ErrorCode)
		return &CreateResponse{
			TransactionID: txn.ID,
			OrderID:       order.ID,
			Provider:      params.Provider,
			Status:        txn.Status,
			ErrorCode:     result.ErrorCode,
			ErrorMessage:  result.ErrorMessage,
		}, nil
	}

	if result.ProviderPaymentID != "" {
		txn.ProviderPaymentID = &result.ProviderPaymentID
	}
	txn.Extra = datatypes.NewJSONType(extra)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result.Status != txn.Status {
			change, err := statemachine.ApplyTransaction(txn, result.Status)
			if err != nil {
				return err
			}
			if err := outbox.Enqueue(tx, models.OutboxEventPaymentStatusChanged, txn.ID, outbox.StatusChangedPayload(change)); err != nil {
				return err
			}
		}
		if err := tx.Save(txn).Error; err != nil {
			return fmt.Errorf("failed to save transaction: %w", err)
		}
		// Synchronous success (stub and some confirm-on-create flows) marks
		// the order paid without waiting for a webhook.
		if txn.Status == types.TransactionStatusSucceeded {
			if err := s.markOrderPaid(tx, order); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Infow("payment created",
		"transaction_id", txn.ID, "provider", params.Provider, "status", txn.Status)
	return &CreateResponse{
		TransactionID: txn.ID,
		OrderID:       order.ID,
		Provider:      params.Provider,
		Status:        txn.Status,
		CheckoutURL:   result.CheckoutURL,
		ClientSecret:  result.ClientSecret,
	}, nil
}

func (s *Service) markOrderPaid(tx *gorm.DB, order *models.Order) error {
	change, err := statemachine.ApplyOrder(order, types.OrderStatusPaid)
	if err != nil {
		return err
	}
	if err := tx.Model(order).Update("status", order.Status).Error; err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if err := outbox.Enqueue(tx, models.OutboxEventOrderStatusChanged, order.ID, outbox.StatusChangedPayload(change)); err != nil {
		return err
	}
	// Kept alongside the generic status event so consumers that only care
	// about fulfilment do not have to filter on the to-status.
	if err := outbox.Enqueue(tx, models.OutboxEventOrderPaid, order.ID, outbox.StatusChangedPayload(change)); err != nil {
		return err
	}
	return nil
}

func (s *Service) ProcessWebhook(ctx context.Context, name types.PaymentProvider, req *provider.WebhookRequest) (*WebhookOutcome, error) {
	start := time.Now()
	defer observeProcess("webhook", start)
	log := logctx.FromCtx(ctx, s.log)

	gw, err := s.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if err := gw.VerifyWebhook(req); err != nil {
		incCounter(metrics.MetricsWebhookEvents, string(name), "rejected")
		return nil, err
	}
	event, err := gw.ParseWebhook(req)
	if err != nil {
		incCounter(metrics.MetricsWebhookEvents, string(name), "malformed")
		return nil, err
	}

	notifLog := &models.PaymentNotificationLog{
		ID:               tool.GenerateUUIDV7(),
		ProviderID:       string(name),
		EventID:          event.EventID,
		NotificationTime: time.Now(),
		Data:             datatypes.JSON(req.Body),
		Status:           models.PaymentNotificationLogStatusReceived,
	}
	s.notifLogs.Save(ctx, notifLog)

	// Resolve the transaction before claiming the event id. An unknown
	// payment leaves the ledger untouched so the provider's retry can land
	// after our own create commits.
	var txn models.PaymentTransaction
	if event.ProviderPaymentID == "" {
		incCounter(metrics.MetricsWebhookEvents, string(name), "ignored")
		return &WebhookOutcome{}, nil
	}
	err = s.db.WithContext(ctx).
		Where("provider_id = ? AND provider_payment_id = ?", name, event.ProviderPaymentID).
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			incCounter(metrics.MetricsWebhookEvents, string(name), "unknown_payment")
			return nil, fmt.Errorf("%w: provider payment %s", ErrTransactionNotFound, event.ProviderPaymentID)
		}
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}

	// Protocols like P24 demand a server-to-server confirm before a success
	// notification may be trusted. This runs before the event id is
	// claimed, so a confirm failure leaves the delivery retryable.
	if event.Status == types.TransactionStatusSucceeded && !txn.Status.IsTerminal() {
		if c, ok := gw.(provider.NotifyConfirmer); ok && c.ConfirmsOnNotify() {
			res, err := gw.ConfirmPayment(ctx, &txn)
			if err != nil {
				incCounter(metrics.MetricsWebhookEvents, string(name), "confirm_failed")
				return nil, fmt.Errorf("provider %s confirm failed: %w", name, err)
			}
			if !res.Success {
				incCounter(metrics.MetricsWebhookEvents, string(name), "confirm_rejected")
				return nil, fmt.Errorf("provider %s rejected confirm: %s", name, res.ErrorCode)
			}
		}
	}

	// The ledger claim and the state application share one transaction:
	// either the event id is recorded with its side effects, or neither
	// lands and the provider's retry starts clean.
	var duplicate, applied bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := s.ledger.ClaimInTx(tx, name, event.EventID, event.EventType)
		if err != nil {
			return err
		}
		if claimed == webhook_ledger.ClaimAlreadyProcessed {
			duplicate = true
			return nil
		}
		applied, err = s.applyWebhookStatus(ctx, tx, &txn, event)
		return err
	})
	s.notifLogs.MarkHandled(ctx, notifLog.ID, err)
	if err != nil {
		incCounter(metrics.MetricsWebhookEvents, string(name), "failed")
		return nil, err
	}
	switch {
	case duplicate:
		log.Infow("duplicate webhook ignored", "provider", name, "event_id", event.EventID)
		incCounter(metrics.MetricsWebhookEvents, string(name), "duplicate")
	case applied:
		incCounter(metrics.MetricsWebhookEvents, string(name), "applied")
	default:
		incCounter(metrics.MetricsWebhookEvents, string(name), "stale")
	}
	return &WebhookOutcome{Duplicate: duplicate, Applied: applied, TransactionID: txn.ID}, nil
}

// applyWebhookStatus moves the transaction (and on success its order) to
// the reported status inside the caller's transaction. A transition the
// machine refuses, typically an out-of-order event against a terminal
// transaction, is dropped without error so the delivery still acks.
func (s *Service) applyWebhookStatus(ctx context.Context, tx *gorm.DB, txn *models.PaymentTransaction, event *provider.WebhookEvent) (bool, error) {
	log := logctx.FromCtx(ctx, s.log)

	if event.Status == "" || event.Status == txn.Status {
		return false, nil
	}
	if !statemachine.CanTransactionTransition(txn.Status, event.Status) {
		log.Warnw("webhook transition rejected",
			"transaction_id", txn.ID, "from", txn.Status, "to", event.Status, "event_id", event.EventID)
		return false, nil
	}

	change, err := statemachine.ApplyTransaction(txn, event.Status)
	if err != nil {
		return false, err
	}
	extra := txn.GetExtra()
	if event.ProviderStatus != "" {
		extra.ProviderStatus = event.ProviderStatus
	}
	txn.Extra = datatypes.NewJSONType(extra)
	if err := tx.Save(txn).Error; err != nil {
		return false, fmt.Errorf("failed to save transaction: %w", err)
	}
	if err := outbox.Enqueue(tx, models.OutboxEventPaymentStatusChanged, txn.ID, outbox.StatusChangedPayload(change)); err != nil {
		return false, err
	}

	if txn.Status != types.TransactionStatusSucceeded {
		return true, nil
	}
	var order models.Order
	if err := tx.First(&order, "id = ?", txn.OrderID).Error; err != nil {
		return false, fmt.Errorf("failed to load order: %w", err)
	}
	if !statemachine.CanOrderTransition(order.Status, types.OrderStatusPaid) {
		log.Warnw("order not movable to paid", "order_id", order.ID, "status", order.Status)
		return true, nil
	}
	if err := s.markOrderPaid(tx, &order); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) GetPayment(ctx context.Context, orderID, transactionID string) (*models.PaymentTransaction, error) {
	query := s.db.WithContext(ctx)
	if orderID != "" {
		query = query.Where("order_id = ?", orderID)
	}
	var txn models.PaymentTransaction
	if err := query.First(&txn, "id = ?", transactionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
		}
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return &txn, nil
}

// ScanTransactions lists transactions for the admin surface.
func (s *Service) ScanTransactions(ctx context.Context, params *ListParams) ([]*models.PaymentTransaction, int64, error) {
	page := params.Page
	if page < 1 {
		page = 1
	}
	pageSize := params.PageSize
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	query := s.db.WithContext(ctx).Model(&models.PaymentTransaction{})
	if len(params.Filters) > 0 {
		exprs := lo.Map(params.Filters, func(f *types.CommonFilter, _ int) clause.Expression { return f })
		query = query.Clauses(exprs...)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	var txns []*models.PaymentTransaction
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&txns).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txns, total, nil
}
