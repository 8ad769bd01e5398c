package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fatflowers/payflow/internal/app/service/idempotency"
	"github.com/fatflowers/payflow/internal/app/service/notification_log"
	"github.com/fatflowers/payflow/internal/app/service/webhook_ledger"
	"github.com/fatflowers/payflow/internal/models"
	"github.com/fatflowers/payflow/internal/platform/provider"
	"github.com/fatflowers/payflow/pkg/config"
	"github.com/fatflowers/payflow/pkg/tool"
	"github.com/fatflowers/payflow/pkg/types"
)

func newTestService(t *testing.T) (*Service, *provider.StubGateway, *gorm.DB) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Order{},
		&models.PaymentTransaction{},
		&models.IdempotencyRecord{},
		&models.WebhookEvent{},
		&models.PaymentNotificationLog{},
		&models.OutboxMessage{},
	))

	log := zap.NewNop().Sugar()
	stub := provider.NewStubGateway()
	svc := New(
		db,
		log,
		idempotency.NewStore(&config.Config{}, db, log),
		webhook_ledger.NewLedger(db, log),
		provider.NewRegistryWith(stub),
		notification_log.New(db, log),
	)
	return svc, stub, db
}

func seedOrder(t *testing.T, db *gorm.DB, status types.OrderStatus) *models.Order {
	t.Helper()
	order := &models.Order{
		ID:        tool.GenerateUUIDV7(),
		UserID:    "user-1",
		Status:    status,
		AmountDue: 2500,
		Currency:  "PLN",
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

func createParams(order *models.Order, key string) *CreateParams {
	return &CreateParams{
		OrderID:        order.ID,
		Provider:       types.PaymentProviderStub,
		IdempotencyKey: key,
	}
}

func stubEventBody(t *testing.T, eventID, providerPaymentID string, status types.TransactionStatus) []byte {
	t.Helper()
	raw, err := json.Marshal(provider.WebhookEvent{
		EventID:           eventID,
		EventType:         "payment.status",
		ProviderPaymentID: providerPaymentID,
		Status:            status,
	})
	require.NoError(t, err)
	return raw
}

func signedHeader() http.Header {
	h := http.Header{}
	h.Set("X-Stub-Signature", "valid")
	return h
}

func TestCreatePayment(t *testing.T) {
	svc, stub, db := newTestService(t)
	order := seedOrder(t, db, types.OrderStatusPending)

	out, err := svc.CreatePayment(context.Background(), createParams(order, "key-1"))
	require.NoError(t, err)
	require.False(t, out.Cached)
	require.Equal(t, types.TransactionStatusPending, out.Response.Status)
	require.NotEmpty(t, out.Response.CheckoutURL)
	require.Equal(t, 1, stub.CreateCalls)

	var txn models.PaymentTransaction
	require.NoError(t, db.First(&txn, "id = ?", out.Response.TransactionID).Error)
	require.Equal(t, order.ID, txn.OrderID)
	require.Equal(t, int64(2500), txn.Amount)
	require.NotNil(t, txn.ProviderPaymentID)

	var got models.Order
	require.NoError(t, db.First(&got, "id = ?", order.ID).Error)
	require.Equal(t, types.OrderStatusPending, got.Status)
}

func TestCreatePayment_DuplicateKeyReplaysWithoutSecondProviderCall(t *testing.T) {
	svc, stub, db := newTestService(t)
	order := seedOrder(t, db, types.OrderStatusPending)

	first, err := svc.CreatePayment(context.Background(), createParams(order, "key-1"))
	require.NoError(t, err)
	second, err := svc.CreatePayment(context.Background(), createParams(order, "key-1"))
	require.NoError(t, err)

	require.True(t, second.Cached)
	require.Equal(t, first.Response, second.Response)
	require.Equal(t, 1, stub.CreateCalls)

	var count int64
	require.NoError(t, db.Model(&models.PaymentTransaction{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestCreatePayment_KeyReuseWithChangedRequestConflicts(t *testing.T) {
	svc, stub, db := newTestService(t)
	order := seedOrder(t, db, types.OrderStatusPending)

	_, err := svc.CreatePayment(context.Background(), createParams(order, "key-1"))
	require.NoError(t, err)

	require.NoError(t, db.Model(order).Update("amount_due", 9999).Error)

	out, err := svc.CreatePayment(context.Background(), createParams(order, "key-1"))
	require.NoError(t, err)
	require.True(t, out.Conflict)
	require.Nil(t, out.Response)
	require.Equal(t, 1, stub.CreateCalls)
}

func TestCreatePayment_DeclineIsCachedAsFinalAnswer(t *testing.T) {
	svc, stub, db := newTestService(t)
	order := seedOrder(t, db, types.OrderStatusPending)
	stub.DeclineCreate = true

	first, err := svc.CreatePayment(context.Background(), createParams(order, "key-1"))
	require.NoError(t, err)
	require.Equal(t, types.TransactionStatusFailed, first.Response.Status)
	require.Equal(t, "card_declined", first.Response.ErrorCode)

	second, err := svc.CreatePayment(context.Background(), createParams(order, "key-1"))
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Equal(t, "card_declined", second.Response.ErrorCode)
	require.Equal(t, 1, stub.CreateCalls)

	var got models.Order
	require.NoError(t, db.First(&got, "id = ?", order.ID).Error)
	require.Equal(t, types.OrderStatusPending, got.Status)
}

func TestCreatePayment_TransportFailureAllowsRetry(t *testing.T) {
	svc, stub, db := newTestService(t)
	order := seedOrder(t, db, types.OrderStatusPending)

	stub.FailCreate = true
	_, err := svc.CreatePayment(context.Background(), createParams(order, "key-1"))
	require.Error(t, err)

	// The dead attempt must not linger as a pending transaction.
	var failed models.PaymentTransaction
	require.NoError(t, db.First(&failed, "order_id = ?", order.ID).Error)
	require.Equal(t, types.TransactionStatusFailed, failed.Status)
	require.Nil(t, failed.ProviderPaymentID)

	stub.FailCreate = false
	out, err := svc.CreatePayment(context.Background(), createParams(order, "key-1"))
	require.NoError(t, err)
	require.False(t, out.Cached)
	require.Equal(t, types.TransactionStatusPending, out.Response.Status)
	require.Equal(t, 2, stub.CreateCalls)
}

func TestCreatePayment_InstantSuccessMarksOrderPaid(t *testing.T) {
	svc, stub, db := newTestService(t)
	order := seedOrder(t, db, types.OrderStatusPending)
	stub.CreateStatus = types.TransactionStatusSucceeded

	out, err := svc.CreatePayment(context.Background(), createParams(order, "key-1"))
	require.NoError(t, err)
	require.Equal(t, types.TransactionStatusSucceeded, out.Response.Status)

	var got models.Order
	require.NoError(t, db.First(&got, "id = ?", order.ID).Error)
	require.Equal(t, types.OrderStatusPaid, got.Status)

	for _, eventType := range []string{models.OutboxEventOrderStatusChanged, models.OutboxEventOrderPaid} {
		var events int64
		require.NoError(t, db.Model(&models.OutboxMessage{}).
			Where("event_type = ?", eventType).
			Count(&events).Error)
		require.EqualValues(t, 1, events, eventType)
	}
}

func TestCreatePayment_RejectsUnpayableOrderBeforeClaimingKey(t *testing.T) {
	svc, stub, db := newTestService(t)
	order := seedOrder(t, db, types.OrderStatusPaid)

	_, err := svc.CreatePayment(context.Background(), createParams(order, "key-1"))
	require.ErrorIs(t, err, ErrOrderNotPayable)
	require.Equal(t, 0, stub.CreateCalls)

	var claims int64
	require.NoError(t, db.Model(&models.IdempotencyRecord{}).Count(&claims).Error)
	require.EqualValues(t, 0, claims)
}

func TestCreatePayment_MissingKey(t *testing.T) {
	svc, _, db := newTestService(t)
	order := seedOrder(t, db, types.OrderStatusPending)

	_, err := svc.CreatePayment(context.Background(), createParams(order, ""))
	require.ErrorIs(t, err, ErrMissingKey)
}

func TestCreatePayment_ConcurrentSameKeySingleProviderCall(t *testing.T) {
	svc, stub, db := newTestService(t)
	order := seedOrder(t, db, types.OrderStatusPending)

	var wg sync.WaitGroup
	outcomes := make([]*Outcome, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := svc.CreatePayment(context.Background(), createParams(order, "key-1"))
			if err == nil {
				outcomes[i] = out
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, stub.CreateCalls)
	settled := 0
	for _, out := range outcomes {
		if out != nil && out.Response != nil {
			settled++
		}
	}
	require.GreaterOrEqual(t, settled, 1)
}

func TestProcessWebhook_AppliesStatusAndMarksOrderPaid(t *testing.T) {
	svc, _, db := newTestService(t)
	order := seedOrder(t, db, types.OrderStatusPending)

	created, err := svc.CreatePayment(context.Background(), createParams(order, "key-1"))
	require.NoError(t, err)

	var txn models.PaymentTransaction
	require.NoError(t, db.First(&txn, "id = ?", created.Response.TransactionID).Error)

	out, err := svc.ProcessWebhook(context.Background(), types.PaymentProviderStub, &provider.WebhookRequest{
		Body:   stubEventBody(t, "evt_1", *txn.ProviderPaymentID, types.TransactionStatusSucceeded),
		Header: signedHeader(),
	})
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.Equal(t, txn.ID, out.TransactionID)

	require.NoError(t, db.First(&txn, "id = ?", txn.ID).Error)
	require.Equal(t, types.TransactionStatusSucceeded, txn.Status)

	var got models.Order
	require.NoError(t, db.First(&got, "id = ?", order.ID).Error)
	require.Equal(t, types.OrderStatusPaid, got.Status)
}

func TestProcessWebhook_ReplayIsIgnored(t *testing.T) {
	svc, _, db := newTestService(t)
	order := seedOrder(t, db, types.OrderStatusPending)

	created, err := svc.CreatePayment(context.Background(), createParams(order, "key-1"))
	require.NoError(t, err)
	var txn models.PaymentTransaction
	require.NoError(t, db.First(&txn, "id = ?", created.Response.TransactionID).Error)

	req := func() *provider.WebhookRequest {
		return &provider.WebhookRequest{
			Body:   stubEventBody(t, "evt_1", *txn.ProviderPaymentID, types.TransactionStatusSucceeded),
			Header: signedHeader(),
		}
	}

	first, err := svc.ProcessWebhook(context.Background(), types.PaymentProviderStub, req())
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := svc.ProcessWebhook(context.Background(), types.PaymentProviderStub, req())
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.False(t, second.Applied)

	var paidEvents int64
	require.NoError(t, db.Model(&models.OutboxMessage{}).
		Where("event_type = ?", models.OutboxEventOrderPaid).
		Count(&paidEvents).Error)
	require.EqualValues(t, 1, paidEvents)
}

func TestProcessWebhook_BadSignatureRejectedBeforeAnyWork(t *testing.T) {
	svc, _, db := newTestService(t)

	_, err := svc.ProcessWebhook(context.Background(), types.PaymentProviderStub, &provider.WebhookRequest{
		Body:   stubEventBody(t, "evt_1", "stub_x", types.TransactionStatusSucceeded),
		Header: http.Header{},
	})
	require.ErrorIs(t, err, provider.ErrWebhookSignature)

	var events int64
	require.NoError(t, db.Model(&models.WebhookEvent{}).Count(&events).Error)
	require.EqualValues(t, 0, events)
}

func TestProcessWebhook_UnknownPaymentDoesNotConsumeEventID(t *testing.T) {
	svc, _, db := newTestService(t)

	_, err := svc.ProcessWebhook(context.Background(), types.PaymentProviderStub, &provider.WebhookRequest{
		Body:   stubEventBody(t, "evt_1", "stub_missing", types.TransactionStatusSucceeded),
		Header: signedHeader(),
	})
	require.ErrorIs(t, err, ErrTransactionNotFound)

	var events int64
	require.NoError(t, db.Model(&models.WebhookEvent{}).Count(&events).Error)
	require.EqualValues(t, 0, events)
}

func TestProcessWebhook_OutOfOrderEventIsStaleButAcked(t *testing.T) {
	svc, _, db := newTestService(t)
	order := seedOrder(t, db, types.OrderStatusPending)

	created, err := svc.CreatePayment(context.Background(), createParams(order, "key-1"))
	require.NoError(t, err)
	var txn models.PaymentTransaction
	require.NoError(t, db.First(&txn, "id = ?", created.Response.TransactionID).Error)

	_, err = svc.ProcessWebhook(context.Background(), types.PaymentProviderStub, &provider.WebhookRequest{
		Body:   stubEventBody(t, "evt_1", *txn.ProviderPaymentID, types.TransactionStatusSucceeded),
		Header: signedHeader(),
	})
	require.NoError(t, err)

	out, err := svc.ProcessWebhook(context.Background(), types.PaymentProviderStub, &provider.WebhookRequest{
		Body:   stubEventBody(t, "evt_2", *txn.ProviderPaymentID, types.TransactionStatusFailed),
		Header: signedHeader(),
	})
	require.NoError(t, err)
	require.False(t, out.Applied)

	require.NoError(t, db.First(&txn, "id = ?", txn.ID).Error)
	require.Equal(t, types.TransactionStatusSucceeded, txn.Status)
}

type confirmingStub struct {
	*provider.StubGateway
	confirmCalls int
}

func (c *confirmingStub) ConfirmsOnNotify() bool { return true }

func (c *confirmingStub) ConfirmPayment(ctx context.Context, txn *models.PaymentTransaction) (*provider.PaymentResult, error) {
	c.confirmCalls++
	return c.StubGateway.ConfirmPayment(ctx, txn)
}

func TestProcessWebhook_ConfirmOnNotifyGatewayIsVerifiedFirst(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Order{},
		&models.PaymentTransaction{},
		&models.IdempotencyRecord{},
		&models.WebhookEvent{},
		&models.PaymentNotificationLog{},
		&models.OutboxMessage{},
	))
	log := zap.NewNop().Sugar()
	stub := &confirmingStub{StubGateway: provider.NewStubGateway()}
	svc := New(
		db, log,
		idempotency.NewStore(&config.Config{}, db, log),
		webhook_ledger.NewLedger(db, log),
		provider.NewRegistryWith(stub),
		notification_log.New(db, log),
	)

	order := seedOrder(t, db, types.OrderStatusPending)
	created, err := svc.CreatePayment(context.Background(), createParams(order, "key-1"))
	require.NoError(t, err)
	var txn models.PaymentTransaction
	require.NoError(t, db.First(&txn, "id = ?", created.Response.TransactionID).Error)

	out, err := svc.ProcessWebhook(context.Background(), types.PaymentProviderStub, &provider.WebhookRequest{
		Body:   stubEventBody(t, "evt_1", *txn.ProviderPaymentID, types.TransactionStatusSucceeded),
		Header: signedHeader(),
	})
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.Equal(t, 1, stub.confirmCalls)
}

func TestGetPayment(t *testing.T) {
	svc, _, db := newTestService(t)
	order := seedOrder(t, db, types.OrderStatusPending)

	created, err := svc.CreatePayment(context.Background(), createParams(order, "key-1"))
	require.NoError(t, err)

	txn, err := svc.GetPayment(context.Background(), "", created.Response.TransactionID)
	require.NoError(t, err)
	require.Equal(t, order.ID, txn.OrderID)

	txn, err = svc.GetPayment(context.Background(), order.ID, created.Response.TransactionID)
	require.NoError(t, err)
	require.Equal(t, created.Response.TransactionID, txn.ID)

	_, err = svc.GetPayment(context.Background(), "other-order", created.Response.TransactionID)
	require.ErrorIs(t, err, ErrTransactionNotFound)

	_, err = svc.GetPayment(context.Background(), "", "missing")
	require.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestScanTransactions(t *testing.T) {
	svc, _, db := newTestService(t)

	for i := 0; i < 3; i++ {
		order := seedOrder(t, db, types.OrderStatusPending)
		_, err := svc.CreatePayment(context.Background(), createParams(order, "key-"+order.ID))
		require.NoError(t, err)
	}

	txns, total, err := svc.ScanTransactions(context.Background(), &ListParams{
		Filters: []*types.CommonFilter{
			{Field: "provider_id", Operator: types.CommonFilterOperatorEq, Values: []any{string(types.PaymentProviderStub)}},
		},
	})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Len(t, txns, 3)

	paged, total, err := svc.ScanTransactions(context.Background(), &ListParams{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Len(t, paged, 1)
}
