package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fatflowers/payflow/internal/models"
	"github.com/fatflowers/payflow/pkg/tool"
	"github.com/fatflowers/payflow/pkg/types"
)

// StubGateway is an in-memory gateway for tests and local development.
// Failure modes are toggled through the exported fields.
type StubGateway struct {
	mu sync.Mutex

	// CreateCalls counts provider-side create invocations; the idempotency
	// tests assert on it.
	CreateCalls int
	// FailCreate simulates a transport failure on create.
	FailCreate bool
	// DeclineCreate simulates a provider-declared decline.
	DeclineCreate bool
	// CreateStatus is the status reported for new payments.
	CreateStatus types.TransactionStatus

	statuses map[string]types.TransactionStatus
}

func NewStubGateway() *StubGateway {
	return &StubGateway{
		CreateStatus: types.TransactionStatusPending,
		statuses:     map[string]types.TransactionStatus{},
	}
}

func (g *StubGateway) Name() types.PaymentProvider {
	return types.PaymentProviderStub
}

// SetStatus overrides the provider-side status for a payment id.
func (g *StubGateway) SetStatus(providerPaymentID string, status types.TransactionStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[providerPaymentID] = status
}

func (g *StubGateway) CreatePayment(ctx context.Context, req *CreateRequest) (*PaymentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CreateCalls++
	if g.FailCreate {
		return nil, fmt.Errorf("stub: simulated network failure")
	}
	if g.DeclineCreate {
		return &PaymentResult{
			Success:      false,
			ErrorCode:    "card_declined",
			ErrorMessage: "stub: declined",
		}, nil
	}
	id := "stub_" + tool.GenerateUUIDV7()
	g.statuses[id] = g.CreateStatus
	return &PaymentResult{
		Success:           true,
		ProviderPaymentID: id,
		CheckoutURL:       "https://stub.example/checkout/" + id,
		ClientSecret:      id + "_secret",
		Status:            g.CreateStatus,
		ProviderStatus:    string(g.CreateStatus),
	}, nil
}

func (g *StubGateway) ConfirmPayment(ctx context.Context, txn *models.PaymentTransaction) (*PaymentResult, error) {
	if txn.ProviderPaymentID == nil {
		return nil, fmt.Errorf("transaction %s has no provider payment id", txn.ID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[*txn.ProviderPaymentID] = types.TransactionStatusSucceeded
	return &PaymentResult{
		Success:           true,
		ProviderPaymentID: *txn.ProviderPaymentID,
		Status:            types.TransactionStatusSucceeded,
		ProviderStatus:    "succeeded",
	}, nil
}

func (g *StubGateway) FetchPaymentStatus(ctx context.Context, txn *models.PaymentTransaction) (*StatusResult, error) {
	if txn.ProviderPaymentID == nil {
		return nil, fmt.Errorf("transaction %s has no provider payment id", txn.ID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	status, ok := g.statuses[*txn.ProviderPaymentID]
	if !ok {
		return nil, fmt.Errorf("stub: unknown payment %s", *txn.ProviderPaymentID)
	}
	return &StatusResult{
		Success:        true,
		Status:         status,
		ProviderStatus: string(status),
	}, nil
}

func (g *StubGateway) VerifyWebhook(req *WebhookRequest) error {
	if req.Header.Get("X-Stub-Signature") != "valid" {
		return ErrWebhookSignature
	}
	return nil
}

func (g *StubGateway) ParseWebhook(req *WebhookRequest) (*WebhookEvent, error) {
	var event WebhookEvent
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return nil, fmt.Errorf("failed to parse stub event: %w", err)
	}
	event.Raw = json.RawMessage(req.Body)
	return &event, nil
}
