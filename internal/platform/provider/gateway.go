package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fatflowers/payflow/internal/models"
	"github.com/fatflowers/payflow/pkg/types"
)

// ErrWebhookSignature marks a webhook whose signature check failed; such
// requests must be rejected before any dedup or state work happens.
var ErrWebhookSignature = errors.New("invalid webhook signature")

type CreateRequest struct {
	Order *models.Order
	// TransactionID is the local transaction id; providers with a
	// session-based flow use it as the session reference.
	TransactionID  string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

// PaymentResult is the outcome of a create/confirm call. Success=false with
// an ErrorCode is a provider-declared business failure (e.g. declined);
// transport problems are returned as errors instead.
type PaymentResult struct {
	Success           bool                    `json:"success"`
	ProviderPaymentID string                  `json:"provider_payment_id,omitempty"`
	CheckoutURL       string                  `json:"checkout_url,omitempty"`
	ClientSecret      string                  `json:"client_secret,omitempty"`
	Status            types.TransactionStatus `json:"status,omitempty"`
	ProviderStatus    string                  `json:"provider_status,omitempty"`
	ErrorCode         string                  `json:"error_code,omitempty"`
	ErrorMessage      string                  `json:"error_message,omitempty"`
}

type StatusResult struct {
	Success        bool                    `json:"success"`
	Status         types.TransactionStatus `json:"status,omitempty"`
	ProviderStatus string                  `json:"provider_status,omitempty"`
	ErrorCode      string                  `json:"error_code,omitempty"`
	ErrorMessage   string                  `json:"error_message,omitempty"`
	Raw            json.RawMessage         `json:"raw,omitempty"`
}

// WebhookRequest is the raw inbound request; signature checks run over the
// unmodified body.
type WebhookRequest struct {
	Body   []byte
	Header http.Header
}

type WebhookEvent struct {
	EventID           string                  `json:"event_id"`
	EventType         string                  `json:"event_type"`
	ProviderPaymentID string                  `json:"provider_payment_id,omitempty"`
	Status            types.TransactionStatus `json:"status,omitempty"`
	ProviderStatus    string                  `json:"provider_status,omitempty"`
	Raw               json.RawMessage         `json:"raw,omitempty"`
}

// NotifyConfirmer is implemented by gateways whose protocol requires a
// server-to-server confirm call after a success notification (P24's
// /transaction/verify). The orchestrator confirms before trusting the event.
type NotifyConfirmer interface {
	ConfirmsOnNotify() bool
}

// Gateway is the capability set every payment provider variant implements.
type Gateway interface {
	Name() types.PaymentProvider
	CreatePayment(ctx context.Context, req *CreateRequest) (*PaymentResult, error)
	// ConfirmPayment drives the second step for providers that need one.
	ConfirmPayment(ctx context.Context, txn *models.PaymentTransaction) (*PaymentResult, error)
	// FetchPaymentStatus is read-only and safe to call repeatedly.
	FetchPaymentStatus(ctx context.Context, txn *models.PaymentTransaction) (*StatusResult, error)
	// VerifyWebhook must run before ParseWebhook and must use a
	// constant-time comparison.
	VerifyWebhook(req *WebhookRequest) error
	ParseWebhook(req *WebhookRequest) (*WebhookEvent, error)
}
