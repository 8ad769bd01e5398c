package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.uber.org/zap"

	"github.com/fatflowers/payflow/internal/models"
	"github.com/fatflowers/payflow/pkg/config"
	"github.com/fatflowers/payflow/pkg/types"
)

// StripeGateway drives payments through Stripe PaymentIntents.
type StripeGateway struct {
	client        *client.API
	webhookSecret string
	log           *zap.SugaredLogger
}

func NewStripeGateway(cfg config.StripeConfig, log *zap.SugaredLogger) *StripeGateway {
	sc := &client.API{}
	sc.Init(cfg.APIKey, nil)
	return &StripeGateway{client: sc, webhookSecret: cfg.WebhookSecret, log: log}
}

func (g *StripeGateway) Name() types.PaymentProvider {
	return types.PaymentProviderStripe
}

func (g *StripeGateway) CreatePayment(ctx context.Context, req *CreateRequest) (*PaymentResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	// Stripe's own idempotency layer is defense-in-depth against
	// network-level retries between us and them.
	params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	params.AddMetadata("order_id", req.Order.ID)
	params.AddMetadata("transaction_id", req.TransactionID)

	pi, err := g.client.PaymentIntents.New(params)
	if err != nil {
		if res, ok := mapStripeError(err); ok {
			return res, nil
		}
		return nil, fmt.Errorf("stripe create payment: %w", err)
	}
	return &PaymentResult{
		Success:           true,
		ProviderPaymentID: pi.ID,
		ClientSecret:      pi.ClientSecret,
		Status:            mapStripeStatus(pi.Status),
		ProviderStatus:    string(pi.Status),
	}, nil
}

func (g *StripeGateway) ConfirmPayment(ctx context.Context, txn *models.PaymentTransaction) (*PaymentResult, error) {
	if txn.ProviderPaymentID == nil {
		return nil, fmt.Errorf("transaction %s has no provider payment id", txn.ID)
	}
	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	pi, err := g.client.PaymentIntents.Confirm(*txn.ProviderPaymentID, params)
	if err != nil {
		if res, ok := mapStripeError(err); ok {
			return res, nil
		}
		return nil, fmt.Errorf("stripe confirm payment: %w", err)
	}
	return &PaymentResult{
		Success:           true,
		ProviderPaymentID: pi.ID,
		ClientSecret:      pi.ClientSecret,
		Status:            mapStripeStatus(pi.Status),
		ProviderStatus:    string(pi.Status),
	}, nil
}

func (g *StripeGateway) FetchPaymentStatus(ctx context.Context, txn *models.PaymentTransaction) (*StatusResult, error) {
	if txn.ProviderPaymentID == nil {
		return nil, fmt.Errorf("transaction %s has no provider payment id", txn.ID)
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.client.PaymentIntents.Get(*txn.ProviderPaymentID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			return &StatusResult{
				Success:      false,
				ErrorCode:    string(stripeErr.Code),
				ErrorMessage: stripeErr.Msg,
			}, nil
		}
		return nil, fmt.Errorf("stripe fetch payment status: %w", err)
	}
	out := &StatusResult{
		Success:        true,
		Status:         mapStripeStatus(pi.Status),
		ProviderStatus: string(pi.Status),
	}
	if pi.LastResponse != nil {
		out.Raw = json.RawMessage(pi.LastResponse.RawJSON)
	}
	return out, nil
}

func (g *StripeGateway) VerifyWebhook(req *WebhookRequest) error {
	_, err := webhook.ConstructEvent(req.Body, req.Header.Get("Stripe-Signature"), g.webhookSecret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWebhookSignature, err)
	}
	return nil
}

func (g *StripeGateway) ParseWebhook(req *WebhookRequest) (*WebhookEvent, error) {
	event, err := webhook.ConstructEvent(req.Body, req.Header.Get("Stripe-Signature"), g.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebhookSignature, err)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("failed to parse event payload: %w", err)
	}

	out := &WebhookEvent{
		EventID:           event.ID,
		EventType:         string(event.Type),
		ProviderPaymentID: pi.ID,
		ProviderStatus:    string(pi.Status),
		Raw:               json.RawMessage(req.Body),
	}
	switch event.Type {
	case "payment_intent.succeeded":
		out.Status = types.TransactionStatusSucceeded
	case "payment_intent.payment_failed":
		out.Status = types.TransactionStatusFailed
	case "payment_intent.canceled":
		out.Status = types.TransactionStatusCancelled
	case "payment_intent.requires_action":
		out.Status = types.TransactionStatusRequiresAction
	default:
		out.Status = mapStripeStatus(pi.Status)
	}
	return out, nil
}

func mapStripeStatus(s stripe.PaymentIntentStatus) types.TransactionStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return types.TransactionStatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return types.TransactionStatusCancelled
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresConfirmation:
		return types.TransactionStatusRequiresAction
	default:
		// processing, requires_payment_method, requires_capture
		return types.TransactionStatusPending
	}
}

// mapStripeError converts provider-declared business failures (declines,
// bad requests) into failed results; everything else stays an error.
func mapStripeError(err error) (*PaymentResult, bool) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return nil, false
	}
	switch stripeErr.Type {
	case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
		return &PaymentResult{
			Success:      false,
			ErrorCode:    string(stripeErr.Code),
			ErrorMessage: stripeErr.Msg,
		}, true
	}
	return nil, false
}
