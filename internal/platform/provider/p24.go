package provider

import (
	"bytes"
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fatflowers/payflow/internal/models"
	"github.com/fatflowers/payflow/pkg/config"
	"github.com/fatflowers/payflow/pkg/types"
)

const (
	p24LiveBaseURL    = "https://secure.przelewy24.pl"
	p24SandboxBaseURL = "https://sandbox.przelewy24.pl"
)

// P24Gateway drives payments through the Przelewy24 REST API. P24 is a
// redirect flow: register returns a checkout URL, the shopper pays on the
// P24 page, and a status notification comes back as a webhook that must be
// confirmed with /transaction/verify.
type P24Gateway struct {
	cfg        config.P24Config
	baseURL    string
	httpClient *http.Client
	log        *zap.SugaredLogger
}

func NewP24Gateway(cfg config.P24Config, log *zap.SugaredLogger) *P24Gateway {
	base := p24SandboxBaseURL
	if cfg.IsLive {
		base = p24LiveBaseURL
	}
	return &P24Gateway{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log,
	}
}

func (g *P24Gateway) Name() types.PaymentProvider {
	return types.PaymentProviderP24
}

// ConfirmsOnNotify is true: P24 requires the verify call before a
// notification may be trusted.
func (g *P24Gateway) ConfirmsOnNotify() bool { return true }

type p24RegisterRequest struct {
	MerchantID int    `json:"merchantId"`
	PosID      int    `json:"posId"`
	SessionID  string `json:"sessionId"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Description string `json:"description"`
	Country    string `json:"country"`
	Language   string `json:"language"`
	URLReturn  string `json:"urlReturn"`
	URLStatus  string `json:"urlStatus"`
	Sign       string `json:"sign"`
}

type p24ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (g *P24Gateway) CreatePayment(ctx context.Context, req *CreateRequest) (*PaymentResult, error) {
	// The local transaction id doubles as the P24 session id; every later
	// call references the payment through it.
	sessionID := req.TransactionID
	body := p24RegisterRequest{
		MerchantID:  g.cfg.MerchantID,
		PosID:       g.cfg.PosID,
		SessionID:   sessionID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: fmt.Sprintf("order %s", req.Order.ID),
		Country:     "PL",
		Language:    "pl",
		URLReturn:   g.cfg.ReturnURL,
		URLStatus:   g.cfg.StatusURL,
		Sign: p24Sign(fmt.Sprintf(`{"sessionId":%q,"merchantId":%d,"amount":%d,"currency":%q,"crc":%q}`,
			sessionID, g.cfg.MerchantID, req.Amount, req.Currency, g.cfg.CRCKey)),
	}

	var out struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if res, err := g.call(ctx, http.MethodPost, "/api/v1/transaction/register", body, &out); err != nil {
		return nil, err
	} else if res != nil {
		return res, nil
	}

	return &PaymentResult{
		Success:           true,
		ProviderPaymentID: sessionID,
		CheckoutURL:       g.baseURL + "/trnRequest/" + out.Data.Token,
		Status:            types.TransactionStatusRequiresAction,
		ProviderStatus:    "registered",
	}, nil
}

type p24TransactionData struct {
	OrderID   int64  `json:"orderId"`
	SessionID string `json:"sessionId"`
	Status    int    `json:"status"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Statement string `json:"statement"`
}

func (g *P24Gateway) fetchBySession(ctx context.Context, sessionID string) (*p24TransactionData, *PaymentResult, error) {
	var out struct {
		Data p24TransactionData `json:"data"`
	}
	res, err := g.call(ctx, http.MethodGet, "/api/v1/transaction/by/sessionId/"+sessionID, nil, &out)
	if err != nil {
		return nil, nil, err
	}
	if res != nil {
		return nil, res, nil
	}
	return &out.Data, nil, nil
}

// ConfirmPayment runs the mandatory P24 verify step after a notification
// reported the payment as made.
func (g *P24Gateway) ConfirmPayment(ctx context.Context, txn *models.PaymentTransaction) (*PaymentResult, error) {
	if txn.ProviderPaymentID == nil {
		return nil, fmt.Errorf("transaction %s has no provider payment id", txn.ID)
	}
	data, failure, err := g.fetchBySession(ctx, *txn.ProviderPaymentID)
	if err != nil {
		return nil, err
	}
	if failure != nil {
		return failure, nil
	}

	body := map[string]any{
		"merchantId": g.cfg.MerchantID,
		"posId":      g.cfg.PosID,
		"sessionId":  data.SessionID,
		"amount":     data.Amount,
		"currency":   data.Currency,
		"orderId":    data.OrderID,
		"sign": p24Sign(fmt.Sprintf(`{"sessionId":%q,"orderId":%d,"amount":%d,"currency":%q,"crc":%q}`,
			data.SessionID, data.OrderID, data.Amount, data.Currency, g.cfg.CRCKey)),
	}
	var out struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	if res, err := g.call(ctx, http.MethodPut, "/api/v1/transaction/verify", body, &out); err != nil {
		return nil, err
	} else if res != nil {
		return res, nil
	}
	return &PaymentResult{
		Success:           true,
		ProviderPaymentID: data.SessionID,
		Status:            types.TransactionStatusSucceeded,
		ProviderStatus:    out.Data.Status,
	}, nil
}

func (g *P24Gateway) FetchPaymentStatus(ctx context.Context, txn *models.PaymentTransaction) (*StatusResult, error) {
	if txn.ProviderPaymentID == nil {
		return nil, fmt.Errorf("transaction %s has no provider payment id", txn.ID)
	}
	data, failure, err := g.fetchBySession(ctx, *txn.ProviderPaymentID)
	if err != nil {
		return nil, err
	}
	if failure != nil {
		return &StatusResult{
			Success:      false,
			ErrorCode:    failure.ErrorCode,
			ErrorMessage: failure.ErrorMessage,
		}, nil
	}
	raw, _ := json.Marshal(data)
	return &StatusResult{
		Success:        true,
		Status:         mapP24Status(data.Status),
		ProviderStatus: fmt.Sprintf("%d", data.Status),
		Raw:            raw,
	}, nil
}

type p24Notification struct {
	MerchantID   int    `json:"merchantId"`
	PosID        int    `json:"posId"`
	SessionID    string `json:"sessionId"`
	Amount       int64  `json:"amount"`
	OriginAmount int64  `json:"originAmount"`
	Currency     string `json:"currency"`
	OrderID      int64  `json:"orderId"`
	MethodID     int    `json:"methodId"`
	Statement    string `json:"statement"`
	Sign         string `json:"sign"`
}

func (g *P24Gateway) VerifyWebhook(req *WebhookRequest) error {
	var n p24Notification
	if err := json.Unmarshal(req.Body, &n); err != nil {
		return fmt.Errorf("%w: malformed notification: %v", ErrWebhookSignature, err)
	}
	expected := p24Sign(fmt.Sprintf(
		`{"merchantId":%d,"posId":%d,"sessionId":%q,"amount":%d,"originAmount":%d,"currency":%q,"orderId":%d,"methodId":%d,"statement":%q,"crc":%q}`,
		n.MerchantID, n.PosID, n.SessionID, n.Amount, n.OriginAmount, n.Currency, n.OrderID, n.MethodID, n.Statement, g.cfg.CRCKey))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(n.Sign)) != 1 {
		return ErrWebhookSignature
	}
	return nil
}

func (g *P24Gateway) ParseWebhook(req *WebhookRequest) (*WebhookEvent, error) {
	var n p24Notification
	if err := json.Unmarshal(req.Body, &n); err != nil {
		return nil, fmt.Errorf("failed to parse notification: %w", err)
	}
	return &WebhookEvent{
		// P24 has no event id of its own; the provider-side order id is
		// unique per payment and only ever notified for a completed one.
		EventID:           fmt.Sprintf("p24-%d", n.OrderID),
		EventType:         "transaction.notification",
		ProviderPaymentID: n.SessionID,
		Status:            types.TransactionStatusSucceeded,
		ProviderStatus:    "payment_made",
		Raw:               json.RawMessage(req.Body),
	}, nil
}

// call performs a JSON request against the P24 API. A nil, nil return means
// success with out populated; a non-nil PaymentResult is a provider-declared
// business failure; errors are transport-level and retryable by the caller.
func (g *P24Gateway) call(ctx context.Context, method, path string, body any, out any) (*PaymentResult, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("p24 marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("p24 build request: %w", err)
	}
	httpReq.SetBasicAuth(fmt.Sprintf("%d", g.cfg.PosID), g.cfg.APIKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("p24 %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("p24 read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("p24 %s %s: status %d", method, path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var perr p24ErrorResponse
		_ = json.Unmarshal(raw, &perr)
		return &PaymentResult{
			Success:      false,
			ErrorCode:    fmt.Sprintf("p24_%d", perr.Code),
			ErrorMessage: perr.Error,
		}, nil
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("p24 decode response: %w", err)
		}
	}
	return nil, nil
}

func mapP24Status(status int) types.TransactionStatus {
	switch status {
	case 2:
		return types.TransactionStatusSucceeded
	case 3:
		return types.TransactionStatusCancelled
	case 1:
		// paid but not yet verified
		return types.TransactionStatusRequiresAction
	default:
		return types.TransactionStatusPending
	}
}

func p24Sign(payload string) string {
	sum := sha512.Sum384([]byte(payload))
	return hex.EncodeToString(sum[:])
}
