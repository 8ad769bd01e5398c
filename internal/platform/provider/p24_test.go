package provider

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/payflow/pkg/config"
	"github.com/fatflowers/payflow/pkg/types"
)

func newTestP24() *P24Gateway {
	return NewP24Gateway(config.P24Config{
		MerchantID: 12345,
		PosID:      12345,
		APIKey:     "api-key",
		CRCKey:     "crc-secret",
	}, zap.NewNop().Sugar())
}

func signedNotification(g *P24Gateway, sessionID string, orderID int64) []byte {
	n := p24Notification{
		MerchantID:   g.cfg.MerchantID,
		PosID:        g.cfg.PosID,
		SessionID:    sessionID,
		Amount:       1500,
		OriginAmount: 1500,
		Currency:     "PLN",
		OrderID:      orderID,
		MethodID:     25,
		Statement:    "p24-statement",
	}
	n.Sign = p24Sign(
		`{"merchantId":12345,"posId":12345,"sessionId":"` + sessionID +
			`","amount":1500,"originAmount":1500,"currency":"PLN","orderId":` +
			jsonInt(orderID) + `,"methodId":25,"statement":"p24-statement","crc":"crc-secret"}`)
	raw, _ := json.Marshal(n)
	return raw
}

func jsonInt(v int64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

func TestP24VerifyWebhook_ValidSignature(t *testing.T) {
	g := newTestP24()
	body := signedNotification(g, "txn-1", 987654)
	require.NoError(t, g.VerifyWebhook(&WebhookRequest{Body: body, Header: http.Header{}}))
}

func TestP24VerifyWebhook_TamperedBodyRejected(t *testing.T) {
	g := newTestP24()
	body := signedNotification(g, "txn-1", 987654)

	var n p24Notification
	require.NoError(t, json.Unmarshal(body, &n))
	n.Amount = 100 // tamper
	tampered, _ := json.Marshal(n)

	err := g.VerifyWebhook(&WebhookRequest{Body: tampered, Header: http.Header{}})
	require.ErrorIs(t, err, ErrWebhookSignature)
}

func TestP24ParseWebhook(t *testing.T) {
	g := newTestP24()
	body := signedNotification(g, "txn-1", 987654)

	event, err := g.ParseWebhook(&WebhookRequest{Body: body, Header: http.Header{}})
	require.NoError(t, err)
	require.Equal(t, "p24-987654", event.EventID)
	require.Equal(t, "txn-1", event.ProviderPaymentID)
	require.Equal(t, types.TransactionStatusSucceeded, event.Status)
}

func TestMapP24Status(t *testing.T) {
	require.Equal(t, types.TransactionStatusPending, mapP24Status(0))
	require.Equal(t, types.TransactionStatusRequiresAction, mapP24Status(1))
	require.Equal(t, types.TransactionStatusSucceeded, mapP24Status(2))
	require.Equal(t, types.TransactionStatusCancelled, mapP24Status(3))
}
