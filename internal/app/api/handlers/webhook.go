package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/payflow/internal/app/service/payment"
	"github.com/fatflowers/payflow/internal/platform/provider"
	"github.com/fatflowers/payflow/pkg/response"
	"github.com/fatflowers/payflow/pkg/types"
)

type webhookResp struct {
	Duplicate bool `json:"duplicate"`
	Applied   bool `json:"applied"`
}

// ApiProviderWebhook handles POST /api/v1/payment/webhook/:provider.
// Signature failures are rejected; an unknown payment returns an error code
// so the provider redelivers after our side catches up.
func ApiProviderWebhook(orch payment.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := types.PaymentProvider(c.Param("provider"))
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "failed to read body"))
			return
		}

		out, err := orch.ProcessWebhook(c.Request.Context(), name, &provider.WebhookRequest{
			Body:   body,
			Header: c.Request.Header,
		})
		if err != nil {
			if errors.Is(err, provider.ErrWebhookSignature) {
				c.JSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeBadRequest, "invalid signature"))
				return
			}
			// Providers redeliver on non-2xx only. An unknown payment, a
			// failed confirm or a DB error must not ack the delivery.
			c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(&webhookResp{Duplicate: out.Duplicate, Applied: out.Applied}))
	}
}

func RegisterWebhookRoutes(r gin.IRouter, orch payment.Orchestrator) {
	r.POST("/:provider", ApiProviderWebhook(orch))
}
