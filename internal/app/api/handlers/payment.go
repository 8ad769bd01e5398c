package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/payflow/internal/app/service/payment"
	"github.com/fatflowers/payflow/pkg/response"
)

// ApiCreatePayment handles POST /api/v1/payment/create. The idempotency key
// comes from the Idempotency-Key header; a missing key is a client error.
func ApiCreatePayment(orch payment.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req payment.CreateParams
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
		if req.IdempotencyKey == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing Idempotency-Key header"))
			return
		}

		out, err := orch.CreatePayment(c.Request.Context(), &req)
		if err != nil {
			if errors.Is(err, payment.ErrOrderNotFound) || errors.Is(err, payment.ErrOrderNotPayable) {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		switch {
		case out.Conflict:
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeConflict, "idempotency key reused with a different request"))
		case out.RetryLater:
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeRetryLater, "payment is still in flight"))
		default:
			c.JSON(http.StatusOK, response.OKT(out.Response))
		}
	}
}

// ApiGetPayment handles GET /api/v1/payment/get?id=<transaction_id>; an
// optional order_id scopes the lookup.
func ApiGetPayment(orch payment.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Query("id")
		if id == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing id"))
			return
		}
		txn, err := orch.GetPayment(c.Request.Context(), c.Query("order_id"), id)
		if err != nil {
			if errors.Is(err, payment.ErrTransactionNotFound) {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(txn))
	}
}

func RegisterPaymentRoutes(r gin.IRouter, orch payment.Orchestrator) {
	r.POST("/create", ApiCreatePayment(orch))
	r.GET("/get", ApiGetPayment(orch))
}
