package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/payflow/internal/app/service/payment"
	"github.com/fatflowers/payflow/internal/app/service/reconciliation"
	"github.com/fatflowers/payflow/internal/models"
	"github.com/fatflowers/payflow/pkg/response"
)

type listTransactionsResp struct {
	Items []*models.PaymentTransaction `json:"items"`
	Total int64                        `json:"total"`
}

// ApiListTransactions handles POST /api/v1/admin/list_transactions.
func ApiListTransactions(orch payment.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req payment.ListParams
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		items, total, err := orch.ScanTransactions(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(&listTransactionsResp{Items: items, Total: total}))
	}
}

// ApiReconcile handles POST /api/v1/admin/reconcile; the sweep runs inline
// and the classification counts come back in the response.
func ApiReconcile(engine *reconciliation.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reconciliation.Params
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		report, err := engine.Run(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(report))
	}
}

func RegisterAdminRoutes(r gin.IRouter, orch payment.Orchestrator, engine *reconciliation.Engine) {
	r.POST("/list_transactions", ApiListTransactions(orch))
	r.POST("/reconcile", ApiReconcile(engine))
}
