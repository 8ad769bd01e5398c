package models

import (
	"time"

	"github.com/fatflowers/payflow/pkg/types"

	"gorm.io/datatypes"
)

type PaymentTransactionExtra struct {
	// CheckoutURL 用户跳转支付页面
	CheckoutURL string `json:"checkout_url,omitempty"`
	// ClientSecret 客户端确认凭据（Stripe）
	ClientSecret string `json:"client_secret,omitempty"`
	// ProviderStatus 支付平台原始状态
	ProviderStatus string `json:"provider_status,omitempty"`
	// ErrorCode 支付平台业务错误码
	ErrorCode string `json:"error_code,omitempty"`
	// ErrorMessage 支付平台业务错误信息
	ErrorMessage string `json:"error_message,omitempty"`
}

// PaymentTransaction 订单支付记录
type PaymentTransaction struct {
	ID         string                `gorm:"column:id;primary_key;type:uuid" json:"id"`
	OrderID    string                `gorm:"column:order_id;type:uuid;not null;index:idx_order_id_created_at,priority:1" json:"order_id"`
	ProviderID types.PaymentProvider `gorm:"column:provider_id;type:varchar(32);not null;uniqueIndex:unique_provider_payment,priority:1" json:"provider_id"`
	// ProviderPaymentID 支付平台订单号，创建成功前为空
	ProviderPaymentID *string                 `gorm:"column:provider_payment_id;type:varchar(128);uniqueIndex:unique_provider_payment,priority:2" json:"provider_payment_id"`
	Status            types.TransactionStatus `gorm:"column:status;type:varchar(32);not null;index" json:"status"`
	Amount            int64                   `gorm:"column:amount;type:bigint;not null" json:"amount"`
	Currency          string                  `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	IdempotencyKey    string                  `gorm:"column:idempotency_key;type:varchar(128);not null" json:"idempotency_key"`
	// Fingerprint 请求语义指纹，用于检测幂等键复用
	Fingerprint string `gorm:"column:fingerprint;type:varchar(64);not null" json:"fingerprint"`

	Extra     datatypes.JSONType[*PaymentTransactionExtra] `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt time.Time                                    `gorm:"index:idx_order_id_created_at,priority:2,sort:desc" json:"created_at"`
	UpdatedAt time.Time                                    `json:"updated_at"`
}

func (PaymentTransaction) TableName() string {
	return "payment_transaction"
}

// IsReconcilable reports whether the transaction is still eligible for
// reconciliation against the provider.
func (t *PaymentTransaction) IsReconcilable() bool {
	if t == nil {
		return false
	}
	return !t.Status.IsTerminal()
}

func (t *PaymentTransaction) GetExtra() *PaymentTransactionExtra {
	if t == nil || t.Extra.Data() == nil {
		return &PaymentTransactionExtra{}
	}
	return t.Extra.Data()
}
