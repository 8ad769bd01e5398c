package models

import (
	"time"

	"github.com/fatflowers/payflow/pkg/types"
)

// Order is owned by the surrounding order-management application; this
// service only moves its status through the state machine.
type Order struct {
	ID        string            `gorm:"column:id;primary_key;type:uuid" json:"id"`
	UserID    string            `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	Status    types.OrderStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	AmountDue int64             `gorm:"column:amount_due;type:bigint;not null" json:"amount_due"`
	Currency  string            `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (Order) TableName() string {
	return "payment_order"
}

// IsPayable reports whether a payment may still be created for the order.
func (o *Order) IsPayable() bool {
	return o != nil && o.Status == types.OrderStatusPending
}
