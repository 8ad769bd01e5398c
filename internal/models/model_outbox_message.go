package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	OutboxEventOrderPaid            = "order_paid"
	OutboxEventOrderStatusChanged   = "order_status_changed"
	OutboxEventPaymentStatusChanged = "payment_status_changed"
)

// OutboxMessage is written in the same DB transaction as the state change
// it describes; a background relay publishes rows to Kafka.
type OutboxMessage struct {
	ID          string         `gorm:"column:id;primary_key;type:uuid" json:"id"`
	EventType   string         `gorm:"column:event_type;type:varchar(64);not null" json:"event_type"`
	EntityID    string         `gorm:"column:entity_id;type:varchar(64);not null" json:"entity_id"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb;not null" json:"payload"`
	ProcessedAt *time.Time     `gorm:"column:processed_at;index" json:"processed_at"`
	CreatedAt   time.Time      `gorm:"index" json:"created_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}
