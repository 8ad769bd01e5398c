package models

import (
	"time"

	"github.com/fatflowers/payflow/pkg/types"
)

// WebhookEvent records every provider event id that has been applied.
// The unique (provider_id, event_id) index gives at-most-once application
// under at-least-once delivery.
type WebhookEvent struct {
	ID          string                `gorm:"column:id;primary_key;type:uuid" json:"id"`
	ProviderID  types.PaymentProvider `gorm:"column:provider_id;type:varchar(32);not null;uniqueIndex:unique_provider_event,priority:1" json:"provider_id"`
	EventID     string                `gorm:"column:event_id;type:varchar(191);not null;uniqueIndex:unique_provider_event,priority:2" json:"event_id"`
	EventType   string                `gorm:"column:event_type;type:varchar(100);not null" json:"event_type"`
	ProcessedAt time.Time             `gorm:"column:processed_at;not null" json:"processed_at"`
	CreatedAt   time.Time             `json:"created_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_event"
}
