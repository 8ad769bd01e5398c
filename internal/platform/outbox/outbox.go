package outbox

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fatflowers/payflow/internal/models"
	"github.com/fatflowers/payflow/pkg/tool"
)

// Enqueue stores an event row inside the caller's DB transaction, so the
// notification is exactly as durable as the state change it describes.
func Enqueue(tx *gorm.DB, eventType, entityID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	msg := &models.OutboxMessage{
		ID:        tool.GenerateUUIDV7(),
		EventType: eventType,
		EntityID:  entityID,
		Payload:   datatypes.JSON(raw),
	}
	if err := tx.Create(msg).Error; err != nil {
		return fmt.Errorf("failed to enqueue outbox message: %w", err)
	}
	return nil
}

// StatusChangedPayload is the wire shape of order/payment status events.
type StatusChangedPayload struct {
	Entity   string `json:"entity"`
	EntityID string `json:"entity_id"`
	From     string `json:"from"`
	To       string `json:"to"`
}
