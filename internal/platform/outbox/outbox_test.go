package outbox

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fatflowers/payflow/internal/models"
)

func TestEnqueue(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.OutboxMessage{}))

	payload := StatusChangedPayload{Entity: "order", EntityID: "o-1", From: "pending", To: "paid"}
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return Enqueue(tx, models.OutboxEventOrderPaid, "o-1", payload)
	}))

	var msg models.OutboxMessage
	require.NoError(t, db.First(&msg).Error)
	require.Equal(t, models.OutboxEventOrderPaid, msg.EventType)
	require.Equal(t, "o-1", msg.EntityID)
	require.JSONEq(t, `{"entity":"order","entity_id":"o-1","from":"pending","to":"paid"}`, string(msg.Payload))
	require.Nil(t, msg.ProcessedAt)
}

func TestEnqueue_RollsBackWithTransaction(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.OutboxMessage{}))

	_ = db.Transaction(func(tx *gorm.DB) error {
		if err := Enqueue(tx, models.OutboxEventOrderPaid, "o-1", StatusChangedPayload{}); err != nil {
			return err
		}
		return gorm.ErrInvalidTransaction
	})

	var count int64
	require.NoError(t, db.Model(&models.OutboxMessage{}).Count(&count).Error)
	require.EqualValues(t, 0, count)
}
