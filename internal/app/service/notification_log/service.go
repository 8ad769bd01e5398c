package notification_log

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/payflow/internal/models"
	"github.com/fatflowers/payflow/pkg/logctx"
	"github.com/fatflowers/payflow/pkg/tool"
)

type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service { return &Service{db: db, log: log} }

// Save asynchronously persists a payment notification log. Nil input is ignored.
func (s *Service) Save(ctx context.Context, log *models.PaymentNotificationLog) {
	go func() {
		if log == nil {
			return
		}
		if log.ID == "" {
			log.ID = tool.GenerateUUIDV7()
		}
		if err := s.db.Save(log).Error; err != nil {
			logctx.FromCtx(ctx, s.log).Errorf("failed to save notification log: %v", err)
		}
	}()
}

// MarkHandled records the processing outcome for a previously saved log.
func (s *Service) MarkHandled(ctx context.Context, logID string, handleErr error) {
	go func() {
		if logID == "" {
			return
		}
		status := models.PaymentNotificationLogStatusHandled
		if handleErr != nil {
			status = models.PaymentNotificationLogStatusHandleFailed
		}
		err := s.db.Model(&models.PaymentNotificationLog{}).
			Where("id = ?", logID).
			Update("status", status).Error
		if err != nil {
			logctx.FromCtx(ctx, s.log).Errorf("failed to update notification log %s: %v", logID, err)
		}
	}()
}
