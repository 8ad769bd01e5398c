package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/fatflowers/payflow/internal/app/api/server"
	"github.com/fatflowers/payflow/internal/app/service/idempotency"
	notificationlog "github.com/fatflowers/payflow/internal/app/service/notification_log"
	"github.com/fatflowers/payflow/internal/app/service/payment"
	"github.com/fatflowers/payflow/internal/app/service/reconciliation"
	webhookledger "github.com/fatflowers/payflow/internal/app/service/webhook_ledger"
	"github.com/fatflowers/payflow/internal/platform/db"
	"github.com/fatflowers/payflow/internal/platform/outbox"
	"github.com/fatflowers/payflow/internal/platform/provider"
	"github.com/fatflowers/payflow/pkg/config"
	"github.com/fatflowers/payflow/pkg/logger"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	server.Module,
	provider.Module,
	idempotency.Module,
	webhookledger.Module,
	notificationlog.Module,
	payment.Module,
	reconciliation.Module,
	outbox.Module,
)
