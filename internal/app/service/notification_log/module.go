package notification_log

import "go.uber.org/fx"

var Module = fx.Provide(New)
