package webhook_ledger

import "go.uber.org/fx"

// Module exposes the webhook dedup ledger via Fx.
var Module = fx.Options(
	fx.Provide(NewLedger),
)
