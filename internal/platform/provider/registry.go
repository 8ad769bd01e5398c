package provider

import (
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/payflow/pkg/config"
	"github.com/fatflowers/payflow/pkg/types"
)

// Registry holds one gateway per configured provider. Selection happens
// once, by name, at the orchestrator boundary.
type Registry struct {
	gateways map[types.PaymentProvider]Gateway
}

func NewRegistry(cfg *config.Config, log *zap.SugaredLogger) *Registry {
	r := &Registry{gateways: map[types.PaymentProvider]Gateway{}}
	if cfg.Stripe.APIKey != "" {
		r.gateways[types.PaymentProviderStripe] = NewStripeGateway(cfg.Stripe, log)
	}
	if cfg.P24.PosID != 0 {
		r.gateways[types.PaymentProviderP24] = NewP24Gateway(cfg.P24, log)
	}
	if cfg.EnableStubGateway {
		r.gateways[types.PaymentProviderStub] = NewStubGateway()
	}
	return r
}

// NewRegistryWith builds a registry from explicit gateways; used by tests.
func NewRegistryWith(gateways ...Gateway) *Registry {
	r := &Registry{gateways: map[types.PaymentProvider]Gateway{}}
	for _, g := range gateways {
		r.gateways[g.Name()] = g
	}
	return r
}

func (r *Registry) Get(name types.PaymentProvider) (Gateway, error) {
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
	return g, nil
}

// Module exposes the gateway registry via Fx.
var Module = fx.Options(
	fx.Provide(NewRegistry),
)
