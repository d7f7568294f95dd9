package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voltvault/api/internal/platform/config"
	"github.com/voltvault/api/internal/platform/ruletable"
	"github.com/voltvault/api/internal/repositories"
	"github.com/voltvault/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Quotes        services.QuoteService
	ShippingRules services.ShippingRuleService
	Orders        services.OrderService
	System        services.SystemService
}

// Dependencies carries the collaborators that live outside the repository registry.
type Dependencies struct {
	Rules    *ruletable.Holder
	Payments services.PaymentInitiator
	Events   services.OrderEventPublisher
	Build    services.BuildInfo
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Rules        *ruletable.Holder
	Services     Services
}

// NewContainer constructs the runtime dependencies. The quote pipeline only needs a rule table;
// order placement is wired when the registry exposes every order collaborator and a payment
// initiator is present.
func NewContainer(cfg config.Config, reg repositories.Registry, deps Dependencies) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Rules == nil {
		return nil, errors.New("rule table holder is required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	svc, err := buildServices(cfg, reg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Rules:        deps.Rules,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, reg repositories.Registry, deps Dependencies) (Services, error) {
	var svc Services

	quoteSvc, err := services.NewQuoteService(services.QuoteServiceDeps{
		Rules:  deps.Rules,
		Logger: deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build quote service: %w", err)
	}
	svc.Quotes = quoteSvc

	rulesSvc, err := services.NewShippingRuleService(services.ShippingRuleServiceDeps{
		Rules:  deps.Rules,
		Logger: deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build shipping rule service: %w", err)
	}
	svc.ShippingRules = rulesSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Rules:            deps.Rules,
			Clock:            deps.Clock,
			Build:            deps.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	catalogRepo, inventoryRepo, ordersRepo := reg.Catalog(), reg.Inventory(), reg.Orders()
	if catalogRepo != nil && inventoryRepo != nil && ordersRepo != nil && deps.Payments != nil {
		orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
			Catalog:        catalogRepo,
			Inventory:      inventoryRepo,
			Orders:         ordersRepo,
			Quotes:         quoteSvc,
			Payments:       deps.Payments,
			Events:         deps.Events,
			Currency:       cfg.Checkout.Currency,
			ReservationTTL: cfg.Checkout.ReservationTTL,
			Clock:          deps.Clock,
			Logger:         deps.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build order service: %w", err)
		}
		svc.Orders = orderSvc
	}

	return svc, nil
}
