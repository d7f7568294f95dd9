package firestore

import (
	"context"
	"errors"
	"fmt"

	pfirestore "github.com/voltvault/api/internal/platform/firestore"
	"github.com/voltvault/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind repositories.Registry.
type Registry struct {
	provider  *pfirestore.Provider
	catalog   *CatalogRepository
	inventory *InventoryRepository
	orders    *OrderRepository
	health    repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs every repository against the shared provider. health may be nil.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	catalog, err := NewCatalogRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("catalog repository: %w", err)
	}
	inventory, err := NewInventoryRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("inventory repository: %w", err)
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("order repository: %w", err)
	}
	return &Registry{
		provider:  provider,
		catalog:   catalog,
		inventory: inventory,
		orders:    orders,
		health:    health,
	}, nil
}

func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

func (r *Registry) Catalog() repositories.CatalogRepository     { return r.catalog }
func (r *Registry) Inventory() repositories.InventoryRepository { return r.inventory }
func (r *Registry) Orders() repositories.OrderRepository        { return r.orders }
func (r *Registry) Health() repositories.HealthRepository       { return r.health }
