package repositories

import (
	"context"
	"time"

	domain "github.com/voltvault/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Catalog() CatalogRepository
	Inventory() InventoryRepository
	Orders() OrderRepository
	Health() HealthRepository
}

// CatalogRepository resolves purchasable variants used to price order lines server side.
type CatalogRepository interface {
	// GetVariants returns the variants keyed by ID. Missing IDs are simply absent from the map.
	GetVariants(ctx context.Context, variantIDs []string) (map[string]domain.CatalogVariant, error)
}

// InventoryRepository manages stock snapshots and transactional reservations.
type InventoryRepository interface {
	// Stocks returns the stock record per SKU. SKUs without a record are absent from the map.
	Stocks(ctx context.Context, skus []string) (map[string]domain.InventoryStock, error)
	Reserve(ctx context.Context, req InventoryReserveRequest) (InventoryReserveResult, error)
	Release(ctx context.Context, req InventoryReleaseRequest) (InventoryReleaseResult, error)
}

// InventoryReserveRequest encapsulates reservation creation metadata for the repository.
type InventoryReserveRequest struct {
	Reservation domain.InventoryReservation
	Now         time.Time
}

// InventoryReserveResult returns the saved reservation and updated stock projections.
type InventoryReserveResult struct {
	Reservation domain.InventoryReservation
	Stocks      map[string]domain.InventoryStock
}

// InventoryReleaseRequest restores reserved stock back to availability.
type InventoryReleaseRequest struct {
	ReservationID string
	Reason        string
	Now           time.Time
}

// InventoryReleaseResult reports the reservation and stock metrics after release.
type InventoryReleaseResult struct {
	Reservation domain.InventoryReservation
	Stocks      map[string]domain.InventoryStock
}

// OrderRepository persists placed orders.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OrderListFilter scopes order listings to a customer.
type OrderListFilter struct {
	UserID    string
	PageSize  int
	PageToken string
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
