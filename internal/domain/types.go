package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPendingPayment indicates the order was persisted and awaits payment completion.
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	// OrderStatusPaymentFailed indicates the payment could not be initiated.
	OrderStatusPaymentFailed OrderStatus = "payment_failed"
	// OrderStatusPaid indicates payment succeeded.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusCanceled indicates the order has been canceled.
	OrderStatusCanceled OrderStatus = "canceled"
)

// Order is the persisted result of a successful checkout.
type Order struct {
	ID              string
	UserID          string
	Status          OrderStatus
	Currency        string
	Lines           []OrderLine
	Totals          OrderTotals
	Shipping        ShippingQuote
	ShippingAddress ShippingAddress
	Customer        OrderCustomer
	Note            string
	RulesVersion    string
	ReservationID   string
	Payment         *PaymentInitiation
	IdempotencyKey  string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderLine mirrors a priced cart line together with the catalog snapshot it was priced from.
type OrderLine struct {
	LineTotal
	Name        string
	CategoryID  string
	WeightGrams int
	VolumeCm3   int
}

// OrderCustomer stores the contact snapshot captured at checkout.
type OrderCustomer struct {
	Name  string
	Email string
	Phone string
}

// PaymentInitiation is the opaque outcome returned by the payment provider when checkout starts.
type PaymentInitiation struct {
	Provider    string
	SessionID   string
	IntentID    string
	RedirectURL string
	ExpiresAt   time.Time
}

// CatalogVariant is the purchasable SKU snapshot used to price order lines server side.
type CatalogVariant struct {
	ID             string
	ProductID      string
	Name           string
	UnitPrice      decimal.Decimal
	VATRatePercent decimal.Decimal
	WeightGrams    int
	VolumeCm3      int
	CategoryID     string
	IsDangerous    bool
	IsFragile      bool
	MOQ            *int
	OrderStep      *int
	Active         bool
	UpdatedAt      time.Time
}

// InventoryStock represents current stock metrics tracked per variant.
type InventoryStock struct {
	SKU       string
	OnHand    int
	Reserved  int
	Available int
	UpdatedAt time.Time
}

// InventoryReservationLine stores per-SKU quantities for a reservation.
type InventoryReservationLine struct {
	SKU      string
	Quantity int
}

// InventoryReservation holds a stock reservation created while placing an order.
type InventoryReservation struct {
	ID         string
	OrderRef   string
	UserRef    string
	Status     string
	Lines      []InventoryReservationLine
	Reason     string
	ExpiresAt  time.Time
	ReleasedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	// RulesVersion is the version of the shipping rule table currently serving quotes.
	RulesVersion string
	Uptime       time.Duration
	GeneratedAt  time.Time
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
