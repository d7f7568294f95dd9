package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/voltvault/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	CartLine           = domain.CartLine
	ShippingRule       = domain.ShippingRule
	RuleConditions     = domain.RuleConditions
	RuleCost           = domain.RuleCost
	ShippingAddress    = domain.ShippingAddress
	ShippingQuote      = domain.ShippingQuote
	IssueSeverity      = domain.IssueSeverity
	ValidationIssue    = domain.ValidationIssue
	ValidationResult   = domain.ValidationResult
	LineTotal          = domain.LineTotal
	OrderTotals        = domain.OrderTotals
	Order              = domain.Order
	OrderLine          = domain.OrderLine
	OrderStatus        = domain.OrderStatus
	OrderCustomer      = domain.OrderCustomer
	PaymentInitiation  = domain.PaymentInitiation
	CatalogVariant     = domain.CatalogVariant
	InventoryStock     = domain.InventoryStock
	SystemHealthReport = domain.SystemHealthReport
)

const (
	IssueSeverityError   = domain.IssueSeverityError
	IssueSeverityWarning = domain.IssueSeverityWarning
)

// QuoteService prices a cart: line validation, shipping rule selection and totals.
type QuoteService interface {
	Quote(ctx context.Context, cmd QuoteCommand) (Quote, error)
}

// OrderService places customer orders on top of the quote pipeline and reads them back.
type OrderService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error)
	GetOrder(ctx context.Context, userID, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
}

// ShippingRuleService exposes the active rule table and swaps it on demand.
type ShippingRuleService interface {
	ActiveRules(ctx context.Context) (RuleTableSnapshot, error)
	Reload(ctx context.Context) (RuleTableSnapshot, error)
}

// SystemService aggregates utility endpoints such as health checks.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// QuoteCommand carries a fully described cart. Discount is an absolute amount.
type QuoteCommand struct {
	Lines    []CartLine
	Address  ShippingAddress
	Discount decimal.Decimal
}

// Quote is the priced cart returned to callers, together with the rule table version used.
type Quote struct {
	Totals       OrderTotals
	Shipping     ShippingQuote
	Issues       []ValidationIssue
	RulesVersion string
}

// PlaceOrderLine references a catalog variant; prices and attributes are resolved server side.
type PlaceOrderLine struct {
	VariantID string
	Quantity  int
}

type PlaceOrderCommand struct {
	UserID         string
	Lines          []PlaceOrderLine
	Address        ShippingAddress
	Customer       OrderCustomer
	Discount       decimal.Decimal
	Note           string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

type OrderListFilter struct {
	UserID    string
	PageSize  int
	PageToken string
}

// RuleTableSnapshot describes a loaded rule table.
type RuleTableSnapshot struct {
	Version  string
	Source   string
	LoadedAt time.Time
	Rules    []ShippingRule
	Delivery domain.DeliveryPolicy
}
