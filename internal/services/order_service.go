package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	domain "github.com/voltvault/api/internal/domain"
	"github.com/voltvault/api/internal/payments"
	"github.com/voltvault/api/internal/repositories"
)

const (
	// OrderEventPlaced is published once payment has been initiated for a new order.
	OrderEventPlaced = "order.placed"

	orderIDPrefix       = "ord_"
	reservationIDPrefix = "res_"

	defaultOrderCurrency   = "TRY"
	defaultReservationTTL  = 30 * time.Minute
	maxOrderLines          = 100
	maxCustomerFieldLength = 200
	maxNoteLength          = 1000
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located for the caller.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderConflict indicates a duplicate order or a stock race lost during reservation.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderValidationFailed indicates the priced cart carries validation errors.
	ErrOrderValidationFailed = errors.New("order: validation failed")
	// ErrOrderPaymentFailed indicates the payment provider refused to start checkout.
	ErrOrderPaymentFailed = errors.New("order: payment initiation failed")
)

// OrderValidationError carries the validator messages that blocked an order.
type OrderValidationError struct {
	Errors   []string
	Warnings []string
}

func (e *OrderValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrOrderValidationFailed.Error(), strings.Join(e.Errors, " "))
}

func (e *OrderValidationError) Unwrap() error {
	return ErrOrderValidationFailed
}

// PaymentInitiator starts a hosted checkout for an order. *payments.Manager satisfies it.
type PaymentInitiator interface {
	CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	ID         string
	Type       string
	OrderID    string
	UserID     string
	Status     string
	Total      decimal.Decimal
	Currency   string
	OccurredAt time.Time
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Catalog        repositories.CatalogRepository
	Inventory      repositories.InventoryRepository
	Orders         repositories.OrderRepository
	Quotes         QuoteService
	Payments       PaymentInitiator
	Events         OrderEventPublisher
	Currency       string
	ReservationTTL time.Duration
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	catalog        repositories.CatalogRepository
	inventory      repositories.InventoryRepository
	orders         repositories.OrderRepository
	quotes         QuoteService
	payments       PaymentInitiator
	events         OrderEventPublisher
	currency       string
	reservationTTL time.Duration
	clock          func() time.Time
	newID          func() string
	sanitizer      *bluemonday.Policy
	logger         func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("order service: catalog repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Quotes == nil {
		return nil, errors.New("order service: quote service is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("order service: payment initiator is required")
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultOrderCurrency
	}
	ttl := deps.ReservationTTL
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		catalog:        deps.Catalog,
		inventory:      deps.Inventory,
		orders:         deps.Orders,
		quotes:         deps.Quotes,
		payments:       deps.Payments,
		events:         deps.Events,
		currency:       currency,
		reservationTTL: ttl,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:     idGen,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger,
	}, nil
}

func (s *orderService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	requested, err := mergeOrderLines(cmd.Lines)
	if err != nil {
		return Order{}, err
	}
	if cmd.Discount.IsNegative() {
		return Order{}, fmt.Errorf("%w: discount must not be negative", ErrOrderInvalidInput)
	}

	lines, variants, err := s.resolveCartLines(ctx, requested)
	if err != nil {
		return Order{}, err
	}

	quote, err := s.quotes.Quote(ctx, QuoteCommand{Lines: lines, Address: cmd.Address, Discount: cmd.Discount})
	if err != nil {
		if errors.Is(err, ErrPricingInvalidInput) {
			return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		return Order{}, err
	}
	if len(quote.Totals.Errors) > 0 {
		return Order{}, &OrderValidationError{Errors: quote.Totals.Errors, Warnings: quote.Totals.Warnings}
	}
	if !quote.Totals.Total.IsPositive() {
		return Order{}, fmt.Errorf("%w: order total must be positive", ErrOrderInvalidInput)
	}

	now := s.clock()
	order := Order{
		ID:              orderIDPrefix + s.newID(),
		UserID:          userID,
		Status:          domain.OrderStatusPendingPayment,
		Currency:        s.currency,
		Lines:           buildOrderLines(quote.Totals.Lines, variants, lines),
		Totals:          quote.Totals,
		Shipping:        quote.Shipping,
		ShippingAddress: s.cleanAddress(cmd.Address),
		Customer:        s.cleanCustomer(cmd.Customer),
		Note:            s.cleanText(cmd.Note, maxNoteLength),
		RulesVersion:    quote.RulesVersion,
		IdempotencyKey:  strings.TrimSpace(cmd.IdempotencyKey),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	reservation, err := s.reserve(ctx, order, now)
	if err != nil {
		return Order{}, err
	}
	order.ReservationID = reservation.ID

	if err := s.orders.Insert(ctx, order); err != nil {
		s.releaseReservation(ctx, order.ID, reservation.ID, "order_insert_failed")
		return Order{}, s.mapRepositoryError(err)
	}

	session, payErr := s.payments.CreateCheckoutSession(ctx, payments.PaymentContext{Currency: order.Currency}, checkoutRequestFor(order, cmd))
	if payErr != nil {
		s.logger(ctx, "order.payment.initiation_failed", map[string]any{
			"level":   "error",
			"orderId": order.ID,
			"error":   payErr.Error(),
		})
		s.releaseReservation(ctx, order.ID, reservation.ID, "payment_failed")
		order.Status = domain.OrderStatusPaymentFailed
		order.UpdatedAt = s.clock()
		if err := s.orders.Update(ctx, order); err != nil {
			s.logger(ctx, "order.update_failed", map[string]any{
				"level":   "error",
				"orderId": order.ID,
				"error":   err.Error(),
			})
		}
		return Order{}, fmt.Errorf("%w: %v", ErrOrderPaymentFailed, payErr)
	}

	order.Payment = &PaymentInitiation{
		Provider:    session.Provider,
		SessionID:   session.ID,
		IntentID:    session.IntentID,
		RedirectURL: session.RedirectURL,
		ExpiresAt:   session.ExpiresAt,
	}
	order.UpdatedAt = s.clock()
	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		ID:         s.newID(),
		Type:       OrderEventPlaced,
		OrderID:    order.ID,
		UserID:     order.UserID,
		Status:     string(order.Status),
		Total:      order.Totals.Total,
		Currency:   order.Currency,
		OccurredAt: order.UpdatedAt,
	})
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, userID, orderID string) (Order, error) {
	userID = strings.TrimSpace(userID)
	orderID = strings.TrimSpace(orderID)
	if userID == "" || orderID == "" {
		return Order{}, fmt.Errorf("%w: user id and order id are required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if order.UserID != userID {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	filter.UserID = strings.TrimSpace(filter.UserID)
	if filter.UserID == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	page, err := s.orders.List(ctx, repositories.OrderListFilter(filter))
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) resolveCartLines(ctx context.Context, requested []PlaceOrderLine) ([]CartLine, map[string]CatalogVariant, error) {
	ids := make([]string, 0, len(requested))
	for _, line := range requested {
		ids = append(ids, line.VariantID)
	}

	variants, err := s.catalog.GetVariants(ctx, ids)
	if err != nil {
		return nil, nil, s.mapRepositoryError(err)
	}
	for _, id := range ids {
		variant, ok := variants[id]
		if !ok || !variant.Active {
			return nil, nil, fmt.Errorf("%w: variant %s is not available", ErrOrderInvalidInput, id)
		}
	}

	stocks, err := s.inventory.Stocks(ctx, ids)
	if err != nil {
		return nil, nil, s.mapRepositoryError(err)
	}

	lines := make([]CartLine, 0, len(requested))
	for _, req := range requested {
		variant := variants[req.VariantID]
		available := 0
		if stock, ok := stocks[req.VariantID]; ok {
			available = stock.Available
		}
		lines = append(lines, CartLine{
			VariantID:      variant.ID,
			Quantity:       req.Quantity,
			UnitPrice:      variant.UnitPrice,
			VATRatePercent: variant.VATRatePercent,
			WeightGrams:    variant.WeightGrams * req.Quantity,
			VolumeCm3:      variant.VolumeCm3 * req.Quantity,
			CategoryID:     variant.CategoryID,
			IsDangerous:    variant.IsDangerous,
			IsFragile:      variant.IsFragile,
			MOQ:            variant.MOQ,
			OrderStep:      variant.OrderStep,
			AvailableStock: &available,
		})
	}
	return lines, variants, nil
}

func (s *orderService) reserve(ctx context.Context, order Order, now time.Time) (domain.InventoryReservation, error) {
	reservationLines := make([]domain.InventoryReservationLine, 0, len(order.Lines))
	for _, line := range order.Lines {
		reservationLines = append(reservationLines, domain.InventoryReservationLine{SKU: line.VariantID, Quantity: line.Quantity})
	}
	result, err := s.inventory.Reserve(ctx, repositories.InventoryReserveRequest{
		Reservation: domain.InventoryReservation{
			ID:        reservationIDPrefix + s.newID(),
			OrderRef:  order.ID,
			UserRef:   order.UserID,
			Status:    "reserved",
			Lines:     reservationLines,
			ExpiresAt: now.Add(s.reservationTTL),
			CreatedAt: now,
			UpdatedAt: now,
		},
		Now: now,
	})
	if err != nil {
		var invErr *repositories.InventoryError
		if errors.As(err, &invErr) {
			switch invErr.Code {
			case repositories.InventoryErrorInsufficientStock, repositories.InventoryErrorStockNotFound:
				return domain.InventoryReservation{}, fmt.Errorf("%w: %s", ErrOrderConflict, invErr.Message)
			}
		}
		return domain.InventoryReservation{}, s.mapRepositoryError(err)
	}
	return result.Reservation, nil
}

func (s *orderService) releaseReservation(ctx context.Context, orderID, reservationID, reason string) {
	if _, err := s.inventory.Release(ctx, repositories.InventoryReleaseRequest{
		ReservationID: reservationID,
		Reason:        reason,
		Now:           s.clock(),
	}); err != nil {
		s.logger(ctx, "order.reservation.release_failed", map[string]any{
			"level":         "error",
			"orderId":       orderID,
			"reservationId": reservationID,
			"error":         err.Error(),
		})
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish_failed", map[string]any{
			"level": "warn",
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

func (s *orderService) cleanText(value string, limit int) string {
	cleaned := strings.TrimSpace(s.sanitizer.Sanitize(value))
	if runes := []rune(cleaned); len(runes) > limit {
		cleaned = string(runes[:limit])
	}
	return cleaned
}

func (s *orderService) cleanCustomer(customer OrderCustomer) OrderCustomer {
	return OrderCustomer{
		Name:  s.cleanText(customer.Name, maxCustomerFieldLength),
		Email: strings.TrimSpace(customer.Email),
		Phone: s.cleanText(customer.Phone, maxCustomerFieldLength),
	}
}

func (s *orderService) cleanAddress(address ShippingAddress) ShippingAddress {
	return ShippingAddress{
		City:     s.cleanText(address.City, maxCustomerFieldLength),
		District: s.cleanText(address.District, maxCustomerFieldLength),
		Country:  s.cleanText(address.Country, maxCustomerFieldLength),
	}
}

// mergeOrderLines folds repeated variants into one line, keeping first-seen order.
func mergeOrderLines(lines []PlaceOrderLine) ([]PlaceOrderLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line is required", ErrOrderInvalidInput)
	}
	if len(lines) > maxOrderLines {
		return nil, fmt.Errorf("%w: at most %d lines are allowed", ErrOrderInvalidInput, maxOrderLines)
	}
	merged := make([]PlaceOrderLine, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		id := strings.TrimSpace(line.VariantID)
		if id == "" {
			return nil, fmt.Errorf("%w: variant id is required", ErrOrderInvalidInput)
		}
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", ErrOrderInvalidInput, id)
		}
		if pos, ok := index[id]; ok {
			merged[pos].Quantity += line.Quantity
			continue
		}
		index[id] = len(merged)
		merged = append(merged, PlaceOrderLine{VariantID: id, Quantity: line.Quantity})
	}
	return merged, nil
}

func buildOrderLines(priced []LineTotal, variants map[string]CatalogVariant, lines []CartLine) []OrderLine {
	out := make([]OrderLine, 0, len(priced))
	for idx, line := range priced {
		variant := variants[line.VariantID]
		out = append(out, OrderLine{
			LineTotal:   line,
			Name:        variant.Name,
			CategoryID:  variant.CategoryID,
			WeightGrams: lines[idx].WeightGrams,
			VolumeCm3:   lines[idx].VolumeCm3,
		})
	}
	return out
}

// checkoutRequestFor itemises the order when the VAT inclusive lines plus shipping add up to the
// charged total. Discounts break that equality, in which case a single total line is sent.
func checkoutRequestFor(order Order, cmd PlaceOrderCommand) payments.CheckoutSessionRequest {
	amount := payments.ToMinorUnits(order.Totals.Total)
	req := payments.CheckoutSessionRequest{
		OrderID:        order.ID,
		Amount:         amount,
		Currency:       order.Currency,
		CustomerEmail:  order.Customer.Email,
		SuccessURL:     cmd.SuccessURL,
		CancelURL:      cmd.CancelURL,
		IdempotencyKey: order.ID,
		Metadata: map[string]string{
			"orderId":      order.ID,
			"userId":       order.UserID,
			"rulesVersion": order.RulesVersion,
		},
	}

	items := make([]payments.CheckoutLineItem, 0, len(order.Lines)+1)
	var sum int64
	for _, line := range order.Lines {
		lineAmount := payments.ToMinorUnits(line.LineTotal.LineTotal)
		sum += lineAmount
		items = append(items, payments.CheckoutLineItem{
			Name:     line.Name,
			SKU:      line.VariantID,
			Quantity: 1,
			Amount:   lineAmount,
		})
	}
	if shipping := payments.ToMinorUnits(order.Totals.ShippingCost); shipping > 0 {
		sum += shipping
		items = append(items, payments.CheckoutLineItem{Name: "Shipping", SKU: "shipping", Quantity: 1, Amount: shipping})
	}
	if sum == amount {
		req.Items = items
	}
	return req
}
