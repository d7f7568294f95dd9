package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/voltvault/api/internal/domain"
	"github.com/voltvault/api/internal/payments"
	"github.com/voltvault/api/internal/repositories"
)

type stubOrderRepo struct {
	inserted []domain.Order
	updated  []domain.Order
	insertFn func(context.Context, domain.Order) error
	findFn   func(context.Context, string) (domain.Order, error)
	listFn   func(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		if err := s.insertFn(ctx, order); err != nil {
			return err
		}
	}
	s.inserted = append(s.inserted, order)
	return nil
}

func (s *stubOrderRepo) Update(_ context.Context, order domain.Order) error {
	s.updated = append(s.updated, order)
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

type stubCatalogRepo struct {
	variants map[string]domain.CatalogVariant
}

func (s *stubCatalogRepo) GetVariants(_ context.Context, ids []string) (map[string]domain.CatalogVariant, error) {
	out := make(map[string]domain.CatalogVariant, len(ids))
	for _, id := range ids {
		if variant, ok := s.variants[id]; ok {
			out[id] = variant
		}
	}
	return out, nil
}

type stubInventoryRepo struct {
	stocks     map[string]domain.InventoryStock
	reserveErr error
	reserved   []repositories.InventoryReserveRequest
	released   []repositories.InventoryReleaseRequest
}

func (s *stubInventoryRepo) Stocks(_ context.Context, skus []string) (map[string]domain.InventoryStock, error) {
	out := make(map[string]domain.InventoryStock, len(skus))
	for _, sku := range skus {
		if stock, ok := s.stocks[sku]; ok {
			out[sku] = stock
		}
	}
	return out, nil
}

func (s *stubInventoryRepo) Reserve(_ context.Context, req repositories.InventoryReserveRequest) (repositories.InventoryReserveResult, error) {
	if s.reserveErr != nil {
		return repositories.InventoryReserveResult{}, s.reserveErr
	}
	s.reserved = append(s.reserved, req)
	return repositories.InventoryReserveResult{Reservation: req.Reservation}, nil
}

func (s *stubInventoryRepo) Release(_ context.Context, req repositories.InventoryReleaseRequest) (repositories.InventoryReleaseResult, error) {
	s.released = append(s.released, req)
	return repositories.InventoryReleaseResult{}, nil
}

type stubPaymentInitiator struct {
	err      error
	requests []payments.CheckoutSessionRequest
}

func (s *stubPaymentInitiator) CreateCheckoutSession(_ context.Context, _ payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return payments.CheckoutSession{}, s.err
	}
	return payments.CheckoutSession{
		ID:          "cs_test_1",
		Provider:    "stripe",
		RedirectURL: "https://checkout.stripe.test/cs_test_1",
		IntentID:    "pi_1",
	}, nil
}

type captureOrderEvents struct {
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.events = append(c.events, event)
	return nil
}

type stubRepoError struct {
	notFound bool
}

func (e stubRepoError) Error() string       { return "repo error" }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return false }
func (e stubRepoError) IsUnavailable() bool { return false }

type orderFixture struct {
	svc       OrderService
	orders    *stubOrderRepo
	inventory *stubInventoryRepo
	payments  *stubPaymentInitiator
	events    *captureOrderEvents
	logger    *recordingLogger
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	quotes, err := NewQuoteService(QuoteServiceDeps{Rules: defaultRuleHolder(t)})
	if err != nil {
		t.Fatalf("new quote service: %v", err)
	}
	f := &orderFixture{
		orders: &stubOrderRepo{},
		inventory: &stubInventoryRepo{stocks: map[string]domain.InventoryStock{
			"BAT-12V-100AH": {SKU: "BAT-12V-100AH", OnHand: 40, Reserved: 5, Available: 35},
			"CELL-21700":    {SKU: "CELL-21700", OnHand: 500, Available: 500},
		}},
		payments: &stubPaymentInitiator{},
		events:   &captureOrderEvents{},
		logger:   &recordingLogger{},
	}
	catalog := &stubCatalogRepo{variants: map[string]domain.CatalogVariant{
		"BAT-12V-100AH": {ID: "BAT-12V-100AH", Name: "LiFePO4 12V 100Ah", UnitPrice: dec(t, "250"), VATRatePercent: dec(t, "20"), WeightGrams: 3000, CategoryID: "batteries", Active: true},
		"CELL-21700":    {ID: "CELL-21700", Name: "21700 cell", UnitPrice: dec(t, "5"), VATRatePercent: dec(t, "20"), WeightGrams: 70, IsDangerous: true, MOQ: intPtr(10), OrderStep: intPtr(10), Active: true},
		"RETIRED":       {ID: "RETIRED", UnitPrice: dec(t, "1"), Active: false},
	}}
	ids := 0
	f.svc, err = NewOrderService(OrderServiceDeps{
		Catalog:   catalog,
		Inventory: f.inventory,
		Orders:    f.orders,
		Quotes:    quotes,
		Payments:  f.payments,
		Events:    f.events,
		Clock:     func() time.Time { return time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC) },
		IDGenerator: func() string {
			ids++
			return "01ID" + string(rune('A'+ids))
		},
		Logger: f.logger.log,
	})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	return f
}

func TestOrderServicePlaceOrder(t *testing.T) {
	f := newOrderFixture(t)

	order, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID: "user-1",
		Lines: []PlaceOrderLine{
			{VariantID: "BAT-12V-100AH", Quantity: 1},
			{VariantID: "BAT-12V-100AH", Quantity: 1},
		},
		Address:  ShippingAddress{City: "Bursa", Country: "TR"},
		Customer: OrderCustomer{Name: "<b>Ada</b> Lovelace", Email: " ada@example.com "},
		Note:     "leave at <script>alert(1)</script>the door",
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}

	if !strings.HasPrefix(order.ID, "ord_") || order.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("unexpected order header: %+v", order)
	}
	if len(order.Lines) != 1 || order.Lines[0].Quantity != 2 || order.Lines[0].WeightGrams != 6000 {
		t.Fatalf("expected merged line with line weight, got %+v", order.Lines)
	}
	if order.Shipping.MatchedRuleID != "heavy" {
		t.Fatalf("expected heavy shipping rule, got %q", order.Shipping.MatchedRuleID)
	}
	assertDecimal(t, "total", order.Totals.Total, "684")
	if order.Customer.Name != "Ada Lovelace" || order.Customer.Email != "ada@example.com" {
		t.Fatalf("expected sanitised customer, got %+v", order.Customer)
	}
	if strings.Contains(order.Note, "<") {
		t.Fatalf("expected sanitised note, got %q", order.Note)
	}
	if order.Payment == nil || order.Payment.SessionID != "cs_test_1" || order.Payment.Provider != "stripe" {
		t.Fatalf("expected payment initiation outcome, got %+v", order.Payment)
	}
	if order.RulesVersion != "2025-03-01" {
		t.Fatalf("unexpected rules version %q", order.RulesVersion)
	}

	if len(f.inventory.reserved) != 1 {
		t.Fatalf("expected a single reservation, got %d", len(f.inventory.reserved))
	}
	reservation := f.inventory.reserved[0].Reservation
	if reservation.ID != order.ReservationID || reservation.OrderRef != order.ID || reservation.Lines[0].Quantity != 2 {
		t.Fatalf("unexpected reservation: %+v", reservation)
	}
	if !reservation.ExpiresAt.Equal(time.Date(2025, 4, 2, 10, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected reservation expiry %s", reservation.ExpiresAt)
	}
	if len(f.orders.inserted) != 1 || f.orders.inserted[0].Payment != nil {
		t.Fatalf("expected order inserted before payment, got %+v", f.orders.inserted)
	}
	if len(f.orders.updated) != 1 || f.orders.updated[0].Payment == nil {
		t.Fatalf("expected order updated with payment, got %+v", f.orders.updated)
	}

	req := f.payments.requests[0]
	if req.Amount != 68400 || req.Currency != "TRY" || req.CustomerEmail != "ada@example.com" {
		t.Fatalf("unexpected checkout request: %+v", req)
	}
	if len(req.Items) != 2 || req.Items[1].SKU != "shipping" || req.Items[1].Amount != 8400 {
		t.Fatalf("expected itemised checkout, got %+v", req.Items)
	}

	if len(f.events.events) != 1 || f.events.events[0].Type != OrderEventPlaced || f.events.events[0].OrderID != order.ID {
		t.Fatalf("expected order.placed event, got %+v", f.events.events)
	}
}

func TestOrderServicePlaceOrderDiscountSendsSingleLine(t *testing.T) {
	f := newOrderFixture(t)

	order, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID:   "user-1",
		Lines:    []PlaceOrderLine{{VariantID: "BAT-12V-100AH", Quantity: 1}},
		Address:  ShippingAddress{City: "İstanbul", Country: "TR"},
		Discount: dec(t, "20"),
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	// 250 + 50 VAT + 40 light shipping - 20
	assertDecimal(t, "total", order.Totals.Total, "320")
	req := f.payments.requests[0]
	if req.Amount != 32000 || len(req.Items) != 0 {
		t.Fatalf("expected a single total charge, got %+v", req)
	}
}

func TestOrderServicePlaceOrderValidationFailure(t *testing.T) {
	f := newOrderFixture(t)

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID:  "user-1",
		Lines:   []PlaceOrderLine{{VariantID: "CELL-21700", Quantity: 15}},
		Address: ShippingAddress{City: "Ankara", Country: "TR"},
	})
	if !errors.Is(err, ErrOrderValidationFailed) {
		t.Fatalf("expected ErrOrderValidationFailed, got %v", err)
	}
	var validationErr *OrderValidationError
	if !errors.As(err, &validationErr) || len(validationErr.Errors) != 1 ||
		validationErr.Errors[0] != "Quantity must be a multiple of 10; selected 15." {
		t.Fatalf("unexpected validation error: %#v", err)
	}
	if len(f.inventory.reserved) != 0 || len(f.orders.inserted) != 0 || len(f.payments.requests) != 0 {
		t.Fatalf("nothing must be persisted for an invalid cart")
	}
}

func TestOrderServicePlaceOrderMissingStockRecord(t *testing.T) {
	f := newOrderFixture(t)
	delete(f.inventory.stocks, "BAT-12V-100AH")

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID: "user-1",
		Lines:  []PlaceOrderLine{{VariantID: "BAT-12V-100AH", Quantity: 1}},
	})
	var validationErr *OrderValidationError
	if !errors.As(err, &validationErr) || validationErr.Errors[0] != "Insufficient stock: available 0, requested 1." {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
}

func TestOrderServicePlaceOrderInvalidInput(t *testing.T) {
	f := newOrderFixture(t)
	tests := []struct {
		name string
		cmd  PlaceOrderCommand
	}{
		{name: "missing user", cmd: PlaceOrderCommand{Lines: []PlaceOrderLine{{VariantID: "BAT-12V-100AH", Quantity: 1}}}},
		{name: "no lines", cmd: PlaceOrderCommand{UserID: "u"}},
		{name: "zero quantity", cmd: PlaceOrderCommand{UserID: "u", Lines: []PlaceOrderLine{{VariantID: "BAT-12V-100AH"}}}},
		{name: "unknown variant", cmd: PlaceOrderCommand{UserID: "u", Lines: []PlaceOrderLine{{VariantID: "NOPE", Quantity: 1}}}},
		{name: "inactive variant", cmd: PlaceOrderCommand{UserID: "u", Lines: []PlaceOrderLine{{VariantID: "RETIRED", Quantity: 1}}}},
		{name: "negative discount", cmd: PlaceOrderCommand{UserID: "u", Lines: []PlaceOrderLine{{VariantID: "BAT-12V-100AH", Quantity: 1}}, Discount: dec(t, "-1")}},
		{name: "discount exceeds total", cmd: PlaceOrderCommand{UserID: "u", Lines: []PlaceOrderLine{{VariantID: "BAT-12V-100AH", Quantity: 1}}, Discount: dec(t, "5000")}},
	}
	for _, tc := range tests {
		if _, err := f.svc.PlaceOrder(context.Background(), tc.cmd); !errors.Is(err, ErrOrderInvalidInput) {
			t.Fatalf("%s: expected ErrOrderInvalidInput, got %v", tc.name, err)
		}
	}
}

func TestOrderServicePlaceOrderReservationRace(t *testing.T) {
	f := newOrderFixture(t)
	f.inventory.reserveErr = repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, "insufficient stock for BAT-12V-100AH", nil)

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID: "user-1",
		Lines:  []PlaceOrderLine{{VariantID: "BAT-12V-100AH", Quantity: 1}},
	})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected ErrOrderConflict, got %v", err)
	}
	if len(f.orders.inserted) != 0 {
		t.Fatalf("order must not be persisted when reservation fails")
	}
}

func TestOrderServicePlaceOrderPaymentFailure(t *testing.T) {
	f := newOrderFixture(t)
	f.payments.err = errors.New("card network down")

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID: "user-1",
		Lines:  []PlaceOrderLine{{VariantID: "BAT-12V-100AH", Quantity: 1}},
	})
	if !errors.Is(err, ErrOrderPaymentFailed) {
		t.Fatalf("expected ErrOrderPaymentFailed, got %v", err)
	}
	if len(f.inventory.released) != 1 || f.inventory.released[0].Reason != "payment_failed" {
		t.Fatalf("expected reservation release, got %+v", f.inventory.released)
	}
	if len(f.orders.updated) != 1 || f.orders.updated[0].Status != domain.OrderStatusPaymentFailed {
		t.Fatalf("expected order marked payment_failed, got %+v", f.orders.updated)
	}
	if len(f.events.events) != 0 {
		t.Fatalf("no event expected on payment failure")
	}
	if _, ok := f.logger.find("order.payment.initiation_failed"); !ok {
		t.Fatalf("expected payment failure to be logged")
	}
}

func TestOrderServicePlaceOrderInsertFailureReleasesStock(t *testing.T) {
	f := newOrderFixture(t)
	f.orders.insertFn = func(context.Context, domain.Order) error { return errors.New("boom") }

	if _, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID: "user-1",
		Lines:  []PlaceOrderLine{{VariantID: "BAT-12V-100AH", Quantity: 1}},
	}); err == nil {
		t.Fatalf("expected error")
	}
	if len(f.inventory.released) != 1 || len(f.payments.requests) != 0 {
		t.Fatalf("expected release without payment, got released=%d payments=%d", len(f.inventory.released), len(f.payments.requests))
	}
}

func TestOrderServiceGetOrderEnforcesOwnership(t *testing.T) {
	f := newOrderFixture(t)
	f.orders.findFn = func(_ context.Context, id string) (domain.Order, error) {
		if id == "ord_missing" {
			return domain.Order{}, stubRepoError{notFound: true}
		}
		return domain.Order{ID: id, UserID: "owner"}, nil
	}

	if order, err := f.svc.GetOrder(context.Background(), "owner", "ord_1"); err != nil || order.ID != "ord_1" {
		t.Fatalf("expected owner to read order, got %v", err)
	}
	if _, err := f.svc.GetOrder(context.Background(), "intruder", "ord_1"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for other users, got %v", err)
	}
	if _, err := f.svc.GetOrder(context.Background(), "owner", "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderServiceListOrders(t *testing.T) {
	f := newOrderFixture(t)
	var captured repositories.OrderListFilter
	f.orders.listFn = func(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
		captured = filter
		return domain.CursorPage[domain.Order]{Items: []domain.Order{{ID: "ord_1"}}, NextPageToken: "next"}, nil
	}

	page, err := f.svc.ListOrders(context.Background(), OrderListFilter{UserID: " owner ", PageSize: 5, PageToken: "tok"})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if captured.UserID != "owner" || captured.PageSize != 5 || captured.PageToken != "tok" {
		t.Fatalf("unexpected filter: %+v", captured)
	}
	if len(page.Items) != 1 || page.NextPageToken != "next" {
		t.Fatalf("unexpected page: %+v", page)
	}
	if _, err := f.svc.ListOrders(context.Background(), OrderListFilter{}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}
