package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/voltvault/api/internal/domain"
	pfirestore "github.com/voltvault/api/internal/platform/firestore"
	"github.com/voltvault/api/internal/platform/pagination"
	"github.com/voltvault/api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists placed orders.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
	}, nil
}

// Insert creates the order document and fails with a conflict when the ID is taken.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	ref, err := r.orders.Ref(ctx, order.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update overwrites the stored order.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	ref, err := r.orders.Ref(ctx, order.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, newOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.update", err)
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID)
}

// List returns a customer's orders, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	userID := strings.TrimSpace(filter.UserID)
	if userID == "" {
		return domain.CursorPage[domain.Order]{}, errors.New("orders.list: user id is required")
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}
	cursor, err := pagination.DecodeToken(filter.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("userId", "==", userID).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, min(len(docs), pageSize))}
	for i, doc := range docs {
		if i == pageSize {
			last := page.Items[len(page.Items)-1]
			token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
			if err != nil {
				return domain.CursorPage[domain.Order]{}, err
			}
			page.NextPageToken = token
			break
		}
		order, err := doc.Data.toDomain(doc.ID)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.Items = append(page.Items, order)
	}
	return page, nil
}

type orderDocument struct {
	UserID          string                `firestore:"userId"`
	Status          string                `firestore:"status"`
	Currency        string                `firestore:"currency"`
	Lines           []orderLineDocument   `firestore:"lines"`
	Totals          orderTotalsDocument   `firestore:"totals"`
	Shipping        orderShippingDocument `firestore:"shipping"`
	ShippingAddress orderAddressDocument  `firestore:"shippingAddress"`
	Customer        orderCustomerDocument `firestore:"customer"`
	Note            string                `firestore:"note,omitempty"`
	RulesVersion    string                `firestore:"rulesVersion"`
	ReservationID   string                `firestore:"reservationId,omitempty"`
	Payment         *orderPaymentDocument `firestore:"payment,omitempty"`
	IdempotencyKey  string                `firestore:"idempotencyKey,omitempty"`
	CreatedAt       time.Time             `firestore:"createdAt"`
	UpdatedAt       time.Time             `firestore:"updatedAt"`
}

type orderLineDocument struct {
	VariantID      string `firestore:"variantId"`
	Name           string `firestore:"name"`
	CategoryID     string `firestore:"categoryId,omitempty"`
	Quantity       int    `firestore:"quantity"`
	WeightGrams    int    `firestore:"weightGrams"`
	VolumeCm3      int    `firestore:"volumeCm3"`
	UnitPrice      string `firestore:"unitPrice"`
	VATRatePercent string `firestore:"vatRatePercent"`
	LineSubtotal   string `firestore:"lineSubtotal"`
	LineVAT        string `firestore:"lineVat"`
	LineTotal      string `firestore:"lineTotal"`
}

type orderTotalsDocument struct {
	Subtotal     string   `firestore:"subtotal"`
	VATTotal     string   `firestore:"vatTotal"`
	ShippingCost string   `firestore:"shippingCost"`
	Discount     string   `firestore:"discount"`
	Total        string   `firestore:"total"`
	Warnings     []string `firestore:"warnings,omitempty"`
}

type orderShippingDocument struct {
	Cost          string `firestore:"cost"`
	EstimatedDays int    `firestore:"estimatedDays"`
	Carrier       string `firestore:"carrier,omitempty"`
	MatchedRuleID string `firestore:"matchedRuleId"`
	RuleName      string `firestore:"ruleName,omitempty"`
	FreeShipping  bool   `firestore:"freeShipping"`
	Fallback      bool   `firestore:"fallback"`
}

type orderAddressDocument struct {
	City     string `firestore:"city"`
	District string `firestore:"district,omitempty"`
	Country  string `firestore:"country"`
}

type orderCustomerDocument struct {
	Name  string `firestore:"name"`
	Email string `firestore:"email"`
	Phone string `firestore:"phone,omitempty"`
}

type orderPaymentDocument struct {
	Provider    string    `firestore:"provider"`
	SessionID   string    `firestore:"sessionId"`
	IntentID    string    `firestore:"intentId,omitempty"`
	RedirectURL string    `firestore:"redirectUrl,omitempty"`
	ExpiresAt   time.Time `firestore:"expiresAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	lines := make([]orderLineDocument, len(order.Lines))
	for i, line := range order.Lines {
		lines[i] = orderLineDocument{
			VariantID:      line.VariantID,
			Name:           line.Name,
			CategoryID:     line.CategoryID,
			Quantity:       line.Quantity,
			WeightGrams:    line.WeightGrams,
			VolumeCm3:      line.VolumeCm3,
			UnitPrice:      line.UnitPrice.String(),
			VATRatePercent: line.VATRatePercent.String(),
			LineSubtotal:   line.LineSubtotal.StringFixed(2),
			LineVAT:        line.LineVAT.StringFixed(2),
			LineTotal:      line.LineTotal.LineTotal.StringFixed(2),
		}
	}
	doc := orderDocument{
		UserID:   order.UserID,
		Status:   string(order.Status),
		Currency: order.Currency,
		Lines:    lines,
		Totals: orderTotalsDocument{
			Subtotal:     order.Totals.Subtotal.StringFixed(2),
			VATTotal:     order.Totals.VATTotal.StringFixed(2),
			ShippingCost: order.Totals.ShippingCost.StringFixed(2),
			Discount:     order.Totals.Discount.StringFixed(2),
			Total:        order.Totals.Total.StringFixed(2),
			Warnings:     order.Totals.Warnings,
		},
		Shipping: orderShippingDocument{
			Cost:          order.Shipping.Cost.StringFixed(2),
			EstimatedDays: order.Shipping.EstimatedDays,
			Carrier:       order.Shipping.Carrier,
			MatchedRuleID: order.Shipping.MatchedRuleID,
			RuleName:      order.Shipping.RuleName,
			FreeShipping:  order.Shipping.FreeShipping,
			Fallback:      order.Shipping.Fallback,
		},
		ShippingAddress: orderAddressDocument(order.ShippingAddress),
		Customer:        orderCustomerDocument(order.Customer),
		Note:            order.Note,
		RulesVersion:    order.RulesVersion,
		ReservationID:   order.ReservationID,
		IdempotencyKey:  order.IdempotencyKey,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
	}
	if order.Payment != nil {
		doc.Payment = &orderPaymentDocument{
			Provider:    order.Payment.Provider,
			SessionID:   order.Payment.SessionID,
			IntentID:    order.Payment.IntentID,
			RedirectURL: order.Payment.RedirectURL,
			ExpiresAt:   order.Payment.ExpiresAt.UTC(),
		}
	}
	return doc
}

func (d orderDocument) toDomain(id string) (domain.Order, error) {
	var parseErr error
	amount := func(field, raw string) decimal.Decimal {
		value, err := parseStoredDecimal(raw)
		if err != nil && parseErr == nil {
			parseErr = fmt.Errorf("order %s: %s: %w", id, field, err)
		}
		return value
	}

	lines := make([]domain.OrderLine, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.OrderLine{
			LineTotal: domain.LineTotal{
				VariantID:      line.VariantID,
				Quantity:       line.Quantity,
				UnitPrice:      amount("unitPrice", line.UnitPrice),
				VATRatePercent: amount("vatRatePercent", line.VATRatePercent),
				LineSubtotal:   amount("lineSubtotal", line.LineSubtotal),
				LineVAT:        amount("lineVat", line.LineVAT),
				LineTotal:      amount("lineTotal", line.LineTotal),
			},
			Name:        line.Name,
			CategoryID:  line.CategoryID,
			WeightGrams: line.WeightGrams,
			VolumeCm3:   line.VolumeCm3,
		}
	}

	order := domain.Order{
		ID:       id,
		UserID:   d.UserID,
		Status:   domain.OrderStatus(d.Status),
		Currency: d.Currency,
		Lines:    lines,
		Totals: domain.OrderTotals{
			Subtotal:     amount("subtotal", d.Totals.Subtotal),
			VATTotal:     amount("vatTotal", d.Totals.VATTotal),
			ShippingCost: amount("shippingCost", d.Totals.ShippingCost),
			Discount:     amount("discount", d.Totals.Discount),
			Total:        amount("total", d.Totals.Total),
			Errors:       []string{},
			Warnings:     append([]string{}, d.Totals.Warnings...),
		},
		Shipping: domain.ShippingQuote{
			Cost:          amount("shipping.cost", d.Shipping.Cost),
			EstimatedDays: d.Shipping.EstimatedDays,
			Carrier:       d.Shipping.Carrier,
			MatchedRuleID: d.Shipping.MatchedRuleID,
			RuleName:      d.Shipping.RuleName,
			FreeShipping:  d.Shipping.FreeShipping,
			Fallback:      d.Shipping.Fallback,
		},
		ShippingAddress: domain.ShippingAddress(d.ShippingAddress),
		Customer:        domain.OrderCustomer(d.Customer),
		Note:            d.Note,
		RulesVersion:    d.RulesVersion,
		ReservationID:   d.ReservationID,
		IdempotencyKey:  d.IdempotencyKey,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	order.Totals.Lines = make([]domain.LineTotal, len(lines))
	for i, line := range lines {
		order.Totals.Lines[i] = line.LineTotal
	}
	if d.Payment != nil {
		order.Payment = &domain.PaymentInitiation{
			Provider:    d.Payment.Provider,
			SessionID:   d.Payment.SessionID,
			IntentID:    d.Payment.IntentID,
			RedirectURL: d.Payment.RedirectURL,
			ExpiresAt:   d.Payment.ExpiresAt,
		}
	}
	if parseErr != nil {
		return domain.Order{}, parseErr
	}
	return order, nil
}
