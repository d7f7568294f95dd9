package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/voltvault/api/internal/platform/auth"
	"github.com/voltvault/api/internal/platform/httpx"
	"github.com/voltvault/api/internal/platform/idempotency"
	"github.com/voltvault/api/internal/platform/pagination"
	"github.com/voltvault/api/internal/services"
)

const maxPlaceOrderBodySize = 64 * 1024

// OrderHandlers exposes order placement and read endpoints for authenticated customers.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	idempotent  func(http.Handler) http.Handler
	successURL  string
	cancelURL   string
	maxBodySize int64
}

// OrderOption customises OrderHandlers.
type OrderOption func(*OrderHandlers)

// WithOrderIdempotency wraps order placement with the given idempotency middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderOption {
	return func(h *OrderHandlers) {
		h.idempotent = mw
	}
}

// WithCheckoutRedirects sets the default hosted checkout return URLs.
func WithCheckoutRedirects(successURL, cancelURL string) OrderOption {
	return func(h *OrderHandlers) {
		h.successURL = strings.TrimSpace(successURL)
		h.cancelURL = strings.TrimSpace(cancelURL)
	}
}

// WithOrderMaxBodyBytes overrides the request body limit for order placement.
func WithOrderMaxBodyBytes(limit int64) OrderOption {
	return func(h *OrderHandlers) {
		if limit > 0 {
			h.maxBodySize = limit
		}
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:       authn,
		orders:      orders,
		maxBodySize: maxPlaceOrderBodySize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleCustomer, auth.RoleStaff))
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	if h.idempotent != nil {
		r.With(h.idempotent).Post("/", h.placeOrder)
	} else {
		r.Post("/", h.placeOrder)
	}
}

type placeOrderRequest struct {
	Lines      []placeOrderLineRequest `json:"lines" validate:"required,min=1,max=100,dive"`
	Address    orderAddressRequest     `json:"address"`
	Customer   customerRequest         `json:"customer"`
	Discount   decimal.Decimal         `json:"discount" validate:"gte=0"`
	Note       string                  `json:"note" validate:"max=1000"`
	SuccessURL string                  `json:"success_url" validate:"omitempty,url"`
	CancelURL  string                  `json:"cancel_url" validate:"omitempty,url"`
}

type placeOrderLineRequest struct {
	VariantID string `json:"variant_id" validate:"required,max=128"`
	Quantity  int    `json:"quantity" validate:"gt=0,lte=100000"`
}

type orderAddressRequest struct {
	City     string `json:"city" validate:"required,max=200"`
	District string `json:"district" validate:"max=200"`
	Country  string `json:"country" validate:"required,max=100"`
}

type customerRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"required,email,max=254"`
	Phone string `json:"phone" validate:"max=40"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Currency  string `json:"currency"`
	Total     string `json:"total"`
	CreatedAt string `json:"created_at"`
}

type orderPayload struct {
	ID              string             `json:"id"`
	UserID          string             `json:"user_id"`
	Status          string             `json:"status"`
	Currency        string             `json:"currency"`
	Items           []orderItemPayload `json:"items"`
	Totals          totalsPayload      `json:"totals"`
	Shipping        shippingPayload    `json:"shipping"`
	ShippingAddress addressPayload     `json:"shipping_address"`
	Customer        customerPayload    `json:"customer"`
	Note            string             `json:"note,omitempty"`
	RulesVersion    string             `json:"rules_version,omitempty"`
	Payment         *paymentPayload    `json:"payment,omitempty"`
	CreatedAt       string             `json:"created_at"`
	UpdatedAt       string             `json:"updated_at,omitempty"`
}

type orderItemPayload struct {
	VariantID    string `json:"variant_id"`
	Name         string `json:"name,omitempty"`
	CategoryID   string `json:"category_id,omitempty"`
	Quantity     int    `json:"quantity"`
	UnitPrice    string `json:"unit_price"`
	LineSubtotal string `json:"line_subtotal"`
	LineVAT      string `json:"line_vat"`
	LineTotal    string `json:"line_total"`
}

type addressPayload struct {
	City     string `json:"city"`
	District string `json:"district,omitempty"`
	Country  string `json:"country"`
}

type customerPayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type paymentPayload struct {
	Provider    string `json:"provider"`
	SessionID   string `json:"session_id,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

func (h *OrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req placeOrderRequest
	if !decodeRequest(ctx, w, r, h.maxBodySize, &req) {
		return
	}
	if req.Discount.IsPositive() && !identity.HasRole(auth.RoleStaff) {
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "only staff may apply a discount", http.StatusForbidden))
		return
	}

	cmd := services.PlaceOrderCommand{
		UserID: identity.UID,
		Lines:  make([]services.PlaceOrderLine, 0, len(req.Lines)),
		Address: services.ShippingAddress{
			City:     strings.TrimSpace(req.Address.City),
			District: strings.TrimSpace(req.Address.District),
			Country:  strings.TrimSpace(req.Address.Country),
		},
		Customer: services.OrderCustomer{
			Name:  req.Customer.Name,
			Email: req.Customer.Email,
			Phone: req.Customer.Phone,
		},
		Discount:       req.Discount,
		Note:           req.Note,
		SuccessURL:     firstNonBlank(req.SuccessURL, h.successURL),
		CancelURL:      firstNonBlank(req.CancelURL, h.cancelURL),
		IdempotencyKey: firstNonBlank(idempotency.KeyFromContext(ctx), r.Header.Get(idempotency.HeaderName)),
	}
	for _, line := range req.Lines {
		cmd.Lines = append(cmd.Lines, services.PlaceOrderLine{
			VariantID: strings.TrimSpace(line.VariantID),
			Quantity:  line.Quantity,
		})
	}

	order, err := h.orders.PlaceOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		UserID:    identity.UID,
		PageSize:  params.PageSize,
		PageToken: params.PageToken,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, orderSummaryPayload{
			ID:        order.ID,
			Status:    string(order.Status),
			Currency:  order.Currency,
			Total:     formatMoney(order.Totals.Total),
			CreatedAt: formatTime(order.CreatedAt),
		})
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{Items: items, NextPageToken: page.NextPageToken})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, identity.UID, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:       order.ID,
		UserID:   order.UserID,
		Status:   string(order.Status),
		Currency: order.Currency,
		Items:    make([]orderItemPayload, 0, len(order.Lines)),
		Totals:   buildTotalsPayload(order.Totals),
		Shipping: buildShippingPayload(order.Shipping),
		ShippingAddress: addressPayload{
			City:     order.ShippingAddress.City,
			District: order.ShippingAddress.District,
			Country:  order.ShippingAddress.Country,
		},
		Customer: customerPayload{
			Name:  order.Customer.Name,
			Email: order.Customer.Email,
			Phone: order.Customer.Phone,
		},
		Note:         order.Note,
		RulesVersion: order.RulesVersion,
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
	}
	for _, line := range order.Lines {
		payload.Items = append(payload.Items, orderItemPayload{
			VariantID:    line.VariantID,
			Name:         line.Name,
			CategoryID:   line.CategoryID,
			Quantity:     line.Quantity,
			UnitPrice:    formatMoney(line.UnitPrice),
			LineSubtotal: formatMoney(line.LineSubtotal),
			LineVAT:      formatMoney(line.LineVAT),
			LineTotal:    formatMoney(line.LineTotal.LineTotal),
		})
	}
	if order.Payment != nil {
		payload.Payment = &paymentPayload{
			Provider:    order.Payment.Provider,
			SessionID:   order.Payment.SessionID,
			RedirectURL: order.Payment.RedirectURL,
			ExpiresAt:   formatTime(order.Payment.ExpiresAt),
		}
	}
	return payload
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var validationErr *services.OrderValidationError
	if errors.As(err, &validationErr) {
		httpx.WriteError(ctx, w, httpx.NewError("order_validation_failed", "order lines failed validation", http.StatusUnprocessableEntity).
			WithDetails(map[string]any{
				"errors":   append([]string{}, validationErr.Errors...),
				"warnings": append([]string{}, validationErr.Warnings...),
			}))
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_unavailable", "payment could not be initiated", http.StatusBadGateway))
	case errors.Is(err, services.ErrQuoteUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("quote_unavailable", "shipping rules are not loaded", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
