package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/voltvault/api/internal/platform/httpx"
	"github.com/voltvault/api/internal/services"
)

const maxQuoteBodySize = 64 * 1024

// CartHandlers exposes the anonymous cart pricing endpoint.
type CartHandlers struct {
	quotes  services.QuoteService
	limiter RateLimiter
	maxBody int64
}

// CartOption customises CartHandlers.
type CartOption func(*CartHandlers)

// WithQuoteRateLimiter throttles quote requests per client address.
func WithQuoteRateLimiter(limiter RateLimiter) CartOption {
	return func(h *CartHandlers) {
		h.limiter = limiter
	}
}

// WithCartMaxBodyBytes overrides the request body limit.
func WithCartMaxBodyBytes(limit int64) CartOption {
	return func(h *CartHandlers) {
		if limit > 0 {
			h.maxBody = limit
		}
	}
}

// NewCartHandlers constructs the cart pricing handlers.
func NewCartHandlers(quotes services.QuoteService, opts ...CartOption) *CartHandlers {
	h := &CartHandlers{quotes: quotes, maxBody: maxQuoteBodySize}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.limiter != nil {
		r.Use(rateLimitMiddleware(h.limiter, "quote"))
	}
	r.Post("/quote", h.quote)
}

type quoteRequest struct {
	Lines    []quoteLineRequest `json:"lines" validate:"max=100,dive"`
	Address  addressRequest     `json:"address"`
	Discount decimal.Decimal    `json:"discount" validate:"gte=0"`
}

type quoteLineRequest struct {
	VariantID      string          `json:"variant_id" validate:"required,max=128"`
	Quantity       int             `json:"quantity" validate:"gt=0,lte=100000"`
	UnitPrice      decimal.Decimal `json:"unit_price" validate:"gte=0"`
	VATRatePercent decimal.Decimal `json:"vat_rate_percent" validate:"gte=0"`
	WeightGrams    int             `json:"weight_grams" validate:"gte=0,lte=100000000"`
	VolumeCm3      int             `json:"volume_cm3" validate:"gte=0,lte=1000000000"`
	CategoryID     string          `json:"category_id" validate:"max=128"`
	IsDangerous    bool            `json:"is_dangerous"`
	IsFragile      bool            `json:"is_fragile"`
	MOQ            *int            `json:"moq" validate:"omitempty,gt=0"`
	OrderStep      *int            `json:"order_step" validate:"omitempty,gt=0"`
	AvailableStock *int            `json:"available_stock" validate:"omitempty,gte=0"`
}

type addressRequest struct {
	City     string `json:"city" validate:"max=200"`
	District string `json:"district" validate:"max=200"`
	Country  string `json:"country" validate:"max=100"`
}

func (a addressRequest) toAddress() services.ShippingAddress {
	return services.ShippingAddress{
		City:     strings.TrimSpace(a.City),
		District: strings.TrimSpace(a.District),
		Country:  strings.TrimSpace(a.Country),
	}
}

type quoteResponse struct {
	Valid        bool            `json:"valid"`
	Totals       totalsPayload   `json:"totals"`
	Shipping     shippingPayload `json:"shipping"`
	Issues       []issuePayload  `json:"issues"`
	RulesVersion string          `json:"rules_version,omitempty"`
}

type totalsPayload struct {
	Lines        []lineTotalPayload `json:"lines"`
	Subtotal     string             `json:"subtotal"`
	VATTotal     string             `json:"vat_total"`
	ShippingCost string             `json:"shipping_cost"`
	Discount     string             `json:"discount"`
	Total        string             `json:"total"`
	Errors       []string           `json:"errors"`
	Warnings     []string           `json:"warnings"`
}

type lineTotalPayload struct {
	VariantID      string `json:"variant_id"`
	Quantity       int    `json:"quantity"`
	UnitPrice      string `json:"unit_price"`
	VATRatePercent string `json:"vat_rate_percent"`
	LineSubtotal   string `json:"line_subtotal"`
	LineVAT        string `json:"line_vat"`
	LineTotal      string `json:"line_total"`
}

type shippingPayload struct {
	Cost          string `json:"cost"`
	EstimatedDays int    `json:"estimated_days"`
	Carrier       string `json:"carrier,omitempty"`
	MatchedRuleID string `json:"matched_rule_id"`
	RuleName      string `json:"rule_name,omitempty"`
	FreeShipping  bool   `json:"free_shipping"`
	Fallback      bool   `json:"fallback"`
}

type issuePayload struct {
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	VariantID string `json:"variant_id,omitempty"`
}

func (h *CartHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.quotes == nil {
		httpx.WriteError(ctx, w, httpx.NewError("quote_service_unavailable", "quote service is unavailable", http.StatusServiceUnavailable))
		return
	}

	var req quoteRequest
	if !decodeRequest(ctx, w, r, h.maxBody, &req) {
		return
	}

	cmd := services.QuoteCommand{
		Lines:    make([]services.CartLine, 0, len(req.Lines)),
		Address:  req.Address.toAddress(),
		Discount: req.Discount,
	}
	for _, line := range req.Lines {
		cmd.Lines = append(cmd.Lines, services.CartLine{
			VariantID:      strings.TrimSpace(line.VariantID),
			Quantity:       line.Quantity,
			UnitPrice:      line.UnitPrice,
			VATRatePercent: line.VATRatePercent,
			WeightGrams:    line.WeightGrams,
			VolumeCm3:      line.VolumeCm3,
			CategoryID:     strings.TrimSpace(line.CategoryID),
			IsDangerous:    line.IsDangerous,
			IsFragile:      line.IsFragile,
			MOQ:            line.MOQ,
			OrderStep:      line.OrderStep,
			AvailableStock: line.AvailableStock,
		})
	}

	quote, err := h.quotes.Quote(ctx, cmd)
	if err != nil {
		writeQuoteError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, quoteResponse{
		Valid:        len(quote.Totals.Errors) == 0,
		Totals:       buildTotalsPayload(quote.Totals),
		Shipping:     buildShippingPayload(quote.Shipping),
		Issues:       buildIssuePayloads(quote.Issues),
		RulesVersion: quote.RulesVersion,
	})
}

func buildTotalsPayload(totals services.OrderTotals) totalsPayload {
	payload := totalsPayload{
		Lines:        make([]lineTotalPayload, 0, len(totals.Lines)),
		Subtotal:     formatMoney(totals.Subtotal),
		VATTotal:     formatMoney(totals.VATTotal),
		ShippingCost: formatMoney(totals.ShippingCost),
		Discount:     formatMoney(totals.Discount),
		Total:        formatMoney(totals.Total),
		Errors:       append([]string{}, totals.Errors...),
		Warnings:     append([]string{}, totals.Warnings...),
	}
	for _, line := range totals.Lines {
		payload.Lines = append(payload.Lines, lineTotalPayload{
			VariantID:      line.VariantID,
			Quantity:       line.Quantity,
			UnitPrice:      formatMoney(line.UnitPrice),
			VATRatePercent: line.VATRatePercent.String(),
			LineSubtotal:   formatMoney(line.LineSubtotal),
			LineVAT:        formatMoney(line.LineVAT),
			LineTotal:      formatMoney(line.LineTotal),
		})
	}
	return payload
}

func buildShippingPayload(quote services.ShippingQuote) shippingPayload {
	return shippingPayload{
		Cost:          formatMoney(quote.Cost),
		EstimatedDays: quote.EstimatedDays,
		Carrier:       quote.Carrier,
		MatchedRuleID: quote.MatchedRuleID,
		RuleName:      quote.RuleName,
		FreeShipping:  quote.FreeShipping,
		Fallback:      quote.Fallback,
	}
}

func buildIssuePayloads(issues []services.ValidationIssue) []issuePayload {
	out := make([]issuePayload, 0, len(issues))
	for _, issue := range issues {
		out = append(out, issuePayload{
			Severity:  string(issue.Severity),
			Message:   issue.Message,
			VariantID: issue.VariantID,
		})
	}
	return out
}

func writeQuoteError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPricingInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrQuoteUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("quote_unavailable", "shipping rules are not loaded", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("quote_error", "failed to price cart", http.StatusInternalServerError))
	}
}
