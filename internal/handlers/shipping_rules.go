package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/voltvault/api/internal/platform/auth"
	"github.com/voltvault/api/internal/platform/httpx"
	"github.com/voltvault/api/internal/platform/ruletable"
	"github.com/voltvault/api/internal/services"
)

// ShippingRuleHandlers exposes the active rule table and the internal reload trigger.
type ShippingRuleHandlers struct {
	rules services.ShippingRuleService
}

// NewShippingRuleHandlers constructs shipping rule handlers.
func NewShippingRuleHandlers(rules services.ShippingRuleService) *ShippingRuleHandlers {
	return &ShippingRuleHandlers{rules: rules}
}

// Routes registers the public read endpoint.
func (h *ShippingRuleHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listRules)
}

// InternalRoutes registers the reload endpoint. Callers mount it behind service authentication.
func (h *ShippingRuleHandlers) InternalRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/shipping-rules/reload", h.reloadRules)
}

type ruleTableResponse struct {
	Version  string                `json:"version"`
	Source   string                `json:"source"`
	LoadedAt string                `json:"loaded_at,omitempty"`
	Rules    []shippingRulePayload `json:"rules"`
	Delivery deliveryPayload       `json:"delivery"`
}

type reloadResponse struct {
	ruleTableResponse
	ReloadedBy string `json:"reloaded_by,omitempty"`
}

type shippingRulePayload struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Priority   int               `json:"priority"`
	Conditions conditionsPayload `json:"conditions"`
	Cost       costPayload       `json:"cost"`
	Carriers   []string          `json:"carriers"`
}

type conditionsPayload struct {
	WeightMin   *int     `json:"weight_min,omitempty"`
	WeightMax   *int     `json:"weight_max,omitempty"`
	VolumeMin   *int     `json:"volume_min,omitempty"`
	VolumeMax   *int     `json:"volume_max,omitempty"`
	CategoryIDs []string `json:"category_ids,omitempty"`
	IsDangerous *bool    `json:"is_dangerous,omitempty"`
	IsFragile   *bool    `json:"is_fragile,omitempty"`
}

type costPayload struct {
	Base          string  `json:"base"`
	PerKg         *string `json:"per_kg,omitempty"`
	PerVolume     *string `json:"per_volume,omitempty"`
	FreeThreshold *string `json:"free_threshold,omitempty"`
}

type deliveryPayload struct {
	DomesticCountries []string `json:"domestic_countries"`
	MajorCities       []string `json:"major_cities"`
	MajorCityDays     int      `json:"major_city_days"`
	DomesticDays      int      `json:"domestic_days"`
	InternationalDays int      `json:"international_days"`
}

func (h *ShippingRuleHandlers) listRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.rules == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_rules_unavailable", "shipping rule service is unavailable", http.StatusServiceUnavailable))
		return
	}
	snapshot, err := h.rules.ActiveRules(ctx)
	if err != nil {
		writeShippingRuleError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildRuleTableResponse(snapshot))
}

func (h *ShippingRuleHandlers) reloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.rules == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_rules_unavailable", "shipping rule service is unavailable", http.StatusServiceUnavailable))
		return
	}
	snapshot, err := h.rules.Reload(ctx)
	if err != nil {
		writeShippingRuleError(ctx, w, err)
		return
	}
	resp := reloadResponse{ruleTableResponse: buildRuleTableResponse(snapshot)}
	if identity, ok := auth.ServiceIdentityFromContext(ctx); ok {
		resp.ReloadedBy = firstNonBlank(identity.Email, identity.Subject)
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func buildRuleTableResponse(snapshot services.RuleTableSnapshot) ruleTableResponse {
	resp := ruleTableResponse{
		Version:  snapshot.Version,
		Source:   snapshot.Source,
		LoadedAt: formatTime(snapshot.LoadedAt),
		Rules:    make([]shippingRulePayload, 0, len(snapshot.Rules)),
		Delivery: deliveryPayload{
			DomesticCountries: append([]string{}, snapshot.Delivery.DomesticCountries...),
			MajorCities:       append([]string{}, snapshot.Delivery.MajorCities...),
			MajorCityDays:     snapshot.Delivery.MajorCityDays,
			DomesticDays:      snapshot.Delivery.DomesticDays,
			InternationalDays: snapshot.Delivery.InternationalDays,
		},
	}
	for _, rule := range snapshot.Rules {
		resp.Rules = append(resp.Rules, shippingRulePayload{
			ID:       rule.ID,
			Name:     rule.Name,
			Priority: rule.Priority,
			Conditions: conditionsPayload{
				WeightMin:   rule.Conditions.WeightMin,
				WeightMax:   rule.Conditions.WeightMax,
				VolumeMin:   rule.Conditions.VolumeMin,
				VolumeMax:   rule.Conditions.VolumeMax,
				CategoryIDs: rule.Conditions.CategoryIDs,
				IsDangerous: rule.Conditions.IsDangerous,
				IsFragile:   rule.Conditions.IsFragile,
			},
			Cost: costPayload{
				Base:          rule.Cost.Base.String(),
				PerKg:         optionalDecimal(rule.Cost.PerKg),
				PerVolume:     optionalDecimal(rule.Cost.PerVolume),
				FreeThreshold: optionalDecimal(rule.Cost.FreeThreshold),
			},
			Carriers: append([]string{}, rule.Carriers...),
		})
	}
	return resp
}

func optionalDecimal(value *decimal.Decimal) *string {
	if value == nil {
		return nil
	}
	s := value.String()
	return &s
}

func writeShippingRuleError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ruletable.ErrNoSource):
		httpx.WriteError(ctx, w, httpx.NewError("reload_unsupported", "rule table has no reloadable source", http.StatusConflict))
	case errors.Is(err, ruletable.ErrInvalidTable):
		httpx.WriteError(ctx, w, httpx.NewError("rule_table_invalid", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrRuleTableReloadFailed):
		httpx.WriteError(ctx, w, httpx.NewError("rule_source_unavailable", err.Error(), http.StatusBadGateway))
	case errors.Is(err, services.ErrRuleTableUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("shipping_rules_unavailable", "shipping rules are not loaded", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("shipping_rules_error", "failed to process shipping rules request", http.StatusInternalServerError))
	}
}
