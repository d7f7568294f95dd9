package services

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/voltvault/api/internal/platform/ruletable"
)

const (
	// FallbackRuleID identifies quotes produced when no rule in the table matched.
	FallbackRuleID = "default"

	freeShippingDays = 3
	fallbackDays     = 5
)

var fallbackCost = decimal.NewFromInt(100)

// RuleTableSource exposes the active shipping rule table. *ruletable.Holder satisfies it.
type RuleTableSource interface {
	Current() *ruletable.Table
}

// ShippingRulesEngine evaluates carts against the prioritised shipping rule table.
type ShippingRulesEngine struct {
	rules RuleTableSource
}

// NewShippingRulesEngine returns an engine reading rules from the provided source.
func NewShippingRulesEngine(rules RuleTableSource) *ShippingRulesEngine {
	return &ShippingRulesEngine{rules: rules}
}

// Calculate quotes shipping for the cart against the currently active table.
func (e *ShippingRulesEngine) Calculate(lines []CartLine, orderSubtotal decimal.Decimal, address ShippingAddress) ShippingQuote {
	var table *ruletable.Table
	if e != nil && e.rules != nil {
		table = e.rules.Current()
	}
	return e.CalculateWith(table, lines, orderSubtotal, address)
}

// CalculateWith quotes shipping against an explicit table snapshot so callers can report which
// version priced the cart. A nil table always yields the fallback quote.
func (e *ShippingRulesEngine) CalculateWith(table *ruletable.Table, lines []CartLine, orderSubtotal decimal.Decimal, address ShippingAddress) ShippingQuote {
	if table == nil {
		return fallbackQuote()
	}

	rules := table.Rules()
	// Free-shipping thresholds win over every condition-based match.
	for _, rule := range rules {
		if rule.Cost.FreeThreshold != nil && orderSubtotal.GreaterThanOrEqual(*rule.Cost.FreeThreshold) {
			return ShippingQuote{
				Cost:          decimal.Zero,
				EstimatedDays: freeShippingDays,
				MatchedRuleID: rule.ID,
				RuleName:      rule.Name,
				FreeShipping:  true,
			}
		}
	}

	cart := summarizeCart(lines)
	for _, rule := range rules {
		if !ruleMatches(rule.Conditions, cart) {
			continue
		}
		quote := ShippingQuote{
			Cost:          ruleCost(rule.Cost, cart),
			EstimatedDays: estimateDays(table, address),
			MatchedRuleID: rule.ID,
			RuleName:      rule.Name,
		}
		if len(rule.Carriers) > 0 {
			quote.Carrier = rule.Carriers[0]
		}
		return quote
	}
	return fallbackQuote()
}

func fallbackQuote() ShippingQuote {
	return ShippingQuote{
		Cost:          fallbackCost,
		EstimatedDays: fallbackDays,
		MatchedRuleID: FallbackRuleID,
		RuleName:      FallbackRuleID,
		Fallback:      true,
	}
}

type cartSummary struct {
	weightGrams  int
	volumeCm3    int
	hasDangerous bool
	hasFragile   bool
	categories   map[string]struct{}
}

func summarizeCart(lines []CartLine) cartSummary {
	summary := cartSummary{categories: make(map[string]struct{}, len(lines))}
	for _, line := range lines {
		summary.weightGrams = addSaturating(summary.weightGrams, line.WeightGrams)
		summary.volumeCm3 = addSaturating(summary.volumeCm3, line.VolumeCm3)
		summary.hasDangerous = summary.hasDangerous || line.IsDangerous
		summary.hasFragile = summary.hasFragile || line.IsFragile
		if category := strings.TrimSpace(line.CategoryID); category != "" {
			summary.categories[category] = struct{}{}
		}
	}
	return summary
}

// addSaturating sums non-negative measures, pinning at math.MaxInt instead of wrapping.
func addSaturating(total, value int) int {
	if value > 0 && total > math.MaxInt-value {
		return math.MaxInt
	}
	return total + value
}

func ruleMatches(cond RuleConditions, cart cartSummary) bool {
	if cond.WeightMin != nil && cart.weightGrams < *cond.WeightMin {
		return false
	}
	if cond.WeightMax != nil && cart.weightGrams > *cond.WeightMax {
		return false
	}
	if cond.VolumeMin != nil && cart.volumeCm3 < *cond.VolumeMin {
		return false
	}
	if cond.VolumeMax != nil && cart.volumeCm3 > *cond.VolumeMax {
		return false
	}
	if len(cond.CategoryIDs) > 0 && !cart.hasAnyCategory(cond.CategoryIDs) {
		return false
	}
	if cond.IsDangerous != nil && *cond.IsDangerous != cart.hasDangerous {
		return false
	}
	if cond.IsFragile != nil && *cond.IsFragile != cart.hasFragile {
		return false
	}
	return true
}

func (c cartSummary) hasAnyCategory(ids []string) bool {
	for _, id := range ids {
		if _, ok := c.categories[id]; ok {
			return true
		}
	}
	return false
}

func ruleCost(cost RuleCost, cart cartSummary) decimal.Decimal {
	total := cost.Base
	if cost.PerKg != nil {
		// grams to kilograms is exact in decimal arithmetic.
		total = total.Add(decimal.New(int64(cart.weightGrams), -3).Mul(*cost.PerKg))
	}
	if cost.PerVolume != nil {
		total = total.Add(decimal.NewFromInt(int64(cart.volumeCm3)).Mul(*cost.PerVolume))
	}
	return roundMoney(total)
}

func estimateDays(table *ruletable.Table, address ShippingAddress) int {
	policy := table.Delivery()
	switch {
	case !table.IsDomestic(address.Country):
		return policy.InternationalDays
	case table.IsMajorCity(address.City):
		return policy.MajorCityDays
	default:
		return policy.DomesticDays
	}
}
