package domain

import "github.com/shopspring/decimal"

// CartLine is a single purchasable line submitted for pricing. UnitPrice is VAT exclusive;
// WeightGrams and VolumeCm3 describe the whole line, not a single unit.
type CartLine struct {
	VariantID      string
	Quantity       int
	UnitPrice      decimal.Decimal
	VATRatePercent decimal.Decimal
	WeightGrams    int
	VolumeCm3      int
	CategoryID     string
	IsDangerous    bool
	IsFragile      bool
	MOQ            *int
	OrderStep      *int
	// AvailableStock is on-hand minus reserved; nil means the stock was not checked.
	AvailableStock *int
}

// ShippingRule is one entry of the static shipping rule table.
type ShippingRule struct {
	ID         string
	Name       string
	Priority   int
	Conditions RuleConditions
	Cost       RuleCost
	Carriers   []string
}

// RuleConditions restricts when a rule applies. Nil or empty fields match anything.
type RuleConditions struct {
	WeightMin   *int
	WeightMax   *int
	VolumeMin   *int
	VolumeMax   *int
	CategoryIDs []string
	IsDangerous *bool
	IsFragile   *bool
}

// IsEmpty reports whether the conditions match every cart.
func (c RuleConditions) IsEmpty() bool {
	return c.WeightMin == nil && c.WeightMax == nil &&
		c.VolumeMin == nil && c.VolumeMax == nil &&
		len(c.CategoryIDs) == 0 &&
		c.IsDangerous == nil && c.IsFragile == nil
}

// RuleCost describes how a matched rule prices a shipment.
type RuleCost struct {
	Base          decimal.Decimal
	PerKg         *decimal.Decimal
	PerVolume     *decimal.Decimal
	FreeThreshold *decimal.Decimal
}

// ShippingAddress is the destination used for delivery estimates.
type ShippingAddress struct {
	City     string
	District string
	Country  string
}

// ShippingQuote is the outcome of evaluating a cart against the rule table.
type ShippingQuote struct {
	Cost          decimal.Decimal
	EstimatedDays int
	Carrier       string
	MatchedRuleID string
	RuleName      string
	FreeShipping  bool
	// Fallback is set when no rule matched and the built-in default price was used.
	Fallback bool
}

// IssueSeverity classifies validation issues.
type IssueSeverity string

const (
	// IssueSeverityError blocks order creation.
	IssueSeverityError IssueSeverity = "error"
	// IssueSeverityWarning is informational only.
	IssueSeverityWarning IssueSeverity = "warning"
)

// ValidationIssue is a single finding produced by the order-line validator.
type ValidationIssue struct {
	Severity  IssueSeverity
	Message   string
	VariantID string
}

// ValidationResult aggregates the issues found across all lines.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
	Issues   []ValidationIssue
}

// LineTotal is the priced breakdown of a single cart line.
type LineTotal struct {
	VariantID      string
	Quantity       int
	UnitPrice      decimal.Decimal
	VATRatePercent decimal.Decimal
	LineSubtotal   decimal.Decimal
	LineVAT        decimal.Decimal
	LineTotal      decimal.Decimal
}

// OrderTotals is the derived pricing result for a cart. It is never persisted by the pricing code.
type OrderTotals struct {
	Lines        []LineTotal
	Subtotal     decimal.Decimal
	VATTotal     decimal.Decimal
	ShippingCost decimal.Decimal
	Discount     decimal.Decimal
	Total        decimal.Decimal
	Errors       []string
	Warnings     []string
}

// DeliveryPolicy drives delivery-day estimates independently of the cost rule.
type DeliveryPolicy struct {
	DomesticCountries []string
	MajorCities       []string
	MajorCityDays     int
	DomesticDays      int
	InternationalDays int
}
