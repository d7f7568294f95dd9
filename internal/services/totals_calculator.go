package services

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// LineValidator produces the validation findings folded into order totals.
type LineValidator interface {
	Validate(lines []CartLine) ValidationResult
}

// TotalsCalculator aggregates per-line VAT inclusive totals into order totals.
type TotalsCalculator struct {
	validator LineValidator
}

// NewTotalsCalculator wires the validator whose findings are folded into totals. A nil
// validator falls back to OrderLineValidator.
func NewTotalsCalculator(validator LineValidator) *TotalsCalculator {
	if validator == nil {
		validator = NewOrderLineValidator()
	}
	return &TotalsCalculator{validator: validator}
}

// ComputeTotals prices every line, validates the cart and returns the aggregate. Totals are
// always populated, even when Errors is non-empty; refusing the order is the caller's decision.
func (c *TotalsCalculator) ComputeTotals(lines []CartLine, shippingCost, discount decimal.Decimal) (OrderTotals, error) {
	if err := CheckCartLines(lines); err != nil {
		return OrderTotals{}, err
	}
	return c.ComputeTotalsWithValidation(lines, shippingCost, discount, c.validator.Validate(lines))
}

// ComputeTotalsWithValidation is ComputeTotals for callers that already validated the lines.
func (c *TotalsCalculator) ComputeTotalsWithValidation(lines []CartLine, shippingCost, discount decimal.Decimal, validation ValidationResult) (OrderTotals, error) {
	if err := CheckCartLines(lines); err != nil {
		return OrderTotals{}, err
	}
	if err := checkAmount("shipping cost", shippingCost); err != nil {
		return OrderTotals{}, err
	}
	if err := checkAmount("discount", discount); err != nil {
		return OrderTotals{}, err
	}

	totals := OrderTotals{
		Lines:        make([]LineTotal, 0, len(lines)),
		Subtotal:     decimal.Zero,
		VATTotal:     decimal.Zero,
		ShippingCost: roundMoney(shippingCost),
		Discount:     roundMoney(discount),
		Errors:       append([]string{}, validation.Errors...),
		Warnings:     append([]string{}, validation.Warnings...),
	}
	for _, line := range lines {
		priced := PriceLine(line)
		totals.Lines = append(totals.Lines, priced)
		totals.Subtotal = totals.Subtotal.Add(priced.LineSubtotal)
		totals.VATTotal = totals.VATTotal.Add(priced.LineVAT)
	}
	totals.Subtotal = roundMoney(totals.Subtotal)
	totals.VATTotal = roundMoney(totals.VATTotal)
	totals.Total = roundMoney(totals.Subtotal.Add(totals.VATTotal).Add(totals.ShippingCost).Sub(totals.Discount))
	return totals, nil
}

// Subtotal returns the VAT exclusive order subtotal, summed from rounded line subtotals.
func (c *TotalsCalculator) Subtotal(lines []CartLine) decimal.Decimal {
	sum := decimal.Zero
	for _, line := range lines {
		sum = sum.Add(PriceLine(line).LineSubtotal)
	}
	return roundMoney(sum)
}

// PriceLine computes the rounded breakdown of a single line. Each figure is rounded from the
// full precision value, so lineTotal is not derived from the rounded subtotal and VAT.
func PriceLine(line CartLine) LineTotal {
	subtotal := line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
	vat := subtotal.Mul(line.VATRatePercent).Div(hundred)
	return LineTotal{
		VariantID:      line.VariantID,
		Quantity:       line.Quantity,
		UnitPrice:      line.UnitPrice,
		VATRatePercent: line.VATRatePercent,
		LineSubtotal:   roundMoney(subtotal),
		LineVAT:        roundMoney(vat),
		LineTotal:      roundMoney(subtotal.Add(vat)),
	}
}
