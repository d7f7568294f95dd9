package services

import (
	"errors"
	"math"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/shopspring/decimal"
)

func TestTotalsCalculator_SingleLine(t *testing.T) {
	calc := NewTotalsCalculator(nil)
	lines := []CartLine{{VariantID: "BAT", Quantity: 2, UnitPrice: dec(t, "100"), VATRatePercent: dec(t, "20")}}

	totals, err := calc.ComputeTotals(lines, decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertDecimal(t, "subtotal", totals.Subtotal, "200")
	assertDecimal(t, "vat", totals.VATTotal, "40")
	assertDecimal(t, "total", totals.Total, "240")
	if len(totals.Lines) != 1 {
		t.Fatalf("expected one priced line, got %d", len(totals.Lines))
	}
	assertDecimal(t, "line total", totals.Lines[0].LineTotal, "240")
}

func TestTotalsCalculator_RoundsEachLineFromFullPrecision(t *testing.T) {
	calc := NewTotalsCalculator(nil)
	lines := []CartLine{
		{VariantID: "A", Quantity: 3, UnitPrice: dec(t, "0.335"), VATRatePercent: dec(t, "10")},
		{VariantID: "B", Quantity: 1, UnitPrice: dec(t, "0.125"), VATRatePercent: dec(t, "20")},
	}

	totals, err := calc.ComputeTotals(lines, dec(t, "15.5"), dec(t, "1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A: 1.005 -> 1.01, vat 0.1005 -> 0.10, total 1.1055 -> 1.11
	first := totals.Lines[0]
	assertDecimal(t, "A subtotal", first.LineSubtotal, "1.01")
	assertDecimal(t, "A vat", first.LineVAT, "0.10")
	assertDecimal(t, "A total", first.LineTotal, "1.11")
	// B: 0.125 -> 0.13, vat 0.025 -> 0.03, total 0.15
	second := totals.Lines[1]
	assertDecimal(t, "B subtotal", second.LineSubtotal, "0.13")
	assertDecimal(t, "B vat", second.LineVAT, "0.03")
	assertDecimal(t, "B total", second.LineTotal, "0.15")

	assertDecimal(t, "subtotal", totals.Subtotal, "1.14")
	assertDecimal(t, "vat", totals.VATTotal, "0.13")
	assertDecimal(t, "shipping", totals.ShippingCost, "15.50")
	assertDecimal(t, "total", totals.Total, "15.77")
}

func TestTotalsCalculator_DiscountMayDriveTotalNegative(t *testing.T) {
	totals, err := NewTotalsCalculator(nil).ComputeTotals(
		[]CartLine{{VariantID: "A", Quantity: 1, UnitPrice: dec(t, "10")}},
		decimal.Zero,
		dec(t, "25"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertDecimal(t, "total", totals.Total, "-15")
}

func TestTotalsCalculator_ValidationFindingsKeepTotals(t *testing.T) {
	lines := []CartLine{{VariantID: "A", Quantity: 3, UnitPrice: dec(t, "10"), VATRatePercent: dec(t, "20"), MOQ: intPtr(5), AvailableStock: intPtr(4)}}

	totals, err := NewTotalsCalculator(nil).ComputeTotals(lines, dec(t, "40"), decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(totals.Errors) != 1 || totals.Errors[0] != "Minimum order quantity is 5; selected 3." {
		t.Fatalf("unexpected errors: %#v", totals.Errors)
	}
	if len(totals.Warnings) != 1 || totals.Warnings[0] != "Low stock: only 4 left." {
		t.Fatalf("unexpected warnings: %#v", totals.Warnings)
	}
	assertDecimal(t, "total", totals.Total, "76")
}

type stubLineValidator struct {
	result ValidationResult
	calls  int
}

func (s *stubLineValidator) Validate([]CartLine) ValidationResult {
	s.calls++
	return s.result
}

func TestTotalsCalculator_UsesInjectedValidator(t *testing.T) {
	stub := &stubLineValidator{result: ValidationResult{Errors: []string{"blocked"}, Warnings: []string{"careful"}}}
	totals, err := NewTotalsCalculator(stub).ComputeTotals(nil, decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.calls != 1 {
		t.Fatalf("expected validator to run once, ran %d times", stub.calls)
	}
	if len(totals.Errors) != 1 || len(totals.Warnings) != 1 {
		t.Fatalf("expected findings to be folded in, got %#v", totals)
	}
	assertDecimal(t, "total", totals.Total, "0")
}

func TestTotalsCalculator_RejectsInvalidInput(t *testing.T) {
	calc := NewTotalsCalculator(nil)
	valid := []CartLine{{VariantID: "A", Quantity: 1, UnitPrice: dec(t, "1")}}
	tests := []struct {
		name     string
		lines    []CartLine
		shipping decimal.Decimal
		discount decimal.Decimal
	}{
		{name: "zero quantity", lines: []CartLine{{VariantID: "A", Quantity: 0, UnitPrice: dec(t, "1")}}},
		{name: "negative price", lines: []CartLine{{VariantID: "A", Quantity: 1, UnitPrice: dec(t, "-1")}}},
		{name: "negative vat", lines: []CartLine{{VariantID: "A", Quantity: 1, UnitPrice: dec(t, "1"), VATRatePercent: dec(t, "-5")}}},
		{name: "negative shipping", lines: valid, shipping: dec(t, "-0.01")},
		{name: "negative discount", lines: valid, discount: dec(t, "-3")},
		{name: "weight overflow", lines: []CartLine{
			{VariantID: "A", Quantity: 1, UnitPrice: dec(t, "1"), WeightGrams: math.MaxInt},
			{VariantID: "B", Quantity: 1, UnitPrice: dec(t, "1"), WeightGrams: 2},
		}},
		{name: "volume overflow", lines: []CartLine{
			{VariantID: "A", Quantity: 1, UnitPrice: dec(t, "1"), VolumeCm3: math.MaxInt - 1},
			{VariantID: "B", Quantity: 1, UnitPrice: dec(t, "1"), VolumeCm3: 2},
		}},
	}
	for _, tc := range tests {
		_, err := calc.ComputeTotals(tc.lines, tc.shipping, tc.discount)
		if !errors.Is(err, ErrPricingInvalidInput) {
			t.Fatalf("%s: expected ErrPricingInvalidInput, got %v", tc.name, err)
		}
	}
}

func TestTotalsCalculator_PropertyAggregatesMatchRoundedLines(t *testing.T) {
	faker := gofakeit.New(7)
	calc := NewTotalsCalculator(nil)

	for i := 0; i < 300; i++ {
		lines := randomCartLines(faker)
		shipping := decimal.NewFromFloat(faker.Float64Range(0, 300)).Round(2)
		discount := decimal.NewFromFloat(faker.Float64Range(0, 50)).Round(2)

		totals, err := calc.ComputeTotals(lines, shipping, discount)
		if err != nil {
			t.Fatalf("run %d: unexpected error: %v", i, err)
		}

		subtotal, vat := decimal.Zero, decimal.Zero
		for idx, line := range totals.Lines {
			for _, v := range []decimal.Decimal{line.LineSubtotal, line.LineVAT, line.LineTotal} {
				if !v.Equal(v.Round(2)) {
					t.Fatalf("run %d line %d: %s has more than two decimals", i, idx, v)
				}
			}
			subtotal = subtotal.Add(line.LineSubtotal)
			vat = vat.Add(line.LineVAT)
		}
		if !totals.Subtotal.Equal(subtotal) || !totals.VATTotal.Equal(vat) {
			t.Fatalf("run %d: aggregates %s/%s differ from line sums %s/%s", i, totals.Subtotal, totals.VATTotal, subtotal, vat)
		}
		want := totals.Subtotal.Add(totals.VATTotal).Add(totals.ShippingCost).Sub(totals.Discount)
		if !totals.Total.Equal(want) {
			t.Fatalf("run %d: total %s, want %s", i, totals.Total, want)
		}
		if !calc.Subtotal(lines).Equal(totals.Subtotal) {
			t.Fatalf("run %d: Subtotal disagrees with ComputeTotals", i)
		}
	}
}
