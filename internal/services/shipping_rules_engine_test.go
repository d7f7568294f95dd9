package services

import (
	"fmt"
	"math"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/shopspring/decimal"

	"github.com/voltvault/api/internal/platform/ruletable"
)

var istanbul = ShippingAddress{City: "İstanbul", District: "Kadıköy", Country: "TR"}

func TestShippingRulesEngine_HeavyWeightRule(t *testing.T) {
	engine := NewShippingRulesEngine(defaultRuleHolder(t))
	lines := []CartLine{
		{VariantID: "BAT-12V-100AH", Quantity: 2, UnitPrice: dec(t, "250"), WeightGrams: 6000},
	}

	quote := engine.Calculate(lines, dec(t, "500"), ShippingAddress{City: "Bursa", Country: "TR"})

	if quote.MatchedRuleID != "heavy" {
		t.Fatalf("expected heavy rule, got %q", quote.MatchedRuleID)
	}
	assertDecimal(t, "cost", quote.Cost, "84.00")
	if quote.Carrier != "yurtici" {
		t.Fatalf("expected yurtici, got %q", quote.Carrier)
	}
	if quote.EstimatedDays != 3 || quote.FreeShipping || quote.Fallback {
		t.Fatalf("unexpected quote: %+v", quote)
	}
}

func TestShippingRulesEngine_DangerousGoodsOutranksWeightRule(t *testing.T) {
	engine := NewShippingRulesEngine(defaultRuleHolder(t))
	lines := []CartLine{
		{VariantID: "CELL-18650", Quantity: 4, UnitPrice: dec(t, "12.50"), WeightGrams: 2000, IsDangerous: true},
		{VariantID: "CABLE-6MM", Quantity: 1, UnitPrice: dec(t, "0"), WeightGrams: 4000},
	}

	quote := engine.Calculate(lines, dec(t, "50"), istanbul)

	if quote.MatchedRuleID != "dangerous-goods" {
		t.Fatalf("expected dangerous-goods, got %q", quote.MatchedRuleID)
	}
	assertDecimal(t, "cost", quote.Cost, "180.00")
	if quote.Carrier != "ups-dangerous-goods" {
		t.Fatalf("unexpected carrier %q", quote.Carrier)
	}
	if quote.EstimatedDays != 2 {
		t.Fatalf("expected major city estimate 2, got %d", quote.EstimatedDays)
	}
}

func TestShippingRulesEngine_FreeShippingOverridesEverything(t *testing.T) {
	engine := NewShippingRulesEngine(defaultRuleHolder(t))
	lines := []CartLine{
		{VariantID: "PACK-48V", Quantity: 1, UnitPrice: dec(t, "1000"), WeightGrams: 45000, IsDangerous: true, IsFragile: true},
	}

	for _, subtotal := range []string{"1000", "1000.00", "25000"} {
		quote := engine.Calculate(lines, dec(t, subtotal), ShippingAddress{City: "Berlin", Country: "DE"})
		if !quote.FreeShipping || quote.MatchedRuleID != "standard" {
			t.Fatalf("subtotal %s: expected free shipping via standard, got %+v", subtotal, quote)
		}
		assertDecimal(t, "cost", quote.Cost, "0")
		if quote.EstimatedDays != 3 {
			t.Fatalf("subtotal %s: expected 3 days, got %d", subtotal, quote.EstimatedDays)
		}
		if quote.Carrier != "" {
			t.Fatalf("subtotal %s: free shipping reports no carrier, got %q", subtotal, quote.Carrier)
		}
	}

	quote := engine.Calculate(lines, dec(t, "999.99"), istanbul)
	if quote.FreeShipping {
		t.Fatalf("999.99 is below the threshold: %+v", quote)
	}
}

func TestShippingRulesEngine_EmptyCartIsDeterministic(t *testing.T) {
	engine := NewShippingRulesEngine(defaultRuleHolder(t))

	first := engine.Calculate(nil, decimal.Zero, istanbul)
	second := engine.Calculate([]CartLine{}, decimal.Zero, istanbul)

	if first.MatchedRuleID != "light" {
		t.Fatalf("expected light rule for empty cart, got %q", first.MatchedRuleID)
	}
	assertDecimal(t, "cost", first.Cost, "40.00")
	if first.MatchedRuleID != second.MatchedRuleID || !first.Cost.Equal(second.Cost) || first.EstimatedDays != second.EstimatedDays {
		t.Fatalf("expected identical results, got %+v and %+v", first, second)
	}
}

func TestShippingRulesEngine_WeightBoundsAreInclusive(t *testing.T) {
	engine := NewShippingRulesEngine(defaultRuleHolder(t))
	tests := []struct {
		weight int
		want   string
	}{
		{weight: 4999, want: "light"},
		{weight: 5000, want: "heavy"},
		{weight: 20000, want: "heavy"},
		{weight: 20001, want: "freight"},
	}
	for _, tc := range tests {
		lines := []CartLine{{VariantID: "X", Quantity: 1, UnitPrice: decimal.Zero, WeightGrams: tc.weight}}
		if got := engine.Calculate(lines, decimal.Zero, istanbul).MatchedRuleID; got != tc.want {
			t.Fatalf("weight %d: expected %s, got %s", tc.weight, tc.want, got)
		}
	}
}

func TestShippingRulesEngine_PerVolumeCost(t *testing.T) {
	engine := NewShippingRulesEngine(defaultRuleHolder(t))
	lines := []CartLine{
		{VariantID: "PNL-450W", Quantity: 1, UnitPrice: dec(t, "300"), WeightGrams: 24000, VolumeCm3: 12345, IsFragile: true},
	}

	quote := engine.Calculate(lines, dec(t, "300"), ShippingAddress{City: "Trabzon", Country: "Türkiye"})

	if quote.MatchedRuleID != "fragile-panels" {
		t.Fatalf("expected fragile-panels, got %q", quote.MatchedRuleID)
	}
	// 120 + 12345 * 0.0005 = 126.1725
	assertDecimal(t, "cost", quote.Cost, "126.17")
	if quote.EstimatedDays != 3 {
		t.Fatalf("expected domestic estimate 3, got %d", quote.EstimatedDays)
	}
}

func TestShippingRulesEngine_DeliveryEstimate(t *testing.T) {
	engine := NewShippingRulesEngine(defaultRuleHolder(t))
	lines := []CartLine{{VariantID: "X", Quantity: 1, UnitPrice: decimal.Zero, WeightGrams: 100}}
	tests := []struct {
		address ShippingAddress
		want    int
	}{
		{address: ShippingAddress{City: "İstanbul", Country: "TR"}, want: 2},
		{address: ShippingAddress{City: "istanbul", Country: "turkiye"}, want: 2},
		{address: ShippingAddress{City: " IZMIR ", Country: "Turkey"}, want: 2},
		{address: ShippingAddress{City: "Eskişehir", Country: "TR"}, want: 3},
		{address: ShippingAddress{City: "Ankara", Country: "DE"}, want: 7},
		{address: ShippingAddress{City: "Ankara"}, want: 7},
	}
	for _, tc := range tests {
		if got := engine.Calculate(lines, decimal.Zero, tc.address).EstimatedDays; got != tc.want {
			t.Fatalf("%+v: expected %d days, got %d", tc.address, tc.want, got)
		}
	}
}

func TestShippingRulesEngine_CategoryCondition(t *testing.T) {
	holder := ruleHolderFromYAML(t, `
version: cat-test
rules:
  - id: inverters
    priority: 20
    conditions:
      categoryIds: [inverters, chargers]
    cost:
      base: "75"
  - id: anything
    priority: 0
    cost:
      base: "30"
`)
	engine := NewShippingRulesEngine(holder)

	mixed := []CartLine{
		{VariantID: "A", Quantity: 1, UnitPrice: decimal.Zero, CategoryID: "cables"},
		{VariantID: "B", Quantity: 1, UnitPrice: decimal.Zero, CategoryID: "chargers"},
	}
	if got := engine.Calculate(mixed, decimal.Zero, istanbul).MatchedRuleID; got != "inverters" {
		t.Fatalf("expected inverters rule, got %s", got)
	}
	if got := engine.Calculate(mixed[:1], decimal.Zero, istanbul).MatchedRuleID; got != "anything" {
		t.Fatalf("expected catch-all for unrelated category, got %s", got)
	}
	if got := engine.Calculate(nil, decimal.Zero, istanbul).MatchedRuleID; got != "anything" {
		t.Fatalf("expected catch-all for empty cart, got %s", got)
	}
}

func TestShippingRulesEngine_NonHazardousCondition(t *testing.T) {
	holder := ruleHolderFromYAML(t, `
version: flags
rules:
  - id: safe-only
    priority: 5
    conditions:
      isDangerous: false
    cost:
      base: "20"
  - id: rest
    cost:
      base: "90"
`)
	engine := NewShippingRulesEngine(holder)
	safe := []CartLine{{VariantID: "A", Quantity: 1, UnitPrice: decimal.Zero}}
	hazardous := []CartLine{{VariantID: "B", Quantity: 1, UnitPrice: decimal.Zero, IsDangerous: true}}

	if got := engine.Calculate(safe, decimal.Zero, istanbul).MatchedRuleID; got != "safe-only" {
		t.Fatalf("expected safe-only, got %s", got)
	}
	if got := engine.Calculate(hazardous, decimal.Zero, istanbul).MatchedRuleID; got != "rest" {
		t.Fatalf("expected rest, got %s", got)
	}
}

func TestShippingRulesEngine_FallbackWhenNothingMatches(t *testing.T) {
	holder := ruleHolderFromYAML(t, `
version: no-catch-all
rules:
  - id: only-heavy
    conditions:
      weightMin: 1000
    cost:
      base: "10"
`)
	engine := NewShippingRulesEngine(holder)

	quote := engine.Calculate([]CartLine{{VariantID: "A", Quantity: 1, UnitPrice: decimal.Zero, WeightGrams: 10}}, decimal.Zero, istanbul)

	if quote.MatchedRuleID != FallbackRuleID || !quote.Fallback || quote.FreeShipping {
		t.Fatalf("expected fallback quote, got %+v", quote)
	}
	assertDecimal(t, "cost", quote.Cost, "100")
	if quote.EstimatedDays != 5 {
		t.Fatalf("expected 5 days, got %d", quote.EstimatedDays)
	}

	if got := NewShippingRulesEngine(nil).Calculate(nil, decimal.Zero, istanbul); !got.Fallback {
		t.Fatalf("expected fallback without a table, got %+v", got)
	}
	if got := NewShippingRulesEngine(ruletable.NewStaticHolder(nil)).Calculate(nil, decimal.Zero, istanbul); !got.Fallback {
		t.Fatalf("expected fallback for empty holder, got %+v", got)
	}
}

func TestShippingRulesEngine_TiesKeepTableOrder(t *testing.T) {
	holder := ruleHolderFromYAML(t, `
version: ties
rules:
  - id: first
    priority: 1
    cost: {base: "1"}
  - id: second
    priority: 1
    cost: {base: "2"}
`)
	engine := NewShippingRulesEngine(holder)
	for i := 0; i < 20; i++ {
		if got := engine.Calculate(nil, decimal.Zero, istanbul).MatchedRuleID; got != "first" {
			t.Fatalf("expected first, got %s", got)
		}
	}
}

func TestShippingRulesEngine_LowerPriorityRuleDoesNotAffectOutcome(t *testing.T) {
	base := `
version: mono
rules:
  - id: heavy
    priority: 50
    conditions: {weightMin: 5000}
    cost: {base: "60", perKg: "4"}
  - id: tail
    priority: 0
    cost: {base: "%s"}
`
	lines := []CartLine{{VariantID: "A", Quantity: 1, UnitPrice: decimal.Zero, WeightGrams: 7500}}
	a := NewShippingRulesEngine(ruleHolderFromYAML(t, fmt.Sprintf(base, "10"))).Calculate(lines, decimal.Zero, istanbul)
	b := NewShippingRulesEngine(ruleHolderFromYAML(t, fmt.Sprintf(base, "999"))).Calculate(lines, decimal.Zero, istanbul)
	if a.MatchedRuleID != "heavy" || a.MatchedRuleID != b.MatchedRuleID || !a.Cost.Equal(b.Cost) {
		t.Fatalf("expected identical heavy quotes, got %+v and %+v", a, b)
	}
	assertDecimal(t, "cost", a.Cost, "90.00")
}

func TestShippingRulesEngine_PropertyIdempotentAndFreeAboveThreshold(t *testing.T) {
	faker := gofakeit.New(42)
	engine := NewShippingRulesEngine(defaultRuleHolder(t))

	for i := 0; i < 200; i++ {
		lines := randomCartLines(faker)
		subtotal := decimal.NewFromFloat(faker.Float64Range(0, 2000)).Round(2)
		address := ShippingAddress{City: faker.RandomString([]string{"İstanbul", "Bursa", "Paris"}), Country: faker.RandomString([]string{"TR", "FR"})}

		first := engine.Calculate(lines, subtotal, address)
		second := engine.Calculate(lines, subtotal, address)
		if !sameQuote(first, second) {
			t.Fatalf("run %d: calculate is not idempotent: %+v vs %+v", i, first, second)
		}
		if subtotal.GreaterThanOrEqual(decimal.NewFromInt(1000)) {
			if !first.FreeShipping || !first.Cost.IsZero() {
				t.Fatalf("run %d: expected free shipping at subtotal %s, got %+v", i, subtotal, first)
			}
		} else if first.FreeShipping {
			t.Fatalf("run %d: unexpected free shipping at subtotal %s", i, subtotal)
		}
		if first.Fallback {
			t.Fatalf("run %d: default table has a catch-all, fallback must not happen", i)
		}
	}
}

func randomCartLines(faker *gofakeit.Faker) []CartLine {
	count := faker.IntRange(0, 6)
	lines := make([]CartLine, 0, count)
	for j := 0; j < count; j++ {
		lines = append(lines, CartLine{
			VariantID:      faker.UUID(),
			Quantity:       faker.IntRange(1, 50),
			UnitPrice:      decimal.NewFromFloat(faker.Float64Range(0, 500)).Round(4),
			VATRatePercent: decimal.NewFromInt(int64(faker.RandomInt([]int{0, 1, 10, 20}))),
			WeightGrams:    faker.IntRange(0, 30000),
			VolumeCm3:      faker.IntRange(0, 50000),
			IsDangerous:    faker.Bool(),
			IsFragile:      faker.Bool(),
		})
	}
	return lines
}

func sameQuote(a, b ShippingQuote) bool {
	return a.Cost.Equal(b.Cost) &&
		a.EstimatedDays == b.EstimatedDays &&
		a.Carrier == b.Carrier &&
		a.MatchedRuleID == b.MatchedRuleID &&
		a.FreeShipping == b.FreeShipping &&
		a.Fallback == b.Fallback
}

func TestShippingRulesEngine_HugeWeightsSaturateInsteadOfWrapping(t *testing.T) {
	engine := NewShippingRulesEngine(defaultRuleHolder(t))
	lines := []CartLine{
		{VariantID: "CONTAINER", Quantity: 1, UnitPrice: decimal.Zero, WeightGrams: math.MaxInt},
		{VariantID: "CABLE", Quantity: 1, UnitPrice: decimal.Zero, WeightGrams: 2},
	}

	quote := engine.Calculate(lines, decimal.Zero, istanbul)

	if quote.MatchedRuleID != "freight" {
		t.Fatalf("expected freight rule for a saturated weight, got %q (cost %s)", quote.MatchedRuleID, quote.Cost)
	}
	if !quote.Cost.IsPositive() {
		t.Fatalf("expected positive cost, got %s", quote.Cost)
	}
}
