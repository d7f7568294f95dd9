package services

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// ErrPricingInvalidInput signals malformed pricing input such as a non-positive quantity or a
// negative price. It indicates a caller contract violation and is never coerced.
var ErrPricingInvalidInput = errors.New("pricing: invalid input")

// CheckCartLines rejects lines that violate the pricing input contract.
func CheckCartLines(lines []CartLine) error {
	var weight, volume int
	for idx, line := range lines {
		switch {
		case line.Quantity <= 0:
			return fmt.Errorf("%w: line %d (%s): quantity must be > 0, got %d", ErrPricingInvalidInput, idx, line.VariantID, line.Quantity)
		case line.UnitPrice.IsNegative():
			return fmt.Errorf("%w: line %d (%s): unit price must be >= 0, got %s", ErrPricingInvalidInput, idx, line.VariantID, line.UnitPrice)
		case line.VATRatePercent.IsNegative():
			return fmt.Errorf("%w: line %d (%s): vat rate must be >= 0, got %s", ErrPricingInvalidInput, idx, line.VariantID, line.VATRatePercent)
		case line.WeightGrams < 0:
			return fmt.Errorf("%w: line %d (%s): weight must be >= 0, got %d", ErrPricingInvalidInput, idx, line.VariantID, line.WeightGrams)
		case line.VolumeCm3 < 0:
			return fmt.Errorf("%w: line %d (%s): volume must be >= 0, got %d", ErrPricingInvalidInput, idx, line.VariantID, line.VolumeCm3)
		case weight > math.MaxInt-line.WeightGrams:
			return fmt.Errorf("%w: line %d (%s): total cart weight overflows", ErrPricingInvalidInput, idx, line.VariantID)
		case volume > math.MaxInt-line.VolumeCm3:
			return fmt.Errorf("%w: line %d (%s): total cart volume overflows", ErrPricingInvalidInput, idx, line.VariantID)
		}
		weight += line.WeightGrams
		volume += line.VolumeCm3
	}
	return nil
}

func checkAmount(name string, value decimal.Decimal) error {
	if value.IsNegative() {
		return fmt.Errorf("%w: %s must be >= 0, got %s", ErrPricingInvalidInput, name, value)
	}
	return nil
}

func roundMoney(value decimal.Decimal) decimal.Decimal {
	// decimal.Round rounds half away from zero.
	return value.Round(2)
}
