package services

import "fmt"

const lowStockThreshold = 10

// OrderLineValidator checks ordering constraints (minimum quantity, order step, stock) against
// a caller supplied stock snapshot. It never touches persistent stock.
type OrderLineValidator struct{}

// NewOrderLineValidator returns a ready to use validator.
func NewOrderLineValidator() *OrderLineValidator {
	return &OrderLineValidator{}
}

// Validate evaluates every line independently and collects all findings.
func (v *OrderLineValidator) Validate(lines []CartLine) ValidationResult {
	result := ValidationResult{
		Errors:   []string{},
		Warnings: []string{},
		Issues:   []ValidationIssue{},
	}
	addIssue := func(severity IssueSeverity, variantID, message string) {
		result.Issues = append(result.Issues, ValidationIssue{Severity: severity, Message: message, VariantID: variantID})
		if severity == IssueSeverityError {
			result.Errors = append(result.Errors, message)
			return
		}
		result.Warnings = append(result.Warnings, message)
	}

	for _, line := range lines {
		if line.MOQ != nil && line.Quantity < *line.MOQ {
			addIssue(IssueSeverityError, line.VariantID,
				fmt.Sprintf("Minimum order quantity is %d; selected %d.", *line.MOQ, line.Quantity))
		}
		if line.OrderStep != nil && *line.OrderStep > 1 && line.Quantity%*line.OrderStep != 0 {
			addIssue(IssueSeverityError, line.VariantID,
				fmt.Sprintf("Quantity must be a multiple of %d; selected %d.", *line.OrderStep, line.Quantity))
		}
		if line.AvailableStock == nil {
			continue
		}
		stock := *line.AvailableStock
		if line.Quantity > stock {
			addIssue(IssueSeverityError, line.VariantID,
				fmt.Sprintf("Insufficient stock: available %d, requested %d.", stock, line.Quantity))
		}
		if stock > 0 && stock < lowStockThreshold {
			addIssue(IssueSeverityWarning, line.VariantID,
				fmt.Sprintf("Low stock: only %d left.", stock))
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}
