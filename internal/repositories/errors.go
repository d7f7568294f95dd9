package repositories

import "fmt"

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// InventoryErrorCode says why a stock operation was refused.
type InventoryErrorCode string

const (
	InventoryErrorUnknown                 InventoryErrorCode = "inventory_unknown"
	InventoryErrorInsufficientStock       InventoryErrorCode = "inventory_insufficient_stock"
	InventoryErrorStockNotFound           InventoryErrorCode = "inventory_stock_not_found"
	InventoryErrorReservationNotFound     InventoryErrorCode = "inventory_reservation_not_found"
	InventoryErrorInvalidReservationState InventoryErrorCode = "inventory_invalid_state"
)

// InventoryError is raised by inventory repositories when a reservation cannot be applied as
// requested. Message is safe to show to the customer.
type InventoryError struct {
	Op      string
	Code    InventoryErrorCode
	Message string
	Err     error
}

var _ RepositoryError = (*InventoryError)(nil)

func NewInventoryError(code InventoryErrorCode, message string, err error) *InventoryError {
	if message == "" {
		message = string(code)
	}
	return &InventoryError{Code: code, Message: message, Err: err}
}

func (e *InventoryError) Error() string {
	if e.Op == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *InventoryError) Unwrap() error { return e.Err }

func (e *InventoryError) IsNotFound() bool {
	return e.Code == InventoryErrorStockNotFound || e.Code == InventoryErrorReservationNotFound
}

func (e *InventoryError) IsConflict() bool {
	return e.Code == InventoryErrorInsufficientStock || e.Code == InventoryErrorInvalidReservationState
}

func (e *InventoryError) IsUnavailable() bool { return false }
