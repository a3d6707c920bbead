package repositories

import (
	"errors"
	"fmt"
)

// InventoryErrorCode enumerates repository error causes for inventory operations.
type InventoryErrorCode string

const (
	// InventoryErrorUnknown represents an unspecified failure.
	InventoryErrorUnknown InventoryErrorCode = "inventory_unknown"
	// InventoryErrorInsufficientStock indicates requested quantity exceeds availability.
	InventoryErrorInsufficientStock InventoryErrorCode = "inventory_insufficient_stock"
	// InventoryErrorProductNotFound indicates the product does not exist.
	InventoryErrorProductNotFound InventoryErrorCode = "inventory_product_not_found"
	// InventoryErrorInvalidQuantity indicates a line with a non-positive quantity.
	InventoryErrorInvalidQuantity InventoryErrorCode = "inventory_invalid_quantity"
)

// InventoryError wraps inventory-specific failures with machine readable codes.
type InventoryError struct {
	Op          string
	Code        InventoryErrorCode
	Message     string
	ProductID   string
	ProductName string
	Available   int
	Requested   int
	Err         error
}

// Error implements the error interface.
func (e *InventoryError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *InventoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports a missing product.
func (e *InventoryError) IsNotFound() bool {
	return e != nil && e.Code == InventoryErrorProductNotFound
}

// IsConflict reports a stock shortfall.
func (e *InventoryError) IsConflict() bool {
	return e != nil && e.Code == InventoryErrorInsufficientStock
}

// IsUnavailable is always false; transport failures surface as the wrapped error.
func (e *InventoryError) IsUnavailable() bool {
	return false
}

// NewInventoryError constructs a typed inventory error.
func NewInventoryError(code InventoryErrorCode, message string, err error) *InventoryError {
	if message == "" {
		message = string(code)
	}
	return &InventoryError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewInsufficientStockError reports a single product shortfall.
func NewInsufficientStockError(product string, name string, available, requested int) *InventoryError {
	return &InventoryError{
		Code:        InventoryErrorInsufficientStock,
		Message:     fmt.Sprintf("insufficient stock for %s: available %d, requested %d", name, available, requested),
		ProductID:   product,
		ProductName: name,
		Available:   available,
		Requested:   requested,
	}
}

// AsInventoryError extracts an *InventoryError from the chain.
func AsInventoryError(err error) (*InventoryError, bool) {
	var invErr *InventoryError
	if errors.As(err, &invErr) && invErr != nil {
		return invErr, true
	}
	return nil, false
}

type errorKind int

const (
	kindNotFound errorKind = iota + 1
	kindConflict
)

// StoreError is a backend-neutral RepositoryError used by in-process stores.
type StoreError struct {
	op   string
	msg  string
	kind errorKind
}

func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.op, e.msg)
}

func (e *StoreError) IsNotFound() bool { return e != nil && e.kind == kindNotFound }
func (e *StoreError) IsConflict() bool { return e != nil && e.kind == kindConflict }

// IsUnavailable is always false; in-process stores cannot lose their backend.
func (e *StoreError) IsUnavailable() bool { return false }

// NewNotFoundError returns a RepositoryError reporting a missing record.
func NewNotFoundError(op, msg string) *StoreError {
	return &StoreError{op: op, msg: msg, kind: kindNotFound}
}

// NewConflictError returns a RepositoryError reporting a duplicate or stale write.
func NewConflictError(op, msg string) *StoreError {
	return &StoreError{op: op, msg: msg, kind: kindConflict}
}

// IsNotFound reports whether err carries RepositoryError not-found semantics.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
