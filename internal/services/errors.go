package services

import (
	"errors"
	"fmt"

	"github.com/shopvn/orderflow/internal/payments"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderNotCancellable indicates the order has progressed past the point of cancellation.
	ErrOrderNotCancellable = errors.New("order: cannot be cancelled")
	// ErrOrderForbidden indicates the actor does not own the order and is not staff.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrEmptyCart indicates an order was requested from a cart with no items.
	ErrEmptyCart = errors.New("order: cart is empty")
	// ErrInsufficientStock indicates a line requested more units than are in stock.
	ErrInsufficientStock = errors.New("order: insufficient stock")
	// ErrProductNotFound indicates a line referenced an unknown product.
	ErrProductNotFound = errors.New("order: product not found")

	// ErrPaymentInvalidInput signals the caller provided invalid payment data.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentNotFound indicates the payment could not be located.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrUnknownTransaction indicates a gateway return referenced a txnRef we never issued.
	ErrUnknownTransaction = errors.New("payment: unknown transaction")
	// ErrPaymentAmountMismatch indicates the collected amount differs from what the order costs.
	ErrPaymentAmountMismatch = errors.New("payment: amount mismatch")
	// ErrSignatureMismatch indicates the gateway return failed signature verification.
	ErrSignatureMismatch = payments.ErrSignatureMismatch
)

// InvalidTransitionError reports an order status move the transition table does not allow.
type InvalidTransitionError struct {
	Current     OrderStatus
	Target      OrderStatus
	OrderNumber string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot transition from %s to %s", e.OrderNumber, e.Current, e.Target)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrOrderInvalidState
}

// InsufficientStockError reports the first product whose stock could not cover the order.
type InsufficientStockError struct {
	ProductID   string
	ProductName string
	Available   int
	Requested   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("order: insufficient stock for %s: available %d, requested %d", e.ProductName, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}
