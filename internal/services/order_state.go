package services

import (
	"slices"
	"time"

	domain "github.com/shopvn/orderflow/internal/domain"
)

var orderStateTransitions = map[OrderStatus][]OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:       {domain.OrderStatusConfirmed, domain.OrderStatusCancelled},
	domain.OrderStatusConfirmed:  {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered, domain.OrderStatusReturned},
	domain.OrderStatusDelivered:  {domain.OrderStatusReturned},
	domain.OrderStatusCancelled:  {domain.OrderStatusRefunded},
	domain.OrderStatusReturned:   {domain.OrderStatusRefunded},
	domain.OrderStatusRefunded:   {},
}

var cancellableStatuses = []OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusPaid,
	domain.OrderStatusConfirmed,
}

// transitionEffects stamps the fields owned by the target status. Stock restoration on
// cancellation is not here because it touches products and runs in the persistence step.
var transitionEffects = map[OrderStatus]func(order *Order, now time.Time, reason string){
	domain.OrderStatusShipped: func(order *Order, now time.Time, _ string) {
		order.ShippedAt = &now
	},
	domain.OrderStatusDelivered: func(order *Order, now time.Time, _ string) {
		order.DeliveredAt = &now
	},
	domain.OrderStatusCancelled: func(order *Order, now time.Time, reason string) {
		order.CancelledAt = &now
		order.CancellationReason = reason
		if order.PaymentStatus != domain.PaymentStatusPaid {
			order.PaymentStatus = domain.PaymentStatusCancelled
		}
	},
	domain.OrderStatusRefunded: func(order *Order, _ time.Time, _ string) {
		order.PaymentStatus = domain.PaymentStatusRefunded
	},
}

// CanTransition reports whether the table allows moving from current to target. Staying in
// the same status is never a transition.
func CanTransition(current, target OrderStatus) bool {
	return slices.Contains(orderStateTransitions[current], target)
}

// AvailableTransitions lists the statuses reachable from current in declaration order.
func AvailableTransitions(current OrderStatus) []OrderStatus {
	var out []OrderStatus
	for _, status := range domain.OrderStatuses() {
		if CanTransition(current, status) {
			out = append(out, status)
		}
	}
	return out
}

// CanBeCancelled reports whether the order is still early enough to cancel.
func CanBeCancelled(order Order) bool {
	return slices.Contains(cancellableStatuses, order.Status)
}

// Apply moves the order to target and stamps lifecycle fields. The order is left untouched
// when the move is illegal.
func Apply(order *Order, target OrderStatus, now time.Time, reason string) error {
	if !CanTransition(order.Status, target) {
		return &InvalidTransitionError{Current: order.Status, Target: target, OrderNumber: order.OrderNumber}
	}
	order.Status = target
	order.UpdatedAt = now
	if effect, ok := transitionEffects[target]; ok {
		effect(order, now, reason)
	}
	return nil
}

// releasesStock reports whether a move from previous to current must return the order's
// units to inventory.
func releasesStock(previous, current OrderStatus) bool {
	return previous != current && current == domain.OrderStatusCancelled
}
