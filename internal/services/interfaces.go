package services

import (
	"context"
	"net/url"
	"time"

	domain "github.com/shopvn/orderflow/internal/domain"
	"github.com/shopvn/orderflow/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order              = domain.Order
	OrderLine          = domain.OrderLine
	OrderStatus        = domain.OrderStatus
	OrderPaymentStatus = domain.PaymentStatus
	OrderStats         = domain.OrderStats
	Payment            = domain.Payment
	PaymentState       = domain.PaymentState
	Cart               = domain.Cart
	CartItem           = domain.CartItem
	Product            = domain.Product
	User               = domain.User
	SystemHealthReport = domain.SystemHealthReport
	OrderListFilter    = repositories.OrderListFilter
)

// OrderService owns the order lifecycle: placement, status transitions and queries.
type OrderService interface {
	CreateFromCart(ctx context.Context, cmd CreateOrderFromCartCommand) (Order, error)
	CreateDirect(ctx context.Context, cmd CreateDirectOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	GetOrderByNumber(ctx context.Context, orderNumber string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	Confirm(ctx context.Context, cmd OrderActionCommand) (Order, error)
	Process(ctx context.Context, cmd OrderActionCommand) (Order, error)
	Ship(ctx context.Context, cmd ShipOrderCommand) (Order, error)
	Deliver(ctx context.Context, cmd OrderActionCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	Refund(ctx context.Context, cmd OrderActionCommand) (Order, error)
	UpdateTrackingNumber(ctx context.Context, cmd ShipOrderCommand) (Order, error)
	SettlePayment(ctx context.Context, cmd SettleOrderPaymentCommand) (Order, error)
	StatusDetail(ctx context.Context, orderID string) (OrderStatusDetail, error)
	Statistics(ctx context.Context) (OrderStats, error)
}

// PaymentService issues gateway redirects and reconciles gateway returns.
type PaymentService interface {
	CreatePayment(ctx context.Context, cmd CreatePaymentCommand) (PaymentRedirect, error)
	ProcessReturn(ctx context.Context, params url.Values) (Reconciliation, error)
	GetByTxnRef(ctx context.Context, txnRef string) (Payment, error)
	ListByUser(ctx context.Context, userID string) ([]Payment, error)
}

// SystemService exposes operational metadata.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// ShippingInfo carries the contact and fee fields supplied when placing an order.
type ShippingInfo struct {
	ShippingAddress string
	BillingAddress  string
	Phone           string
	CustomerName    string
	Email           string
	Notes           string
	PaymentMethod   string
	ShippingFee     int64
	DiscountAmount  int64
	TaxAmount       int64
}

// PaymentSettlement marks an order as paid at creation time, used when the gateway already
// confirmed the money before the order existed.
type PaymentSettlement struct {
	TxnRef string
	Method string
	// Amount is what the gateway collected; the order total must match it exactly.
	Amount int64
}

type CreateOrderFromCartCommand struct {
	UserID   string
	Shipping ShippingInfo
	Payment  *PaymentSettlement
}

// OrderItemInput is one requested product for a direct order.
type OrderItemInput struct {
	ProductID string
	Quantity  int
}

type CreateDirectOrderCommand struct {
	UserID   string
	Items    []OrderItemInput
	Shipping ShippingInfo
}

type OrderStatusTransitionCommand struct {
	OrderID        string
	TargetStatus   OrderStatus
	ActorID        string
	Reason         string
	ExpectedStatus *OrderStatus
	// ExpectedPaymentStatus, when set, is re-checked against the stored order before applying.
	ExpectedPaymentStatus *OrderPaymentStatus
	Metadata              map[string]any
}

type OrderActionCommand struct {
	OrderID string
	ActorID string
}

type ShipOrderCommand struct {
	OrderID        string
	TrackingNumber string
	ActorID        string
}

type CancelOrderCommand struct {
	OrderID string
	ActorID string
	// ActorIsStaff lets admins and staff cancel orders they do not own.
	ActorIsStaff bool
	Reason       string
}

type SettleOrderPaymentCommand struct {
	OrderID   string
	TxnRef    string
	Method    string
	Amount    int64
	Succeeded bool
}

// StatusOption pairs a status with its customer facing label.
type StatusOption struct {
	Status      OrderStatus
	DisplayName string
}

// OrderStatusDetail summarises where an order is in its lifecycle.
type OrderStatusDetail struct {
	OrderID              string
	OrderNumber          string
	Status               OrderStatus
	StatusDisplayName    string
	PaymentStatus        OrderPaymentStatus
	PaymentDisplayName   string
	TrackingNumber       string
	AvailableTransitions []StatusOption
	CanBeCancelled       bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
	ShippedAt            *time.Time
	DeliveredAt          *time.Time
	CancelledAt          *time.Time
}

type CreatePaymentCommand struct {
	UserID    string
	OrderID   string
	Amount    int64
	OrderInfo string
	ClientIP  string
	BankCode  string
}

// PaymentRedirect is returned to the client so it can send the customer to the gateway.
type PaymentRedirect struct {
	PaymentURL string
	TxnRef     string
	ExpiresAt  time.Time
}
