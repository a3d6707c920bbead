package domain

import "time"

// OrderStatus enumerates the lifecycle states of an order.
type OrderStatus string

const (
	// OrderStatusPending is the initial state; the order awaits payment.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusPaid indicates the payment gateway reported success.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusConfirmed indicates the shop accepted the order.
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	// OrderStatusProcessing indicates the order is being packed.
	OrderStatusProcessing OrderStatus = "PROCESSING"
	// OrderStatusShipped indicates the order was handed to the carrier.
	OrderStatusShipped OrderStatus = "SHIPPED"
	// OrderStatusDelivered indicates the customer received the order.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusCancelled indicates the order was cancelled and stock restored.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusReturned indicates the customer sent the goods back.
	OrderStatusReturned OrderStatus = "RETURNED"
	// OrderStatusRefunded is terminal.
	OrderStatusRefunded OrderStatus = "REFUNDED"
)

var orderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaid,
	OrderStatusConfirmed,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusReturned,
	OrderStatusRefunded,
}

var orderStatusDisplayNames = map[OrderStatus]string{
	OrderStatusPending:    "Chờ thanh toán",
	OrderStatusPaid:       "Đã thanh toán",
	OrderStatusConfirmed:  "Đã xác nhận",
	OrderStatusProcessing: "Đang xử lý",
	OrderStatusShipped:    "Đang giao hàng",
	OrderStatusDelivered:  "Đã giao hàng",
	OrderStatusCancelled:  "Đã hủy",
	OrderStatusReturned:   "Đã trả hàng",
	OrderStatusRefunded:   "Đã hoàn tiền",
}

// OrderStatuses returns every order status in declaration order.
func OrderStatuses() []OrderStatus {
	out := make([]OrderStatus, len(orderStatuses))
	copy(out, orderStatuses)
	return out
}

// Valid reports whether the status is a known enum value.
func (s OrderStatus) Valid() bool {
	_, ok := orderStatusDisplayNames[s]
	return ok
}

// DisplayName returns the customer facing label.
func (s OrderStatus) DisplayName() string {
	if name, ok := orderStatusDisplayNames[s]; ok {
		return name
	}
	return string(s)
}

// PaymentStatus tracks the money side of an order, independent of fulfilment.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusPaid      PaymentStatus = "PAID"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
)

var paymentStatusDisplayNames = map[PaymentStatus]string{
	PaymentStatusPending:   "Chờ thanh toán",
	PaymentStatusPaid:      "Đã thanh toán",
	PaymentStatusFailed:    "Thanh toán thất bại",
	PaymentStatusRefunded:  "Đã hoàn tiền",
	PaymentStatusCancelled: "Đã hủy",
}

// DisplayName returns the customer facing label.
func (s PaymentStatus) DisplayName() string {
	if name, ok := paymentStatusDisplayNames[s]; ok {
		return name
	}
	return string(s)
}

// Order is the persisted order aggregate. Amounts are whole VND.
type Order struct {
	ID                 string
	OrderNumber        string
	UserID             string
	Status             OrderStatus
	PaymentStatus      PaymentStatus
	PaymentMethod      string
	PaymentTxnRef      string
	Subtotal           int64
	ShippingFee        int64
	DiscountAmount     int64
	TaxAmount          int64
	TotalAmount        int64
	ShippingAddress    string
	BillingAddress     string
	Phone              string
	CustomerName       string
	Email              string
	Notes              string
	TrackingNumber     string
	CancellationReason string
	Lines              []OrderLine
	ShippedAt          *time.Time
	DeliveredAt        *time.Time
	CancelledAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// OrderLine captures the product and the unit price at the time the order was placed.
type OrderLine struct {
	ProductID   string
	ProductName string
	Quantity    int
	UnitPrice   int64
	Subtotal    int64
}

// StockLines returns the per-product quantities held by the order.
func (o Order) StockLines() []StockLine {
	lines := make([]StockLine, 0, len(o.Lines))
	for _, line := range o.Lines {
		lines = append(lines, StockLine{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return lines
}

// PaymentState is the status of a single gateway payment attempt.
type PaymentState string

const (
	PaymentStatePending   PaymentState = "PENDING"
	PaymentStateSuccess   PaymentState = "SUCCESS"
	PaymentStateFailed    PaymentState = "FAILED"
	PaymentStateCancelled PaymentState = "CANCELLED"
)

// Payment records one gateway payment attempt keyed by TxnRef.
type Payment struct {
	ID                string
	TxnRef            string
	OrderID           string
	UserID            string
	Amount            int64
	OrderInfo         string
	Status            PaymentState
	ResponseCode      string
	TransactionStatus string
	TransactionNo     string
	BankCode          string
	PaymentMethod     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	PaidAt            *time.Time
}

// Product is the subset of the catalog entry the order engine reads and mutates.
type Product struct {
	ID        string
	Name      string
	Price     int64
	Stock     int
	UpdatedAt time.Time
}

// Cart is the user's current basket.
type Cart struct {
	UserID string
	Items  []CartItem
}

// CartItem references a product and a requested quantity.
type CartItem struct {
	ProductID string
	Quantity  int
}

// StockLine is a per-product quantity used for inventory decrements and restores.
type StockLine struct {
	ProductID string
	Quantity  int
}

// User carries the profile fields used as order contact defaults.
type User struct {
	ID       string
	Username string
	FullName string
	Email    string
	Phone    string
	Address  string
}

// DisplayName returns the full name, falling back to the username.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}

// OrderStats aggregates order counts and revenue.
type OrderStats struct {
	TotalOrders    int
	CountsByStatus map[OrderStatus]int
	TotalRevenue   int64
	RecentOrders   int
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
