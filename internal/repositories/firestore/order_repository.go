package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/shopvn/orderflow/internal/domain"
	pfirestore "github.com/shopvn/orderflow/internal/platform/firestore"
	"github.com/shopvn/orderflow/internal/platform/pagination"
	"github.com/shopvn/orderflow/internal/repositories"
)

const (
	orderCollection       = "orders"
	orderNumberCollection = "orderNumbers"

	insertTxTimeout = 5 * time.Second
)

// OrderRepository stores orders with their lines embedded in one document. A sidecar
// orderNumbers/{number} document enforces order number uniqueness.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
	numbers  *pfirestore.Collection[orderNumberDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, orderCollection),
		numbers:  pfirestore.NewCollection[orderNumberDocument](provider, orderNumberCollection),
	}, nil
}

type orderDocument struct {
	OrderNumber        string              `firestore:"orderNumber"`
	UserID             string              `firestore:"userId"`
	Status             string              `firestore:"status"`
	PaymentStatus      string              `firestore:"paymentStatus"`
	PaymentMethod      string              `firestore:"paymentMethod,omitempty"`
	PaymentTxnRef      string              `firestore:"paymentTxnRef,omitempty"`
	Subtotal           int64               `firestore:"subtotal"`
	ShippingFee        int64               `firestore:"shippingFee"`
	DiscountAmount     int64               `firestore:"discountAmount"`
	TaxAmount          int64               `firestore:"taxAmount"`
	TotalAmount        int64               `firestore:"totalAmount"`
	ShippingAddress    string              `firestore:"shippingAddress"`
	BillingAddress     string              `firestore:"billingAddress,omitempty"`
	Phone              string              `firestore:"phone"`
	CustomerName       string              `firestore:"customerName"`
	Email              string              `firestore:"email,omitempty"`
	Notes              string              `firestore:"notes,omitempty"`
	TrackingNumber     string              `firestore:"trackingNumber,omitempty"`
	CancellationReason string              `firestore:"cancellationReason,omitempty"`
	Lines              []orderLineDocument `firestore:"lines"`
	ShippedAt          *time.Time          `firestore:"shippedAt,omitempty"`
	DeliveredAt        *time.Time          `firestore:"deliveredAt,omitempty"`
	CancelledAt        *time.Time          `firestore:"cancelledAt,omitempty"`
	CreatedAt          time.Time           `firestore:"createdAt"`
	UpdatedAt          time.Time           `firestore:"updatedAt"`
}

type orderLineDocument struct {
	ProductID   string `firestore:"productId"`
	ProductName string `firestore:"productName"`
	Quantity    int    `firestore:"quantity"`
	UnitPrice   int64  `firestore:"unitPrice"`
	Subtotal    int64  `firestore:"subtotal"`
}

type orderNumberDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// Insert creates the order and claims its order number in one transaction.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.OrderNumber) == "" {
		return errors.New("order repository: order number is required")
	}
	doc := fromDomainOrder(order)
	return r.provider.RunInTx(ctx, func(ctx context.Context) error {
		if err := r.numbers.Create(ctx, order.OrderNumber, orderNumberDocument{OrderID: order.ID, CreatedAt: doc.CreatedAt}); err != nil {
			return err
		}
		return r.orders.Create(ctx, order.ID, doc)
	}, pfirestore.WithTxTimeout(insertTxTimeout))
}

// Update overwrites the order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	return r.orders.Replace(ctx, order.ID, fromDomainOrder(order))
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return toDomainOrder(doc.ID, doc.Data), nil
}

func (r *OrderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	number, err := r.numbers.Get(ctx, strings.TrimSpace(orderNumber))
	if err != nil {
		return domain.Order{}, err
	}
	return r.FindByID(ctx, number.Data.OrderID)
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, pageSize, err := pagination.Window(filter.PageToken, filter.PageSize)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.UserID != "" {
			q = q.Where("userId", "==", filter.UserID)
		}
		if filter.Status != "" {
			q = q.Where("status", "==", string(filter.Status))
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, toDomainOrder(doc.ID, doc.Data))
	}
	items, next, err := pagination.Cut(orders, pageSize, func(o domain.Order) pagination.Cursor {
		return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	return domain.CursorPage[domain.Order]{Items: items, NextPageToken: next}, nil
}

func (r *OrderRepository) ListStale(ctx context.Context, query repositories.StaleOrderQuery) ([]domain.Order, error) {
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("status", "==", string(query.Status))
		if query.PaymentStatus != "" {
			q = q.Where("paymentStatus", "==", string(query.PaymentStatus))
		}
		q = q.Where("updatedAt", "<", query.UpdatedBefore.UTC()).OrderBy("updatedAt", firestore.Asc)
		if query.Limit > 0 {
			q = q.Limit(query.Limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, toDomainOrder(doc.ID, doc.Data))
	}
	return orders, nil
}

// Stats uses server-side aggregation queries so no order documents are transferred.
func (r *OrderRepository) Stats(ctx context.Context, recentSince time.Time) (domain.OrderStats, error) {
	stats := domain.OrderStats{CountsByStatus: make(map[domain.OrderStatus]int)}

	total, err := r.orders.Count(ctx, nil)
	if err != nil {
		return domain.OrderStats{}, err
	}
	stats.TotalOrders = int(total)

	for _, status := range domain.OrderStatuses() {
		count, err := r.orders.Count(ctx, func(q firestore.Query) firestore.Query {
			return q.Where("status", "==", string(status))
		})
		if err != nil {
			return domain.OrderStats{}, err
		}
		stats.CountsByStatus[status] = int(count)
	}

	revenue, err := r.orders.Sum(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("paymentStatus", "==", string(domain.PaymentStatusPaid))
	}, "totalAmount")
	if err != nil {
		return domain.OrderStats{}, err
	}
	stats.TotalRevenue = revenue

	recent, err := r.orders.Count(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("createdAt", ">=", recentSince.UTC())
	})
	if err != nil {
		return domain.OrderStats{}, err
	}
	stats.RecentOrders = int(recent)
	return stats, nil
}

func fromDomainOrder(order domain.Order) orderDocument {
	lines := make([]orderLineDocument, 0, len(order.Lines))
	for _, line := range order.Lines {
		lines = append(lines, orderLineDocument{
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Subtotal:    line.Subtotal,
		})
	}
	return orderDocument{
		OrderNumber:        order.OrderNumber,
		UserID:             order.UserID,
		Status:             string(order.Status),
		PaymentStatus:      string(order.PaymentStatus),
		PaymentMethod:      order.PaymentMethod,
		PaymentTxnRef:      order.PaymentTxnRef,
		Subtotal:           order.Subtotal,
		ShippingFee:        order.ShippingFee,
		DiscountAmount:     order.DiscountAmount,
		TaxAmount:          order.TaxAmount,
		TotalAmount:        order.TotalAmount,
		ShippingAddress:    order.ShippingAddress,
		BillingAddress:     order.BillingAddress,
		Phone:              order.Phone,
		CustomerName:       order.CustomerName,
		Email:              order.Email,
		Notes:              order.Notes,
		TrackingNumber:     order.TrackingNumber,
		CancellationReason: order.CancellationReason,
		Lines:              lines,
		ShippedAt:          utcPtr(order.ShippedAt),
		DeliveredAt:        utcPtr(order.DeliveredAt),
		CancelledAt:        utcPtr(order.CancelledAt),
		CreatedAt:          order.CreatedAt.UTC(),
		UpdatedAt:          order.UpdatedAt.UTC(),
	}
}

func toDomainOrder(id string, doc orderDocument) domain.Order {
	lines := make([]domain.OrderLine, 0, len(doc.Lines))
	for _, line := range doc.Lines {
		lines = append(lines, domain.OrderLine{
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Subtotal:    line.Subtotal,
		})
	}
	return domain.Order{
		ID:                 id,
		OrderNumber:        doc.OrderNumber,
		UserID:             doc.UserID,
		Status:             domain.OrderStatus(doc.Status),
		PaymentStatus:      domain.PaymentStatus(doc.PaymentStatus),
		PaymentMethod:      doc.PaymentMethod,
		PaymentTxnRef:      doc.PaymentTxnRef,
		Subtotal:           doc.Subtotal,
		ShippingFee:        doc.ShippingFee,
		DiscountAmount:     doc.DiscountAmount,
		TaxAmount:          doc.TaxAmount,
		TotalAmount:        doc.TotalAmount,
		ShippingAddress:    doc.ShippingAddress,
		BillingAddress:     doc.BillingAddress,
		Phone:              doc.Phone,
		CustomerName:       doc.CustomerName,
		Email:              doc.Email,
		Notes:              doc.Notes,
		TrackingNumber:     doc.TrackingNumber,
		CancellationReason: doc.CancellationReason,
		Lines:              lines,
		ShippedAt:          utcPtr(doc.ShippedAt),
		DeliveredAt:        utcPtr(doc.DeliveredAt),
		CancelledAt:        utcPtr(doc.CancelledAt),
		CreatedAt:          doc.CreatedAt.UTC(),
		UpdatedAt:          doc.UpdatedAt.UTC(),
	}
}

func utcPtr(ts *time.Time) *time.Time {
	if ts == nil || ts.IsZero() {
		return nil
	}
	value := ts.UTC()
	return &value
}
