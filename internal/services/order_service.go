package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	domain "github.com/shopvn/orderflow/internal/domain"
	"github.com/shopvn/orderflow/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"

	orderIDPrefix = "ord_"

	statisticsRecentWindow = 30 * 24 * time.Hour
)

// errOrderUnchanged lets a mutation report that nothing needs to be written.
var errOrderUnchanged = errors.New("order: unchanged")

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order and payment domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders          repositories.OrderRepository
	Inventory       repositories.InventoryRepository
	Carts           repositories.CartRepository
	Users           repositories.UserRepository
	UnitOfWork      repositories.UnitOfWork
	Clock           func() time.Time
	IDGenerator     func() string
	NumberGenerator func(now time.Time) string
	Sanitize        func(string) string
	Events          OrderEventPublisher
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	inventory  repositories.InventoryRepository
	carts      repositories.CartRepository
	users      repositories.UserRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	newNumber  func(time.Time) string
	sanitize   func(string) string
	events     OrderEventPublisher
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	numberGen := deps.NumberGenerator
	if numberGen == nil {
		numberGen = NewOrderNumber
	}

	sanitize := deps.Sanitize
	if sanitize == nil {
		sanitize = strings.TrimSpace
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		inventory:  deps.Inventory,
		carts:      deps.Carts,
		users:      deps.Users,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:     idGen,
		newNumber: numberGen,
		sanitize:  sanitize,
		events:    deps.Events,
		logger:    logger,
	}, nil
}

// NewOrderNumber formats ORD-<epochMillis>-<8 upper-case hex chars>.
func NewOrderNumber(now time.Time) string {
	return fmt.Sprintf("ORD-%d-%s", now.UnixMilli(), strings.ToUpper(uuid.NewString()[:8]))
}

type orderPlacement struct {
	userID    string
	shipping  ShippingInfo
	payment   *PaymentSettlement
	clearCart bool
	load      func(ctx context.Context) ([]OrderItemInput, error)
}

func (s *orderService) CreateFromCart(ctx context.Context, cmd CreateOrderFromCartCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if s.carts == nil {
		return Order{}, errors.New("order service: cart repository not configured")
	}

	return s.placeOrder(ctx, orderPlacement{
		userID:    userID,
		shipping:  cmd.Shipping,
		payment:   cmd.Payment,
		clearCart: true,
		load: func(txCtx context.Context) ([]OrderItemInput, error) {
			cart, err := s.carts.Get(txCtx, userID)
			if err != nil {
				return nil, s.mapRepositoryError(err)
			}
			if len(cart.Items) == 0 {
				return nil, fmt.Errorf("%w: user %s", ErrEmptyCart, userID)
			}
			items := make([]OrderItemInput, 0, len(cart.Items))
			for _, item := range cart.Items {
				items = append(items, OrderItemInput{ProductID: item.ProductID, Quantity: item.Quantity})
			}
			return items, nil
		},
	})
}

func (s *orderService) CreateDirect(ctx context.Context, cmd CreateDirectOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	items := make([]OrderItemInput, len(cmd.Items))
	copy(items, cmd.Items)

	return s.placeOrder(ctx, orderPlacement{
		userID:   userID,
		shipping: cmd.Shipping,
		load: func(context.Context) ([]OrderItemInput, error) {
			return items, nil
		},
	})
}

// placeOrder reads the items and products, then decrements stock, inserts the order and clears
// the cart in one transaction. All reads happen before the first write.
func (s *orderService) placeOrder(ctx context.Context, p orderPlacement) (Order, error) {
	shipping, err := s.withContactDefaults(ctx, p.userID, p.shipping)
	if err != nil {
		return Order{}, err
	}
	if err := validateShipping(shipping); err != nil {
		return Order{}, err
	}
	p.shipping = shipping

	var order Order
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		items, err := p.load(txCtx)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(items))
		for _, item := range items {
			if strings.TrimSpace(item.ProductID) == "" {
				return fmt.Errorf("%w: product id is required", ErrOrderInvalidInput)
			}
			if item.Quantity <= 0 {
				return fmt.Errorf("%w: quantity for %s must be positive", ErrOrderInvalidInput, item.ProductID)
			}
			ids = append(ids, item.ProductID)
		}

		products, err := s.inventory.FindProducts(txCtx, ids)
		if err != nil {
			return s.mapInventoryError(err)
		}

		built, err := s.buildOrder(p, items, products, s.now())
		if err != nil {
			return err
		}

		if err := s.inventory.CheckAndDecrement(txCtx, built.StockLines()); err != nil {
			return s.mapInventoryError(err)
		}
		if err := s.orders.Insert(txCtx, built); err != nil {
			return s.mapRepositoryError(err)
		}
		if p.clearCart {
			if err := s.carts.Clear(txCtx, p.userID); err != nil {
				return s.mapRepositoryError(err)
			}
		}
		order = built
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	metadata := map[string]any{
		"userId":      order.UserID,
		"totalAmount": order.TotalAmount,
		"lines":       len(order.Lines),
	}
	if order.PaymentTxnRef != "" {
		metadata["txnRef"] = order.PaymentTxnRef
	}
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CurrentStatus: string(order.Status),
		ActorID:       order.UserID,
		OccurredAt:    order.CreatedAt,
		Metadata:      metadata,
	})

	return order, nil
}

func (s *orderService) buildOrder(p orderPlacement, items []OrderItemInput, products map[string]Product, now time.Time) (Order, error) {
	lines := make([]OrderLine, 0, len(items))
	var subtotal int64
	for _, item := range items {
		product, ok := products[item.ProductID]
		if !ok {
			return Order{}, fmt.Errorf("%w: %s", ErrProductNotFound, item.ProductID)
		}
		if product.Stock < item.Quantity {
			return Order{}, &InsufficientStockError{
				ProductID:   product.ID,
				ProductName: product.Name,
				Available:   product.Stock,
				Requested:   item.Quantity,
			}
		}
		lineTotal := product.Price * int64(item.Quantity)
		subtotal += lineTotal
		lines = append(lines, OrderLine{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    item.Quantity,
			UnitPrice:   product.Price,
			Subtotal:    lineTotal,
		})
	}

	info := p.shipping
	total := subtotal + info.ShippingFee + info.TaxAmount - info.DiscountAmount
	if total < 0 {
		return Order{}, fmt.Errorf("%w: discount exceeds order value", ErrOrderInvalidInput)
	}

	order := Order{
		ID:              orderIDPrefix + s.newID(),
		OrderNumber:     s.newNumber(now),
		UserID:          p.userID,
		Status:          domain.OrderStatusPending,
		PaymentStatus:   domain.PaymentStatusPending,
		PaymentMethod:   strings.TrimSpace(info.PaymentMethod),
		Subtotal:        subtotal,
		ShippingFee:     info.ShippingFee,
		DiscountAmount:  info.DiscountAmount,
		TaxAmount:       info.TaxAmount,
		TotalAmount:     total,
		ShippingAddress: strings.TrimSpace(info.ShippingAddress),
		BillingAddress:  strings.TrimSpace(info.BillingAddress),
		Phone:           strings.TrimSpace(info.Phone),
		CustomerName:    strings.TrimSpace(info.CustomerName),
		Email:           strings.TrimSpace(info.Email),
		Notes:           s.sanitize(info.Notes),
		Lines:           lines,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if p.payment != nil {
		order.PaymentTxnRef = strings.TrimSpace(p.payment.TxnRef)
		if method := strings.TrimSpace(p.payment.Method); method != "" {
			order.PaymentMethod = method
		}
		if order.TotalAmount != p.payment.Amount {
			return Order{}, fmt.Errorf("%w: order total %d, paid %d", ErrPaymentAmountMismatch, order.TotalAmount, p.payment.Amount)
		}
		if err := Apply(&order, domain.OrderStatusPaid, now, ""); err != nil {
			return Order{}, err
		}
		order.PaymentStatus = domain.PaymentStatusPaid
	}

	return order, nil
}

// withContactDefaults fills blank contact fields from the user's profile and copies the
// shipping address into a blank billing address. An unknown user leaves the fields blank.
func (s *orderService) withContactDefaults(ctx context.Context, userID string, info ShippingInfo) (ShippingInfo, error) {
	blank := func(v string) bool { return strings.TrimSpace(v) == "" }
	if s.users != nil && (blank(info.ShippingAddress) || blank(info.Phone) || blank(info.CustomerName) || blank(info.Email)) {
		user, err := s.users.FindByID(ctx, userID)
		switch {
		case err == nil:
			if blank(info.ShippingAddress) {
				info.ShippingAddress = user.Address
			}
			if blank(info.Phone) {
				info.Phone = user.Phone
			}
			if blank(info.CustomerName) {
				info.CustomerName = user.DisplayName()
			}
			if blank(info.Email) {
				info.Email = user.Email
			}
		case !repositories.IsNotFound(err):
			return ShippingInfo{}, s.mapRepositoryError(err)
		}
	}
	if blank(info.BillingAddress) {
		info.BillingAddress = info.ShippingAddress
	}
	return info, nil
}

func validateShipping(info ShippingInfo) error {
	if info.ShippingFee < 0 || info.DiscountAmount < 0 || info.TaxAmount < 0 {
		return fmt.Errorf("%w: fees and discounts must be non-negative", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(info.ShippingAddress) == "" {
		return fmt.Errorf("%w: shipping address is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(info.Phone) == "" {
		return fmt.Errorf("%w: phone is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(info.CustomerName) == "" {
		return fmt.Errorf("%w: customer name is required", ErrOrderInvalidInput)
	}
	return nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) GetOrderByNumber(ctx context.Context, orderNumber string) (Order, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return Order{}, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByNumber(ctx, orderNumber)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, filter.Status)
	}
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	target := OrderStatus(strings.ToUpper(strings.TrimSpace(string(cmd.TargetStatus))))
	if target == "" {
		return Order{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}
	if !target.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.TargetStatus)
	}
	reason := s.sanitize(cmd.Reason)

	return s.mutate(ctx, mutation{
		orderID:  cmd.OrderID,
		actorID:  cmd.ActorID,
		metadata: cmd.Metadata,
		reason:   reason,
		apply: func(order *Order, now time.Time) error {
			if cmd.ExpectedStatus != nil && order.Status != *cmd.ExpectedStatus {
				return fmt.Errorf("%w: expected status %q but was %q", ErrOrderConflict, *cmd.ExpectedStatus, order.Status)
			}
			if cmd.ExpectedPaymentStatus != nil && order.PaymentStatus != *cmd.ExpectedPaymentStatus {
				return fmt.Errorf("%w: expected payment status %q but was %q", ErrOrderConflict, *cmd.ExpectedPaymentStatus, order.PaymentStatus)
			}
			if target == domain.OrderStatusCancelled && CanTransition(order.Status, target) && !CanBeCancelled(*order) {
				return fmt.Errorf("%w: order %s is %s", ErrOrderNotCancellable, order.OrderNumber, order.Status)
			}
			return Apply(order, target, now, reason)
		},
	})
}

func (s *orderService) Confirm(ctx context.Context, cmd OrderActionCommand) (Order, error) {
	return s.advance(ctx, cmd, domain.OrderStatusConfirmed)
}

func (s *orderService) Process(ctx context.Context, cmd OrderActionCommand) (Order, error) {
	return s.advance(ctx, cmd, domain.OrderStatusProcessing)
}

func (s *orderService) Deliver(ctx context.Context, cmd OrderActionCommand) (Order, error) {
	return s.advance(ctx, cmd, domain.OrderStatusDelivered)
}

func (s *orderService) Refund(ctx context.Context, cmd OrderActionCommand) (Order, error) {
	return s.advance(ctx, cmd, domain.OrderStatusRefunded)
}

func (s *orderService) advance(ctx context.Context, cmd OrderActionCommand, target OrderStatus) (Order, error) {
	return s.mutate(ctx, mutation{
		orderID: cmd.OrderID,
		actorID: cmd.ActorID,
		apply: func(order *Order, now time.Time) error {
			return Apply(order, target, now, "")
		},
	})
}

func (s *orderService) Ship(ctx context.Context, cmd ShipOrderCommand) (Order, error) {
	tracking := s.sanitize(cmd.TrackingNumber)
	return s.mutate(ctx, mutation{
		orderID:  cmd.OrderID,
		actorID:  cmd.ActorID,
		metadata: trackingMetadata(tracking),
		apply: func(order *Order, now time.Time) error {
			if err := Apply(order, domain.OrderStatusShipped, now, ""); err != nil {
				return err
			}
			if tracking != "" {
				order.TrackingNumber = tracking
			}
			return nil
		},
	})
}

// UpdateTrackingNumber records the carrier reference. Orders still being prepared are moved to
// SHIPPED through the state machine, passing PROCESSING when they are only CONFIRMED.
func (s *orderService) UpdateTrackingNumber(ctx context.Context, cmd ShipOrderCommand) (Order, error) {
	tracking := s.sanitize(cmd.TrackingNumber)
	if tracking == "" {
		return Order{}, fmt.Errorf("%w: tracking number is required", ErrOrderInvalidInput)
	}
	return s.mutate(ctx, mutation{
		orderID:  cmd.OrderID,
		actorID:  cmd.ActorID,
		metadata: trackingMetadata(tracking),
		apply: func(order *Order, now time.Time) error {
			order.TrackingNumber = tracking
			order.UpdatedAt = now
			if order.Status == domain.OrderStatusConfirmed {
				if err := Apply(order, domain.OrderStatusProcessing, now, ""); err != nil {
					return err
				}
			}
			if order.Status == domain.OrderStatusProcessing {
				return Apply(order, domain.OrderStatusShipped, now, "")
			}
			return nil
		},
	})
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	actor := strings.TrimSpace(cmd.ActorID)
	if actor == "" {
		return Order{}, fmt.Errorf("%w: actor id is required", ErrOrderInvalidInput)
	}
	reason := s.sanitize(cmd.Reason)

	return s.mutate(ctx, mutation{
		orderID: cmd.OrderID,
		actorID: actor,
		reason:  reason,
		apply: func(order *Order, now time.Time) error {
			if !cmd.ActorIsStaff && order.UserID != actor {
				return fmt.Errorf("%w: order %s belongs to another user", ErrOrderForbidden, order.OrderNumber)
			}
			if !CanBeCancelled(*order) {
				return fmt.Errorf("%w: order %s is %s", ErrOrderNotCancellable, order.OrderNumber, order.Status.DisplayName())
			}
			return Apply(order, domain.OrderStatusCancelled, now, reason)
		},
	})
}

// SettlePayment applies a resolved gateway payment to an existing order. A successful payment
// moves a PENDING order to PAID; repeated settlement is a no-op.
func (s *orderService) SettlePayment(ctx context.Context, cmd SettleOrderPaymentCommand) (Order, error) {
	txnRef := strings.TrimSpace(cmd.TxnRef)
	return s.mutate(ctx, mutation{
		orderID:  cmd.OrderID,
		actorID:  "payment",
		metadata: map[string]any{"txnRef": txnRef, "succeeded": cmd.Succeeded},
		apply: func(order *Order, now time.Time) error {
			if !cmd.Succeeded {
				if order.PaymentStatus != domain.PaymentStatusPending {
					return errOrderUnchanged
				}
				order.PaymentStatus = domain.PaymentStatusFailed
				order.UpdatedAt = now
				return nil
			}
			if order.PaymentStatus == domain.PaymentStatusPaid {
				return errOrderUnchanged
			}
			if order.TotalAmount != cmd.Amount {
				return fmt.Errorf("%w: order %s total %d, paid %d", ErrPaymentAmountMismatch, order.OrderNumber, order.TotalAmount, cmd.Amount)
			}
			if order.Status == domain.OrderStatusPending {
				if err := Apply(order, domain.OrderStatusPaid, now, ""); err != nil {
					return err
				}
			}
			order.PaymentStatus = domain.PaymentStatusPaid
			order.PaymentTxnRef = txnRef
			if method := strings.TrimSpace(cmd.Method); method != "" {
				order.PaymentMethod = method
			}
			order.UpdatedAt = now
			return nil
		},
	})
}

func (s *orderService) StatusDetail(ctx context.Context, orderID string) (OrderStatusDetail, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return OrderStatusDetail{}, err
	}

	transitions := AvailableTransitions(order.Status)
	options := make([]StatusOption, 0, len(transitions))
	for _, status := range transitions {
		options = append(options, StatusOption{Status: status, DisplayName: status.DisplayName()})
	}

	return OrderStatusDetail{
		OrderID:              order.ID,
		OrderNumber:          order.OrderNumber,
		Status:               order.Status,
		StatusDisplayName:    order.Status.DisplayName(),
		PaymentStatus:        order.PaymentStatus,
		PaymentDisplayName:   order.PaymentStatus.DisplayName(),
		TrackingNumber:       order.TrackingNumber,
		AvailableTransitions: options,
		CanBeCancelled:       CanBeCancelled(order),
		CreatedAt:            order.CreatedAt,
		UpdatedAt:            order.UpdatedAt,
		ShippedAt:            order.ShippedAt,
		DeliveredAt:          order.DeliveredAt,
		CancelledAt:          order.CancelledAt,
	}, nil
}

func (s *orderService) Statistics(ctx context.Context) (OrderStats, error) {
	stats, err := s.orders.Stats(ctx, s.now().Add(-statisticsRecentWindow))
	if err != nil {
		return OrderStats{}, s.mapRepositoryError(err)
	}
	if stats.CountsByStatus == nil {
		stats.CountsByStatus = make(map[OrderStatus]int)
	}
	for _, status := range domain.OrderStatuses() {
		if _, ok := stats.CountsByStatus[status]; !ok {
			stats.CountsByStatus[status] = 0
		}
	}
	return stats, nil
}

type mutation struct {
	orderID  string
	actorID  string
	reason   string
	metadata map[string]any
	apply    func(order *Order, now time.Time) error
}

// mutate loads the order, applies the change, restores stock when the order became CANCELLED,
// and writes the order, all in one transaction. A status change publishes an event.
func (s *orderService) mutate(ctx context.Context, m mutation) (Order, error) {
	orderID := strings.TrimSpace(m.orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var (
		order    Order
		previous OrderStatus
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		previous = current.Status

		if err := m.apply(&current, s.now()); err != nil {
			if errors.Is(err, errOrderUnchanged) {
				order = current
				return nil
			}
			return err
		}

		if releasesStock(previous, current.Status) {
			if err := s.inventory.Increment(txCtx, current.StockLines()); err != nil {
				return s.mapInventoryError(err)
			}
		}
		if err := s.orders.Update(txCtx, current); err != nil {
			return s.mapRepositoryError(err)
		}
		order = current
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	if order.Status != previous {
		metadata := maps.Clone(m.metadata)
		if m.reason != "" {
			metadata = ensureMap(metadata)
			metadata["reason"] = m.reason
		}
		s.publishEvent(ctx, OrderEvent{
			Type:           orderEventStatusChanged,
			OrderID:        order.ID,
			OrderNumber:    order.OrderNumber,
			PreviousStatus: string(previous),
			CurrentStatus:  string(order.Status),
			ActorID:        strings.TrimSpace(m.actorID),
			OccurredAt:     order.UpdatedAt,
			Metadata:       metadata,
		})
	}

	return order, nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) mapInventoryError(err error) error {
	invErr, ok := repositories.AsInventoryError(err)
	if !ok {
		return s.mapRepositoryError(err)
	}
	switch invErr.Code {
	case repositories.InventoryErrorInsufficientStock:
		return &InsufficientStockError{
			ProductID:   invErr.ProductID,
			ProductName: invErr.ProductName,
			Available:   invErr.Available,
			Requested:   invErr.Requested,
		}
	case repositories.InventoryErrorProductNotFound:
		return fmt.Errorf("%w: %v", ErrProductNotFound, err)
	case repositories.InventoryErrorInvalidQuantity:
		return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	default:
		return err
	}
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func ensureMap(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	return m
}

func trackingMetadata(tracking string) map[string]any {
	if tracking == "" {
		return nil
	}
	return map[string]any{"trackingNumber": tracking}
}
