package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	domain "github.com/shopvn/orderflow/internal/domain"
	"github.com/shopvn/orderflow/internal/payments"
	"github.com/shopvn/orderflow/internal/platform/locks"
	"github.com/shopvn/orderflow/internal/repositories"
)

const (
	paymentEventResolved = "payment.resolved"

	paymentIDPrefix = "pay_"

	defaultOrderInfo           = "Thanh toan don hang"
	defaultMaterializeAttempts = 3
	defaultMaterializeDelay    = time.Second
	defaultPaymentLockTTL      = 30 * time.Second

	// Contact defaults for orders synthesized from a payment.
	fallbackShippingAddress = "Địa chỉ mặc định"
	fallbackPhone           = "0000000000"
	gatewayPaymentMethod    = "VNPAY"
)

// Locker serialises work on a key across goroutines, and across processes for shared backends.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// ReconcileObserver receives every reconciliation outcome, typically to update metrics.
type ReconcileObserver interface {
	ObserveReconciliation(result Reconciliation)
}

// MaterializationOutcome describes what happened to the order side of a resolved payment.
type MaterializationOutcome string

const (
	// MaterializationSkipped means no order work applied: a failed payment without an order,
	// a replayed callback, or a payment with no user.
	MaterializationSkipped MaterializationOutcome = "skipped"
	// MaterializationCreated means an order was created from the user's cart.
	MaterializationCreated MaterializationOutcome = "created"
	// MaterializationSettled means an existing order had its payment status updated.
	MaterializationSettled MaterializationOutcome = "settled"
	// MaterializationFailed means order work was attempted and failed. The payment keeps its
	// resolved status and the order must be reconciled manually.
	MaterializationFailed MaterializationOutcome = "failed"
)

// Reconciliation is the result of applying a gateway return. Err carries the order side
// failure, if any, and never invalidates Payment.
type Reconciliation struct {
	Payment  Payment
	Replayed bool
	Outcome  MaterializationOutcome
	Order    *Order
	Attempts int
	Err      error
}

// Succeeded reports whether the gateway confirmed the money was received.
func (r Reconciliation) Succeeded() bool {
	return r.Payment.Status == domain.PaymentStateSuccess
}

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Payments            repositories.PaymentRepository
	Users               repositories.UserRepository
	Orders              OrderService
	Gateway             payments.Gateway
	Locker              Locker
	UnitOfWork          repositories.UnitOfWork
	Clock               func() time.Time
	IDGenerator         func() string
	Sleep               func(ctx context.Context, d time.Duration) error
	MaterializeAttempts int
	MaterializeDelay    time.Duration
	LockTTL             time.Duration
	Events              OrderEventPublisher
	Observer            ReconcileObserver
	Logger              func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	payments   repositories.PaymentRepository
	users      repositories.UserRepository
	orders     OrderService
	gateway    payments.Gateway
	locker     Locker
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	sleep      func(context.Context, time.Duration) error
	attempts   int
	delay      time.Duration
	lockTTL    time.Duration
	events     OrderEventPublisher
	observer   ReconcileObserver
	logger     func(context.Context, string, map[string]any)
	flight     singleflight.Group
}

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Payments == nil {
		return nil, errors.New("payment service: payment repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: gateway is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("payment service: order service is required")
	}
	if deps.Users == nil {
		return nil, errors.New("payment service: user repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	locker := deps.Locker
	if locker == nil {
		locker = locks.NewMemoryLocker()
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

	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	attempts := deps.MaterializeAttempts
	if attempts <= 0 {
		attempts = defaultMaterializeAttempts
	}
	delay := deps.MaterializeDelay
	if delay < 0 {
		delay = 0
	} else if delay == 0 {
		delay = defaultMaterializeDelay
	}
	lockTTL := deps.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultPaymentLockTTL
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentService{
		payments:   deps.Payments,
		users:      deps.Users,
		orders:     deps.Orders,
		gateway:    deps.Gateway,
		locker:     locker,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		sleep:    sleep,
		attempts: attempts,
		delay:    delay,
		lockTTL:  lockTTL,
		events:   deps.Events,
		observer: deps.Observer,
		logger:   logger,
	}, nil
}

func (s *paymentService) CreatePayment(ctx context.Context, cmd CreatePaymentCommand) (PaymentRedirect, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return PaymentRedirect{}, fmt.Errorf("%w: user id is required", ErrPaymentInvalidInput)
	}
	orderInfo := strings.TrimSpace(cmd.OrderInfo)
	if orderInfo == "" {
		orderInfo = defaultOrderInfo
	}

	amount := cmd.Amount
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID != "" {
		order, err := s.orders.GetOrder(ctx, orderID)
		if err != nil {
			return PaymentRedirect{}, err
		}
		if order.UserID != userID {
			return PaymentRedirect{}, fmt.Errorf("%w: order %s belongs to another user", ErrPaymentInvalidInput, order.OrderNumber)
		}
		if order.PaymentStatus == domain.PaymentStatusPaid {
			return PaymentRedirect{}, fmt.Errorf("%w: order %s is already paid", ErrPaymentInvalidInput, order.OrderNumber)
		}
		switch {
		case amount == 0:
			amount = order.TotalAmount
		case amount != order.TotalAmount:
			return PaymentRedirect{}, fmt.Errorf("%w: amount %d does not match order %s total %d", ErrPaymentInvalidInput, amount, order.OrderNumber, order.TotalAmount)
		}
	}
	if amount <= 0 {
		return PaymentRedirect{}, fmt.Errorf("%w: amount must be positive", ErrPaymentInvalidInput)
	}

	now := s.now()
	payment := Payment{
		ID:        paymentIDPrefix + s.newID(),
		TxnRef:    s.newID(),
		OrderID:   orderID,
		UserID:    userID,
		Amount:    amount,
		OrderInfo: orderInfo,
		Status:    domain.PaymentStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	redirect, err := s.gateway.BuildPaymentURL(payments.PaymentRequest{
		TxnRef:    payment.TxnRef,
		Amount:    payment.Amount,
		OrderInfo: payment.OrderInfo,
		ClientIP:  cmd.ClientIP,
		BankCode:  cmd.BankCode,
		CreatedAt: now,
	})
	if err != nil {
		return PaymentRedirect{}, fmt.Errorf("payment: build redirect: %w", err)
	}

	if err := s.payments.Insert(ctx, payment); err != nil {
		return PaymentRedirect{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "payment.created", map[string]any{
		"txnRef": payment.TxnRef,
		"amount": payment.Amount,
		"order":  payment.OrderID,
	})

	return PaymentRedirect{
		PaymentURL: redirect.URL,
		TxnRef:     payment.TxnRef,
		ExpiresAt:  redirect.ExpiresAt,
	}, nil
}

// ProcessReturn verifies the gateway signature and applies the result exactly once per txnRef.
func (s *paymentService) ProcessReturn(ctx context.Context, params url.Values) (Reconciliation, error) {
	result, err := s.gateway.VerifyReturn(params)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrSignatureMismatch):
			s.logger(ctx, "payment.return.signature_mismatch", map[string]any{
				"txnRef": params.Get("vnp_TxnRef"),
			})
			return Reconciliation{}, ErrSignatureMismatch
		case errors.Is(err, payments.ErrMissingTxnRef):
			return Reconciliation{}, fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
		default:
			return Reconciliation{}, err
		}
	}

	value, err, _ := s.flight.Do(result.TxnRef, func() (any, error) {
		return s.reconcile(ctx, result)
	})
	if err != nil {
		return Reconciliation{}, err
	}
	return value.(Reconciliation), nil
}

func (s *paymentService) reconcile(ctx context.Context, result payments.ReturnResult) (Reconciliation, error) {
	unlock, err := s.locker.Lock(ctx, "payment:"+result.TxnRef, s.lockTTL)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("payment: lock %s: %w", result.TxnRef, err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger(ctx, "payment.lock.release_failed", map[string]any{
				"txnRef": result.TxnRef,
				"error":  err.Error(),
			})
		}
	}()

	payment, err := s.payments.FindByTxnRef(ctx, result.TxnRef)
	if err != nil {
		if repositories.IsNotFound(err) {
			return Reconciliation{}, fmt.Errorf("%w: %s", ErrUnknownTransaction, result.TxnRef)
		}
		return Reconciliation{}, s.mapRepositoryError(err)
	}

	if payment.Status != domain.PaymentStatePending {
		s.logger(ctx, "payment.return.replayed", map[string]any{
			"txnRef": payment.TxnRef,
			"status": string(payment.Status),
		})
		rec := Reconciliation{Payment: payment, Replayed: true, Outcome: MaterializationSkipped}
		s.observe(rec)
		return rec, nil
	}

	if result.Amount != payment.Amount {
		s.logger(ctx, "payment.return.amount_mismatch", map[string]any{
			"txnRef":   payment.TxnRef,
			"expected": payment.Amount,
			"returned": result.Amount,
		})
		return Reconciliation{}, fmt.Errorf("%w: txnRef %s returned %d, issued %d", ErrPaymentAmountMismatch, payment.TxnRef, result.Amount, payment.Amount)
	}

	now := s.now()
	paidAt := now
	if !result.PayDate.IsZero() {
		paidAt = result.PayDate.UTC()
	}
	payment.ResponseCode = result.ResponseCode
	payment.TransactionStatus = result.TransactionStatus
	payment.TransactionNo = result.TransactionNo
	payment.BankCode = result.BankCode
	payment.PaymentMethod = result.CardType
	payment.PaidAt = &paidAt
	payment.UpdatedAt = now
	if result.Succeeded() {
		payment.Status = domain.PaymentStateSuccess
	} else {
		payment.Status = domain.PaymentStateFailed
	}

	if err := s.payments.Update(ctx, payment); err != nil {
		return Reconciliation{}, s.mapRepositoryError(err)
	}

	rec := Reconciliation{Payment: payment, Outcome: MaterializationSkipped}
	switch {
	case payment.OrderID != "":
		rec = s.settle(ctx, rec)
	case rec.Succeeded() && payment.UserID != "":
		rec = s.materialize(ctx, rec)
	}

	if rec.Err != nil {
		s.logger(ctx, "payment.order.materialize_failed", map[string]any{
			"txnRef":   payment.TxnRef,
			"user":     payment.UserID,
			"attempts": rec.Attempts,
			"outcome":  string(rec.Outcome),
			"error":    rec.Err.Error(),
		})
	}

	s.publishResolved(ctx, rec)
	s.observe(rec)
	return rec, nil
}

// materialize creates the order from the user's cart and links it to the payment in one
// transaction. Only an empty cart is retried: the browser redirect can outrun the cart write.
func (s *paymentService) materialize(ctx context.Context, rec Reconciliation) Reconciliation {
	payment := rec.Payment
	user, err := s.users.FindByID(ctx, payment.UserID)
	if err != nil {
		rec.Outcome = MaterializationFailed
		rec.Err = fmt.Errorf("payment: load user %s: %w", payment.UserID, err)
		return rec
	}
	shipping := shippingFromUser(user)

	for attempt := 1; attempt <= s.attempts; attempt++ {
		rec.Attempts = attempt
		var order Order
		err = s.runInTx(ctx, func(txCtx context.Context) error {
			created, err := s.orders.CreateFromCart(txCtx, CreateOrderFromCartCommand{
				UserID:   payment.UserID,
				Shipping: shipping,
				Payment:  &PaymentSettlement{TxnRef: payment.TxnRef, Method: gatewayPaymentMethod, Amount: payment.Amount},
			})
			if err != nil {
				return err
			}
			linked := payment
			linked.OrderID = created.ID
			linked.UpdatedAt = s.now()
			if err := s.payments.Update(txCtx, linked); err != nil {
				return s.mapRepositoryError(err)
			}
			order = created
			return nil
		})
		if err == nil {
			rec.Payment.OrderID = order.ID
			rec.Order = &order
			rec.Outcome = MaterializationCreated
			rec.Err = nil
			return rec
		}
		if !errors.Is(err, ErrEmptyCart) || attempt == s.attempts {
			break
		}
		s.logger(ctx, "payment.order.cart_empty", map[string]any{
			"txnRef":  payment.TxnRef,
			"attempt": attempt,
			"max":     s.attempts,
		})
		if sleepErr := s.sleep(ctx, s.delay); sleepErr != nil {
			err = sleepErr
			break
		}
	}

	rec.Outcome = MaterializationFailed
	rec.Err = err
	return rec
}

func (s *paymentService) settle(ctx context.Context, rec Reconciliation) Reconciliation {
	order, err := s.orders.SettlePayment(ctx, SettleOrderPaymentCommand{
		OrderID:   rec.Payment.OrderID,
		TxnRef:    rec.Payment.TxnRef,
		Method:    gatewayPaymentMethod,
		Amount:    rec.Payment.Amount,
		Succeeded: rec.Succeeded(),
	})
	if err != nil {
		rec.Outcome = MaterializationFailed
		rec.Err = err
		return rec
	}
	rec.Order = &order
	rec.Outcome = MaterializationSettled
	return rec
}

func shippingFromUser(user User) ShippingInfo {
	address := strings.TrimSpace(user.Address)
	if address == "" {
		address = fallbackShippingAddress
	}
	phone := strings.TrimSpace(user.Phone)
	if phone == "" {
		phone = fallbackPhone
	}
	name := strings.TrimSpace(user.DisplayName())
	if name == "" {
		name = user.ID
	}
	return ShippingInfo{
		ShippingAddress: address,
		Phone:           phone,
		CustomerName:    name,
		Email:           strings.TrimSpace(user.Email),
		PaymentMethod:   gatewayPaymentMethod,
	}
}

func (s *paymentService) GetByTxnRef(ctx context.Context, txnRef string) (Payment, error) {
	txnRef = strings.TrimSpace(txnRef)
	if txnRef == "" {
		return Payment{}, fmt.Errorf("%w: txn ref is required", ErrPaymentInvalidInput)
	}
	payment, err := s.payments.FindByTxnRef(ctx, txnRef)
	if err != nil {
		return Payment{}, s.mapRepositoryError(err)
	}
	return payment, nil
}

func (s *paymentService) ListByUser(ctx context.Context, userID string) ([]Payment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrPaymentInvalidInput)
	}
	list, err := s.payments.ListByUser(ctx, userID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return list, nil
}

func (s *paymentService) publishResolved(ctx context.Context, rec Reconciliation) {
	if s.events == nil {
		return
	}
	payment := rec.Payment
	event := OrderEvent{
		Type:          paymentEventResolved,
		OrderID:       payment.OrderID,
		CurrentStatus: string(payment.Status),
		ActorID:       payment.UserID,
		OccurredAt:    payment.UpdatedAt,
		Metadata: map[string]any{
			"txnRef":       payment.TxnRef,
			"amount":       payment.Amount,
			"responseCode": payment.ResponseCode,
			"outcome":      string(rec.Outcome),
		},
	}
	if rec.Order != nil {
		event.OrderNumber = rec.Order.OrderNumber
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "payment.event.publish.failed", map[string]any{
			"txnRef": payment.TxnRef,
			"error":  err.Error(),
		})
	}
}

func (s *paymentService) observe(rec Reconciliation) {
	if s.observer != nil {
		s.observer.ObserveReconciliation(rec)
	}
}

func (s *paymentService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrPaymentNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("payment: conflict: %w", err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("payment: repository unavailable: %w", err)
		}
	}
	return err
}

func (s *paymentService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *paymentService) now() time.Time {
	return s.clock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
