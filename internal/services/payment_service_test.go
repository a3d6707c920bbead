package services

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	domain "github.com/shopvn/orderflow/internal/domain"
	"github.com/shopvn/orderflow/internal/payments"
	"github.com/shopvn/orderflow/internal/repositories"
)

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
	hook   func(call int)
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	call := len(r.delays)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	return nil
}

type captureReconciliations struct {
	mu      sync.Mutex
	results []Reconciliation
}

func (c *captureReconciliations) ObserveReconciliation(result Reconciliation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, result)
}

type paymentFixture struct {
	*orderFixture
	gateway  *payments.VNPay
	sleeper  *recordingSleeper
	observed *captureReconciliations
	payments PaymentService
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()
	f := newOrderFixture(t)
	f.store.PutUser(domain.User{
		ID:       "user-1",
		Username: "nguyenvana",
		FullName: "Nguyễn Văn A",
		Email:    "a@example.vn",
		Phone:    "0912345678",
		Address:  "12 Lý Thường Kiệt, Hà Nội",
	})

	gateway, err := payments.NewVNPay(payments.VNPayConfig{
		TmnCode:    "DEMO0001",
		HashSecret: "SECRETKEY123",
		PayURL:     "https://pay.example.vn/vpcpay.html",
		ReturnURL:  "https://api.example.vn/api/payment/return",
		Clock:      f.clock.Now,
	})
	if err != nil {
		t.Fatalf("new vnpay: %v", err)
	}

	sleeper := &recordingSleeper{}
	observed := &captureReconciliations{}
	svc, err := NewPaymentService(PaymentServiceDeps{
		Payments:    f.store.Payments(),
		Users:       f.store.Users(),
		Orders:      f.svc,
		Gateway:     gateway,
		UnitOfWork:  f.store,
		Clock:       f.clock.Now,
		IDGenerator: sequentialIDs("P"),
		Sleep:       sleeper.Sleep,
		Events:      f.events,
		Observer:    observed,
	})
	if err != nil {
		t.Fatalf("new payment service: %v", err)
	}

	return &paymentFixture{
		orderFixture: f,
		gateway:      gateway,
		sleeper:      sleeper,
		observed:     observed,
		payments:     svc,
	}
}

func (f *paymentFixture) createPayment(t *testing.T, cmd CreatePaymentCommand) PaymentRedirect {
	t.Helper()
	redirect, err := f.payments.CreatePayment(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	return redirect
}

func (f *paymentFixture) gatewayReturn(txnRef string, amount int64, code string) url.Values {
	fields := map[string]string{
		"vnp_Amount":            strconv.FormatInt(amount*100, 10),
		"vnp_BankCode":          "NCB",
		"vnp_CardType":          "ATM",
		"vnp_OrderInfo":         "Thanh toan don hang",
		"vnp_PayDate":           "20250301101500",
		"vnp_ResponseCode":      code,
		"vnp_TmnCode":           "DEMO0001",
		"vnp_TransactionNo":     "14123456",
		"vnp_TransactionStatus": code,
		"vnp_TxnRef":            txnRef,
	}
	values := url.Values{}
	for k, v := range fields {
		values.Set(k, v)
	}
	values.Set("vnp_SecureHash", f.gateway.Sign(fields))
	return values
}

func (f *paymentFixture) userOrders(t *testing.T, userID string) []Order {
	t.Helper()
	page, err := f.store.Orders().List(context.Background(), repositories.OrderListFilter{UserID: userID, PageSize: 100})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	return page.Items
}

func TestPaymentServiceCreatePaymentPersistsPending(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	redirect := f.createPayment(t, CreatePaymentCommand{UserID: "user-1", Amount: 230_000, ClientIP: "10.0.0.1"})
	if redirect.TxnRef == "" {
		t.Fatalf("expected txn ref")
	}
	parsed, err := url.Parse(redirect.PaymentURL)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	query := parsed.Query()
	if query.Get("vnp_TxnRef") != redirect.TxnRef || query.Get("vnp_Amount") != "23000000" {
		t.Fatalf("unexpected redirect query %v", query)
	}
	if query.Get("vnp_OrderInfo") != "Thanh toan don hang" {
		t.Fatalf("expected default order info, got %q", query.Get("vnp_OrderInfo"))
	}
	if !redirect.ExpiresAt.Equal(f.clock.Now().Add(payments.DefaultVNPayExpiry)) {
		t.Fatalf("unexpected expiry %s", redirect.ExpiresAt)
	}

	payment, err := f.payments.GetByTxnRef(ctx, redirect.TxnRef)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if payment.Status != domain.PaymentStatePending || payment.Amount != 230_000 || payment.UserID != "user-1" {
		t.Fatalf("unexpected payment %+v", payment)
	}

	list, err := f.payments.ListByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(list) != 1 || list[0].TxnRef != redirect.TxnRef {
		t.Fatalf("unexpected payment list %+v", list)
	}
}

func TestPaymentServiceCreatePaymentValidates(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	if _, err := f.payments.CreatePayment(ctx, CreatePaymentCommand{UserID: "user-1"}); !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected zero amount rejected, got %v", err)
	}
	if _, err := f.payments.CreatePayment(ctx, CreatePaymentCommand{Amount: 1000}); !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected missing user rejected, got %v", err)
	}

	order := f.placeCartOrder(t, "user-2", CartItem{ProductID: "prod-p", Quantity: 1})
	if _, err := f.payments.CreatePayment(ctx, CreatePaymentCommand{UserID: "user-1", OrderID: order.ID, Amount: 1000}); !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected foreign order rejected, got %v", err)
	}
	if _, err := f.svc.SettlePayment(ctx, SettleOrderPaymentCommand{OrderID: order.ID, TxnRef: "X", Amount: order.TotalAmount, Succeeded: true}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := f.payments.CreatePayment(ctx, CreatePaymentCommand{UserID: "user-2", OrderID: order.ID, Amount: 1000}); !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected paid order rejected, got %v", err)
	}
	if _, err := f.payments.CreatePayment(ctx, CreatePaymentCommand{UserID: "user-1", OrderID: "ord_missing", Amount: 1000}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestPaymentServiceProcessReturnCreatesPaidOrder(t *testing.T) {
	f := newPaymentFixture(t)
	f.store.PutCart(domain.Cart{UserID: "user-1", Items: []CartItem{{ProductID: "prod-p", Quantity: 2}}})
	redirect := f.createPayment(t, CreatePaymentCommand{UserID: "user-1", Amount: 200_000})

	rec, err := f.payments.ProcessReturn(context.Background(), f.gatewayReturn(redirect.TxnRef, 200_000, payments.ResponseCodeSuccess))
	if err != nil {
		t.Fatalf("process return: %v", err)
	}
	if !rec.Succeeded() || rec.Replayed || rec.Outcome != MaterializationCreated || rec.Err != nil {
		t.Fatalf("unexpected reconciliation %+v", rec)
	}
	if rec.Order == nil {
		t.Fatalf("expected order in reconciliation")
	}

	order := *rec.Order
	if order.Status != domain.OrderStatusPaid || order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected PAID/PAID, got %s/%s", order.Status, order.PaymentStatus)
	}
	if order.PaymentTxnRef != redirect.TxnRef || order.PaymentMethod != "VNPAY" {
		t.Fatalf("unexpected payment linkage %+v", order)
	}
	if order.ShippingAddress != "12 Lý Thường Kiệt, Hà Nội" || order.CustomerName != "Nguyễn Văn A" || order.Phone != "0912345678" {
		t.Fatalf("expected contact from profile, got %+v", order)
	}
	if got := f.stock(t, "prod-p"); got != 8 {
		t.Fatalf("expected stock 8, got %d", got)
	}

	payment, err := f.payments.GetByTxnRef(context.Background(), redirect.TxnRef)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if payment.Status != domain.PaymentStateSuccess || payment.OrderID != order.ID {
		t.Fatalf("unexpected payment %+v", payment)
	}
	if payment.ResponseCode != "00" || payment.TransactionNo != "14123456" || payment.BankCode != "NCB" || payment.PaidAt == nil {
		t.Fatalf("expected gateway echo fields stamped, got %+v", payment)
	}

	resolved := f.events.ofType(paymentEventResolved)
	if len(resolved) != 1 || resolved[0].OrderID != order.ID {
		t.Fatalf("unexpected resolved events %+v", resolved)
	}
	if len(f.observed.results) != 1 {
		t.Fatalf("expected one observed reconciliation, got %d", len(f.observed.results))
	}
}

func TestPaymentServiceRedeliveryDoesNotCreateSecondOrder(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	f.store.PutCart(domain.Cart{UserID: "user-1", Items: []CartItem{{ProductID: "prod-p", Quantity: 2}}})
	redirect := f.createPayment(t, CreatePaymentCommand{UserID: "user-1", Amount: 200_000})
	params := f.gatewayReturn(redirect.TxnRef, 200_000, payments.ResponseCodeSuccess)

	first, err := f.payments.ProcessReturn(ctx, params)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	f.store.PutCart(domain.Cart{UserID: "user-1", Items: []CartItem{{ProductID: "prod-p", Quantity: 1}}})
	second, err := f.payments.ProcessReturn(ctx, params)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if !second.Replayed || second.Outcome != MaterializationSkipped {
		t.Fatalf("expected replay, got %+v", second)
	}
	if second.Payment.OrderID != first.Order.ID {
		t.Fatalf("expected replay to report the original order, got %q", second.Payment.OrderID)
	}
	if orders := f.userOrders(t, "user-1"); len(orders) != 1 {
		t.Fatalf("expected exactly one order, got %d", len(orders))
	}
	if got := f.stock(t, "prod-p"); got != 8 {
		t.Fatalf("expected stock 8, got %d", got)
	}
}

func TestPaymentServiceRejectsTamperedReturn(t *testing.T) {
	f := newPaymentFixture(t)
	f.store.PutCart(domain.Cart{UserID: "user-1", Items: []CartItem{{ProductID: "prod-p", Quantity: 2}}})
	redirect := f.createPayment(t, CreatePaymentCommand{UserID: "user-1", Amount: 200_000})

	params := f.gatewayReturn(redirect.TxnRef, 200_000, payments.ResponseCodeSuccess)
	params.Set("vnp_Amount", "100")

	_, err := f.payments.ProcessReturn(context.Background(), params)
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}

	payment, err := f.payments.GetByTxnRef(context.Background(), redirect.TxnRef)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if payment.Status != domain.PaymentStatePending {
		t.Fatalf("expected payment to stay pending, got %s", payment.Status)
	}
	if orders := f.userOrders(t, "user-1"); len(orders) != 0 {
		t.Fatalf("expected no order, got %d", len(orders))
	}
}

func TestPaymentServiceFailedPaymentLeavesCart(t *testing.T) {
	f := newPaymentFixture(t)
	f.store.PutCart(domain.Cart{UserID: "user-1", Items: []CartItem{{ProductID: "prod-p", Quantity: 2}}})
	redirect := f.createPayment(t, CreatePaymentCommand{UserID: "user-1", Amount: 200_000})

	rec, err := f.payments.ProcessReturn(context.Background(), f.gatewayReturn(redirect.TxnRef, 200_000, "24"))
	if err != nil {
		t.Fatalf("process return: %v", err)
	}
	if rec.Succeeded() || rec.Payment.Status != domain.PaymentStateFailed || rec.Outcome != MaterializationSkipped {
		t.Fatalf("unexpected reconciliation %+v", rec)
	}
	if orders := f.userOrders(t, "user-1"); len(orders) != 0 {
		t.Fatalf("expected no order, got %d", len(orders))
	}
	cart, _ := f.store.Carts().Get(context.Background(), "user-1")
	if len(cart.Items) != 1 {
		t.Fatalf("expected cart kept, got %+v", cart.Items)
	}
}

func TestPaymentServiceRetriesEmptyCart(t *testing.T) {
	f := newPaymentFixture(t)
	redirect := f.createPayment(t, CreatePaymentCommand{UserID: "user-1", Amount: 200_000})

	rec, err := f.payments.ProcessReturn(context.Background(), f.gatewayReturn(redirect.TxnRef, 200_000, payments.ResponseCodeSuccess))
	if err != nil {
		t.Fatalf("process return: %v", err)
	}
	if rec.Outcome != MaterializationFailed || rec.Attempts != 3 || !errors.Is(rec.Err, ErrEmptyCart) {
		t.Fatalf("unexpected reconciliation %+v", rec)
	}
	if len(f.sleeper.delays) != 2 {
		t.Fatalf("expected two waits between three attempts, got %v", f.sleeper.delays)
	}
	for _, d := range f.sleeper.delays {
		if d != time.Second {
			t.Fatalf("expected 1s delay, got %s", d)
		}
	}

	payment, err := f.payments.GetByTxnRef(context.Background(), redirect.TxnRef)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if payment.Status != domain.PaymentStateSuccess || payment.OrderID != "" {
		t.Fatalf("expected payment resolved without order, got %+v", payment)
	}
}

func TestPaymentServiceCartArrivesDuringRetry(t *testing.T) {
	f := newPaymentFixture(t)
	f.sleeper.hook = func(call int) {
		if call == 1 {
			f.store.PutCart(domain.Cart{UserID: "user-1", Items: []CartItem{{ProductID: "prod-q", Quantity: 1}}})
		}
	}
	redirect := f.createPayment(t, CreatePaymentCommand{UserID: "user-1", Amount: 50_000})

	rec, err := f.payments.ProcessReturn(context.Background(), f.gatewayReturn(redirect.TxnRef, 50_000, payments.ResponseCodeSuccess))
	if err != nil {
		t.Fatalf("process return: %v", err)
	}
	if rec.Outcome != MaterializationCreated || rec.Attempts != 2 {
		t.Fatalf("expected order on second attempt, got %+v", rec)
	}
	if got := f.stock(t, "prod-q"); got != 2 {
		t.Fatalf("expected stock 2, got %d", got)
	}
}

func TestPaymentServiceConcurrentDeliveriesCreateOneOrder(t *testing.T) {
	f := newPaymentFixture(t)
	f.store.PutCart(domain.Cart{UserID: "user-1", Items: []CartItem{{ProductID: "prod-p", Quantity: 2}}})
	redirect := f.createPayment(t, CreatePaymentCommand{UserID: "user-1", Amount: 200_000})
	params := f.gatewayReturn(redirect.TxnRef, 200_000, payments.ResponseCodeSuccess)

	const deliveries = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for range deliveries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.payments.ProcessReturn(context.Background(), params); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(errs) != 0 {
		t.Fatalf("unexpected errors %v", errs)
	}
	if orders := f.userOrders(t, "user-1"); len(orders) != 1 {
		t.Fatalf("expected exactly one order, got %d", len(orders))
	}
	if got := f.stock(t, "prod-p"); got != 8 {
		t.Fatalf("expected stock 8, got %d", got)
	}
}

func TestPaymentServiceSettlesExistingOrder(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order, err := f.svc.CreateDirect(ctx, CreateDirectOrderCommand{
		UserID:   "user-1",
		Items:    []OrderItemInput{{ProductID: "prod-p", Quantity: 1}},
		Shipping: testShipping(),
	})
	if err != nil {
		t.Fatalf("create direct: %v", err)
	}
	redirect := f.createPayment(t, CreatePaymentCommand{UserID: "user-1", OrderID: order.ID, Amount: order.TotalAmount})

	rec, err := f.payments.ProcessReturn(ctx, f.gatewayReturn(redirect.TxnRef, order.TotalAmount, payments.ResponseCodeSuccess))
	if err != nil {
		t.Fatalf("process return: %v", err)
	}
	if rec.Outcome != MaterializationSettled || rec.Order == nil {
		t.Fatalf("unexpected reconciliation %+v", rec)
	}
	if rec.Order.Status != domain.OrderStatusPaid || rec.Order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected PAID/PAID, got %s/%s", rec.Order.Status, rec.Order.PaymentStatus)
	}
	if orders := f.userOrders(t, "user-1"); len(orders) != 1 {
		t.Fatalf("expected no extra order, got %d", len(orders))
	}
}

func TestPaymentServiceUnknownTransaction(t *testing.T) {
	f := newPaymentFixture(t)
	_, err := f.payments.ProcessReturn(context.Background(), f.gatewayReturn("NOPE", 1000, payments.ResponseCodeSuccess))
	if !errors.Is(err, ErrUnknownTransaction) {
		t.Fatalf("expected ErrUnknownTransaction, got %v", err)
	}
}

func TestShippingFromUserFallbacks(t *testing.T) {
	info := shippingFromUser(User{ID: "user-9", Username: "bich"})
	if info.ShippingAddress != fallbackShippingAddress || info.Phone != fallbackPhone {
		t.Fatalf("expected fallbacks, got %+v", info)
	}
	if info.CustomerName != "bich" {
		t.Fatalf("expected username as name, got %q", info.CustomerName)
	}
	if info.PaymentMethod != gatewayPaymentMethod {
		t.Fatalf("unexpected method %q", info.PaymentMethod)
	}
}

func TestNewPaymentServiceRequiresCollaborators(t *testing.T) {
	if _, err := NewPaymentService(PaymentServiceDeps{}); err == nil {
		t.Fatalf("expected error without dependencies")
	}
}

func TestPaymentServiceCreatePaymentMatchesOrderTotal(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order, err := f.svc.CreateDirect(ctx, CreateDirectOrderCommand{
		UserID:   "user-1",
		Items:    []OrderItemInput{{ProductID: "prod-p", Quantity: 2}},
		Shipping: testShipping(),
	})
	if err != nil {
		t.Fatalf("create direct: %v", err)
	}
	if order.TotalAmount != 230_000 {
		t.Fatalf("expected total 230000, got %d", order.TotalAmount)
	}

	if _, err := f.payments.CreatePayment(ctx, CreatePaymentCommand{UserID: "user-1", OrderID: order.ID, Amount: 1}); !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected short amount rejected, got %v", err)
	}

	redirect := f.createPayment(t, CreatePaymentCommand{UserID: "user-1", OrderID: order.ID})
	payment, err := f.payments.GetByTxnRef(ctx, redirect.TxnRef)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if payment.Amount != order.TotalAmount || payment.OrderID != order.ID {
		t.Fatalf("expected amount taken from order, got %+v", payment)
	}
	parsed, err := url.Parse(redirect.PaymentURL)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if got := parsed.Query().Get("vnp_Amount"); got != "23000000" {
		t.Fatalf("unexpected vnp_Amount %q", got)
	}
}

func TestPaymentServiceRejectsReturnWithDifferentAmount(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	f.store.PutCart(domain.Cart{UserID: "user-1", Items: []CartItem{{ProductID: "prod-p", Quantity: 2}}})
	redirect := f.createPayment(t, CreatePaymentCommand{UserID: "user-1", Amount: 200_000})

	_, err := f.payments.ProcessReturn(ctx, f.gatewayReturn(redirect.TxnRef, 1, payments.ResponseCodeSuccess))
	if !errors.Is(err, ErrPaymentAmountMismatch) {
		t.Fatalf("expected ErrPaymentAmountMismatch, got %v", err)
	}

	payment, err := f.payments.GetByTxnRef(ctx, redirect.TxnRef)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if payment.Status != domain.PaymentStatePending || payment.PaidAt != nil {
		t.Fatalf("expected payment untouched, got %+v", payment)
	}
	if orders := f.userOrders(t, "user-1"); len(orders) != 0 {
		t.Fatalf("expected no order, got %d", len(orders))
	}
	if got := f.stock(t, "prod-p"); got != 10 {
		t.Fatalf("expected stock 10, got %d", got)
	}
}

func TestPaymentServicePaidAmountMustCoverCart(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	f.store.PutCart(domain.Cart{UserID: "user-1", Items: []CartItem{{ProductID: "prod-p", Quantity: 2}}})
	redirect := f.createPayment(t, CreatePaymentCommand{UserID: "user-1", Amount: 100_000})

	rec, err := f.payments.ProcessReturn(ctx, f.gatewayReturn(redirect.TxnRef, 100_000, payments.ResponseCodeSuccess))
	if err != nil {
		t.Fatalf("process return: %v", err)
	}
	if rec.Outcome != MaterializationFailed || rec.Attempts != 1 || !errors.Is(rec.Err, ErrPaymentAmountMismatch) {
		t.Fatalf("unexpected reconciliation %+v", rec)
	}
	if len(f.sleeper.delays) != 0 {
		t.Fatalf("expected no retry, got %v", f.sleeper.delays)
	}

	payment, err := f.payments.GetByTxnRef(ctx, redirect.TxnRef)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if payment.Status != domain.PaymentStateSuccess || payment.OrderID != "" {
		t.Fatalf("expected payment resolved without order, got %+v", payment)
	}
	if orders := f.userOrders(t, "user-1"); len(orders) != 0 {
		t.Fatalf("expected no order, got %d", len(orders))
	}
	if got := f.stock(t, "prod-p"); got != 10 {
		t.Fatalf("expected stock 10, got %d", got)
	}
	cart, _ := f.store.Carts().Get(ctx, "user-1")
	if len(cart.Items) != 1 {
		t.Fatalf("expected cart kept, got %+v", cart.Items)
	}
}

func TestPaymentServiceSettleRejectsShortPayment(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order, err := f.svc.CreateDirect(ctx, CreateDirectOrderCommand{
		UserID:   "user-1",
		Items:    []OrderItemInput{{ProductID: "prod-p", Quantity: 2}},
		Shipping: testShipping(),
	})
	if err != nil {
		t.Fatalf("create direct: %v", err)
	}
	if err := f.store.Payments().Insert(ctx, domain.Payment{
		ID:        "pay_short",
		TxnRef:    "TXN-SHORT",
		OrderID:   order.ID,
		UserID:    "user-1",
		Amount:    1,
		Status:    domain.PaymentStatePending,
		CreatedAt: f.clock.Now(),
		UpdatedAt: f.clock.Now(),
	}); err != nil {
		t.Fatalf("insert payment: %v", err)
	}

	rec, err := f.payments.ProcessReturn(ctx, f.gatewayReturn("TXN-SHORT", 1, payments.ResponseCodeSuccess))
	if err != nil {
		t.Fatalf("process return: %v", err)
	}
	if rec.Outcome != MaterializationFailed || !errors.Is(rec.Err, ErrPaymentAmountMismatch) {
		t.Fatalf("unexpected reconciliation %+v", rec)
	}

	stored, err := f.svc.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.Status != domain.OrderStatusPending || stored.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected order untouched, got %s/%s", stored.Status, stored.PaymentStatus)
	}
}

func TestPaymentServiceStampsGatewayPayDate(t *testing.T) {
	f := newPaymentFixture(t)
	f.store.PutCart(domain.Cart{UserID: "user-1", Items: []CartItem{{ProductID: "prod-q", Quantity: 1}}})
	redirect := f.createPayment(t, CreatePaymentCommand{UserID: "user-1", Amount: 50_000})

	rec, err := f.payments.ProcessReturn(context.Background(), f.gatewayReturn(redirect.TxnRef, 50_000, payments.ResponseCodeSuccess))
	if err != nil {
		t.Fatalf("process return: %v", err)
	}
	want := time.Date(2025, 3, 1, 3, 15, 0, 0, time.UTC)
	if rec.Payment.PaidAt == nil || !rec.Payment.PaidAt.Equal(want) {
		t.Fatalf("expected paidAt %s, got %v", want, rec.Payment.PaidAt)
	}
}
