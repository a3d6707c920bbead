package services

import (
	"context"
	"testing"
	"time"

	domain "github.com/shopvn/orderflow/internal/domain"
	"github.com/shopvn/orderflow/internal/repositories"
)

type stubOrderService struct {
	OrderService
	transitionFn func(context.Context, OrderStatusTransitionCommand) (Order, error)
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	return s.transitionFn(ctx, cmd)
}

type stubStaleOrders struct {
	repositories.OrderRepository
	stale []domain.Order
	query repositories.StaleOrderQuery
}

func (s *stubStaleOrders) ListStale(_ context.Context, query repositories.StaleOrderQuery) ([]domain.Order, error) {
	s.query = query
	return s.stale, nil
}

func newTestScheduler(t *testing.T, f *orderFixture) *Scheduler {
	t.Helper()
	scheduler, err := NewScheduler(SchedulerDeps{
		Orders:  f.store.Orders(),
		Service: f.svc,
		Clock:   f.clock.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return scheduler
}

func TestSchedulerAutoConfirmOnlyStalePaidOrders(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	stale := f.placeCartOrder(t, "user-1", CartItem{ProductID: "prod-p", Quantity: 1})
	if _, err := f.svc.SettlePayment(ctx, SettleOrderPaymentCommand{OrderID: stale.ID, TxnRef: "TXN-1", Amount: stale.TotalAmount, Succeeded: true}); err != nil {
		t.Fatalf("settle stale: %v", err)
	}
	pending := f.placeCartOrder(t, "user-2", CartItem{ProductID: "prod-p", Quantity: 1})

	f.clock.Advance(9 * time.Minute)
	fresh := f.placeCartOrder(t, "user-3", CartItem{ProductID: "prod-p", Quantity: 1})
	if _, err := f.svc.SettlePayment(ctx, SettleOrderPaymentCommand{OrderID: fresh.ID, TxnRef: "TXN-3", Amount: fresh.TotalAmount, Succeeded: true}); err != nil {
		t.Fatalf("settle fresh: %v", err)
	}

	f.clock.Advance(2 * time.Minute)
	scheduler := newTestScheduler(t, f)

	result := scheduler.AutoConfirm(ctx)
	if result.Scanned != 1 || result.Advanced != 1 || result.Failed != 0 {
		t.Fatalf("unexpected sweep result %+v", result)
	}

	got, _ := f.svc.GetOrder(ctx, stale.ID)
	if got.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected stale order confirmed, got %s", got.Status)
	}
	got, _ = f.svc.GetOrder(ctx, fresh.ID)
	if got.Status != domain.OrderStatusPaid {
		t.Fatalf("expected 2 minute old order untouched, got %s", got.Status)
	}
	got, _ = f.svc.GetOrder(ctx, pending.ID)
	if got.Status != domain.OrderStatusPending {
		t.Fatalf("expected unpaid order untouched, got %s", got.Status)
	}

	changed := f.events.ofType(orderEventStatusChanged)
	last := changed[len(changed)-1]
	if last.ActorID != SchedulerActorID || last.CurrentStatus != string(domain.OrderStatusConfirmed) {
		t.Fatalf("unexpected scheduler event %+v", last)
	}
}

func TestSchedulerAutoProcessAfterThreshold(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order := f.placeCartOrder(t, "user-1", CartItem{ProductID: "prod-p", Quantity: 1})
	f.walk(t, order.ID, domain.OrderStatusPaid, domain.OrderStatusConfirmed)
	scheduler := newTestScheduler(t, f)

	f.clock.Advance(29 * time.Minute)
	if result := scheduler.AutoProcess(ctx); result.Advanced != 0 {
		t.Fatalf("expected nothing advanced before threshold, got %+v", result)
	}

	f.clock.Advance(2 * time.Minute)
	if result := scheduler.AutoProcess(ctx); result.Advanced != 1 {
		t.Fatalf("expected order advanced, got %+v", result)
	}
	got, _ := f.svc.GetOrder(ctx, order.ID)
	if got.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected PROCESSING, got %s", got.Status)
	}
}

func TestSchedulerAutoConfirmRechecksPaymentStatus(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order := f.placeCartOrder(t, "user-1", CartItem{ProductID: "prod-p", Quantity: 1})
	stored := f.walk(t, order.ID, domain.OrderStatusPaid)
	if stored.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected manual PAID to leave payment pending, got %s", stored.PaymentStatus)
	}

	scanned := stored
	scanned.PaymentStatus = domain.PaymentStatusPaid
	scheduler, err := NewScheduler(SchedulerDeps{
		Orders:  &stubStaleOrders{stale: []domain.Order{scanned}},
		Service: f.svc,
		Clock:   f.clock.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	if result := scheduler.AutoConfirm(ctx); result.Advanced != 0 || result.Failed != 1 {
		t.Fatalf("expected stale snapshot rejected, got %+v", result)
	}
	got, _ := f.svc.GetOrder(ctx, order.ID)
	if got.Status != domain.OrderStatusPaid {
		t.Fatalf("expected order left PAID, got %s", got.Status)
	}
}

func TestSchedulerContinuesAfterItemFailure(t *testing.T) {
	now := time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC)
	repo := &stubStaleOrders{stale: []domain.Order{
		{ID: "ord_1", OrderNumber: "ORD-1", Status: domain.OrderStatusPaid},
		{ID: "ord_2", OrderNumber: "ORD-2", Status: domain.OrderStatusPaid},
	}}
	var seen []string
	svc := &stubOrderService{transitionFn: func(_ context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
		seen = append(seen, cmd.OrderID)
		if cmd.ExpectedStatus == nil || *cmd.ExpectedStatus != domain.OrderStatusPaid {
			t.Fatalf("expected guard on PAID, got %v", cmd.ExpectedStatus)
		}
		if cmd.ExpectedPaymentStatus == nil || *cmd.ExpectedPaymentStatus != domain.PaymentStatusPaid {
			t.Fatalf("expected guard on paid payment, got %v", cmd.ExpectedPaymentStatus)
		}
		if cmd.OrderID == "ord_1" {
			return Order{}, ErrOrderConflict
		}
		return Order{ID: cmd.OrderID, Status: cmd.TargetStatus}, nil
	}}
	var logged []string
	var observed []SweepResult
	scheduler, err := NewScheduler(SchedulerDeps{
		Orders:   repo,
		Service:  svc,
		Clock:    func() time.Time { return now },
		Observer: sweepObserverFunc(func(r SweepResult) { observed = append(observed, r) }),
		Logger: func(_ context.Context, event string, _ map[string]any) {
			logged = append(logged, event)
		},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	result := scheduler.AutoConfirm(context.Background())
	if result.Scanned != 2 || result.Advanced != 1 || result.Failed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(seen) != 2 {
		t.Fatalf("expected both orders attempted, got %v", seen)
	}
	if !repo.query.UpdatedBefore.Equal(now.Add(-10*time.Minute)) || repo.query.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("unexpected stale query %+v", repo.query)
	}
	if len(logged) != 2 || logged[0] != "scheduler.order.skipped" || logged[1] != "scheduler.sweep.completed" {
		t.Fatalf("unexpected log events %v", logged)
	}
	if len(observed) != 1 || observed[0].Job != sweepAutoConfirm {
		t.Fatalf("unexpected observed results %+v", observed)
	}
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	f := newOrderFixture(t)
	scheduler := newTestScheduler(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error on shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
}

func TestNewSchedulerRequiresDependencies(t *testing.T) {
	if _, err := NewScheduler(SchedulerDeps{}); err == nil {
		t.Fatalf("expected error without repository")
	}
	if _, err := NewScheduler(SchedulerDeps{Orders: &stubStaleOrders{}}); err == nil {
		t.Fatalf("expected error without service")
	}
}

type sweepObserverFunc func(SweepResult)

func (f sweepObserverFunc) ObserveSweep(result SweepResult) { f(result) }
