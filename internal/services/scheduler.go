package services

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/shopvn/orderflow/internal/domain"
	"github.com/shopvn/orderflow/internal/repositories"
)

const (
	// SchedulerActorID is recorded as the actor of automatic transitions.
	SchedulerActorID = "system:scheduler"

	sweepAutoConfirm = "auto_confirm"
	sweepAutoProcess = "auto_process"

	defaultSweepBatchSize = 200
)

// SchedulerConfig controls the auto-advance sweeps.
type SchedulerConfig struct {
	ConfirmInterval time.Duration
	ConfirmAfter    time.Duration
	ProcessInterval time.Duration
	ProcessAfter    time.Duration
	BatchSize       int
}

// DefaultSchedulerConfig confirms paid orders after 10 minutes (checked every 5) and starts
// processing confirmed orders after 30 minutes (checked every 10).
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		ConfirmInterval: 5 * time.Minute,
		ConfirmAfter:    10 * time.Minute,
		ProcessInterval: 10 * time.Minute,
		ProcessAfter:    30 * time.Minute,
		BatchSize:       defaultSweepBatchSize,
	}
}

// SweepResult summarises one sweep tick.
type SweepResult struct {
	Job      string
	Scanned  int
	Advanced int
	Failed   int
	Err      error
}

// SweepObserver receives every sweep result, typically to update metrics.
type SweepObserver interface {
	ObserveSweep(result SweepResult)
}

// SchedulerDeps bundles collaborators required to construct the scheduler.
type SchedulerDeps struct {
	Orders   repositories.OrderRepository
	Service  OrderService
	Config   SchedulerConfig
	Clock    func() time.Time
	Observer SweepObserver
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// Scheduler runs the periodic auto-advance sweeps. Each sweep is a separate loop; they share
// nothing but the store.
type Scheduler struct {
	orders   repositories.OrderRepository
	service  OrderService
	cfg      SchedulerConfig
	clock    func() time.Time
	observer SweepObserver
	logger   func(context.Context, string, map[string]any)
}

type sweepJob struct {
	name          string
	status        OrderStatus
	paymentStatus OrderPaymentStatus
	after         time.Duration
	target        OrderStatus
}

// NewScheduler validates the configuration and builds a Scheduler.
func NewScheduler(deps SchedulerDeps) (*Scheduler, error) {
	if deps.Orders == nil {
		return nil, errors.New("scheduler: order repository is required")
	}
	if deps.Service == nil {
		return nil, errors.New("scheduler: order service is required")
	}

	cfg := deps.Config
	defaults := DefaultSchedulerConfig()
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = defaults.ConfirmInterval
	}
	if cfg.ConfirmAfter <= 0 {
		cfg.ConfirmAfter = defaults.ConfirmAfter
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = defaults.ProcessInterval
	}
	if cfg.ProcessAfter <= 0 {
		cfg.ProcessAfter = defaults.ProcessAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &Scheduler{
		orders:  deps.Orders,
		service: deps.Service,
		cfg:     cfg,
		clock: func() time.Time {
			return clock().UTC()
		},
		observer: deps.Observer,
		logger:   logger,
	}, nil
}

// Run blocks until ctx is cancelled, sweeping on each job's interval.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop(ctx, s.cfg.ConfirmInterval, s.AutoConfirm)
	})
	g.Go(func() error {
		return s.loop(ctx, s.cfg.ProcessInterval, s.AutoProcess)
	})
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, sweep func(context.Context) SweepResult) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

// AutoConfirm moves PAID orders whose payment is PAID and that have been idle past the
// threshold to CONFIRMED.
func (s *Scheduler) AutoConfirm(ctx context.Context) SweepResult {
	return s.sweep(ctx, sweepJob{
		name:          sweepAutoConfirm,
		status:        domain.OrderStatusPaid,
		paymentStatus: domain.PaymentStatusPaid,
		after:         s.cfg.ConfirmAfter,
		target:        domain.OrderStatusConfirmed,
	})
}

// AutoProcess moves CONFIRMED orders idle past the threshold to PROCESSING.
func (s *Scheduler) AutoProcess(ctx context.Context) SweepResult {
	return s.sweep(ctx, sweepJob{
		name:   sweepAutoProcess,
		status: domain.OrderStatusConfirmed,
		after:  s.cfg.ProcessAfter,
		target: domain.OrderStatusProcessing,
	})
}

// sweep advances each stale order independently. A failure on one order, including a
// transition made illegal by a concurrent change, is logged and the sweep moves on.
func (s *Scheduler) sweep(ctx context.Context, job sweepJob) SweepResult {
	result := SweepResult{Job: job.name}
	defer func() { s.observe(result) }()

	stale, err := s.orders.ListStale(ctx, repositories.StaleOrderQuery{
		Status:        job.status,
		PaymentStatus: job.paymentStatus,
		UpdatedBefore: s.clock().Add(-job.after),
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		result.Err = err
		s.logger(ctx, "scheduler.sweep.failed", map[string]any{
			"job":   job.name,
			"error": err.Error(),
		})
		return result
	}
	result.Scanned = len(stale)

	for _, order := range stale {
		if ctx.Err() != nil {
			break
		}
		cmd := OrderStatusTransitionCommand{
			OrderID:        order.ID,
			TargetStatus:   job.target,
			ActorID:        SchedulerActorID,
			ExpectedStatus: &job.status,
			Metadata:       map[string]any{"job": job.name},
		}
		if job.paymentStatus != "" {
			cmd.ExpectedPaymentStatus = &job.paymentStatus
		}
		_, err := s.service.TransitionStatus(ctx, cmd)
		if err != nil {
			result.Failed++
			s.logger(ctx, "scheduler.order.skipped", map[string]any{
				"job":         job.name,
				"order":       order.ID,
				"orderNumber": order.OrderNumber,
				"error":       err.Error(),
			})
			continue
		}
		result.Advanced++
	}

	if result.Scanned > 0 {
		s.logger(ctx, "scheduler.sweep.completed", map[string]any{
			"job":      job.name,
			"scanned":  result.Scanned,
			"advanced": result.Advanced,
			"failed":   result.Failed,
		})
	}
	return result
}

func (s *Scheduler) observe(result SweepResult) {
	if s.observer != nil {
		s.observer.ObserveSweep(result)
	}
}
