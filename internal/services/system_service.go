package services

import (
	"cmp"
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/shopvn/orderflow/internal/domain"
	"github.com/shopvn/orderflow/internal/repositories"
)

const (
	defaultBacklogAfter = 30 * time.Minute
	backlogScanLimit    = 500
)

// BuildInfo is the release metadata reported by the health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service. Orders is
// optional; without it the report carries no backlog.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Orders           repositories.OrderRepository
	BacklogAfter     time.Duration
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	health       repositories.HealthRepository
	orders       repositories.OrderRepository
	backlogAfter time.Duration
	clock        func() time.Time
	build        BuildInfo
}

var _ SystemService = (*systemService)(nil)

// backlogStatuses are the statuses the scheduler advances on its own.
var backlogStatuses = []domain.OrderStatus{domain.OrderStatusPaid, domain.OrderStatusConfirmed}

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}
	return &systemService{
		health:       deps.HealthRepository,
		orders:       deps.Orders,
		backlogAfter: cmp.Or(deps.BacklogAfter, defaultBacklogAfter),
		clock:        func() time.Time { return clock().UTC() },
		build:        build,
	}, nil
}

// HealthReport collects dependency checks, stamps release metadata and, when an order
// repository is wired, counts orders stuck waiting for the scheduler.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	report, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.GeneratedAt = report.GeneratedAt.UTC()
	report.Version = firstNonBlank(report.Version, s.build.Version)
	report.CommitSHA = firstNonBlank(report.CommitSHA, s.build.CommitSHA)
	report.Environment = firstNonBlank(report.Environment, s.build.Environment)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if strings.TrimSpace(report.Status) == "" {
		report.Status = worstStatus(report.Checks)
	}
	report.Backlog = s.backlog(ctx, now)
	return report, nil
}

// backlog is best effort: a failed scan leaves its status out rather than failing readiness.
func (s *systemService) backlog(ctx context.Context, now time.Time) map[domain.OrderStatus]int {
	if s.orders == nil {
		return nil
	}
	counts := make(map[domain.OrderStatus]int, len(backlogStatuses))
	for _, status := range backlogStatuses {
		stale, err := s.orders.ListStale(ctx, repositories.StaleOrderQuery{
			Status:        status,
			UpdatedBefore: now.Add(-s.backlogAfter),
			Limit:         backlogScanLimit,
		})
		if err != nil {
			continue
		}
		counts[status] = len(stale)
	}
	return counts
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func worstStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusError:
			return domain.HealthStatusError
		case domain.HealthStatusOK, "":
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
