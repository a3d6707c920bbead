package repositories

import (
	"context"
	"time"

	domain "github.com/shopvn/orderflow/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Payments() PaymentRepository
	Inventory() InventoryRepository
	Carts() CartRepository
	Users() UserRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in one transactional boundary. Calls made with a
// context that already carries a transaction join it instead of opening a new one.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order aggregates including their lines.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// ListStale returns orders in the given status whose updatedAt is before the cutoff.
	ListStale(ctx context.Context, query StaleOrderQuery) ([]domain.Order, error)
	Stats(ctx context.Context, recentSince time.Time) (domain.OrderStats, error)
}

// PaymentRepository persists gateway payment attempts keyed by txnRef.
type PaymentRepository interface {
	// Insert fails with a conflict error when the txnRef already exists.
	Insert(ctx context.Context, payment domain.Payment) error
	Update(ctx context.Context, payment domain.Payment) error
	FindByTxnRef(ctx context.Context, txnRef string) (domain.Payment, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Payment, error)
}

// InventoryRepository owns Product.stock. Both mutating calls read every product before
// writing any, and either apply all lines or none.
type InventoryRepository interface {
	FindProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	// CheckAndDecrement fails with an *InventoryError coded InventoryErrorInsufficientStock
	// when any line exceeds the available stock.
	CheckAndDecrement(ctx context.Context, lines []domain.StockLine) error
	Increment(ctx context.Context, lines []domain.StockLine) error
}

// CartRepository is the read/clear view of the cart collaborator.
type CartRepository interface {
	Get(ctx context.Context, userID string) (domain.Cart, error)
	Clear(ctx context.Context, userID string) error
}

// UserRepository looks up profile data used for order contact defaults.
type UserRepository interface {
	FindByID(ctx context.Context, userID string) (domain.User, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderListFilter narrows order listings. Results are ordered by createdAt descending.
type OrderListFilter struct {
	UserID    string
	Status    domain.OrderStatus
	PageSize  int
	PageToken string
}

// StaleOrderQuery selects orders the scheduler may auto-advance.
type StaleOrderQuery struct {
	Status        domain.OrderStatus
	PaymentStatus domain.PaymentStatus
	UpdatedBefore time.Time
	Limit         int
}
