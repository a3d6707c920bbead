package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/shopvn/orderflow/internal/platform/firestore"
	"github.com/shopvn/orderflow/internal/repositories"
)

// Registry bundles the Firestore repositories behind repositories.Registry.
type Registry struct {
	provider  *pfirestore.Provider
	orders    *OrderRepository
	payments  *PaymentRepository
	inventory *InventoryRepository
	carts     *CartRepository
	users     *UserRepository
	health    repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires every Firestore repository to the shared provider.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	payments, err := NewPaymentRepository(provider)
	if err != nil {
		return nil, err
	}
	inventory, err := NewInventoryRepository(provider)
	if err != nil {
		return nil, err
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, err
	}
	users, err := NewUserRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider:  provider,
		orders:    orders,
		payments:  payments,
		inventory: inventory,
		carts:     carts,
		users:     users,
		health:    health,
	}, nil
}

func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

func (r *Registry) Orders() repositories.OrderRepository        { return r.orders }
func (r *Registry) Payments() repositories.PaymentRepository    { return r.payments }
func (r *Registry) Inventory() repositories.InventoryRepository { return r.inventory }
func (r *Registry) Carts() repositories.CartRepository          { return r.carts }
func (r *Registry) Users() repositories.UserRepository          { return r.users }
func (r *Registry) Health() repositories.HealthRepository       { return r.health }

// RunInTx implements repositories.UnitOfWork on top of the provider transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunInTx(ctx, fn)
}
