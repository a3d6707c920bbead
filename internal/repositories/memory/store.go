// Package memory provides an in-process repository registry for local development and tests.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	domain "github.com/shopvn/orderflow/internal/domain"
	"github.com/shopvn/orderflow/internal/platform/pagination"
	"github.com/shopvn/orderflow/internal/repositories"
)

type txKey struct{}

// Store keeps every collection behind a single mutex. RunInTx holds the mutex for the whole
// callback and restores a snapshot when the callback fails, so transactions are serialised
// and never partially visible.
type Store struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	numbers  map[string]string
	payments map[string]domain.Payment
	products map[string]domain.Product
	carts    map[string]domain.Cart
	users    map[string]domain.User
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		orders:   make(map[string]domain.Order),
		numbers:  make(map[string]string),
		payments: make(map[string]domain.Payment),
		products: make(map[string]domain.Product),
		carts:    make(map[string]domain.Cart),
		users:    make(map[string]domain.User),
	}
}

// WithHealth attaches the readiness check set reported by Health().
func (s *Store) WithHealth(health repositories.HealthRepository) *Store {
	s.health = health
	return s
}

func (s *Store) Close(context.Context) error { return nil }

func (s *Store) Orders() repositories.OrderRepository        { return orderRepo{s} }
func (s *Store) Payments() repositories.PaymentRepository    { return paymentRepo{s} }
func (s *Store) Inventory() repositories.InventoryRepository { return inventoryRepo{s} }
func (s *Store) Carts() repositories.CartRepository          { return cartRepo{s} }
func (s *Store) Users() repositories.UserRepository          { return userRepo{s} }
func (s *Store) Health() repositories.HealthRepository       { return s.health }

// RunInTx implements repositories.UnitOfWork.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// PutProduct seeds or replaces a product.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
}

// Product returns the stored product.
func (s *Store) Product(id string) (domain.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[id]
	return product, ok
}

// PutCart seeds or replaces a user's cart.
func (s *Store) PutCart(cart domain.Cart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[cart.UserID] = cloneCart(cart)
}

// PutUser seeds or replaces a user profile.
func (s *Store) PutUser(user domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// lock acquires the store mutex unless ctx already runs inside this store's transaction.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type snapshot struct {
	orders   map[string]domain.Order
	numbers  map[string]string
	payments map[string]domain.Payment
	products map[string]domain.Product
	carts    map[string]domain.Cart
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		orders:   make(map[string]domain.Order, len(s.orders)),
		numbers:  maps.Clone(s.numbers),
		payments: maps.Clone(s.payments),
		products: maps.Clone(s.products),
		carts:    make(map[string]domain.Cart, len(s.carts)),
	}
	for id, order := range s.orders {
		snap.orders[id] = cloneOrder(order)
	}
	for id, cart := range s.carts {
		snap.carts[id] = cloneCart(cart)
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.orders = snap.orders
	s.numbers = snap.numbers
	s.payments = snap.payments
	s.products = snap.products
	s.carts = snap.carts
}

func cloneOrder(order domain.Order) domain.Order {
	order.Lines = append([]domain.OrderLine(nil), order.Lines...)
	return order
}

func cloneCart(cart domain.Cart) domain.Cart {
	cart.Items = append([]domain.CartItem(nil), cart.Items...)
	return cart
}

type orderRepo struct{ s *Store }

func (r orderRepo) Insert(ctx context.Context, order domain.Order) error {
	defer r.s.lock(ctx)()
	if _, exists := r.s.orders[order.ID]; exists {
		return repositories.NewConflictError("orders.insert", "order "+order.ID+" already exists")
	}
	if _, exists := r.s.numbers[order.OrderNumber]; exists {
		return repositories.NewConflictError("orders.insert", "order number "+order.OrderNumber+" already exists")
	}
	r.s.orders[order.ID] = cloneOrder(order)
	r.s.numbers[order.OrderNumber] = order.ID
	return nil
}

func (r orderRepo) Update(ctx context.Context, order domain.Order) error {
	defer r.s.lock(ctx)()
	if _, exists := r.s.orders[order.ID]; !exists {
		return repositories.NewNotFoundError("orders.update", "order "+order.ID+" not found")
	}
	r.s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r orderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	defer r.s.lock(ctx)()
	order, ok := r.s.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("orders.get", "order "+orderID+" not found")
	}
	return cloneOrder(order), nil
}

func (r orderRepo) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	defer r.s.lock(ctx)()
	id, ok := r.s.numbers[orderNumber]
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("orders.getByNumber", "order "+orderNumber+" not found")
	}
	return cloneOrder(r.s.orders[id]), nil
}

func (r orderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, pageSize, err := pagination.Window(filter.PageToken, filter.PageSize)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	unlock := r.s.lock(ctx)
	matched := make([]domain.Order, 0)
	for _, order := range r.s.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneOrder(order))
	}
	unlock()

	sort.Slice(matched, func(i, j int) bool {
		return newerFirst(matched[i], matched[j])
	})

	start := 0
	if !cursor.IsZero() {
		start = sort.Search(len(matched), func(i int) bool {
			return !cursor.Precedes(matched[i].CreatedAt, matched[i].ID)
		})
	}
	items, next, err := pagination.Cut(matched[start:min(start+pageSize+1, len(matched))], pageSize, orderCursor)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	return domain.CursorPage[domain.Order]{Items: items, NextPageToken: next}, nil
}

func orderCursor(o domain.Order) pagination.Cursor {
	return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
}

func newerFirst(a, b domain.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (r orderRepo) ListStale(ctx context.Context, query repositories.StaleOrderQuery) ([]domain.Order, error) {
	defer r.s.lock(ctx)()
	var stale []domain.Order
	for _, order := range r.s.orders {
		if order.Status != query.Status {
			continue
		}
		if query.PaymentStatus != "" && order.PaymentStatus != query.PaymentStatus {
			continue
		}
		if !order.UpdatedAt.Before(query.UpdatedBefore) {
			continue
		}
		stale = append(stale, cloneOrder(order))
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if query.Limit > 0 && len(stale) > query.Limit {
		stale = stale[:query.Limit]
	}
	return stale, nil
}

func (r orderRepo) Stats(ctx context.Context, recentSince time.Time) (domain.OrderStats, error) {
	defer r.s.lock(ctx)()
	stats := domain.OrderStats{CountsByStatus: make(map[domain.OrderStatus]int)}
	for _, order := range r.s.orders {
		stats.TotalOrders++
		stats.CountsByStatus[order.Status]++
		if order.PaymentStatus == domain.PaymentStatusPaid {
			stats.TotalRevenue += order.TotalAmount
		}
		if !order.CreatedAt.Before(recentSince) {
			stats.RecentOrders++
		}
	}
	return stats, nil
}

type paymentRepo struct{ s *Store }

func (r paymentRepo) Insert(ctx context.Context, payment domain.Payment) error {
	defer r.s.lock(ctx)()
	if _, exists := r.s.payments[payment.TxnRef]; exists {
		return repositories.NewConflictError("payments.insert", "txnRef "+payment.TxnRef+" already exists")
	}
	r.s.payments[payment.TxnRef] = payment
	return nil
}

func (r paymentRepo) Update(ctx context.Context, payment domain.Payment) error {
	defer r.s.lock(ctx)()
	if _, exists := r.s.payments[payment.TxnRef]; !exists {
		return repositories.NewNotFoundError("payments.update", "txnRef "+payment.TxnRef+" not found")
	}
	r.s.payments[payment.TxnRef] = payment
	return nil
}

func (r paymentRepo) FindByTxnRef(ctx context.Context, txnRef string) (domain.Payment, error) {
	defer r.s.lock(ctx)()
	payment, ok := r.s.payments[txnRef]
	if !ok {
		return domain.Payment{}, repositories.NewNotFoundError("payments.get", "txnRef "+txnRef+" not found")
	}
	return payment, nil
}

func (r paymentRepo) ListByUser(ctx context.Context, userID string) ([]domain.Payment, error) {
	defer r.s.lock(ctx)()
	var payments []domain.Payment
	for _, payment := range r.s.payments {
		if payment.UserID == userID {
			payments = append(payments, payment)
		}
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].CreatedAt.After(payments[j].CreatedAt) })
	return payments, nil
}

type inventoryRepo struct{ s *Store }

func (r inventoryRepo) FindProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	defer r.s.lock(ctx)()
	found := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		product, ok := r.s.products[id]
		if !ok {
			return nil, repositories.NewInventoryError(repositories.InventoryErrorProductNotFound, "product "+id+" not found", nil)
		}
		found[id] = product
	}
	return found, nil
}

func (r inventoryRepo) CheckAndDecrement(ctx context.Context, lines []domain.StockLine) error {
	defer r.s.lock(ctx)()
	requested, err := r.collect(lines)
	if err != nil {
		return err
	}
	for id, qty := range requested {
		product := r.s.products[id]
		if product.Stock < qty {
			return repositories.NewInsufficientStockError(id, product.Name, product.Stock, qty)
		}
	}
	for id, qty := range requested {
		product := r.s.products[id]
		product.Stock -= qty
		r.s.products[id] = product
	}
	return nil
}

func (r inventoryRepo) Increment(ctx context.Context, lines []domain.StockLine) error {
	defer r.s.lock(ctx)()
	requested, err := r.collect(lines)
	if err != nil {
		return err
	}
	for id, qty := range requested {
		product := r.s.products[id]
		product.Stock += qty
		r.s.products[id] = product
	}
	return nil
}

// collect sums quantities per product and verifies every product exists.
func (r inventoryRepo) collect(lines []domain.StockLine) (map[string]int, error) {
	requested := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, repositories.NewInventoryError(repositories.InventoryErrorInvalidQuantity, "quantity for "+line.ProductID+" must be > 0", nil)
		}
		if _, ok := r.s.products[line.ProductID]; !ok {
			return nil, repositories.NewInventoryError(repositories.InventoryErrorProductNotFound, "product "+line.ProductID+" not found", nil)
		}
		requested[line.ProductID] += line.Quantity
	}
	return requested, nil
}

type cartRepo struct{ s *Store }

func (r cartRepo) Get(ctx context.Context, userID string) (domain.Cart, error) {
	defer r.s.lock(ctx)()
	cart, ok := r.s.carts[userID]
	if !ok {
		return domain.Cart{UserID: userID}, nil
	}
	return cloneCart(cart), nil
}

func (r cartRepo) Clear(ctx context.Context, userID string) error {
	defer r.s.lock(ctx)()
	delete(r.s.carts, userID)
	return nil
}

type userRepo struct{ s *Store }

func (r userRepo) FindByID(ctx context.Context, userID string) (domain.User, error) {
	defer r.s.lock(ctx)()
	user, ok := r.s.users[userID]
	if !ok {
		return domain.User{}, repositories.NewNotFoundError("users.get", "user "+userID+" not found")
	}
	return user, nil
}
