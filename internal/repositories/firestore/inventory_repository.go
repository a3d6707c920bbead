package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/shopvn/orderflow/internal/domain"
	pfirestore "github.com/shopvn/orderflow/internal/platform/firestore"
	"github.com/shopvn/orderflow/internal/repositories"
)

const (
	productCollection = "products"

	// Popular products see many concurrent checkouts, so stock transactions retry longer
	// than the default before giving up.
	stockTxAttempts = 10
)

// InventoryRepository mutates Product.stock inside Firestore transactions. Every product is
// read before any write, as Firestore transactions require.
type InventoryRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.Collection[productDocument]
	now      func() time.Time
}

var _ repositories.InventoryRepository = (*InventoryRepository)(nil)

// NewInventoryRepository constructs a Firestore-backed inventory repository.
func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	return &InventoryRepository{
		provider: provider,
		products: pfirestore.NewCollection[productDocument](provider, productCollection),
		now:      time.Now,
	}, nil
}

type productDocument struct {
	Name      string    `firestore:"name"`
	Price     int64     `firestore:"price"`
	Stock     int       `firestore:"stock"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (r *InventoryRepository) FindProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	ids := uniqueIDs(productIDs)
	docs, err := r.products.GetAll(ctx, ids)
	if err != nil {
		return nil, wrapInventoryError("inventory.findProducts", err)
	}
	products := make(map[string]domain.Product, len(docs))
	for _, id := range ids {
		doc, ok := docs[id]
		if !ok {
			return nil, repositories.NewInventoryError(repositories.InventoryErrorProductNotFound, fmt.Sprintf("product %s not found", id), nil)
		}
		products[id] = toDomainProduct(id, doc.Data)
	}
	return products, nil
}

func (r *InventoryRepository) CheckAndDecrement(ctx context.Context, lines []domain.StockLine) error {
	return r.apply(ctx, "inventory.checkAndDecrement", lines, -1)
}

func (r *InventoryRepository) Increment(ctx context.Context, lines []domain.StockLine) error {
	return r.apply(ctx, "inventory.increment", lines, 1)
}

func (r *InventoryRepository) apply(ctx context.Context, op string, lines []domain.StockLine, sign int) error {
	requested, ids, err := sumLines(lines)
	if err != nil {
		return err
	}
	err = r.provider.RunInTx(ctx, func(ctx context.Context) error {
		docs, err := r.products.GetAll(ctx, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			doc, ok := docs[id]
			if !ok {
				return repositories.NewInventoryError(repositories.InventoryErrorProductNotFound, fmt.Sprintf("product %s not found", id), nil)
			}
			if sign < 0 && doc.Data.Stock < requested[id] {
				return repositories.NewInsufficientStockError(id, doc.Data.Name, doc.Data.Stock, requested[id])
			}
		}
		now := r.now().UTC()
		for _, id := range ids {
			product := docs[id].Data
			product.Stock += sign * requested[id]
			product.UpdatedAt = now
			if err := r.products.Set(ctx, id, product); err != nil {
				return err
			}
		}
		return nil
	}, pfirestore.WithTxAttempts(stockTxAttempts))
	return wrapInventoryError(op, err)
}

func sumLines(lines []domain.StockLine) (map[string]int, []string, error) {
	requested := make(map[string]int, len(lines))
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		id := strings.TrimSpace(line.ProductID)
		if id == "" {
			return nil, nil, repositories.NewInventoryError(repositories.InventoryErrorProductNotFound, "product id is required", nil)
		}
		if line.Quantity <= 0 {
			return nil, nil, repositories.NewInventoryError(repositories.InventoryErrorInvalidQuantity, fmt.Sprintf("quantity for %s must be > 0", id), nil)
		}
		if _, seen := requested[id]; !seen {
			ids = append(ids, id)
		}
		requested[id] += line.Quantity
	}
	return requested, ids, nil
}

func uniqueIDs(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func toDomainProduct(id string, doc productDocument) domain.Product {
	return domain.Product{
		ID:        id,
		Name:      doc.Name,
		Price:     doc.Price,
		Stock:     doc.Stock,
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
}

func wrapInventoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	if invErr, ok := repositories.AsInventoryError(err); ok {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	return err
}
