package firestore

import (
	"context"
	"errors"
	"strings"

	domain "github.com/shopvn/orderflow/internal/domain"
	pfirestore "github.com/shopvn/orderflow/internal/platform/firestore"
	"github.com/shopvn/orderflow/internal/repositories"
)

const cartCollection = "carts"

// CartRepository reads and clears the cart document owned by the storefront's cart service.
type CartRepository struct {
	base *pfirestore.Collection[cartDocument]
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		base: pfirestore.NewCollection[cartDocument](provider, cartCollection),
	}, nil
}

type cartDocument struct {
	Items []cartItemDocument `firestore:"items"`
}

type cartItemDocument struct {
	ProductID string `firestore:"productId"`
	Quantity  int    `firestore:"quantity"`
}

// Get returns the user's cart; a missing document is an empty cart.
func (r *CartRepository) Get(ctx context.Context, userID string) (domain.Cart, error) {
	userID = strings.TrimSpace(userID)
	doc, err := r.base.Get(ctx, userID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Cart{UserID: userID}, nil
		}
		return domain.Cart{}, err
	}
	cart := domain.Cart{UserID: userID, Items: make([]domain.CartItem, 0, len(doc.Data.Items))}
	for _, item := range doc.Data.Items {
		cart.Items = append(cart.Items, domain.CartItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return cart, nil
}

func (r *CartRepository) Clear(ctx context.Context, userID string) error {
	return r.base.Delete(ctx, strings.TrimSpace(userID))
}
