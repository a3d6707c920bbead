package firestore

import (
	"context"
	"errors"
	"strings"

	domain "github.com/shopvn/orderflow/internal/domain"
	pfirestore "github.com/shopvn/orderflow/internal/platform/firestore"
	"github.com/shopvn/orderflow/internal/repositories"
)

const userCollection = "users"

// UserRepository reads user profiles for order contact defaults.
type UserRepository struct {
	base *pfirestore.Collection[userDocument]
}

var _ repositories.UserRepository = (*UserRepository)(nil)

// NewUserRepository constructs a Firestore-backed user repository.
func NewUserRepository(provider *pfirestore.Provider) (*UserRepository, error) {
	if provider == nil {
		return nil, errors.New("user repository requires firestore provider")
	}
	return &UserRepository{
		base: pfirestore.NewCollection[userDocument](provider, userCollection),
	}, nil
}

type userDocument struct {
	Username string `firestore:"username"`
	FullName string `firestore:"fullName,omitempty"`
	Email    string `firestore:"email,omitempty"`
	Phone    string `firestore:"phone,omitempty"`
	Address  string `firestore:"address,omitempty"`
}

func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.User, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(userID))
	if err != nil {
		return domain.User{}, err
	}
	return domain.User{
		ID:       doc.ID,
		Username: doc.Data.Username,
		FullName: doc.Data.FullName,
		Email:    doc.Data.Email,
		Phone:    doc.Data.Phone,
		Address:  doc.Data.Address,
	}, nil
}
