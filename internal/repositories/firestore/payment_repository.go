package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/shopvn/orderflow/internal/domain"
	pfirestore "github.com/shopvn/orderflow/internal/platform/firestore"
	"github.com/shopvn/orderflow/internal/repositories"
)

const paymentCollection = "payments"

// PaymentRepository stores payment attempts keyed by txnRef.
type PaymentRepository struct {
	base *pfirestore.Collection[paymentDocument]
}

var _ repositories.PaymentRepository = (*PaymentRepository)(nil)

// NewPaymentRepository constructs a Firestore-backed payment repository.
func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository requires firestore provider")
	}
	return &PaymentRepository{
		base: pfirestore.NewCollection[paymentDocument](provider, paymentCollection),
	}, nil
}

type paymentDocument struct {
	PaymentID         string     `firestore:"paymentId"`
	OrderID           string     `firestore:"orderId,omitempty"`
	UserID            string     `firestore:"userId"`
	Amount            int64      `firestore:"amount"`
	OrderInfo         string     `firestore:"orderInfo"`
	Status            string     `firestore:"status"`
	ResponseCode      string     `firestore:"responseCode,omitempty"`
	TransactionStatus string     `firestore:"transactionStatus,omitempty"`
	TransactionNo     string     `firestore:"transactionNo,omitempty"`
	BankCode          string     `firestore:"bankCode,omitempty"`
	PaymentMethod     string     `firestore:"paymentMethod,omitempty"`
	CreatedAt         time.Time  `firestore:"createdAt"`
	UpdatedAt         time.Time  `firestore:"updatedAt"`
	PaidAt            *time.Time `firestore:"paidAt,omitempty"`
}

func (r *PaymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	if strings.TrimSpace(payment.TxnRef) == "" {
		return errors.New("payment repository: txnRef is required")
	}
	return r.base.Create(ctx, payment.TxnRef, fromDomainPayment(payment))
}

func (r *PaymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	return r.base.Replace(ctx, payment.TxnRef, fromDomainPayment(payment))
}

func (r *PaymentRepository) FindByTxnRef(ctx context.Context, txnRef string) (domain.Payment, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(txnRef))
	if err != nil {
		return domain.Payment{}, err
	}
	return toDomainPayment(doc.ID, doc.Data), nil
}

func (r *PaymentRepository) ListByUser(ctx context.Context, userID string) ([]domain.Payment, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", userID).OrderBy("createdAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	payments := make([]domain.Payment, 0, len(docs))
	for _, doc := range docs {
		payments = append(payments, toDomainPayment(doc.ID, doc.Data))
	}
	return payments, nil
}

func fromDomainPayment(payment domain.Payment) paymentDocument {
	return paymentDocument{
		PaymentID:         payment.ID,
		OrderID:           payment.OrderID,
		UserID:            payment.UserID,
		Amount:            payment.Amount,
		OrderInfo:         payment.OrderInfo,
		Status:            string(payment.Status),
		ResponseCode:      payment.ResponseCode,
		TransactionStatus: payment.TransactionStatus,
		TransactionNo:     payment.TransactionNo,
		BankCode:          payment.BankCode,
		PaymentMethod:     payment.PaymentMethod,
		CreatedAt:         payment.CreatedAt.UTC(),
		UpdatedAt:         payment.UpdatedAt.UTC(),
		PaidAt:            utcPtr(payment.PaidAt),
	}
}

func toDomainPayment(txnRef string, doc paymentDocument) domain.Payment {
	return domain.Payment{
		ID:                doc.PaymentID,
		TxnRef:            txnRef,
		OrderID:           doc.OrderID,
		UserID:            doc.UserID,
		Amount:            doc.Amount,
		OrderInfo:         doc.OrderInfo,
		Status:            domain.PaymentState(doc.Status),
		ResponseCode:      doc.ResponseCode,
		TransactionStatus: doc.TransactionStatus,
		TransactionNo:     doc.TransactionNo,
		BankCode:          doc.BankCode,
		PaymentMethod:     doc.PaymentMethod,
		CreatedAt:         doc.CreatedAt.UTC(),
		UpdatedAt:         doc.UpdatedAt.UTC(),
		PaidAt:            utcPtr(doc.PaidAt),
	}
}
