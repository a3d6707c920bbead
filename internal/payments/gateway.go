package payments

import (
	"errors"
	"net/url"
	"time"
)

const (
	// ResponseCodeSuccess is the gateway code for an approved transaction.
	ResponseCodeSuccess = "00"
)

var (
	// ErrSignatureMismatch indicates the returned parameters were not signed with our secret.
	ErrSignatureMismatch = errors.New("payments: signature mismatch")
	// ErrMissingTxnRef indicates the return payload carried no transaction reference.
	ErrMissingTxnRef = errors.New("payments: txn ref missing")
)

// PaymentRequest captures the data needed to build a signed redirect to the gateway.
type PaymentRequest struct {
	TxnRef    string
	Amount    int64
	OrderInfo string
	ClientIP  string
	BankCode  string
	CreatedAt time.Time
}

// Redirect is the signed gateway URL returned to the customer.
type Redirect struct {
	URL       string
	TxnRef    string
	ExpiresAt time.Time
}

// ReturnResult normalises the parameters the gateway echoes back after payment.
type ReturnResult struct {
	TxnRef            string
	Amount            int64
	ResponseCode      string
	TransactionStatus string
	TransactionNo     string
	BankCode          string
	CardType          string
	// PayDate is the gateway's settlement time; zero when absent or unparseable.
	PayDate time.Time
}

// Succeeded reports whether both the response code and the transaction status signal success.
func (r ReturnResult) Succeeded() bool {
	return r.ResponseCode == ResponseCodeSuccess && r.TransactionStatus == ResponseCodeSuccess
}

// Gateway defines the contract for redirect-based payment gateways.
type Gateway interface {
	BuildPaymentURL(req PaymentRequest) (Redirect, error)
	// VerifyReturn checks the signature and parses the echoed fields. It returns
	// ErrSignatureMismatch when the payload was tampered with.
	VerifyReturn(params url.Values) (ReturnResult, error)
}
