package payments

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopvn/orderflow/internal/platform/textutil"
)

const (
	vnpVersion      = "2.1.0"
	vnpCommandPay   = "pay"
	vnpCurrency     = "VND"
	vnpOrderType    = "100000"
	vnpLocale       = "vn"
	vnpDateLayout   = "20060102150405"
	vnpParamPrefix  = "vnp_"
	vnpSecureHash   = "vnp_SecureHash"
	vnpSecureHashTy = "vnp_SecureHashType"

	// DefaultVNPayExpiry is the window the gateway keeps a payment URL valid.
	DefaultVNPayExpiry = 15 * time.Minute
	// DefaultVNPaySandboxURL is the public sandbox endpoint.
	DefaultVNPaySandboxURL = "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"
)

// vnpLocation is Indochina Time. The gateway interprets create and expire dates in it.
var vnpLocation = time.FixedZone("ICT", 7*60*60)

// formEncoding mirrors application/x-www-form-urlencoded as the gateway computes it:
// '~' is escaped and '*' is left literal.
var formEncoding = strings.NewReplacer("~", "%7E", "%2A", "*")

// VNPayConfig configures the VNPay gateway adapter.
type VNPayConfig struct {
	TmnCode    string
	HashSecret string
	PayURL     string
	ReturnURL  string
	Expiry     time.Duration
	Clock      func() time.Time
}

// VNPay implements Gateway for the VNPay redirect protocol (version 2.1.0).
type VNPay struct {
	tmnCode   string
	secret    []byte
	payURL    string
	returnURL string
	expiry    time.Duration
	clock     func() time.Time
}

var _ Gateway = (*VNPay)(nil)

// NewVNPay constructs the adapter.
func NewVNPay(cfg VNPayConfig) (*VNPay, error) {
	tmnCode := strings.TrimSpace(cfg.TmnCode)
	if tmnCode == "" {
		return nil, errors.New("vnpay: tmn code is required")
	}
	if cfg.HashSecret == "" {
		return nil, errors.New("vnpay: hash secret is required")
	}
	returnURL := strings.TrimSpace(cfg.ReturnURL)
	if returnURL == "" {
		return nil, errors.New("vnpay: return url is required")
	}
	payURL := strings.TrimSpace(cfg.PayURL)
	if payURL == "" {
		payURL = DefaultVNPaySandboxURL
	}
	if _, err := url.Parse(payURL); err != nil {
		return nil, fmt.Errorf("vnpay: invalid pay url: %w", err)
	}
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = DefaultVNPayExpiry
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &VNPay{
		tmnCode:   tmnCode,
		secret:    []byte(cfg.HashSecret),
		payURL:    payURL,
		returnURL: returnURL,
		expiry:    expiry,
		clock:     clock,
	}, nil
}

// BuildPaymentURL returns the signed redirect for the request. Amounts are whole VND and are
// sent in minor units (x100) as the gateway expects.
func (v *VNPay) BuildPaymentURL(req PaymentRequest) (Redirect, error) {
	txnRef := strings.TrimSpace(req.TxnRef)
	if txnRef == "" {
		return Redirect{}, errors.New("vnpay: txn ref is required")
	}
	if req.Amount <= 0 {
		return Redirect{}, errors.New("vnpay: amount must be positive")
	}

	created := req.CreatedAt
	if created.IsZero() {
		created = v.clock()
	}
	created = created.In(vnpLocation)
	expires := created.Add(v.expiry)

	clientIP := strings.TrimSpace(req.ClientIP)
	if clientIP == "" {
		clientIP = "127.0.0.1"
	}

	params := map[string]string{
		"vnp_Version":    vnpVersion,
		"vnp_Command":    vnpCommandPay,
		"vnp_TmnCode":    v.tmnCode,
		"vnp_Amount":     strconv.FormatInt(req.Amount*100, 10),
		"vnp_CurrCode":   vnpCurrency,
		"vnp_TxnRef":     txnRef,
		"vnp_OrderInfo":  textutil.FoldASCII(req.OrderInfo),
		"vnp_OrderType":  vnpOrderType,
		"vnp_Locale":     vnpLocale,
		"vnp_ReturnUrl":  v.returnURL,
		"vnp_IpAddr":     clientIP,
		"vnp_CreateDate": created.Format(vnpDateLayout),
		"vnp_ExpireDate": expires.Format(vnpDateLayout),
		"vnp_BankCode":   strings.TrimSpace(req.BankCode),
	}

	keys := signedKeys(params)
	query := make([]string, 0, len(keys)+1)
	for _, key := range keys {
		query = append(query, encodeValue(key)+"="+encodeValue(params[key]))
	}
	query = append(query, vnpSecureHash+"="+v.Sign(params))

	return Redirect{
		URL:       v.payURL + "?" + strings.Join(query, "&"),
		TxnRef:    txnRef,
		ExpiresAt: expires.UTC(),
	}, nil
}

// VerifyReturn recomputes the signature over the returned vnp_* parameters and parses the
// echoed transaction fields.
func (v *VNPay) VerifyReturn(params url.Values) (ReturnResult, error) {
	supplied := strings.ToLower(strings.TrimSpace(params.Get(vnpSecureHash)))
	if supplied == "" {
		return ReturnResult{}, ErrSignatureMismatch
	}

	fields := make(map[string]string, len(params))
	for key := range params {
		if key == vnpSecureHash || key == vnpSecureHashTy {
			continue
		}
		fields[key] = params.Get(key)
	}
	expected := v.Sign(fields)
	if !hmac.Equal([]byte(expected), []byte(supplied)) {
		return ReturnResult{}, ErrSignatureMismatch
	}

	result := ReturnResult{
		TxnRef:            strings.TrimSpace(fields["vnp_TxnRef"]),
		ResponseCode:      fields["vnp_ResponseCode"],
		TransactionStatus: fields["vnp_TransactionStatus"],
		TransactionNo:     fields["vnp_TransactionNo"],
		BankCode:          fields["vnp_BankCode"],
		CardType:          fields["vnp_CardType"],
	}
	if raw := strings.TrimSpace(fields["vnp_PayDate"]); raw != "" {
		if paid, err := time.ParseInLocation(vnpDateLayout, raw, vnpLocation); err == nil {
			result.PayDate = paid
		}
	}
	if result.TxnRef == "" {
		return ReturnResult{}, ErrMissingTxnRef
	}
	if raw := fields["vnp_Amount"]; raw != "" {
		minor, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return ReturnResult{}, fmt.Errorf("vnpay: invalid amount %q: %w", raw, err)
		}
		result.Amount = minor / 100
	}
	return result, nil
}

// Sign returns the lowercase hex HMAC-SHA512 of the canonical string built from params.
// Hash fields, non vnp_ keys and empty values are ignored.
func (v *VNPay) Sign(params map[string]string) string {
	mac := hmac.New(sha512.New, v.secret)
	mac.Write([]byte(canonicalString(params)))
	return hex.EncodeToString(mac.Sum(nil))
}

func canonicalString(params map[string]string) string {
	keys := signedKeys(params)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+encodeValue(params[key]))
	}
	return strings.Join(pairs, "&")
}

func signedKeys(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for key, value := range params {
		if !strings.HasPrefix(key, vnpParamPrefix) || value == "" {
			continue
		}
		if key == vnpSecureHash || key == vnpSecureHashTy {
			continue
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func encodeValue(value string) string {
	return formEncoding.Replace(url.QueryEscape(value))
}
