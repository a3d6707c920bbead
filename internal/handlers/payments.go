package handlers

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/shopvn/orderflow/internal/platform/auth"
	"github.com/shopvn/orderflow/internal/platform/httpx"
	"github.com/shopvn/orderflow/internal/platform/requestctx"
	"github.com/shopvn/orderflow/internal/services"
)

const (
	maxPaymentBodySize = 4 * 1024
	paymentResultPath  = "/payment/result"
)

type createPaymentRequest struct {
	Amount    int64  `json:"amount"`
	OrderID   string `json:"orderId"`
	OrderInfo string `json:"orderInfo"`
	BankCode  string `json:"bankCode"`
}

// PaymentHandlers exposes payment creation, the gateway return and payment lookups.
type PaymentHandlers struct {
	authn     *auth.Authenticator
	payments  services.PaymentService
	resultURL string
	cfg       handlerConfig
}

// NewPaymentHandlers constructs the payment handlers. resultURL is the front-end origin the
// gateway return is redirected to.
func NewPaymentHandlers(authn *auth.Authenticator, payments services.PaymentService, resultURL string, opts ...HandlerOption) *PaymentHandlers {
	return &PaymentHandlers{
		authn:     authn,
		payments:  payments,
		resultURL: strings.TrimRight(strings.TrimSpace(resultURL), "/"),
		cfg:       newHandlerConfig(opts),
	}
}

// Routes registers the /payments endpoints. The gateway return is unauthenticated; its
// integrity comes from the signature.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/return", h.processReturn)
	r.Group(func(pr chi.Router) {
		h.cfg.use(pr, h.authn)
		pr.Get("/", h.listPayments)
		pr.Post("/create", h.createPayment)
		pr.Get("/vnpay", h.createPaymentLegacy)
		pr.Get("/status/{txnRef}", h.getPayment)
	})
}

func (h *PaymentHandlers) createPayment(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok || !h.available(w, r) {
		return
	}

	var req createPaymentRequest
	if err := httpx.DecodeJSON(r, maxPaymentBodySize, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}

	h.issue(w, r, services.CreatePaymentCommand{
		UserID:    identity.UserID,
		OrderID:   strings.TrimSpace(req.OrderID),
		Amount:    req.Amount,
		OrderInfo: req.OrderInfo,
		BankCode:  strings.TrimSpace(req.BankCode),
		ClientIP:  clientIP(r),
	})
}

// createPaymentLegacy accepts amount and orderId as query parameters for older clients.
func (h *PaymentHandlers) createPaymentLegacy(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok || !h.available(w, r) {
		return
	}

	query := r.URL.Query()
	amount, err := strconv.ParseInt(strings.TrimSpace(query.Get("amount")), 10, 64)
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "amount must be an integer", http.StatusBadRequest))
		return
	}

	h.issue(w, r, services.CreatePaymentCommand{
		UserID:   identity.UserID,
		OrderID:  strings.TrimSpace(query.Get("orderId")),
		Amount:   amount,
		BankCode: strings.TrimSpace(query.Get("bankCode")),
		ClientIP: clientIP(r),
	})
}

func (h *PaymentHandlers) issue(w http.ResponseWriter, r *http.Request, cmd services.CreatePaymentCommand) {
	redirect, err := h.payments.CreatePayment(r.Context(), cmd)
	if err != nil {
		writePaymentError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, paymentRedirectPayload{
		PaymentURL: redirect.PaymentURL,
		TxnRef:     redirect.TxnRef,
		ExpiresAt:  formatTime(redirect.ExpiresAt),
	})
}

// processReturn always answers with a redirect to the front-end result page.
func (h *PaymentHandlers) processReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx)
	if h.payments == nil {
		h.redirectResult(w, r, url.Values{"status": {"error"}, "message": {"Processing error"}})
		return
	}

	rec, err := h.payments.ProcessReturn(ctx, r.URL.Query())
	if err != nil {
		if errors.Is(err, services.ErrSignatureMismatch) {
			logger.Warn("payment return rejected", zap.String("txn_ref", r.URL.Query().Get("vnp_TxnRef")))
			h.redirectResult(w, r, url.Values{"status": {"error"}, "message": {"Invalid signature"}})
			return
		}
		if errors.Is(err, services.ErrPaymentAmountMismatch) {
			logger.Warn("payment return amount mismatch", zap.String("txn_ref", r.URL.Query().Get("vnp_TxnRef")), zap.Error(err))
			h.redirectResult(w, r, url.Values{"status": {"error"}, "message": {"Invalid amount"}})
			return
		}
		logger.Error("payment return failed", zap.Error(err))
		h.redirectResult(w, r, url.Values{"status": {"error"}, "message": {"Processing error"}})
		return
	}

	status := "failed"
	if rec.Succeeded() {
		status = "success"
	}
	h.redirectResult(w, r, url.Values{"status": {status}, "txnRef": {rec.Payment.TxnRef}})
}

func (h *PaymentHandlers) redirectResult(w http.ResponseWriter, r *http.Request, values url.Values) {
	target := h.resultURL + paymentResultPath + "?" + values.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *PaymentHandlers) getPayment(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok || !h.available(w, r) {
		return
	}

	payment, err := h.payments.GetByTxnRef(r.Context(), chi.URLParam(r, "txnRef"))
	if err != nil {
		writePaymentError(w, r, err)
		return
	}
	if !identity.CanAccess(payment.UserID) {
		httpx.WriteError(r.Context(), w, httpx.NewError("payment_not_found", "payment not found", http.StatusNotFound))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, paymentResponse{Payment: buildPaymentPayload(payment)})
}

func (h *PaymentHandlers) listPayments(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok || !h.available(w, r) {
		return
	}

	list, err := h.payments.ListByUser(r.Context(), identity.ScopeUserID(r.URL.Query().Get("userId")))
	if err != nil {
		writePaymentError(w, r, err)
		return
	}
	items := make([]paymentPayload, 0, len(list))
	for _, payment := range list {
		items = append(items, buildPaymentPayload(payment))
	}
	httpx.WriteJSON(w, http.StatusOK, paymentListResponse{Items: items})
}

func (h *PaymentHandlers) available(w http.ResponseWriter, r *http.Request) bool {
	if h.payments == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

type paymentRedirectPayload struct {
	PaymentURL string `json:"paymentUrl"`
	TxnRef     string `json:"txnRef"`
	ExpiresAt  string `json:"expiresAt"`
}

type paymentResponse struct {
	Payment paymentPayload `json:"payment"`
}

type paymentListResponse struct {
	Items []paymentPayload `json:"items"`
}

type paymentPayload struct {
	ID                string `json:"id"`
	TxnRef            string `json:"txnRef"`
	OrderID           string `json:"orderId,omitempty"`
	UserID            string `json:"userId"`
	Amount            int64  `json:"amount"`
	OrderInfo         string `json:"orderInfo"`
	Status            string `json:"status"`
	ResponseCode      string `json:"responseCode,omitempty"`
	TransactionStatus string `json:"transactionStatus,omitempty"`
	TransactionNo     string `json:"transactionNo,omitempty"`
	BankCode          string `json:"bankCode,omitempty"`
	PaymentMethod     string `json:"paymentMethod,omitempty"`
	CreatedAt         string `json:"createdDate"`
	PaidAt            string `json:"paymentDate,omitempty"`
}

func buildPaymentPayload(payment services.Payment) paymentPayload {
	return paymentPayload{
		ID:                payment.ID,
		TxnRef:            payment.TxnRef,
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
		CreatedAt:         formatTime(payment.CreatedAt),
		PaidAt:            formatTime(pointerTime(payment.PaidAt)),
	}
}

func writePaymentError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentNotFound), errors.Is(err, services.ErrUnknownTransaction):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", "payment not found", http.StatusNotFound))
	case errors.Is(err, services.ErrSignatureMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("signature_mismatch", "payment signature invalid", http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentAmountMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("amount_mismatch", "payment amount does not match", http.StatusConflict))
	case errors.Is(err, services.ErrOrderNotFound):
		writeOrderNotFound(ctx, w)
	default:
		requestctx.Logger(ctx).Error("payment request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("payment_error", "failed to process payment request", http.StatusInternalServerError))
	}
}

// clientIP prefers the address recorded by the request logger and falls back to RemoteAddr,
// which chi's RealIP middleware has already rewritten from X-Forwarded-For.
func clientIP(r *http.Request) string {
	if ip := requestctx.ClientIP(r.Context()); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
