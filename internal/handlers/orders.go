package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/shopvn/orderflow/internal/domain"
	"github.com/shopvn/orderflow/internal/platform/auth"
	"github.com/shopvn/orderflow/internal/platform/httpx"
	"github.com/shopvn/orderflow/internal/platform/pagination"
	"github.com/shopvn/orderflow/internal/services"
)

const maxOrderBodySize = 16 * 1024

type shippingInfoRequest struct {
	ShippingAddress string `json:"shippingAddress"`
	BillingAddress  string `json:"billingAddress"`
	Phone           string `json:"phone"`
	CustomerName    string `json:"customerName"`
	Email           string `json:"email"`
	Notes           string `json:"notes"`
	PaymentMethod   string `json:"paymentMethod"`
	ShippingFee     int64  `json:"shippingFee"`
	DiscountAmount  int64  `json:"discountAmount"`
	TaxAmount       int64  `json:"taxAmount"`
}

func (r shippingInfoRequest) toShippingInfo() services.ShippingInfo {
	return services.ShippingInfo{
		ShippingAddress: strings.TrimSpace(r.ShippingAddress),
		BillingAddress:  strings.TrimSpace(r.BillingAddress),
		Phone:           strings.TrimSpace(r.Phone),
		CustomerName:    strings.TrimSpace(r.CustomerName),
		Email:           strings.TrimSpace(r.Email),
		Notes:           r.Notes,
		PaymentMethod:   strings.TrimSpace(r.PaymentMethod),
		ShippingFee:     r.ShippingFee,
		DiscountAmount:  r.DiscountAmount,
		TaxAmount:       r.TaxAmount,
	}
}

type directOrderRequest struct {
	shippingInfoRequest
	Items []directOrderItemRequest `json:"items"`
}

type directOrderItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// HandlerOption customises a handler group.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	authenticated []func(http.Handler) http.Handler
}

// WithAuthenticatedMiddlewares adds middleware that runs after authentication, such as the
// idempotency guard that scopes keys to the caller.
func WithAuthenticatedMiddlewares(mw ...func(http.Handler) http.Handler) HandlerOption {
	return func(cfg *handlerConfig) {
		cfg.authenticated = append(cfg.authenticated, mw...)
	}
}

func newHandlerConfig(opts []HandlerOption) handlerConfig {
	var cfg handlerConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

func (cfg handlerConfig) use(r chi.Router, authn *auth.Authenticator, roles ...string) {
	if authn != nil {
		r.Use(authn.RequireAuth(roles...))
	}
	for _, mw := range cfg.authenticated {
		if mw != nil {
			r.Use(mw)
		}
	}
}

// OrderHandlers exposes the customer facing order endpoints.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
	cfg    handlerConfig
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...HandlerOption) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
		cfg:    newHandlerConfig(opts),
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	h.cfg.use(r, h.authn)
	r.Get("/", h.listOrders)
	r.Post("/", h.createFromCart)
	r.Post("/direct", h.createDirect)
	r.Get("/number/{orderNumber}", h.getOrderByNumber)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/status", h.statusDetail)
	r.Get("/{orderID}/transitions", h.availableTransitions)
	r.Post("/{orderID}/cancel", h.cancelOrder)
}

func (h *OrderHandlers) createFromCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok || !h.available(w, r) {
		return
	}

	var req shippingInfoRequest
	if err := httpx.DecodeJSON(r, maxOrderBodySize, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}

	order, err := h.orders.CreateFromCart(ctx, services.CreateOrderFromCartCommand{
		UserID:   identity.UserID,
		Shipping: req.toShippingInfo(),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) createDirect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok || !h.available(w, r) {
		return
	}

	var req directOrderRequest
	if err := httpx.DecodeJSON(r, maxOrderBodySize, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}

	items := make([]services.OrderItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.OrderItemInput{
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
		})
	}

	order, err := h.orders.CreateDirect(ctx, services.CreateDirectOrderCommand{
		UserID:   identity.UserID,
		Items:    items,
		Shipping: req.toShippingInfo(),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok || !h.available(w, r) {
		return
	}

	filter, ok := parseOrderListFilter(w, r)
	if !ok {
		return
	}
	filter.UserID = identity.UserID

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOwnedOrder(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrderByNumber(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok || !h.available(w, r) {
		return
	}

	order, err := h.orders.GetOrderByNumber(ctx, chi.URLParam(r, "orderNumber"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if !canViewOrder(identity, order) {
		writeOrderNotFound(ctx, w)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) statusDetail(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOwnedOrder(w, r)
	if !ok {
		return
	}
	detail, err := h.orders.StatusDetail(r.Context(), order.ID)
	if err != nil {
		writeOrderError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildStatusDetailPayload(detail))
}

func (h *OrderHandlers) availableTransitions(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOwnedOrder(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildTransitionsResponse(order))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok || !h.available(w, r) {
		return
	}

	var req cancelOrderRequest
	if err := httpx.DecodeJSON(r, maxOrderBodySize, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID:      chi.URLParam(r, "orderID"),
		ActorID:      identity.UserID,
		ActorIsStaff: identity.IsStaff(),
		Reason:       req.Reason,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

// loadOwnedOrder answers 404 for orders owned by someone else so ids cannot be enumerated.
func (h *OrderHandlers) loadOwnedOrder(w http.ResponseWriter, r *http.Request) (services.Order, bool) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok || !h.available(w, r) {
		return services.Order{}, false
	}

	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return services.Order{}, false
	}
	if !canViewOrder(identity, order) {
		writeOrderNotFound(ctx, w)
		return services.Order{}, false
	}
	return order, true
}

func (h *OrderHandlers) available(w http.ResponseWriter, r *http.Request) bool {
	if h.orders == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func canViewOrder(identity *auth.Identity, order services.Order) bool {
	return identity.CanAccess(order.UserID)
}

func requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.UserID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func parseOrderListFilter(w http.ResponseWriter, r *http.Request) (services.OrderListFilter, bool) {
	params, err := pagination.FromRequest(r)
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return services.OrderListFilter{}, false
	}
	filter := services.OrderListFilter{
		PageSize:  params.PageSize,
		PageToken: params.PageToken,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, ok := parseOrderStatus(raw)
		if !ok {
			httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
			return services.OrderListFilter{}, false
		}
		filter.Status = status
	}
	return filter, true
}

func parseOrderStatus(raw string) (services.OrderStatus, bool) {
	status := domain.OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", false
	}
	return status, true
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"nextPageToken,omitempty"`
}

type orderSummaryPayload struct {
	ID            string `json:"id"`
	OrderNumber   string `json:"orderNumber"`
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
	TotalAmount   int64  `json:"totalAmount"`
	CreatedAt     string `json:"createdAt"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID                 string             `json:"id"`
	OrderNumber        string             `json:"orderNumber"`
	UserID             string             `json:"userId"`
	Status             string             `json:"status"`
	StatusDisplayName  string             `json:"statusDisplayName"`
	PaymentStatus      string             `json:"paymentStatus"`
	PaymentMethod      string             `json:"paymentMethod,omitempty"`
	PaymentTxnRef      string             `json:"paymentTxnRef,omitempty"`
	Subtotal           int64              `json:"subtotal"`
	ShippingFee        int64              `json:"shippingFee"`
	DiscountAmount     int64              `json:"discountAmount"`
	TaxAmount          int64              `json:"taxAmount"`
	TotalAmount        int64              `json:"totalAmount"`
	ShippingAddress    string             `json:"shippingAddress,omitempty"`
	BillingAddress     string             `json:"billingAddress,omitempty"`
	Phone              string             `json:"phone,omitempty"`
	CustomerName       string             `json:"customerName,omitempty"`
	Email              string             `json:"email,omitempty"`
	Notes              string             `json:"notes,omitempty"`
	TrackingNumber     string             `json:"trackingNumber,omitempty"`
	CancellationReason string             `json:"cancellationReason,omitempty"`
	Items              []orderLinePayload `json:"items"`
	CreatedAt          string             `json:"createdAt"`
	UpdatedAt          string             `json:"updatedAt,omitempty"`
	ShippedAt          string             `json:"shippedDate,omitempty"`
	DeliveredAt        string             `json:"deliveredDate,omitempty"`
	CancelledAt        string             `json:"cancelledDate,omitempty"`
}

type orderLinePayload struct {
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unitPrice"`
	Subtotal    int64  `json:"subtotal"`
}

type statusOptionPayload struct {
	Status      string `json:"status"`
	DisplayName string `json:"displayName"`
}

type transitionsResponse struct {
	OrderID        string                `json:"orderId"`
	CurrentStatus  string                `json:"currentStatus"`
	Transitions    []statusOptionPayload `json:"transitions"`
	CanBeCancelled bool                  `json:"canBeCancelled"`
}

type statusDetailPayload struct {
	OrderID              string                `json:"orderId"`
	OrderNumber          string                `json:"orderNumber"`
	Status               string                `json:"status"`
	StatusDisplayName    string                `json:"statusDisplayName"`
	PaymentStatus        string                `json:"paymentStatus"`
	PaymentDisplayName   string                `json:"paymentStatusDisplayName"`
	TrackingNumber       string                `json:"trackingNumber,omitempty"`
	AvailableTransitions []statusOptionPayload `json:"availableTransitions"`
	CanBeCancelled       bool                  `json:"canBeCancelled"`
	CreatedAt            string                `json:"createdAt"`
	LastUpdated          string                `json:"lastUpdated,omitempty"`
	ShippedAt            string                `json:"shippedDate,omitempty"`
	DeliveredAt          string                `json:"deliveredDate,omitempty"`
	CancelledAt          string                `json:"cancelledDate,omitempty"`
}

func buildOrderListResponse(page domain.CursorPage[services.Order]) orderListResponse {
	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, orderSummaryPayload{
			ID:            order.ID,
			OrderNumber:   order.OrderNumber,
			Status:        string(order.Status),
			PaymentStatus: string(order.PaymentStatus),
			TotalAmount:   order.TotalAmount,
			CreatedAt:     formatTime(order.CreatedAt),
		})
	}
	return orderListResponse{Items: items, NextPageToken: page.NextPageToken}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:                 order.ID,
		OrderNumber:        order.OrderNumber,
		UserID:             order.UserID,
		Status:             string(order.Status),
		StatusDisplayName:  order.Status.DisplayName(),
		PaymentStatus:      string(order.PaymentStatus),
		PaymentMethod:      order.PaymentMethod,
		PaymentTxnRef:      order.PaymentTxnRef,
		Subtotal:           order.Subtotal,
		ShippingFee:        order.ShippingFee,
		DiscountAmount:     order.DiscountAmount,
		TaxAmount:          order.TaxAmount,
		TotalAmount:        order.TotalAmount,
		ShippingAddress:    order.ShippingAddress,
		BillingAddress:     order.BillingAddress,
		Phone:              order.Phone,
		CustomerName:       order.CustomerName,
		Email:              order.Email,
		Notes:              order.Notes,
		TrackingNumber:     order.TrackingNumber,
		CancellationReason: order.CancellationReason,
		Items:              make([]orderLinePayload, 0, len(order.Lines)),
		CreatedAt:          formatTime(order.CreatedAt),
		UpdatedAt:          formatTime(order.UpdatedAt),
		ShippedAt:          formatTime(pointerTime(order.ShippedAt)),
		DeliveredAt:        formatTime(pointerTime(order.DeliveredAt)),
		CancelledAt:        formatTime(pointerTime(order.CancelledAt)),
	}
	for _, line := range order.Lines {
		payload.Items = append(payload.Items, orderLinePayload{
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Subtotal:    line.Subtotal,
		})
	}
	return payload
}

func buildStatusOptions(statuses []services.OrderStatus) []statusOptionPayload {
	options := make([]statusOptionPayload, 0, len(statuses))
	for _, status := range statuses {
		options = append(options, statusOptionPayload{Status: string(status), DisplayName: status.DisplayName()})
	}
	return options
}

func buildTransitionsResponse(order services.Order) transitionsResponse {
	return transitionsResponse{
		OrderID:        order.ID,
		CurrentStatus:  string(order.Status),
		Transitions:    buildStatusOptions(services.AvailableTransitions(order.Status)),
		CanBeCancelled: services.CanBeCancelled(order),
	}
}

func buildStatusDetailPayload(detail services.OrderStatusDetail) statusDetailPayload {
	options := make([]statusOptionPayload, 0, len(detail.AvailableTransitions))
	for _, option := range detail.AvailableTransitions {
		options = append(options, statusOptionPayload{Status: string(option.Status), DisplayName: option.DisplayName})
	}
	return statusDetailPayload{
		OrderID:              detail.OrderID,
		OrderNumber:          detail.OrderNumber,
		Status:               string(detail.Status),
		StatusDisplayName:    detail.StatusDisplayName,
		PaymentStatus:        string(detail.PaymentStatus),
		PaymentDisplayName:   detail.PaymentDisplayName,
		TrackingNumber:       detail.TrackingNumber,
		AvailableTransitions: options,
		CanBeCancelled:       detail.CanBeCancelled,
		CreatedAt:            formatTime(detail.CreatedAt),
		LastUpdated:          formatTime(detail.UpdatedAt),
		ShippedAt:            formatTime(pointerTime(detail.ShippedAt)),
		DeliveredAt:          formatTime(pointerTime(detail.DeliveredAt)),
		CancelledAt:          formatTime(pointerTime(detail.CancelledAt)),
	}
}

func writeOrderNotFound(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var transitionErr *services.InvalidTransitionError
	var stockErr *services.InsufficientStockError
	switch {
	case errors.As(err, &transitionErr):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict).WithDetails(map[string]any{
			"currentStatus": string(transitionErr.Current),
			"targetStatus":  string(transitionErr.Target),
			"orderNumber":   transitionErr.OrderNumber,
		}))
	case errors.As(err, &stockErr):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict).WithDetails(map[string]any{
			"productId":   stockErr.ProductID,
			"productName": stockErr.ProductName,
			"available":   stockErr.Available,
			"requested":   stockErr.Requested,
		}))
	case errors.Is(err, services.ErrEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("empty_cart", "cart is empty", http.StatusBadRequest))
	case errors.Is(err, services.ErrProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound), errors.Is(err, services.ErrOrderForbidden):
		writeOrderNotFound(ctx, w)
	case errors.Is(err, services.ErrOrderNotCancellable):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_cancellable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func pointerTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
