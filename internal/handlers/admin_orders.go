package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/shopvn/orderflow/internal/platform/auth"
	"github.com/shopvn/orderflow/internal/platform/httpx"
	"github.com/shopvn/orderflow/internal/services"
)

type updateStatusRequest struct {
	Status         string `json:"status"`
	Reason         string `json:"reason"`
	ExpectedStatus string `json:"expectedStatus"`
}

type trackingRequest struct {
	TrackingNumber string `json:"trackingNumber"`
}

// AdminOrderHandlers exposes the staff order management endpoints.
type AdminOrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
	cfg    handlerConfig
}

// NewAdminOrderHandlers constructs the staff order handlers.
func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...HandlerOption) *AdminOrderHandlers {
	return &AdminOrderHandlers{authn: authn, orders: orders, cfg: newHandlerConfig(opts)}
}

// Routes registers the /admin/orders endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	h.cfg.use(r, h.authn, auth.RoleStaff, auth.RoleAdmin)
	r.Route("/orders", func(rt chi.Router) {
		rt.Get("/", h.listOrders)
		rt.Get("/statistics", h.statistics)
		rt.Get("/{orderID}", h.getOrder)
		rt.Get("/{orderID}/status", h.statusDetail)
		rt.Get("/{orderID}/transitions", h.availableTransitions)
		rt.Put("/{orderID}/status", h.updateStatus)
		rt.Put("/{orderID}/tracking", h.updateTracking)
		rt.Post("/{orderID}/confirm", h.action(services.OrderService.Confirm))
		rt.Post("/{orderID}/process", h.action(services.OrderService.Process))
		rt.Post("/{orderID}/deliver", h.action(services.OrderService.Deliver))
		rt.Post("/{orderID}/refund", h.action(services.OrderService.Refund))
		rt.Post("/{orderID}/ship", h.ship)
		rt.Post("/{orderID}/cancel", h.cancel)
	})
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	filter, ok := parseOrderListFilter(w, r)
	if !ok {
		return
	}
	filter.UserID = strings.TrimSpace(r.URL.Query().Get("userId"))

	page, err := h.orders.ListOrders(r.Context(), filter)
	if err != nil {
		writeOrderError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *AdminOrderHandlers) statistics(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	stats, err := h.orders.Statistics(r.Context())
	if err != nil {
		writeOrderError(r.Context(), w, err)
		return
	}
	counts := make(map[string]int, len(stats.CountsByStatus))
	for status, count := range stats.CountsByStatus {
		counts[string(status)] = count
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"totalOrders":    stats.TotalOrders,
		"countsByStatus": counts,
		"totalRevenue":   stats.TotalRevenue,
		"recentOrders":   stats.RecentOrders,
	})
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	order, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) statusDetail(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	detail, err := h.orders.StatusDetail(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildStatusDetailPayload(detail))
}

func (h *AdminOrderHandlers) availableTransitions(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	order, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildTransitionsResponse(order))
}

func (h *AdminOrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok || !h.available(w, r) {
		return
	}

	var req updateStatusRequest
	if err := httpx.DecodeJSON(r, maxOrderBodySize, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	target, ok := parseOrderStatus(req.Status)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
		return
	}

	cmd := services.OrderStatusTransitionCommand{
		OrderID:      chi.URLParam(r, "orderID"),
		TargetStatus: target,
		ActorID:      identity.UserID,
		Reason:       req.Reason,
	}
	if raw := strings.TrimSpace(req.ExpectedStatus); raw != "" {
		expected, ok := parseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expectedStatus must be a valid order status", http.StatusBadRequest))
			return
		}
		cmd.ExpectedStatus = &expected
	}

	order, err := h.orders.TransitionStatus(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) updateTracking(w http.ResponseWriter, r *http.Request) {
	h.withTracking(w, r, services.OrderService.UpdateTrackingNumber)
}

func (h *AdminOrderHandlers) ship(w http.ResponseWriter, r *http.Request) {
	h.withTracking(w, r, services.OrderService.Ship)
}

func (h *AdminOrderHandlers) withTracking(w http.ResponseWriter, r *http.Request, fn func(services.OrderService, context.Context, services.ShipOrderCommand) (services.Order, error)) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok || !h.available(w, r) {
		return
	}

	var req trackingRequest
	if err := httpx.DecodeJSON(r, maxOrderBodySize, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}

	order, err := fn(h.orders, ctx, services.ShipOrderCommand{
		OrderID:        chi.URLParam(r, "orderID"),
		TrackingNumber: req.TrackingNumber,
		ActorID:        identity.UserID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) cancel(w http.ResponseWriter, r *http.Request) {
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
		ActorIsStaff: true,
		Reason:       req.Reason,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) action(fn func(services.OrderService, context.Context, services.OrderActionCommand) (services.Order, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		identity, ok := requireIdentity(w, r)
		if !ok || !h.available(w, r) {
			return
		}
		order, err := fn(h.orders, ctx, services.OrderActionCommand{
			OrderID: chi.URLParam(r, "orderID"),
			ActorID: identity.UserID,
		})
		if err != nil {
			writeOrderError(ctx, w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
	}
}

func (h *AdminOrderHandlers) available(w http.ResponseWriter, r *http.Request) bool {
	if h.orders == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}
