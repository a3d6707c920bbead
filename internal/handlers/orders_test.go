package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/shopvn/orderflow/internal/domain"
	"github.com/shopvn/orderflow/internal/platform/auth"
	"github.com/shopvn/orderflow/internal/platform/pagination"
	"github.com/shopvn/orderflow/internal/services"
)

// stubOrderService panics on any method a test did not configure.
type stubOrderService struct {
	services.OrderService
	createFn       func(context.Context, services.CreateOrderFromCartCommand) (services.Order, error)
	directFn       func(context.Context, services.CreateDirectOrderCommand) (services.Order, error)
	listFn         func(context.Context, services.OrderListFilter) (domain.CursorPage[services.Order], error)
	getFn          func(context.Context, string) (services.Order, error)
	getByNumberFn  func(context.Context, string) (services.Order, error)
	transitionFn   func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error)
	actionFn       func(string, services.OrderActionCommand) (services.Order, error)
	shipFn         func(context.Context, services.ShipOrderCommand) (services.Order, error)
	cancelFn       func(context.Context, services.CancelOrderCommand) (services.Order, error)
	statusDetailFn func(context.Context, string) (services.OrderStatusDetail, error)
	statisticsFn   func(context.Context) (services.OrderStats, error)
}

func (s *stubOrderService) CreateFromCart(ctx context.Context, cmd services.CreateOrderFromCartCommand) (services.Order, error) {
	return s.createFn(ctx, cmd)
}

func (s *stubOrderService) CreateDirect(ctx context.Context, cmd services.CreateDirectOrderCommand) (services.Order, error) {
	return s.directFn(ctx, cmd)
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	return s.listFn(ctx, filter)
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	return s.getFn(ctx, orderID)
}

func (s *stubOrderService) GetOrderByNumber(ctx context.Context, orderNumber string) (services.Order, error) {
	return s.getByNumberFn(ctx, orderNumber)
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	return s.transitionFn(ctx, cmd)
}

func (s *stubOrderService) Confirm(_ context.Context, cmd services.OrderActionCommand) (services.Order, error) {
	return s.actionFn("confirm", cmd)
}

func (s *stubOrderService) Process(_ context.Context, cmd services.OrderActionCommand) (services.Order, error) {
	return s.actionFn("process", cmd)
}

func (s *stubOrderService) Deliver(_ context.Context, cmd services.OrderActionCommand) (services.Order, error) {
	return s.actionFn("deliver", cmd)
}

func (s *stubOrderService) Refund(_ context.Context, cmd services.OrderActionCommand) (services.Order, error) {
	return s.actionFn("refund", cmd)
}

func (s *stubOrderService) Ship(ctx context.Context, cmd services.ShipOrderCommand) (services.Order, error) {
	return s.shipFn(ctx, cmd)
}

func (s *stubOrderService) UpdateTrackingNumber(ctx context.Context, cmd services.ShipOrderCommand) (services.Order, error) {
	return s.shipFn(ctx, cmd)
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	return s.cancelFn(ctx, cmd)
}

func (s *stubOrderService) StatusDetail(ctx context.Context, orderID string) (services.OrderStatusDetail, error) {
	return s.statusDetailFn(ctx, orderID)
}

func (s *stubOrderService) Statistics(ctx context.Context) (services.OrderStats, error) {
	return s.statisticsFn(ctx)
}

func newOrderRouter(service services.OrderService) chi.Router {
	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)
	return router
}

func serveAs(router http.Handler, req *http.Request, identity *auth.Identity) *httptest.ResponseRecorder {
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeErrorCode(t *testing.T, rr *httptest.ResponseRecorder) (string, map[string]any) {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rr.Body.String())
	}
	code, _ := body["error"].(string)
	return code, body
}

func sampleOrder(now time.Time) services.Order {
	return services.Order{
		ID:            "ord_1",
		OrderNumber:   "ORD-20250301-ABC12345",
		UserID:        "user-1",
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		PaymentMethod: "COD",
		Subtotal:      200000,
		ShippingFee:   30000,
		TaxAmount:     20000,
		TotalAmount:   250000,
		Lines: []services.OrderLine{
			{ProductID: "prod-1", ProductName: "Ao thun", Quantity: 2, UnitPrice: 100000, Subtotal: 200000},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestOrderHandlersCreateFromCart(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	var captured services.CreateOrderFromCartCommand
	service := &stubOrderService{
		createFn: func(_ context.Context, cmd services.CreateOrderFromCartCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(now), nil
		},
	}

	body := `{"shippingAddress":" 12 Le Loi ","phone":"0901234567","customerName":"An","paymentMethod":"COD","shippingFee":30000,"taxAmount":20000}`
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(body))
	rr := serveAs(newOrderRouter(service), req, &auth.Identity{UserID: "user-1"})

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" || captured.Shipping.ShippingAddress != "12 Le Loi" || captured.Shipping.ShippingFee != 30000 {
		t.Fatalf("unexpected command %+v", captured)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Order.TotalAmount != 250000 || len(resp.Order.Items) != 1 || resp.Order.StatusDisplayName == "" {
		t.Fatalf("unexpected payload %+v", resp.Order)
	}
}

func TestOrderHandlersCreateFromCartErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "empty cart", err: services.ErrEmptyCart, status: http.StatusBadRequest, code: "empty_cart"},
		{name: "stock", err: &services.InsufficientStockError{ProductID: "prod-1", ProductName: "Ao", Available: 1, Requested: 3}, status: http.StatusConflict, code: "insufficient_stock"},
		{name: "invalid", err: services.ErrOrderInvalidInput, status: http.StatusBadRequest, code: "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubOrderService{
				createFn: func(context.Context, services.CreateOrderFromCartCommand) (services.Order, error) {
					return services.Order{}, tc.err
				},
			}
			req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(`{}`))
			rr := serveAs(newOrderRouter(service), req, &auth.Identity{UserID: "user-1"})
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if code, _ := decodeErrorCode(t, rr); code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, code)
			}
		})
	}
}

func TestOrderHandlersInsufficientStockDetails(t *testing.T) {
	service := &stubOrderService{
		directFn: func(context.Context, services.CreateDirectOrderCommand) (services.Order, error) {
			return services.Order{}, &services.InsufficientStockError{ProductID: "prod-9", ProductName: "Mu", Available: 2, Requested: 5}
		},
	}
	req := httptest.NewRequest(http.MethodPost, "/orders/direct", bytes.NewBufferString(`{"items":[{"productId":"prod-9","quantity":5}]}`))
	rr := serveAs(newOrderRouter(service), req, &auth.Identity{UserID: "user-1"})

	_, body := decodeErrorCode(t, rr)
	if body["productId"] != "prod-9" || body["available"] != float64(2) || body["requested"] != float64(5) {
		t.Fatalf("expected stock details, got %v", body)
	}
}

func TestOrderHandlersCreateDirectMapsItems(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	var captured services.CreateDirectOrderCommand
	service := &stubOrderService{
		directFn: func(_ context.Context, cmd services.CreateDirectOrderCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(now), nil
		},
	}
	req := httptest.NewRequest(http.MethodPost, "/orders/direct", bytes.NewBufferString(`{"items":[{"productId":" prod-1 ","quantity":2}],"paymentMethod":"VNPAY"}`))
	rr := serveAs(newOrderRouter(service), req, &auth.Identity{UserID: "user-1"})

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if len(captured.Items) != 1 || captured.Items[0].ProductID != "prod-1" || captured.Items[0].Quantity != 2 {
		t.Fatalf("unexpected items %+v", captured.Items)
	}
	if captured.Shipping.PaymentMethod != "VNPAY" {
		t.Fatalf("expected payment method forwarded, got %q", captured.Shipping.PaymentMethod)
	}
}

func TestOrderHandlersRejectUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(`{"unexpected":true}`))
	rr := serveAs(newOrderRouter(&stubOrderService{}), req, &auth.Identity{UserID: "user-1"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestOrderHandlersRequireIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rr := serveAs(newOrderRouter(&stubOrderService{}), req, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestOrderHandlersListScopesToCaller(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	var captured services.OrderListFilter
	service := &stubOrderService{
		listFn: func(_ context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			captured = filter
			return domain.CursorPage[services.Order]{Items: []services.Order{sampleOrder(now)}, NextPageToken: "next"}, nil
		},
	}

	token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: now, ID: "ord_1"})
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/orders?status=paid&pageSize=5&pageToken="+token, nil)
	rr := serveAs(newOrderRouter(service), req, &auth.Identity{UserID: "user-1"})

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" || captured.Status != domain.OrderStatusPaid || captured.PageSize != 5 || captured.PageToken != token {
		t.Fatalf("unexpected filter %+v", captured)
	}
	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 1 || resp.NextPageToken != "next" {
		t.Fatalf("unexpected list %+v", resp)
	}
}

func TestOrderHandlersListRejectsBadQuery(t *testing.T) {
	for _, query := range []string{"status=lost", "pageToken=tok"} {
		req := httptest.NewRequest(http.MethodGet, "/orders?"+query, nil)
		rr := serveAs(newOrderRouter(&stubOrderService{}), req, &auth.Identity{UserID: "user-1"})
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, rr.Code)
		}
	}
}

func TestOrderHandlersHideForeignOrders(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	service := &stubOrderService{
		getFn: func(context.Context, string) (services.Order, error) {
			return sampleOrder(now), nil
		},
		getByNumberFn: func(context.Context, string) (services.Order, error) {
			return sampleOrder(now), nil
		},
	}
	router := newOrderRouter(service)

	for _, path := range []string{"/orders/ord_1", "/orders/number/ORD-20250301-ABC12345", "/orders/ord_1/transitions"} {
		rr := serveAs(router, httptest.NewRequest(http.MethodGet, path, nil), &auth.Identity{UserID: "user-2"})
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404 for foreign order, got %d", path, rr.Code)
		}
	}

	rr := serveAs(router, httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil), &auth.Identity{UserID: "staff-1", Roles: []string{auth.RoleStaff}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected staff to read any order, got %d", rr.Code)
	}
}

func TestOrderHandlersTransitions(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	service := &stubOrderService{
		getFn: func(context.Context, string) (services.Order, error) {
			order := sampleOrder(now)
			order.Status = domain.OrderStatusPaid
			return order, nil
		},
	}
	rr := serveAs(newOrderRouter(service), httptest.NewRequest(http.MethodGet, "/orders/ord_1/transitions", nil), &auth.Identity{UserID: "user-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp transitionsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.CurrentStatus != "PAID" || !resp.CanBeCancelled {
		t.Fatalf("unexpected transitions %+v", resp)
	}
	want := map[string]bool{"CONFIRMED": true, "CANCELLED": true}
	if len(resp.Transitions) != len(want) {
		t.Fatalf("unexpected transitions %+v", resp.Transitions)
	}
	for _, option := range resp.Transitions {
		if !want[option.Status] || option.DisplayName == "" {
			t.Fatalf("unexpected option %+v", option)
		}
	}
}

func TestOrderHandlersStatusDetail(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	shipped := now.Add(time.Hour)
	service := &stubOrderService{
		getFn: func(context.Context, string) (services.Order, error) {
			return sampleOrder(now), nil
		},
		statusDetailFn: func(_ context.Context, orderID string) (services.OrderStatusDetail, error) {
			return services.OrderStatusDetail{
				OrderID:           orderID,
				OrderNumber:       "ORD-20250301-ABC12345",
				Status:            domain.OrderStatusShipped,
				StatusDisplayName: "Shipped",
				TrackingNumber:    "VN123",
				CreatedAt:         now,
				ShippedAt:         &shipped,
			}, nil
		},
	}
	rr := serveAs(newOrderRouter(service), httptest.NewRequest(http.MethodGet, "/orders/ord_1/status", nil), &auth.Identity{UserID: "user-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp statusDetailPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TrackingNumber != "VN123" || resp.ShippedAt == "" || resp.DeliveredAt != "" {
		t.Fatalf("unexpected status detail %+v", resp)
	}
}

func TestOrderHandlersCancel(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	var captured services.CancelOrderCommand
	service := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(now)
			order.Status = domain.OrderStatusCancelled
			order.CancellationReason = cmd.Reason
			return order, nil
		},
	}
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1/cancel", bytes.NewBufferString(`{"reason":"changed my mind"}`))
	rr := serveAs(newOrderRouter(service), req, &auth.Identity{UserID: "user-1"})

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if captured.OrderID != "ord_1" || captured.ActorID != "user-1" || captured.ActorIsStaff || captured.Reason != "changed my mind" {
		t.Fatalf("unexpected cancel command %+v", captured)
	}
}

func TestOrderHandlersCancelErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "not cancellable", err: services.ErrOrderNotCancellable, status: http.StatusConflict, code: "order_not_cancellable"},
		{name: "forbidden", err: services.ErrOrderForbidden, status: http.StatusNotFound, code: "order_not_found"},
		{name: "transition", err: &services.InvalidTransitionError{Current: domain.OrderStatusShipped, Target: domain.OrderStatusCancelled, OrderNumber: "ORD-1"}, status: http.StatusConflict, code: "invalid_transition"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubOrderService{
				cancelFn: func(context.Context, services.CancelOrderCommand) (services.Order, error) {
					return services.Order{}, tc.err
				},
			}
			req := httptest.NewRequest(http.MethodPost, "/orders/ord_1/cancel", nil)
			rr := serveAs(newOrderRouter(service), req, &auth.Identity{UserID: "user-1"})
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if code, _ := decodeErrorCode(t, rr); code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, code)
			}
		})
	}
}

func TestOrderHandlersUnavailableService(t *testing.T) {
	rr := serveAs(newOrderRouter(nil), httptest.NewRequest(http.MethodGet, "/orders", nil), &auth.Identity{UserID: "user-1"})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
