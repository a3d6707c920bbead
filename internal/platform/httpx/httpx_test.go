package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopvn/orderflow/internal/platform/requestctx"
)

func TestWriteErrorIncludesTraceAndDetails(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "trace-1"})
	rr := httptest.NewRecorder()

	WriteError(ctx, rr, NewError("invalid_transition", "cannot ship\npending order", http.StatusConflict).
		WithDetails(map[string]any{"current": "PENDING"}))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "invalid_transition" || body["message"] != "cannot ship pending order" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["trace_id"] != "trace-1" || body["current"] != "PENDING" {
		t.Fatalf("expected trace and details, got %v", body)
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Reason string `json:"reason"`
	}

	var got payload
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"đổi ý"}`))
	if err := DecodeJSON(req, 1024, &got); err != nil || got.Reason != "đổi ý" {
		t.Fatalf("unexpected decode result %+v, %v", got, err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"unknown":1}`))
	if err := DecodeJSON(req, 1024, &got); err == nil {
		t.Fatalf("expected unknown field rejection")
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 20)))
	if err := DecodeJSON(req, 10, &got); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	if err := DecodeJSON(req, 10, &got); err != nil {
		t.Fatalf("expected empty body to be accepted, got %v", err)
	}
}

func TestWriteErrorDetailsCannotOverrideEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(context.Background(), rr, NewError("empty_cart", "cart is empty", 0).
		WithDetails(map[string]any{"error": "spoofed", "cartId": "cart-1"}))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected zero status to default to 500, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "empty_cart" || body["cartId"] != "cart-1" {
		t.Fatalf("unexpected body %v", body)
	}
	if _, ok := body["request_id"]; ok {
		t.Fatalf("expected no request_id without chi middleware, got %v", body)
	}
}
