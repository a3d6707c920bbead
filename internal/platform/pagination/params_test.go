package pagination

import (
	"encoding/base64"
	"errors"
	"net/url"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size %d got %d", DefaultPageSize, params.PageSize)
	}
	if params.PageToken != "" {
		t.Fatalf("expected empty page token got %q", params.PageToken)
	}
}

func TestParsePageSizeClamped(t *testing.T) {
	values := url.Values{}
	values.Set("pageSize", "400")
	params, err := Parse(values)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != MaxPageSize {
		t.Fatalf("expected page size clamped to %d got %d", MaxPageSize, params.PageSize)
	}
}

func TestParseInvalidPageSize(t *testing.T) {
	for _, raw := range []string{"abc", "0", "-3"} {
		values := url.Values{}
		values.Set("pageSize", raw)
		if _, err := Parse(values); !errors.Is(err, ErrInvalidPageSize) {
			t.Fatalf("pageSize %q: expected ErrInvalidPageSize got %v", raw, err)
		}
	}
}

func TestTokenRoundTrip(t *testing.T) {
	cursor := Cursor{CreatedAt: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC), ID: "ord_01"}
	token, err := EncodeToken(cursor)
	if err != nil {
		t.Fatalf("EncodeToken returned error: %v", err)
	}

	values := url.Values{}
	values.Set("pageToken", token)
	params, err := Parse(values)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	decoded, err := DecodeToken(params.PageToken)
	if err != nil {
		t.Fatalf("DecodeToken returned error: %v", err)
	}
	if !decoded.CreatedAt.Equal(cursor.CreatedAt) || decoded.ID != cursor.ID {
		t.Fatalf("expected %+v got %+v", cursor, decoded)
	}
}

func TestParseInvalidPageToken(t *testing.T) {
	values := url.Values{}
	values.Set("pageToken", "%%%")
	if _, err := Parse(values); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken got %v", err)
	}
}

func TestEncodeZeroCursor(t *testing.T) {
	token, err := EncodeToken(Cursor{})
	if err != nil || token != "" {
		t.Fatalf("expected empty token, got %q err %v", token, err)
	}
}

func TestDecodeTokenRejectsForeignPayload(t *testing.T) {
	foreign := base64.RawURLEncoding.EncodeToString([]byte(`{"id":"ord_01"}`))
	if _, err := DecodeToken(foreign); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken got %v", err)
	}
}

func TestCursorPrecedes(t *testing.T) {
	at := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	cursor := Cursor{CreatedAt: at, ID: "ord_05"}

	if !cursor.Precedes(at.Add(time.Minute), "ord_01") {
		t.Fatalf("newer order must precede the cursor")
	}
	if !cursor.Precedes(at, "ord_05") || !cursor.Precedes(at, "ord_09") {
		t.Fatalf("same timestamp with id >= cursor must precede")
	}
	if cursor.Precedes(at, "ord_04") || cursor.Precedes(at.Add(-time.Second), "ord_99") {
		t.Fatalf("older orders belong to the next page")
	}
}

func TestWindowAndCut(t *testing.T) {
	if _, _, err := Window("%%", 10); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	cursor, size, err := Window("", 500)
	if err != nil || !cursor.IsZero() || size != MaxPageSize {
		t.Fatalf("unexpected window %v %d %v", cursor, size, err)
	}

	base := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	fetched := []Cursor{
		{CreatedAt: base.Add(3 * time.Minute), ID: "ord_3"},
		{CreatedAt: base.Add(2 * time.Minute), ID: "ord_2"},
		{CreatedAt: base.Add(time.Minute), ID: "ord_1"},
	}
	self := func(c Cursor) Cursor { return c }

	items, next, err := Cut(fetched, 2, self)
	if err != nil || len(items) != 2 || next == "" {
		t.Fatalf("expected two items and a next token, got %d %q %v", len(items), next, err)
	}
	decoded, _ := DecodeToken(next)
	if decoded.ID != "ord_2" || !decoded.CreatedAt.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("expected token to point at last returned item, got %+v", decoded)
	}

	items, next, _ = Cut(fetched, 3, self)
	if len(items) != 3 || next != "" {
		t.Fatalf("expected final page without token, got %d %q", len(items), next)
	}
}
