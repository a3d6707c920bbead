package observability

import (
	"strings"
	"testing"
)

func TestSanitizeText(t *testing.T) {
	cases := map[string]string{
		"  Khách đổi ý  ":                   "Khách đổi ý",
		"<script>alert(1)</script>Giao trễ": "Giao trễ",
		"<b>VN123</b>":                      "VN123",
		"Tom & Jerry":                       "Tom & Jerry",
	}
	for input, want := range cases {
		if got := SanitizeText(input); got != want {
			t.Errorf("SanitizeText(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestSanitizeRouteAndMethod(t *testing.T) {
	if got := SanitizeRoute(""); got != "/" {
		t.Fatalf("expected empty route to render as /, got %q", got)
	}
	if got := SanitizeRoute("/api/v1/orders\x00\x1b[31m"); got != "/api/v1/orders[31m" {
		t.Fatalf("expected control characters dropped, got %q", got)
	}
	if got := SanitizeMethod("DELETEEEEEEEE"); got != "DELETEEEEE" {
		t.Fatalf("expected method truncated to 10 runes, got %q", got)
	}
	long := strings.Repeat("đ", textLimit+5)
	if got := SanitizeText(long); len([]rune(got)) != textLimit {
		t.Fatalf("expected text truncated to %d runes, got %d", textLimit, len([]rune(got)))
	}
}
