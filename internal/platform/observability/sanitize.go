package observability

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

const (
	routeLimit  = 180
	methodLimit = 10
	textLimit   = 1000
)

var strictPolicy = bluemonday.StrictPolicy()

// sanitizeString drops control characters other than whitespace and keeps at most limit
// runes, so request data cannot forge log lines.
func sanitizeString(value string, limit int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, value)
	if runes := []rune(cleaned); len(runes) > limit {
		cleaned = string(runes[:limit])
	}
	return cleaned
}

func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, routeLimit)
}

func SanitizeMethod(method string) string {
	return sanitizeString(method, methodLimit)
}

// SanitizeText cleans free text stored on orders: cancellation reasons, notes, tracking
// numbers and shipping fields. Markup is stripped and the result is plain text, never
// HTML-escaped.
func SanitizeText(value string) string {
	stripped := html.UnescapeString(strictPolicy.Sanitize(value))
	return strings.TrimSpace(sanitizeString(stripped, textLimit))
}
