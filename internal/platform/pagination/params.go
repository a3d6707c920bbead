package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize applies when the client omits pageSize.
	DefaultPageSize = 20
	// MaxPageSize caps pageSize.
	MaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Params is the validated page request read from a query string.
type Params struct {
	PageSize  int
	PageToken string
}

// FromRequest parses pageSize and pageToken from the request query.
func FromRequest(r *http.Request) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query())
}

// Parse validates pageSize and pageToken. Oversized pages are clamped rather than rejected.
func Parse(values url.Values) (Params, error) {
	size, err := parseSize(values.Get("pageSize"))
	if err != nil {
		return Params{}, err
	}
	token := strings.TrimSpace(values.Get("pageToken"))
	if _, err := DecodeToken(token); err != nil {
		return Params{}, err
	}
	return Params{PageSize: size, PageToken: token}, nil
}

func parseSize(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultPageSize, nil
	}
	size, err := strconv.Atoi(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	case size <= 0:
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
	}
	return ClampPageSize(size), nil
}

// ClampPageSize applies the default and maximum page sizes.
func ClampPageSize(size int) int {
	if size <= 0 {
		return DefaultPageSize
	}
	return min(size, MaxPageSize)
}

// Window decodes the token and clamps the size for a repository query. Stores fetch
// size+1 items after the cursor so Cut can tell whether another page exists.
func Window(token string, size int) (Cursor, int, error) {
	cursor, err := DecodeToken(token)
	if err != nil {
		return Cursor{}, 0, err
	}
	return cursor, ClampPageSize(size), nil
}

// Cut trims items fetched for a window of size and returns the token of the next page, which
// is empty when nothing was fetched beyond size.
func Cut[T any](items []T, size int, cursorOf func(T) Cursor) ([]T, string, error) {
	if len(items) <= size {
		return items, "", nil
	}
	items = items[:size]
	if size == 0 {
		return items, "", nil
	}
	token, err := EncodeToken(cursorOf(items[size-1]))
	if err != nil {
		return nil, "", err
	}
	return items, token, nil
}
