package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// fallbackFile serves secrets from a dotenv-style file for local runs and for remote outages.
// Keys are secret names with hyphens written as underscores and matched case-insensitively,
// e.g. VNPAY_HASH_SECRET=... answers secret://vnpay-hash-secret.
type fallbackFile struct {
	path string
	load func() (map[string]string, error)
}

func newFallbackFile(path string) *fallbackFile {
	f := &fallbackFile{path: strings.TrimSpace(path)}
	f.load = sync.OnceValues(f.read)
	return f
}

func (f *fallbackFile) lookup(name string) (string, bool, error) {
	values, err := f.load()
	if err != nil {
		return "", false, err
	}
	value, ok := values[fallbackKey(name)]
	return value, ok, nil
}

func (f *fallbackFile) read() (map[string]string, error) {
	values := map[string]string{}
	if f.path == "" {
		return values, nil
	}
	path := f.path
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	raw, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: read fallback file %s: %w", path, err)
	}
	for key, value := range raw {
		values[fallbackKey(key)] = value
	}
	return values, nil
}

func fallbackKey(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
}
