package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"maps"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shopvn/orderflow/internal/platform/auth"
	"github.com/shopvn/orderflow/internal/platform/httpx"
	"github.com/shopvn/orderflow/internal/platform/requestctx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
	maxKeyLength      = 255
	anonymous         = "anonymous"
)

type middlewareConfig struct {
	headerName string
	ttl        time.Duration
	methods    map[string]bool
	optional   bool
	clock      func() time.Time
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the request header carrying the key.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.headerName = name
		}
	}
}

// WithTTL sets how long a completed response stays replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithMethods replaces the guarded HTTP methods. The default guards every unsafe method.
func WithMethods(methods ...string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		set := make(map[string]bool, len(methods))
		for _, method := range methods {
			if method = strings.ToUpper(strings.TrimSpace(method)); method != "" {
				set[method] = true
			}
		}
		if len(set) > 0 {
			cfg.methods = set
		}
	}
}

// WithOptionalKey lets requests without the header through unguarded. Order creation and
// payment creation accept a key but do not demand one.
func WithOptionalKey() MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.optional = true
	}
}

func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// Middleware makes unsafe requests retry-safe. The first request under a key runs and its
// response is stored; a repeat with the same body replays that response with
// X-Idempotent-Replay set, a repeat with a different body is rejected, and a repeat while the
// first is still running gets 409. Keys are scoped to the authenticated user, so the
// middleware must run after authentication. 5xx responses are not stored.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	g := &guard{
		store: store,
		cfg: middlewareConfig{
			headerName: defaultHeaderName,
			ttl:        DefaultTTL,
			methods: map[string]bool{
				http.MethodPost:   true,
				http.MethodPut:    true,
				http.MethodPatch:  true,
				http.MethodDelete: true,
			},
			clock: time.Now,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&g.cfg)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serve(next, w, r)
		})
	}
}

type guard struct {
	store Store
	cfg   middlewareConfig
}

// ticket identifies one reserved request.
type ticket struct {
	key         string
	fingerprint string
}

func (g *guard) serve(next http.Handler, w http.ResponseWriter, r *http.Request) {
	if !g.cfg.methods[r.Method] {
		next.ServeHTTP(w, r)
		return
	}
	key := strings.TrimSpace(r.Header.Get(g.cfg.headerName))
	if key == "" && g.cfg.optional {
		next.ServeHTTP(w, r)
		return
	}

	t, ok := g.admit(w, r, key)
	if !ok {
		return
	}

	rec := newResponseRecorder(w)
	next.ServeHTTP(rec, r)
	g.finish(r.Context(), w, t, rec)
}

// admit validates the key and reserves it. It writes the response itself, replay or error,
// and returns false when the handler must not run.
func (g *guard) admit(w http.ResponseWriter, r *http.Request, key string) (ticket, bool) {
	ctx := r.Context()
	switch {
	case key == "":
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", "missing idempotency key header", http.StatusBadRequest))
		return ticket{}, false
	case len(key) > maxKeyLength:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", "idempotency key too long", http.StatusBadRequest))
		return ticket{}, false
	}

	body, err := bufferBody(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		return ticket{}, false
	}

	requester := requesterID(ctx)
	t := ticket{key: scopedKey(key, requester), fingerprint: requestFingerprint(r, body, requester)}

	reservation, err := g.store.Reserve(ctx, t.key, t.fingerprint, g.cfg.clock().UTC(), g.cfg.ttl)
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusConflict))
		return ticket{}, false
	case err != nil:
		requestctx.Logger(ctx).Error("idempotency reserve failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error", "unable to process idempotency key", http.StatusInternalServerError))
		return ticket{}, false
	}

	switch reservation.State {
	case ReservationStateCompleted:
		replay(w, reservation.Record)
		return ticket{}, false
	case ReservationStatePending:
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict))
		return ticket{}, false
	}
	return t, true
}

// finish stores the buffered response and forwards it. Server errors release the key so the
// client can retry with it.
func (g *guard) finish(ctx context.Context, w http.ResponseWriter, t ticket, rec *responseRecorder) {
	logger := requestctx.Logger(ctx)
	if rec.Status() >= http.StatusInternalServerError {
		g.release(ctx, t, logger)
		rec.Commit()
		return
	}

	resp := Response{Status: rec.Status(), Headers: rec.header.Clone(), Body: rec.body.Bytes()}
	if err := g.store.SaveResponse(ctx, t.key, t.fingerprint, resp, g.cfg.clock().UTC(), g.cfg.ttl); err != nil {
		logger.Error("idempotency save failed", zap.Error(err))
		g.release(ctx, t, logger)
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error", "unable to persist idempotency state", http.StatusInternalServerError))
		return
	}
	rec.Commit()
}

func (g *guard) release(ctx context.Context, t ticket, logger *zap.Logger) {
	if err := g.store.Release(ctx, t.key, t.fingerprint); err != nil {
		logger.Warn("idempotency release failed", zap.Error(err))
	}
}

// RunCleanup deletes expired records every interval until ctx is done. Redis expires keys on
// its own and does not implement Cleaner.
func RunCleanup(ctx context.Context, cleaner Cleaner, interval time.Duration, batch int, logger *zap.Logger) {
	if cleaner == nil || interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := cleaner.CleanupExpired(ctx, now.UTC(), batch)
			if err != nil {
				logger.Warn("idempotency cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Debug("idempotency cleanup", zap.Int("removed", removed))
			}
		}
	}
}

// bufferBody reads the body and puts a replayable copy back on r.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// requestFingerprint hashes everything that makes two requests "the same" for replay:
// method, path, query, caller and body.
func requestFingerprint(r *http.Request, body []byte, requester string) string {
	h := sha256.New()
	for _, part := range []string{strings.ToUpper(r.Method), r.URL.Path, r.URL.RawQuery, requester} {
		_, _ = io.WriteString(h, part)
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func requesterID(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UserID != "" {
		return identity.UserID
	}
	return anonymous
}

func scopedKey(key, requester string) string {
	return requester + ":" + strings.TrimSpace(key)
}

func replay(w http.ResponseWriter, record Record) {
	header := w.Header()
	for name, values := range record.ResponseHeaders {
		header[name] = append([]string(nil), values...)
	}
	header.Set(replayHeaderName, "true")
	w.WriteHeader(max(record.ResponseStatus, http.StatusOK))
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

// responseRecorder holds the handler output until it has been stored.
type responseRecorder struct {
	parent http.ResponseWriter
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseRecorder(parent http.ResponseWriter) *responseRecorder {
	return &responseRecorder{parent: parent, header: make(http.Header)}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(data)
}

func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *responseRecorder) Commit() {
	maps.Copy(r.parent.Header(), r.header)
	r.parent.WriteHeader(r.Status())
	if r.body.Len() > 0 {
		_, _ = r.parent.Write(r.body.Bytes())
	}
}
