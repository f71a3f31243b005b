package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"kasirinaja/ledger/internal/cache"
	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/metrics"
	"kasirinaja/ledger/internal/service"
	"kasirinaja/ledger/internal/syncer"
	"kasirinaja/ledger/internal/xid"
)

const maxBodyBytes = 50 << 20

var errInvalidPayload = errors.New("invalid payload")

// SyncController is the part of the sync engine the API exposes.
type SyncController interface {
	Status() syncer.Status
	Cycle(ctx context.Context)
}

type Options struct {
	AllowedOrigin string
	Port          int
	// SyncLimit caps the transactions returned by GET /api/sync.
	SyncLimit int
	Cache     cache.SnapshotCache
	CacheTTL  time.Duration
	Sync      SyncController
	// Assets serves product images under /assets/.
	Assets  http.FileSystem
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type API struct {
	service      *service.Service
	auth         *AuthManager
	opts         Options
	logger       *zap.Logger
	devices      *deviceRegistry
	loginLimiter *attemptLimiter
	pinLimiter   *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	if opts.Port <= 0 {
		opts.Port = 3000
	}
	if opts.SyncLimit <= 0 {
		opts.SyncLimit = 200
	}
	if opts.Cache == nil {
		opts.Cache = cache.NoopSnapshotCache{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &API{
		service:      svc,
		auth:         auth,
		opts:         opts,
		logger:       opts.Logger.Named("http"),
		devices:      newDeviceRegistry(),
		loginLimiter: newAttemptLimiter(5, time.Minute),
		pinLimiter:   newAttemptLimiter(5, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().Unmap().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/status", a.handleStatus)
	mux.HandleFunc("/api/config", a.handleConfig)
	mux.HandleFunc("/api/auth/login", a.handleLogin)
	mux.Handle("/metrics", a.opts.Metrics.Handler())

	mux.HandleFunc("/api/sync", a.requireAuth(a.handleSync))
	mux.HandleFunc("/api/sync/status", a.requireAuth(a.handleSyncStatus))
	mux.HandleFunc("/api/sync/trigger", a.requireAuth(a.handleSyncTrigger, domain.RoleDevice, domain.RoleAdmin, domain.RoleManager))
	mux.HandleFunc("/api/products", a.requireAuth(a.handleProducts))
	mux.HandleFunc("/api/users", a.requireAuth(a.handleUsers))
	mux.HandleFunc("/api/transactions", a.requireAuth(a.handleTransactions))
	mux.HandleFunc("/api/print-receipt", a.requireAuth(a.handlePrintReceipt))
	mux.HandleFunc("/api/devices", a.requireAuth(a.handleDevices))
	mux.HandleFunc("/api/developer/unlock", a.requireAuth(a.handleDeveloperUnlock, domain.RoleAdmin, domain.RoleManager))
	a.registerTill(mux)

	if a.opts.Assets != nil {
		mux.Handle("/assets/", http.StripPrefix("/assets/", http.FileServer(a.opts.Assets)))
	}

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.auth.Authorize(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, ErrUnauthorized)
			return
		}
		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	a.logger.Debug("status check", zap.String("remote", clientKey(r)))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": "POS server online",
	})
}

// handleConfig hands a device on the local network what it needs to pair.
func (a *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"apiKey": a.service.APIKey(),
		"apiUrl": a.baseURL(),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	switch {
	case errors.Is(err, service.ErrInactiveUser):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err)
	case err != nil:
		a.internalError(w, err)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.serveSnapshot(w, r)
	case http.MethodPost:
		a.applyOperations(w, r)
	default:
		writeMethodNotAllowed(w)
	}
}

// serveSnapshot answers from the cache while the ledger version is unchanged.
func (a *API) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), a.opts.SyncLimit, a.opts.SyncLimit)
	key := fmt.Sprintf("sync-snapshot:v%d:l%d", a.service.Version(), limit)

	cached, ok, err := a.opts.Cache.Get(r.Context(), key)
	if err != nil {
		a.logger.Warn("snapshot cache read failed", zap.Error(err))
	}
	if ok && cached != nil {
		w.Header().Set("X-Cache", "HIT")
		writeJSON(w, http.StatusOK, cached)
		return
	}

	snap := a.service.Snapshot(limit)
	a.rewriteImages(snap.Products)
	if err := a.opts.Cache.Set(r.Context(), key, &snap, a.opts.CacheTTL); err != nil {
		a.logger.Warn("snapshot cache write failed", zap.Error(err))
	}
	w.Header().Set("X-Cache", "MISS")
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) applyOperations(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ops, skipped, err := decodeOperations(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	for _, skip := range skipped {
		a.logger.Warn("skipping device operation",
			zap.Int("index", skip.Index), zap.String("type", skip.Type), zap.String("reason", skip.Reason))
	}

	applied, err := a.service.ApplyOperations(r.Context(), ops)
	if err != nil {
		a.internalError(w, err)
		return
	}
	a.logger.Info("applied device operations",
		zap.Int("received", len(ops)+len(skipped)), zap.Int("applied", applied), zap.Int("skipped", len(skipped)))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "applied": applied, "skipped": len(skipped)})
}

type skippedOperation struct {
	Index  int
	Type   string
	Reason string
}

// decodeOperations accepts a bare array or {"operations": [...]} of
// {type, data} objects. Elements of an unknown type or with an undecodable
// payload are skipped so a device resending the batch is not stuck on them.
func decodeOperations(raw []byte) ([]domain.SyncOperation, []skippedOperation, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil, errInvalidPayload
	}

	var elements []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", errInvalidPayload, err)
		}
	case '{':
		var wrapped struct {
			Operations *[]json.RawMessage `json:"operations"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", errInvalidPayload, err)
		}
		if wrapped.Operations == nil {
			return nil, nil, errInvalidPayload
		}
		elements = *wrapped.Operations
	default:
		return nil, nil, errInvalidPayload
	}

	ops := make([]domain.SyncOperation, 0, len(elements))
	var skipped []skippedOperation
	for i, element := range elements {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(element, &head); err != nil {
			return nil, nil, fmt.Errorf("%w: operation %d: %w", errInvalidPayload, i, err)
		}
		var op domain.SyncOperation
		if err := json.Unmarshal(element, &op); err != nil {
			skipped = append(skipped, skippedOperation{Index: i, Type: head.Type, Reason: err.Error()})
			continue
		}
		ops = append(ops, op)
	}
	return ops, skipped, nil
}

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if a.opts.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("sync engine disabled"))
		return
	}
	writeJSON(w, http.StatusOK, a.opts.Sync.Status())
}

func (a *API) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if a.opts.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("sync engine disabled"))
		return
	}
	a.opts.Sync.Cycle(r.Context())
	writeJSON(w, http.StatusOK, a.opts.Sync.Status())
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	products := a.service.Products()
	a.rewriteImages(products)
	writeJSON(w, http.StatusOK, products)
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, a.service.Users())
}

// handleTransactions takes one sale recorded on a device; ids already known are ignored.
func (a *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var tx domain.Transaction
	if err := decodeJSON(r, &tx); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(tx.ID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("transaction id is required"))
		return
	}

	if _, err := a.service.ApplyOperations(r.Context(), []domain.SyncOperation{domain.NewOp(domain.NewTransaction(tx))}); err != nil {
		a.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type printReceiptRequest struct {
	Transaction   domain.Transaction     `json:"transaction"`
	BusinessSetup *domain.BusinessConfig `json:"businessSetup,omitempty"`
}

func (a *API) handlePrintReceipt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req printReceiptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	receipt, err := a.service.QueueMobileReceipt(r.Context(), req.Transaction)
	if err != nil {
		if errors.Is(err, service.ErrEmptyReceipt) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		a.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "printId": receipt.PrintID})
}

func (a *API) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": a.devices.List()})
}

func (a *API) handleDeveloperUnlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.pinLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many PIN attempts"))
		return
	}

	var req struct {
		PIN string `json:"pin"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.service.VerifyDeveloperPIN(req.PIN) {
		writeError(w, http.StatusUnauthorized, errors.New("invalid developer PIN"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unlocked": true})
}

func (a *API) baseURL() string {
	return "http://" + localIPv4() + ":" + strconv.Itoa(a.opts.Port)
}

// rewriteImages points products with a locally stored image at /assets/.
func (a *API) rewriteImages(products []domain.Product) {
	if a.opts.Assets == nil {
		return
	}
	base := a.baseURL()
	for i, p := range products {
		if p.LocalImage == "" || strings.HasPrefix(p.Image, "http") {
			continue
		}
		products[i].Image = base + "/assets/" + path.Base(strings.ReplaceAll(p.LocalImage, `\`, "/"))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.opts.AllowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-KEY, X-DEVICE-NAME")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		a.devices.Seen(clientKey(r), deviceName(r))

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = xid.Request()
		}
		w.Header().Set("X-Request-ID", requestID)

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(startedAt)
		a.opts.Metrics.ObserveRequest(r.Method, route, rec.status, elapsed)
		a.logger.Debug("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed),
		)
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func (a *API) internalError(w http.ResponseWriter, err error) {
	a.logger.Warn("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, err)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError hides 5xx details; 4xx messages go back to the caller as-is.
func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
