package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/afero"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/metrics"
	"kasirinaja/ledger/internal/service"
	"kasirinaja/ledger/internal/store/file"
	"kasirinaja/ledger/internal/syncer"
	"kasirinaja/ledger/internal/syncq"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string]domain.Snapshot
}

func (c *mapCache) Get(_ context.Context, key string) (*domain.Snapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	return &snap, true, nil
}

func (c *mapCache) Set(_ context.Context, key string, value *domain.Snapshot, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = *value
	return nil
}

type syncStub struct {
	mu     sync.Mutex
	cycles int
}

func (s *syncStub) Status() syncer.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return syncer.Status{Online: true, Pending: s.cycles}
}

func (s *syncStub) Cycle(context.Context) {
	s.mu.Lock()
	s.cycles++
	s.mu.Unlock()
}

type testEnv struct {
	api     *API
	handler http.Handler
	svc     *service.Service
	queue   *syncq.Queue
	sync    *syncStub
	fs      afero.Fs
}

// newTestAPI wires a real ledger over an in-memory filesystem so handler
// tests exercise the complete request path.
func newTestAPI(t *testing.T, configure ...func(*Options)) *testEnv {
	t.Helper()
	ctx := context.Background()

	fs := afero.NewMemMapFs()
	records, err := file.Open(ctx, fs, "/data", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	queue := syncq.New()
	svc := service.New(records, queue, service.WithLocation(time.UTC))
	if err := svc.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	seed := []domain.User{
		{ID: "u1", Name: "Owner", PIN: "1234", Role: domain.RoleAdmin, Active: true},
		{ID: "u2", Name: "Kasir A", PIN: "5678", Role: domain.RoleCashier, Active: true},
		{ID: "u3", Name: "Former", PIN: "0000", Role: domain.RoleCashier, Active: false},
	}
	for _, u := range seed {
		if _, err := svc.AddUser(ctx, u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
	queue.Take()

	stub := &syncStub{}
	opts := Options{
		Cache: &mapCache{data: make(map[string]domain.Snapshot)},
		Sync:  stub,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	api := New(svc, NewAuthManager(svc, time.Hour), opts)
	return &testEnv{api: api, handler: api.Handler(), svc: svc, queue: queue, sync: stub, fs: fs}
}

func (e *testEnv) do(t *testing.T, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) deviceHeaders() map[string]string {
	return map[string]string{"X-API-KEY": e.svc.APIKey()}
}

func (e *testEnv) login(t *testing.T, userID, pin string) map[string]string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/login", domain.LoginRequest{UserID: userID, PIN: pin}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d (%s)", userID, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + resp.AccessToken}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v (%s)", err, rec.Body.String())
	}
	return out
}

func saleOp(id string, total int64) map[string]any {
	return map[string]any{
		"type": "new-transaction",
		"data": map[string]any{
			"id":            id,
			"timestamp":     "2026-03-10T09:00:00Z",
			"items":         []any{},
			"subtotal":      total,
			"tax":           0,
			"total":         total,
			"paymentMethod": "cash",
			"cashier":       "Mobile",
			"status":        "completed",
		},
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestAPI(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestStatusIsPublic(t *testing.T) {
	env := newTestAPI(t)

	rec := env.do(t, http.MethodGet, "/api/status", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody[map[string]any](t, rec); body["status"] != "ok" {
		t.Fatalf("unexpected status body %v", body)
	}
}

func TestConfigHandsOutPairingDetails(t *testing.T) {
	env := newTestAPI(t, func(o *Options) { o.Port = 4100 })

	rec := env.do(t, http.MethodGet, "/api/config", nil, nil)
	body := decodeBody[map[string]string](t, rec)
	if body["apiKey"] == "" || body["apiKey"] != env.svc.APIKey() {
		t.Fatalf("expected the installation secret, got %q", body["apiKey"])
	}
	if !strings.HasPrefix(body["apiUrl"], "http://") || !strings.HasSuffix(body["apiUrl"], ":4100") {
		t.Fatalf("unexpected api url %q", body["apiUrl"])
	}
}

func TestSyncRequiresSharedSecret(t *testing.T) {
	env := newTestAPI(t)

	cases := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong key", map[string]string{"X-API-KEY": "nope"}, http.StatusUnauthorized},
		{"api key header", env.deviceHeaders(), http.StatusOK},
		{"bearer secret", map[string]string{"Authorization": "Bearer " + env.svc.APIKey()}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/sync", nil, tc.headers)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestSyncGetServesSnapshotThroughCache(t *testing.T) {
	env := newTestAPI(t)

	first := env.do(t, http.MethodGet, "/api/sync", nil, env.deviceHeaders())
	if got := first.Header().Get("X-Cache"); got != "MISS" {
		t.Fatalf("expected first read to miss, got %q", got)
	}
	second := env.do(t, http.MethodGet, "/api/sync", nil, env.deviceHeaders())
	if got := second.Header().Get("X-Cache"); got != "HIT" {
		t.Fatalf("expected second read to hit, got %q", got)
	}

	stock := 3
	if _, err := env.svc.AddProduct(context.Background(), domain.Product{ID: 5, Name: "Teh", Price: decimal.NewFromInt(8), Stock: &stock}); err != nil {
		t.Fatalf("add product: %v", err)
	}

	third := env.do(t, http.MethodGet, "/api/sync", nil, env.deviceHeaders())
	if got := third.Header().Get("X-Cache"); got != "MISS" {
		t.Fatalf("expected a ledger change to bypass the cache, got %q", got)
	}
	snap := decodeBody[domain.Snapshot](t, third)
	if len(snap.Products) != 1 || snap.Products[0].Name != "Teh" {
		t.Fatalf("expected the new product, got %+v", snap.Products)
	}
	if len(snap.Users) != 3 || snap.BusinessSetup == nil {
		t.Fatalf("expected full snapshot, got %d users, business %v", len(snap.Users), snap.BusinessSetup)
	}
}

func TestSyncGetCapsTransactions(t *testing.T) {
	env := newTestAPI(t, func(o *Options) { o.SyncLimit = 2 })

	ops := []any{saleOp("TXN1", 10), saleOp("TXN2", 20), saleOp("TXN3", 30)}
	if rec := env.do(t, http.MethodPost, "/api/sync", ops, env.deviceHeaders()); rec.Code != http.StatusOK {
		t.Fatalf("seed transactions: %d %s", rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodGet, "/api/sync?limit=50", nil, env.deviceHeaders())
	snap := decodeBody[domain.Snapshot](t, rec)
	if len(snap.Transactions) != 2 {
		t.Fatalf("expected transactions capped at 2, got %d", len(snap.Transactions))
	}

	rec = env.do(t, http.MethodGet, "/api/sync?limit=1", nil, env.deviceHeaders())
	if snap := decodeBody[domain.Snapshot](t, rec); len(snap.Transactions) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(snap.Transactions))
	}
}

func TestSyncPostAcceptsArrayAndWrappedForms(t *testing.T) {
	env := newTestAPI(t)

	rec := env.do(t, http.MethodPost, "/api/sync", []any{saleOp("TXN1", 50)}, env.deviceHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("array form: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if body := decodeBody[map[string]any](t, rec); body["success"] != true || body["applied"] != float64(1) {
		t.Fatalf("unexpected response %v", body)
	}

	wrapped := map[string]any{"operations": []any{
		saleOp("TXN1", 50),
		map[string]any{"type": "add-expense", "data": map[string]any{
			"id": "EXP1", "description": "Gas", "amount": 40, "category": "utilities",
			"timestamp": "2026-03-10T08:00:00Z", "cashier": "Mobile",
		}},
	}}
	rec = env.do(t, http.MethodPost, "/api/sync", wrapped, env.deviceHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("wrapped form: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if body := decodeBody[map[string]any](t, rec); body["applied"] != float64(1) {
		t.Fatalf("duplicate transaction should be skipped, got %v", body)
	}

	if got := len(env.svc.Transactions()); got != 1 {
		t.Fatalf("expected one stored transaction, got %d", got)
	}
	if got := len(env.svc.Expenses()); got != 1 {
		t.Fatalf("expected one stored expense, got %d", got)
	}
	if got := env.queue.Len(); got != 2 {
		t.Fatalf("expected applied operations forwarded to the queue, got %d", got)
	}
}

func TestSyncPostRejectsInvalidPayload(t *testing.T) {
	env := newTestAPI(t)

	for name, body := range map[string]string{
		"object without operations": `{"foo": 1}`,
		"scalar":                    `"hello"`,
		"empty":                     ``,
		"element not an object":     `[5]`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/sync", body, env.deviceHeaders())
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
			}
		})
	}
	if env.queue.Len() != 0 {
		t.Fatalf("rejected payloads must not reach the queue")
	}
}

func TestSyncPostSkipsUnknownOperationsAndAppliesTheRest(t *testing.T) {
	env := newTestAPI(t)

	batch := []any{
		saleOp("TXN-A", 10),
		map[string]any{"type": "update-transaction", "data": map[string]any{"id": "TXN-A"}},
		map[string]any{"type": "new-transaction"},
		saleOp("TXN-B", 20),
	}
	for range 2 {
		rec := env.do(t, http.MethodPost, "/api/sync", batch, env.deviceHeaders())
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
		}
		if body := decodeBody[map[string]any](t, rec); body["skipped"] != float64(2) {
			t.Fatalf("expected two skipped operations, got %v", body)
		}
	}

	if got := len(env.svc.Transactions()); got != 2 {
		t.Fatalf("expected both sales stored once, got %d", got)
	}
	if got := env.queue.Len(); got != 2 {
		t.Fatalf("expected only the applied sales queued, got %d", got)
	}
}

func TestTransactionsEndpointIgnoresKnownIDs(t *testing.T) {
	env := newTestAPI(t)
	tx := saleOp("TXN7", 70)["data"]

	for range 2 {
		rec := env.do(t, http.MethodPost, "/api/transactions", tx, env.deviceHeaders())
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
		}
	}
	if got := len(env.svc.Transactions()); got != 1 {
		t.Fatalf("expected one transaction, got %d", got)
	}

	rec := env.do(t, http.MethodPost, "/api/transactions", map[string]any{"total": 5}, env.deviceHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a transaction without id, got %d", rec.Code)
	}
}

func TestPrintReceiptQueuesInsteadOfPrinting(t *testing.T) {
	env := newTestAPI(t)

	body := map[string]any{
		"transaction":   saleOp("TXN9", 90)["data"],
		"businessSetup": map[string]any{"isSetup": true, "businessName": "Warung"},
	}
	rec := env.do(t, http.MethodPost, "/api/print-receipt", body, env.deviceHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if resp := decodeBody[map[string]any](t, rec); resp["printId"] == "" {
		t.Fatalf("expected a print id, got %v", resp)
	}

	receipts := env.svc.MobileReceipts()
	if len(receipts) != 1 || receipts[0].ID != "TXN9" {
		t.Fatalf("expected TXN9 queued, got %+v", receipts)
	}
	if len(env.svc.Transactions()) != 0 {
		t.Fatalf("queued receipts are not sales until printed")
	}

	rec = env.do(t, http.MethodPost, "/api/print-receipt", map[string]any{"transaction": map[string]any{}}, env.deviceHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an empty receipt, got %d", rec.Code)
	}
}

func TestDevicesAreTrackedByAddress(t *testing.T) {
	env := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.RemoteAddr = "192.168.1.20:5555"
	req.Header.Set("X-DEVICE-NAME", "Tablet 1")
	env.handler.ServeHTTP(httptest.NewRecorder(), req)

	rec := env.do(t, http.MethodGet, "/api/devices", nil, env.deviceHeaders())
	body := decodeBody[struct {
		Devices []domain.Device `json:"devices"`
	}](t, rec)

	var found bool
	for _, d := range body.Devices {
		if d.Address == "192.168.1.20" && d.Name == "Tablet 1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected Tablet 1 in %+v", body.Devices)
	}
}

func TestSyncStatusAndTrigger(t *testing.T) {
	env := newTestAPI(t)

	rec := env.do(t, http.MethodPost, "/api/sync/trigger", nil, env.deviceHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if env.sync.cycles != 1 {
		t.Fatalf("expected one cycle, got %d", env.sync.cycles)
	}

	cashier := env.login(t, "u2", "5678")
	if rec := env.do(t, http.MethodPost, "/api/sync/trigger", nil, cashier); rec.Code != http.StatusForbidden {
		t.Fatalf("cashier trigger: expected 403, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/sync/status", nil, cashier)
	status := decodeBody[syncer.Status](t, rec)
	if !status.Online || status.Pending != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestSyncRoutesWithoutEngine(t *testing.T) {
	env := newTestAPI(t, func(o *Options) { o.Sync = nil })

	rec := env.do(t, http.MethodGet, "/api/sync/status", nil, env.deviceHeaders())
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestLoginIssuesSessionToken(t *testing.T) {
	env := newTestAPI(t)
	headers := env.login(t, "u1", "1234")

	rec := env.do(t, http.MethodGet, "/api/products", nil, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected session token to authorize, got %d", rec.Code)
	}
}

func TestLoginFailures(t *testing.T) {
	env := newTestAPI(t)

	cases := []struct {
		name string
		req  domain.LoginRequest
		want int
	}{
		{"wrong pin", domain.LoginRequest{UserID: "u1", PIN: "9999"}, http.StatusUnauthorized},
		{"unknown user", domain.LoginRequest{UserID: "ghost", PIN: "1234"}, http.StatusUnauthorized},
		{"inactive", domain.LoginRequest{UserID: "u3", PIN: "0000"}, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/auth/login", tc.req, nil)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestDeveloperUnlock(t *testing.T) {
	env := newTestAPI(t)
	if err := env.svc.SetDeveloperPIN(context.Background(), "9876"); err != nil {
		t.Fatalf("set developer pin: %v", err)
	}
	admin := env.login(t, "u1", "1234")

	if rec := env.do(t, http.MethodPost, "/api/developer/unlock", map[string]string{"pin": "9876"}, admin); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/developer/unlock", map[string]string{"pin": "1111"}, admin); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong PIN, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/developer/unlock", map[string]string{"pin": "9876"}, env.deviceHeaders()); rec.Code != http.StatusForbidden {
		t.Fatalf("expected devices to be refused, got %d", rec.Code)
	}
}

func TestProductImagesAreServedFromAssets(t *testing.T) {
	images := afero.NewMemMapFs()
	if err := afero.WriteFile(images, "/kopi.png", []byte("png"), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	env := newTestAPI(t, func(o *Options) { o.Assets = afero.NewHttpFs(images) })

	if _, err := env.svc.AddProduct(context.Background(), domain.Product{
		ID: 1, Name: "Kopi", Price: decimal.NewFromInt(10), LocalImage: `C:\pos\images\kopi.png`,
	}); err != nil {
		t.Fatalf("add product: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/products", nil, env.deviceHeaders())
	products := decodeBody[[]domain.Product](t, rec)
	if len(products) != 1 || !strings.HasSuffix(products[0].Image, "/assets/kopi.png") {
		t.Fatalf("expected rewritten image url, got %+v", products)
	}

	rec = env.do(t, http.MethodGet, "/assets/kopi.png", nil, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "png" {
		t.Fatalf("expected image bytes, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestMetricsCountRequests(t *testing.T) {
	env := newTestAPI(t, func(o *Options) { o.Metrics = metrics.New() })

	env.do(t, http.MethodGet, "/api/status", nil, nil)
	rec := env.do(t, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `pos_http_requests_total{method="GET",route="/api/status",status="200"} 1`) {
		t.Fatalf("expected request counter in exposition:\n%s", rec.Body.String())
	}
}
